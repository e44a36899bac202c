// Package broker defines the contract between the gateway and an execution venue.
package broker

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"order-gateway-go/internal/models"
	"order-gateway-go/internal/orderstate"
)

var (
	// ErrTimeout means the call did not finish in time. The broker may or may not
	// have acted on it.
	ErrTimeout = errors.New("broker call timed out")
	// ErrUncertain means the outcome of the call is unknown (network failure, 5xx).
	ErrUncertain = errors.New("broker outcome unknown")
	// ErrUnknownOrder is returned by Status when the broker has no record of the order.
	ErrUnknownOrder = errors.New("order unknown to broker")
	// ErrUnknownBroker is returned by the registry for an unregistered name.
	ErrUnknownBroker = errors.New("unknown broker")
)

// RejectError is an explicit refusal by the broker. The order becomes REJECTED.
type RejectError struct {
	Reason string
}

func (e *RejectError) Error() string {
	return "broker rejected order: " + e.Reason
}

// Reject builds a RejectError.
func Reject(format string, args ...any) error {
	return &RejectError{Reason: fmt.Sprintf(format, args...)}
}

// AsReject reports whether err is an explicit broker refusal.
func AsReject(err error) (*RejectError, bool) {
	var rej *RejectError
	if errors.As(err, &rej) {
		return rej, true
	}
	return nil, false
}

// IsUncertain reports whether err leaves the broker-side outcome unknown.
func IsUncertain(err error) bool {
	return errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrUncertain) ||
		errors.Is(err, context.DeadlineExceeded)
}

// Ack is what the broker reported about an order.
type Ack struct {
	BrokerOrderID  string
	Status         orderstate.Status
	FilledQuantity int64
	Message        string
}

// Adapter places, cancels and queries orders at one broker.
// Implementations must honour ctx cancellation and report it as ErrTimeout.
type Adapter interface {
	Name() string
	Place(ctx context.Context, order models.Order) (Ack, error)
	Cancel(ctx context.Context, order models.Order) (Ack, error)
	Status(ctx context.Context, order models.Order) (Ack, error)
}

// Funds is the account margin summary.
type Funds struct {
	AvailableCash   decimal.Decimal `json:"available_cash"`
	UsedMargin      decimal.Decimal `json:"used_margin"`
	AvailableMargin decimal.Decimal `json:"available_margin"`
	TotalCollateral decimal.Decimal `json:"total_collateral"`
}

// FundsProvider is implemented by adapters that can report account funds.
type FundsProvider interface {
	Funds(ctx context.Context, account models.Account) (Funds, error)
}

// Registry resolves adapters by name.
type Registry struct {
	adapters map[string]Adapter
	fallback string
}

// NewRegistry registers adapters; fallback names the adapter used for
// accounts without a broker link.
func NewRegistry(fallback string, adapters ...Adapter) (*Registry, error) {
	r := &Registry{adapters: make(map[string]Adapter, len(adapters)), fallback: fallback}
	for _, a := range adapters {
		if _, dup := r.adapters[a.Name()]; dup {
			return nil, fmt.Errorf("broker %q registered twice", a.Name())
		}
		r.adapters[a.Name()] = a
	}
	if _, ok := r.adapters[fallback]; !ok {
		return nil, fmt.Errorf("%w: default %q", ErrUnknownBroker, fallback)
	}
	return r, nil
}

// Resolve returns the adapter called name, or the default one when name is empty.
func (r *Registry) Resolve(name string) (Adapter, error) {
	if name == "" {
		name = r.fallback
	}
	a, ok := r.adapters[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownBroker, name)
	}
	return a, nil
}

// Default returns the name of the fallback adapter.
func (r *Registry) Default() string {
	return r.fallback
}

// Names lists registered adapters, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.adapters))
	for n := range r.adapters {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
