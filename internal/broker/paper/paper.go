// Package paper is an in-process simulated broker. It accepts every well-formed
// order, keeps the book in memory and fills orders only when told to.
package paper

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"order-gateway-go/internal/broker"
	"order-gateway-go/internal/config"
	"order-gateway-go/internal/models"
	"order-gateway-go/internal/orderstate"
)

// Name is the registry name of the paper broker.
const Name = "paper"

type entry struct {
	brokerID string
	quantity int64
	filled   int64
	status   orderstate.Status
}

// Broker is the simulated broker.
type Broker struct {
	latency    time.Duration
	fillMarket bool
	funds      broker.Funds
	logger     *zap.Logger

	seq    atomic.Int64
	mu     sync.Mutex
	orders map[string]*entry // by gateway order id
}

var (
	_ broker.Adapter       = (*Broker)(nil)
	_ broker.FundsProvider = (*Broker)(nil)
)

// New creates a paper broker from configuration.
func New(cfg config.Paper, logger *zap.Logger) (*Broker, error) {
	funds, err := parseFunds(cfg)
	if err != nil {
		return nil, err
	}
	return &Broker{
		latency:    cfg.Latency,
		fillMarket: cfg.FillMarket,
		funds:      funds,
		logger:     logger.Named("paper"),
		orders:     make(map[string]*entry),
	}, nil
}

func parseFunds(cfg config.Paper) (broker.Funds, error) {
	var f broker.Funds
	var err error
	if f.AvailableCash, err = decimal.NewFromString(cfg.AvailableCash); err != nil {
		return f, fmt.Errorf("paper available_cash: %w", err)
	}
	if f.UsedMargin, err = decimal.NewFromString(cfg.UsedMargin); err != nil {
		return f, fmt.Errorf("paper used_margin: %w", err)
	}
	if f.TotalCollateral, err = decimal.NewFromString(cfg.TotalCollateral); err != nil {
		return f, fmt.Errorf("paper total_collateral: %w", err)
	}
	f.AvailableMargin = f.TotalCollateral.Sub(f.UsedMargin)
	return f, nil
}

func (b *Broker) Name() string { return Name }

// wait simulates network latency. Running out of ctx is reported as a timeout.
func (b *Broker) wait(ctx context.Context) error {
	if b.latency <= 0 {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %v", broker.ErrTimeout, err)
		}
		return nil
	}
	timer := time.NewTimer(b.latency)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", broker.ErrTimeout, ctx.Err())
	}
}

func (b *Broker) Place(ctx context.Context, order models.Order) (broker.Ack, error) {
	if err := b.wait(ctx); err != nil {
		return broker.Ack{}, err
	}
	if order.Quantity <= 0 {
		return broker.Ack{}, broker.Reject("quantity must be positive")
	}
	if (order.OrderType == models.OrderTypeLimit || order.OrderType == models.OrderTypeStopLimit) && !order.Price.Valid {
		return broker.Ack{}, broker.Reject("%s order requires a price", order.OrderType)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if e, ok := b.orders[order.OrderID]; ok {
		// Same client order id: report the existing order instead of booking twice.
		return e.ack(), nil
	}
	e := &entry{
		brokerID: fmt.Sprintf("PAPER-%08d", b.seq.Add(1)),
		quantity: order.Quantity,
		status:   orderstate.Open,
	}
	if b.fillMarket && order.OrderType == models.OrderTypeMarket {
		e.filled = e.quantity
		e.status = orderstate.Complete
	}
	b.orders[order.OrderID] = e
	b.logger.Debug("Order booked", zap.String("order_id", order.OrderID), zap.String("broker_order_id", e.brokerID))
	return e.ack(), nil
}

func (b *Broker) Cancel(ctx context.Context, order models.Order) (broker.Ack, error) {
	if err := b.wait(ctx); err != nil {
		return broker.Ack{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.orders[order.OrderID]
	if !ok {
		// Never booked here: nothing to cancel.
		return broker.Ack{Status: orderstate.Cancelled, Message: "not booked"}, nil
	}
	if e.status == orderstate.Complete {
		return broker.Ack{}, broker.Reject("order already complete")
	}
	e.status = orderstate.Cancelled
	return e.ack(), nil
}

func (b *Broker) Status(ctx context.Context, order models.Order) (broker.Ack, error) {
	if err := b.wait(ctx); err != nil {
		return broker.Ack{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.orders[order.OrderID]
	if !ok {
		return broker.Ack{}, broker.ErrUnknownOrder
	}
	return e.ack(), nil
}

func (b *Broker) Funds(ctx context.Context, _ models.Account) (broker.Funds, error) {
	if err := b.wait(ctx); err != nil {
		return broker.Funds{}, err
	}
	return b.funds, nil
}

// Fill executes qty more units of a booked order, as a market would.
func (b *Broker) Fill(orderID string, qty int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.orders[orderID]
	if !ok {
		return broker.ErrUnknownOrder
	}
	if e.status != orderstate.Open && e.status != orderstate.PartiallyFilled {
		return fmt.Errorf("cannot fill order in status %s", e.status)
	}
	e.filled += qty
	if e.filled >= e.quantity {
		e.filled = e.quantity
		e.status = orderstate.Complete
	} else {
		e.status = orderstate.PartiallyFilled
	}
	return nil
}

func (e *entry) ack() broker.Ack {
	return broker.Ack{BrokerOrderID: e.brokerID, Status: e.status, FilledQuantity: e.filled}
}
