package dispatch

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"order-gateway-go/internal/alert"
	"order-gateway-go/internal/audit"
	"order-gateway-go/internal/broker"
	"order-gateway-go/internal/config"
	"order-gateway-go/internal/database/databasetest"
	"order-gateway-go/internal/ledger"
	"order-gateway-go/internal/models"
)

// scriptedBroker lets each test decide how the broker answers.
type scriptedBroker struct {
	place  func(ctx context.Context, o models.Order) (broker.Ack, error)
	cancel func(ctx context.Context, o models.Order) (broker.Ack, error)
	status func(ctx context.Context, o models.Order) (broker.Ack, error)

	placeCalls  atomic.Int32
	cancelCalls atomic.Int32
	statusCalls atomic.Int32
}

func (b *scriptedBroker) Name() string { return "scripted" }

func (b *scriptedBroker) Place(ctx context.Context, o models.Order) (broker.Ack, error) {
	b.placeCalls.Add(1)
	if b.place == nil {
		return broker.Ack{BrokerOrderID: "B-" + o.OrderID}, nil
	}
	return b.place(ctx, o)
}

func (b *scriptedBroker) Cancel(ctx context.Context, o models.Order) (broker.Ack, error) {
	b.cancelCalls.Add(1)
	if b.cancel == nil {
		return broker.Ack{}, nil
	}
	return b.cancel(ctx, o)
}

func (b *scriptedBroker) Status(ctx context.Context, o models.Order) (broker.Ack, error) {
	b.statusCalls.Add(1)
	if b.status == nil {
		return broker.Ack{}, broker.ErrUnknownOrder
	}
	return b.status(ctx, o)
}

// blockUntilDone simulates a broker that never answers in time.
func blockUntilDone(ctx context.Context, _ models.Order) (broker.Ack, error) {
	<-ctx.Done()
	return broker.Ack{}, broker.ErrTimeout
}

type memoryAuditor struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (a *memoryAuditor) Record(_ context.Context, e audit.Entry) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, e)
}

func (a *memoryAuditor) forOrder(orderID string) []audit.Entry {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []audit.Entry
	for _, e := range a.entries {
		if e.OrderID == orderID {
			out = append(out, e)
		}
	}
	return out
}

type memoryAlerter struct {
	mu     sync.Mutex
	events []alert.Event
}

func (a *memoryAlerter) Alert(_ context.Context, ev alert.Event) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, ev)
	return nil
}

type fixture struct {
	ledger     *ledger.Ledger
	broker     *scriptedBroker
	auditor    *memoryAuditor
	alerter    *memoryAlerter
	dispatcher *Dispatcher
}

func newFixture(t *testing.T, mode string) *fixture {
	t.Helper()
	l := ledger.New(databasetest.New(t), zap.NewNop())
	b := &scriptedBroker{}
	registry, err := broker.NewRegistry(b.Name(), b)
	require.NoError(t, err)
	auditor := &memoryAuditor{}
	alerter := &memoryAlerter{}
	d := NewDispatcher(config.Dispatch{
		Mode:      mode,
		Workers:   2,
		QueueSize: 4,
		Timeout:   50 * time.Millisecond,
	}, l, registry, auditor, alerter, nil, zap.NewNop())
	return &fixture{ledger: l, broker: b, auditor: auditor, alerter: alerter, dispatcher: d}
}

func (f *fixture) place(t *testing.T, nonce string) models.Order {
	t.Helper()
	o, _, err := f.ledger.Place(context.Background(), ledger.NewOrder{
		AccountID: 1,
		Symbol:    "RELIANCE",
		Exchange:  "NSE",
		Action:    models.ActionBuy,
		Quantity:  10,
		OrderType: models.OrderTypeLimit,
		Product:   models.ProductMIS,
		Price:     decimal.NewNullDecimal(decimal.RequireFromString("2500")),
		Broker:    "scripted",
		Nonce:     nonce,
	})
	require.NoError(t, err)
	return o
}

func (f *fixture) reconciler() *Reconciler {
	r := NewReconciler(config.Reconcile{
		Enabled:        true,
		Interval:       10 * time.Millisecond,
		SubmittedAfter: time.Minute,
		PendingAfter:   time.Minute,
		OpenAfter:      time.Minute,
		BatchSize:      50,
	}, 50*time.Millisecond, f.ledger, f.dispatcher.brokers, f.dispatcher, f.auditor, f.alerter, nil, zap.NewNop())
	// Every order looks stale.
	r.now = func() time.Time { return time.Now().Add(time.Hour) }
	return r
}
