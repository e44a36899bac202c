package dispatch

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"order-gateway-go/internal/alert"
	"order-gateway-go/internal/broker"
	"order-gateway-go/internal/config"
	"order-gateway-go/internal/ledger"
	"order-gateway-go/internal/metrics"
	"order-gateway-go/internal/models"
	"order-gateway-go/internal/orderstate"
)

// Reconciler periodically resolves orders whose broker-side state the ledger
// does not know yet.
type Reconciler struct {
	cfg        config.Reconcile
	timeout    time.Duration
	ledger     *ledger.Ledger
	brokers    *broker.Registry
	dispatcher *Dispatcher
	auditor    Auditor
	alerter    alert.Alerter
	metrics    *metrics.Metrics
	logger     *zap.Logger
	now        func() time.Time
}

// NewReconciler creates a reconciler. PENDING orders are handed back to
// dispatcher; timeout bounds every status query.
func NewReconciler(cfg config.Reconcile, timeout time.Duration, l *ledger.Ledger, brokers *broker.Registry, dispatcher *Dispatcher, auditor Auditor, alerter alert.Alerter, m *metrics.Metrics, logger *zap.Logger) *Reconciler {
	return &Reconciler{
		cfg:        cfg,
		timeout:    timeout,
		ledger:     l,
		brokers:    brokers,
		dispatcher: dispatcher,
		auditor:    auditor,
		alerter:    alerter,
		metrics:    m,
		logger:     logger.Named("reconciler"),
		now:        time.Now,
	}
}

// Run starts the reconciliation loop and blocks until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) error {
	if !r.cfg.Enabled {
		r.logger.Info("Reconciliation disabled")
		<-ctx.Done()
		return nil
	}

	interval := r.cfg.Interval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.logger.Info("Starting reconcile loop", zap.Duration("interval", interval))

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Stopping reconciler...")
			return nil
		case <-ticker.C:
			if err := r.Pass(ctx); err != nil {
				r.logger.Error("Reconcile pass failed", zap.Error(err))
			}
		}
	}
}

// Pass performs a single reconciliation round.
func (r *Reconciler) Pass(ctx context.Context) error {
	now := r.now().UTC()

	// 1. Orders that never reached a worker go back on the queue.
	pending, err := r.ledger.ListStale(ctx, []orderstate.Status{orderstate.Pending}, now.Add(-r.cfg.PendingAfter), r.cfg.BatchSize)
	if err != nil {
		return err
	}
	for _, o := range pending {
		if r.dispatcher != nil && r.dispatcher.Enqueue(o.OrderID) {
			r.metrics.Reconciled("requeued")
		}
	}

	// 2. Placements with an unknown outcome.
	submitted, err := r.ledger.ListStale(ctx, []orderstate.Status{orderstate.Submitted}, now.Add(-r.cfg.SubmittedAfter), r.cfg.BatchSize)
	if err != nil {
		return err
	}

	// 3. Working orders that may have been filled or cancelled at the broker.
	working, err := r.ledger.ListStale(ctx, []orderstate.Status{orderstate.Open, orderstate.PartiallyFilled}, now.Add(-r.cfg.OpenAfter), r.cfg.BatchSize)
	if err != nil {
		return err
	}

	for _, o := range append(submitted, working...) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		r.reconcile(ctx, o)
	}

	if n := len(pending) + len(submitted) + len(working); n > 0 {
		r.logger.Info("Reconcile pass complete",
			zap.Int("pending", len(pending)),
			zap.Int("submitted", len(submitted)),
			zap.Int("working", len(working)))
	}
	return nil
}

func (r *Reconciler) reconcile(ctx context.Context, order models.Order) {
	l := r.logger.With(zap.String("order_id", order.OrderID), zap.String("status", string(order.Status)))

	adapter, err := r.brokers.Resolve(order.Broker)
	if err != nil {
		l.Error("No adapter for order", zap.Error(err))
		r.stillUnknown(ctx, order, "reconcile", err)
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	ack, err := adapter.Status(callCtx, order)
	cancel()
	if err != nil {
		r.metrics.BrokerCall(adapter.Name(), "status", "unknown")
		l.Warn("Broker status unavailable", zap.Error(err))
		r.stillUnknown(ctx, order, "broker/"+adapter.Name()+"/status", err)
		return
	}
	r.metrics.BrokerCall(adapter.Name(), "status", "ack")

	filled := ack.FilledQuantity
	change := ledger.Change{BrokerOrderID: ack.BrokerOrderID, FilledQuantity: &filled, Reason: ack.Message}
	updated, err := Advance(ctx, r.ledger, order, ack.Status, change)
	switch {
	case errors.Is(err, orderstate.ErrConcurrentModification):
		l.Debug("Order changed during reconciliation, skipping")
		return
	case err != nil:
		l.Error("Broker status cannot be applied", zap.String("broker_status", string(ack.Status)), zap.Error(err))
		r.metrics.Reconciled("conflict")
		recordSystem(ctx, r.auditor, "reconcile", order, 409,
			"broker reports "+string(ack.Status)+": "+err.Error())
		r.alert(ctx, order, "broker status conflicts with ledger", err)
		return
	}

	if updated.Status == order.Status && updated.FilledQuantity == order.FilledQuantity {
		r.metrics.Reconciled("unchanged")
		return
	}
	for _, st := range pathTargets(order.Status, updated.Status) {
		r.metrics.Transition(string(st))
	}
	r.metrics.Reconciled("resolved")
	l.Info("Order reconciled", zap.String("new_status", string(updated.Status)), zap.Int64("filled_quantity", updated.FilledQuantity))
	recordSystem(ctx, r.auditor, "reconcile", updated, 200,
		"resolved from "+string(order.Status)+" to "+string(updated.Status))
}

func (r *Reconciler) stillUnknown(ctx context.Context, order models.Order, endpoint string, err error) {
	r.metrics.Reconciled("unknown")
	recordSystem(ctx, r.auditor, endpoint, order, 202,
		"status unknown, last known "+string(order.Status)+": "+err.Error())
	if order.Status == orderstate.Submitted {
		r.alert(ctx, order, "order outcome still unknown", err)
	}
}

func (r *Reconciler) alert(ctx context.Context, order models.Order, msg string, err error) {
	if r.alerter == nil {
		return
	}
	aerr := r.alerter.Alert(ctx, alert.Event{
		Kind:          alert.KindOrderUnresolved,
		Message:       msg,
		CorrelationID: order.OrderID,
		OrderID:       order.OrderID,
		Error:         err.Error(),
		Time:          r.now().UTC(),
	})
	if aerr != nil {
		r.logger.Error("Failed to deliver alert", zap.Error(aerr))
	}
}
