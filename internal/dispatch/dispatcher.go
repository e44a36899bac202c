// Package dispatch hands accepted orders to their broker and keeps the ledger in
// step with what the broker reports.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"order-gateway-go/internal/alert"
	"order-gateway-go/internal/audit"
	"order-gateway-go/internal/broker"
	"order-gateway-go/internal/config"
	"order-gateway-go/internal/ledger"
	"order-gateway-go/internal/metrics"
	"order-gateway-go/internal/models"
	"order-gateway-go/internal/orderstate"
)

// MethodSystem marks audit records that no API caller originated.
const MethodSystem = "SYSTEM"

// Auditor records system events.
type Auditor interface {
	Record(ctx context.Context, e audit.Entry)
}

// Dispatcher moves PENDING orders to the broker. The PENDING -> SUBMITTED
// transition is committed before the broker is called, and no ledger
// transaction is held while the call is in flight.
type Dispatcher struct {
	ledger  *ledger.Ledger
	brokers *broker.Registry
	auditor Auditor
	alerter alert.Alerter
	metrics *metrics.Metrics
	logger  *zap.Logger
	now     func() time.Time

	timeout time.Duration
	async   bool
	workers int
	queue   chan string
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(cfg config.Dispatch, l *ledger.Ledger, brokers *broker.Registry, auditor Auditor, alerter alert.Alerter, m *metrics.Metrics, logger *zap.Logger) *Dispatcher {
	workers := cfg.Workers
	if workers < 1 {
		workers = 1
	}
	queueSize := cfg.QueueSize
	if queueSize < 1 {
		queueSize = 1
	}
	return &Dispatcher{
		ledger:  l,
		brokers: brokers,
		auditor: auditor,
		alerter: alerter,
		metrics: m,
		logger:  logger.Named("dispatcher"),
		now:     time.Now,
		timeout: cfg.Timeout,
		async:   cfg.Mode != "sync",
		workers: workers,
		queue:   make(chan string, queueSize),
	}
}

// Async reports whether Submit returns before the broker is called.
func (d *Dispatcher) Async() bool { return d.async }

// Timeout is the bound on a single broker call.
func (d *Dispatcher) Timeout() time.Duration { return d.timeout }

// Submit hands a freshly accepted order over. In async mode the order is queued
// and returned unchanged; in sync mode it is dispatched inline and the result of
// Dispatch is returned.
func (d *Dispatcher) Submit(ctx context.Context, order models.Order) (models.Order, error) {
	if d.async {
		d.Enqueue(order.OrderID)
		return order, nil
	}
	return d.Dispatch(ctx, order.OrderID)
}

// Enqueue queues an order for a worker. When the queue is full the order stays
// PENDING and the reconciler picks it up later.
func (d *Dispatcher) Enqueue(orderID string) bool {
	select {
	case d.queue <- orderID:
		d.metrics.QueueDepth(len(d.queue))
		return true
	default:
		d.logger.Warn("Dispatch queue full, leaving order for reconciliation", zap.String("order_id", orderID))
		return false
	}
}

// Run starts the worker pool and blocks until ctx is cancelled and every
// in-flight dispatch has finished.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Info("Starting dispatch workers", zap.Int("workers", d.workers), zap.Int("queue_size", cap(d.queue)))
	var wg sync.WaitGroup
	for i := 0; i < d.workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			d.worker(ctx, id)
		}(i)
	}
	wg.Wait()
	d.logger.Info("Dispatch workers stopped")
	return nil
}

func (d *Dispatcher) worker(ctx context.Context, id int) {
	for {
		select {
		case <-ctx.Done():
			return
		case orderID := <-d.queue:
			d.metrics.QueueDepth(len(d.queue))
			if _, err := d.Dispatch(ctx, orderID); err != nil && !isBrokerOutcome(err) {
				d.logger.Error("Dispatch failed", zap.Int("worker", id), zap.String("order_id", orderID), zap.Error(err))
			}
		}
	}
}

// isBrokerOutcome reports whether err is an expected broker answer rather than a failure of the gateway.
func isBrokerOutcome(err error) bool {
	_, rejected := broker.AsReject(err)
	return rejected || broker.IsUncertain(err)
}

// Dispatch places a PENDING order at its broker. It returns the order as it
// stands afterwards. A *broker.RejectError means the order is now REJECTED; an
// error matching broker.ErrTimeout or broker.ErrUncertain means it stays
// SUBMITTED until the reconciler resolves it. Orders that are no longer PENDING
// are returned untouched.
func (d *Dispatcher) Dispatch(ctx context.Context, orderID string) (models.Order, error) {
	// The outcome must be recorded even if the caller goes away.
	ctx = context.WithoutCancel(ctx)

	order, err := d.ledger.Lookup(ctx, orderID)
	if err != nil {
		return models.Order{}, err
	}
	if order.Status != orderstate.Pending {
		return order, nil
	}

	submitted, err := d.ledger.Transition(ctx, orderID, order.Revision, orderstate.Submitted, ledger.Change{})
	if err != nil {
		if errors.Is(err, orderstate.ErrConcurrentModification) || errors.Is(err, orderstate.ErrTerminalState) {
			// Cancelled or claimed by another worker in the meantime.
			return d.ledger.Lookup(ctx, orderID)
		}
		return order, err
	}
	d.metrics.Transition(string(orderstate.Submitted))

	adapter, err := d.brokers.Resolve(submitted.Broker)
	if err != nil {
		return d.rejected(ctx, submitted.Broker, submitted, &broker.RejectError{Reason: err.Error()})
	}

	callCtx, cancel := context.WithTimeout(ctx, d.timeout)
	ack, err := adapter.Place(callCtx, submitted)
	cancel()

	if err == nil {
		d.metrics.BrokerCall(adapter.Name(), "place", "ack")
		return d.acknowledged(ctx, adapter, submitted, ack)
	}
	if rej, ok := broker.AsReject(err); ok {
		d.metrics.BrokerCall(adapter.Name(), "place", "reject")
		return d.rejected(ctx, adapter.Name(), submitted, rej)
	}
	d.metrics.BrokerCall(adapter.Name(), "place", "unknown")
	return d.unresolved(ctx, adapter.Name(), submitted, err)
}

func (d *Dispatcher) acknowledged(ctx context.Context, adapter broker.Adapter, order models.Order, ack broker.Ack) (models.Order, error) {
	target := ack.Status
	if target == "" {
		target = orderstate.Open
	}
	filled := ack.FilledQuantity
	updated, err := Advance(ctx, d.ledger, order, target, ledger.Change{
		BrokerOrderID:  ack.BrokerOrderID,
		FilledQuantity: &filled,
		Reason:         ack.Message,
	})
	if err != nil {
		if !errors.Is(err, orderstate.ErrConcurrentModification) {
			d.logger.Error("Failed to apply broker acknowledgement",
				zap.String("order_id", order.OrderID), zap.String("broker_status", string(target)), zap.Error(err))
			d.record(ctx, adapter.Name(), "place", order, 500, "acknowledgement not applied: "+err.Error())
			return updated, err
		}
		return d.lostRace(ctx, adapter, order, ack, target)
	}
	for _, st := range pathTargets(order.Status, updated.Status) {
		d.metrics.Transition(string(st))
	}
	d.logger.Info("Order acknowledged by broker",
		zap.String("order_id", updated.OrderID),
		zap.String("broker_order_id", updated.BrokerOrderID),
		zap.String("status", string(updated.Status)))
	d.record(ctx, adapter.Name(), "place", updated, 200, "acknowledged")
	return updated, nil
}

// lostRace handles an acknowledgement for an order that changed while the
// placement was in flight, typically a local cancellation.
func (d *Dispatcher) lostRace(ctx context.Context, adapter broker.Adapter, order models.Order, ack broker.Ack, target orderstate.Status) (models.Order, error) {
	current, err := d.ledger.Lookup(ctx, order.OrderID)
	if err != nil {
		return order, err
	}
	if !current.Status.IsTerminal() {
		// Moved on by the reconciler; apply the acknowledgement from there.
		filled := ack.FilledQuantity
		next, err := Advance(ctx, d.ledger, current, target, ledger.Change{
			BrokerOrderID:  ack.BrokerOrderID,
			FilledQuantity: &filled,
			Reason:         ack.Message,
		})
		if err == nil || errors.Is(err, orderstate.ErrConcurrentModification) {
			return next, nil
		}
		d.diverged(ctx, adapter.Name(), current, ack, target, err)
		return current, nil
	}

	if current.Status == orderstate.Cancelled && !target.IsTerminal() {
		// Cancelled locally while the placement was in flight: withdraw it at the broker as well.
		order.BrokerOrderID = ack.BrokerOrderID
		d.withdraw(ctx, adapter, order)
		if ack.FilledQuantity == 0 {
			return current, nil
		}
	}
	if current.Status != target || ack.FilledQuantity != current.FilledQuantity {
		d.diverged(ctx, adapter.Name(), current, ack, target, orderstate.ErrTerminalState)
	}
	return current, nil
}

// diverged reports a broker outcome the ledger could not take.
func (d *Dispatcher) diverged(ctx context.Context, brokerName string, current models.Order, ack broker.Ack, target orderstate.Status, err error) {
	detail := fmt.Sprintf("broker reported %s (filled %d) after local %s", target, ack.FilledQuantity, current.Status)
	d.logger.Error("Broker outcome conflicts with ledger",
		zap.String("order_id", current.OrderID),
		zap.String("broker_status", string(target)),
		zap.String("ledger_status", string(current.Status)),
		zap.Int64("broker_filled", ack.FilledQuantity))
	d.record(ctx, brokerName, "place", current, 409, detail)
	d.alert(ctx, current, detail, err)
}

func (d *Dispatcher) rejected(ctx context.Context, brokerName string, order models.Order, rej *broker.RejectError) (models.Order, error) {
	updated, err := d.ledger.Transition(ctx, order.OrderID, order.Revision, orderstate.Rejected, ledger.Change{Reason: rej.Reason})
	if err != nil {
		d.logger.Warn("Could not mark order rejected", zap.String("order_id", order.OrderID), zap.Error(err))
		current, lerr := d.ledger.Lookup(ctx, order.OrderID)
		if lerr != nil {
			return order, lerr
		}
		return current, rej
	}
	d.metrics.Transition(string(orderstate.Rejected))
	d.logger.Info("Order rejected by broker", zap.String("order_id", order.OrderID), zap.String("reason", rej.Reason))
	d.record(ctx, brokerName, "place", updated, 502, rej.Reason)
	return updated, rej
}

func (d *Dispatcher) unresolved(ctx context.Context, brokerName string, order models.Order, err error) (models.Order, error) {
	if !broker.IsUncertain(err) {
		err = fmt.Errorf("%w: %v", broker.ErrUncertain, err)
	}
	d.logger.Warn("Broker outcome unknown, order left SUBMITTED for reconciliation",
		zap.String("order_id", order.OrderID), zap.Error(err))
	d.record(ctx, brokerName, "place", order, 202, err.Error())
	return order, err
}

// withdraw cancels an order at the broker after it was cancelled locally.
func (d *Dispatcher) withdraw(ctx context.Context, adapter broker.Adapter, order models.Order) {
	callCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	if _, err := adapter.Cancel(callCtx, order); err != nil {
		d.metrics.BrokerCall(adapter.Name(), "cancel", "error")
		d.logger.Error("Failed to withdraw cancelled order at broker", zap.String("order_id", order.OrderID), zap.Error(err))
		d.record(ctx, adapter.Name(), "cancel", order, 502, "withdraw failed: "+err.Error())
		d.alert(ctx, order, "cancelled order could not be withdrawn at broker", err)
		return
	}
	d.metrics.BrokerCall(adapter.Name(), "cancel", "ack")
	d.record(ctx, adapter.Name(), "cancel", order, 200, "withdrawn after local cancellation")
}

func (d *Dispatcher) record(ctx context.Context, brokerName, op string, order models.Order, code int, detail string) {
	recordSystem(ctx, d.auditor, "broker/"+brokerName+"/"+op, order, code, detail)
}

func (d *Dispatcher) alert(ctx context.Context, order models.Order, msg string, err error) {
	if d.alerter == nil {
		return
	}
	aerr := d.alerter.Alert(ctx, alert.Event{
		Kind:          alert.KindOrderUnresolved,
		Message:       msg,
		CorrelationID: order.OrderID,
		OrderID:       order.OrderID,
		Error:         err.Error(),
		Time:          d.now().UTC(),
	})
	if aerr != nil {
		d.logger.Error("Failed to deliver alert", zap.Error(aerr))
	}
}

func recordSystem(ctx context.Context, auditor Auditor, endpoint string, order models.Order, code int, detail string) {
	if auditor == nil {
		return
	}
	body, _ := json.Marshal(map[string]any{
		"orderid":         order.OrderID,
		"order_status":    order.Status,
		"broker_orderid":  order.BrokerOrderID,
		"filled_quantity": order.FilledQuantity,
		"detail":          detail,
	})
	accountID := order.AccountID
	auditor.Record(ctx, audit.Entry{
		CorrelationID: order.OrderID,
		AccountID:     &accountID,
		OrderID:       order.OrderID,
		Endpoint:      endpoint,
		Method:        MethodSystem,
		OutcomeCode:   code,
		Response:      body,
	})
}

// Advance walks order to target along the shortest legal path, applying change
// on every step. On error it returns the order as of the last applied step.
func Advance(ctx context.Context, l *ledger.Ledger, order models.Order, target orderstate.Status, change ledger.Change) (models.Order, error) {
	if order.Status == target {
		fillChanged := change.FilledQuantity != nil && *change.FilledQuantity != order.FilledQuantity
		if target != orderstate.PartiallyFilled || !fillChanged {
			return order, nil
		}
	}
	path, err := orderstate.Path(order.Status, target)
	if err != nil {
		return order, err
	}
	for _, step := range path {
		next, err := l.Transition(ctx, order.OrderID, order.Revision, step, change)
		if err != nil {
			return order, err
		}
		order = next
	}
	return order, nil
}

func pathTargets(from, to orderstate.Status) []orderstate.Status {
	path, err := orderstate.Path(from, to)
	if err != nil {
		return nil
	}
	return path
}
