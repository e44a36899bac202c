// Package gateway implements the order operations offered to API users on top
// of the key store, the ledger and the dispatcher.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"order-gateway-go/internal/broker"
	"order-gateway-go/internal/dispatch"
	"order-gateway-go/internal/keystore"
	"order-gateway-go/internal/ledger"
	"order-gateway-go/internal/logger"
	"order-gateway-go/internal/metrics"
	"order-gateway-go/internal/models"
	"order-gateway-go/internal/orderstate"
)

// cancelAttempts bounds re-reads after losing a revision race during cancellation.
const cancelAttempts = 3

// Service is the order gateway core.
type Service struct {
	keys       keystore.Resolver
	ledger     *ledger.Ledger
	dispatcher *dispatch.Dispatcher
	brokers    *broker.Registry
	metrics    *metrics.Metrics
	logger     *zap.Logger
	timeout    time.Duration
}

// NewService wires the core components together.
func NewService(keys keystore.Resolver, l *ledger.Ledger, d *dispatch.Dispatcher, brokers *broker.Registry, m *metrics.Metrics, log *zap.Logger) *Service {
	return &Service{
		keys:       keys,
		ledger:     l,
		dispatcher: d,
		brokers:    brokers,
		metrics:    m,
		logger:     log.Named("gateway"),
		timeout:    d.Timeout(),
	}
}

// Authenticate resolves an API key to an active account.
func (s *Service) Authenticate(ctx context.Context, apiKey string) (models.Account, error) {
	if apiKey == "" {
		return models.Account{}, &Error{Kind: KindAuth, Message: "API key required"}
	}
	acct, err := s.keys.Resolve(ctx, apiKey)
	switch {
	case errors.Is(err, keystore.ErrInvalidKey), errors.Is(err, keystore.ErrInactiveAccount):
		return models.Account{}, &Error{Kind: KindAuth, Message: "Invalid or inactive API key", Err: err}
	case err != nil:
		return models.Account{}, &Error{Kind: KindInternal, Message: "Could not verify API key", Err: err}
	}
	return acct, nil
}

// PlaceResult is the outcome of a placement.
type PlaceResult struct {
	Order     models.Order
	Duplicate bool
}

// Place validates and records an order, then hands it to the dispatcher.
// A request carrying the nonce of an already accepted order returns that order.
func (s *Service) Place(ctx context.Context, acct models.Account, req PlaceRequest) (PlaceResult, error) {
	log := logger.FromContext(ctx, s.logger)

	v, verr := validatePlace(req)
	if verr != nil {
		return PlaceResult{}, verr
	}
	adapter, err := s.brokers.Resolve(acct.Broker)
	if err != nil {
		return PlaceResult{}, &Error{Kind: KindBroker, Message: "No broker configured for this account", Err: err}
	}

	order, dup, err := s.ledger.Place(ctx, ledger.NewOrder{
		AccountID:    acct.ID,
		Symbol:       v.Symbol,
		Exchange:     v.Exchange,
		Action:       v.Action,
		Quantity:     v.Quantity,
		OrderType:    v.OrderType,
		Product:      v.Product,
		Price:        v.Price,
		TriggerPrice: v.TriggerPrice,
		Broker:       adapter.Name(),
		Nonce:        v.Nonce,
	})
	if err != nil {
		return PlaceResult{}, &Error{Kind: KindInternal, Message: "Could not record order", Err: err}
	}
	s.metrics.Placement(dup)
	if dup {
		log.Info("Duplicate order placement", zap.String("order_id", order.OrderID))
		return PlaceResult{Order: order, Duplicate: true}, nil
	}
	s.metrics.Transition(string(orderstate.Pending))
	log.Info("Order accepted", zap.String("order_id", order.OrderID), zap.String("symbol", order.Symbol))

	dispatched, err := s.dispatcher.Submit(ctx, order)
	if err == nil {
		return PlaceResult{Order: dispatched}, nil
	}
	if rej, ok := broker.AsReject(err); ok {
		return PlaceResult{}, &Error{
			Kind:          KindBroker,
			Message:       "Order rejected by broker: " + rej.Reason,
			OrderID:       order.OrderID,
			CurrentStatus: dispatched.Status,
			Err:           err,
		}
	}
	if broker.IsUncertain(err) {
		return PlaceResult{}, &Error{
			Kind:          KindTransient,
			Message:       "Broker did not confirm the order in time; it will be reconciled",
			OrderID:       order.OrderID,
			CurrentStatus: orderstate.Submitted,
			Err:           err,
		}
	}
	return PlaceResult{}, &Error{Kind: KindInternal, Message: "Order dispatch failed", OrderID: order.OrderID, Err: err}
}

// Cancel cancels one of the account's orders. Orders that may already be at
// the broker are cancelled there first; the ledger follows in a separate step.
func (s *Service) Cancel(ctx context.Context, acct models.Account, orderID string) (models.Order, error) {
	if orderID == "" {
		return models.Order{}, validationError(map[string]string{"orderid": "is required"})
	}
	log := logger.FromContext(ctx, s.logger).With(zap.String("order_id", orderID))

	for attempt := 0; attempt < cancelAttempts; attempt++ {
		order, err := s.lookup(ctx, acct, orderID)
		if err != nil {
			return models.Order{}, err
		}
		if err := orderstate.CheckCancel(order.Status); err != nil {
			return models.Order{}, stateError(order, err)
		}

		if order.Status != orderstate.Pending {
			ack, err := s.cancelAtBroker(ctx, order)
			if err != nil {
				return models.Order{}, err
			}
			if ack.Status.IsTerminal() && ack.Status != orderstate.Cancelled {
				return models.Order{}, s.finishedAtBroker(ctx, order, ack)
			}
		}

		updated, err := s.ledger.Transition(ctx, order.OrderID, order.Revision, orderstate.Cancelled, ledger.Change{Reason: "cancelled by user"})
		switch {
		case err == nil:
			s.metrics.Transition(string(orderstate.Cancelled))
			log.Info("Order cancelled")
			return updated, nil
		case errors.Is(err, orderstate.ErrConcurrentModification):
			log.Debug("Order changed during cancellation, re-reading", zap.Int("attempt", attempt+1))
			continue
		case errors.Is(err, orderstate.ErrTerminalState), errors.Is(err, orderstate.ErrIllegalTransition):
			current, lerr := s.lookup(ctx, acct, orderID)
			if lerr != nil {
				return models.Order{}, lerr
			}
			return models.Order{}, stateError(current, orderstate.CheckCancel(current.Status))
		default:
			return models.Order{}, &Error{Kind: KindInternal, Message: "Could not cancel order", OrderID: orderID, Err: err}
		}
	}

	current, err := s.lookup(ctx, acct, orderID)
	if err != nil {
		return models.Order{}, err
	}
	return models.Order{}, &Error{
		Kind:          KindState,
		Message:       "Order is being modified concurrently, try again",
		OrderID:       orderID,
		CurrentStatus: current.Status,
		Err:           orderstate.ErrConcurrentModification,
	}
}

// finishedAtBroker applies a terminal status the broker reported in answer to a
// cancellation and explains why the order was not cancelled.
func (s *Service) finishedAtBroker(ctx context.Context, order models.Order, ack broker.Ack) error {
	log := logger.FromContext(ctx, s.logger).With(zap.String("order_id", order.OrderID))
	filled := ack.FilledQuantity
	updated, err := dispatch.Advance(context.WithoutCancel(ctx), s.ledger, order, ack.Status, ledger.Change{
		BrokerOrderID:  ack.BrokerOrderID,
		FilledQuantity: &filled,
		Reason:         ack.Message,
	})
	if err != nil {
		log.Warn("Broker status on cancellation cannot be applied", zap.String("broker_status", string(ack.Status)), zap.Error(err))
		current, lerr := s.ledger.Lookup(ctx, order.OrderID)
		if lerr != nil {
			current = order
		}
		return &Error{
			Kind:          KindState,
			Message:       fmt.Sprintf("Broker reports order %s, cancellation not applied", ack.Status),
			OrderID:       order.OrderID,
			CurrentStatus: current.Status,
			Err:           err,
		}
	}
	for _, st := range transitions(order.Status, updated.Status) {
		s.metrics.Transition(string(st))
	}
	log.Info("Order finished at broker before cancellation", zap.String("status", string(updated.Status)))
	return stateError(updated, orderstate.ErrAlreadyFinal)
}

func transitions(from, to orderstate.Status) []orderstate.Status {
	path, err := orderstate.Path(from, to)
	if err != nil {
		return nil
	}
	return path
}

func (s *Service) cancelAtBroker(ctx context.Context, order models.Order) (broker.Ack, error) {
	adapter, err := s.brokers.Resolve(order.Broker)
	if err != nil {
		return broker.Ack{}, &Error{Kind: KindBroker, Message: "No broker configured for this order", OrderID: order.OrderID, Err: err}
	}
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer cancel()

	ack, err := adapter.Cancel(callCtx, order)
	if err == nil {
		s.metrics.BrokerCall(adapter.Name(), "cancel", "ack")
		return ack, nil
	}
	if rej, ok := broker.AsReject(err); ok {
		s.metrics.BrokerCall(adapter.Name(), "cancel", "reject")
		return ack, &Error{
			Kind:          KindBroker,
			Message:       "Broker refused cancellation: " + rej.Reason,
			OrderID:       order.OrderID,
			CurrentStatus: order.Status,
			Err:           err,
		}
	}
	s.metrics.BrokerCall(adapter.Name(), "cancel", "unknown")
	return ack, &Error{
		Kind:          KindTransient,
		Message:       "Broker did not confirm the cancellation in time; it will be reconciled",
		OrderID:       order.OrderID,
		CurrentStatus: order.Status,
		Err:           err,
	}
}

// Orderbook lists the account's orders, newest first.
func (s *Service) Orderbook(ctx context.Context, acct models.Account) ([]models.Order, error) {
	orders, err := s.ledger.List(ctx, acct.ID)
	if err != nil {
		return nil, &Error{Kind: KindInternal, Message: "Could not load orders", Err: err}
	}
	return orders, nil
}

// OrderStatus returns one of the account's orders.
func (s *Service) OrderStatus(ctx context.Context, acct models.Account, orderID string) (models.Order, error) {
	if orderID == "" {
		return models.Order{}, validationError(map[string]string{"orderid": "is required"})
	}
	return s.lookup(ctx, acct, orderID)
}

// Funds returns the margin summary from the account's broker.
func (s *Service) Funds(ctx context.Context, acct models.Account) (broker.Funds, error) {
	adapter, err := s.brokers.Resolve(acct.Broker)
	if err != nil {
		return broker.Funds{}, &Error{Kind: KindBroker, Message: "No broker configured for this account", Err: err}
	}
	fp, ok := adapter.(broker.FundsProvider)
	if !ok {
		return broker.Funds{}, &Error{Kind: KindBroker, Message: fmt.Sprintf("Broker %s does not report funds", adapter.Name())}
	}
	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	funds, err := fp.Funds(callCtx, acct)
	if err != nil {
		return broker.Funds{}, &Error{Kind: KindBroker, Message: "Could not fetch funds from broker", Err: err}
	}
	return funds, nil
}

func (s *Service) lookup(ctx context.Context, acct models.Account, orderID string) (models.Order, error) {
	order, err := s.ledger.Get(ctx, acct.ID, orderID)
	if errors.Is(err, ledger.ErrOrderNotFound) {
		return models.Order{}, &Error{Kind: KindNotFound, Message: "Order not found", OrderID: orderID, Err: err}
	}
	if err != nil {
		return models.Order{}, &Error{Kind: KindInternal, Message: "Could not load order", OrderID: orderID, Err: err}
	}
	return order, nil
}

func stateError(order models.Order, err error) *Error {
	msg := fmt.Sprintf("Order cannot be cancelled in status %s", order.Status)
	if errors.Is(err, orderstate.ErrAlreadyFinal) {
		msg = fmt.Sprintf("Order is already %s", order.Status)
	}
	return &Error{Kind: KindState, Message: msg, OrderID: order.OrderID, CurrentStatus: order.Status, Err: err}
}
