// Package ledger is the durable store of orders and their status history.
// All mutual exclusion goes through unique constraints and the revision column.
package ledger

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"order-gateway-go/internal/idempotency"
	"order-gateway-go/internal/models"
	"order-gateway-go/internal/orderstate"
)

// ErrOrderNotFound is returned when no order matches the id (for the given account).
var ErrOrderNotFound = errors.New("order not found")

// Ledger reads and writes orders.
type Ledger struct {
	db     *gorm.DB
	logger *zap.Logger
}

// New creates a Ledger on db.
func New(db *gorm.DB, logger *zap.Logger) *Ledger {
	return &Ledger{db: db, logger: logger.Named("ledger")}
}

// NewOrderID returns a fresh order id: "ORD" followed by 16 upper-case hex digits.
func NewOrderID() string {
	u := uuid.New()
	return "ORD" + strings.ToUpper(hex.EncodeToString(u[8:]))
}

// NewOrder is a validated placement request.
type NewOrder struct {
	AccountID    uint
	Symbol       string
	Exchange     string
	Action       string
	Quantity     int64
	OrderType    string
	Product      string
	Price        decimal.NullDecimal
	TriggerPrice decimal.NullDecimal
	Broker       string
	// Nonce is the client's idempotency token. Empty means "never deduplicate".
	Nonce string
}

// Place records a PENDING order, or returns the order already accepted for the
// same fingerprint with duplicate set.
func (l *Ledger) Place(ctx context.Context, in NewOrder) (order models.Order, duplicate bool, err error) {
	nonce := in.Nonce
	if nonce == "" {
		nonce = idempotency.NewNonce()
	}
	candidate := models.Order{
		OrderID:      NewOrderID(),
		AccountID:    in.AccountID,
		Symbol:       in.Symbol,
		Exchange:     in.Exchange,
		Action:       in.Action,
		Quantity:     in.Quantity,
		OrderType:    in.OrderType,
		Product:      in.Product,
		Price:        in.Price,
		TriggerPrice: in.TriggerPrice,
		Status:       orderstate.Pending,
		Broker:       in.Broker,
	}
	candidate.Fingerprint = idempotency.Fingerprint(in.AccountID, idempotency.PayloadOf(&candidate), nonce)

	err = l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		out, err := idempotency.CheckOrReserve(ctx, tx, &candidate)
		if err != nil {
			return err
		}
		order = out.Order
		if out.Result == idempotency.Duplicate {
			duplicate = true
			return nil
		}
		return tx.Create(&models.OrderTransition{
			OrderID:  order.OrderID,
			To:       orderstate.Pending,
			Revision: order.Revision,
			Reason:   "accepted",
		}).Error
	})
	if err != nil {
		return models.Order{}, false, fmt.Errorf("place order: %w", err)
	}
	if duplicate {
		l.logger.Info("Duplicate placement", zap.String("order_id", order.OrderID), zap.Uint("account_id", in.AccountID))
	} else {
		l.logger.Debug("Order accepted", zap.String("order_id", order.OrderID), zap.Uint("account_id", in.AccountID))
	}
	return order, duplicate, nil
}

// Get returns the order with orderID owned by accountID. Orders of other
// accounts are reported as not found.
func (l *Ledger) Get(ctx context.Context, accountID uint, orderID string) (models.Order, error) {
	var order models.Order
	err := l.db.WithContext(ctx).Where("order_id = ? AND account_id = ?", orderID, accountID).First(&order).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.Order{}, ErrOrderNotFound
	}
	if err != nil {
		return models.Order{}, fmt.Errorf("get order: %w", err)
	}
	return order, nil
}

// Lookup returns an order by id regardless of owner. Used by system components.
func (l *Ledger) Lookup(ctx context.Context, orderID string) (models.Order, error) {
	var order models.Order
	err := l.db.WithContext(ctx).Where("order_id = ?", orderID).First(&order).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.Order{}, ErrOrderNotFound
	}
	if err != nil {
		return models.Order{}, fmt.Errorf("lookup order: %w", err)
	}
	return order, nil
}

// List returns the account's orders, newest first.
func (l *Ledger) List(ctx context.Context, accountID uint) ([]models.Order, error) {
	orders := make([]models.Order, 0)
	err := l.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Order("created_at DESC").Order("id DESC").
		Find(&orders).Error
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	return orders, nil
}

// Change carries the optional columns updated together with a status transition.
type Change struct {
	Reason         string
	BrokerOrderID  string
	FilledQuantity *int64
}

// Transition moves the order from its status at expectedRevision to `to`.
// The update is a compare-and-swap on revision; a lost race yields
// orderstate.ErrConcurrentModification and the caller must re-read the order.
func (l *Ledger) Transition(ctx context.Context, orderID string, expectedRevision int64, to orderstate.Status, change Change) (models.Order, error) {
	var updated models.Order
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var current models.Order
		if err := tx.Where("order_id = ?", orderID).First(&current).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrOrderNotFound
			}
			return err
		}
		if current.Revision != expectedRevision {
			return orderstate.ErrConcurrentModification
		}
		if err := orderstate.CheckTransition(current.Status, to); err != nil {
			return err
		}

		updates := map[string]any{
			"status":     to,
			"revision":   expectedRevision + 1,
			"updated_at": time.Now().UTC(),
		}
		if change.Reason != "" {
			updates["reason"] = models.CleanText(change.Reason, 512)
		}
		if change.BrokerOrderID != "" {
			updates["broker_order_id"] = models.CleanText(change.BrokerOrderID, 64)
		}
		if change.FilledQuantity != nil {
			updates["filled_quantity"] = *change.FilledQuantity
		}
		res := tx.Model(&models.Order{}).
			Where("order_id = ? AND revision = ?", orderID, expectedRevision).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return orderstate.ErrConcurrentModification
		}
		if err := tx.Create(&models.OrderTransition{
			OrderID:  orderID,
			From:     current.Status,
			To:       to,
			Revision: expectedRevision + 1,
			Reason:   models.CleanText(change.Reason, 512),
		}).Error; err != nil {
			return err
		}
		return tx.Where("order_id = ?", orderID).First(&updated).Error
	})
	if err != nil {
		return models.Order{}, fmt.Errorf("transition %s to %s: %w", orderID, to, err)
	}
	l.logger.Debug("Order transitioned",
		zap.String("order_id", orderID),
		zap.String("status", string(to)),
		zap.Int64("revision", updated.Revision))
	return updated, nil
}

// History returns the applied transitions of an order in order of application.
func (l *Ledger) History(ctx context.Context, orderID string) ([]models.OrderTransition, error) {
	var rows []models.OrderTransition
	if err := l.db.WithContext(ctx).Where("order_id = ?", orderID).Order("id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("order history: %w", err)
	}
	return rows, nil
}

// ListStale returns up to limit orders in one of statuses whose last transition
// is older than olderThan, oldest first.
func (l *Ledger) ListStale(ctx context.Context, statuses []orderstate.Status, olderThan time.Time, limit int) ([]models.Order, error) {
	var orders []models.Order
	q := l.db.WithContext(ctx).
		Where("status IN ? AND updated_at < ?", statuses, olderThan).
		Order("updated_at")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&orders).Error; err != nil {
		return nil, fmt.Errorf("list stale orders: %w", err)
	}
	return orders, nil
}

// AccountStats are the per-account order counters shown by the admin tool.
// Pending counts every order not yet in a terminal state.
type AccountStats struct {
	AccountID uint  `json:"account_id"`
	Total     int64 `json:"total"`
	Pending   int64 `json:"pending"`
	Completed int64 `json:"completed"`
}

// Stats aggregates order counts per account.
func (l *Ledger) Stats(ctx context.Context) ([]AccountStats, error) {
	var stats []AccountStats
	err := l.db.WithContext(ctx).Model(&models.Order{}).
		Select(`account_id,
			COUNT(*) AS total,
			SUM(CASE WHEN status IN ? THEN 1 ELSE 0 END) AS pending,
			SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS completed`,
			[]orderstate.Status{orderstate.Pending, orderstate.Submitted, orderstate.Open, orderstate.PartiallyFilled},
			orderstate.Complete).
		Group("account_id").
		Order("account_id").
		Scan(&stats).Error
	if err != nil {
		return nil, fmt.Errorf("order stats: %w", err)
	}
	return stats, nil
}
