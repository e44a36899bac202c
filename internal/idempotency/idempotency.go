// Package idempotency derives order fingerprints and reserves them atomically,
// so a retried placement maps back to the order it already created.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"order-gateway-go/internal/models"
)

// Payload is the canonical, immutable part of an order request.
type Payload struct {
	Symbol       string
	Exchange     string
	Action       string
	Quantity     int64
	OrderType    string
	Product      string
	Price        decimal.NullDecimal
	TriggerPrice decimal.NullDecimal
}

// PayloadOf extracts the fingerprinted fields of an order.
func PayloadOf(o *models.Order) Payload {
	return Payload{
		Symbol:       o.Symbol,
		Exchange:     o.Exchange,
		Action:       o.Action,
		Quantity:     o.Quantity,
		OrderType:    o.OrderType,
		Product:      o.Product,
		Price:        o.Price,
		TriggerPrice: o.TriggerPrice,
	}
}

func (p Payload) canonical() string {
	return strings.Join([]string{
		strings.ToUpper(p.Symbol),
		strings.ToUpper(p.Exchange),
		p.Action,
		strconv.FormatInt(p.Quantity, 10),
		p.OrderType,
		p.Product,
		nullDecimal(p.Price),
		nullDecimal(p.TriggerPrice),
	}, "|")
}

// Decimals are normalised so that "100" and "100.00" fingerprint alike.
func nullDecimal(d decimal.NullDecimal) string {
	if !d.Valid {
		return "-"
	}
	return d.Decimal.String()
}

// NewNonce returns a random nonce for requests that did not supply one.
// Such requests can never be recognised as duplicates.
func NewNonce() string {
	return uuid.NewString()
}

// Fingerprint is the hex SHA-256 of the account, the canonical payload and the nonce.
func Fingerprint(accountID uint, p Payload, nonce string) string {
	h := sha256.New()
	h.Write([]byte(strconv.FormatUint(uint64(accountID), 10)))
	h.Write([]byte{0})
	h.Write([]byte(p.canonical()))
	h.Write([]byte{0})
	h.Write([]byte(nonce))
	return hex.EncodeToString(h.Sum(nil))
}

// Result tells whether a reservation created a new order.
type Result int

const (
	Fresh Result = iota
	Duplicate
)

func (r Result) String() string {
	if r == Duplicate {
		return "duplicate"
	}
	return "fresh"
}

// Outcome of CheckOrReserve. Order is the inserted order when Fresh and the
// previously accepted one when Duplicate.
type Outcome struct {
	Result Result
	Order  models.Order
}

// CheckOrReserve inserts order unless an order with the same fingerprint exists.
// It must run inside tx; the insert and the lookup of the winner share it.
func CheckOrReserve(ctx context.Context, tx *gorm.DB, order *models.Order) (Outcome, error) {
	if order.Fingerprint == "" {
		return Outcome{}, errors.New("order has no fingerprint")
	}
	res := tx.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "fingerprint"}}, DoNothing: true}).
		Create(order)
	if res.Error != nil {
		return Outcome{}, fmt.Errorf("reserve fingerprint: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		return Outcome{Result: Fresh, Order: *order}, nil
	}

	var existing models.Order
	if err := tx.WithContext(ctx).Where("fingerprint = ?", order.Fingerprint).First(&existing).Error; err != nil {
		return Outcome{}, fmt.Errorf("load order for fingerprint: %w", err)
	}
	return Outcome{Result: Duplicate, Order: existing}, nil
}
