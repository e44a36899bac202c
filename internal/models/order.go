package models

import (
	"time"

	"github.com/shopspring/decimal"

	"order-gateway-go/internal/orderstate"
)

const (
	ActionBuy  = "BUY"
	ActionSell = "SELL"

	OrderTypeMarket    = "MARKET"
	OrderTypeLimit     = "LIMIT"
	OrderTypeStop      = "STOP"
	OrderTypeStopLimit = "STOP_LIMIT"

	ProductMIS  = "MIS"
	ProductCNC  = "CNC"
	ProductNRML = "NRML"
)

// Order is one trading instruction. Everything except the lifecycle columns
// (status, revision, broker reference, fills, reason, updated_at) is fixed at creation.
type Order struct {
	ID             uint                `gorm:"primaryKey" json:"-"`
	OrderID        string              `gorm:"size:32;uniqueIndex;not null" json:"orderid"`
	AccountID      uint                `gorm:"index;not null" json:"-"`
	Symbol         string              `gorm:"size:50;not null" json:"symbol"`
	Exchange       string              `gorm:"size:20;not null" json:"exchange"`
	Action         string              `gorm:"size:10;not null" json:"action"`
	Quantity       int64               `gorm:"not null" json:"quantity"`
	Price          decimal.NullDecimal `gorm:"type:numeric(20,8)" json:"price"`
	TriggerPrice   decimal.NullDecimal `gorm:"type:numeric(20,8)" json:"trigger_price"`
	OrderType      string              `gorm:"size:20;not null" json:"ordertype"`
	Product        string              `gorm:"size:20;not null" json:"product"`
	Status         orderstate.Status   `gorm:"size:20;not null;index:idx_orders_status_updated,priority:1" json:"status"`
	Revision       int64               `gorm:"not null;default:0" json:"revision"`
	Fingerprint    string              `gorm:"size:64;uniqueIndex;not null" json:"-"`
	Broker         string              `gorm:"size:50" json:"broker"`
	BrokerOrderID  string              `gorm:"size:64" json:"broker_orderid,omitempty"`
	FilledQuantity int64               `gorm:"not null;default:0" json:"filled_quantity"`
	Reason         string              `gorm:"size:512" json:"reason,omitempty"`
	CreatedAt      time.Time           `json:"timestamp"`
	UpdatedAt      time.Time           `gorm:"index:idx_orders_status_updated,priority:2" json:"updated_at"`
}

// OrderTransition is an append-only history row for one applied status change.
type OrderTransition struct {
	ID        uint              `gorm:"primaryKey"`
	OrderID   string            `gorm:"size:32;index;not null"`
	From      orderstate.Status `gorm:"size:20;not null"`
	To        orderstate.Status `gorm:"size:20;not null"`
	Revision  int64             `gorm:"not null"`
	Reason    string            `gorm:"size:512"`
	CreatedAt time.Time
}
