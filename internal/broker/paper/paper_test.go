package paper

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"order-gateway-go/internal/broker"
	"order-gateway-go/internal/config"
	"order-gateway-go/internal/models"
	"order-gateway-go/internal/orderstate"
)

func testConfig() config.Paper {
	return config.Paper{
		Enabled:         true,
		AvailableCash:   "100000.00",
		UsedMargin:      "25000.00",
		TotalCollateral: "100000.00",
	}
}

func limitOrder(id string) models.Order {
	return models.Order{
		OrderID:   id,
		Symbol:    "RELIANCE",
		Exchange:  "NSE",
		Action:    models.ActionBuy,
		Quantity:  10,
		OrderType: models.OrderTypeLimit,
		Price:     decimal.NewNullDecimal(decimal.RequireFromString("2500")),
	}
}

func TestPlaceAndFill(t *testing.T) {
	// Arrange
	b, err := New(testConfig(), zap.NewNop())
	require.NoError(t, err)
	ctx := context.Background()

	// Act
	ack, err := b.Place(ctx, limitOrder("ORD1"))

	// Assert
	require.NoError(t, err)
	assert.Equal(t, orderstate.Open, ack.Status)
	assert.NotEmpty(t, ack.BrokerOrderID)

	again, err := b.Place(ctx, limitOrder("ORD1"))
	require.NoError(t, err)
	assert.Equal(t, ack.BrokerOrderID, again.BrokerOrderID)

	require.NoError(t, b.Fill("ORD1", 4))
	st, err := b.Status(ctx, limitOrder("ORD1"))
	require.NoError(t, err)
	assert.Equal(t, orderstate.PartiallyFilled, st.Status)
	assert.Equal(t, int64(4), st.FilledQuantity)

	require.NoError(t, b.Fill("ORD1", 100))
	st, err = b.Status(ctx, limitOrder("ORD1"))
	require.NoError(t, err)
	assert.Equal(t, orderstate.Complete, st.Status)
	assert.Equal(t, int64(10), st.FilledQuantity)

	_, err = b.Cancel(ctx, limitOrder("ORD1"))
	_, rejected := broker.AsReject(err)
	assert.True(t, rejected)
}

func TestPlaceRejects(t *testing.T) {
	b, err := New(testConfig(), zap.NewNop())
	require.NoError(t, err)

	o := limitOrder("ORD2")
	o.Price = decimal.NullDecimal{}
	_, err = b.Place(context.Background(), o)
	_, rejected := broker.AsReject(err)
	assert.True(t, rejected)

	o = limitOrder("ORD3")
	o.Quantity = 0
	_, err = b.Place(context.Background(), o)
	_, rejected = broker.AsReject(err)
	assert.True(t, rejected)
}

func TestFillMarket(t *testing.T) {
	cfg := testConfig()
	cfg.FillMarket = true
	b, err := New(cfg, zap.NewNop())
	require.NoError(t, err)

	o := limitOrder("ORD4")
	o.OrderType = models.OrderTypeMarket
	o.Price = decimal.NullDecimal{}
	ack, err := b.Place(context.Background(), o)

	require.NoError(t, err)
	assert.Equal(t, orderstate.Complete, ack.Status)
	assert.Equal(t, int64(10), ack.FilledQuantity)
}

func TestCancelAndStatus(t *testing.T) {
	b, err := New(testConfig(), zap.NewNop())
	require.NoError(t, err)
	ctx := context.Background()

	_, err = b.Status(ctx, limitOrder("ORD5"))
	assert.ErrorIs(t, err, broker.ErrUnknownOrder)

	ack, err := b.Cancel(ctx, limitOrder("ORD5"))
	require.NoError(t, err)
	assert.Equal(t, orderstate.Cancelled, ack.Status)

	_, err = b.Place(ctx, limitOrder("ORD6"))
	require.NoError(t, err)
	ack, err = b.Cancel(ctx, limitOrder("ORD6"))
	require.NoError(t, err)
	assert.Equal(t, orderstate.Cancelled, ack.Status)
	assert.Error(t, b.Fill("ORD6", 1))
}

func TestLatencyTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.Latency = time.Second
	b, err := New(cfg, zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = b.Place(ctx, limitOrder("ORD7"))

	assert.ErrorIs(t, err, broker.ErrTimeout)
	assert.True(t, broker.IsUncertain(err))
}

func TestFunds(t *testing.T) {
	b, err := New(testConfig(), zap.NewNop())
	require.NoError(t, err)

	funds, err := b.Funds(context.Background(), models.Account{})

	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("75000").Equal(funds.AvailableMargin))
	assert.True(t, decimal.RequireFromString("100000").Equal(funds.AvailableCash))

	cfg := testConfig()
	cfg.UsedMargin = "lots"
	_, err = New(cfg, zap.NewNop())
	assert.Error(t, err)
}
