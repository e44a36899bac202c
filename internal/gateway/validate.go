package gateway

import (
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"order-gateway-go/internal/models"
)

// PlaceRequest is a placement as received from a client.
type PlaceRequest struct {
	Symbol       string
	Exchange     string
	Action       string
	Quantity     string
	OrderType    string
	Product      string
	Price        decimal.NullDecimal
	TriggerPrice decimal.NullDecimal
	Nonce        string
}

// validOrder is a PlaceRequest after normalisation.
type validOrder struct {
	Symbol       string
	Exchange     string
	Action       string
	Quantity     int64
	OrderType    string
	Product      string
	Price        decimal.NullDecimal
	TriggerPrice decimal.NullDecimal
	Nonce        string
}

var orderTypeAliases = map[string]string{
	models.OrderTypeMarket:    models.OrderTypeMarket,
	models.OrderTypeLimit:     models.OrderTypeLimit,
	models.OrderTypeStop:      models.OrderTypeStop,
	models.OrderTypeStopLimit: models.OrderTypeStopLimit,
	"SL":                      models.OrderTypeStopLimit,
	"SL-M":                    models.OrderTypeStop,
}

func validatePlace(req PlaceRequest) (validOrder, *Error) {
	fields := make(map[string]string)
	out := validOrder{
		Symbol:   strings.ToUpper(strings.TrimSpace(req.Symbol)),
		Exchange: strings.ToUpper(strings.TrimSpace(req.Exchange)),
		Action:   strings.ToUpper(strings.TrimSpace(req.Action)),
		Product:  strings.ToUpper(strings.TrimSpace(req.Product)),
		Nonce:    strings.TrimSpace(req.Nonce),
	}

	switch {
	case out.Symbol == "":
		fields["symbol"] = "is required"
	case len(out.Symbol) > 50:
		fields["symbol"] = "must be at most 50 characters"
	}
	switch {
	case out.Exchange == "":
		fields["exchange"] = "is required"
	case len(out.Exchange) > 20:
		fields["exchange"] = "must be at most 20 characters"
	}
	if out.Action != models.ActionBuy && out.Action != models.ActionSell {
		fields["action"] = "must be BUY or SELL"
	}

	qty := strings.TrimSpace(req.Quantity)
	if qty == "" {
		fields["quantity"] = "is required"
	} else if n, err := strconv.ParseInt(qty, 10, 64); err != nil || n <= 0 {
		fields["quantity"] = "must be a positive integer"
	} else {
		out.Quantity = n
	}

	rawType := strings.ToUpper(strings.TrimSpace(req.OrderType))
	if rawType == "" {
		fields["ordertype"] = "is required"
	} else if t, ok := orderTypeAliases[rawType]; ok {
		out.OrderType = t
	} else {
		fields["ordertype"] = "must be one of MARKET, LIMIT, STOP, STOP_LIMIT"
	}

	switch out.Product {
	case "":
		out.Product = models.ProductMIS
	case models.ProductMIS, models.ProductCNC, models.ProductNRML:
	default:
		fields["product"] = "must be one of MIS, CNC, NRML"
	}

	// A zero price is how clients say "no price".
	out.Price = positiveOrNull(req.Price)
	out.TriggerPrice = positiveOrNull(req.TriggerPrice)
	if req.Price.Valid && req.Price.Decimal.IsNegative() {
		fields["price"] = "must not be negative"
	}
	if req.TriggerPrice.Valid && req.TriggerPrice.Decimal.IsNegative() {
		fields["trigger_price"] = "must not be negative"
	}
	switch out.OrderType {
	case models.OrderTypeLimit:
		if !out.Price.Valid && fields["price"] == "" {
			fields["price"] = "is required for LIMIT orders"
		}
	case models.OrderTypeStop:
		if !out.TriggerPrice.Valid && fields["trigger_price"] == "" {
			fields["trigger_price"] = "is required for STOP orders"
		}
	case models.OrderTypeStopLimit:
		if !out.Price.Valid && fields["price"] == "" {
			fields["price"] = "is required for STOP_LIMIT orders"
		}
		if !out.TriggerPrice.Valid && fields["trigger_price"] == "" {
			fields["trigger_price"] = "is required for STOP_LIMIT orders"
		}
	case models.OrderTypeMarket:
		out.Price = decimal.NullDecimal{}
	}

	if len(out.Nonce) > 128 {
		fields["nonce"] = "must be at most 128 characters"
	}

	if len(fields) > 0 {
		return validOrder{}, validationError(fields)
	}
	return out, nil
}

func positiveOrNull(d decimal.NullDecimal) decimal.NullDecimal {
	if !d.Valid || !d.Decimal.IsPositive() {
		return decimal.NullDecimal{}
	}
	return d
}
