package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"order-gateway-go/internal/gateway"
	"order-gateway-go/internal/logger"
	"order-gateway-go/internal/orderstate"
)

type placeOrderRequest struct {
	Symbol       string              `json:"symbol"`
	Exchange     string              `json:"exchange"`
	Action       string              `json:"action"`
	Quantity     json.Number         `json:"quantity"`
	OrderType    string              `json:"ordertype"`
	Product      string              `json:"product"`
	Price        decimal.NullDecimal `json:"price"`
	TriggerPrice decimal.NullDecimal `json:"trigger_price"`
	Nonce        string              `json:"nonce"`
}

type orderRequest struct {
	OrderID string `json:"orderid"`
}

type orderResponse struct {
	Status      string            `json:"status"`
	Message     string            `json:"message"`
	OrderID     string            `json:"orderid"`
	OrderStatus orderstate.Status `json:"order_status"`
	Duplicate   bool              `json:"duplicate,omitempty"`
}

type dataResponse struct {
	Status string `json:"status"`
	Data   any    `json:"data"`
}

type errorResponse struct {
	Status        string            `json:"status"`
	Message       string            `json:"message"`
	Fields        map[string]string `json:"fields,omitempty"`
	OrderID       string            `json:"orderid,omitempty"`
	CurrentStatus orderstate.Status `json:"current_status,omitempty"`
}

func (s *Server) placeOrder(c *gin.Context) {
	var req placeOrderRequest
	if !s.bind(c, &req) {
		return
	}
	acct, _ := accountOf(c)

	res, err := s.deps.Service.Place(c.Request.Context(), acct, gateway.PlaceRequest{
		Symbol:       req.Symbol,
		Exchange:     req.Exchange,
		Action:       req.Action,
		Quantity:     req.Quantity.String(),
		OrderType:    req.OrderType,
		Product:      req.Product,
		Price:        req.Price,
		TriggerPrice: req.TriggerPrice,
		Nonce:        req.Nonce,
	})
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.Set(keyOrderID, res.Order.OrderID)

	msg := "Order placed successfully"
	if res.Duplicate {
		msg = "Order already placed"
	}
	c.JSON(http.StatusOK, orderResponse{
		Status:      "success",
		Message:     msg,
		OrderID:     res.Order.OrderID,
		OrderStatus: res.Order.Status,
		Duplicate:   res.Duplicate,
	})
}

func (s *Server) cancelOrder(c *gin.Context) {
	var req orderRequest
	if !s.bind(c, &req) {
		return
	}
	acct, _ := accountOf(c)
	c.Set(keyOrderID, req.OrderID)

	order, err := s.deps.Service.Cancel(c.Request.Context(), acct, req.OrderID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, orderResponse{
		Status:      "success",
		Message:     "Order cancelled successfully",
		OrderID:     order.OrderID,
		OrderStatus: order.Status,
	})
}

func (s *Server) orderbook(c *gin.Context) {
	acct, _ := accountOf(c)
	orders, err := s.deps.Service.Orderbook(c.Request.Context(), acct)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, dataResponse{Status: "success", Data: orders})
}

func (s *Server) orderStatus(c *gin.Context) {
	var req orderRequest
	if !s.bind(c, &req) {
		return
	}
	acct, _ := accountOf(c)
	c.Set(keyOrderID, req.OrderID)

	order, err := s.deps.Service.OrderStatus(c.Request.Context(), acct, req.OrderID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, dataResponse{Status: "success", Data: order})
}

func (s *Server) funds(c *gin.Context) {
	acct, _ := accountOf(c)
	funds, err := s.deps.Service.Funds(c.Request.Context(), acct)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, dataResponse{Status: "success", Data: funds})
}

func (s *Server) ping(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "success",
		"message":   "pong",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) health(c *gin.Context) {
	if s.deps.Health != nil {
		if err := s.deps.Health(c.Request.Context()); err != nil {
			s.logger.Warn("Health check failed", zap.Error(err))
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// bind decodes the JSON body into dst, answering 400 on failure.
func (s *Server) bind(c *gin.Context, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		fields := map[string]string{"body": "must be a valid JSON object"}
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) && typeErr.Field != "" {
			fields = map[string]string{typeErr.Field: "has the wrong type"}
		}
		s.writeError(c, &gateway.Error{Kind: gateway.KindValidation, Message: "Invalid request", Fields: fields, Err: err})
		return false
	}
	return true
}

func (s *Server) writeError(c *gin.Context, err error) {
	ge := gateway.AsError(err)
	if ge.OrderID != "" {
		c.Set(keyOrderID, ge.OrderID)
	}

	log := logger.FromContext(c.Request.Context(), s.logger)
	if ge.Kind == gateway.KindInternal {
		log.Error("Request failed", zap.String("path", c.FullPath()), zap.Error(err))
	} else {
		log.Debug("Request refused", zap.Stringer("kind", ge.Kind), zap.Error(err))
	}

	status := "error"
	if ge.Kind == gateway.KindTransient {
		status = "pending"
	}
	c.AbortWithStatusJSON(ge.Kind.HTTPStatus(), errorResponse{
		Status:        status,
		Message:       ge.Message,
		Fields:        ge.Fields,
		OrderID:       ge.OrderID,
		CurrentStatus: ge.CurrentStatus,
	})
}
