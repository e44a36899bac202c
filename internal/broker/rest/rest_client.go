// Package rest is a broker adapter for venues exposing a signed REST API.
package rest

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"order-gateway-go/internal/broker"
	"order-gateway-go/internal/config"
	"order-gateway-go/internal/models"
	"order-gateway-go/internal/orderstate"
)

const (
	recvWindow   = "5000" // How long a request is valid in milliseconds
	apiKeyHeader = "X-API-KEY"
)

var (
	errThrottled   = errors.New("throttled by broker")
	errCircuitOpen = errors.New("circuit breaker open")
)

// httpError is a 4xx answer other than 429: the broker processed and refused the request.
type httpError struct {
	status  int
	message string
}

func (e *httpError) Error() string {
	return fmt.Sprintf("status %d: %s", e.status, e.message)
}

type retryPolicy int

const (
	// retryThrottled retries only answers that guarantee the request was not processed.
	retryThrottled retryPolicy = iota
	// retryTransient also retries 5xx and network failures. Only safe for reads.
	retryTransient
)

// Client is a broker.Adapter talking to a signed REST API.
type Client struct {
	name       string
	client     *resty.Client
	apiKey     string
	secretKey  string
	logger     *zap.Logger
	limiter    *rate.Limiter
	breaker    *gobreaker.CircuitBreaker[*resty.Response]
	maxRetries int
	backoff    time.Duration
}

var (
	_ broker.Adapter       = (*Client)(nil)
	_ broker.FundsProvider = (*Client)(nil)
)

// NewClient creates a REST broker adapter.
func NewClient(cfg config.Rest, logger *zap.Logger) *Client {
	name := cfg.Name
	if name == "" {
		name = "rest"
	}
	logger = logger.Named("broker").With(zap.String("broker", name))
	logger.Info("Using REST broker", zap.String("base_url", cfg.BaseURL))

	maxRetries := cfg.MaxRetries
	if maxRetries < 1 {
		maxRetries = 1
	}

	c := &Client{
		name:       name,
		client:     resty.New().SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")),
		apiKey:     cfg.ApiKey,
		secretKey:  cfg.SecretKey,
		logger:     logger,
		limiter:    rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateLimitBurst),
		maxRetries: maxRetries,
		backoff:    time.Second,
	}
	c.breaker = newBreaker(name, cfg.CircuitBreaker, logger)
	return c
}

func newBreaker(name string, cfg config.CircuitBreaker, logger *zap.Logger) *gobreaker.CircuitBreaker[*resty.Response] {
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = 5
	}
	return gobreaker.NewCircuitBreaker[*resty.Response](gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		// Refusals and throttling prove the broker is alive.
		IsSuccessful: func(err error) bool {
			var he *httpError
			return err == nil || errors.As(err, &he) || errors.Is(err, errThrottled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Circuit breaker state changed", zap.String("from", from.String()), zap.String("to", to.String()))
		},
	})
}

func (c *Client) Name() string { return c.name }

// sign creates a HMAC-SHA256 signature for the request.
func (c *Client) sign(data string) string {
	h := hmac.New(sha256.New, []byte(c.secretKey))
	h.Write([]byte(data))
	return hex.EncodeToString(h.Sum(nil))
}

// signed adds timestamp, recvWindow and signature to params and returns the encoded form.
func (c *Client) signed(params url.Values) string {
	params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	params.Set("recvWindow", recvWindow)
	params.Set("signature", c.sign(params.Encode()))
	return params.Encode()
}

type orderResponse struct {
	OrderID        string `json:"order_id"`
	ClientOrderID  string `json:"client_order_id"`
	Status         string `json:"status"`
	FilledQuantity int64  `json:"filled_quantity"`
	Message        string `json:"message"`
}

type errorResponse struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

type fundsResponse struct {
	AvailableCash   decimal.Decimal `json:"available_cash"`
	UsedMargin      decimal.Decimal `json:"used_margin"`
	AvailableMargin decimal.Decimal `json:"available_margin"`
	TotalCollateral decimal.Decimal `json:"total_collateral"`
}

// doRequest handles the actual request execution with rate limiting, circuit
// breaking and retry logic.
func (c *Client) doRequest(ctx context.Context, method, path string, req *resty.Request, policy retryPolicy) (*resty.Response, error) {
	var resp *resty.Response
	var err error

	for i := 0; i < c.maxRetries; i++ {
		// Wait for the rate limiter
		if werr := c.limiter.Wait(ctx); werr != nil {
			return nil, fmt.Errorf("%w: rate limiter wait failed: %v", broker.ErrTimeout, werr)
		}

		c.logger.Debug("Executing request", zap.String("method", method), zap.String("url", c.client.BaseURL+path))
		resp, err = c.breaker.Execute(func() (*resty.Response, error) {
			return c.execute(ctx, method, path, req)
		})
		if err == nil {
			return resp, nil
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: %v", errCircuitOpen, err)
		}

		// Analyze error and decide whether to retry
		shouldRetry := false
		var retryAfter time.Duration
		switch {
		case errors.Is(err, errThrottled):
			shouldRetry = true
			if seconds, perr := strconv.Atoi(resp.Header().Get("Retry-After")); perr == nil {
				retryAfter = time.Duration(seconds) * time.Second
			}
		case errors.Is(err, broker.ErrUncertain):
			shouldRetry = policy == retryTransient
		}
		if !shouldRetry || i == c.maxRetries-1 {
			break
		}

		// If we should retry, calculate wait time
		if retryAfter == 0 {
			// Exponential backoff: 1x, 2x, 4x
			retryAfter = time.Duration(math.Pow(2, float64(i))) * c.backoff
		}

		c.logger.Warn("Request failed, retrying...",
			zap.Int("attempt", i+1),
			zap.Duration("retry_after", retryAfter),
			zap.Error(err),
		)

		select {
		case <-time.After(retryAfter):
			continue
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", broker.ErrTimeout, ctx.Err())
		}
	}

	return resp, err
}

// execute performs a single attempt and classifies its outcome.
func (c *Client) execute(ctx context.Context, method, path string, req *resty.Request) (*resty.Response, error) {
	resp, err := req.SetContext(ctx).Execute(method, path)
	if resp != nil && resp.StatusCode() > 0 {
		code := resp.StatusCode()
		switch {
		case code == http.StatusTooManyRequests || code == http.StatusTeapot:
			return resp, errThrottled
		case code >= 500:
			return resp, fmt.Errorf("%w: status %d", broker.ErrUncertain, code)
		case code >= 400:
			return resp, &httpError{status: code, message: errorMessage(resp)}
		case err == nil:
			return resp, nil
		}
	}
	if ctx.Err() != nil {
		return resp, fmt.Errorf("%w: %v", broker.ErrTimeout, ctx.Err())
	}
	return resp, fmt.Errorf("%w: %v", broker.ErrUncertain, err)
}

func errorMessage(resp *resty.Response) string {
	if e, ok := resp.Error().(*errorResponse); ok && e != nil && e.Msg != "" {
		return e.Msg
	}
	if body := strings.TrimSpace(resp.String()); body != "" {
		return body
	}
	return resp.Status()
}

// placementError maps transport failures of place/cancel. Anything that proves the
// request was not executed becomes a rejection; uncertain outcomes pass through.
func placementError(err error) error {
	var he *httpError
	switch {
	case errors.As(err, &he):
		return broker.Reject("%s", he.message)
	case errors.Is(err, errCircuitOpen):
		return broker.Reject("broker unavailable: %v", err)
	case errors.Is(err, errThrottled):
		return broker.Reject("broker rate limit exceeded")
	}
	return err
}

// queryError maps transport failures of read-only calls.
func queryError(err error) error {
	var he *httpError
	switch {
	case errors.As(err, &he) && he.status == http.StatusNotFound:
		return broker.ErrUnknownOrder
	case errors.Is(err, broker.ErrTimeout), errors.Is(err, broker.ErrUncertain):
		return err
	}
	return fmt.Errorf("%w: %v", broker.ErrUncertain, err)
}

// Place submits a new order. The gateway order id is sent as client_order_id so
// that a later status query can find it even when the acknowledgement was lost.
func (c *Client) Place(ctx context.Context, order models.Order) (broker.Ack, error) {
	params := url.Values{}
	params.Set("client_order_id", order.OrderID)
	params.Set("symbol", order.Symbol)
	params.Set("exchange", order.Exchange)
	params.Set("side", order.Action)
	params.Set("type", order.OrderType)
	params.Set("quantity", strconv.FormatInt(order.Quantity, 10))
	params.Set("product", order.Product)
	if order.Price.Valid {
		params.Set("price", order.Price.Decimal.String())
	}
	if order.TriggerPrice.Valid {
		params.Set("trigger_price", order.TriggerPrice.Decimal.String())
	}

	req := c.client.R().
		SetHeader(apiKeyHeader, c.apiKey).
		SetHeader("Content-Type", "application/x-www-form-urlencoded").
		SetBody(c.signed(params)).
		SetResult(&orderResponse{}).
		SetError(&errorResponse{})

	resp, err := c.doRequest(ctx, http.MethodPost, "/orders", req, retryThrottled)
	if err != nil {
		c.logger.Error("Failed to place order", zap.Error(err), zap.String("order_id", order.OrderID))
		return broker.Ack{}, placementError(err)
	}
	result := resp.Result().(*orderResponse)
	if strings.EqualFold(result.Status, "REJECTED") {
		return broker.Ack{}, broker.Reject("%s", result.Message)
	}
	ack, err := toAck(result)
	if err != nil {
		return broker.Ack{}, err
	}
	c.logger.Info("Successfully placed order", zap.String("order_id", order.OrderID), zap.String("broker_order_id", ack.BrokerOrderID))
	return ack, nil
}

// Cancel asks the broker to cancel the order.
func (c *Client) Cancel(ctx context.Context, order models.Order) (broker.Ack, error) {
	params := url.Values{}
	params.Set("client_order_id", order.OrderID)
	if order.BrokerOrderID != "" {
		params.Set("order_id", order.BrokerOrderID)
	}

	req := c.client.R().
		SetHeader(apiKeyHeader, c.apiKey).
		SetHeader("Content-Type", "application/x-www-form-urlencoded").
		SetBody(c.signed(params)).
		SetResult(&orderResponse{}).
		SetError(&errorResponse{})

	resp, err := c.doRequest(ctx, http.MethodPost, "/orders/cancel", req, retryThrottled)
	if err != nil {
		c.logger.Error("Failed to cancel order", zap.Error(err), zap.String("order_id", order.OrderID))
		return broker.Ack{}, placementError(err)
	}
	return toAck(resp.Result().(*orderResponse))
}

// Status queries the broker's view of the order.
func (c *Client) Status(ctx context.Context, order models.Order) (broker.Ack, error) {
	params := url.Values{}
	params.Set("client_order_id", order.OrderID)

	req := c.client.R().
		SetHeader(apiKeyHeader, c.apiKey).
		SetQueryString(c.signed(params)).
		SetResult(&orderResponse{}).
		SetError(&errorResponse{})

	resp, err := c.doRequest(ctx, http.MethodGet, "/orders", req, retryTransient)
	if err != nil {
		return broker.Ack{}, queryError(err)
	}
	return toAck(resp.Result().(*orderResponse))
}

// Funds fetches the account margin summary.
func (c *Client) Funds(ctx context.Context, _ models.Account) (broker.Funds, error) {
	req := c.client.R().
		SetHeader(apiKeyHeader, c.apiKey).
		SetQueryString(c.signed(url.Values{})).
		SetResult(&fundsResponse{}).
		SetError(&errorResponse{})

	resp, err := c.doRequest(ctx, http.MethodGet, "/funds", req, retryTransient)
	if err != nil {
		return broker.Funds{}, fmt.Errorf("failed to get funds: %w", queryError(err))
	}
	f := resp.Result().(*fundsResponse)
	return broker.Funds(*f), nil
}

func toAck(r *orderResponse) (broker.Ack, error) {
	st, err := mapStatus(r.Status)
	if err != nil {
		return broker.Ack{}, err
	}
	return broker.Ack{
		BrokerOrderID:  r.OrderID,
		Status:         st,
		FilledQuantity: r.FilledQuantity,
		Message:        r.Message,
	}, nil
}

// mapStatus translates broker status vocabularies into gateway statuses.
func mapStatus(s string) (orderstate.Status, error) {
	switch strings.ToUpper(s) {
	case "NEW", "OPEN", "ACCEPTED", "TRIGGER_PENDING":
		return orderstate.Open, nil
	case "PARTIALLY_FILLED", "PARTIAL":
		return orderstate.PartiallyFilled, nil
	case "FILLED", "COMPLETE":
		return orderstate.Complete, nil
	case "CANCELED", "CANCELLED", "EXPIRED":
		return orderstate.Cancelled, nil
	case "REJECTED":
		return orderstate.Rejected, nil
	}
	return "", fmt.Errorf("%w: unrecognised broker status %q", broker.ErrUncertain, s)
}
