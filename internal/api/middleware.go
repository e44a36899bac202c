package api

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"order-gateway-go/internal/audit"
	"order-gateway-go/internal/gateway"
	"order-gateway-go/internal/logger"
	"order-gateway-go/internal/models"
)

const (
	apiPrefix       = "/api/v1"
	requestIDHeader = "X-Request-ID"

	// maxBodyBytes caps what is read from a request body.
	maxBodyBytes = 1 << 20

	keyRequestID = "request_id"
	keyRawBody   = "raw_body"
	keyEnvelope  = "envelope"
	keyAccount   = "account"
	keyOrderID   = "order_id"
)

// envelope holds the fields every authenticated request carries in its body.
type envelope struct {
	APIKey  string `json:"apikey"`
	OrderID string `json:"orderid"`
}

func isAPIPath(path string) bool {
	return path == apiPrefix || strings.HasPrefix(path, apiPrefix+"/")
}

// apiOnly runs h for requests under the API prefix, matched by a route or not.
func apiOnly(h gin.HandlerFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !isAPIPath(c.Request.URL.Path) {
			c.Next()
			return
		}
		h(c)
	}
}

func (s *Server) requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" || len(id) > 64 {
			id = uuid.NewString()
		}
		c.Set(keyRequestID, id)
		c.Header(requestIDHeader, id)

		reqLog := s.logger.With(zap.String("request_id", id))
		c.Request = c.Request.WithContext(logger.WithContext(c.Request.Context(), reqLog))
		c.Next()
	}
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		elapsed := time.Since(start)
		code := c.Writer.Status()

		s.deps.Metrics.ObserveRequest(c.FullPath(), code, elapsed)
		log := logger.FromContext(c.Request.Context(), s.logger)
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", code),
			zap.Duration("duration", elapsed),
		}
		if code >= http.StatusInternalServerError {
			log.Error("API request failed", fields...)
			return
		}
		log.Info("API request completed", fields...)
	}
}

// capturingWriter keeps a copy of the response body for the audit record.
type capturingWriter struct {
	gin.ResponseWriter
	body *bytes.Buffer
}

func (w *capturingWriter) Write(b []byte) (int, error) {
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}

func (w *capturingWriter) WriteString(s string) (int, error) {
	w.body.WriteString(s)
	return w.ResponseWriter.WriteString(s)
}

// audit writes exactly one record for every call under the API prefix, whatever
// the outcome and whether or not a route matched. Recovery runs inside it, so
// panics are recorded too.
func (s *Server) audit() gin.HandlerFunc {
	return func(c *gin.Context) {
		var raw []byte
		if c.Request.Body != nil {
			raw, _ = io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes))
			_ = c.Request.Body.Close()
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(raw))
		c.Set(keyRawBody, raw)

		w := &capturingWriter{ResponseWriter: c.Writer, body: &bytes.Buffer{}}
		c.Writer = w

		c.Next()

		if s.deps.Auditor == nil {
			return
		}
		entry := audit.Entry{
			CorrelationID: c.GetString(keyRequestID),
			OrderID:       c.GetString(keyOrderID),
			Endpoint:      c.FullPath(),
			Method:        c.Request.Method,
			OutcomeCode:   w.Status(),
			RemoteAddr:    c.ClientIP(),
			UserAgent:     c.Request.UserAgent(),
			Request:       raw,
			Response:      w.body.Bytes(),
		}
		if entry.Endpoint == "" {
			entry.Endpoint = c.Request.URL.Path
		}
		if acct, ok := accountOf(c); ok {
			id := acct.ID
			entry.AccountID = &id
		}
		if env, err := envelopeOf(c); err == nil {
			if entry.OrderID == "" {
				entry.OrderID = env.OrderID
			}
			if env.APIKey != "" {
				entry.Secrets = []string{env.APIKey}
			}
		}
		s.deps.Auditor.Record(c.Request.Context(), entry)
	}
}

func (s *Server) recovered(c *gin.Context, rec any) {
	logger.FromContext(c.Request.Context(), s.logger).Error("Panic recovered",
		zap.Any("panic", rec), zap.String("path", c.FullPath()), zap.Stack("stack"))
	s.writeError(c, &gateway.Error{Kind: gateway.KindInternal, Message: "Internal server error"})
}

// limitByAddress throttles every API call per client address. It runs before
// authentication, so a client cannot dodge it by inventing API keys.
func (s *Server) limitByAddress() gin.HandlerFunc {
	return s.throttle(func(c *gin.Context) string {
		return "addr:" + c.ClientIP()
	})
}

// limitByAccount throttles authenticated calls per account, whichever address
// they come from.
func (s *Server) limitByAccount() gin.HandlerFunc {
	return s.throttle(func(c *gin.Context) string {
		acct, ok := accountOf(c)
		if !ok {
			return ""
		}
		return "acct:" + strconv.FormatUint(uint64(acct.ID), 10)
	})
}

func (s *Server) throttle(keyOf func(c *gin.Context) string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.limiter == nil {
			c.Next()
			return
		}
		if key := keyOf(c); key != "" && !s.limiter.Allow(key) {
			s.writeError(c, &gateway.Error{Kind: gateway.KindRateLimited, Message: "Rate limit exceeded, slow down"})
			return
		}
		c.Next()
	}
}

// unmatched answers API calls no route serves. Other paths keep gin's default
// plain-text reply.
func (s *Server) unmatched(code int, message string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !isAPIPath(c.Request.URL.Path) {
			return
		}
		c.AbortWithStatusJSON(code, errorResponse{Status: "error", Message: message})
	}
}

// authenticate resolves the API key in the body and stores the account on the request.
func (s *Server) authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		env, err := envelopeOf(c)
		if err != nil {
			s.writeError(c, &gateway.Error{Kind: gateway.KindValidation, Message: "Request body must be a JSON object", Err: err})
			return
		}
		acct, err := s.deps.Service.Authenticate(c.Request.Context(), env.APIKey)
		if err != nil {
			s.writeError(c, err)
			return
		}
		c.Set(keyAccount, acct)
		reqLog := logger.FromContext(c.Request.Context(), s.logger).With(zap.Uint("account_id", acct.ID))
		c.Request = c.Request.WithContext(logger.WithContext(c.Request.Context(), reqLog))
		c.Next()
	}
}

func accountOf(c *gin.Context) (models.Account, bool) {
	v, ok := c.Get(keyAccount)
	if !ok {
		return models.Account{}, false
	}
	acct, ok := v.(models.Account)
	return acct, ok
}

// envelopeOf decodes the common body fields once per request.
func envelopeOf(c *gin.Context) (envelope, error) {
	if v, ok := c.Get(keyEnvelope); ok {
		return v.(envelope), nil
	}
	var env envelope
	raw, _ := c.MustGet(keyRawBody).([]byte)
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, &env); err != nil {
			return envelope{}, err
		}
	}
	c.Set(keyEnvelope, env)
	return env, nil
}
