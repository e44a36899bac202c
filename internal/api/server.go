// Package api exposes the gateway over HTTP/JSON.
package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"order-gateway-go/internal/audit"
	"order-gateway-go/internal/config"
	"order-gateway-go/internal/gateway"
	"order-gateway-go/internal/metrics"
)

// Auditor persists one record per API call.
type Auditor interface {
	Record(ctx context.Context, e audit.Entry)
}

// Deps are the collaborators of the HTTP layer.
type Deps struct {
	Service  *gateway.Service
	Auditor  Auditor
	Metrics  *metrics.Metrics
	Gatherer prometheus.Gatherer
	// Health reports whether the gateway can serve traffic; nil means always healthy.
	Health func(ctx context.Context) error
}

// Server provides the HTTP interface of the gateway.
type Server struct {
	server  *http.Server
	engine  *gin.Engine
	deps    Deps
	limiter *keyedLimiter
	logger  *zap.Logger
}

// NewServer builds the router and the underlying http.Server.
func NewServer(cfg config.Server, rl config.RateLimit, deps Deps, logger *zap.Logger) (*Server, error) {
	s := &Server{
		deps:   deps,
		logger: logger.Named("api-server"),
	}
	if rl.Enabled {
		s.limiter = newKeyedLimiter(rl.RPS, rl.Burst)
	}

	engine := gin.New()
	if err := engine.SetTrustedProxies(cfg.TrustedProxies); err != nil {
		return nil, fmt.Errorf("trusted proxies: %w", err)
	}
	engine.HandleMethodNotAllowed = true
	// Redirects would bypass the audit trail; unknown paths get an audited 404 instead.
	engine.RedirectTrailingSlash = false
	s.engine = engine
	s.routes()

	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           engine,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
	return s, nil
}

func (s *Server) routes() {
	// Engine level, so requests under the API prefix that match no route or
	// method pass through the same chain.
	s.engine.Use(
		apiOnly(s.requestID()),
		apiOnly(s.accessLog()),
		apiOnly(s.audit()),
		gin.CustomRecoveryWithWriter(io.Discard, s.recovered),
		apiOnly(s.limitByAddress()),
	)
	s.engine.NoRoute(s.unmatched(http.StatusNotFound, "Unknown endpoint"))
	s.engine.NoMethod(s.unmatched(http.StatusMethodNotAllowed, "Method not allowed"))

	s.engine.GET("/health", s.health)
	if s.deps.Gatherer != nil {
		s.engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{})))
	}

	v1 := s.engine.Group(apiPrefix)
	v1.GET("/ping", s.ping)

	authed := v1.Group("", s.authenticate(), s.limitByAccount())
	authed.POST("/placeorder", s.placeOrder)
	authed.POST("/cancelorder", s.cancelOrder)
	authed.POST("/orderbook", s.orderbook)
	authed.POST("/orderstatus", s.orderStatus)
	authed.POST("/funds", s.funds)
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// ListenAndServe serves until Stop is called.
func (s *Server) ListenAndServe() error {
	s.logger.Info("Starting API server", zap.String("address", s.server.Addr))
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping API server...")
	return s.server.Shutdown(ctx)
}
