// Package httpapi is the HTTP transport of the marathon: the mini app API,
// the payment provider webhooks, the admin API and the metrics endpoint.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"habit-marathon/internal/payment/click"
	"habit-marathon/internal/payment/payme"
	"habit-marathon/internal/pkg/metrics"
	"habit-marathon/internal/repository"
	"habit-marathon/internal/service"
)

// DefaultShutdownTimeout bounds graceful shutdown when Options leaves it unset.
const DefaultShutdownTimeout = 10 * time.Second

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

// Services are the application services the transport calls into.
// Payme and Click are nil when that provider is disabled.
type Services struct {
	Store    repository.Store
	Accounts *service.AccountService
	Codes    *service.CodeService
	Scoring  *service.ScoringService
	Admin    *service.AdminService
	Payme    *payme.Gateway
	Click    *click.Gateway
}

// Options configures the HTTP server.
type Options struct {
	Port             int
	CORSOrigins      []string
	RedeemRatePerMin int
	AdminToken       string
	ShutdownTimeout  time.Duration
}

// Server serves the HTTP API.
type Server struct {
	router  *gin.Engine
	server  *http.Server
	svc     Services
	opts    Options
	metrics *metrics.Collector
	redeem  *rateLimiterStore
}

// NewServer creates a Server with its routes registered. m may be nil, in
// which case /metrics is not served.
func NewServer(svc Services, opts Options, m *metrics.Collector) *Server {
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = DefaultShutdownTimeout
	}

	router := gin.New()
	router.Use(gin.Recovery(), requestID(), requestLogger(m), cors(opts.CORSOrigins))

	s := &Server{
		router: router,
		server: &http.Server{
			Addr:              fmt.Sprintf("0.0.0.0:%d", opts.Port),
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		},
		svc:     svc,
		opts:    opts,
		metrics: m,
		redeem:  newRateLimiterStore(opts.RedeemRatePerMin),
	}
	s.routes()
	return s
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until Shutdown is called. It returns nil at once when
// Shutdown ran first.
func (s *Server) Start() error {
	log.Info().Str("address", s.server.Addr).Msg("Starting HTTP server")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start the HTTP server: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server and the limiter cleanup.
func (s *Server) Shutdown(ctx context.Context) error {
	s.redeem.stop()

	ctx, cancel := context.WithTimeout(ctx, s.opts.ShutdownTimeout)
	defer cancel()

	log.Info().Msg("Shutting down HTTP server...")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("HTTP server shutdown error: %w", err)
	}
	log.Info().Msg("HTTP server shut down successfully")
	return nil
}
