// Package status serves the bridge's health, readiness and metrics endpoints.
package status

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/overlaybridge/overlay-bridge/internal/identity"
	"github.com/overlaybridge/overlay-bridge/internal/link"
	"github.com/overlaybridge/overlay-bridge/internal/metrics"
	"github.com/overlaybridge/overlay-bridge/internal/pkg/errors"
	"github.com/overlaybridge/overlay-bridge/internal/pkg/logger"
	"github.com/overlaybridge/overlay-bridge/internal/pkg/middleware"
)

// Link is the view of a link the status server reports on.
type Link interface {
	Name() string
	State() link.State
}

// Config configures the status server.
type Config struct {
	// Address is the listen address, e.g. ":9130".
	Address string

	// Version is reported in health responses.
	Version string

	// ReadTimeout is the HTTP read timeout.
	ReadTimeout time.Duration

	// WriteTimeout is the HTTP write timeout.
	WriteTimeout time.Duration

	// ShutdownTimeout bounds the graceful shutdown.
	ShutdownTimeout time.Duration

	RateLimit middleware.RateLimiterConfig
}

// DefaultConfig returns the status server defaults.
func DefaultConfig() Config {
	return Config{
		Address:         ":9130",
		Version:         "dev",
		ReadTimeout:     5 * time.Second,
		WriteTimeout:    10 * time.Second,
		ShutdownTimeout: 5 * time.Second,
		RateLimit:       middleware.DefaultRateLimiterConfig(),
	}
}

// Health is the body of /healthz.
type Health struct {
	Status    string                   `json:"status"` // ready, degraded
	Identity  string                   `json:"identity"`
	Version   string                   `json:"version,omitempty"`
	Uptime    string                   `json:"uptime"`
	Timestamp time.Time                `json:"timestamp"`
	Links     map[string]LinkComponent `json:"links"`
}

// LinkComponent is one link's entry in Health.
type LinkComponent struct {
	State string `json:"state"`
	Ready bool   `json:"ready"`
}

// Server serves /healthz, /readyz and /metrics.
type Server struct {
	cfg       Config
	identity  identity.Identity
	links     []Link
	metrics   *metrics.Metrics
	limiter   *middleware.RateLimiter
	log       *logger.Logger
	startTime time.Time
}

// New creates a status server. m may be nil, in which case /metrics is not
// served.
func New(cfg Config, id identity.Identity, links []Link, m *metrics.Metrics, log *logger.Logger) *Server {
	def := DefaultConfig()
	if cfg.Address == "" {
		cfg.Address = def.Address
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = def.ReadTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}
	if cfg.RateLimit.RequestsPerSecond == 0 {
		cfg.RateLimit = def.RateLimit
	}
	if log == nil {
		log = logger.Default()
	}

	return &Server{
		cfg:       cfg,
		identity:  id,
		links:     links,
		metrics:   m,
		limiter:   middleware.NewRateLimiter(cfg.RateLimit),
		log:       log.WithComponent("status"),
		startTime: time.Now(),
	}
}

// Check reports the state of every link.
func (s *Server) Check() Health {
	h := Health{
		Status:    "ready",
		Identity:  s.identity.String(),
		Version:   s.cfg.Version,
		Uptime:    time.Since(s.startTime).Truncate(time.Second).String(),
		Timestamp: time.Now().UTC(),
		Links:     make(map[string]LinkComponent, len(s.links)),
	}

	for _, l := range s.links {
		state := l.State()
		ready := state == link.StateReady
		h.Links[l.Name()] = LinkComponent{State: state.String(), Ready: ready}
		if !ready {
			h.Status = "degraded"
		}
	}
	return h
}

// Handler returns the routed handler with rate limiting and, when metrics
// are configured, request metrics applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /readyz", s.handleReady)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}

	var handler http.Handler = mux
	if s.metrics != nil {
		handler = metrics.HTTPMiddleware(s.metrics, handler)
	}
	return s.limiter.Middleware(handler)
}

// handleHealth always answers 200 while the process is up.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	errors.WriteJSON(w, http.StatusOK, s.Check())
}

// handleReady answers 200 only when every link is ready.
func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	h := s.Check()
	if h.Status == "ready" {
		errors.WriteJSON(w, http.StatusOK, h)
		return
	}

	appErr := errors.ServiceUnavailableError("bridge")
	for name, c := range h.Links {
		if !c.Ready {
			appErr.WithDetail(name, c.State)
		}
	}
	errors.WriteError(w, appErr)
}

// Run listens on the configured address and serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("status server listen: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	httpServer := &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	limiterCtx, stopLimiter := context.WithCancel(ctx)
	defer stopLimiter()
	go s.limiter.Run(limiterCtx)

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.Serve(ln)
	}()
	s.log.Info("Status server listening", "addr", ln.Addr().String())

	select {
	case err := <-errCh:
		if stderrors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("status server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		s.log.WithError(err).Warn("Status server shutdown incomplete")
		return err
	}
	s.log.Info("Status server stopped")
	return nil
}
