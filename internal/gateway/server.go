// Package gateway serves conversations over HTTP and WebSocket.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"cadence/internal/config"
	"cadence/internal/gateway/handlers"
	"cadence/internal/gateway/middleware"
	"cadence/internal/gateway/websocket"
	"cadence/internal/metrics"
	"cadence/pkg/logger"
)

const defaultShutdownTimeout = 5 * time.Second

// TurnService is what the gateway needs from the coordinator.
type TurnService interface {
	handlers.TurnService
	websocket.TurnStarter
}

// Options configures a Server.
type Options struct {
	Gateway config.GatewayConfig
	Metrics config.MetricsConfig
	Version string
	Turns   TurnService
	// Store backs conversation listing and deletion. Optional.
	Store handlers.ConversationStore
	// Gauges are reported by the health endpoint.
	Gauges map[string]func() int
}

// Server is the gateway HTTP server.
type Server struct {
	opts        Options
	router      *mux.Router
	handler     http.Handler
	httpServer  *http.Server
	hub         *websocket.Hub
	rateLimiter *middleware.RateLimiter

	hubCancel context.CancelFunc
	hubDone   chan struct{}

	mu           sync.Mutex
	ready        bool
	shutdownOnce sync.Once
	shutdownErr  error
}

// NewServer creates a server. Nothing listens until Start or Serve.
func NewServer(opts Options) *Server {
	if opts.Gateway.ShutdownTimeout <= 0 {
		opts.Gateway.ShutdownTimeout = defaultShutdownTimeout
	}

	rl := opts.Gateway.RateLimit
	rateLimiter := middleware.NewRateLimiter(middleware.RateLimiterConfig{
		RequestsPerMinute: rl.RequestsPerMinute,
		Burst:             rl.Burst,
		Enabled:           rl.Enabled,
		CleanupInterval:   rl.CleanupInterval,
	})

	s := &Server{
		opts:        opts,
		router:      mux.NewRouter(),
		hub:         websocket.NewHub(opts.Turns),
		rateLimiter: rateLimiter,
		hubDone:     make(chan struct{}),
	}
	s.setupRoutes()

	s.handler = middleware.Recovery(
		middleware.Logging(
			rateLimiter.RateLimit(s.router),
		),
	)
	s.httpServer = &http.Server{
		Addr:              opts.Gateway.Addr(),
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/health", handlers.HealthHandler(s.opts.Version, s.healthGauges())).Methods(http.MethodGet)

	if s.opts.Turns != nil {
		handlers.NewConversationHandler(s.opts.Turns, s.opts.Store).RegisterRoutes(api)
	}

	s.router.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		websocket.ServeWs(s.hub, w, r)
	})

	if s.opts.Metrics.Enabled {
		path := s.opts.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		s.router.Handle(path, metrics.Handler()).Methods(http.MethodGet)
	}

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handlers.SendError(w, http.StatusNotFound, handlers.ErrCodeNotFound, "route not found")
	})
}

func (s *Server) healthGauges() map[string]func() int {
	gauges := map[string]func() int{
		"ws_clients": s.hub.ClientCount,
	}
	for name, fn := range s.opts.Gauges {
		gauges[name] = fn
	}
	return gauges
}

// Start listens on the configured address and serves until Shutdown is
// called or ctx is done.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.httpServer.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln. When ctx is done the server shuts down gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	handlers.InitStartTime()

	hubCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.hubCancel = cancel
	s.ready = true
	s.mu.Unlock()
	go func() {
		defer close(s.hubDone)
		s.hub.Run(hubCtx)
	}()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.Gateway.ShutdownTimeout)
			defer cancel()
			if err := s.Shutdown(shutdownCtx); err != nil {
				logger.Warn().Err(err).Msg("gateway shutdown")
			}
		case <-stop:
		}
	}()

	logger.Info().Str("addr", ln.Addr().String()).Msg("Starting gateway server")

	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Shutdown stops accepting connections, waits for in-flight requests up to
// ctx and stops the websocket hub. Turns started over websocket are
// cancelled. Later calls return the first result.
func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() {
		logger.Info().Msg("Shutting down gateway server")

		s.mu.Lock()
		s.ready = false
		hubCancel := s.hubCancel
		s.mu.Unlock()

		err := s.httpServer.Shutdown(ctx)
		if errors.Is(err, context.DeadlineExceeded) {
			// streams still open past the deadline are cut
			err = errors.Join(err, s.httpServer.Close())
		}
		if err != nil {
			s.shutdownErr = fmt.Errorf("shutdown error: %w", err)
		}

		if hubCancel != nil {
			hubCancel()
			<-s.hubDone
		}
		s.rateLimiter.Stop()
	})
	return s.shutdownErr
}

// IsReady reports whether the server is serving.
func (s *Server) IsReady() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

// Handler returns the full middleware chain, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Hub returns the websocket hub.
func (s *Server) Hub() *websocket.Hub {
	return s.hub
}
