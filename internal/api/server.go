package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nerrad567/fleet-core/internal/audit"
	"github.com/nerrad567/fleet-core/internal/device"
	"github.com/nerrad567/fleet-core/internal/fleet"
	"github.com/nerrad567/fleet-core/internal/infrastructure/config"
	"github.com/nerrad567/fleet-core/internal/infrastructure/logging"
	"github.com/nerrad567/fleet-core/internal/notification"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// and socket teardown to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config   config.APIConfig
	WS       config.WebSocketConfig
	Security config.SecurityConfig
	Logger   *logging.Logger

	Core          *fleet.Core
	Devices       device.Repository
	Activity      audit.Repository
	Notifications notification.Repository

	// Gatherer backs /api/v1/metrics. Defaults to the global registry.
	Gatherer prometheus.Gatherer

	Version string
}

// Server is the HTTP API server for Fleet Core.
//
// It manages the HTTP listener, routes, middleware and the live device and
// observer sockets. The server is created with New() and started with
// Start().
type Server struct {
	cfg           config.APIConfig
	wsCfg         config.WebSocketConfig
	secCfg        config.SecurityConfig
	logger        *logging.Logger
	core          *fleet.Core
	devices       device.Repository
	activity      audit.Repository
	notifications notification.Repository
	gatherer      prometheus.Gatherer
	version       string
	server        *http.Server

	// ctx outlives individual requests; device frames are applied under it.
	ctx    context.Context
	cancel context.CancelFunc

	connsMu sync.Mutex
	conns   map[*wsConn]struct{}
	pumps   sync.WaitGroup
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called, but Handler() is
// usable immediately.
//
// Returns:
//   - *Server: Configured server ready to start
//   - error: If required dependencies are missing
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Core == nil {
		return nil, fmt.Errorf("fleet core is required")
	}
	if deps.Devices == nil || deps.Activity == nil || deps.Notifications == nil {
		return nil, fmt.Errorf("device, activity and notification repositories are required")
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:           deps.Config,
		wsCfg:         withWSDefaults(deps.WS),
		secCfg:        deps.Security,
		logger:        deps.Logger,
		core:          deps.Core,
		devices:       deps.Devices,
		activity:      deps.Activity,
		notifications: deps.Notifications,
		gatherer:      deps.Gatherer,
		version:       deps.Version,
		ctx:           ctx,
		cancel:        cancel,
		conns:         make(map[*wsConn]struct{}),
	}, nil
}

// Handler returns the fully wired router.
func (s *Server) Handler() http.Handler {
	return s.buildRouter()
}

// Start begins listening for HTTP connections in a background goroutine.
// The server can be stopped with Close().
func (s *Server) Start(_ context.Context) error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	go func() {
		var err error
		if s.cfg.TLS.Enabled {
			s.logger.Info("API server starting with TLS",
				"address", s.server.Addr,
				"cert", s.cfg.TLS.CertFile,
			)
			err = s.server.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
		} else {
			s.logger.Info("API server starting", "address", s.server.Addr)
			err = s.server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Close gracefully shuts down the API server.
//
// HTTP requests are drained first. Every device and observer socket is then
// closed, and Close waits for their sessions to finish their disconnect
// transitions so the stores can be closed safely afterwards.
func (s *Server) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")

	var shutdownErr error
	if s.server != nil {
		if err := s.server.Shutdown(ctx); err != nil {
			shutdownErr = fmt.Errorf("shutting down API server: %w", err)
		}
	}

	s.closeSockets()

	done := make(chan struct{})
	go func() {
		s.pumps.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("timed out waiting for websocket sessions to close")
	}

	s.cancel()
	return shutdownErr
}

// HealthCheck verifies the API server is running and responsive.
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}

	if s.server == nil {
		return fmt.Errorf("api server not started")
	}
	return nil
}

func withWSDefaults(cfg config.WebSocketConfig) config.WebSocketConfig {
	if cfg.DevicePath == "" {
		cfg.DevicePath = "/ws/device"
	}
	if cfg.ObserverPath == "" {
		cfg.ObserverPath = "/ws/observer"
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = 64 * 1024
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = 10
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 256
	}
	return cfg
}
