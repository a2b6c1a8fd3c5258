package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/danarchy-io/stargaze-gateway/internal/device"
	"github.com/danarchy-io/stargaze-gateway/internal/infrastructure/config"
	"github.com/danarchy-io/stargaze-gateway/internal/infrastructure/logging"
	"github.com/danarchy-io/stargaze-gateway/internal/process"
	"github.com/danarchy-io/stargaze-gateway/internal/relay"
	"github.com/danarchy-io/stargaze-gateway/internal/session"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

const (
	readTimeout  = 10 * time.Second
	writeTimeout = 30 * time.Second
	idleTimeout  = 60 * time.Second
)

// recentCycles is how many journal entries the status endpoint returns.
const recentCycles = 20

// SessionSource reports the session coordinator's state.
type SessionSource interface {
	State() session.State
	Snapshot() session.Snapshot
}

// ConfigSource lists the latest configuration pushed to each device.
type ConfigSource interface {
	All() []device.DeviceConfig
}

// CycleSource lists recent session cycles.
type CycleSource interface {
	Recent(ctx context.Context, limit int) ([]session.Cycle, error)
}

// RelayStats reports the telemetry relay counters.
type RelayStats interface {
	Stats() relay.Stats
}

// ProducerStats reports the supervised producer process.
type ProducerStats interface {
	Stats() process.Stats
}

// Deps holds the dependencies of the status server.
// Session and Logger are required; the rest are reported when set.
type Deps struct {
	Config   config.APIConfig
	Logger   *logging.Logger
	Session  SessionSource
	Configs  ConfigSource
	Journal  CycleSource
	Relay    RelayStats
	Producer ProducerStats
	Metrics  http.Handler
	Version  string
}

// Server is the local HTTP status server.
type Server struct {
	cfg      config.APIConfig
	logger   *logging.Logger
	session  SessionSource
	configs  ConfigSource
	journal  CycleSource
	relay    RelayStats
	producer ProducerStats
	metrics  http.Handler
	version  string
	started  time.Time

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
}

// New creates a status server with the given dependencies.
// The server is not started until Start is called.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Session == nil {
		return nil, fmt.Errorf("session source is required")
	}

	return &Server{
		cfg:      deps.Config,
		logger:   deps.Logger,
		session:  deps.Session,
		configs:  deps.Configs,
		journal:  deps.Journal,
		relay:    deps.Relay,
		producer: deps.Producer,
		metrics:  deps.Metrics,
		version:  deps.Version,
		started:  time.Now(),
	}, nil
}

// Start binds the listen address and serves requests in a background
// goroutine until Close is called.
func (s *Server) Start(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server != nil {
		return fmt.Errorf("api server already started")
	}

	addr := net.JoinHostPort(s.cfg.Host, fmt.Sprint(s.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}

	s.listener = ln
	s.server = &http.Server{
		Handler:           s.buildRouter(),
		ReadTimeout:       readTimeout,
		ReadHeaderTimeout: readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
	}

	s.logger.Info("API server starting", "address", ln.Addr().String())

	srv := s.server
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Addr returns the bound address, or an empty string before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Close gracefully shuts down the server, waiting up to 10 seconds for
// in-flight requests.
func (s *Server) Close() error {
	s.mu.Lock()
	srv := s.server
	s.mu.Unlock()
	if srv == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck reports whether the server has been started.
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server == nil {
		return fmt.Errorf("api server not started")
	}
	return nil
}
