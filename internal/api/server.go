package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-udpbridge/internal/bridges/udp"
	"github.com/nerrad567/gray-logic-udpbridge/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-udpbridge/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-udpbridge/internal/journal"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// BridgeStatus is the read side of the bridge. *udp.Bridge implements it.
type BridgeStatus interface {
	Stats() udp.Stats
	Pending() []uint64
	Topic() string
	HealthCheck(ctx context.Context) error
}

// MQTTStatus reports the broker connection. *mqtt.Client implements it.
type MQTTStatus interface {
	IsConnected() bool
	InFlight() int
}

// JournalCounter summarises recorded deliveries. *journal.Repository
// implements it.
type JournalCounter interface {
	CountByOutcome(ctx context.Context) (map[journal.Outcome]int, error)
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config     config.APIConfig
	Logger     *logging.Logger
	Bridge     BridgeStatus
	MQTT       MQTTStatus     // optional
	Journal    JournalCounter // optional
	BridgeID   string
	InstanceID string
	Version    string
}

// Server is the status HTTP server.
type Server struct {
	cfg        config.APIConfig
	logger     *logging.Logger
	bridge     BridgeStatus
	mqtt       MQTTStatus
	journal    JournalCounter
	bridgeID   string
	instanceID string
	version    string
	startTime  time.Time

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
	serveErr chan error
}

// New creates a new API server with the given dependencies.
// The server is not started until Start() is called.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Bridge == nil {
		return nil, fmt.Errorf("bridge is required")
	}

	return &Server{
		cfg:        deps.Config,
		logger:     deps.Logger,
		bridge:     deps.Bridge,
		mqtt:       deps.MQTT,
		journal:    deps.Journal,
		bridgeID:   deps.BridgeID,
		instanceID: deps.InstanceID,
		version:    deps.Version,
		startTime:  time.Now(),
	}, nil
}

// Start binds the listener and serves in a background goroutine.
// Bind failures (port in use, etc.) are returned directly. ctx is not used
// for the listener lifetime; call Close to stop.
func (s *Server) Start(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server != nil {
		return fmt.Errorf("api server already started")
	}

	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("binding API server: %w", err)
	}

	s.listener = ln
	s.serveErr = make(chan error, 1)
	s.server = &http.Server{
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	s.logger.Info("API server listening", "address", ln.Addr().String())

	srv := s.server
	errCh := s.serveErr
	go func() {
		err := srv.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
			errCh <- err
		}
		close(errCh)
	}()

	return nil
}

// Addr returns the bound address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Done returns a channel that yields a serve error, if any, and is closed
// when the server stops. It is nil before Start.
func (s *Server) Done() <-chan error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.serveErr
}

// Close gracefully shuts down the API server.
//
// It waits up to 10 seconds for in-flight requests to complete,
// then forcefully closes remaining connections.
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

// HealthCheck verifies the API server is running.
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
