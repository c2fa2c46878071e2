package lmtp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/busybox42/elemta-lmtp/internal/admission"
	"github.com/busybox42/elemta-lmtp/internal/privilege"
	"github.com/busybox42/elemta-lmtp/internal/proxy"
	"github.com/busybox42/elemta-lmtp/internal/routing"
	"github.com/busybox42/elemta-lmtp/internal/store"
)

// Router decides where a recipient is delivered.
type Router interface {
	Resolve(ctx context.Context, req routing.Request) (*routing.Decision, error)
}

// Backends are the services a session delivers through. Gate may be nil.
type Backends struct {
	Router     Router
	Gate       *admission.Gate
	Storage    store.Storage
	Privileges privilege.Switcher

	// DNS resolves proxy destinations given by hostname. Nil uses the
	// system resolver.
	DNS         *proxy.Resolver
	ProxyDialer func(ctx context.Context, network, address string) (net.Conn, error)
}

// Server accepts LMTP connections and runs one session per connection.
type Server struct {
	config     *Config
	backends   Backends
	logger     *slog.Logger
	metrics    *Metrics
	tlsManager *TLSManager

	listener net.Listener
	ctx      context.Context
	cancel   context.CancelFunc
	errGroup *errgroup.Group

	mu           sync.Mutex
	running      bool
	shutdownOnce sync.Once

	active atomic.Int64
	total  atomic.Int64
}

// Stats is a point-in-time view of the server for health checks.
type Stats struct {
	Listening         bool   `json:"listening"`
	ListenAddr        string `json:"listen_addr"`
	StartTLS          bool   `json:"starttls"`
	ActiveConnections int64  `json:"active_connections"`
	TotalConnections  int64  `json:"total_connections"`
}

// NewServer creates a server. The listener is opened by Start.
func NewServer(config *Config, backends Backends, logger *slog.Logger) (*Server, error) {
	if config == nil {
		config = DefaultConfig()
	}
	config.setDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	if backends.Router == nil {
		return nil, errors.New("no recipient router configured")
	}
	if backends.Storage == nil {
		return nil, errors.New("no mail storage configured")
	}
	if backends.Privileges == nil {
		backends.Privileges = privilege.Noop{}
	}

	logger = logger.With("component", "lmtp-server")
	tlsManager, err := NewTLSManager(config.TLS, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize TLS: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	group, gctx := errgroup.WithContext(ctx)

	return &Server{
		config:     config,
		backends:   backends,
		logger:     logger,
		metrics:    GetMetrics(),
		tlsManager: tlsManager,
		ctx:        gctx,
		cancel:     cancel,
		errGroup:   group,
	}, nil
}

// Start opens the listener and begins accepting connections.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("server already running")
	}

	listener, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to create listener: %w", err)
	}
	s.listener = listener
	s.running = true

	s.logger.Info("LMTP server listening",
		"addr", listener.Addr().String(),
		"hostname", s.config.Hostname,
		"starttls", s.tlsManager != nil,
		"trusted_networks", len(s.config.TrustedNetworks),
	)

	s.errGroup.Go(s.acceptConnections)
	return nil
}

// Stats reports whether the server is accepting and how many sessions it
// has served.
func (s *Server) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Stats{
		Listening:         s.running,
		ListenAddr:        s.config.ListenAddr,
		StartTLS:          s.tlsManager != nil,
		ActiveConnections: s.active.Load(),
		TotalConnections:  s.total.Load(),
	}
	if s.listener != nil {
		st.ListenAddr = s.listener.Addr().String()
	}
	return st
}

// Addr returns the listening address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) acceptConnections() error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			s.logger.Error("Failed to accept connection", "error", err)
			time.Sleep(100 * time.Millisecond)
			continue
		}

		s.errGroup.Go(func() error {
			s.handleConnection(conn)
			return nil
		})
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	s.total.Add(1)
	s.active.Add(1)
	defer s.active.Add(-1)

	session := newSession(s, conn)
	defer func() {
		if err := session.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			s.logger.Debug("Failed to close connection", "session_id", session.id, "error", err)
		}
	}()

	// Unblock reads when the server shuts down; the session notices the
	// cancelled context and says goodbye.
	stop := context.AfterFunc(s.ctx, func() {
		_ = conn.SetReadDeadline(time.Now())
	})
	defer stop()

	s.metrics.TrackConnectionDuration(func() {
		if err := session.Handle(s.ctx); err != nil {
			session.logger.Warn("Session ended with error", "error", err)
		}
	})
}

// isTrusted reports whether ip is in the trusted networks.
func (s *Server) isTrusted(ip net.IP) bool {
	if ip == nil {
		return false
	}
	for _, n := range s.config.TrustedNetworks {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// Close stops accepting connections and waits up to ShutdownTimeout for
// sessions to finish.
func (s *Server) Close() error {
	var shutdownErr error

	s.shutdownOnce.Do(func() {
		s.logger.Info("Initiating graceful server shutdown")

		s.mu.Lock()
		s.running = false
		listener := s.listener
		s.mu.Unlock()

		s.cancel()
		if listener != nil {
			if err := listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				s.logger.Error("Error closing listener", "error", err)
				shutdownErr = err
			}
		}

		done := make(chan error, 1)
		go func() { done <- s.errGroup.Wait() }()

		select {
		case err := <-done:
			if err != nil {
				shutdownErr = errors.Join(shutdownErr, err)
			}
			s.logger.Info("All sessions finished")
		case <-time.After(s.config.ShutdownTimeout):
			s.logger.Warn("Shutdown timeout reached with sessions still active",
				"timeout", s.config.ShutdownTimeout,
			)
			shutdownErr = errors.Join(shutdownErr, fmt.Errorf("shutdown timed out after %s", s.config.ShutdownTimeout))
		}
	})

	return shutdownErr
}

// Wait blocks until the accept loop and every session have returned.
func (s *Server) Wait() error {
	return s.errGroup.Wait()
}
