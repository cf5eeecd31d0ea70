package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/migadu/nntpprox/logger"
	"github.com/migadu/nntpprox/pkg/circuitbreaker"
	"github.com/migadu/nntpprox/pkg/retry"
	"github.com/migadu/nntpprox/server"
)

const (
	defaultChunkSize         = 1024
	defaultWriteTimeout      = 500 * time.Millisecond
	defaultWriteRetryBackoff = 500 * time.Millisecond
)

type Options struct {
	Name              string // Server name for logging
	Addr              string
	ListenBacklog     int
	MaxSessions       int // admission ceiling
	ReadChunkSize     int
	WriteChunkSize    int
	WriteTimeout      time.Duration // per chunk write attempt
	WriteRetries      int           // retries of a chunk after a transient failure
	WriteRetryBackoff time.Duration
	IdleTimeout       time.Duration // 0 disables the idle sweep
	CommandTimeout    time.Duration // bound on each upstream call, 0 for none
	MaxInboundBuffer  int           // undelimited bytes allowed per connection, 0 for no limit
	Breaker           *circuitbreaker.CircuitBreaker
	Debug             bool
}

// Server is the proxy: one listener, one loop, many client connections.
type Server struct {
	name   string
	addr   string
	opts   Options
	appCtx context.Context
	ctx    context.Context
	cancel context.CancelFunc

	pool       *SessionPool
	dispatcher *Dispatcher
	registry   *Registry
	writeRetry retry.BackoffConfig

	events chan event
	quit   chan struct{}

	listenerMu sync.Mutex
	listener   net.Listener

	serving     atomic.Bool
	stopped     chan struct{}
	shutdownErr error
}

// New creates a proxy server. Nothing is opened until Start or Serve.
func New(appCtx context.Context, factory BackendFactory, options Options) (*Server, error) {
	if factory == nil {
		return nil, errors.New("proxy: backend factory is required")
	}
	if options.MaxSessions <= 0 {
		return nil, fmt.Errorf("proxy: max sessions must be positive, got %d", options.MaxSessions)
	}
	if options.Name == "" {
		options.Name = "nntp"
	}
	if options.ReadChunkSize <= 0 {
		options.ReadChunkSize = defaultChunkSize
	}
	if options.WriteChunkSize <= 0 {
		options.WriteChunkSize = defaultChunkSize
	}
	if options.WriteTimeout <= 0 {
		options.WriteTimeout = defaultWriteTimeout
	}
	if options.WriteRetries < 0 {
		options.WriteRetries = 0
	}
	if options.WriteRetryBackoff <= 0 {
		options.WriteRetryBackoff = defaultWriteRetryBackoff
	}

	dispatcher, err := NewDispatcher(options.CommandTimeout)
	if err != nil {
		return nil, fmt.Errorf("proxy: %w", err)
	}

	ctx, cancel := context.WithCancel(appCtx)
	return &Server{
		name:       options.Name,
		addr:       options.Addr,
		opts:       options,
		appCtx:     appCtx,
		ctx:        ctx,
		cancel:     cancel,
		pool:       NewSessionPool(factory, options.MaxSessions, options.Breaker),
		dispatcher: dispatcher,
		registry:   NewRegistry(),
		writeRetry: retry.BackoffConfig{
			InitialInterval: options.WriteRetryBackoff,
			MaxInterval:     options.WriteRetryBackoff,
			Multiplier:      1,
			MaxRetries:      options.WriteRetries,
		},
		events:  make(chan event),
		quit:    make(chan struct{}),
		stopped: make(chan struct{}),
	}, nil
}

// Start listens on the configured address and serves until the server is
// closed or its context is cancelled.
func (s *Server) Start() error {
	ln, err := server.ListenWithBacklog(s.ctx, "tcp", s.addr, s.opts.ListenBacklog)
	if err != nil {
		s.cancel()
		return fmt.Errorf("failed to create TCP listener: %w", err)
	}
	logger.Debug("Proxy: Using listen backlog", "proxy", s.name, "backlog", s.opts.ListenBacklog)
	return s.Serve(ln)
}

// Serve runs the loop on ln until the server is closed. It returns nil on
// a requested shutdown and an error when the loop itself failed; in both
// cases every connection and ln are closed on return.
func (s *Server) Serve(ln net.Listener) (err error) {
	if !s.serving.CompareAndSwap(false, true) {
		return errors.New("proxy: server already started")
	}
	defer close(s.stopped)

	s.listenerMu.Lock()
	s.listener = ln
	s.listenerMu.Unlock()

	logger.Info("Proxy: Listening", "proxy", s.name, "addr", ln.Addr().String(), "max_sessions", s.opts.MaxSessions)

	go s.acceptLoop(ln)

	defer func() {
		if r := recover(); r != nil {
			logger.Error("Proxy: Loop failure, shutting down", "proxy", s.name, "panic", r)
			err = fmt.Errorf("proxy: loop failure: %v", r)
		}
		s.shutdownErr = s.shutdown()
		if s.shutdownErr != nil {
			logger.Warn("Proxy: Errors while closing connections", "proxy", s.name, "error", s.shutdownErr)
		}
	}()

	return s.run()
}

// Close stops the loop and waits for Serve to return. It returns the
// errors collected while closing connections.
func (s *Server) Close() error {
	s.cancel()
	if s.serving.Load() {
		<-s.stopped
	}
	return s.shutdownErr
}

// Addr is the listening address, nil before Serve.
func (s *Server) Addr() net.Addr {
	s.listenerMu.Lock()
	defer s.listenerMu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stats may be called from any goroutine.
func (s *Server) Stats() Stats {
	admission := s.pool.Admission()
	return Stats{
		Ceiling:         admission.Ceiling(),
		BoundSessions:   admission.Bound(),
		LiveConnections: s.registry.Len(),
	}
}

// Commands lists the command tags the server answers.
func (s *Server) Commands() []string {
	return s.dispatcher.Commands()
}
