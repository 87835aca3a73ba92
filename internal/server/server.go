// Package server wires the Region and the per-connection state machine to
// a listening TCP socket: the "small Server shell" of SPEC_FULL.md §2,
// grounded on the teacher's internal/server.Server (functional-option
// construction, Ready()/Errors() channels, sync/atomic lifecycle
// counters, signal-driven Shutdown).
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/protohackers/speed-server/internal/conn"
	"github.com/protohackers/speed-server/internal/logging"
	"github.com/protohackers/speed-server/internal/metrics"
	"github.com/protohackers/speed-server/internal/region"
)

// Server owns the TCP listener and one Region, and spawns one conn.Conn
// per accepted stream.
type Server struct {
	mu           sync.RWMutex
	addr         string
	region       *region.Region
	ownsRegion   bool
	readDeadline time.Duration

	readyOnce sync.Once
	readyCh   chan struct{}
	lastErrMu sync.Mutex
	lastErr   error
	errCh     chan error

	listener net.Listener
	wg       sync.WaitGroup
	logger   *slog.Logger

	nextConnID     uint64
	totalAccepted  atomic.Uint64
	totalConnected atomic.Uint64
	totalClosed    atomic.Uint64
	activeConns    atomic.Int64
}

const defaultReadDeadline = 2 * time.Minute

// ServerOption configures a Server at construction, mirroring the
// teacher's functional-option style.
type ServerOption func(*Server)

// WithListenAddr sets the TCP listen address. SPEC_FULL.md §6 hardcodes
// this to ":9000" at the call site in cmd/speed-server; the option exists
// so tests can bind an ephemeral port.
func WithListenAddr(a string) ServerOption { return func(s *Server) { s.addr = a } }

// WithRegion injects a pre-built Region, e.g. one whose goroutines are
// already observed by a test; the default NewServer otherwise owns and
// closes its own.
func WithRegion(r *region.Region) ServerOption {
	return func(s *Server) { s.region = r; s.ownsRegion = false }
}

// WithReadDeadline overrides the per-connection idle read deadline.
func WithReadDeadline(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.readDeadline = d
		}
	}
}

// WithLogger overrides the server's (and its connections') logger.
func WithLogger(l *slog.Logger) ServerOption {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewServer constructs a Server. Unless WithRegion is supplied it starts
// its own Region, which Shutdown stops.
func NewServer(opts ...ServerOption) *Server {
	s := &Server{
		readDeadline: defaultReadDeadline,
		readyCh:      make(chan struct{}),
		errCh:        make(chan error, 1),
		logger:       logging.L(),
	}
	for _, o := range opts {
		o(s)
	}
	if s.addr == "" {
		s.addr = ":0"
	}
	if s.region == nil {
		s.region = region.New()
		s.ownsRegion = true
	}
	return s
}

func (s *Server) Addr() string     { s.mu.RLock(); defer s.mu.RUnlock(); return s.addr }
func (s *Server) setAddr(a string) { s.mu.Lock(); s.addr = a; s.mu.Unlock() }

// Ready is closed once the listener is bound.
func (s *Server) Ready() <-chan struct{} { return s.readyCh }

// Errors carries the server's last fatal error, if any.
func (s *Server) Errors() <-chan error { return s.errCh }

// Region exposes the server's Region, e.g. for a metrics bridge.
func (s *Server) Region() *region.Region { return s.region }

func (s *Server) setError(err error) {
	if err == nil {
		return
	}
	s.lastErrMu.Lock()
	s.lastErr = err
	s.lastErrMu.Unlock()
	select {
	case s.errCh <- err:
	default:
	}
}

func (s *Server) LastError() error {
	s.lastErrMu.Lock()
	defer s.lastErrMu.Unlock()
	return s.lastErr
}

// Serve accepts connections until ctx is cancelled or the listener fails.
// It blocks; callers typically run it in its own goroutine.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.RLock()
	addr := s.addr
	s.mu.RUnlock()
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		wrap := fmt.Errorf("%w: %v", ErrListen, err)
		s.setError(wrap)
		return wrap
	}
	s.setAddr(ln.Addr().String())
	s.listener = ln
	s.readyOnce.Do(func() { close(s.readyCh) })
	s.logger.Info("tcp_listen", "addr", s.Addr())

	go func() { <-ctx.Done(); _ = ln.Close() }()

	for {
		nc, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			if _, ok := err.(net.Error); ok { // transient
				time.Sleep(50 * time.Millisecond)
				continue
			}
			wrap := fmt.Errorf("%w: %v", ErrAccept, err)
			s.setError(wrap)
			return wrap
		}
		s.acceptOne(ctx, nc)
	}
}

func (s *Server) acceptOne(ctx context.Context, nc net.Conn) {
	s.totalAccepted.Add(1)
	metrics.IncConnectionAccepted()
	connID := atomic.AddUint64(&s.nextConnID, 1)
	connLogger := s.logger.With("conn_id", connID, "remote", nc.RemoteAddr().String())

	if tcp, ok := nc.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
		_ = tcp.SetKeepAlive(true)
		_ = tcp.SetKeepAlivePeriod(30 * time.Second)
	}

	s.totalConnected.Add(1)
	active := s.activeConns.Add(1)
	metrics.SetConnectionsActive(int(active))
	connLogger.Info("conn_accepted")

	c := conn.New(connID, nc, s.region,
		conn.WithReadDeadline(s.readDeadline),
		conn.WithLogger(connLogger),
	)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		c.Serve(ctx)
		s.totalClosed.Add(1)
		active := s.activeConns.Add(-1)
		metrics.SetConnectionsActive(int(active))
		connLogger.Info("client_disconnected")
	}()
}

// Shutdown closes the listener, waits for in-flight connections to drain
// (bounded by ctx), and stops the Region if this Server started it.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	ln := s.listener
	s.listener = nil
	s.mu.Unlock()
	if ln != nil {
		_ = ln.Close()
	}

	done := make(chan struct{})
	go func() { s.wg.Wait(); close(done) }()
	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrContext, ctx.Err())
	case <-done:
	}
	if s.ownsRegion {
		s.region.Close()
	}
	s.logger.Info("shutdown_summary",
		"accepted", s.totalAccepted.Load(),
		"connected", s.totalConnected.Load(),
		"closed", s.totalClosed.Load(),
	)
	return nil
}
