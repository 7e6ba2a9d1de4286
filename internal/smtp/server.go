package smtp

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mailgate/smtp-gateway/internal/authcache"
	"github.com/mailgate/smtp-gateway/internal/metrics"
	"github.com/mailgate/smtp-gateway/internal/parser"
	"github.com/mailgate/smtp-gateway/internal/submit"
	"github.com/mailgate/smtp-gateway/internal/throttle"
)

// ServerConfig holds the configuration for an SMTP server.
type ServerConfig struct {
	// ListenAddr is the address to listen on (e.g., ":587").
	ListenAddr string

	// Hostname is the server hostname used in greetings.
	Hostname string

	// TLSConfig is the server identity for STARTTLS. Required.
	TLSConfig *tls.Config

	// Cache validates credentials (with token caching).
	Cache *authcache.Cache

	// Submitter forwards accepted transactions upstream.
	Submitter *submit.Submitter

	// Throttler bounds per-source resource usage.
	Throttler *throttle.Throttler

	// MaxMessageSize is the body accumulation ceiling in bytes.
	MaxMessageSize int64

	// MaxRecipients caps recipients per transaction.
	MaxRecipients int

	// IdleTimeout closes sessions with no command activity.
	IdleTimeout time.Duration

	// ParserLimits bounds message parsing.
	ParserLimits parser.Limits

	// ShutdownGrace bounds the in-flight session drain on shutdown.
	ShutdownGrace time.Duration
}

// Server is an SMTP submission server that accepts connections and
// runs one Session per connection.
type Server struct {
	cfg      ServerConfig
	listener net.Listener
	ready    atomic.Bool

	// wg tracks in-flight session goroutines for graceful shutdown.
	wg sync.WaitGroup

	// connMu guards conns, the set of open connections force-closed
	// when the drain grace expires.
	connMu sync.Mutex
	conns  map[net.Conn]struct{}
}

// New creates a new SMTP Server with the given configuration.
func New(cfg ServerConfig) *Server {
	if cfg.Hostname == "" {
		cfg.Hostname = "localhost"
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = 25 * 1024 * 1024
	}
	if cfg.MaxRecipients <= 0 {
		cfg.MaxRecipients = 100
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 5 * time.Minute
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 30 * time.Second
	}

	return &Server{
		cfg:   cfg,
		conns: make(map[net.Conn]struct{}),
	}
}

// ListenAndServe starts the SMTP server and blocks until the context
// is cancelled. On cancellation it stops accepting immediately, waits
// up to the shutdown grace for in-flight sessions, then force-closes
// the remainder.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return err
	}
	s.listener = ln
	s.ready.Store(true)

	slog.Info("SMTP server listening", "addr", ln.Addr().String())

	go func() {
		<-ctx.Done()
		slog.Info("shutting down SMTP server")
		s.ready.Store(false)
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				s.drainSessions()
				return nil
			default:
				slog.Error("accept error", "error", err)
				continue
			}
		}

		s.admit(ctx, conn)
	}
}

// admit applies source blocking and connection ceilings before
// starting a session goroutine for the connection.
func (s *Server) admit(ctx context.Context, conn net.Conn) {
	source := hostOnly(conn.RemoteAddr())

	if s.cfg.Throttler.Blocked(source) {
		metrics.ConnectionsTotal.WithLabelValues("blocked").Inc()
		rejectConn(conn, "421 Too many failed authentication attempts, try again later")
		return
	}
	if !s.cfg.Throttler.AcquireConn(source) {
		metrics.ConnectionsTotal.WithLabelValues("rejected").Inc()
		rejectConn(conn, "421 Too many connections, try again later")
		return
	}

	metrics.ConnectionsTotal.WithLabelValues("accepted").Inc()
	metrics.ActiveConnections.Inc()
	s.track(conn, true)

	s.wg.Add(1)
	go func() {
		start := time.Now()
		defer func() {
			s.track(conn, false)
			s.cfg.Throttler.ReleaseConn(source)
			metrics.ActiveConnections.Dec()
			metrics.ConnectionDuration.Observe(time.Since(start).Seconds())
			s.wg.Done()
		}()
		NewSession(conn, s).Handle(ctx)
	}()
}

// drainSessions waits for in-flight sessions up to the shutdown grace,
// then force-closes whatever is left.
func (s *Server) drainSessions() {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("all sessions completed")
	case <-time.After(s.cfg.ShutdownGrace):
		slog.Warn("shutdown grace expired, force-closing sessions")
		s.connMu.Lock()
		for conn := range s.conns {
			conn.Close()
		}
		s.connMu.Unlock()
		s.wg.Wait()
	}
}

// track records or forgets an open connection.
func (s *Server) track(conn net.Conn, open bool) {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if open {
		s.conns[conn] = struct{}{}
	} else {
		delete(s.conns, conn)
	}
}

// Ready reports whether the listener is accepting connections. Used by
// the readiness probe.
func (s *Server) Ready() bool {
	return s.ready.Load()
}

// Addr returns the listener address, or empty string if not listening.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

// rejectConn writes a rejection line and closes the connection.
func rejectConn(conn net.Conn, line string) {
	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	conn.Write([]byte(line + "\r\n"))
	conn.Close()
}
