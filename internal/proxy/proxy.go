// Package proxy implements the wire-protocol gateway: a TCP server that
// accepts PostgreSQL client connections, intercepts the authentication
// handshake to substitute stored credentials for bearer tokens, and relays
// frames to the backend while surviving backend sleep and migration.
package proxy

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ucd-library/pg-farm-sub000/internal/accounting"
	"github.com/ucd-library/pg-farm-sub000/internal/auth"
	"github.com/ucd-library/pg-farm-sub000/internal/directory"
	"github.com/ucd-library/pg-farm-sub000/internal/session"
	"github.com/ucd-library/pg-farm-sub000/internal/wake"
)

// Waker brings sleeping backends online before the gateway binds to them.
type Waker interface {
	EnsureAwake(ctx context.Context, backend wake.Backend) (wake.Endpoint, error)
}

// Config holds proxy server settings.
type Config struct {
	// ListenAddr is the host:port the gateway listens on.
	ListenAddr string

	// MaxConnections caps concurrent client connections. Zero means
	// unlimited.
	MaxConnections int

	// StartupTimeout bounds the client handshake: startup message through
	// password verification.
	StartupTimeout time.Duration

	// BindTimeout bounds a single backend bind attempt, wake included.
	BindTimeout time.Duration

	// TLSCertFile and TLSKeyFile enable the SSLRequest upgrade path when
	// both are set.
	TLSCertFile string
	TLSKeyFile  string

	// TLSMinVersion for upgraded sockets, zero means the crypto/tls
	// default.
	TLSMinVersion uint16

	// StaticCredential, when set, is presented to every backend instead
	// of the per-account stored credential.
	StaticCredential string

	// SuperuserName is the username admins may impersonate. Defaults to
	// "postgres".
	SuperuserName string

	// AdminRole is the identity role required for impersonation. Defaults
	// to "admin".
	AdminRole string

	// Debug logs every relayed frame's type and size.
	Debug bool
}

// DefaultConfig returns the default proxy configuration.
func DefaultConfig() Config {
	return Config{
		ListenAddr:     ":5432",
		MaxConnections: 1000,
		StartupTimeout: 30 * time.Second,
		BindTimeout:    2 * time.Minute,
	}
}

// Stats is a point-in-time snapshot of proxy activity.
type Stats struct {
	ActiveConnections int64 `json:"active_connections"`
	TotalConnections  int64 `json:"total_connections"`
	AuthFailures      int64 `json:"auth_failures"`
	Reconnects        int64 `json:"reconnects"`
}

// Server accepts client connections and runs one ProxyConnection per
// socket.
type Server struct {
	cfg       Config
	registry  *session.Registry
	directory directory.Directory
	verifier  auth.TokenVerifier
	waker     Waker
	recorder  accounting.Recorder
	logger    *slog.Logger

	tlsConfig *tls.Config

	listener net.Listener
	wg       sync.WaitGroup
	closed   atomic.Bool

	active       atomic.Int64
	total        atomic.Int64
	authFailures atomic.Int64
	reconnects   atomic.Int64
}

// NewServer wires the proxy from its collaborators. recorder may be nil,
// in which case accounting is disabled.
func NewServer(cfg Config, reg *session.Registry, dir directory.Directory, verifier auth.TokenVerifier, waker Waker, recorder accounting.Recorder, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if recorder == nil {
		recorder = accounting.NopRecorder{}
	}
	s := &Server{
		cfg:       cfg,
		registry:  reg,
		directory: dir,
		verifier:  verifier,
		waker:     waker,
		recorder:  recorder,
		logger:    logger.With("component", "proxy"),
	}
	if cfg.TLSCertFile != "" && cfg.TLSKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.TLSCertFile, cfg.TLSKeyFile)
		if err != nil {
			return nil, fmt.Errorf("loading TLS keypair: %w", err)
		}
		s.tlsConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   cfg.TLSMinVersion,
		}
	}
	return s, nil
}

// ListenAndServe binds the listen address and serves until Stop.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.ListenAddr, err)
	}
	return s.Serve(ln)
}

// Serve runs the accept loop on an existing listener.
func (s *Server) Serve(ln net.Listener) error {
	s.listener = ln
	s.logger.Info("gateway listening", "addr", ln.Addr().String(), "tls", s.tlsConfig != nil)

	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.closed.Load() {
				return nil
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return fmt.Errorf("accept: %w", err)
		}

		if s.cfg.MaxConnections > 0 && s.active.Load() >= int64(s.cfg.MaxConnections) {
			s.logger.Warn("connection limit reached, refusing client",
				"remote", conn.RemoteAddr().String(), "limit", s.cfg.MaxConnections)
			conn.Close()
			continue
		}

		s.active.Add(1)
		s.total.Add(1)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.active.Add(-1)
			pc := newProxyConnection(s, conn)
			pc.run()
		}()
	}
}

// Addr returns the bound listen address, or nil before Serve.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop closes the listener and waits for in-flight connections to finish,
// bounded by ctx.
func (s *Server) Stop(ctx context.Context) error {
	s.closed.Store(true)
	if s.listener != nil {
		s.listener.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns a snapshot of proxy counters.
func (s *Server) Stats() Stats {
	return Stats{
		ActiveConnections: s.active.Load(),
		TotalConnections:  s.total.Load(),
		AuthFailures:      s.authFailures.Load(),
		Reconnects:        s.reconnects.Load(),
	}
}

func (s *Server) superuserName() string {
	if s.cfg.SuperuserName != "" {
		return s.cfg.SuperuserName
	}
	return defaultSuperuserName
}

func (s *Server) adminRole() string {
	if s.cfg.AdminRole != "" {
		return s.cfg.AdminRole
	}
	return defaultAdminRole
}

// errAborted marks handshake failures already reported to the client.
var errAborted = errors.New("connection aborted")
