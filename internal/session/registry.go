// Package session tracks every raw socket owned by the gateway, grouped by
// session id. A session is the set of sockets belonging to one logical
// client connection: the incoming client leg, its TLS-upgraded replacement,
// and the outgoing backend leg.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Role describes the function of a socket within its session.
type Role string

const (
	RoleIncoming       Role = "incoming"
	RoleIncomingSecure Role = "incoming-secure"
	RoleOutgoing       Role = "outgoing"
)

var (
	// ErrAlreadyRegistered is returned when a socket is registered twice.
	ErrAlreadyRegistered = errors.New("socket already registered")

	// ErrNotRegistered is returned when an operation references a socket the
	// registry does not know about.
	ErrNotRegistered = errors.New("socket not registered")
)

// Config holds registry tuning knobs.
type Config struct {
	// AutoClose cascades closure of all sockets in a session when one of
	// them closes. Disabled deployments keep the client leg alive across
	// backend migration.
	AutoClose bool

	// GraceDelay is how long to wait before cascading, letting in-flight
	// writes flush. A courtesy window, not a correctness guarantee.
	GraceDelay time.Duration

	// DialTimeout bounds outbound connection attempts.
	DialTimeout time.Duration
}

// DefaultConfig returns the default registry configuration.
func DefaultConfig() Config {
	return Config{
		AutoClose:   true,
		GraceDelay:  50 * time.Millisecond,
		DialTimeout: 10 * time.Second,
	}
}

type entry struct {
	role      Role
	sessionID string
}

// Registry owns the sessionID→sockets and socket→entry tables. It is
// constructed once per listener and handed to every connection; there is no
// ambient state.
type Registry struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	conns    map[net.Conn]entry
	sessions map[string]map[net.Conn]Role
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg Config, logger *slog.Logger) *Registry {
	return &Registry{
		cfg:      cfg,
		logger:   logger,
		conns:    make(map[net.Conn]entry),
		sessions: make(map[string]map[net.Conn]Role),
	}
}

// NewSessionID mints an opaque session identifier.
func NewSessionID() string {
	return uuid.NewString()
}

// Register adds a socket to a session. It fails if the socket is already
// registered.
func (r *Registry) Register(conn net.Conn, role Role, sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.conns[conn]; ok {
		return ErrAlreadyRegistered
	}
	r.conns[conn] = entry{role: role, sessionID: sessionID}
	set := r.sessions[sessionID]
	if set == nil {
		set = make(map[net.Conn]Role)
		r.sessions[sessionID] = set
	}
	set[conn] = role
	return nil
}

// Replace swaps one socket for another within the same session, keeping the
// session membership intact. Used when the plaintext client socket is
// upgraded to TLS.
func (r *Registry) Replace(old, replacement net.Conn, role Role) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.conns[old]
	if !ok {
		return ErrNotRegistered
	}
	if _, ok := r.conns[replacement]; ok {
		return ErrAlreadyRegistered
	}
	delete(r.conns, old)
	delete(r.sessions[e.sessionID], old)
	r.conns[replacement] = entry{role: role, sessionID: e.sessionID}
	r.sessions[e.sessionID][replacement] = role
	return nil
}

// CreateOutbound opens a TCP connection to host:port and registers it under
// the same session as forConn. It fails without dialing if forConn is not
// registered.
func (r *Registry) CreateOutbound(ctx context.Context, host string, port int, forConn net.Conn) (net.Conn, error) {
	r.mu.Lock()
	e, ok := r.conns[forConn]
	r.mu.Unlock()
	if !ok {
		return nil, ErrNotRegistered
	}

	dialer := net.Dialer{Timeout: r.cfg.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", fmt.Sprintf("%s:%d", host, port))
	if err != nil {
		return nil, err
	}

	if err := r.Register(conn, RoleOutgoing, e.sessionID); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

// SessionOf returns the session id a socket belongs to.
func (r *Registry) SessionOf(conn net.Conn) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.conns[conn]
	return e.sessionID, ok
}

// Closed tells the registry a socket has closed. The socket is removed from
// its session; an empty session is dropped; otherwise, when auto-close is
// enabled, closure of the remaining sockets is scheduled after the grace
// delay.
func (r *Registry) Closed(conn net.Conn) {
	r.mu.Lock()
	e, ok := r.conns[conn]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.conns, conn)
	set := r.sessions[e.sessionID]
	delete(set, conn)
	if len(set) == 0 {
		delete(r.sessions, e.sessionID)
		r.mu.Unlock()
		return
	}
	cascade := r.cfg.AutoClose
	r.mu.Unlock()

	if !cascade {
		return
	}
	time.AfterFunc(r.cfg.GraceDelay, func() {
		r.CloseSession(e.sessionID)
	})
}

// Detach removes a socket without triggering the auto-close cascade. The
// proxy uses it when intentionally retiring a backend leg so the client leg
// survives rebinding.
func (r *Registry) Detach(conn net.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.conns[conn]
	if !ok {
		return
	}
	delete(r.conns, conn)
	set := r.sessions[e.sessionID]
	delete(set, conn)
	if len(set) == 0 {
		delete(r.sessions, e.sessionID)
	}
}

// CloseSession closes every socket still registered under a session.
func (r *Registry) CloseSession(sessionID string) {
	r.mu.Lock()
	set := r.sessions[sessionID]
	remaining := make([]net.Conn, 0, len(set))
	for c := range set {
		remaining = append(remaining, c)
		delete(r.conns, c)
	}
	delete(r.sessions, sessionID)
	r.mu.Unlock()

	for _, c := range remaining {
		c.Close()
	}
	if len(remaining) > 0 && r.logger != nil {
		r.logger.Debug("session closed", "session_id", sessionID, "sockets", len(remaining))
	}
}

// Counts returns the number of registered sockets by role.
func (r *Registry) Counts() map[Role]int {
	r.mu.Lock()
	defer r.mu.Unlock()

	counts := make(map[Role]int)
	for _, e := range r.conns {
		counts[e.role]++
	}
	return counts
}

// SessionCount returns the number of live sessions.
func (r *Registry) SessionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
