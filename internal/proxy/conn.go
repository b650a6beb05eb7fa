package proxy

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ucd-library/pg-farm-sub000/internal/directory"
	"github.com/ucd-library/pg-farm-sub000/internal/session"
	"github.com/ucd-library/pg-farm-sub000/internal/wake"
	"github.com/ucd-library/pg-farm-sub000/internal/wire"
)

// Defaults for the impersonation exception.
const (
	defaultSuperuserName = "postgres"
	defaultAdminRole     = "admin"
)

// proxyConnection drives one client session through the handshake and
// relay states: startup, optional TLS upgrade, password interception,
// backend bind, then frame relay with silent rebinding when the backend is
// shut down underneath the session.
type proxyConnection struct {
	server    *Server
	sessionID string
	logger    *slog.Logger

	client net.Conn

	// Parsed from the client startup message.
	startupVersion int32
	props          *wire.StartupProperties
	username       string
	organization   string
	database       string

	account *directory.FarmAccount

	// mu guards the backend leg: the socket itself, the reconnecting flag
	// and the queue of client frames held back while rebinding.
	mu           sync.Mutex
	backend      net.Conn
	reconnecting bool
	pending      [][]byte

	// closing is set when the client leg ends, so a backend read error
	// during teardown is not mistaken for an unexpected drop.
	closing atomic.Bool
}

func newProxyConnection(s *Server, client net.Conn) *proxyConnection {
	sessionID := session.NewSessionID()
	return &proxyConnection{
		server:    s,
		sessionID: sessionID,
		client:    client,
		logger: s.logger.With(
			"session", sessionID,
			"remote", client.RemoteAddr().String()),
	}
}

func (pc *proxyConnection) run() {
	defer func() {
		pc.server.registry.CloseSession(pc.sessionID)
		pc.client.Close()
	}()

	if err := pc.server.registry.Register(pc.client, session.RoleIncoming, pc.sessionID); err != nil {
		pc.logger.Error("registering client socket failed", "error", err)
		return
	}

	if pc.server.cfg.StartupTimeout > 0 {
		pc.client.SetDeadline(time.Now().Add(pc.server.cfg.StartupTimeout))
	}

	if err := pc.handshake(); err != nil {
		if !errors.Is(err, errAborted) {
			pc.logger.Warn("handshake failed", "error", err)
		}
		return
	}

	pc.client.SetDeadline(time.Time{})
	pc.relay()
}

// handshake runs the client-facing leg of the handshake and binds the
// backend. Any error frame owed to the client has already been written
// when an error comes back.
func (pc *proxyConnection) handshake() error {
	if err := pc.readStartup(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), pc.server.cfg.BindTimeout)
	defer cancel()

	account, err := pc.lookupAccount(ctx)
	if err != nil {
		return err
	}
	pc.account = account

	// PUBLIC accounts authenticate with the stored credential alone; no
	// token is requested from the client.
	if account.Type != directory.AccountPublic {
		if err := pc.verifyBearer(ctx); err != nil {
			return err
		}
	}

	backend, err := pc.bindBackend(ctx, true)
	if err != nil {
		return err
	}
	pc.mu.Lock()
	pc.backend = backend
	pc.mu.Unlock()

	pc.logger.Info("session established",
		"username", pc.username,
		"database", pc.database,
		"organization", pc.organization,
		"backend", account.BackendID)
	return nil
}

// readStartup accumulates bytes until a full startup message parses,
// answering SSL and GSSAPI negotiation requests along the way.
func (pc *proxyConnection) readStartup() error {
	buf := make([]byte, 0, 512)
	tmp := make([]byte, 4096)

	for {
		n, err := pc.client.Read(tmp)
		if err != nil {
			return fmt.Errorf("reading startup: %w", err)
		}
		buf = append(buf, tmp[:n]...)

		if wire.IsSSLRequest(buf) {
			upgraded, err := pc.answerSSLRequest()
			if err != nil {
				return err
			}
			if upgraded {
				pc.logger.Debug("client upgraded to TLS")
			}
			buf = buf[:0]
			continue
		}
		if wire.IsGSSRequest(buf) {
			if _, err := pc.client.Write([]byte{wire.GSSDecline}); err != nil {
				return fmt.Errorf("declining GSSAPI: %w", err)
			}
			buf = buf[:0]
			continue
		}
		if wire.IsCancelRequest(buf) {
			// Cancel requests arrive on their own connection and carry
			// backend keys the gateway does not track. Drop them.
			return errAborted
		}

		version, props, err := wire.ParseStartup(buf)
		if errors.Is(err, wire.ErrIncomplete) {
			continue
		}
		if err != nil {
			return fmt.Errorf("parsing startup: %w", err)
		}

		pc.startupVersion = version
		pc.props = props
		pc.username = props.Get("user")
		requested := props.Get("database")
		if requested == "" {
			requested = pc.username
		}
		pc.organization, pc.database = splitDatabase(requested)

		if pc.username == "" {
			pc.sendError(wire.SQLStateInvalidAuthorization, "no user name specified in startup packet", "")
			return errAborted
		}
		return nil
	}
}

// answerSSLRequest replies to an SSLRequest and, when a certificate is
// configured, wraps the client socket in TLS and re-registers it.
func (pc *proxyConnection) answerSSLRequest() (bool, error) {
	if pc.server.tlsConfig == nil {
		if _, err := pc.client.Write([]byte{wire.SSLDecline}); err != nil {
			return false, fmt.Errorf("declining SSL: %w", err)
		}
		return false, nil
	}

	if _, err := pc.client.Write([]byte{wire.SSLAccept}); err != nil {
		return false, fmt.Errorf("accepting SSL: %w", err)
	}
	tlsConn := tls.Server(pc.client, pc.server.tlsConfig)
	if err := tlsConn.Handshake(); err != nil {
		return false, fmt.Errorf("TLS handshake: %w", err)
	}
	if err := pc.server.registry.Replace(pc.client, tlsConn, session.RoleIncomingSecure); err != nil {
		return false, fmt.Errorf("re-registering upgraded socket: %w", err)
	}
	pc.client = tlsConn
	return true, nil
}

// lookupAccount resolves the farm account and enforces the connect policy.
// Failures are reported to the client; disallowed lifecycle states get a
// cannot-connect-now frame, everything else an authorization failure.
func (pc *proxyConnection) lookupAccount(ctx context.Context) (*directory.FarmAccount, error) {
	account, err := pc.server.directory.LookupAccount(ctx, pc.database, pc.organization, pc.username)
	if err != nil {
		if errors.Is(err, directory.ErrAccountNotFound) {
			pc.server.authFailures.Add(1)
			pc.sendError(wire.SQLStateInvalidAuthorization,
				fmt.Sprintf("password authentication failed for user %q", pc.username), "")
			return nil, errAborted
		}
		pc.sendError(wire.SQLStateCannotConnectNow,
			"the database is not available right now", "try again in a few moments")
		return nil, fmt.Errorf("account lookup: %w", err)
	}

	if !account.ConnectAllowed() {
		pc.server.authFailures.Add(1)
		pc.sendError(wire.SQLStateInvalidAuthorization,
			fmt.Sprintf("user %q is not allowed to connect", pc.username), "")
		return nil, errAborted
	}
	if !account.StateAllowed() {
		pc.sendError(wire.SQLStateCannotConnectNow,
			"the database is not accepting connections", "")
		return nil, errAborted
	}
	return account, nil
}

// verifyBearer requests a cleartext password from the client, treats the
// submitted secret as a bearer token and verifies it against the identity
// service.
func (pc *proxyConnection) verifyBearer(ctx context.Context) error {
	if _, err := pc.client.Write(wire.BuildAuthRequest(wire.AuthCleartextPassword)); err != nil {
		return fmt.Errorf("requesting password: %w", err)
	}

	typ, _, raw, err := wire.ReadFrame(pc.client)
	if err != nil {
		return fmt.Errorf("reading password message: %w", err)
	}
	if typ != wire.MsgPasswordMessage {
		return fmt.Errorf("expected password message, got %q", typ)
	}
	token, err := wire.ParsePasswordMessage(raw)
	if err != nil {
		return fmt.Errorf("parsing password message: %w", err)
	}

	identity, err := pc.server.verifier.Verify(ctx, token)
	if err != nil {
		pc.server.authFailures.Add(1)
		pc.sendError(wire.SQLStateInvalidAuthorization,
			fmt.Sprintf("password authentication failed for user %q", pc.username),
			"present a valid bearer token as the password")
		return errAborted
	}
	if !identity.Active {
		pc.server.authFailures.Add(1)
		pc.sendError(wire.SQLStateInvalidAuthorization, "account is disabled", "")
		return errAborted
	}

	if identity.Username != pc.username {
		// Admins may connect as the superuser with their own token.
		if !(pc.username == pc.server.superuserName() && identity.HasRole(pc.server.adminRole())) {
			pc.server.authFailures.Add(1)
			pc.sendError(wire.SQLStateInvalidAuthorization,
				fmt.Sprintf("token identity %q does not match user %q", identity.Username, pc.username), "")
			return errAborted
		}
		pc.logger.Info("superuser impersonation", "identity", identity.Username)
	}
	return nil
}

// bindBackend connects to the backend, replays the startup with the
// organization prefix stripped from the database name, and answers the
// backend's password challenge with the stored credential. When forward is
// true the non-intercepted handshake frames are passed through to the
// client; during a rebind they are swallowed because the client already
// completed its handshake.
func (pc *proxyConnection) bindBackend(ctx context.Context, forward bool) (net.Conn, error) {
	endpoint := wake.Endpoint{Host: pc.account.BackendHost, Port: pc.account.BackendPort}

	if pc.account.BackendState == directory.StateSleep {
		woken, err := pc.server.waker.EnsureAwake(ctx, wake.Backend{ID: pc.account.BackendID, Endpoint: endpoint})
		if err != nil {
			pc.sendError(wire.SQLStateCannotConnectNow,
				"the database is starting up", "try again in a few moments")
			return nil, fmt.Errorf("waking backend %s: %w", pc.account.BackendID, err)
		}
		endpoint = woken
	}

	backend, err := pc.server.registry.CreateOutbound(ctx, endpoint.Host, endpoint.Port, pc.client)
	if err != nil {
		// The directory said RUN but nothing is listening. Wake and retry
		// once before giving up.
		woken, werr := pc.server.waker.EnsureAwake(ctx, wake.Backend{ID: pc.account.BackendID, Endpoint: endpoint})
		if werr != nil {
			pc.sendError(wire.SQLStateCannotConnectNow,
				"the database is not available right now", "try again in a few moments")
			return nil, fmt.Errorf("connecting to backend %s: %w", pc.account.BackendID, err)
		}
		backend, err = pc.server.registry.CreateOutbound(ctx, woken.Host, woken.Port, pc.client)
		if err != nil {
			pc.sendError(wire.SQLStateCannotConnectNow,
				"the database is not available right now", "try again in a few moments")
			return nil, fmt.Errorf("connecting to woken backend %s: %w", pc.account.BackendID, err)
		}
	}

	props := pc.props.Clone()
	props.Set("database", pc.database)
	if _, err := backend.Write(wire.BuildStartup(pc.startupVersion, props)); err != nil {
		pc.retireBackend(backend)
		return nil, fmt.Errorf("sending startup to backend: %w", err)
	}

	if err := pc.backendHandshake(backend, forward); err != nil {
		pc.retireBackend(backend)
		return nil, err
	}
	return backend, nil
}

// backendHandshake consumes the backend's side of the handshake up to
// ReadyForQuery, substituting the stored credential for the password
// challenge.
func (pc *proxyConnection) backendHandshake(backend net.Conn, forward bool) error {
	for {
		typ, payload, raw, err := wire.ReadFrame(backend)
		if err != nil {
			return fmt.Errorf("reading backend handshake: %w", err)
		}

		switch typ {
		case wire.MsgAuthentication:
			kind, err := wire.AuthRequestKind(payload)
			if err != nil {
				return err
			}
			switch kind {
			case wire.AuthCleartextPassword:
				if _, err := backend.Write(wire.BuildPasswordMessage(pc.credential())); err != nil {
					return fmt.Errorf("answering backend password challenge: %w", err)
				}
			case wire.AuthOK:
				if forward {
					if _, err := pc.client.Write(raw); err != nil {
						return fmt.Errorf("forwarding auth ok: %w", err)
					}
				}
			default:
				// MD5, SCRAM and the rest pass through untouched; the
				// client owns the exchange. During a replay there is no
				// client to answer, so the rebind fails instead.
				if !forward {
					return fmt.Errorf("backend requested authentication %d during replay", kind)
				}
				if _, err := pc.client.Write(raw); err != nil {
					return fmt.Errorf("forwarding auth request: %w", err)
				}
				if kind == wire.AuthSASLFinal {
					continue
				}
				_, _, reply, rerr := wire.ReadFrame(pc.client)
				if rerr != nil {
					return fmt.Errorf("reading client auth response: %w", rerr)
				}
				if _, err := backend.Write(reply); err != nil {
					return fmt.Errorf("relaying auth response to backend: %w", err)
				}
			}

		case wire.MsgErrorResponse:
			// Stored credential rejected or database refused the session.
			// On the initial bind the client sees exactly what the backend
			// said; during a rebind the caller surfaces the captured
			// shutdown frame instead.
			if forward {
				if _, werr := pc.client.Write(raw); werr != nil {
					return fmt.Errorf("forwarding backend error: %w", werr)
				}
			}
			fields, _ := wire.ParseError(raw)
			return fmt.Errorf("backend refused session: %s (%s)", fields["message"], fields["code"])

		case wire.MsgReadyForQuery:
			if forward {
				if _, err := pc.client.Write(raw); err != nil {
					return fmt.Errorf("forwarding ready for query: %w", err)
				}
			}
			return nil

		default:
			// ParameterStatus, BackendKeyData, notices. Replayed frames
			// are dropped because the client keeps its original session
			// parameters across a rebind.
			if forward {
				if _, err := pc.client.Write(raw); err != nil {
					return fmt.Errorf("forwarding handshake frame: %w", err)
				}
			}
		}
	}
}

// relay pumps frames in both directions until either side goes away.
func (pc *proxyConnection) relay() {
	pc.server.recorder.RecordConnectionOpen(pc.sessionID, pc.account.BackendID, pc.username)
	start := time.Now()
	defer func() {
		pc.server.recorder.RecordConnectionClose(pc.sessionID, time.Since(start))
	}()

	done := make(chan struct{}, 2)
	go func() {
		pc.clientLoop()
		done <- struct{}{}
	}()
	go func() {
		pc.backendLoop()
		done <- struct{}{}
	}()
	<-done
	<-done
}

// clientLoop reads frames from the client and hands them to the backend
// leg. While a rebind is in progress frames queue up instead of failing.
func (pc *proxyConnection) clientLoop() {
	for {
		typ, _, raw, err := wire.ReadFrame(pc.client)
		if err != nil {
			pc.closing.Store(true)
			pc.server.registry.Closed(pc.client)
			return
		}
		pc.debugFrame("client->backend", typ, raw)

		if typ == wire.MsgQuery {
			pc.server.recorder.RecordQuery(pc.account.BackendID)
		}
		if typ == wire.MsgTerminate {
			// Mark teardown before the backend sees the terminate, so its
			// close is not mistaken for an unexpected drop.
			pc.closing.Store(true)
		}

		if err := pc.writeBackend(raw); err != nil {
			pc.closing.Store(true)
			pc.server.registry.Closed(pc.client)
			return
		}

		if typ == wire.MsgTerminate {
			return
		}
	}
}

func (pc *proxyConnection) writeBackend(frame []byte) error {
	pc.mu.Lock()
	defer pc.mu.Unlock()

	if pc.reconnecting {
		pc.pending = append(pc.pending, frame)
		return nil
	}
	if pc.backend == nil {
		return net.ErrClosed
	}
	_, err := pc.backend.Write(frame)
	return err
}

// backendLoop reads frames from the backend and forwards them to the
// client. A shutdown error frame is captured instead of forwarded and
// triggers an invisible rebind; the client only ever sees it if the rebind
// fails.
func (pc *proxyConnection) backendLoop() {
	for {
		pc.mu.Lock()
		backend := pc.backend
		pc.mu.Unlock()
		if backend == nil {
			return
		}

		typ, _, raw, err := wire.ReadFrame(backend)
		if err != nil {
			if pc.closing.Load() {
				pc.server.registry.Closed(backend)
				return
			}
			// The backend vanished without the shutdown courtesy frame.
			// Treated like an admin shutdown, minus the captured frame.
			if pc.rebind(nil) {
				continue
			}
			return
		}
		pc.debugFrame("backend->client", typ, raw)

		if typ == wire.MsgErrorResponse {
			if fields, perr := wire.ParseError(raw); perr == nil && fields["code"] == wire.SQLStateAdminShutdown {
				if pc.rebind(raw) {
					continue
				}
				return
			}
		}

		if _, err := pc.client.Write(raw); err != nil {
			pc.server.registry.Closed(pc.client)
			return
		}
	}
}

// rebind replaces a backend leg that went away, either with a captured
// shutdown frame or, on an abrupt drop, without one. The old socket is
// detached so the client leg survives, the backend is woken, the handshake
// is replayed invisibly and any frames the client sent in the meantime are
// flushed in order. On failure the captured shutdown frame (or a generic
// error) is finally delivered to the client.
func (pc *proxyConnection) rebind(shutdownFrame []byte) bool {
	pc.mu.Lock()
	old := pc.backend
	pc.backend = nil
	pc.reconnecting = true
	pc.mu.Unlock()

	if old != nil {
		pc.server.registry.Detach(old)
		old.Close()
	}

	pc.logger.Info("backend shut down, rebinding", "backend", pc.account.BackendID)

	ctx, cancel := context.WithTimeout(context.Background(), pc.server.cfg.BindTimeout)
	defer cancel()

	backend, err := pc.rebindBackend(ctx)
	if err != nil {
		pc.logger.Warn("rebind failed, surfacing shutdown to client",
			"backend", pc.account.BackendID, "error", err)
		if shutdownFrame != nil {
			pc.client.Write(shutdownFrame)
		} else {
			pc.sendError(wire.SQLStateCannotConnectNow,
				"the database connection was lost", "reconnect and try again")
		}
		pc.server.registry.CloseSession(pc.sessionID)
		return false
	}

	pc.mu.Lock()
	pc.backend = backend
	flushErr := pc.flushPendingLocked()
	pc.reconnecting = false
	pc.mu.Unlock()

	if flushErr != nil {
		pc.logger.Warn("flushing queued frames failed", "error", flushErr)
		pc.server.registry.CloseSession(pc.sessionID)
		return false
	}

	pc.server.reconnects.Add(1)
	pc.logger.Info("backend rebound", "backend", pc.account.BackendID)
	return true
}

// rebindBackend wakes the backend and binds a fresh leg, refreshing the
// directory record first in case the backend moved hosts.
func (pc *proxyConnection) rebindBackend(ctx context.Context) (net.Conn, error) {
	if account, err := pc.server.directory.LookupAccount(ctx, pc.database, pc.organization, pc.username); err == nil {
		pc.account = account
	} else {
		pc.logger.Warn("directory refresh failed, reusing previous backend record", "error", err)
	}

	endpoint := wake.Endpoint{Host: pc.account.BackendHost, Port: pc.account.BackendPort}
	woken, err := pc.server.waker.EnsureAwake(ctx, wake.Backend{ID: pc.account.BackendID, Endpoint: endpoint})
	if err != nil {
		return nil, fmt.Errorf("waking backend %s: %w", pc.account.BackendID, err)
	}

	backend, err := pc.server.registry.CreateOutbound(ctx, woken.Host, woken.Port, pc.client)
	if err != nil {
		return nil, fmt.Errorf("connecting to woken backend %s: %w", pc.account.BackendID, err)
	}

	props := pc.props.Clone()
	props.Set("database", pc.database)
	if _, err := backend.Write(wire.BuildStartup(pc.startupVersion, props)); err != nil {
		pc.retireBackend(backend)
		return nil, fmt.Errorf("sending startup to backend: %w", err)
	}
	if err := pc.backendHandshake(backend, false); err != nil {
		pc.retireBackend(backend)
		return nil, err
	}
	return backend, nil
}

func (pc *proxyConnection) flushPendingLocked() error {
	for _, frame := range pc.pending {
		if _, err := pc.backend.Write(frame); err != nil {
			return err
		}
	}
	pc.pending = nil
	return nil
}

// retireBackend removes a half-bound backend socket without cascading the
// session.
func (pc *proxyConnection) retireBackend(backend net.Conn) {
	pc.server.registry.Detach(backend)
	backend.Close()
}

// credential returns the secret presented to the backend: the deployment's
// shared static credential when configured, otherwise the account's stored
// one.
func (pc *proxyConnection) credential() string {
	if pc.server.cfg.StaticCredential != "" {
		return pc.server.cfg.StaticCredential
	}
	return pc.account.StoredCredential
}

func (pc *proxyConnection) debugFrame(direction string, typ byte, raw []byte) {
	if !pc.server.cfg.Debug {
		return
	}
	pc.logger.Debug("frame", "direction", direction, "type", string(typ), "bytes", len(raw))
}

// sendError writes a FATAL error frame to the client. Write failures are
// ignored; the connection is being torn down either way.
func (pc *proxyConnection) sendError(code, message, hint string) {
	pc.client.Write(wire.BuildErrorOrNotice("FATAL", code, message, "", hint))
}

// splitDatabase splits an "organization/database" connection string. A bare
// name has no organization.
func splitDatabase(requested string) (organization, database string) {
	if i := strings.Index(requested, "/"); i >= 0 {
		return requested[:i], requested[i+1:]
	}
	return "", requested
}
