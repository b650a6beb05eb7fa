// Package wire implements the PostgreSQL wire protocol framing used by the
// gateway: startup messages, password messages, authentication requests and
// error/notice responses. All build/parse functions are pure; ReadFrame is
// the only function that touches a connection.
package wire

// Protocol version 3.0.
const ProtocolVersion30 int32 = 196608 // 3 << 16

// Special request codes carried in the version field of an untyped
// startup-length message.
const (
	SSLRequestCode    int32 = 80877103
	GSSRequestCode    int32 = 80877104
	CancelRequestCode int32 = 80877102
)

// Single-byte replies to SSL/GSSAPI negotiation requests.
const (
	SSLAccept  byte = 'S'
	SSLDecline byte = 'N'
	GSSDecline byte = 'N'
)

// Frontend (client → server) message types.
const (
	MsgPasswordMessage byte = 'p'
	MsgQuery           byte = 'Q'
	MsgTerminate       byte = 'X'
)

// Backend (server → client) message types.
const (
	MsgAuthentication  byte = 'R'
	MsgBackendKeyData  byte = 'K'
	MsgParameterStatus byte = 'S'
	MsgReadyForQuery   byte = 'Z'
	MsgErrorResponse   byte = 'E'
	MsgNoticeResponse  byte = 'N'
)

// Authentication sub-types carried inside 'R' messages. Only OK and
// cleartext are intercepted; the rest pass through between client and
// backend.
const (
	AuthOK                int32 = 0
	AuthCleartextPassword int32 = 3
	AuthMD5Password       int32 = 5
	AuthGSSContinue       int32 = 8
	AuthSASL              int32 = 10
	AuthSASLContinue      int32 = 11
	AuthSASLFinal         int32 = 12
)

// Error and notice response field tags.
const (
	fieldTerminator byte = 0
	fieldSeverity   byte = 'S'
	fieldCode       byte = 'C'
	fieldMessage    byte = 'M'
	fieldDetail     byte = 'D'
	fieldHint       byte = 'H'
)

// SQLStateAdminShutdown is the SQLSTATE a backend reports when it is being
// shut down by the platform. The relay captures it instead of forwarding.
const SQLStateAdminShutdown = "57P01"

// SQLStateInvalidAuthorization is used for authorization failure frames
// surfaced to the client.
const SQLStateInvalidAuthorization = "28000"

// SQLStateCannotConnectNow is used when the backend is in a lifecycle state
// that does not accept connections.
const SQLStateCannotConnectNow = "57P03"
