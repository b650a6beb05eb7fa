package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	// ErrIncomplete indicates the buffer does not yet hold a full message.
	// Some clients send the startup message in fragments; the caller should
	// read more bytes and retry.
	ErrIncomplete = errors.New("incomplete startup message")

	// ErrMalformed indicates a frame that can never become valid.
	ErrMalformed = errors.New("malformed message")
)

// Property is a single startup key/value pair.
type Property struct {
	Key   string
	Value string
}

// StartupProperties is the ordered set of key/value pairs from a startup
// message. Order is preserved so the message can be rebuilt byte-exact.
type StartupProperties struct {
	pairs []Property
}

// NewStartupProperties builds a property set from ordered pairs.
func NewStartupProperties(pairs ...Property) *StartupProperties {
	return &StartupProperties{pairs: pairs}
}

// Get returns the value for key, or "" if absent.
func (p *StartupProperties) Get(key string) string {
	for _, kv := range p.pairs {
		if kv.Key == key {
			return kv.Value
		}
	}
	return ""
}

// Set replaces the value for key in place, or appends a new pair.
func (p *StartupProperties) Set(key, value string) {
	for i, kv := range p.pairs {
		if kv.Key == key {
			p.pairs[i].Value = value
			return
		}
	}
	p.pairs = append(p.pairs, Property{Key: key, Value: value})
}

// Pairs returns the ordered pairs.
func (p *StartupProperties) Pairs() []Property {
	return p.pairs
}

// Len returns the number of pairs.
func (p *StartupProperties) Len() int {
	return len(p.pairs)
}

// Clone returns a deep copy. The original stays immutable once parsed; the
// clone is what gets edited before replay to the backend.
func (p *StartupProperties) Clone() *StartupProperties {
	pairs := make([]Property, len(p.pairs))
	copy(pairs, p.pairs)
	return &StartupProperties{pairs: pairs}
}

// IsSSLRequest reports whether buf is exactly an 8-byte SSL negotiation
// request.
func IsSSLRequest(buf []byte) bool {
	return isSpecialRequest(buf, SSLRequestCode)
}

// IsGSSRequest reports whether buf is exactly an 8-byte GSSAPI negotiation
// request.
func IsGSSRequest(buf []byte) bool {
	return isSpecialRequest(buf, GSSRequestCode)
}

// IsCancelRequest reports whether buf begins a cancel-request message.
func IsCancelRequest(buf []byte) bool {
	return len(buf) >= 8 && int32(binary.BigEndian.Uint32(buf[4:8])) == CancelRequestCode
}

func isSpecialRequest(buf []byte, code int32) bool {
	if len(buf) != 8 {
		return false
	}
	return binary.BigEndian.Uint32(buf[0:4]) == 8 &&
		int32(binary.BigEndian.Uint32(buf[4:8])) == code
}

// ParseStartup parses a startup message: 4-byte self-inclusive length,
// 4-byte protocol version, then null-terminated key/value pairs ending with
// a lone null byte. Returns ErrIncomplete when more bytes are needed,
// including the case where the frame is present but zero properties parse,
// and ErrMalformed when a fully buffered frame can never parse.
func ParseStartup(buf []byte) (int32, *StartupProperties, error) {
	if len(buf) < 8 {
		return 0, nil, ErrIncomplete
	}
	length := int(binary.BigEndian.Uint32(buf[0:4]))
	if length < 8 || length > 10000 {
		return 0, nil, fmt.Errorf("%w: startup length %d", ErrMalformed, length)
	}
	if len(buf) < length {
		return 0, nil, ErrIncomplete
	}
	version := int32(binary.BigEndian.Uint32(buf[4:8]))

	props := &StartupProperties{}
	rest := buf[8:length]
	for len(rest) > 0 && rest[0] != 0 {
		// The frame is fully buffered, so a missing terminator here can
		// never be repaired by more bytes.
		key, n := readCString(rest)
		if n < 0 {
			return 0, nil, fmt.Errorf("%w: unterminated startup key", ErrMalformed)
		}
		rest = rest[n:]
		value, n := readCString(rest)
		if n < 0 {
			return 0, nil, fmt.Errorf("%w: unterminated startup value", ErrMalformed)
		}
		rest = rest[n:]
		props.pairs = append(props.pairs, Property{Key: key, Value: value})
	}
	if len(props.pairs) == 0 {
		return 0, nil, ErrIncomplete
	}
	return version, props, nil
}

// BuildStartup is the inverse of ParseStartup: self-inclusive 4-byte length,
// protocol version, then the ordered null-terminated pairs and a final null
// byte.
func BuildStartup(version int32, props *StartupProperties) []byte {
	size := 4 + 4 + 1
	for _, kv := range props.pairs {
		size += len(kv.Key) + 1 + len(kv.Value) + 1
	}
	msg := make([]byte, 0, size)
	msg = binary.BigEndian.AppendUint32(msg, uint32(size))
	msg = binary.BigEndian.AppendUint32(msg, uint32(version))
	for _, kv := range props.pairs {
		msg = appendCString(msg, kv.Key)
		msg = appendCString(msg, kv.Value)
	}
	msg = append(msg, 0)
	return msg
}

// readCString returns the string up to the next null byte and the number of
// bytes consumed including the terminator, or n == -1 when no terminator is
// present.
func readCString(buf []byte) (string, int) {
	for i, b := range buf {
		if b == 0 {
			return string(buf[:i]), i + 1
		}
	}
	return "", -1
}

func appendCString(dst []byte, s string) []byte {
	dst = append(dst, s...)
	return append(dst, 0)
}
