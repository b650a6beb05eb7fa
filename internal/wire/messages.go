package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// BuildPasswordMessage builds a 'p' message carrying a null-terminated
// secret. The secret is a cleartext credential on the backend leg and a
// bearer token on the client leg.
func BuildPasswordMessage(secret string) []byte {
	length := 4 + len(secret) + 1
	msg := make([]byte, 0, 1+length)
	msg = append(msg, MsgPasswordMessage)
	msg = binary.BigEndian.AppendUint32(msg, uint32(length))
	msg = appendCString(msg, secret)
	return msg
}

// ParsePasswordMessage extracts the secret from a 'p' message.
func ParsePasswordMessage(buf []byte) (string, error) {
	if len(buf) < 6 {
		return "", fmt.Errorf("%w: password message too short", ErrMalformed)
	}
	if buf[0] != MsgPasswordMessage {
		return "", fmt.Errorf("%w: expected password message, got %q", ErrMalformed, buf[0])
	}
	length := int(binary.BigEndian.Uint32(buf[1:5]))
	if length < 5 || 1+length > len(buf) {
		return "", fmt.Errorf("%w: password length %d", ErrMalformed, length)
	}
	secret := buf[5 : 1+length]
	if len(secret) > 0 && secret[len(secret)-1] == 0 {
		secret = secret[:len(secret)-1]
	}
	return string(secret), nil
}

// BuildAuthRequest builds an 'R' message for the given authentication
// sub-type (AuthOK or AuthCleartextPassword).
func BuildAuthRequest(kind int32) []byte {
	msg := make([]byte, 0, 9)
	msg = append(msg, MsgAuthentication)
	msg = binary.BigEndian.AppendUint32(msg, 8)
	msg = binary.BigEndian.AppendUint32(msg, uint32(kind))
	return msg
}

// AuthRequestKind extracts the authentication sub-type from an 'R' frame
// payload.
func AuthRequestKind(payload []byte) (int32, error) {
	if len(payload) < 4 {
		return 0, fmt.Errorf("%w: authentication payload too short", ErrMalformed)
	}
	return int32(binary.BigEndian.Uint32(payload[0:4])), nil
}

// noticeSeverities are the severities emitted as NoticeResponse rather than
// ErrorResponse.
var noticeSeverities = map[string]bool{
	"NOTICE":  true,
	"WARNING": true,
	"INFO":    true,
	"LOG":     true,
	"DEBUG":   true,
}

// BuildErrorOrNotice builds an ErrorResponse or NoticeResponse depending on
// severity. Error frames carry the SQLSTATE code field; notices omit it.
// Fields are emitted in order severity, [code], message, detail, hint, each
// as tag byte + null-terminated string, ending with a final null byte.
func BuildErrorOrNotice(severity, code, message, detail, hint string) []byte {
	msgType := MsgErrorResponse
	if noticeSeverities[severity] {
		msgType = MsgNoticeResponse
	}

	var body []byte
	body = appendField(body, fieldSeverity, severity)
	if msgType == MsgErrorResponse {
		body = appendField(body, fieldCode, code)
	}
	body = appendField(body, fieldMessage, message)
	if detail != "" {
		body = appendField(body, fieldDetail, detail)
	}
	if hint != "" {
		body = appendField(body, fieldHint, hint)
	}
	body = append(body, fieldTerminator)

	length := 4 + len(body)
	msg := make([]byte, 0, 1+length)
	msg = append(msg, msgType)
	msg = binary.BigEndian.AppendUint32(msg, uint32(length))
	msg = append(msg, body...)
	return msg
}

func appendField(dst []byte, tag byte, value string) []byte {
	dst = append(dst, tag)
	return appendCString(dst, value)
}

// ParseError walks the fields of an ErrorResponse or NoticeResponse frame.
// Known tags map to "severity", "code", "message", "detail" and "hint";
// unknown tags are preserved keyed by their hex tag. A terminator tag with
// empty content ends parsing early.
func ParseError(buf []byte) (map[string]string, error) {
	if len(buf) < 5 || (buf[0] != MsgErrorResponse && buf[0] != MsgNoticeResponse) {
		return nil, fmt.Errorf("%w: not an error or notice frame", ErrMalformed)
	}
	length := int(binary.BigEndian.Uint32(buf[1:5]))
	if length < 4 || 1+length > len(buf) {
		return nil, fmt.Errorf("%w: error frame length %d", ErrMalformed, length)
	}
	body := buf[5 : 1+length]

	fields := make(map[string]string)
	for len(body) > 0 {
		tag := body[0]
		body = body[1:]
		if tag == fieldTerminator {
			break
		}
		value, n := readCString(body)
		if n < 0 {
			return nil, fmt.Errorf("%w: unterminated error field %#x", ErrMalformed, tag)
		}
		body = body[n:]
		fields[errorFieldName(tag)] = value
	}
	return fields, nil
}

func errorFieldName(tag byte) string {
	switch tag {
	case fieldSeverity:
		return "severity"
	case fieldCode:
		return "code"
	case fieldMessage:
		return "message"
	case fieldDetail:
		return "detail"
	case fieldHint:
		return "hint"
	default:
		return fmt.Sprintf("0x%02x", tag)
	}
}

// ReadFrame reads one typed message (code byte, self-inclusive length,
// payload) and returns the type, the payload and the full raw frame for
// verbatim forwarding.
func ReadFrame(r io.Reader) (byte, []byte, []byte, error) {
	header := make([]byte, 5)
	if _, err := io.ReadFull(r, header); err != nil {
		return 0, nil, nil, err
	}
	length := int(binary.BigEndian.Uint32(header[1:5]))
	if length < 4 {
		return 0, nil, nil, fmt.Errorf("%w: frame length %d", ErrMalformed, length)
	}
	raw := make([]byte, 1+length)
	copy(raw, header)
	if length > 4 {
		if _, err := io.ReadFull(r, raw[5:]); err != nil {
			return 0, nil, nil, err
		}
	}
	return raw[0], raw[5:], raw, nil
}
