package wire

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartupRoundTrip(t *testing.T) {
	tests := []struct {
		name  string
		pairs []Property
	}{
		{
			name: "user and database",
			pairs: []Property{
				{Key: "user", Value: "alice"},
				{Key: "database", Value: "library/sales"},
			},
		},
		{
			name: "order preserved with extras",
			pairs: []Property{
				{Key: "user", Value: "bob"},
				{Key: "database", Value: "inventory"},
				{Key: "application_name", Value: "psql"},
				{Key: "client_encoding", Value: "UTF8"},
			},
		},
		{
			name:  "single property",
			pairs: []Property{{Key: "user", Value: "carol"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			built := BuildStartup(ProtocolVersion30, NewStartupProperties(tt.pairs...))
			version, props, err := ParseStartup(built)
			require.NoError(t, err)
			assert.Equal(t, ProtocolVersion30, version)
			assert.Equal(t, tt.pairs, props.Pairs())
		})
	}
}

func TestParseStartupIncomplete(t *testing.T) {
	full := BuildStartup(ProtocolVersion30, NewStartupProperties(
		Property{Key: "user", Value: "alice"},
		Property{Key: "database", Value: "sales"},
	))

	// Every strict prefix must report incomplete, never malformed.
	for i := 0; i < len(full); i++ {
		_, _, err := ParseStartup(full[:i])
		require.ErrorIs(t, err, ErrIncomplete, "prefix of %d bytes", i)
	}

	_, _, err := ParseStartup(full)
	require.NoError(t, err)
}

func TestParseStartupZeroProperties(t *testing.T) {
	// A frame with a terminator but no pairs means the client is still
	// sending fragments.
	built := BuildStartup(ProtocolVersion30, NewStartupProperties())
	_, _, err := ParseStartup(built)
	assert.ErrorIs(t, err, ErrIncomplete)
}

func TestParseStartupUnterminatedPair(t *testing.T) {
	// The declared length is fully buffered but the value never
	// terminates. More bytes cannot fix this frame.
	body := append([]byte("user"), 0)
	body = append(body, "alice"...) // no terminator, no final null
	buf := make([]byte, 0, 8+len(body))
	buf = append(buf, 0, 0, 0, byte(8+len(body)), 0, 3, 0, 0)
	buf = append(buf, body...)

	_, _, err := ParseStartup(buf)
	assert.ErrorIs(t, err, ErrMalformed)
	assert.NotErrorIs(t, err, ErrIncomplete)
}

func TestParseStartupMalformedLength(t *testing.T) {
	buf := []byte{0xff, 0xff, 0xff, 0xff, 0, 3, 0, 0}
	_, _, err := ParseStartup(buf)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestStartupPropertiesClone(t *testing.T) {
	props := NewStartupProperties(
		Property{Key: "user", Value: "alice"},
		Property{Key: "database", Value: "library/sales"},
	)
	clone := props.Clone()
	clone.Set("database", "sales")

	assert.Equal(t, "library/sales", props.Get("database"))
	assert.Equal(t, "sales", clone.Get("database"))
	// Key order must survive the in-place edit.
	assert.Equal(t, "user", clone.Pairs()[0].Key)
	assert.Equal(t, "database", clone.Pairs()[1].Key)
}

func TestSpecialRequests(t *testing.T) {
	ssl := []byte{0, 0, 0, 8, 0x04, 0xd2, 0x16, 0x2f}
	gss := []byte{0, 0, 0, 8, 0x04, 0xd2, 0x16, 0x30}

	assert.True(t, IsSSLRequest(ssl))
	assert.False(t, IsGSSRequest(ssl))
	assert.True(t, IsGSSRequest(gss))
	assert.False(t, IsSSLRequest(gss))
	assert.False(t, IsSSLRequest(ssl[:7]))
	assert.False(t, IsSSLRequest(append(ssl, 0)))
}

func TestPasswordMessageRoundTrip(t *testing.T) {
	for _, secret := range []string{"swordfish", "", "eyJhbGciOiJSUzI1NiJ9.x.y"} {
		msg := BuildPasswordMessage(secret)
		got, err := ParsePasswordMessage(msg)
		require.NoError(t, err)
		assert.Equal(t, secret, got)
	}
}

func TestParsePasswordMessageRejectsWrongType(t *testing.T) {
	msg := BuildAuthRequest(AuthOK)
	_, err := ParsePasswordMessage(msg)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestBuildAuthRequest(t *testing.T) {
	ok := BuildAuthRequest(AuthOK)
	assert.Equal(t, []byte{'R', 0, 0, 0, 8, 0, 0, 0, 0}, ok)

	cleartext := BuildAuthRequest(AuthCleartextPassword)
	assert.Equal(t, []byte{'R', 0, 0, 0, 8, 0, 0, 0, 3}, cleartext)
}

func TestErrorNoticeRoundTrip(t *testing.T) {
	tests := []struct {
		name     string
		severity string
		wantType byte
		wantCode bool
	}{
		{name: "fatal error carries code", severity: "FATAL", wantType: MsgErrorResponse, wantCode: true},
		{name: "error carries code", severity: "ERROR", wantType: MsgErrorResponse, wantCode: true},
		{name: "notice omits code", severity: "NOTICE", wantType: MsgNoticeResponse, wantCode: false},
		{name: "warning omits code", severity: "WARNING", wantType: MsgNoticeResponse, wantCode: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame := BuildErrorOrNotice(tt.severity, "28000", "not allowed", "account is disabled", "contact an administrator")
			assert.Equal(t, tt.wantType, frame[0])

			fields, err := ParseError(frame)
			require.NoError(t, err)
			assert.Equal(t, tt.severity, fields["severity"])
			assert.Equal(t, "not allowed", fields["message"])
			assert.Equal(t, "account is disabled", fields["detail"])
			assert.Equal(t, "contact an administrator", fields["hint"])
			if tt.wantCode {
				assert.Equal(t, "28000", fields["code"])
			} else {
				assert.NotContains(t, fields, "code")
			}
		})
	}
}

func TestBuildErrorOmitsEmptyOptionalFields(t *testing.T) {
	frame := BuildErrorOrNotice("ERROR", "57P03", "backend is asleep", "", "")
	fields, err := ParseError(frame)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"severity": "ERROR",
		"code":     "57P03",
		"message":  "backend is asleep",
	}, fields)
}

func TestParseErrorUnknownTagsKeyedByHex(t *testing.T) {
	// Hand-build a frame with a 'V' (nonlocalized severity) field, which the
	// builder never emits.
	body := []byte{'S'}
	body = append(body, "FATAL"...)
	body = append(body, 0, 'V')
	body = append(body, "FATAL"...)
	body = append(body, 0, 'M')
	body = append(body, "boom"...)
	body = append(body, 0, 0)

	frame := append([]byte{'E', 0, 0, 0, byte(4 + len(body))}, body...)
	fields, err := ParseError(frame)
	require.NoError(t, err)
	assert.Equal(t, "FATAL", fields["severity"])
	assert.Equal(t, "FATAL", fields["0x56"])
	assert.Equal(t, "boom", fields["message"])
}

func TestReadFrame(t *testing.T) {
	frame := BuildErrorOrNotice("ERROR", "57P01", "terminating connection due to administrator command", "", "")
	typ, payload, raw, err := ReadFrame(bytes.NewReader(frame))
	require.NoError(t, err)
	assert.Equal(t, MsgErrorResponse, typ)
	assert.Equal(t, frame, raw)
	assert.Equal(t, frame[5:], payload)

	// Payload-only frame with no body.
	ready := []byte{'Z', 0, 0, 0, 5, 'I'}
	typ, payload, raw, err = ReadFrame(bytes.NewReader(ready))
	require.NoError(t, err)
	assert.Equal(t, MsgReadyForQuery, typ)
	assert.Equal(t, []byte{'I'}, payload)
	assert.Equal(t, ready, raw)
}
