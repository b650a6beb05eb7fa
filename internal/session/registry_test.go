package session

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{
		AutoClose:   true,
		GraceDelay:  10 * time.Millisecond,
		DialTimeout: time.Second,
	}
}

func TestRegisterRejectsDuplicate(t *testing.T) {
	r := NewRegistry(testConfig(), nil)
	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()

	sid := NewSessionID()
	require.NoError(t, r.Register(c1, RoleIncoming, sid))
	assert.ErrorIs(t, r.Register(c1, RoleIncoming, sid), ErrAlreadyRegistered)
}

func TestCreateOutboundRequiresRegisteredSocket(t *testing.T) {
	r := NewRegistry(testConfig(), nil)
	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()

	_, err := r.CreateOutbound(context.Background(), "127.0.0.1", 1, c1)
	assert.ErrorIs(t, err, ErrNotRegistered)
}

func TestCreateOutboundJoinsSession(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			defer c.Close()
		}
	}()

	r := NewRegistry(testConfig(), nil)
	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()

	sid := NewSessionID()
	require.NoError(t, r.Register(c1, RoleIncoming, sid))

	addr := ln.Addr().(*net.TCPAddr)
	out, err := r.CreateOutbound(context.Background(), "127.0.0.1", addr.Port, c1)
	require.NoError(t, err)
	defer out.Close()

	gotSID, ok := r.SessionOf(out)
	require.True(t, ok)
	assert.Equal(t, sid, gotSID)
	assert.Equal(t, map[Role]int{RoleIncoming: 1, RoleOutgoing: 1}, r.Counts())
}

func TestClosedCascadesToSessionPeers(t *testing.T) {
	r := NewRegistry(testConfig(), nil)
	a1, a2 := net.Pipe()
	b1, b2 := net.Pipe()
	defer a1.Close()
	defer a2.Close()
	defer b2.Close()

	sid := NewSessionID()
	require.NoError(t, r.Register(a1, RoleIncoming, sid))
	require.NoError(t, r.Register(b1, RoleOutgoing, sid))

	b1.Close()
	r.Closed(b1)

	// The peer should be closed after the grace delay: reads start failing.
	require.Eventually(t, func() bool {
		a1.SetReadDeadline(time.Now().Add(5 * time.Millisecond))
		_, err := a1.Read(make([]byte, 1))
		return err != nil && !isTimeout(err)
	}, time.Second, 10*time.Millisecond)

	assert.Equal(t, 0, r.SessionCount())
}

func TestDetachDoesNotCascade(t *testing.T) {
	r := NewRegistry(testConfig(), nil)
	a1, a2 := net.Pipe()
	b1, b2 := net.Pipe()
	defer a1.Close()
	defer a2.Close()
	defer b1.Close()
	defer b2.Close()

	sid := NewSessionID()
	require.NoError(t, r.Register(a1, RoleIncoming, sid))
	require.NoError(t, r.Register(b1, RoleOutgoing, sid))

	r.Detach(b1)
	time.Sleep(30 * time.Millisecond)

	// The client leg must still be registered and usable.
	_, ok := r.SessionOf(a1)
	assert.True(t, ok)
	assert.Equal(t, map[Role]int{RoleIncoming: 1}, r.Counts())
}

func TestAutoCloseDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.AutoClose = false
	r := NewRegistry(cfg, nil)

	a1, a2 := net.Pipe()
	b1, b2 := net.Pipe()
	defer a1.Close()
	defer a2.Close()
	defer b1.Close()
	defer b2.Close()

	sid := NewSessionID()
	require.NoError(t, r.Register(a1, RoleIncoming, sid))
	require.NoError(t, r.Register(b1, RoleOutgoing, sid))

	r.Closed(b1)
	time.Sleep(30 * time.Millisecond)

	_, ok := r.SessionOf(a1)
	assert.True(t, ok)
}

func TestReplaceKeepsSession(t *testing.T) {
	r := NewRegistry(testConfig(), nil)
	plain1, plain2 := net.Pipe()
	secure1, secure2 := net.Pipe()
	defer plain1.Close()
	defer plain2.Close()
	defer secure1.Close()
	defer secure2.Close()

	sid := NewSessionID()
	require.NoError(t, r.Register(plain1, RoleIncoming, sid))
	require.NoError(t, r.Replace(plain1, secure1, RoleIncomingSecure))

	_, ok := r.SessionOf(plain1)
	assert.False(t, ok)
	gotSID, ok := r.SessionOf(secure1)
	require.True(t, ok)
	assert.Equal(t, sid, gotSID)
	assert.Equal(t, map[Role]int{RoleIncomingSecure: 1}, r.Counts())
}

func isTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}
