package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTestKey(t *testing.T) (*rsa.PrivateKey, string) {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	pemData := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})

	path := filepath.Join(t.TempDir(), "public.pem")
	require.NoError(t, os.WriteFile(path, pemData, 0o600))
	return key, path
}

func signToken(t *testing.T, key *rsa.PrivateKey, claims *FarmClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
	require.NoError(t, err)
	return token
}

func TestVerifyValidToken(t *testing.T) {
	key, keyPath := writeTestKey(t)
	v, err := NewJWTVerifier(VerifierConfig{PublicKeyPath: keyPath, Issuer: "farm"})
	require.NoError(t, err)
	defer v.Close()

	token := signToken(t, key, &FarmClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "farm",
			Subject:   "alice",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Roles: []string{"reader", "admin"},
	})

	identity, err := v.Verify(context.Background(), token)
	require.NoError(t, err)
	assert.True(t, identity.Active)
	assert.Equal(t, "alice", identity.Username)
	assert.True(t, identity.HasRole("admin"))
	assert.False(t, identity.HasRole("writer"))
}

func TestVerifyUsernameClaimOverridesSubject(t *testing.T) {
	key, keyPath := writeTestKey(t)
	v, err := NewJWTVerifier(VerifierConfig{PublicKeyPath: keyPath})
	require.NoError(t, err)
	defer v.Close()

	token := signToken(t, key, &FarmClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-uuid-1234",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Username: "alice",
	})

	identity, err := v.Verify(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "alice", identity.Username)
}

func TestVerifyExpiredToken(t *testing.T) {
	key, keyPath := writeTestKey(t)
	v, err := NewJWTVerifier(VerifierConfig{PublicKeyPath: keyPath})
	require.NoError(t, err)
	defer v.Close()

	token := signToken(t, key, &FarmClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "alice",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		},
	})

	_, err = v.Verify(context.Background(), token)
	assert.ErrorIs(t, err, ErrTokenExpired)
}

func TestVerifyWrongKey(t *testing.T) {
	_, keyPath := writeTestKey(t)
	otherKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	v, err := NewJWTVerifier(VerifierConfig{PublicKeyPath: keyPath})
	require.NoError(t, err)
	defer v.Close()

	token := signToken(t, otherKey, &FarmClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "alice",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})

	_, err = v.Verify(context.Background(), token)
	assert.Error(t, err)
}

func TestVerifyWrongIssuer(t *testing.T) {
	key, keyPath := writeTestKey(t)
	v, err := NewJWTVerifier(VerifierConfig{PublicKeyPath: keyPath, Issuer: "farm"})
	require.NoError(t, err)
	defer v.Close()

	token := signToken(t, key, &FarmClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "someone-else",
			Subject:   "alice",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})

	_, err = v.Verify(context.Background(), token)
	assert.ErrorIs(t, err, ErrInvalidIssuer)
}

func TestVerifyInactiveToken(t *testing.T) {
	key, keyPath := writeTestKey(t)
	v, err := NewJWTVerifier(VerifierConfig{PublicKeyPath: keyPath})
	require.NoError(t, err)
	defer v.Close()

	inactive := false
	token := signToken(t, key, &FarmClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "alice",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Active: &inactive,
	})

	identity, err := v.Verify(context.Background(), token)
	require.NoError(t, err)
	assert.False(t, identity.Active)
}

func TestVerifyGarbage(t *testing.T) {
	_, keyPath := writeTestKey(t)
	v, err := NewJWTVerifier(VerifierConfig{PublicKeyPath: keyPath})
	require.NoError(t, err)
	defer v.Close()

	_, err = v.Verify(context.Background(), "not-a-token")
	assert.ErrorIs(t, err, ErrInvalidToken)
}
