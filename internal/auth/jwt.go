package auth

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrInvalidToken is returned when the token is malformed or invalid.
	ErrInvalidToken = errors.New("invalid bearer token")

	// ErrTokenExpired is returned when the token has expired.
	ErrTokenExpired = errors.New("token has expired")

	// ErrInvalidSignature is returned when signature verification fails.
	ErrInvalidSignature = errors.New("invalid token signature")

	// ErrInvalidIssuer is returned when the issuer does not match.
	ErrInvalidIssuer = errors.New("invalid token issuer")

	// ErrInvalidAudience is returned when the audience does not match.
	ErrInvalidAudience = errors.New("invalid token audience")

	// ErrPublicKeyNotLoaded is returned when validating without a key.
	ErrPublicKeyNotLoaded = errors.New("public key not loaded")
)

// VerifierConfig holds configuration for JWT verification.
type VerifierConfig struct {
	// PublicKeyPath is the file path to the RSA public key in PEM format.
	PublicKeyPath string

	// PublicKeyURL is an HTTP(S) URL to fetch the public key from.
	PublicKeyURL string

	// Issuer is the expected "iss" claim value; empty skips the check.
	Issuer string

	// Audience is the expected "aud" claim value; empty skips the check.
	Audience string

	// CacheTTL is the duration to cache verified tokens.
	CacheTTL time.Duration

	// KeyRefreshInterval is how often to refresh the public key from URL.
	KeyRefreshInterval time.Duration
}

// JWTVerifier verifies RS256 bearer tokens.
type JWTVerifier struct {
	config    VerifierConfig
	publicKey *rsa.PublicKey
	keyMutex  sync.RWMutex

	cache      map[string]*cacheEntry
	cacheMutex sync.RWMutex

	stopChan chan struct{}
	stopOnce sync.Once
}

type cacheEntry struct {
	identity  *Identity
	expiresAt time.Time
}

// NewJWTVerifier creates a verifier with the given configuration.
func NewJWTVerifier(config VerifierConfig) (*JWTVerifier, error) {
	v := &JWTVerifier{
		config:   config,
		cache:    make(map[string]*cacheEntry),
		stopChan: make(chan struct{}),
	}

	if err := v.loadPublicKey(); err != nil {
		return nil, fmt.Errorf("failed to load public key: %w", err)
	}

	if config.PublicKeyURL != "" && config.KeyRefreshInterval > 0 {
		go v.keyRefreshLoop()
	}
	go v.cacheCleanupLoop()

	return v, nil
}

// loadPublicKey loads the RSA public key from file or URL.
func (v *JWTVerifier) loadPublicKey() error {
	var keyData []byte
	var err error

	switch {
	case v.config.PublicKeyPath != "":
		keyData, err = os.ReadFile(v.config.PublicKeyPath)
		if err != nil {
			return fmt.Errorf("failed to read public key file: %w", err)
		}
	case v.config.PublicKeyURL != "":
		keyData, err = v.fetchPublicKeyFromURL()
		if err != nil {
			return fmt.Errorf("failed to fetch public key from URL: %w", err)
		}
	default:
		return errors.New("no public key source configured")
	}

	key, err := parseRSAPublicKey(keyData)
	if err != nil {
		return fmt.Errorf("failed to parse public key: %w", err)
	}

	v.keyMutex.Lock()
	v.publicKey = key
	v.keyMutex.Unlock()
	return nil
}

func (v *JWTVerifier) fetchPublicKeyFromURL() ([]byte, error) {
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get(v.config.PublicKeyURL)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

func parseRSAPublicKey(pemData []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(pemData)
	if block == nil {
		return nil, errors.New("failed to decode PEM block")
	}

	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err == nil {
		rsaKey, ok := pub.(*rsa.PublicKey)
		if !ok {
			return nil, errors.New("not an RSA public key")
		}
		return rsaKey, nil
	}

	rsaKey, err := x509.ParsePKCS1PublicKey(block.Bytes)
	if err != nil {
		return nil, errors.New("failed to parse RSA public key")
	}
	return rsaKey, nil
}

func (v *JWTVerifier) keyRefreshLoop() {
	ticker := time.NewTicker(v.config.KeyRefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			// Keep the current key on refresh failure.
			v.loadPublicKey()
		case <-v.stopChan:
			return
		}
	}
}

func (v *JWTVerifier) cacheCleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			v.cleanupCache()
		case <-v.stopChan:
			return
		}
	}
}

func (v *JWTVerifier) cleanupCache() {
	v.cacheMutex.Lock()
	defer v.cacheMutex.Unlock()

	now := time.Now()
	for token, entry := range v.cache {
		if now.After(entry.expiresAt) {
			delete(v.cache, token)
		}
	}
}

// Verify implements TokenVerifier.
func (v *JWTVerifier) Verify(_ context.Context, tokenString string) (*Identity, error) {
	if identity := v.getFromCache(tokenString); identity != nil {
		return identity, nil
	}

	v.keyMutex.RLock()
	publicKey := v.publicKey
	v.keyMutex.RUnlock()

	if publicKey == nil {
		return nil, ErrPublicKeyNotLoaded
	}

	token, err := jwt.ParseWithClaims(tokenString, &FarmClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return publicKey, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		if errors.Is(err, jwt.ErrSignatureInvalid) {
			return nil, ErrInvalidSignature
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*FarmClaims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}

	if v.config.Issuer != "" {
		issuer, err := claims.GetIssuer()
		if err != nil || issuer != v.config.Issuer {
			return nil, ErrInvalidIssuer
		}
	}
	if v.config.Audience != "" {
		audience, err := claims.GetAudience()
		if err != nil {
			return nil, ErrInvalidAudience
		}
		found := false
		for _, aud := range audience {
			if aud == v.config.Audience {
				found = true
				break
			}
		}
		if !found {
			return nil, ErrInvalidAudience
		}
	}

	identity := &Identity{
		Active:   claims.IsActive(),
		Username: claims.EffectiveUsername(),
		Roles:    claims.Roles,
	}

	v.addToCache(tokenString, identity)
	return identity, nil
}

func (v *JWTVerifier) getFromCache(token string) *Identity {
	if v.config.CacheTTL <= 0 {
		return nil
	}

	v.cacheMutex.RLock()
	defer v.cacheMutex.RUnlock()

	entry, ok := v.cache[token]
	if !ok || time.Now().After(entry.expiresAt) {
		return nil
	}
	return entry.identity
}

func (v *JWTVerifier) addToCache(token string, identity *Identity) {
	if v.config.CacheTTL <= 0 {
		return
	}

	v.cacheMutex.Lock()
	defer v.cacheMutex.Unlock()

	// Cap the cache; evict half when full.
	if len(v.cache) > 10000 {
		count := 0
		for k := range v.cache {
			delete(v.cache, k)
			count++
			if count >= 5000 {
				break
			}
		}
	}

	v.cache[token] = &cacheEntry{
		identity:  identity,
		expiresAt: time.Now().Add(v.config.CacheTTL),
	}
}

// Close stops background goroutines.
func (v *JWTVerifier) Close() {
	v.stopOnce.Do(func() { close(v.stopChan) })
}
