// Package auth verifies the JWTs clients present when opening WebSocket or
// HTTP sessions and extracts the customer identity from their claims.
//
// Three verification modes are supported, selected by configuration:
//
//   - shared secret: HS256 signatures verified against auth.secret
//   - JWKS: RS256/ES256 signatures verified against keys fetched from
//     auth.jwks_url, with automatic refresh on unknown key IDs
//   - dev mode: signatures are NOT verified; claims are trusted as-is
package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/lestrrat-go/jwx/jwk"

	"github.com/parlance-ai/parlance/internal/config"
)

var (
	ErrInvalidToken = errors.New("auth: invalid token")
	ErrExpiredToken = errors.New("auth: token has expired")
)

// Claims are the token claims Parlance reads. CustomerID is preferred;
// the registered sub claim is the fallback identity.
type Claims struct {
	CustomerID string `json:"customer_id"`
	jwt.RegisteredClaims
}

// identity returns the effective customer identity of the claims.
func (c *Claims) identity() (string, error) {
	if c.CustomerID != "" {
		return c.CustomerID, nil
	}
	if c.Subject != "" {
		return c.Subject, nil
	}
	return "", fmt.Errorf("%w: no customer_id or sub claim", ErrInvalidToken)
}

// Verifier validates bearer tokens. Safe for concurrent use.
type Verifier struct {
	secret  []byte
	jwksURL string
	devMode bool

	mu     sync.RWMutex
	keySet jwk.Set
}

// New builds a Verifier from the auth configuration. When a JWKS URL is
// configured the key set is fetched eagerly so misconfiguration fails at
// startup rather than on the first connection.
func New(ctx context.Context, cfg config.AuthConfig) (*Verifier, error) {
	v := &Verifier{
		jwksURL: cfg.JWKSURL,
		devMode: cfg.DevMode,
	}
	if cfg.Secret != "" {
		v.secret = []byte(cfg.Secret)
	}
	if cfg.JWKSURL != "" {
		keySet, err := jwk.Fetch(ctx, cfg.JWKSURL)
		if err != nil {
			return nil, fmt.Errorf("auth: fetch JWKS from %s: %w", cfg.JWKSURL, err)
		}
		v.keySet = keySet
	}
	if v.secret == nil && v.keySet == nil && !v.devMode {
		return nil, errors.New("auth: no secret, JWKS URL, or dev mode configured")
	}
	return v, nil
}

// Verify checks tokenString and returns the customer identity from its
// claims. Expiry is always enforced, including in dev mode.
func (v *Verifier) Verify(ctx context.Context, tokenString string) (string, error) {
	if v.devMode && v.secret == nil && v.keySet == nil {
		return v.verifyUnsigned(tokenString)
	}
	if v.keySet != nil {
		return v.verifyJWKS(ctx, tokenString)
	}
	return v.verifyHMAC(tokenString)
}

func (v *Verifier) verifyHMAC(tokenString string) (string, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v, want HMAC", token.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", fmt.Errorf("%w: %v", ErrExpiredToken, err)
		}
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return "", ErrInvalidToken
	}
	return claims.identity()
}

func (v *Verifier) verifyJWKS(ctx context.Context, tokenString string) (string, error) {
	// Parse the header first to learn which key signed the token.
	unverified, _, err := new(jwt.Parser).ParseUnverified(tokenString, &Claims{})
	if err != nil {
		return "", fmt.Errorf("%w: parse header: %v", ErrInvalidToken, err)
	}
	kid, ok := unverified.Header["kid"].(string)
	if !ok {
		return "", fmt.Errorf("%w: token header missing kid", ErrInvalidToken)
	}

	rawKey, err := v.lookupKey(ctx, kid)
	if err != nil {
		return "", err
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (any, error) {
		return rawKey, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", fmt.Errorf("%w: %v", ErrExpiredToken, err)
		}
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return "", ErrInvalidToken
	}
	return claims.identity()
}

// lookupKey resolves kid against the cached key set, refreshing the set once
// when the key is unknown so rotated keys are picked up without a restart.
func (v *Verifier) lookupKey(ctx context.Context, kid string) (any, error) {
	v.mu.RLock()
	key, found := v.keySet.LookupKeyID(kid)
	v.mu.RUnlock()

	if !found {
		keySet, err := jwk.Fetch(ctx, v.jwksURL)
		if err != nil {
			return nil, fmt.Errorf("%w: key %s unknown and JWKS refresh failed: %v", ErrInvalidToken, kid, err)
		}
		v.mu.Lock()
		v.keySet = keySet
		key, found = v.keySet.LookupKeyID(kid)
		v.mu.Unlock()
		if !found {
			return nil, fmt.Errorf("%w: no key with ID %s in JWKS", ErrInvalidToken, kid)
		}
	}

	var rawKey any
	if err := key.Raw(&rawKey); err != nil {
		return nil, fmt.Errorf("%w: extract raw key: %v", ErrInvalidToken, err)
	}
	return rawKey, nil
}

func (v *Verifier) verifyUnsigned(tokenString string) (string, error) {
	claims := &Claims{}
	if _, _, err := new(jwt.Parser).ParseUnverified(tokenString, claims); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if exp := claims.ExpiresAt; exp != nil && exp.Before(time.Now()) {
		return "", ErrExpiredToken
	}
	return claims.identity()
}
