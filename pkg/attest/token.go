// Package attest issues and verifies seal tokens: short-lived bearer tokens
// that bind an envelope id to its content hash, so a caller can present one
// string to the runtime gate instead of an id and hash pair.
package attest

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"

	"github.com/Mindburn-Labs/helm/authority/pkg/contracts"
	"github.com/Mindburn-Labs/helm/authority/pkg/envelope"
)

const (
	// DefaultTTL is the token lifetime when the envelope does not expire
	// sooner.
	DefaultTTL = 15 * time.Minute

	issuerName   = "authority/envelope-ledger"
	audienceGate = "authority/runtime-gate"

	minSecretLen = 16
)

var (
	ErrSecretTooShort = errors.New("attest: seal token secret must be at least 16 bytes")
	ErrTokenUnbound   = errors.New("attest: token carries no envelope binding")
)

// SealClaims are the claims of a seal token. The subject is the envelope id.
type SealClaims struct {
	jwt.RegisteredClaims
	ContentHash string `json:"content_hash"`
	TenantID    string `json:"tenant_id,omitempty"`
}

// Issuer mints and verifies seal tokens with an HMAC key derived from a
// deployment secret.
type Issuer struct {
	key   []byte
	ttl   time.Duration
	clock func() time.Time
}

// NewIssuer derives the signing key from secret. A non-positive ttl uses
// DefaultTTL.
func NewIssuer(secret []byte, ttl time.Duration) (*Issuer, error) {
	if len(secret) < minSecretLen {
		return nil, ErrSecretTooShort
	}
	key := make([]byte, 32)
	r := hkdf.New(sha256.New, secret, []byte("authority-seal-token"), []byte("hs256"))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("HKDF derivation failed: %w", err)
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Issuer{key: key, ttl: ttl, clock: time.Now}, nil
}

// WithClock overrides the clock for deterministic testing.
func (i *Issuer) WithClock(clock func() time.Time) *Issuer {
	i.clock = clock
	return i
}

// Issue signs a token for env. The token never outlives the envelope.
func (i *Issuer) Issue(env *contracts.Envelope) (string, error) {
	now := i.clock().UTC()
	exp := now.Add(i.ttl)
	if env.ExpiresAt != nil && env.ExpiresAt.Before(exp) {
		exp = *env.ExpiresAt
	}
	claims := SealClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   env.EnvelopeID,
			Issuer:    issuerName,
			Audience:  jwt.ClaimStrings{audienceGate},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
		ContentHash: env.ContentHash,
		TenantID:    env.TenantID,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.key)
	if err != nil {
		return "", fmt.Errorf("sign seal token: %w", err)
	}
	return signed, nil
}

// Verify parses and validates a token.
func (i *Issuer) Verify(token string) (*SealClaims, error) {
	parsed, err := jwt.ParseWithClaims(token, &SealClaims{}, func(t *jwt.Token) (any, error) {
		return i.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuerName),
		jwt.WithAudience(audienceGate),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.clock),
	)
	if err != nil {
		return nil, err
	}
	claims, ok := parsed.Claims.(*SealClaims)
	if !ok || !parsed.Valid {
		return nil, jwt.ErrTokenSignatureInvalid
	}
	if claims.Subject == "" || claims.ContentHash == "" {
		return nil, ErrTokenUnbound
	}
	return claims, nil
}

// Resolve verifies token and returns the envelope it is bound to.
func (i *Issuer) Resolve(token string) (envelope.Lookup, error) {
	claims, err := i.Verify(token)
	if err != nil {
		return envelope.Lookup{}, err
	}
	return envelope.Lookup{EnvelopeID: claims.Subject, ContentHash: claims.ContentHash}, nil
}
