package service

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/punchamoorthee/payflow/internal/domain"
)

// ClaimToken is the verified payload of a claim token.
type ClaimToken struct {
	Vendor         string
	PayoutRef      string
	Amount         int64
	IssuedAt       time.Time
	TTL            time.Duration
	Nonce          string
	IdempotencyKey string
}

// ExpiresAt is the first instant at which the token is no longer valid.
func (c ClaimToken) ExpiresAt() time.Time { return c.IssuedAt.Add(c.TTL) }

type claimClaims struct {
	Vendor         string `json:"vnd"`
	PayoutRef      string `json:"pref"`
	Amount         int64  `json:"amt"`
	TTLSeconds     int64  `json:"ttl"`
	IdempotencyKey string `json:"idk"`
	jwt.RegisteredClaims
}

// Tokens issues and verifies HS256 claim tokens.
type Tokens struct {
	key        []byte
	defaultTTL time.Duration
	clock      func() time.Time
}

func NewTokens(signingKey string, defaultTTL time.Duration, clock func() time.Time) *Tokens {
	if clock == nil {
		clock = time.Now
	}
	return &Tokens{key: []byte(signingKey), defaultTTL: defaultTTL, clock: clock}
}

// Issue signs a claim over amount of payoutRef. ttl <= 0 uses the default TTL and an
// empty idempotencyKey gets a fresh one.
func (t *Tokens) Issue(vendor, payoutRef string, amount int64, ttl time.Duration, idempotencyKey string) (string, *ClaimToken, error) {
	if amount <= 0 {
		return "", nil, domain.ErrInvalidAmount
	}
	if ttl <= 0 {
		ttl = t.defaultTTL
	}
	ttl = ttl.Truncate(time.Second)
	if idempotencyKey == "" {
		idempotencyKey = uuid.NewString()
	}

	issued := t.clock().UTC().Truncate(time.Second)
	claim := &ClaimToken{
		Vendor:         vendor,
		PayoutRef:      payoutRef,
		Amount:         amount,
		IssuedAt:       issued,
		TTL:            ttl,
		Nonce:          uuid.NewString(),
		IdempotencyKey: idempotencyKey,
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claimClaims{
		Vendor:         vendor,
		PayoutRef:      payoutRef,
		Amount:         amount,
		TTLSeconds:     int64(ttl / time.Second),
		IdempotencyKey: idempotencyKey,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        claim.Nonce,
			IssuedAt:  jwt.NewNumericDate(issued),
			ExpiresAt: jwt.NewNumericDate(claim.ExpiresAt()),
		},
	})
	signed, err := tok.SignedString(t.key)
	if err != nil {
		return "", nil, fmt.Errorf("sign claim token: %w", err)
	}
	return signed, claim, nil
}

// Verify checks the signature and expiry. A token is valid strictly before
// issued-at + ttl.
func (t *Tokens) Verify(token string) (*ClaimToken, error) {
	var claims claimClaims
	_, err := jwt.ParseWithClaims(token, &claims,
		func(*jwt.Token) (interface{}, error) { return t.key, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(t.clock),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, domain.ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrTokenInvalid, err)
	}
	if claims.IdempotencyKey == "" || claims.PayoutRef == "" || claims.Amount <= 0 || claims.IssuedAt == nil {
		return nil, domain.ErrTokenInvalid
	}
	return &ClaimToken{
		Vendor:         claims.Vendor,
		PayoutRef:      claims.PayoutRef,
		Amount:         claims.Amount,
		IssuedAt:       claims.IssuedAt.Time.UTC(),
		TTL:            time.Duration(claims.TTLSeconds) * time.Second,
		Nonce:          claims.ID,
		IdempotencyKey: claims.IdempotencyKey,
	}, nil
}
