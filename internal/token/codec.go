// Package token encodes and decodes the signed, expiring credentials handed to
// clients: short-lived access tokens and long-lived refresh tokens.
package token

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

type Kind string

const (
	KindAccess  Kind = "access"
	KindRefresh Kind = "refresh"
)

// RefreshSubject is the fixed subject of every refresh token.
const RefreshSubject = "refresh"

const (
	DefaultAlgorithm = "HS256"
	DefaultLeeway    = 5 * time.Second
)

var (
	ErrSigning      = errors.New("token signing failed")
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrSignature    = errors.New("token signature mismatch")
)

// Claims is the payload shared by access and refresh tokens.
type Claims struct {
	jwt.RegisteredClaims
	IdentityID string `json:"id"`
	Kind       Kind   `json:"token_type"`
}

// Validate runs after the registered-claims checks.
func (c Claims) Validate() error {
	if c.Kind != KindAccess && c.Kind != KindRefresh {
		return fmt.Errorf("unknown token kind %q", c.Kind)
	}
	if strings.TrimSpace(c.IdentityID) == "" {
		return errors.New("identity id is required")
	}
	return nil
}

func (c Claims) IssuedAtTime() time.Time {
	if c.IssuedAt == nil {
		return time.Time{}
	}
	return c.IssuedAt.Time
}

func (c Claims) ExpiresAtTime() time.Time {
	if c.ExpiresAt == nil {
		return time.Time{}
	}
	return c.ExpiresAt.Time
}

type Config struct {
	Secret    []byte
	Algorithm string
	Leeway    time.Duration
}

type Codec struct {
	secret []byte
	method jwt.SigningMethod
	leeway time.Duration
	now    func() time.Time
}

func NewCodec(cfg Config) (*Codec, error) {
	alg := strings.ToUpper(strings.TrimSpace(cfg.Algorithm))
	if alg == "" {
		alg = DefaultAlgorithm
	}

	method, ok := jwt.GetSigningMethod(alg).(*jwt.SigningMethodHMAC)
	if !ok {
		return nil, fmt.Errorf("unsupported signing algorithm %q", cfg.Algorithm)
	}

	leeway := cfg.Leeway
	if leeway <= 0 {
		leeway = DefaultLeeway
	}

	return &Codec{
		secret: cfg.Secret,
		method: method,
		leeway: leeway,
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

// SetClock overrides the time source used for issuing and verifying.
func (c *Codec) SetClock(now func() time.Time) {
	if now != nil {
		c.now = now
	}
}

func (c *Codec) Algorithm() string {
	return c.method.Alg()
}

// Issue signs a new token of the given kind valid for ttl from now.
func (c *Codec) Issue(kind Kind, subject string, identityID string, ttl time.Duration) (string, error) {
	if len(c.secret) == 0 {
		return "", fmt.Errorf("%w: signing secret is not configured", ErrSigning)
	}

	now := c.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		IdentityID: identityID,
		Kind:       kind,
	}

	signed, err := jwt.NewWithClaims(c.method, claims).SignedString(c.secret)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrSigning, err)
	}

	return signed, nil
}

// Decode verifies signature, algorithm and expiry and returns the claims as issued.
func (c *Codec) Decode(tokenString string) (*Claims, error) {
	if strings.TrimSpace(tokenString) == "" {
		return nil, fmt.Errorf("%w: empty token", ErrInvalidToken)
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (any, error) {
		if len(c.secret) == 0 {
			return nil, ErrSigning
		}
		return c.secret, nil
	},
		jwt.WithValidMethods([]string{c.method.Alg()}),
		jwt.WithLeeway(c.leeway),
		jwt.WithTimeFunc(c.now),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
	)
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, fmt.Errorf("%w: %w", ErrExpiredToken, err)
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			return nil, fmt.Errorf("%w: %w", ErrSignature, err)
		default:
			return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
		}
	}

	if !parsed.Valid {
		return nil, ErrInvalidToken
	}

	return claims, nil
}
