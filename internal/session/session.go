// Package session issues and verifies bearer access tokens (HS256 JWTs)
// for provisioned accounts.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/maauso/streetstage-api/internal/apperr"
)

// Auth error codes.
const (
	CodeMissingToken = "MISSING_TOKEN"
	CodeInvalidToken = "INVALID_TOKEN"
	CodeExpiredToken = "EXPIRED_TOKEN"
)

// ErrKeyTooShort is returned when the signing key is under 32 bytes.
var ErrKeyTooShort = errors.New("session: signing key must be at least 32 bytes")

// Session is what a client receives after provisioning.
type Session struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	ExpiresIn   int64     `json:"expires_in"`
	ExpiresAt   time.Time `json:"expires_at"`
	UserID      string    `json:"user_id"`
}

// Claims are the validated contents of an access token.
type Claims struct {
	Subject   string
	Email     string
	IssuedAt  time.Time
	ExpiresAt time.Time
	ID        string
}

type tokenClaims struct {
	jwt.RegisteredClaims
	Email string `json:"email,omitempty"`
}

// Issuer mints access tokens.
type Issuer struct {
	key    []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// Verifier validates access tokens minted by an Issuer with the same key.
type Verifier struct {
	key    []byte
	issuer string
	now    func() time.Time
}

// Option configures an Issuer or Verifier.
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// NewIssuer creates an Issuer signing with key.
func NewIssuer(key []byte, issuer string, ttl time.Duration, opts ...Option) (*Issuer, error) {
	if len(key) < 32 {
		return nil, ErrKeyTooShort
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("session: ttl must be positive, got %s", ttl)
	}
	o := buildOptions(opts)
	return &Issuer{key: key, issuer: issuer, ttl: ttl, now: o.now}, nil
}

// NewVerifier creates a Verifier for tokens signed with key by issuer.
func NewVerifier(key []byte, issuer string, opts ...Option) (*Verifier, error) {
	if len(key) < 32 {
		return nil, ErrKeyTooShort
	}
	o := buildOptions(opts)
	return &Verifier{key: key, issuer: issuer, now: o.now}, nil
}

// Issue returns a fresh session for accountID.
func (i *Issuer) Issue(_ context.Context, accountID, email string) (Session, error) {
	if accountID == "" {
		return Session{}, errors.New("session: account id is required")
	}
	now := i.now().UTC().Truncate(time.Second)
	exp := now.Add(i.ttl)

	claims := tokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.issuer,
			Subject:   accountID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.NewString(),
		},
		Email: email,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.key)
	if err != nil {
		return Session{}, fmt.Errorf("session: sign token: %w", err)
	}

	return Session{
		AccessToken: signed,
		TokenType:   "bearer",
		ExpiresIn:   int64(i.ttl / time.Second),
		ExpiresAt:   exp,
		UserID:      accountID,
	}, nil
}

// Verify parses and validates token. Every failure is an apperr auth error.
func (v *Verifier) Verify(token string) (Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Claims{}, apperr.New(apperr.KindAuth, CodeMissingToken, "access token is required")
	}

	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(v.now),
		jwt.WithExpirationRequired(),
	}
	if v.issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(v.issuer))
	}

	var parsed tokenClaims
	_, err := jwt.ParseWithClaims(token, &parsed, func(*jwt.Token) (any, error) {
		return v.key, nil
	}, parserOpts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Claims{}, apperr.Wrap(apperr.KindAuth, CodeExpiredToken, "access token is expired", err)
		}
		return Claims{}, apperr.Wrap(apperr.KindAuth, CodeInvalidToken, "access token is invalid", err)
	}
	if parsed.Subject == "" {
		return Claims{}, apperr.New(apperr.KindAuth, CodeInvalidToken, "access token has no subject")
	}

	claims := Claims{
		Subject: parsed.Subject,
		Email:   parsed.Email,
		ID:      parsed.ID,
	}
	if parsed.IssuedAt != nil {
		claims.IssuedAt = parsed.IssuedAt.Time.UTC()
	}
	if parsed.ExpiresAt != nil {
		claims.ExpiresAt = parsed.ExpiresAt.Time.UTC()
	}
	return claims, nil
}
