package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// dashboardClaims is the payload of a dashboard bearer token.
type dashboardClaims struct {
	GroupID string `json:"group_id"`
	Role    string `json:"role"`
	jwt.RegisteredClaims
}

// Validate runs after the signature and the time based claims pass.
func (c *dashboardClaims) Validate() error {
	role, err := ParseRole(c.Role)
	if err != nil {
		return err
	}
	if c.GroupID == "" && role != RoleAdmin {
		return errors.New("auth: group_id required for non-admin tokens")
	}
	return nil
}

// Verifier turns HS256 dashboard tokens into identities.
type Verifier struct {
	secret []byte
	parser *jwt.Parser
}

// VerifierOption configures token parsing.
type VerifierOption func(*[]jwt.ParserOption)

// WithVerifierClock overrides the clock used for exp and nbf.
func WithVerifierClock(now func() time.Time) VerifierOption {
	return func(opts *[]jwt.ParserOption) {
		if now != nil {
			*opts = append(*opts, jwt.WithTimeFunc(now))
		}
	}
}

// NewVerifier returns nil for an empty secret, which leaves dashboard auth off.
func NewVerifier(secret []byte, opts ...VerifierOption) *Verifier {
	if len(secret) == 0 {
		return nil
	}
	parserOpts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	for _, opt := range opts {
		opt(&parserOpts)
	}
	return &Verifier{secret: secret, parser: jwt.NewParser(parserOpts...)}
}

// Verify checks the token and returns the caller it names.
func (v *Verifier) Verify(raw string) (Identity, error) {
	if v == nil {
		return Identity{}, errors.New("auth: verifier not configured")
	}
	if raw == "" {
		return Identity{}, fmt.Errorf("%w: missing bearer token", ErrUnauthorized)
	}
	claims := &dashboardClaims{}
	if _, err := v.parser.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}); err != nil {
		return Identity{}, fmt.Errorf("%w: %w", ErrUnauthorized, err)
	}
	role, _ := ParseRole(claims.Role)
	return Identity{Subject: claims.Subject, GroupID: claims.GroupID, Role: role}, nil
}
