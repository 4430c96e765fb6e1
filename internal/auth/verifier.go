// Package auth decides whether inbound requests carry valid credentials.
//
// The Authenticator owns credential parsing, fail-closed decisions and audit
// emission. Token verification itself is delegated to a Verifier, so the
// shared-secret check can be swapped for JWT or session verification without
// touching callers.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
)

var (
	// ErrUnauthorized is the gateway-level error for a denied request.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrInvalidToken is returned by verifiers for tokens they reject.
	ErrInvalidToken = errors.New("invalid token")

	// ErrVerifierUnavailable is returned when verification could not be completed.
	ErrVerifierUnavailable = errors.New("verifier unavailable")
)

// Identity is what a verifier learned about the token holder.
type Identity struct {
	Subject string
}

// Verifier checks an opaque bearer token.
// Implementations must be safe for concurrent use.
type Verifier interface {
	Name() string
	Verify(ctx context.Context, token string) (Identity, error)
}

// StaticVerifier accepts exactly one shared secret.
type StaticVerifier struct {
	secret []byte
}

// NewStaticVerifier creates a StaticVerifier. An empty secret is rejected
// because it would make every empty token valid.
func NewStaticVerifier(secret string) (*StaticVerifier, error) {
	if secret == "" {
		return nil, errors.New("static verifier: shared secret is required")
	}
	return &StaticVerifier{secret: []byte(secret)}, nil
}

// Name implements Verifier.
func (v *StaticVerifier) Name() string { return "static" }

// Verify implements Verifier.
func (v *StaticVerifier) Verify(_ context.Context, token string) (Identity, error) {
	if subtle.ConstantTimeCompare([]byte(token), v.secret) != 1 {
		return Identity{}, ErrInvalidToken
	}
	return Identity{Subject: "shared-secret"}, nil
}
