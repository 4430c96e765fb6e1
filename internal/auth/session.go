package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// SessionVerifier treats the bearer token as an opaque session ID and looks it
// up in Redis. The stored value is the session subject.
type SessionVerifier struct {
	client    redis.Cmdable
	keyPrefix string
	timeout   time.Duration
}

// NewSessionVerifier creates a SessionVerifier. A zero timeout disables the
// per-lookup deadline.
func NewSessionVerifier(client redis.Cmdable, keyPrefix string, timeout time.Duration) *SessionVerifier {
	return &SessionVerifier{client: client, keyPrefix: keyPrefix, timeout: timeout}
}

// Name implements Verifier.
func (v *SessionVerifier) Name() string { return "session" }

// Verify implements Verifier.
func (v *SessionVerifier) Verify(ctx context.Context, token string) (Identity, error) {
	if v.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, v.timeout)
		defer cancel()
	}

	subject, err := v.client.Get(ctx, v.keyPrefix+token).Result()
	if errors.Is(err, redis.Nil) {
		return Identity{}, fmt.Errorf("%w: unknown session", ErrInvalidToken)
	}
	if err != nil {
		return Identity{}, fmt.Errorf("%w: session lookup: %w", ErrVerifierUnavailable, err)
	}
	return Identity{Subject: subject}, nil
}
