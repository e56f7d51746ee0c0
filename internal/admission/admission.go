// Package admission tracks the session tokens a responder has taken
// ownership of, so a token is dialed at most once while it is admitted.
package admission

import (
	"context"
	"time"

	"github.com/matst80/fstunnel/internal/obs"
)

// Set is the admission set. Admit must be atomic: of two concurrent calls
// for one token at most one returns true.
type Set interface {
	Admit(ctx context.Context, token string) (bool, error)
	Release(ctx context.Context, token string) error
	Contains(ctx context.Context, token string) (bool, error)
	// Len counts tokens admitted by this process.
	Len() int
	Close() error
}

// Options selects and tunes the backend.
type Options struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	// TTL bounds how long a Redis admission survives without release.
	TTL time.Duration
}

// New creates either an in-memory or a Redis-backed set.
func New(opts Options) (Set, error) {
	if opts.RedisAddr == "" {
		obs.Info("admission.backend", obs.Fields{"type": "in-memory"})
		return NewMemory(), nil
	}
	obs.Info("admission.backend", obs.Fields{"type": "redis", "addr": opts.RedisAddr})
	return NewRedis(opts)
}
