// Package strategy implements the admission algorithms consulted by the
// guard: a continuously refilling token bucket and a sliding window log.
//
// Every strategy keeps its own per-key state in memory, spread over
// mutex-guarded shards so that unrelated keys do not contend. A key's
// read-modify-write (refill then consume, prune then append) runs under its
// shard lock and is therefore atomic.
//
// Per-key state is created lazily and never removed by Allow. Callers bound
// memory with Sweep, either on demand or from a periodic janitor, and cap
// the number of tracked keys with WithMaxKeys.
package strategy

import (
	"context"
	"fmt"
	"time"

	"github.com/zeebo/errs"

	"github.com/SmitUplenchwar2687/throttleguard/internal/clock"
)

// ErrInvalidConfig is the error class for unusable strategy parameters.
var ErrInvalidConfig = errs.Class("invalid strategy config")

// Strategy decides admission for keys.
type Strategy interface {
	// Allow reports whether one more unit of work for key is admitted,
	// recording the admission when it is.
	Allow(ctx context.Context, key string) bool
	// RetryAfter returns how long key has to wait before it can be
	// admitted again. It is zero for unknown keys and for keys that would
	// be admitted right now. It does not modify state.
	RetryAfter(key string) time.Duration
	// Reset drops the state of the given keys, or of every key when none
	// are given.
	Reset(keys ...string)
}

// Sweeper is implemented by strategies whose per-key state can be
// reclaimed.
type Sweeper interface {
	// Sweep removes idle keys, then evicts the least recently seen keys
	// above the configured maximum. It returns the number of keys removed.
	Sweep() int
	// Len returns the number of tracked keys.
	Len() int
}

// Inspector exposes the remaining allowance of a key, for reporting only.
type Inspector interface {
	Remaining(key string) int
}

// Algorithm names an admission algorithm in configuration.
type Algorithm string

const (
	AlgorithmTokenBucket   Algorithm = "token_bucket"
	AlgorithmSlidingWindow Algorithm = "sliding_window"
)

// Config describes one strategy instance.
type Config struct {
	Algorithm Algorithm `json:"algorithm" yaml:"algorithm"`

	// Token bucket.
	Capacity   int     `json:"capacity,omitempty" yaml:"capacity,omitempty"`
	RefillRate float64 `json:"refill_rate,omitempty" yaml:"refill_rate,omitempty"` // tokens per second

	// Sliding window.
	Window      time.Duration `json:"window,omitempty" yaml:"window,omitempty"`
	MaxRequests int           `json:"max_requests,omitempty" yaml:"max_requests,omitempty"`
}

// Validate checks the parameters required by c.Algorithm.
func (c Config) Validate() error {
	switch c.Algorithm {
	case AlgorithmTokenBucket:
		if c.Capacity <= 0 {
			return ErrInvalidConfig.New("capacity must be positive, got %d", c.Capacity)
		}
		if c.RefillRate <= 0 {
			return ErrInvalidConfig.New("refill_rate must be positive, got %g", c.RefillRate)
		}
		if float64(time.Second)/c.RefillRate >= float64(maxRetryAfter) {
			return ErrInvalidConfig.New("refill_rate %g is too small, one token would take longer than %s", c.RefillRate, maxRetryAfter)
		}
	case AlgorithmSlidingWindow:
		if c.Window <= 0 {
			return ErrInvalidConfig.New("window must be positive, got %s", c.Window)
		}
		if c.MaxRequests <= 0 {
			return ErrInvalidConfig.New("max_requests must be positive, got %d", c.MaxRequests)
		}
	default:
		return ErrInvalidConfig.New("unknown algorithm %q, must be one of: token_bucket, sliding_window", c.Algorithm)
	}
	return nil
}

// String renders c for logs and CLI output.
func (c Config) String() string {
	switch c.Algorithm {
	case AlgorithmTokenBucket:
		return fmt.Sprintf("token_bucket(capacity=%d, refill_rate=%g/s)", c.Capacity, c.RefillRate)
	case AlgorithmSlidingWindow:
		return fmt.Sprintf("sliding_window(window=%s, max_requests=%d)", c.Window, c.MaxRequests)
	}
	return string(c.Algorithm)
}

// New builds the strategy described by c.
func New(c Config, clk clock.Clock, opts ...Option) (Strategy, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	switch c.Algorithm {
	case AlgorithmTokenBucket:
		return NewTokenBucket(c.Capacity, c.RefillRate, clk, opts...), nil
	default:
		return NewSlidingWindow(c.Window, c.MaxRequests, clk, opts...), nil
	}
}

// Option tunes a strategy's state storage.
type Option func(*options)

type options struct {
	shards  int
	maxKeys int
}

const defaultShards = 32

// WithShards sets the number of lock shards. It is rounded up to a power
// of two.
func WithShards(n int) Option {
	return func(o *options) { o.shards = n }
}

// WithMaxKeys bounds the number of keys kept after a Sweep. Zero means no
// bound.
func WithMaxKeys(n int) Option {
	return func(o *options) { o.maxKeys = n }
}

func buildOptions(opts []Option) options {
	o := options{shards: defaultShards}
	for _, opt := range opts {
		opt(&o)
	}
	if o.shards <= 0 {
		o.shards = defaultShards
	}
	if o.maxKeys < 0 {
		o.maxKeys = 0
	}
	return o
}
