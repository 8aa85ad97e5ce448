package strategy

import (
	"context"
	"math"
	"time"

	"github.com/SmitUplenchwar2687/throttleguard/internal/clock"
)

// TokenBucket admits work while a key has at least one token left.
//
// Each key owns a bucket of up to capacity tokens that refills
// continuously at refillRate tokens per second. Refill is computed from the
// time elapsed since the previous refill, so no timer is needed and
// irregular call cadence is handled exactly. An admission costs one token.
// A key seen for the first time starts with a full bucket.
type TokenBucket struct {
	clock    clock.Clock
	capacity float64
	rate     float64 // tokens per second
	maxKeys  int
	buckets  *shardSet[bucket]
}

type bucket struct {
	tokens     float64
	lastRefill time.Time
}

// NewTokenBucket creates a token bucket strategy.
//   - capacity: maximum tokens per key, which is also the burst size
//   - refillRate: tokens added per second
//   - c: clock to read time from
//
// Both numbers must be positive; Config.Validate checks them for
// configuration-driven construction.
func NewTokenBucket(capacity int, refillRate float64, c clock.Clock, opts ...Option) *TokenBucket {
	o := buildOptions(opts)
	return &TokenBucket{
		clock:    clock.OrReal(c),
		capacity: float64(capacity),
		rate:     refillRate,
		maxKeys:  o.maxKeys,
		buckets:  newShardSet[bucket](o.shards),
	}
}

// tokensAt returns the bucket level at now without modifying b.
func (b *bucket) tokensAt(now time.Time, capacity, rate float64) float64 {
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed <= 0 {
		return b.tokens
	}
	return math.Min(capacity, b.tokens+elapsed*rate)
}

func (tb *TokenBucket) Allow(_ context.Context, key string) bool {
	now := tb.clock.Now()

	sh := tb.buckets.lock(key)
	defer sh.mu.Unlock()

	b, ok := sh.items[key]
	if !ok {
		b = &bucket{tokens: tb.capacity, lastRefill: now}
		sh.items[key] = b
	}

	b.tokens = b.tokensAt(now, tb.capacity, tb.rate)
	b.lastRefill = now

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// RetryAfter returns the time until key's deficit below one token is
// refilled, rounded up to the millisecond.
func (tb *TokenBucket) RetryAfter(key string) time.Duration {
	now := tb.clock.Now()

	sh := tb.buckets.lock(key)
	defer sh.mu.Unlock()

	b, ok := sh.items[key]
	if !ok {
		return 0
	}
	tokens := b.tokensAt(now, tb.capacity, tb.rate)
	if tokens >= 1 {
		return 0
	}
	ms := math.Ceil((1 - tokens) / tb.rate * 1000)
	if ms >= float64(maxRetryAfter/time.Millisecond) {
		return maxRetryAfter
	}
	return time.Duration(ms) * time.Millisecond
}

// maxRetryAfter is the longest wait RetryAfter reports, the largest whole
// number of milliseconds a time.Duration holds.
const maxRetryAfter = time.Duration(math.MaxInt64) / time.Millisecond * time.Millisecond

// Remaining returns the whole tokens key could spend right now.
func (tb *TokenBucket) Remaining(key string) int {
	now := tb.clock.Now()

	sh := tb.buckets.lock(key)
	defer sh.mu.Unlock()

	b, ok := sh.items[key]
	if !ok {
		return int(tb.capacity)
	}
	return int(b.tokensAt(now, tb.capacity, tb.rate))
}

func (tb *TokenBucket) Reset(keys ...string) {
	tb.buckets.reset(keys...)
}

// Sweep drops buckets that have refilled to capacity, since such a key is
// indistinguishable from one never seen, then applies the key bound.
func (tb *TokenBucket) Sweep() int {
	now := tb.clock.Now()
	removed := tb.buckets.removeIf(func(b *bucket) bool {
		return b.tokensAt(now, tb.capacity, tb.rate) >= tb.capacity
	})
	return removed + tb.buckets.evictOldest(tb.maxKeys, func(b *bucket) time.Time {
		return b.lastRefill
	})
}

func (tb *TokenBucket) Len() int {
	return tb.buckets.len()
}

// Capacity returns the bucket size.
func (tb *TokenBucket) Capacity() int { return int(tb.capacity) }

// RefillRate returns the refill rate in tokens per second.
func (tb *TokenBucket) RefillRate() float64 { return tb.rate }
