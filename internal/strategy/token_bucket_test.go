package strategy

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/SmitUplenchwar2687/throttleguard/internal/clock"
)

var (
	epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	ctx   = context.Background()
)

func TestTokenBucket_CapacityBound(t *testing.T) {
	vc := clock.NewVirtualClock(epoch)
	tb := NewTokenBucket(5, 1, vc)

	for i := 0; i < 5; i++ {
		if !tb.Allow(ctx, "user1") {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}
	if tb.Allow(ctx, "user1") {
		t.Error("6th request should be denied")
	}
}

func TestTokenBucket_RefillExactlyOneToken(t *testing.T) {
	vc := clock.NewVirtualClock(epoch)
	tb := NewTokenBucket(2, 1, vc)

	if !tb.Allow(ctx, "k") || !tb.Allow(ctx, "k") {
		t.Fatal("first two requests should be allowed")
	}
	if tb.Allow(ctx, "k") {
		t.Fatal("third request should be denied")
	}

	vc.Advance(1000 * time.Millisecond)
	if !tb.Allow(ctx, "k") {
		t.Error("one token should have refilled after 1s")
	}
	if tb.Allow(ctx, "k") {
		t.Error("only one token should have refilled after 1s")
	}
}

func TestTokenBucket_RefillCappedAtCapacity(t *testing.T) {
	vc := clock.NewVirtualClock(epoch)
	tb := NewTokenBucket(2, 1, vc)

	tb.Allow(ctx, "k")
	tb.Allow(ctx, "k")
	vc.Advance(10 * time.Second)

	count := 0
	for tb.Allow(ctx, "k") {
		count++
		if count > 10 {
			t.Fatal("tokens not capped")
		}
	}
	if count != 2 {
		t.Errorf("allowed %d requests after long idle, want 2", count)
	}
}

func TestTokenBucket_FractionalRefill(t *testing.T) {
	vc := clock.NewVirtualClock(epoch)
	tb := NewTokenBucket(1, 2, vc) // one token every 500ms

	tb.Allow(ctx, "k")
	vc.Advance(250 * time.Millisecond)
	if tb.Allow(ctx, "k") {
		t.Fatal("half a token should not admit")
	}
	// The rejected call keeps the refilled half token.
	vc.Advance(250 * time.Millisecond)
	if !tb.Allow(ctx, "k") {
		t.Error("two half tokens should admit")
	}
}

func TestTokenBucket_RetryAfter(t *testing.T) {
	vc := clock.NewVirtualClock(epoch)
	tb := NewTokenBucket(1, 3, vc)

	if got := tb.RetryAfter("unknown"); got != 0 {
		t.Errorf("RetryAfter(unknown) = %v, want 0", got)
	}

	tb.Allow(ctx, "k")
	if tb.Allow(ctx, "k") {
		t.Fatal("should be denied")
	}
	// ceil(1/3 * 1000) ms
	if got, want := tb.RetryAfter("k"), 334*time.Millisecond; got != want {
		t.Errorf("RetryAfter = %v, want %v", got, want)
	}

	vc.Advance(100 * time.Millisecond)
	// ceil((1 - 0.3) / 3 * 1000) = ceil(233.33)
	if got, want := tb.RetryAfter("k"), 234*time.Millisecond; got != want {
		t.Errorf("RetryAfter after 100ms = %v, want %v", got, want)
	}

	vc.Advance(time.Second)
	if got := tb.RetryAfter("k"); got != 0 {
		t.Errorf("RetryAfter once refilled = %v, want 0", got)
	}
}

func TestTokenBucket_RetryAfterTracksDecisions(t *testing.T) {
	vc := clock.NewVirtualClock(epoch)
	tb := NewTokenBucket(3, 1, vc)

	for i := 0; i < 2; i++ {
		if !tb.Allow(ctx, "k") {
			t.Fatalf("request %d should be allowed", i+1)
		}
		if got := tb.RetryAfter("k"); got != 0 {
			t.Errorf("RetryAfter with tokens left = %v, want 0", got)
		}
	}
	tb.Allow(ctx, "k")
	if tb.Allow(ctx, "k") {
		t.Fatal("should be denied")
	}
	if got := tb.RetryAfter("k"); got <= 0 {
		t.Errorf("RetryAfter after denial = %v, want > 0", got)
	}
}

func TestTokenBucket_RetryAfterSlowRefillStaysPositive(t *testing.T) {
	vc := clock.NewVirtualClock(epoch)

	for _, rate := range []float64{1e-10, 1e-12} {
		tb := NewTokenBucket(1, rate, vc)
		tb.Allow(ctx, "k")
		if tb.Allow(ctx, "k") {
			t.Fatalf("rate %g: second request should be denied", rate)
		}
		if got := tb.RetryAfter("k"); got != maxRetryAfter {
			t.Errorf("rate %g: RetryAfter = %v, want %v", rate, got, maxRetryAfter)
		}
	}

	// Slow, but still representable: one token per 1024s.
	tb := NewTokenBucket(1, 1.0/1024, vc)
	tb.Allow(ctx, "k")
	tb.Allow(ctx, "k")
	if got, want := tb.RetryAfter("k"), 1024*time.Second; got != want {
		t.Errorf("RetryAfter = %v, want %v", got, want)
	}
}

func TestTokenBucket_SeparateKeys(t *testing.T) {
	vc := clock.NewVirtualClock(epoch)
	tb := NewTokenBucket(1, 1, vc)

	tb.Allow(ctx, "user1")
	if tb.Allow(ctx, "user1") {
		t.Error("user1 should be denied")
	}
	if !tb.Allow(ctx, "user2") {
		t.Error("user2 should be allowed (separate bucket)")
	}
	if got := tb.RetryAfter("user2"); got == 0 {
		t.Error("user2 is empty now and should have a retry-after")
	}
}

func TestTokenBucket_Remaining(t *testing.T) {
	vc := clock.NewVirtualClock(epoch)
	tb := NewTokenBucket(10, 1, vc)

	if got := tb.Remaining("k"); got != 10 {
		t.Errorf("Remaining(unknown) = %d, want 10", got)
	}
	tb.Allow(ctx, "k")
	tb.Allow(ctx, "k")
	if got := tb.Remaining("k"); got != 8 {
		t.Errorf("Remaining = %d, want 8", got)
	}
}

func TestTokenBucket_Reset(t *testing.T) {
	vc := clock.NewVirtualClock(epoch)
	tb := NewTokenBucket(1, 1, vc)

	tb.Allow(ctx, "a")
	tb.Allow(ctx, "b")
	tb.Reset("a")
	if !tb.Allow(ctx, "a") {
		t.Error("a should have a fresh bucket after Reset(a)")
	}
	if tb.Allow(ctx, "b") {
		t.Error("b should be unaffected by Reset(a)")
	}

	tb.Reset()
	if got := tb.Len(); got != 0 {
		t.Errorf("Len after Reset() = %d, want 0", got)
	}
}

func TestTokenBucket_SweepDropsFullBuckets(t *testing.T) {
	vc := clock.NewVirtualClock(epoch)
	tb := NewTokenBucket(2, 1, vc)

	tb.Allow(ctx, "idle")
	vc.Advance(500 * time.Millisecond)
	tb.Allow(ctx, "busy")
	tb.Allow(ctx, "busy")

	vc.Advance(600 * time.Millisecond)
	// idle has refilled to capacity, busy holds ~0.6 tokens.
	if removed := tb.Sweep(); removed != 1 {
		t.Errorf("Sweep removed %d keys, want 1", removed)
	}
	if got := tb.Len(); got != 1 {
		t.Errorf("Len = %d, want 1", got)
	}
	if tb.Allow(ctx, "busy") {
		t.Error("sweep must not refund busy")
	}
}

func TestTokenBucket_SweepEnforcesMaxKeys(t *testing.T) {
	vc := clock.NewVirtualClock(epoch)
	tb := NewTokenBucket(5, 0.001, vc, WithMaxKeys(3), WithShards(4))

	for i := 0; i < 6; i++ {
		tb.Allow(ctx, fmt.Sprintf("k%d", i))
		vc.Advance(time.Millisecond)
	}
	if removed := tb.Sweep(); removed != 3 {
		t.Errorf("Sweep removed %d keys, want 3", removed)
	}
	// The three least recently seen keys are gone and start full again.
	for i := 0; i < 3; i++ {
		if got := tb.Remaining(fmt.Sprintf("k%d", i)); got != 5 {
			t.Errorf("k%d Remaining = %d, want 5 (evicted)", i, got)
		}
	}
	for i := 3; i < 6; i++ {
		if got := tb.Remaining(fmt.Sprintf("k%d", i)); got != 4 {
			t.Errorf("k%d Remaining = %d, want 4 (kept)", i, got)
		}
	}
}

func TestTokenBucket_ConcurrentSameKey(t *testing.T) {
	vc := clock.NewVirtualClock(epoch)
	tb := NewTokenBucket(100, 1, vc)

	var allowed atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 500; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if tb.Allow(ctx, "shared") {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := allowed.Load(); got != 100 {
		t.Errorf("allowed %d concurrent requests, want exactly 100", got)
	}
}

func TestTokenBucket_ImplementsStrategy(t *testing.T) {
	vc := clock.NewVirtualClock(epoch)
	var _ Strategy = NewTokenBucket(10, 1, vc)
	var _ Sweeper = NewTokenBucket(10, 1, vc)
	var _ Inspector = NewTokenBucket(10, 1, vc)
}
