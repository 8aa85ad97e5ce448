package strategy

import (
	"context"
	"sort"
	"time"

	"github.com/SmitUplenchwar2687/throttleguard/internal/clock"
)

// SlidingWindow caps the admissions of a key within a trailing window.
//
// It keeps the timestamp of every admission still inside the window. A
// request is admitted while fewer than maxRequests timestamps are newer
// than now-window. Unlike a fixed window there is no boundary at which the
// full allowance comes back at once: each slot reopens exactly window after
// the admission that used it.
type SlidingWindow struct {
	clock   clock.Clock
	window  time.Duration
	limit   int
	maxKeys int
	logs    *shardSet[windowLog]
}

type windowLog struct {
	stamps   []time.Time // ascending
	lastSeen time.Time
}

// NewSlidingWindow creates a sliding window strategy.
//   - window: length of the trailing window
//   - maxRequests: admissions allowed per key within any window
//   - c: clock to read time from
func NewSlidingWindow(window time.Duration, maxRequests int, c clock.Clock, opts ...Option) *SlidingWindow {
	o := buildOptions(opts)
	return &SlidingWindow{
		clock:   clock.OrReal(c),
		window:  window,
		limit:   maxRequests,
		maxKeys: o.maxKeys,
		logs:    newShardSet[windowLog](o.shards),
	}
}

// firstLive returns the index of the first timestamp after windowStart.
func firstLive(stamps []time.Time, windowStart time.Time) int {
	return sort.Search(len(stamps), func(i int) bool {
		return stamps[i].After(windowStart)
	})
}

// prune drops expired timestamps in place.
func (l *windowLog) prune(windowStart time.Time) {
	i := firstLive(l.stamps, windowStart)
	if i == 0 {
		return
	}
	n := copy(l.stamps, l.stamps[i:])
	l.stamps = l.stamps[:n]
}

func (sw *SlidingWindow) Allow(_ context.Context, key string) bool {
	now := sw.clock.Now()

	sh := sw.logs.lock(key)
	defer sh.mu.Unlock()

	l, ok := sh.items[key]
	if !ok {
		l = &windowLog{}
		sh.items[key] = l
	}
	l.prune(now.Add(-sw.window))
	l.lastSeen = now

	if len(l.stamps) >= sw.limit {
		return false
	}
	l.stamps = append(l.stamps, now)
	return true
}

// RetryAfter returns the time until the oldest admission of the currently
// full window expires, which is when the next slot opens.
func (sw *SlidingWindow) RetryAfter(key string) time.Duration {
	now := sw.clock.Now()

	sh := sw.logs.lock(key)
	defer sh.mu.Unlock()

	l, ok := sh.items[key]
	if !ok {
		return 0
	}
	live := l.stamps[firstLive(l.stamps, now.Add(-sw.window)):]
	if len(live) < sw.limit {
		return 0
	}
	wait := live[len(live)-sw.limit].Add(sw.window).Sub(now)
	if wait < 0 {
		return 0
	}
	return wait
}

// Remaining returns how many more admissions key has in the current window.
func (sw *SlidingWindow) Remaining(key string) int {
	now := sw.clock.Now()

	sh := sw.logs.lock(key)
	defer sh.mu.Unlock()

	l, ok := sh.items[key]
	if !ok {
		return sw.limit
	}
	live := len(l.stamps) - firstLive(l.stamps, now.Add(-sw.window))
	if live >= sw.limit {
		return 0
	}
	return sw.limit - live
}

func (sw *SlidingWindow) Reset(keys ...string) {
	sw.logs.reset(keys...)
}

// Cleanup prunes every key and removes those left without timestamps.
// It returns the number of keys removed.
func (sw *SlidingWindow) Cleanup() int {
	windowStart := sw.clock.Now().Add(-sw.window)
	return sw.logs.removeIf(func(l *windowLog) bool {
		l.prune(windowStart)
		return len(l.stamps) == 0
	})
}

// Sweep runs Cleanup and then applies the key bound.
func (sw *SlidingWindow) Sweep() int {
	removed := sw.Cleanup()
	return removed + sw.logs.evictOldest(sw.maxKeys, func(l *windowLog) time.Time {
		return l.lastSeen
	})
}

func (sw *SlidingWindow) Len() int {
	return sw.logs.len()
}

// Window returns the window length.
func (sw *SlidingWindow) Window() time.Duration { return sw.window }

// MaxRequests returns the admissions allowed per window.
func (sw *SlidingWindow) MaxRequests() int { return sw.limit }
