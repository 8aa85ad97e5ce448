// Package guard dispatches units of work to named admission strategies.
//
// A Guard holds a registry of strategies keyed by policy name. Handle asks
// the selected strategy whether a key may proceed and either runs the work
// or turns the rejection into a *RateLimitError carrying the retry delay.
package guard

import (
	"context"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/zeebo/errs"

	"github.com/SmitUplenchwar2687/throttleguard/internal/clock"
	"github.com/SmitUplenchwar2687/throttleguard/internal/strategy"
)

const (
	// DefaultPolicy is used when a request does not name a policy.
	DefaultPolicy = "default"
	// DefaultMessage is the rejection message when none is configured.
	DefaultMessage = "Rate limit exceeded"
)

// Options configure a Guard. They are read once by New.
type Options struct {
	// Skip exempts requests from rate limiting. It is only consulted when
	// the request carries a context.
	Skip func(*RequestContext) bool
	// Messages maps policy names to rejection messages. The "default"
	// entry replaces DefaultMessage.
	Messages map[string]string
	// Observer is notified of every rejection.
	Observer Observer
	// Clock stamps rejections and drives the janitor. Defaults to the real
	// clock.
	Clock clock.Clock
}

// Guard selects a strategy per request and enforces its decision.
type Guard struct {
	skip           func(*RequestContext) bool
	messages       map[string]string
	defaultMessage string
	observer       Observer
	clock          clock.Clock

	mu         sync.RWMutex
	strategies map[string]strategy.Strategy
}

// New creates a Guard with no registered strategies.
func New(opts Options) *Guard {
	g := &Guard{
		skip:           opts.Skip,
		messages:       make(map[string]string, len(opts.Messages)),
		defaultMessage: DefaultMessage,
		observer:       opts.Observer,
		clock:          clock.OrReal(opts.Clock),
		strategies:     make(map[string]strategy.Strategy),
	}
	for name, msg := range opts.Messages {
		g.messages[name] = msg
	}
	if msg, ok := g.messages[DefaultPolicy]; ok {
		g.defaultMessage = msg
	}
	return g
}

// Register binds s to name, replacing any strategy registered before.
func (g *Guard) Register(name string, s strategy.Strategy) error {
	if name == "" {
		return ErrInvalidStrategy.New("empty name")
	}
	if isNil(s) {
		return ErrInvalidStrategy.New("nil strategy for %q", name)
	}
	g.mu.Lock()
	g.strategies[name] = s
	g.mu.Unlock()
	return nil
}

// isNil also catches typed nils such as (*strategy.TokenBucket)(nil).
func isNil(s strategy.Strategy) bool {
	if s == nil {
		return true
	}
	v := reflect.ValueOf(s)
	switch v.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan, reflect.Interface:
		return v.IsNil()
	}
	return false
}

// Strategy returns the strategy registered under name.
func (g *Guard) Strategy(name string) (strategy.Strategy, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	s, ok := g.strategies[name]
	return s, ok
}

// Policies returns the registered policy names, sorted.
func (g *Guard) Policies() []string {
	g.mu.RLock()
	names := make([]string, 0, len(g.strategies))
	for name := range g.strategies {
		names = append(names, name)
	}
	g.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Clock returns the clock the guard stamps rejections with.
func (g *Guard) Clock() clock.Clock { return g.clock }

// Request identifies one unit of work.
type Request struct {
	Key     string
	Policy  string // empty selects DefaultPolicy
	Context *RequestContext
	Bypass  bool
}

// Handle runs work if req is admitted.
//
// Bypassed and skipped requests run without touching any strategy. An
// unknown policy fails with ErrUnknownStrategy. A rejected request never
// runs work: the *RateLimitError is passed to the observer and then to
// onRejected, or returned when onRejected is nil. The error and result of
// work are returned unchanged.
func Handle[T any](ctx context.Context, g *Guard, req Request, work func(context.Context) (T, error), onRejected func(*RateLimitError) (T, error)) (T, error) {
	if req.Bypass || (req.Context != nil && g.skip != nil && g.skip(req.Context)) {
		return work(ctx)
	}

	policy := req.Policy
	if policy == "" {
		policy = DefaultPolicy
	}
	s, ok := g.Strategy(policy)
	if !ok {
		var zero T
		return zero, ErrUnknownStrategy.New("%q", policy)
	}

	if s.Allow(ctx, req.Key) {
		return work(ctx)
	}

	rlErr := g.reject(policy, s, req)
	if g.observer != nil {
		g.observer.Notify(rlErr, req.Context)
	}
	if onRejected != nil {
		return onRejected(rlErr)
	}
	var zero T
	return zero, rlErr
}

// Do is Handle for work without a result.
func (g *Guard) Do(ctx context.Context, req Request, work func(context.Context) error) error {
	_, err := Handle(ctx, g, req, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, work(ctx)
	}, nil)
	return err
}

func (g *Guard) reject(policy string, s strategy.Strategy, req Request) *RateLimitError {
	msg, ok := g.messages[policy]
	if !ok {
		msg = g.defaultMessage
	}
	return NewRateLimitError(msg, policy, req.Key, s.RetryAfter(req.Key), req.Context, g.clock.Now())
}

// Sweep reclaims idle state from every registered strategy that supports
// it and returns the number of keys removed per policy.
func (g *Guard) Sweep() map[string]int {
	g.mu.RLock()
	sweepers := make(map[string]strategy.Sweeper, len(g.strategies))
	for name, s := range g.strategies {
		if sw, ok := s.(strategy.Sweeper); ok {
			sweepers[name] = sw
		}
	}
	g.mu.RUnlock()

	removed := make(map[string]int, len(sweepers))
	for name, sw := range sweepers {
		removed[name] = sw.Sweep()
	}
	return removed
}

// Tracked returns the number of keys held per sweepable policy.
func (g *Guard) Tracked() map[string]int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make(map[string]int, len(g.strategies))
	for name, s := range g.strategies {
		if sw, ok := s.(strategy.Sweeper); ok {
			out[name] = sw.Len()
		}
	}
	return out
}

// RunJanitor sweeps every interval, measured on the guard clock, until ctx
// is done. report, if set, receives each sweep's result. It returns
// ctx.Err().
func (g *Guard) RunJanitor(ctx context.Context, interval time.Duration, report func(map[string]int)) error {
	if interval <= 0 {
		return errs.New("janitor interval must be positive, got %s", interval)
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-g.clock.After(interval):
			removed := g.Sweep()
			if report != nil {
				report(removed)
			}
		}
	}
}
