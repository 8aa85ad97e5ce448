// Package generate produces synthetic traffic for replay and load tests.
package generate

import (
	"fmt"
	"math/rand"
	"sort"
	"time"

	"github.com/zeebo/errs"

	"github.com/SmitUplenchwar2687/throttleguard/internal/keys"
	"github.com/SmitUplenchwar2687/throttleguard/internal/recorder"
)

// Error is the error class for invalid generator options.
var Error = errs.Class("generate")

const (
	// PatternSteady spaces requests evenly.
	PatternSteady = "steady"
	// PatternBurst clusters requests into four one-second bursts.
	PatternBurst = "burst"
	// PatternRamp makes traffic denser towards the end.
	PatternRamp = "ramp"
)

// DefaultEndpoints is the endpoint pool used when Options.Endpoints is
// empty.
var DefaultEndpoints = []string{
	"GET /api/users",
	"GET /api/data",
	"POST /api/events",
	"GET /api/search",
	"PUT /api/settings",
}

// Options controls how synthetic traffic is generated.
type Options struct {
	Count    int
	Keys     int
	Duration time.Duration
	Pattern  string
	Start    time.Time
	Seed     int64
	// ByIP derives keys from client addresses instead of user ids.
	ByIP      bool
	Endpoints []string
	// Policies are assigned to records at random. Empty leaves every
	// record on the default policy.
	Policies []string
}

// DefaultOptions returns the CLI defaults.
func DefaultOptions() Options {
	return Options{
		Count:    100,
		Keys:     3,
		Duration: 5 * time.Minute,
		Pattern:  PatternSteady,
	}
}

// Traffic creates synthetic traffic records sorted by timestamp.
func Traffic(opts Options) ([]recorder.TrafficRecord, error) {
	if opts.Count <= 0 {
		return nil, Error.New("count must be positive, got %d", opts.Count)
	}
	if opts.Keys <= 0 {
		return nil, Error.New("keys must be positive, got %d", opts.Keys)
	}
	if opts.Duration <= 0 {
		return nil, Error.New("duration must be positive, got %s", opts.Duration)
	}
	if opts.Pattern == "" {
		opts.Pattern = PatternSteady
	}
	if opts.Start.IsZero() {
		opts.Start = time.Now().Truncate(time.Second)
	}
	if len(opts.Endpoints) == 0 {
		opts.Endpoints = DefaultEndpoints
	}
	if opts.Seed == 0 {
		opts.Seed = time.Now().UnixNano()
	}

	g := &generator{
		rng:  rand.New(rand.NewSource(opts.Seed)),
		opts: opts,
		keys: makeKeys(opts.Keys, opts.ByIP),
	}

	var offsets []time.Duration
	switch opts.Pattern {
	case PatternSteady:
		offsets = g.steady()
	case PatternBurst:
		offsets = g.burst()
	case PatternRamp:
		offsets = g.ramp()
	default:
		return nil, Error.New("unknown pattern %q, must be one of: steady, burst, ramp", opts.Pattern)
	}

	sort.Slice(offsets, func(i, j int) bool { return offsets[i] < offsets[j] })
	records := make([]recorder.TrafficRecord, len(offsets))
	for i, off := range offsets {
		records[i] = g.record(off)
	}
	return records, nil
}

type generator struct {
	rng  *rand.Rand
	opts Options
	keys []string
}

func makeKeys(n int, byIP bool) []string {
	out := make([]string, n)
	for i := range out {
		if byIP {
			out[i] = keys.FromIP(fmt.Sprintf("10.0.%d.%d", i/250, i%250+1))
		} else {
			out[i] = keys.FromUser(fmt.Sprintf("user-%d", i+1))
		}
	}
	return out
}

func (g *generator) record(offset time.Duration) recorder.TrafficRecord {
	rec := recorder.TrafficRecord{
		Timestamp: g.opts.Start.Add(offset),
		Key:       g.keys[g.rng.Intn(len(g.keys))],
		Endpoint:  g.opts.Endpoints[g.rng.Intn(len(g.opts.Endpoints))],
	}
	if len(g.opts.Policies) > 0 {
		rec.Policy = g.opts.Policies[g.rng.Intn(len(g.opts.Policies))]
	}
	return rec
}

func (g *generator) steady() []time.Duration {
	interval := g.opts.Duration / time.Duration(g.opts.Count)
	out := make([]time.Duration, g.opts.Count)
	for i := range out {
		out[i] = time.Duration(i) * interval
	}
	return out
}

func (g *generator) burst() []time.Duration {
	const bursts = 4
	size := g.opts.Count / bursts
	gap := g.opts.Duration / bursts

	out := make([]time.Duration, 0, g.opts.Count)
	for b := 0; b < bursts; b++ {
		for i := 0; i < size; i++ {
			jitter := time.Duration(g.rng.Intn(1000)) * time.Millisecond
			out = append(out, time.Duration(b)*gap+jitter)
		}
	}
	for len(out) < g.opts.Count {
		out = append(out, time.Duration(g.rng.Int63n(int64(g.opts.Duration))))
	}
	return out
}

func (g *generator) ramp() []time.Duration {
	out := make([]time.Duration, g.opts.Count)
	for i := range out {
		frac := float64(i) / float64(g.opts.Count)
		out[i] = time.Duration(frac * frac * float64(g.opts.Duration))
	}
	return out
}
