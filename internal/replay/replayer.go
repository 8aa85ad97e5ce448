// Package replay runs recorded traffic through a guard on virtual time, so
// hours of traffic can be evaluated in milliseconds with the exact
// decisions the guard would have made.
package replay

import (
	"context"
	"errors"
	"io"
	"slices"
	"sort"
	"time"

	"github.com/zeebo/errs"

	"github.com/SmitUplenchwar2687/throttleguard/internal/clock"
	"github.com/SmitUplenchwar2687/throttleguard/internal/guard"
	"github.com/SmitUplenchwar2687/throttleguard/internal/recorder"
)

// Error is the error class for replay setup failures.
var Error = errs.Class("replay")

// Replayer replays recorded traffic through a guard at a configurable speed.
type Replayer struct {
	records []recorder.TrafficRecord
	guard   *guard.Guard
	clock   *clock.VirtualClock
	filter  Filter
	speed   float64 // 1.0 = real-time, 10.0 = 10x, 0 = instant
}

// Summary aggregates replay statistics.
type Summary struct {
	TotalRecords int               `json:"total_records"`
	Filtered     int               `json:"filtered"`
	Replayed     int               `json:"replayed"`
	Allowed      int               `json:"allowed"`
	Denied       int               `json:"denied"`
	Errors       int               `json:"errors"`        // e.g. unknown policy
	Duration     time.Duration     `json:"duration"`      // virtual time span
	WallDuration time.Duration     `json:"wall_duration"` // actual wall clock time
	PerKey       map[string]Counts `json:"per_key"`
	PerPolicy    map[string]Counts `json:"per_policy"`
}

// Counts are the decisions for one key or policy.
type Counts struct {
	Allowed int `json:"allowed"`
	Denied  int `json:"denied"`
}

func (s *Summary) add(ev recorder.DecisionEvent) {
	s.Replayed++
	switch {
	case ev.Allowed:
		s.Allowed++
	case ev.Error != "":
		s.Errors++
		return
	default:
		s.Denied++
	}

	policy := ev.Record.Policy
	if policy == "" {
		policy = guard.DefaultPolicy
	}
	k, p := s.PerKey[ev.Record.Key], s.PerPolicy[policy]
	if ev.Allowed {
		k.Allowed++
		p.Allowed++
	} else {
		k.Denied++
		p.Denied++
	}
	s.PerKey[ev.Record.Key], s.PerPolicy[policy] = k, p
}

// New creates a new replayer. g must read time from vc.
func New(g *guard.Guard, vc *clock.VirtualClock, speed float64, filter Filter) *Replayer {
	if speed < 0 {
		speed = 0
	}
	return &Replayer{
		guard:  g,
		clock:  vc,
		speed:  speed,
		filter: filter,
	}
}

// Load reads traffic records from a JSON reader.
func (r *Replayer) Load(reader io.Reader) error {
	records, err := recorder.LoadJSON(reader)
	if err != nil {
		return Error.New("loading records: %v", err)
	}
	r.records = records
	return nil
}

// LoadRecords sets the records directly.
func (r *Replayer) LoadRecords(records []recorder.TrafficRecord) {
	r.records = slices.Clone(records)
}

// Run replays the loaded records in timestamp order. Before each record
// the virtual clock is moved to the record's time, so the guard sees the
// recorded gaps. cb, if set, receives every decision.
func (r *Replayer) Run(ctx context.Context, cb func(recorder.DecisionEvent)) (*Summary, error) {
	if len(r.records) == 0 {
		return nil, Error.New("no records loaded")
	}

	sorted := slices.Clone(r.records)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})

	var filtered []recorder.TrafficRecord
	for _, rec := range sorted {
		if r.filter.Match(rec) {
			filtered = append(filtered, rec)
		}
	}

	summary := &Summary{
		TotalRecords: len(sorted),
		Filtered:     len(filtered),
		PerKey:       make(map[string]Counts),
		PerPolicy:    make(map[string]Counts),
	}
	if len(filtered) == 0 {
		return summary, nil
	}

	if first := filtered[0].Timestamp; first.After(r.clock.Now()) {
		r.clock.Set(first)
	}

	wallStart := time.Now()
	for i, rec := range filtered {
		if err := ctx.Err(); err != nil {
			return summary, err
		}

		if i > 0 {
			if gap := rec.Timestamp.Sub(filtered[i-1].Timestamp); gap > 0 {
				if err := r.pace(ctx, gap); err != nil {
					return summary, err
				}
				r.clock.Advance(gap)
			}
		}

		err := r.guard.Do(ctx, rec.Request(), func(context.Context) error { return nil })
		if err != nil && !errors.Is(err, guard.ErrRateLimited) && !guard.ErrUnknownStrategy.Has(err) {
			return summary, err
		}
		ev := recorder.NewDecisionEvent(rec, err, r.clock.Now())
		summary.add(ev)
		if cb != nil {
			cb(ev)
		}
	}

	summary.Duration = filtered[len(filtered)-1].Timestamp.Sub(filtered[0].Timestamp)
	summary.WallDuration = time.Since(wallStart)
	return summary, nil
}

// pace sleeps for gap scaled by the replay speed.
func (r *Replayer) pace(ctx context.Context, gap time.Duration) error {
	if r.speed == 0 {
		return nil
	}
	scaled := time.Duration(float64(gap) / r.speed)
	if scaled <= time.Millisecond {
		return nil
	}
	t := time.NewTimer(scaled)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
