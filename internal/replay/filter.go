package replay

import (
	"slices"
	"strings"
	"time"

	"github.com/SmitUplenchwar2687/throttleguard/internal/guard"
	"github.com/SmitUplenchwar2687/throttleguard/internal/recorder"
)

// Filter selects the records a replay sends through the guard. Empty
// fields select everything.
type Filter struct {
	Keys     []string
	Policies []string // records without a policy count as guard.DefaultPolicy
	// Endpoints match by substring, so "/api" selects "GET /api/data".
	Endpoints []string
	After     time.Time // exclusive
	Before    time.Time // exclusive
}

// Match reports whether rec passes every criterion of f.
func (f *Filter) Match(rec recorder.TrafficRecord) bool {
	switch {
	case len(f.Keys) > 0 && !slices.Contains(f.Keys, rec.Key):
		return false
	case len(f.Policies) > 0 && !slices.Contains(f.Policies, policyOf(rec)):
		return false
	case len(f.Endpoints) > 0 && !slices.ContainsFunc(f.Endpoints, func(p string) bool {
		return strings.Contains(rec.Endpoint, p)
	}):
		return false
	case !f.After.IsZero() && !rec.Timestamp.After(f.After):
		return false
	case !f.Before.IsZero() && !rec.Timestamp.Before(f.Before):
		return false
	}
	return true
}

func policyOf(rec recorder.TrafficRecord) string {
	if rec.Policy == "" {
		return guard.DefaultPolicy
	}
	return rec.Policy
}
