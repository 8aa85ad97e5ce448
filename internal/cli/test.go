package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/SmitUplenchwar2687/throttleguard/internal/clock"
	"github.com/SmitUplenchwar2687/throttleguard/internal/guard"
	"github.com/SmitUplenchwar2687/throttleguard/internal/strategy"
)

func newTestCmd(gf *globalFlags) *cobra.Command {
	var (
		sf          strategyFlags
		requests    int
		keys        []string
		fastForward time.Duration
		outputJSON  bool
	)

	cmd := &cobra.Command{
		Use:   "test",
		Short: "Exercise a policy on a virtual clock",
		Long: `Sends batches of requests through one policy on a virtual clock, so
refills and window expiry can be observed without waiting.

The test sends a batch of requests, optionally fast-forwards time, sweeps
idle state, then sends another batch to show how the policy recovers.`,
		Example: `  throttleguard test --requests 20 --policy strict
  throttleguard test --algorithm sliding_window --window 30s --max-requests 5 --fast-forward 1m
  throttleguard test --keys user:1,user:2 --requests 15 --capacity 10 --refill-rate 0.5 --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := gf.load()
			if err != nil {
				return err
			}
			if err := sf.apply(&cfg); err != nil {
				return err
			}
			if len(keys) == 0 {
				keys = []string{"test-user"}
			}

			vc := clock.NewVirtualClock(time.Now().Truncate(time.Second))
			g, err := cfg.NewGuard(vc, nil)
			if err != nil {
				return err
			}
			if _, ok := g.Strategy(sf.policy); !ok {
				return guard.ErrUnknownStrategy.New("%q", sf.policy)
			}

			result := runTest(vc, g, sf.policy, keys, requests, fastForward)
			if p, ok := cfg.Policy(sf.policy); ok {
				result.Strategy = p.Config.String()
			}

			out := cmd.OutOrStdout()
			if outputJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(result)
			}
			printTestResult(out, &result)
			return nil
		},
	}

	sf.bind(cmd.Flags())
	cmd.Flags().IntVar(&requests, "requests", 15, "number of requests per key per batch")
	cmd.Flags().StringSliceVar(&keys, "keys", nil, "comma-separated rate limit keys to test")
	cmd.Flags().DurationVar(&fastForward, "fast-forward", 0, "time to fast-forward between batches")
	cmd.Flags().BoolVar(&outputJSON, "json", false, "output results as JSON")

	return cmd
}

// TestResult captures the full output of a test run.
type TestResult struct {
	Policy      string             `json:"policy"`
	Strategy    string             `json:"strategy,omitempty"`
	FastForward string             `json:"fast_forward,omitempty"`
	Swept       int                `json:"swept,omitempty"`
	Batches     []BatchResult      `json:"batches"`
	Summary     map[string]Summary `json:"summary"`
}

// BatchResult captures results for one batch of requests.
type BatchResult struct {
	Label     string           `json:"label"`
	Time      string           `json:"time"`
	Decisions []DecisionRecord `json:"decisions"`
}

// DecisionRecord is a single admission check.
type DecisionRecord struct {
	Key          string `json:"key"`
	Allowed      bool   `json:"allowed"`
	Remaining    int    `json:"remaining"`
	RetryAfterMs int64  `json:"retry_after_ms,omitempty"`
}

// Summary aggregates stats per key.
type Summary struct {
	TotalRequests int `json:"total_requests"`
	Allowed       int `json:"allowed"`
	Denied        int `json:"denied"`
}

func runTest(vc *clock.VirtualClock, g *guard.Guard, policy string, keys []string, requests int, fastForward time.Duration) TestResult {
	result := TestResult{
		Policy:  policy,
		Summary: make(map[string]Summary),
	}

	result.Batches = append(result.Batches, runBatch(vc, g, policy, "Initial requests", keys, requests, result.Summary))

	if fastForward > 0 {
		vc.Advance(fastForward)
		result.FastForward = fastForward.String()
		result.Swept = g.Sweep()[policy]

		label := fmt.Sprintf("After fast-forward %s", fastForward)
		result.Batches = append(result.Batches, runBatch(vc, g, policy, label, keys, requests, result.Summary))
	}
	return result
}

func runBatch(vc *clock.VirtualClock, g *guard.Guard, policy, label string, keys []string, requests int, summary map[string]Summary) BatchResult {
	ctx := context.Background()
	s, _ := g.Strategy(policy)
	inspector, _ := s.(strategy.Inspector)

	batch := BatchResult{Label: label, Time: vc.Now().Format(time.RFC3339)}
	for i := 0; i < requests; i++ {
		for _, key := range keys {
			err := g.Do(ctx, guard.Request{Key: key, Policy: policy}, func(context.Context) error { return nil })

			dr := DecisionRecord{Key: key, Allowed: err == nil}
			var rlErr *guard.RateLimitError
			if errors.As(err, &rlErr) {
				dr.RetryAfterMs = rlErr.RetryAfter().Milliseconds()
			}
			if inspector != nil {
				dr.Remaining = inspector.Remaining(key)
			}
			batch.Decisions = append(batch.Decisions, dr)

			sum := summary[key]
			sum.TotalRequests++
			if dr.Allowed {
				sum.Allowed++
			} else {
				sum.Denied++
			}
			summary[key] = sum
		}
	}
	return batch
}

func printTestResult(w io.Writer, r *TestResult) {
	fmt.Fprintln(w, "=== throttleguard policy test ===")
	fmt.Fprintf(w, "policy %s: %s\n\n", r.Policy, r.Strategy)

	for _, batch := range r.Batches {
		fmt.Fprintf(w, "--- %s (at %s) ---\n", batch.Label, batch.Time)
		for i, dr := range batch.Decisions {
			status := "ALLOW"
			if !dr.Allowed {
				status = "DENY "
			}
			fmt.Fprintf(w, "  #%03d [%s] key=%s remaining=%d", i+1, status, dr.Key, dr.Remaining)
			if !dr.Allowed {
				fmt.Fprintf(w, " retry_after=%s", time.Duration(dr.RetryAfterMs)*time.Millisecond)
			}
			fmt.Fprintln(w)
		}
		fmt.Fprintln(w)
	}

	fmt.Fprintln(w, "--- Summary ---")
	keys := make([]string, 0, len(r.Summary))
	for key := range r.Summary {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		s := r.Summary[key]
		fmt.Fprintf(w, "  %s: %d total, %d allowed, %d denied\n", key, s.TotalRequests, s.Allowed, s.Denied)
	}

	if r.FastForward != "" {
		fmt.Fprintf(w, "\nfast-forwarded %s, swept %d idle keys\n", r.FastForward, r.Swept)
	}

	if len(r.Batches) > 1 && hasDenial(r.Batches[0]) && hasAdmission(r.Batches[1]) {
		fmt.Fprintln(w)
		fmt.Fprintln(w, strings.Repeat("=", 50))
		fmt.Fprintln(w, "Requests were denied, then admitted again after")
		fmt.Fprintln(w, "fast-forwarding the clock.")
		fmt.Fprintln(w, strings.Repeat("=", 50))
	}
}

func hasDenial(b BatchResult) bool {
	for _, dr := range b.Decisions {
		if !dr.Allowed {
			return true
		}
	}
	return false
}

func hasAdmission(b BatchResult) bool {
	for _, dr := range b.Decisions {
		if dr.Allowed {
			return true
		}
	}
	return false
}
