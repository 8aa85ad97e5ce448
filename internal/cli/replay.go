package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/SmitUplenchwar2687/throttleguard/internal/clock"
	"github.com/SmitUplenchwar2687/throttleguard/internal/recorder"
	"github.com/SmitUplenchwar2687/throttleguard/internal/replay"
)

func newReplayCmd(gf *globalFlags) *cobra.Command {
	var (
		sf         strategyFlags
		file       string
		speed      float64
		keys       []string
		policies   []string
		endpoints  []string
		outputJSON bool
	)

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Replay recorded traffic through the configured policies",
		Long: `Replays previously recorded traffic through the configured policies.

Records are replayed in timestamp order. The virtual clock starts at the
first record and advances by the gaps between records, so every policy
decides exactly as it would have live, at any speed you choose.

Speed: 0 = instant, 1 = real-time, 10 = 10x, 100 = 100x`,
		Example: `  throttleguard replay --file traffic.json
  throttleguard replay --file traffic.json --speed 100 --policies strict
  throttleguard replay --file traffic.json --keys user:user-1 --endpoints /api
  throttleguard replay --file traffic.json --algorithm sliding_window --window 10s --max-requests 3 --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := gf.load()
			if err != nil {
				return err
			}
			if err := sf.apply(&cfg); err != nil {
				return err
			}

			records, err := recorder.LoadFile(file)
			if err != nil {
				return err
			}

			vc := clock.NewVirtualClock(time.Now().Truncate(time.Second))
			g, err := cfg.NewGuard(vc, nil)
			if err != nil {
				return err
			}

			filter := replay.Filter{
				Keys:      keys,
				Policies:  policies,
				Endpoints: endpoints,
			}
			r := replay.New(g, vc, speed, filter)
			r.LoadRecords(records)

			out := cmd.OutOrStdout()
			if !outputJSON {
				fmt.Fprintf(out, "Replaying %d records from %s at %gx speed...\n\n", len(records), file, speed)
			}

			var events []recorder.DecisionEvent
			summary, err := r.Run(cmd.Context(), func(ev recorder.DecisionEvent) {
				if outputJSON {
					events = append(events, ev)
					return
				}
				printDecisionEvent(out, ev)
			})
			if err != nil {
				return err
			}

			if outputJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(struct {
					Events  []recorder.DecisionEvent `json:"events"`
					Summary *replay.Summary          `json:"summary"`
				}{events, summary})
			}
			printReplaySummary(out, summary)
			return nil
		},
	}

	sf.bind(cmd.Flags())
	cmd.Flags().StringVar(&file, "file", "", "path to recorded traffic JSON file (required)")
	cmd.Flags().Float64Var(&speed, "speed", 0, "replay speed (0=instant, 1=real-time, 10=10x)")
	cmd.Flags().StringSliceVar(&keys, "keys", nil, "filter by keys (comma-separated)")
	cmd.Flags().StringSliceVar(&policies, "policies", nil, "filter by policies (comma-separated)")
	cmd.Flags().StringSliceVar(&endpoints, "endpoints", nil, "filter by endpoint substrings (comma-separated)")
	cmd.Flags().BoolVar(&outputJSON, "json", false, "output results as JSON")
	_ = cmd.MarkFlagRequired("file")

	return cmd
}

func printDecisionEvent(w io.Writer, ev recorder.DecisionEvent) {
	policy := ev.Record.Policy
	if policy == "" {
		policy = "default"
	}
	switch {
	case ev.Allowed:
		fmt.Fprintf(w, "  [ALLOW] %s policy=%s key=%s\n",
			ev.Record.Timestamp.Format("15:04:05"), policy, ev.Record.Key)
	case ev.Error != "":
		fmt.Fprintf(w, "  [ERROR] %s policy=%s key=%s err=%s\n",
			ev.Record.Timestamp.Format("15:04:05"), policy, ev.Record.Key, ev.Error)
	default:
		fmt.Fprintf(w, "  [DENY ] %s policy=%s key=%s retry_after=%s\n",
			ev.Record.Timestamp.Format("15:04:05"), policy, ev.Record.Key,
			time.Duration(ev.RetryAfterMs)*time.Millisecond)
	}
}

func printReplaySummary(w io.Writer, s *replay.Summary) {
	fmt.Fprintln(w)
	fmt.Fprintln(w, "--- Replay Summary ---")
	fmt.Fprintf(w, "  Total records:  %d\n", s.TotalRecords)
	fmt.Fprintf(w, "  Filtered:       %d\n", s.Filtered)
	fmt.Fprintf(w, "  Replayed:       %d\n", s.Replayed)
	fmt.Fprintf(w, "  Allowed:        %d\n", s.Allowed)
	fmt.Fprintf(w, "  Denied:         %d\n", s.Denied)
	if s.Errors > 0 {
		fmt.Fprintf(w, "  Errors:         %d\n", s.Errors)
	}
	fmt.Fprintf(w, "  Virtual time:   %s\n", s.Duration)
	fmt.Fprintf(w, "  Wall time:      %s\n", s.WallDuration.Round(time.Millisecond))

	printCounts(w, "Per policy", s.PerPolicy)
	if len(s.PerKey) > 1 {
		printCounts(w, "Per key", s.PerKey)
	}

	if s.Denied > 0 && s.Allowed > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, strings.Repeat("=", 50))
		denyRate := float64(s.Denied) / float64(s.Replayed) * 100
		fmt.Fprintf(w, "Deny rate: %.1f%% (%d/%d requests denied)\n", denyRate, s.Denied, s.Replayed)
		fmt.Fprintln(w, strings.Repeat("=", 50))
	}
}

func printCounts(w io.Writer, title string, counts map[string]replay.Counts) {
	if len(counts) == 0 {
		return
	}
	names := make([]string, 0, len(counts))
	for name := range counts {
		names = append(names, name)
	}
	sort.Strings(names)

	fmt.Fprintln(w)
	fmt.Fprintf(w, "  %s:\n", title)
	for _, name := range names {
		c := counts[name]
		fmt.Fprintf(w, "    %s: %d allowed, %d denied\n", name, c.Allowed, c.Denied)
	}
}
