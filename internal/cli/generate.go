package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/SmitUplenchwar2687/throttleguard/internal/generate"
	"github.com/SmitUplenchwar2687/throttleguard/internal/recorder"
)

func newGenerateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate sample traffic files",
		Long: `Generates sample data for testing and experimentation.

Use "generate traffic" to create a traffic JSON file for replay.
Use "config init" to create an example config file.`,
	}
	cmd.AddCommand(newGenerateTrafficCmd())
	return cmd
}

func newGenerateTrafficCmd() *cobra.Command {
	var (
		output string
		opts   = generate.DefaultOptions()
	)

	cmd := &cobra.Command{
		Use:   "traffic",
		Short: "Generate a sample traffic JSON file",
		Long: `Creates a traffic file with configurable parameters.

Patterns:
  steady    Evenly distributed requests
  burst     Concentrated bursts with quiet periods
  ramp      Gradually increasing request rate`,
		Example: `  throttleguard generate traffic --output traffic.json --count 100 --keys 5
  throttleguard generate traffic --output burst.json --count 200 --pattern burst --duration 10m
  throttleguard generate traffic --by-ip --policies basic,strict --seed 42`,
		RunE: func(cmd *cobra.Command, args []string) error {
			records, err := generate.Traffic(opts)
			if err != nil {
				return err
			}

			f, err := os.Create(output)
			if err != nil {
				return fmt.Errorf("creating file: %w", err)
			}
			if err := recorder.WriteJSON(f, records); err != nil {
				_ = f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return fmt.Errorf("closing file: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Generated %d traffic records to %s\n", len(records), output)
			fmt.Fprintf(out, "  Keys:     %d\n", opts.Keys)
			fmt.Fprintf(out, "  Duration: %s\n", opts.Duration)
			fmt.Fprintf(out, "  Pattern:  %s\n", opts.Pattern)
			return nil
		},
	}

	cmd.Flags().StringVar(&output, "output", "traffic.json", "output file path")
	cmd.Flags().IntVar(&opts.Count, "count", opts.Count, "number of records to generate")
	cmd.Flags().IntVar(&opts.Keys, "keys", opts.Keys, "number of distinct keys")
	cmd.Flags().DurationVar(&opts.Duration, "duration", opts.Duration, "time span for generated traffic")
	cmd.Flags().StringVar(&opts.Pattern, "pattern", opts.Pattern, "traffic pattern (steady, burst, ramp)")
	cmd.Flags().Int64Var(&opts.Seed, "seed", 0, "random seed (0 picks one from the clock)")
	cmd.Flags().BoolVar(&opts.ByIP, "by-ip", false, "key records by client IP instead of user id")
	cmd.Flags().StringSliceVar(&opts.Policies, "policies", nil, "policies to spread records across (comma-separated)")

	return cmd
}
