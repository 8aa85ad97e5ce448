package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/SmitUplenchwar2687/throttleguard/internal/config"
)

func newConfigCmd(gf *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Create and check configuration files",
	}

	var output string
	var force bool
	initCmd := &cobra.Command{
		Use:     "init",
		Short:   "Write an example config file with the built-in presets",
		Example: `  throttleguard config init --output throttleguard.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !force {
				if _, err := os.Stat(output); err == nil {
					return config.Error.New("%s already exists, use --force to overwrite", output)
				}
			}
			if err := config.WriteExample(output); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Generated example config at %s\n", output)
			return nil
		},
	}
	initCmd.Flags().StringVar(&output, "output", "throttleguard.yaml", "output file path")
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")

	validateCmd := &cobra.Command{
		Use:     "validate",
		Short:   "Load the config and print the policies it defines",
		Example: `  throttleguard --config throttleguard.yaml config validate`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := gf.load()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			source := gf.configPath
			if source == "" {
				source = "built-in defaults"
			}
			fmt.Fprintf(out, "config OK (%s)\n", source)
			fmt.Fprintf(out, "  server:   %s (metrics at %s)\n", cfg.Server.Addr, cfg.Server.MetricsPath)
			fmt.Fprintf(out, "  cleanup:  every %s, max %d keys per policy\n", cfg.Guard.Cleanup.Interval, cfg.Guard.Cleanup.MaxKeys)
			fmt.Fprintln(out, "  policies:")
			for _, p := range cfg.Guard.Policies {
				fmt.Fprintf(out, "    %-10s %s\n", p.Name, p.Config)
			}
			return nil
		},
	}

	cmd.AddCommand(initCmd, validateCmd)
	return cmd
}
