// Package cli implements the throttleguard command line.
package cli

import (
	"io"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/SmitUplenchwar2687/throttleguard/internal/config"
	"github.com/SmitUplenchwar2687/throttleguard/internal/obs"
)

type globalFlags struct {
	configPath string
	logLevel   string
	logFormat  string
}

// NewRootCmd creates the root throttleguard command.
func NewRootCmd() *cobra.Command {
	var gf globalFlags

	root := &cobra.Command{
		Use:   "throttleguard",
		Short: "Admission control with named rate-limit policies",
		Long: `throttleguard decides whether a unit of work identified by a key may run
under a named policy (token bucket or sliding window), and how long a
rejected caller should wait.

Run the demo server, try policies on a virtual clock, or replay recorded
traffic through them in milliseconds.`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&gf.configPath, "config", "", "path to a YAML or JSON config file")
	root.PersistentFlags().StringVar(&gf.logLevel, "log-level", "", "log level override (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&gf.logFormat, "log-format", "", "log format override (json, console)")

	root.AddCommand(
		newServerCmd(&gf),
		newTestCmd(&gf),
		newReplayCmd(&gf),
		newGenerateCmd(),
		newConfigCmd(&gf),
	)

	return root
}

// load returns the config file (or the defaults) with flag overrides
// applied and validated.
func (gf *globalFlags) load() (config.Config, error) {
	cfg := config.Default()
	if gf.configPath != "" {
		var err error
		if cfg, err = config.LoadFile(gf.configPath); err != nil {
			return cfg, err
		}
	}
	if gf.logLevel != "" {
		cfg.Log.Level = gf.logLevel
	}
	if gf.logFormat != "" {
		cfg.Log.Format = gf.logFormat
	}
	return cfg, cfg.Validate()
}

func newLogger(cfg config.Config, w io.Writer) zerolog.Logger {
	return obs.SetupLogger(cfg.Log.Level, cfg.Log.Format, w).With().Str("service", "throttleguard").Logger()
}
