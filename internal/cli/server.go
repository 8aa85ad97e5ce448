package cli

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/zeebo/errs"
	"golang.org/x/sync/errgroup"

	"github.com/SmitUplenchwar2687/throttleguard/internal/clock"
	"github.com/SmitUplenchwar2687/throttleguard/internal/guard"
	"github.com/SmitUplenchwar2687/throttleguard/internal/obs"
	"github.com/SmitUplenchwar2687/throttleguard/internal/recorder"
	"github.com/SmitUplenchwar2687/throttleguard/internal/server"
)

func newServerCmd(gf *globalFlags) *cobra.Command {
	var (
		addr       string
		apiPolicy  string
		recordFile string
	)

	cmd := &cobra.Command{
		Use:   "server",
		Short: "Start the throttleguard demo HTTP server",
		Long: `Starts an HTTP server guarded by the configured policies.

Endpoints:
  GET /                          Server info and policies
  GET /health                    Health check (never limited by default)
  GET /api/check/{policy}/{key}  Consume one admission for key under policy
  GET /api/...                   Guarded echo, keyed by user or client IP
  GET /metrics                   Prometheus metrics
  WS  /ws                        Stream of decisions`,
		Example: `  throttleguard server
  throttleguard server --config throttleguard.yaml --addr :9090
  throttleguard server --api-policy strict --record traffic.json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := gf.load()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			log := newLogger(cfg, cmd.ErrOrStderr())

			reg := prometheus.NewRegistry()
			reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
			metrics := obs.NewMetrics(reg)
			hub := server.NewHub(log)
			logObs := obs.NewLogObserver(log, obs.LogObserverOptions{
				Level:    cfg.Log.ObserverLevel,
				Disabled: !cfg.Log.ObserverEnabled,
			})

			g, err := cfg.NewGuard(clock.NewRealClock(), guard.Observers(logObs, metrics, hub))
			if err != nil {
				return err
			}

			var rec *recorder.Recorder
			if recordFile != "" {
				rec = recorder.New(nil)
			}

			srv := server.New(server.Options{
				Addr:        cfg.Server.Addr,
				Guard:       g,
				Logger:      log,
				Metrics:     metrics,
				Gatherer:    reg,
				MetricsPath: cfg.Server.MetricsPath,
				Hub:         hub,
				Recorder:    rec,
				APIPolicy:   apiPolicy,
			})

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			group, ctx := errgroup.WithContext(ctx)

			group.Go(srv.Start)

			if interval := cfg.Guard.Cleanup.Interval; interval > 0 {
				group.Go(func() error {
					err := g.RunJanitor(ctx, interval, func(removed map[string]int) {
						metrics.RecordSweep(removed, g.Tracked())
						log.Debug().Interface("removed", removed).Msg("swept idle keys")
					})
					if errors.Is(err, context.Canceled) {
						return nil
					}
					return err
				})
			}

			group.Go(func() error {
				<-ctx.Done()
				log.Info().Msg("shutting down")

				var exportErr error
				if rec != nil {
					log.Info().Int("records", rec.Len()).Str("file", recordFile).Msg("exporting traffic")
					exportErr = rec.ExportFile(recordFile)
				}

				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return errs.Combine(exportErr, srv.Shutdown(shutdownCtx))
			})

			return group.Wait()
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "address to listen on (overrides server.addr)")
	cmd.Flags().StringVar(&apiPolicy, "api-policy", "", "policy guarding /api/ (default policy when empty)")
	cmd.Flags().StringVar(&recordFile, "record", "", "record traffic to a JSON file, exported on shutdown")

	return cmd
}
