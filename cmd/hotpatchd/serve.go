package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/withObsrvr/obsrvr-hotpatch/internal/distribution"
	"github.com/withObsrvr/obsrvr-hotpatch/internal/manager"
	"github.com/withObsrvr/obsrvr-hotpatch/internal/metrics"
)

func newServeCommand() *cobra.Command {
	var addr, metricsAddr string
	var prebuild bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Watch the configured targets and serve builds",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(true)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Address = addr
			}
			log := slog.With("component", "main")
			log.Info("starting hotpatchd", "version", manager.Version, "git_sha", manager.GitSHA, "targets", len(cfg.Targets))

			if cfg.Metrics.Enabled {
				metrics.Init(cfg.Metrics.Namespace)
				if metricsAddr != "" {
					go func() {
						if err := metrics.StartServer(metricsAddr); err != nil {
							log.Error("metrics server exited", "address", metricsAddr, "error", err)
						}
					}()
				}
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			m, err := manager.New(cfg, manager.Options{})
			if err != nil {
				return err
			}
			defer func() {
				if err := m.Close(); err != nil {
					log.Warn("shutdown", "error", err)
				}
				log.Info("hotpatchd stopped cleanly")
			}()

			if prebuild {
				startAll(m, log)
			}

			srv := distribution.NewServer(m, cfg.Server.KeepAlive)
			if err := srv.ListenAndServe(ctx, cfg.Server.Address); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			log.Info("shutdown complete")
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides HOTPATCH_ADDR)")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "also serve /metrics on a separate listener")
	cmd.Flags().BoolVar(&prebuild, "prebuild", false, "start every target before the first subscriber connects")
	return cmd
}

// startAll starts every configured target so the first build is ready
// before a runtime asks for it.
func startAll(m *manager.Manager, log *slog.Logger) {
	for _, t := range m.Targets() {
		_, sub, err := m.WatchTarget(t)
		if err != nil {
			log.Error("failed to start target", "target", t, "error", err)
			continue
		}
		sub.Close()
		log.Info("target prebuilding", "target", t)
	}
}

var _ distribution.Backend = (*manager.Manager)(nil)
