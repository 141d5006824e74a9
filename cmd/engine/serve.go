package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	idb "uci_middleware/internal/infra/database"
	"uci_middleware/internal/infra/logger"
	"uci_middleware/internal/infra/metrics"
	"uci_middleware/internal/infra/scheduler"
	"uci_middleware/internal/infra/telegram"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	var migrate bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduled jobs and expose /metrics",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := opts.cfg
			log := logger.Component("main")
			log.WithField("environment", cfg.Environment).Info("Submission engine starting...")

			ctx := cmd.Context()
			rt, err := openRuntime(ctx, cfg, prometheus.DefaultRegisterer)
			if err != nil {
				return err
			}
			defer rt.Close()

			if migrate {
				if err := idb.Migrate(ctx, rt.db); err != nil {
					return err
				}
			}

			var digester scheduler.Digester
			if rt.notifications != nil {
				digester = rt.notifications
			}
			sched := scheduler.NewSubmissionScheduler(
				rt.poller,
				rt.relocator,
				digester,
				logger.Component("scheduler"),
				cfg.CronSpecPendingScan,
				cfg.CronSpecCleanupRetry,
				cfg.CronSpecDigest,
				cfg.CleanupBatchSize,
			)
			if err := sched.Start(); err != nil {
				return err
			}

			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.WithError(err).Error("Metrics server stopped")
				}
			}()
			if rt.bot != nil {
				telegram.RegisterBotCommands(rt.bot, cfg.OperatorChatID, rt.lifecycle, rt.notifications,
					cfg.PendingResponseHours, logger.Component("telegram"))
				// Start blocks until Stop is called.
				go rt.bot.Start()
			}
			log.WithField("addr", cfg.MetricsAddr).Info("Application setup complete")

			// Graceful shutdown
			quit := make(chan os.Signal, 1)
			signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
			<-quit

			log.Info("Shutting down application...")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
			if rt.bot != nil {
				rt.bot.Stop()
			}
			sched.Stop()
			log.Info("Application shut down gracefully")
			return nil
		},
	}

	cmd.Flags().BoolVar(&migrate, "migrate", false, "Apply pending migrations before starting")
	return cmd
}
