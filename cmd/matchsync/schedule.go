package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
)

func newScheduleCmd(opts *rootOptions) *cobra.Command {
	var metricsAddr string
	var runNow bool

	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Run the sync on a cron schedule",
		Long: `Keep running and sync on the configured cron schedule (default "0 6 * * *",
every day at 06:00 in the configured timezone).

A tick is skipped when the previous sync is still running. Failed syncs are
logged and retried on the next tick. Google accounts must have been authorized
beforehand with an interactive 'matchsync sync'.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			if metricsAddr != "" {
				cfg.MetricsAddr = metricsAddr
			}

			reg := prometheus.NewRegistry()
			reg.MustRegister(
				collectors.NewGoCollector(),
				collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			)

			reconciler, err := buildReconciler(ctx, cfg, opts, reg, false)
			if err != nil {
				return err
			}

			logger := cron.PrintfLogger(log.Default())
			if opts.verbose {
				logger = cron.VerbosePrintfLogger(log.Default())
			}
			scheduler := cron.New(
				cron.WithLocation(cfg.Location()),
				cron.WithLogger(logger),
				cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
			)

			id, err := scheduler.AddFunc(cfg.Schedule, func() {
				if _, err := reconciler.Run(ctx); err != nil {
					log.Printf("Scheduled sync failed: %v", err)
				}
			})
			if err != nil {
				return fmt.Errorf("invalid schedule %q: %w", cfg.Schedule, err)
			}

			if cfg.MetricsAddr != "" {
				server := newMetricsServer(cfg.MetricsAddr, reg)
				go func() {
					log.Printf("Serving metrics on %s/metrics", cfg.MetricsAddr)
					if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						log.Printf("Warning: metrics server stopped: %v", err)
					}
				}()
				defer func() {
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					_ = server.Shutdown(shutdownCtx)
				}()
			}

			scheduler.Start()
			entry := scheduler.Entry(id)
			log.Printf("Scheduled sync %q in %s, next run at %s", cfg.Schedule, cfg.Location(), entry.Next.Format(time.RFC1123))

			if runNow {
				// Through the job chain, so a tick cannot overlap it.
				go entry.WrappedJob.Run()
			}

			<-ctx.Done()
			log.Println("Shutting down, waiting for a running sync to finish...")
			<-scheduler.Stop().Done()
			return nil
		},
	}

	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Address to serve Prometheus metrics on, e.g. :9090 (overrides config file)")
	cmd.Flags().BoolVar(&runNow, "run-now", false, "Also sync once immediately on start")

	return cmd
}

func newMetricsServer(addr string, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}
