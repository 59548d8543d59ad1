package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/jbweber/foreman/internal/logger"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a control-plane node",
	Long: `Run a control-plane node: the job workers, the power-state reconciler,
the stalled work item scanner and the HA scheduler.

Metrics are served on /metrics and health on /live and /ready at the
configured metrics listen address.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()
		log := logger.For(logger.ComponentServer)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := buildApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer a.Close()
		log.Infow("Starting foreman", append(a.logFields(), "version", version)...)

		if n, err := a.dispatcher.RecoverJobs(ctx); err != nil {
			log.Warnw("Initial job recovery failed", "error", err)
		} else if n > 0 {
			log.Infow("Recovered jobs", "count", n)
		}

		srv := &http.Server{
			Addr:              cfg.Metrics.Listen,
			Handler:           a.httpHandler(),
			ReadHeaderTimeout: 5 * time.Second,
		}

		g, ctx := errgroup.WithContext(ctx)
		g.Go(func() error { return a.dispatcher.Run(ctx) })
		g.Go(func() error { return a.scanner.Run(ctx) })
		g.Go(func() error { return a.reconciler.Run(ctx) })
		g.Go(func() error { return a.ha.Run(ctx) })
		if rb, ok := a.bus.(interface{ Run(context.Context) error }); ok {
			g.Go(func() error { return rb.Run(ctx) })
		}
		g.Go(func() error {
			log.Infow("Serving metrics and health", "listen", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})

		err = g.Wait()
		log.Infow("Foreman stopped", "error", err)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	},
}

// httpHandler serves /metrics, /live and /ready.
func (a *app) httpHandler() http.Handler {
	health := healthcheck.NewHandler()
	health.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(10000))
	if p, ok := a.store.(pinger); ok {
		health.AddReadinessCheck("store", healthcheck.Timeout(func() error {
			return p.Ping(context.Background())
		}, 2*time.Second))
	}
	if a.redis != nil {
		health.AddReadinessCheck("redis", healthcheck.Timeout(func() error {
			return a.redis.Ping(context.Background()).Err()
		}, 2*time.Second))
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/live", health.LiveEndpoint)
	mux.HandleFunc("/ready", health.ReadyEndpoint)
	return mux
}
