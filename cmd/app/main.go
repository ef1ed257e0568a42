// File: cmd/app/main.go
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"grading-orchestrator/internal/config"
	"grading-orchestrator/internal/infra/api"
	pg "grading-orchestrator/internal/infra/db/postgres"
	"grading-orchestrator/internal/infra/logging"
	"grading-orchestrator/internal/infra/metrics"
	red "grading-orchestrator/internal/infra/redis"
	"grading-orchestrator/internal/infra/sched"
	"grading-orchestrator/internal/infra/telemetry"
	"grading-orchestrator/internal/infra/worker"
)

// Set with -ldflags "-X main.version=... -X main.commit=...".
var (
	version = "dev"
	commit  = "none"
)

var (
	cfgPath string
	devMode bool

	cfg    *config.Config
	logger *zerolog.Logger
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "grader",
		Short:         "Automated assignment grading orchestrator",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.LoadConfig(cfgPath, devMode)
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}
			cfg = c
			logger = logging.New(cfg.Log, cfg.Runtime.Dev)
			return nil
		},
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "config.yaml", "path to YAML config file")
	root.PersistentFlags().BoolVar(&devMode, "dev", false, "developer mode (console logs, unredacted fields)")

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the HTTP API and the worker pool in one process",
			RunE:  func(cmd *cobra.Command, args []string) error { return run(true, true) },
		},
		&cobra.Command{
			Use:   "api",
			Short: "Run only the HTTP API",
			RunE:  func(cmd *cobra.Command, args []string) error { return run(true, false) },
		},
		&cobra.Command{
			Use:   "worker",
			Short: "Run only the worker pool, lease reaper and queue monitor",
			RunE:  func(cmd *cobra.Command, args []string) error { return run(false, true) },
		},
		cacheCmd(),
		queueCmd(),
		&cobra.Command{
			Use:   "version",
			Short: "Print the build version",
			// No config needed.
			PersistentPreRun: func(*cobra.Command, []string) {},
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "%s (%s)\n", version, commit)
			},
		},
	)
	return root
}

// run starts the requested roles and blocks until SIGINT/SIGTERM.
func run(withAPI, withWorkers bool) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics.MustRegister()
	metrics.SetBuildInfo(version, commit)

	shutdownTracing, err := telemetry.InitTracing(cfg.Tracing, version)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(sctx)
	}()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	if cfg.Runtime.Dev {
		logger.Info().Msg("dev mode enabled")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		pg.ReportPoolStats(gctx, a.pool, 15*time.Second, logger)
		return nil
	})

	if withWorkers {
		pipeline, err := a.buildPipeline(ctx)
		if err != nil {
			return err
		}
		proc := worker.NewGradingProcessor(a.queue, pipeline, a.recorder, cfg.Queue.TaskTimeout, cfg.Queue.RetryLaterDelay, logger)
		pool := worker.NewPool(a.queue, proc, cfg.Worker, cfg.Queue.DequeueTimeout, logger)
		reaper := sched.NewLeaseReaper(cfg.Queue.ReapInterval, a.queue, a.recorder, logger)
		monitor := sched.NewQueueMonitor(cfg.Queue.ReapInterval, a.queue, logger)

		g.Go(func() error {
			pool.Start(gctx)
			<-gctx.Done()
			pool.Stop()
			return nil
		})
		g.Go(func() error { reaper.Run(gctx); return nil })
		g.Go(func() error { monitor.Run(gctx); return nil })
	}

	if withAPI {
		limiter := red.NewRateLimiter(a.redis, "intake", cfg.HTTP.IntakeLimit, cfg.HTTP.IntakeWindow)
		srv := api.NewServer(a.uc, a.bus, api.NewAuthManager(cfg.Admin.Secret, cfg.Admin.SessionTTL), api.Options{
			MaxSyncWait: cfg.HTTP.MaxSyncWait,
			Limiter:     limiter,
			Health: map[string]api.HealthCheck{
				"redis":    a.redis.Ping,
				"postgres": a.pool.Ping,
			},
		}, logger)
		g.Go(func() error { return srv.Serve(gctx, cfg.HTTP) })
	}

	logger.Info().Bool("api", withAPI).Bool("workers", withWorkers).Str("version", version).Msg("grading orchestrator started")
	err = g.Wait()
	logger.Info().Msg("grading orchestrator stopped")
	return err
}

func cacheCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "cache", Short: "Inspect or clear the result cache"}

	var pattern string
	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete cached results whose content hash matches --pattern",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBase(cmd.Context(), func(ctx context.Context, a *app) error {
				n, err := a.cache.Clear(ctx, pattern)
				if err != nil {
					return err
				}
				return printJSON(cmd, map[string]int{"removed": n})
			})
		},
	}
	clearCmd.Flags().StringVar(&pattern, "pattern", "*", "glob over content hashes")

	stats := &cobra.Command{
		Use:   "stats",
		Short: "Print hit/miss counters and entry count",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBase(cmd.Context(), func(ctx context.Context, a *app) error {
				st, err := a.cache.Stats(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd, st)
			})
		},
	}
	cmd.AddCommand(stats, clearCmd)
	return cmd
}

func queueCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "queue", Short: "Inspect the task queue"}
	cmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Print pending, delayed, in-flight and dead task counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBase(cmd.Context(), func(ctx context.Context, a *app) error {
				st, err := a.queue.Stats(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd, st)
			})
		},
	})
	return cmd
}

func withBase(parent context.Context, fn func(ctx context.Context, a *app) error) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithTimeout(parent, 30*time.Second)
	defer cancel()
	a, err := newBaseApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
