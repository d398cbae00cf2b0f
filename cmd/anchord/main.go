// anchord is the command execution engine: an HTTP submission surface and a
// queue-draining worker over a shared Postgres store.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/baolood/project-anchor/internal/action"
	"github.com/baolood/project-anchor/internal/api"
	"github.com/baolood/project-anchor/internal/config"
	"github.com/baolood/project-anchor/internal/ops"
	"github.com/baolood/project-anchor/internal/policy"
	"github.com/baolood/project-anchor/internal/risk"
	"github.com/baolood/project-anchor/internal/runner"
	"github.com/baolood/project-anchor/internal/store"
	"github.com/baolood/project-anchor/internal/telemetry"
	"github.com/baolood/project-anchor/internal/worker"
)

var version = "0.3.0"

var (
	rootCtx    context.Context
	rootCancel context.CancelFunc
)

func main() {
	rootCtx, rootCancel = signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer rootCancel()

	rootCmd := &cobra.Command{
		Use:           "anchord",
		Short:         "Durable command execution engine",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.AddCommand(newServeCmd(), newWorkerCmd(), newCheckCmd(), newMigrateCmd())

	if err := rootCmd.ExecuteContext(rootCtx); err != nil {
		fmt.Fprintln(os.Stderr, "anchord:", err)
		os.Exit(1)
	}
}

// deps is the shared wiring for the long-running subcommands.
type deps struct {
	cfg      *config.Config
	logger   *slog.Logger
	st       store.Store
	pg       *store.PostgresStore
	rdb      *redis.Client
	kill     *ops.KillSwitch
	notifier *ops.Notifier
	lockout  *risk.Lockout
}

func buildDeps(ctx context.Context) (*deps, error) {
	cfg := config.Load()
	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	if err := cfg.CheckModeAgreement(); err != nil {
		return nil, err
	}

	pg, err := store.NewPostgres(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	var rdb *redis.Client
	if opt, err := redis.ParseURL(cfg.RedisURL); err != nil {
		logger.Warn("redis url invalid, kill switch degraded to env-only", "error", err)
	} else {
		rdb = redis.NewClient(opt)
	}

	notifier := ops.NewNotifier(cfg, logger)
	st := notifier.WrapStore(telemetry.WrapStore(pg))

	var rc ops.RedisClient
	if rdb != nil {
		rc = rdb
	}
	return &deps{
		cfg:      cfg,
		logger:   logger,
		st:       st,
		pg:       pg,
		rdb:      rdb,
		kill:     ops.NewKillSwitch(rc, logger),
		notifier: notifier,
		lockout:  risk.NewLockout(cfg, rc, nil, logger),
	}, nil
}

func (d *deps) close() {
	if d.rdb != nil {
		_ = d.rdb.Close()
	}
	d.pg.Close()
}

func (d *deps) buildWorker() (*worker.Worker, error) {
	chain := policy.NewChain(d.cfg, d.logger)
	hardLimits := risk.NewHardLimits(d.cfg, nil, d.logger)
	r := runner.New(d.st, action.Builtin(), chain, d.lockout, hardLimits, d.cfg.WorkerID, d.logger)

	if d.cfg.ExecutionMode == "BINANCE_TESTNET" {
		exec, err := action.NewBinanceExecutor()
		if err != nil {
			return nil, fmt.Errorf("binance executor: %w", err)
		}
		r.Executor = exec
	}
	return worker.New(d.cfg, d.st, r, d.kill, d.notifier, d.logger), nil
}

func newServeCmd() *cobra.Command {
	var withWorker bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API (optionally with an embedded worker)",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if err := telemetry.Init(ctx, "anchord", version); err != nil {
				slog.Warn("telemetry init failed", "error", err)
			}
			defer telemetry.Shutdown(context.Background())

			d, err := buildDeps(ctx)
			if err != nil {
				return err
			}
			defer d.close()

			srv := api.NewServer(d.cfg, d.st, d.kill, d.lockout, d.logger)

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return srv.Start(gctx) })
			if withWorker {
				w, err := d.buildWorker()
				if err != nil {
					return err
				}
				g.Go(func() error { return w.Run(gctx) })
			}
			err = g.Wait()
			if err == context.Canceled {
				return nil
			}
			return err
		},
	}
	cmd.Flags().BoolVar(&withWorker, "with-worker", false, "run a drain loop in-process alongside the API")
	return cmd
}

func newWorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run the queue drain loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if err := telemetry.Init(ctx, "anchord-worker", version); err != nil {
				slog.Warn("telemetry init failed", "error", err)
			}
			defer telemetry.Shutdown(context.Background())

			d, err := buildDeps(ctx)
			if err != nil {
				return err
			}
			defer d.close()

			w, err := d.buildWorker()
			if err != nil {
				return err
			}
			if err := w.Run(ctx); err != nil && err != context.Canceled {
				return err
			}
			return nil
		},
	}
}

func newCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Verify schema and configuration invariants",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			d, err := buildDeps(ctx)
			if err != nil {
				return err
			}
			defer d.close()

			if err := store.StrictCheck(ctx, d.pg.Pool()); err != nil {
				return err
			}
			fmt.Println("ok")
			return nil
		},
	}
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			d, err := buildDeps(ctx)
			if err != nil {
				return err
			}
			defer d.close()

			if err := store.Migrate(ctx, d.pg.Pool()); err != nil {
				return err
			}
			fmt.Println("migrated")
			return nil
		},
	}
}
