package main

import (
	"fmt"
	"net"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"mercator-hq/costgate/pkg/cli"
	"mercator-hq/costgate/pkg/config"
	"mercator-hq/costgate/pkg/limits/budget"
	"mercator-hq/costgate/pkg/server"
	"mercator-hq/costgate/pkg/telemetry/health"
)

type runOptions struct {
	listenAddress string
	logLevel      string
	dryRun        bool
	noWatch       bool
}

func newRunCmd(root *rootOptions) *cobra.Command {
	opts := &runOptions{}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the costgate ops server and background jobs",
		Long: `Start the ops server (health, readiness, metrics), the alert
dispatcher, the monthly reset scheduler and the config watcher.

Examples:
  # Start with built-in defaults
  costgate run

  # Start with a config file, reloading it on change
  costgate run --config /etc/costgate/config.yaml

  # Override listen address
  costgate run --listen 0.0.0.0:9090

  # Validate config without starting
  costgate run --dry-run`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd, root, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.listenAddress, "listen", "l", "", "override ops server listen address")
	cmd.Flags().StringVar(&opts.logLevel, "log-level", "", "override log level (debug, info, warn, error)")
	cmd.Flags().BoolVar(&opts.dryRun, "dry-run", false, "validate config without starting")
	cmd.Flags().BoolVar(&opts.noWatch, "no-watch", false, "do not reload the config file on change")
	return cmd
}

func runServer(cmd *cobra.Command, root *rootOptions, opts *runOptions) error {
	cfg, err := root.loadConfig()
	if err != nil {
		return err
	}

	if opts.listenAddress != "" {
		cfg.Server.ListenAddress = opts.listenAddress
	}
	if opts.logLevel != "" {
		cfg.Telemetry.Logging.Level = opts.logLevel
	}
	if err := config.Validate(cfg); err != nil {
		return cli.NewConfigError("", err.Error())
	}

	logger, err := root.newLogger(cmd, cfg, false)
	if err != nil {
		return err
	}
	defer logger.Close()
	logger.SetDefault()

	out := cmd.OutOrStdout()
	if opts.dryRun {
		fmt.Fprintln(out, "configuration valid")
		return nil
	}

	ctx, stop := cli.SetupSignalHandler(commandContext(cmd))
	defer stop()

	st, err := buildStack(ctx, cfg, logger.Logger, stackOptions{alerts: true, tracing: true})
	if err != nil {
		return cli.NewCommandError("run", err)
	}
	defer st.Close()

	checker := health.New(cfg.Telemetry.Health.CheckTimeout)
	checker.RegisterCheck("ledger", health.PingCheck(st.store))
	checker.RegisterOptionalCheck("counters", health.PingCheck(st.counters))
	checker.RegisterOptionalCheck("breakers", health.BreakerCheck(st.breakers))

	srv := server.NewServer(cfg.Server, cfg.Telemetry, checker,
		server.WithMetricsHandler(st.metrics.Handler()),
		server.WithBreakers(st.breakers),
		server.WithVersion(Version, GitCommit, BuildDate),
		server.WithLogger(logger.Logger),
	)

	ln, err := net.Listen("tcp", cfg.Server.ListenAddress)
	if err != nil {
		return cli.NewCommandError("run", fmt.Errorf("failed to listen on %s: %w", cfg.Server.ListenAddress, err))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Serve(gctx, ln)
	})

	if cfg.Budget.ResetEnabled {
		sched := budget.NewScheduler(st.ledger,
			budget.SchedulerConfig{Schedule: cfg.Budget.ResetSchedule},
			budget.WithRedisLock(st.rdb),
			budget.WithSchedulerLogger(logger.Logger),
		)
		if err := sched.Start(gctx); err != nil {
			stop()
			_ = g.Wait()
			return cli.NewCommandError("run", err)
		}
		defer sched.Stop()
		if next := sched.NextRun(); next != nil {
			logger.Info("monthly reset scheduled", "next_run", next.UTC())
		}
	}

	if root.cfgFile != "" && !opts.noWatch {
		watcher := config.NewWatcher(root.cfgFile, cfg, logger.Logger)
		watcher.Subscribe(st.apply)
		g.Go(func() error {
			return watcher.Watch(gctx)
		})
	}

	fmt.Fprintf(out, "Costgate %s\n", Version)
	fmt.Fprintf(out, "ops server listening on %s\n", ln.Addr())
	fmt.Fprintf(out, "storage backend: %s\n", cfg.Storage.Backend)

	if err := g.Wait(); err != nil {
		return cli.NewCommandError("run", err)
	}
	fmt.Fprintln(out, "costgate stopped")
	return nil
}
