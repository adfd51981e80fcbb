package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"mercator-hq/costgate/pkg/cli"
	"mercator-hq/costgate/pkg/config"
	"mercator-hq/costgate/pkg/telemetry/logging"
)

// rootOptions holds the persistent flags shared by every subcommand.
type rootOptions struct {
	cfgFile string
	verbose bool
	output  string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "costgate",
		Short: "Costgate - per-tenant budget, rate limit and abuse gate",
		Long: `Costgate decides whether a tenant may trigger a metered operation
(AI completion, voice call, SMS) and records what it cost.

It provides:
  - A transactional monthly budget and prepaid credit ledger
  - Sliding-window rate limits, cooldowns and a monthly quota
  - Abuse detection with graduated throttle, block and ban actions
  - Circuit breakers around external services
  - Threshold alerts and a scheduled start-of-month reset`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.cfgFile, "config", "c", "", "config file path (built-in defaults when empty)")
	cmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVarP(&opts.output, "output", "o", "text", "output format (text, json, csv)")

	cmd.AddCommand(
		newRunCmd(opts),
		newResetMonthCmd(opts),
		newTenantCmd(opts),
		newCostsCmd(opts),
		newIncidentsCmd(opts),
		newAdmitCmd(opts),
		newChargeCmd(opts),
		newVersionCmd(),
	)
	return cmd
}

// Execute runs the root command and returns the process exit code.
func Execute() int {
	cmd := newRootCmd()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return cli.ExitCode(err)
	}
	return cli.ExitOK
}

// loadConfig reads the config file with environment overrides applied.
func (o *rootOptions) loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfigWithEnvOverrides(o.cfgFile)
	if err != nil {
		return nil, cli.NewConfigError("", err.Error())
	}
	return cfg, nil
}

// newLogger builds the configured logger. Admin commands log to stderr at
// warn unless --verbose is set so stdout carries only command output.
func (o *rootOptions) newLogger(cmd *cobra.Command, cfg *config.Config, admin bool) (*logging.Logger, error) {
	lc := logging.FromConfig(cfg.Telemetry.Logging)
	switch {
	case o.verbose:
		lc.Level = "debug"
	case admin:
		lc.Level = "warn"
	}
	if admin {
		lc.File = config.LogFileConfig{}
		lc.Writer = cmd.ErrOrStderr()
	}

	logger, err := logging.New(lc)
	if err != nil {
		return nil, cli.NewConfigError("telemetry.logging", err.Error())
	}
	return logger, nil
}

// session is a loaded config, logger and stack for one admin command.
type session struct {
	cfg    *config.Config
	logger *logging.Logger
	*stack
}

func (s *session) Close() error {
	err := s.stack.Close()
	s.logger.Close()
	return err
}

// openSession prepares an admin command. The caller must Close it.
func (o *rootOptions) openSession(cmd *cobra.Command) (*session, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, err
	}
	logger, err := o.newLogger(cmd, cfg, true)
	if err != nil {
		return nil, err
	}
	if cfg.Storage.Backend == "memory" {
		logger.Warn("memory storage backend: changes are discarded when the command exits")
	}

	st, err := buildStack(commandContext(cmd), cfg, logger.Logger, stackOptions{})
	if err != nil {
		logger.Close()
		return nil, err
	}
	return &session{cfg: cfg, logger: logger, stack: st}, nil
}

// render writes data to stdout in the --output format.
func (o *rootOptions) render(cmd *cobra.Command, data any) error {
	format, err := cli.ParseFormat(o.output)
	if err != nil {
		return err
	}
	return cli.NewFormatter(format).FormatTo(cmd.OutOrStdout(), data)
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
