package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"autopilot/internal/config"
	"autopilot/internal/observability"
)

// cli carries state shared by every subcommand.
type cli struct {
	configPath string
	cfg        config.Config
}

func newRootCommand() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:   "autopilot",
		Short: "Drain a task backlog through an external coding agent",
		Long: `autopilot claims pending tasks from a task store and runs a coding agent
on each, several at a time, retrying transient failures and backing off
when failures pile up.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return c.load(cmd)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&c.configPath, "config", "", "config file (default ./"+config.DefaultFileName+")")
	flags.String("store", config.DefaultStoreBackend, "task store backend: file or postgres")
	flags.String("store-path", config.DefaultStorePath, "task document for the file backend")
	flags.String("dsn", "", "Postgres connection string")
	flags.String("queue-dir", config.DefaultQueueDir, "offline write queue directory")
	flags.String("log-level", "info", "log level: debug, info, warn, error")
	flags.String("log-format", "text", "log format: text or json")

	root.AddCommand(
		newRunCommand(c),
		newQueueCommand(c),
		newTaskCommand(c),
		newConfigCommand(c),
	)
	return root
}

// load resolves configuration for cmd and installs the process logger.
func (c *cli) load(cmd *cobra.Command) error {
	cfg, err := config.Load(config.WithConfigPath(c.configPath), config.WithFlags(cmd.Flags()))
	if err != nil {
		return &ExitCodeError{Code: exitError, Err: fmt.Errorf("load config: %w", err)}
	}
	logCfg := cfg.Logging
	logCfg.Output = cmd.ErrOrStderr()
	if _, err := observability.InstallLogger(logCfg); err != nil {
		return err
	}
	c.cfg = cfg
	return nil
}
