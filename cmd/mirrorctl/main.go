package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dgnsrekt/mirrorsync/internal/config"
)

// cli holds what every subcommand shares once the root command has run its
// setup: the loaded configuration and a logger named after the subcommand.
type cli struct {
	configPath string
	verbose    bool

	cfg *config.Config
	log *zap.Logger
}

// prepare loads configuration and builds the subcommand's logger. help and
// completion run without a config file.
func (c *cli) prepare(cmd *cobra.Command, _ []string) error {
	switch cmd.Name() {
	case "help", "completion", cobra.ShellCompRequestCmd:
		log, err := newLogger(cmd.Name(), c.verbose, config.LoggingConfig{})
		c.log = log
		return err
	}

	cfg, err := config.Load(c.configPath)
	if err != nil {
		return err
	}
	c.cfg = cfg

	c.log, err = newLogger(cmd.Name(), c.verbose, cfg.Logging)
	return err
}

func (c *cli) flush(*cobra.Command, []string) {
	if c.log != nil {
		_ = c.log.Sync()
	}
}

func newRootCmd() *cobra.Command {
	c := &cli{}

	root := &cobra.Command{
		Use:               "mirrorctl",
		Short:             "Keep a local mirror in sync with a replication server",
		SilenceUsage:      true,
		PersistentPreRunE: c.prepare,
		PersistentPostRun: c.flush,
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&c.configPath, "config", "c", os.Getenv("MIRRORSYNC_CONFIG"), "config file (default search: ., ./configs; env MIRRORSYNC_CONFIG)")
	flags.BoolVarP(&c.verbose, "verbose", "v", false, "debug logging with a console encoder")

	root.AddCommand(c.watchCmd(), c.serveCmd())
	return root
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}
