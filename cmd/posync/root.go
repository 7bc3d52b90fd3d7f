package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/posync/internal/config"
	"github.com/kimhsiao/posync/internal/logging"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	Verbose    bool
}

// NewRootCommand creates the root command for the posync CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "posync",
		Short: "posync - offline-first order buffer for the till",
		Long: `posync keeps every order, status change, receipt and bill request
durable on the till and replays them to the restaurant server once it
is reachable again.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "path to YAML config file")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewAgentCommand(opts))
	cmd.AddCommand(NewDrainCommand(opts))
	cmd.AddCommand(NewStatusCommand(opts))
	cmd.AddCommand(NewReclaimCommand(opts))

	return cmd
}

// loadConfig reads the configuration and initializes logging from it.
func (o *RootOptions) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(o.ConfigPath)
	if err != nil {
		return nil, err
	}
	level := logging.ParseLevel(cfg.LogLevel)
	if o.Verbose {
		level = logging.LevelDebug
	}
	logging.Init(os.Stderr, level)
	return cfg, nil
}
