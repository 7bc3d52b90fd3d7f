package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gorilla/mux"
	"github.com/spf13/cobra"

	"github.com/kimhsiao/posync/internal/errors"
	"github.com/kimhsiao/posync/internal/logging"
	syncpkg "github.com/kimhsiao/posync/internal/sync"
)

// AgentOptions holds flags for the agent command.
type AgentOptions struct {
	*RootOptions
	Listen      string
	SkipInstall bool
}

// NewAgentCommand creates the agent command.
func NewAgentCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &AgentOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Run the background delivery agent",
		Long: `Install and activate the current asset generation, then serve the
cached assets and drain the queue whenever a sync wake-up arrives.

A wake-up is either POST /agent/sync or SIGUSR1.

Example:
  posync agent --config ./posync.yaml
  kill -USR1 $(pidof posync)`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgent(cmd.Context(), opts)
		},
	}

	cmd.Flags().StringVar(&opts.Listen, "listen", "", "listen address (overrides config)")
	cmd.Flags().BoolVar(&opts.SkipInstall, "skip-install", false, "serve the existing generation without fetching assets")
	return cmd
}

func runAgent(ctx context.Context, opts *AgentOptions) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	if opts.Listen != "" {
		cfg.Listen = opts.Listen
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, false)
	if err != nil {
		return err
	}
	defer a.Close()

	if !opts.SkipInstall {
		if err := a.agent.Install(ctx); err != nil {
			return err
		}
	}
	removed, err := a.agent.Activate(ctx)
	if err != nil {
		return err
	}
	logging.Info("Asset generation active", map[string]interface{}{
		"generation": a.agent.Active(),
		"removed":    removed,
	})

	a.monitor.Start(ctx)

	wake := make(chan os.Signal, 1)
	signal.Notify(wake, syscall.SIGUSR1)
	defer signal.Stop(wake)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-wake:
				wakeSync(ctx, a)
			}
		}
	}()

	r := mux.NewRouter()
	r.HandleFunc("/agent/sync", a.agent.ServeSync).Methods(http.MethodPost)
	r.PathPrefix("/").Handler(a.agent)
	return serve(ctx, cfg.Listen, r)
}

// wakeSync runs one drain pass for a signal wake-up.
func wakeSync(ctx context.Context, a *app) {
	result, err := a.agent.HandleSync(ctx, syncpkg.DrainTag)
	if err != nil {
		logging.ErrorWithCode("Sync wake-up failed", string(errors.CodeOf(err)), err, nil)
		return
	}
	logging.Info("Sync wake-up completed", map[string]interface{}{
		"synced": result.Synced,
		"failed": result.Failed,
	})
}
