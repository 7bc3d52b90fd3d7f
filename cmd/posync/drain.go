package main

import (
	"context"
	"encoding/json"
	"time"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/posync/internal/errors"
)

// NewDrainCommand creates the drain command.
func NewDrainCommand(rootOpts *RootOptions) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "drain",
		Short: "Run one drain pass and print the result",
		Long: `Probe the server once and, if it is reachable, deliver the queued
events in order. The pass result is printed as JSON.

Example:
  posync drain --config ./posync.yaml --timeout 2m`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := rootOpts.loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			a, err := newApp(ctx, cfg, true)
			if err != nil {
				return err
			}
			defer a.Close()

			a.monitor.Start(ctx)
			if !waitOnline(ctx, a, cfg.Connectivity.Debounce+cfg.Remote.Timeout) {
				return errors.New(errors.ErrSyncOffline, "server is not reachable")
			}

			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}
			result, err := a.engine.Sync(ctx)
			if result != nil {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if encErr := enc.Encode(result); encErr != nil {
					return encErr
				}
			}
			return err
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Minute, "maximum duration of the pass")
	return cmd
}

// waitOnline blocks until the monitor reports the server reachable or
// limit elapses.
func waitOnline(ctx context.Context, a *app, limit time.Duration) bool {
	if a.monitor.IsOnline() {
		return true
	}
	online := make(chan struct{}, 1)
	unsubscribe := a.monitor.Subscribe(func() {
		select {
		case online <- struct{}{}:
		default:
		}
	}, nil)
	defer unsubscribe()

	if a.monitor.IsOnline() {
		return true
	}
	timer := time.NewTimer(limit)
	defer timer.Stop()
	select {
	case <-online:
		return true
	case <-timer.C:
		return a.monitor.IsOnline()
	case <-ctx.Done():
		return false
	}
}
