package main

import (
	"context"
	stderrors "errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"github.com/spf13/cobra"

	"github.com/kimhsiao/posync/cmd/posync/handlers"
	"github.com/kimhsiao/posync/internal/logging"
)

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the till server",
		Long: `Run the local REST/WebSocket server the till UI talks to.

Business events are written to the Local Store and queued. When a server
URL is configured, the queue is drained on reconnect and on a timer.

Example:
  posync serve --config ./posync.yaml
  POSYNC_REMOTE_URL=https://pos.example.com posync serve`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := rootOpts.loadConfig()
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Listen = listen
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg, false)
			if err != nil {
				return err
			}
			defer a.Close()

			hub := NewWSHub()
			defer hub.Close()
			unsubscribe := a.wireHub(hub)
			defer unsubscribe()

			a.start(ctx)
			return serve(ctx, cfg.Listen, a.router(hub))
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "listen address (overrides config)")
	return cmd
}

// router mounts the API, WebSocket, sync wake-up and cached assets.
func (a *app) router(hub *WSHub) http.Handler {
	r := mux.NewRouter()

	var syncer handlers.Syncer
	if a.scheduler != nil {
		syncer = a.scheduler
	}
	handlers.NewAPIHandler(a.service, syncer).RegisterRoutes(r)

	r.HandleFunc("/ws", HandleWebSocket(hub))
	r.HandleFunc("/agent/sync", a.agent.ServeSync).Methods(http.MethodPost)
	r.PathPrefix("/").Handler(a.agent)

	return cors.Default().Handler(r)
}

// serve runs an HTTP server until ctx is cancelled, then shuts it down.
func serve(ctx context.Context, addr string, h http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Info("Server listening", map[string]interface{}{"addr": addr})
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if stderrors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logging.Info("Shutting down server", nil)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
