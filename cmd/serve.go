package cmd

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/lehigh-university-libraries/labasset/internal/handlers"
	"github.com/lehigh-university-libraries/labasset/internal/images"
	"github.com/spf13/cobra"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	var (
		addr      string
		useCamera bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API for browser front-ends",
		Long: `Starts the labasset HTTP API and websocket event stream.

A browser UI drives the cataloguing workflow through it: acquire an image,
pick a template, analyze, edit, commit, and print the label.`,
		Example: `  # Start on the configured ui.listen_addr
  labasset serve

  # Start on a custom address with the camera enabled
  labasset serve --addr :3000 --camera`,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(opts)
			if err != nil {
				return err
			}
			defer rt.Close()
			logger := opts.logger

			flow, err := rt.workflow()
			if err != nil {
				return err
			}

			hopts := handlers.Options{
				Workflow: flow,
				Config:   rt.store,
				Items:    rt.elab,
				Labels:   rt.labels,
				Limits:   images.Limits{MaxWidth: 2048, MaxHeight: 2048},
				Logger:   logger,
			}
			if rt.ledger != nil {
				hopts.History = rt.ledger
			}
			if useCamera {
				camera := &configuredCamera{store: rt.store, logger: logger}
				if err := camera.Open(); err != nil {
					return err
				}
				defer func() {
					if err := camera.Release(); err != nil {
						logger.Warn("Failed to release camera", "error", err)
					}
				}()
				hopts.Camera = camera
			}
			handler := handlers.New(hopts)

			if addr == "" {
				addr = rt.settings.UI.ListenAddr
			}
			if addr == "" {
				addr = ":5001"
			}
			server := &http.Server{
				Addr:              addr,
				Handler:           handler.Routes(),
				ReadHeaderTimeout: 10 * time.Second,
			}

			// Start server in goroutine
			serverErr := make(chan error, 1)
			go func() {
				logger.Info("labasset API available", "addr", addr, "url", "http://localhost"+addr)
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					serverErr <- err
				}
			}()

			// Wait for context cancellation (Ctrl+C) or server error
			select {
			case <-cmd.Context().Done():
				logger.Info("Shutting down server...")
				// Give server 5 seconds to shut down gracefully
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := server.Shutdown(shutdownCtx); err != nil {
					logger.Error("Server shutdown failed", "err", err)
					return err
				}
				logger.Info("Server stopped")
				return nil
			case err := <-serverErr:
				return err
			}
		},
	}

	cmd.Flags().StringVarP(&addr, "addr", "a", "", "Address to listen on (default ui.listen_addr)")
	cmd.Flags().BoolVar(&useCamera, "camera", false, "Claim the configured camera for /api/camera/capture")

	return cmd
}
