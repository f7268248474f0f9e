package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/promptobjects/promptobjects/internal/server"
)

// buildServeCmd creates the "serve" command that hosts an environment over
// HTTP and WebSocket.
func buildServeCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve [env-dir]",
		Short: "Serve an environment over HTTP and WebSocket",
		Long: `Serve an environment over HTTP and WebSocket.

The server loads the prompt objects and primitives from the environment
directory, watches objects/ for edits, and exposes:

  GET /api/pos, /api/pos/{name}, /api/sessions/{id}, /api/environment
  WS  /ws (state snapshots, streaming chunks, bus traffic, commands)

Graceful shutdown is handled on SIGINT/SIGTERM.`,
		Example: `  # Serve the current directory
  promptobjects serve

  # Serve a specific environment on a custom address
  promptobjects serve ./my-env --addr :9000`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, args, addr)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", ":8080", "Listen address")
	return cmd
}

func runServe(cmd *cobra.Command, args []string, addr string) error {
	env, err := openEnvironment(args)
	if err != nil {
		return err
	}
	defer env.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := env.Watch(ctx); err != nil {
		return fmt.Errorf("watch objects: %w", err)
	}

	srv := server.New(server.Config{
		Engine:  env.Engine,
		EnvName: env.Manifest.Name,
		EnvPath: env.Path,
	})
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.ListenAndServe()
	}()
	fmt.Fprintf(cmd.OutOrStdout(), "Serving %s on %s\n", env.Manifest.Name, addr)

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return err
		}
	}
	return nil
}
