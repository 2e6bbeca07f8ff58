package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dgnsrekt/mirrorsync/internal/server"
	"github.com/dgnsrekt/mirrorsync/internal/ws"
)

func (c *cli) serveCmd() *cobra.Command {
	var port string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a development replication server",
		Long: `Serves GET /snapshot, POST /changes and the /ws change stream from an
in-memory change log, optionally seeded from a snapshot JSON file.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if port != "" {
				c.cfg.Serve.Port = port
			}
			return c.runServe(cmd.Context())
		},
	}

	cmd.Flags().StringVarP(&port, "port", "p", "", "listen port (overrides serve.port)")

	return cmd
}

func (c *cli) runServe(ctx context.Context) error {
	schema, err := loadSchema(c.cfg.SchemaFile)
	if err != nil {
		return err
	}
	seed, err := loadSeed(c.cfg.Serve.SeedFile)
	if err != nil {
		return err
	}

	changeLog, err := server.NewChangeLog(seed, schema, c.log.Named("changelog"))
	if err != nil {
		return fmt.Errorf("creating change log: %w", err)
	}

	c.log.Info("configuration loaded",
		zap.String("port", c.cfg.Serve.Port),
		zap.Int64("version", changeLog.Version()),
		zap.Duration("pingInterval", c.cfg.Serve.PingInterval),
		zap.String("schema", c.cfg.SchemaFile),
	)

	// Create context for graceful shutdown
	hubCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	hub, err := ws.NewHub("changes", changeLog, ws.HubOptions{
		PingInterval: c.cfg.Serve.PingInterval,
		PongWait:     c.cfg.Serve.PongWait,
	}, c.log.Named("hub"))
	if err != nil {
		return fmt.Errorf("creating hub: %w", err)
	}
	go hub.Run(hubCtx)
	changeLog.OnAppend(hub.Broadcast)

	srv := server.NewServer(changeLog, hub, c.log)
	httpServer := &http.Server{
		Addr:         c.cfg.Serve.Addr(),
		Handler:      server.NewRouter(srv, c.log),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	// Start server in goroutine
	errCh := make(chan error, 1)
	go func() {
		c.log.Info("starting server", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	c.log.Info("shutting down server...")

	// Cancel context to stop the hub
	cancel()

	// Graceful HTTP server shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	c.log.Info("server stopped")
	return nil
}
