package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dgnsrekt/mirrorsync/internal/api"
	"github.com/dgnsrekt/mirrorsync/internal/engine"
	"github.com/dgnsrekt/mirrorsync/internal/events"
	"github.com/dgnsrekt/mirrorsync/internal/mirror"
	"github.com/dgnsrekt/mirrorsync/internal/status"
)

func (c *cli) watchCmd() *cobra.Command {
	var (
		statusAddr    string
		focusInterval time.Duration
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Mirror the server and log every change",
		Long: `Fetches the full data set, connects to the change stream and applies
changes as they arrive. Send SIGUSR1 to simulate regained focus (reconnect if
offline), or set focus_interval to do it periodically.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("focus-interval") {
				c.cfg.FocusInterval = focusInterval
			}
			return c.runWatch(cmd.Context(), statusAddr)
		},
	}

	cmd.Flags().StringVar(&statusAddr, "status-addr", "", "serve an SSE status feed on this address (e.g. :9090)")
	cmd.Flags().DurationVar(&focusInterval, "focus-interval", 0, "periodic focus trigger (overrides focus_interval)")

	return cmd
}

func (c *cli) runWatch(ctx context.Context, statusAddr string) error {
	schema, err := loadSchema(c.cfg.SchemaFile)
	if err != nil {
		return err
	}

	store := mirror.NewMemoryStore(schema, c.log.Named("store"))
	fetcher := api.NewClient(
		c.cfg.Server.SnapshotURL,
		c.cfg.Fetch.RatePerSecond,
		c.cfg.Fetch.Timeout,
		c.cfg.Fetch.RetryDelay,
		c.cfg.Fetch.RetryCount,
		c.log.Named("fetch"),
	)
	bus := events.NewBus()
	bus.Subscribe(events.Func(func(e events.Event) { logEvent(c.log, e) }))

	eng := engine.New(engine.OptionsFromConfig(c.cfg), store, fetcher, bus, c.log)
	defer func() { _ = eng.Close() }()

	if statusAddr != "" {
		stop := c.serveStatus(ctx, statusAddr, eng, bus)
		defer stop()
	}

	if err := eng.Start(ctx); err != nil {
		return err
	}

	var tick <-chan time.Time
	if c.cfg.FocusInterval > 0 {
		ticker := time.NewTicker(c.cfg.FocusInterval)
		defer ticker.Stop()
		tick = ticker.C
	}
	focus := focusSignals()

	c.log.Info("watching",
		zap.String("url", c.cfg.Server.WSURL),
		zap.Duration("focusInterval", c.cfg.FocusInterval),
	)

	for {
		select {
		case <-ctx.Done():
			c.log.Info("shutting down watcher")
			return nil
		case <-tick:
			c.triggerFocus(ctx, eng, "interval")
		case <-focus:
			c.triggerFocus(ctx, eng, "signal")
		}
	}
}

func (c *cli) triggerFocus(ctx context.Context, eng *engine.Engine, source string) {
	c.log.Debug("focus", zap.String("source", source))
	if err := eng.Focus(ctx); err != nil {
		c.log.Warn("reconnect failed", zap.String("source", source), zap.Error(err))
	}
}

// serveStatus exposes the SSE status feed and returns a function that stops it.
func (c *cli) serveStatus(ctx context.Context, addr string, eng *engine.Engine, bus *events.Bus) func() {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "mirrorctl"
	}
	broadcaster := status.NewBroadcaster(hostname, eng, 15*time.Second, c.log.Named("status"))
	bus.Subscribe(broadcaster)

	ctx, cancel := context.WithCancel(ctx)
	go broadcaster.Run(ctx)

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/status", broadcaster.HandleSSE)

	httpServer := &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		c.log.Info("status feed listening", zap.String("addr", addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			c.log.Error("status server error", zap.Error(err))
		}
	}()

	return func() {
		bus.Unsubscribe(broadcaster)
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}
}
