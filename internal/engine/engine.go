// Package engine wires the connection manager, change queue and mirror
// applier into one replication client.
package engine

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/dgnsrekt/mirrorsync/internal/api"
	"github.com/dgnsrekt/mirrorsync/internal/changes"
	"github.com/dgnsrekt/mirrorsync/internal/config"
	"github.com/dgnsrekt/mirrorsync/internal/events"
	"github.com/dgnsrekt/mirrorsync/internal/mirror"
	msync "github.com/dgnsrekt/mirrorsync/internal/sync"
	"github.com/dgnsrekt/mirrorsync/internal/ws"
)

// Options configures an Engine.
type Options struct {
	Conn       ws.Options
	MaxPending int
}

// OptionsFromConfig maps loaded configuration onto engine options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Conn: ws.Options{
			URL:               cfg.Server.WSURL,
			Binary:            cfg.Server.Binary,
			KeepAliveInterval: cfg.Liveness.Interval,
			KeepAliveMargin:   cfg.Liveness.Margin,
			HandshakeTimeout:  cfg.Liveness.HandshakeTimeout,
		},
		MaxPending: cfg.Queue.MaxPending,
	}
}

// Engine is one replication client: a single connection feeding one mirror.
type Engine struct {
	bus     *events.Bus
	store   mirror.Store
	fetcher api.Fetcher
	conn    *ws.Manager
	applier *msync.Applier
	queue   *msync.Queue
	logger  *zap.Logger
}

// New builds an Engine around store. Nothing is fetched or dialed until Start.
func New(opts Options, store mirror.Store, fetcher api.Fetcher, bus *events.Bus, logger *zap.Logger) *Engine {
	if bus == nil {
		bus = events.NewBus()
	}

	conn := ws.NewManager(opts.Conn, bus, logger.Named("conn"))
	applier := msync.NewApplier(store, conn, bus, opts.MaxPending, logger.Named("applier"))
	queue := msync.NewQueue(applier, conn, logger.Named("queue"))
	conn.Bind(queue, applier)

	return &Engine{
		bus:     bus,
		store:   store,
		fetcher: fetcher,
		conn:    conn,
		applier: applier,
		queue:   queue,
		logger:  logger,
	}
}

// Start performs the full fetch, loads the mirror, then opens the connection.
// A failed dial is not fatal: Offline has been published and Focus retries.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.Refresh(ctx); err != nil {
		return err
	}
	if err := e.conn.Connect(ctx); err != nil {
		e.logger.Warn("initial connect failed, waiting for focus", zap.Error(err))
	}
	return nil
}

// Refresh replaces the mirror with a new full fetch. When the connection is
// open it then asks the server for anything committed during the fetch.
func (e *Engine) Refresh(ctx context.Context) error {
	snap, err := e.fetcher.FetchAll(ctx)
	if err != nil {
		return fmt.Errorf("full fetch: %w", err)
	}
	if err := e.applier.Load(ctx, snap); err != nil {
		return fmt.Errorf("loading mirror: %w", err)
	}

	if e.conn.State() == ws.StateOpen {
		if err := e.conn.Send(changes.ResyncRequest(snap.Version)); err != nil {
			e.logger.Debug("resync after refresh not sent", zap.Error(err))
		}
	}
	return nil
}

// Focus reconnects if the connection is down. It is the hook for whatever
// the host treats as regained attention. When the server dropped us because
// it could not replay from our version, the mirror is fetched again first.
func (e *Engine) Focus(ctx context.Context) error {
	if e.conn.TakeHistoryLost() {
		e.logger.Info("server history no longer covers the mirror, refreshing")
		if err := e.Refresh(ctx); err != nil {
			e.conn.MarkHistoryLost()
			return err
		}
	}
	return e.conn.Connect(ctx)
}

// Close disconnects and waits for an in-flight drain to finish.
func (e *Engine) Close() error {
	err := e.conn.Close()
	e.applier.Wait()
	return err
}

func (e *Engine) Bus() *events.Bus { return e.bus }

func (e *Engine) Store() mirror.Store { return e.store }

func (e *Engine) Connection() *ws.Manager { return e.conn }

func (e *Engine) Applier() *msync.Applier { return e.applier }

func (e *Engine) Queue() *msync.Queue { return e.queue }

// MirrorVersion reports the version of the last applied record.
func (e *Engine) MirrorVersion() (int64, bool) {
	return e.applier.MirrorVersion()
}

// ConnectionState names the connection's current state.
func (e *Engine) ConnectionState() string {
	return e.conn.State().String()
}

// Pending returns the number of batches waiting to be applied.
func (e *Engine) Pending() int {
	return e.applier.Pending()
}
