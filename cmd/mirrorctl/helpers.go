package main

import (
	"encoding/json"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/dgnsrekt/mirrorsync/internal/events"
	"github.com/dgnsrekt/mirrorsync/internal/mirror"
)

// loadSchema reads the entity schema. An empty path allows any entity kind
// and disables cascades.
func loadSchema(path string) (*mirror.Schema, error) {
	if path == "" {
		return nil, nil
	}
	schema, err := mirror.LoadSchema(path)
	if err != nil {
		return nil, fmt.Errorf("loading schema: %w", err)
	}
	return schema, nil
}

// loadSeed reads a snapshot JSON file ({"version": n, "data": {...}}).
func loadSeed(path string) (*mirror.Snapshot, error) {
	if path == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading seed: %w", err)
	}
	var snap mirror.Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("decoding seed %s: %w", path, err)
	}
	return &snap, nil
}

func logEvent(logger *zap.Logger, e events.Event) {
	switch e.Kind {
	case events.ChangesApplied:
		for _, c := range e.Changes {
			logger.Info("change",
				zap.String("entity", c.Entity),
				zap.String("id", c.ID),
				zap.String("method", string(c.Method)),
			)
		}
		logger.Info("changes applied",
			zap.Int("count", len(e.Changes)),
			zap.Int64("version", e.Version),
		)
	case events.MirrorReady:
		logger.Info("mirror ready", zap.Int64("version", e.Version))
	default:
		logger.Info(e.Kind.String())
	}
}
