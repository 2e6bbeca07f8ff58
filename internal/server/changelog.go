package server

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/dgnsrekt/mirrorsync/internal/mirror"
)

// ChangeLog is the server's versioned record of every mutation plus the
// resulting entity state.
type ChangeLog struct {
	// appendMu serializes Apply so records are published in version order
	// without holding mu while the hub runs.
	appendMu sync.Mutex
	mu       sync.RWMutex
	state    *mirror.MemoryStore
	records  []mirror.ChangeRecord // records[i].Version == base+i+1
	base     int64
	version  int64
	publish  func(mirror.ChangeBatch)
	logger   *zap.Logger
}

// NewChangeLog creates a log whose state starts at seed. seed may be nil.
func NewChangeLog(seed *mirror.Snapshot, schema *mirror.Schema, logger *zap.Logger) (*ChangeLog, error) {
	l := &ChangeLog{
		state:  mirror.NewMemoryStore(schema, logger),
		logger: logger,
	}
	if seed == nil {
		return l, nil
	}

	kinds := make([]string, 0, len(seed.Data))
	for kind := range seed.Data {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	for _, kind := range kinds {
		for _, payload := range seed.Data[kind] {
			if _, err := l.state.Upsert(context.Background(), kind, payload); err != nil {
				return nil, fmt.Errorf("seeding %s: %w", kind, err)
			}
		}
	}
	l.base = seed.Version
	l.version = seed.Version
	return l, nil
}

// OnAppend sets the function called, in version order, for each new record.
func (l *ChangeLog) OnAppend(fn func(mirror.ChangeBatch)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.publish = fn
}

// Apply records a mutation, assigns it the next version and updates the state.
// When broadcast is false the record is stored but not published, which leaves
// subscribers with a gap to recover from.
func (l *ChangeLog) Apply(ctx context.Context, entity string, method mirror.Method, payload json.RawMessage, broadcast bool) (mirror.ChangeRecord, error) {
	if !method.Valid() {
		return mirror.ChangeRecord{}, fmt.Errorf("unknown method %q", method)
	}

	l.appendMu.Lock()
	defer l.appendMu.Unlock()

	l.mu.Lock()
	var err error
	if method == mirror.MethodDelete {
		var removed mirror.ChangeSet
		removed, err = l.state.Remove(ctx, entity, payload)
		if err == nil {
			_, err = l.state.ApplyCascades(ctx, removed)
		}
	} else {
		_, err = l.state.Upsert(ctx, entity, payload)
	}
	if err != nil {
		l.mu.Unlock()
		return mirror.ChangeRecord{}, err
	}

	l.version++
	rec := mirror.ChangeRecord{
		Entity:  entity,
		Method:  method,
		Version: l.version,
		Payload: append(json.RawMessage(nil), payload...),
	}
	l.records = append(l.records, rec)
	publish := l.publish
	l.mu.Unlock()

	l.logger.Debug("change recorded",
		zap.String("entity", entity),
		zap.String("method", string(method)),
		zap.Int64("version", rec.Version),
		zap.Bool("broadcast", broadcast),
	)

	if broadcast && publish != nil {
		publish(mirror.ChangeBatch{Records: []mirror.ChangeRecord{rec}})
	}
	return rec, nil
}

// Since returns one batch per record newer than version. A version older than
// the log's base cannot be replayed and fails with mirror.ErrHistoryUnavailable.
func (l *ChangeLog) Since(version int64) ([]mirror.ChangeBatch, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if version < l.base {
		l.logger.Warn("replay requested before history",
			zap.Int64("from", version),
			zap.Int64("base", l.base),
		)
		return nil, fmt.Errorf("replay from %d, history starts at %d: %w",
			version, l.base, mirror.ErrHistoryUnavailable)
	}

	start := version - l.base
	if start >= int64(len(l.records)) {
		return nil, nil
	}

	out := make([]mirror.ChangeBatch, 0, int64(len(l.records))-start)
	for _, rec := range l.records[start:] {
		out = append(out, mirror.ChangeBatch{Records: []mirror.ChangeRecord{rec}})
	}
	return out, nil
}

// Snapshot returns the full state and its version.
func (l *ChangeLog) Snapshot() *mirror.Snapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return &mirror.Snapshot{Version: l.version, Data: l.state.Export()}
}

// Version returns the latest assigned version.
func (l *ChangeLog) Version() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.version
}
