package sync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	gosync "sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/dgnsrekt/mirrorsync/internal/changes"
	"github.com/dgnsrekt/mirrorsync/internal/events"
	"github.com/dgnsrekt/mirrorsync/internal/mirror"
)

// DefaultMaxPending bounds the pending queue when no limit is configured.
const DefaultMaxPending = 1024

// MaxResyncAttempts is how many times in a row the applier asks the server to
// replay from the same version after a failed record before it stops asking.
const MaxResyncAttempts = 3

// Sender writes a text message back to the server.
type Sender interface {
	Send(text string) error
}

// Applier drains pending batches into the mirror store, one drain loop at a time.
type Applier struct {
	store  mirror.Store
	sender Sender
	bus    *events.Bus
	logger *zap.Logger

	mu     gosync.Mutex
	ledger ledger
	// active counts running drain goroutines; idle is signalled when it
	// drops to zero. Both use mu.
	active int
	idle   *gosync.Cond

	// failedAt is the mirror version the last aborted pass stopped at and
	// failures counts consecutive aborts there. Both guarded by mu.
	failedAt int64
	failures int

	draining atomic.Bool
	loops    atomic.Int64
	skipped  atomic.Int64
}

// NewApplier creates an Applier. maxPending <= 0 selects DefaultMaxPending.
func NewApplier(store mirror.Store, sender Sender, bus *events.Bus, maxPending int, logger *zap.Logger) *Applier {
	if maxPending <= 0 {
		maxPending = DefaultMaxPending
	}
	a := &Applier{
		store:  store,
		sender: sender,
		bus:    bus,
		logger: logger,
		ledger: ledger{max: maxPending},
	}
	a.idle = gosync.NewCond(&a.mu)
	return a
}

// MirrorVersion returns the version of the last applied record. ok is false
// until the first full fetch has been loaded.
func (a *Applier) MirrorVersion() (version int64, ok bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ledger.version, a.ledger.known
}

// Pending returns the number of batches waiting to be applied.
func (a *Applier) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.ledger.pending)
}

// DrainLoops returns how many drain passes have run.
func (a *Applier) DrainLoops() int64 {
	return a.loops.Load()
}

// Skipped returns how many records were dropped as permanently unappliable.
func (a *Applier) Skipped() int64 {
	return a.skipped.Load()
}

// Wait blocks until no drain is running.
func (a *Applier) Wait() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for a.active > 0 {
		a.idle.Wait()
	}
}

func (a *Applier) offer(batch mirror.ChangeBatch) (offerResult, int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	result := a.ledger.offer(batch)
	return result, a.ledger.version
}

// Trigger starts a drain unless one is already running. The running drain
// picks up anything queued before it finishes.
func (a *Applier) Trigger() {
	if !a.draining.CompareAndSwap(false, true) {
		return
	}
	a.mu.Lock()
	a.active++
	a.mu.Unlock()
	go a.drain()
}

func (a *Applier) drain() {
	defer func() {
		a.mu.Lock()
		a.active--
		if a.active == 0 {
			a.idle.Broadcast()
		}
		a.mu.Unlock()
	}()

	for {
		a.drainPass()

		// A batch appended after the last pop but before the flag is
		// released would otherwise wait for the next trigger.
		if a.Pending() == 0 || !a.draining.CompareAndSwap(false, true) {
			return
		}
	}
}

// drainPass applies every queued batch and publishes one combined change set.
func (a *Applier) drainPass() {
	defer a.draining.Store(false)
	a.loops.Add(1)

	ctx := context.Background()
	var combined mirror.ChangeSet
	batches := 0

	for {
		a.mu.Lock()
		batch, ok := a.ledger.pop()
		a.mu.Unlock()
		if !ok {
			break
		}

		applied, err := a.applyBatch(ctx, batch)
		combined = append(combined, applied...)
		batches++

		a.mu.Lock()
		a.ledger.inflight = 0
		a.mu.Unlock()

		if err != nil {
			a.abort(err)
			break
		}
	}

	if len(combined) == 0 {
		return
	}

	version, _ := a.MirrorVersion()
	a.logger.Debug("drain pass complete",
		zap.Int("batches", batches),
		zap.Int("changes", len(combined)),
		zap.Int64("version", version),
	)
	a.bus.Publish(events.Event{Kind: events.ChangesApplied, Changes: combined, Version: version})
}

// applyBatch applies records in order, advancing the mirror version after
// each one. A record the mirror can never hold is skipped; any other failure
// stops the batch.
func (a *Applier) applyBatch(ctx context.Context, batch mirror.ChangeBatch) (mirror.ChangeSet, error) {
	var out mirror.ChangeSet
	for _, rec := range batch.Records {
		cs, err := a.applyRecord(ctx, rec)
		if err != nil && !unappliable(err) {
			return out, fmt.Errorf("applying %s %s v%d: %w", rec.Method, rec.Entity, rec.Version, err)
		}
		if err != nil {
			a.skipped.Add(1)
			a.logger.Error("skipping record",
				zap.String("entity", rec.Entity),
				zap.String("method", string(rec.Method)),
				zap.Int64("version", rec.Version),
				zap.Error(err),
			)
		}
		out = append(out, cs...)

		a.mu.Lock()
		a.ledger.version = rec.Version
		a.mu.Unlock()
	}
	return out, nil
}

// unappliable reports errors that a replay of the same record would repeat.
func unappliable(err error) bool {
	return errors.Is(err, mirror.ErrUnknownEntity) || errors.Is(err, mirror.ErrMissingID)
}

func (a *Applier) applyRecord(ctx context.Context, rec mirror.ChangeRecord) (cs mirror.ChangeSet, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("store panic: %v", r)
		}
	}()

	if rec.Method != mirror.MethodDelete {
		return a.store.Upsert(ctx, rec.Entity, rec.Payload)
	}

	removed, err := a.store.Remove(ctx, rec.Entity, rec.Payload)
	if err != nil {
		return nil, err
	}
	cascades, err := a.store.ApplyCascades(ctx, removed)
	if err != nil {
		return removed, err
	}
	return append(removed, cascades...), nil
}

// abort handles a failed record: later batches depend on it, so they are
// dropped and the server is asked to replay from the last applied version.
// After MaxResyncAttempts failures at the same version it stops asking until
// the version moves or a full fetch reloads the mirror.
func (a *Applier) abort(cause error) {
	a.mu.Lock()
	dropped := a.ledger.discard()
	version := a.ledger.version
	if a.failures > 0 && a.failedAt == version {
		a.failures++
	} else {
		a.failedAt = version
		a.failures = 1
	}
	attempt := a.failures
	a.mu.Unlock()

	a.logger.Error("drain aborted",
		zap.Error(cause),
		zap.Int64("version", version),
		zap.Int("droppedBatches", dropped),
		zap.Int("attempt", attempt),
	)

	// A record that keeps failing would otherwise be replayed forever.
	if attempt > MaxResyncAttempts {
		a.logger.Error("giving up on resync, record keeps failing",
			zap.Int64("version", version),
			zap.Int("attempts", attempt-1),
		)
		return
	}

	if err := a.sender.Send(changes.ResyncRequest(version)); err != nil {
		a.logger.Debug("resync after failure not sent", zap.Error(err))
	}
}

// Load replaces the mirror with a full-fetch result and sets the mirror
// version from it. Batches arriving while it runs are dropped.
func (a *Applier) Load(ctx context.Context, snap *mirror.Snapshot) error {
	a.mu.Lock()
	a.ledger.known = false
	a.ledger.discard()
	a.failures = 0
	a.mu.Unlock()

	a.Wait()

	if err := a.store.Reset(ctx); err != nil {
		return fmt.Errorf("resetting mirror: %w", err)
	}

	kinds := make([]string, 0, len(snap.Data))
	for kind := range snap.Data {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)

	total := 0
	for _, kind := range kinds {
		for _, payload := range snap.Data[kind] {
			if _, err := a.store.Upsert(ctx, kind, payload); err != nil {
				return fmt.Errorf("integrating %s: %w", kind, err)
			}
			total++
		}
	}

	a.mu.Lock()
	a.ledger.version = snap.Version
	a.ledger.known = true
	a.ledger.inflight = 0
	a.mu.Unlock()

	a.logger.Info("mirror loaded",
		zap.Int64("version", snap.Version),
		zap.Int("entities", total),
	)
	a.bus.Publish(events.Event{Kind: events.MirrorReady, Version: snap.Version})
	return nil
}
