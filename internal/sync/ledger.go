package sync

import "github.com/dgnsrekt/mirrorsync/internal/mirror"

type offerResult int

const (
	offerAccepted offerResult = iota
	offerNotReady
	offerGap
	offerOverflow
)

// ledger is the state shared by the queue and the applier: the pending
// batches, the batch being applied, and the mirror version. It is guarded by
// Applier.mu.
type ledger struct {
	pending  []mirror.ChangeBatch
	inflight int64 // version of the batch being applied, 0 when idle
	version  int64
	known    bool
	max      int
}

// lastKnown is the version a new batch must follow.
func (l *ledger) lastKnown() int64 {
	if n := len(l.pending); n > 0 {
		return l.pending[n-1].Version()
	}
	if l.inflight != 0 {
		return l.inflight
	}
	return l.version
}

func (l *ledger) offer(batch mirror.ChangeBatch) offerResult {
	if !l.known {
		return offerNotReady
	}
	if batch.Version() != l.lastKnown()+1 {
		return offerGap
	}
	if l.max > 0 && len(l.pending) >= l.max {
		l.pending = nil
		return offerOverflow
	}
	l.pending = append(l.pending, batch)
	return offerAccepted
}

func (l *ledger) pop() (mirror.ChangeBatch, bool) {
	if len(l.pending) == 0 {
		return mirror.ChangeBatch{}, false
	}
	batch := l.pending[0]
	l.pending[0] = mirror.ChangeBatch{}
	l.pending = l.pending[1:]
	l.inflight = batch.Version()
	return batch, true
}

// discard drops every pending batch and returns how many there were.
func (l *ledger) discard() int {
	n := len(l.pending)
	l.pending = nil
	return n
}
