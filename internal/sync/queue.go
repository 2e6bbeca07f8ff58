// Package sync keeps the local mirror in step with the server's change stream.
//
// Queue takes raw socket payloads, answers keep-alives, decodes change
// batches and admits only the batch that directly follows the last known
// version. Applier drains admitted batches into the mirror store in order.
package sync

import (
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/dgnsrekt/mirrorsync/internal/changes"
)

// Link is the part of the connection the queue talks back through.
type Link interface {
	Send(text string) error
	Renew()
}

// QueueStats counts what happened to inbound frames.
type QueueStats struct {
	KeepAlives int64
	Accepted   int64
	Malformed  int64
	NotReady   int64
	Gaps       int64
	Overflows  int64
}

// Queue admits change batches in version order and hands them to the Applier.
type Queue struct {
	applier *Applier
	link    Link
	logger  *zap.Logger

	keepAlives atomic.Int64
	accepted   atomic.Int64
	malformed  atomic.Int64
	notReady   atomic.Int64
	gaps       atomic.Int64
	overflows  atomic.Int64
}

func NewQueue(applier *Applier, link Link, logger *zap.Logger) *Queue {
	return &Queue{
		applier: applier,
		link:    link,
		logger:  logger,
	}
}

// HandleMessage processes one inbound socket payload.
func (q *Queue) HandleMessage(raw []byte, binary bool) {
	if !binary && changes.IsPing(raw) {
		q.keepAlives.Add(1)
		q.link.Renew()
		if err := q.link.Send(changes.PongToken); err != nil {
			q.logger.Debug("pong not sent", zap.Error(err))
		}
		return
	}

	batch, err := changes.Decode(raw, binary)
	if err != nil {
		q.malformed.Add(1)
		q.logger.Debug("dropping frame", zap.Error(err), zap.Int("size", len(raw)))
		return
	}

	result, mirrorVersion := q.applier.offer(batch)
	switch result {
	case offerAccepted:
		q.accepted.Add(1)
		q.applier.Trigger()

	case offerNotReady:
		q.notReady.Add(1)
		q.logger.Debug("dropping batch, mirror not loaded", zap.Int64("version", batch.Version()))

	case offerGap:
		q.gaps.Add(1)
		q.logger.Info("version gap, requesting resync",
			zap.Int64("received", batch.Version()),
			zap.Int64("mirrorVersion", mirrorVersion),
		)
		q.requestResync(mirrorVersion)

	case offerOverflow:
		q.overflows.Add(1)
		q.logger.Warn("pending queue full, discarded and requesting resync",
			zap.Int64("mirrorVersion", mirrorVersion),
		)
		q.requestResync(mirrorVersion)
	}
}

func (q *Queue) requestResync(version int64) {
	if err := q.link.Send(changes.ResyncRequest(version)); err != nil {
		q.logger.Debug("resync request not sent", zap.Error(err))
	}
}

// Stats returns a snapshot of the frame counters.
func (q *Queue) Stats() QueueStats {
	return QueueStats{
		KeepAlives: q.keepAlives.Load(),
		Accepted:   q.accepted.Load(),
		Malformed:  q.malformed.Load(),
		NotReady:   q.notReady.Load(),
		Gaps:       q.gaps.Load(),
		Overflows:  q.overflows.Load(),
	}
}
