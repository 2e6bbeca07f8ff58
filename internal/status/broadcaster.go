// Package status streams the replication client's state to SSE subscribers.
package status

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	gosync "sync"
	"time"

	"go.uber.org/zap"

	"github.com/dgnsrekt/mirrorsync/internal/events"
)

// Source reports the client state included in every frame.
type Source interface {
	MirrorVersion() (int64, bool)
	ConnectionState() string
	Pending() int
}

// Broadcaster is an events.Observer that forwards each event to SSE
// clients, plus a periodic heartbeat frame.
type Broadcaster struct {
	broadcasterID string
	source        Source
	logger        *zap.Logger

	mu       gosync.RWMutex
	sequence uint64
	clients  map[*sseClient]bool

	interval time.Duration
}

// sseClient represents a connected SSE subscriber.
type sseClient struct {
	dataCh  chan []byte
	doneCh  chan struct{}
	flusher http.Flusher
	writer  http.ResponseWriter
}

// NewBroadcaster creates a broadcaster. interval <= 0 disables heartbeats.
func NewBroadcaster(id string, source Source, interval time.Duration, logger *zap.Logger) *Broadcaster {
	return &Broadcaster{
		broadcasterID: id,
		source:        source,
		logger:        logger,
		clients:       make(map[*sseClient]bool),
		interval:      interval,
	}
}

// Run sends heartbeat frames until ctx is done.
func (b *Broadcaster) Run(ctx context.Context) {
	if b.interval <= 0 {
		<-ctx.Done()
		return
	}

	b.logger.Info("status broadcaster starting",
		zap.String("broadcaster_id", b.broadcasterID),
		zap.Duration("interval", b.interval),
	)

	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			b.logger.Info("status broadcaster stopping")
			return
		case <-ticker.C:
			b.broadcastToAll(b.buildFrame("heartbeat", nil))
		}
	}
}

// Notify implements events.Observer.
func (b *Broadcaster) Notify(e events.Event) {
	var changes []ChangeSummary
	for _, c := range e.Changes {
		changes = append(changes, ChangeSummary{Entity: c.Entity, ID: c.ID, Method: string(c.Method)})
	}
	b.broadcastToAll(b.buildFrame(e.Kind.String(), changes))
}

// HandleSSE handles the SSE endpoint for subscribers.
func (b *Broadcaster) HandleSSE(w http.ResponseWriter, r *http.Request) {
	// Check if SSE is supported
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	// Set SSE headers
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	client := &sseClient{
		dataCh:  make(chan []byte, 16),
		doneCh:  make(chan struct{}),
		flusher: flusher,
		writer:  w,
	}

	b.addClient(client)
	defer b.removeClient(client)

	b.logger.Info("status client connected", zap.String("remote_addr", r.RemoteAddr))

	// Send current state first
	if err := b.sendEvent(client, "snapshot", b.buildFrame("snapshot", nil)); err != nil {
		b.logger.Error("failed to send snapshot", zap.Error(err))
		return
	}

	for {
		select {
		case <-r.Context().Done():
			b.logger.Info("status client disconnected", zap.String("remote_addr", r.RemoteAddr))
			return
		case <-client.doneCh:
			return
		case eventData := <-client.dataCh:
			if _, err := client.writer.Write(eventData); err != nil {
				b.logger.Debug("failed to write to client", zap.Error(err))
				return
			}
			client.flusher.Flush()
		}
	}
}

// ClientCount returns the number of connected subscribers.
func (b *Broadcaster) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

func (b *Broadcaster) addClient(client *sseClient) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.clients[client] = true
}

func (b *Broadcaster) removeClient(client *sseClient) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.clients, client)
	close(client.doneCh)
}

func (b *Broadcaster) buildFrame(event string, changes []ChangeSummary) *Frame {
	b.mu.Lock()
	b.sequence++
	seq := b.sequence
	b.mu.Unlock()

	f := &Frame{
		BroadcasterID: b.broadcasterID,
		Event:         event,
		Timestamp:     time.Now().UnixMilli(),
		Sequence:      seq,
		Connection:    b.source.ConnectionState(),
		Pending:       b.source.Pending(),
		Changes:       changes,
	}
	if v, ok := b.source.MirrorVersion(); ok {
		f.MirrorVersion = &v
	}
	return f
}

func (b *Broadcaster) broadcastToAll(frame *Frame) {
	eventData, err := formatEvent(frame.Event, frame)
	if err != nil {
		b.logger.Error("encoding status frame failed", zap.Error(err))
		return
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for client := range b.clients {
		select {
		case client.dataCh <- eventData:
		default:
			// Channel full, client is slow
			b.logger.Debug("client channel full, dropping frame", zap.String("event", frame.Event))
		}
	}
}

func (b *Broadcaster) sendEvent(client *sseClient, eventType string, frame *Frame) error {
	eventData, err := formatEvent(eventType, frame)
	if err != nil {
		return err
	}

	if _, err := client.writer.Write(eventData); err != nil {
		return err
	}
	client.flusher.Flush()
	return nil
}

func formatEvent(eventType string, frame *Frame) ([]byte, error) {
	jsonData, err := json.Marshal(frame)
	if err != nil {
		return nil, err
	}
	return []byte(fmt.Sprintf("event: %s\nid: %d\ndata: %s\n\n", eventType, frame.Sequence, jsonData)), nil
}
