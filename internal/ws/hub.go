package ws

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/dgnsrekt/mirrorsync/internal/changes"
	"github.com/dgnsrekt/mirrorsync/internal/mirror"
)

// Replayer supplies the batches a peer missed after the given version. An
// error means the peer cannot be caught up and must fetch everything again.
type Replayer interface {
	Since(version int64) ([]mirror.ChangeBatch, error)
}

type replayRequest struct {
	peer    *peer
	version int64
}

// HubOptions configures the server side of the replication socket.
type HubOptions struct {
	// PingInterval is how often peers receive the liveness token. Zero disables it.
	PingInterval time.Duration
	// PongWait is how long past a ping the hub waits for a reply before dropping a peer.
	PongWait       time.Duration
	WriteWait      time.Duration
	SendBufferSize int
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
	Subprotocols:    []string{SubprotocolBinary, SubprotocolJSON},
}

// Hub fans change batches out to every connected peer and answers resync requests.
type Hub struct {
	name       string
	peers      map[*peer]bool
	register   chan *peer
	unregister chan *peer
	broadcast  chan mirror.ChangeBatch
	replays    chan replayRequest
	done       chan struct{}
	mu         sync.RWMutex
	replayer   Replayer
	encoder    *changes.Encoder
	opts       HubOptions
	logger     *zap.Logger
}

// NewHub creates a new Hub.
func NewHub(name string, replayer Replayer, opts HubOptions, logger *zap.Logger) (*Hub, error) {
	enc, err := changes.NewEncoder()
	if err != nil {
		return nil, err
	}
	if opts.WriteWait <= 0 {
		opts.WriteWait = defaultWriteWait
	}
	if opts.PongWait <= 0 {
		opts.PongWait = 10 * time.Second
	}
	if opts.SendBufferSize <= 0 {
		opts.SendBufferSize = 256
	}

	return &Hub{
		name:       name,
		peers:      make(map[*peer]bool),
		register:   make(chan *peer),
		unregister: make(chan *peer),
		broadcast:  make(chan mirror.ChangeBatch, 256),
		replays:    make(chan replayRequest, 16),
		done:       make(chan struct{}),
		replayer:   replayer,
		encoder:    enc,
		opts:       opts,
		logger:     logger,
	}, nil
}

// Run processes hub events. Call this in a goroutine.
// Returns when context is cancelled.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.logger.Info("hub shutting down", zap.String("hub", h.name))
			h.shutdown()
			return

		case p := <-h.register:
			h.mu.Lock()
			h.peers[p] = true
			h.mu.Unlock()
			h.logger.Debug("peer registered",
				zap.String("hub", h.name),
				zap.String("connID", p.connID),
			)

		case p := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.peers[p]; ok {
				delete(h.peers, p)
				close(p.send)
			}
			h.mu.Unlock()
			h.logger.Debug("peer unregistered",
				zap.String("hub", h.name),
				zap.String("connID", p.connID),
			)

		case batch := <-h.broadcast:
			h.mu.RLock()
			for p := range h.peers {
				msg, err := h.frame(p, batch)
				if err != nil {
					h.logger.Error("encoding batch failed", zap.Error(err))
					continue
				}
				select {
				case p.send <- msg:
				default:
					// Buffer full, schedule disconnect
					go h.drop(p)
				}
			}
			h.mu.RUnlock()

		case req := <-h.replays:
			h.replay(req)
		}
	}
}

// replay sends every batch after req.version to the requesting peer.
func (h *Hub) replay(req replayRequest) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	p := req.peer
	if !h.peers[p] {
		return
	}

	batches, err := h.replayer.Since(req.version)
	if err != nil {
		h.logger.Info("closing peer, cannot replay",
			zap.String("connID", p.connID),
			zap.Int64("from", req.version),
			zap.Error(err),
		)
		h.reject(p, CloseHistoryUnavailable, "history unavailable")
		return
	}
	h.logger.Debug("replaying",
		zap.String("connID", p.connID),
		zap.Int64("from", req.version),
		zap.Int("batches", len(batches)),
	)
	for _, batch := range batches {
		msg, err := h.frame(p, batch)
		if err != nil {
			h.logger.Error("encoding replay failed", zap.Error(err))
			return
		}
		select {
		case p.send <- msg:
		default:
			// The peer will notice the gap and ask again.
			h.logger.Debug("replay truncated, send buffer full", zap.String("connID", p.connID))
			return
		}
	}
}

// reject queues a close frame carrying code. The peer's write pump closes the
// socket once it is written.
func (h *Hub) reject(p *peer, code int, text string) {
	msg := outbound{
		messageType: websocket.CloseMessage,
		data:        websocket.FormatCloseMessage(code, text),
	}
	select {
	case p.send <- msg:
	default:
		go h.drop(p)
	}
}

// drop unregisters a peer unless the hub has already stopped.
func (h *Hub) drop(p *peer) {
	select {
	case h.unregister <- p:
	case <-h.done:
	}
}

// requestReplay hands a resync request to the hub loop.
func (h *Hub) requestReplay(p *peer, version int64) {
	select {
	case h.replays <- replayRequest{peer: p, version: version}:
	case <-h.done:
	}
}

// shutdown gracefully closes all peer connections.
func (h *Hub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()

	close(h.done)
	for p := range h.peers {
		close(p.send)
		delete(h.peers, p)
	}
	h.encoder.Close()
}

// Broadcast queues a batch for every connected peer.
func (h *Hub) Broadcast(batch mirror.ChangeBatch) {
	select {
	case h.broadcast <- batch:
	case <-h.done:
	}
}

// PeerCount returns the number of registered peers.
func (h *Hub) PeerCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.peers)
}

// frame encodes a batch in the peer's negotiated format.
func (h *Hub) frame(p *peer, batch mirror.ChangeBatch) (outbound, error) {
	if p.binary {
		data, err := h.encoder.EncodeBinary(batch)
		return outbound{messageType: websocket.BinaryMessage, data: data}, err
	}
	data, err := changes.EncodeText(batch)
	return outbound{messageType: websocket.TextMessage, data: data}, err
}

// ServeWS upgrades the request and attaches a new peer. The upgrader picks
// the binary subprotocol when the client offers it.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", zap.Error(err))
		return
	}
	binary := conn.Subprotocol() == SubprotocolBinary

	p := &peer{
		hub:    h,
		conn:   conn,
		send:   make(chan outbound, h.opts.SendBufferSize),
		connID: uuid.New().String(),
		binary: binary,
		logger: h.logger,
	}

	select {
	case h.register <- p:
	case <-h.done:
		_ = conn.Close()
		return
	}

	h.logger.Debug("peer connected",
		zap.String("connID", p.connID),
		zap.Bool("binary", binary),
	)

	go p.writePump()
	go p.readPump()
}
