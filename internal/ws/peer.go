package ws

import (
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/dgnsrekt/mirrorsync/internal/changes"
)

// maxPeerMessageSize bounds what a peer may send; peers only send tokens and versions.
const maxPeerMessageSize = 1024

type outbound struct {
	messageType int
	data        []byte
}

// peer is the server's view of one replicating client.
type peer struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan outbound
	connID string
	binary bool
	logger *zap.Logger
}

func (p *peer) readDeadline() time.Time {
	if p.hub.opts.PingInterval <= 0 {
		return time.Time{}
	}
	return time.Now().Add(p.hub.opts.PingInterval + p.hub.opts.PongWait)
}

// readPump reads liveness acknowledgments and resync requests from the peer.
func (p *peer) readPump() {
	defer func() {
		p.hub.drop(p)
		p.conn.Close()
	}()

	p.conn.SetReadLimit(maxPeerMessageSize)
	_ = p.conn.SetReadDeadline(p.readDeadline())

	for {
		_, message, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				p.logger.Debug("websocket read error",
					zap.String("connID", p.connID),
					zap.Error(err),
				)
			}
			return
		}
		p.handleMessage(message)
	}
}

func (p *peer) handleMessage(message []byte) {
	if changes.IsPong(message) {
		_ = p.conn.SetReadDeadline(p.readDeadline())
		return
	}

	version, ok := changes.ParseResyncRequest(message)
	if !ok {
		p.logger.Debug("unrecognized peer message",
			zap.String("connID", p.connID),
			zap.Int("size", len(message)),
		)
		return
	}

	p.hub.requestReplay(p, version)
}

// writePump writes batches and liveness tokens to the peer.
func (p *peer) writePump() {
	var tick <-chan time.Time
	if p.hub.opts.PingInterval > 0 {
		ticker := time.NewTicker(p.hub.opts.PingInterval)
		defer ticker.Stop()
		tick = ticker.C
	}
	defer p.conn.Close()

	for {
		select {
		case msg, ok := <-p.send:
			_ = p.conn.SetWriteDeadline(time.Now().Add(p.hub.opts.WriteWait))
			if !ok {
				// Channel closed, send close message
				_ = p.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := p.conn.WriteMessage(msg.messageType, msg.data); err != nil {
				p.logger.Debug("websocket write error",
					zap.String("connID", p.connID),
					zap.Error(err),
				)
				return
			}
			if msg.messageType == websocket.CloseMessage {
				return
			}

		case <-tick:
			_ = p.conn.SetWriteDeadline(time.Now().Add(p.hub.opts.WriteWait))
			if err := p.conn.WriteMessage(websocket.TextMessage, []byte(changes.PingToken)); err != nil {
				return
			}
		}
	}
}
