package ws

import "github.com/gorilla/websocket"

const (
	// SubprotocolJSON carries change batches as JSON text frames.
	SubprotocolJSON = "json.mirrorsync.v1"
	// SubprotocolBinary carries change batches as protobuf+zstd binary frames.
	SubprotocolBinary = "binary.mirrorsync.v1"

	// CloseHistoryUnavailable is the close code the server uses when it can
	// no longer replay from the client's version.
	CloseHistoryUnavailable = 4001
)

// State is the lifecycle state of the replication connection.
type State int

const (
	StateClosed State = iota
	StateConnecting
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// isBinary reports whether a frame type carries binary data.
func isBinary(messageType int) bool {
	return messageType == websocket.BinaryMessage
}
