package ws

import "errors"

var (
	ErrNotConnected   = errors.New("replication connection is not open")
	ErrSendBufferFull = errors.New("send buffer full")
	ErrClosed         = errors.New("connection manager closed")
)
