package websocket

import "errors"

var (
	ErrNotConnected = errors.New("not connected")
	ErrTimeout      = errors.New("timed out waiting for reply")
	ErrTransport    = errors.New("transport error")
	ErrNoListeners  = errors.New("no listener connected")
)
