package endpoint

import (
	"context"
	"errors"
)

var (
	// ErrMalformedFrame is returned by Run when a frame cannot be read or
	// decoded as a JSON-RPC message. Conn implementations wrap it for framing
	// errors so Run can surface them unchanged.
	ErrMalformedFrame = errors.New("malformed frame")
	// ErrExitWithoutShutdown is returned by Run when the peer sent exit
	// without a successful shutdown first.
	ErrExitWithoutShutdown = errors.New("exit received without prior shutdown")
	// ErrAlreadyRunning is returned when Run is called more than once.
	ErrAlreadyRunning = errors.New("endpoint already running")
	// ErrNotRunning is returned by outbound operations before Run has
	// attached a connection.
	ErrNotRunning = errors.New("endpoint not running")
)

// Conn carries whole JSON-RPC frames. Read blocks until the next frame is
// available; Write sends one frame. Writes are serialized by the Endpoint so
// implementations need not be safe for concurrent Write calls, but Close must
// be safe to call while a Read is blocked and must unblock it.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, frame []byte) error
	Close() error
}

// framer is implemented by conns that can name their framing for logs.
type framer interface {
	Framing() string
}
