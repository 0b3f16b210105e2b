package core

import "errors"

// Frame is a raw encoded signaling message.
type Frame []byte

var (
	ErrBackpressure = errors.New("backpressure")
	ErrConnClosed   = errors.New("connection closed")
)

// SignalConnection abstracts the per-client messaging transport.
// Owned by the adapter; Close must be idempotent.
type SignalConnection interface {
	TrySend(Frame) error
	Close()
}
