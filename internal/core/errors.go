package core

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind is the wire-level classification reported in error replies.
type ErrorKind string

const (
	KindProtocol     ErrorKind = "protocol"
	KindPrecondition ErrorKind = "precondition"
	KindEngine       ErrorKind = "engine"
	KindTimeout      ErrorKind = "timeout"
	KindFatal        ErrorKind = "fatal"
	KindRateLimited  ErrorKind = "rate_limited"
)

var (
	ErrNotRegistered  = errors.New("client is not registered")
	ErrSenderOnly     = errors.New("only the sender may produce")
	ErrReceiverOnly   = errors.New("the sender cannot consume")
	ErrNoTransport    = errors.New("transport has not been created")
	ErrEmptyCodecs    = errors.New("rtpParameters.codecs is empty")
	ErrEngineNotReady = errors.New("media engine is not ready")
	ErrEngineDied     = errors.New("media engine worker died")
	ErrSessionClosed  = errors.New("session is closed")
)

// Error carries a handler failure back to the originating connection.
type Error struct {
	Kind ErrorKind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Msg, e.Err)
	case e.Msg != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Msg)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	default:
		return e.Op
	}
}

func (e *Error) Unwrap() error { return e.Err }

func ProtocolError(op string, err error) error {
	return &Error{Kind: KindProtocol, Op: op, Err: err}
}

func PreconditionError(op string, err error) error {
	return &Error{Kind: KindPrecondition, Op: op, Err: err}
}

// EngineError wraps a media engine failure; deadline expiry becomes KindTimeout.
func EngineError(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, Op: op, Msg: "media engine call timed out", Err: err}
	}
	return &Error{Kind: KindEngine, Op: op, Err: err}
}

func FatalError(op string, err error) error {
	return &Error{Kind: KindFatal, Op: op, Err: err}
}

// KindOf classifies any error; unknown errors count as engine failures.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindEngine
}
