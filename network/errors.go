package network

import (
	"context"
	"errors"
	"fmt"
)

// ErrorCode is an RPC outcome that travels in the dynamic header of a
// response. The zero value means success.
type ErrorCode int32

const (
	ErrOK ErrorCode = iota
	ErrTimeout
	ErrHandlerNotFound
	ErrBusy
	ErrNetworkFailure
	ErrInvalidState
	ErrCorruption
	ErrHandlerFailed
)

// Error implements the error interface.
func (c ErrorCode) Error() string {
	switch c {
	case ErrOK:
		return "ok"
	case ErrTimeout:
		return "rpc timeout"
	case ErrHandlerNotFound:
		return "rpc handler not found"
	case ErrBusy:
		return "server busy"
	case ErrNetworkFailure:
		return "network failure"
	case ErrInvalidState:
		return "invalid state"
	case ErrCorruption:
		return "corrupt message stream"
	case ErrHandlerFailed:
		return "rpc handler failed"
	default:
		return fmt.Sprintf("rpc error %d", int32(c))
	}
}

// String returns the string representation of ErrorCode.
func (c ErrorCode) String() string {
	return c.Error()
}

// Err returns nil for ErrOK and c otherwise.
func (c ErrorCode) Err() error {
	if c == ErrOK {
		return nil
	}
	return c
}

// ErrorCodeOf maps err to the code sent on the wire. Deadline errors map to
// ErrTimeout, other errors that carry no code to ErrHandlerFailed.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return ErrOK
	}
	var code ErrorCode
	if errors.As(err, &code) {
		return code
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}
	return ErrHandlerFailed
}

// Local errors that never travel on the wire
var (
	ErrNilMessage       = errors.New("message is nil")
	ErrUnknownTransport = errors.New("unknown transport kind")
	ErrUnknownFormat    = errors.New("unknown header format")
	ErrMessageTooLarge  = errors.New("message too large")
	ErrLengthMismatch   = errors.New("buffer length does not match header")
	ErrChannelClosed    = errors.New("channel closed")
	ErrHandlerExists    = errors.New("rpc handler already registered")
	ErrServerRunning    = errors.New("server already running")
	ErrListenerClosed   = errors.New("listener closed")
	ErrAddressInUse     = errors.New("address already in use")
	ErrNoListener       = errors.New("no listener at address")
)
