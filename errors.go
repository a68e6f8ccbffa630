package relaysession

import (
	"errors"
	"fmt"
)

var (
	ErrNotConnected         = errors.New("relaysession: not connected")
	ErrConnectionClosed     = errors.New("relaysession: connection is closed")
	ErrQueueClosed          = errors.New("relaysession: queue closed")
	ErrTooManyConnections   = errors.New("relaysession: too many connections")
	ErrUnauthenticated      = errors.New("relaysession: authentication required")
	ErrServerAlreadyRunning = errors.New("relaysession: server already running")
	ErrNoURL                = errors.New("relaysession: empty url")
	ErrNilDialer            = errors.New("relaysession: nil dialer")
)

// ConnectionError reports a transport open, send or liveness failure.
//
// It never escapes the client state machine as a return value of Connect:
// the machine recovers by reconnecting and only reports it to the error handler.
type ConnectionError struct {
	Op  string // "dial", "send", "ping", "heartbeat"
	URL string
	Err error
}

func (e *ConnectionError) Error() string {
	if e.URL == "" {
		return fmt.Sprintf("relaysession: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("relaysession: %s %s: %v", e.Op, e.URL, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// QueueFullError is returned synchronously by an enqueue on a full queue.
// The caller decides whether to drop the message or retry later.
type QueueFullError struct {
	Size    int
	MaxSize int
}

func (e *QueueFullError) Error() string {
	return fmt.Sprintf("relaysession: queue full (%d/%d)", e.Size, e.MaxSize)
}

// ProtocolError reports a malformed envelope. It is logged and the message
// dropped; it never closes the connection.
type ProtocolError struct {
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("relaysession: protocol: %s: %v", e.Reason, e.Err)
	}
	return "relaysession: protocol: " + e.Reason
}

func (e *ProtocolError) Unwrap() error { return e.Err }
