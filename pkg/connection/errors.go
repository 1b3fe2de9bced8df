package connection

import (
	"errors"
	"fmt"

	"github.com/mash-protocol/iotsession/pkg/transport"
)

// Sentinel errors.
var (
	// ErrOperationCancelled is returned to callers of a pending subscribe or
	// unsubscribe when the connection goes away.
	ErrOperationCancelled = errors.New("connection: operation cancelled by disconnect")

	ErrClosed         = errors.New("connection: manager closed")
	ErrFilterExists   = errors.New("connection: message filter already exists")
	ErrFilterNotFound = errors.New("connection: message filter not found")
	ErrInvalidTopic   = errors.New("connection: invalid topic")
)

// ProtocolError reports a non-success engine return code.
type ProtocolError struct {
	Code transport.ReturnCode
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("mqtt protocol error: %s (rc %d)", e.Code, int(e.Code))
}

// ConnectionFailedError reports a failed connection attempt. Code is set when
// the broker refused the CONNACK; Message (and possibly Err) when no CONNACK
// was received.
type ConnectionFailedError struct {
	Code    transport.ConnackCode
	Message string

	// Fatal means retrying with the same configuration cannot succeed.
	Fatal bool

	Err error
}

func (e *ConnectionFailedError) Error() string {
	if e.Message != "" {
		if e.Err != nil {
			return fmt.Sprintf("connection failed: %s: %v", e.Message, e.Err)
		}
		return "connection failed: " + e.Message
	}
	return fmt.Sprintf("connection failed: %s (rc %d)", e.Code, int(e.Code))
}

func (e *ConnectionFailedError) Unwrap() error { return e.Err }

// fatalConnack reports whether a CONNACK refusal will repeat on every retry.
func fatalConnack(code transport.ConnackCode) bool {
	switch code {
	case transport.ConnackRefusedProtocolVersion, transport.ConnackRefusedIdentifierRejected:
		return true
	}
	return false
}
