package transport

import "fmt"

// ReturnCode is the result of an engine operation or the reason for a
// disconnect.
type ReturnCode int

// Return codes.
const (
	Success ReturnCode = iota
	NoMem
	ProtocolViolation
	Inval
	NoConn
	ConnRefused
	NotFound
	ConnLost
	TLSFailure
	PayloadSize
	NotSupported
	Auth
	ACLDenied
	Unknown
	Errno
	QueueSize
	Keepalive
)

var returnCodeText = map[ReturnCode]string{
	Success:           "no error",
	NoMem:             "out of memory",
	ProtocolViolation: "a network protocol error occurred when communicating with the broker",
	Inval:             "invalid function arguments provided",
	NoConn:            "the client is not currently connected",
	ConnRefused:       "the connection was refused",
	NotFound:          "message not found",
	ConnLost:          "the connection was lost",
	TLSFailure:        "a TLS error occurred",
	PayloadSize:       "payload too large",
	NotSupported:      "this feature is not supported",
	Auth:              "authorisation failed",
	ACLDenied:         "access denied by ACL",
	Unknown:           "unknown error",
	Errno:             "error defined by errno",
	QueueSize:         "message queue full",
	Keepalive:         "client or broker did not communicate in the keepalive interval",
}

// String returns a human-readable description.
func (rc ReturnCode) String() string {
	if s, ok := returnCodeText[rc]; ok {
		return s
	}
	return fmt.Sprintf("unknown return code %d", int(rc))
}

// ConnackCode is the return code carried by a CONNACK packet.
type ConnackCode byte

// CONNACK return codes (MQTT 3.1.1).
const (
	ConnackAccepted ConnackCode = iota
	ConnackRefusedProtocolVersion
	ConnackRefusedIdentifierRejected
	ConnackRefusedServerUnavailable
	ConnackRefusedBadCredentials
	ConnackRefusedNotAuthorized
)

// String returns a human-readable description.
func (c ConnackCode) String() string {
	switch c {
	case ConnackAccepted:
		return "connection accepted"
	case ConnackRefusedProtocolVersion:
		return "connection refused: unacceptable protocol version"
	case ConnackRefusedIdentifierRejected:
		return "connection refused: identifier rejected"
	case ConnackRefusedServerUnavailable:
		return "connection refused: broker unavailable"
	case ConnackRefusedBadCredentials:
		return "connection refused: bad user name or password"
	case ConnackRefusedNotAuthorized:
		return "connection refused: not authorised"
	default:
		return fmt.Sprintf("connection refused: unknown reason %d", byte(c))
	}
}
