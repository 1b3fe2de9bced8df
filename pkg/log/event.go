package log

import "time"

// Event is a protocol log event.
// CBOR encoding uses integer keys for compactness.
type Event struct {
	// Timestamp when the event occurred (nanosecond precision).
	Timestamp time.Time `cbor:"1,keyasint"`

	// ConnectionID identifies one connection attempt and its lifetime (UUID).
	ConnectionID string `cbor:"2,keyasint"`

	// Direction indicates packet flow. Only meaningful for packet events.
	Direction Direction `cbor:"3,keyasint"`

	// Category classifies the event.
	Category Category `cbor:"4,keyasint"`

	// ClientID is the MQTT client identifier.
	ClientID string `cbor:"5,keyasint,omitempty"`

	// Broker is the broker host:port.
	Broker string `cbor:"6,keyasint,omitempty"`

	// Type-specific payload (one of these will be set).
	Packet      *PacketEvent      `cbor:"10,keyasint,omitempty"`
	StateChange *StateChangeEvent `cbor:"11,keyasint,omitempty"`
	Error       *ErrorEventData   `cbor:"12,keyasint,omitempty"`
}

// Direction indicates the direction of packet flow.
type Direction uint8

const (
	// DirectionIn indicates a packet from the broker.
	DirectionIn Direction = 0
	// DirectionOut indicates a packet to the broker.
	DirectionOut Direction = 1
)

// String returns the direction name.
func (d Direction) String() string {
	switch d {
	case DirectionIn:
		return "IN"
	case DirectionOut:
		return "OUT"
	default:
		return "UNKNOWN"
	}
}

// Category classifies the event type.
type Category uint8

const (
	// CategoryPacket indicates an MQTT packet.
	CategoryPacket Category = 0
	// CategoryState indicates a state change.
	CategoryState Category = 1
	// CategoryError indicates an error event.
	CategoryError Category = 2
)

// String returns the category name.
func (c Category) String() string {
	switch c {
	case CategoryPacket:
		return "PACKET"
	case CategoryState:
		return "STATE"
	case CategoryError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// PacketType is the MQTT control packet type.
type PacketType uint8

// MQTT packet types, numbered as on the wire.
const (
	PacketConnect     PacketType = 1
	PacketConnack     PacketType = 2
	PacketPublish     PacketType = 3
	PacketPuback      PacketType = 4
	PacketSubscribe   PacketType = 8
	PacketSuback      PacketType = 9
	PacketUnsubscribe PacketType = 10
	PacketUnsuback    PacketType = 11
	PacketDisconnect  PacketType = 14
)

// String returns the packet type name.
func (p PacketType) String() string {
	switch p {
	case PacketConnect:
		return "CONNECT"
	case PacketConnack:
		return "CONNACK"
	case PacketPublish:
		return "PUBLISH"
	case PacketPuback:
		return "PUBACK"
	case PacketSubscribe:
		return "SUBSCRIBE"
	case PacketSuback:
		return "SUBACK"
	case PacketUnsubscribe:
		return "UNSUBSCRIBE"
	case PacketUnsuback:
		return "UNSUBACK"
	case PacketDisconnect:
		return "DISCONNECT"
	default:
		return "UNKNOWN"
	}
}

// ParsePacketType parses a packet type name as returned by String.
func ParsePacketType(s string) (PacketType, bool) {
	for _, p := range []PacketType{
		PacketConnect, PacketConnack, PacketPublish, PacketPuback, PacketSubscribe,
		PacketSuback, PacketUnsubscribe, PacketUnsuback, PacketDisconnect,
	} {
		if p.String() == s {
			return p, true
		}
	}
	return 0, false
}

// MaxPayloadCapture is the number of payload bytes kept in a PacketEvent.
const MaxPayloadCapture = 256

// PacketEvent captures an MQTT packet exchanged with the broker.
type PacketEvent struct {
	Type PacketType `cbor:"1,keyasint"`

	// MessageID is the engine message id (0 for CONNECT/CONNACK/DISCONNECT).
	MessageID uint16 `cbor:"2,keyasint,omitempty"`

	// Topic for PUBLISH, SUBSCRIBE and UNSUBSCRIBE.
	Topic string `cbor:"3,keyasint,omitempty"`

	// ReturnCode is the CONNACK code or the engine return code of the call.
	ReturnCode *int `cbor:"4,keyasint,omitempty"`

	// PayloadSize is the full payload length.
	PayloadSize int `cbor:"5,keyasint,omitempty"`

	// Payload holds at most MaxPayloadCapture bytes.
	Payload []byte `cbor:"6,keyasint,omitempty"`

	// Truncated indicates if Payload was truncated.
	Truncated bool `cbor:"7,keyasint,omitempty"`

	// Latency is the time from the request packet to its acknowledgement.
	Latency *time.Duration `cbor:"8,keyasint,omitempty"`
}

// CapturePayload sets Payload, PayloadSize and Truncated from data.
func (p *PacketEvent) CapturePayload(data []byte) {
	p.PayloadSize = len(data)
	if len(data) > MaxPayloadCapture {
		p.Payload = append([]byte(nil), data[:MaxPayloadCapture]...)
		p.Truncated = true
		return
	}
	p.Payload = append([]byte(nil), data...)
}

// StateChangeEvent captures connection and credential lifecycle events.
type StateChangeEvent struct {
	// Entity being changed.
	Entity StateEntity `cbor:"1,keyasint"`

	// OldState is the previous state (may be empty).
	OldState string `cbor:"2,keyasint,omitempty"`

	// NewState is the new state.
	NewState string `cbor:"3,keyasint"`

	// Reason for the change (if available).
	Reason string `cbor:"4,keyasint,omitempty"`
}

// StateEntity indicates what entity changed state.
type StateEntity uint8

const (
	// StateEntityConnection indicates a connection state change.
	StateEntityConnection StateEntity = 0
	// StateEntityCredentials indicates new credentials were applied.
	StateEntityCredentials StateEntity = 1
	// StateEntityReconnect indicates a reconnect daemon state change.
	StateEntityReconnect StateEntity = 2
)

// String returns the state entity name.
func (s StateEntity) String() string {
	switch s {
	case StateEntityConnection:
		return "CONNECTION"
	case StateEntityCredentials:
		return "CREDENTIALS"
	case StateEntityReconnect:
		return "RECONNECT"
	default:
		return "UNKNOWN"
	}
}

// ErrorEventData captures protocol errors.
type ErrorEventData struct {
	// Message is the error message.
	Message string `cbor:"1,keyasint"`

	// Code is the return code (if applicable).
	Code *int `cbor:"2,keyasint,omitempty"`

	// Context describes what operation was being performed.
	Context string `cbor:"3,keyasint,omitempty"`
}
