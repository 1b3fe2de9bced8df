package transport

import "time"

// QoS1 is the only quality of service level the session uses.
const QoS1 byte = 1

// Message is an incoming application message.
type Message struct {
	Topic    string
	Payload  []byte
	QoS      byte
	Retained bool
}

// Handler receives engine events. All methods are called from the engine's
// single dispatch goroutine, in order, while the loop is running.
type Handler interface {
	// OnConnect reports the CONNACK result of a Connect.
	OnConnect(code ConnackCode)

	// OnDisconnect reports that the connection ended. rc is Success for a
	// requested disconnect.
	OnDisconnect(rc ReturnCode)

	OnSubscribe(mid uint16)
	OnUnsubscribe(mid uint16)
	OnPublish(mid uint16)

	// OnMessage delivers an incoming message once per matching route, or
	// once with route "" if no route matches.
	OnMessage(route string, msg *Message)
}

// Engine is the MQTT protocol engine the connection manager drives.
//
// Operations that return a message id register nothing themselves; the
// corresponding Handler callback fires with the same id once the broker
// acknowledges it.
type Engine interface {
	SetHandler(h Handler)
	SetCredentials(username, password string)

	// Connect opens the network connection and performs the MQTT handshake.
	// An error means no CONNACK was received; a received CONNACK, accepted or
	// not, is reported through OnConnect.
	Connect(host string, port int, keepAlive time.Duration) error
	Disconnect() ReturnCode

	Subscribe(topic string, qos byte) (ReturnCode, uint16)
	Unsubscribe(topic string) (ReturnCode, uint16)
	Publish(topic string, qos byte, payload []byte) (ReturnCode, uint16)

	AddRoute(filter string)
	RemoveRoute(filter string)

	// LoopStart starts delivering events to the handler.
	LoopStart() error
	// LoopStop stops delivering events. Undelivered events are kept.
	LoopStop() error
}
