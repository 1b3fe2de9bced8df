// Package transport provides the MQTT protocol engine used by the
// connection manager.
//
// The Engine interface is the narrow contract the manager drives: connect,
// disconnect, subscribe, unsubscribe and publish return immediately with a
// ReturnCode and a message id, and completion is reported later through a
// Handler. PahoEngine implements it over the Eclipse Paho client.
//
// # Protocol Stack
//
//	┌────────────────────────────────┐
//	│   Application topics/payloads  │
//	├────────────────────────────────┤
//	│         MQTT 3.1.1             │
//	├────────────────────────────────┤
//	│   WebSocket (optional, /path)  │
//	├────────────────────────────────┤
//	│         TLS 1.2+               │
//	├────────────────────────────────┤
//	│   TCP (optionally via proxy)   │
//	└────────────────────────────────┘
//
// # Event Delivery
//
// Handler methods run on a single dispatch goroutine started by LoopStart.
// Events raised while the loop is stopped are queued and delivered once it
// is started again, so a CONNACK received during Connect is never lost.
//
// # Offline Publishes
//
// Publishes issued while disconnected return NoConn and are queued. They
// are sent after the next successful Connect and acknowledged through
// OnPublish with their original message id.
package transport
