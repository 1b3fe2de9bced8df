// Package connection manages the lifetime of one MQTT session with an IoT
// hub or broker.
//
// A Manager drives a transport.Engine and turns its callback-style API into
// blocking, context-aware operations:
//
//	m, err := connection.New(connection.Config{
//		Hostname:      "hub.example.net",
//		ClientID:      "device-1",
//		AutoReconnect: true,
//	})
//	...
//	if err := m.Connect(ctx); err != nil { ... }
//	if err := m.Subscribe(ctx, "devices/device-1/messages/devicebound/#"); err != nil { ... }
//
// # Tracking
//
// Every subscribe, unsubscribe and publish gets a message id from the engine.
// The id is registered while the tracking lock is still held, so an
// acknowledgement can never arrive for an id that is not yet known. Waiting
// callers are released when the matching acknowledgement arrives. If the
// caller's context ends first, the entry is removed and a late
// acknowledgement is logged and dropped.
//
// Publishes issued while disconnected are not errors: the engine queues them
// and they complete once the broker acknowledges them after a reconnect.
// Pending subscribes and unsubscribes do not survive a disconnect; their
// callers receive ErrOperationCancelled.
//
// # Reconnection
//
// With Config.AutoReconnect set, Connect starts a reconnect daemon. The
// daemon sleeps until the session is disconnected while a connection is
// still desired, then calls Connect again, waiting ReconnectInterval between
// failed attempts. CONNACK codes that cannot change on retry
// (unacceptable protocol version, identifier rejected) stop the daemon.
// Disconnect stops it.
//
// # Connect serialization
//
// Connect and Disconnect are serialized by a context-aware lock. A Connect
// whose context ends while the handshake is in flight returns immediately,
// but the lock stays held until the handshake has produced a result, so two
// handshakes never overlap.
package connection
