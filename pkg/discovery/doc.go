// Package discovery finds MQTT brokers on the local network via DNS-SD
// (mDNS).
//
// Brokers advertise one of two service types:
//
//	_secure-mqtt._tcp   MQTT over TLS (the default browse target)
//	_mqtt._tcp          plain MQTT, listed for completeness
//
// TXT records may carry hints for the connection manager:
//
//	transport=websockets   connect over secure websockets
//	path=/mqtt             websocket path
//	hub=name.example.net   TLS server name when it differs from the host
//
// Services are aggregated by instance name: addresses seen on several
// interfaces are merged into one Broker.
package discovery
