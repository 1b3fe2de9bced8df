// Package session wires the pieces of an IoT device session together.
//
// A Session sets the MQTT username and the current SAS token on the
// connection manager before connecting, replaces the credentials whenever
// the token provider renews the token, and runs request/response exchanges
// over the request ledger:
//
//	sess.Start()
//	err := sess.EnableResponses(ctx, "$iothub/twin/res/#", parseTwinResponse)
//	resp, err := sess.Exchange(ctx, func(rid string) string {
//		return "$iothub/twin/GET/?$rid=" + rid
//	}, []byte(" "))
//
// Topic layout and payload encoding belong to the caller.
package session
