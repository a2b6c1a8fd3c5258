// Package relay carries telemetry from the out-of-process sensor producer
// to the gateway's broker session.
//
// The channel is a local byte stream (TCP loopback or a Unix socket) framed
// as newline-delimited JSON, at most 1 MiB per frame:
//
//	server → {"challenge":"<hex of 32 random bytes>"}
//	client → {"auth":"<hex HMAC-SHA256(secret, challenge bytes)>"}
//	server → {"ok":true}
//	client → {"topic":"/devices/sensor/events","payload":"...","timestamp":"..."}
//	...
//
// The secret is shared out of band, usually through the producer's
// environment. The Server handles one producer at a time and forwards each
// record synchronously, so records from one connection are published in the
// order they were sent. Nothing is buffered or retried: a record that arrives
// while the session is not Running is dropped.
package relay
