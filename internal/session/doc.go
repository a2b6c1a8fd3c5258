// Package session implements the gateway's session coordinator.
//
// The broker only accepts short-lived credentials, so the coordinator
// rotates them by running the connection in cycles:
//
//	Idle → Connecting → Attaching → Subscribing → Running → Detaching → Disconnecting → Idle
//
//   - Connecting: issue a fresh credential and connect; wait (bounded) for
//     the connection-established signal
//   - Attaching: publish an attach message for every leaf device, then wait
//     a settle delay
//   - Subscribing: subscribe every device sub-topic from the registry
//   - Running: run heartbeat and other tasks until the reconnect deadline
//     (strictly before credential expiry), a lost connection, or shutdown
//   - Detaching: publish a detach message for every leaf device
//   - Disconnecting: disconnect and wait (bounded) for the close signal
//
// Run loops over cycles. A failed or lost cycle is retried with exponential
// backoff; credential failures are fatal. Each cycle can be recorded in a
// Journal (SQLite in production).
package session
