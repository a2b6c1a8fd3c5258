// Package heartbeat publishes periodic liveness messages for the gateway's
// devices while the broker session is running.
package heartbeat
