package influxdb

import "errors"

// Sentinel errors for the telemetry mirror.
var (
	// ErrNotConnected is returned by writes after Close.
	ErrNotConnected = errors.New("influxdb: not connected")

	// ErrConnectionFailed means the startup ping did not succeed.
	ErrConnectionFailed = errors.New("influxdb: connection failed")

	// ErrWriteFailed wraps payloads that cannot be mirrored and the
	// asynchronous write errors delivered to the SetOnError callback.
	ErrWriteFailed = errors.New("influxdb: write failed")

	// ErrDisabled is returned by Connect when influxdb.enabled is false.
	ErrDisabled = errors.New("influxdb: mirror disabled")
)
