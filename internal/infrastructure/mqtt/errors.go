package mqtt

import "errors"

// Domain-specific errors for the broker session.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrNotConnected is returned when publishing or subscribing while the
	// session is not in the Connected state. No network call is made.
	ErrNotConnected = errors.New("mqtt: session not connected")

	// ErrAlreadyConnected is returned by Connect when a previous connection
	// has not been torn down yet.
	ErrAlreadyConnected = errors.New("mqtt: session already connecting or connected")

	// ErrConnectionFailed is returned when the broker or network rejects a connect attempt.
	ErrConnectionFailed = errors.New("mqtt: connection failed")

	// ErrConnectTimeout is returned when the connection-established signal
	// does not fire within the allowed time.
	ErrConnectTimeout = errors.New("mqtt: connect timed out")

	// ErrDisconnectTimeout is returned when the disconnection signal does not
	// fire within the allowed time. Callers log it and carry on.
	ErrDisconnectTimeout = errors.New("mqtt: disconnect timed out")

	// ErrConnectionLost is the close reason when the broker drops a live connection.
	ErrConnectionLost = errors.New("mqtt: connection lost")

	// ErrPublishFailed is returned when the network layer refuses a publish hand-off.
	ErrPublishFailed = errors.New("mqtt: publish failed")

	// ErrSubscribeFailed is returned when a subscribe operation fails.
	ErrSubscribeFailed = errors.New("mqtt: subscribe failed")

	// ErrInvalidQoS is returned when a QoS other than 0 or 1 is requested.
	// The broker supports only these two delivery levels.
	ErrInvalidQoS = errors.New("mqtt: invalid QoS level (must be 0 or 1)")

	// ErrInvalidTopic is returned when an empty topic is provided.
	ErrInvalidTopic = errors.New("mqtt: topic cannot be empty")

	// ErrCABundleFetch is returned when the trust bundle cannot be downloaded or parsed.
	ErrCABundleFetch = errors.New("mqtt: CA bundle fetch failed")
)
