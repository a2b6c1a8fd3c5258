package relay

import "errors"

// Domain errors for the telemetry relay.
var (
	// ErrUnauthorized is returned when the producer fails the handshake.
	ErrUnauthorized = errors.New("relay: unauthorized")

	// ErrFrameTooLarge is returned when a frame exceeds maxFrameSize.
	ErrFrameTooLarge = errors.New("relay: frame too large")

	// ErrInvalidRecord is returned for a frame that is not a valid record.
	ErrInvalidRecord = errors.New("relay: invalid record")

	// ErrTopicNotAllowed is returned for records whose topic is not a
	// registered device's events or state topic.
	ErrTopicNotAllowed = errors.New("relay: topic not allowed")

	// ErrNoSecret is returned when a server or client is built without a shared secret.
	ErrNoSecret = errors.New("relay: shared secret is empty")
)
