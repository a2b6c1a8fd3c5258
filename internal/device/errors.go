package device

import "errors"

// Domain errors for the device package.
//
// These errors can be checked using errors.Is() for error handling:
//
//	if errors.Is(err, device.ErrNoRoute) {
//	    // message for a topic nobody subscribed to
//	}
var (
	// ErrNoGateway is returned when the device list does not contain the gateway identity.
	ErrNoGateway = errors.New("device: gateway device missing")

	// ErrDuplicateDevice is returned when two devices share an ID.
	ErrDuplicateDevice = errors.New("device: duplicate device id")

	// ErrInvalidDevice is returned when a device ID is empty or malformed.
	ErrInvalidDevice = errors.New("device: invalid device")

	// ErrInvalidSubTopic is returned for a sub-topic outside the bridge's topic set.
	ErrInvalidSubTopic = errors.New("device: invalid sub-topic")

	// ErrInvalidDeliveryLevel is returned for a QoS other than 0 or 1.
	ErrInvalidDeliveryLevel = errors.New("device: invalid delivery level")

	// ErrUnknownHandler is returned when a sub-topic names a handler that is not registered.
	ErrUnknownHandler = errors.New("device: unknown handler")

	// ErrNoRoute is returned by Dispatch when no subscription matches the topic.
	ErrNoRoute = errors.New("device: no route for topic")
)
