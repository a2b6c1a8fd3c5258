package mqtt

import (
	"fmt"
)

// Maximum payload size for MQTT messages (256KB, the bridge's limit for telemetry).
const maxPayloadSize = 256 << 10

// messageIDer is implemented by paho's PublishToken.
type messageIDer interface {
	MessageID() uint16
}

// Publish hands a message to the network layer.
//
// Parameters:
//   - topic: The topic to publish to (e.g., "/devices/sensor/events")
//   - payload: The message payload
//   - qos: 0 (no guarantee) or 1 (attempted at-least-once)
//
// Publish never blocks on delivery and never queues: when the session is not
// Connected it returns ErrNotConnected without touching the network. At QoS 1
// the only guarantee is that the hand-off succeeded; nothing is retried if
// the connection drops before the PUBACK.
//
// Returns:
//   - uint16: the in-flight message identifier (0 for QoS 0)
//   - error: ErrNotConnected, ErrInvalidTopic, ErrInvalidQoS or ErrPublishFailed
func (s *Session) Publish(topic string, payload []byte, qos byte) (uint16, error) {
	if topic == "" {
		return 0, ErrInvalidTopic
	}
	if qos > maxQoS {
		return 0, ErrInvalidQoS
	}
	if len(payload) > maxPayloadSize {
		return 0, fmt.Errorf("%w: payload size %d exceeds maximum %d bytes", ErrPublishFailed, len(payload), maxPayloadSize)
	}

	s.mu.Lock()
	if s.state != Connected {
		s.mu.Unlock()
		return 0, ErrNotConnected
	}
	token := s.client.Publish(topic, qos, false, payload)
	s.mu.Unlock()

	// A token that already completed with an error means the hand-off was refused.
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return 0, fmt.Errorf("%w: %w", ErrPublishFailed, err)
		}
	default:
	}

	var id uint16
	if t, ok := token.(messageIDer); ok {
		id = t.MessageID()
	}
	return id, nil
}
