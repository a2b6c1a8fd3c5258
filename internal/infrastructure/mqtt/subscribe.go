package mqtt

import (
	"fmt"
)

// Subscribe registers handler for messages matching topic and waits for the
// broker's acknowledgement.
//
// Topics can include MQTT wildcards:
//   - + (single-level): "/devices/+/config"
//   - # (multi-level): "/devices/sensor/commands/#"
//
// The handler runs on the transport's dispatch goroutine. Subscriptions are
// not restored across connections: the coordinator re-subscribes every cycle.
//
// Returns:
//   - error: ErrNotConnected, ErrInvalidTopic, ErrInvalidQoS or ErrSubscribeFailed
func (s *Session) Subscribe(topic string, qos byte, handler MessageHandler) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	if qos > maxQoS {
		return ErrInvalidQoS
	}
	if handler == nil {
		return fmt.Errorf("%w: handler cannot be nil", ErrSubscribeFailed)
	}

	s.mu.Lock()
	if s.state != Connected {
		s.mu.Unlock()
		return ErrNotConnected
	}
	token := s.client.Subscribe(topic, qos, s.wrapHandler(handler))
	timeout := s.opts.SubscribeTimeout
	s.mu.Unlock()

	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("%w: timeout after %v", ErrSubscribeFailed, timeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrSubscribeFailed, err)
	}

	return nil
}
