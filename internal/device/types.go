package device

import "fmt"

// DeliveryLevel is the broker guarantee tier of a subscription or publish.
type DeliveryLevel int

// Delivery levels supported by the bridge.
const (
	// AtMostOnce makes no delivery guarantee (QoS 0).
	AtMostOnce DeliveryLevel = 0

	// AtLeastOnce is attempted at-least-once, contingent on the publish
	// hand-off succeeding while connected (QoS 1).
	AtLeastOnce DeliveryLevel = 1
)

// QoS returns the MQTT QoS byte for the level.
func (l DeliveryLevel) QoS() byte {
	return byte(l)
}

// String returns the level name used in logs.
func (l DeliveryLevel) String() string {
	switch l {
	case AtMostOnce:
		return "at_most_once"
	case AtLeastOnce:
		return "at_least_once"
	default:
		return fmt.Sprintf("unknown(%d)", int(l))
	}
}

// ParseDeliveryLevel converts a configured QoS number to a level.
func ParseDeliveryLevel(qos int) (DeliveryLevel, error) {
	switch qos {
	case 0:
		return AtMostOnce, nil
	case 1:
		return AtLeastOnce, nil
	default:
		return 0, fmt.Errorf("%w: qos %d", ErrInvalidDeliveryLevel, qos)
	}
}

// Message is an inbound message routed to a device handler.
type Message struct {
	DeviceID string
	SubTopic string
	Topic    string
	Payload  []byte
}

// Handler processes an inbound message. It runs on the transport's dispatch
// goroutine and must return quickly.
type Handler func(Message) error

// SubTopic is one configured subscription of a device.
type SubTopic struct {
	// Name is the sub-topic below /devices/{id}/, for example "config" or "commands/#".
	Name        string
	Level       DeliveryLevel
	HandlerName string
	Handler     Handler
}

// Device is a logical device: the gateway or a leaf attached through it.
type Device struct {
	ID        string
	Gateway   bool
	SubTopics []SubTopic
}

// Subscription is a concrete topic the coordinator subscribes to.
type Subscription struct {
	DeviceID    string
	SubTopic    string
	Topic       string
	Level       DeliveryLevel
	HandlerName string
	Handler     Handler
}

// Deliver invokes the subscription's handler for a message received on topic.
// topic may be more specific than s.Topic when the sub-topic has wildcards.
func (s Subscription) Deliver(topic string, payload []byte) error {
	return s.Handler(newMessage(s.DeviceID, topic, payload))
}
