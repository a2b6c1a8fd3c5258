package device

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/danarchy-io/stargaze-gateway/internal/infrastructure/config"
	"github.com/danarchy-io/stargaze-gateway/internal/infrastructure/mqtt"
)

// Logger defines the logging interface used by the registry handlers.
// This allows different logging implementations to be used.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Device IDs follow the cloud registry rules, minus characters that are
// MQTT wildcards or level separators.
var deviceIDRegex = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9._~%-]{0,254}$`)

// Sub-topics a device may subscribe to. Only commands accepts nested levels.
var validSubTopics = map[string]struct{}{
	mqtt.SubTopicConfig:   {},
	mqtt.SubTopicErrors:   {},
	mqtt.SubTopicState:    {},
	mqtt.SubTopicEvents:   {},
	mqtt.SubTopicAttach:   {},
	mqtt.SubTopicDetach:   {},
	mqtt.SubTopicCommands: {},
}

// Registry is the fixed, ordered table of devices and their subscriptions.
//
// It is built once at startup and never mutated, so all methods are safe
// for concurrent use without locking.
type Registry struct {
	devices       []Device
	byID          map[string]int
	gateway       int
	subscriptions []Subscription
}

// NewRegistry validates devices and builds the registry.
// Exactly one device must have ID gatewayID; it is marked as the gateway
// and all others are leaves. Registry order is the order of devices.
func NewRegistry(gatewayID string, devices []Device) (*Registry, error) {
	r := &Registry{
		devices: make([]Device, 0, len(devices)),
		byID:    make(map[string]int, len(devices)),
		gateway: -1,
	}

	for _, d := range devices {
		if !deviceIDRegex.MatchString(d.ID) {
			return nil, fmt.Errorf("%w: id %q", ErrInvalidDevice, d.ID)
		}
		if _, exists := r.byID[d.ID]; exists {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateDevice, d.ID)
		}

		copied := Device{
			ID:        d.ID,
			Gateway:   d.ID == gatewayID,
			SubTopics: make([]SubTopic, len(d.SubTopics)),
		}
		for i, st := range d.SubTopics {
			if err := validateSubTopic(st.Name); err != nil {
				return nil, fmt.Errorf("device %q: %w", d.ID, err)
			}
			if st.Level != AtMostOnce && st.Level != AtLeastOnce {
				return nil, fmt.Errorf("device %q sub-topic %q: %w", d.ID, st.Name, ErrInvalidDeliveryLevel)
			}
			if st.Handler == nil {
				return nil, fmt.Errorf("device %q sub-topic %q: %w: nil handler", d.ID, st.Name, ErrUnknownHandler)
			}
			copied.SubTopics[i] = st
		}

		r.byID[d.ID] = len(r.devices)
		if copied.Gateway {
			r.gateway = len(r.devices)
		}
		r.devices = append(r.devices, copied)
	}

	if r.gateway < 0 {
		return nil, fmt.Errorf("%w: %q", ErrNoGateway, gatewayID)
	}

	topics := mqtt.Topics{}
	for _, d := range r.devices {
		for _, st := range d.SubTopics {
			r.subscriptions = append(r.subscriptions, Subscription{
				DeviceID:    d.ID,
				SubTopic:    st.Name,
				Topic:       topics.Device(d.ID, st.Name),
				Level:       st.Level,
				HandlerName: st.HandlerName,
				Handler:     st.Handler,
			})
		}
	}

	return r, nil
}

// FromConfig builds a registry from the configured device list, resolving
// handler names in handlers. An empty handler name selects "log".
func FromConfig(gatewayID string, cfgs []config.DeviceConfig, handlers HandlerTable) (*Registry, error) {
	devices := make([]Device, 0, len(cfgs))
	for _, dc := range cfgs {
		d := Device{ID: dc.ID}
		for _, sc := range dc.SubTopics {
			level, err := ParseDeliveryLevel(sc.QoS)
			if err != nil {
				return nil, fmt.Errorf("device %q sub-topic %q: %w", dc.ID, sc.Name, err)
			}

			name := sc.Handler
			if name == "" {
				name = HandlerLog
			}
			h, ok := handlers[name]
			if !ok {
				return nil, fmt.Errorf("device %q sub-topic %q: %w: %q", dc.ID, sc.Name, ErrUnknownHandler, name)
			}

			d.SubTopics = append(d.SubTopics, SubTopic{
				Name:        sc.Name,
				Level:       level,
				HandlerName: name,
				Handler:     h,
			})
		}
		devices = append(devices, d)
	}
	return NewRegistry(gatewayID, devices)
}

// validateSubTopic checks name against the bridge's sub-topic set.
func validateSubTopic(name string) error {
	first, rest, nested := strings.Cut(name, "/")
	if _, ok := validSubTopics[first]; !ok {
		return fmt.Errorf("%w: %q", ErrInvalidSubTopic, name)
	}
	if nested && first != mqtt.SubTopicCommands {
		return fmt.Errorf("%w: only commands accepts nested levels: %q", ErrInvalidSubTopic, name)
	}
	if nested && rest == "" {
		return fmt.Errorf("%w: empty level in %q", ErrInvalidSubTopic, name)
	}
	if idx := strings.Index(rest, "#"); idx >= 0 && idx != len(rest)-1 {
		return fmt.Errorf("%w: # must be the last level in %q", ErrInvalidSubTopic, name)
	}
	return nil
}

// Gateway returns the gateway device.
func (r *Registry) Gateway() Device {
	return r.devices[r.gateway]
}

// Leaves returns every non-gateway device in registry order.
func (r *Registry) Leaves() []Device {
	leaves := make([]Device, 0, len(r.devices)-1)
	for _, d := range r.devices {
		if !d.Gateway {
			leaves = append(leaves, d)
		}
	}
	return leaves
}

// Devices returns all devices in registry order, gateway included.
func (r *Registry) Devices() []Device {
	out := make([]Device, len(r.devices))
	copy(out, r.devices)
	return out
}

// Device returns the device with the given ID.
func (r *Registry) Device(id string) (Device, bool) {
	i, ok := r.byID[id]
	if !ok {
		return Device{}, false
	}
	return r.devices[i], true
}

// Subscriptions returns one entry per device and configured sub-topic,
// in registry order, with the concrete topic /devices/{id}/{subTopic}.
func (r *Registry) Subscriptions() []Subscription {
	out := make([]Subscription, len(r.subscriptions))
	copy(out, r.subscriptions)
	return out
}

// Match returns the first subscription whose topic pattern matches topic.
func (r *Registry) Match(topic string) (Subscription, bool) {
	for _, s := range r.subscriptions {
		if mqtt.TopicMatches(s.Topic, topic) {
			return s, true
		}
	}
	return Subscription{}, false
}

// Dispatch routes an inbound message by pattern lookup and invokes its handler.
// It returns ErrNoRoute if nothing matches.
func (r *Registry) Dispatch(topic string, payload []byte) error {
	s, ok := r.Match(topic)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoRoute, topic)
	}
	return s.Deliver(topic, payload)
}

// TelemetryDevice reports which registered device owns topic when topic is a
// device's events or state topic. Only those topics may carry relayed telemetry.
func (r *Registry) TelemetryDevice(topic string) (string, bool) {
	id, sub, ok := mqtt.ParseDeviceTopic(topic)
	if !ok {
		return "", false
	}
	if sub != mqtt.SubTopicEvents && sub != mqtt.SubTopicState {
		return "", false
	}
	if _, known := r.byID[id]; !known {
		return "", false
	}
	return id, true
}

// newMessage builds a Message, splitting the sub-topic out of the concrete topic.
func newMessage(deviceID, topic string, payload []byte) Message {
	_, sub, _ := mqtt.ParseDeviceTopic(topic)
	return Message{
		DeviceID: deviceID,
		SubTopic: sub,
		Topic:    topic,
		Payload:  payload,
	}
}
