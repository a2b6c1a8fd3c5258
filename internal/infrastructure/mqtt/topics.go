package mqtt

import (
	"fmt"
	"strings"
)

// TopicPrefixDevices is the root of every device topic on the bridge.
const TopicPrefixDevices = "/devices"

// Well-known sub-topics of a device.
const (
	SubTopicConfig   = "config"
	SubTopicErrors   = "errors"
	SubTopicCommands = "commands"
	SubTopicAttach   = "attach"
	SubTopicDetach   = "detach"
	SubTopicState    = "state"
	SubTopicEvents   = "events"
)

// Topics provides builders for device topics.
// Using these helpers ensures consistent topic naming across the codebase.
//
//	topics := mqtt.Topics{}
//	eventsTopic := topics.Events("sensor")
//	// Returns: "/devices/sensor/events"
type Topics struct{}

// Device returns the concrete topic for a device sub-topic.
//
// Example: /devices/sensor/commands/#
func (Topics) Device(deviceID, subTopic string) string {
	return fmt.Sprintf("%s/%s/%s", TopicPrefixDevices, deviceID, subTopic)
}

// Attach returns the topic on which a leaf device is bound to the gateway connection.
//
// Example: /devices/sensor/attach
func (t Topics) Attach(deviceID string) string {
	return t.Device(deviceID, SubTopicAttach)
}

// Detach returns the topic on which a leaf device is unbound.
//
// Example: /devices/sensor/detach
func (t Topics) Detach(deviceID string) string {
	return t.Device(deviceID, SubTopicDetach)
}

// Events returns the telemetry topic of a device.
//
// Example: /devices/sensor/events
func (t Topics) Events(deviceID string) string {
	return t.Device(deviceID, SubTopicEvents)
}

// State returns the state (heartbeat) topic of a device.
//
// Example: /devices/default/state
func (t Topics) State(deviceID string) string {
	return t.Device(deviceID, SubTopicState)
}

// Config returns the configuration topic pushed by the cloud.
func (t Topics) Config(deviceID string) string {
	return t.Device(deviceID, SubTopicConfig)
}

// Errors returns the gateway error-report topic of a device.
func (t Topics) Errors(deviceID string) string {
	return t.Device(deviceID, SubTopicErrors)
}

// Commands returns the wildcard commands topic of a device.
//
// Example: /devices/sensor/commands/#
func (t Topics) Commands(deviceID string) string {
	return t.Device(deviceID, SubTopicCommands+"/#")
}

// ParseDeviceTopic splits "/devices/{id}/{sub...}" into the device id and sub-topic.
func ParseDeviceTopic(topic string) (deviceID, subTopic string, ok bool) {
	rest, found := strings.CutPrefix(topic, TopicPrefixDevices+"/")
	if !found {
		return "", "", false
	}
	deviceID, subTopic, found = strings.Cut(rest, "/")
	if !found || deviceID == "" || subTopic == "" {
		return "", "", false
	}
	return deviceID, subTopic, true
}

// TopicMatches reports whether topic matches the subscription pattern,
// honouring the + (single level) and # (remaining levels) wildcards.
func TopicMatches(pattern, topic string) bool {
	p := strings.Split(pattern, "/")
	t := strings.Split(topic, "/")

	for i, level := range p {
		if level == "#" {
			return true
		}
		if i >= len(t) {
			return false
		}
		if level != "+" && level != t[i] {
			return false
		}
	}
	return len(p) == len(t)
}
