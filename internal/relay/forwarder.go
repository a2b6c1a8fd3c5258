package relay

import (
	"errors"
	"fmt"
	"time"

	"github.com/danarchy-io/stargaze-gateway/internal/infrastructure/metrics"
	"github.com/danarchy-io/stargaze-gateway/internal/infrastructure/mqtt"
)

// Forwarder consumes records read from the producer connection.
type Forwarder interface {
	Forward(rec Record) error
}

// Publisher hands a message to the broker session. *session.Coordinator
// satisfies it; outside Running it returns an error wrapping mqtt.ErrNotConnected.
type Publisher interface {
	Publish(topic string, payload []byte, qos byte) (uint16, error)
}

// TopicPolicy decides which topics the producer may publish on.
// *device.Registry satisfies it.
type TopicPolicy interface {
	TelemetryDevice(topic string) (deviceID string, ok bool)
}

// Mirror receives a copy of every accepted events record, published or not.
// *influxdb.Client satisfies it.
type Mirror interface {
	WriteTelemetry(deviceID string, payload []byte, ts time.Time) error
}

// DeviceForwarder publishes producer records on their device topics.
// Records are published synchronously in arrival order and are never retried.
type DeviceForwarder struct {
	policy    TopicPolicy
	publisher Publisher
	qos       byte
	mirror    Mirror
	metrics   *metrics.Metrics
	logger    Logger
}

// NewDeviceForwarder creates a forwarder publishing at qos.
func NewDeviceForwarder(policy TopicPolicy, publisher Publisher, qos byte) *DeviceForwarder {
	return &DeviceForwarder{
		policy:    policy,
		publisher: publisher,
		qos:       qos,
		logger:    noopLogger{},
	}
}

// SetMirror sets the optional telemetry archive.
func (f *DeviceForwarder) SetMirror(m Mirror) {
	f.mirror = m
}

// SetMetrics sets the metrics recorder.
func (f *DeviceForwarder) SetMetrics(m *metrics.Metrics) {
	f.metrics = m
}

// SetLogger sets the logger.
func (f *DeviceForwarder) SetLogger(logger Logger) {
	f.logger = logger
}

// Forward publishes rec on its topic.
//
// Returns:
//   - ErrTopicNotAllowed if the topic is not a registered events/state topic
//   - an error wrapping mqtt.ErrNotConnected outside the Running state
//   - the publish error otherwise
func (f *DeviceForwarder) Forward(rec Record) error {
	deviceID, ok := f.policy.TelemetryDevice(rec.Topic)
	if !ok {
		f.metrics.RelayRecord(metrics.ResultDropped)
		return fmt.Errorf("%w: %q", ErrTopicNotAllowed, rec.Topic)
	}

	f.mirrorRecord(deviceID, rec)

	id, err := f.publisher.Publish(rec.Topic, []byte(rec.Payload), f.qos)
	if err != nil {
		if errors.Is(err, mqtt.ErrNotConnected) {
			f.metrics.RelayRecord(metrics.ResultNotConnected)
		} else {
			f.metrics.RelayRecord(metrics.ResultError)
		}
		return fmt.Errorf("publishing %s: %w", rec.Topic, err)
	}

	f.metrics.RelayRecord(metrics.ResultOK)
	f.logger.Debug("telemetry published",
		"device_id", deviceID,
		"topic", rec.Topic,
		"message_id", id,
	)
	return nil
}

func (f *DeviceForwarder) mirrorRecord(deviceID string, rec Record) {
	if f.mirror == nil {
		return
	}
	if _, sub, _ := mqtt.ParseDeviceTopic(rec.Topic); sub != mqtt.SubTopicEvents {
		return
	}
	ts := rec.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	if err := f.mirror.WriteTelemetry(deviceID, []byte(rec.Payload), ts); err != nil {
		f.logger.Warn("telemetry mirror write failed",
			"device_id", deviceID,
			"error", err,
		)
	}
}
