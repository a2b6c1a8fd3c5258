package heartbeat

import (
	"context"
	"errors"
	"time"

	"github.com/danarchy-io/stargaze-gateway/internal/infrastructure/metrics"
	"github.com/danarchy-io/stargaze-gateway/internal/infrastructure/mqtt"
)

// defaultInterval is used when Config.Interval is zero.
const defaultInterval = 2 * time.Minute

// Publisher sends heartbeats. *session.Coordinator satisfies it.
type Publisher interface {
	Publish(topic string, payload []byte, qos byte) (uint16, error)
}

// Logger is the logging interface used by the emitter.
type Logger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Warn(string, ...any)  {}

// Config holds emitter settings.
type Config struct {
	// DeviceIDs receive a heartbeat on their state topic each interval.
	DeviceIDs []string

	// Interval between heartbeats. Default: 2 minutes.
	Interval time.Duration

	// QoS of the heartbeat publishes (0 or 1).
	QoS byte
}

// Emitter publishes "ping <timestamp>" on each device's state topic.
// Heartbeats are best-effort: publish failures are logged and never retried.
type Emitter struct {
	cfg       Config
	publisher Publisher
	logger    Logger
	metrics   *metrics.Metrics

	// now and tick are replaced in tests.
	now  func() time.Time
	tick func(time.Duration) (<-chan time.Time, func())
}

// New creates an emitter.
func New(cfg Config, publisher Publisher) *Emitter {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	return &Emitter{
		cfg:       cfg,
		publisher: publisher,
		logger:    noopLogger{},
		now:       time.Now,
		tick: func(d time.Duration) (<-chan time.Time, func()) {
			t := time.NewTicker(d)
			return t.C, t.Stop
		},
	}
}

// SetLogger sets the logger.
func (e *Emitter) SetLogger(logger Logger) {
	e.logger = logger
}

// SetMetrics sets the metrics recorder.
func (e *Emitter) SetMetrics(m *metrics.Metrics) {
	e.metrics = m
}

// Run beats once immediately and then every interval until ctx is cancelled.
// It is registered as a coordinator running task, so it only runs while the
// session is Running.
func (e *Emitter) Run(ctx context.Context) {
	ticks, stop := e.tick(e.cfg.Interval)
	defer stop()

	e.Beat()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticks:
			e.Beat()
		}
	}
}

// Beat publishes one heartbeat per device.
func (e *Emitter) Beat() {
	payload := []byte("ping " + e.now().Format(time.RFC3339))
	topics := mqtt.Topics{}

	for _, id := range e.cfg.DeviceIDs {
		topic := topics.State(id)
		if _, err := e.publisher.Publish(topic, payload, e.cfg.QoS); err != nil {
			e.metrics.Published("heartbeat", publishResult(err))
			e.logger.Warn("heartbeat publish failed", "device_id", id, "error", err)
			continue
		}
		e.metrics.Published("heartbeat", metrics.ResultOK)
		e.logger.Debug("heartbeat published", "device_id", id, "topic", topic)
	}
}

func publishResult(err error) string {
	if errors.Is(err, mqtt.ErrNotConnected) {
		return metrics.ResultNotConnected
	}
	return metrics.ResultError
}
