package device

import (
	"sort"
	"sync"
	"time"
)

// Built-in handler names referenced from configuration.
const (
	HandlerConfig   = "config"
	HandlerErrors   = "errors"
	HandlerCommands = "commands"
	HandlerLog      = "log"
)

// maxLoggedPayload caps the payload text copied into log lines.
const maxLoggedPayload = 512

// HandlerTable maps configured handler names to handlers.
type HandlerTable map[string]Handler

// BuiltinHandlers returns the handlers available to configuration:
//   - config: stores the latest configuration per device in store
//   - errors: logs bridge error reports at warn level
//   - commands: logs commands at info level
//   - log: logs any message at info level
func BuiltinHandlers(store *ConfigStore, logger Logger) HandlerTable {
	if logger == nil {
		logger = noopLogger{}
	}

	return HandlerTable{
		HandlerConfig: func(msg Message) error {
			version := store.Put(msg.DeviceID, msg.Payload)
			logger.Info("device config received",
				"device_id", msg.DeviceID,
				"topic", msg.Topic,
				"version", version,
				"bytes", len(msg.Payload),
			)
			return nil
		},
		HandlerErrors: func(msg Message) error {
			logger.Warn("device error reported",
				"device_id", msg.DeviceID,
				"topic", msg.Topic,
				"payload", truncate(msg.Payload),
			)
			return nil
		},
		HandlerCommands: func(msg Message) error {
			logger.Info("device command received",
				"device_id", msg.DeviceID,
				"topic", msg.Topic,
				"payload", truncate(msg.Payload),
			)
			return nil
		},
		HandlerLog: func(msg Message) error {
			logger.Info("device message received",
				"device_id", msg.DeviceID,
				"topic", msg.Topic,
				"payload", truncate(msg.Payload),
			)
			return nil
		},
	}
}

func truncate(payload []byte) string {
	if len(payload) > maxLoggedPayload {
		return string(payload[:maxLoggedPayload]) + "..."
	}
	return string(payload)
}

// DeviceConfig is the latest configuration pushed to a device.
type DeviceConfig struct {
	DeviceID   string    `json:"device_id"`
	Payload    string    `json:"payload"`
	Version    int       `json:"version"`
	ReceivedAt time.Time `json:"received_at"`
}

// ConfigStore keeps the latest configuration payload per device.
// The broker resends config on every subscribe, so the version counts
// deliveries seen by this process rather than cloud-side versions.
type ConfigStore struct {
	mu      sync.RWMutex
	configs map[string]DeviceConfig
	now     func() time.Time
}

// NewConfigStore creates an empty store.
func NewConfigStore() *ConfigStore {
	return &ConfigStore{
		configs: make(map[string]DeviceConfig),
		now:     time.Now,
	}
}

// Put records payload as the latest configuration of deviceID and returns its version.
func (s *ConfigStore) Put(deviceID string, payload []byte) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.configs[deviceID]
	c.DeviceID = deviceID
	c.Payload = string(payload)
	c.Version++
	c.ReceivedAt = s.now().UTC()
	s.configs[deviceID] = c
	return c.Version
}

// Get returns the latest configuration of deviceID.
func (s *ConfigStore) Get(deviceID string) (DeviceConfig, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.configs[deviceID]
	return c, ok
}

// All returns every stored configuration sorted by device ID.
func (s *ConfigStore) All() []DeviceConfig {
	s.mu.RLock()
	out := make([]DeviceConfig, 0, len(s.configs))
	for _, c := range s.configs {
		out = append(out, c)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}
