package mqtt

import (
	"fmt"
	"sync"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

// ConnectionState is the state of the one physical broker connection.
type ConnectionState int

// Connection states.
const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
	Disconnecting
)

// String returns the state name used in logs and the status API.
func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Disconnecting:
		return "disconnecting"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Logger interface for optional logging support.
// Compatible with logging.Logger and slog.Logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// MessageHandler is the callback signature for received messages.
//
// Handlers run on the transport's dispatch goroutine and must not block:
// a slow handler stalls every other subscription and the keepalive.
// A returned error is logged and does not affect acknowledgement.
type MessageHandler func(topic string, payload []byte) error

// ClientFactory builds a paho client from options. Tests substitute a fake.
type ClientFactory func(opts *pahomqtt.ClientOptions) pahomqtt.Client

// Session owns the single physical connection to the broker.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
//   - ConnectionState and every call into the paho client are serialised
//     by one mutex, so no publish can interleave with a connect or
//     disconnect transition.
type Session struct {
	opts    Options
	factory ClientFactory

	mu      sync.Mutex
	state   ConnectionState
	client  pahomqtt.Client
	attempt *Attempt

	defaultHandler MessageHandler
	logger         Logger
}

// NewSession creates a disconnected session.
func NewSession(opts Options) *Session {
	return &Session{
		opts:    opts.withDefaults(),
		factory: pahomqtt.NewClient,
		state:   Disconnected,
	}
}

// SetClientFactory replaces the paho client constructor.
func (s *Session) SetClientFactory(f ClientFactory) {
	s.mu.Lock()
	s.factory = f
	s.mu.Unlock()
}

// SetLogger sets a logger for connection and handler events.
func (s *Session) SetLogger(logger Logger) {
	s.mu.Lock()
	s.logger = logger
	s.mu.Unlock()
}

// SetDefaultHandler sets the handler for messages that match no subscription
// route, such as broker-pushed commands on an unexpected sub-topic.
// It takes effect on the next Connect.
func (s *Session) SetDefaultHandler(handler MessageHandler) {
	s.mu.Lock()
	s.defaultHandler = handler
	s.mu.Unlock()
}

// State returns the current connection state.
func (s *Session) State() ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// IsConnected reports whether the session is in the Connected state.
func (s *Session) IsConnected() bool {
	return s.State() == Connected
}

// Connect starts a connection attempt authenticated as identity with the
// credential token as password. It does not block on the network: the
// returned Attempt's WaitEstablished reports success, rejection or timeout.
//
// A client still stuck in Disconnecting is abandoned: its teardown keeps
// running in the background and its late callbacks no longer touch the session.
//
// Returns:
//   - *Attempt: signals for this attempt
//   - error: ErrAlreadyConnected if a previous connection is still up
func (s *Session) Connect(identity, token string) (*Attempt, error) {
	s.mu.Lock()
	if s.state == Connecting || s.state == Connected {
		state := s.state
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: state %s", ErrAlreadyConnected, state)
	}
	abandoned := s.state == Disconnecting

	attempt := NewAttempt()
	opts := buildClientOptions(s.opts, identity, token)

	opts.SetOnConnectHandler(func(_ pahomqtt.Client) {
		s.handleConnect(attempt)
	})
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		s.handleConnectionLost(attempt, err)
	})
	if s.defaultHandler != nil {
		opts.SetDefaultPublishHandler(s.wrapHandler(s.defaultHandler))
	}

	client := s.factory(opts)
	s.client = client
	s.attempt = attempt
	s.state = Connecting
	logger := s.logger
	s.mu.Unlock()

	if logger != nil {
		if abandoned {
			logger.Warn("abandoning client with unconfirmed disconnect")
		}
		logger.Info("broker connect started", "broker", s.opts.brokerURL(), "client_id", identity)
	}

	tok := client.Connect()
	go func() {
		<-tok.Done()
		if err := tok.Error(); err != nil {
			s.handleConnectFailure(attempt, err)
			return
		}
		s.handleConnect(attempt)
	}()

	return attempt, nil
}

// handleConnect moves Connecting to Connected and fires the established signal.
// It is reached from both the OnConnect callback and the connect token.
func (s *Session) handleConnect(attempt *Attempt) {
	s.mu.Lock()
	if s.attempt != attempt || s.state != Connecting {
		s.mu.Unlock()
		return
	}
	s.state = Connected
	logger := s.logger
	s.mu.Unlock()

	if logger != nil {
		logger.Info("broker connection established")
	}
	attempt.MarkEstablished()
}

// handleConnectFailure settles a rejected attempt.
func (s *Session) handleConnectFailure(attempt *Attempt, err error) {
	s.mu.Lock()
	if s.attempt == attempt && s.state == Connecting {
		s.state = Disconnected
	}
	logger := s.logger
	s.mu.Unlock()

	if logger != nil {
		logger.Warn("broker connect rejected", "error", err)
	}
	attempt.MarkFailed(fmt.Errorf("%w: %w", ErrConnectionFailed, err))
}

// handleConnectionLost is called by paho when a live connection drops.
func (s *Session) handleConnectionLost(attempt *Attempt, err error) {
	s.mu.Lock()
	if s.attempt == attempt {
		s.state = Disconnected
	}
	logger := s.logger
	s.mu.Unlock()

	if logger != nil {
		logger.Warn("broker connection lost", "error", err)
	}
	attempt.MarkClosed(fmt.Errorf("%w: %w", ErrConnectionLost, err))
}

// Disconnect starts a graceful teardown. Completion is observed through the
// Attempt's Closed signal. Calling Disconnect while already disconnected is a no-op.
func (s *Session) Disconnect() {
	s.mu.Lock()
	if s.state == Disconnected || s.state == Disconnecting {
		s.mu.Unlock()
		return
	}
	s.state = Disconnecting
	client := s.client
	attempt := s.attempt
	quiesce := s.opts.DisconnectQuiesce
	logger := s.logger
	s.mu.Unlock()

	if logger != nil {
		logger.Info("broker disconnect started")
	}

	go func() {
		client.Disconnect(quiesce)

		s.mu.Lock()
		if s.attempt == attempt {
			s.state = Disconnected
		}
		s.mu.Unlock()

		// A connect that never settled is reported as failed rather than left pending.
		attempt.settle(fmt.Errorf("%w: disconnected before acknowledgement", ErrConnectionFailed))
		attempt.MarkClosed(nil)
	}()
}

func (s *Session) getLogger() Logger {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logger
}

// wrapHandler wraps a MessageHandler with panic recovery and optional logging.
func (s *Session) wrapHandler(handler MessageHandler) pahomqtt.MessageHandler {
	return func(_ pahomqtt.Client, msg pahomqtt.Message) {
		defer func() {
			if r := recover(); r != nil {
				if logger := s.getLogger(); logger != nil {
					logger.Error("MQTT handler panic recovered",
						"topic", msg.Topic(),
						"panic", r,
					)
				}
			}
		}()

		if err := handler(msg.Topic(), msg.Payload()); err != nil {
			if logger := s.getLogger(); logger != nil {
				logger.Warn("MQTT handler returned error",
					"topic", msg.Topic(),
					"error", err,
				)
			}
		}
	}
}
