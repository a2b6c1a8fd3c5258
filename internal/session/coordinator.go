package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"github.com/danarchy-io/stargaze-gateway/internal/credential"
	"github.com/danarchy-io/stargaze-gateway/internal/device"
	"github.com/danarchy-io/stargaze-gateway/internal/infrastructure/config"
	"github.com/danarchy-io/stargaze-gateway/internal/infrastructure/metrics"
	"github.com/danarchy-io/stargaze-gateway/internal/infrastructure/mqtt"
)

// Default timings, used when Options leaves a field at zero.
const (
	defaultConnectTimeout    = 20 * time.Second
	defaultDisconnectTimeout = 20 * time.Second
	defaultShutdownGrace     = 30 * time.Second
	defaultRetryInitialDelay = time.Second
	defaultRetryMaxDelay     = time.Minute

	// defaultMarginFraction is the share of the credential lifetime kept as
	// rotation margin when none is configured.
	defaultMarginFraction = 10
)

// Transport is the broker session the coordinator drives.
// *mqtt.Session satisfies it.
type Transport interface {
	Connect(identity, token string) (*mqtt.Attempt, error)
	Publish(topic string, payload []byte, qos byte) (uint16, error)
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Disconnect()
}

// Issuer issues a fresh credential for each connect. *credential.Issuer satisfies it.
type Issuer interface {
	Issue(identity string) (credential.Credential, error)
}

// Logger is the logging interface used by the coordinator.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Task runs while the coordinator is in Running and must return when ctx is cancelled.
type Task func(ctx context.Context)

// Options configures the coordinator.
type Options struct {
	// ClientID is the gateway identity the connection authenticates as.
	ClientID string

	ConnectTimeout    time.Duration
	DisconnectTimeout time.Duration
	SettleDelay       time.Duration
	DetachSettleDelay time.Duration

	// RotationMargin is subtracted from the credential expiry to get the
	// reconnect deadline. Zero, or a margin not smaller than the lifetime,
	// selects 10% of the lifetime.
	RotationMargin time.Duration

	RetryInitialDelay time.Duration
	RetryMaxDelay     time.Duration
	ShutdownGrace     time.Duration

	// AttachAuthorization is the optional blob carried by every attach message.
	AttachAuthorization string
}

// OptionsFromConfig builds coordinator options from configuration.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		ClientID:            cfg.Gateway.ClientID(),
		ConnectTimeout:      cfg.GetConnectTimeout(),
		DisconnectTimeout:   cfg.GetDisconnectTimeout(),
		SettleDelay:         cfg.Session.SettleDelay,
		DetachSettleDelay:   cfg.Session.DetachSettleDelay,
		RotationMargin:      cfg.Session.RotationMargin,
		RetryInitialDelay:   cfg.Session.RetryInitialDelay,
		RetryMaxDelay:       cfg.Session.RetryMaxDelay,
		ShutdownGrace:       cfg.Session.ShutdownGrace,
		AttachAuthorization: cfg.Session.AttachAuthorization,
	}
}

func (o Options) withDefaults() Options {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = defaultConnectTimeout
	}
	if o.DisconnectTimeout <= 0 {
		o.DisconnectTimeout = defaultDisconnectTimeout
	}
	if o.ShutdownGrace <= 0 {
		o.ShutdownGrace = defaultShutdownGrace
	}
	if o.RetryInitialDelay <= 0 {
		o.RetryInitialDelay = defaultRetryInitialDelay
	}
	if o.RetryMaxDelay <= 0 {
		o.RetryMaxDelay = defaultRetryMaxDelay
	}
	return o
}

// Snapshot is a point-in-time view of the coordinator for the status API.
type Snapshot struct {
	State               string    `json:"state"`
	StateSince          time.Time `json:"state_since"`
	CycleID             string    `json:"cycle_id,omitempty"`
	Cycles              int       `json:"cycles"`
	CredentialExpiresAt time.Time `json:"credential_expires_at,omitzero"`
	NextRotation        time.Time `json:"next_rotation,omitzero"`
	LastError           string    `json:"last_error,omitempty"`
}

// Coordinator runs the session state machine around a Transport.
//
// One goroutine (Run) drives the cycles. Publish may be called from any
// goroutine and only reaches the transport while the state is Running.
type Coordinator struct {
	opts      Options
	transport Transport
	issuer    Issuer
	registry  *device.Registry
	journal   Journal
	logger    Logger
	metrics   *metrics.Metrics
	tasks     []Task

	// after and now are replaced in tests.
	after func(time.Duration) <-chan time.Time
	now   func() time.Time

	mu           sync.RWMutex
	state        State
	stateSince   time.Time
	cycleID      string
	cycles       int
	expiresAt    time.Time
	nextRotation time.Time
	lastErr      error
}

// New creates a coordinator in the Idle state.
func New(opts Options, transport Transport, issuer Issuer, registry *device.Registry) *Coordinator {
	return &Coordinator{
		opts:       opts.withDefaults(),
		transport:  transport,
		issuer:     issuer,
		registry:   registry,
		logger:     noopLogger{},
		after:      time.After,
		now:        time.Now,
		state:      Idle,
		stateSince: time.Now(),
	}
}

// SetLogger sets the logger for state transitions and publish outcomes.
func (c *Coordinator) SetLogger(logger Logger) {
	c.logger = logger
}

// SetJournal sets where cycles are recorded. Nil disables journaling.
func (c *Coordinator) SetJournal(j Journal) {
	c.journal = j
}

// SetMetrics sets the metrics recorder.
func (c *Coordinator) SetMetrics(m *metrics.Metrics) {
	c.metrics = m
}

// AddRunningTask registers a task started on entering Running and stopped on leaving it.
func (c *Coordinator) AddRunningTask(task Task) {
	c.tasks = append(c.tasks, task)
}

// State returns the current state.
func (c *Coordinator) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Snapshot returns the coordinator status.
func (c *Coordinator) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := Snapshot{
		State:               c.state.String(),
		StateSince:          c.stateSince,
		CycleID:             c.cycleID,
		Cycles:              c.cycles,
		CredentialExpiresAt: c.expiresAt,
		NextRotation:        c.nextRotation,
	}
	if c.lastErr != nil {
		s.LastError = c.lastErr.Error()
	}
	return s
}

// Publish hands a message to the transport while Running.
// Outside Running it returns an error matching both ErrNotRunning and
// mqtt.ErrNotConnected, without touching the transport.
//
// The state lock is not held across the transport call, which may block on a
// full outbound queue.
func (c *Coordinator) Publish(topic string, payload []byte, qos byte) (uint16, error) {
	c.mu.RLock()
	state := c.state
	c.mu.RUnlock()

	if state != Running {
		return 0, fmt.Errorf("%w (%s): %w", ErrNotRunning, state, mqtt.ErrNotConnected)
	}
	return c.transport.Publish(topic, payload, qos)
}

func (c *Coordinator) setState(s State) {
	c.mu.Lock()
	prev := c.state
	c.state = s
	c.stateSince = c.now()
	c.mu.Unlock()

	c.metrics.SetSessionState(int(s))
	if prev != s {
		c.logger.Info("session state changed", "from", prev.String(), "to", s.String())
	}
}

// Run drives session cycles until ctx is cancelled or a fatal error occurs.
//
// Every full cycle is followed immediately by the next one; this is how the
// credential is rotated. A failed cycle (connect rejected, timeout, lost
// connection) is retried with exponential backoff. Credential failures are
// fatal and returned.
//
// Returns nil when ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.opts.RetryInitialDelay
	b.MaxInterval = c.opts.RetryMaxDelay

	for {
		_, err := backoff.Retry(ctx, func() (struct{}, error) {
			err := c.runCycle(ctx)
			switch {
			case err == nil:
				return struct{}{}, nil
			case errors.Is(err, ErrFatal):
				return struct{}{}, backoff.Permanent(err)
			case ctx.Err() != nil:
				return struct{}{}, backoff.Permanent(ctx.Err())
			default:
				return struct{}{}, err
			}
		},
			backoff.WithBackOff(b),
			backoff.WithMaxElapsedTime(0),
			backoff.WithNotify(func(err error, next time.Duration) {
				c.logger.Warn("session cycle failed, retrying",
					"error", err,
					"retry_in", next,
				)
			}),
		)

		if ctx.Err() != nil {
			c.logger.Info("session coordinator stopped")
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// runCycle performs one Idle → ... → Idle cycle.
func (c *Coordinator) runCycle(ctx context.Context) (err error) {
	cycle := c.beginCycle(ctx)
	defer func() {
		c.endCycle(cycle, err)
	}()

	// Idle → Connecting
	c.setState(Connecting)
	cred, err := c.issuer.Issue(c.opts.ClientID)
	if err != nil {
		c.setState(Idle)
		cycle.Outcome = OutcomeCredentialFailed
		return fmt.Errorf("%w: issuing credential: %w", ErrFatal, err)
	}
	cycle.IssuedAt = cred.IssuedAt
	cycle.ExpiresAt = cred.ExpiresAt

	attempt, err := c.transport.Connect(c.opts.ClientID, cred.Token)
	if err != nil {
		c.setState(Idle)
		cycle.Outcome = OutcomeConnectFailed
		return err
	}

	if err := attempt.WaitEstablished(ctx, c.opts.ConnectTimeout); err != nil {
		c.logger.Warn("broker connect failed", "error", err)
		c.disconnect(ctx, attempt)
		c.setState(Idle)
		cycle.Outcome = OutcomeConnectFailed
		if ctx.Err() != nil {
			cycle.Outcome = OutcomeShutdown
		}
		return err
	}
	cycle.ConnectedAt = c.now()
	c.metrics.SetCredentialExpiry(cred.ExpiresAt)

	// Connecting → Attaching
	c.setState(Attaching)
	c.publishLeaves("attach", mqtt.Topics{}.Attach, c.attachPayload())
	if lost := c.settle(ctx, attempt, c.opts.SettleDelay); lost {
		return c.connectionLost(attempt, cycle)
	}

	// Attaching → Subscribing
	if ctx.Err() == nil {
		c.setState(Subscribing)
		if err := c.subscribeAll(); err != nil {
			cycle.Outcome = OutcomeSubscribeFailed
			c.teardown(ctx, attempt)
			return err
		}
	}

	// Subscribing → Running
	reason := OutcomeShutdown
	if ctx.Err() == nil {
		reason = c.running(ctx, attempt, cred)
	}
	if reason == OutcomeConnectionLost {
		return c.connectionLost(attempt, cycle)
	}

	// Running → Detaching → Disconnecting → Idle
	cycle.Outcome = reason
	c.teardown(ctx, attempt)
	return nil
}

// running enters Running, starts the running tasks and blocks until the
// reconnect deadline, a lost connection, or shutdown. It returns the outcome.
func (c *Coordinator) running(ctx context.Context, attempt *mqtt.Attempt, cred credential.Credential) string {
	deadline := c.reconnectDeadline(cred)

	c.mu.Lock()
	c.expiresAt = cred.ExpiresAt
	c.nextRotation = deadline
	c.mu.Unlock()

	c.setState(Running)
	c.logger.Info("session running",
		"credential_expires_at", cred.ExpiresAt,
		"next_rotation", deadline,
	)

	taskCtx, stopTasks := context.WithCancel(ctx)
	var wg sync.WaitGroup
	for _, task := range c.tasks {
		wg.Add(1)
		go func(task Task) {
			defer wg.Done()
			task(taskCtx)
		}(task)
	}

	var reason string
	select {
	case <-c.after(deadline.Sub(c.now())):
		reason = OutcomeRotated
		c.logger.Info("credential rotation due")
	case <-attempt.Closed():
		reason = OutcomeConnectionLost
	case <-ctx.Done():
		reason = OutcomeShutdown
	}

	stopTasks()
	wg.Wait()

	c.mu.Lock()
	c.nextRotation = time.Time{}
	c.mu.Unlock()
	return reason
}

// reconnectDeadline returns the instant the session must be rotated,
// always strictly before the credential expires.
func (c *Coordinator) reconnectDeadline(cred credential.Credential) time.Time {
	lifetime := cred.Lifetime()
	margin := c.opts.RotationMargin
	if margin <= 0 || margin >= lifetime {
		margin = lifetime / defaultMarginFraction
	}
	if margin <= 0 {
		margin = time.Nanosecond
	}
	return cred.ExpiresAt.Add(-margin)
}

// attachPayload returns the attach body: {"authorization": "..."}.
func (c *Coordinator) attachPayload() []byte {
	payload, _ := json.Marshal(struct {
		Authorization string `json:"authorization"`
	}{Authorization: c.opts.AttachAuthorization})
	return payload
}

// publishLeaves publishes a control message at QoS 1 for every leaf device,
// in registry order. Failures are logged and do not stop progress.
func (c *Coordinator) publishLeaves(kind string, topicFor func(string) string, payload []byte) {
	for _, leaf := range c.registry.Leaves() {
		topic := topicFor(leaf.ID)
		id, err := c.transport.Publish(topic, payload, device.AtLeastOnce.QoS())
		if err != nil {
			c.metrics.Published(kind, publishResult(err))
			c.logger.Warn("device "+kind+" publish failed",
				"device_id", leaf.ID,
				"topic", topic,
				"error", err,
			)
			continue
		}
		c.metrics.Published(kind, metrics.ResultOK)
		c.logger.Info("device "+kind+" published",
			"device_id", leaf.ID,
			"topic", topic,
			"message_id", id,
		)
	}
}

// subscribeAll subscribes every device sub-topic in registry order.
func (c *Coordinator) subscribeAll() error {
	for _, sub := range c.registry.Subscriptions() {
		if err := c.transport.Subscribe(sub.Topic, sub.Level.QoS(), c.route(sub)); err != nil {
			c.logger.Error("subscribe failed",
				"device_id", sub.DeviceID,
				"topic", sub.Topic,
				"error", err,
			)
			return fmt.Errorf("subscribing %s: %w", sub.Topic, err)
		}
		c.logger.Info("subscribed",
			"device_id", sub.DeviceID,
			"topic", sub.Topic,
			"delivery", sub.Level.String(),
			"handler", sub.HandlerName,
		)
	}
	return nil
}

// route adapts a registry subscription to a transport handler.
func (c *Coordinator) route(sub device.Subscription) mqtt.MessageHandler {
	return func(topic string, payload []byte) error {
		c.metrics.InboundMessage(sub.HandlerName)
		return sub.Deliver(topic, payload)
	}
}

// settle waits d, reporting whether the connection was lost meanwhile.
// Shutdown cuts the wait short without reporting a loss.
func (c *Coordinator) settle(ctx context.Context, attempt *mqtt.Attempt, d time.Duration) bool {
	if d <= 0 {
		return false
	}
	select {
	case <-c.after(d):
		return false
	case <-attempt.Closed():
		return true
	case <-ctx.Done():
		return false
	}
}

// teardown detaches leaves and disconnects. On shutdown the steps are
// bounded by the shutdown grace period instead of ctx.
func (c *Coordinator) teardown(ctx context.Context, attempt *mqtt.Attempt) {
	tctx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		tctx, cancel = context.WithTimeout(context.WithoutCancel(ctx), c.opts.ShutdownGrace)
		defer cancel()
	}

	c.setState(Detaching)
	c.publishLeaves("detach", mqtt.Topics{}.Detach, nil)
	c.settle(tctx, attempt, c.opts.DetachSettleDelay)

	c.disconnect(tctx, attempt)
	c.setState(Idle)
}

// disconnect enters Disconnecting and waits, bounded, for the disconnection signal.
// A missing signal is logged and otherwise ignored.
func (c *Coordinator) disconnect(ctx context.Context, attempt *mqtt.Attempt) {
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.WithoutCancel(ctx), c.opts.ShutdownGrace)
		defer cancel()
	}

	c.setState(Disconnecting)
	c.transport.Disconnect()
	if err := attempt.WaitClosed(ctx, c.opts.DisconnectTimeout); err != nil {
		c.logger.Warn("disconnect not confirmed, continuing", "error", err)
	}
}

// connectionLost finishes a cycle whose connection dropped unexpectedly.
func (c *Coordinator) connectionLost(attempt *mqtt.Attempt, cycle *Cycle) error {
	cycle.Outcome = OutcomeConnectionLost
	c.setState(Idle)

	reason := attempt.CloseReason()
	if reason == nil {
		reason = mqtt.ErrConnectionLost
	}
	c.logger.Warn("connection lost, reconnecting", "error", reason)
	return reason
}

// beginCycle starts journaling a new cycle.
func (c *Coordinator) beginCycle(ctx context.Context) *Cycle {
	cycle := &Cycle{
		ID:        uuid.NewString(),
		ClientID:  c.opts.ClientID,
		StartedAt: c.now(),
	}

	c.mu.Lock()
	c.cycleID = cycle.ID
	c.mu.Unlock()

	if c.journal != nil {
		if err := c.journal.CycleStarted(ctx, *cycle); err != nil {
			c.logger.Warn("journal write failed", "cycle_id", cycle.ID, "error", err)
		}
	}
	return cycle
}

// endCycle records the end of a cycle.
func (c *Coordinator) endCycle(cycle *Cycle, err error) {
	cycle.EndedAt = c.now()
	if err != nil {
		cycle.Error = err.Error()
		if cycle.Outcome == "" {
			cycle.Outcome = OutcomeConnectFailed
		}
	}

	c.mu.Lock()
	c.cycles++
	c.lastErr = err
	c.mu.Unlock()

	c.metrics.CycleCompleted(cycle.Outcome)
	c.logger.Info("session cycle ended",
		"cycle_id", cycle.ID,
		"outcome", cycle.Outcome,
		"duration", cycle.EndedAt.Sub(cycle.StartedAt),
	)

	if c.journal != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if jerr := c.journal.CycleEnded(ctx, *cycle); jerr != nil {
			c.logger.Warn("journal write failed", "cycle_id", cycle.ID, "error", jerr)
		}
	}
}

// publishResult maps a publish error to a metrics result label.
func publishResult(err error) string {
	if errors.Is(err, mqtt.ErrNotConnected) {
		return metrics.ResultNotConnected
	}
	return metrics.ResultError
}
