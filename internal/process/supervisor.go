package process

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/danarchy-io/stargaze-gateway/internal/infrastructure/config"
	"github.com/danarchy-io/stargaze-gateway/internal/infrastructure/metrics"
)

// Status represents the current state of the supervised process.
type Status string

// Supervisor statuses.
const (
	StatusStopped    Status = "stopped"
	StatusRunning    Status = "running"
	StatusRestarting Status = "restarting"
	StatusFailed     Status = "failed"
)

// Defaults applied by New for zero Config fields.
const (
	defaultRestartDelay    = 5 * time.Second
	defaultMaxRestartDelay = 2 * time.Minute
	defaultGracefulTimeout = 10 * time.Second

	// stableAfter is how long a run must last before the restart delay
	// falls back to RestartDelay.
	stableAfter = time.Minute
)

// ErrTooManyRestarts is returned by Run once MaxRestartAttempts is exceeded.
var ErrTooManyRestarts = errors.New("process: too many restarts")

// Config holds configuration for the supervised process.
type Config struct {
	// Name identifies the process in logs and stats.
	Name string

	Binary string
	Args   []string

	// Env is appended to the gateway's own environment (key=value).
	Env []string

	// RestartDelay is the first delay after an exit; later delays grow
	// exponentially up to MaxRestartDelay.
	RestartDelay    time.Duration
	MaxRestartDelay time.Duration

	// MaxRestartAttempts limits restarts. 0 means unlimited.
	MaxRestartAttempts int

	// GracefulTimeout is how long to wait after SIGTERM before SIGKILL.
	GracefulTimeout time.Duration
}

// ConfigFromProducer builds the supervisor config for the sensor producer.
// env carries the relay address and secret.
func ConfigFromProducer(cfg config.ProducerConfig, env []string) Config {
	return Config{
		Name:               "sensor",
		Binary:             cfg.Binary,
		Args:               cfg.Args,
		Env:                env,
		RestartDelay:       cfg.RestartDelay,
		MaxRestartAttempts: cfg.MaxRestartAttempts,
	}
}

// Logger defines the logging interface for the supervisor.
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

// Stats describes the supervised process for the status API.
type Stats struct {
	Name      string    `json:"name"`
	Status    Status    `json:"status"`
	PID       int       `json:"pid,omitempty"`
	StartedAt time.Time `json:"started_at,omitzero"`
	Restarts  int       `json:"restarts"`
	LastError string    `json:"last_error,omitempty"`
}

// Supervisor runs a child process and restarts it with backoff when it exits.
type Supervisor struct {
	cfg     Config
	logger  Logger
	metrics *metrics.Metrics

	mu        sync.RWMutex
	status    Status
	pid       int
	startedAt time.Time
	restarts  int
	lastErr   error
}

// New creates a supervisor.
func New(cfg Config) *Supervisor {
	if cfg.RestartDelay <= 0 {
		cfg.RestartDelay = defaultRestartDelay
	}
	if cfg.MaxRestartDelay < cfg.RestartDelay {
		cfg.MaxRestartDelay = max(defaultMaxRestartDelay, cfg.RestartDelay)
	}
	if cfg.GracefulTimeout <= 0 {
		cfg.GracefulTimeout = defaultGracefulTimeout
	}
	return &Supervisor{
		cfg:    cfg,
		logger: noopLogger{},
		status: StatusStopped,
	}
}

// SetLogger sets the logger. Child output is logged at debug level.
func (s *Supervisor) SetLogger(logger Logger) {
	s.logger = logger
}

// SetMetrics sets the metrics recorder.
func (s *Supervisor) SetMetrics(m *metrics.Metrics) {
	s.metrics = m
}

// Run starts the process and keeps it running until ctx is cancelled, then
// stops it (SIGTERM to its process group, SIGKILL after GracefulTimeout).
//
// Returns nil on cancellation, the start error if the first start fails,
// or ErrTooManyRestarts.
func (s *Supervisor) Run(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.RestartDelay
	b.MaxInterval = s.cfg.MaxRestartDelay
	b.Reset()

	first := true
	for {
		cmd, exited, err := s.start()
		if err != nil {
			if first {
				s.setFailed(err)
				return err
			}
			s.logger.Error("failed to restart process", "name", s.cfg.Name, "error", err)
		}
		first = false

		if err == nil {
			startedAt := time.Now()
			select {
			case <-ctx.Done():
				s.terminate(cmd, exited)
				s.setStopped(nil)
				return nil
			case err = <-exited:
			}
			s.logger.Warn("process exited", "name", s.cfg.Name, "error", err)
			if time.Since(startedAt) >= stableAfter {
				b.Reset()
			}
		}

		s.mu.Lock()
		s.restarts++
		restarts := s.restarts
		s.status = StatusRestarting
		s.pid = 0
		s.lastErr = err
		s.mu.Unlock()

		if s.cfg.MaxRestartAttempts > 0 && restarts > s.cfg.MaxRestartAttempts {
			err := fmt.Errorf("%w: %s exited %d times", ErrTooManyRestarts, s.cfg.Name, restarts)
			s.setFailed(err)
			return err
		}

		delay := b.NextBackOff()
		s.logger.Info("restarting process",
			"name", s.cfg.Name,
			"attempt", restarts,
			"delay", delay,
		)
		s.metrics.ProducerRestarted()

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.setStopped(err)
			return nil
		case <-timer.C:
		}
	}
}

// start launches the process in its own process group. exited receives
// the result of Wait.
func (s *Supervisor) start() (*exec.Cmd, <-chan error, error) {
	cmd := exec.Command(s.cfg.Binary, s.cfg.Args...) //nolint:gosec // Binary comes from operator configuration
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if len(s.cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), s.cfg.Env...)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("creating stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("creating stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, nil, fmt.Errorf("starting %s: %w", s.cfg.Name, err)
	}

	var output sync.WaitGroup
	output.Add(2)
	go s.captureOutput("stdout", stdout, &output)
	go s.captureOutput("stderr", stderr, &output)

	exited := make(chan error, 1)
	go func() {
		// Pipes must be drained before Wait closes them.
		output.Wait()
		exited <- cmd.Wait()
	}()

	s.mu.Lock()
	s.status = StatusRunning
	s.pid = cmd.Process.Pid
	s.startedAt = time.Now()
	s.mu.Unlock()

	s.logger.Info("process started", "name", s.cfg.Name, "pid", cmd.Process.Pid)
	return cmd, exited, nil
}

// captureOutput logs each line the child writes.
func (s *Supervisor) captureOutput(stream string, r io.Reader, wg *sync.WaitGroup) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		s.logger.Debug("process output",
			"name", s.cfg.Name,
			"stream", stream,
			"line", scanner.Text(),
		)
	}
}

// terminate stops the process group gracefully, then forcibly.
func (s *Supervisor) terminate(cmd *exec.Cmd, exited <-chan error) {
	pid := cmd.Process.Pid
	s.logger.Info("stopping process", "name", s.cfg.Name, "pid", pid)

	// Negative pid signals the whole group created via Setpgid.
	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) {
		s.logger.Warn("failed to send SIGTERM", "name", s.cfg.Name, "error", err)
	}

	select {
	case <-exited:
		s.logger.Info("process stopped", "name", s.cfg.Name)
		return
	case <-time.After(s.cfg.GracefulTimeout):
		s.logger.Warn("graceful stop timed out, sending SIGKILL",
			"name", s.cfg.Name,
			"timeout", s.cfg.GracefulTimeout,
		)
	}

	if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		s.logger.Error("failed to kill process group", "name", s.cfg.Name, "error", err)
		return
	}
	<-exited
}

func (s *Supervisor) setStopped(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = StatusStopped
	s.pid = 0
	if err != nil {
		s.lastErr = err
	}
}

func (s *Supervisor) setFailed(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = StatusFailed
	s.pid = 0
	s.lastErr = err
}

// Status returns the current status.
func (s *Supervisor) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// Stats returns current statistics for the process.
func (s *Supervisor) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Stats{
		Name:     s.cfg.Name,
		Status:   s.status,
		PID:      s.pid,
		Restarts: s.restarts,
	}
	if s.status == StatusRunning {
		st.StartedAt = s.startedAt
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	return st
}
