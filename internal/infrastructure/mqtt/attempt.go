package mqtt

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Attempt tracks a single connect attempt from Connect until the connection
// is closed. It carries two single-shot signals: established (or failed) and
// closed. Each fires at most once.
type Attempt struct {
	settled     chan struct{}
	settleOnce  sync.Once
	connectErr  error
	closed      chan struct{}
	closeOnce   sync.Once
	closeReason error
}

// NewAttempt returns an attempt with both signals pending.
// Exported so transport fakes in other packages can drive the signals.
func NewAttempt() *Attempt {
	return &Attempt{
		settled: make(chan struct{}),
		closed:  make(chan struct{}),
	}
}

// MarkEstablished fires the connection-established signal.
func (a *Attempt) MarkEstablished() {
	a.settle(nil)
}

// MarkFailed settles the attempt with err and closes it.
func (a *Attempt) MarkFailed(err error) {
	a.settle(err)
	a.MarkClosed(err)
}

// settle fires the established signal with err, unless it already fired.
func (a *Attempt) settle(err error) {
	a.settleOnce.Do(func() {
		a.connectErr = err
		close(a.settled)
	})
}

// MarkClosed fires the disconnection signal. reason is nil for a requested
// disconnect and non-nil when the connection was lost.
func (a *Attempt) MarkClosed(reason error) {
	a.closeOnce.Do(func() {
		a.closeReason = reason
		close(a.closed)
	})
}

// Established returns a channel closed once the attempt has settled,
// successfully or not.
func (a *Attempt) Established() <-chan struct{} {
	return a.settled
}

// Closed returns a channel closed when the connection ends.
func (a *Attempt) Closed() <-chan struct{} {
	return a.closed
}

// CloseReason returns why the connection ended. Only meaningful after Closed fires.
func (a *Attempt) CloseReason() error {
	select {
	case <-a.closed:
		return a.closeReason
	default:
		return nil
	}
}

// WaitEstablished blocks until the connection is established, the attempt
// fails, timeout elapses, or ctx is cancelled.
//
// Returns:
//   - nil once the connection-established signal has fired
//   - ErrConnectionFailed (wrapped) if the broker rejected the attempt
//   - ErrConnectTimeout if the signal did not fire in time
func (a *Attempt) WaitEstablished(ctx context.Context, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-a.settled:
		return a.connectErr
	case <-timer.C:
		return fmt.Errorf("%w: no acknowledgement after %v", ErrConnectTimeout, timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitClosed blocks until the disconnection signal fires, returning
// ErrDisconnectTimeout if it does not fire within timeout.
func (a *Attempt) WaitClosed(ctx context.Context, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-a.closed:
		return nil
	case <-timer.C:
		return fmt.Errorf("%w: after %v", ErrDisconnectTimeout, timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}
