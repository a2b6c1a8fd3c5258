package session

import "errors"

// Domain errors for the session package.
var (
	// ErrFatal marks errors the coordinator does not retry, such as an
	// unreadable key. Run returns them to the caller.
	ErrFatal = errors.New("session: fatal")

	// ErrNotRunning is returned by Coordinator.Publish outside the Running state.
	ErrNotRunning = errors.New("session: not running")
)
