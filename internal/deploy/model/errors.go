package model

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidBatchConfig is a planning-time configuration error; nothing remote has been touched.
	ErrInvalidBatchConfig = errors.New("invalid batch config")

	// ErrTransport marks SSH/network failures. Retryable.
	ErrTransport = errors.New("transport error")

	// ErrUnhealthy means the new container never passed its health check.
	ErrUnhealthy = errors.New("unhealthy")

	// ErrRouteConflict means two reconciliations raced on the same (role, host) route.
	ErrRouteConflict = errors.New("route conflict")

	// ErrAborted halts the remaining batches of a rollout.
	ErrAborted = errors.New("rollout aborted")

	ErrNotFound          = errors.New("not found")
	ErrAlreadyExists     = errors.New("already exists")
	ErrLocked            = errors.New("deploy lock held")
	ErrInvalidDescriptor = errors.New("invalid deployment descriptor")
	ErrSecretNotFound    = errors.New("secret not found")
	ErrNoPreviousRelease = errors.New("no previous release")
)

// TransportError wraps a failure of the remote execution channel, as opposed to
// a command that ran and exited non-zero.
type TransportError struct {
	Host string
	Op   string
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Host, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func (e *TransportError) Is(target error) bool { return target == ErrTransport }

// CommandError is returned when a remote command exits non-zero.
type CommandError struct {
	Host     string
	Command  string
	ExitCode int
	Stderr   string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("command on %s exited %d: %s", e.Host, e.ExitCode, e.Stderr)
}
