// Package errdefs defines the error categories shared across the connection
// pool, template resolver, and task orchestrator. Callers classify failures
// with the Is* helpers (errors.As under the hood) rather than string matching,
// and the orchestrator uses IsRetryable to decide whether a failed task may be
// retried with the same inputs.
package errdefs

import (
	"errors"
	"fmt"
)

// Sentinel causes wrapped inside ConnectionError/CommandError so callers can
// distinguish them with errors.Is.
var (
	// ErrPoolExhausted is returned by Acquire when the pool is at capacity
	// and no entry became available within the caller's timeout.
	ErrPoolExhausted = errors.New("connection pool exhausted")

	// ErrConnectTimeout is returned when establishing a connection exceeds
	// the configured connection timeout.
	ErrConnectTimeout = errors.New("connection timed out")

	// ErrCommandTimeout is returned when a remote command exceeds the
	// configured per-command timeout.
	ErrCommandTimeout = errors.New("command timed out")

	// ErrPoolClosed is returned by Acquire after the pool has been shut down.
	ErrPoolClosed = errors.New("connection pool closed")
)

// ValidationError reports bad or missing caller input (template variables,
// host fields). It is never retryable: the same inputs will fail the same way.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// Validationf builds a ValidationError for a named field.
func Validationf(field, format string, args ...interface{}) *ValidationError {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// ConnectionError reports a failure to establish or use a connection to a
// host: dial/auth failures, timeouts, pool exhaustion, eviction.
type ConnectionError struct {
	HostID uint
	Op     string // "dial", "handshake", "session", "pool", "keepalive"
	Err    error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection to host %d failed (%s): %v", e.HostID, e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// Connection wraps err as a ConnectionError for the given host and operation.
func Connection(hostID uint, op string, err error) *ConnectionError {
	return &ConnectionError{HostID: hostID, Op: op, Err: err}
}

// CommandError reports a remote command that ran but did not succeed: a
// non-zero exit status, a killed session, or a per-command timeout.
// ExitCode is -1 when no exit status was received.
type CommandError struct {
	Command  string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *CommandError) Error() string {
	if e.ExitCode >= 0 {
		return fmt.Sprintf("command %q exited with status %d", e.Command, e.ExitCode)
	}
	return fmt.Sprintf("command %q failed: %v", e.Command, e.Err)
}

func (e *CommandError) Unwrap() error { return e.Err }

// CancelledError reports work stopped by an explicit cancellation request.
type CancelledError struct {
	Reason string
}

func (e *CancelledError) Error() string {
	if e.Reason == "" {
		return "cancelled"
	}
	return "cancelled: " + e.Reason
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsConnection reports whether err is (or wraps) a ConnectionError.
func IsConnection(err error) bool {
	var ce *ConnectionError
	return errors.As(err, &ce)
}

// IsCommand reports whether err is (or wraps) a CommandError.
func IsCommand(err error) bool {
	var ce *CommandError
	return errors.As(err, &ce)
}

// IsCancelled reports whether err is (or wraps) a CancelledError.
func IsCancelled(err error) bool {
	var ce *CancelledError
	return errors.As(err, &ce)
}

// IsRetryable reports whether a task that failed with err may be retried
// without changing its inputs. Connection and command failures are transient;
// cancellations were a caller choice; validation failures repeat identically.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if IsValidation(err) {
		return false
	}
	return IsConnection(err) || IsCommand(err) || IsCancelled(err)
}

// Kind returns a short machine-readable label for the error category, used
// when persisting task errors.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case IsValidation(err):
		return "validation"
	case IsCancelled(err):
		return "cancelled"
	case IsCommand(err):
		return "command"
	case IsConnection(err):
		return "connection"
	default:
		return "internal"
	}
}
