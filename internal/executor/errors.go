package executor

import (
	"errors"
	"fmt"
)

// ConnectionError is transient: the daemon or network was unreachable.
// Launches failing with it re-enter the queue against the retry budget.
type ConnectionError struct {
	Op    string
	Cause error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection error during %s: %v", e.Op, e.Cause)
}
func (e *ConnectionError) Unwrap() error { return e.Cause }

// ConfigurationError is permanent: bad credentials, region, or image
// reference. Jobs failing with it go straight to launch_failed.
type ConfigurationError struct {
	Op    string
	Cause error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error during %s: %v", e.Op, e.Cause)
}
func (e *ConfigurationError) Unwrap() error { return e.Cause }

// ResourceError signals backend-side capacity exhaustion. Transient from the
// queue's point of view.
type ResourceError struct {
	Op    string
	Cause error
}

func (e *ResourceError) Error() string {
	return fmt.Sprintf("resource error during %s: %v", e.Op, e.Cause)
}
func (e *ResourceError) Unwrap() error { return e.Cause }

// NotFoundError means the execution vanished from the backend. During status
// polling this is surfaced as a failed job, never silently ignored.
type NotFoundError struct {
	ExecutionID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("execution %s not found", e.ExecutionID)
}

// IsTransient reports whether err warrants a retry from the job's budget.
// Connection and backend-resource failures are transient; everything else,
// configuration errors included, is permanent.
func IsTransient(err error) bool {
	var connErr *ConnectionError
	var resErr *ResourceError
	return errors.As(err, &connErr) || errors.As(err, &resErr)
}

// IsNotFound reports whether err indicates a vanished execution.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}
