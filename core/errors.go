package core

import (
	"errors"
	"fmt"
	"time"
)

// ValidationError rejects malformed input before any write happens.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// NotFoundError is an id lookup miss.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Entity, e.ID)
}

// StoreUnavailableError means the vector index or graph store is
// unreachable. Non-fatal: reads degrade to empty, writes retry via
// the task queue.
type StoreUnavailableError struct {
	Store string
	Err   error
}

func (e *StoreUnavailableError) Error() string {
	return fmt.Sprintf("%s unavailable: %v", e.Store, e.Err)
}

func (e *StoreUnavailableError) Unwrap() error { return e.Err }

// TimeoutError means a task exceeded its deadline and was cancelled.
type TimeoutError struct {
	TaskID   string
	Deadline time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("task %s exceeded deadline %s", e.TaskID, e.Deadline)
}

// RetryExhaustedError means a task reached dead after bounded retries.
// Surfaced to operators via task introspection, never to the
// interactive path.
type RetryExhaustedError struct {
	TaskID   string
	Attempts int
	LastErr  string
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("task %s dead after %d attempts: %s", e.TaskID, e.Attempts, e.LastErr)
}

// IsNotFound reports whether err is (or wraps) a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsUnavailable reports whether err is (or wraps) a StoreUnavailableError.
func IsUnavailable(err error) bool {
	var su *StoreUnavailableError
	return errors.As(err, &su)
}
