package domain

import (
	"errors"
	"fmt"
)

// ErrStoreUnavailable matches any StoreUnavailableError via errors.Is.
var ErrStoreUnavailable = errors.New("store unavailable")

// ValidationError is returned for bad producer input; no job is created.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// StoreUnavailableError wraps a transient infrastructure failure.
type StoreUnavailableError struct {
	Op  string
	Err error
}

func (e *StoreUnavailableError) Error() string {
	return fmt.Sprintf("store unavailable during %s: %v", e.Op, e.Err)
}

func (e *StoreUnavailableError) Unwrap() error { return e.Err }

func (e *StoreUnavailableError) Is(target error) bool { return target == ErrStoreUnavailable }

// Unavailable wraps err as a StoreUnavailableError. A nil err stays nil.
func Unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreUnavailableError{Op: op, Err: err}
}

// JobNotFoundError is returned when a job ID does not exist.
type JobNotFoundError struct {
	JobID string
}

func (e *JobNotFoundError) Error() string {
	return fmt.Sprintf("job not found: %s", e.JobID)
}

// ScheduleNotFoundError is returned when a schedule ID does not exist.
type ScheduleNotFoundError struct {
	ScheduleID string
}

func (e *ScheduleNotFoundError) Error() string {
	return fmt.Sprintf("schedule not found: %s", e.ScheduleID)
}

// InvalidJobNameError is returned when no handler is registered for a job name.
type InvalidJobNameError struct {
	JobName string
}

func (e *InvalidJobNameError) Error() string {
	return fmt.Sprintf("no handler registered for job %q", e.JobName)
}

// Permanent marks the error as non-retryable.
func (e *InvalidJobNameError) Permanent() bool { return true }

// TemplateNotFoundError is returned by the renderer for an unknown template.
type TemplateNotFoundError struct {
	TemplateID string
}

func (e *TemplateNotFoundError) Error() string {
	return fmt.Sprintf("template not found: %s", e.TemplateID)
}

// Permanent marks the error as non-retryable: retrying cannot create the template.
func (e *TemplateNotFoundError) Permanent() bool { return true }

// TransportError is a failed delivery attempt.
type TransportError struct {
	Op        string
	Retryable bool
	Err       error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func (e *TransportError) Permanent() bool { return !e.Retryable }

// WorkerFaultError describes a panic recovered inside a worker.
type WorkerFaultError struct {
	WorkerID int
	JobID    string
	Panic    any
}

func (e *WorkerFaultError) Error() string {
	return fmt.Sprintf("worker %d faulted on job %s: %v", e.WorkerID, e.JobID, e.Panic)
}

type permanentError struct{ err error }

func (e *permanentError) Error() string   { return e.err.Error() }
func (e *permanentError) Unwrap() error   { return e.err }
func (e *permanentError) Permanent() bool { return true }

// Permanent wraps err so the queue fails the job without further retries.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether any error in err's chain is marked non-retryable.
func IsPermanent(err error) bool {
	for err != nil {
		if p, ok := err.(interface{ Permanent() bool }); ok && p.Permanent() {
			return true
		}
		err = errors.Unwrap(err)
	}
	return false
}
