package core

import (
	"errors"
	"fmt"
)

var (
	// ErrShutdown is returned for every task still queued or in flight when the pool stops.
	ErrShutdown = errors.New("worker pool is shut down")

	// ErrTimeout is returned when no reply arrives within the task timeout.
	ErrTimeout = errors.New("task timed out")

	// ErrNoUnits is returned when no execution unit could be created, by Start
	// and for tasks submitted or queued after every replacement attempt failed.
	ErrNoUnits = errors.New("no execution unit could be created")

	// ErrDuplicateTask is returned when a correlation id is already pending.
	ErrDuplicateTask = errors.New("task id already pending")
)

// ValidationError reports a malformed request. No unit is involved.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid request: " + e.Reason
	}
	return fmt.Sprintf("invalid request: %s: %s", e.Field, e.Reason)
}

// KernelError is a computation failure signalled by a healthy unit.
type KernelError struct {
	Type    TaskType
	Message string
}

func (e *KernelError) Error() string {
	return fmt.Sprintf("%s kernel failed: %s", e.Type, e.Message)
}

// UnitFailureError rejects the tasks owned by a unit that terminated abnormally.
type UnitFailureError struct {
	Unit       int
	Generation uint64
	Cause      string
}

func (e *UnitFailureError) Error() string {
	return fmt.Sprintf("execution unit %d (gen %d) failed: %s", e.Unit, e.Generation, e.Cause)
}

// TaskError ties a failure to the task it terminated.
type TaskError struct {
	TaskID TaskID
	Type   TaskType
	Err    error
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("task %s (%s): %v", e.TaskID, e.Type, e.Err)
}

func (e *TaskError) Unwrap() error { return e.Err }

// FailureReason classifies err into a short label for metrics.
func FailureReason(err error) string {
	var (
		verr *ValidationError
		kerr *KernelError
		uerr *UnitFailureError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &verr):
		return "validation"
	case errors.As(err, &kerr):
		return "kernel"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.As(err, &uerr):
		return "unit_failure"
	case errors.Is(err, ErrShutdown):
		return "shutdown"
	case errors.Is(err, ErrNoUnits):
		return "no_units"
	default:
		return "unknown"
	}
}
