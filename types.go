package offload

import "github.com/nathanaelhub/portfolio-optimization-dashboard-sub001/core"

// Re-export commonly used types from core package for convenience.
// This allows users to import only the offload package for most use cases.

// TaskType identifies the kind of work a request carries
type TaskType = core.TaskType

// Request is implemented by every typed payload
type Request = core.Request

// PoolStatus is the observability view of the worker pool
type PoolStatus = core.PoolStatus

// MetricSnapshot aggregates recorded durations for one operation
type MetricSnapshot = core.MetricSnapshot

// Error types returned by Submit
type (
	ValidationError  = core.ValidationError
	KernelError      = core.KernelError
	UnitFailureError = core.UnitFailureError
	TaskError        = core.TaskError
)

// Task type constants
const (
	TaskOptimize         = core.TaskOptimize
	TaskMonteCarlo       = core.TaskMonteCarlo
	TaskCalculateMetrics = core.TaskCalculateMetrics
)

// Sentinel errors
var (
	ErrShutdown = core.ErrShutdown
	ErrTimeout  = core.ErrTimeout
	ErrNoUnits  = core.ErrNoUnits
)
