package core

import (
	"time"

	"github.com/google/uuid"
)

// TaskType identifies the kind of work carried by a Task.
type TaskType string

const (
	// TaskOptimize runs a portfolio optimization kernel.
	TaskOptimize TaskType = "optimize"

	// TaskMonteCarlo runs a Monte-Carlo path simulation kernel.
	TaskMonteCarlo TaskType = "monte_carlo"

	// TaskCalculateMetrics computes portfolio metrics from historical returns.
	TaskCalculateMetrics TaskType = "calculate_metrics"

	// TaskGetPerformance asks a unit for its internal counters.
	TaskGetPerformance TaskType = "get_performance"

	// TaskClearCache asks a unit to drop its result cache.
	TaskClearCache TaskType = "clear_cache"

	// taskInitialize is sent once per unit and never correlation-tracked.
	taskInitialize TaskType = "initialize"
)

// Valid reports whether t is a kind a caller may submit.
func (t TaskType) Valid() bool {
	switch t {
	case TaskOptimize, TaskMonteCarlo, TaskCalculateMetrics, TaskGetPerformance, TaskClearCache:
		return true
	default:
		return false
	}
}

// IsControl reports whether t is handled by the unit itself rather than a kernel.
// Control tasks never change a unit's availability.
func (t TaskType) IsControl() bool {
	return t == TaskGetPerformance || t == TaskClearCache
}

func (t TaskType) String() string { return string(t) }

// ErrorMetricName is the name failures of t are recorded under.
func (t TaskType) ErrorMetricName() string { return string(t) + "_error" }

// DefaultTaskTimeout is how long a dispatched task may run before its caller is released.
const DefaultTaskTimeout = 30 * time.Second

// TaskID is the correlation key linking a dispatched task to its reply.
type TaskID string

// GenerateTaskID returns a process-unique correlation id.
func GenerateTaskID() TaskID {
	return TaskID(uuid.NewString())
}

func (id TaskID) String() string { return string(id) }

// Task is the unit of work routed through a WorkerPool.
// Payload is already encoded; the pool never looks inside it.
type Task struct {
	ID          TaskID
	Type        TaskType
	Payload     []byte
	SubmittedAt time.Time
	Timeout     time.Duration
}

// NewTask builds a Task with a fresh id and the default timeout.
func NewTask(kind TaskType, payload []byte) Task {
	return Task{
		ID:          GenerateTaskID(),
		Type:        kind,
		Payload:     payload,
		SubmittedAt: time.Now(),
		Timeout:     DefaultTaskTimeout,
	}
}

// Outcome is the terminal state of a Task as seen by its submitter.
// Exactly one Outcome is delivered per Task.
type Outcome struct {
	TaskID      TaskID
	Type        TaskType
	Result      []byte
	Err         error
	FromCache   bool
	ComputeTime time.Duration
	Unit        int
}

// Request is a typed task payload. Implementations live next to their kernels.
type Request interface {
	TaskType() TaskType
}
