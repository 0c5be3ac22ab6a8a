package core

import (
	"fmt"
	"runtime"
	"time"
)

// =============================================================================
// PanicHandler: Interface for handling unit crashes
// =============================================================================

// PanicHandler is called when a kernel panics and takes its execution unit down.
// The pool has already scheduled a replacement by the time it is called.
//
// Implementations should be thread-safe as they may be called concurrently.
type PanicHandler interface {
	// HandlePanic is called when a unit crashes.
	//
	// Parameters:
	// - poolID: The id of the pool owning the unit
	// - unit: The slot id of the crashed unit
	// - panicInfo: The panic value recovered from the kernel
	// - stackTrace: The stack trace at the time of panic
	HandlePanic(poolID string, unit int, panicInfo any, stackTrace []byte)
}

// LoggingPanicHandler reports unit crashes through a Logger.
type LoggingPanicHandler struct {
	Logger Logger
}

// HandlePanic logs the crash at error level.
func (h *LoggingPanicHandler) HandlePanic(poolID string, unit int, panicInfo any, stackTrace []byte) {
	h.Logger.Error("execution unit crashed",
		F(KeyPool, poolID),
		F(KeyUnit, unit),
		F("panic", fmt.Sprint(panicInfo)),
		F("stack", string(stackTrace)),
	)
}

// =============================================================================
// Metrics: Interface for observability and monitoring
// =============================================================================

// Metrics defines the interface for exporting offload metrics.
// Implementations can send metrics to monitoring systems (Prometheus, StatsD, etc.).
//
// Methods should be non-blocking and fast to avoid impacting dispatch.
type Metrics interface {
	// RecordTaskDuration records the wall-clock time of a finished submission.
	RecordTaskDuration(poolID string, taskType TaskType, duration time.Duration)

	// RecordTaskFailure records a submission that ended in an error.
	// reason is one of FailureReason's labels.
	RecordTaskFailure(poolID string, taskType TaskType, reason string)

	// RecordQueueDepth records the current backlog length.
	RecordQueueDepth(poolID string, depth int)

	// RecordUnitRestart records that a crashed unit was replaced.
	RecordUnitRestart(poolID string, unit int)
}

// NilMetrics provides a no-op metrics implementation that does nothing.
// This is the default when no metrics interface is provided.
type NilMetrics struct{}

func (m *NilMetrics) RecordTaskDuration(poolID string, taskType TaskType, duration time.Duration) {
}

func (m *NilMetrics) RecordTaskFailure(poolID string, taskType TaskType, reason string) {
}

func (m *NilMetrics) RecordQueueDepth(poolID string, depth int) {
}

func (m *NilMetrics) RecordUnitRestart(poolID string, unit int) {
}

// =============================================================================
// PoolConfig: Configuration for WorkerPool
// =============================================================================

// PoolConfig holds configuration options for WorkerPool.
// Zero values are replaced by defaults in NewWorkerPool.
type PoolConfig struct {
	// ID names the pool in logs and metrics. Defaults to "offload".
	ID string

	// Size is the number of execution units. Defaults to DefaultPoolSize().
	Size int

	// TaskTimeout applies to tasks submitted without their own timeout.
	TaskTimeout time.Duration

	// StartupTimeout bounds how long Start waits for units to report ready.
	StartupTimeout time.Duration

	// CacheCapacity bounds each unit's result cache.
	CacheCapacity int

	// Kernels builds the kernel set of every unit. Required.
	Kernels KernelFactory

	// Codec encodes control replies. Defaults to JSON.
	Codec Codec

	Logger       Logger
	Metrics      Metrics
	PanicHandler PanicHandler

	// RetryPolicy governs re-creating a unit when Kernels fails.
	RetryPolicy RetryPolicy
}

// DefaultPoolSize is the host's hardware parallelism, or 4 when unknown.
func DefaultPoolSize() int {
	if n := runtime.NumCPU(); n > 0 {
		return n
	}
	return 4
}

func (c PoolConfig) withDefaults() PoolConfig {
	if c.ID == "" {
		c.ID = "offload"
	}
	if c.Size < 1 {
		c.Size = DefaultPoolSize()
	}
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = DefaultTaskTimeout
	}
	if c.StartupTimeout <= 0 {
		c.StartupTimeout = 10 * time.Second
	}
	if c.CacheCapacity < 1 {
		c.CacheCapacity = defaultCacheCapacity
	}
	if c.Codec == nil {
		c.Codec = NewJSONCodec()
	}
	if c.Logger == nil {
		c.Logger = NewNoOpLogger()
	}
	if c.Metrics == nil {
		c.Metrics = &NilMetrics{}
	}
	if c.PanicHandler == nil {
		c.PanicHandler = &LoggingPanicHandler{Logger: c.Logger}
	}
	if c.RetryPolicy == (RetryPolicy{}) {
		c.RetryPolicy = DefaultRetryPolicy()
	}
	return c
}
