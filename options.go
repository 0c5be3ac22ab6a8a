package offload

import (
	"time"

	"github.com/nathanaelhub/portfolio-optimization-dashboard-sub001/core"
	"github.com/nathanaelhub/portfolio-optimization-dashboard-sub001/kernel"
)

// ResultFactory returns a pointer to the zero result value for a task type.
type ResultFactory func(kind core.TaskType) (any, bool)

// Options configures a Manager. Use the With* helpers with New.
type Options struct {
	PoolID         string
	PoolSize       int
	TaskTimeout    time.Duration
	StartupTimeout time.Duration
	CacheCapacity  int
	MetricCapacity int

	Kernels core.KernelFactory
	Results ResultFactory
	Codec   core.Codec

	Logger       core.Logger
	Metrics      core.Metrics
	PanicHandler core.PanicHandler
	RetryPolicy  core.RetryPolicy
}

// Option mutates Options.
type Option func(*Options)

// DefaultOptions runs the default kernels on one unit per CPU.
func DefaultOptions() Options {
	codec := core.NewJSONCodec()
	return Options{
		PoolID:         "offload",
		PoolSize:       core.DefaultPoolSize(),
		TaskTimeout:    core.DefaultTaskTimeout,
		StartupTimeout: 10 * time.Second,
		CacheCapacity:  100,
		MetricCapacity: 100,
		Kernels:        kernel.Factory(codec),
		Results:        kernel.NewResult,
		Codec:          codec,
		Logger:         core.NewNoOpLogger(),
		Metrics:        &core.NilMetrics{},
		RetryPolicy:    core.DefaultRetryPolicy(),
	}
}

func WithPoolID(id string) Option { return func(o *Options) { o.PoolID = id } }

// WithPoolSize sets the number of execution units; values below 1 keep the default.
func WithPoolSize(n int) Option {
	return func(o *Options) {
		if n >= 1 {
			o.PoolSize = n
		}
	}
}

// WithTaskTimeout sets the timeout applied to every dispatched task.
func WithTaskTimeout(d time.Duration) Option { return func(o *Options) { o.TaskTimeout = d } }

func WithStartupTimeout(d time.Duration) Option { return func(o *Options) { o.StartupTimeout = d } }

func WithCacheCapacity(n int) Option { return func(o *Options) { o.CacheCapacity = n } }

func WithMetricCapacity(n int) Option { return func(o *Options) { o.MetricCapacity = n } }

// WithKernels replaces the kernel set every unit is built with.
func WithKernels(f core.KernelFactory) Option { return func(o *Options) { o.Kernels = f } }

// WithResults replaces how replies are decoded into typed results.
func WithResults(f ResultFactory) Option { return func(o *Options) { o.Results = f } }

func WithLogger(l core.Logger) Option { return func(o *Options) { o.Logger = l } }

func WithMetrics(m core.Metrics) Option { return func(o *Options) { o.Metrics = m } }

// WithPanicHandler is called whenever a kernel panic takes a unit down.
// Without it crashes are logged through the Manager's logger.
func WithPanicHandler(h core.PanicHandler) Option { return func(o *Options) { o.PanicHandler = h } }

func WithRetryPolicy(p core.RetryPolicy) Option { return func(o *Options) { o.RetryPolicy = p } }

type submitOptions struct {
	timeout time.Duration
}

// SubmitOption tunes a single submission.
type SubmitOption func(*submitOptions)

// WithTimeout overrides the task timeout for one submission.
func WithTimeout(d time.Duration) SubmitOption {
	return func(o *submitOptions) { o.timeout = d }
}
