package offload

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/sync/errgroup"

	"github.com/nathanaelhub/portfolio-optimization-dashboard-sub001/core"
	"github.com/nathanaelhub/portfolio-optimization-dashboard-sub001/kernel"
)

// Manager is the single entry point for offloaded computations.
// It owns one WorkerPool, created on Initialize or the first Submit.
type Manager struct {
	opts     Options
	validate *validator.Validate
	recorder *core.MetricRecorder

	mu       sync.Mutex
	pool     *core.WorkerPool
	starting *poolStart
	closed   bool
}

// poolStart tracks a pool whose Start is in progress. done closes once
// Start returned; err is set before that.
type poolStart struct {
	pool *core.WorkerPool
	done chan struct{}
	err  error
}

// New creates a Manager. No unit is started until Initialize or Submit.
func New(opts ...Option) *Manager {
	o := DefaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.Logger == nil {
		o.Logger = core.NewNoOpLogger()
	}
	if o.Metrics == nil {
		o.Metrics = &core.NilMetrics{}
	}
	if o.Codec == nil {
		o.Codec = core.NewJSONCodec()
	}
	if o.Results == nil {
		o.Results = kernel.NewResult
	}

	return &Manager{
		opts:     o,
		validate: newValidator(),
		recorder: core.NewMetricRecorder(o.MetricCapacity),
	}
}

// Initialize creates and starts the pool if it does not exist yet.
// It returns once every created unit is ready and fails only when no unit
// could be created at all.
func (m *Manager) Initialize(ctx context.Context) error {
	_, err := m.ensurePool(ctx)
	return err
}

// ensurePool returns the running pool, starting it on first use. Start runs
// without m.mu so status calls and Shutdown are not held up by startup.
func (m *Manager) ensurePool(ctx context.Context) (*core.WorkerPool, error) {
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, core.ErrShutdown
		}
		if m.pool != nil {
			pool := m.pool
			m.mu.Unlock()
			return pool, nil
		}
		if st := m.starting; st != nil {
			m.mu.Unlock()
			select {
			case <-st.done:
				if st.err != nil {
					return nil, st.err
				}
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		st := &poolStart{pool: m.newPool(), done: make(chan struct{})}
		m.starting = st
		m.mu.Unlock()

		return m.startPool(ctx, st)
	}
}

func (m *Manager) newPool() *core.WorkerPool {
	return core.NewWorkerPool(core.PoolConfig{
		ID:             m.opts.PoolID,
		Size:           m.opts.PoolSize,
		TaskTimeout:    m.opts.TaskTimeout,
		StartupTimeout: m.opts.StartupTimeout,
		CacheCapacity:  m.opts.CacheCapacity,
		Kernels:        m.opts.Kernels,
		Codec:          m.opts.Codec,
		Logger:         m.opts.Logger,
		Metrics:        m.opts.Metrics,
		PanicHandler:   m.opts.PanicHandler,
		RetryPolicy:    m.opts.RetryPolicy,
	})
}

func (m *Manager) startPool(ctx context.Context, st *poolStart) (*core.WorkerPool, error) {
	err := st.pool.Start(ctx)

	m.mu.Lock()
	m.starting = nil
	closed := m.closed
	if err == nil && !closed {
		m.pool = st.pool
	}
	switch {
	case err != nil:
		st.err = fmt.Errorf("initialize worker pool: %w", err)
	case closed:
		st.err = core.ErrShutdown
	}
	m.mu.Unlock()
	close(st.done)

	if st.err != nil {
		_ = st.pool.Shutdown(context.Background())
		return nil, st.err
	}
	return st.pool, nil
}

// Response is a successful submission.
type Response struct {
	TaskID      core.TaskID   `json:"task_id"`
	Type        core.TaskType `json:"type"`
	Result      any           `json:"result"`
	TotalTime   time.Duration `json:"total_time"`
	ComputeTime time.Duration `json:"compute_time"`
	FromCache   bool          `json:"from_cache"`
	Unit        int           `json:"unit"`
}

type fromCacheSetter interface {
	SetFromCache(bool)
}

// Submit executes req on an execution unit and waits for its outcome.
//
// Malformed requests fail with *ValidationError before any unit is involved.
// Other failures are *KernelError, ErrTimeout, *UnitFailureError or
// ErrShutdown, all reachable with errors.Is/As. Cancelling ctx releases the
// caller only; the unit still completes the work.
func (m *Manager) Submit(ctx context.Context, req core.Request, opts ...SubmitOption) (*Response, error) {
	startedAt := time.Now()

	if req == nil || reflect.ValueOf(req).Kind() == reflect.Pointer && reflect.ValueOf(req).IsNil() {
		return nil, &core.ValidationError{Reason: "request is nil"}
	}
	kind := req.TaskType()
	if !kind.Valid() || kind.IsControl() {
		return nil, &core.ValidationError{Field: "type", Reason: fmt.Sprintf("unsupported task type %q", kind)}
	}

	var so submitOptions
	for _, opt := range opts {
		opt(&so)
	}

	resp, err := m.submit(ctx, kind, req, so)
	m.observe(kind, time.Since(startedAt), err)
	if err != nil {
		return nil, err
	}
	resp.TotalTime = time.Since(startedAt)
	return resp, nil
}

func (m *Manager) submit(ctx context.Context, kind core.TaskType, req core.Request, so submitOptions) (*Response, error) {
	if err := m.check(req); err != nil {
		return nil, err
	}
	result, ok := m.opts.Results(kind)
	if !ok {
		return nil, &core.ValidationError{Field: "type", Reason: fmt.Sprintf("no result type for %q", kind)}
	}

	payload, err := m.opts.Codec.Encode(req)
	if err != nil {
		return nil, &core.ValidationError{Reason: err.Error()}
	}

	pool, err := m.ensurePool(ctx)
	if err != nil {
		return nil, err
	}

	task := core.NewTask(kind, payload)
	task.Timeout = so.timeout

	var out core.Outcome
	select {
	case out = <-pool.Submit(task):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if out.Err != nil {
		return nil, out.Err
	}

	if err := m.opts.Codec.Decode(out.Result, result); err != nil {
		return nil, fmt.Errorf("decode %s result: %w", kind, err)
	}
	if s, ok := result.(fromCacheSetter); ok {
		s.SetFromCache(out.FromCache)
	}

	return &Response{
		TaskID:      out.TaskID,
		Type:        kind,
		Result:      result,
		ComputeTime: out.ComputeTime,
		FromCache:   out.FromCache,
		Unit:        out.Unit,
	}, nil
}

// observe records one sample per submission and a parallel error sample on failure.
func (m *Manager) observe(kind core.TaskType, d time.Duration, err error) {
	m.recorder.Record(kind.String(), d)
	m.opts.Metrics.RecordTaskDuration(m.opts.PoolID, kind, d)
	if err == nil {
		return
	}

	m.recorder.Record(kind.ErrorMetricName(), d)
	reason := core.FailureReason(err)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		reason = "canceled"
	}
	m.opts.Metrics.RecordTaskFailure(m.opts.PoolID, kind, reason)
	m.opts.Logger.Debug("task failed",
		core.F(core.KeyTaskType, kind),
		core.F(core.KeyDuration, float64(d)/float64(time.Millisecond)),
		core.F(core.KeyError, err),
	)
}

// Optimize runs an optimization and returns its typed result.
func (m *Manager) Optimize(ctx context.Context, req kernel.OptimizeRequest, opts ...SubmitOption) (*kernel.OptimizeResult, error) {
	return submitAs[kernel.OptimizeResult](ctx, m, req, opts)
}

// RunMonteCarlo runs a Monte-Carlo simulation and returns its typed result.
func (m *Manager) RunMonteCarlo(ctx context.Context, req kernel.MonteCarloRequest, opts ...SubmitOption) (*kernel.MonteCarloResult, error) {
	return submitAs[kernel.MonteCarloResult](ctx, m, req, opts)
}

// CalculateMetrics computes portfolio metrics and returns the typed result.
func (m *Manager) CalculateMetrics(ctx context.Context, req kernel.MetricsRequest, opts ...SubmitOption) (*kernel.PortfolioMetrics, error) {
	return submitAs[kernel.PortfolioMetrics](ctx, m, req, opts)
}

func submitAs[T any](ctx context.Context, m *Manager, req core.Request, opts []SubmitOption) (*T, error) {
	resp, err := m.Submit(ctx, req, opts...)
	if err != nil {
		return nil, err
	}
	res, ok := resp.Result.(*T)
	if !ok {
		return nil, fmt.Errorf("unexpected result type %T for %s", resp.Result, resp.Type)
	}
	return res, nil
}

// WorkerAggregate sums the counters of every unit.
type WorkerAggregate struct {
	Computations         int64   `json:"computations"`
	TotalTimeMs          float64 `json:"total_time"`
	CacheHits            int64   `json:"cache_hits"`
	CacheSize            int     `json:"cache_size"`
	AvgComputationTimeMs float64 `json:"avg_computation_time"`
}

// PerformanceStats is the result of GetPerformanceStats.
type PerformanceStats struct {
	Operations map[string]core.MetricSnapshot `json:"operations"`
	Workers    []core.UnitPerformance         `json:"workers"`
	Aggregate  WorkerAggregate                `json:"aggregate"`
	Pool       core.PoolStatus                `json:"pool"`
}

// GetPerformanceStats returns the recorded timing series and a cross-worker
// view gathered from every live unit.
func (m *Manager) GetPerformanceStats(ctx context.Context) (*PerformanceStats, error) {
	stats := &PerformanceStats{
		Operations: m.recorder.Snapshots(),
		Workers:    []core.UnitPerformance{},
		Pool:       m.Status(),
	}

	pool := m.currentPool()
	if pool == nil {
		return stats, nil
	}

	replies, err := m.broadcast(ctx, pool, core.TaskGetPerformance)
	if err != nil {
		return nil, err
	}
	for _, out := range replies {
		var perf core.UnitPerformance
		if err := m.opts.Codec.Decode(out.Result, &perf); err != nil {
			return nil, fmt.Errorf("decode unit performance: %w", err)
		}
		stats.Workers = append(stats.Workers, perf)

		stats.Aggregate.Computations += perf.Computations
		stats.Aggregate.TotalTimeMs += perf.TotalTimeMs
		stats.Aggregate.CacheHits += perf.CacheHits
		stats.Aggregate.CacheSize += perf.CacheSize
	}
	if stats.Aggregate.Computations > 0 {
		stats.Aggregate.AvgComputationTimeMs = stats.Aggregate.TotalTimeMs / float64(stats.Aggregate.Computations)
	}
	return stats, nil
}

// ClearCache drops every unit's result cache and returns once all live
// units acknowledged.
func (m *Manager) ClearCache(ctx context.Context) error {
	pool := m.currentPool()
	if pool == nil {
		return nil
	}
	_, err := m.broadcast(ctx, pool, core.TaskClearCache)
	return err
}

// broadcast sends a control task to every unit and joins on all replies.
// A unit that crashed meanwhile is skipped: its replacement starts empty.
func (m *Manager) broadcast(ctx context.Context, pool *core.WorkerPool, kind core.TaskType) ([]core.Outcome, error) {
	chans, err := pool.Broadcast(kind, nil)
	if err != nil {
		return nil, err
	}

	results := make([]core.Outcome, len(chans))
	g, gctx := errgroup.WithContext(ctx)
	for i, ch := range chans {
		g.Go(func() error {
			select {
			case out := <-ch:
				var uerr *core.UnitFailureError
				if errors.As(out.Err, &uerr) {
					return nil
				}
				if out.Err != nil {
					return out.Err
				}
				results[i] = out
				return nil
			case <-gctx.Done():
				return gctx.Err()
			}
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("%s broadcast: %w", kind, err)
	}

	out := results[:0]
	for _, r := range results {
		if r.Result != nil {
			out = append(out, r)
		}
	}
	return out, nil
}

// Status reports pool counts; before Initialize only Size is set.
func (m *Manager) Status() core.PoolStatus {
	if pool := m.currentPool(); pool != nil {
		return pool.Status()
	}
	return core.PoolStatus{ID: m.opts.PoolID, Size: m.opts.PoolSize}
}

// Units describes every execution unit slot.
func (m *Manager) Units() []core.UnitStatus {
	if pool := m.currentPool(); pool != nil {
		return pool.Units()
	}
	return nil
}

// Recorder exposes the timing series for read-only use.
func (m *Manager) Recorder() *core.MetricRecorder {
	return m.recorder
}

// Shutdown terminates every unit and fails all queued and in-flight tasks
// with ErrShutdown. Later submissions fail with ErrShutdown too.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	pool := m.pool
	m.pool = nil
	if pool == nil && m.starting != nil {
		pool = m.starting.pool
	}
	m.mu.Unlock()

	if pool == nil {
		return nil
	}
	return pool.Shutdown(ctx)
}

func (m *Manager) currentPool() *core.WorkerPool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pool
}

func (m *Manager) check(req core.Request) error {
	err := m.validate.Struct(req)
	if err == nil {
		return nil
	}

	var invalid *validator.InvalidValidationError
	if errors.As(err, &invalid) {
		// Not a struct; nothing to check at this boundary.
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		reason := "failed " + fe.Tag()
		if fe.Param() != "" {
			reason += "=" + fe.Param()
		}
		return &core.ValidationError{Field: fe.Namespace(), Reason: reason}
	}
	return &core.ValidationError{Reason: err.Error()}
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}
