package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type probeRequest struct {
	Value   int  `json:"value"`
	SleepMs int  `json:"sleep_ms"`
	Panic   bool `json:"panic"`
	Fail    bool `json:"fail"`
}

type probeResult struct {
	Value int `json:"value"`
	Slot  int `json:"slot"`
}

// probe records what the pool's kernels observed.
type probe struct {
	running    atomic.Int32
	maxRunning atomic.Int32
	calls      atomic.Int32

	mu    sync.Mutex
	order []int
}

func (p *probe) factory() KernelFactory {
	return func(slot int) (*KernelSet, error) {
		s := NewKernelSet(nil)
		kernel := func(ctx context.Context, req probeRequest) (probeResult, error) {
			p.calls.Add(1)
			n := p.running.Add(1)
			defer p.running.Add(-1)
			for {
				cur := p.maxRunning.Load()
				if n <= cur || p.maxRunning.CompareAndSwap(cur, n) {
					break
				}
			}

			p.mu.Lock()
			p.order = append(p.order, req.Value)
			p.mu.Unlock()

			if req.Panic {
				panic(fmt.Sprintf("probe %d crashed", req.Value))
			}
			if req.Fail {
				return probeResult{}, errors.New("probe failure")
			}
			if req.SleepMs > 0 {
				select {
				case <-time.After(time.Duration(req.SleepMs) * time.Millisecond):
				case <-ctx.Done():
					return probeResult{}, ctx.Err()
				}
			}
			return probeResult{Value: req.Value, Slot: slot}, nil
		}
		if err := RegisterKernel[probeRequest, probeResult](s, TaskOptimize, kernel, Cacheable()); err != nil {
			return nil, err
		}
		if err := RegisterKernel[probeRequest, probeResult](s, TaskMonteCarlo, kernel); err != nil {
			return nil, err
		}
		return s, nil
	}
}

func (p *probe) seen() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]int(nil), p.order...)
}

func startTestPool(t *testing.T, cfg PoolConfig) *WorkerPool {
	t.Helper()
	pool := NewWorkerPool(cfg)
	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = pool.Shutdown(ctx)
	})
	return pool
}

func probeTask(t *testing.T, kind TaskType, req probeRequest) Task {
	t.Helper()
	payload, err := NewJSONCodec().Encode(req)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return NewTask(kind, payload)
}

func waitOutcome(t *testing.T, ch <-chan Outcome) Outcome {
	t.Helper()
	select {
	case out := <-ch:
		return out
	case <-time.After(3 * time.Second):
		t.Fatal("no outcome within 3s")
		return Outcome{}
	}
}

func decodeProbe(t *testing.T, out Outcome) probeResult {
	t.Helper()
	if out.Err != nil {
		t.Fatalf("outcome error = %v", out.Err)
	}
	var res probeResult
	if err := NewJSONCodec().Decode(out.Result, &res); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	return res
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within timeout")
}

// TestWorkerPool_SubmitReturnsResult verifies the basic round trip
// Given: A started pool of 2 units
// When: One task is submitted
// Then: Its outcome carries the decoded result and its own correlation id
func TestWorkerPool_SubmitReturnsResult(t *testing.T) {
	// Arrange
	p := &probe{}
	pool := startTestPool(t, PoolConfig{Size: 2, Kernels: p.factory()})
	task := probeTask(t, TaskOptimize, probeRequest{Value: 42})

	// Act
	out := waitOutcome(t, pool.Submit(task))

	// Assert
	res := decodeProbe(t, out)
	if res.Value != 42 {
		t.Errorf("Value = %d, want 42", res.Value)
	}
	if out.TaskID != task.ID || out.Type != TaskOptimize {
		t.Errorf("outcome identity = %s/%s, want %s/optimize", out.TaskID, out.Type, task.ID)
	}
	if out.Unit < 0 || out.Unit > 1 {
		t.Errorf("Unit = %d, want 0 or 1", out.Unit)
	}
}

// TestWorkerPool_BusyNeverExceedsSize verifies one task per unit at a time
// Given: A pool of 2 units
// When: 8 slow tasks are submitted at once
// Then: Every task completes and at most 2 kernels ever run concurrently
func TestWorkerPool_BusyNeverExceedsSize(t *testing.T) {
	// Arrange
	p := &probe{}
	pool := startTestPool(t, PoolConfig{Size: 2, Kernels: p.factory()})

	// Act
	chans := make([]<-chan Outcome, 0, 8)
	for i := range 8 {
		chans = append(chans, pool.Submit(probeTask(t, TaskMonteCarlo, probeRequest{Value: i, SleepMs: 15})))
	}
	st := pool.Status()

	// Assert
	if st.Busy > 2 || st.Busy+st.Available > 2 {
		t.Errorf("status busy/available = %d/%d, want busy+available <= 2", st.Busy, st.Available)
	}
	for _, ch := range chans {
		decodeProbe(t, waitOutcome(t, ch))
	}
	if got := p.maxRunning.Load(); got > 2 {
		t.Errorf("max concurrent kernels = %d, want <= 2", got)
	}
}

// TestWorkerPool_BacklogIsFIFO verifies queued tasks start in submission order
// Given: A pool of 1 unit
// When: 5 tasks are submitted back to back
// Then: The kernel sees them in submission order and the backlog depth is reported
func TestWorkerPool_BacklogIsFIFO(t *testing.T) {
	// Arrange
	p := &probe{}
	metrics := NewTestMetrics()
	pool := startTestPool(t, PoolConfig{Size: 1, Kernels: p.factory(), Metrics: metrics})

	// Act
	chans := make([]<-chan Outcome, 0, 5)
	for i := range 5 {
		chans = append(chans, pool.Submit(probeTask(t, TaskMonteCarlo, probeRequest{Value: i, SleepMs: 5})))
	}
	for _, ch := range chans {
		decodeProbe(t, waitOutcome(t, ch))
	}

	// Assert
	seen := p.seen()
	for i, v := range seen {
		if v != i {
			t.Fatalf("execution order = %v, want [0 1 2 3 4]", seen)
		}
	}
	depths := metrics.GetQueueDepths()
	if len(depths) == 0 || depths[0] != 1 {
		t.Errorf("queue depths = %v, want first recorded depth 1", depths)
	}
}

// TestWorkerPool_PanicReplacesOnlyFailedUnit verifies self-healing and scoped rejection
// Given: A pool of 2 units, one running a slow task
// When: A task panics on the other unit
// Then: Only the panicking task is rejected with UnitFailureError, the slow task
// still succeeds, the slot is refilled and later tasks run normally
func TestWorkerPool_PanicReplacesOnlyFailedUnit(t *testing.T) {
	// Arrange
	p := &probe{}
	handler := NewTestPanicHandler()
	metrics := NewTestMetrics()
	pool := startTestPool(t, PoolConfig{Size: 2, Kernels: p.factory(), PanicHandler: handler, Metrics: metrics})
	slow := pool.Submit(probeTask(t, TaskMonteCarlo, probeRequest{Value: 1, SleepMs: 100}))

	// Act
	crashed := waitOutcome(t, pool.Submit(probeTask(t, TaskMonteCarlo, probeRequest{Value: 2, Panic: true})))

	// Assert
	var uerr *UnitFailureError
	if !errors.As(crashed.Err, &uerr) {
		t.Fatalf("crashed outcome error = %v, want UnitFailureError", crashed.Err)
	}
	if res := decodeProbe(t, waitOutcome(t, slow)); res.Value != 1 {
		t.Errorf("slow task value = %d, want 1", res.Value)
	}
	waitFor(t, 2*time.Second, func() bool {
		st := pool.Status()
		return st.Restarts == 1 && st.Available == 2
	})
	if handler.CallCount() != 1 || handler.GetCalls()[0].Unit != uerr.Unit {
		t.Errorf("panic handler calls = %+v, want one call for unit %d", handler.GetCalls(), uerr.Unit)
	}
	if restarts := metrics.GetUnitRestarts(); len(restarts) != 1 || restarts[0] != uerr.Unit {
		t.Errorf("unit restarts = %v, want [%d]", restarts, uerr.Unit)
	}
	for _, u := range pool.Units() {
		if u.Slot == uerr.Unit && u.Generation != uerr.Generation+1 {
			t.Errorf("replacement generation = %d, want %d", u.Generation, uerr.Generation+1)
		}
	}

	after := pool.Submit(probeTask(t, TaskMonteCarlo, probeRequest{Value: 3}))
	if res := decodeProbe(t, waitOutcome(t, after)); res.Value != 3 {
		t.Errorf("post-recovery value = %d, want 3", res.Value)
	}
}

// TestWorkerPool_TimeoutKeepsUnit verifies timeouts release the caller only
// Given: A pool of 1 unit
// When: A slow task times out after 1ms and a second task follows
// Then: The first gets ErrTimeout exactly once, the unit is not replaced, the
// late reply is dropped and the second task gets its own result
func TestWorkerPool_TimeoutKeepsUnit(t *testing.T) {
	// Arrange
	p := &probe{}
	pool := startTestPool(t, PoolConfig{Size: 1, Kernels: p.factory()})
	slowTask := probeTask(t, TaskMonteCarlo, probeRequest{Value: 1, SleepMs: 60})
	slowTask.Timeout = time.Millisecond

	// Act
	slow := pool.Submit(slowTask)
	timedOut := waitOutcome(t, slow)
	next := pool.Submit(probeTask(t, TaskMonteCarlo, probeRequest{Value: 2}))
	nextOut := waitOutcome(t, next)

	// Assert
	if !errors.Is(timedOut.Err, ErrTimeout) {
		t.Fatalf("slow outcome error = %v, want ErrTimeout", timedOut.Err)
	}
	if res := decodeProbe(t, nextOut); res.Value != 2 {
		t.Errorf("next task value = %d, want 2", res.Value)
	}
	select {
	case extra := <-slow:
		t.Fatalf("second outcome delivered for timed-out task: %+v", extra)
	case <-time.After(50 * time.Millisecond):
	}
	st := pool.Status()
	if st.Restarts != 0 || st.Pending != 0 {
		t.Errorf("restarts/pending = %d/%d, want 0/0", st.Restarts, st.Pending)
	}
}

// TestWorkerPool_KernelErrorIsNotACrash verifies computation errors keep the unit
func TestWorkerPool_KernelErrorIsNotACrash(t *testing.T) {
	p := &probe{}
	pool := startTestPool(t, PoolConfig{Size: 1, Kernels: p.factory()})

	out := waitOutcome(t, pool.Submit(probeTask(t, TaskOptimize, probeRequest{Fail: true})))

	var kerr *KernelError
	if !errors.As(out.Err, &kerr) || kerr.Type != TaskOptimize {
		t.Fatalf("outcome error = %v, want KernelError for optimize", out.Err)
	}
	if st := pool.Status(); st.Restarts != 0 || st.Available != 1 {
		t.Errorf("restarts/available = %d/%d, want 0/1", st.Restarts, st.Available)
	}
}

// TestWorkerPool_BroadcastControlTasks verifies get_performance and clear_cache
// Given: A pool of 3 units where one unit served a cached result
// When: get_performance and clear_cache are broadcast
// Then: Every unit answers, counters sum up, availability is unchanged and
// the cache no longer serves the payload
func TestWorkerPool_BroadcastControlTasks(t *testing.T) {
	// Arrange
	p := &probe{}
	pool := startTestPool(t, PoolConfig{Size: 3, Kernels: p.factory()})
	req := probeRequest{Value: 9}
	first := waitOutcome(t, pool.Submit(probeTask(t, TaskOptimize, req)))
	decodeProbe(t, first)

	// Units are picked oldest-available first, so the same unit comes back
	// around after the other two.
	var cached Outcome
	for range 3 {
		cached = waitOutcome(t, pool.Submit(probeTask(t, TaskOptimize, req)))
	}
	if !cached.FromCache || cached.Unit != first.Unit {
		t.Fatalf("fourth submission FromCache/unit = %v/%d, want true/%d", cached.FromCache, cached.Unit, first.Unit)
	}

	// Act
	perfChans, err := pool.Broadcast(TaskGetPerformance, nil)
	if err != nil {
		t.Fatalf("Broadcast(get_performance) error = %v", err)
	}
	var computations, hits int64
	for _, ch := range perfChans {
		out := waitOutcome(t, ch)
		var perf UnitPerformance
		if err := NewJSONCodec().Decode(out.Result, &perf); err != nil {
			t.Fatalf("decode performance: %v", err)
		}
		computations += perf.Computations
		hits += perf.CacheHits
	}

	clearChans, err := pool.Broadcast(TaskClearCache, nil)
	if err != nil {
		t.Fatalf("Broadcast(clear_cache) error = %v", err)
	}
	for _, ch := range clearChans {
		if out := waitOutcome(t, ch); out.Err != nil {
			t.Fatalf("clear_cache ack error = %v", out.Err)
		}
	}

	// Assert
	if len(perfChans) != 3 || len(clearChans) != 3 {
		t.Fatalf("broadcast fan-out = %d/%d, want 3/3", len(perfChans), len(clearChans))
	}
	if computations != 3 || hits != 1 {
		t.Errorf("computations/hits = %d/%d, want 3/1", computations, hits)
	}
	if st := pool.Status(); st.Available != 3 || st.Pending != 0 {
		t.Errorf("available/pending after broadcast = %d/%d, want 3/0", st.Available, st.Pending)
	}
	for range 3 {
		if out := waitOutcome(t, pool.Submit(probeTask(t, TaskOptimize, req))); out.FromCache {
			t.Error("result served from cache after clear_cache")
		}
	}
	if _, err := pool.Broadcast(TaskOptimize, nil); err == nil {
		t.Error("Broadcast(optimize) error = nil, want ValidationError")
	}
}

// TestWorkerPool_ShutdownRejectsEverything verifies shutdown semantics
// Given: A pool of 1 unit with one running and two queued tasks
// When: Shutdown is called
// Then: All three get ErrShutdown and later submissions fail immediately
func TestWorkerPool_ShutdownRejectsEverything(t *testing.T) {
	// Arrange
	p := &probe{}
	pool := NewWorkerPool(PoolConfig{Size: 1, Kernels: p.factory()})
	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	chans := []<-chan Outcome{
		pool.Submit(probeTask(t, TaskMonteCarlo, probeRequest{Value: 1, SleepMs: 500})),
		pool.Submit(probeTask(t, TaskMonteCarlo, probeRequest{Value: 2})),
		pool.Submit(probeTask(t, TaskMonteCarlo, probeRequest{Value: 3})),
	}

	// Act
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := pool.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	// Assert
	for i, ch := range chans {
		if out := waitOutcome(t, ch); !errors.Is(out.Err, ErrShutdown) {
			t.Errorf("task %d error = %v, want ErrShutdown", i, out.Err)
		}
	}
	if out := waitOutcome(t, pool.Submit(probeTask(t, TaskOptimize, probeRequest{}))); !errors.Is(out.Err, ErrShutdown) {
		t.Errorf("post-shutdown submit error = %v, want ErrShutdown", out.Err)
	}
	if st := pool.Status(); st.Running || st.Total != 0 {
		t.Errorf("status after shutdown = %+v, want stopped with no units", st)
	}
	if err := pool.Shutdown(ctx); err != nil {
		t.Errorf("second Shutdown() error = %v, want nil", err)
	}
}

// TestWorkerPool_StartFailsWithoutUnits verifies ErrNoUnits
// Given: A kernel factory that always fails and no retries
// When: Start is called
// Then: It returns ErrNoUnits
func TestWorkerPool_StartFailsWithoutUnits(t *testing.T) {
	// Arrange
	var attempts atomic.Int32
	pool := NewWorkerPool(PoolConfig{
		Size: 2,
		Kernels: func(slot int) (*KernelSet, error) {
			attempts.Add(1)
			return nil, errors.New("no kernels today")
		},
		RetryPolicy: NoRetry(),
	})

	// Act
	err := pool.Start(context.Background())

	// Assert
	if !errors.Is(err, ErrNoUnits) {
		t.Fatalf("Start() error = %v, want ErrNoUnits", err)
	}
	if attempts.Load() != 2 {
		t.Errorf("factory attempts = %d, want 2", attempts.Load())
	}
}

// TestWorkerPool_FactoryRetry verifies a slot that failed at start is filled later
// Given: A pool of 2 where slot 1's factory fails once
// When: Start returns
// Then: The slot is created on retry and eventually becomes available
func TestWorkerPool_FactoryRetry(t *testing.T) {
	// Arrange
	p := &probe{}
	base := p.factory()
	var failed atomic.Bool
	pool := startTestPool(t, PoolConfig{
		Size: 2,
		Kernels: func(slot int) (*KernelSet, error) {
			if slot == 1 && failed.CompareAndSwap(false, true) {
				return nil, errors.New("transient")
			}
			return base(slot)
		},
		RetryPolicy: RetryPolicy{MaxRetries: 3, InitialDelay: 5 * time.Millisecond, MaxDelay: 20 * time.Millisecond, BackoffRatio: 2},
	})

	// Act and Assert
	waitFor(t, 2*time.Second, func() bool { return pool.Status().Available == 2 })
}

// TestWorkerPool_BacklogFailsWhenReplacementGivesUp verifies no task waits forever
// Given: A pool of 1 whose factory only succeeds the first time, with one retry
// When: The unit crashes and a task is queued while the replacement is retried
// Then: Once the retry fails the queued task gets ErrNoUnits, later
// submissions fail fast and the pool no longer reports running
func TestWorkerPool_BacklogFailsWhenReplacementGivesUp(t *testing.T) {
	// Arrange
	p := &probe{}
	base := p.factory()
	var builds atomic.Int32
	pool := startTestPool(t, PoolConfig{
		Size:        1,
		TaskTimeout: 100 * time.Millisecond,
		Kernels: func(slot int) (*KernelSet, error) {
			if builds.Add(1) > 1 {
				return nil, errors.New("kernels unavailable")
			}
			return base(slot)
		},
		RetryPolicy: RetryPolicy{MaxRetries: 1, InitialDelay: 100 * time.Millisecond, MaxDelay: 100 * time.Millisecond, BackoffRatio: 1},
	})
	crashed := waitOutcome(t, pool.Submit(probeTask(t, TaskMonteCarlo, probeRequest{Value: 1, Panic: true})))
	var uerr *UnitFailureError
	if !errors.As(crashed.Err, &uerr) {
		t.Fatalf("crashed outcome error = %v, want UnitFailureError", crashed.Err)
	}

	// Act
	queued := pool.Submit(probeTask(t, TaskMonteCarlo, probeRequest{Value: 2}))

	// Assert
	if out := waitOutcome(t, queued); !errors.Is(out.Err, ErrNoUnits) {
		t.Fatalf("queued outcome error = %v, want ErrNoUnits", out.Err)
	}
	if got := builds.Load(); got != 3 {
		t.Errorf("factory calls = %d, want 3 (start, replacement, one retry)", got)
	}
	if out := waitOutcome(t, pool.Submit(probeTask(t, TaskMonteCarlo, probeRequest{Value: 3}))); !errors.Is(out.Err, ErrNoUnits) {
		t.Errorf("late submit error = %v, want ErrNoUnits", out.Err)
	}
	if st := pool.Status(); st.Running || st.Backlog != 0 || st.Total != 0 {
		t.Errorf("status = %+v, want not running with empty backlog", st)
	}
}

// TestWorkerPool_RejectsBeforeStartAndBadTypes verifies immediate failures
func TestWorkerPool_RejectsBeforeStartAndBadTypes(t *testing.T) {
	p := &probe{}
	pool := NewWorkerPool(PoolConfig{Size: 1, Kernels: p.factory()})

	if out := waitOutcome(t, pool.Submit(probeTask(t, TaskOptimize, probeRequest{}))); !errors.Is(out.Err, ErrNotStarted) {
		t.Errorf("submit before Start error = %v, want ErrNotStarted", out.Err)
	}

	var verr *ValidationError
	out := waitOutcome(t, pool.Submit(NewTask(TaskClearCache, nil)))
	if !errors.As(out.Err, &verr) {
		t.Errorf("submit control task error = %v, want ValidationError", out.Err)
	}
	out = waitOutcome(t, pool.Submit(NewTask(TaskType("rebalance"), nil)))
	if !errors.As(out.Err, &verr) {
		t.Errorf("submit unknown type error = %v, want ValidationError", out.Err)
	}
}
