package core

import (
	"context"
	"errors"
	"testing"
	"time"
)

type addRequest struct {
	A int `json:"a"`
	B int `json:"b"`
}

type addResult struct {
	Sum int `json:"sum"`
}

func newAddKernels(t *testing.T, calls *int) *KernelSet {
	t.Helper()
	s := NewKernelSet(nil)
	err := RegisterKernel[addRequest, addResult](s, TaskCalculateMetrics, func(ctx context.Context, req addRequest) (addResult, error) {
		*calls++
		if req.A < 0 {
			return addResult{}, errors.New("negative input")
		}
		if req.A == 13 {
			panic("unlucky")
		}
		return addResult{Sum: req.A + req.B}, nil
	}, Cacheable())
	if err != nil {
		t.Fatalf("RegisterKernel() error = %v", err)
	}
	return s
}

func startTestUnit(t *testing.T, kernels *KernelSet) (*executionUnit, chan unitEvent) {
	t.Helper()
	events := make(chan unitEvent, 16)
	u := newExecutionUnit(context.Background(), 2, 7, kernels, NewJSONCodec(), events, 2)
	u.start()
	t.Cleanup(u.terminate)

	ev := nextEvent(t, events)
	if ev.kind != eventReady || ev.slot != 2 || ev.gen != 7 {
		t.Fatalf("first event = %+v, want ready from slot 2 gen 7", ev)
	}
	return u, events
}

func nextEvent(t *testing.T, events <-chan unitEvent) unitEvent {
	t.Helper()
	select {
	case ev := <-events:
		return ev
	case <-time.After(time.Second):
		t.Fatal("no event from unit within 1s")
		return unitEvent{}
	}
}

// TestExecutionUnit_CachesRepeatedPayload verifies the unit-local result cache
// Given: A started unit with a cacheable kernel
// When: The same payload is posted twice
// Then: The kernel runs once and the second reply is marked from cache
func TestExecutionUnit_CachesRepeatedPayload(t *testing.T) {
	// Arrange
	var calls int
	u, events := startTestUnit(t, newAddKernels(t, &calls))
	payload := []byte(`{"a":1,"b":2}`)

	// Act
	u.post(unitMessage{id: "t1", kind: TaskCalculateMetrics, payload: payload})
	first := nextEvent(t, events)
	u.post(unitMessage{id: "t2", kind: TaskCalculateMetrics, payload: payload})
	second := nextEvent(t, events)

	// Assert
	if first.err != nil || string(first.result) != `{"sum":3}` || first.fromCache {
		t.Fatalf("first reply = %+v, want sum 3 computed", first)
	}
	if second.id != "t2" || !second.fromCache || string(second.result) != `{"sum":3}` {
		t.Fatalf("second reply = %+v, want cached sum 3 for t2", second)
	}
	if calls != 1 {
		t.Errorf("kernel calls = %d, want 1", calls)
	}
}

// TestExecutionUnit_ControlMessages verifies get_performance and clear_cache
// Given: A unit that computed one result and served one cache hit
// When: get_performance, clear_cache, then the original payload are posted
// Then: Counters report the work, the cache empties and the kernel runs again
func TestExecutionUnit_ControlMessages(t *testing.T) {
	// Arrange
	var calls int
	u, events := startTestUnit(t, newAddKernels(t, &calls))
	payload := []byte(`{"a":4,"b":5}`)
	u.post(unitMessage{id: "t1", kind: TaskCalculateMetrics, payload: payload})
	nextEvent(t, events)
	u.post(unitMessage{id: "t2", kind: TaskCalculateMetrics, payload: payload})
	nextEvent(t, events)

	// Act
	u.post(unitMessage{id: "p1", kind: TaskGetPerformance})
	perfEv := nextEvent(t, events)
	u.post(unitMessage{id: "c1", kind: TaskClearCache})
	clearEv := nextEvent(t, events)
	u.post(unitMessage{id: "t3", kind: TaskCalculateMetrics, payload: payload})
	again := nextEvent(t, events)

	// Assert
	var perf UnitPerformance
	if err := NewJSONCodec().Decode(perfEv.result, &perf); err != nil {
		t.Fatalf("decode performance: %v", err)
	}
	if perf.Unit != 2 || perf.Computations != 1 || perf.CacheHits != 1 || perf.CacheSize != 1 {
		t.Errorf("performance = %+v, want unit 2, 1 computation, 1 hit, size 1", perf)
	}
	if string(clearEv.result) != `{"ok":true}` {
		t.Errorf("clear_cache reply = %s, want {\"ok\":true}", clearEv.result)
	}
	if again.fromCache || calls != 2 {
		t.Errorf("after clear: fromCache=%v calls=%d, want false/2", again.fromCache, calls)
	}
}

// TestExecutionUnit_KernelErrorKeepsUnitAlive verifies computation failures are replies
// Given: A started unit
// When: The kernel returns an error and then a valid payload is posted
// Then: The first reply carries a KernelError and the second succeeds
func TestExecutionUnit_KernelErrorKeepsUnitAlive(t *testing.T) {
	// Arrange
	var calls int
	u, events := startTestUnit(t, newAddKernels(t, &calls))

	// Act
	u.post(unitMessage{id: "bad", kind: TaskCalculateMetrics, payload: []byte(`{"a":-1}`)})
	bad := nextEvent(t, events)
	u.post(unitMessage{id: "good", kind: TaskCalculateMetrics, payload: []byte(`{"a":1,"b":1}`)})
	good := nextEvent(t, events)

	// Assert
	var kerr *KernelError
	if bad.kind != eventReply || !errors.As(bad.err, &kerr) || kerr.Type != TaskCalculateMetrics {
		t.Fatalf("bad reply = %+v, want KernelError reply", bad)
	}
	if good.err != nil || string(good.result) != `{"sum":2}` {
		t.Fatalf("good reply = %+v, want sum 2", good)
	}
}

// TestExecutionUnit_PanicEndsUnit verifies a crash becomes a failure event
// Given: A started unit
// When: The kernel panics
// Then: A failure event with the panic value is emitted and the unit goroutine exits
func TestExecutionUnit_PanicEndsUnit(t *testing.T) {
	// Arrange
	var calls int
	u, events := startTestUnit(t, newAddKernels(t, &calls))

	// Act
	u.post(unitMessage{id: "boom", kind: TaskCalculateMetrics, payload: []byte(`{"a":13}`)})
	ev := nextEvent(t, events)

	// Assert
	if ev.kind != eventFailure || ev.id != "boom" || ev.panicInfo != "unlucky" || len(ev.stack) == 0 {
		t.Fatalf("event = %+v, want failure for boom with panic value", ev)
	}
	select {
	case <-u.done:
	case <-time.After(time.Second):
		t.Fatal("unit goroutine still running after panic")
	}
}

// TestResultCache_EvictsOldestInsertion verifies the bound
func TestResultCache_EvictsOldestInsertion(t *testing.T) {
	c := newResultCache(2)

	c.put(1, []byte("a"))
	c.put(2, []byte("b"))
	c.put(1, []byte("a2"))
	c.put(3, []byte("c"))

	if _, ok := c.get(1); ok {
		t.Error("key 1 still cached, want evicted as oldest insertion")
	}
	if v, ok := c.get(2); !ok || string(v) != "b" {
		t.Errorf("get(2) = %q/%v, want b/true", v, ok)
	}
	if c.len() != 2 {
		t.Errorf("len() = %d, want 2", c.len())
	}
}

// TestFingerprint_DependsOnKindAndPayload verifies cache keys
func TestFingerprint_DependsOnKindAndPayload(t *testing.T) {
	payload := []byte(`{"a":1}`)

	if fingerprint(TaskOptimize, payload) != fingerprint(TaskOptimize, []byte(`{"a":1}`)) {
		t.Error("equal kind and payload produced different fingerprints")
	}
	if fingerprint(TaskOptimize, payload) == fingerprint(TaskCalculateMetrics, payload) {
		t.Error("different kinds produced the same fingerprint")
	}
	if fingerprint(TaskOptimize, payload) == fingerprint(TaskOptimize, []byte(`{"a":2}`)) {
		t.Error("different payloads produced the same fingerprint")
	}
}

// TestRegisterKernel_RejectsControlKinds verifies control kinds stay unit-handled
func TestRegisterKernel_RejectsControlKinds(t *testing.T) {
	s := NewKernelSet(nil)
	noop := func(ctx context.Context, req addRequest) (addResult, error) { return addResult{}, nil }

	if err := RegisterKernel[addRequest, addResult](s, TaskClearCache, noop); err == nil {
		t.Error("RegisterKernel(clear_cache) error = nil, want error")
	}
	if err := RegisterKernel[addRequest, addResult](s, TaskType("nope"), noop); err == nil {
		t.Error("RegisterKernel(unknown) error = nil, want error")
	}
	if err := RegisterKernel[addRequest, addResult](s, TaskOptimize, nil); err == nil {
		t.Error("RegisterKernel(nil kernel) error = nil, want error")
	}
	if len(s.Types()) != 0 {
		t.Errorf("Types() = %v, want empty", s.Types())
	}
}
