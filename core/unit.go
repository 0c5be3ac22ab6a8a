package core

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/cespare/xxhash/v2"
)

const defaultCacheCapacity = 100

// UnitState is the lifecycle state of an execution unit.
type UnitState int32

const (
	UnitStarting UnitState = iota
	UnitAvailable
	UnitBusy
	UnitDead
)

func (s UnitState) String() string {
	switch s {
	case UnitStarting:
		return "starting"
	case UnitAvailable:
		return "available"
	case UnitBusy:
		return "busy"
	case UnitDead:
		return "dead"
	default:
		return "unknown"
	}
}

// UnitPerformance is a unit's private counters, reported on get_performance.
type UnitPerformance struct {
	Unit                 int     `json:"unit"`
	Computations         int64   `json:"computations"`
	TotalTimeMs          float64 `json:"total_time"`
	CacheHits            int64   `json:"cache_hits"`
	CacheSize            int     `json:"cache_size"`
	AvgComputationTimeMs float64 `json:"avg_computation_time"`
}

type unitMessage struct {
	id      TaskID
	kind    TaskType
	payload []byte
}

type eventKind int

const (
	eventReady eventKind = iota
	eventReply
	eventFailure
)

// unitEvent is everything a unit ever tells the pool.
type unitEvent struct {
	kind      eventKind
	slot      int
	gen       uint64
	id        TaskID
	task      TaskType
	result    []byte
	err       error
	fromCache bool
	elapsed   time.Duration
	panicInfo any
	stack     []byte
}

var ackPayload = []byte(`{"ok":true}`)

// executionUnit runs tasks one at a time on a dedicated goroutine.
// Everything it owns (cache, counters, kernels) is touched only by that goroutine.
type executionUnit struct {
	slot int
	gen  uint64

	kernels *KernelSet
	codec   Codec

	mailbox *Queue[unitMessage]
	signal  chan struct{}
	events  chan<- unitEvent

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	cache *resultCache
	perf  UnitPerformance
}

func newExecutionUnit(
	parent context.Context,
	slot int,
	gen uint64,
	kernels *KernelSet,
	codec Codec,
	events chan<- unitEvent,
	cacheCapacity int,
) *executionUnit {
	ctx, cancel := context.WithCancel(parent)
	return &executionUnit{
		slot:    slot,
		gen:     gen,
		kernels: kernels,
		codec:   codec,
		mailbox: NewQueue[unitMessage](),
		signal:  make(chan struct{}, 1),
		events:  events,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		cache:   newResultCache(cacheCapacity),
		perf:    UnitPerformance{Unit: slot},
	}
}

func (u *executionUnit) start() {
	u.post(unitMessage{kind: taskInitialize})
	go u.runLoop()
}

// post never blocks; the mailbox is unbounded.
func (u *executionUnit) post(m unitMessage) {
	u.mailbox.Push(m)
	select {
	case u.signal <- struct{}{}:
	default:
	}
}

func (u *executionUnit) terminate() {
	u.cancel()
}

func (u *executionUnit) runLoop() {
	defer close(u.done)

	for {
		m, ok := u.mailbox.Pop()
		if !ok {
			select {
			case <-u.signal:
				continue
			case <-u.ctx.Done():
				return
			}
		}
		if u.ctx.Err() != nil {
			return
		}

		ev, crashed := u.handle(m)
		if !u.emit(ev) || crashed {
			return
		}
	}
}

func (u *executionUnit) emit(ev unitEvent) bool {
	ev.slot = u.slot
	ev.gen = u.gen
	select {
	case u.events <- ev:
		return true
	case <-u.ctx.Done():
		return false
	}
}

// handle executes one message. A panic turns into a failure event and ends the unit.
func (u *executionUnit) handle(m unitMessage) (ev unitEvent, crashed bool) {
	defer func() {
		if r := recover(); r != nil {
			ev = unitEvent{
				kind:      eventFailure,
				id:        m.id,
				task:      m.kind,
				panicInfo: r,
				stack:     debug.Stack(),
			}
			crashed = true
		}
	}()

	if m.kind == taskInitialize {
		return unitEvent{kind: eventReady}, false
	}

	ev = unitEvent{kind: eventReply, id: m.id, task: m.kind}
	startedAt := time.Now()

	switch m.kind {
	case TaskGetPerformance:
		ev.result, ev.err = u.codec.Encode(u.performance())
	case TaskClearCache:
		u.cache.clear()
		ev.result = ackPayload
	default:
		ev.result, ev.fromCache, ev.err = u.compute(m)
	}

	ev.elapsed = time.Since(startedAt)
	return ev, false
}

func (u *executionUnit) compute(m unitMessage) ([]byte, bool, error) {
	entry, ok := u.kernels.lookup(m.kind)
	if !ok {
		return nil, false, &KernelError{Type: m.kind, Message: "no kernel registered"}
	}

	var key uint64
	if entry.cacheable {
		key = fingerprint(m.kind, m.payload)
		if cached, hit := u.cache.get(key); hit {
			u.perf.CacheHits++
			return cached, true, nil
		}
	}

	startedAt := time.Now()
	result, err := entry.run(u.ctx, m.payload)
	elapsed := time.Since(startedAt)
	if err != nil {
		var kerr *KernelError
		if errors.As(err, &kerr) {
			return nil, false, kerr
		}
		return nil, false, &KernelError{Type: m.kind, Message: err.Error()}
	}

	u.perf.Computations++
	u.perf.TotalTimeMs += float64(elapsed) / float64(time.Millisecond)

	if entry.cacheable {
		u.cache.put(key, result)
	}
	return result, false, nil
}

func (u *executionUnit) performance() UnitPerformance {
	p := u.perf
	p.CacheSize = u.cache.len()
	if p.Computations > 0 {
		p.AvgComputationTimeMs = p.TotalTimeMs / float64(p.Computations)
	}
	return p
}

func (u *executionUnit) String() string {
	return fmt.Sprintf("unit-%d/gen-%d", u.slot, u.gen)
}

// fingerprint identifies a task by kind and encoded payload.
func fingerprint(kind TaskType, payload []byte) uint64 {
	d := xxhash.New()
	_, _ = d.WriteString(string(kind))
	_, _ = d.Write([]byte{0})
	_, _ = d.Write(payload)
	return d.Sum64()
}

// resultCache is a bounded cache evicting the oldest insertion first.
// Owned by one unit goroutine, so it carries no lock.
type resultCache struct {
	capacity int
	entries  map[uint64][]byte
	order    *Queue[uint64]
}

func newResultCache(capacity int) *resultCache {
	if capacity < 1 {
		capacity = defaultCacheCapacity
	}
	return &resultCache{
		capacity: capacity,
		entries:  make(map[uint64][]byte),
		order:    NewQueue[uint64](),
	}
}

func (c *resultCache) get(key uint64) ([]byte, bool) {
	v, ok := c.entries[key]
	return v, ok
}

func (c *resultCache) put(key uint64, value []byte) {
	if _, exists := c.entries[key]; exists {
		c.entries[key] = value
		return
	}
	for len(c.entries) >= c.capacity {
		oldest, ok := c.order.Pop()
		if !ok {
			break
		}
		delete(c.entries, oldest)
	}
	c.entries[key] = value
	c.order.Push(key)
}

func (c *resultCache) clear() {
	c.entries = make(map[uint64][]byte)
	c.order.Drain()
}

func (c *resultCache) len() int {
	return len(c.entries)
}
