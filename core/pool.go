package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrNotStarted is returned for tasks submitted before Start.
var ErrNotStarted = errors.New("worker pool not started")

// job is a task together with the channel its outcome is delivered on.
type job struct {
	task Task
	done chan Outcome
}

type unitSlot struct {
	id       int
	gen      uint64
	unit     *executionUnit
	state    UnitState
	current  TaskID
	restarts int

	// awaitingStartup is set for units created by Start until they report ready.
	awaitingStartup bool

	// retrying is set while a factory retry is scheduled for a dead slot.
	retrying bool
}

// WorkerPool owns a fixed set of execution units and routes tasks to them.
//
// A task goes to the unit that has been available the longest. When every
// unit is busy the task waits in an unbounded FIFO backlog and is handed to
// the next unit that frees up. A unit that crashes is replaced in the same
// slot; only the tasks it owned are rejected.
type WorkerPool struct {
	cfg PoolConfig

	mu        sync.Mutex
	slots     []*unitSlot
	available []int
	backlog   *Queue[*job]
	table     *CorrelationTable
	events    chan unitEvent
	restarts  int64
	started   bool
	closed    bool

	startupPending int
	ready          chan struct{}

	ctx          context.Context
	cancel       context.CancelFunc
	listenerDone chan struct{}
}

// NewWorkerPool creates a pool. Call Start before submitting.
func NewWorkerPool(cfg PoolConfig) *WorkerPool {
	cfg = cfg.withDefaults()
	return &WorkerPool{
		cfg:     cfg,
		backlog: NewQueue[*job](),
		table:   newCorrelationTable(),
		events:  make(chan unitEvent, cfg.Size*4),
		ready:   make(chan struct{}),
	}
}

// ID returns the pool id.
func (p *WorkerPool) ID() string { return p.cfg.ID }

// Size returns the configured number of units.
func (p *WorkerPool) Size() int { return p.cfg.Size }

// Start creates every unit and waits until each created unit is ready.
// It fails only when not a single unit could be created; slots whose kernel
// factory failed keep retrying in the background. A concurrent Shutdown
// ends the wait with ErrShutdown.
func (p *WorkerPool) Start(ctx context.Context) error {
	if p.cfg.Kernels == nil {
		return errors.New("worker pool requires a kernel factory")
	}

	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return nil
	}
	if p.closed {
		p.mu.Unlock()
		return ErrShutdown
	}

	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.listenerDone = make(chan struct{})
	p.slots = make([]*unitSlot, p.cfg.Size)

	created := 0
	for i := range p.slots {
		slot := &unitSlot{id: i, state: UnitDead}
		p.slots[i] = slot
		if p.spawnLocked(slot, 0) {
			slot.awaitingStartup = true
			created++
		}
	}
	if created == 0 {
		p.cancel()
		p.mu.Unlock()
		return ErrNoUnits
	}

	p.started = true
	p.startupPending = created
	poolCtx := p.ctx
	go p.listen()
	p.mu.Unlock()

	p.cfg.Logger.Info("worker pool starting",
		F(KeyPool, p.cfg.ID),
		F("size", p.cfg.Size),
		F("created", created),
	)

	timer := time.NewTimer(p.cfg.StartupTimeout)
	defer timer.Stop()

	select {
	case <-p.ready:
		p.cfg.Logger.Info("worker pool ready", F(KeyPool, p.cfg.ID))
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for execution units: %w", ctx.Err())
	case <-poolCtx.Done():
		return ErrShutdown
	case <-timer.C:
		return fmt.Errorf("execution units not ready after %s", p.cfg.StartupTimeout)
	}
}

// Submit routes task to a unit or the backlog and returns the channel its
// single Outcome is delivered on. It never blocks.
func (p *WorkerPool) Submit(task Task) <-chan Outcome {
	if task.ID == "" {
		task.ID = GenerateTaskID()
	}
	if task.SubmittedAt.IsZero() {
		task.SubmittedAt = time.Now()
	}
	if task.Timeout <= 0 {
		task.Timeout = p.cfg.TaskTimeout
	}

	j := &job{task: task, done: make(chan Outcome, 1)}

	if !task.Type.Valid() || task.Type.IsControl() {
		j.fail(&ValidationError{Field: "type", Reason: fmt.Sprintf("unsupported task type %q", task.Type)})
		return j.done
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	switch {
	case p.closed:
		j.fail(ErrShutdown)
		return j.done
	case !p.started:
		j.fail(ErrNotStarted)
		return j.done
	case !p.hasCapacityLocked():
		j.fail(ErrNoUnits)
		return j.done
	}

	if slot, ok := p.popAvailableLocked(); ok {
		p.dispatchLocked(slot, j)
		return j.done
	}

	p.backlog.Push(j)
	depth := p.backlog.Len()
	p.cfg.Metrics.RecordQueueDepth(p.cfg.ID, depth)
	p.cfg.Logger.Debug("task queued",
		F(KeyPool, p.cfg.ID),
		F(KeyTaskID, task.ID),
		F(KeyTaskType, task.Type),
		F(KeyBacklog, depth),
	)
	return j.done
}

// Broadcast posts a control task to every live unit and returns one outcome
// channel per unit. Control tasks bypass the backlog and never change a
// unit's availability.
func (p *WorkerPool) Broadcast(kind TaskType, payload []byte) ([]<-chan Outcome, error) {
	if !kind.IsControl() {
		return nil, &ValidationError{Field: "type", Reason: fmt.Sprintf("%q is not a control task", kind)}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrShutdown
	}
	if !p.started {
		return nil, ErrNotStarted
	}

	out := make([]<-chan Outcome, 0, len(p.slots))
	for _, slot := range p.slots {
		if slot.unit == nil || slot.state == UnitDead {
			continue
		}
		task := NewTask(kind, payload)
		task.Timeout = p.cfg.TaskTimeout
		entry := &pendingEntry{
			task:         task,
			unit:         slot.id,
			gen:          slot.gen,
			control:      true,
			done:         make(chan Outcome, 1),
			dispatchedAt: time.Now(),
		}
		if err := p.table.register(entry, task.Timeout, p.onTimeout); err != nil {
			return nil, err
		}
		slot.unit.post(unitMessage{id: task.ID, kind: kind, payload: payload})
		out = append(out, entry.done)
	}
	return out, nil
}

// Status returns counts for observability. Callers must not make control
// decisions from it; it is stale as soon as it returns.
func (p *WorkerPool) Status() PoolStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	st := PoolStatus{
		ID:       p.cfg.ID,
		Size:     p.cfg.Size,
		Backlog:  p.backlog.Len(),
		Pending:  p.table.Len(),
		Restarts: p.restarts,
		Running:  p.started && !p.closed && p.hasCapacityLocked(),
	}
	for _, slot := range p.slots {
		switch slot.state {
		case UnitAvailable:
			st.Available++
		case UnitBusy:
			st.Busy++
		case UnitStarting:
			st.Starting++
		}
		if slot.state != UnitDead {
			st.Total++
		}
	}
	return st
}

// Units describes every slot.
func (p *WorkerPool) Units() []UnitStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]UnitStatus, 0, len(p.slots))
	for _, slot := range p.slots {
		out = append(out, UnitStatus{
			Slot:       slot.id,
			Generation: slot.gen,
			State:      slot.state,
			StateName:  slot.state.String(),
			Current:    slot.current,
			Pending:    p.table.Owned(slot.id),
		})
	}
	return out
}

// Shutdown terminates every unit and rejects all queued and in-flight tasks
// with ErrShutdown. It waits for unit goroutines until ctx is done; kernels
// observe cancellation through their context.
func (p *WorkerPool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true

	if !p.started {
		p.mu.Unlock()
		return nil
	}

	var units []*executionUnit
	for _, slot := range p.slots {
		if slot.unit != nil {
			slot.unit.terminate()
			units = append(units, slot.unit)
		}
		slot.state = UnitDead
		slot.current = ""
	}
	p.available = nil

	queued := p.backlog.Drain()
	for _, j := range queued {
		j.fail(ErrShutdown)
	}
	pending := p.table.takeAll()
	for _, e := range pending {
		e.resolve(Outcome{Err: &TaskError{TaskID: e.task.ID, Type: e.task.Type, Err: ErrShutdown}})
	}
	p.cancel()
	p.mu.Unlock()

	p.cfg.Logger.Info("worker pool shutting down",
		F(KeyPool, p.cfg.ID),
		F("rejected_queued", len(queued)),
		F("rejected_pending", len(pending)),
	)

	select {
	case <-p.listenerDone:
	case <-ctx.Done():
		return ctx.Err()
	}
	for _, u := range units {
		select {
		case <-u.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// =============================================================================
// Internals (p.mu held unless noted)
// =============================================================================

func (j *job) fail(err error) {
	j.done <- Outcome{
		TaskID: j.task.ID,
		Type:   j.task.Type,
		Err:    &TaskError{TaskID: j.task.ID, Type: j.task.Type, Err: err},
		Unit:   -1,
	}
}

// spawnLocked creates a unit in slot. On factory failure it schedules a
// retry per RetryPolicy and returns false. Once retries run out and no slot
// is live or retrying, the backlog fails with ErrNoUnits.
func (p *WorkerPool) spawnLocked(slot *unitSlot, attempt int) bool {
	kernels, err := p.cfg.Kernels(slot.id)
	if err != nil {
		p.cfg.Logger.Error("failed to create execution unit",
			F(KeyPool, p.cfg.ID),
			F(KeyUnit, slot.id),
			F(KeyAttempt, attempt),
			F(KeyError, err),
		)
		if attempt >= p.cfg.RetryPolicy.MaxRetries {
			slot.retrying = false
			p.failBacklogIfNoCapacityLocked()
			return false
		}
		slot.retrying = true
		delay := p.cfg.RetryPolicy.calculateDelay(attempt)
		time.AfterFunc(delay, func() {
			p.mu.Lock()
			defer p.mu.Unlock()
			if p.closed || !p.started || slot.state != UnitDead {
				slot.retrying = false
				return
			}
			p.spawnLocked(slot, attempt+1)
		})
		return false
	}

	slot.retrying = false
	slot.gen++
	slot.unit = newExecutionUnit(p.ctx, slot.id, slot.gen, kernels, p.cfg.Codec, p.events, p.cfg.CacheCapacity)
	slot.state = UnitStarting
	slot.current = ""
	slot.unit.start()
	return true
}

// hasCapacityLocked reports whether some slot is live or will be retried.
func (p *WorkerPool) hasCapacityLocked() bool {
	for _, slot := range p.slots {
		if slot.state != UnitDead || slot.retrying {
			return true
		}
	}
	return false
}

// failBacklogIfNoCapacityLocked rejects queued tasks that no unit will ever
// pick up. Queued tasks have no timer until dispatch.
func (p *WorkerPool) failBacklogIfNoCapacityLocked() {
	if !p.started || p.closed || p.hasCapacityLocked() {
		return
	}
	queued := p.backlog.Drain()
	if len(queued) == 0 {
		return
	}
	for _, j := range queued {
		j.fail(ErrNoUnits)
	}
	p.cfg.Metrics.RecordQueueDepth(p.cfg.ID, 0)
	p.cfg.Logger.Error("no execution unit left; rejecting backlog",
		F(KeyPool, p.cfg.ID),
		F("rejected_queued", len(queued)),
	)
}

func (p *WorkerPool) popAvailableLocked() (*unitSlot, bool) {
	for len(p.available) > 0 {
		id := p.available[0]
		p.available = p.available[1:]
		if slot := p.slots[id]; slot.state == UnitAvailable {
			return slot, true
		}
	}
	return nil, false
}

func (p *WorkerPool) removeAvailableLocked(id int) {
	for i, v := range p.available {
		if v == id {
			p.available = append(p.available[:i], p.available[i+1:]...)
			return
		}
	}
}

func (p *WorkerPool) dispatchLocked(slot *unitSlot, j *job) {
	slot.state = UnitBusy
	slot.current = j.task.ID

	entry := &pendingEntry{
		task:         j.task,
		unit:         slot.id,
		gen:          slot.gen,
		done:         j.done,
		dispatchedAt: time.Now(),
	}
	if err := p.table.register(entry, j.task.Timeout, p.onTimeout); err != nil {
		j.fail(err)
		p.releaseLocked(slot)
		return
	}

	slot.unit.post(unitMessage{id: j.task.ID, kind: j.task.Type, payload: j.task.Payload})
	p.cfg.Logger.Debug("task dispatched",
		F(KeyPool, p.cfg.ID),
		F(KeyUnit, slot.id),
		F(KeyTaskID, j.task.ID),
		F(KeyTaskType, j.task.Type),
	)
}

// releaseLocked frees slot and immediately hands it the oldest queued task,
// so a unit is never idle while work is waiting.
func (p *WorkerPool) releaseLocked(slot *unitSlot) {
	slot.current = ""
	if slot.unit == nil || slot.state == UnitDead {
		return
	}
	if j, ok := p.backlog.Pop(); ok {
		p.cfg.Metrics.RecordQueueDepth(p.cfg.ID, p.backlog.Len())
		p.dispatchLocked(slot, j)
		return
	}
	slot.state = UnitAvailable
	p.available = append(p.available, slot.id)
}

// listen demultiplexes unit events. Runs without p.mu.
func (p *WorkerPool) listen() {
	defer close(p.listenerDone)

	for {
		select {
		case <-p.ctx.Done():
			return
		case ev := <-p.events:
			switch ev.kind {
			case eventReady:
				p.onReady(ev)
			case eventReply:
				p.onReply(ev)
			case eventFailure:
				p.onFailure(ev)
			}
		}
	}
}

func (p *WorkerPool) onReady(ev unitEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()

	slot := p.slots[ev.slot]
	if slot.gen != ev.gen || slot.state != UnitStarting {
		return
	}
	if slot.awaitingStartup {
		slot.awaitingStartup = false
		p.startupPending--
		if p.startupPending == 0 {
			close(p.ready)
		}
	}
	p.cfg.Logger.Debug("execution unit ready",
		F(KeyPool, p.cfg.ID),
		F(KeyUnit, slot.id),
		F(KeyGen, slot.gen),
	)
	p.releaseLocked(slot)
}

func (p *WorkerPool) onReply(ev unitEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()

	entry, ok := p.table.take(ev.id)
	if !ok {
		p.cfg.Logger.Debug("discarding reply without pending task",
			F(KeyPool, p.cfg.ID),
			F(KeyUnit, ev.slot),
			F(KeyTaskID, ev.id),
		)
		return
	}

	out := Outcome{Result: ev.result, FromCache: ev.fromCache, ComputeTime: ev.elapsed}
	if ev.err != nil {
		out.Err = &TaskError{TaskID: ev.id, Type: ev.task, Err: ev.err}
	}
	entry.resolve(out)

	if entry.control {
		return
	}
	slot := p.slots[ev.slot]
	if slot.gen == ev.gen && slot.state == UnitBusy && slot.current == ev.id {
		p.releaseLocked(slot)
	}
}

// onTimeout runs on a timer goroutine.
func (p *WorkerPool) onTimeout(id TaskID) {
	p.mu.Lock()
	defer p.mu.Unlock()

	entry, ok := p.table.take(id)
	if !ok {
		return
	}
	entry.resolve(Outcome{Err: &TaskError{TaskID: id, Type: entry.task.Type, Err: ErrTimeout}})
	p.cfg.Logger.Warn("task timed out",
		F(KeyPool, p.cfg.ID),
		F(KeyUnit, entry.unit),
		F(KeyTaskID, id),
		F(KeyTaskType, entry.task.Type),
		F("timeout", entry.task.Timeout),
	)

	if entry.control || p.closed {
		return
	}
	// The unit is assumed to have lost only this exchange; it is not replaced.
	slot := p.slots[entry.unit]
	if slot.gen == entry.gen && slot.state == UnitBusy && slot.current == id {
		p.releaseLocked(slot)
	}
}

func (p *WorkerPool) onFailure(ev unitEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()

	slot := p.slots[ev.slot]
	if slot.gen != ev.gen || slot.state == UnitDead {
		return
	}

	failed := slot.unit
	slot.state = UnitDead
	slot.current = ""
	slot.unit = nil
	slot.restarts++
	p.removeAvailableLocked(slot.id)
	p.restarts++
	failed.terminate()

	cause := fmt.Sprint(ev.panicInfo)
	rejected := p.table.takeUnit(slot.id)
	for _, e := range rejected {
		e.resolve(Outcome{Err: &TaskError{
			TaskID: e.task.ID,
			Type:   e.task.Type,
			Err:    &UnitFailureError{Unit: slot.id, Generation: ev.gen, Cause: cause},
		}})
	}

	p.cfg.Metrics.RecordUnitRestart(p.cfg.ID, slot.id)
	p.cfg.PanicHandler.HandlePanic(p.cfg.ID, slot.id, ev.panicInfo, ev.stack)
	p.cfg.Logger.Warn("replacing execution unit",
		F(KeyPool, p.cfg.ID),
		F(KeyUnit, slot.id),
		F(KeyGen, ev.gen),
		F("rejected", len(rejected)),
	)

	if !p.closed {
		p.spawnLocked(slot, 0)
	}
}
