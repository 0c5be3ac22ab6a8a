package core

import (
	"sync"
	"time"
)

// pendingEntry is the continuation of a dispatched task.
type pendingEntry struct {
	task         Task
	unit         int
	gen          uint64
	control      bool
	done         chan Outcome
	timer        *time.Timer
	dispatchedAt time.Time
}

// resolve delivers the single outcome of the entry. done has capacity 1 and
// the entry has already left the table, so this never blocks.
func (e *pendingEntry) resolve(o Outcome) {
	o.TaskID = e.task.ID
	o.Type = e.task.Type
	o.Unit = e.unit
	e.done <- o
}

// CorrelationTable maps outstanding correlation ids to their pending entries,
// with a reverse index from unit slot to the ids it owns.
type CorrelationTable struct {
	mu      sync.Mutex
	entries map[TaskID]*pendingEntry
	byUnit  map[int]map[TaskID]struct{}
}

func newCorrelationTable() *CorrelationTable {
	return &CorrelationTable{
		entries: make(map[TaskID]*pendingEntry),
		byUnit:  make(map[int]map[TaskID]struct{}),
	}
}

// register stores e and arms its timeout. At most one entry per id.
func (c *CorrelationTable) register(e *pendingEntry, timeout time.Duration, onTimeout func(TaskID)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := e.task.ID
	if _, exists := c.entries[id]; exists {
		return ErrDuplicateTask
	}

	c.entries[id] = e
	owned, ok := c.byUnit[e.unit]
	if !ok {
		owned = make(map[TaskID]struct{})
		c.byUnit[e.unit] = owned
	}
	owned[id] = struct{}{}

	e.timer = time.AfterFunc(timeout, func() { onTimeout(id) })
	return nil
}

// take removes the entry for id and disarms its timer.
// Only the caller that gets ok == true may resolve the entry.
func (c *CorrelationTable) take(id TaskID) (*pendingEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[id]
	if !ok {
		return nil, false
	}
	c.removeLocked(e)
	return e, true
}

// takeUnit removes every entry owned by unit.
func (c *CorrelationTable) takeUnit(unit int) []*pendingEntry {
	c.mu.Lock()
	defer c.mu.Unlock()

	owned := c.byUnit[unit]
	out := make([]*pendingEntry, 0, len(owned))
	for id := range owned {
		if e, ok := c.entries[id]; ok {
			out = append(out, e)
		}
	}
	for _, e := range out {
		c.removeLocked(e)
	}
	return out
}

// takeAll empties the table.
func (c *CorrelationTable) takeAll() []*pendingEntry {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]*pendingEntry, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e)
	}
	for _, e := range out {
		c.removeLocked(e)
	}
	return out
}

func (c *CorrelationTable) removeLocked(e *pendingEntry) {
	if e.timer != nil {
		e.timer.Stop()
	}
	delete(c.entries, e.task.ID)
	if owned, ok := c.byUnit[e.unit]; ok {
		delete(owned, e.task.ID)
		if len(owned) == 0 {
			delete(c.byUnit, e.unit)
		}
	}
}

// Len returns the number of outstanding entries.
func (c *CorrelationTable) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Owned returns the number of outstanding entries owned by unit.
func (c *CorrelationTable) Owned(unit int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.byUnit[unit])
}
