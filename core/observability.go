package core

// PoolStatus is a point-in-time view of a WorkerPool, for observability only.
type PoolStatus struct {
	ID        string `json:"id"`
	Size      int    `json:"size"`
	Total     int    `json:"total"`
	Available int    `json:"available"`
	Busy      int    `json:"busy"`
	Starting  int    `json:"starting"`
	Backlog   int    `json:"backlog"`
	Pending   int    `json:"pending"`
	Restarts  int64  `json:"restarts"`
	Running   bool   `json:"running"`
}

// UnitStatus describes one slot of the pool.
type UnitStatus struct {
	Slot       int       `json:"slot"`
	Generation uint64    `json:"generation"`
	State      UnitState `json:"-"`
	StateName  string    `json:"state"`
	Current    TaskID    `json:"current,omitempty"`
	Pending    int       `json:"pending"`
}
