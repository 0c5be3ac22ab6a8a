package prometheus

import (
	"context"
	"sync"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"

	"github.com/nathanaelhub/portfolio-optimization-dashboard-sub001/core"
)

// PoolStatusProvider provides current pool status snapshots.
// Both *core.WorkerPool and *offload.Manager satisfy it.
type PoolStatusProvider interface {
	Status() core.PoolStatus
}

// SnapshotPoller periodically exports pool Status() snapshots into Prometheus gauges.
type SnapshotPoller struct {
	interval time.Duration

	poolsMu sync.RWMutex
	pools   map[string]PoolStatusProvider

	poolUnits     *prom.GaugeVec
	poolAvailable *prom.GaugeVec
	poolBusy      *prom.GaugeVec
	poolBacklog   *prom.GaugeVec
	poolPending   *prom.GaugeVec
	poolRestarts  *prom.GaugeVec
	poolRunning   *prom.GaugeVec

	stateMu sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewSnapshotPoller creates a snapshot poller and registers its collectors.
func NewSnapshotPoller(reg prom.Registerer, interval time.Duration) (*SnapshotPoller, error) {
	if reg == nil {
		reg = prom.DefaultRegisterer
	}
	if interval <= 0 {
		interval = time.Second
	}

	gauge := func(name, help string) *prom.GaugeVec {
		return prom.NewGaugeVec(prom.GaugeOpts{
			Namespace: "offload",
			Name:      name,
			Help:      help,
		}, []string{"pool"})
	}

	p := &SnapshotPoller{
		interval:      interval,
		pools:         make(map[string]PoolStatusProvider),
		poolUnits:     gauge("pool_units", "Live execution units per pool."),
		poolAvailable: gauge("pool_available", "Available execution units per pool."),
		poolBusy:      gauge("pool_busy", "Busy execution units per pool."),
		poolBacklog:   gauge("pool_backlog", "Tasks waiting in the backlog per pool."),
		poolPending:   gauge("pool_pending", "Tasks awaiting a correlated reply per pool."),
		poolRestarts:  gauge("pool_restarts", "Execution unit replacements per pool."),
		poolRunning:   gauge("pool_running", "Pool running state (1=running, 0=stopped)."),
	}

	for _, c := range []**prom.GaugeVec{
		&p.poolUnits, &p.poolAvailable, &p.poolBusy, &p.poolBacklog,
		&p.poolPending, &p.poolRestarts, &p.poolRunning,
	} {
		registered, err := registerCollector(reg, *c)
		if err != nil {
			return nil, err
		}
		*c = registered
	}
	return p, nil
}

// AddPool adds or replaces a pool status provider by name.
func (p *SnapshotPoller) AddPool(name string, provider PoolStatusProvider) {
	if p == nil || provider == nil {
		return
	}
	name = normalizeLabel(name, "pool")
	p.poolsMu.Lock()
	p.pools[name] = provider
	p.poolsMu.Unlock()
}

// Start begins periodic polling; repeated calls are no-ops.
func (p *SnapshotPoller) Start(ctx context.Context) {
	if p == nil {
		return
	}

	p.stateMu.Lock()
	if p.running {
		p.stateMu.Unlock()
		return
	}
	pollCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	p.running = true
	p.stateMu.Unlock()

	go p.loop(pollCtx, p.done)
}

// Stop stops periodic polling; repeated calls are safe.
func (p *SnapshotPoller) Stop() {
	if p == nil {
		return
	}

	p.stateMu.Lock()
	if !p.running {
		p.stateMu.Unlock()
		return
	}
	cancel := p.cancel
	done := p.done
	p.stateMu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}

	p.stateMu.Lock()
	p.running = false
	p.cancel = nil
	p.done = nil
	p.stateMu.Unlock()
}

func (p *SnapshotPoller) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.collectOnce()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.collectOnce()
		}
	}
}

func (p *SnapshotPoller) collectOnce() {
	p.poolsMu.RLock()
	defer p.poolsMu.RUnlock()

	for name, provider := range p.pools {
		st := provider.Status()
		p.poolUnits.WithLabelValues(name).Set(float64(st.Total))
		p.poolAvailable.WithLabelValues(name).Set(float64(st.Available))
		p.poolBusy.WithLabelValues(name).Set(float64(st.Busy))
		p.poolBacklog.WithLabelValues(name).Set(float64(st.Backlog))
		p.poolPending.WithLabelValues(name).Set(float64(st.Pending))
		p.poolRestarts.WithLabelValues(name).Set(float64(st.Restarts))
		if st.Running {
			p.poolRunning.WithLabelValues(name).Set(1)
		} else {
			p.poolRunning.WithLabelValues(name).Set(0)
		}
	}
}
