package core

import (
	"slices"
	"sort"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"
)

const defaultMetricCapacity = 100

// MetricSnapshot aggregates the samples currently held for one operation name.
// All durations are in milliseconds.
type MetricSnapshot struct {
	Name  string  `json:"name"`
	Count int     `json:"count"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Mean  float64 `json:"mean"`
	P50   float64 `json:"p50"`
	P90   float64 `json:"p90"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
}

// sampleRing is a fixed-capacity circular buffer; the oldest sample is overwritten first.
type sampleRing struct {
	items []float64
	head  int
	count int
}

func newSampleRing(capacity int) *sampleRing {
	return &sampleRing{items: make([]float64, capacity)}
}

func (r *sampleRing) add(v float64) {
	r.items[r.head] = v
	r.head = (r.head + 1) % len(r.items)
	if r.count < len(r.items) {
		r.count++
	}
}

func (r *sampleRing) values() []float64 {
	out := make([]float64, 0, r.count)
	start := (r.head - r.count + len(r.items)) % len(r.items)
	for i := range r.count {
		out = append(out, r.items[(start+i)%len(r.items)])
	}
	return out
}

// MetricRecorder keeps a bounded series of recent durations per operation name.
type MetricRecorder struct {
	mu       sync.Mutex
	capacity int
	series   map[string]*sampleRing
}

// NewMetricRecorder creates a recorder holding at most capacity samples per name.
func NewMetricRecorder(capacity int) *MetricRecorder {
	if capacity < 1 {
		capacity = defaultMetricCapacity
	}
	return &MetricRecorder{
		capacity: capacity,
		series:   make(map[string]*sampleRing),
	}
}

// Record appends a sample for name.
func (m *MetricRecorder) Record(name string, d time.Duration) {
	m.RecordMillis(name, float64(d)/float64(time.Millisecond))
}

// RecordMillis appends a sample already expressed in milliseconds.
func (m *MetricRecorder) RecordMillis(name string, ms float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.series[name]
	if !ok {
		r = newSampleRing(m.capacity)
		m.series[name] = r
	}
	r.add(ms)
}

// Values returns the samples held for name, oldest first.
func (m *MetricRecorder) Values(name string) []float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.series[name]
	if !ok {
		return nil
	}
	return r.values()
}

// Snapshot computes aggregate statistics for name without mutating the series.
func (m *MetricRecorder) Snapshot(name string) (MetricSnapshot, bool) {
	values := m.Values(name)
	if len(values) == 0 {
		return MetricSnapshot{Name: name}, false
	}
	return summarize(name, values), true
}

// Snapshots returns a snapshot for every recorded name.
func (m *MetricRecorder) Snapshots() map[string]MetricSnapshot {
	out := make(map[string]MetricSnapshot)
	for _, name := range m.Names() {
		if snap, ok := m.Snapshot(name); ok {
			out[name] = snap
		}
	}
	return out
}

// Names lists recorded operation names in lexical order.
func (m *MetricRecorder) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	names := make([]string, 0, len(m.series))
	for name := range m.series {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Reset drops every series.
func (m *MetricRecorder) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.series = make(map[string]*sampleRing)
}

func summarize(name string, values []float64) MetricSnapshot {
	sorted := slices.Clone(values)
	slices.Sort(sorted)

	return MetricSnapshot{
		Name:  name,
		Count: len(sorted),
		Min:   sorted[0],
		Max:   sorted[len(sorted)-1],
		Mean:  stat.Mean(sorted, nil),
		P50:   stat.Quantile(0.50, stat.Empirical, sorted, nil),
		P90:   stat.Quantile(0.90, stat.Empirical, sorted, nil),
		P95:   stat.Quantile(0.95, stat.Empirical, sorted, nil),
		P99:   stat.Quantile(0.99, stat.Empirical, sorted, nil),
	}
}
