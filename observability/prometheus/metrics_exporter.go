package prometheus

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"

	"github.com/nathanaelhub/portfolio-optimization-dashboard-sub001/core"
)

// ExporterOptions controls collector configuration.
type ExporterOptions struct {
	DurationBuckets []float64
}

// MetricsExporter adapts core.Metrics to Prometheus collectors.
type MetricsExporter struct {
	taskDurationSeconds *prom.HistogramVec
	taskFailureTotal    *prom.CounterVec
	unitRestartTotal    *prom.CounterVec
	backlogDepth        *prom.GaugeVec
}

var _ core.Metrics = (*MetricsExporter)(nil)

// NewMetricsExporter creates and registers Prometheus collectors for core.Metrics.
func NewMetricsExporter(namespace string, reg prom.Registerer, opts ExporterOptions) (*MetricsExporter, error) {
	if namespace == "" {
		namespace = "offload"
	}
	if reg == nil {
		reg = prom.DefaultRegisterer
	}
	buckets := opts.DurationBuckets
	if len(buckets) == 0 {
		buckets = prom.DefBuckets
	}

	durationVec := prom.NewHistogramVec(prom.HistogramOpts{
		Namespace: namespace,
		Name:      "task_duration_seconds",
		Help:      "Submission wall-clock duration in seconds.",
		Buckets:   buckets,
	}, []string{"pool", "type"})
	failureVec := prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "task_failure_total",
		Help:      "Total number of failed submissions.",
	}, []string{"pool", "type", "reason"})
	restartVec := prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "unit_restart_total",
		Help:      "Total number of execution units replaced after a crash.",
	}, []string{"pool", "unit"})
	backlogVec := prom.NewGaugeVec(prom.GaugeOpts{
		Namespace: namespace,
		Name:      "backlog_depth",
		Help:      "Tasks waiting for an available execution unit.",
	}, []string{"pool"})

	var err error
	if durationVec, err = registerCollector(reg, durationVec); err != nil {
		return nil, err
	}
	if failureVec, err = registerCollector(reg, failureVec); err != nil {
		return nil, err
	}
	if restartVec, err = registerCollector(reg, restartVec); err != nil {
		return nil, err
	}
	if backlogVec, err = registerCollector(reg, backlogVec); err != nil {
		return nil, err
	}

	return &MetricsExporter{
		taskDurationSeconds: durationVec,
		taskFailureTotal:    failureVec,
		unitRestartTotal:    restartVec,
		backlogDepth:        backlogVec,
	}, nil
}

// RecordTaskDuration records submission duration.
func (m *MetricsExporter) RecordTaskDuration(poolID string, taskType core.TaskType, duration time.Duration) {
	if m == nil {
		return
	}
	m.taskDurationSeconds.WithLabelValues(normalizeLabel(poolID, "unknown"), normalizeLabel(taskType.String(), "unknown")).Observe(duration.Seconds())
}

// RecordTaskFailure records failed submissions by reason.
func (m *MetricsExporter) RecordTaskFailure(poolID string, taskType core.TaskType, reason string) {
	if m == nil {
		return
	}
	m.taskFailureTotal.WithLabelValues(
		normalizeLabel(poolID, "unknown"),
		normalizeLabel(taskType.String(), "unknown"),
		normalizeLabel(reason, "unknown"),
	).Inc()
}

// RecordQueueDepth records backlog depth.
func (m *MetricsExporter) RecordQueueDepth(poolID string, depth int) {
	if m == nil {
		return
	}
	m.backlogDepth.WithLabelValues(normalizeLabel(poolID, "unknown")).Set(float64(depth))
}

// RecordUnitRestart records unit replacements.
func (m *MetricsExporter) RecordUnitRestart(poolID string, unit int) {
	if m == nil {
		return
	}
	m.unitRestartTotal.WithLabelValues(normalizeLabel(poolID, "unknown"), strconv.Itoa(unit)).Inc()
}

func normalizeLabel(v string, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

func registerCollector[T prom.Collector](reg prom.Registerer, collector T) (T, error) {
	err := reg.Register(collector)
	if err == nil {
		return collector, nil
	}

	var alreadyRegisteredErr prom.AlreadyRegisteredError
	if errors.As(err, &alreadyRegisteredErr) {
		existing, ok := alreadyRegisteredErr.ExistingCollector.(T)
		if !ok {
			return collector, fmt.Errorf("collector type mismatch for %T", collector)
		}
		return existing, nil
	}

	return collector, err
}
