package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/taskwatch/internal/progress"
)

// PrometheusSink exports unit lifecycle metrics via Prometheus.
type PrometheusSink struct {
	unitsScheduled prometheus.Counter
	unitsCompleted *prometheus.CounterVec
	unitsRunning   prometheus.Gauge
	unitRuntime    *prometheus.HistogramVec
	drains         prometheus.Counter

	tracker *unitTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		unitsScheduled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "taskwatch_units_scheduled_total",
			Help: "Total units accepted by an instrumented pool.",
		}),
		unitsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taskwatch_units_completed_total",
			Help: "Total units completed partitioned by result.",
		}, []string{"result"}),
		unitsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "taskwatch_units_running",
			Help: "Current number of units executing on a worker.",
		}),
		unitRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "taskwatch_unit_runtime_seconds",
			Help:    "Wall time per completed unit.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.3, 1, 3, 10, 30, 120},
		}, []string{"result"}),
		drains: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "taskwatch_pool_drains_total",
			Help: "Times a pool's active count returned to zero.",
		}),
		tracker: newUnitTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.unitsScheduled,
		s.unitsCompleted,
		s.unitsRunning,
		s.unitRuntime,
		s.drains,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register unit collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from the batch. It is safe for concurrent
// use by multiple goroutines.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageScheduled:
		s.unitsScheduled.Inc()
	case progress.StageStarted:
		if s.tracker.start(evt.UnitID) {
			s.unitsRunning.Inc()
		}
	case progress.StageSucceeded:
		s.finish(evt, "success")
	case progress.StageFailed:
		s.finish(evt, "error")
	case progress.StageCanceled:
		s.finish(evt, "canceled")
	case progress.StageDrained:
		s.drains.Inc()
	}
}

func (s *PrometheusSink) finish(evt progress.Event, result string) {
	s.unitsCompleted.WithLabelValues(result).Inc()
	if evt.Dur > 0 {
		s.unitRuntime.WithLabelValues(result).Observe(evt.Dur.Seconds())
	}
	if s.tracker.complete(evt.UnitID) {
		s.unitsRunning.Dec()
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

// unitTracker remembers which units were counted as running so a unit that
// completes without having started does not drive the gauge negative.
type unitTracker struct {
	mu      sync.Mutex
	running map[[16]byte]struct{}
}

func newUnitTracker() *unitTracker {
	return &unitTracker{running: make(map[[16]byte]struct{})}
}

func (t *unitTracker) start(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *unitTracker) complete(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
