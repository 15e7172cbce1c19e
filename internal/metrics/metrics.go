// Package metrics exposes run, job and task counters in Prometheus format.
//
// Counters are fed from the event bus, so producers stay unaware of
// Prometheus.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"newsdesk/internal/collect"
	"newsdesk/internal/eventbus"
	"newsdesk/internal/task/engine"
	"newsdesk/internal/task/scheduler"
)

const Namespace = "newsdesk"

type Metrics struct {
	reg *prometheus.Registry

	RunsTotal       *prometheus.CounterVec
	RunDuration     *prometheus.HistogramVec
	RunsInFlight    prometheus.Gauge
	CandidatesTotal *prometheus.CounterVec
	SourceFailures  *prometheus.CounterVec

	JobsFired    *prometheus.CounterVec
	JobsSkipped  *prometheus.CounterVec
	TasksDone    *prometheus.CounterVec
	TaskDuration *prometheus.HistogramVec
	TasksDropped *prometheus.CounterVec
}

// New registers every metric on a fresh registry together with the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)
	m := &Metrics{reg: reg}

	m.RunsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "runs",
			Name:      "total",
			Help:      "Finished orchestration runs by task and status.",
		},
		[]string{"task", "status"},
	)
	m.RunDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "runs",
			Name:      "duration_seconds",
			Help:      "Wall time of orchestration runs.",
			Buckets:   []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"task"},
	)
	m.RunsInFlight = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: Namespace,
		Subsystem: "runs",
		Name:      "in_flight",
		Help:      "Runs started but not yet finished.",
	})
	m.CandidatesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "records",
			Name:      "candidates_total",
			Help:      "Candidate records by outcome (saved, duplicate, error).",
		},
		[]string{"outcome"},
	)
	m.SourceFailures = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "sources",
			Name:      "failures_total",
			Help:      "Sources that could not be fetched or parsed.",
		},
		[]string{"source"},
	)

	m.JobsFired = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "scheduler",
			Name:      "jobs_fired_total",
			Help:      "Job firings by task and trigger (scheduled or manual).",
		},
		[]string{"task", "trigger"},
	)
	m.JobsSkipped = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "scheduler",
			Name:      "jobs_skipped_total",
			Help:      "Firings skipped because the previous run was still active.",
		},
		[]string{"task"},
	)
	m.TasksDone = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "engine",
			Name:      "tasks_total",
			Help:      "Executed tasks by result.",
		},
		[]string{"task", "result"},
	)
	m.TaskDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "engine",
			Name:      "task_duration_seconds",
			Help:      "Task execution time including retries.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"task"},
	)
	m.TasksDropped = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "engine",
			Name:      "tasks_dropped_total",
			Help:      "Tasks dropped before running.",
		},
		[]string{"reason"},
	)
	return m
}

// Registry is the registry the metrics live on.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// WatchEngine exports queue depth and in-flight count from snap.
func (m *Metrics) WatchEngine(snap func() engine.Snapshot) {
	factory := promauto.With(m.reg)
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: Namespace,
		Subsystem: "engine",
		Name:      "queue_length",
		Help:      "Tasks waiting for a worker.",
	}, func() float64 { return float64(snap().QueueLen) })
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: Namespace,
		Subsystem: "engine",
		Name:      "in_flight",
		Help:      "Tasks currently executing.",
	}, func() float64 { return float64(snap().InFlight) })
}

// Observe updates counters for one event. Unknown types are ignored.
func (m *Metrics) Observe(ev eventbus.Event) {
	switch ev.Type {
	case eventbus.TypeRunStarted:
		m.RunsInFlight.Inc()
	case eventbus.TypeRunFinished:
		res, ok := ev.Data.(collect.Result)
		if !ok {
			return
		}
		m.RunsInFlight.Dec()
		m.RunsTotal.WithLabelValues(res.Task, string(res.Status)).Inc()
		m.RunDuration.WithLabelValues(res.Task).Observe(res.Duration.Seconds())
		m.CandidatesTotal.WithLabelValues("saved").Add(float64(res.Succeeded))
		m.CandidatesTotal.WithLabelValues("duplicate").Add(float64(res.Duplicates))
		m.CandidatesTotal.WithLabelValues("error").Add(float64(res.Errors))
		for _, fs := range res.FailedSources {
			m.SourceFailures.WithLabelValues(fs.Source).Inc()
		}
	case eventbus.TypeJobFired:
		f, ok := ev.Data.(scheduler.JobFired)
		if !ok {
			return
		}
		trigger := "scheduled"
		if f.Manual {
			trigger = "manual"
		}
		m.JobsFired.WithLabelValues(f.Task, trigger).Inc()
	case eventbus.TypeJobSkipped:
		if te, ok := ev.Data.(engine.TaskEvent); ok {
			m.JobsSkipped.WithLabelValues(te.Name).Inc()
		}
	case eventbus.TypeTaskFinished, eventbus.TypeTaskFailed:
		te, ok := ev.Data.(engine.TaskEvent)
		if !ok {
			return
		}
		result := "ok"
		if ev.Type == eventbus.TypeTaskFailed {
			result = "error"
		}
		m.TasksDone.WithLabelValues(te.Name, result).Inc()
		m.TaskDuration.WithLabelValues(te.Name).Observe(te.Duration.Seconds())
	case eventbus.TypeTaskDropped:
		if te, ok := ev.Data.(engine.TaskEvent); ok {
			m.TasksDropped.WithLabelValues(te.Error).Inc()
		}
	}
}

// Run consumes bus events until ctx is done.
func (m *Metrics) Run(ctx context.Context, bus eventbus.Bus) error {
	ch, unsub := bus.Subscribe(256)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			m.Observe(ev)
		}
	}
}
