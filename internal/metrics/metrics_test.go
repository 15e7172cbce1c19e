package metrics

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"newsdesk/internal/collect"
	"newsdesk/internal/eventbus"
	"newsdesk/internal/monitor"
	"newsdesk/internal/task/engine"
	"newsdesk/internal/task/scheduler"
)

func TestObserve(t *testing.T) {
	t.Parallel()

	m := New()
	m.Observe(eventbus.Event{Type: eventbus.TypeRunStarted, Data: collect.RunStarted{Task: "collect.all"}})
	m.Observe(eventbus.Event{Type: eventbus.TypeRunFinished, Data: collect.Result{
		Task:          "collect.all",
		Status:        monitor.StatusPartial,
		Succeeded:     2,
		Duplicates:    1,
		FailedSources: []collect.FailedSource{{Source: "wire"}},
		Duration:      2 * time.Second,
	}})
	m.Observe(eventbus.Event{Type: eventbus.TypeJobFired, Data: scheduler.JobFired{Task: "collect.all", Manual: true}})
	m.Observe(eventbus.Event{Type: eventbus.TypeJobSkipped, Data: engine.TaskEvent{Name: "collect.all"}})
	m.Observe(eventbus.Event{Type: eventbus.TypeTaskFailed, Data: engine.TaskEvent{Name: "collect.all", Duration: time.Second}})
	m.Observe(eventbus.Event{Type: eventbus.TypeTaskDropped, Data: engine.TaskEvent{Name: "x", Error: "queue_full"}})
	m.Observe(eventbus.Event{Type: "something.else", Data: 42})
	m.Observe(eventbus.Event{Type: eventbus.TypeRunFinished, Data: "wrong payload"})

	checks := []struct {
		name string
		got  float64
		want float64
	}{
		{"runs", testutil.ToFloat64(m.RunsTotal.WithLabelValues("collect.all", "PARTIAL_SUCCESS")), 1},
		{"in_flight", testutil.ToFloat64(m.RunsInFlight), 0},
		{"saved", testutil.ToFloat64(m.CandidatesTotal.WithLabelValues("saved")), 2},
		{"duplicate", testutil.ToFloat64(m.CandidatesTotal.WithLabelValues("duplicate")), 1},
		{"source_failures", testutil.ToFloat64(m.SourceFailures.WithLabelValues("wire")), 1},
		{"fired_manual", testutil.ToFloat64(m.JobsFired.WithLabelValues("collect.all", "manual")), 1},
		{"skipped", testutil.ToFloat64(m.JobsSkipped.WithLabelValues("collect.all")), 1},
		{"task_error", testutil.ToFloat64(m.TasksDone.WithLabelValues("collect.all", "error")), 1},
		{"dropped", testutil.ToFloat64(m.TasksDropped.WithLabelValues("queue_full")), 1},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Fatalf("%s=%v want %v", c.name, c.got, c.want)
		}
	}
}

func TestRunConsumesBus(t *testing.T) {
	t.Parallel()

	m := New()
	bus := eventbus.New()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx, bus) }()

	deadline := time.Now().Add(2 * time.Second)
	for testutil.ToFloat64(m.JobsFired.WithLabelValues("collect.all", "scheduled")) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("event not observed")
		}
		bus.Publish(eventbus.Event{Type: eventbus.TypeJobFired, Data: scheduler.JobFired{Task: "collect.all"}})
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	t.Parallel()

	m := New()
	m.WatchEngine(func() engine.Snapshot { return engine.Snapshot{QueueLen: 3} })
	m.RunsTotal.WithLabelValues("collect.all", "SUCCESS").Inc()

	srv := httptest.NewServer(m.Handler())
	t.Cleanup(srv.Close)
	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	for _, want := range []string{
		`newsdesk_runs_total{status="SUCCESS",task="collect.all"} 1`,
		"newsdesk_engine_queue_length 3",
		"go_goroutines",
	} {
		if !strings.Contains(string(body), want) {
			t.Fatalf("missing %q in output", want)
		}
	}
}
