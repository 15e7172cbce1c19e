package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"newsdesk/internal/eventbus"
	"newsdesk/internal/storage"
	"newsdesk/internal/task/engine"
	"newsdesk/internal/task/registry"
	logx "newsdesk/pkg/logx"
)

type harness struct {
	sch  *Service
	reg  *registry.Registry
	eng  *engine.Service
	bus  eventbus.Bus
	runs chan map[string]string
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		reg:  registry.New(),
		bus:  eventbus.New(),
		runs: make(chan map[string]string, 64),
	}
	h.reg.MustRegister(registry.Task{
		Name: "record",
		Run: func(ctx context.Context, args map[string]string) error {
			select {
			case h.runs <- args:
			default:
			}
			return nil
		},
	})
	h.reg.MustRegister(registry.Task{
		Name: "needs.source",
		Run:  func(context.Context, map[string]string) error { return nil },
		Validate: func(args map[string]string) error {
			if args["source"] == "" {
				return errors.New("source required")
			}
			return nil
		},
	})
	h.eng = engine.New(engine.Config{Workers: 2}, logx.Nop(), h.bus)
	h.eng.Start(context.Background())
	h.sch = New(Config{Enabled: true}, h.eng, h.reg, logx.Nop(), h.bus, opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		h.sch.Stop(ctx)
		h.eng.Stop(ctx)
	})
	return h
}

func (h *harness) waitRun(t *testing.T) map[string]string {
	t.Helper()
	select {
	case args := <-h.runs:
		return args
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for a run")
		return nil
	}
}

func fixedClock(ts time.Time) Option {
	return WithClock(func() time.Time { return ts })
}

func TestAddJobValidation(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	every := TriggerSpec{Kind: TriggerInterval, Minutes: 30}

	if _, err := h.sch.AddJob(Job{ID: "a", Task: "record", Trigger: every}); err != nil {
		t.Fatalf("AddJob: %v", err)
	}
	cases := []struct {
		name string
		job  Job
		want error
	}{
		{name: "duplicate id", job: Job{ID: "a", Task: "record", Trigger: every}, want: ErrJobExists},
		{name: "unknown task", job: Job{ID: "b", Task: "missing", Trigger: every}, want: registry.ErrNotFound},
		{name: "bad trigger", job: Job{ID: "c", Task: "record", Trigger: TriggerSpec{Kind: TriggerInterval}}, want: ErrInvalidTrigger},
		{name: "unknown kind", job: Job{ID: "d", Task: "record", Trigger: TriggerSpec{Kind: "sometimes"}}, want: ErrInvalidTrigger},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := h.sch.AddJob(tc.job); !errors.Is(err, tc.want) {
				t.Fatalf("AddJob err=%v want %v", err, tc.want)
			}
		})
	}

	if _, err := h.sch.AddJob(Job{ID: "e", Task: "needs.source", Trigger: every}); err == nil {
		t.Fatalf("task arg validation must reject the job")
	}

	// The rejected duplicate left the original untouched; replacing works.
	got, _ := h.sch.GetJob("a")
	if got.Trigger.Minutes != 30 {
		t.Fatalf("original job changed: %+v", got)
	}
	hourly := TriggerSpec{Kind: TriggerInterval, Hours: 1}
	if _, err := h.sch.AddJob(Job{ID: "a", Task: "record", Trigger: hourly, ReplaceExisting: true}); err != nil {
		t.Fatalf("replace: %v", err)
	}
	if got, _ := h.sch.GetJob("a"); got.Trigger.Hours != 1 {
		t.Fatalf("replace did not apply: %+v", got)
	}
	if n := len(h.sch.ListJobs()); n != 1 {
		t.Fatalf("ListJobs len=%d want 1", n)
	}
}

func TestGeneratedIDAndDefaults(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	id, err := h.sch.AddJob(Job{Task: "record", Trigger: TriggerSpec{Kind: TriggerInterval, Seconds: 10}})
	if err != nil || id == "" {
		t.Fatalf("AddJob id=%q err=%v", id, err)
	}
	job, err := h.sch.GetJob(id)
	if err != nil || job.Name != id {
		t.Fatalf("GetJob=%+v err=%v", job, err)
	}
}

func TestListAndStatusWithClock(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	h := newHarness(t, fixedClock(now))

	_, _ = h.sch.AddJob(Job{ID: "feeds", Name: "Feeds", Task: "record", Trigger: TriggerSpec{Kind: TriggerInterval, Minutes: 30}})
	_, _ = h.sch.AddJob(Job{ID: "daily", Task: "record", Trigger: TriggerSpec{Kind: TriggerCron, Fields: map[string]string{"hour": "6"}}})

	jobs := h.sch.ListJobs()
	if len(jobs) != 2 || jobs[0].ID != "feeds" || jobs[1].ID != "daily" {
		t.Fatalf("ListJobs=%+v", jobs)
	}
	if want := now.Add(30 * time.Minute); !jobs[0].NextRunTime.Equal(want) {
		t.Fatalf("feeds next=%v want %v", jobs[0].NextRunTime, want)
	}
	if want := time.Date(2026, 5, 2, 6, 0, 0, 0, time.UTC); !jobs[1].NextRunTime.Equal(want) {
		t.Fatalf("daily next=%v want %v", jobs[1].NextRunTime, want)
	}

	st, err := h.sch.GetJobStatus("feeds")
	if err != nil {
		t.Fatalf("GetJobStatus: %v", err)
	}
	if !st.Pending || st.Running {
		t.Fatalf("stopped scheduler status=%+v", st)
	}

	if !h.sch.RemoveJob("feeds") || h.sch.RemoveJob("feeds") {
		t.Fatalf("RemoveJob must report true then false")
	}
	if _, err := h.sch.GetJobStatus("feeds"); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("GetJobStatus after remove err=%v", err)
	}
}

func TestStartStopIdempotent(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	_, _ = h.sch.AddJob(Job{ID: "x", Task: "record", Trigger: TriggerSpec{Kind: TriggerInterval, Hours: 1}})

	ctx := context.Background()
	h.sch.Stop(ctx)
	h.sch.Start(ctx)
	h.sch.Start(ctx)
	if !h.sch.Running() {
		t.Fatalf("scheduler must be running")
	}
	st, _ := h.sch.GetJobStatus("x")
	if st.Pending || st.NextRunTime.IsZero() {
		t.Fatalf("armed job status=%+v", st)
	}
	h.sch.Stop(ctx)
	h.sch.Stop(ctx)
	if h.sch.Running() {
		t.Fatalf("scheduler must be stopped")
	}
	h.sch.Start(ctx)
	if !h.sch.Running() {
		t.Fatalf("restart failed")
	}
}

func TestIntervalJobFiresWithArgs(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	fired, unsub := h.bus.Subscribe(8, eventbus.TypeJobFired)
	defer unsub()

	_, err := h.sch.AddJob(Job{
		ID:      "tick",
		Task:    "record",
		Trigger: TriggerSpec{Kind: TriggerInterval, Every: 50 * time.Millisecond},
		Args:    map[string]string{"kind": "feed"},
	})
	if err != nil {
		t.Fatalf("AddJob: %v", err)
	}
	h.sch.Start(context.Background())

	if args := h.waitRun(t); args["kind"] != "feed" {
		t.Fatalf("args=%v", args)
	}
	select {
	case e := <-fired:
		if jf := e.Data.(JobFired); jf.JobID != "tick" || jf.Manual {
			t.Fatalf("event=%+v", jf)
		}
	case <-time.After(time.Second):
		t.Fatalf("no job.fired event")
	}
}

func TestDateJobRemovedAfterFiring(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.sch.Start(context.Background())
	_, err := h.sch.AddJob(Job{ID: "once", Task: "record", Trigger: TriggerSpec{Kind: TriggerDate, At: time.Now().Add(50 * time.Millisecond)}})
	if err != nil {
		t.Fatalf("AddJob: %v", err)
	}
	h.waitRun(t)
	if _, err := h.sch.GetJobStatus("once"); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("date job must be gone after firing, err=%v", err)
	}
}

func TestRunNowAndOverlap(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	release := make(chan struct{})
	var calls atomic.Int32
	h.reg.MustRegister(registry.Task{
		Name: "slow",
		Run: func(ctx context.Context, args map[string]string) error {
			calls.Add(1)
			<-release
			return nil
		},
	})
	_, _ = h.sch.AddJob(Job{ID: "slow", Task: "slow", Trigger: TriggerSpec{Kind: TriggerInterval, Hours: 1}})

	if err := h.sch.RunNow("missing"); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("RunNow(missing) err=%v", err)
	}
	if err := h.sch.RunNow("slow"); err != nil {
		t.Fatalf("RunNow: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if st, _ := h.sch.GetJobStatus("slow"); !st.Running {
		t.Fatalf("status must report running: %+v", st)
	}
	if err := h.sch.RunNow("slow"); !errors.Is(err, engine.ErrOverlapSkip) {
		t.Fatalf("second RunNow err=%v want ErrOverlapSkip", err)
	}
	close(release)
}

func TestFailingJobDoesNotStopOthers(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.reg.MustRegister(registry.Task{
		Name: "boom",
		Run:  func(context.Context, map[string]string) error { panic("boom") },
	})
	every := TriggerSpec{Kind: TriggerInterval, Every: 40 * time.Millisecond}
	_, _ = h.sch.AddJob(Job{ID: "boom", Task: "boom", Trigger: every})
	_, _ = h.sch.AddJob(Job{ID: "ok", Task: "record", Trigger: every})
	h.sch.Start(context.Background())

	h.waitRun(t)
	h.waitRun(t)
	if !h.sch.Running() {
		t.Fatalf("scheduler stopped after a failing job")
	}
}

func TestReplaceFromConfig(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	hourly := TriggerSpec{Kind: TriggerInterval, Hours: 1}
	_, _ = h.sch.AddJob(Job{ID: "runtime", Task: "record", Trigger: hourly})

	err := h.sch.ReplaceFromConfig([]Job{
		{ID: "cfg1", Task: "record", Trigger: hourly},
		{ID: "cfg2", Task: "record", Trigger: hourly},
	})
	if err != nil {
		t.Fatalf("ReplaceFromConfig: %v", err)
	}
	if n := len(h.sch.ListJobs()); n != 3 {
		t.Fatalf("jobs=%d want 3", n)
	}

	err = h.sch.ReplaceFromConfig([]Job{
		{ID: "cfg1", Task: "record", Trigger: hourly},
		{ID: "bad", Task: "missing", Trigger: hourly},
	})
	if !errors.Is(err, registry.ErrNotFound) {
		t.Fatalf("invalid config job must be reported, err=%v", err)
	}
	ids := map[string]bool{}
	for _, j := range h.sch.ListJobs() {
		ids[j.ID] = true
	}
	if !ids["runtime"] || !ids["cfg1"] || ids["cfg2"] || ids["bad"] {
		t.Fatalf("jobs after reload=%v", ids)
	}
}

func TestJobStorePersistsRuntimeJobs(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	db, err := storage.Open(ctx, storage.Config{Path: filepath.Join(t.TempDir(), "jobs.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	js := NewJobStore(db.SQL())

	first := newHarness(t, WithJobStore(js))
	_, err = first.sch.AddJob(Job{
		ID:      "kept",
		Name:    "Kept job",
		Task:    "record",
		Trigger: TriggerSpec{Kind: TriggerCron, Expr: "0 30 6 * * *"},
		Args:    map[string]string{"category": "tech"},
		Timeout: 2 * time.Minute,
	})
	if err != nil {
		t.Fatalf("AddJob: %v", err)
	}
	_ = first.sch.ReplaceFromConfig([]Job{{ID: "cfg", Task: "record", Trigger: TriggerSpec{Kind: TriggerInterval, Hours: 1}}})
	_, _ = first.sch.AddJob(Job{ID: "gone", Task: "record", Trigger: TriggerSpec{Kind: TriggerInterval, Hours: 1}})
	first.sch.RemoveJob("gone")

	second := newHarness(t, WithJobStore(js))
	second.sch.Start(ctx)
	jobs := second.sch.ListJobs()
	if len(jobs) != 1 {
		t.Fatalf("restored jobs=%+v want only the runtime job", jobs)
	}
	got, _ := second.sch.GetJob("kept")
	if got.Name != "Kept job" || got.Args["category"] != "tech" || got.Timeout != 2*time.Minute || got.Trigger.Expr != "0 30 6 * * *" {
		t.Fatalf("restored job=%+v", got)
	}
}

func TestRunNowWaitsForQueueSpace(t *testing.T) {
	t.Parallel()

	reg := registry.New()
	release := make(chan struct{})
	started := make(chan string, 4)
	reg.MustRegister(registry.Task{
		Name: "hold",
		Run: func(ctx context.Context, args map[string]string) error {
			started <- args["n"]
			select {
			case <-release:
			case <-ctx.Done():
			}
			return nil
		},
	})
	eng := engine.New(engine.Config{Workers: 1, QueueSize: 1}, logx.Nop(), nil)
	eng.Start(context.Background())
	sch := New(Config{Enabled: true}, eng, reg, logx.Nop(), nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		eng.Stop(ctx)
	})
	for _, id := range []string{"a", "b", "c"} {
		if _, err := sch.AddJob(Job{ID: id, Task: "hold", Args: map[string]string{"n": id}, Trigger: TriggerSpec{Kind: TriggerInterval, Hours: 1}}); err != nil {
			t.Fatalf("AddJob %s: %v", id, err)
		}
	}

	// a occupies the only worker, b the only queue slot.
	if err := sch.RunNow("a"); err != nil {
		t.Fatalf("RunNow a: %v", err)
	}
	<-started
	if err := sch.RunNow("b"); err != nil {
		t.Fatalf("RunNow b: %v", err)
	}

	sch.mu.Lock()
	c := sch.jobs["c"]
	job, state := c.job, c.state
	sch.mu.Unlock()
	if err := sch.dispatch(job, state, false); !errors.Is(err, engine.ErrQueueFull) {
		t.Fatalf("trigger fire on a full queue: err=%v want ErrQueueFull", err)
	}

	done := make(chan error, 1)
	go func() { done <- sch.RunNow("c") }()
	select {
	case err := <-done:
		t.Fatalf("RunNow returned before space was free: %v", err)
	case <-time.After(100 * time.Millisecond):
	}
	close(release)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("RunNow c: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("RunNow c still blocked")
	}
}
