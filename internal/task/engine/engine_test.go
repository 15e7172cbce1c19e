package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"newsdesk/internal/eventbus"
	logx "newsdesk/pkg/logx"
)

func startEngine(t *testing.T, cfg Config) (*Service, eventbus.Bus) {
	t.Helper()
	bus := eventbus.New()
	s := New(cfg, logx.Nop(), bus)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s, bus
}

func waitEvent(t *testing.T, ch <-chan eventbus.Event) TaskEvent {
	t.Helper()
	select {
	case e := <-ch:
		return e.Data.(TaskEvent)
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for event")
		return TaskEvent{}
	}
}

func TestEnqueueRunsTask(t *testing.T) {
	t.Parallel()

	s, bus := startEngine(t, Config{Workers: 1})
	done, unsub := bus.Subscribe(4, eventbus.TypeTaskFinished)
	defer unsub()

	var ran atomic.Bool
	if err := s.Enqueue(Task{Name: "ok", Run: func(ctx context.Context) error { ran.Store(true); return nil }}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	ev := waitEvent(t, done)
	if !ran.Load() || ev.Name != "ok" || ev.Attempts != 1 {
		t.Fatalf("unexpected event %+v", ev)
	}
}

func TestOverlapSkip(t *testing.T) {
	t.Parallel()

	s, _ := startEngine(t, Config{Workers: 2})
	release := make(chan struct{})
	started := make(chan struct{})
	st := &RunState{}
	task := Task{
		Name:  "slow",
		State: st,
		Opt:   TaskOptions{Overlap: OverlapSkipIfRunning},
		Run: func(ctx context.Context) error {
			close(started)
			<-release
			return nil
		},
	}
	if err := s.Enqueue(task); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	<-started
	if !st.Busy() {
		t.Fatalf("state must be busy while running")
	}
	if err := s.Enqueue(task); !errors.Is(err, ErrOverlapSkip) {
		t.Fatalf("second enqueue: %v", err)
	}
	close(release)
	deadline := time.Now().Add(2 * time.Second)
	for st.Busy() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if st.Busy() {
		t.Fatalf("state must be released after the run")
	}
}

func TestTimeoutAndPanic(t *testing.T) {
	t.Parallel()

	s, bus := startEngine(t, Config{Workers: 1})
	failed, unsub := bus.Subscribe(4, eventbus.TypeTaskFailed)
	defer unsub()

	_ = s.Enqueue(Task{
		Name:    "hangs",
		Timeout: 20 * time.Millisecond,
		Opt:     TaskOptions{RetryMax: -1},
		Run: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
	})
	if ev := waitEvent(t, failed); ev.Name != "hangs" || ev.Error == "" {
		t.Fatalf("timeout event %+v", ev)
	}

	_ = s.Enqueue(Task{Name: "panics", Run: func(ctx context.Context) error { panic("bad") }})
	if ev := waitEvent(t, failed); ev.Name != "panics" || ev.Attempts != 1 {
		t.Fatalf("panic must fail without retry: %+v", ev)
	}
}

func TestRetryHonorsNoRetry(t *testing.T) {
	t.Parallel()

	s, bus := startEngine(t, Config{Workers: 1, RetryMax: 2})
	events, unsub := bus.Subscribe(8, eventbus.TypeTaskFailed, eventbus.TypeTaskFinished)
	defer unsub()

	var calls atomic.Int32
	_ = s.Enqueue(Task{
		Name: "flaky",
		Opt:  TaskOptions{RetryBase: time.Millisecond, RetryMaxDelay: 2 * time.Millisecond},
		Run: func(ctx context.Context) error {
			if calls.Add(1) < 3 {
				return errors.New("transient")
			}
			return nil
		},
	})
	if ev := waitEvent(t, events); ev.Error != "" || ev.Attempts != 3 {
		t.Fatalf("flaky: %+v", ev)
	}

	var permanent atomic.Int32
	_ = s.Enqueue(Task{
		Name: "permanent",
		Run: func(ctx context.Context) error {
			permanent.Add(1)
			return NoRetry(errors.New("bad input"))
		},
	})
	if ev := waitEvent(t, events); ev.Error != "bad input" || permanent.Load() != 1 {
		t.Fatalf("permanent: %+v calls=%d", ev, permanent.Load())
	}
}

func TestEnqueueWhenStopped(t *testing.T) {
	t.Parallel()

	s := New(Config{}, logx.Nop(), nil)
	if err := s.Enqueue(Task{Name: "x", Run: func(context.Context) error { return nil }}); !errors.Is(err, ErrStopped) {
		t.Fatalf("err=%v want ErrStopped", err)
	}
	if err := s.Enqueue(Task{Name: "", Run: func(context.Context) error { return nil }}); err == nil {
		t.Fatalf("empty name must be rejected")
	}
}

func TestQueueFull(t *testing.T) {
	t.Parallel()

	s, _ := startEngine(t, Config{Workers: 1, QueueSize: 1})
	block := make(chan struct{})
	defer close(block)
	started := make(chan struct{}, 1)
	hold := func(ctx context.Context) error {
		select {
		case started <- struct{}{}:
		default:
		}
		select {
		case <-block:
		case <-ctx.Done():
		}
		return nil
	}
	_ = s.Enqueue(Task{Name: "a", Run: hold})
	<-started
	if err := s.Enqueue(Task{Name: "b", Run: hold}); err != nil {
		t.Fatalf("second task should fit the queue: %v", err)
	}
	if err := s.Enqueue(Task{Name: "c", Run: hold}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("err=%v want ErrQueueFull", err)
	}
	if snap := s.Snapshot(); snap.DroppedQueueFull != 1 {
		t.Fatalf("snapshot=%+v", snap)
	}
}

func TestBackoffDelay(t *testing.T) {
	t.Parallel()

	opt := TaskOptions{}.withDefaults(Config{})
	opt.RetryJitter = 0.0001
	if d := backoffDelay(opt, 1, nil); d != opt.RetryBase {
		t.Fatalf("first retry delay=%v", d)
	}
	if d := backoffDelay(opt, 3, nil); d != 4*opt.RetryBase {
		t.Fatalf("third retry delay=%v", d)
	}
	if d := backoffDelay(opt, 10, nil); d != opt.RetryMaxDelay {
		t.Fatalf("delay must cap at RetryMaxDelay, got %v", d)
	}
}
