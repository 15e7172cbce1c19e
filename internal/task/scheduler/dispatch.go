package scheduler

import (
	"context"
	"errors"
	"maps"
	"time"

	"newsdesk/internal/eventbus"
	"newsdesk/internal/storage"
	"newsdesk/internal/task/engine"
	logx "newsdesk/pkg/logx"
)

const (
	enqueueWarnThrottle = 5 * time.Second
	// manualQueueWait bounds how long RunNow waits for queue space.
	manualQueueWait = 5 * time.Second
)

// fire is the cron callback. It must stay cheap: resolve and enqueue only.
func (s *Service) fire(id string) {
	s.mu.Lock()
	e, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	job, state := e.job, e.state
	oneShot := job.Trigger.Kind == TriggerDate
	if oneShot {
		s.removeLocked(id)
	}
	s.mu.Unlock()

	if oneShot {
		s.unpersist(id)
	}
	if err := s.dispatch(job, state, false); err != nil {
		s.reportEnqueueError(job.Name, err)
	}
}

// dispatch hands the job to the engine. Trigger fires never block and
// drop on a full queue; manual runs wait up to manualQueueWait. Task
// errors that are not retryable (business errors, bad args) are marked so
// the engine does not retry them.
func (s *Service) dispatch(job Job, state *engine.RunState, manual bool) error {
	task, err := s.reg.Resolve(job.Task)
	if err == nil {
		args := maps.Clone(job.Args)
		t := engine.Task{
			Name:    job.Name,
			Timeout: job.Timeout,
			Opt:     engine.TaskOptions{Overlap: engine.OverlapSkipIfRunning},
			State:   state,
			Run: func(ctx context.Context) error {
				err := task.Run(ctx, args)
				if err != nil && !storage.IsRetryable(err) {
					return engine.NoRetry(err)
				}
				return err
			},
		}
		if manual {
			ctx, cancel := context.WithTimeout(context.Background(), manualQueueWait)
			err = s.engine.Submit(ctx, t)
			cancel()
		} else {
			err = s.engine.Enqueue(t)
		}
	}

	ev := JobFired{JobID: job.ID, Name: job.Name, Task: job.Task, Manual: manual}
	if err != nil {
		ev.Err = err.Error()
	}
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeJobFired, Time: time.Now(), Data: ev})
	}
	return err
}

func (s *Service) reportEnqueueError(name string, err error) {
	if err == nil {
		return
	}
	// Overlap skips are normal when a run outlasts its interval.
	if errors.Is(err, engine.ErrOverlapSkip) {
		s.log.Debug("job trigger skipped", logx.String("job", name), logx.Err(err))
		return
	}

	now := time.Now()
	s.enqMu.Lock()
	last := s.lastEnqWarn[name]
	if !last.IsZero() && now.Sub(last) < enqueueWarnThrottle {
		s.enqMu.Unlock()
		return
	}
	s.lastEnqWarn[name] = now
	s.enqMu.Unlock()

	s.log.Warn("job failed to enqueue", logx.String("job", name), logx.Err(err))
}
