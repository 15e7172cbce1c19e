package scheduler

import (
	"errors"
	"fmt"
	"maps"
	"reflect"
	"strings"
	"time"

	"github.com/google/uuid"
	"newsdesk/internal/task/engine"
	logx "newsdesk/pkg/logx"
)

// AddJob validates job and registers it. The trigger must compile and the
// task must resolve in the registry (including its argument check). When
// the scheduler is running the job is armed immediately.
func (s *Service) AddJob(job Job) (string, error) {
	id, err := s.addJob(job, false)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	e := s.jobs[id]
	var j Job
	if e != nil {
		j = e.job
	}
	s.mu.Unlock()
	if e != nil {
		s.persist(j)
	}
	return id, nil
}

func (s *Service) addJob(job Job, fromConfig bool) (string, error) {
	job = normalizeJob(job)
	e, err := s.newEntry(job)
	if err != nil {
		return "", err
	}
	e.fromConfig = fromConfig

	s.mu.Lock()
	defer s.mu.Unlock()
	old, exists := s.jobs[job.ID]
	if exists {
		if !job.ReplaceExisting {
			return "", fmt.Errorf("%w: %s", ErrJobExists, job.ID)
		}
		if old.fromConfig == fromConfig && sameJob(old.job, job) {
			return job.ID, nil
		}
		s.unscheduleLocked(old)
		// Keep the overlap gate so a replace cannot start a second run.
		e.state = old.state
	} else {
		s.order = append(s.order, job.ID)
	}
	s.jobs[job.ID] = e
	if s.c != nil {
		s.scheduleLocked(e)
	}

	if s.log.Enabled(logx.LevelDebug) {
		s.log.Debug("job registered",
			logx.String("job", job.ID),
			logx.String("task", job.Task),
			logx.String("trigger", job.Trigger.String()),
			logx.String("next", previewNextRuns(e.sched, s.now().In(s.loc), 3)),
		)
	}
	return job.ID, nil
}

func normalizeJob(job Job) Job {
	job.ID = strings.TrimSpace(job.ID)
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	job.Task = strings.TrimSpace(job.Task)
	job.Name = strings.TrimSpace(job.Name)
	if job.Name == "" {
		job.Name = job.ID
	}
	job.Args = maps.Clone(job.Args)
	if job.Trigger.Kind == TriggerDate {
		job.Trigger.At = job.Trigger.At.UTC()
	}
	return job
}

func sameJob(a, b Job) bool {
	a.ReplaceExisting, b.ReplaceExisting = false, false
	if len(a.Args) == 0 && len(b.Args) == 0 {
		a.Args, b.Args = nil, nil
	}
	return reflect.DeepEqual(a, b)
}

func (s *Service) newEntry(job Job) (*jobEntry, error) {
	sched, err := job.Trigger.compile()
	if err != nil {
		return nil, err
	}
	if job.Timeout < 0 {
		return nil, errors.New("timeout must be >= 0")
	}
	if s.reg == nil {
		return nil, errors.New("task registry not configured")
	}
	if err := s.reg.Check(job.Task, job.Args); err != nil {
		return nil, err
	}
	return &jobEntry{job: job, sched: sched, state: &engine.RunState{}}, nil
}

// RemoveJob unregisters the job. It reports whether a job was removed.
func (s *Service) RemoveJob(id string) bool {
	id = strings.TrimSpace(id)
	s.mu.Lock()
	ok := s.removeLocked(id)
	s.mu.Unlock()
	if ok {
		s.unpersist(id)
		s.log.Debug("job removed", logx.String("job", id))
	}
	return ok
}

func (s *Service) removeLocked(id string) bool {
	e, ok := s.jobs[id]
	if !ok {
		return false
	}
	s.unscheduleLocked(e)
	delete(s.jobs, id)
	n := 0
	for _, v := range s.order {
		if v != id {
			s.order[n] = v
			n++
		}
	}
	s.order = s.order[:n]
	return true
}

// ListJobs returns the jobs in registration order.
func (s *Service) ListJobs() []JobInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobInfo, 0, len(s.order))
	for _, id := range s.order {
		e := s.jobs[id]
		out = append(out, JobInfo{
			ID:          e.job.ID,
			Name:        e.job.Name,
			Task:        e.job.Task,
			Trigger:     e.job.Trigger,
			Args:        maps.Clone(e.job.Args),
			NextRunTime: s.nextRunLocked(e),
			FromConfig:  e.fromConfig,
		})
	}
	return out
}

func (s *Service) GetJob(id string) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.jobs[strings.TrimSpace(id)]
	if !ok {
		return Job{}, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	j := e.job
	j.Args = maps.Clone(j.Args)
	return j, nil
}

func (s *Service) GetJobStatus(id string) (JobStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.jobs[strings.TrimSpace(id)]
	if !ok {
		return JobStatus{}, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return JobStatus{
		NextRunTime: s.nextRunLocked(e),
		Pending:     s.c == nil,
		Running:     e.state.Busy(),
	}, nil
}

// nextRunLocked prefers the armed cron entry and falls back to computing
// from the clock.
func (s *Service) nextRunLocked(e *jobEntry) time.Time {
	if s.c != nil && e.entryID != 0 {
		if next := s.c.Entry(e.entryID).Next; !next.IsZero() {
			return next
		}
	}
	return e.sched.Next(s.now().In(s.loc))
}

// RunNow dispatches the job once, outside its trigger. The overlap gate
// still applies, so it returns engine.ErrOverlapSkip while a run is active.
func (s *Service) RunNow(id string) error {
	s.mu.Lock()
	e, ok := s.jobs[strings.TrimSpace(id)]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	job, state := e.job, e.state
	s.mu.Unlock()
	return s.dispatch(job, state, true)
}

// ReplaceFromConfig makes the config-managed job set equal to jobs.
// Unchanged jobs keep their schedule; jobs added at runtime are untouched.
// Invalid jobs are skipped and reported together.
func (s *Service) ReplaceFromConfig(jobs []Job) error {
	var errs []error
	keep := make(map[string]bool, len(jobs))
	for _, j := range jobs {
		j.ReplaceExisting = true
		id, err := s.addJob(j, true)
		if err != nil {
			errs = append(errs, fmt.Errorf("job %s: %w", j.ID, err))
			continue
		}
		keep[id] = true
	}

	s.mu.Lock()
	var removed []string
	for id, e := range s.jobs {
		if e.fromConfig && !keep[id] {
			removed = append(removed, id)
		}
	}
	for _, id := range removed {
		s.removeLocked(id)
	}
	s.mu.Unlock()

	if len(removed) > 0 {
		s.log.Info("config jobs removed", logx.Strings("jobs", removed))
	}
	return errors.Join(errs...)
}
