package scheduler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"newsdesk/internal/eventbus"
	"newsdesk/internal/task/engine"
	"newsdesk/internal/task/registry"
	logx "newsdesk/pkg/logx"
)

type Option func(*Service)

// WithClock sets the time source used for next-run reporting.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithJobStore persists jobs added through AddJob and restores them on Start.
func WithJobStore(js *JobStore) Option {
	return func(s *Service) { s.store = js }
}

func New(cfg Config, eng *engine.Service, reg *registry.Registry, log logx.Logger, bus eventbus.Bus, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		cfg:         cfg,
		log:         log.With(logx.String("comp", "scheduler")),
		bus:         bus,
		now:         time.Now,
		engine:      eng,
		reg:         reg,
		jobs:        map[string]*jobEntry{},
		lastEnqWarn: map[string]time.Time{},
	}
	for _, o := range opts {
		o(s)
	}
	s.loc = s.loadLocationLocked()
	return s
}

// Enabled reports the current config flag.
func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled
	s.mu.Unlock()
	return en
}

// Running reports whether the cron loop is active.
func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.c != nil
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	oldTZ := strings.TrimSpace(s.cfg.Timezone)
	newTZ := strings.TrimSpace(cfg.Timezone)
	s.cfg = cfg
	if oldTZ == newTZ {
		return
	}
	if s.c == nil {
		s.loc = s.loadLocationLocked()
		return
	}
	s.restartLocked()
}

// Start arms every registered job (plus jobs restored from the job store)
// and starts the cron loop. Calling it on a running scheduler is a no-op.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	if s.store != nil {
		s.restoreLocked(ctx)
	}

	s.loc = s.loadLocationLocked()
	s.c = s.newCronLocked()
	for _, id := range s.order {
		s.scheduleLocked(s.jobs[id])
	}
	s.c.Start()
	s.log.Info("scheduler started", logx.String("tz", s.loc.String()), logx.Int("jobs", len(s.jobs)))
}

// Stop halts firing. Jobs stay registered so a later Start re-arms them.
// In-flight executions belong to the engine and are not waited for here.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	for _, e := range s.jobs {
		e.entryID = 0
	}
	s.mu.Unlock()
	if c == nil {
		return
	}

	start := time.Now()
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("scheduler stopped", logx.Duration("took", time.Since(start)))
}

func (s *Service) newCronLocked() *cron.Cron {
	cl := cronLogger{log: s.log}
	return cron.New(
		cron.WithParser(cronParser),
		cron.WithLocation(s.loc),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl)),
	)
}

// restartLocked rebuilds the cron loop, e.g. after a timezone change.
// Fire callbacks take s.mu, so the old loop is not waited for here.
func (s *Service) restartLocked() {
	if s.c != nil {
		s.c.Stop()
	}
	s.loc = s.loadLocationLocked()
	s.c = s.newCronLocked()
	for _, id := range s.order {
		s.scheduleLocked(s.jobs[id])
	}
	s.c.Start()
	s.log.Info("scheduler restarted", logx.String("tz", s.loc.String()), logx.Int("jobs", len(s.jobs)))
}

func (s *Service) scheduleLocked(e *jobEntry) {
	id := e.job.ID
	sched := e.sched
	if e.job.Trigger.Kind == TriggerInterval && s.cfg.StartupSpread > 0 {
		sched, _ = withStartupSpread(sched, e.job.Trigger.Period(), s.cfg.StartupSpread, s.now().In(s.loc), id)
	}
	e.entryID = s.c.Schedule(sched, cron.FuncJob(func() { s.fire(id) }))
}

func (s *Service) unscheduleLocked(e *jobEntry) {
	if s.c != nil && e.entryID != 0 {
		s.c.Remove(e.entryID)
	}
	e.entryID = 0
}

func (s *Service) restoreLocked(ctx context.Context) {
	jobs, err := s.store.Load(ctx)
	if err != nil {
		s.log.Warn("job store restore failed", logx.Err(err))
		return
	}
	restored := 0
	for _, j := range jobs {
		if _, ok := s.jobs[j.ID]; ok {
			continue
		}
		e, err := s.newEntry(j)
		if err != nil {
			s.log.Warn("stored job skipped", logx.String("job", j.ID), logx.Err(err))
			continue
		}
		if j.Trigger.Kind == TriggerDate && e.sched.Next(s.now()).IsZero() {
			s.log.Info("stored date job expired; dropping", logx.String("job", j.ID), logx.Time("at", j.Trigger.At))
			s.unpersist(j.ID)
			continue
		}
		s.jobs[j.ID] = e
		s.order = append(s.order, j.ID)
		restored++
	}
	if restored > 0 {
		s.log.Info("jobs restored", logx.Int("count", restored))
	}
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to UTC", logx.String("tz", tz), logx.Err(err))
		return time.UTC
	}
	return loc
}

// previewNextRuns returns the upcoming fire times as a short string for
// debug logs.
func previewNextRuns(sched cron.Schedule, from time.Time, n int) string {
	var b strings.Builder
	t := from
	for i := 0; i < n; i++ {
		t = sched.Next(t)
		if t.IsZero() {
			break
		}
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(t.Format("2006-01-02 15:04:05"))
	}
	return b.String()
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{
		Enabled:  s.cfg.Enabled,
		Running:  s.c != nil,
		Timezone: s.loc.String(),
	}
	s.mu.Unlock()
	snap.Jobs = s.ListJobs()
	if s.engine != nil {
		snap.Engine = s.engine.Snapshot()
	}
	return snap
}

// cronLogger routes robfig/cron diagnostics into logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Trace("cron: "+msg, kvFields(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error("cron: "+msg, append(kvFields(keysAndValues), logx.Err(err))...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, logx.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return out
}
