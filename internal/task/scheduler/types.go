package scheduler

import (
	"errors"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"newsdesk/internal/eventbus"
	"newsdesk/internal/task/engine"
	"newsdesk/internal/task/registry"
	logx "newsdesk/pkg/logx"
)

var (
	ErrInvalidTrigger = errors.New("invalid trigger")
	ErrJobExists      = errors.New("job already exists")
	ErrJobNotFound    = errors.New("job not found")
)

// Config controls the trigger service.
type Config struct {
	Enabled  bool
	Timezone string // IANA TZ, e.g. "Asia/Jakarta"; empty means UTC

	// StartupSpread delays the first fire of interval jobs by a random
	// amount up to this value (and at most one period). 0 disables it.
	StartupSpread time.Duration
}

// Job is a job definition. ID is generated when empty; Name defaults to ID.
type Job struct {
	ID      string            `json:"id"`
	Name    string            `json:"name"`
	Task    string            `json:"task"`
	Trigger TriggerSpec       `json:"trigger"`
	Args    map[string]string `json:"args,omitempty"`
	// Timeout bounds one execution; 0 uses the engine default.
	Timeout time.Duration `json:"timeout,omitempty"`

	ReplaceExisting bool `json:"-"`
}

type JobInfo struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Task        string            `json:"task"`
	Trigger     TriggerSpec       `json:"trigger"`
	Args        map[string]string `json:"args,omitempty"`
	NextRunTime time.Time         `json:"next_run_time,omitzero"`
	FromConfig  bool              `json:"from_config,omitempty"`
}

// JobStatus reports where a job is in its lifecycle. Pending means the
// scheduler has not been started yet, so the job is registered but not
// armed.
type JobStatus struct {
	NextRunTime time.Time `json:"next_run_time,omitzero"`
	Pending     bool      `json:"pending"`
	Running     bool      `json:"running"`
}

// JobFired is the payload of eventbus.TypeJobFired.
type JobFired struct {
	JobID  string `json:"job_id"`
	Name   string `json:"name"`
	Task   string `json:"task"`
	Manual bool   `json:"manual,omitempty"`
	Err    string `json:"err,omitempty"`
}

type jobEntry struct {
	job        Job
	sched      cron.Schedule
	entryID    cron.EntryID
	state      *engine.RunState
	fromConfig bool
}

type Service struct {
	mu sync.Mutex

	log logx.Logger
	cfg Config
	loc *time.Location
	bus eventbus.Bus
	now func() time.Time

	engine *engine.Service
	reg    *registry.Registry
	store  *JobStore

	c     *cron.Cron
	jobs  map[string]*jobEntry
	order []string

	// Enqueue error throttling: key is job name.
	enqMu       sync.Mutex
	lastEnqWarn map[string]time.Time
}

type Snapshot struct {
	Enabled  bool            `json:"enabled"`
	Running  bool            `json:"running"`
	Timezone string          `json:"timezone"`
	Jobs     []JobInfo       `json:"jobs"`
	Engine   engine.Snapshot `json:"engine"`
}
