package scheduler

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"newsdesk/internal/storage"
	logx "newsdesk/pkg/logx"
)

const persistTimeout = 5 * time.Second

// JobStore keeps runtime-added jobs in the scheduler_jobs table so they
// survive restarts. Config jobs are not stored; they are re-applied from
// the config file on every load.
type JobStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewJobStore(db *sql.DB) *JobStore {
	return &JobStore{db: db, now: time.Now}
}

func (js *JobStore) Save(ctx context.Context, job Job) error {
	trig, err := json.Marshal(job.Trigger)
	if err != nil {
		return fmt.Errorf("encode trigger: %w", err)
	}
	var args any
	if len(job.Args) > 0 {
		b, err := json.Marshal(job.Args)
		if err != nil {
			return fmt.Errorf("encode args: %w", err)
		}
		args = string(b)
	}
	_, err = js.db.ExecContext(ctx, `
INSERT INTO scheduler_jobs (id, name, task, trigger, args, timeout_ms, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	name = excluded.name,
	task = excluded.task,
	trigger = excluded.trigger,
	args = excluded.args,
	timeout_ms = excluded.timeout_ms,
	updated_at = excluded.updated_at`,
		job.ID, storage.NullStr(job.Name), job.Task, string(trig), args, job.Timeout.Milliseconds(), js.now().UnixMilli())
	return storage.Wrap("scheduler_jobs.save", err)
}

func (js *JobStore) Delete(ctx context.Context, id string) (bool, error) {
	res, err := js.db.ExecContext(ctx, `DELETE FROM scheduler_jobs WHERE id = ?`, id)
	if err != nil {
		return false, storage.Wrap("scheduler_jobs.delete", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, storage.Wrap("scheduler_jobs.delete", err)
	}
	return n > 0, nil
}

// Load returns stored jobs, oldest first.
func (js *JobStore) Load(ctx context.Context) ([]Job, error) {
	rows, err := js.db.QueryContext(ctx, `
SELECT id, name, task, trigger, args, timeout_ms
FROM scheduler_jobs
ORDER BY updated_at, id`)
	if err != nil {
		return nil, storage.Wrap("scheduler_jobs.load", err)
	}
	defer rows.Close()

	var out []Job
	for rows.Next() {
		var (
			j         Job
			name      sql.NullString
			trig      string
			args      sql.NullString
			timeoutMS int64
		)
		if err := rows.Scan(&j.ID, &name, &j.Task, &trig, &args, &timeoutMS); err != nil {
			return nil, storage.Wrap("scheduler_jobs.load", err)
		}
		j.Name = name.String
		if err := json.Unmarshal([]byte(trig), &j.Trigger); err != nil {
			return nil, fmt.Errorf("job %s: decode trigger: %w", j.ID, err)
		}
		if args.Valid && args.String != "" {
			if err := json.Unmarshal([]byte(args.String), &j.Args); err != nil {
				return nil, fmt.Errorf("job %s: decode args: %w", j.ID, err)
			}
		}
		j.Timeout = time.Duration(timeoutMS) * time.Millisecond
		out = append(out, j)
	}
	return out, storage.Wrap("scheduler_jobs.load", rows.Err())
}

func (s *Service) persist(job Job) {
	if s.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := s.store.Save(ctx, job); err != nil {
		s.log.Warn("job persist failed", logx.String("job", job.ID), logx.Err(err))
	}
}

func (s *Service) unpersist(id string) {
	if s.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if _, err := s.store.Delete(ctx, id); err != nil {
		s.log.Warn("job unpersist failed", logx.String("job", id), logx.Err(err))
	}
}
