// Package monitor records task executions as STARTED entries that are
// closed exactly once with a terminal status and aggregate counts.
package monitor

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"newsdesk/internal/storage"
	logx "newsdesk/pkg/logx"
)

var (
	ErrNotFound = errors.New("monitor: entry not found")
	// ErrAlreadyClosed is returned by End for an entry that is no longer
	// STARTED. It matches ErrNotFound: there is no open entry with that id.
	ErrAlreadyClosed  = fmt.Errorf("%w: already closed", ErrNotFound)
	ErrInvalidStatus  = errors.New("monitor: invalid status")
	ErrInvalidOutcome = errors.New("monitor: invalid outcome")
)

type Status string

const (
	StatusStarted Status = "STARTED"
	StatusSuccess Status = "SUCCESS"
	StatusPartial Status = "PARTIAL_SUCCESS"
	StatusFailed  Status = "FAILED"
)

// Terminal reports whether s is a valid end state.
func (s Status) Terminal() bool {
	switch s {
	case StatusSuccess, StatusPartial, StatusFailed:
		return true
	}
	return false
}

func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToUpper(strings.TrimSpace(s)))
	if st == StatusStarted || st.Terminal() {
		return st, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidStatus, s)
}

// Entry is one task execution.
type Entry struct {
	ID             int64          `json:"id"`
	TaskName       string         `json:"task_name"`
	Status         Status         `json:"status"`
	StartTime      time.Time      `json:"start_time"`
	EndTime        *time.Time     `json:"end_time,omitempty"`
	ItemsProcessed int            `json:"items_processed"`
	ItemsSucceeded int            `json:"items_succeeded"`
	ItemsFailed    int            `json:"items_failed"`
	Details        map[string]any `json:"details,omitempty"`
	ErrorMessage   *string        `json:"error_message,omitempty"`
}

// Duration is zero for an open entry.
func (e Entry) Duration() time.Duration {
	if e.EndTime == nil {
		return 0
	}
	return e.EndTime.Sub(e.StartTime)
}

// Outcome closes an entry.
type Outcome struct {
	Status    Status
	Processed int
	Succeeded int
	Failed    int
	Details   map[string]any
	// ErrorMessage is stored only when non-empty.
	ErrorMessage string
}

// Query narrows List. Limit <= 0 means 50.
type Query struct {
	TaskName string
	Status   Status
	Limit    int
}

type Log struct {
	db  *storage.DB
	log logx.Logger
	now func() time.Time
}

type Option func(*Log)

func WithClock(now func() time.Time) Option {
	return func(l *Log) {
		if now != nil {
			l.now = now
		}
	}
}

func WithLogger(log logx.Logger) Option {
	return func(l *Log) { l.log = log.With(logx.String("comp", "monitor")) }
}

func New(db *storage.DB, opts ...Option) *Log {
	l := &Log{db: db, log: logx.Nop(), now: time.Now}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Start opens a STARTED entry and returns its id.
func (l *Log) Start(ctx context.Context, taskName string) (int64, error) {
	taskName = strings.TrimSpace(taskName)
	if taskName == "" {
		return 0, fmt.Errorf("%w: task name is required", ErrInvalidOutcome)
	}
	res, err := l.db.SQL().ExecContext(ctx,
		`INSERT INTO monitor_log(task_name, status, start_time) VALUES(?,?,?)`,
		taskName, string(StatusStarted), l.now().UnixMilli(),
	)
	if err != nil {
		return 0, storage.Wrap("log start", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, storage.Wrap("log start", err)
	}
	l.log.Debug("run started", logx.String("task", taskName), logx.Int64("log_id", id))
	return id, nil
}

// End closes entry id. It returns true when this call performed the
// transition; concurrent closers race on one conditional UPDATE and exactly
// one of them wins.
func (l *Log) End(ctx context.Context, id int64, out Outcome) (bool, error) {
	if !out.Status.Terminal() {
		return false, fmt.Errorf("%w: %q is not terminal", ErrInvalidStatus, out.Status)
	}
	if out.Processed < 0 || out.Succeeded < 0 || out.Failed < 0 {
		return false, fmt.Errorf("%w: negative counts", ErrInvalidOutcome)
	}

	var details any
	if len(out.Details) > 0 {
		b, err := json.Marshal(out.Details)
		if err != nil {
			return false, fmt.Errorf("%w: details: %v", ErrInvalidOutcome, err)
		}
		details = string(b)
	}

	res, err := l.db.SQL().ExecContext(ctx,
		`UPDATE monitor_log
		 SET status=?, end_time=?, items_processed=?, items_succeeded=?, items_failed=?, details=?, error_message=?
		 WHERE id=? AND status=?`,
		string(out.Status), l.now().UnixMilli(), out.Processed, out.Succeeded, out.Failed,
		details, storage.NullStr(out.ErrorMessage), id, string(StatusStarted),
	)
	if err != nil {
		return false, storage.Wrap("log end", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, storage.Wrap("log end", err)
	}
	if n == 1 {
		return true, nil
	}

	var status string
	err = l.db.SQL().QueryRowContext(ctx, `SELECT status FROM monitor_log WHERE id=?`, id).Scan(&status)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return false, fmt.Errorf("%w: id %d", ErrNotFound, id)
	case err != nil:
		return false, storage.Wrap("log end", err)
	default:
		return false, fmt.Errorf("%w: id %d is %s", ErrAlreadyClosed, id, status)
	}
}

const entryColumns = `id, task_name, status, start_time, end_time, items_processed, items_succeeded, items_failed, details, error_message`

func (l *Log) Get(ctx context.Context, id int64) (Entry, error) {
	row := l.db.SQL().QueryRowContext(ctx, `SELECT `+entryColumns+` FROM monitor_log WHERE id=?`, id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	if err != nil {
		return Entry{}, storage.Wrap("log get", err)
	}
	return e, nil
}

// List returns entries newest first.
func (l *Log) List(ctx context.Context, q Query) ([]Entry, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}
	var (
		where []string
		args  []any
	)
	if q.TaskName != "" {
		where = append(where, "task_name = ?")
		args = append(args, q.TaskName)
	}
	if q.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(q.Status))
	}
	stmt := `SELECT ` + entryColumns + ` FROM monitor_log`
	if len(where) > 0 {
		stmt += " WHERE " + strings.Join(where, " AND ")
	}
	stmt += " ORDER BY start_time DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := l.db.SQL().QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, storage.Wrap("log list", err)
	}
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, storage.Wrap("log list", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, storage.Wrap("log list", err)
	}
	return out, nil
}

// CloseStale fails every entry still STARTED that began before now-olderThan.
// It is run at boot to close runs interrupted by a crash.
func (l *Log) CloseStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	now := l.now()
	res, err := l.db.SQL().ExecContext(ctx,
		`UPDATE monitor_log SET status=?, end_time=?, error_message=?
		 WHERE status=? AND start_time < ?`,
		string(StatusFailed), now.UnixMilli(), "interrupted: process exited before the run finished",
		string(StatusStarted), now.Add(-olderThan).UnixMilli(),
	)
	if err != nil {
		return 0, storage.Wrap("close stale", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		l.log.Warn("closed interrupted runs", logx.Int64("count", n))
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (Entry, error) {
	var (
		e       Entry
		status  string
		start   int64
		end     sql.NullInt64
		details sql.NullString
		errMsg  sql.NullString
	)
	err := row.Scan(&e.ID, &e.TaskName, &status, &start, &end,
		&e.ItemsProcessed, &e.ItemsSucceeded, &e.ItemsFailed, &details, &errMsg)
	if err != nil {
		return Entry{}, err
	}
	e.Status = Status(status)
	e.StartTime = time.UnixMilli(start).UTC()
	if end.Valid {
		t := storage.TimeFromDB(end)
		e.EndTime = &t
	}
	if details.Valid && details.String != "" {
		_ = json.Unmarshal([]byte(details.String), &e.Details)
	}
	if errMsg.Valid {
		msg := errMsg.String
		e.ErrorMessage = &msg
	}
	return e, nil
}
