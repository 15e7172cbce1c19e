package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	logx "newsdesk/pkg/logx"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const defaultBusyTimeout = 5 * time.Second

// Config configures the database file.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means 5s
}

// DB is the shared handle. Repositories take it by pointer and never close it.
type DB struct {
	sql  *sql.DB
	path string
	log  logx.Logger
}

// Open creates (if needed) and migrates the database at cfg.Path.
// Use ":memory:" for a throwaway database.
func Open(ctx context.Context, cfg Config, log logx.Logger) (*DB, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage: path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, Wrap("open", err)
		}
	}
	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = defaultBusyTimeout
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)",
		path, busy.Milliseconds())
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, Wrap("open", err)
	}
	// One connection: SQLite allows a single writer and :memory: is per-connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	d := &DB{sql: db, path: path, log: log.With(logx.String("comp", "storage"))}
	if err := d.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return d, nil
}

func (d *DB) SQL() *sql.DB { return d.sql }

func (d *DB) Path() string { return d.path }

func (d *DB) Close() error {
	if d == nil || d.sql == nil {
		return nil
	}
	return d.sql.Close()
}

// Ping is used by the health endpoint.
func (d *DB) Ping(ctx context.Context) error {
	return Wrap("ping", d.sql.PingContext(ctx))
}

// migrate applies every embedded migration whose sequence number is above
// PRAGMA user_version, one transaction per file.
func (d *DB) migrate(ctx context.Context) error {
	names, err := fs.Glob(migrationsFS, "migrations/*.sql")
	if err != nil {
		return err
	}
	sort.Strings(names)

	var current int
	if err := d.sql.QueryRowContext(ctx, "PRAGMA user_version").Scan(&current); err != nil {
		return Wrap("migrate", err)
	}

	for i, name := range names {
		version := i + 1
		if version <= current {
			continue
		}
		body, err := migrationsFS.ReadFile(name)
		if err != nil {
			return err
		}
		err = WithTx(ctx, d.sql, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, string(body)); err != nil {
				return err
			}
			_, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", version))
			return err
		})
		if err != nil {
			return Wrap("migrate "+filepath.Base(name), err)
		}
		d.log.Debug("migration applied", logx.String("file", filepath.Base(name)), logx.Int("version", version))
	}
	return nil
}

// WithTx runs fn inside a transaction, committing on nil and rolling back otherwise.
func WithTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) (err error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if err = fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// IsPrimaryKeyViolation reports a PRIMARY KEY or UNIQUE constraint failure.
func IsPrimaryKeyViolation(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() {
	case sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3.SQLITE_CONSTRAINT_UNIQUE:
		return true
	}
	return false
}

func NullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

// TimeToDB encodes t as unix milliseconds; the zero time becomes NULL.
func TimeToDB(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}

func TimeFromDB(ms sql.NullInt64) time.Time {
	if !ms.Valid {
		return time.Time{}
	}
	return time.UnixMilli(ms.Int64).UTC()
}
