package records

import (
	"context"
	"fmt"
	"strings"

	"newsdesk/internal/storage"
)

// ClampPage validates skip and normalizes limit: <= 0 becomes
// DefaultPageSize and anything above MaxPageSize is clamped.
func ClampPage(skip, limit int) (int, int, error) {
	if skip < 0 {
		return 0, 0, fmt.Errorf("%w: skip must be >= 0, got %d", ErrInvalidPage, skip)
	}
	switch {
	case limit <= 0:
		limit = DefaultPageSize
	case limit > MaxPageSize:
		limit = MaxPageSize
	}
	return skip, limit, nil
}

// List returns records most recently collected first.
func (s *Store) List(ctx context.Context, skip, limit int) ([]Record, error) {
	return s.Find(ctx, Filter{Skip: skip, Limit: limit})
}

// Find returns the records matching f, most recently collected first.
func (s *Store) Find(ctx context.Context, f Filter) ([]Record, error) {
	skip, limit, err := ClampPage(f.Skip, f.Limit)
	if err != nil {
		return nil, err
	}

	var (
		where []string
		args  []any
	)
	eq := func(col, v string) {
		if v = strings.TrimSpace(v); v != "" {
			where = append(where, col+" = ?")
			args = append(args, v)
		}
	}
	eq("category", f.Category)
	eq("source_name", f.SourceName)
	eq("source_kind", string(f.SourceKind))
	eq("status", string(f.Status))
	if q := strings.TrimSpace(f.Query); q != "" {
		like := "%" + escapeLike(strings.ToLower(q)) + "%"
		where = append(where, `(lower(title) LIKE ? ESCAPE '\' OR lower(coalesce(description,'')) LIKE ? ESCAPE '\' OR lower(coalesce(content,'')) LIKE ? ESCAPE '\')`)
		args = append(args, like, like, like)
	}
	if !f.CollectedAfter.IsZero() {
		where = append(where, "collected_at >= ?")
		args = append(args, f.CollectedAfter.UnixMilli())
	}
	if !f.CollectedBefore.IsZero() {
		where = append(where, "collected_at < ?")
		args = append(args, f.CollectedBefore.UnixMilli())
	}

	q := selectSQL
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY collected_at DESC, rowid DESC LIMIT ? OFFSET ?"
	args = append(args, limit, skip)

	rows, err := s.db.SQL().QueryContext(ctx, q, args...)
	if err != nil {
		return nil, storage.Wrap("find records", err)
	}
	defer rows.Close()

	out := make([]Record, 0, min(limit, 64))
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, storage.Wrap("find records", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, storage.Wrap("find records", err)
	}
	return out, nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
