package records

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"newsdesk/internal/storage"
	logx "newsdesk/pkg/logx"
)

const (
	DefaultPageSize = 100
	MaxPageSize     = 1000
)

type titleEntry struct {
	norm  string
	runes int
}

// Store persists records in the shared SQLite database.
//
// The normalized titles of all stored records are mirrored in memory so the
// similarity scan never has to read the table. The mirror is refreshed
// inside each write transaction: new rows by rowid, and a full reload when
// the records_generation counter moved (a delete or retitle, possibly by
// another process on the same file).
type Store struct {
	db        *storage.DB
	log       logx.Logger
	now       func() time.Time
	threshold float64

	mu       sync.Mutex // serializes every check-then-write
	titles   map[string]titleEntry
	maxRowID int64
	gen      int64
}

type Option func(*Store)

// WithThreshold overrides DefaultThreshold. Values outside (0,1] are ignored.
func WithThreshold(th float64) Option {
	return func(s *Store) {
		if th > 0 && th <= 1 {
			s.threshold = th
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

func WithLogger(log logx.Logger) Option {
	return func(s *Store) { s.log = log.With(logx.String("comp", "records")) }
}

// SaveOption tweaks a single Save.
type SaveOption func(*saveOptions)

type saveOptions struct {
	skipTitleCheck bool
}

// SkipTitleCheck stores the record even if a similar title exists.
// ID uniqueness is still enforced.
func SkipTitleCheck() SaveOption {
	return func(o *saveOptions) { o.skipTitleCheck = true }
}

// New opens the store and loads the title index.
func New(ctx context.Context, db *storage.DB, opts ...Option) (*Store, error) {
	s := &Store{
		db:        db,
		log:       logx.Nop(),
		now:       time.Now,
		threshold: DefaultThreshold,
		titles:    map[string]titleEntry{},
	}
	for _, o := range opts {
		o(s)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.refreshLocked(ctx, db.SQL()); err != nil {
		return nil, storage.Wrap("load title index", err)
	}
	s.log.Debug("title index loaded", logx.Int("titles", len(s.titles)), logx.Float64("threshold", s.threshold))
	return s, nil
}

func (s *Store) Threshold() float64 { return s.threshold }

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func readGeneration(ctx context.Context, q querier) (int64, error) {
	var gen int64
	err := q.QueryRowContext(ctx, `SELECT gen FROM records_generation WHERE id = 1`).Scan(&gen)
	return gen, err
}

// refreshLocked brings the index in line with the table. Rows inserted
// since the last refresh are added; any delete or retitle since then
// forces a full reload.
func (s *Store) refreshLocked(ctx context.Context, q querier) error {
	gen, err := readGeneration(ctx, q)
	if err != nil {
		return err
	}
	if gen != s.gen {
		clear(s.titles)
		s.maxRowID = 0
		s.gen = gen
	}
	rows, err := q.QueryContext(ctx, `SELECT rowid, id, title_norm FROM records WHERE rowid > ? ORDER BY rowid`, s.maxRowID)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			rowID    int64
			id, norm string
		)
		if err := rows.Scan(&rowID, &id, &norm); err != nil {
			return err
		}
		s.titles[id] = titleEntry{norm: norm, runes: utf8.RuneCountInString(norm)}
		s.maxRowID = max(s.maxRowID, rowID)
	}
	return rows.Err()
}

// findSimilarLocked returns the best match at or above the threshold,
// ignoring the record with id exclude.
func (s *Store) findSimilarLocked(norm, exclude string) (string, float64, bool) {
	n := utf8.RuneCountInString(norm)
	bestID, best := "", 0.0
	for id, e := range s.titles {
		if id == exclude {
			continue
		}
		if ratioUpperBound(n, e.runes) < s.threshold {
			continue
		}
		if r := normalizedRatio(norm, e.norm); r >= s.threshold && r > best {
			bestID, best = id, r
		}
	}
	return bestID, best, bestID != ""
}

func (s *Store) prepare(rec Record) (Record, error) {
	rec.Title = strings.TrimSpace(rec.Title)
	if rec.Title == "" {
		return rec, fmt.Errorf("%w: title is required", ErrInvalidRecord)
	}
	rec.Link = strings.TrimSpace(rec.Link)
	rec.ID = strings.TrimSpace(rec.ID)
	if rec.ID == "" {
		rec.ID = DeriveID(rec.Link)
	}
	if rec.CollectedAt.IsZero() {
		rec.CollectedAt = s.now()
	}
	rec.CollectedAt = rec.CollectedAt.UTC()
	if rec.Status == "" {
		rec.Status = StatusRaw
	}
	if !rec.Status.Valid() {
		return rec, fmt.Errorf("%w: unknown status %q", ErrInvalidRecord, rec.Status)
	}
	return rec, nil
}

// DeriveID returns UUIDv5(URL namespace, link), or a random UUID without a link.
func DeriveID(link string) string {
	if link = strings.TrimSpace(link); link != "" {
		return uuid.NewSHA1(uuid.NameSpaceURL, []byte(link)).String()
	}
	return uuid.NewString()
}

// Save validates and stores rec, returning its ID.
//
// It fails with ErrDuplicateID when the ID exists and with a
// *TitleConflictError (ErrDuplicateTitle) when a stored title is at least
// Threshold similar. Nothing is written on rejection.
func (s *Store) Save(ctx context.Context, rec Record, opts ...SaveOption) (string, error) {
	var o saveOptions
	for _, fn := range opts {
		fn(&o)
	}
	rec, err := s.prepare(rec)
	if err != nil {
		return "", err
	}
	norm := NormalizeTitle(rec.Title)

	s.mu.Lock()
	defer s.mu.Unlock()

	var rowID int64
	err = storage.WithTx(ctx, s.db.SQL(), func(tx *sql.Tx) error {
		if err := s.refreshLocked(ctx, tx); err != nil {
			return err
		}
		if _, exists := s.titles[rec.ID]; exists {
			return ErrDuplicateID
		}
		if !o.skipTitleCheck {
			if id, score, dup := s.findSimilarLocked(norm, ""); dup {
				return &TitleConflictError{Title: rec.Title, ExistingID: id, Score: score}
			}
		}
		res, err := tx.ExecContext(ctx, insertSQL, insertArgs(rec, norm)...)
		if err != nil {
			if storage.IsPrimaryKeyViolation(err) {
				return ErrDuplicateID
			}
			return err
		}
		rowID, err = res.LastInsertId()
		return err
	})
	if err != nil {
		if errors.Is(err, ErrDuplicateID) || errors.Is(err, ErrDuplicateTitle) {
			s.log.Debug("record rejected", logx.String("id", rec.ID), logx.String("title", rec.Title), logx.Err(err))
			return "", err
		}
		return "", storage.Wrap("save record", err)
	}

	s.titles[rec.ID] = titleEntry{norm: norm, runes: utf8.RuneCountInString(norm)}
	s.maxRowID = max(s.maxRowID, rowID)
	return rec.ID, nil
}

// SaveBulk saves each record independently; a failure never stops the rest.
func (s *Store) SaveBulk(ctx context.Context, recs []Record, opts ...SaveOption) []SaveResult {
	out := make([]SaveResult, len(recs))
	for i, r := range recs {
		id, err := s.Save(ctx, r, opts...)
		out[i] = SaveResult{ID: id, Err: err}
	}
	return out
}

// TitleExists applies the same rule as Save without writing anything.
func (s *Store) TitleExists(ctx context.Context, title string) (bool, error) {
	norm := NormalizeTitle(title)
	if norm == "" {
		return false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.refreshLocked(ctx, s.db.SQL()); err != nil {
		return false, storage.Wrap("title exists", err)
	}
	_, _, dup := s.findSimilarLocked(norm, "")
	return dup, nil
}

func (s *Store) Get(ctx context.Context, id string) (Record, error) {
	row := s.db.SQL().QueryRowContext(ctx, selectSQL+` WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return Record{}, storage.Wrap("get record", err)
	}
	return rec, nil
}

// Update applies p to the record. A title change is checked against every
// other record with the same similarity rule as Save.
func (s *Store) Update(ctx context.Context, id string, p Patch) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var updated Record
	err := storage.WithTx(ctx, s.db.SQL(), func(tx *sql.Tx) error {
		if err := s.refreshLocked(ctx, tx); err != nil {
			return err
		}
		cur, err := scanRecord(tx.QueryRowContext(ctx, selectSQL+` WHERE id = ?`, id))
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		if err != nil {
			return err
		}
		next, err := applyPatch(cur, p)
		if err != nil {
			return err
		}
		norm := NormalizeTitle(next.Title)
		if next.Title != cur.Title {
			if other, score, dup := s.findSimilarLocked(norm, id); dup {
				return &TitleConflictError{Title: next.Title, ExistingID: other, Score: score}
			}
		}
		if _, err := tx.ExecContext(ctx, updateSQL, updateArgs(next, norm)...); err != nil {
			return err
		}
		updated = next
		return s.syncGenerationLocked(ctx, tx)
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrDuplicateTitle) || errors.Is(err, ErrInvalidRecord) {
			return Record{}, err
		}
		return Record{}, storage.Wrap("update record", err)
	}
	norm := NormalizeTitle(updated.Title)
	s.titles[id] = titleEntry{norm: norm, runes: utf8.RuneCountInString(norm)}
	return updated, nil
}

func applyPatch(r Record, p Patch) (Record, error) {
	if p.Title != nil {
		t := strings.TrimSpace(*p.Title)
		if t == "" {
			return r, fmt.Errorf("%w: title is required", ErrInvalidRecord)
		}
		r.Title = t
	}
	setStr := func(dst *string, v *string) {
		if v != nil {
			*dst = strings.TrimSpace(*v)
		}
	}
	setStr(&r.Link, p.Link)
	setStr(&r.Category, p.Category)
	setStr(&r.Description, p.Description)
	setStr(&r.Content, p.Content)
	setStr(&r.Author, p.Author)
	if p.Tags != nil {
		r.Tags = append([]string(nil), (*p.Tags)...)
	}
	if p.Status != nil {
		if !p.Status.Valid() {
			return r, fmt.Errorf("%w: unknown status %q", ErrInvalidRecord, *p.Status)
		}
		r.Status = *p.Status
	}
	if p.RelevanceScore != nil {
		v := *p.RelevanceScore
		r.RelevanceScore = &v
	}
	if len(p.Extra) > 0 {
		merged := make(map[string]string, len(r.Extra)+len(p.Extra))
		for k, v := range r.Extra {
			merged[k] = v
		}
		for k, v := range p.Extra {
			if v == "" {
				delete(merged, k)
				continue
			}
			merged[k] = v
		}
		r.Extra = merged
	}
	return r, nil
}

// Delete reports whether a record was removed.
func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	err := storage.WithTx(ctx, s.db.SQL(), func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM records WHERE id = ?`, id)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return false, storage.Wrap("delete record", err)
	}
	delete(s.titles, id)
	if n > 0 {
		// SQLite may hand the freed rowid to the next insert, which the
		// rowid scan would miss; reload on the next refresh.
		s.gen = -1
	}
	return n > 0, nil
}

// syncGenerationLocked records the counter after this store's own retitle
// so it does not trigger a reload. The index was refreshed earlier in the
// same transaction, so no other writer can have moved it in between.
func (s *Store) syncGenerationLocked(ctx context.Context, tx *sql.Tx) error {
	gen, err := readGeneration(ctx, tx)
	if err != nil {
		return err
	}
	s.gen = gen
	return nil
}

func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.SQL().QueryRowContext(ctx, `SELECT count(*) FROM records`).Scan(&n); err != nil {
		return 0, storage.Wrap("count records", err)
	}
	return n, nil
}

// ---- SQL mapping ----

const recordColumns = `id, title, link, source_name, source_url, source_kind, category, description,
	content, author, published_at, collected_at, tags, relevance_score, status, extra`

const selectSQL = `SELECT ` + recordColumns + ` FROM records`

const insertSQL = `INSERT INTO records(` + recordColumns + `, title_norm)
	VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`

const updateSQL = `UPDATE records SET title=?, title_norm=?, link=?, category=?, description=?, content=?,
	author=?, tags=?, relevance_score=?, status=?, extra=? WHERE id=?`

func insertArgs(r Record, norm string) []any {
	return []any{
		r.ID, r.Title, storage.NullStr(r.Link), storage.NullStr(r.SourceName), storage.NullStr(r.SourceURL),
		storage.NullStr(string(r.SourceKind)), storage.NullStr(r.Category), storage.NullStr(r.Description),
		storage.NullStr(r.Content), storage.NullStr(r.Author), publishedToDB(r.PublishedAt), r.CollectedAt.UnixMilli(),
		encodeJSON(r.Tags), nullFloat(r.RelevanceScore), string(r.Status), encodeJSON(r.Extra), norm,
	}
}

func updateArgs(r Record, norm string) []any {
	return []any{
		r.Title, norm, storage.NullStr(r.Link), storage.NullStr(r.Category), storage.NullStr(r.Description),
		storage.NullStr(r.Content), storage.NullStr(r.Author), encodeJSON(r.Tags), nullFloat(r.RelevanceScore),
		string(r.Status), encodeJSON(r.Extra), r.ID,
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (Record, error) {
	var r Record
	var link, srcName, srcURL, kind, cat, desc, content, author, tags, extra sql.NullString
	var published sql.NullInt64
	var collected int64
	var score sql.NullFloat64
	var status string
	err := row.Scan(&r.ID, &r.Title, &link, &srcName, &srcURL, &kind, &cat, &desc,
		&content, &author, &published, &collected, &tags, &score, &status, &extra)
	if err != nil {
		return Record{}, err
	}
	r.Link, r.SourceName, r.SourceURL = link.String, srcName.String, srcURL.String
	r.SourceKind = Kind(kind.String)
	r.Category, r.Description, r.Content, r.Author = cat.String, desc.String, content.String, author.String
	if published.Valid {
		t := storage.TimeFromDB(published)
		r.PublishedAt = &t
	}
	r.CollectedAt = time.UnixMilli(collected).UTC()
	if score.Valid {
		v := score.Float64
		r.RelevanceScore = &v
	}
	r.Status = Status(status)
	if tags.Valid && tags.String != "" {
		_ = json.Unmarshal([]byte(tags.String), &r.Tags)
	}
	if extra.Valid && extra.String != "" {
		_ = json.Unmarshal([]byte(extra.String), &r.Extra)
	}
	return r, nil
}

func publishedToDB(t *time.Time) any {
	if t == nil {
		return nil
	}
	return storage.TimeToDB(*t)
}

func nullFloat(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func encodeJSON[T any](v T) any {
	b, err := json.Marshal(v)
	if err != nil || string(b) == "null" || string(b) == "[]" || string(b) == "{}" {
		return nil
	}
	return string(b)
}
