package records

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrDuplicateID    = errors.New("records: duplicate id")
	ErrDuplicateTitle = errors.New("records: duplicate title")
	ErrNotFound       = errors.New("records: not found")
	ErrInvalidRecord  = errors.New("records: invalid record")
	ErrInvalidPage    = errors.New("records: invalid page")
)

// TitleConflictError carries the stored record that caused a title rejection.
// errors.Is(err, ErrDuplicateTitle) holds for it.
type TitleConflictError struct {
	Title      string
	ExistingID string
	Score      float64
}

func (e *TitleConflictError) Error() string {
	return fmt.Sprintf("%s: %q matches %s (similarity %.3f)", ErrDuplicateTitle, e.Title, e.ExistingID, e.Score)
}

func (e *TitleConflictError) Unwrap() error { return ErrDuplicateTitle }

type Kind string

const (
	KindFeed Kind = "feed"
	KindPage Kind = "page"
)

// Status is the downstream processing state of a record.
type Status string

const (
	StatusRaw        Status = "raw"
	StatusFiltered   Status = "filtered"
	StatusSummarized Status = "summarized"
	StatusPublished  Status = "published"
	StatusSkipped    Status = "skipped"
	StatusError      Status = "error"
)

func (s Status) Valid() bool {
	switch s {
	case StatusRaw, StatusFiltered, StatusSummarized, StatusPublished, StatusSkipped, StatusError:
		return true
	}
	return false
}

// Record is one collected item.
type Record struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Link        string     `json:"link,omitempty"`
	SourceName  string     `json:"source_name,omitempty"`
	SourceURL   string     `json:"source_url,omitempty"`
	SourceKind  Kind       `json:"source_kind,omitempty"`
	Category    string     `json:"category,omitempty"`
	Description string     `json:"description,omitempty"`
	Content     string     `json:"content,omitempty"`
	Author      string     `json:"author,omitempty"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
	CollectedAt time.Time  `json:"collected_at"`
	Tags        []string   `json:"tags,omitempty"`

	RelevanceScore *float64          `json:"relevance_score,omitempty"`
	Status         Status            `json:"status"`
	Extra          map[string]string `json:"extra,omitempty"`
}

// Patch lists the fields Update may change. Nil fields are left as-is.
type Patch struct {
	Title          *string
	Link           *string
	Category       *string
	Description    *string
	Content        *string
	Author         *string
	Tags           *[]string
	Status         *Status
	RelevanceScore *float64
	// Extra keys are merged; an empty value deletes the key.
	Extra map[string]string
}

// Filter narrows Find. Zero fields match everything.
type Filter struct {
	Category   string
	SourceName string
	SourceKind Kind
	Status     Status
	// Query is a case-insensitive substring match over title, description and content.
	Query           string
	CollectedAfter  time.Time
	CollectedBefore time.Time

	Skip  int
	Limit int
}

// SaveResult is one entry of SaveBulk, in input order.
type SaveResult struct {
	ID  string
	Err error
}
