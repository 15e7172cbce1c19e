// Package notifier turns finished runs into chat alerts.
//
// Alerts are queued, rate limited per minute and delivered by a Sender;
// a slow or failing Sender never blocks the run that produced the alert.
package notifier

import (
	"context"
	"errors"
	"time"

	"newsdesk/internal/monitor"
)

var (
	ErrDisabled  = errors.New("notifier disabled")
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
)

type Config struct {
	Enabled  bool
	ChatID   int64
	ThreadID int
	// MinStatus is the least severe run status that alerts:
	// FAILED (default) or PARTIAL_SUCCESS.
	MinStatus  monitor.Status
	RatePerMin int
	QueueSize  int
}

type Message struct {
	ChatID   int64
	ThreadID int
	Text     string
}

type Sender interface {
	Send(ctx context.Context, m Message) error
}

type HistoryItem struct {
	At    time.Time `json:"at"`
	Text  string    `json:"text"`
	Error string    `json:"error,omitempty"`
}
