package notifier

import (
	"context"
	"fmt"
	"html"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"newsdesk/internal/collect"
	"newsdesk/internal/eventbus"
	"newsdesk/internal/monitor"
	rtsup "newsdesk/internal/runtime/supervisor"
	logx "newsdesk/pkg/logx"
)

const historySize = 100

type Service struct {
	mu      sync.Mutex
	log     logx.Logger
	sender  Sender
	bus     eventbus.Bus
	cfg     Config
	limiter *rate.Limiter

	queue chan Message
	sup   *rtsup.Supervisor
	unsub func()

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, sender Sender, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{sender: sender, bus: bus, log: log.With(logx.String("comp", "notifier"))}
	s.applyLocked(cfg)
	return s
}

// SetSender replaces the delivery backend. It takes effect on the next
// Start.
func (s *Service) SetSender(sender Sender) {
	s.mu.Lock()
	s.sender = sender
	s.mu.Unlock()
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup != nil
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.MinStatus == "" {
		cfg.MinStatus = monitor.StatusFailed
	}
	if cfg.RatePerMin <= 0 {
		cfg.RatePerMin = 20
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	s.cfg = cfg
	s.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RatePerMin)), cfg.RatePerMin)
}

// Start subscribes to finished runs and starts delivery. It is idempotent
// and a no-op when disabled.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil || !s.cfg.Enabled || s.sender == nil {
		return
	}
	s.queue = make(chan Message, s.cfg.QueueSize)
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log),
		rtsup.WithCancelOnError(false),
	)
	q, sender := s.queue, s.sender
	if s.bus != nil {
		events, unsub := s.bus.Subscribe(32, eventbus.TypeRunFinished)
		s.unsub = unsub
		s.sup.GoRestart("events", func(c context.Context) error {
			return s.eventLoop(c, events)
		})
	}
	s.sup.GoRestart("deliver", func(c context.Context) error {
		return s.deliverLoop(c, q, sender)
	})
}

// Stop stops intake and waits for delivery to end or ctx to expire.
// Queued alerts that were not sent are dropped.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	sup, unsub := s.sup, s.unsub
	s.sup, s.unsub, s.queue = nil, nil, nil
	s.mu.Unlock()
	if sup == nil {
		return
	}
	if unsub != nil {
		unsub()
	}
	sup.Cancel()
	_ = sup.Wait(ctx)
}

// Notify queues m without blocking. Zero chat fields take the configured
// destination.
func (s *Service) Notify(ctx context.Context, m Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.cfg.Enabled {
		return ErrDisabled
	}
	if s.queue == nil {
		return ErrStopped
	}
	if m.ChatID == 0 {
		m.ChatID, m.ThreadID = s.cfg.ChatID, s.cfg.ThreadID
	}
	select {
	case s.queue <- m:
		return nil
	default:
		s.log.Warn("alert dropped", logx.Err(ErrQueueFull))
		return ErrQueueFull
	}
}

func (s *Service) History() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}

func (s *Service) eventLoop(ctx context.Context, events <-chan eventbus.Event) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			res, ok := ev.Data.(collect.Result)
			if !ok || !s.shouldAlert(res.Status) {
				continue
			}
			if err := s.Notify(ctx, Message{Text: FormatResult(res)}); err != nil {
				s.log.Debug("alert not queued", logx.String("task", res.Task), logx.Err(err))
			}
		}
	}
}

func (s *Service) deliverLoop(ctx context.Context, q <-chan Message, sender Sender) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case m := <-q:
			s.mu.Lock()
			lim := s.limiter
			s.mu.Unlock()
			if err := lim.Wait(ctx); err != nil {
				return nil
			}
			sctx, cancel := context.WithTimeout(ctx, 15*time.Second)
			err := sender.Send(sctx, m)
			cancel()
			item := HistoryItem{At: time.Now(), Text: m.Text}
			if err != nil {
				item.Error = err.Error()
				s.log.Warn("alert send failed", logx.Int64("chat_id", m.ChatID), logx.Err(err))
			}
			s.record(item)
		}
	}
}

func (s *Service) record(item HistoryItem) {
	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > historySize {
		s.history = s.history[len(s.history)-historySize:]
	}
	s.hmu.Unlock()
}

func (s *Service) shouldAlert(st monitor.Status) bool {
	s.mu.Lock()
	floor := s.cfg.MinStatus
	s.mu.Unlock()
	return severity(st) > 0 && severity(st) >= severity(floor)
}

func severity(st monitor.Status) int {
	switch st {
	case monitor.StatusPartial:
		return 1
	case monitor.StatusFailed:
		return 2
	}
	return 0
}

// FormatResult renders res as Telegram HTML.
func FormatResult(res collect.Result) string {
	var b strings.Builder
	icon := "⚠️"
	if res.Status == monitor.StatusFailed {
		icon = "❌"
	}
	fmt.Fprintf(&b, "%s <b>%s</b> %s\n", icon, html.EscapeString(res.Task), html.EscapeString(string(res.Status)))
	fmt.Fprintf(&b, "run #%d · %d sources · %d saved · %d failed", res.LogID, res.Sources, res.Succeeded, res.Failed)
	if res.Duplicates > 0 {
		fmt.Fprintf(&b, " (%d duplicates)", res.Duplicates)
	}
	b.WriteString("\n")
	if res.ErrorMessage != "" {
		fmt.Fprintf(&b, "<code>%s</code>\n", html.EscapeString(res.ErrorMessage))
	}
	for i, fs := range res.FailedSources {
		if i == 5 {
			fmt.Fprintf(&b, "… and %d more\n", len(res.FailedSources)-i)
			break
		}
		fmt.Fprintf(&b, "• %s: %s\n", html.EscapeString(fs.Source), html.EscapeString(fs.Reason))
	}
	return strings.TrimRight(b.String(), "\n")
}
