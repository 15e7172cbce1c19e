package collect

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"newsdesk/internal/eventbus"
	"newsdesk/internal/monitor"
	"newsdesk/internal/records"
	logx "newsdesk/pkg/logx"
)

const endTimeout = 10 * time.Second

// Saver is the part of records.Store a run needs.
type Saver interface {
	Save(ctx context.Context, rec records.Record, opts ...records.SaveOption) (string, error)
}

// RunLog is the part of monitor.Log a run needs.
type RunLog interface {
	Start(ctx context.Context, taskName string) (int64, error)
	End(ctx context.Context, id int64, out monitor.Outcome) (bool, error)
}

// FailedSource is recorded in the log entry details.
type FailedSource struct {
	Source string `json:"source"`
	URL    string `json:"url,omitempty"`
	Reason string `json:"reason"`
}

// Result summarizes one run. It is also the payload of
// eventbus.TypeRunFinished.
type Result struct {
	LogID         int64          `json:"log_id"`
	Task          string         `json:"task"`
	Status        monitor.Status `json:"status"`
	Sources       int            `json:"sources"`
	Processed     int            `json:"processed"`
	Succeeded     int            `json:"succeeded"`
	Failed        int            `json:"failed"`
	Duplicates    int            `json:"duplicates"`
	Errors        int            `json:"errors"`
	FailedSources []FailedSource `json:"failed_sources,omitempty"`
	ErrorMessage  string         `json:"error_message,omitempty"`
	Started       time.Time      `json:"started"`
	Duration      time.Duration  `json:"duration"`
}

// RunStarted is the payload of eventbus.TypeRunStarted.
type RunStarted struct {
	LogID   int64  `json:"log_id"`
	Task    string `json:"task"`
	Sources int    `json:"sources"`
}

type Runner struct {
	store      Saver
	runs       RunLog
	collectors map[records.Kind]Collector
	eval       Evaluator
	bus        eventbus.Bus
	log        logx.Logger
	now        func() time.Time
}

type Option func(*Runner)

func WithCollector(kind records.Kind, c Collector) Option {
	return func(r *Runner) { r.collectors[kind] = c }
}

func WithEvaluator(e Evaluator) Option {
	return func(r *Runner) { r.eval = e }
}

func WithBus(bus eventbus.Bus) Option {
	return func(r *Runner) { r.bus = bus }
}

func WithLogger(log logx.Logger) Option {
	return func(r *Runner) { r.log = log }
}

func WithClock(now func() time.Time) Option {
	return func(r *Runner) {
		if now != nil {
			r.now = now
		}
	}
}

func NewRunner(store Saver, runs RunLog, opts ...Option) *Runner {
	r := &Runner{
		store:      store,
		runs:       runs,
		collectors: map[records.Kind]Collector{},
		log:        logx.Nop(),
		now:        time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	r.log = r.log.With(logx.String("comp", "collect"))
	return r
}

// Run performs one ingestion pass over sources under a single log entry.
// The only error returned is a failure to open the log entry; everything
// after that is reflected in the entry's terminal status.
func (r *Runner) Run(ctx context.Context, task string, sources []Source) (Result, error) {
	res := Result{Task: task, Sources: len(sources), Started: r.now()}
	id, err := r.runs.Start(ctx, task)
	if err != nil {
		return res, fmt.Errorf("collect %s: log start: %w", task, err)
	}
	res.LogID = id
	r.publish(eventbus.TypeRunStarted, RunStarted{LogID: id, Task: task, Sources: len(sources)})

	log := r.log.With(logx.String("task", task), logx.Int64("run", id))
	log.Info("run started", logx.Int("sources", len(sources)))

	var runErr error
	func() {
		defer func() {
			if rec := recover(); rec != nil {
				runErr = fmt.Errorf("panic: %v", rec)
				log.Error("run panicked", logx.Any("panic", rec), logx.Stack(string(debug.Stack())))
			}
		}()
		runErr = r.collectAll(ctx, log, sources, &res)
	}()

	res.Status, res.ErrorMessage = decide(res, runErr)
	res.Duration = r.now().Sub(res.Started)

	// A timed-out or cancelled run must still be closed.
	endCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), endTimeout)
	defer cancel()
	if _, err := r.runs.End(endCtx, id, monitor.Outcome{
		Status:       res.Status,
		Processed:    res.Processed,
		Succeeded:    res.Succeeded,
		Failed:       res.Failed,
		Details:      details(res),
		ErrorMessage: res.ErrorMessage,
	}); err != nil {
		log.Error("log end failed", logx.Err(err))
	}

	fields := []logx.Field{
		logx.String("status", string(res.Status)),
		logx.Int("processed", res.Processed),
		logx.Int("succeeded", res.Succeeded),
		logx.Int("failed", res.Failed),
		logx.Int("failed_sources", len(res.FailedSources)),
		logx.Duration("took", res.Duration),
	}
	if res.Status == monitor.StatusSuccess {
		log.Info("run finished", fields...)
	} else {
		log.Warn("run finished", append(fields, logx.String("error", res.ErrorMessage))...)
	}
	r.publish(eventbus.TypeRunFinished, res)
	return res, nil
}

func (r *Runner) collectAll(ctx context.Context, log logx.Logger, sources []Source, res *Result) error {
	for _, src := range sources {
		if err := ctx.Err(); err != nil {
			return err
		}
		cands, err := r.fetch(ctx, src)
		if err != nil {
			var ce *CollectorError
			reason := err.Error()
			if errors.As(err, &ce) {
				reason = ce.Err.Error()
			}
			res.FailedSources = append(res.FailedSources, FailedSource{Source: src.Label(), URL: src.URL, Reason: reason})
			log.Warn("source failed", logx.String("source", src.Label()), logx.Err(err))
			continue
		}
		log.Debug("source fetched", logx.String("source", src.Label()), logx.Int("candidates", len(cands)))

		for _, rec := range cands {
			if err := ctx.Err(); err != nil {
				return err
			}
			res.Processed++
			r.saveOne(ctx, log, src, rec, res)
		}
	}
	return ctx.Err()
}

func (r *Runner) fetch(ctx context.Context, src Source) ([]records.Record, error) {
	kind := Classify(src)
	c := r.collectors[kind]
	if c == nil {
		return nil, &CollectorError{Source: src.Label(), URL: src.URL, Err: fmt.Errorf("no collector for kind %q", kind)}
	}
	src.Kind = kind
	cands, err := c.FetchCandidates(ctx, src)
	if err != nil {
		var ce *CollectorError
		if !errors.As(err, &ce) {
			err = &CollectorError{Source: src.Label(), URL: src.URL, Err: err}
		}
		return nil, err
	}
	for i := range cands {
		fillFromSource(&cands[i], src, kind)
	}
	return cands, nil
}

func fillFromSource(rec *records.Record, src Source, kind records.Kind) {
	if rec.SourceName == "" {
		rec.SourceName = src.Label()
	}
	if rec.SourceURL == "" {
		rec.SourceURL = src.URL
	}
	if rec.SourceKind == "" {
		rec.SourceKind = kind
	}
	if rec.Category == "" {
		rec.Category = src.Category
	}
}

func (r *Runner) saveOne(ctx context.Context, log logx.Logger, src Source, rec records.Record, res *Result) {
	if r.eval != nil {
		score, err := r.eval.Evaluate(ctx, rec)
		if err != nil {
			log.Debug("evaluate failed", logx.String("title", rec.Title), logx.Err(err))
		} else {
			rec.RelevanceScore = &score
		}
	}
	id, err := r.store.Save(ctx, rec)
	switch {
	case err == nil:
		res.Succeeded++
		log.Trace("saved", logx.String("id", id), logx.String("title", rec.Title))
	case errors.Is(err, records.ErrDuplicateID), errors.Is(err, records.ErrDuplicateTitle):
		res.Failed++
		res.Duplicates++
		log.Debug("duplicate skipped", logx.String("source", src.Label()), logx.String("title", rec.Title), logx.Err(err))
	default:
		res.Failed++
		res.Errors++
		log.Warn("save failed", logx.String("source", src.Label()), logx.String("title", rec.Title), logx.Err(err))
	}
}

// decide maps the tallies to a terminal status:
//   - FAILED: the run errored, every source failed, or candidates existed
//     and none was saved
//   - PARTIAL_SUCCESS: some source failed or some candidate was not saved
//   - SUCCESS otherwise, including a run with no candidates
func decide(res Result, runErr error) (monitor.Status, string) {
	nFailed := len(res.FailedSources)
	switch {
	case runErr != nil:
		return monitor.StatusFailed, runErr.Error()
	case res.Sources > 0 && nFailed == res.Sources:
		return monitor.StatusFailed, fmt.Sprintf("all %d sources failed", res.Sources)
	case res.Processed > 0 && res.Succeeded == 0:
		return monitor.StatusFailed, fmt.Sprintf("no candidates saved (%d duplicates, %d errors)", res.Duplicates, res.Errors)
	case nFailed > 0 || res.Failed > 0:
		var parts []string
		if nFailed > 0 {
			parts = append(parts, fmt.Sprintf("%d of %d sources failed", nFailed, res.Sources))
		}
		if res.Failed > 0 {
			parts = append(parts, fmt.Sprintf("%d items not saved", res.Failed))
		}
		return monitor.StatusPartial, strings.Join(parts, "; ")
	default:
		return monitor.StatusSuccess, ""
	}
}

func details(res Result) map[string]any {
	d := map[string]any{
		"sources":    res.Sources,
		"duplicates": res.Duplicates,
		"errors":     res.Errors,
	}
	if len(res.FailedSources) > 0 {
		fs := make([]map[string]string, 0, len(res.FailedSources))
		for _, f := range res.FailedSources {
			fs = append(fs, map[string]string{"source": f.Source, "url": f.URL, "reason": f.Reason})
		}
		d["failed_sources"] = fs
	}
	return d
}

func (r *Runner) publish(typ string, data any) {
	if r.bus != nil {
		r.bus.Publish(eventbus.Event{Type: typ, Time: r.now(), Data: data})
	}
}
