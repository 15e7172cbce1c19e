package scheduler

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

type TriggerKind string

const (
	TriggerInterval TriggerKind = "interval"
	TriggerCron     TriggerKind = "cron"
	TriggerDate     TriggerKind = "date"
)

// TriggerSpec describes when a job fires.
//
//   - interval: Every, or any mix of Weeks/Days/Hours/Minutes/Seconds (summed)
//   - cron: Expr ("*/5 * * * *", 6-field with seconds, "@hourly"), or Fields
//     keyed by second, minute, hour, day, month, day_of_week
//   - date: At, fires once and the job is removed afterwards
//
// Timezone applies to cron triggers; empty uses the scheduler timezone.
type TriggerSpec struct {
	Kind TriggerKind `json:"kind"`

	Every   time.Duration `json:"every,omitempty"`
	Weeks   int           `json:"weeks,omitempty"`
	Days    int           `json:"days,omitempty"`
	Hours   int           `json:"hours,omitempty"`
	Minutes int           `json:"minutes,omitempty"`
	Seconds int           `json:"seconds,omitempty"`

	Expr   string            `json:"expr,omitempty"`
	Fields map[string]string `json:"fields,omitempty"`

	At time.Time `json:"at,omitzero"`

	Timezone string `json:"timezone,omitempty"`
}

// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Fields from most to least significant, with the value an unset field
// takes when it is less significant than the last field given. Day of week
// stays "*" unless set.
var cronFieldOrder = []struct {
	name string
	min  string
}{
	{name: "month", min: "1"},
	{name: "day", min: "1"},
	{name: "day_of_week", min: "*"},
	{name: "hour", min: "0"},
	{name: "minute", min: "0"},
	{name: "second", min: "0"},
}

// Period returns the summed interval length.
func (t TriggerSpec) Period() time.Duration {
	return t.Every +
		time.Duration(t.Weeks)*7*24*time.Hour +
		time.Duration(t.Days)*24*time.Hour +
		time.Duration(t.Hours)*time.Hour +
		time.Duration(t.Minutes)*time.Minute +
		time.Duration(t.Seconds)*time.Second
}

// Validate reports whether the trigger compiles.
func (t TriggerSpec) Validate() error {
	_, err := t.compile()
	return err
}

// Next returns the first fire time strictly after from, or the zero time
// when the trigger will not fire again.
func (t TriggerSpec) Next(from time.Time) (time.Time, error) {
	sched, err := t.compile()
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(from), nil
}

func (t TriggerSpec) String() string {
	switch t.Kind {
	case TriggerInterval:
		return "interval[" + t.Period().String() + "]"
	case TriggerCron:
		expr, err := t.cronExpr()
		if err != nil {
			expr = "invalid"
		}
		return "cron[" + expr + "]"
	case TriggerDate:
		return "date[" + t.At.Format(time.RFC3339) + "]"
	default:
		return string(t.Kind)
	}
}

func (t TriggerSpec) compile() (cron.Schedule, error) {
	if tz := strings.TrimSpace(t.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return nil, fmt.Errorf("%w: timezone %q: %v", ErrInvalidTrigger, tz, err)
		}
	}
	switch t.Kind {
	case TriggerInterval:
		if t.Every < 0 || t.Weeks < 0 || t.Days < 0 || t.Hours < 0 || t.Minutes < 0 || t.Seconds < 0 {
			return nil, fmt.Errorf("%w: interval units must be >= 0", ErrInvalidTrigger)
		}
		p := t.Period()
		if p <= 0 {
			return nil, fmt.Errorf("%w: interval needs every or one of weeks/days/hours/minutes/seconds", ErrInvalidTrigger)
		}
		return intervalSchedule{period: p}, nil
	case TriggerCron:
		expr, err := t.cronExpr()
		if err != nil {
			return nil, err
		}
		sched, err := cronParser.Parse(expr)
		if err != nil {
			return nil, fmt.Errorf("%w: cron %q: %v", ErrInvalidTrigger, expr, err)
		}
		return sched, nil
	case TriggerDate:
		if t.At.IsZero() {
			return nil, fmt.Errorf("%w: date trigger needs at", ErrInvalidTrigger)
		}
		return dateSchedule{at: t.At}, nil
	case "":
		return nil, fmt.Errorf("%w: kind required", ErrInvalidTrigger)
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidTrigger, t.Kind)
	}
}

func (t TriggerSpec) cronExpr() (string, error) {
	expr := strings.TrimSpace(t.Expr)
	switch {
	case expr != "" && len(t.Fields) > 0:
		return "", fmt.Errorf("%w: set either expr or fields", ErrInvalidTrigger)
	case expr == "":
		var err error
		if expr, err = fieldsExpr(t.Fields); err != nil {
			return "", err
		}
	}
	tz := strings.TrimSpace(t.Timezone)
	if tz != "" && !strings.HasPrefix(expr, "CRON_TZ=") && !strings.HasPrefix(expr, "TZ=") {
		expr = "CRON_TZ=" + tz + " " + expr
	}
	return expr, nil
}

func fieldsExpr(fields map[string]string) (string, error) {
	known := make(map[string]bool, len(cronFieldOrder))
	for _, f := range cronFieldOrder {
		known[f.name] = true
	}
	for k := range fields {
		if !known[k] {
			return "", fmt.Errorf("%w: unknown cron field %q", ErrInvalidTrigger, k)
		}
	}
	least := -1
	for i, f := range cronFieldOrder {
		if strings.TrimSpace(fields[f.name]) != "" {
			least = i
		}
	}
	if least < 0 {
		return "", fmt.Errorf("%w: cron trigger needs expr or at least one field", ErrInvalidTrigger)
	}
	vals := make(map[string]string, len(cronFieldOrder))
	for i, f := range cronFieldOrder {
		v := strings.TrimSpace(fields[f.name])
		switch {
		case v != "":
		case i < least:
			v = "*"
		default:
			v = f.min
		}
		vals[f.name] = v
	}
	return strings.Join([]string{
		vals["second"],
		vals["minute"],
		vals["hour"],
		vals["day"],
		vals["month"],
		vals["day_of_week"],
	}, " "), nil
}

type intervalSchedule struct{ period time.Duration }

func (s intervalSchedule) Next(t time.Time) time.Time { return t.Add(s.period) }

type dateSchedule struct{ at time.Time }

func (s dateSchedule) Next(t time.Time) time.Time {
	if t.Before(s.at) {
		return s.at
	}
	return time.Time{}
}

var reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

// ParseEvery parses an interval written as a Go duration ("55m", "2h30m")
// or as HH:MM ("02:30" is two and a half hours).
func ParseEvery(raw string) (time.Duration, error) {
	v := strings.TrimSpace(raw)
	if v == "" {
		return 0, fmt.Errorf("%w: interval required", ErrInvalidTrigger)
	}
	if m := reHHMM.FindStringSubmatch(v); len(m) == 3 {
		hh, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		if mm > 59 {
			return 0, fmt.Errorf("%w: invalid minutes in %q", ErrInvalidTrigger, v)
		}
		d := time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
		if d <= 0 {
			return 0, fmt.Errorf("%w: interval must be > 0", ErrInvalidTrigger)
		}
		return d, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid interval %q (use HH:MM or a duration like '55m')", ErrInvalidTrigger, v)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%w: interval must be > 0", ErrInvalidTrigger)
	}
	return d, nil
}
