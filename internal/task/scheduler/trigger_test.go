package scheduler

import (
	"errors"
	"testing"
	"time"
)

func TestTriggerNext(t *testing.T) {
	t.Parallel()

	from := time.Date(2026, 3, 10, 10, 7, 30, 0, time.UTC)
	cases := []struct {
		name string
		spec TriggerSpec
		want time.Time
	}{
		{
			name: "interval units",
			spec: TriggerSpec{Kind: TriggerInterval, Minutes: 30},
			want: from.Add(30 * time.Minute),
		},
		{
			name: "interval mixed units",
			spec: TriggerSpec{Kind: TriggerInterval, Every: 90 * time.Second, Hours: 1},
			want: from.Add(time.Hour + 90*time.Second),
		},
		{
			name: "cron expr with seconds",
			spec: TriggerSpec{Kind: TriggerCron, Expr: "0 */15 * * * *"},
			want: time.Date(2026, 3, 10, 10, 15, 0, 0, time.UTC),
		},
		{
			name: "cron five field expr",
			spec: TriggerSpec{Kind: TriggerCron, Expr: "*/5 * * * *"},
			want: time.Date(2026, 3, 10, 10, 10, 0, 0, time.UTC),
		},
		{
			name: "cron fields",
			spec: TriggerSpec{Kind: TriggerCron, Fields: map[string]string{"hour": "6", "minute": "30"}},
			want: time.Date(2026, 3, 11, 6, 30, 0, 0, time.UTC),
		},
		{
			name: "cron month only",
			spec: TriggerSpec{Kind: TriggerCron, Fields: map[string]string{"month": "2"}},
			want: time.Date(2027, 2, 1, 0, 0, 0, 0, time.UTC),
		},
		{
			name: "cron with timezone",
			spec: TriggerSpec{Kind: TriggerCron, Expr: "@hourly", Timezone: "UTC"},
			want: time.Date(2026, 3, 10, 11, 0, 0, 0, time.UTC),
		},
		{
			name: "date in future",
			spec: TriggerSpec{Kind: TriggerDate, At: from.Add(time.Hour)},
			want: from.Add(time.Hour),
		},
		{
			name: "date in past",
			spec: TriggerSpec{Kind: TriggerDate, At: from.Add(-time.Hour)},
			want: time.Time{},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := tc.spec.Next(from)
			if err != nil {
				t.Fatalf("Next: %v", err)
			}
			if !got.Equal(tc.want) {
				t.Fatalf("Next=%v want %v", got, tc.want)
			}
		})
	}
}

func TestTriggerInvalid(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		spec TriggerSpec
	}{
		{name: "no kind", spec: TriggerSpec{}},
		{name: "unknown kind", spec: TriggerSpec{Kind: "weekly"}},
		{name: "interval without unit", spec: TriggerSpec{Kind: TriggerInterval}},
		{name: "negative unit", spec: TriggerSpec{Kind: TriggerInterval, Minutes: -5}},
		{name: "cron empty", spec: TriggerSpec{Kind: TriggerCron}},
		{name: "cron bad expr", spec: TriggerSpec{Kind: TriggerCron, Expr: "every tuesday"}},
		{name: "cron unknown field", spec: TriggerSpec{Kind: TriggerCron, Fields: map[string]string{"weekday": "1"}}},
		{name: "cron out of range", spec: TriggerSpec{Kind: TriggerCron, Fields: map[string]string{"hour": "25"}}},
		{name: "cron expr and fields", spec: TriggerSpec{Kind: TriggerCron, Expr: "@daily", Fields: map[string]string{"hour": "1"}}},
		{name: "date zero", spec: TriggerSpec{Kind: TriggerDate}},
		{name: "bad timezone", spec: TriggerSpec{Kind: TriggerCron, Expr: "@daily", Timezone: "Not/AZone"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.spec.Validate(); !errors.Is(err, ErrInvalidTrigger) {
				t.Fatalf("Validate=%v want ErrInvalidTrigger", err)
			}
		})
	}
}

func TestFieldsExpr(t *testing.T) {
	t.Parallel()

	cases := []struct {
		fields map[string]string
		want   string
	}{
		{fields: map[string]string{"hour": "3"}, want: "0 0 3 * * *"},
		{fields: map[string]string{"day_of_week": "mon"}, want: "0 0 0 * * mon"},
		{fields: map[string]string{"month": "2"}, want: "0 0 0 1 2 *"},
		{fields: map[string]string{"minute": "*/5"}, want: "0 */5 * * * *"},
		{fields: map[string]string{"second": "10", "hour": "1-5"}, want: "10 * 1-5 * * *"},
	}
	for _, tc := range cases {
		got, err := fieldsExpr(tc.fields)
		if err != nil {
			t.Fatalf("fieldsExpr(%v): %v", tc.fields, err)
		}
		if got != tc.want {
			t.Fatalf("fieldsExpr(%v)=%q want %q", tc.fields, got, tc.want)
		}
	}
}

func TestParseEvery(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{in: "55m", want: 55 * time.Minute},
		{in: "02:30", want: 2*time.Hour + 30*time.Minute},
		{in: "00:50", want: 50 * time.Minute},
		{in: "00:00", wantErr: true},
		{in: "01:75", wantErr: true},
		{in: "-1m", wantErr: true},
		{in: "", wantErr: true},
		{in: "soon", wantErr: true},
	}
	for _, tc := range cases {
		got, err := ParseEvery(tc.in)
		if (err != nil) != tc.wantErr {
			t.Fatalf("ParseEvery(%q) err=%v wantErr=%v", tc.in, err, tc.wantErr)
		}
		if got != tc.want {
			t.Fatalf("ParseEvery(%q)=%v want %v", tc.in, got, tc.want)
		}
	}
}

func TestStartupSpreadDelaysFirstFire(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	base := intervalSchedule{period: time.Minute}
	sched, jitter := withStartupSpread(base, time.Minute, 10*time.Second, now, "job")
	if jitter < 0 || jitter >= 10*time.Second {
		t.Fatalf("jitter=%v out of range", jitter)
	}
	first := sched.Next(now)
	if !first.Equal(now.Add(time.Minute + jitter)) {
		t.Fatalf("first=%v", first)
	}
	if next := sched.Next(first); !next.Equal(first.Add(time.Minute)) {
		t.Fatalf("after first fire next=%v", next)
	}
}
