package registry

import (
	"context"
	"errors"
	"reflect"
	"testing"
)

func noop(context.Context, map[string]string) error { return nil }

func TestRegisterResolve(t *testing.T) {
	t.Parallel()

	r := New()
	if err := r.Register(Task{Name: "collect.all", Run: noop}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Register(Task{Name: "collect.all", Run: noop}); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("duplicate register err=%v", err)
	}
	if err := r.Register(Task{Name: " ", Run: noop}); err == nil {
		t.Fatalf("blank name must be rejected")
	}
	if err := r.Register(Task{Name: "nil-run"}); err == nil {
		t.Fatalf("nil Run must be rejected")
	}

	got, err := r.Resolve("collect.all")
	if err != nil || got.Name != "collect.all" {
		t.Fatalf("Resolve: %+v %v", got, err)
	}
	if _, err := r.Resolve("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Resolve(missing) err=%v", err)
	}
}

func TestCheckRunsValidate(t *testing.T) {
	t.Parallel()

	r := New()
	r.MustRegister(Task{
		Name: "collect.source",
		Run:  noop,
		Validate: func(args map[string]string) error {
			if args["source"] == "" {
				return errors.New("source required")
			}
			return nil
		},
	})

	cases := []struct {
		name    string
		task    string
		args    map[string]string
		wantErr bool
	}{
		{name: "ok", task: "collect.source", args: map[string]string{"source": "x"}},
		{name: "bad args", task: "collect.source", args: nil, wantErr: true},
		{name: "unknown", task: "nope", wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := r.Check(tc.task, tc.args)
			if (err != nil) != tc.wantErr {
				t.Fatalf("Check(%s)=%v wantErr=%v", tc.task, err, tc.wantErr)
			}
		})
	}
}

func TestNamesSorted(t *testing.T) {
	t.Parallel()

	r := New()
	r.MustRegister(Task{Name: "b", Run: noop})
	r.MustRegister(Task{Name: "a", Run: noop})
	if got := r.Names(); !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Fatalf("Names=%v", got)
	}
}

func TestMustRegisterPanics(t *testing.T) {
	t.Parallel()

	r := New()
	r.MustRegister(Task{Name: "a", Run: noop})
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic on duplicate")
		}
	}()
	r.MustRegister(Task{Name: "a", Run: noop})
}
