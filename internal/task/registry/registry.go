// Package registry maps task names to the functions jobs run.
//
// The registry is filled once at process start. The scheduler resolves a
// job's task name here when the job is added, so an unknown name or bad
// arguments fail at AddJob instead of at fire time.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

var (
	ErrNotFound  = errors.New("task not registered")
	ErrDuplicate = errors.New("task already registered")
)

// RunFunc executes one invocation of a task with the job's arguments.
type RunFunc func(ctx context.Context, args map[string]string) error

type Task struct {
	Name        string
	Description string
	Run         RunFunc
	// Validate checks job arguments at add time. Optional.
	Validate func(args map[string]string) error
}

type Registry struct {
	mu    sync.RWMutex
	tasks map[string]Task
}

func New() *Registry {
	return &Registry{tasks: make(map[string]Task)}
}

func (r *Registry) Register(t Task) error {
	t.Name = strings.TrimSpace(t.Name)
	if t.Name == "" {
		return errors.New("task name required")
	}
	if t.Run == nil {
		return fmt.Errorf("task %q: Run is nil", t.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tasks[t.Name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, t.Name)
	}
	r.tasks[t.Name] = t
	return nil
}

// MustRegister panics on error. Use it for built-in tasks wired at startup.
func (r *Registry) MustRegister(t Task) {
	if err := r.Register(t); err != nil {
		panic(err)
	}
}

func (r *Registry) Resolve(name string) (Task, error) {
	name = strings.TrimSpace(name)
	r.mu.RLock()
	t, ok := r.tasks[name]
	r.mu.RUnlock()
	if !ok {
		return Task{}, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return t, nil
}

// Check resolves name and runs the task's argument validation.
func (r *Registry) Check(name string, args map[string]string) error {
	t, err := r.Resolve(name)
	if err != nil {
		return err
	}
	if t.Validate != nil {
		if err := t.Validate(args); err != nil {
			return fmt.Errorf("task %s: invalid args: %w", t.Name, err)
		}
	}
	return nil
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.tasks))
	for n := range r.tasks {
		out = append(out, n)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}
