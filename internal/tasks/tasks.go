// Package tasks tracks the lifecycle of multi-service dispatch chains.
// Each step of a chain is a task; a task stays blocked until everything it
// depends on has completed, and a failure cascades to everything downstream.
package tasks

import (
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Status is the lifecycle state of one task.
type Status string

const (
	StatusPending    Status = "pending"
	StatusBlocked    Status = "blocked"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Task is one unit in a chain.
type Task struct {
	ID        uuid.UUID
	Name      string
	Status    Status
	DependsOn []string
}

// UnknownTaskError is returned for operations on names the tracker has
// never seen.
type UnknownTaskError struct {
	Name string
}

func (e *UnknownTaskError) Error() string {
	return fmt.Sprintf("unknown task: %s", e.Name)
}

// InvalidTransitionError is returned when an operation does not apply to
// the task's current status.
type InvalidTransitionError struct {
	Name string
	From Status
	To   Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("task %s: cannot move from %s to %s", e.Name, e.From, e.To)
}

// Tracker holds tasks keyed by name. Safe for concurrent use.
type Tracker struct {
	mu    sync.Mutex
	tasks map[string]*Task
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{tasks: make(map[string]*Task)}
}

// Add registers a task. It starts pending when every dependency has
// already completed, blocked otherwise. Dependencies not yet added count
// as incomplete.
func (t *Tracker) Add(name string, dependsOn []string) (*Task, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.tasks[name]; ok {
		return nil, fmt.Errorf("task %s already tracked", name)
	}
	task := &Task{
		ID:        uuid.New(),
		Name:      name,
		Status:    StatusPending,
		DependsOn: append([]string(nil), dependsOn...),
	}
	if !t.depsCompleteLocked(task) {
		task.Status = StatusBlocked
	}
	t.tasks[name] = task
	return task, nil
}

// Start moves a pending task to in-progress.
func (t *Tracker) Start(name string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	task, ok := t.tasks[name]
	if !ok {
		return &UnknownTaskError{Name: name}
	}
	if task.Status != StatusPending {
		return &InvalidTransitionError{Name: name, From: task.Status, To: StatusInProgress}
	}
	task.Status = StatusInProgress
	return nil
}

// Complete marks a task done and unblocks any dependents whose
// dependencies are now all complete.
func (t *Tracker) Complete(name string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	task, ok := t.tasks[name]
	if !ok {
		return &UnknownTaskError{Name: name}
	}
	if task.Status != StatusInProgress && task.Status != StatusPending {
		return &InvalidTransitionError{Name: name, From: task.Status, To: StatusCompleted}
	}
	task.Status = StatusCompleted
	for _, other := range t.tasks {
		if other.Status == StatusBlocked && t.depsCompleteLocked(other) {
			other.Status = StatusPending
			log.Debug().Str("task", other.Name).Msg("task unblocked")
		}
	}
	return nil
}

// Fail marks a task failed and blocks every task that transitively depends
// on it.
func (t *Tracker) Fail(name string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	task, ok := t.tasks[name]
	if !ok {
		return &UnknownTaskError{Name: name}
	}
	task.Status = StatusFailed

	// Propagate breadth-first through the dependents.
	frontier := []string{name}
	for len(frontier) > 0 {
		current := frontier[0]
		frontier = frontier[1:]
		for _, other := range t.tasks {
			if other.Status == StatusCompleted || other.Status == StatusFailed || other.Status == StatusBlocked {
				continue
			}
			for _, dep := range other.DependsOn {
				if dep == current {
					other.Status = StatusBlocked
					frontier = append(frontier, other.Name)
					break
				}
			}
		}
	}
	return nil
}

// Status returns the task's current status.
func (t *Tracker) Status(name string) (Status, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	task, ok := t.tasks[name]
	if !ok {
		return "", &UnknownTaskError{Name: name}
	}
	return task.Status, nil
}

// Snapshot returns copies of all tasks sorted by name.
func (t *Tracker) Snapshot() []Task {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Task, 0, len(t.tasks))
	for _, task := range t.tasks {
		out = append(out, *task)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// depsCompleteLocked reports whether every dependency of task has
// completed. Caller holds t.mu.
func (t *Tracker) depsCompleteLocked(task *Task) bool {
	for _, dep := range task.DependsOn {
		d, ok := t.tasks[dep]
		if !ok || d.Status != StatusCompleted {
			return false
		}
	}
	return true
}
