// Package task defines the named units of work the build sequencer runs.
//
// Every task reports a Result when it returns. A task that hits a recoverable
// transform failure still returns, with StatusEnded, so a phase barrier is
// never held up by a bad source file.
package task

import (
	"context"
	stderrors "errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/conneroisu/sitepipe/internal/errors"
)

// Status is the outcome discriminant carried by every Result.
type Status int

const (
	// StatusSucceeded means the task did all of its work.
	StatusSucceeded Status = iota
	// StatusEnded means the task finished but skipped inputs it could not
	// transform. The failures were already reported through the notifier.
	StatusEnded
	// StatusFailed means the task hit a fatal error.
	StatusFailed
	// StatusTimedOut means the task missed its deadline.
	StatusTimedOut
	// StatusCancelled means the run was cancelled while the task was pending.
	StatusCancelled
)

// String returns the string representation of the status.
func (s Status) String() string {
	switch s {
	case StatusSucceeded:
		return "succeeded"
	case StatusEnded:
		return "ended"
	case StatusFailed:
		return "failed"
	case StatusTimedOut:
		return "timed out"
	case StatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Result is the completion signal of one task run.
type Result struct {
	Task     string
	Status   Status
	Err      error
	Duration time.Duration
	// Written and Skipped count output files for stream tasks.
	Written int
	Skipped int
}

// OK reports whether the task completed without any failure.
func (r Result) OK() bool {
	return r.Status == StatusSucceeded
}

// Fatal reports whether the result must stop the rest of the build. Ended
// results are fatal only in strict mode.
func (r Result) Fatal(strict bool) bool {
	switch r.Status {
	case StatusSucceeded:
		return false
	case StatusEnded:
		return strict
	default:
		return true
	}
}

// Task is a named unit of work.
type Task interface {
	Name() string
	Run(ctx context.Context) Result
}

// ChangeAware is implemented by tasks that can limit a re-run to what a set
// of changed source paths affects.
type ChangeAware interface {
	Task
	RunChanged(ctx context.Context, paths []string) Result
}

// Full hides the RunChanged method of t so every re-run processes all of
// its sources. Tasks whose outputs depend on inputs they never emit, such
// as stylesheet partials, are registered this way.
func Full(t Task) Task {
	return fullTask{t}
}

type fullTask struct {
	Task
}

// FromError builds the Result for a task that returned err after starting
// at start. Unclassified errors are treated as filesystem failures.
func FromError(name string, start time.Time, err error) Result {
	result := Result{Task: name, Duration: time.Since(start)}

	var pe *errors.PipelineError
	switch {
	case err == nil:
		result.Status = StatusSucceeded
	case stderrors.Is(err, context.DeadlineExceeded):
		result.Status = StatusTimedOut
		result.Err = errors.NewTimeoutError(name, err)
	case stderrors.Is(err, context.Canceled):
		result.Status = StatusCancelled
		result.Err = errors.NewCancelledError(name, err)
	case stderrors.As(err, &pe):
		if pe.Task == "" {
			pe.Task = name
		}
		result.Err = pe
		if pe.Recoverable {
			result.Status = StatusEnded
		} else {
			result.Status = StatusFailed
		}
	default:
		result.Status = StatusFailed
		result.Err = errors.NewFilesystemError("task failed", err).WithTask(name)
	}

	return result
}

// Registry holds every named task. Names are unique.
type Registry struct {
	tasks map[string]Task
	order []string
	mutex sync.RWMutex
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tasks: make(map[string]Task)}
}

// Register adds a task. Registering a second task under the same name is an
// error.
func (r *Registry) Register(t Task) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	name := t.Name()
	if name == "" {
		return fmt.Errorf("task has no name")
	}
	if _, exists := r.tasks[name]; exists {
		return fmt.Errorf("task %q is already registered", name)
	}

	r.tasks[name] = t
	r.order = append(r.order, name)
	return nil
}

// Get looks up a task by name.
func (r *Registry) Get(name string) (Task, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	t, ok := r.tasks[name]
	return t, ok
}

// MustGet looks up a task by name and panics if it is missing.
func (r *Registry) MustGet(name string) Task {
	t, ok := r.Get(name)
	if !ok {
		panic(fmt.Sprintf("task %q is not registered", name))
	}
	return t
}

// Has reports whether a task is registered under name.
func (r *Registry) Has(name string) bool {
	_, ok := r.Get(name)
	return ok
}

// Names returns the registered names in registration order.
func (r *Registry) Names() []string {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	names := make([]string, len(r.order))
	copy(names, r.order)
	return names
}

// Missing returns, sorted, the names in want that are not registered.
func (r *Registry) Missing(want ...string) []string {
	var missing []string
	seen := make(map[string]bool)
	for _, name := range want {
		if !r.Has(name) && !seen[name] {
			missing = append(missing, name)
			seen[name] = true
		}
	}
	sort.Strings(missing)
	return missing
}
