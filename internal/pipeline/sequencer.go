package pipeline

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"go.trai.ch/zerr"

	"github.com/conneroisu/sitepipe/internal/errors"
	"github.com/conneroisu/sitepipe/internal/logging"
	"github.com/conneroisu/sitepipe/internal/task"
)

var (
	// ErrBuildHalted is returned when a fatal task result stopped the plan.
	ErrBuildHalted = zerr.New("build halted")
	// ErrBuildCancelled is returned when the run context was cancelled.
	ErrBuildCancelled = zerr.New("build cancelled")
)

// State is the position of a sequencer in its plan.
type State int

const (
	// StateIdle means no plan is running.
	StateIdle State = iota
	// StatePhaseRunning means the tasks of the current phase are running.
	StatePhaseRunning
	// StateBarrier means every task of the current phase has completed.
	StateBarrier
	// StateDone means the last phase completed.
	StateDone
	// StateHalted means a fatal result stopped the plan.
	StateHalted
	// StateCancelled means the run context was cancelled.
	StateCancelled
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePhaseRunning:
		return "phase running"
	case StateBarrier:
		return "barrier"
	case StateDone:
		return "done"
	case StateHalted:
		return "halted"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// EventType identifies a sequencer event.
type EventType int

// Sequencer events, in the order a phase produces them.
const (
	EventPhaseStarted EventType = iota
	EventTaskStarted
	EventTaskFinished
	EventBarrier
	EventDone
	EventHalted
)

// Event is delivered to observers as the sequencer advances. Observers are
// called from the goroutine running the plan, one event at a time.
type Event struct {
	Type   EventType
	Phase  int
	Task   string
	Result task.Result
	Time   time.Time
}

// Observer receives sequencer events.
type Observer func(Event)

// Summary describes a finished run.
type Summary struct {
	Plan     string
	State    State
	Results  []task.Result
	Duration time.Duration
	// Phase is the index of the last phase that ran.
	Phase int
	Err   error
}

// Failed returns the results that did not succeed.
func (s Summary) Failed() []task.Result {
	var failed []task.Result
	for _, r := range s.Results {
		if !r.OK() {
			failed = append(failed, r)
		}
	}
	return failed
}

// Result returns the result of the named task.
func (s Summary) Result(name string) (task.Result, bool) {
	for _, r := range s.Results {
		if r.Task == name {
			return r, true
		}
	}
	return task.Result{}, false
}

// Sequencer runs plans over a task registry.
type Sequencer struct {
	registry     *task.Registry
	logger       logging.Logger
	taskTimeout  time.Duration
	phaseTimeout time.Duration
	strict       bool
	observers    []Observer

	mutex sync.Mutex
	state State
	phase int
	run   sync.Mutex
}

// Option configures a Sequencer.
type Option func(*Sequencer)

// WithTaskTimeout bounds every task. Zero means no bound.
func WithTaskTimeout(d time.Duration) Option {
	return func(s *Sequencer) {
		s.taskTimeout = d
	}
}

// WithPhaseTimeout bounds every phase. Zero means no bound.
func WithPhaseTimeout(d time.Duration) Option {
	return func(s *Sequencer) {
		s.phaseTimeout = d
	}
}

// WithStrict makes recoverable transform failures halt the plan.
func WithStrict(strict bool) Option {
	return func(s *Sequencer) {
		s.strict = strict
	}
}

// WithObserver adds an event observer.
func WithObserver(o Observer) Option {
	return func(s *Sequencer) {
		s.observers = append(s.observers, o)
	}
}

// WithLogger sets the logger.
func WithLogger(l logging.Logger) Option {
	return func(s *Sequencer) {
		s.logger = l
	}
}

// NewSequencer creates a sequencer over registry.
func NewSequencer(registry *task.Registry, opts ...Option) *Sequencer {
	s := &Sequencer{
		registry: registry,
		logger:   logging.Discard(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.WithComponent("pipeline")
	return s
}

// State returns the current state and phase index.
func (s *Sequencer) State() (State, int) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.state, s.phase
}

func (s *Sequencer) setState(state State, phase int) {
	s.mutex.Lock()
	s.state, s.phase = state, phase
	s.mutex.Unlock()
}

func (s *Sequencer) emit(e Event) {
	e.Time = time.Now()
	for _, o := range s.observers {
		o(e)
	}
}

// Run executes plan. Every task of a phase starts at once; the next phase
// starts when each of them has a result. A fatal result halts the plan
// after its phase barrier. onDone, when set, is called exactly once with
// the summary, whatever the outcome. Runs on one sequencer are serialized.
func (s *Sequencer) Run(ctx context.Context, plan Plan, onDone func(Summary)) (Summary, error) {
	s.run.Lock()
	defer s.run.Unlock()

	start := time.Now()
	summary := Summary{Plan: plan.Name}

	finish := func(state State, err error) (Summary, error) {
		s.setState(state, summary.Phase)
		summary.State = state
		summary.Err = err
		summary.Duration = time.Since(start)
		if onDone != nil {
			onDone(summary)
		}
		return summary, err
	}

	if err := s.validate(plan); err != nil {
		return finish(StateIdle, err)
	}

	logger := s.logger.With("plan", plan.Name)
	logger.Info(ctx, "Starting build", "phases", len(plan.Phases))

	for i, phase := range plan.Phases {
		summary.Phase = i
		s.setState(StatePhaseRunning, i)
		s.emit(Event{Type: EventPhaseStarted, Phase: i})
		logger.Debug(ctx, "Starting phase", "phase", i, "tasks", []string(phase))

		results := s.runPhase(ctx, i, phase)
		summary.Results = append(summary.Results, results...)

		s.setState(StateBarrier, i)
		s.emit(Event{Type: EventBarrier, Phase: i})

		if err := ctx.Err(); err != nil {
			logger.Warn(ctx, err, "Build cancelled", "phase", i)
			return finish(StateCancelled, stderrors.Join(ErrBuildCancelled, err))
		}

		if err := s.fatal(results); err != nil {
			s.emit(Event{Type: EventHalted, Phase: i})
			logger.Error(ctx, err, "Build halted", "phase", i)
			return finish(StateHalted, stderrors.Join(ErrBuildHalted, err))
		}
	}

	s.emit(Event{Type: EventDone, Phase: summary.Phase})
	logger.Info(ctx, "Build finished",
		"duration", time.Since(start).Round(time.Millisecond).String(),
		"failed", len(summary.Failed()))
	return finish(StateDone, nil)
}

func (s *Sequencer) validate(plan Plan) error {
	if err := plan.Validate(); err != nil {
		return err
	}
	if missing := s.registry.Missing(plan.Tasks()...); len(missing) > 0 {
		return errors.NewConfigError(errors.ErrCodeUnknownTask,
			fmt.Sprintf("plan %q names unregistered tasks %v", plan.Name, missing))
	}
	return nil
}

// fatal joins the errors of results that stop the plan.
func (s *Sequencer) fatal(results []task.Result) error {
	var errs []error
	for _, r := range results {
		if !r.Fatal(s.strict) {
			continue
		}
		cause := r.Err
		if cause == nil {
			cause = fmt.Errorf("task %s", r.Status)
		}
		errs = append(errs, zerr.With(zerr.Wrap(cause, "task execution failed"), "task", r.Task))
	}
	return stderrors.Join(errs...)
}

// runPhase starts every task of phase and collects one result per task.
// Tasks that have not reported when the phase deadline passes or ctx is
// cancelled are recorded as timed out or cancelled.
func (s *Sequencer) runPhase(ctx context.Context, index int, phase Phase) []task.Result {
	phaseCtx := ctx
	if s.phaseTimeout > 0 {
		var cancel context.CancelFunc
		phaseCtx, cancel = context.WithTimeout(ctx, s.phaseTimeout)
		defer cancel()
	}

	// Buffered so tasks reporting after the barrier never block.
	results := make(chan task.Result, len(phase))
	pending := make(map[string]bool, len(phase))

	for _, name := range phase {
		t := s.registry.MustGet(name)
		pending[name] = true
		s.emit(Event{Type: EventTaskStarted, Phase: index, Task: name})
		go s.runTask(phaseCtx, t, results)
	}

	collected := make([]task.Result, 0, len(phase))
	remaining := len(phase)

	for remaining > 0 {
		select {
		case r := <-results:
			if !pending[r.Task] {
				continue
			}
			delete(pending, r.Task)
			remaining--
			collected = append(collected, r)
			s.finished(ctx, index, r)

		case <-phaseCtx.Done():
			for _, name := range phase {
				if !pending[name] {
					continue
				}
				delete(pending, name)
				r := abandoned(name, phaseCtx.Err())
				collected = append(collected, r)
				s.finished(ctx, index, r)
			}
			remaining = 0
		}
	}

	return collected
}

func (s *Sequencer) finished(ctx context.Context, index int, r task.Result) {
	s.emit(Event{Type: EventTaskFinished, Phase: index, Task: r.Task, Result: r})

	fields := []interface{}{"task", r.Task, "status", r.Status.String(), "duration", r.Duration.Round(time.Millisecond).String()}
	switch {
	case r.OK():
		s.logger.Info(ctx, "Task finished", fields...)
	case r.Fatal(s.strict):
		s.logger.Error(ctx, r.Err, "Task failed", fields...)
	default:
		s.logger.Warn(ctx, r.Err, "Task ended with errors", fields...)
	}
}

// runTask runs t under the task timeout and sends exactly one result. A
// task that ignores its context is abandoned when the context ends.
func (s *Sequencer) runTask(ctx context.Context, t task.Task, results chan<- task.Result) {
	taskCtx := ctx
	if s.taskTimeout > 0 {
		var cancel context.CancelFunc
		taskCtx, cancel = context.WithTimeout(ctx, s.taskTimeout)
		defer cancel()
	}

	start := time.Now()
	done := make(chan task.Result, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- task.FromError(t.Name(), start,
					errors.NewInternalError(errors.ErrCodeInternalError, fmt.Sprintf("task panicked: %v", p), nil))
			}
		}()
		done <- t.Run(taskCtx)
	}()

	select {
	case r := <-done:
		r.Task = t.Name()
		if r.Duration == 0 {
			r.Duration = time.Since(start)
		}
		results <- r
	case <-taskCtx.Done():
		r := abandoned(t.Name(), taskCtx.Err())
		r.Duration = time.Since(start)
		results <- r
	}
}

// abandoned is the result recorded for a task that did not report before
// its context ended.
func abandoned(name string, cause error) task.Result {
	if stderrors.Is(cause, context.DeadlineExceeded) {
		return task.Result{Task: name, Status: task.StatusTimedOut, Err: errors.NewTimeoutError(name, cause)}
	}
	return task.Result{Task: name, Status: task.StatusCancelled, Err: errors.NewCancelledError(name, cause)}
}
