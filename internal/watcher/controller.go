package watcher

import (
	"context"
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"golang.org/x/sync/errgroup"

	"github.com/conneroisu/sitepipe/internal/config"
	"github.com/conneroisu/sitepipe/internal/errors"
	"github.com/conneroisu/sitepipe/internal/logging"
	"github.com/conneroisu/sitepipe/internal/notify"
	"github.com/conneroisu/sitepipe/internal/task"
)

// Binding ties file patterns to the tasks re-run when a matching file
// changes. It is registered once and never mutated.
type Binding struct {
	Name     string
	Patterns []string
	Tasks    []string
	Reload   bool
	Scope    notify.Scope
}

// Matches reports whether any of paths matches the binding's patterns and
// returns the matching ones.
func (b Binding) Matches(paths []string) []string {
	var matched []string
	for _, p := range paths {
		if task.MatchAny(b.Patterns, p) {
			matched = append(matched, p)
		}
	}
	return matched
}

// BindingsFromConfig converts the configured watch bindings.
func BindingsFromConfig(bindings []config.WatchBinding) []Binding {
	out := make([]Binding, 0, len(bindings))
	for _, wb := range bindings {
		scope := notify.ScopePage
		if wb.CSS {
			scope = notify.ScopeCSS
		}
		out = append(out, Binding{
			Name:     wb.Name,
			Patterns: append([]string(nil), wb.Patterns...),
			Tasks:    append([]string(nil), wb.Tasks...),
			Reload:   wb.Reload,
			Scope:    scope,
		})
	}
	return out
}

// Reaction is what one binding did for one batch of changes.
type Reaction struct {
	Binding  string
	Paths    []string
	Results  []task.Result
	Reloaded bool
}

// Controller re-runs bound tasks when their sources change. Bindings
// triggered by the same batch react concurrently, with no ordering between
// them.
type Controller struct {
	registry *task.Registry
	bindings []Binding
	reloader notify.Reloader
	notifier notify.Notifier
	logger    logging.Logger
	collector *errors.ErrorCollector
	errs      *errors.ErrorHandler
	strict    bool
}

// ControllerOption configures a Controller.
type ControllerOption func(*Controller)

// WithNotifier reports failed re-runs through n.
func WithNotifier(n notify.Notifier) ControllerOption {
	return func(c *Controller) { c.notifier = n }
}

// WithLogger sets the controller's logger.
func WithLogger(l logging.Logger) ControllerOption {
	return func(c *Controller) { c.logger = l }
}

// WithCollector clears a task's recorded failures when it re-runs cleanly.
func WithCollector(ec *errors.ErrorCollector) ControllerOption {
	return func(c *Controller) { c.collector = ec }
}

// WithStrict skips the reload after a re-run that ended with recoverable
// failures.
func WithStrict(strict bool) ControllerOption {
	return func(c *Controller) { c.strict = strict }
}

// NewController creates a controller. Every task a binding names must be
// registered.
func NewController(registry *task.Registry, bindings []Binding, reloader notify.Reloader, opts ...ControllerOption) (*Controller, error) {
	c := &Controller{
		registry: registry,
		bindings: bindings,
		reloader: reloader,
		notifier: notify.Discard,
		logger:   logging.Discard(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.WithComponent("watch")
	c.errs = errors.NewErrorHandler(c.logger, c.notifier)

	for _, b := range bindings {
		if missing := registry.Missing(b.Tasks...); len(missing) > 0 {
			return nil, errors.NewConfigError(
				errors.ErrCodeUnknownTask,
				fmt.Sprintf("watch binding %q names unknown tasks: %s", b.Name, strings.Join(missing, ", ")),
			)
		}
	}
	return c, nil
}

// Bindings returns the registered bindings.
func (c *Controller) Bindings() []Binding {
	return c.bindings
}

// HandleChanges reacts to one batch of changed paths, given relative to
// the project root. It returns once every triggered binding has finished.
// Failures are reported and logged, never returned, so the watch loop keeps
// running.
func (c *Controller) HandleChanges(ctx context.Context, paths []string) []Reaction {
	type trigger struct {
		binding Binding
		paths   []string
	}

	var triggers []trigger
	for _, b := range c.bindings {
		if matched := b.Matches(paths); len(matched) > 0 {
			triggers = append(triggers, trigger{binding: b, paths: matched})
		}
	}
	if len(triggers) == 0 {
		return nil
	}

	reactions := make([]Reaction, len(triggers))
	g, gctx := errgroup.WithContext(ctx)
	for i, tr := range triggers {
		i, tr := i, tr
		g.Go(func() error {
			reactions[i] = c.react(gctx, tr.binding, tr.paths)
			return nil
		})
	}
	_ = g.Wait()

	return reactions
}

// react runs the binding's tasks in order. A fatal result stops the
// remaining tasks and suppresses the reload.
func (c *Controller) react(ctx context.Context, b Binding, paths []string) Reaction {
	reaction := Reaction{Binding: b.Name, Paths: paths}
	logger := c.logger.With("binding", b.Name)
	logger.Info(ctx, "Change detected", "files", len(paths), "first", paths[0])

	for _, name := range b.Tasks {
		t := c.registry.MustGet(name)

		var result task.Result
		if ca, ok := t.(task.ChangeAware); ok {
			result = ca.RunChanged(ctx, paths)
		} else {
			result = t.Run(ctx)
		}
		reaction.Results = append(reaction.Results, result)
		if result.OK() && c.collector != nil {
			c.collector.ClearTask(name)
		}

		if result.Fatal(c.strict) {
			c.report(ctx, name, result)
			return reaction
		}
		logger.Debug(ctx, "Re-ran task", "task", name, "status", result.Status.String(), "duration", result.Duration)
	}

	if !b.Reload || c.reloader == nil {
		return reaction
	}
	if err := c.reloader.Reload(ctx, b.Scope); err != nil {
		logger.Warn(ctx, err, "Reload broadcast failed", "scope", string(b.Scope))
		return reaction
	}
	reaction.Reloaded = true
	return reaction
}

// report logs and notifies a fatal re-run. Recoverable failures were
// already notified by the task itself and are only logged.
func (c *Controller) report(ctx context.Context, name string, result task.Result) {
	err := result.Err
	if err == nil {
		err = fmt.Errorf("task %s", result.Status)
	}
	if errors.IsRecoverable(err) {
		c.logger.Warn(ctx, err, "Re-run ended with errors", "task", name)
		return
	}

	var pe *errors.PipelineError
	if !stderrors.As(err, &pe) {
		pe = errors.NewInternalError(errors.ErrCodeInternalError, fmt.Sprintf("task %s failed", name), err)
	}
	if pe.Task == "" {
		pe.Task = name
	}
	c.errs.Handle(ctx, pe)
}

// Handler adapts the controller to FileWatcher batches. Event paths are
// made relative to root before matching.
func (c *Controller) Handler(root string) ChangeHandler {
	return func(ctx context.Context, events []ChangeEvent) error {
		paths := make([]string, 0, len(events))
		for _, event := range events {
			paths = append(paths, RelativePath(root, event.Path))
		}
		c.HandleChanges(ctx, paths)
		return nil
	}
}

// RelativePath returns name relative to root, in slash form. Names outside
// root are returned cleaned but otherwise unchanged.
func RelativePath(root, name string) string {
	if filepath.IsAbs(name) && root != "" {
		if rel, err := filepath.Rel(root, name); err == nil && !strings.HasPrefix(rel, "..") {
			name = rel
		}
	}
	return filepath.ToSlash(filepath.Clean(name))
}

// WatchRoots returns the directories to watch for the bindings: the static
// prefix of every pattern, deduplicated, with nested roots folded into
// their parents. Roots that do not exist are left out.
func WatchRoots(bindings []Binding) []string {
	seen := make(map[string]bool)
	var roots []string
	for _, b := range bindings {
		for _, p := range b.Patterns {
			if strings.HasPrefix(p, "!") {
				continue
			}
			base, _ := doublestar.SplitPattern(filepath.ToSlash(p))
			base = filepath.Clean(filepath.FromSlash(base))
			if info, err := os.Stat(base); err != nil || !info.IsDir() {
				continue
			}
			if !seen[base] {
				seen[base] = true
				roots = append(roots, base)
			}
		}
	}

	sort.Strings(roots)
	var folded []string
	for _, root := range roots {
		if len(folded) > 0 && within(folded[len(folded)-1], root) {
			continue
		}
		folded = append(folded, root)
	}
	return folded
}

func within(parent, child string) bool {
	if parent == "." {
		return true
	}
	return child == parent || strings.HasPrefix(child, parent+string(filepath.Separator))
}
