package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/conneroisu/sitepipe/internal/config"
	"github.com/conneroisu/sitepipe/internal/errors"
	"github.com/conneroisu/sitepipe/internal/notify"
	"github.com/conneroisu/sitepipe/internal/notify/mocks"
	"github.com/conneroisu/sitepipe/internal/task"
)

// countingTask counts runs and returns a fixed result.
type countingTask struct {
	name   string
	status task.Status
	err    error
	runs   atomic.Int64
	run    func(ctx context.Context)
}

func (c *countingTask) Name() string { return c.name }

func (c *countingTask) Run(ctx context.Context) task.Result {
	c.runs.Add(1)
	if c.run != nil {
		c.run(ctx)
	}
	return task.Result{Task: c.name, Status: c.status, Err: c.err}
}

// changeAwareTask records the paths it was asked to rebuild.
type changeAwareTask struct {
	countingTask
	mu    sync.Mutex
	paths [][]string
}

func (c *changeAwareTask) RunChanged(ctx context.Context, paths []string) task.Result {
	c.mu.Lock()
	c.paths = append(c.paths, paths)
	c.mu.Unlock()
	return c.countingTask.Run(ctx)
}

// reloadCounter counts reloads per scope.
type reloadCounter struct {
	mu     sync.Mutex
	scopes map[notify.Scope]int
}

func (r *reloadCounter) Reload(ctx context.Context, scope notify.Scope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.scopes == nil {
		r.scopes = make(map[notify.Scope]int)
	}
	r.scopes[scope]++
	return nil
}

func (r *reloadCounter) count(scope notify.Scope) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.scopes[scope]
}

func registryWith(t *testing.T, tasks ...task.Task) *task.Registry {
	t.Helper()
	registry := task.NewRegistry()
	for _, tk := range tasks {
		require.NoError(t, registry.Register(tk))
	}
	return registry
}

var scriptsBinding = Binding{
	Name:     "scripts",
	Patterns: []string{"app/assets/js/**/*.js"},
	Tasks:    []string{"scripts"},
	Reload:   true,
	Scope:    notify.ScopePage,
}

func TestBindingsFromConfig(t *testing.T) {
	bindings := BindingsFromConfig(config.DefaultConfig().Watch)
	require.NotEmpty(t, bindings)

	byName := make(map[string]Binding)
	for _, b := range bindings {
		byName[b.Name] = b
	}

	assert.Equal(t, notify.ScopeCSS, byName[config.TaskStyles].Scope)
	assert.Equal(t, []string{config.TaskStyles, config.TaskInlineAssets}, byName[config.TaskStyles].Tasks)
	assert.Equal(t, notify.ScopePage, byName[config.TaskScripts].Scope)
	assert.Equal(t, []string{config.TaskLint, config.TaskScripts}, byName[config.TaskScripts].Tasks)
	assert.True(t, byName[config.TaskTemplates].Reload)
	assert.False(t, byName[config.TaskSprites].Reload)
}

func TestBindingMatches(t *testing.T) {
	b := Binding{Patterns: []string{"app/*.html", "app/layouts/**/*.html", "!app/drafts.html"}}

	assert.Equal(t, []string{"app/index.html", "app/layouts/a/b.html"},
		b.Matches([]string{"app/index.html", "app/drafts.html", "app/layouts/a/b.html", "app/assets/x.js"}))
	assert.Empty(t, b.Matches([]string{"README.md"}))
}

func TestNewControllerRejectsUnknownTask(t *testing.T) {
	registry := registryWith(t, &countingTask{name: "scripts"})
	bindings := []Binding{scriptsBinding, {Name: "docs", Patterns: []string{"docs/**"}, Tasks: []string{"docs"}}}

	_, err := NewController(registry, bindings, nil)
	require.Error(t, err)
	assert.True(t, errors.IsConfigError(err))
	assert.Contains(t, err.Error(), "docs")
}

func TestHandleChangesRunsOnceAndReloadsOnce(t *testing.T) {
	ctrl := gomock.NewController(t)
	reloader := mocks.NewMockReloader(ctrl)
	reloader.EXPECT().Reload(gomock.Any(), notify.ScopePage).Return(nil).Times(1)

	scripts := &countingTask{name: "scripts"}
	c, err := NewController(registryWith(t, scripts), []Binding{scriptsBinding}, reloader)
	require.NoError(t, err)

	// Two files of one binding in one batch are one reaction.
	reactions := c.HandleChanges(context.Background(), []string{
		"app/assets/js/global.js",
		"app/assets/js/home-page.js",
	})

	require.Len(t, reactions, 1)
	assert.True(t, reactions[0].Reloaded)
	assert.Equal(t, int64(1), scripts.runs.Load())
}

func TestHandleChangesIgnoresUnmatchedPaths(t *testing.T) {
	ctrl := gomock.NewController(t)
	reloader := mocks.NewMockReloader(ctrl)

	scripts := &countingTask{name: "scripts"}
	c, err := NewController(registryWith(t, scripts), []Binding{scriptsBinding}, reloader)
	require.NoError(t, err)

	assert.Nil(t, c.HandleChanges(context.Background(), []string{"app/assets/sass/main.scss"}))
	assert.Zero(t, scripts.runs.Load())
}

func TestHandleChangesPassesMatchedPathsToChangeAwareTasks(t *testing.T) {
	scripts := &changeAwareTask{countingTask: countingTask{name: "scripts"}}
	c, err := NewController(registryWith(t, scripts), []Binding{scriptsBinding}, &reloadCounter{})
	require.NoError(t, err)

	c.HandleChanges(context.Background(), []string{"app/index.html", "app/assets/js/global.js"})

	require.Len(t, scripts.paths, 1)
	assert.Equal(t, []string{"app/assets/js/global.js"}, scripts.paths[0])
}

func TestHandleChangesFatalFailureSkipsReload(t *testing.T) {
	ctrl := gomock.NewController(t)
	reloader := mocks.NewMockReloader(ctrl)
	notifier := mocks.NewMockNotifier(ctrl)

	failure := errors.NewFilesystemError("write build/assets/css/main.css", os.ErrPermission)
	notifier.EXPECT().
		NotifyError(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, err *errors.PipelineError) error {
			assert.Equal(t, "styles", err.Task)
			assert.Equal(t, errors.ErrorTypeFilesystem, err.Type)
			return nil
		}).
		Times(1)

	styles := &countingTask{name: "styles", status: task.StatusFailed, err: failure}
	inline := &countingTask{name: "inline-assets"}
	binding := Binding{
		Name:     "styles",
		Patterns: []string{"app/assets/sass/**/*.scss"},
		Tasks:    []string{"styles", "inline-assets"},
		Reload:   true,
		Scope:    notify.ScopeCSS,
	}

	c, err := NewController(registryWith(t, styles, inline), []Binding{binding}, reloader, WithNotifier(notifier))
	require.NoError(t, err)

	reactions := c.HandleChanges(context.Background(), []string{"app/assets/sass/main.scss"})
	require.Len(t, reactions, 1)
	assert.False(t, reactions[0].Reloaded)
	assert.Len(t, reactions[0].Results, 1)
	assert.Zero(t, inline.runs.Load())
}

func TestHandleChangesEndedResult(t *testing.T) {
	testCases := []struct {
		name     string
		strict   bool
		reloaded bool
	}{
		{"lenient reloads", false, true},
		{"strict does not reload", true, false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			scripts := &countingTask{
				name:   "scripts",
				status: task.StatusEnded,
				err:    errors.NewTransformError(errors.ErrCodeBundleFailed, "unexpected token", nil),
			}
			reloads := &reloadCounter{}
			c, err := NewController(registryWith(t, scripts), []Binding{scriptsBinding}, reloads, WithStrict(tc.strict))
			require.NoError(t, err)

			reactions := c.HandleChanges(context.Background(), []string{"app/assets/js/global.js"})
			require.Len(t, reactions, 1)
			assert.Equal(t, tc.reloaded, reactions[0].Reloaded)
			if tc.reloaded {
				assert.Equal(t, 1, reloads.count(notify.ScopePage))
			} else {
				assert.Zero(t, reloads.count(notify.ScopePage))
			}
		})
	}
}

func TestHandleChangesWithoutReload(t *testing.T) {
	ctrl := gomock.NewController(t)
	reloader := mocks.NewMockReloader(ctrl)

	sprites := &countingTask{name: "sprites"}
	binding := Binding{Name: "sprites", Patterns: []string{"app/assets/images/sprites/icon/*.png"}, Tasks: []string{"sprites"}}
	c, err := NewController(registryWith(t, sprites), []Binding{binding}, reloader)
	require.NoError(t, err)

	reactions := c.HandleChanges(context.Background(), []string{"app/assets/images/sprites/icon/home.png"})
	require.Len(t, reactions, 1)
	assert.False(t, reactions[0].Reloaded)
	assert.Equal(t, int64(1), sprites.runs.Load())
}

func TestHandleChangesRunsBindingsConcurrently(t *testing.T) {
	release := make(chan struct{})

	// scripts blocks until styles has started, which only works if both
	// bindings react at the same time.
	scripts := &countingTask{name: "scripts", run: func(ctx context.Context) {
		select {
		case <-release:
		case <-ctx.Done():
		}
	}}
	styles := &countingTask{name: "styles", run: func(context.Context) { close(release) }}

	reloads := &reloadCounter{}
	c, err := NewController(registryWith(t, scripts, styles), []Binding{
		scriptsBinding,
		{Name: "styles", Patterns: []string{"app/assets/sass/*.scss"}, Tasks: []string{"styles"}, Reload: true, Scope: notify.ScopeCSS},
	}, reloads)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	reactions := c.HandleChanges(ctx, []string{"app/assets/js/global.js", "app/assets/sass/main.scss"})
	require.NoError(t, ctx.Err())
	require.Len(t, reactions, 2)
	assert.Equal(t, 1, reloads.count(notify.ScopePage))
	assert.Equal(t, 1, reloads.count(notify.ScopeCSS))
}

func TestHandlerMakesPathsRelative(t *testing.T) {
	root := t.TempDir()
	scripts := &changeAwareTask{countingTask: countingTask{name: "scripts"}}
	c, err := NewController(registryWith(t, scripts), []Binding{scriptsBinding}, &reloadCounter{})
	require.NoError(t, err)

	handler := c.Handler(root)
	require.NoError(t, handler(context.Background(), []ChangeEvent{
		{Type: EventTypeModified, Path: filepath.Join(root, "app", "assets", "js", "global.js")},
	}))

	require.Len(t, scripts.paths, 1)
	assert.Equal(t, []string{"app/assets/js/global.js"}, scripts.paths[0])
}

func TestRelativePath(t *testing.T) {
	assert.Equal(t, "app/index.html", RelativePath("/srv/site", "/srv/site/app/index.html"))
	assert.Equal(t, "app/index.html", RelativePath("/srv/site", "app/./index.html"))
	assert.Equal(t, "/etc/hosts", RelativePath("/srv/site", "/etc/hosts"))
}

func TestWatchRoots(t *testing.T) {
	root := filepath.ToSlash(t.TempDir())
	for _, dir := range []string{"app/assets/js", "app/assets/sass", "app/layouts"} {
		require.NoError(t, os.MkdirAll(filepath.Join(root, dir), 0o755))
	}

	roots := WatchRoots([]Binding{
		{Patterns: []string{root + "/app/assets/js/**/*.js"}},
		{Patterns: []string{root + "/app/assets/sass/**/*.scss", "!" + root + "/app/assets/sass/vendor/**"}},
		{Patterns: []string{root + "/app/layouts/**/*.html", root + "/app/*.html"}},
		{Patterns: []string{root + "/missing/**/*.png"}},
	})

	assert.Equal(t, []string{filepath.Join(root, "app")}, roots)
}

func TestHandleChangesClearsRecoveredFailures(t *testing.T) {
	collector := errors.NewErrorCollector()
	collector.Add(errors.NewTransformError(errors.ErrCodeBundleFailed, "unexpected token", nil).WithTask("scripts"))
	require.True(t, collector.HasErrors())

	scripts := &countingTask{name: "scripts"}
	c, err := NewController(registryWith(t, scripts), []Binding{scriptsBinding}, &reloadCounter{}, WithCollector(collector))
	require.NoError(t, err)

	c.HandleChanges(context.Background(), []string{"app/assets/js/global.js"})
	assert.False(t, collector.HasErrors())
}
