package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventTypeString(t *testing.T) {
	testCases := []struct {
		eventType EventType
		expected  string
	}{
		{EventTypeCreated, "created"},
		{EventTypeModified, "modified"},
		{EventTypeDeleted, "deleted"},
		{EventTypeRenamed, "renamed"},
		{EventType(42), "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.expected, func(t *testing.T) {
			assert.Equal(t, tc.expected, tc.eventType.String())
		})
	}
}

func TestNewFileWatcher(t *testing.T) {
	watcher, err := NewFileWatcher(100*time.Millisecond, nil)
	require.NoError(t, err)
	defer watcher.Stop()

	assert.NotNil(t, watcher.watcher)
	assert.NotNil(t, watcher.debouncer)
	assert.Empty(t, watcher.filters)
	assert.Empty(t, watcher.handlers)
}

func TestFileWatcherAddFilterAndHandler(t *testing.T) {
	watcher, err := NewFileWatcher(100*time.Millisecond, nil)
	require.NoError(t, err)
	defer watcher.Stop()

	watcher.AddFilter(NoGitFilter)
	watcher.AddFilter(NoEditorFilter)
	assert.Len(t, watcher.filters, 2)

	handlerCalled := false
	watcher.AddHandler(func(ctx context.Context, events []ChangeEvent) error {
		handlerCalled = true
		return nil
	})
	require.Len(t, watcher.handlers, 1)

	require.NoError(t, watcher.handlers[0](context.Background(), []ChangeEvent{{Path: "app/index.html"}}))
	assert.True(t, handlerCalled)
}

func TestFilters(t *testing.T) {
	testCases := []struct {
		name   string
		filter FileFilter
		path   string
		want   bool
	}{
		{"git object", NoGitFilter, ".git/objects/ab/cdef", false},
		{"gitignore is not git dir", NoGitFilter, ".gitignore", true},
		{"node module", NoNodeModulesFilter, "node_modules/lodash/index.js", false},
		{"nested node module", NoNodeModulesFilter, "app/node_modules/x.js", false},
		{"source script", NoNodeModulesFilter, "app/assets/js/global.js", true},
		{"vim swap", NoEditorFilter, "app/index.html.swp", false},
		{"backup", NoEditorFilter, "app/index.html~", false},
		{"emacs lock", NoEditorFilter, "app/.#index.html", false},
		{"template", NoEditorFilter, "app/index.html", true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.filter(tc.path))
		})
	}
}

func TestFileWatcherValidation(t *testing.T) {
	watcher, err := NewFileWatcher(100*time.Millisecond, nil)
	require.NoError(t, err)
	defer watcher.Stop()

	t.Run("outside working directory", func(t *testing.T) {
		err := watcher.AddPath(t.TempDir())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "outside current working directory")
	})

	t.Run("traversal", func(t *testing.T) {
		err := watcher.AddRecursive("../../..")
		assert.Error(t, err)
	})

	t.Run("dots inside a name", func(t *testing.T) {
		dir, err := os.MkdirTemp(".", "watch-test-")
		require.NoError(t, err)
		defer os.RemoveAll(dir)

		dotted := filepath.Join(dir, "foo..bar")
		require.NoError(t, os.Mkdir(dotted, 0o755))
		assert.NoError(t, watcher.AddPath(dotted))
		assert.NoError(t, watcher.AddRecursive(dir))
	})
}

func TestDebouncerCoalescesRapidWrites(t *testing.T) {
	debouncer := NewDebouncer(50 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go debouncer.Start(ctx)

	require.True(t, debouncer.Add(ChangeEvent{Type: EventTypeCreated, Path: "app/assets/js/global.js"}))
	require.True(t, debouncer.Add(ChangeEvent{Type: EventTypeModified, Path: "app/assets/js/global.js"}))
	require.True(t, debouncer.Add(ChangeEvent{Type: EventTypeModified, Path: "app/assets/sass/main.scss"}))

	select {
	case events := <-debouncer.Output():
		require.Len(t, events, 2)
		assert.Equal(t, "app/assets/js/global.js", events[0].Path)
		assert.Equal(t, EventTypeModified, events[0].Type)
		assert.Equal(t, "app/assets/sass/main.scss", events[1].Path)
	case <-time.After(time.Second):
		t.Fatal("no batch delivered")
	}

	select {
	case events := <-debouncer.Output():
		t.Fatalf("unexpected second batch: %v", events)
	case <-time.After(150 * time.Millisecond):
	}
}

func TestDebouncerSeparateWindows(t *testing.T) {
	debouncer := NewDebouncer(20 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go debouncer.Start(ctx)

	for i := 0; i < 2; i++ {
		debouncer.Add(ChangeEvent{Type: EventTypeModified, Path: "app/index.html"})
		select {
		case events := <-debouncer.Output():
			assert.Len(t, events, 1)
		case <-time.After(time.Second):
			t.Fatalf("batch %d not delivered", i)
		}
	}
}

func TestDebouncerKeepsBatchesWhileReaderIsBusy(t *testing.T) {
	debouncer := NewDebouncer(10 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go debouncer.Start(ctx)

	// More windows than the output buffer holds, with nobody reading.
	const windows = 14
	for i := 0; i < windows; i++ {
		require.True(t, debouncer.Add(ChangeEvent{
			Type: EventTypeModified,
			Path: filepath.Join("app", "assets", "js", "module"+string(rune('a'+i))+".js"),
		}))
		time.Sleep(30 * time.Millisecond)
	}

	seen := make(map[string]bool)
	require.Eventually(t, func() bool {
		for {
			select {
			case events := <-debouncer.Output():
				for _, e := range events {
					seen[e.Path] = true
				}
			default:
				return len(seen) == windows
			}
		}
	}, 2*time.Second, 20*time.Millisecond)
}

func TestFileWatcherDeliversOneBatchPerBurst(t *testing.T) {
	// fsnotify paths must live under the working directory.
	dir, err := os.MkdirTemp(".", "watch-test-")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	watcher, err := NewFileWatcher(100*time.Millisecond, nil)
	require.NoError(t, err)
	defer watcher.Stop()

	var (
		mu      sync.Mutex
		batches [][]ChangeEvent
	)
	watcher.AddFilter(NoEditorFilter)
	watcher.AddHandler(func(ctx context.Context, events []ChangeEvent) error {
		mu.Lock()
		defer mu.Unlock()
		batches = append(batches, events)
		return nil
	})
	require.NoError(t, watcher.AddRecursive(dir))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, watcher.Start(ctx))

	target := filepath.Join(dir, "main.scss")
	require.NoError(t, os.WriteFile(target, []byte("a {}"), 0o644))
	require.NoError(t, os.WriteFile(target, []byte("a { color: red }"), 0o644))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(batches) == 1
	}, 2*time.Second, 20*time.Millisecond)

	time.Sleep(250 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, batches, 1)
	require.Len(t, batches[0], 1)
	assert.Equal(t, target, batches[0][0].Path)
}
