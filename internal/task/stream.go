package task

import (
	"context"
	stderrors "errors"
	"fmt"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/spf13/afero"

	"github.com/conneroisu/sitepipe/internal/errors"
	"github.com/conneroisu/sitepipe/internal/logging"
	"github.com/conneroisu/sitepipe/internal/notify"
)

// ErrDropFile is returned by a stage to remove a file from the stream
// without reporting a failure.
var ErrDropFile = stderrors.New("drop file")

// File is one file flowing through a stream task.
type File struct {
	// Source is the path the file was read from.
	Source string
	// Path is the output path relative to the task destination. Stages may
	// rename it.
	Path     string
	Contents []byte
	ModTime  time.Time
}

// Ext returns the extension of the output path.
func (f *File) Ext() string {
	return path.Ext(f.Path)
}

// SetExt replaces the extension of the output path.
func (f *File) SetExt(ext string) {
	f.Path = strings.TrimSuffix(f.Path, path.Ext(f.Path)) + ext
}

// Stage transforms one file in place.
type Stage interface {
	Process(ctx context.Context, file *File) error
}

// StageFunc adapts a function to the Stage interface.
type StageFunc func(ctx context.Context, file *File) error

// Process calls f.
func (f StageFunc) Process(ctx context.Context, file *File) error {
	return f(ctx, file)
}

// StreamOptions configures a StreamTask.
type StreamOptions struct {
	// Src are the input globs. A leading "!" excludes matches.
	Src []string
	// Base is stripped from source paths to form output paths. When empty
	// the static prefix of the matching glob is used.
	Base string
	Dest string

	Stages []Stage

	// Changed skips sources that are not newer than their existing output.
	Changed bool
	// ChangedExt is the output extension compared by the Changed filter,
	// when the stages rename files.
	ChangedExt string

	Notifier notify.Notifier
	Logger   logging.Logger
}

// StreamTask reads every file matching its globs, pipes each one through
// its stages in order and writes the result under the destination.
type StreamTask struct {
	name string
	fs   afero.Fs
	opts StreamOptions
}

// NewStream creates a stream task over fsys.
func NewStream(name string, fsys afero.Fs, opts StreamOptions) *StreamTask {
	if opts.Notifier == nil {
		opts.Notifier = notify.Discard
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	opts.Logger = opts.Logger.WithComponent(name)

	return &StreamTask{name: name, fs: fsys, opts: opts}
}

// Name implements Task.
func (t *StreamTask) Name() string {
	return t.name
}

// Run implements Task.
func (t *StreamTask) Run(ctx context.Context) Result {
	return t.run(ctx, nil)
}

// RunChanged implements ChangeAware. Only the changed paths that match the
// task's globs are processed; when none match, every source is.
func (t *StreamTask) RunChanged(ctx context.Context, paths []string) Result {
	return t.run(ctx, paths)
}

func (t *StreamTask) run(ctx context.Context, only []string) Result {
	start := time.Now()
	op := logging.StartOperation(t.opts.Logger, t.name)

	sources, err := ResolveGlobs(t.fs, t.opts.Src)
	if err != nil {
		result := FromError(t.name, start, errors.NewFilesystemError("failed to resolve sources", err))
		op.EndWithError(ctx, result.Err, "Failed")
		return result
	}
	if only != nil {
		if matched := intersect(sources, only); len(matched) > 0 {
			sources = matched
		}
	}

	result := Result{Task: t.name}
	var firstFailure *errors.PipelineError

	for _, src := range sources {
		if err := ctx.Err(); err != nil {
			stopped := FromError(t.name, start, err)
			stopped.Written, stopped.Skipped = result.Written, result.Skipped
			op.EndWithError(ctx, err, "Stopped")
			return stopped
		}

		written, skipped, ferr := t.processFile(ctx, src)
		result.Written += written
		result.Skipped += skipped
		if ferr == nil {
			continue
		}

		if !ferr.Recoverable {
			failed := FromError(t.name, start, ferr)
			failed.Written, failed.Skipped = result.Written, result.Skipped
			op.EndWithError(ctx, ferr, "Failed", "file", src)
			return failed
		}

		_ = t.opts.Notifier.NotifyError(ctx, ferr)
		if firstFailure == nil {
			firstFailure = ferr
		}
	}

	result.Duration = time.Since(start)
	if firstFailure != nil {
		result.Status = StatusEnded
		result.Err = firstFailure
		op.End(ctx, "Finished with errors", "written", result.Written, "skipped", result.Skipped)
		return result
	}

	result.Status = StatusSucceeded
	op.End(ctx, "Finished", "written", result.Written, "skipped", result.Skipped)
	return result
}

// processFile runs one source through the stages and writes it. It returns
// the number of files written and skipped.
func (t *StreamTask) processFile(ctx context.Context, src string) (int, int, *errors.PipelineError) {
	info, err := t.fs.Stat(src)
	if err != nil {
		return 0, 0, errors.NewFilesystemError("failed to stat source", err).WithTask(t.name).WithLocation(src, 0, 0)
	}

	rel := t.relativePath(src)
	if t.opts.Changed && t.unchanged(rel, info.ModTime()) {
		t.opts.Logger.Debug(ctx, "Unchanged, skipping", "file", src)
		return 0, 1, nil
	}

	contents, err := afero.ReadFile(t.fs, src)
	if err != nil {
		return 0, 0, errors.NewFilesystemError("failed to read source", err).WithTask(t.name).WithLocation(src, 0, 0)
	}

	file := &File{
		Source:   src,
		Path:     rel,
		Contents: contents,
		ModTime:  info.ModTime(),
	}

	for _, stage := range t.opts.Stages {
		if err := stage.Process(ctx, file); err != nil {
			if stderrors.Is(err, ErrDropFile) {
				return 0, 0, nil
			}
			return 0, 0, t.classify(err, src)
		}
	}

	dest := filepath.Join(t.opts.Dest, filepath.FromSlash(file.Path))
	if err := t.fs.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return 0, 0, errors.NewFilesystemError("failed to create output directory", err).WithTask(t.name).WithLocation(dest, 0, 0)
	}
	if err := afero.WriteFile(t.fs, dest, file.Contents, 0o644); err != nil {
		return 0, 0, errors.NewFilesystemError("failed to write output", err).WithTask(t.name).WithLocation(dest, 0, 0)
	}

	return 1, 0, nil
}

// classify turns a stage error into a PipelineError. Unclassified stage
// errors are recoverable transform failures.
func (t *StreamTask) classify(err error, src string) *errors.PipelineError {
	if stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded) {
		return errors.NewCancelledError(t.name, err)
	}

	var pe *errors.PipelineError
	if !stderrors.As(err, &pe) {
		pe = errors.NewTransformError(errors.ErrCodeCompileFailed, "failed to process file", err)
	}
	if pe.Task == "" {
		pe.Task = t.name
	}
	if pe.FilePath == "" {
		pe.FilePath = src
	}
	return pe
}

// unchanged reports whether the output for rel exists and is at least as
// new as the source.
func (t *StreamTask) unchanged(rel string, srcMod time.Time) bool {
	if t.opts.ChangedExt != "" {
		rel = strings.TrimSuffix(rel, path.Ext(rel)) + t.opts.ChangedExt
	}
	info, err := t.fs.Stat(filepath.Join(t.opts.Dest, filepath.FromSlash(rel)))
	if err != nil {
		return false
	}
	return !srcMod.After(info.ModTime())
}

// relativePath maps a source path to its output path, slash separated.
func (t *StreamTask) relativePath(src string) string {
	slashed := filepath.ToSlash(src)

	bases := make([]string, 0, len(t.opts.Src)+1)
	if t.opts.Base != "" {
		bases = append(bases, filepath.ToSlash(filepath.Clean(t.opts.Base)))
	}
	for _, pattern := range t.opts.Src {
		if strings.HasPrefix(pattern, "!") {
			continue
		}
		base, _ := doublestar.SplitPattern(filepath.ToSlash(pattern))
		if ok, _ := doublestar.Match(filepath.ToSlash(pattern), slashed); ok {
			bases = append(bases, base)
		}
	}

	for _, base := range bases {
		if base == "." || base == "" {
			return slashed
		}
		if strings.HasPrefix(slashed, base+"/") {
			return strings.TrimPrefix(slashed, base+"/")
		}
	}
	return path.Base(slashed)
}

// ResolveGlobs expands globs against fsys and returns the matching files,
// sorted and deduplicated. Patterns with a leading "!" remove matches.
func ResolveGlobs(fsys afero.Fs, patterns []string) ([]string, error) {
	iofs := afero.NewIOFS(fsys)

	var includes, excludes []string
	for _, p := range patterns {
		p = filepath.ToSlash(filepath.Clean(p))
		if strings.HasPrefix(p, "!") {
			excludes = append(excludes, strings.TrimPrefix(p, "!"))
			continue
		}
		includes = append(includes, p)
	}

	seen := make(map[string]bool)
	var files []string
	for _, pattern := range includes {
		matches, err := doublestar.Glob(iofs, pattern, doublestar.WithFilesOnly())
		if err != nil {
			return nil, fmt.Errorf("glob %q: %w", pattern, err)
		}
		for _, m := range matches {
			if seen[m] || excluded(m, excludes) {
				continue
			}
			seen[m] = true
			files = append(files, m)
		}
	}

	sort.Strings(files)
	return files, nil
}

// MatchAny reports whether name matches any of the globs. Exclusions are
// honoured.
func MatchAny(patterns []string, name string) bool {
	name = filepath.ToSlash(filepath.Clean(name))
	var excludes []string
	matched := false
	for _, p := range patterns {
		p = filepath.ToSlash(p)
		if strings.HasPrefix(p, "!") {
			excludes = append(excludes, strings.TrimPrefix(p, "!"))
			continue
		}
		if ok, _ := doublestar.Match(path.Clean(p), name); ok {
			matched = true
		}
	}
	return matched && !excluded(name, excludes)
}

func excluded(name string, excludes []string) bool {
	for _, ex := range excludes {
		if ok, _ := doublestar.Match(path.Clean(ex), name); ok {
			return true
		}
	}
	return false
}

func intersect(sources, only []string) []string {
	want := make(map[string]bool, len(only))
	for _, p := range only {
		want[filepath.ToSlash(filepath.Clean(p))] = true
	}
	var out []string
	for _, s := range sources {
		if want[s] {
			out = append(out, s)
		}
	}
	return out
}
