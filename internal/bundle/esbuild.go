package bundle

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/evanw/esbuild/pkg/api"
	"github.com/spf13/afero"

	"github.com/conneroisu/sitepipe/internal/config"
	"github.com/conneroisu/sitepipe/internal/errors"
)

// moduleTable is the global object shared bundles register their exposed
// dependencies on.
const moduleTable = "__sitepipeModules"

// requireShim resolves external dependencies from the module table.
const requireShim = `var require = globalThis.require || function (name) {
  var mod = (globalThis.` + moduleTable + ` || {})[name];
  if (mod === undefined) throw new Error("Cannot find module '" + name + "'");
  return mod;
};`

var defaultResolveExtensions = []string{".tsx", ".ts", ".jsx", ".js", ".css", ".json"}

// Bundler produces bundle outputs.
type Bundler interface {
	// Bundle builds job and writes its output.
	Bundle(ctx context.Context, job Job) error
	// Rebuild re-emits job if any of paths is one of its inputs. It reports
	// whether the bundle was rebuilt.
	Rebuild(ctx context.Context, job Job, paths []string) (bool, error)
	// Close releases incremental state.
	Close() error
}

// ESBuild is the esbuild-backed Bundler.
type ESBuild struct {
	fs          afero.Fs
	workDir     string
	minify      bool
	sourceMaps  bool
	incremental bool

	mutex    sync.Mutex
	contexts map[string]api.BuildContext
	inputs   map[string]map[string]bool
}

// ESBuildOption configures an ESBuild.
type ESBuildOption func(*ESBuild)

// WithWorkDir sets the directory sources are resolved from and outputs are
// written relative to. It defaults to the process working directory.
func WithWorkDir(dir string) ESBuildOption {
	return func(e *ESBuild) {
		e.workDir = dir
	}
}

// Incremental keeps one esbuild context per bundle so rebuilds reuse the
// parsed module graph. Shared and external dependencies are not split in
// this mode.
func Incremental() ESBuildOption {
	return func(e *ESBuild) {
		e.incremental = true
	}
}

// NewESBuild creates a bundler whose minification and source maps follow the
// build mode of cfg. Outputs are written through fsys.
func NewESBuild(fsys afero.Fs, cfg *config.Config, opts ...ESBuildOption) (*ESBuild, error) {
	e := &ESBuild{
		fs:         fsys,
		minify:     cfg.Minify(),
		sourceMaps: cfg.SourceMaps(),
		contexts:   make(map[string]api.BuildContext),
		inputs:     make(map[string]map[string]bool),
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.workDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to get working directory: %w", err)
		}
		e.workDir = wd
	}
	abs, err := filepath.Abs(e.workDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve working directory: %w", err)
	}
	e.workDir = abs

	return e, nil
}

// Bundle implements Bundler.
func (e *ESBuild) Bundle(ctx context.Context, job Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if e.incremental {
		_, err := e.rebuild(job)
		return err
	}

	result := api.Build(e.options(job, true))
	return e.emit(job, result)
}

// Rebuild implements Bundler. Without an incremental context every call
// rebuilds.
func (e *ESBuild) Rebuild(ctx context.Context, job Job, paths []string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	if !e.incremental {
		return true, e.Bundle(ctx, job)
	}

	if !e.affected(job, paths) {
		return false, nil
	}
	return e.rebuild(job)
}

// Close implements Bundler.
func (e *ESBuild) Close() error {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	for key, bctx := range e.contexts {
		bctx.Dispose()
		delete(e.contexts, key)
	}
	return nil
}

func (e *ESBuild) rebuild(job Job) (bool, error) {
	bctx, err := e.context(job)
	if err != nil {
		return false, err
	}

	result := bctx.Rebuild()
	if err := e.emit(job, result); err != nil {
		return true, err
	}
	return true, nil
}

func (e *ESBuild) context(job Job) (api.BuildContext, error) {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	key := job.Output()
	if bctx, ok := e.contexts[key]; ok {
		return bctx, nil
	}

	bctx, ctxErr := api.Context(e.options(job, false))
	if ctxErr != nil {
		if len(ctxErr.Errors) > 0 {
			return nil, messageError(job.Entry, ctxErr.Errors[0])
		}
		return nil, errors.NewInternalError(errors.ErrCodeBundleFailed, "failed to create bundle context", nil)
	}
	e.contexts[key] = bctx
	return bctx, nil
}

// affected reports whether any of paths is a recorded input of job. A job
// with no recorded inputs is always affected.
func (e *ESBuild) affected(job Job, paths []string) bool {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	inputs, ok := e.inputs[job.Output()]
	if !ok || len(paths) == 0 {
		return true
	}
	for _, p := range paths {
		if inputs[e.relative(p)] {
			return true
		}
	}
	return false
}

// options builds the esbuild options for job. With shared set, required
// dependencies are exposed and external ones left out.
func (e *ESBuild) options(job Job, shared bool) api.BuildOptions {
	opts := api.BuildOptions{
		Bundle:            true,
		Write:             false,
		Metafile:          true,
		Outfile:           job.Output(),
		AbsWorkingDir:     e.workDir,
		Format:            api.FormatIIFE,
		Platform:          api.PlatformBrowser,
		LogLevel:          api.LogLevelSilent,
		Loader:            loaders(job.Extensions),
		ResolveExtensions: resolveExtensions(job.Extensions),
		MinifyWhitespace:  e.minify,
		MinifyIdentifiers: e.minify,
		MinifySyntax:      e.minify,
	}
	if job.Debug && e.sourceMaps {
		opts.Sourcemap = api.SourceMapInline
	}

	if !shared || len(job.Require) == 0 {
		opts.EntryPoints = []string{job.Entry}
	} else {
		opts.Stdin = &api.StdinOptions{
			Contents:   exposeEntry(job),
			ResolveDir: e.workDir,
			Sourcefile: "<" + job.OutputName + ">",
			Loader:     api.LoaderJS,
		}
	}

	if shared && len(job.External) > 0 {
		opts.External = append([]string(nil), job.External...)
		opts.Banner = map[string]string{"js": requireShim}
	}

	return opts
}

// emit writes the outputs of result and records the bundle inputs.
func (e *ESBuild) emit(job Job, result api.BuildResult) error {
	if len(result.Errors) > 0 {
		return messageError(job.Entry, result.Errors[0])
	}

	for _, out := range result.OutputFiles {
		name := e.relative(out.Path)
		if err := e.fs.MkdirAll(filepath.Dir(name), 0o755); err != nil {
			return errors.NewFilesystemError("failed to create bundle directory", err).WithLocation(name, 0, 0)
		}
		if err := afero.WriteFile(e.fs, name, out.Contents, 0o644); err != nil {
			return errors.NewFilesystemError("failed to write bundle", err).WithLocation(name, 0, 0)
		}
	}

	if result.Metafile != "" {
		var meta struct {
			Inputs map[string]json.RawMessage `json:"inputs"`
		}
		if err := json.Unmarshal([]byte(result.Metafile), &meta); err == nil {
			inputs := make(map[string]bool, len(meta.Inputs))
			for in := range meta.Inputs {
				inputs[filepath.ToSlash(in)] = true
			}
			e.mutex.Lock()
			e.inputs[job.Output()] = inputs
			e.mutex.Unlock()
		}
	}

	return nil
}

// relative returns p relative to the working directory, in slash form.
func (e *ESBuild) relative(p string) string {
	if !filepath.IsAbs(p) {
		return filepath.ToSlash(filepath.Clean(p))
	}
	rel, err := filepath.Rel(e.workDir, p)
	if err != nil {
		return filepath.ToSlash(p)
	}
	return filepath.ToSlash(rel)
}

// exposeEntry is the synthetic entry of a bundle with required
// dependencies: it registers each of them on the module table and then runs
// the real entry.
func exposeEntry(job Job) string {
	var b strings.Builder
	fmt.Fprintf(&b, "var table = globalThis.%s = globalThis.%s || {};\n", moduleTable, moduleTable)
	for _, dep := range job.Require {
		fmt.Fprintf(&b, "table[%q] = require(%q);\n", dep, dep)
	}
	fmt.Fprintf(&b, "require(%q);\n", "./"+filepath.ToSlash(filepath.Clean(job.Entry)))
	return b.String()
}

func loaders(extensions []string) map[string]api.Loader {
	if len(extensions) == 0 {
		return nil
	}
	m := make(map[string]api.Loader, len(extensions))
	for _, ext := range extensions {
		m[ext] = api.LoaderText
	}
	return m
}

func resolveExtensions(extensions []string) []string {
	all := append([]string(nil), defaultResolveExtensions...)
	for _, ext := range extensions {
		found := false
		for _, existing := range all {
			if existing == ext {
				found = true
				break
			}
		}
		if !found {
			all = append(all, ext)
		}
	}
	return all
}

// messageError converts an esbuild diagnostic into a located transform
// error.
func messageError(entry string, msg api.Message) *errors.PipelineError {
	pe := errors.NewTransformError(errors.ErrCodeBundleFailed, msg.Text, nil)
	if msg.Location != nil && msg.Location.File != "" {
		return pe.WithLocation(msg.Location.File, msg.Location.Line, msg.Location.Column)
	}
	return pe.WithLocation(entry, 0, 0)
}
