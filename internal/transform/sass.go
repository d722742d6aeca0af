// Package transform holds the stream stages the build tasks pipe files
// through: style compilation, vendor prefixing, minification, image
// optimization, data URI inlining, sprite sheets and asset revisioning.
package transform

import (
	"bytes"
	"context"
	"encoding/base64"
	stderrors "errors"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bep/godartsass/v2"

	"github.com/conneroisu/sitepipe/internal/errors"
	"github.com/conneroisu/sitepipe/internal/logging"
	"github.com/conneroisu/sitepipe/internal/task"
)

// SassCompiler compiles one stylesheet. *DartSass and
// *godartsass.Transpiler implement it.
type SassCompiler interface {
	Execute(args godartsass.Args) (godartsass.Result, error)
}

// SassFunc adapts a function to SassCompiler.
type SassFunc func(args godartsass.Args) (godartsass.Result, error)

// Execute implements SassCompiler.
func (f SassFunc) Execute(args godartsass.Args) (godartsass.Result, error) {
	return f(args)
}

// DartSass talks to the Dart Sass compiler over its embedded protocol. The
// compiler process starts on the first compile and serves every later one
// until Close. A process that died is restarted on the next compile.
type DartSass struct {
	binary  string
	timeout time.Duration
	logger  logging.Logger

	mutex      sync.Mutex
	transpiler *godartsass.Transpiler
}

// NewDartSass creates a compiler client for binary, "sass" when empty.
func NewDartSass(binary string, logger logging.Logger) *DartSass {
	if binary == "" {
		binary = "sass"
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &DartSass{
		binary:  binary,
		timeout: time.Minute,
		logger:  logger.WithComponent("sass"),
	}
}

// Execute implements SassCompiler.
func (d *DartSass) Execute(args godartsass.Args) (godartsass.Result, error) {
	t, err := d.start()
	if err != nil {
		return godartsass.Result{}, err
	}
	return t.Execute(args)
}

func (d *DartSass) start() (*godartsass.Transpiler, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if d.transpiler != nil && !d.transpiler.IsShutDown() {
		return d.transpiler, nil
	}

	t, err := godartsass.Start(godartsass.Options{
		DartSassEmbeddedFilename: d.binary,
		Timeout:                  d.timeout,
		LogEventHandler:          d.logEvent,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", d.binary, err)
	}
	d.transpiler = t
	return t, nil
}

// logEvent forwards @warn, @debug and deprecation output.
func (d *DartSass) logEvent(event godartsass.LogEvent) {
	switch event.Type {
	case godartsass.LogEventTypeDebug:
		d.logger.Debug(context.Background(), event.Message)
	default:
		d.logger.Warn(context.Background(), nil, event.Message, "deprecation", event.DeprecationType)
	}
}

// Close stops the compiler process.
func (d *DartSass) Close() error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if d.transpiler == nil {
		return nil
	}
	err := d.transpiler.Close()
	d.transpiler = nil
	if stderrors.Is(err, godartsass.ErrShutdown) {
		return nil
	}
	return err
}

// Sass compiles .scss and .sass files. Partials (files starting with "_")
// are dropped from the stream and plain .css files pass through unchanged.
type Sass struct {
	Compiler  SassCompiler
	LoadPaths []string
	// SourceMaps embeds an inline source map in the output.
	SourceMaps bool
	// Compressed selects the compressed output style.
	Compressed bool
}

// Process implements task.Stage.
func (s *Sass) Process(ctx context.Context, file *task.File) error {
	if strings.HasPrefix(path.Base(file.Path), "_") {
		return task.ErrDropFile
	}

	ext := file.Ext()
	if ext == ".css" {
		return nil
	}
	if ext != ".scss" && ext != ".sass" {
		return task.ErrDropFile
	}

	args := godartsass.Args{
		Source:       string(file.Contents),
		URL:          fileURL(file.Source),
		SourceSyntax: godartsass.SourceSyntaxSCSS,
		OutputStyle:  godartsass.OutputStyleExpanded,
		IncludePaths: append([]string{filepath.Dir(file.Source)}, s.LoadPaths...),
	}
	if ext == ".sass" {
		args.SourceSyntax = godartsass.SourceSyntaxSASS
	}
	if s.Compressed {
		args.OutputStyle = godartsass.OutputStyleCompressed
	}
	if s.SourceMaps {
		args.EnableSourceMap = true
		args.SourceMapIncludeSources = true
	}

	result, err := s.execute(ctx, args)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var sassErr godartsass.SassError
		if stderrors.As(err, &sassErr) {
			return sassError(file, args.URL, sassErr)
		}
		return errors.NewInternalError(errors.ErrCodeInternalError, "failed to run the sass compiler", err)
	}

	css := result.CSS
	if s.SourceMaps && result.SourceMap != "" {
		css += "\n/*# sourceMappingURL=data:application/json;base64," +
			base64.StdEncoding.EncodeToString([]byte(result.SourceMap)) + " */\n"
	}

	file.Contents = []byte(css)
	file.SetExt(".css")
	return nil
}

// execute runs one compile, giving up when ctx is done.
func (s *Sass) execute(ctx context.Context, args godartsass.Args) (godartsass.Result, error) {
	if err := ctx.Err(); err != nil {
		return godartsass.Result{}, err
	}
	if s.Compiler == nil {
		return godartsass.Result{}, stderrors.New("no sass compiler configured")
	}

	type outcome struct {
		result godartsass.Result
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		r, err := s.Compiler.Execute(args)
		done <- outcome{r, err}
	}()

	select {
	case <-ctx.Done():
		return godartsass.Result{}, ctx.Err()
	case o := <-done:
		return o.result, o.err
	}
}

// sassError turns compiler diagnostics into a located transform error. The
// compiler reports a byte offset and a zero-based column; the line is
// counted from the offending file's contents.
func sassError(file *task.File, sourceURL string, sassErr godartsass.SassError) *errors.PipelineError {
	message := strings.TrimSpace(sassErr.Message)
	if message == "" {
		message = "sass compilation failed"
	}
	pe := errors.NewTransformError(errors.ErrCodeCompileFailed, message, nil)

	span := sassErr.Span
	location, contents := file.Source, file.Contents
	if span.Url != "" && span.Url != sourceURL {
		location = filePath(span.Url)
		contents, _ = os.ReadFile(location)
	}
	if span.Url == "" && span.Start.Offset == 0 && span.Start.Column == 0 {
		return pe.WithLocation(location, 0, 0)
	}

	line := 0
	if contents != nil && span.Start.Offset <= len(contents) {
		line = bytes.Count(contents[:span.Start.Offset], []byte("\n")) + 1
	}
	return pe.WithLocation(location, line, span.Start.Column+1)
}

// fileURL is the file: URL the compiler resolves relative imports from.
func fileURL(name string) string {
	abs, err := filepath.Abs(name)
	if err != nil {
		abs = name
	}
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(abs)}).String()
}

// filePath turns a file: URL back into a path, relative to the working
// directory when possible.
func filePath(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme != "file" {
		return rawURL
	}
	p := filepath.FromSlash(u.Path)
	if cwd, err := os.Getwd(); err == nil {
		if rel, err := filepath.Rel(cwd, p); err == nil && !strings.HasPrefix(rel, "..") {
			return rel
		}
	}
	return p
}
