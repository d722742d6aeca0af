package transform

import (
	"context"
	"sort"
	"strings"

	"github.com/evanw/esbuild/pkg/api"

	"github.com/conneroisu/sitepipe/internal/errors"
	"github.com/conneroisu/sitepipe/internal/task"
)

var engineNames = map[string]api.EngineName{
	"chrome":  api.EngineChrome,
	"edge":    api.EngineEdge,
	"firefox": api.EngineFirefox,
	"ie":      api.EngineIE,
	"ios":     api.EngineIOS,
	"opera":   api.EngineOpera,
	"safari":  api.EngineSafari,
}

// Prefixer adds vendor prefixes to CSS for the configured browser engines.
type Prefixer struct {
	engines    []api.Engine
	sourceMaps bool
}

// NewPrefixer builds a prefixer from engine name to minimum version.
// Unknown engine names are ignored.
func NewPrefixer(targets map[string]string, sourceMaps bool) *Prefixer {
	names := make([]string, 0, len(targets))
	for name := range targets {
		names = append(names, name)
	}
	sort.Strings(names)

	engines := make([]api.Engine, 0, len(names))
	for _, name := range names {
		engine, ok := engineNames[strings.ToLower(name)]
		if !ok {
			continue
		}
		engines = append(engines, api.Engine{Name: engine, Version: targets[name]})
	}

	return &Prefixer{engines: engines, sourceMaps: sourceMaps}
}

// Process implements task.Stage.
func (p *Prefixer) Process(ctx context.Context, file *task.File) error {
	if file.Ext() != ".css" {
		return nil
	}

	opts := api.TransformOptions{
		Loader:     api.LoaderCSS,
		Engines:    p.engines,
		Sourcefile: file.Source,
		LogLevel:   api.LogLevelSilent,
	}
	if p.sourceMaps {
		opts.Sourcemap = api.SourceMapInline
	}

	result := api.Transform(string(file.Contents), opts)
	if len(result.Errors) > 0 {
		return messageError(file.Source, result.Errors[0])
	}

	file.Contents = result.Code
	return nil
}

// messageError converts an esbuild diagnostic into a located transform error.
func messageError(source string, msg api.Message) *errors.PipelineError {
	pe := errors.NewTransformError(errors.ErrCodeCompileFailed, msg.Text, nil)
	if msg.Location != nil {
		file := msg.Location.File
		if file == "" {
			file = source
		}
		return pe.WithLocation(file, msg.Location.Line, msg.Location.Column)
	}
	return pe.WithLocation(source, 0, 0)
}
