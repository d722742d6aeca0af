package transform

import (
	"context"
	stderrors "errors"

	"github.com/tdewolff/parse/v2"
	"github.com/tdewolff/parse/v2/js"

	"github.com/conneroisu/sitepipe/internal/errors"
	"github.com/conneroisu/sitepipe/internal/task"
)

// JSLint checks that JavaScript sources parse. It never writes output:
// every file leaves the stream, and a file with a syntax error fails with a
// located transform error.
type JSLint struct{}

// Process implements task.Stage.
func (JSLint) Process(ctx context.Context, file *task.File) error {
	switch file.Ext() {
	case ".js", ".mjs", ".cjs":
	default:
		return task.ErrDropFile
	}

	if _, err := js.Parse(parse.NewInputBytes(file.Contents), js.Options{}); err != nil {
		pe := errors.NewTransformError(errors.ErrCodeCompileFailed, "syntax error", err)
		var perr *parse.Error
		if stderrors.As(err, &perr) {
			pe.Message = perr.Message
			pe.Cause = nil
			return pe.WithLocation(file.Source, perr.Line, perr.Column)
		}
		return pe.WithLocation(file.Source, 0, 0)
	}
	return task.ErrDropFile
}
