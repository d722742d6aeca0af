package transform

import (
	"context"
	stderrors "errors"
	"regexp"

	"github.com/tdewolff/minify/v2"
	"github.com/tdewolff/minify/v2/css"
	"github.com/tdewolff/minify/v2/html"
	"github.com/tdewolff/minify/v2/js"
	"github.com/tdewolff/parse/v2"

	"github.com/conneroisu/sitepipe/internal/errors"
	"github.com/conneroisu/sitepipe/internal/task"
)

var mediaTypes = map[string]string{
	".css":  "text/css",
	".js":   "application/javascript",
	".mjs":  "application/javascript",
	".html": "text/html",
	".htm":  "text/html",
}

// Minifier minifies CSS, JavaScript and HTML files. Other files pass
// through.
type Minifier struct {
	m *minify.M
}

// NewMinifier creates a minifier. collapseWhitespace controls whether
// whitespace between HTML elements is collapsed.
func NewMinifier(collapseWhitespace bool) *Minifier {
	m := minify.New()
	m.AddFunc("text/css", css.Minify)
	m.AddFuncRegexp(regexp.MustCompile(`^(application|text)/(x-)?(java|ecma)script$`), js.Minify)
	m.Add("text/html", &html.Minifier{
		KeepDocumentTags: true,
		KeepEndTags:      true,
		KeepQuotes:       true,
		KeepWhitespace:   !collapseWhitespace,
	})

	return &Minifier{m: m}
}

// Process implements task.Stage.
func (mn *Minifier) Process(ctx context.Context, file *task.File) error {
	mediaType, ok := mediaTypes[file.Ext()]
	if !ok {
		return nil
	}

	out, err := mn.m.Bytes(mediaType, file.Contents)
	if err != nil {
		pe := errors.NewTransformError(errors.ErrCodeCompileFailed, "minification failed", err)
		var perr *parse.Error
		if stderrors.As(err, &perr) {
			pe.Message = perr.Message
			pe.Cause = nil
			return pe.WithLocation(file.Source, perr.Line, perr.Column)
		}
		return pe.WithLocation(file.Source, 0, 0)
	}

	file.Contents = out
	return nil
}
