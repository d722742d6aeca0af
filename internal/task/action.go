package task

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/spf13/afero"

	"github.com/conneroisu/sitepipe/internal/errors"
	"github.com/conneroisu/sitepipe/internal/logging"
)

// ActionFunc is the side effect an ActionTask performs.
type ActionFunc func(ctx context.Context) error

// ActionTask performs a side effect with no per-file stream, such as
// deleting a directory tree.
type ActionTask struct {
	name   string
	action ActionFunc
	logger logging.Logger
}

// NewAction creates an action task.
func NewAction(name string, action ActionFunc, logger logging.Logger) *ActionTask {
	if logger == nil {
		logger = logging.Discard()
	}
	return &ActionTask{
		name:   name,
		action: action,
		logger: logger.WithComponent(name),
	}
}

// Name implements Task.
func (t *ActionTask) Name() string {
	return t.name
}

// Run implements Task. Errors that are not already classified are reported
// as filesystem failures.
func (t *ActionTask) Run(ctx context.Context) Result {
	start := time.Now()
	op := logging.StartOperation(t.logger, t.name)

	result := FromError(t.name, start, t.action(ctx))
	if result.Err != nil {
		op.EndWithError(ctx, result.Err, "Failed", "status", result.Status.String())
	} else {
		op.End(ctx, "Finished")
	}
	return result
}

// Clean returns an action that deletes every path in paths. Paths may be
// globs; a path that does not exist is not an error.
func Clean(fsys afero.Fs, paths ...string) ActionFunc {
	return func(ctx context.Context) error {
		for _, p := range paths {
			if err := ctx.Err(); err != nil {
				return err
			}

			targets := []string{filepath.Clean(p)}
			if strings.ContainsAny(p, "*?[{") {
				matches, err := doublestar.Glob(afero.NewIOFS(fsys), filepath.ToSlash(filepath.Clean(p)))
				if err != nil {
					return errors.NewConfigError(errors.ErrCodeConfigInvalid, fmt.Sprintf("bad clean pattern %q: %v", p, err))
				}
				targets = matches
			}

			for _, target := range targets {
				if target == "." || target == "" {
					return errors.NewConfigError(errors.ErrCodeConfigInvalid, "refusing to delete the project root")
				}
				if err := fsys.RemoveAll(target); err != nil {
					return errors.NewFilesystemError("failed to delete "+target, err)
				}
			}
		}
		return nil
	}
}
