package bundle

import (
	"context"
	stderrors "errors"
	"sync"
	"time"

	"github.com/conneroisu/sitepipe/internal/errors"
	"github.com/conneroisu/sitepipe/internal/logging"
	"github.com/conneroisu/sitepipe/internal/notify"
	"github.com/conneroisu/sitepipe/internal/task"
)

// ScriptsTask runs every bundle job concurrently and completes once the
// last of them has finished.
type ScriptsTask struct {
	name     string
	jobs     []Job
	bundler  Bundler
	notifier notify.Notifier
	logger   logging.Logger
}

// NewScriptsTask creates the scripts task.
func NewScriptsTask(name string, jobs []Job, bundler Bundler, notifier notify.Notifier, logger logging.Logger) *ScriptsTask {
	if logger == nil {
		logger = logging.Discard()
	}
	if notifier == nil {
		notifier = notify.Discard
	}
	return &ScriptsTask{
		name:     name,
		jobs:     jobs,
		bundler:  bundler,
		notifier: notifier,
		logger:   logger.WithComponent("bundle"),
	}
}

// Name implements task.Task.
func (t *ScriptsTask) Name() string {
	return t.name
}

// Run implements task.Task by building every bundle.
func (t *ScriptsTask) Run(ctx context.Context) task.Result {
	return t.run(ctx, func(ctx context.Context, job Job) (bool, error) {
		return true, t.bundler.Bundle(ctx, job)
	})
}

// RunChanged implements task.ChangeAware by rebuilding only the bundles
// that read one of paths.
func (t *ScriptsTask) RunChanged(ctx context.Context, paths []string) task.Result {
	return t.run(ctx, func(ctx context.Context, job Job) (bool, error) {
		return t.bundler.Rebuild(ctx, job, paths)
	})
}

type buildFunc func(ctx context.Context, job Job) (bool, error)

func (t *ScriptsTask) run(ctx context.Context, build buildFunc) task.Result {
	start := time.Now()
	if len(t.jobs) == 0 {
		return task.FromError(t.name, start, nil)
	}

	counter := NewCounter(len(t.jobs))
	done := make(chan struct{})

	var (
		mutex      sync.Mutex
		firstSoft  error
		firstFatal error
	)

	for _, job := range t.jobs {
		go func(job Job) {
			err := t.bundle(ctx, job, build)

			if err != nil {
				mutex.Lock()
				if errors.IsRecoverable(err) {
					if firstSoft == nil {
						firstSoft = err
					}
				} else if firstFatal == nil {
					firstFatal = err
				}
				mutex.Unlock()
			}

			if counter.Done() {
				close(done)
			}
		}(job)
	}

	select {
	case <-done:
	case <-ctx.Done():
		return task.FromError(t.name, start, ctx.Err())
	}

	mutex.Lock()
	defer mutex.Unlock()
	if firstFatal != nil {
		return task.FromError(t.name, start, firstFatal)
	}
	return task.FromError(t.name, start, firstSoft)
}

// bundle builds one job, logging its timing and reporting transform
// failures through the notifier.
func (t *ScriptsTask) bundle(ctx context.Context, job Job, build buildFunc) error {
	logger := t.logger.With("bundle", job.OutputName)
	op := logging.StartOperation(logger, "bundle")
	logger.Debug(ctx, "Bundling", "entry", job.Entry)

	rebuilt, err := build(ctx, job)
	if err == nil {
		if rebuilt {
			op.End(ctx, "Bundled", "output", job.Output())
		}
		return nil
	}

	var pe *errors.PipelineError
	if !stderrors.As(err, &pe) {
		if ctx.Err() != nil {
			return err
		}
		pe = errors.NewInternalError(errors.ErrCodeBundleFailed, "bundle failed", err)
	}
	pe = pe.WithTask(t.name)
	if pe.FilePath == "" {
		pe = pe.WithLocation(job.Entry, 0, 0)
	}

	op.EndWithError(ctx, pe, "Bundle failed")
	if pe.Recoverable {
		if nerr := t.notifier.NotifyError(ctx, pe); nerr != nil {
			logger.Warn(ctx, nerr, "Failed to deliver notification")
		}
	}
	return pe
}
