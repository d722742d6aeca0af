// Package notify carries build failures and reload requests to the user:
// the console, the browser overlay, and the dev server's error page.
package notify

import (
	"context"

	"github.com/conneroisu/sitepipe/internal/errors"
)

// Notifier reports a classified failure to the user. Implementations must be
// safe for concurrent use; tasks in one phase notify in parallel.
//
//go:generate mockgen -source=notify.go -destination=mocks/mock_notify.go -package=mocks
type Notifier interface {
	NotifyError(ctx context.Context, err *errors.PipelineError) error
}

// Scope selects what connected clients refresh.
type Scope string

const (
	// ScopePage reloads the whole page.
	ScopePage Scope = "reload"
	// ScopeCSS swaps stylesheets in place.
	ScopeCSS Scope = "css"
)

// Reloader broadcasts a reload to connected development clients. It is fire
// and forget: clients that miss a broadcast pick up the next one.
type Reloader interface {
	Reload(ctx context.Context, scope Scope) error
}

// Func adapts a function to the Notifier interface.
type Func func(ctx context.Context, err *errors.PipelineError) error

// NotifyError calls f.
func (f Func) NotifyError(ctx context.Context, err *errors.PipelineError) error {
	return f(ctx, err)
}

// Multi fans one notification out to several notifiers. Every notifier is
// called; the first error is returned.
type Multi []Notifier

// NotifyError implements Notifier.
func (m Multi) NotifyError(ctx context.Context, err *errors.PipelineError) error {
	var first error
	for _, n := range m {
		if n == nil {
			continue
		}
		if nerr := n.NotifyError(ctx, err); nerr != nil && first == nil {
			first = nerr
		}
	}
	return first
}

// Collect records every notification in an ErrorCollector.
func Collect(ec *errors.ErrorCollector) Notifier {
	return Func(func(_ context.Context, err *errors.PipelineError) error {
		ec.Add(err)
		return nil
	})
}

// Discard drops every notification.
var Discard Notifier = Func(func(context.Context, *errors.PipelineError) error { return nil })
