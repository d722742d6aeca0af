// Package bundle builds the configured script bundles.
//
// One-shot builds embed each bundle's required dependencies and expose them
// through a global module table; dependencies declared external are left out
// and looked up in that table at runtime. Incremental builds, used while
// watching, drop that split: every bundle carries all of its dependencies
// and keeps an esbuild context alive so a change re-emits only the bundles
// that read the changed file.
package bundle

import (
	"path/filepath"
	"sync/atomic"

	"github.com/conneroisu/sitepipe/internal/config"
)

// Job describes one bundle.
type Job struct {
	Entry      string
	Dest       string
	OutputName string
	// Require lists dependencies embedded and exposed to other bundles.
	Require []string
	// External lists dependencies provided at runtime by another bundle.
	External []string
	// Extensions are additional source extensions, loaded as text.
	Extensions []string
	// Debug emits inline source maps in development.
	Debug bool
}

// Output returns the path the bundle is written to.
func (j Job) Output() string {
	return filepath.Join(j.Dest, j.OutputName)
}

// JobsFromConfig returns one job per configured bundle, in declared order.
func JobsFromConfig(cfg config.ScriptsConfig) []Job {
	jobs := make([]Job, 0, len(cfg.Bundles))
	for _, b := range cfg.Bundles {
		jobs = append(jobs, Job{
			Entry:      b.Entry,
			Dest:       b.Dest,
			OutputName: b.OutputName,
			Require:    append([]string(nil), b.Require...),
			External:   append([]string(nil), b.External...),
			Extensions: append([]string(nil), cfg.Extensions...),
			Debug:      cfg.Debug,
		})
	}
	return jobs
}

// Counter tracks the bundles of one scripts run that have not finished.
// It is shared by every job of the run.
type Counter struct {
	remaining atomic.Int64
}

// NewCounter creates a counter for n bundles.
func NewCounter(n int) *Counter {
	c := &Counter{}
	c.remaining.Store(int64(n))
	return c
}

// Done records one finished bundle. It returns true exactly once, for the
// call that takes the counter from 1 to 0.
func (c *Counter) Done() bool {
	return c.remaining.Add(-1) == 0
}

// Remaining returns the number of bundles still running.
func (c *Counter) Remaining() int {
	n := c.remaining.Load()
	if n < 0 {
		return 0
	}
	return int(n)
}
