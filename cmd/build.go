package cmd

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/conneroisu/sitepipe/internal/bundle"
	"github.com/conneroisu/sitepipe/internal/notify"
	"github.com/conneroisu/sitepipe/internal/pipeline"
	"github.com/conneroisu/sitepipe/internal/task"
)

var buildCmd = &cobra.Command{
	Use:     "build",
	Aliases: []string{"b"},
	Short:   "Run the build once and exit",
	Long: `Run every task of the build plan once and exit.

Development builds clean the output, then run templates, styles, scripts,
images, fonts and extras in parallel, then inline small images. Production
builds add optimization, font copying and revisioning phases.

Exit status is non-zero when the build halts or is cancelled.

Examples:
  sitepipe build                    # Development build
  sitepipe build --production       # Optimized, revisioned build
  sitepipe build --no-strict -p     # Production build that tolerates bad sources
  sitepipe build --timeout 2m       # Give up after two minutes`,
	Args: cobra.NoArgs,
	RunE: runBuild,
}

var (
	buildStrict   bool
	buildNoStrict bool
	buildTimeout  time.Duration
)

func init() {
	rootCmd.AddCommand(buildCmd)

	buildCmd.Flags().BoolVar(&buildStrict, "strict", false, "halt on source files that fail to compile")
	buildCmd.Flags().BoolVar(&buildNoStrict, "no-strict", false, "report source files that fail to compile and keep going")
	buildCmd.Flags().DurationVar(&buildTimeout, "timeout", 0, "cancel the build after this long (0 means no limit)")
	buildCmd.MarkFlagsMutuallyExclusive("strict", "no-strict")
}

func runBuild(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext(cmd.Context())
	defer stop()

	cfg, logger, err := setup(cmd.ErrOrStderr())
	if err != nil {
		return err
	}

	switch {
	case buildStrict:
		strict := true
		cfg.Build.Strict = &strict
	case buildNoStrict:
		strict := false
		cfg.Build.Strict = &strict
	}

	if buildTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, buildTimeout)
		defer cancel()
	}

	fs := afero.NewOsFs()
	bundler, err := bundle.NewESBuild(fs, cfg)
	if err != nil {
		return err
	}
	defer closeBundler(bundler, logger)

	sass := newSass(cfg, logger)
	defer closeSass(sass, logger)

	console := notify.NewConsole(cmd.ErrOrStderr())
	registry, err := pipeline.NewRegistry(cfg, pipeline.Deps{
		Fs:       fs,
		Notifier: console,
		Logger:   logger,
		Bundler:  bundler,
		Sass:     sass,
	})
	if err != nil {
		return err
	}

	summary, err := newSequencer(cfg, registry, logger).Run(ctx, pipeline.PlanFor(cfg), nil)
	printSummary(cmd.OutOrStdout(), summary)
	if err != nil {
		return err
	}

	console.Success(fmt.Sprintf("%s build finished in %s", cfg.Mode, summary.Duration.Round(time.Millisecond)))
	return nil
}

var (
	summaryName   = lipgloss.NewStyle().Width(18)
	summaryTiming = lipgloss.NewStyle().Foreground(notify.Slate)
	summaryStatus = map[task.Status]lipgloss.Style{
		task.StatusSucceeded: lipgloss.NewStyle().Foreground(notify.Green),
		task.StatusEnded:     lipgloss.NewStyle().Foreground(notify.Yellow),
		task.StatusFailed:    lipgloss.NewStyle().Foreground(notify.Red),
		task.StatusTimedOut:  lipgloss.NewStyle().Foreground(notify.Red),
		task.StatusCancelled: lipgloss.NewStyle().Foreground(notify.Slate),
	}
)

// printSummary writes one line per task result, in completion order.
func printSummary(out io.Writer, summary pipeline.Summary) {
	for _, r := range summary.Results {
		icon := notify.Check
		if !r.OK() {
			icon = notify.Cross
		}

		line := summaryStatus[r.Status].Render(icon) + " " + summaryName.Render(r.Task) +
			summaryTiming.Render(r.Duration.Round(time.Millisecond).String())
		if r.Written > 0 || r.Skipped > 0 {
			line += summaryTiming.Render(fmt.Sprintf("  %d written, %d unchanged", r.Written, r.Skipped))
		}
		if !r.OK() {
			line += " " + summaryStatus[r.Status].Render(r.Status.String())
		}
		fmt.Fprintln(out, line)
	}
}
