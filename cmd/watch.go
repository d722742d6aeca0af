package cmd

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/conneroisu/sitepipe/internal/bundle"
	"github.com/conneroisu/sitepipe/internal/config"
	"github.com/conneroisu/sitepipe/internal/errors"
	"github.com/conneroisu/sitepipe/internal/logging"
	"github.com/conneroisu/sitepipe/internal/notify"
	"github.com/conneroisu/sitepipe/internal/pipeline"
	"github.com/conneroisu/sitepipe/internal/server"
	"github.com/conneroisu/sitepipe/internal/transform"
	"github.com/conneroisu/sitepipe/internal/watcher"
	"github.com/conneroisu/sitepipe/internal/websocket"
)

var watchCmd = &cobra.Command{
	Use:     "watch",
	Aliases: []string{"w", "serve"},
	Short:   "Build, serve with live reload, and rebuild on change (default)",
	Long: `Run the development build, start the live-reload server once it
finishes, then re-run the bound tasks whenever a watched source changes.

Bundles are rebuilt incrementally. Source files that fail to compile are
reported in the terminal and in the browser; the watcher keeps running.

With --production the optimized build runs once and the production output
is served without watching.

Examples:
  sitepipe                       # Same as sitepipe watch
  sitepipe watch --port 3000     # Serve on another port
  sitepipe -p                    # Production build and preview`,
	Args: cobra.NoArgs,
	RunE: runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)

	watchCmd.Flags().String("host", "", "server host (overrides server.host)")
	watchCmd.Flags().Int("port", 0, "server port (overrides the mode's server port)")
}

// bindServerFlags lets --host and --port override the configuration file.
func bindServerFlags(flags *pflag.FlagSet, mode config.Mode) {
	if f := flags.Lookup("host"); f != nil && f.Changed {
		viper.Set("server.host", f.Value.String())
	}
	if f := flags.Lookup("port"); f != nil && f.Changed {
		viper.Set(fmt.Sprintf("server.%s.port", mode), f.Value.String())
	}
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext(cmd.Context())
	defer stop()

	bindServerFlags(cmd.Flags(), currentMode())

	cfg, logger, err := setup(cmd.ErrOrStderr())
	if err != nil {
		return err
	}

	s, err := newWatchSession(cfg, logger, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer s.close()

	err = s.run(ctx)
	if stderrors.Is(err, context.Canceled) || stderrors.Is(err, pipeline.ErrBuildCancelled) {
		return nil
	}
	return err
}

// watchSession wires the build, the server and the watcher of one watch
// command.
type watchSession struct {
	cfg       *config.Config
	logger    logging.Logger
	fs        afero.Fs
	hub       *websocket.Hub
	collector *errors.ErrorCollector
	notifier  notify.Notifier
	bundler   bundle.Bundler
	sass      *transform.DartSass
	deps      pipeline.Deps
}

func newWatchSession(cfg *config.Config, logger logging.Logger, console io.Writer) (*watchSession, error) {
	s := &watchSession{
		cfg:       cfg,
		logger:    logger,
		fs:        afero.NewOsFs(),
		collector: errors.NewErrorCollector(),
	}

	notifiers := notify.Multi{notify.NewConsole(console), notify.Collect(s.collector)}

	// Watch mode bundles incrementally; shared and external dependency lists
	// only apply to one-shot builds.
	var bundlerOpts []bundle.ESBuildOption
	if cfg.ShouldWatch() {
		s.hub = websocket.NewHub(
			websocket.WithLogger(logger),
			websocket.WithOriginPatterns(originPatterns(cfg)...),
		)
		notifiers = append(notifiers, s.hub)
		bundlerOpts = append(bundlerOpts, bundle.Incremental())
	}
	s.notifier = notifiers

	bundler, err := bundle.NewESBuild(s.fs, cfg, bundlerOpts...)
	if err != nil {
		return nil, err
	}
	s.bundler = bundler
	s.sass = newSass(cfg, logger)

	s.deps = pipeline.Deps{
		Fs:       s.fs,
		Notifier: s.notifier,
		Logger:   logger,
		Bundler:  bundler,
		Sass:     s.sass,
	}
	return s, nil
}

func (s *watchSession) run(ctx context.Context) error {
	registry, err := pipeline.NewRegistry(s.cfg, s.deps)
	if err != nil {
		return err
	}

	var controller *watcher.Controller
	if s.cfg.ShouldWatch() {
		controller, err = watcher.NewController(registry, watcher.BindingsFromConfig(s.cfg.Watch), s.hub,
			watcher.WithNotifier(s.notifier),
			watcher.WithLogger(s.logger),
			watcher.WithCollector(s.collector),
			watcher.WithStrict(s.cfg.Strict()),
		)
		if err != nil {
			return err
		}
	}

	opts := []server.Option{
		server.WithFs(s.fs),
		server.WithCollector(s.collector),
		server.WithLogger(s.logger),
	}
	if s.hub != nil {
		opts = append(opts, server.WithHub(s.hub))
	}
	srv := server.New(s.cfg.Server.Host, s.cfg.ServerInstance(), opts...)

	g, gctx := errgroup.WithContext(ctx)

	// The server and the watcher start only after a build that finished.
	onDone := func(summary pipeline.Summary) {
		if summary.State != pipeline.StateDone {
			return
		}
		g.Go(func() error { return srv.Start(gctx) })
		if controller != nil {
			g.Go(func() error { return s.watch(gctx, controller) })
		}
	}

	if _, err := newSequencer(s.cfg, registry, s.logger).Run(gctx, pipeline.PlanFor(s.cfg), onDone); err != nil {
		return err
	}

	return g.Wait()
}

// watch feeds debounced file changes to the controller until ctx is done.
func (s *watchSession) watch(ctx context.Context, controller *watcher.Controller) error {
	fw, err := watcher.NewFileWatcher(s.cfg.Build.Debounce, s.logger)
	if err != nil {
		return err
	}
	defer fw.Stop()

	fw.AddFilter(watcher.NoGitFilter)
	fw.AddFilter(watcher.NoNodeModulesFilter)
	fw.AddFilter(watcher.NoEditorFilter)

	root, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("getting current directory: %w", err)
	}
	fw.AddHandler(controller.Handler(root))

	roots := watcher.WatchRoots(controller.Bindings())
	for _, dir := range roots {
		if err := fw.AddRecursive(dir); err != nil {
			return fmt.Errorf("failed to watch %s: %w", dir, err)
		}
	}

	if err := fw.Start(ctx); err != nil {
		return err
	}
	s.logger.Info(ctx, "Watching for changes", "dirs", roots, "bindings", len(controller.Bindings()))

	<-ctx.Done()
	return nil
}

func (s *watchSession) close() {
	if s.hub != nil {
		s.hub.Shutdown()
	}
	closeBundler(s.bundler, s.logger)
	closeSass(s.sass, s.logger)
}

// originPatterns allows the reload socket from pages served on the
// configured host and port, under either loopback name.
func originPatterns(cfg *config.Config) []string {
	port := strconv.Itoa(cfg.ServerInstance().Port)
	patterns := []string{
		net.JoinHostPort("localhost", port),
		net.JoinHostPort("127.0.0.1", port),
	}
	if host := cfg.Server.Host; host != "" && host != "localhost" && host != "127.0.0.1" {
		patterns = append(patterns, net.JoinHostPort(host, port))
	}
	return patterns
}
