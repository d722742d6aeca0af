package pipeline

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/conneroisu/sitepipe/internal/bundle"
	"github.com/conneroisu/sitepipe/internal/config"
	"github.com/conneroisu/sitepipe/internal/logging"
	"github.com/conneroisu/sitepipe/internal/notify"
	"github.com/conneroisu/sitepipe/internal/task"
	"github.com/conneroisu/sitepipe/internal/transform"
)

// Deps are the collaborators the standard tasks are built with.
type Deps struct {
	Fs       afero.Fs
	Notifier notify.Notifier
	Logger   logging.Logger
	// Bundler builds the script bundles.
	Bundler bundle.Bundler
	// Sass compiles stylesheets. Nil starts the configured Dart Sass
	// compiler on first use.
	Sass transform.SassCompiler
}

// NewRegistry builds every standard task from cfg. The build mode of cfg
// selects source maps, minification and the strictness of the tasks.
func NewRegistry(cfg *config.Config, deps Deps) (*task.Registry, error) {
	if deps.Fs == nil {
		deps.Fs = afero.NewOsFs()
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.Discard
	}
	if deps.Logger == nil {
		deps.Logger = logging.Discard()
	}
	if deps.Bundler == nil {
		b, err := bundle.NewESBuild(deps.Fs, cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create bundler: %w", err)
		}
		deps.Bundler = b
	}

	b := &builder{cfg: cfg, deps: deps}
	tasks := []task.Task{
		task.NewAction(config.TaskClean, task.Clean(deps.Fs, cfg.Clean.Src...), deps.Logger),
		b.copy(config.TaskTemplates, cfg.Templates),
		task.Full(b.styles()),
		bundle.NewScriptsTask(config.TaskScripts, bundle.JobsFromConfig(cfg.Scripts), deps.Bundler, deps.Notifier, deps.Logger),
		b.stream(config.TaskLint, cfg.Lint, false, transform.JSLint{}),
		b.copy(config.TaskImages, cfg.Images),
		b.copy(config.TaskFonts, cfg.Fonts),
		b.copy(config.TaskExtras, cfg.Extras),
		task.NewAction(config.TaskSprites, b.sprites().Run, deps.Logger),
		b.inline(),
		b.stream(config.TaskOptimizeStyles, cfg.Optimize.CSS, false, transform.NewMinifier(false)),
		b.stream(config.TaskOptimizeScripts, cfg.Optimize.JS, false, transform.NewMinifier(false)),
		b.stream(config.TaskOptimizeImages, cfg.Optimize.Images, false, &transform.ImageOptimizer{
			Level:       cfg.Optimize.Images.Int("optimization_level", 3),
			JPEGQuality: cfg.Optimize.Images.Int("jpeg_quality", 0),
		}),
		b.stream(config.TaskOptimizeHTML, cfg.Optimize.HTML, false,
			transform.NewMinifier(cfg.Optimize.HTML.Bool("collapse_whitespace", true))),
		b.copy(config.TaskCopyFonts, cfg.CopyFonts),
		task.NewAction(config.TaskRevision, b.revision().Run, deps.Logger),
	}

	registry := task.NewRegistry()
	for _, t := range tasks {
		if err := registry.Register(t); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

type builder struct {
	cfg  *config.Config
	deps Deps
}

func (b *builder) stream(name string, spec config.TaskSpec, changed bool, stages ...task.Stage) *task.StreamTask {
	return task.NewStream(name, b.deps.Fs, task.StreamOptions{
		Src:      spec.Src,
		Base:     spec.Base,
		Dest:     spec.Dest,
		Stages:   stages,
		Changed:  changed,
		Notifier: b.deps.Notifier,
		Logger:   b.deps.Logger,
	})
}

// copy is a stream with no stages, skipping unchanged files when the
// unchanged filter is enabled.
func (b *builder) copy(name string, spec config.TaskSpec) *task.StreamTask {
	return b.stream(name, spec, b.cfg.Build.Changed)
}

func (b *builder) styles() *task.StreamTask {
	spec := b.cfg.Styles
	compiler := b.deps.Sass
	if compiler == nil {
		compiler = transform.NewDartSass(spec.String("compiler", "sass"), b.deps.Logger)
	}
	sass := &transform.Sass{
		Compiler:   compiler,
		LoadPaths:  spec.Strings("load_paths", nil),
		SourceMaps: b.cfg.SourceMaps(),
	}
	prefixer := transform.NewPrefixer(b.cfg.Autoprefixer.Targets, b.cfg.SourceMaps())
	return b.stream(config.TaskStyles, spec, false, sass, prefixer)
}

func (b *builder) inline() *task.StreamTask {
	spec := b.cfg.Inline
	inliner := &transform.DataURIInliner{
		Fs:         b.deps.Fs,
		BaseDir:    spec.String("base_dir", "build"),
		Extensions: spec.Strings("extensions", []string{"png"}),
		MaxSize:    spec.Int("max_image_size", 20*1024),
		Logger:     b.deps.Logger.WithComponent(config.TaskInlineAssets),
	}
	return b.stream(config.TaskInlineAssets, spec, false, inliner)
}

func (b *builder) sprites() *transform.SpriteSheet {
	spec := b.cfg.Sprites
	return &transform.SpriteSheet{
		Fs:        b.deps.Fs,
		Src:       spec.Src,
		ImageDest: spec.Dest,
		ImageName: spec.String("img_name", "icon-sprite.png"),
		ImageURL:  spec.String("img_path", "/assets/images/sprites/icon-sprite.png"),
		CSSDest:   spec.String("css_dest", filepath.Join("app", "assets", "sass", "base")),
		CSSName:   spec.String("css_name", "_sprites.scss"),
		Notifier:  b.deps.Notifier,
	}
}

func (b *builder) revision() *transform.Revisioner {
	spec := b.cfg.Revision
	return &transform.Revisioner{
		Fs:       b.deps.Fs,
		Assets:   spec.Src,
		Base:     spec.Base,
		Manifest: spec.String("manifest", filepath.Join(spec.Dest, "assets", "manifest.json")),
		Collect:  spec.Strings("collect", nil),
	}
}
