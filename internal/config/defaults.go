package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Task names known to the configuration store. Watch bindings may only
// reference these.
const (
	TaskClean           = "clean"
	TaskTemplates       = "templates"
	TaskStyles          = "styles"
	TaskScripts         = "scripts"
	TaskLint            = "lint"
	TaskImages          = "images"
	TaskFonts           = "fonts"
	TaskExtras          = "extras"
	TaskSprites         = "sprites"
	TaskInlineAssets    = "inline-assets"
	TaskOptimizeStyles  = "optimize-styles"
	TaskOptimizeScripts = "optimize-scripts"
	TaskOptimizeImages  = "optimize-images"
	TaskOptimizeHTML    = "optimize-html"
	TaskCopyFonts       = "copy-fonts"
	TaskRevision        = "revision"
)

// TaskNames lists every task name in registry order.
var TaskNames = []string{
	TaskClean,
	TaskTemplates,
	TaskStyles,
	TaskScripts,
	TaskLint,
	TaskImages,
	TaskFonts,
	TaskExtras,
	TaskSprites,
	TaskInlineAssets,
	TaskOptimizeStyles,
	TaskOptimizeScripts,
	TaskOptimizeImages,
	TaskOptimizeHTML,
	TaskCopyFonts,
	TaskRevision,
}

// Project layout.
const (
	srcDir            = "app"
	buildDir          = "build"
	developmentDir    = "build/development"
	productionDir     = "build/production"
	srcAssets         = "app/assets"
	developmentAssets = "build/assets"
	productionAssets  = "build/production/assets"
)

// DefaultConfig returns the configuration used when no file overrides it.
// The layout keeps sources under app/ and writes to build/.
func DefaultConfig() *Config {
	return &Config{
		Mode: ModeDevelopment,
		Server: ServerConfig{
			Host: "localhost",
			Development: ServerInstance{
				Port:     9999,
				BaseDirs: []string{developmentDir, buildDir, srcDir},
			},
			Production: ServerInstance{
				Port:     9998,
				BaseDirs: []string{productionDir},
			},
		},
		Clean: TaskSpec{
			Src: []string{developmentAssets, developmentDir, productionDir},
		},
		Styles: TaskSpec{
			Src:  []string{srcAssets + "/sass/**/*.{sass,scss,css}"},
			Dest: developmentAssets + "/css",
			Base: srcAssets + "/sass",
			Options: map[string]interface{}{
				"compiler":   "sass",
				"load_paths": []string{srcAssets + "/sass"},
			},
		},
		Autoprefixer: AutoprefixerConfig{
			Targets: map[string]string{
				"chrome":  "20",
				"firefox": "24",
				"ie":      "8",
				"ios":     "6",
				"opera":   "12",
				"safari":  "6",
			},
		},
		Scripts: ScriptsConfig{
			Debug:      true,
			Extensions: []string{".hbs"},
			Bundles: []BundleConfig{
				{
					Entry:      srcAssets + "/js/global.js",
					Dest:       developmentAssets + "/js",
					OutputName: "global.js",
					Require:    []string{"jquery", "lodash"},
				},
				{
					Entry:      srcAssets + "/js/home-page.js",
					Dest:       developmentAssets + "/js",
					OutputName: "home-page.js",
					External:   []string{"jquery", "lodash"},
				},
			},
		},
		Lint: TaskSpec{
			Src: []string{srcAssets + "/js/**/*.js"},
		},
		Templates: TaskSpec{
			Src: []string{
				srcDir + "/layouts/**/*",
				srcDir + "/includes/**/*",
				srcDir + "/*.html",
			},
			Dest: developmentDir,
			Base: srcDir,
		},
		Images: TaskSpec{
			Src:  []string{srcAssets + "/images/**/*"},
			Dest: developmentAssets + "/images",
			Base: srcAssets + "/images",
		},
		Fonts: TaskSpec{
			Src:  []string{srcAssets + "/fonts/*"},
			Dest: developmentAssets + "/fonts",
		},
		Extras: TaskSpec{
			Src:  []string{srcDir + "/*.{ico,txt,xml,webmanifest}"},
			Dest: developmentDir,
		},
		Sprites: TaskSpec{
			Src:  []string{srcAssets + "/images/sprites/icon/*.png"},
			Dest: srcAssets + "/images/sprites",
			Options: map[string]interface{}{
				"css_dest": srcAssets + "/sass/base",
				"css_name": "_sprites.scss",
				"img_name": "icon-sprite.png",
				"img_path": "/assets/images/sprites/icon-sprite.png",
			},
		},
		Inline: TaskSpec{
			Src:  []string{developmentAssets + "/css/*.css"},
			Dest: developmentAssets + "/css",
			Options: map[string]interface{}{
				"base_dir":       buildDir,
				"extensions":     []string{"png"},
				"max_image_size": 20 * 1024,
			},
		},
		Optimize: OptimizeConfig{
			CSS: TaskSpec{
				Src:  []string{developmentAssets + "/css/*.css"},
				Dest: productionAssets + "/css",
			},
			JS: TaskSpec{
				Src:  []string{developmentAssets + "/js/**/*.js"},
				Dest: productionAssets + "/js",
			},
			Images: TaskSpec{
				Src:  []string{developmentAssets + "/images/**/*.{jpg,jpeg,png,gif}"},
				Dest: productionAssets + "/images",
			},
			HTML: TaskSpec{
				Src:  []string{developmentDir + "/**/*.html"},
				Dest: productionDir,
				Options: map[string]interface{}{
					"collapse_whitespace": true,
				},
			},
		},
		CopyFonts: TaskSpec{
			Src:  []string{developmentAssets + "/fonts/*"},
			Dest: productionAssets + "/fonts",
		},
		Revision: TaskSpec{
			Src: []string{
				productionAssets + "/css/*.css",
				productionAssets + "/js/**/*.js",
				productionAssets + "/images/**/*",
			},
			Dest: productionDir,
			Base: productionDir,
			Options: map[string]interface{}{
				"manifest": productionAssets + "/manifest.json",
				"collect": []string{
					productionDir + "/**/*.{html,xml,txt,json,css,js}",
					"!" + productionDir + "/feed.xml",
				},
			},
		},
		Watch: []WatchBinding{
			{
				Name: TaskTemplates,
				Patterns: []string{
					srcDir + "/data/**/*.{json,yml,csv}",
					srcDir + "/layouts/**/*.html",
					srcDir + "/includes/**/*.{html,tmpl,xml}",
					srcDir + "/*.html",
				},
				Tasks:  []string{TaskTemplates},
				Reload: true,
			},
			{
				Name:     TaskStyles,
				Patterns: []string{srcAssets + "/sass/**/*.{sass,scss,css}"},
				Tasks:    []string{TaskStyles, TaskInlineAssets},
				Reload:   true,
				CSS:      true,
			},
			{
				Name:     TaskScripts,
				Patterns: []string{srcAssets + "/js/**/*.js"},
				Tasks:    []string{TaskLint, TaskScripts},
				Reload:   true,
			},
			{
				Name:     TaskImages,
				Patterns: []string{srcAssets + "/images/**/*"},
				Tasks:    []string{TaskImages},
				Reload:   true,
			},
			{
				Name:     TaskSprites,
				Patterns: []string{srcAssets + "/images/sprites/icon/*.png"},
				Tasks:    []string{TaskSprites},
			},
		},
		Build: BuildConfig{
			TaskTimeout: 5 * time.Minute,
			Changed:     true,
			Debounce:    300 * time.Millisecond,
		},
	}
}

// applyDefaults fills every field the loaded configuration left empty.
func applyDefaults(config, defaults *Config) {
	if config.Server.Host == "" {
		config.Server.Host = defaults.Server.Host
	}
	applyServerDefaults(&config.Server.Development, defaults.Server.Development)
	applyServerDefaults(&config.Server.Production, defaults.Server.Production)

	applyTaskDefaults(&config.Clean, defaults.Clean)
	applyTaskDefaults(&config.Styles, defaults.Styles)
	applyTaskDefaults(&config.Lint, defaults.Lint)
	applyTaskDefaults(&config.Templates, defaults.Templates)
	applyTaskDefaults(&config.Images, defaults.Images)
	applyTaskDefaults(&config.Fonts, defaults.Fonts)
	applyTaskDefaults(&config.Extras, defaults.Extras)
	applyTaskDefaults(&config.Sprites, defaults.Sprites)
	applyTaskDefaults(&config.Inline, defaults.Inline)
	applyTaskDefaults(&config.Optimize.CSS, defaults.Optimize.CSS)
	applyTaskDefaults(&config.Optimize.JS, defaults.Optimize.JS)
	applyTaskDefaults(&config.Optimize.Images, defaults.Optimize.Images)
	applyTaskDefaults(&config.Optimize.HTML, defaults.Optimize.HTML)
	applyTaskDefaults(&config.CopyFonts, defaults.CopyFonts)
	applyTaskDefaults(&config.Revision, defaults.Revision)

	if len(config.Autoprefixer.Targets) == 0 {
		config.Autoprefixer.Targets = defaults.Autoprefixer.Targets
	}
	if len(config.Scripts.Extensions) == 0 {
		config.Scripts.Extensions = defaults.Scripts.Extensions
	}
	if len(config.Scripts.Bundles) == 0 {
		config.Scripts.Bundles = defaults.Scripts.Bundles
	}
	if len(config.Watch) == 0 {
		config.Watch = defaults.Watch
	}

	if config.Build.TaskTimeout == 0 {
		config.Build.TaskTimeout = defaults.Build.TaskTimeout
	}
	if config.Build.Debounce == 0 {
		config.Build.Debounce = defaults.Build.Debounce
	}
}

func applyServerDefaults(instance *ServerInstance, defaults ServerInstance) {
	if instance.Port == 0 {
		instance.Port = defaults.Port
	}
	if len(instance.BaseDirs) == 0 {
		instance.BaseDirs = defaults.BaseDirs
	}
}

// applyTaskDefaults fills an empty src, dest or base, and adds any default
// option the user did not set.
func applyTaskDefaults(spec *TaskSpec, defaults TaskSpec) {
	if len(spec.Src) == 0 {
		spec.Src = defaults.Src
	}
	if spec.Dest == "" {
		spec.Dest = defaults.Dest
	}
	if spec.Base == "" {
		spec.Base = defaults.Base
	}
	if len(defaults.Options) == 0 {
		return
	}
	if spec.Options == nil {
		spec.Options = make(map[string]interface{}, len(defaults.Options))
	}
	for key, value := range defaults.Options {
		if _, ok := spec.Options[key]; !ok {
			spec.Options[key] = value
		}
	}
}

// WriteDefault writes the default configuration as YAML to path. It refuses
// to overwrite an existing file.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	}

	data, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return fmt.Errorf("failed to encode default configuration: %w", err)
	}

	header := []byte("# sitepipe configuration. Every key is optional; omitted keys use these defaults.\n")
	if err := os.WriteFile(path, append(header, data...), 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}

	return nil
}
