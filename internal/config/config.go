// Package config provides the configuration store for sitepipe using Viper
// for loading from files, environment variables and command-line flags.
//
// The store describes every task's inputs, outputs and options. It is loaded
// exactly once per process, validated, and treated as read-only afterwards:
// the resulting *Config is passed explicitly to every task, the bundle
// builder, the sequencer and the watch controller. The build mode lives on
// the Config rather than in a package variable.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Mode selects between development and production semantics.
type Mode string

const (
	// ModeDevelopment enables source maps and watching, disables minification.
	ModeDevelopment Mode = "development"
	// ModeProduction enables minification and optimization, disables watching.
	ModeProduction Mode = "production"
)

// Config is the process-wide configuration store.
type Config struct {
	Mode Mode `mapstructure:"-" yaml:"-"`

	Server       ServerConfig       `mapstructure:"server" yaml:"server"`
	Clean        TaskSpec           `mapstructure:"clean" yaml:"clean"`
	Styles       TaskSpec           `mapstructure:"styles" yaml:"styles"`
	Autoprefixer AutoprefixerConfig `mapstructure:"autoprefixer" yaml:"autoprefixer"`
	Scripts      ScriptsConfig      `mapstructure:"scripts" yaml:"scripts"`
	Lint         TaskSpec           `mapstructure:"lint" yaml:"lint"`
	Templates    TaskSpec           `mapstructure:"templates" yaml:"templates"`
	Images       TaskSpec           `mapstructure:"images" yaml:"images"`
	Fonts        TaskSpec           `mapstructure:"fonts" yaml:"fonts"`
	Extras       TaskSpec           `mapstructure:"extras" yaml:"extras"`
	Sprites      TaskSpec           `mapstructure:"sprites" yaml:"sprites"`
	Inline       TaskSpec           `mapstructure:"inline" yaml:"inline"`
	Optimize     OptimizeConfig     `mapstructure:"optimize" yaml:"optimize"`
	CopyFonts    TaskSpec           `mapstructure:"copy_fonts" yaml:"copy_fonts"`
	Revision     TaskSpec           `mapstructure:"revision" yaml:"revision"`
	Watch        []WatchBinding     `mapstructure:"watch" yaml:"watch"`
	Build        BuildConfig        `mapstructure:"build" yaml:"build"`
}

// TaskSpec describes one task's inputs, destination and options. The
// options bag is opaque to the orchestrator; only the task reads it.
type TaskSpec struct {
	Src     []string               `mapstructure:"src" yaml:"src"`
	Dest    string                 `mapstructure:"dest" yaml:"dest,omitempty"`
	Base    string                 `mapstructure:"base" yaml:"base,omitempty"`
	Options map[string]interface{} `mapstructure:"options" yaml:"options,omitempty"`
}

// ServerConfig configures the development and production preview servers.
type ServerConfig struct {
	Host        string         `mapstructure:"host" yaml:"host"`
	Development ServerInstance `mapstructure:"development" yaml:"development"`
	Production  ServerInstance `mapstructure:"production" yaml:"production"`
}

// ServerInstance is one static server: a port and the directories it
// serves, searched in order.
type ServerInstance struct {
	Port     int      `mapstructure:"port" yaml:"port"`
	BaseDirs []string `mapstructure:"base_dirs" yaml:"base_dirs"`
}

// AutoprefixerConfig lists the browser engines the prefixer targets, as
// engine name to minimum version.
type AutoprefixerConfig struct {
	Targets map[string]string `mapstructure:"targets" yaml:"targets"`
}

// ScriptsConfig configures the bundle builder.
type ScriptsConfig struct {
	Debug      bool           `mapstructure:"debug" yaml:"debug"`
	Extensions []string       `mapstructure:"extensions" yaml:"extensions"`
	Bundles    []BundleConfig `mapstructure:"bundles" yaml:"bundles"`
}

// BundleConfig declares one script bundle.
type BundleConfig struct {
	Entry      string `mapstructure:"entry" yaml:"entry"`
	Dest       string `mapstructure:"dest" yaml:"dest"`
	OutputName string `mapstructure:"output_name" yaml:"output_name"`
	// Require lists dependencies embedded in this bundle and exposed to others.
	Require []string `mapstructure:"require" yaml:"require,omitempty"`
	// External lists dependencies left out of this bundle and expected to be
	// provided by a bundle that requires them.
	External []string `mapstructure:"external" yaml:"external,omitempty"`
}

// OptimizeConfig groups the production optimization tasks.
type OptimizeConfig struct {
	CSS    TaskSpec `mapstructure:"css" yaml:"css"`
	JS     TaskSpec `mapstructure:"js" yaml:"js"`
	Images TaskSpec `mapstructure:"images" yaml:"images"`
	HTML   TaskSpec `mapstructure:"html" yaml:"html"`
}

// WatchBinding ties file patterns to the tasks re-run when they change.
type WatchBinding struct {
	Name     string   `mapstructure:"name" yaml:"name"`
	Patterns []string `mapstructure:"patterns" yaml:"patterns"`
	Tasks    []string `mapstructure:"tasks" yaml:"tasks"`
	Reload   bool     `mapstructure:"reload" yaml:"reload"`
	// CSS asks clients to swap stylesheets instead of reloading the page.
	CSS bool `mapstructure:"css" yaml:"css,omitempty"`
}

// BuildConfig holds orchestrator settings.
type BuildConfig struct {
	TaskTimeout  time.Duration `mapstructure:"task_timeout" yaml:"task_timeout"`
	PhaseTimeout time.Duration `mapstructure:"phase_timeout" yaml:"phase_timeout"`
	// Strict turns recoverable transform errors into build failures. When
	// unset it follows the mode: on in production, off in development.
	Strict   *bool         `mapstructure:"strict" yaml:"strict,omitempty"`
	Changed  bool          `mapstructure:"changed" yaml:"changed"`
	Debounce time.Duration `mapstructure:"debounce" yaml:"debounce"`
}

// Load reads the configuration from the global viper instance, applies
// defaults, records the build mode and validates the result. It must be
// called once, before any task is constructed.
func Load(mode Mode) (*Config, error) {
	return LoadFrom(viper.GetViper(), mode)
}

// LoadFrom is Load against an explicit viper instance.
func LoadFrom(v *viper.Viper, mode Mode) (*Config, error) {
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}

	if mode == "" {
		mode = ModeDevelopment
	}
	config.Mode = mode

	// Viper reports explicitly set booleans that mapstructure cannot tell
	// apart from their zero value.
	if !v.IsSet("build.changed") {
		config.Build.Changed = true
	}
	if !v.IsSet("scripts.debug") {
		config.Scripts.Debug = true
	}
	if v.IsSet("build.strict") {
		strict := v.GetBool("build.strict")
		config.Build.Strict = &strict
	}

	applyDefaults(&config, DefaultConfig())

	if err := Validate(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// IsProduction reports whether the build runs with production semantics.
func (c *Config) IsProduction() bool {
	return c.Mode == ModeProduction
}

// SourceMaps reports whether compiled output carries inline source maps.
func (c *Config) SourceMaps() bool {
	return !c.IsProduction()
}

// Minify reports whether compiled output is minified.
func (c *Config) Minify() bool {
	return c.IsProduction()
}

// ShouldWatch reports whether watch mode is allowed for this mode.
func (c *Config) ShouldWatch() bool {
	return !c.IsProduction()
}

// Strict reports whether transform errors abort the build.
func (c *Config) Strict() bool {
	if c.Build.Strict != nil {
		return *c.Build.Strict
	}
	return c.IsProduction()
}

// ServerInstance returns the server settings for the current mode.
func (c *Config) ServerInstance() ServerInstance {
	if c.IsProduction() {
		return c.Server.Production
	}
	return c.Server.Development
}

// Binding looks up a watch binding by name.
func (c *Config) Binding(name string) (WatchBinding, bool) {
	for _, b := range c.Watch {
		if b.Name == name {
			return b, true
		}
	}
	return WatchBinding{}, false
}

// String returns the option as a string, or def when absent.
func (s TaskSpec) String(name, def string) string {
	if v, ok := s.Options[name].(string); ok {
		return v
	}
	return def
}

// Int returns the option as an int, or def when absent. Numbers decoded
// from YAML or JSON may arrive as any numeric type.
func (s TaskSpec) Int(name string, def int) int {
	switch v := s.Options[name].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case uint64:
		return int(v)
	case float64:
		return int(v)
	default:
		return def
	}
}

// Bool returns the option as a bool, or def when absent.
func (s TaskSpec) Bool(name string, def bool) bool {
	if v, ok := s.Options[name].(bool); ok {
		return v
	}
	return def
}

// Strings returns the option as a string slice, or def when absent.
func (s TaskSpec) Strings(name string, def []string) []string {
	switch v := s.Options[name].(type) {
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if str, ok := item.(string); ok {
				out = append(out, str)
			}
		}
		return out
	default:
		return def
	}
}
