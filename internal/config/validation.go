package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/conneroisu/sitepipe/internal/errors"
)

// Validate checks the configuration for missing or malformed values. All
// problems are reported together as one config-classified PipelineError.
func Validate(config *Config) error {
	vec := &errors.ValidationErrorCollection{}

	if config.Mode != ModeDevelopment && config.Mode != ModeProduction {
		vec.Addf("mode: unknown build mode %q", config.Mode)
	}

	validateServerConfig(&config.Server, vec)

	validateTaskSpec(TaskClean, config.Clean, false, vec)
	validateTaskSpec(TaskLint, config.Lint, false, vec)
	for name, spec := range streamSpecs(config) {
		validateTaskSpec(name, spec, true, vec)
	}

	validateScriptsConfig(&config.Scripts, vec)
	validateWatchBindings(config.Watch, vec)

	if config.Build.TaskTimeout < 0 {
		vec.Addf("build.task_timeout: must not be negative")
	}
	if config.Build.PhaseTimeout < 0 {
		vec.Addf("build.phase_timeout: must not be negative")
	}
	if config.Build.Debounce < 0 {
		vec.Addf("build.debounce: must not be negative")
	}

	if pe := vec.ToPipelineError(); pe != nil {
		return pe
	}
	return nil
}

// streamSpecs maps each file-stream task to its spec.
func streamSpecs(config *Config) map[string]TaskSpec {
	return map[string]TaskSpec{
		TaskStyles:          config.Styles,
		TaskTemplates:       config.Templates,
		TaskImages:          config.Images,
		TaskFonts:           config.Fonts,
		TaskExtras:          config.Extras,
		TaskSprites:         config.Sprites,
		TaskInlineAssets:    config.Inline,
		TaskOptimizeStyles:  config.Optimize.CSS,
		TaskOptimizeScripts: config.Optimize.JS,
		TaskOptimizeImages:  config.Optimize.Images,
		TaskOptimizeHTML:    config.Optimize.HTML,
		TaskCopyFonts:       config.CopyFonts,
		TaskRevision:        config.Revision,
	}
}

func validateServerConfig(config *ServerConfig, vec *errors.ValidationErrorCollection) {
	if config.Host != "" {
		dangerousChars := []string{";", "&", "|", "$", "`", "(", ")", "<", ">", "\"", "'", "\\", " "}
		for _, char := range dangerousChars {
			if strings.Contains(config.Host, char) {
				vec.Addf("server.host: contains invalid character %q", char)
				break
			}
		}
	}

	instances := map[string]ServerInstance{
		"development": config.Development,
		"production":  config.Production,
	}
	for name, instance := range instances {
		if instance.Port < 0 || instance.Port > 65535 {
			vec.Addf("server.%s.port: %d is not in valid range 0-65535", name, instance.Port)
		}
		if len(instance.BaseDirs) == 0 {
			vec.Addf("server.%s.base_dirs: at least one directory is required", name)
		}
	}
}

func validateTaskSpec(name string, spec TaskSpec, needsDest bool, vec *errors.ValidationErrorCollection) {
	if len(spec.Src) == 0 {
		vec.Addf("%s.src: at least one pattern is required", name)
	}
	for _, pattern := range spec.Src {
		if err := validatePattern(pattern); err != nil {
			vec.Addf("%s.src: %v", name, err)
		}
	}

	if needsDest {
		if err := validatePath(spec.Dest); err != nil {
			vec.Addf("%s.dest: %v", name, err)
		}
	}
	if spec.Base != "" {
		if err := validatePath(spec.Base); err != nil {
			vec.Addf("%s.base: %v", name, err)
		}
	}
}

func validateScriptsConfig(config *ScriptsConfig, vec *errors.ValidationErrorCollection) {
	if len(config.Bundles) == 0 {
		vec.Addf("scripts.bundles: at least one bundle is required")
	}

	for _, ext := range config.Extensions {
		if !strings.HasPrefix(ext, ".") {
			vec.Addf("scripts.extensions: %q must start with a dot", ext)
		}
	}

	outputs := make(map[string]int)
	for i, bundle := range config.Bundles {
		field := fmt.Sprintf("scripts.bundles[%d]", i)

		if strings.TrimSpace(bundle.Entry) == "" {
			vec.Addf("%s.entry: entry file is required", field)
		} else if err := validatePath(bundle.Entry); err != nil {
			vec.Addf("%s.entry: %v", field, err)
		}
		if err := validatePath(bundle.Dest); err != nil {
			vec.Addf("%s.dest: %v", field, err)
		}
		if strings.TrimSpace(bundle.OutputName) == "" {
			vec.Addf("%s.output_name: output name is required", field)
		}

		out := filepath.Join(bundle.Dest, bundle.OutputName)
		if prev, ok := outputs[out]; ok {
			vec.Addf("%s: writes %s, already written by scripts.bundles[%d]", field, out, prev)
		}
		outputs[out] = i

		for _, dep := range conflictingDependencies(bundle) {
			vec.Addf("%s: dependency %q is listed in both require and external", field, dep)
		}
	}
}

// conflictingDependencies returns the dependencies a bundle lists as both
// embedded and external.
func conflictingDependencies(bundle BundleConfig) []string {
	required := make(map[string]bool, len(bundle.Require))
	for _, dep := range bundle.Require {
		required[dep] = true
	}

	var conflicts []string
	for _, dep := range bundle.External {
		if required[dep] {
			conflicts = append(conflicts, dep)
		}
	}
	return conflicts
}

func validateWatchBindings(bindings []WatchBinding, vec *errors.ValidationErrorCollection) {
	names := make(map[string]bool, len(bindings))
	for i, binding := range bindings {
		field := fmt.Sprintf("watch[%d]", i)
		if binding.Name == "" {
			vec.Addf("%s.name: name is required", field)
		} else if names[binding.Name] {
			vec.Addf("%s.name: duplicate binding %q", field, binding.Name)
		}
		names[binding.Name] = true

		if len(binding.Patterns) == 0 {
			vec.Addf("%s.patterns: at least one pattern is required", field)
		}
		for _, pattern := range binding.Patterns {
			if err := validatePattern(pattern); err != nil {
				vec.Addf("%s.patterns: %v", field, err)
			}
		}

		if len(binding.Tasks) == 0 {
			vec.Addf("%s.tasks: at least one task is required", field)
		}
		for _, task := range binding.Tasks {
			if !contains(TaskNames, task) {
				vec.Addf("%s.tasks: unknown task %q", field, task)
			}
		}
	}
}

// validatePattern checks a source glob. A leading "!" marks an exclusion.
func validatePattern(pattern string) error {
	trimmed := strings.TrimPrefix(pattern, "!")
	if strings.TrimSpace(trimmed) == "" {
		return fmt.Errorf("empty pattern")
	}
	if !doublestar.ValidatePattern(filepath.ToSlash(trimmed)) {
		return fmt.Errorf("malformed pattern %q", pattern)
	}
	return validatePath(trimmed)
}

// validatePath rejects empty paths and paths that escape the project.
func validatePath(path string) error {
	if strings.TrimSpace(path) == "" {
		return fmt.Errorf("empty path")
	}

	cleanPath := filepath.Clean(path)

	if filepath.IsAbs(cleanPath) {
		return fmt.Errorf("path must be relative to the project: %s", path)
	}
	if cleanPath == ".." || strings.HasPrefix(cleanPath, ".."+string(filepath.Separator)) {
		return fmt.Errorf("path escapes the project: %s", path)
	}

	return nil
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
