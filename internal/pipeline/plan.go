// Package pipeline sequences named build tasks into phases.
//
// Tasks in one phase start together and have no ordering relative to each
// other. A phase starts only after every task of the previous phase has
// returned its result, timed out or been cancelled.
package pipeline

import (
	"fmt"

	"github.com/conneroisu/sitepipe/internal/config"
	"github.com/conneroisu/sitepipe/internal/errors"
)

// Phase is a set of task names run concurrently.
type Phase []string

// Plan is an ordered list of phases.
type Plan struct {
	Name   string
	Phases []Phase
}

// DevelopmentPlan cleans the output, builds every asset and then inlines
// small images into the compiled stylesheets.
func DevelopmentPlan() Plan {
	return Plan{
		Name: string(config.ModeDevelopment),
		Phases: []Phase{
			{config.TaskClean},
			{
				config.TaskTemplates,
				config.TaskStyles,
				config.TaskScripts,
				config.TaskImages,
				config.TaskFonts,
				config.TaskExtras,
			},
			{config.TaskInlineAssets},
		},
	}
}

// ProductionPlan runs the development plan and then the optimization,
// copy and revision phases.
func ProductionPlan() Plan {
	plan := DevelopmentPlan().Then(
		Phase{config.TaskOptimizeStyles, config.TaskOptimizeScripts, config.TaskOptimizeImages},
		Phase{config.TaskOptimizeHTML, config.TaskCopyFonts},
		Phase{config.TaskRevision},
	)
	plan.Name = string(config.ModeProduction)
	return plan
}

// PlanFor returns the standard plan for the build mode of cfg.
func PlanFor(cfg *config.Config) Plan {
	if cfg.IsProduction() {
		return ProductionPlan()
	}
	return DevelopmentPlan()
}

// Then returns a copy of p with phases appended.
func (p Plan) Then(phases ...Phase) Plan {
	out := Plan{Name: p.Name, Phases: make([]Phase, 0, len(p.Phases)+len(phases))}
	for _, phase := range p.Phases {
		out.Phases = append(out.Phases, append(Phase(nil), phase...))
	}
	for _, phase := range phases {
		out.Phases = append(out.Phases, append(Phase(nil), phase...))
	}
	return out
}

// Tasks returns every task name of the plan, in phase order.
func (p Plan) Tasks() []string {
	var names []string
	for _, phase := range p.Phases {
		names = append(names, phase...)
	}
	return names
}

// Validate checks that the plan has phases, that no phase is empty and that
// no task appears twice.
func (p Plan) Validate() error {
	var errs errors.ValidationErrorCollection

	if len(p.Phases) == 0 {
		errs.Addf("plan %q has no phases", p.Name)
	}

	seen := make(map[string]int)
	for i, phase := range p.Phases {
		if len(phase) == 0 {
			errs.Addf("phase %d of plan %q is empty", i, p.Name)
		}
		for _, name := range phase {
			if prev, ok := seen[name]; ok {
				errs.Addf("task %q appears in phases %d and %d", name, prev, i)
				continue
			}
			seen[name] = i
		}
	}

	if errs.HasErrors() {
		return errs.ToPipelineError()
	}
	return nil
}

// String implements fmt.Stringer.
func (p Plan) String() string {
	return fmt.Sprintf("%s %v", p.Name, p.Phases)
}
