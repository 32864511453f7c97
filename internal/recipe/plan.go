package recipe

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/leaderpass/conductor/internal/stepcache"
	"github.com/leaderpass/conductor/internal/wire"
)

// Plan is a compiled, submit-ready recipe instance.
type Plan struct {
	PresetID       string         `json:"preset_id"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
	TimeoutMS      int64          `json:"timeout_ms,omitempty"`
	RetryPolicy    RetryPolicy    `json:"retry_policy"`
	Input          map[string]any `json:"input,omitempty"`
	Outputs        any            `json:"outputs,omitempty"`
	RetryOf        string         `json:"retry_of,omitempty"`
	Steps          []PlanStep     `json:"steps"`
}

// PlanStep is one fully interpolated step ready for dispatch.
type PlanStep struct {
	StepID       string             `json:"step_id"`
	Worker       wire.Worker        `json:"worker"`
	Cmd          string             `json:"cmd"`
	DependsOn    []string           `json:"depends_on,omitempty"`
	Payload      map[string]any     `json:"payload"`
	CachePolicy  stepcache.Policy   `json:"cache_policy"`
	Contract     stepcache.Contract `json:"output_contract,omitempty"`
	ToolVersions map[string]string  `json:"tool_versions,omitempty"`
	RetryPolicy  RetryPolicy        `json:"retry_policy"`
}

// BuildOptions carries per-launch overrides.
type BuildOptions struct {
	IdempotencyKey string
	// TimeoutMS overrides the recipe's job timeout when > 0.
	TimeoutMS int64
	// RetryOf records the job this launch is retrying, for diagnostics.
	RetryOf string
}

// buildPlan compiles one recipe against user input. Defaults merge under
// userInput (user wins); the interpolation context exposes the recipe
// identity, the raw defaults, the merged input, and an empty steps mapping.
// Step-output references resolve later, when outputs are materialized.
func buildPlan(r *Recipe, userInput map[string]any, opts BuildOptions) (*Plan, error) {
	merged := mergeMaps(r.Defaults, userInput)
	if err := checkRequiredInputs(r, merged); err != nil {
		return nil, err
	}
	ctx := map[string]any{
		"recipe":   map[string]any{"id": r.ID, "version": r.Version},
		"defaults": r.Defaults,
		"input":    merged,
		"steps":    map[string]any{},
	}

	jobRetry := RetryPolicy{}
	if r.RetryPolicy != nil {
		jobRetry = *r.RetryPolicy
	}
	jobRetry = jobRetry.withDefaults()

	plan := &Plan{
		PresetID:       r.ID,
		IdempotencyKey: opts.IdempotencyKey,
		TimeoutMS:      r.TimeoutMS,
		RetryPolicy:    jobRetry,
		Input:          merged,
		Outputs:        r.Outputs,
		RetryOf:        opts.RetryOf,
		Steps:          make([]PlanStep, 0, len(r.Steps)),
	}
	if opts.TimeoutMS > 0 {
		plan.TimeoutMS = opts.TimeoutMS
	}

	for _, spec := range r.Steps {
		step := PlanStep{
			StepID:    spec.ID,
			Worker:    spec.Worker,
			Cmd:       spec.Command,
			DependsOn: append([]string{}, spec.DependsOn...),
			Payload:   InterpolateMap(spec.Payload, ctx),
		}

		if err := decodeInterpolated(spec.CachePolicy, ctx, &step.CachePolicy); err != nil {
			return nil, fmt.Errorf("recipe %s: step %s: cache_policy: %w", r.ID, spec.ID, err)
		}

		contract, _ := interpolateValue(spec.OutputContract, ctx)
		if s, ok := contract.(string); ok {
			step.Contract = stepcache.Contract(s)
		}

		tools := InterpolateMap(spec.ToolVersions, ctx)
		if len(tools) > 0 {
			step.ToolVersions = make(map[string]string, len(tools))
			for k, v := range tools {
				step.ToolVersions[k] = stringify(v)
			}
		}

		stepRetry := jobRetry
		if len(spec.RetryPolicy) > 0 {
			stepRetry = RetryPolicy{}
			if err := decodeInterpolated(spec.RetryPolicy, ctx, &stepRetry); err != nil {
				return nil, fmt.Errorf("recipe %s: step %s: retry_policy: %w", r.ID, spec.ID, err)
			}
		}
		step.RetryPolicy = stepRetry.withDefaults()

		plan.Steps = append(plan.Steps, step)
	}
	return plan, nil
}

// decodeInterpolated interpolates a mapping template and decodes the result
// into out via JSON, so templated fields land in typed policy structs.
func decodeInterpolated(template map[string]any, ctx map[string]any, out any) error {
	if template == nil {
		return nil
	}
	resolved := InterpolateMap(template, ctx)
	b, err := json.Marshal(resolved)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, out)
}

// MaterializeOutputs interpolates a recipe's outputs template against the
// finished job's step outputs: each step's output is exposed directly under
// steps.<step_id>.
func MaterializeOutputs(template any, stepOutputs map[string]any) any {
	if template == nil {
		return nil
	}
	steps := make(map[string]any, len(stepOutputs))
	for id, output := range stepOutputs {
		steps[id] = output
	}
	return Interpolate(template, map[string]any{"steps": steps})
}

// checkRequiredInputs rejects a launch missing a required input before any
// step is compiled, naming the field so the caller can fix it.
func checkRequiredInputs(r *Recipe, merged map[string]any) error {
	names := make([]string, 0, len(r.Inputs))
	for name := range r.Inputs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if !r.Inputs[name].Required {
			continue
		}
		if v, ok := merged[name]; !ok || v == nil {
			return wire.UserErrorf("recipe %s: required input %q is missing", r.ID, name).
				WithDetail("field", name)
		}
	}
	return nil
}

// mergeMaps overlays b onto a without mutating either.
func mergeMaps(a, b map[string]any) map[string]any {
	out := make(map[string]any, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		out[k] = v
	}
	return out
}
