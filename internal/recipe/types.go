// Package recipe loads the declarative recipe catalog, validates it, and
// compiles recipes into submit-ready plans by interpolating ${...} references
// against defaults, user input, and prior step outputs.
package recipe

import (
	"fmt"

	"github.com/leaderpass/conductor/internal/wire"
)

// InputSpec declares one recipe input.
type InputSpec struct {
	Type        string `json:"type" yaml:"type"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Required    bool   `json:"required,omitempty" yaml:"required,omitempty"`
}

// RetryPolicy bounds step attempts and shapes the delay between them.
// MaxAttempts counts every run including the first; 1 means no retries.
type RetryPolicy struct {
	MaxAttempts    int     `json:"max_attempts" yaml:"max_attempts"`
	InitialDelayMS int     `json:"initial_delay_ms,omitempty" yaml:"initial_delay_ms,omitempty"`
	BackoffFactor  float64 `json:"backoff_factor,omitempty" yaml:"backoff_factor,omitempty"`
	MaxDelayMS     int     `json:"max_delay_ms,omitempty" yaml:"max_delay_ms,omitempty"`
	Jitter         bool    `json:"jitter,omitempty" yaml:"jitter,omitempty"`
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.BackoffFactor <= 0 {
		p.BackoffFactor = 2.0
	}
	if p.InitialDelayMS < 0 {
		p.InitialDelayMS = 0
	}
	if p.MaxDelayMS < 0 {
		p.MaxDelayMS = 0
	}
	return p
}

// StepSpec is one step of a recipe. Payload, cache policy, tool versions,
// and retry policy are templates: their string leaves may carry ${...}
// references resolved at plan build time.
type StepSpec struct {
	ID             string         `json:"id" yaml:"id"`
	Worker         wire.Worker    `json:"worker" yaml:"worker"`
	Command        string         `json:"command" yaml:"command"`
	DependsOn      []string       `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	Payload        map[string]any `json:"payload,omitempty" yaml:"payload,omitempty"`
	CachePolicy    map[string]any `json:"cache_policy,omitempty" yaml:"cache_policy,omitempty"`
	OutputContract string         `json:"output_contract,omitempty" yaml:"output_contract,omitempty"`
	ToolVersions   map[string]any `json:"tool_versions,omitempty" yaml:"tool_versions,omitempty"`
	RetryPolicy    map[string]any `json:"retry_policy,omitempty" yaml:"retry_policy,omitempty"`
}

// Recipe is one declarative multi-step plan template.
type Recipe struct {
	ID          string               `json:"id" yaml:"id"`
	Version     int                  `json:"version" yaml:"version"`
	Description string               `json:"description,omitempty" yaml:"description,omitempty"`
	Inputs      map[string]InputSpec `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	Defaults    map[string]any       `json:"defaults,omitempty" yaml:"defaults,omitempty"`
	Steps       []StepSpec           `json:"steps" yaml:"steps"`
	Outputs     any                  `json:"outputs,omitempty" yaml:"outputs,omitempty"`
	TimeoutMS   int64                `json:"timeout_ms,omitempty" yaml:"timeout_ms,omitempty"`
	RetryPolicy *RetryPolicy         `json:"retry_policy,omitempty" yaml:"retry_policy,omitempty"`
}

// Validate checks the structural invariants of one recipe: step ids unique,
// workers known, every command owned by its declared worker, and depends_on
// entries referencing other declared steps without self-references or
// dependency cycles.
func (r *Recipe) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("recipe id is required")
	}
	if len(r.Steps) == 0 {
		return fmt.Errorf("recipe %s: at least one step is required", r.ID)
	}
	seen := map[string]bool{}
	for _, step := range r.Steps {
		if step.ID == "" {
			return fmt.Errorf("recipe %s: step id is required", r.ID)
		}
		if seen[step.ID] {
			return fmt.Errorf("recipe %s: duplicate step id %q", r.ID, step.ID)
		}
		seen[step.ID] = true
		if !step.Worker.Valid() {
			return fmt.Errorf("recipe %s: step %s: unknown worker %q", r.ID, step.ID, step.Worker)
		}
		if step.Command == "" {
			return fmt.Errorf("recipe %s: step %s: command is required", r.ID, step.ID)
		}
		owner, ok := wire.CommandOwner(step.Command)
		if !ok {
			return fmt.Errorf("recipe %s: step %s: unknown command %q", r.ID, step.ID, step.Command)
		}
		if owner != step.Worker {
			return fmt.Errorf("recipe %s: step %s: command %q belongs to worker %q, not %q",
				r.ID, step.ID, step.Command, owner, step.Worker)
		}
	}
	for _, step := range r.Steps {
		for _, dep := range step.DependsOn {
			if dep == step.ID {
				return fmt.Errorf("recipe %s: step %s depends on itself", r.ID, step.ID)
			}
			if !seen[dep] {
				return fmt.Errorf("recipe %s: step %s depends on undeclared step %q", r.ID, step.ID, dep)
			}
		}
	}
	if cycle := findDependencyCycle(r.Steps); len(cycle) > 0 {
		return fmt.Errorf("recipe %s: dependency cycle: %v", r.ID, cycle)
	}
	return nil
}

// findDependencyCycle runs a DFS over the step dependency graph and returns
// the first cycle found, or nil. A cyclic recipe would leave its job queued
// forever, so cycles are rejected at load time.
func findDependencyCycle(steps []StepSpec) []string {
	deps := make(map[string][]string, len(steps))
	for _, s := range steps {
		deps[s.ID] = s.DependsOn
	}
	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := map[string]int{}
	var stack []string
	var cycle []string

	var visit func(id string) bool
	visit = func(id string) bool {
		switch state[id] {
		case done:
			return false
		case visiting:
			// Slice the stack from the first occurrence of id to show the loop.
			for i, v := range stack {
				if v == id {
					cycle = append(append([]string{}, stack[i:]...), id)
					return true
				}
			}
			cycle = []string{id, id}
			return true
		}
		state[id] = visiting
		stack = append(stack, id)
		for _, dep := range deps[id] {
			if visit(dep) {
				return true
			}
		}
		stack = stack[:len(stack)-1]
		state[id] = done
		return false
	}

	for _, s := range steps {
		if visit(s.ID) {
			return cycle
		}
	}
	return nil
}
