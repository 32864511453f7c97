package recipe

import (
	"fmt"
	"strings"
)

type Severity string

const (
	SeverityError   Severity = "ERROR"
	SeverityWarning Severity = "WARNING"
	SeverityInfo    Severity = "INFO"
)

// Diagnostic is one lint finding against a recipe.
type Diagnostic struct {
	Rule     string   `json:"rule"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
	RecipeID string   `json:"recipe_id,omitempty"`
	StepID   string   `json:"step_id,omitempty"`
	Fix      string   `json:"fix,omitempty"`
}

// Lint runs every lint rule against the recipe. Structural errors Validate
// already rejects are not re-reported here; lint covers the template-level
// mistakes that would otherwise only surface when a job runs.
func Lint(r *Recipe) []Diagnostic {
	var diags []Diagnostic
	if r == nil {
		return []Diagnostic{{Rule: "recipe_nil", Severity: SeverityError, Message: "recipe is nil"}}
	}
	diags = append(diags, lintPlaceholderSyntax(r)...)
	diags = append(diags, lintPlaceholderRoots(r)...)
	diags = append(diags, lintStepRefsInStepTemplates(r)...)
	diags = append(diags, lintInputsDeclared(r)...)
	diags = append(diags, lintRequiredInputsReferenced(r)...)
	diags = append(diags, lintCacheWithoutSources(r)...)
	diags = append(diags, lintOutputStepRefsExist(r)...)
	return diags
}

// LintCatalog lints every recipe in the catalog.
func (c *Catalog) LintCatalog() []Diagnostic {
	var diags []Diagnostic
	for _, r := range c.List() {
		diags = append(diags, Lint(r)...)
	}
	return diags
}

// HasErrors reports whether any diagnostic is an error.
func HasErrors(diags []Diagnostic) bool {
	for _, d := range diags {
		if d.Severity == SeverityError {
			return true
		}
	}
	return false
}

// contextRoots are the names resolvable at some point of a recipe's life:
// recipe/defaults/input at plan build, steps at output materialization.
var contextRoots = map[string]bool{
	"recipe":   true,
	"defaults": true,
	"input":    true,
	"steps":    true,
}

// lintPlaceholderSyntax flags strings with an opening ${ that never closes.
func lintPlaceholderSyntax(r *Recipe) []Diagnostic {
	var diags []Diagnostic
	walkRecipeStrings(r, func(stepID, where, s string) {
		open := strings.Count(s, "${")
		closed := len(embeddedPlaceholderRe.FindAllString(s, -1))
		if open > closed {
			diags = append(diags, Diagnostic{
				Rule:     "placeholder_syntax",
				Severity: SeverityWarning,
				Message:  fmt.Sprintf("%s contains an unterminated ${ in %q", where, s),
				RecipeID: r.ID,
				StepID:   stepID,
				Fix:      "close the placeholder with }",
			})
		}
	})
	return diags
}

// lintPlaceholderRoots flags placeholder paths whose first segment is not a
// known context root. Those references can never resolve.
func lintPlaceholderRoots(r *Recipe) []Diagnostic {
	var diags []Diagnostic
	walkRecipeStrings(r, func(stepID, where, s string) {
		for _, path := range placeholderPaths(s) {
			root := path
			if i := strings.Index(path, "."); i >= 0 {
				root = path[:i]
			}
			if !contextRoots[root] {
				diags = append(diags, Diagnostic{
					Rule:     "placeholder_root",
					Severity: SeverityError,
					Message:  fmt.Sprintf("%s references ${%s}; %q is not a context root (recipe, defaults, input, steps)", where, path, root),
					RecipeID: r.ID,
					StepID:   stepID,
				})
			}
		}
	})
	return diags
}

// lintStepRefsInStepTemplates flags steps.* references inside step templates.
// Step templates interpolate at plan build time, when no step has run, so
// such references always resolve to nothing.
func lintStepRefsInStepTemplates(r *Recipe) []Diagnostic {
	var diags []Diagnostic
	for _, step := range r.Steps {
		templates := []struct {
			where string
			tmpl  any
		}{
			{"payload", step.Payload},
			{"cache_policy", step.CachePolicy},
			{"tool_versions", step.ToolVersions},
			{"retry_policy", step.RetryPolicy},
		}
		for _, t := range templates {
			where := t.where
			walkStrings(t.tmpl, func(s string) {
				for _, path := range placeholderPaths(s) {
					if path == "steps" || strings.HasPrefix(path, "steps.") {
						diags = append(diags, Diagnostic{
							Rule:     "step_ref_in_step_template",
							Severity: SeverityError,
							Message:  fmt.Sprintf("%s references ${%s}; step outputs are only available in the outputs template", where, path),
							RecipeID: r.ID,
							StepID:   step.ID,
							Fix:      "pass the value through a recipe input instead",
						})
					}
				}
			})
		}
	}
	return diags
}

// lintInputsDeclared flags input.X references where X is neither declared in
// inputs nor present in defaults.
func lintInputsDeclared(r *Recipe) []Diagnostic {
	var diags []Diagnostic
	walkRecipeStrings(r, func(stepID, where, s string) {
		for _, path := range placeholderPaths(s) {
			if !strings.HasPrefix(path, "input.") {
				continue
			}
			name := strings.TrimPrefix(path, "input.")
			if i := strings.Index(name, "."); i >= 0 {
				name = name[:i]
			}
			if _, declared := r.Inputs[name]; declared {
				continue
			}
			if _, defaulted := r.Defaults[name]; defaulted {
				continue
			}
			diags = append(diags, Diagnostic{
				Rule:     "input_declared",
				Severity: SeverityWarning,
				Message:  fmt.Sprintf("%s references ${%s} but %q is neither a declared input nor a default", where, path, name),
				RecipeID: r.ID,
				StepID:   stepID,
				Fix:      fmt.Sprintf("declare %q under inputs or defaults", name),
			})
		}
	})
	return diags
}

// lintRequiredInputsReferenced flags required inputs nothing references.
func lintRequiredInputsReferenced(r *Recipe) []Diagnostic {
	referenced := map[string]bool{}
	walkRecipeStrings(r, func(_, _, s string) {
		for _, path := range placeholderPaths(s) {
			if strings.HasPrefix(path, "input.") {
				name := strings.TrimPrefix(path, "input.")
				if i := strings.Index(name, "."); i >= 0 {
					name = name[:i]
				}
				referenced[name] = true
			}
		}
	})
	var diags []Diagnostic
	for name, in := range r.Inputs {
		if in.Required && !referenced[name] {
			diags = append(diags, Diagnostic{
				Rule:     "required_input_referenced",
				Severity: SeverityWarning,
				Message:  fmt.Sprintf("required input %q is never referenced", name),
				RecipeID: r.ID,
			})
		}
	}
	return diags
}

// lintCacheWithoutSources flags cache-enabled steps whose payload carries no
// recognized source-path key. The fingerprint then covers no filesystem
// state, so the entry never invalidates when the world changes.
func lintCacheWithoutSources(r *Recipe) []Diagnostic {
	var diags []Diagnostic
	for _, step := range r.Steps {
		enabled, ok := step.CachePolicy["enabled"].(bool)
		if !ok || !enabled {
			continue
		}
		if payloadNamesSource(step.Payload) {
			continue
		}
		diags = append(diags, Diagnostic{
			Rule:     "cache_without_sources",
			Severity: SeverityWarning,
			Message:  "cache is enabled but the payload names no source path; the fingerprint will not see filesystem changes",
			RecipeID: r.ID,
			StepID:   step.ID,
			Fix:      "name the input under folder_path, path, file, or source, or disable the cache",
		})
	}
	return diags
}

// lintOutputStepRefsExist flags outputs references to undeclared steps.
func lintOutputStepRefsExist(r *Recipe) []Diagnostic {
	declared := map[string]bool{}
	for _, step := range r.Steps {
		declared[step.ID] = true
	}
	var diags []Diagnostic
	walkStrings(r.Outputs, func(s string) {
		for _, path := range placeholderPaths(s) {
			if !strings.HasPrefix(path, "steps.") {
				continue
			}
			name := strings.TrimPrefix(path, "steps.")
			if i := strings.Index(name, "."); i >= 0 {
				name = name[:i]
			}
			if !declared[name] {
				diags = append(diags, Diagnostic{
					Rule:     "output_step_exists",
					Severity: SeverityError,
					Message:  fmt.Sprintf("outputs references ${%s} but no step %q is declared", path, name),
					RecipeID: r.ID,
				})
			}
		}
	})
	return diags
}

// placeholderPaths extracts the inner paths of every ${...} in s.
func placeholderPaths(s string) []string {
	matches := embeddedPlaceholderRe.FindAllStringSubmatch(s, -1)
	if len(matches) == 0 {
		return nil
	}
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		out = append(out, strings.TrimSpace(m[1]))
	}
	return out
}

// payloadNamesSource reports whether any recognized source key is present.
func payloadNamesSource(payload map[string]any) bool {
	for _, key := range []string{"folder_path", "path", "file", "source"} {
		if _, ok := payload[key]; ok {
			return true
		}
	}
	return false
}

// walkRecipeStrings visits every template string leaf of the recipe with its
// owning step id (empty for recipe-level templates) and location label.
func walkRecipeStrings(r *Recipe, fn func(stepID, where, s string)) {
	for _, step := range r.Steps {
		id := step.ID
		walkStrings(step.Payload, func(s string) { fn(id, "payload", s) })
		walkStrings(step.CachePolicy, func(s string) { fn(id, "cache_policy", s) })
		walkStrings(step.ToolVersions, func(s string) { fn(id, "tool_versions", s) })
		walkStrings(step.RetryPolicy, func(s string) { fn(id, "retry_policy", s) })
		if step.OutputContract != "" {
			fn(id, "output_contract", step.OutputContract)
		}
	}
	walkStrings(r.Outputs, func(s string) { fn("", "outputs", s) })
}

// walkStrings visits every string leaf of a nested template value.
func walkStrings(v any, fn func(s string)) {
	switch t := v.(type) {
	case string:
		fn(t)
	case map[string]any:
		for _, val := range t {
			walkStrings(val, fn)
		}
	case []any:
		for _, val := range t {
			walkStrings(val, fn)
		}
	}
}
