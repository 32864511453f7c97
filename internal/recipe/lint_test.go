package recipe

import (
	"strings"
	"testing"

	"github.com/leaderpass/conductor/internal/wire"
)

func hasRule(diags []Diagnostic, rule string, sev Severity) bool {
	for _, d := range diags {
		if d.Rule == rule && d.Severity == sev {
			return true
		}
	}
	return false
}

func lintRecipe(steps []StepSpec, mutate func(*Recipe)) []Diagnostic {
	r := &Recipe{ID: "lintme", Version: 1, Steps: steps}
	if mutate != nil {
		mutate(r)
	}
	return Lint(r)
}

func TestLint_CleanRecipe(t *testing.T) {
	diags := Lint(demoRecipe())
	if len(diags) != 0 {
		t.Fatalf("clean recipe produced diagnostics: %+v", diags)
	}
}

func TestLint_StepRefInStepTemplate(t *testing.T) {
	diags := lintRecipe([]StepSpec{
		{ID: "a", Worker: wire.WorkerResolve, Command: "connect"},
		{ID: "b", Worker: wire.WorkerPlatform, Command: "leaderpass_upload",
			DependsOn: []string{"a"},
			Payload:   map[string]any{"file_path": "${steps.a.file}"}},
	}, nil)
	if !hasRule(diags, "step_ref_in_step_template", SeverityError) {
		t.Fatalf("missing step_ref_in_step_template error: %+v", diags)
	}
}

func TestLint_UnknownPlaceholderRoot(t *testing.T) {
	diags := lintRecipe([]StepSpec{
		{ID: "a", Worker: wire.WorkerResolve, Command: "goto",
			Payload: map[string]any{"timecode": "${env.TIMECODE}"}},
	}, nil)
	if !hasRule(diags, "placeholder_root", SeverityError) {
		t.Fatalf("missing placeholder_root error: %+v", diags)
	}
}

func TestLint_UndeclaredInput(t *testing.T) {
	diags := lintRecipe([]StepSpec{
		{ID: "a", Worker: wire.WorkerMedia, Command: "transcribe_folder",
			Payload: map[string]any{"folder_path": "${input.folder}"}},
	}, nil)
	if !hasRule(diags, "input_declared", SeverityWarning) {
		t.Fatalf("missing input_declared warning: %+v", diags)
	}

	// Declaring it under defaults silences the warning.
	diags = lintRecipe([]StepSpec{
		{ID: "a", Worker: wire.WorkerMedia, Command: "transcribe_folder",
			Payload: map[string]any{"folder_path": "${input.folder}"}},
	}, func(r *Recipe) {
		r.Defaults = map[string]any{"folder": "/srv/media"}
	})
	if hasRule(diags, "input_declared", SeverityWarning) {
		t.Fatalf("defaulted input still warned: %+v", diags)
	}
}

func TestLint_RequiredInputUnreferenced(t *testing.T) {
	diags := lintRecipe([]StepSpec{
		{ID: "a", Worker: wire.WorkerResolve, Command: "connect"},
	}, func(r *Recipe) {
		r.Inputs = map[string]InputSpec{"folder": {Type: "string", Required: true}}
	})
	if !hasRule(diags, "required_input_referenced", SeverityWarning) {
		t.Fatalf("missing required_input_referenced warning: %+v", diags)
	}
}

func TestLint_CacheWithoutSources(t *testing.T) {
	diags := lintRecipe([]StepSpec{
		{ID: "a", Worker: wire.WorkerResolve, Command: "spellcheck",
			CachePolicy: map[string]any{"enabled": true}},
	}, nil)
	if !hasRule(diags, "cache_without_sources", SeverityWarning) {
		t.Fatalf("missing cache_without_sources warning: %+v", diags)
	}

	diags = lintRecipe([]StepSpec{
		{ID: "a", Worker: wire.WorkerMedia, Command: "transcribe_folder",
			Payload:     map[string]any{"folder_path": "/x"},
			CachePolicy: map[string]any{"enabled": true}},
	}, nil)
	if hasRule(diags, "cache_without_sources", SeverityWarning) {
		t.Fatalf("cache with folder_path source still warned: %+v", diags)
	}
}

func TestLint_OutputStepExists(t *testing.T) {
	diags := lintRecipe([]StepSpec{
		{ID: "a", Worker: wire.WorkerResolve, Command: "connect"},
	}, func(r *Recipe) {
		r.Outputs = map[string]any{"x": "${steps.ghost.result}"}
	})
	if !hasRule(diags, "output_step_exists", SeverityError) {
		t.Fatalf("missing output_step_exists error: %+v", diags)
	}
}

func TestLint_UnterminatedPlaceholder(t *testing.T) {
	diags := lintRecipe([]StepSpec{
		{ID: "a", Worker: wire.WorkerResolve, Command: "goto",
			Payload: map[string]any{"timecode": "${input.tc"}},
	}, func(r *Recipe) {
		r.Defaults = map[string]any{"tc": "01:00:00:00"}
	})
	if !hasRule(diags, "placeholder_syntax", SeverityWarning) {
		t.Fatalf("missing placeholder_syntax warning: %+v", diags)
	}
}

func TestRecipeValidate_Rejections(t *testing.T) {
	cases := []struct {
		name string
		r    Recipe
		want string
	}{
		{
			name: "missing id",
			r:    Recipe{Steps: []StepSpec{{ID: "a", Worker: wire.WorkerResolve, Command: "connect"}}},
			want: "recipe id is required",
		},
		{
			name: "no steps",
			r:    Recipe{ID: "x"},
			want: "at least one step",
		},
		{
			name: "duplicate step id",
			r: Recipe{ID: "x", Steps: []StepSpec{
				{ID: "a", Worker: wire.WorkerResolve, Command: "connect"},
				{ID: "a", Worker: wire.WorkerResolve, Command: "context"},
			}},
			want: "duplicate step id",
		},
		{
			name: "unknown worker",
			r: Recipe{ID: "x", Steps: []StepSpec{
				{ID: "a", Worker: "render", Command: "connect"},
			}},
			want: "unknown worker",
		},
		{
			name: "unknown command",
			r: Recipe{ID: "x", Steps: []StepSpec{
				{ID: "a", Worker: wire.WorkerResolve, Command: "explode"},
			}},
			want: "unknown command",
		},
		{
			name: "self dependency",
			r: Recipe{ID: "x", Steps: []StepSpec{
				{ID: "a", Worker: wire.WorkerResolve, Command: "connect", DependsOn: []string{"a"}},
			}},
			want: "depends on itself",
		},
		{
			name: "undeclared dependency",
			r: Recipe{ID: "x", Steps: []StepSpec{
				{ID: "a", Worker: wire.WorkerResolve, Command: "connect", DependsOn: []string{"ghost"}},
			}},
			want: "undeclared step",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.r.Validate()
			if err == nil {
				t.Fatalf("Validate accepted %s", tc.name)
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err = %v, want substring %q", err, tc.want)
			}
		})
	}
}
