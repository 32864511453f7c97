package recipe

import (
	"reflect"
	"testing"
)

func testCtx() map[string]any {
	return map[string]any{
		"recipe": map[string]any{"id": "demo", "version": 2},
		"input": map[string]any{
			"folder":  "/media/in",
			"use_gpu": true,
			"count":   float64(3),
			"tags":    []any{"a", "b"},
			"nested":  map[string]any{"deep": "x"},
		},
		"steps": map[string]any{},
	}
}

func TestInterpolate_WholePlaceholderPreservesType(t *testing.T) {
	ctx := testCtx()
	cases := []struct {
		in   string
		want any
	}{
		{"${input.folder}", "/media/in"},
		{"${input.use_gpu}", true},
		{"${input.count}", float64(3)},
		{"${input.tags}", []any{"a", "b"}},
		{"${input.nested}", map[string]any{"deep": "x"}},
		{"${input.tags.1}", "b"},
		{"${recipe.version}", 2},
	}
	for _, tc := range cases {
		got := Interpolate(tc.in, ctx)
		if !reflect.DeepEqual(got, tc.want) {
			t.Fatalf("Interpolate(%q) = %#v, want %#v", tc.in, got, tc.want)
		}
	}
}

func TestInterpolate_EmbeddedStringifies(t *testing.T) {
	ctx := testCtx()
	cases := []struct {
		in   string
		want string
	}{
		{"out: ${input.folder}/done", "out: /media/in/done"},
		{"gpu=${input.use_gpu} n=${input.count}", "gpu=true n=3"},
		{"missing: <${input.nope}>", "missing: <>"},
		{"tags: ${input.tags}", `tags: ["a","b"]`},
	}
	for _, tc := range cases {
		got := Interpolate(tc.in, ctx)
		if got != tc.want {
			t.Fatalf("Interpolate(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestInterpolate_UnresolvedWholeDropsMapKeyAndNilsArraySlot(t *testing.T) {
	ctx := testCtx()
	in := map[string]any{
		"keep":  "${input.folder}",
		"drop":  "${input.nope}",
		"items": []any{"${input.nope}", "${input.use_gpu}"},
	}
	got := InterpolateMap(in, ctx)
	if _, ok := got["drop"]; ok {
		t.Fatalf("unresolved whole placeholder should drop the key, got %#v", got)
	}
	if got["keep"] != "/media/in" {
		t.Fatalf("keep = %#v", got["keep"])
	}
	items, ok := got["items"].([]any)
	if !ok || len(items) != 2 {
		t.Fatalf("items = %#v", got["items"])
	}
	if items[0] != nil || items[1] != true {
		t.Fatalf("items = %#v", items)
	}
}

func TestInterpolate_NilTemplateYieldsEmptyMap(t *testing.T) {
	got := InterpolateMap(nil, testCtx())
	if got == nil || len(got) != 0 {
		t.Fatalf("InterpolateMap(nil) = %#v", got)
	}
}

// Interpolating an already interpolated value must be a no-op for a fixed
// context: a resolved payload contains no live placeholders apart from
// literal text, so a second pass cannot change it.
func TestInterpolate_Idempotent(t *testing.T) {
	ctx := testCtx()
	in := map[string]any{
		"folder_path": "${input.folder}",
		"label":       "run ${recipe.id} v${recipe.version}",
		"gone":        "${input.nope}",
		"nested": map[string]any{
			"tags":  "${input.tags}",
			"deep":  "${input.nested.deep}",
			"plain": 42,
		},
		"list": []any{"${input.use_gpu}", "x ${input.count}"},
	}
	once := Interpolate(in, ctx)
	twice := Interpolate(once, ctx)
	if !reflect.DeepEqual(once, twice) {
		t.Fatalf("interpolation not idempotent:\nonce:  %#v\ntwice: %#v", once, twice)
	}
}

func TestResolvePath_Misses(t *testing.T) {
	ctx := testCtx()
	for _, path := range []string{"", "nope", "input.nope", "input.tags.9", "input.tags.x", "input.folder.deep"} {
		if _, ok := resolvePath(ctx, path); ok {
			t.Fatalf("resolvePath(%q) unexpectedly resolved", path)
		}
	}
}
