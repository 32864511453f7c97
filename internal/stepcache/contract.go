package stepcache

import (
	"fmt"
	"os"
)

// Contract names a declarative post-condition a step's output must satisfy
// before the engine accepts the result or caches it.
type Contract string

const (
	// ContractNonNull requires a non-nullish output. This is the default.
	ContractNonNull Contract = "non_null"
	// ContractTranscribeOutput requires the transcription result shape: a
	// non-empty outputs[] whose entries name an existing source file and at
	// least one existing, non-empty output file.
	ContractTranscribeOutput Contract = "transcribe_output"
)

// ValidateContract checks output against the named contract. An empty kind
// means ContractNonNull. Unknown kinds fail closed so a recipe typo cannot
// silently accept garbage.
func ValidateContract(kind Contract, output any) error {
	if kind == "" {
		kind = ContractNonNull
	}
	switch kind {
	case ContractNonNull:
		return validateNonNull(output)
	case ContractTranscribeOutput:
		return validateTranscribeOutput(output)
	default:
		return fmt.Errorf("unknown output contract %q", kind)
	}
}

func validateNonNull(output any) error {
	if output == nil {
		return fmt.Errorf("output is null")
	}
	return nil
}

func validateTranscribeOutput(output any) error {
	m, ok := output.(map[string]any)
	if !ok {
		return fmt.Errorf("transcribe output must be a mapping, got %T", output)
	}
	rawOutputs, ok := m["outputs"]
	if !ok {
		return fmt.Errorf("transcribe output has no outputs field")
	}
	entries, ok := rawOutputs.([]any)
	if !ok || len(entries) == 0 {
		return fmt.Errorf("transcribe output has empty outputs")
	}
	for i, raw := range entries {
		entry, ok := raw.(map[string]any)
		if !ok {
			return fmt.Errorf("outputs[%d] is not a mapping", i)
		}
		file, _ := entry["file"].(string)
		if file == "" {
			return fmt.Errorf("outputs[%d] names no source file", i)
		}
		if _, err := os.Stat(file); err != nil {
			return fmt.Errorf("outputs[%d] source %s: %w", i, file, err)
		}
		paths := outputPaths(entry)
		if len(paths) == 0 {
			return fmt.Errorf("outputs[%d] names no output paths", i)
		}
		for _, p := range paths {
			info, err := os.Stat(p)
			if err != nil {
				return fmt.Errorf("outputs[%d] output %s: %w", i, p, err)
			}
			if !info.Mode().IsRegular() {
				return fmt.Errorf("outputs[%d] output %s is not a regular file", i, p)
			}
			if info.Size() == 0 {
				return fmt.Errorf("outputs[%d] output %s is empty", i, p)
			}
		}
	}
	return nil
}

// outputPaths reads an entry's output_paths list, falling back to the legacy
// singular output field older media workers emit.
func outputPaths(entry map[string]any) []string {
	if raw, ok := entry["output_paths"].([]any); ok {
		var out []string
		for _, v := range raw {
			if s, ok := v.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	if s, ok := entry["output"].(string); ok && s != "" {
		return []string{s}
	}
	return nil
}
