package recipe

import "github.com/leaderpass/conductor/internal/wire"

// defaultBins is the standard project bin layout created by prepare_project
// when the caller does not supply one.
var defaultBins = map[string]any{
	"FOOTAGE":   []any{"BROLL", "ATEM", "4K"},
	"AUDIO":     []any{},
	"SEQUENCES": []any{"MC"},
	"WORK":      []any{},
	"MUSIC":     []any{},
	"SFX":       []any{},
	"GFX":       []any{},
	"EXPORT":    []any{},
}

// transcribableGlob matches the media extensions the transcription worker
// accepts; cache fingerprints ignore everything else (notably the generated
// transcript files, which would otherwise invalidate their own cache entry).
const transcribableGlob = "**/*.{aac,aif,aiff,flac,m4a,mp3,mp4,mov,mkv,wav}"

func builtinRecipes() []Recipe {
	return []Recipe{
		{
			ID:          "transcribe_folder",
			Version:     1,
			Description: "Transcribe every media file in a folder.",
			Inputs: map[string]InputSpec{
				"folder":  {Type: "string", Required: true, Description: "Folder scanned recursively for media files."},
				"use_gpu": {Type: "boolean"},
				"engine":  {Type: "string"},
			},
			Defaults: map[string]any{
				"use_gpu": false,
			},
			Steps: []StepSpec{
				{
					ID:      "transcribe",
					Worker:  wire.WorkerMedia,
					Command: "transcribe_folder",
					Payload: map[string]any{
						"folder_path": "${input.folder}",
						"use_gpu":     "${input.use_gpu}",
						"engine":      "${input.engine}",
					},
					CachePolicy: map[string]any{
						"enabled": true,
						"ttl_ms":  86400000,
						"include": []any{transcribableGlob},
					},
					OutputContract: "transcribe_output",
					RetryPolicy: map[string]any{
						"max_attempts":     2,
						"initial_delay_ms": 1000,
					},
				},
			},
			Outputs: map[string]any{
				"transcripts":     "${steps.transcribe.outputs}",
				"files_processed": "${steps.transcribe.files_processed}",
			},
		},
		{
			ID:          "lp_base_export_round1",
			Version:     1,
			Description: "Queue round 1 renders for the EXPORT bin and upload the result.",
			Inputs: map[string]InputSpec{
				"file":       {Type: "string", Required: true, Description: "Rendered file to upload once the export round finishes."},
				"chunk_size": {Type: "number"},
			},
			Steps: []StepSpec{
				{
					ID:      "connect",
					Worker:  wire.WorkerResolve,
					Command: "connect",
					RetryPolicy: map[string]any{
						"max_attempts":     3,
						"initial_delay_ms": 2000,
					},
				},
				{
					ID:        "export",
					Worker:    wire.WorkerResolve,
					Command:   "lp_base_export",
					DependsOn: []string{"connect"},
					Payload: map[string]any{
						"round": 1,
					},
				},
				{
					ID:        "upload",
					Worker:    wire.WorkerPlatform,
					Command:   "leaderpass_upload",
					DependsOn: []string{"export"},
					Payload: map[string]any{
						"file_path":  "${input.file}",
						"chunk_size": "${input.chunk_size}",
					},
					RetryPolicy: map[string]any{
						"max_attempts":     3,
						"initial_delay_ms": 1500,
						"jitter":           true,
					},
				},
			},
			Outputs: map[string]any{
				"render": "${steps.export}",
				"upload": "${steps.upload}",
			},
		},
		{
			ID:          "prepare_project",
			Version:     1,
			Description: "Create the standard bin structure in the active project.",
			Inputs: map[string]InputSpec{
				"bins": {Type: "object", Description: "Bin name to sub-bin list; omit for the standard layout."},
			},
			Defaults: map[string]any{
				"bins": defaultBins,
			},
			Steps: []StepSpec{
				{
					ID:      "connect",
					Worker:  wire.WorkerResolve,
					Command: "connect",
					RetryPolicy: map[string]any{
						"max_attempts":     3,
						"initial_delay_ms": 2000,
					},
				},
				{
					ID:        "bins",
					Worker:    wire.WorkerResolve,
					Command:   "create_project_bins",
					DependsOn: []string{"connect"},
					Payload: map[string]any{
						"bins": "${input.bins}",
					},
				},
			},
			Outputs: map[string]any{
				"created": "${steps.bins.result}",
			},
		},
	}
}
