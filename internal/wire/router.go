package wire

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// commandSpec binds a command to its owning worker and payload schema.
type commandSpec struct {
	owner  Worker
	schema *jsonschema.Schema
}

// PingCommand is the health-check command every worker implements. It is
// not part of the ownership table: any worker accepts it.
const PingCommand = "ping"

// commands is the closed command-ownership table. Schemas declare required
// payload fields and scalar types; unknown payload fields are tolerated
// because the wire flattens payloads at top level.
var commands = map[string]commandSpec{
	// resolve worker
	"connect":  {owner: WorkerResolve, schema: emptySchema()},
	"context":  {owner: WorkerResolve, schema: emptySchema()},
	"shutdown": {owner: WorkerResolve, schema: emptySchema()},
	"add_marker": {owner: WorkerResolve, schema: mustSchema("add_marker", obj{
		"properties": obj{
			"timecode":    obj{"type": "string"},
			"frame":       obj{"type": "number"},
			"color":       obj{"type": "string"},
			"name":        obj{"type": "string"},
			"note":        obj{"type": "string"},
			"duration":    obj{"type": "number"},
			"custom_data": obj{"type": "string"},
		},
	})},
	"start_render": {owner: WorkerResolve, schema: emptySchema()},
	"stop_render":  {owner: WorkerResolve, schema: emptySchema()},
	"create_project_bins": {owner: WorkerResolve, schema: mustSchema("create_project_bins", obj{
		"properties": obj{
			"bins": obj{"type": "object"},
		},
	})},
	"update_text": {owner: WorkerResolve, schema: mustSchema("update_text", obj{
		"required": []any{"tool_name", "text"},
		"properties": obj{
			"tool_name":   obj{"type": "string"},
			"text":        obj{"type": "string"},
			"track":       obj{"type": "number"},
			"start_frame": obj{"type": "number"},
		},
	})},
	"goto": {owner: WorkerResolve, schema: mustSchema("goto", obj{
		"properties": obj{
			"timecode": obj{"type": "string"},
			"frame":    obj{"type": "number"},
		},
	})},
	"spellcheck": {owner: WorkerResolve, schema: emptySchema()},
	"lp_base_export": {owner: WorkerResolve, schema: mustSchema("lp_base_export", obj{
		"properties": obj{
			"round": obj{"type": "number"},
		},
	})},

	// media worker
	"transcribe": {owner: WorkerMedia, schema: mustSchema("transcribe", obj{
		"required": []any{"folder_path"},
		"properties": obj{
			"folder_path": obj{"type": "string"},
			"language":    obj{"type": "string"},
			"model":       obj{"type": "string"},
			"output_mode": obj{"type": "string", "enum": []any{"txt", "json", "srt"}},
			"overwrite":   obj{"type": "boolean"},
		},
	})},
	"transcribe_folder": {owner: WorkerMedia, schema: mustSchema("transcribe_folder", obj{
		"required": []any{"folder_path"},
		"properties": obj{
			"folder_path": obj{"type": "string"},
			"use_gpu":     obj{"type": "boolean"},
			"engine":      obj{"type": "string"},
		},
	})},
	"test_cuda": {owner: WorkerMedia, schema: emptySchema()},

	// platform worker
	"leaderpass_auth": {owner: WorkerPlatform, schema: emptySchema()},
	"leaderpass_upload": {owner: WorkerPlatform, schema: mustSchema("leaderpass_upload", obj{
		"required": []any{"file_path"},
		"properties": obj{
			"file_path":  obj{"type": "string"},
			"chunk_size": obj{"type": "number"},
		},
	})},
}

type obj = map[string]any

// mustSchema compiles a payload schema from its object form. Schemas are
// static; a compile failure is a programming error.
func mustSchema(name string, params obj) *jsonschema.Schema {
	if params["type"] == nil {
		params["type"] = "object"
	}
	b, err := json.Marshal(params)
	if err != nil {
		panic(fmt.Sprintf("marshal schema %s: %v", name, err))
	}
	c := jsonschema.NewCompiler()
	res := name + ".schema.json"
	if err := c.AddResource(res, strings.NewReader(string(b))); err != nil {
		panic(fmt.Sprintf("add schema %s: %v", name, err))
	}
	s, err := c.Compile(res)
	if err != nil {
		panic(fmt.Sprintf("compile schema %s: %v", name, err))
	}
	return s
}

func emptySchema() *jsonschema.Schema {
	return mustSchema("empty", obj{"type": "object", "properties": obj{}})
}

// CommandOwner returns the worker that owns cmd. Ping has no single owner
// and reports false.
func CommandOwner(cmd string) (Worker, bool) {
	spec, ok := commands[cmd]
	if !ok {
		return "", false
	}
	return spec.owner, true
}

// Commands returns every routable command in sorted order.
func Commands() []string {
	out := make([]string, 0, len(commands))
	for cmd := range commands {
		out = append(out, cmd)
	}
	sort.Strings(out)
	return out
}

// CommandsFor returns the commands owned by w in sorted order.
func CommandsFor(w Worker) []string {
	var out []string
	for cmd, spec := range commands {
		if spec.owner == w {
			out = append(out, cmd)
		}
	}
	sort.Strings(out)
	return out
}

// ValidateRequest checks a canonical envelope before dispatch. All failures
// are UserErrors: missing fields, an unknown worker or command, a command
// sent to a worker that does not own it, or a payload violating the
// command's schema.
func ValidateRequest(req *Request) error {
	if req == nil {
		return UserErrorf("request is required")
	}
	if req.ID == "" {
		return UserErrorf("id is required")
	}
	if req.Worker == "" {
		return UserErrorf("worker is required")
	}
	if !req.Worker.Valid() {
		return UserErrorf("unknown worker %q", req.Worker).WithDetail("field", "worker")
	}
	if req.Cmd == "" {
		return UserErrorf("cmd is required").WithDetail("field", "cmd")
	}
	if req.Cmd == PingCommand {
		return nil
	}
	spec, ok := commands[req.Cmd]
	if !ok {
		return UserErrorf("unknown command %q", req.Cmd).WithDetail("field", "cmd")
	}
	if spec.owner != req.Worker {
		return UserErrorf("command %q belongs to worker %q, not %q", req.Cmd, spec.owner, req.Worker).
			WithDetail("field", "worker").
			WithDetail("owner", string(spec.owner))
	}
	payload := req.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	if err := spec.schema.Validate(normalizeForSchema(payload)); err != nil {
		return schemaUserError(req.Cmd, err)
	}
	return nil
}

// normalizeForSchema round-trips payload values through JSON typing so the
// validator sees the same shapes a decoded wire message would carry.
// Payloads built in-process may hold ints, typed slices, or nested structs
// that the schema library treats differently from their JSON forms.
func normalizeForSchema(payload map[string]any) any {
	b, err := json.Marshal(payload)
	if err != nil {
		return payload
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return payload
	}
	return out
}

// schemaUserError flattens a jsonschema validation error into a UserError
// naming the offending payload field.
func schemaUserError(cmd string, err error) *Error {
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return UserErrorf("invalid payload for %s: %v", cmd, err)
	}
	leaf := ve
	for len(leaf.Causes) > 0 {
		leaf = leaf.Causes[0]
	}
	field := strings.TrimPrefix(leaf.InstanceLocation, "/")
	field = strings.ReplaceAll(field, "/", ".")
	ue := UserErrorf("invalid payload for %s: %s", cmd, leaf.Message)
	if field != "" {
		ue = UserErrorf("invalid payload for %s: field %q: %s", cmd, field, leaf.Message)
		ue.WithDetail("field", field)
	}
	return ue
}
