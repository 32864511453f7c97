package wire

import (
	"strings"
	"testing"
)

// Every command routed through ToRequestEnvelope lands on its owning worker
// and validates clean with an empty-but-sufficient payload.
func TestEveryCommandRoutesToOwner(t *testing.T) {
	minimal := map[string]map[string]any{
		"update_text":       {"tool_name": "Title", "text": "hello"},
		"transcribe":        {"folder_path": "/tmp/a"},
		"transcribe_folder": {"folder_path": "/tmp/a"},
		"leaderpass_upload": {"file_path": "/tmp/a.mov"},
	}
	for _, cmd := range Commands() {
		raw := map[string]any{"cmd": cmd}
		for k, v := range minimal[cmd] {
			raw[k] = v
		}
		req, err := ToRequestEnvelope(raw, "")
		if err != nil {
			t.Fatalf("%s: ToRequestEnvelope: %v", cmd, err)
		}
		owner, ok := CommandOwner(cmd)
		if !ok {
			t.Fatalf("%s: no owner", cmd)
		}
		if req.Worker != owner {
			t.Fatalf("%s: routed to %q, owner is %q", cmd, req.Worker, owner)
		}
		if err := ValidateRequest(req); err != nil {
			t.Fatalf("%s: ValidateRequest: %v", cmd, err)
		}
	}
}

func TestValidateRequestMisroute(t *testing.T) {
	req, err := ToRequestEnvelope(map[string]any{
		"cmd":         "transcribe_folder",
		"worker":      "resolve",
		"folder_path": "/tmp/a",
	}, "")
	if err != nil {
		t.Fatalf("ToRequestEnvelope: %v", err)
	}
	err = ValidateRequest(req)
	if err == nil {
		t.Fatalf("expected misroute error")
	}
	if CategoryOf(err) != CategoryUser {
		t.Fatalf("category = %v, want user", CategoryOf(err))
	}
	if !strings.Contains(err.Error(), "media") {
		t.Fatalf("error should name the owning worker: %v", err)
	}
}

func TestValidateRequestUnknownCommand(t *testing.T) {
	req := &Request{ID: "1", Worker: WorkerMedia, Cmd: "explode", TraceID: "t"}
	err := ValidateRequest(req)
	if err == nil || CategoryOf(err) != CategoryUser {
		t.Fatalf("unknown command should be a UserError, got %v", err)
	}
}

func TestValidateRequestMissingRequiredField(t *testing.T) {
	req := &Request{ID: "1", Worker: WorkerMedia, Cmd: "transcribe_folder", TraceID: "t",
		Payload: map[string]any{"use_gpu": true}}
	err := ValidateRequest(req)
	if err == nil {
		t.Fatalf("expected missing folder_path to fail")
	}
	if CategoryOf(err) != CategoryUser {
		t.Fatalf("category = %v, want user", CategoryOf(err))
	}
	if !strings.Contains(err.Error(), "folder_path") {
		t.Fatalf("error should name the missing field: %v", err)
	}
}

func TestValidateRequestWrongScalarType(t *testing.T) {
	req := &Request{ID: "1", Worker: WorkerMedia, Cmd: "transcribe_folder", TraceID: "t",
		Payload: map[string]any{"folder_path": "/tmp/a", "use_gpu": "yes"}}
	err := ValidateRequest(req)
	if err == nil {
		t.Fatalf("expected type violation to fail")
	}
	if CategoryOf(err) != CategoryUser {
		t.Fatalf("category = %v, want user", CategoryOf(err))
	}
}

func TestValidateRequestIntPayloadAccepted(t *testing.T) {
	// In-process callers hand the router Go ints; the schema sees JSON
	// numbers either way.
	req := &Request{ID: "1", Worker: WorkerPlatform, Cmd: "leaderpass_upload", TraceID: "t",
		Payload: map[string]any{"file_path": "/tmp/a.mov", "chunk_size": 1 << 20}}
	if err := ValidateRequest(req); err != nil {
		t.Fatalf("int chunk_size should validate: %v", err)
	}
}

func TestValidateRequestPingAnyWorker(t *testing.T) {
	for _, w := range Workers() {
		req := &Request{ID: "1", Worker: w, Cmd: PingCommand, TraceID: "t"}
		if err := ValidateRequest(req); err != nil {
			t.Fatalf("ping on %s: %v", w, err)
		}
	}
}

func TestCommandsForCoversEnum(t *testing.T) {
	want := map[Worker]int{WorkerResolve: 11, WorkerMedia: 3, WorkerPlatform: 2}
	for w, n := range want {
		if got := len(CommandsFor(w)); got != n {
			t.Fatalf("CommandsFor(%s) = %d commands, want %d", w, got, n)
		}
	}
}
