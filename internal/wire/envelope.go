package wire

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Request is the canonical form of a command sent to a worker.
type Request struct {
	ID      string         `json:"id"`
	Worker  Worker         `json:"worker"`
	Cmd     string         `json:"cmd"`
	Payload map[string]any `json:"payload"`
	TraceID string         `json:"trace_id"`
}

// Response is the terminal reply to one Request. Exactly one of Data (ok) or
// Err (not ok) is meaningful.
type Response struct {
	ID      string         `json:"id"`
	OK      bool           `json:"ok"`
	Data    any            `json:"data,omitempty"`
	Err     *Error         `json:"error,omitempty"`
	TraceID string         `json:"trace_id,omitempty"`
	Metrics map[string]any `json:"metrics,omitempty"`
}

// Event is an unsolicited worker emission. Events carry no request id and
// never consume a pending entry.
type Event struct {
	Kind    string         `json:"event"`
	TraceID string         `json:"trace_id,omitempty"`
	Code    string         `json:"code,omitempty"`
	Data    any            `json:"data,omitempty"`
	Error   string         `json:"error,omitempty"`
	Message string         `json:"message,omitempty"`
	Metrics map[string]any `json:"metrics,omitempty"`
}

// Event kinds emitted by workers.
const (
	EventStatus   = "status"
	EventProgress = "progress"
	EventMessage  = "message"
)

// Message is the normalized form of one worker stdout line: either a
// response or an event, never both.
type Message struct {
	Response *Response
	Event    *Event
}

// Top-level fields with reserved meaning. Every other field of a raw
// request mapping is treated as a payload entry.
var reservedRequestFields = map[string]bool{
	"id": true, "worker": true, "cmd": true, "payload": true, "trace_id": true,
}

// ToRequestEnvelope canonicalizes a raw user request. raw is either a bare
// command name or a mapping carrying cmd plus optional worker, payload,
// trace_id, and extra fields. Extra top-level fields become payload entries
// and win over the explicit payload mapping. Missing id and trace_id are
// assigned fresh opaque values. The worker is chosen as hint, then the raw
// mapping's worker, then the command's owner.
func ToRequestEnvelope(raw any, hint Worker) (*Request, error) {
	req := &Request{Payload: map[string]any{}}

	switch v := raw.(type) {
	case string:
		req.Cmd = v
	case map[string]any:
		if cmd, ok := v["cmd"].(string); ok {
			req.Cmd = cmd
		}
		if id, ok := v["id"].(string); ok {
			req.ID = id
		}
		if tid, ok := v["trace_id"].(string); ok {
			req.TraceID = tid
		}
		if w, ok := v["worker"].(string); ok && req.Worker == "" {
			req.Worker = Worker(w)
		}
		if p, ok := v["payload"]; ok && p != nil {
			pm, ok := p.(map[string]any)
			if !ok {
				return nil, UserErrorf("payload must be a mapping, got %T", p)
			}
			for k, val := range pm {
				req.Payload[k] = val
			}
		}
		for k, val := range v {
			if reservedRequestFields[k] {
				continue
			}
			req.Payload[k] = val
		}
	default:
		return nil, UserErrorf("request must be a command name or a mapping, got %T", raw)
	}

	if hint != "" {
		req.Worker = hint
	}
	if req.Worker == "" && req.Cmd != "" {
		if owner, ok := CommandOwner(req.Cmd); ok {
			req.Worker = owner
		}
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.TraceID == "" {
		req.TraceID = uuid.NewString()
	}
	return req, nil
}

// WireMessage serializes req as a single JSON line for the worker: id, cmd,
// and trace_id at top level with the payload fields flattened beside them.
// The returned slice does not include the trailing newline.
func WireMessage(req *Request) ([]byte, error) {
	flat := make(map[string]any, len(req.Payload)+3)
	for k, v := range req.Payload {
		flat[k] = v
	}
	flat["id"] = req.ID
	flat["cmd"] = req.Cmd
	flat["trace_id"] = req.TraceID
	b, err := json.Marshal(flat)
	if err != nil {
		return nil, fmt.Errorf("encode wire message for %s: %w", req.Cmd, err)
	}
	return b, nil
}

// NormalizeResponse classifies one parsed worker line. A mapping with an
// "event" field is an event; a mapping with ok == false is a failed response
// whose error is normalized to a categorized Error; anything else is a
// successful response whose data is raw["data"] when present or the whole
// mapping otherwise (legacy workers reply with the payload at top level).
// When startedAt is non-zero, metrics.latency_ms is attached to responses.
func NormalizeResponse(raw map[string]any, startedAt time.Time) *Message {
	if kind, ok := raw["event"].(string); ok && kind != "" {
		ev := &Event{Kind: kind}
		ev.TraceID, _ = raw["trace_id"].(string)
		ev.Code, _ = raw["code"].(string)
		ev.Data = raw["data"]
		ev.Message, _ = raw["message"].(string)
		if s, ok := raw["error"].(string); ok {
			ev.Error = s
		}
		if m, ok := raw["metrics"].(map[string]any); ok {
			ev.Metrics = m
		}
		return &Message{Event: ev}
	}

	resp := &Response{}
	resp.ID, _ = raw["id"].(string)
	resp.TraceID, _ = raw["trace_id"].(string)
	if m, ok := raw["metrics"].(map[string]any); ok {
		resp.Metrics = m
	}
	if !startedAt.IsZero() {
		if resp.Metrics == nil {
			resp.Metrics = map[string]any{}
		}
		resp.Metrics["latency_ms"] = time.Since(startedAt).Milliseconds()
	}

	if ok, present := raw["ok"].(bool); present && !ok {
		resp.OK = false
		resp.Err = normalizeWireError(raw["error"])
		return &Message{Response: resp}
	}

	resp.OK = true
	if data, present := raw["data"]; present && data != nil {
		resp.Data = data
	} else {
		resp.Data = raw
	}
	return &Message{Response: resp}
}

// normalizeWireError converts the wire "error" value into a categorized
// Error. A string or missing category defaults to CategoryUser.
func normalizeWireError(v any) *Error {
	switch e := v.(type) {
	case nil:
		return UserErrorf("worker reported failure without an error")
	case string:
		return UserErrorf("%s", e)
	case map[string]any:
		msg, _ := e["message"].(string)
		if msg == "" {
			msg = "worker reported failure"
		}
		cat, _ := e["category"].(string)
		we := &Error{Category: parseCategory(cat), Message: msg}
		if d, ok := e["details"].(map[string]any); ok {
			we.Details = d
		}
		return we
	default:
		return UserErrorf("%v", e)
	}
}
