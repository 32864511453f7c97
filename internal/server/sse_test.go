package server

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/leaderpass/conductor/internal/engine"
	"github.com/leaderpass/conductor/internal/wire"
)

func sseServer(t *testing.T, bus *engine.Bus, filter string) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		WriteSSE(w, r, bus, filter)
	}))
	t.Cleanup(ts.Close)
	return ts
}

// openStream connects to an SSE endpoint and feeds its lines to a channel.
func openStream(t *testing.T, url string) chan string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	req, _ := http.NewRequestWithContext(ctx, "GET", url, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET stream: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("expected text/event-stream, got %q", ct)
	}

	lines := make(chan string, 64)
	go func() {
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			if line := scanner.Text(); line != "" {
				lines <- line
			}
		}
		close(lines)
	}()
	return lines
}

func nextFrame(t *testing.T, lines chan string) (event, data string) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				t.Fatal("stream closed mid-frame")
			}
			switch {
			case strings.HasPrefix(line, "event: "):
				event = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				data = strings.TrimPrefix(line, "data: ")
				return event, data
			}
		case <-deadline:
			t.Fatal("timed out waiting for SSE frame")
		}
	}
}

func TestWriteSSE_ReplayThenLive(t *testing.T) {
	bus := engine.NewBus(32)
	t.Cleanup(bus.Close)

	bus.Publish(engine.Event{Type: engine.EventJobState, JobID: "j1", State: engine.StateQueued})
	ts := sseServer(t, bus, "")
	lines := openStream(t, ts.URL)

	event, data := nextFrame(t, lines)
	if event != "job_state" {
		t.Fatalf("replayed event type = %q", event)
	}
	var ev map[string]any
	if err := json.Unmarshal([]byte(data), &ev); err != nil {
		t.Fatalf("unmarshal replayed frame: %v", err)
	}
	if ev["job_id"] != "j1" || ev["state"] != "queued" {
		t.Fatalf("replayed frame = %v", ev)
	}

	bus.Publish(engine.Event{Type: engine.EventStepProgress, JobID: "j1", StepID: "s1",
		Worker: wire.WorkerMedia, State: engine.StateRunning, Attempt: 1})

	event, data = nextFrame(t, lines)
	if event != "step_progress" {
		t.Fatalf("live event type = %q", event)
	}
	if err := json.Unmarshal([]byte(data), &ev); err != nil {
		t.Fatalf("unmarshal live frame: %v", err)
	}
	if ev["step_id"] != "s1" {
		t.Fatalf("live frame = %v", ev)
	}
}

func TestWriteSSE_DoneOnBusClose(t *testing.T) {
	bus := engine.NewBus(8)
	ts := sseServer(t, bus, "")
	lines := openStream(t, ts.URL)

	bus.Publish(engine.Event{Type: engine.EventJobState, JobID: "j1", State: engine.StateQueued})
	nextFrame(t, lines)

	bus.Close()

	deadline := time.After(3 * time.Second)
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				t.Fatal("stream ended without a done event")
			}
			if line == "event: done" {
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for done event")
		}
	}
}

func TestWriteSSE_JobFilter(t *testing.T) {
	bus := engine.NewBus(32)
	t.Cleanup(bus.Close)

	bus.Publish(engine.Event{Type: engine.EventJobState, JobID: "other", State: engine.StateQueued})
	bus.Publish(engine.Event{Type: engine.EventJobState, JobID: "mine", State: engine.StateQueued})
	// Unattributed events pass every filter.
	bus.Publish(engine.Event{Type: engine.EventWorkerEvent, Worker: wire.WorkerResolve,
		Code: "WORKER_AVAILABLE"})

	ts := sseServer(t, bus, "mine")
	lines := openStream(t, ts.URL)

	_, data := nextFrame(t, lines)
	var ev map[string]any
	if err := json.Unmarshal([]byte(data), &ev); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if ev["job_id"] != "mine" {
		t.Fatalf("first delivered frame = %v, want job mine", ev)
	}

	_, data = nextFrame(t, lines)
	if err := json.Unmarshal([]byte(data), &ev); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if ev["code"] != "WORKER_AVAILABLE" {
		t.Fatalf("second delivered frame = %v, want unattributed worker event", ev)
	}
}
