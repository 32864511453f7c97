package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/leaderpass/conductor/internal/engine"
)

// WriteSSE streams bus events to an HTTP response as Server-Sent Events:
// the retained history first, then live events until the client disconnects
// or the bus closes. filterJob, when non-empty, narrows the stream to one
// job's events plus everything unattributed (worker availability and the
// like).
func WriteSSE(w http.ResponseWriter, r *http.Request, bus *engine.Bus, filterJob string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // nginx proxy compatibility
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	events, doneCh, unsub := bus.Subscribe()
	defer unsub()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				// Channel closed. Only emit "done" if the bus actually
				// closed (vs. this client being dropped for slowness).
				select {
				case <-doneCh:
					fmt.Fprintf(w, "event: done\ndata: {}\n\n")
					flusher.Flush()
				default:
					// Slow-client drop. Disconnect silently.
				}
				return
			}
			if filterJob != "" && ev.JobID != "" && ev.JobID != filterJob {
				continue
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
			flusher.Flush()
		}
	}
}
