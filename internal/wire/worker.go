// Package wire defines the request/response envelopes exchanged with worker
// processes, the command router that maps commands to their owning worker,
// and the error categories carried across the worker boundary.
package wire

import "fmt"

// Worker identifies one of the long-lived worker processes.
type Worker string

const (
	// WorkerResolve owns commands against the editing application.
	WorkerResolve Worker = "resolve"
	// WorkerMedia owns transcription and GPU compute commands.
	WorkerMedia Worker = "media"
	// WorkerPlatform owns LeaderPass platform commands.
	WorkerPlatform Worker = "platform"
)

// Workers returns all worker roles in a stable order.
func Workers() []Worker {
	return []Worker{WorkerResolve, WorkerMedia, WorkerPlatform}
}

// Valid reports whether w names a known worker role.
func (w Worker) Valid() bool {
	switch w {
	case WorkerResolve, WorkerMedia, WorkerPlatform:
		return true
	}
	return false
}

// ParseWorker converts a string into a Worker, failing on unknown roles.
func ParseWorker(s string) (Worker, error) {
	w := Worker(s)
	if !w.Valid() {
		return "", fmt.Errorf("unknown worker %q", s)
	}
	return w, nil
}
