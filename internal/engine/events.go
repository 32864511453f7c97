package engine

import (
	"strings"
	"sync"
	"time"

	"github.com/leaderpass/conductor/internal/wire"
)

// Event types on the engine bus.
const (
	EventJobState     = "job_state"
	EventStepProgress = "step_progress"
	EventWorkerEvent  = "worker_event"
)

// Event is one engine emission: a job state change, a step progress change,
// or a worker event passed through from the supervisor.
type Event struct {
	Type     string      `json:"type"`
	TS       time.Time   `json:"ts"`
	JobID    string      `json:"job_id,omitempty"`
	StepID   string      `json:"step_id,omitempty"`
	Worker   wire.Worker `json:"worker,omitempty"`
	State    State       `json:"state,omitempty"`
	Code     string      `json:"code,omitempty"`
	Attempt  int         `json:"attempt,omitempty"`
	Output   any         `json:"output,omitempty"`
	Error    *wire.Error `json:"error,omitempty"`
	Message  string      `json:"message,omitempty"`
	Data     any         `json:"data,omitempty"`
	TraceID  string      `json:"trace_id,omitempty"`
	TimingMS int64       `json:"timing_ms,omitempty"`
}

// Bus fans engine events out to multiple subscribers and keeps a bounded
// history for replay. Slow subscribers are dropped rather than allowed to
// block the engine.
type Bus struct {
	mu         sync.Mutex
	history    []Event
	historyCap int
	clients    map[uint64]chan Event
	nextID     uint64
	closed     bool
	doneCh     chan struct{}
}

// NewBus creates a bus retaining up to historyCap events for replay.
func NewBus(historyCap int) *Bus {
	if historyCap <= 0 {
		historyCap = 2000
	}
	return &Bus{
		historyCap: historyCap,
		clients:    make(map[uint64]chan Event),
		doneCh:     make(chan struct{}),
	}
}

// Publish appends ev to history and delivers it to every subscriber. A
// subscriber whose buffer is full is closed and dropped.
func (b *Bus) Publish(ev Event) {
	if ev.TS.IsZero() {
		ev.TS = time.Now()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.history = append(b.history, ev)
	if len(b.history) > b.historyCap {
		b.history = b.history[len(b.history)-b.historyCap:]
	}
	for id, ch := range b.clients {
		select {
		case ch <- ev:
		default:
			close(ch)
			delete(b.clients, id)
		}
	}
}

// Subscribe returns an events channel, a done channel, and an unsubscribe
// function. The channel first replays the retained history, then receives
// live events. The done channel closes only when the bus closes, letting
// callers distinguish shutdown from a slow-client drop.
func (b *Bus) Subscribe() (<-chan Event, <-chan struct{}, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, len(b.history)+256)
	id := b.nextID
	b.nextID++

	// Sized to hold the whole replay plus live headroom, so this never
	// blocks while holding the mutex.
	for _, ev := range b.history {
		ch <- ev
	}

	if b.closed {
		close(ch)
		return ch, b.doneCh, func() {}
	}

	b.clients[id] = ch
	unsub := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.clients[id]; ok {
			delete(b.clients, id)
			close(ch)
		}
	}
	return ch, b.doneCh, unsub
}

// History returns a copy of the retained events.
func (b *Bus) History() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Event, len(b.history))
	copy(out, b.history)
	return out
}

// HistoryFor returns retained events filtered by job id and, when stepID is
// non-empty, by step id.
func (b *Bus) HistoryFor(jobID, stepID string) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []Event
	for _, ev := range b.history {
		if ev.JobID != jobID {
			continue
		}
		if stepID != "" && ev.StepID != stepID {
			continue
		}
		out = append(out, ev)
	}
	return out
}

// Close drops all subscribers and rejects further publishes.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.doneCh)
	for id, ch := range b.clients {
		close(ch)
		delete(b.clients, id)
	}
}

// WorkerEvent converts a supervisor emission into a bus event, attributing
// it to a job and step when the trace id carries the engine's
// "{job}:{step}:{attempt}" form.
func WorkerEvent(w wire.Worker, ev *wire.Event) Event {
	out := Event{
		Type:    EventWorkerEvent,
		TS:      time.Now(),
		Worker:  w,
		Code:    ev.Code,
		Message: ev.Message,
		Data:    ev.Data,
		TraceID: ev.TraceID,
	}
	if ev.Error != "" {
		out.Error = wire.UserErrorf("%s", ev.Error)
	}
	if parts := strings.Split(ev.TraceID, ":"); len(parts) == 3 {
		out.JobID, out.StepID = parts[0], parts[1]
	}
	if ev.Kind != "" && out.Code == "" {
		out.Code = strings.ToUpper(ev.Kind)
	}
	return out
}
