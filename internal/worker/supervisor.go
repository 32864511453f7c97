package worker

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/leaderpass/conductor/internal/config"
	"github.com/leaderpass/conductor/internal/wire"
)

// restartBackoff is indexed by the crash count since the last healthy spawn,
// clamped to the final entry.
var restartBackoff = []time.Duration{
	500 * time.Millisecond,
	1 * time.Second,
	2 * time.Second,
	5 * time.Second,
	10 * time.Second,
}

const (
	// stopGrace is how long a worker gets to exit after SIGTERM before the
	// group is hard-killed.
	stopGrace = 3 * time.Second
	// maxLineBytes bounds one stdout line. Transcribe responses enumerate
	// whole folders, so the ceiling is generous.
	maxLineBytes = 8 << 20
)

// Status codes synthesized by the supervisor on the event stream.
const (
	CodeWorkerAvailable   = "WORKER_AVAILABLE"
	CodeWorkerUnavailable = "WORKER_UNAVAILABLE"
)

// EventHandler receives unsolicited worker events and the supervisor's own
// availability events. Handlers must not block.
type EventHandler func(w wire.Worker, ev *wire.Event)

// Supervisor owns the worker child processes: spawn, request/response
// correlation, health pings, crash restarts with backoff, and pending-map
// flushes so no awaiter is ever left hanging.
type Supervisor struct {
	cfg     *config.File
	spawner Spawner
	logger  *slog.Logger

	healthInterval time.Duration
	pingTimeout    time.Duration

	mu      sync.Mutex
	states  map[wire.Worker]*workerState
	onEvent EventHandler
	closed  bool
}

type workerState struct {
	worker wire.Worker
	proc   Process
	// gen distinguishes spawns so loops from a dead generation cannot touch
	// the next one.
	gen    int
	exited chan struct{}

	writeMu sync.Mutex
	pending map[string]*pendingCall

	healthy      bool
	starting     bool
	stopping     bool
	crashes      int
	restarts     int
	startedAt    time.Time
	restartTimer *time.Timer

	// transcribes counts in-flight transcription requests. Health pings are
	// skipped while it is non-zero: the worker runtime is single-threaded,
	// so a long transcription would otherwise fail the ping and get the
	// worker killed mid-job.
	transcribes int
}

type pendingCall struct {
	id        string
	cmd       string
	traceID   string
	startedAt time.Time
	done      chan callResult
}

type callResult struct {
	resp *wire.Response
	err  error
}

func (c *pendingCall) resolve(resp *wire.Response) {
	select {
	case c.done <- callResult{resp: resp}:
	default:
	}
}

func (c *pendingCall) reject(err error) {
	select {
	case c.done <- callResult{err: err}:
	default:
	}
}

// New builds a supervisor over the configured workers. A nil spawner means
// real child processes.
func New(cfg *config.File, spawner Spawner, logger *slog.Logger) *Supervisor {
	if spawner == nil {
		spawner = ExecSpawner{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		cfg:            cfg,
		spawner:        spawner,
		logger:         logger.With("component", "supervisor"),
		healthInterval: time.Duration(cfg.Health.IntervalMS) * time.Millisecond,
		pingTimeout:    time.Duration(cfg.Health.PingTimeoutMS) * time.Millisecond,
		states:         map[wire.Worker]*workerState{},
	}
}

// SetEventHandler registers the sink for worker events. Call before StartAll.
func (s *Supervisor) SetEventHandler(h EventHandler) {
	s.mu.Lock()
	s.onEvent = h
	s.mu.Unlock()
}

// StartAll starts every worker the config declares. A worker that fails to
// spawn is retried on the backoff schedule; the first error is returned for
// logging.
func (s *Supervisor) StartAll() error {
	var firstErr error
	for _, w := range wire.Workers() {
		if _, ok := s.cfg.SpawnFor(w); !ok {
			s.logger.Warn("worker not configured, skipping", "worker", w)
			continue
		}
		if err := s.Start(w); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Start spawns the worker if it is not already running. On spawn failure a
// retry is scheduled with backoff unless the worker is stopping.
func (s *Supervisor) Start(w wire.Worker) error {
	spec, ok := s.cfg.SpawnFor(w)
	if !ok {
		return fmt.Errorf("worker %s has no spawn configuration", w)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("supervisor is closed")
	}
	st := s.stateLocked(w)
	if st.proc != nil || st.starting {
		s.mu.Unlock()
		return nil
	}
	st.starting = true
	st.stopping = false
	st.healthy = false
	if st.restartTimer != nil {
		st.restartTimer.Stop()
		st.restartTimer = nil
	}
	s.mu.Unlock()

	proc, err := s.spawner.Spawn(w, spec)
	if err != nil {
		s.logger.Error("worker spawn failed", "worker", w, "error", err)
		s.mu.Lock()
		st.starting = false
		if !st.stopping && !s.closed {
			s.scheduleRestartLocked(st)
		}
		s.mu.Unlock()
		return err
	}

	s.mu.Lock()
	st.starting = false
	st.proc = proc
	st.gen++
	gen := st.gen
	st.exited = make(chan struct{})
	st.healthy = true
	st.crashes = 0
	st.startedAt = time.Now()
	s.mu.Unlock()

	go s.readLoop(st, proc, gen)
	go s.stderrLoop(st, proc)
	go s.watchExit(st, proc, gen)
	if s.healthInterval > 0 {
		go s.healthLoop(st, gen)
	}

	s.logger.Info("worker started", "worker", w, "pid", proc.PID())
	s.emit(w, &wire.Event{
		Kind:    wire.EventStatus,
		Code:    CodeWorkerAvailable,
		Message: fmt.Sprintf("%s worker ready (pid %d)", w, proc.PID()),
	})
	return nil
}

// Stop terminates the worker and suppresses restarts until the next Start.
func (s *Supervisor) Stop(w wire.Worker) error {
	s.mu.Lock()
	st := s.stateLocked(w)
	st.stopping = true
	if st.restartTimer != nil {
		st.restartTimer.Stop()
		st.restartTimer = nil
	}
	proc := st.proc
	exited := st.exited
	s.mu.Unlock()

	if proc == nil {
		return nil
	}
	err := proc.Terminate(stopGrace)
	if exited != nil {
		select {
		case <-exited:
		case <-time.After(stopGrace + 2*time.Second):
		}
	}
	return err
}

// StopAll stops every worker and blocks new spawns.
func (s *Supervisor) StopAll() {
	s.mu.Lock()
	s.closed = true
	workers := make([]wire.Worker, 0, len(s.states))
	for w := range s.states {
		workers = append(workers, w)
	}
	s.mu.Unlock()
	for _, w := range workers {
		if err := s.Stop(w); err != nil {
			s.logger.Warn("worker stop failed", "worker", w, "error", err)
		}
	}
}

// Restart terminates the worker, rejecting every pending awaiter with a
// retryable error carrying reason, then starts it again.
func (s *Supervisor) Restart(w wire.Worker, reason string) error {
	s.mu.Lock()
	st := s.stateLocked(w)
	st.stopping = true
	if st.restartTimer != nil {
		st.restartTimer.Stop()
		st.restartTimer = nil
	}
	calls := s.drainPendingLocked(st)
	proc := st.proc
	exited := st.exited
	s.mu.Unlock()

	rejectAll(calls, wire.Retryablef("%s", reason))

	if proc != nil {
		if err := proc.Terminate(stopGrace); err != nil {
			s.logger.Warn("worker terminate failed", "worker", w, "error", err)
		}
		if exited != nil {
			select {
			case <-exited:
			case <-time.After(stopGrace + 2*time.Second):
			}
		}
	}
	return s.Start(w)
}

// ForceRestart hard-kills the worker's process group. Pending awaiters are
// rejected with reason; the exit handler then restarts the worker on the
// normal backoff path. This is the cancellation model for in-flight media
// work, which has no cooperative abort channel.
func (s *Supervisor) ForceRestart(w wire.Worker, reason string) {
	s.mu.Lock()
	st := s.stateLocked(w)
	calls := s.drainPendingLocked(st)
	proc := st.proc
	s.mu.Unlock()

	rejectAll(calls, wire.Retryablef("%s", reason))
	if proc == nil {
		return
	}
	s.logger.Info("force-killing worker", "worker", w, "reason", reason)
	if err := proc.Kill(); err != nil {
		s.logger.Warn("worker kill failed", "worker", w, "error", err)
	}
}

// Send writes one request to its worker and waits for the matching response,
// the pending-map flush, or ctx expiry. It fails fast with a retryable error
// when the worker is not running.
func (s *Supervisor) Send(ctx context.Context, req *wire.Request) (*wire.Response, error) {
	w := req.Worker
	s.mu.Lock()
	st := s.stateLocked(w)
	if st.proc == nil || st.stopping {
		s.mu.Unlock()
		return nil, wire.Retryablef("worker %s is not running", w)
	}
	proc := st.proc
	call := &pendingCall{
		id:        req.ID,
		cmd:       req.Cmd,
		traceID:   req.TraceID,
		startedAt: time.Now(),
		done:      make(chan callResult, 1),
	}
	st.pending[req.ID] = call
	if isTranscribeCmd(req.Cmd) {
		st.transcribes++
	}
	s.mu.Unlock()

	line, err := wire.WireMessage(req)
	if err != nil {
		s.removePending(st, req.ID)
		return nil, err
	}
	st.writeMu.Lock()
	_, werr := proc.Write(append(line, '\n'))
	st.writeMu.Unlock()
	if werr != nil {
		s.removePending(st, req.ID)
		return nil, wire.Retryablef("write to %s worker: %v", w, werr)
	}

	select {
	case res := <-call.done:
		return res.resp, res.err
	case <-ctx.Done():
		s.removePending(st, req.ID)
		return nil, ctx.Err()
	}
}

// WorkerStatus is a point-in-time view of one worker for the dashboard and
// health endpoint.
type WorkerStatus struct {
	Worker       wire.Worker `json:"worker"`
	Running      bool        `json:"running"`
	Healthy      bool        `json:"healthy"`
	PID          int         `json:"pid,omitempty"`
	StartedAt    *time.Time  `json:"started_at,omitempty"`
	Restarts     int         `json:"restarts"`
	Pending      int         `json:"pending"`
	Transcribing bool        `json:"transcribing,omitempty"`
}

// Status reports every configured worker in enum order.
func (s *Supervisor) Status() []WorkerStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]WorkerStatus, 0, len(wire.Workers()))
	for _, w := range wire.Workers() {
		if _, ok := s.cfg.SpawnFor(w); !ok {
			continue
		}
		st := s.stateLocked(w)
		ws := WorkerStatus{
			Worker:       w,
			Running:      st.proc != nil,
			Healthy:      st.healthy,
			Restarts:     st.restarts,
			Pending:      len(st.pending),
			Transcribing: st.transcribes > 0,
		}
		if st.proc != nil {
			ws.PID = st.proc.PID()
			started := st.startedAt
			ws.StartedAt = &started
		}
		out = append(out, ws)
	}
	return out
}

// Running reports whether the worker has a live process.
func (s *Supervisor) Running(w wire.Worker) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateLocked(w).proc != nil
}

// Restarts returns the cumulative unplanned-exit count for a worker.
func (s *Supervisor) Restarts(w wire.Worker) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateLocked(w).restarts
}

// readLoop parses and dispatches stdout lines until the pipe closes. An
// unparseable line is logged and dropped; a response with no matching
// pending entry is dropped silently; events fan out to the handler.
func (s *Supervisor) readLoop(st *workerState, proc Process, gen int) {
	sc := bufio.NewScanner(proc.Stdout())
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var raw map[string]any
		if err := json.Unmarshal(line, &raw); err != nil {
			s.logger.Warn("invalid response line from worker",
				"worker", st.worker, "line", truncateLine(line))
			continue
		}

		id, _ := raw["id"].(string)
		var startedAt time.Time
		s.mu.Lock()
		if id != "" {
			if c, ok := st.pending[id]; ok {
				startedAt = c.startedAt
			}
		}
		s.mu.Unlock()

		msg := wire.NormalizeResponse(raw, startedAt)
		if msg.Event != nil {
			s.emit(st.worker, msg.Event)
			continue
		}

		resp := msg.Response
		s.mu.Lock()
		call, ok := st.pending[resp.ID]
		if ok {
			delete(st.pending, resp.ID)
			if isTranscribeCmd(call.cmd) && st.transcribes > 0 {
				st.transcribes--
			}
		}
		s.mu.Unlock()
		if !ok {
			continue
		}
		if resp.OK {
			call.resolve(resp)
		} else {
			call.reject(resp.Err)
		}
	}
	if err := sc.Err(); err != nil {
		s.mu.Lock()
		stale := st.gen != gen
		s.mu.Unlock()
		if !stale {
			s.logger.Warn("worker stdout closed with error", "worker", st.worker, "error", err)
		}
	}
}

// stderrLoop re-logs worker stderr lines at warn level.
func (s *Supervisor) stderrLoop(st *workerState, proc Process) {
	sc := bufio.NewScanner(proc.Stderr())
	sc.Buffer(make([]byte, 0, 16*1024), maxLineBytes)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		s.logger.Warn("worker stderr", "worker", st.worker, "line", truncateLine(line))
	}
}

// healthLoop pings the worker on the configured interval. A failed or
// timed-out ping flushes pending and terminates the process so the exit
// handler restarts it. Pings are skipped while a transcription is running.
func (s *Supervisor) healthLoop(st *workerState, gen int) {
	ticker := time.NewTicker(s.healthInterval)
	defer ticker.Stop()
	for range ticker.C {
		s.mu.Lock()
		if st.gen != gen || st.proc == nil || st.stopping {
			s.mu.Unlock()
			return
		}
		skip := st.transcribes > 0
		s.mu.Unlock()
		if skip {
			continue
		}

		err := s.ping(st.worker)
		if err == nil {
			s.mu.Lock()
			if st.gen == gen && st.proc != nil {
				st.healthy = true
			}
			s.mu.Unlock()
			continue
		}

		s.mu.Lock()
		if st.gen != gen || st.proc == nil || st.stopping {
			s.mu.Unlock()
			return
		}
		st.healthy = false
		calls := s.drainPendingLocked(st)
		proc := st.proc
		s.mu.Unlock()

		s.logger.Warn("health check failed, restarting worker", "worker", st.worker, "error", err)
		rejectAll(calls, wire.Retryablef("%s health check failed: %v", st.worker, err))
		if terr := proc.Terminate(stopGrace); terr != nil {
			s.logger.Warn("worker terminate failed", "worker", st.worker, "error", terr)
		}
		return
	}
}

// ping sends one health probe with a bounded timeout. A reply that carries
// data.status must say "ok".
func (s *Supervisor) ping(w wire.Worker) error {
	timeout := s.pingTimeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	resp, err := s.Send(ctx, &wire.Request{
		ID:      uuid.NewString(),
		Worker:  w,
		Cmd:     wire.PingCommand,
		Payload: map[string]any{},
		TraceID: uuid.NewString(),
	})
	if err != nil {
		return err
	}
	if data, ok := resp.Data.(map[string]any); ok {
		if status, ok := data["status"].(string); ok && status != "ok" {
			return fmt.Errorf("ping status %q", status)
		}
	}
	return nil
}

// watchExit handles one spawn generation's exit exactly once.
func (s *Supervisor) watchExit(st *workerState, proc Process, gen int) {
	exitErr := <-proc.Done()

	s.mu.Lock()
	if st.gen != gen || st.proc != proc {
		s.mu.Unlock()
		return
	}
	st.proc = nil
	st.healthy = false
	st.transcribes = 0
	calls := s.drainPendingLocked(st)
	stopping := st.stopping
	exited := st.exited
	st.exited = nil
	if !stopping && !s.closed {
		st.restarts++
		s.scheduleRestartLocked(st)
	}
	s.mu.Unlock()

	rejectAll(calls, wire.Retryablef("%s process exited", st.worker))
	if exited != nil {
		close(exited)
	}

	if stopping {
		s.logger.Info("worker stopped", "worker", st.worker)
	} else {
		s.logger.Warn("worker exited unexpectedly", "worker", st.worker, "error", exitErr)
	}
	s.emit(st.worker, &wire.Event{
		Kind:    wire.EventStatus,
		Code:    CodeWorkerUnavailable,
		Message: fmt.Sprintf("%s worker exited", st.worker),
	})
}

// scheduleRestartLocked arms the restart timer using the backoff table
// indexed by the crash count. Caller holds s.mu.
func (s *Supervisor) scheduleRestartLocked(st *workerState) {
	idx := st.crashes
	if idx >= len(restartBackoff) {
		idx = len(restartBackoff) - 1
	}
	st.crashes++
	delay := restartBackoff[idx]
	w := st.worker
	s.logger.Info("scheduling worker restart", "worker", w, "delay", delay, "crashes", st.crashes)
	st.restartTimer = time.AfterFunc(delay, func() {
		if err := s.Start(w); err != nil {
			s.logger.Warn("worker restart failed", "worker", w, "error", err)
		}
	})
}

func (s *Supervisor) stateLocked(w wire.Worker) *workerState {
	st, ok := s.states[w]
	if !ok {
		st = &workerState{worker: w, pending: map[string]*pendingCall{}}
		s.states[w] = st
	}
	return st
}

func (s *Supervisor) drainPendingLocked(st *workerState) []*pendingCall {
	if len(st.pending) == 0 {
		return nil
	}
	calls := make([]*pendingCall, 0, len(st.pending))
	for _, c := range st.pending {
		calls = append(calls, c)
	}
	st.pending = map[string]*pendingCall{}
	st.transcribes = 0
	return calls
}

func (s *Supervisor) removePending(st *workerState, id string) {
	s.mu.Lock()
	if c, ok := st.pending[id]; ok {
		delete(st.pending, id)
		if isTranscribeCmd(c.cmd) && st.transcribes > 0 {
			st.transcribes--
		}
	}
	s.mu.Unlock()
}

func (s *Supervisor) emit(w wire.Worker, ev *wire.Event) {
	s.mu.Lock()
	h := s.onEvent
	s.mu.Unlock()
	if h != nil {
		h(w, ev)
	}
}

func rejectAll(calls []*pendingCall, err *wire.Error) {
	for _, c := range calls {
		c.reject(err)
	}
}

func isTranscribeCmd(cmd string) bool {
	return cmd == "transcribe" || cmd == "transcribe_folder"
}

func truncateLine(b []byte) string {
	const max = 300
	if len(b) <= max {
		return string(b)
	}
	return string(b[:max]) + "..."
}
