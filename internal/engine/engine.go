package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/leaderpass/conductor/internal/config"
	"github.com/leaderpass/conductor/internal/recipe"
	"github.com/leaderpass/conductor/internal/stepcache"
	"github.com/leaderpass/conductor/internal/wire"
)

// Dispatcher is the engine's view of the worker supervisor.
type Dispatcher interface {
	Send(ctx context.Context, req *wire.Request) (*wire.Response, error)
	// ForceRestart hard-kills and respawns a worker, rejecting its pending
	// requests with reason. The engine uses it to interrupt in-flight work
	// for canceled jobs.
	ForceRestart(w wire.Worker, reason string)
}

// DefaultConcurrency is the per-worker parallelism applied until
// preferences override it. The resolve worker serializes on a single
// editor connection; media and platform tolerate two parallel steps.
func DefaultConcurrency() map[wire.Worker]int {
	return map[wire.Worker]int{
		wire.WorkerResolve:  1,
		wire.WorkerMedia:    2,
		wire.WorkerPlatform: 2,
	}
}

type queueItem struct {
	jobID  string
	stepID string
}

// Engine owns the job index. Every job and step mutation happens under mu;
// step execution and cache probes run in separate goroutines and report
// back through finishStep and applyCacheProbe.
type Engine struct {
	cfg    *config.File
	disp   Dispatcher
	cache  *stepcache.Store
	log    *JobLog
	bus    *Bus
	logger *slog.Logger

	baseCtx context.Context
	stop    context.CancelFunc

	killDelay time.Duration

	mu          sync.Mutex
	jobs        map[string]*Job
	order       []string
	idempotency map[string]string
	queues      map[wire.Worker][]queueItem
	active      map[wire.Worker]int
	concurrency map[wire.Worker]int
	closed      bool

	wg sync.WaitGroup
}

// New builds an engine over the configured job log. Call Hydrate before
// submitting to restore persisted jobs.
func New(cfg *config.File, disp Dispatcher, cache *stepcache.Store, bus *Bus, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	jobLog, err := OpenJobLog(cfg.JobLogPath())
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		cfg:         cfg,
		disp:        disp,
		cache:       cache,
		log:         jobLog,
		bus:         bus,
		logger:      logger.With("component", "engine"),
		baseCtx:     ctx,
		stop:        cancel,
		killDelay:   time.Duration(cfg.Engine.KillDelayMS) * time.Millisecond,
		jobs:        map[string]*Job{},
		idempotency: map[string]string{},
		queues:      map[wire.Worker][]queueItem{},
		active:      map[wire.Worker]int{},
		concurrency: DefaultConcurrency(),
	}, nil
}

// Bus exposes the engine's event bus.
func (e *Engine) Bus() *Bus { return e.bus }

// Hydrate replays the job log, restores the index and idempotency map, and
// resumes recoverable jobs: running and dispatching steps demote to queued
// with cleared timestamps before non-terminal jobs re-enter scheduling.
// A step whose cancellation was still pending resolves to canceled instead.
// Terminal jobs are restored untouched.
func (e *Engine) Hydrate() error {
	jobs, skipped, err := HydrateJobs(e.cfg.JobLogPath())
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	resumed := 0
	for _, job := range jobs {
		e.jobs[job.JobID] = job
		e.order = append(e.order, job.JobID)
		if job.IdempotencyKey != "" {
			e.idempotency[job.IdempotencyKey] = job.JobID
		}
		if job.State.Terminal() {
			continue
		}
		for _, s := range job.Steps {
			if s.State == StateRunning || s.State == StateDispatching {
				s.State = StateQueued
				s.StartedAt = nil
				s.FinishedAt = nil
			}
			// A restart can strand a cancellation that was waiting on the
			// forced kill. Resolve it now; the scheduler skips flagged steps.
			if s.Cancellation.Requested && !s.State.Terminal() {
				now := time.Now()
				s.State = StateCanceled
				s.FinishedAt = &now
				s.Error = wire.UserErrorf("canceled")
			}
		}
		resumed++
		e.persistLocked(job)
		e.scheduleJobLocked(job)
	}

	if len(jobs) > 0 || skipped > 0 {
		e.logger.Info("hydrated job log",
			"jobs", len(jobs), "resumed", resumed, "skipped_lines", skipped)
	}
	return nil
}

// Submit materializes a plan into a job and schedules it. A plan whose
// idempotency key matches a known job returns that job unchanged.
func (e *Engine) Submit(plan *recipe.Plan) (*Job, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil, fmt.Errorf("engine is shut down")
	}
	if plan.IdempotencyKey != "" {
		if id, ok := e.idempotency[plan.IdempotencyKey]; ok {
			if job, ok := e.jobs[id]; ok {
				return job.Clone(), nil
			}
		}
	}

	job := newJob(ulid.Make().String(), plan, time.Now())
	if job.TimeoutMS == 0 {
		job.TimeoutMS = e.cfg.Engine.TimeoutMS
	}
	e.jobs[job.JobID] = job
	e.order = append(e.order, job.JobID)
	if job.IdempotencyKey != "" {
		e.idempotency[job.IdempotencyKey] = job.JobID
	}

	e.persistLocked(job)
	e.publish(Event{Type: EventJobState, JobID: job.JobID, State: StateQueued})
	e.logger.Info("job submitted", "job_id", job.JobID, "preset", job.PresetID, "steps", len(job.Steps))

	e.scheduleJobLocked(job)
	return job.Clone(), nil
}

// CancelResult is the reply to a cancel request.
type CancelResult struct {
	OK      bool   `json:"ok"`
	Message string `json:"message"`
}

// Cancel requests cancellation of a job. Steps not yet running cancel
// immediately; running steps keep their flag set and the owning worker is
// force-restarted after the kill delay if the step is still in flight.
// Cancel is idempotent.
func (e *Engine) Cancel(jobID string) CancelResult {
	e.mu.Lock()
	defer e.mu.Unlock()

	job, ok := e.jobs[jobID]
	if !ok {
		return CancelResult{OK: false, Message: "job not found"}
	}

	changed := false
	for _, s := range job.Steps {
		if s.State.Terminal() {
			continue
		}
		if !s.Cancellation.Requested {
			s.Cancellation.Requested = true
			changed = true
		}
		switch s.State {
		case StateQueued, StateDispatching:
			now := time.Now()
			s.State = StateCanceled
			s.FinishedAt = &now
			s.Error = wire.UserErrorf("canceled")
			changed = true
			e.publish(Event{Type: EventStepProgress, JobID: job.JobID, StepID: s.StepID,
				Worker: s.Worker, State: StateCanceled, Attempt: s.Attempt, Error: s.Error})
		case StateRunning:
			if !s.killArmed {
				s.killArmed = true
				e.armForcedKill(job.JobID, s.StepID, s.Worker)
			}
		}
	}

	if changed {
		e.persistLocked(job)
	}
	e.scheduleJobLocked(job)
	return CancelResult{OK: true, Message: "cancellation requested"}
}

// armForcedKill schedules the hard worker restart for a canceled in-flight
// step. The in-process worker has no cooperative cancel channel, so after
// the delay the step is interrupted by killing and respawning its worker.
// The timer no-ops if the step resolved on its own in the meantime.
func (e *Engine) armForcedKill(jobID, stepID string, w wire.Worker) {
	time.AfterFunc(e.killDelay, func() {
		e.mu.Lock()
		job, ok := e.jobs[jobID]
		var still bool
		if ok {
			if s := job.step(stepID); s != nil {
				still = s.State == StateRunning && s.Cancellation.Requested
			}
		}
		e.mu.Unlock()
		if still {
			e.disp.ForceRestart(w, fmt.Sprintf("job %s canceled", jobID))
		}
	})
}

// Get returns a copy of one job.
func (e *Engine) Get(jobID string) (*Job, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	job, ok := e.jobs[jobID]
	if !ok {
		return nil, false
	}
	return job.Clone(), true
}

// List returns copies of every job in creation order.
func (e *Engine) List() []*Job {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Job, 0, len(e.order))
	for _, id := range e.order {
		out = append(out, e.jobs[id].Clone())
	}
	return out
}

// SetConcurrency applies new per-worker limits and drains queues that the
// raised limits unblock. Zero and negative entries are ignored.
func (e *Engine) SetConcurrency(limits map[wire.Worker]int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for w, n := range limits {
		if !w.Valid() || n <= 0 {
			continue
		}
		e.concurrency[w] = n
	}
	for _, w := range wire.Workers() {
		e.drainLocked(w)
	}
}

// Concurrency returns the current per-worker limits.
func (e *Engine) Concurrency() map[wire.Worker]int {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[wire.Worker]int, len(e.concurrency))
	for w, n := range e.concurrency {
		out[w] = n
	}
	return out
}

// ActiveCount reports steps currently running on a worker.
func (e *Engine) ActiveCount(w wire.Worker) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active[w]
}

// QueueDepth reports dispatching steps waiting for a slot on a worker.
func (e *Engine) QueueDepth(w wire.Worker) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queues[w])
}

// HandleWorkerEvent is the supervisor's event sink: every unsolicited worker
// event lands on the bus, attributed to a job and step when the trace id
// allows it.
func (e *Engine) HandleWorkerEvent(w wire.Worker, ev *wire.Event) {
	e.bus.Publish(WorkerEvent(w, ev))
}

// Close stops scheduling, interrupts in-flight step sends, waits for step
// runners to report, and closes the job log. Interrupted steps are requeued,
// not failed, and resume on the next start.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.stop()
	e.wg.Wait()
	return e.log.Close()
}

// persistLocked appends the job's snapshot to the log. Persistence failures
// are logged, not fatal: the in-memory state remains authoritative for this
// process lifetime.
func (e *Engine) persistLocked(job *Job) {
	if err := e.log.Append(job); err != nil {
		e.logger.Error("job snapshot persist failed", "job_id", job.JobID, "error", err)
	}
}

func (e *Engine) publish(ev Event) {
	e.bus.Publish(ev)
}
