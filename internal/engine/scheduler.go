package engine

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/leaderpass/conductor/internal/recipe"
	"github.com/leaderpass/conductor/internal/stepcache"
	"github.com/leaderpass/conductor/internal/wire"
)

// stepRun is the immutable snapshot handed to a step-runner goroutine. The
// runner never touches the job index directly; it reports back through
// finishStep.
type stepRun struct {
	jobID        string
	stepID       string
	attempt      int
	worker       wire.Worker
	cmd          string
	payload      map[string]any
	contract     stepcache.Contract
	cachePolicy  stepcache.Policy
	cacheKey     string
	toolVersions map[string]string
	timeoutMS    int64
}

// probeSpec is the snapshot handed to a cache-probe goroutine.
type probeSpec struct {
	jobID        string
	stepID       string
	cmd          string
	payload      map[string]any
	policy       stepcache.Policy
	contract     stepcache.Contract
	toolVersions map[string]string
}

// scheduleJob is the timer-safe entry into a scheduling pass.
func (e *Engine) scheduleJob(jobID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	if job, ok := e.jobs[jobID]; ok {
		e.scheduleJobLocked(job)
	}
}

// scheduleJobLocked runs one scheduling pass over a job: finalize if the
// step set already decides the outcome, otherwise start cache probes and
// dispatch runnable steps, waking later for steps still inside their retry
// delay.
func (e *Engine) scheduleJobLocked(job *Job) {
	if job.State.Terminal() {
		return
	}
	e.finalizeLocked(job)
	if job.State.Terminal() || e.closed {
		return
	}

	now := time.Now()
	var ready []*StepState
	var wake time.Duration
	for _, s := range job.Steps {
		if s.State != StateQueued || s.probing || s.Cancellation.Requested {
			continue
		}
		if !job.depsSucceeded(s) {
			continue
		}
		if s.notBefore.After(now) {
			if d := s.notBefore.Sub(now); wake == 0 || d < wake {
				wake = d
			}
			continue
		}
		ready = append(ready, s)
	}
	if wake > 0 {
		jobID := job.JobID
		time.AfterFunc(wake, func() { e.scheduleJob(jobID) })
	}
	if len(ready) == 0 {
		return
	}

	if job.State == StateQueued {
		job.State = StateRunning
		started := now
		job.StartedAt = &started
		e.publish(Event{Type: EventJobState, JobID: job.JobID, State: StateRunning})
	}

	touched := map[wire.Worker]bool{}
	for _, s := range ready {
		if e.cacheUsable(s) {
			s.probing = true
			e.wg.Add(1)
			go e.probeCache(probeSpec{
				jobID:        job.JobID,
				stepID:       s.StepID,
				cmd:          s.Cmd,
				payload:      s.Payload,
				policy:       s.CachePolicy,
				contract:     s.Contract,
				toolVersions: s.ToolVersions,
			})
			continue
		}
		s.State = StateDispatching
		e.queues[s.Worker] = append(e.queues[s.Worker], queueItem{job.JobID, s.StepID})
		touched[s.Worker] = true
		e.publish(Event{Type: EventStepProgress, JobID: job.JobID, StepID: s.StepID,
			Worker: s.Worker, State: StateDispatching, Attempt: s.Attempt})
	}
	e.persistLocked(job)
	for w := range touched {
		e.drainLocked(w)
	}
}

// cacheUsable reports whether a step's first run should consult the cache.
// Retries always go to the worker: the miss was already established.
func (e *Engine) cacheUsable(s *StepState) bool {
	return e.cache != nil && !e.cfg.Cache.Disabled && s.CachePolicy.Enabled && s.Attempt == 0
}

// drainLocked pops queued dispatches for a worker while slots remain and
// hands each to a runner goroutine.
func (e *Engine) drainLocked(w wire.Worker) {
	limit := e.concurrency[w]
	if limit <= 0 {
		limit = 1
	}
	dirty := map[string]*Job{}
	for len(e.queues[w]) > 0 && e.active[w] < limit && !e.closed {
		item := e.queues[w][0]
		e.queues[w] = e.queues[w][1:]

		job, ok := e.jobs[item.jobID]
		if !ok {
			continue
		}
		s := job.step(item.stepID)
		if s == nil || s.State != StateDispatching {
			continue
		}

		now := time.Now()
		s.State = StateRunning
		s.Attempt++
		s.StartedAt = &now
		s.FinishedAt = nil
		e.active[w]++
		dirty[job.JobID] = job
		e.publish(Event{Type: EventStepProgress, JobID: job.JobID, StepID: s.StepID,
			Worker: w, State: StateRunning, Attempt: s.Attempt})

		run := stepRun{
			jobID:        job.JobID,
			stepID:       s.StepID,
			attempt:      s.Attempt,
			worker:       w,
			cmd:          s.Cmd,
			payload:      s.Payload,
			contract:     s.Contract,
			cachePolicy:  s.CachePolicy,
			cacheKey:     s.cacheKey,
			toolVersions: s.ToolVersions,
			timeoutMS:    job.TimeoutMS,
		}
		e.wg.Add(1)
		go e.execute(run)
	}
	for _, job := range dirty {
		e.persistLocked(job)
	}
}

// execute performs one step attempt against its worker and reports the
// outcome. It owns the attempt's timeout and contract validation.
func (e *Engine) execute(run stepRun) {
	defer e.wg.Done()

	ctx := e.baseCtx
	var cancel context.CancelFunc
	if run.timeoutMS > 0 {
		ctx, cancel = context.WithTimeout(ctx, time.Duration(run.timeoutMS)*time.Millisecond)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	req := &wire.Request{
		ID:      uuid.NewString(),
		Worker:  run.worker,
		Cmd:     run.cmd,
		Payload: run.payload,
		TraceID: stepTrace(run.jobID, run.stepID, run.attempt),
	}
	// A payload that fails its command schema never reaches the worker. This
	// catches catalog payloads whose required key dropped during interpolation.
	if verr := wire.ValidateRequest(req); verr != nil {
		e.finishStep(run, nil, verr)
		return
	}
	resp, err := e.disp.Send(ctx, req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = wire.Retryablef("timeout after %d ms", run.timeoutMS)
		}
		e.finishStep(run, nil, err)
		return
	}

	output := resp.Data
	if cerr := stepcache.ValidateContract(run.contract, output); cerr != nil {
		e.finishStep(run, nil, wire.Retryablef("output contract violated: %v", cerr))
		return
	}
	if e.cache != nil && !e.cfg.Cache.Disabled && run.cachePolicy.Enabled {
		e.populateCache(run, output)
	}
	e.finishStep(run, output, nil)
}

// populateCache stores a validated step output under the step's fingerprint.
// The fingerprint from the pre-run probe is reused when available so outputs
// written into a source folder during the run cannot shift the key.
func (e *Engine) populateCache(run stepRun, output any) {
	key := run.cacheKey
	if key == "" {
		sigs, err := stepcache.CollectSignatures(run.payload, run.cachePolicy.Include)
		if err != nil {
			e.logger.Warn("cache fingerprint skipped", "step", run.stepID, "error", err)
			return
		}
		key, err = stepcache.Fingerprint(run.cmd, run.payload, sigs, run.toolVersions)
		if err != nil {
			e.logger.Warn("cache fingerprint skipped", "step", run.stepID, "error", err)
			return
		}
	}
	if err := e.cache.Set(key, output); err != nil {
		e.logger.Warn("cache write failed", "step", run.stepID, "error", err)
	}
}

// finishStep applies one attempt's outcome under the engine lock and re-runs
// scheduling for the job.
func (e *Engine) finishStep(run stepRun, output any, stepErr error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.active[run.worker] > 0 {
		e.active[run.worker]--
	}
	job, ok := e.jobs[run.jobID]
	if !ok {
		e.drainLocked(run.worker)
		return
	}
	s := job.step(run.stepID)
	if s == nil || s.State != StateRunning || s.Attempt != run.attempt {
		e.drainLocked(run.worker)
		return
	}

	now := time.Now()
	s.FinishedAt = &now
	var timing int64
	if s.StartedAt != nil {
		timing = now.Sub(*s.StartedAt).Milliseconds()
	}

	switch {
	case stepErr == nil:
		s.State = StateSucceeded
		s.Output = output
		s.Error = nil
		job.Outputs = append(job.Outputs, output)
		e.publish(Event{Type: EventStepProgress, JobID: job.JobID, StepID: s.StepID,
			Worker: run.worker, State: StateSucceeded, Attempt: s.Attempt,
			Output: output, TimingMS: timing})

	case s.Cancellation.Requested:
		s.State = StateCanceled
		s.Error = wire.UserErrorf("canceled")
		e.publish(Event{Type: EventStepProgress, JobID: job.JobID, StepID: s.StepID,
			Worker: run.worker, State: StateCanceled, Attempt: s.Attempt,
			Error: s.Error, TimingMS: timing})

	case e.closed && errors.Is(stepErr, context.Canceled):
		// Shutdown interrupted the attempt. Requeue it without a verdict so
		// the job resumes on the next start.
		s.State = StateQueued
		s.StartedAt = nil
		s.FinishedAt = nil

	default:
		werr := wire.AsError(stepErr)
		s.Error = werr
		if werr.Category == wire.CategoryRetryable && s.Attempt < s.RetryPolicy.MaxAttempts {
			s.State = StateQueued
			delay := retryDelay(s.Attempt, s.RetryPolicy, stepTrace(run.jobID, run.stepID, s.Attempt))
			s.notBefore = now.Add(delay)
			e.publish(Event{Type: EventStepProgress, JobID: job.JobID, StepID: s.StepID,
				Worker: run.worker, State: StateQueued, Code: "RETRY", Attempt: s.Attempt,
				Error: werr})
			e.logger.Warn("step attempt failed, retrying",
				"job_id", job.JobID, "step", s.StepID, "attempt", s.Attempt,
				"delay", delay, "error", werr.Message)
		} else {
			s.State = StateFailed
			job.Errors = append(job.Errors, werr)
			e.publish(Event{Type: EventStepProgress, JobID: job.JobID, StepID: s.StepID,
				Worker: run.worker, State: StateFailed, Attempt: s.Attempt,
				Error: werr, TimingMS: timing})
			e.logger.Error("step failed",
				"job_id", job.JobID, "step", s.StepID, "attempt", s.Attempt,
				"category", werr.Category, "error", werr.Message)
		}
	}

	e.persistLocked(job)
	e.drainLocked(run.worker)
	e.scheduleJobLocked(job)
}

// probeCache fingerprints a step's inputs and consults the store. Probe
// errors are misses, never failures: the step just runs.
func (e *Engine) probeCache(p probeSpec) {
	defer e.wg.Done()

	sigs, err := stepcache.CollectSignatures(p.payload, p.policy.Include)
	if err != nil {
		e.logger.Warn("cache probe skipped", "step", p.stepID, "error", err)
		e.applyCacheProbe(p.jobID, p.stepID, "", nil, false)
		return
	}
	key, err := stepcache.Fingerprint(p.cmd, p.payload, sigs, p.toolVersions)
	if err != nil {
		e.logger.Warn("cache probe skipped", "step", p.stepID, "error", err)
		e.applyCacheProbe(p.jobID, p.stepID, "", nil, false)
		return
	}

	ttlMS := p.policy.TTLMS
	if ttlMS == 0 {
		ttlMS = e.cfg.Cache.TTLMS
	}
	entry, ok := e.cache.Get(key, time.Duration(ttlMS)*time.Millisecond)
	if ok {
		if cerr := stepcache.ValidateContract(p.contract, entry.Output); cerr == nil {
			e.applyCacheProbe(p.jobID, p.stepID, key, entry.Output, true)
			return
		}
		// The entry can never satisfy this contract again; drop it.
		if err := e.cache.Invalidate(key); err != nil {
			e.logger.Warn("cache invalidate failed", "step", p.stepID, "error", err)
		}
	}
	e.applyCacheProbe(p.jobID, p.stepID, key, nil, false)
}

// applyCacheProbe lands a probe result: a hit completes the step at attempt
// zero without touching the worker, a miss dispatches it.
func (e *Engine) applyCacheProbe(jobID, stepID, key string, output any, hit bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	job, ok := e.jobs[jobID]
	if !ok {
		return
	}
	s := job.step(stepID)
	if s == nil {
		return
	}
	s.probing = false
	s.cacheKey = key
	if s.State != StateQueued || job.State.Terminal() {
		return
	}

	if hit {
		now := time.Now()
		s.State = StateSucceeded
		s.Output = output
		s.FinishedAt = &now
		job.Outputs = append(job.Outputs, output)
		e.publish(Event{Type: EventStepProgress, JobID: jobID, StepID: stepID,
			Worker: s.Worker, State: StateSucceeded, Code: "CACHE_HIT",
			Attempt: s.Attempt, Output: output})
		e.logger.Info("step served from cache", "job_id", jobID, "step", stepID)
		e.persistLocked(job)
		e.scheduleJobLocked(job)
		return
	}

	if e.closed {
		return
	}
	s.State = StateDispatching
	e.queues[s.Worker] = append(e.queues[s.Worker], queueItem{jobID, stepID})
	e.publish(Event{Type: EventStepProgress, JobID: jobID, StepID: stepID,
		Worker: s.Worker, State: StateDispatching, Attempt: s.Attempt})
	e.persistLocked(job)
	e.drainLocked(s.Worker)
}

// finalizeLocked decides a job's terminal state from its step set. A job
// already terminal is never re-finalized.
func (e *Engine) finalizeLocked(job *Job) {
	if job.State.Terminal() {
		return
	}

	anyFailed, anyCanceled, allSucceeded := false, false, true
	for _, s := range job.Steps {
		switch s.State {
		case StateFailed:
			anyFailed = true
		case StateCanceled:
			anyCanceled = true
		}
		if s.State != StateSucceeded {
			allSucceeded = false
		}
	}

	var final State
	switch {
	case anyFailed:
		final = StateFailed
	case anyCanceled:
		final = StateCanceled
	case allSucceeded:
		final = StateSucceeded
	default:
		return
	}

	now := time.Now()
	job.State = final
	job.FinishedAt = &now
	base := job.CreatedAt
	if job.StartedAt != nil {
		base = *job.StartedAt
	}
	timing := now.Sub(base).Milliseconds()

	ev := Event{Type: EventJobState, JobID: job.JobID, State: final, TimingMS: timing}
	if final == StateSucceeded {
		job.MaterializedOutputs = recipe.MaterializeOutputs(job.OutputsTemplate, job.stepOutputs())
	} else if len(job.Errors) > 0 {
		ev.Error = job.Errors[0]
	}

	e.persistLocked(job)
	e.publish(ev)
	e.logger.Info("job finished", "job_id", job.JobID, "state", final, "timing_ms", timing)
}
