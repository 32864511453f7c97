// Package engine executes jobs: it materializes submitted plans into step
// DAGs, schedules runnable steps onto per-worker FIFO queues under each
// worker's concurrency limit, runs steps with timeout and retry, persists
// every transition to an append-only log, and fans events out to
// subscribers.
package engine

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/leaderpass/conductor/internal/recipe"
	"github.com/leaderpass/conductor/internal/stepcache"
	"github.com/leaderpass/conductor/internal/wire"
)

// State is a job or step lifecycle state. Jobs use every state except
// dispatching.
type State string

const (
	StateQueued      State = "queued"
	StateDispatching State = "dispatching"
	StateRunning     State = "running"
	StateSucceeded   State = "succeeded"
	StateFailed      State = "failed"
	StateCanceled    State = "canceled"
)

// Terminal reports whether s is a final state.
func (s State) Terminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateCanceled:
		return true
	}
	return false
}

// Cancellation tracks a cancel request against one step.
type Cancellation struct {
	Requested bool `json:"requested"`
}

// StepState is the engine's record of one step. Snapshots are self-contained:
// everything needed to resume after a restart is serialized, including the
// step's policies.
type StepState struct {
	StepID       string             `json:"step_id"`
	Cmd          string             `json:"cmd"`
	Worker       wire.Worker        `json:"worker"`
	Payload      map[string]any     `json:"payload"`
	DependsOn    []string           `json:"depends_on,omitempty"`
	State        State              `json:"state"`
	Attempt      int                `json:"attempt"`
	StartedAt    *time.Time         `json:"started_at,omitempty"`
	FinishedAt   *time.Time         `json:"finished_at,omitempty"`
	Output       any                `json:"output,omitempty"`
	Error        *wire.Error        `json:"error,omitempty"`
	Cancellation Cancellation       `json:"cancellation"`
	CachePolicy  stepcache.Policy   `json:"cache_policy"`
	Contract     stepcache.Contract `json:"output_contract,omitempty"`
	ToolVersions map[string]string  `json:"tool_versions,omitempty"`
	RetryPolicy  recipe.RetryPolicy `json:"retry_policy"`

	// Scheduler bookkeeping, rebuilt after hydration.
	probing   bool      `json:"-"`
	notBefore time.Time `json:"-"`
	cacheKey  string    `json:"-"`
	killArmed bool      `json:"-"`
}

// Job is a runtime instance of a plan. Jobs are created at submit, mutated
// only under the engine's lock, finalized once, and kept as history.
type Job struct {
	JobID           string             `json:"job_id"`
	PresetID        string             `json:"preset_id"`
	IdempotencyKey  string             `json:"idempotency_key,omitempty"`
	State           State              `json:"state"`
	CreatedAt       time.Time          `json:"created_at"`
	StartedAt       *time.Time         `json:"started_at,omitempty"`
	FinishedAt      *time.Time         `json:"finished_at,omitempty"`
	Steps           []*StepState       `json:"steps"`
	Outputs         []any              `json:"outputs,omitempty"`
	Errors          []*wire.Error      `json:"errors,omitempty"`
	Input           map[string]any     `json:"input,omitempty"`
	RetryPolicy     recipe.RetryPolicy `json:"retry_policy"`
	TimeoutMS       int64              `json:"timeout_ms,omitempty"`
	RetryOf         string             `json:"retry_of,omitempty"`
	OutputsTemplate any                `json:"outputs_template,omitempty"`
	// MaterializedOutputs is the recipe outputs template resolved against
	// the finished steps, set when the job succeeds.
	MaterializedOutputs any `json:"materialized_outputs,omitempty"`
}

// newJob materializes a plan into a fresh queued job.
func newJob(id string, plan *recipe.Plan, now time.Time) *Job {
	job := &Job{
		JobID:           id,
		PresetID:        plan.PresetID,
		IdempotencyKey:  plan.IdempotencyKey,
		State:           StateQueued,
		CreatedAt:       now,
		Steps:           make([]*StepState, 0, len(plan.Steps)),
		Input:           plan.Input,
		RetryPolicy:     plan.RetryPolicy,
		TimeoutMS:       plan.TimeoutMS,
		RetryOf:         plan.RetryOf,
		OutputsTemplate: plan.Outputs,
	}
	for _, ps := range plan.Steps {
		job.Steps = append(job.Steps, &StepState{
			StepID:       ps.StepID,
			Cmd:          ps.Cmd,
			Worker:       ps.Worker,
			Payload:      ps.Payload,
			DependsOn:    append([]string{}, ps.DependsOn...),
			State:        StateQueued,
			CachePolicy:  ps.CachePolicy,
			Contract:     ps.Contract,
			ToolVersions: ps.ToolVersions,
			RetryPolicy:  ps.RetryPolicy,
		})
	}
	return job
}

// step returns the named step, or nil.
func (j *Job) step(id string) *StepState {
	for _, s := range j.Steps {
		if s.StepID == id {
			return s
		}
	}
	return nil
}

// stepOutputs maps each succeeded step's id to its output, for materializing
// the recipe outputs template.
func (j *Job) stepOutputs() map[string]any {
	out := make(map[string]any, len(j.Steps))
	for _, s := range j.Steps {
		if s.State == StateSucceeded {
			out[s.StepID] = s.Output
		}
	}
	return out
}

// depsSucceeded reports whether every dependency of step s is succeeded.
func (j *Job) depsSucceeded(s *StepState) bool {
	for _, dep := range s.DependsOn {
		d := j.step(dep)
		if d == nil || d.State != StateSucceeded {
			return false
		}
	}
	return true
}

// Clone deep-copies a job through its serialized form so readers never
// observe scheduler mutations.
func (j *Job) Clone() *Job {
	b, err := json.Marshal(j)
	if err != nil {
		panic(fmt.Sprintf("job %s does not serialize: %v", j.JobID, err))
	}
	var out Job
	if err := json.Unmarshal(b, &out); err != nil {
		panic(fmt.Sprintf("job %s does not round-trip: %v", j.JobID, err))
	}
	return &out
}
