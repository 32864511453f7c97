package control

import (
	"sort"
	"time"

	"github.com/leaderpass/conductor/internal/engine"
	"github.com/leaderpass/conductor/internal/wire"
	"github.com/leaderpass/conductor/internal/worker"
)

// ActiveStep identifies the step a job is currently working on.
type ActiveStep struct {
	StepID  string       `json:"step_id"`
	Worker  wire.Worker  `json:"worker"`
	Cmd     string       `json:"cmd"`
	State   engine.State `json:"state"`
	Attempt int          `json:"attempt"`
}

// JobSummary is one dashboard row. ActiveStep and ETAMS are explicit nulls
// when absent so the front end can bind them directly.
type JobSummary struct {
	JobID      string       `json:"job_id"`
	PresetID   string       `json:"preset_id"`
	State      engine.State `json:"state"`
	CreatedAt  time.Time    `json:"created_at"`
	StartedAt  *time.Time   `json:"started_at,omitempty"`
	FinishedAt *time.Time   `json:"finished_at,omitempty"`
	ActiveStep *ActiveStep  `json:"active_step"`
	ETAMS      *int64       `json:"eta_ms"`
}

// Dashboard is the full front-end snapshot.
type Dashboard struct {
	Jobs    []JobSummary          `json:"jobs"`
	Workers []worker.WorkerStatus `json:"workers,omitempty"`
}

// Dashboard assembles the snapshot: every known job newest-first, plus live
// worker process state when a supervisor is attached.
func (p *Plane) Dashboard() Dashboard {
	jobs := p.eng.List()
	sort.Slice(jobs, func(i, j int) bool {
		if !jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
		}
		return jobs[i].JobID > jobs[j].JobID
	})

	out := Dashboard{Jobs: make([]JobSummary, 0, len(jobs))}
	for _, job := range jobs {
		out.Jobs = append(out.Jobs, summarizeJob(job))
	}
	if p.workers != nil {
		out.Workers = p.workers.Status()
	}
	return out
}

func summarizeJob(job *engine.Job) JobSummary {
	return JobSummary{
		JobID:      job.JobID,
		PresetID:   job.PresetID,
		State:      job.State,
		CreatedAt:  job.CreatedAt,
		StartedAt:  job.StartedAt,
		FinishedAt: job.FinishedAt,
		ActiveStep: activeStep(job),
		ETAMS:      jobETA(job),
	}
}

// activeStep picks the step the job is working on right now: the first
// running step, else the first one staged for dispatch.
func activeStep(job *engine.Job) *ActiveStep {
	var staged *engine.StepState
	for _, s := range job.Steps {
		switch s.State {
		case engine.StateRunning:
			return stepRef(s)
		case engine.StateDispatching:
			if staged == nil {
				staged = s
			}
		}
	}
	if staged != nil {
		return stepRef(staged)
	}
	return nil
}

func stepRef(s *engine.StepState) *ActiveStep {
	return &ActiveStep{
		StepID:  s.StepID,
		Worker:  s.Worker,
		Cmd:     s.Cmd,
		State:   s.State,
		Attempt: s.Attempt,
	}
}

// jobETA estimates remaining work as the mean duration of the job's finished
// steps times its non-terminal step count. Nil without finished-step data.
// Cache hits finish without running and do not skew the mean.
func jobETA(job *engine.Job) *int64 {
	var total int64
	measured := 0
	remaining := 0
	for _, s := range job.Steps {
		if !s.State.Terminal() {
			remaining++
			continue
		}
		if s.StartedAt != nil && s.FinishedAt != nil {
			total += s.FinishedAt.Sub(*s.StartedAt).Milliseconds()
			measured++
		}
	}
	if measured == 0 {
		return nil
	}
	eta := total / int64(measured) * int64(remaining)
	return &eta
}
