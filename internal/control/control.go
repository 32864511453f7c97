// Package control implements the orchestrator's control plane: recipe launch
// and retry, the dashboard snapshot, and persisted preferences, all on top of
// the job engine. The HTTP layer is a thin shell over this package.
package control

import (
	"log/slog"

	"github.com/leaderpass/conductor/internal/engine"
	"github.com/leaderpass/conductor/internal/recipe"
	"github.com/leaderpass/conductor/internal/wire"
	"github.com/leaderpass/conductor/internal/worker"
)

// StatusSource reports live worker process state for the dashboard. The
// supervisor implements it.
type StatusSource interface {
	Status() []worker.WorkerStatus
}

// Plane ties the catalog, the engine, and the preference store together
// behind the operations the front end calls.
type Plane struct {
	catalog *recipe.Catalog
	eng     *engine.Engine
	prefs   *PrefStore
	workers StatusSource
	logger  *slog.Logger
}

// New builds the control plane and applies the saved worker concurrency to
// the engine, so limits survive restarts without waiting for a preferences
// write.
func New(catalog *recipe.Catalog, eng *engine.Engine, prefs *PrefStore, workers StatusSource, logger *slog.Logger) *Plane {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Plane{
		catalog: catalog,
		eng:     eng,
		prefs:   prefs,
		workers: workers,
		logger:  logger.With("component", "control"),
	}
	eng.SetConcurrency(workerLimits(prefs.Get()))
	return p
}

// LaunchOptions carries per-launch overrides from the caller.
type LaunchOptions struct {
	IdempotencyKey string `json:"idempotency_key,omitempty"`
	TimeoutMS      int64  `json:"timeout_ms,omitempty"`
}

// LaunchResult is the reply to a launch or retry.
type LaunchResult struct {
	JobID    string         `json:"job_id"`
	PresetID string         `json:"preset_id"`
	State    engine.State   `json:"state"`
	Input    map[string]any `json:"input,omitempty"`
}

// LaunchRecipe compiles and submits a recipe. Input precedence, lowest to
// highest: recipe defaults, saved per-recipe defaults, caller input.
func (p *Plane) LaunchRecipe(recipeID string, input map[string]any, opts LaunchOptions) (LaunchResult, error) {
	return p.launch(recipeID, input, recipe.BuildOptions{
		IdempotencyKey: opts.IdempotencyKey,
		TimeoutMS:      opts.TimeoutMS,
	})
}

// RetryJob re-launches a job's recipe with the job's last input, recording
// the lineage on the new job.
func (p *Plane) RetryJob(jobID string) (LaunchResult, error) {
	job, ok := p.eng.Get(jobID)
	if !ok {
		return LaunchResult{}, wire.UserErrorf("job %s not found", jobID)
	}
	return p.launch(job.PresetID, job.Input, recipe.BuildOptions{
		TimeoutMS: job.TimeoutMS,
		RetryOf:   jobID,
	})
}

func (p *Plane) launch(recipeID string, input map[string]any, opts recipe.BuildOptions) (LaunchResult, error) {
	saved := p.prefs.Get().RecipeDefaults[recipeID]
	merged := mergeInput(saved, input)
	plan, err := p.catalog.BuildPlan(recipeID, merged, opts)
	if err != nil {
		return LaunchResult{}, err
	}
	job, err := p.eng.Submit(plan)
	if err != nil {
		return LaunchResult{}, err
	}
	p.logger.Info("recipe launched",
		"recipe", recipeID, "job_id", job.JobID, "retry_of", opts.RetryOf)
	return LaunchResult{
		JobID:    job.JobID,
		PresetID: job.PresetID,
		State:    job.State,
		Input:    job.Input,
	}, nil
}

// Jobs lists every known job in creation order.
func (p *Plane) Jobs() []*engine.Job { return p.eng.List() }

// Job returns one job by id.
func (p *Plane) Job(id string) (*engine.Job, bool) { return p.eng.Get(id) }

// CancelJob requests cancellation of a job.
func (p *Plane) CancelJob(id string) engine.CancelResult { return p.eng.Cancel(id) }

// Recipes lists the loaded catalog.
func (p *Plane) Recipes() []*recipe.Recipe { return p.catalog.List() }

// Events exposes the engine's bus for streaming and history lookups.
func (p *Plane) Events() *engine.Bus { return p.eng.Bus() }

// Preferences returns the current saved preferences.
func (p *Plane) Preferences() Preferences { return p.prefs.Get() }

// UpdatePreferences merges a patch, persists it, and re-applies worker
// concurrency to the engine.
func (p *Plane) UpdatePreferences(patch PreferencesPatch) (Preferences, error) {
	next, err := p.prefs.Update(patch)
	if err != nil {
		return Preferences{}, err
	}
	p.eng.SetConcurrency(workerLimits(next))
	p.logger.Info("preferences updated", "worker_concurrency", next.WorkerConcurrency)
	return next, nil
}

// mergeInput layers b over a without mutating either.
func mergeInput(a, b map[string]any) map[string]any {
	out := make(map[string]any, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		out[k] = v
	}
	return out
}

// workerLimits converts saved concurrency to engine form, dropping entries
// the engine would reject.
func workerLimits(p Preferences) map[wire.Worker]int {
	out := make(map[wire.Worker]int, len(p.WorkerConcurrency))
	for name, n := range p.WorkerConcurrency {
		w := wire.Worker(name)
		if w.Valid() && n > 0 {
			out[w] = n
		}
	}
	return out
}
