package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/leaderpass/conductor/internal/engine"
	"github.com/leaderpass/conductor/internal/stepcache"
	"github.com/leaderpass/conductor/internal/wire"
	"github.com/leaderpass/conductor/internal/worker"
)

func TestRecordCountsJobTransitions(t *testing.T) {
	m := New(Options{})

	m.record(engine.Event{Type: engine.EventJobState, State: engine.StateQueued})
	m.record(engine.Event{Type: engine.EventJobState, State: engine.StateRunning})
	m.record(engine.Event{Type: engine.EventJobState, State: engine.StateSucceeded})
	m.record(engine.Event{Type: engine.EventJobState, State: engine.StateSucceeded})

	if got := testutil.ToFloat64(m.jobs.WithLabelValues("succeeded")); got != 2 {
		t.Fatalf("jobs succeeded = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.jobs.WithLabelValues("queued")); got != 1 {
		t.Fatalf("jobs queued = %v, want 1", got)
	}
}

func TestRecordCountsStepOutcomes(t *testing.T) {
	m := New(Options{})

	m.record(engine.Event{Type: engine.EventStepProgress, Worker: wire.WorkerMedia,
		State: engine.StateRunning, Attempt: 1})
	m.record(engine.Event{Type: engine.EventStepProgress, Worker: wire.WorkerMedia,
		State: engine.StateQueued, Code: "RETRY", Attempt: 1})
	m.record(engine.Event{Type: engine.EventStepProgress, Worker: wire.WorkerMedia,
		State: engine.StateSucceeded, Attempt: 2, TimingMS: 1500})
	m.record(engine.Event{Type: engine.EventStepProgress, Worker: wire.WorkerPlatform,
		State: engine.StateFailed, Attempt: 1, TimingMS: 90})

	if got := testutil.ToFloat64(m.steps.WithLabelValues("media", "succeeded")); got != 1 {
		t.Fatalf("media succeeded = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.steps.WithLabelValues("platform", "failed")); got != 1 {
		t.Fatalf("platform failed = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.retries.WithLabelValues("media")); got != 1 {
		t.Fatalf("media retries = %v, want 1", got)
	}
	// Running transitions are gauges territory, not outcome counts.
	if got := testutil.CollectAndCount(m.steps); got != 2 {
		t.Fatalf("step series = %d, want 2", got)
	}
	if got := testutil.CollectAndCount(m.stepDuration); got != 2 {
		t.Fatalf("duration series = %d, want 2", got)
	}
}

func TestRecordSkipsDurationForCacheHitsAndCancels(t *testing.T) {
	m := New(Options{})

	m.record(engine.Event{Type: engine.EventStepProgress, Worker: wire.WorkerMedia,
		State: engine.StateSucceeded, Code: "CACHE_HIT"})
	m.record(engine.Event{Type: engine.EventStepProgress, Worker: wire.WorkerMedia,
		State: engine.StateCanceled, Attempt: 1})

	if got := testutil.ToFloat64(m.steps.WithLabelValues("media", "succeeded")); got != 1 {
		t.Fatalf("cache hit not counted as outcome: %v", got)
	}
	if got := testutil.ToFloat64(m.steps.WithLabelValues("media", "canceled")); got != 1 {
		t.Fatalf("cancel not counted as outcome: %v", got)
	}
	if got := testutil.CollectAndCount(m.stepDuration); got != 0 {
		t.Fatalf("duration series = %d, want none", got)
	}
}

func TestRecordCountsWorkerEvents(t *testing.T) {
	m := New(Options{})

	m.record(engine.Event{Type: engine.EventWorkerEvent, Worker: wire.WorkerResolve,
		Code: "WORKER_UNAVAILABLE"})
	m.record(engine.Event{Type: engine.EventWorkerEvent, Worker: wire.WorkerResolve})

	if got := testutil.ToFloat64(m.workerEvents.WithLabelValues("resolve", "WORKER_UNAVAILABLE")); got != 1 {
		t.Fatalf("unavailable events = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.workerEvents.WithLabelValues("resolve", "MESSAGE")); got != 1 {
		t.Fatalf("codeless events = %v, want 1 under MESSAGE", got)
	}
}

func TestObserveFeedsFromBus(t *testing.T) {
	bus := engine.NewBus(16)
	t.Cleanup(bus.Close)

	m := New(Options{})
	m.Observe(bus)
	t.Cleanup(m.Close)

	bus.Publish(engine.Event{Type: engine.EventJobState, JobID: "j1", State: engine.StateQueued})
	bus.Publish(engine.Event{Type: engine.EventStepProgress, JobID: "j1", StepID: "s1",
		Worker: wire.WorkerMedia, State: engine.StateSucceeded, TimingMS: 40})

	deadline := time.Now().Add(3 * time.Second)
	for testutil.ToFloat64(m.steps.WithLabelValues("media", "succeeded")) != 1 {
		if time.Now().After(deadline) {
			t.Fatal("bus events never reached the counters")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got := testutil.ToFloat64(m.jobs.WithLabelValues("queued")); got != 1 {
		t.Fatalf("jobs queued = %v, want 1", got)
	}

	// Close is idempotent and detaches cleanly.
	m.Close()
	m.Close()
}

type fakeEngineSource struct {
	active map[wire.Worker]int
	depth  map[wire.Worker]int
}

func (f fakeEngineSource) ActiveCount(w wire.Worker) int { return f.active[w] }
func (f fakeEngineSource) QueueDepth(w wire.Worker) int  { return f.depth[w] }

func TestQueueCollector(t *testing.T) {
	src := fakeEngineSource{
		active: map[wire.Worker]int{wire.WorkerMedia: 2},
		depth:  map[wire.Worker]int{wire.WorkerMedia: 3, wire.WorkerResolve: 1},
	}
	expected := `
# HELP conductor_active_steps Steps currently running on a worker.
# TYPE conductor_active_steps gauge
conductor_active_steps{worker="media"} 2
conductor_active_steps{worker="platform"} 0
conductor_active_steps{worker="resolve"} 0
# HELP conductor_dispatch_queue_depth Steps staged for a worker and waiting for a slot.
# TYPE conductor_dispatch_queue_depth gauge
conductor_dispatch_queue_depth{worker="media"} 3
conductor_dispatch_queue_depth{worker="platform"} 0
conductor_dispatch_queue_depth{worker="resolve"} 1
`
	if err := testutil.CollectAndCompare(newQueueCollector(src), strings.NewReader(expected)); err != nil {
		t.Fatalf("queue collector: %v", err)
	}
}

type fakeWorkerSource struct {
	out []worker.WorkerStatus
}

func (f fakeWorkerSource) Status() []worker.WorkerStatus { return f.out }

func TestWorkerCollector(t *testing.T) {
	src := fakeWorkerSource{out: []worker.WorkerStatus{
		{Worker: wire.WorkerMedia, Running: true, Healthy: true, Restarts: 4, Pending: 2},
		{Worker: wire.WorkerResolve, Running: true, Healthy: false, Restarts: 0, Pending: 0},
	}}
	expected := `
# HELP conductor_worker_up Whether the worker process is running and answering pings.
# TYPE conductor_worker_up gauge
conductor_worker_up{worker="media"} 1
conductor_worker_up{worker="resolve"} 0
# HELP conductor_worker_restarts_total Times the worker process has been restarted.
# TYPE conductor_worker_restarts_total counter
conductor_worker_restarts_total{worker="media"} 4
conductor_worker_restarts_total{worker="resolve"} 0
# HELP conductor_worker_pending_requests Requests sent to the worker and awaiting a response.
# TYPE conductor_worker_pending_requests gauge
conductor_worker_pending_requests{worker="media"} 2
conductor_worker_pending_requests{worker="resolve"} 0
`
	if err := testutil.CollectAndCompare(newWorkerCollector(src), strings.NewReader(expected)); err != nil {
		t.Fatalf("worker collector: %v", err)
	}
}

type fakeCacheSource struct {
	stats   stepcache.Stats
	entries int
}

func (f fakeCacheSource) Stats() stepcache.Stats { return f.stats }
func (f fakeCacheSource) Len() int               { return f.entries }

func TestCacheCollector(t *testing.T) {
	src := fakeCacheSource{stats: stepcache.Stats{Hits: 7, Misses: 3}, entries: 5}
	expected := `
# HELP conductor_cache_entries Live entries in the step cache.
# TYPE conductor_cache_entries gauge
conductor_cache_entries 5
# HELP conductor_cache_hits_total Step-cache lookups served from the store.
# TYPE conductor_cache_hits_total counter
conductor_cache_hits_total 7
# HELP conductor_cache_misses_total Step-cache lookups that found nothing usable.
# TYPE conductor_cache_misses_total counter
conductor_cache_misses_total 3
`
	if err := testutil.CollectAndCompare(newCacheCollector(src), strings.NewReader(expected)); err != nil {
		t.Fatalf("cache collector: %v", err)
	}
}

func TestHandlerServesTextFormat(t *testing.T) {
	m := New(Options{Cache: fakeCacheSource{}})
	m.record(engine.Event{Type: engine.EventJobState, State: engine.StateQueued})

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	if rec.Code != 200 {
		t.Fatalf("status = %d", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{
		`conductor_jobs_total{state="queued"} 1`,
		"conductor_cache_hits_total 0",
		"go_goroutines",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics output missing %q:\n%s", want, body)
		}
	}
}
