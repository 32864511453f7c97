// Package metrics exposes the orchestrator's Prometheus surface. Counters
// for job and step outcomes feed from the engine's event bus; worker process
// state, queue depths, and cache lookup counts are read from their sources
// at scrape time. Everything registers on a private registry so the
// /metrics endpoint serves exactly this process's series.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/leaderpass/conductor/internal/engine"
	"github.com/leaderpass/conductor/internal/stepcache"
	"github.com/leaderpass/conductor/internal/wire"
	"github.com/leaderpass/conductor/internal/worker"
)

// EngineSource is the slice of the engine the queue collector scrapes.
type EngineSource interface {
	ActiveCount(wire.Worker) int
	QueueDepth(wire.Worker) int
}

// WorkerSource reports live worker process state. The supervisor
// implements it.
type WorkerSource interface {
	Status() []worker.WorkerStatus
}

// CacheSource reports step-cache lookup counts and size.
type CacheSource interface {
	Stats() stepcache.Stats
	Len() int
}

// Options selects the scrape-time sources. A nil source skips its
// collector.
type Options struct {
	Engine  EngineSource
	Workers WorkerSource
	Cache   CacheSource
}

// Metrics owns the registry and the event-fed series.
type Metrics struct {
	reg          *prometheus.Registry
	jobs         *prometheus.CounterVec
	steps        *prometheus.CounterVec
	stepDuration *prometheus.HistogramVec
	retries      *prometheus.CounterVec
	workerEvents *prometheus.CounterVec

	mu    sync.Mutex
	unsub func()
	done  chan struct{}
}

// New builds the registry and registers every series. Call Observe to start
// feeding the event counters.
func New(opts Options) *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "conductor_jobs_total",
			Help: "Job state transitions by state.",
		}, []string{"state"}),
		steps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "conductor_steps_total",
			Help: "Finished step attempts by worker and terminal state.",
		}, []string{"worker", "state"}),
		stepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "conductor_step_duration_seconds",
			Help:    "Wall time of finished step attempts, cache hits excluded.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"worker"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "conductor_step_retries_total",
			Help: "Step attempts requeued after a retryable failure.",
		}, []string{"worker"}),
		workerEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "conductor_worker_events_total",
			Help: "Unsolicited worker events by worker and code.",
		}, []string{"worker", "code"}),
	}

	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.jobs, m.steps, m.stepDuration, m.retries, m.workerEvents,
	)
	if opts.Engine != nil {
		m.reg.MustRegister(newQueueCollector(opts.Engine))
	}
	if opts.Workers != nil {
		m.reg.MustRegister(newWorkerCollector(opts.Workers))
	}
	if opts.Cache != nil {
		m.reg.MustRegister(newCacheCollector(opts.Cache))
	}
	return m
}

// Registry exposes the private registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// Observe subscribes to the bus and feeds the event counters until the bus
// closes or Close is called. History replay is counted too, so a restart
// re-counts the retained window; rates and increases are unaffected.
func (m *Metrics) Observe(bus *engine.Bus) {
	events, busDone, unsub := bus.Subscribe()
	done := make(chan struct{})

	m.mu.Lock()
	m.unsub = unsub
	m.done = done
	m.mu.Unlock()

	go func() {
		defer close(done)
		for {
			select {
			case ev, ok := <-events:
				if !ok {
					return
				}
				m.record(ev)
			case <-busDone:
				return
			}
		}
	}()
}

// Close detaches from the bus and waits for the feed goroutine to stop.
func (m *Metrics) Close() {
	m.mu.Lock()
	unsub, done := m.unsub, m.done
	m.unsub, m.done = nil, nil
	m.mu.Unlock()
	if unsub == nil {
		return
	}
	unsub()
	<-done
}

func (m *Metrics) record(ev engine.Event) {
	switch ev.Type {
	case engine.EventJobState:
		m.jobs.WithLabelValues(string(ev.State)).Inc()

	case engine.EventStepProgress:
		if ev.Code == "RETRY" {
			m.retries.WithLabelValues(string(ev.Worker)).Inc()
			return
		}
		if !ev.State.Terminal() {
			return
		}
		m.steps.WithLabelValues(string(ev.Worker), string(ev.State)).Inc()
		if ev.Code != "CACHE_HIT" && ev.State != engine.StateCanceled {
			m.stepDuration.WithLabelValues(string(ev.Worker)).
				Observe(float64(ev.TimingMS) / 1000)
		}

	case engine.EventWorkerEvent:
		code := ev.Code
		if code == "" {
			code = "MESSAGE"
		}
		m.workerEvents.WithLabelValues(string(ev.Worker), code).Inc()
	}
}
