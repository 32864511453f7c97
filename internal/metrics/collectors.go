package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/leaderpass/conductor/internal/wire"
)

// queueCollector reads step concurrency state from the engine at scrape
// time.
type queueCollector struct {
	src    EngineSource
	active *prometheus.Desc
	depth  *prometheus.Desc
}

func newQueueCollector(src EngineSource) *queueCollector {
	return &queueCollector{
		src: src,
		active: prometheus.NewDesc("conductor_active_steps",
			"Steps currently running on a worker.", []string{"worker"}, nil),
		depth: prometheus.NewDesc("conductor_dispatch_queue_depth",
			"Steps staged for a worker and waiting for a slot.", []string{"worker"}, nil),
	}
}

func (c *queueCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.active
	ch <- c.depth
}

func (c *queueCollector) Collect(ch chan<- prometheus.Metric) {
	for _, w := range wire.Workers() {
		ch <- prometheus.MustNewConstMetric(c.active, prometheus.GaugeValue,
			float64(c.src.ActiveCount(w)), string(w))
		ch <- prometheus.MustNewConstMetric(c.depth, prometheus.GaugeValue,
			float64(c.src.QueueDepth(w)), string(w))
	}
}

// workerCollector reads live process state from the supervisor at scrape
// time.
type workerCollector struct {
	src      WorkerSource
	up       *prometheus.Desc
	restarts *prometheus.Desc
	pending  *prometheus.Desc
}

func newWorkerCollector(src WorkerSource) *workerCollector {
	return &workerCollector{
		src: src,
		up: prometheus.NewDesc("conductor_worker_up",
			"Whether the worker process is running and answering pings.", []string{"worker"}, nil),
		restarts: prometheus.NewDesc("conductor_worker_restarts_total",
			"Times the worker process has been restarted.", []string{"worker"}, nil),
		pending: prometheus.NewDesc("conductor_worker_pending_requests",
			"Requests sent to the worker and awaiting a response.", []string{"worker"}, nil),
	}
}

func (c *workerCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.up
	ch <- c.restarts
	ch <- c.pending
}

func (c *workerCollector) Collect(ch chan<- prometheus.Metric) {
	for _, st := range c.src.Status() {
		up := 0.0
		if st.Running && st.Healthy {
			up = 1
		}
		ch <- prometheus.MustNewConstMetric(c.up, prometheus.GaugeValue,
			up, string(st.Worker))
		ch <- prometheus.MustNewConstMetric(c.restarts, prometheus.CounterValue,
			float64(st.Restarts), string(st.Worker))
		ch <- prometheus.MustNewConstMetric(c.pending, prometheus.GaugeValue,
			float64(st.Pending), string(st.Worker))
	}
}

// cacheCollector reads step-cache lookup counts at scrape time.
type cacheCollector struct {
	src     CacheSource
	hits    *prometheus.Desc
	misses  *prometheus.Desc
	entries *prometheus.Desc
}

func newCacheCollector(src CacheSource) *cacheCollector {
	return &cacheCollector{
		src: src,
		hits: prometheus.NewDesc("conductor_cache_hits_total",
			"Step-cache lookups served from the store.", nil, nil),
		misses: prometheus.NewDesc("conductor_cache_misses_total",
			"Step-cache lookups that found nothing usable.", nil, nil),
		entries: prometheus.NewDesc("conductor_cache_entries",
			"Live entries in the step cache.", nil, nil),
	}
}

func (c *cacheCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.hits
	ch <- c.misses
	ch <- c.entries
}

func (c *cacheCollector) Collect(ch chan<- prometheus.Metric) {
	stats := c.src.Stats()
	ch <- prometheus.MustNewConstMetric(c.hits, prometheus.CounterValue, float64(stats.Hits))
	ch <- prometheus.MustNewConstMetric(c.misses, prometheus.CounterValue, float64(stats.Misses))
	ch <- prometheus.MustNewConstMetric(c.entries, prometheus.GaugeValue, float64(c.src.Len()))
}
