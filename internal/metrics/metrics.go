package metrics

import (
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// API
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "http_requests_total", Help: "Count of HTTP requests."},
		[]string{"handler", "method", "code"},
	)
	HTTPDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms..~10s
		},
		[]string{"handler", "method"},
	)
	ScheduleCreate = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "schedule_create_total", Help: "Scheduling API results."},
		[]string{"result"}, // ok | invalid | error
	)

	// Dispatch
	DispatchCycles = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "dispatch_cycles_total", Help: "Dispatch cycles by trigger and result."},
		[]string{"trigger", "result"}, // result: ok | already_running | too_soon | store_error
	)
	DispatchItems = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "dispatch_items_total", Help: "Per-item dispatch outcomes."},
		[]string{"outcome"}, // posted | failed_retryable | failed_terminal | write_error
	)
	DueSetSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dispatch_due_set_size",
			Help:    "Records selected per cycle.",
			Buckets: prometheus.LinearBuckets(0, 5, 11), // 0,5,...,50
		},
	)
	InFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "dispatch_running", Help: "1 while a dispatch cycle runs in this process."},
	)

	// Publisher
	PublisherRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "publisher_requests_total", Help: "Platform calls by operation and result."},
		[]string{"op", "result"}, // result: ok | error
	)
	PublisherDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "publisher_duration_seconds",
			Help:    "Platform call latency.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms..~40s
		},
		[]string{"op"},
	)
	ImageDegraded = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "publisher_image_degraded_total", Help: "Posts sent as text after an image step failed.",
	})
)

// Register default + our collectors
func MustRegister() {
	prometheus.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		HTTPRequests, HTTPDuration, ScheduleCreate,
		DispatchCycles, DispatchItems, DueSetSize, InFlight,
		PublisherRequests, PublisherDuration, ImageDegraded,
	)
}

// ObservePublisher records one platform call.
func ObservePublisher(op string, started time.Time, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	PublisherRequests.WithLabelValues(op, result).Inc()
	PublisherDuration.WithLabelValues(op).Observe(time.Since(started).Seconds())
}

// Export a tiny pgxpool stats exporter
type PGXPoolStats struct {
	pool *pgxpool.Pool

	conns          prometheus.Gauge
	idle           prometheus.Gauge
	acquireCount   prometheus.Gauge
	acquireLatency prometheus.Gauge
}

func NewPGXPoolStats(pool *pgxpool.Pool, reg prometheus.Registerer) *PGXPoolStats {
	m := &PGXPoolStats{
		pool: pool,
		conns: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "db_pool_conns", Help: "Total connections in pool.",
		}),
		idle: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "db_pool_idle_conns", Help: "Idle connections in pool.",
		}),
		acquireCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "db_pool_acquires", Help: "Cumulative pool acquires.",
		}),
		acquireLatency: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "db_pool_acquire_seconds", Help: "Cumulative acquire latency.",
		}),
	}
	reg.MustRegister(m.conns, m.idle, m.acquireCount, m.acquireLatency)

	return m
}

// Start samples the pool until stop is closed.
func (m *PGXPoolStats) Start(interval time.Duration, stop <-chan struct{}) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			m.Sample()
		}
	}
}

// Sample copies the pool's cumulative stats into the gauges.
func (m *PGXPoolStats) Sample() {
	s := m.pool.Stat()
	m.conns.Set(float64(s.TotalConns()))
	m.idle.Set(float64(s.IdleConns()))
	m.acquireCount.Set(float64(s.AcquireCount()))
	m.acquireLatency.Set(s.AcquireDuration().Seconds())
}
