package httpx

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/praveen70140/PageForge/internal/queue"
)

var _ queue.Metrics = (*Metrics)(nil)

var (
	requestBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10}
	buildBuckets   = []float64{1, 5, 10, 30, 60, 120, 300, 600, 1200}
)

// Metrics holds the worker's Prometheus collectors. It satisfies the queue
// consumer's metrics interface so job outcomes land here.
type Metrics struct {
	requestTotal    *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	buildResults    *prometheus.CounterVec
	buildDuration   prometheus.Histogram
	queueJobs       *prometheus.CounterVec
	logDropped      prometheus.CounterFunc
}

// NewMetrics constructs and registers the worker collectors. droppedFn
// reports the cumulative count of log lines the bounded sink discarded.
func NewMetrics(droppedFn func() uint64) *Metrics {
	m := &Metrics{
		requestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pageforge",
			Subsystem: "worker",
			Name:      "http_requests_total",
			Help:      "Count of processed HTTP requests",
		}, []string{"method", "route", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "pageforge",
			Subsystem: "worker",
			Name:      "http_request_duration_seconds",
			Help:      "Latency distribution of HTTP handlers",
			Buckets:   requestBuckets,
		}, []string{"method", "route", "status"}),
		buildResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pageforge",
			Subsystem: "worker",
			Name:      "build_results_total",
			Help:      "Number of completed build outcomes",
		}, []string{"outcome"}),
		buildDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "pageforge",
			Subsystem: "worker",
			Name:      "build_duration_seconds",
			Help:      "Wall-clock duration of build jobs",
			Buckets:   buildBuckets,
		}),
		queueJobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pageforge",
			Subsystem: "worker",
			Name:      "queue_jobs_total",
			Help:      "Number of jobs taken from the build queue",
		}, []string{"result"}),
	}
	if droppedFn != nil {
		m.logDropped = prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "pageforge",
			Subsystem: "worker",
			Name:      "log_entries_dropped_total",
			Help:      "Build log lines discarded because the sink buffer was full",
		}, func() float64 { return float64(droppedFn()) })
	}

	collectors := []prometheus.Collector{m.requestTotal, m.requestDuration, m.buildResults, m.buildDuration, m.queueJobs}
	if m.logDropped != nil {
		collectors = append(collectors, m.logDropped)
	}
	for _, collector := range collectors {
		if err := prometheus.Register(collector); err != nil {
			if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
				switch existing := already.ExistingCollector.(type) {
				case *prometheus.CounterVec:
					switch collector {
					case m.requestTotal:
						m.requestTotal = existing
					case m.buildResults:
						m.buildResults = existing
					case m.queueJobs:
						m.queueJobs = existing
					}
				case *prometheus.HistogramVec:
					m.requestDuration = existing
				}
			}
		}
	}
	return m
}

// ObserveQueueJob counts one dequeued job by result.
func (m *Metrics) ObserveQueueJob(result string) {
	m.queueJobs.With(prometheus.Labels{"result": result}).Inc()
}

// ObserveBuild counts one finished build and records its duration.
func (m *Metrics) ObserveBuild(outcome string, duration time.Duration) {
	m.buildResults.With(prometheus.Labels{"outcome": outcome}).Inc()
	m.buildDuration.Observe(duration.Seconds())
}

func (m *Metrics) recordRequest(method, route string, status int, duration time.Duration) {
	labels := prometheus.Labels{
		"method": method,
		"route":  route,
		"status": strconv.Itoa(status),
	}
	m.requestTotal.With(labels).Inc()
	m.requestDuration.With(labels).Observe(duration.Seconds())
}

func (r *Router) instrument(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if r.metrics == nil {
			next(w, req)
			return
		}
		recorder := &responseRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)
		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		r.metrics.recordRequest(req.Method, route, status, time.Since(start))
	}
}

type responseRecorder struct {
	http.ResponseWriter
	status int
}

func (rr *responseRecorder) WriteHeader(code int) {
	rr.status = code
	rr.ResponseWriter.WriteHeader(code)
}

func (rr *responseRecorder) Write(b []byte) (int, error) {
	if rr.status == 0 {
		rr.status = http.StatusOK
	}
	return rr.ResponseWriter.Write(b)
}
