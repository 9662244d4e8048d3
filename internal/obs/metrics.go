package obs

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTP-level metrics.
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	readyGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "service_ready",
		Help: "1 when the readiness probe last succeeded, 0 otherwise.",
	})
)

// Race engine metrics.
var (
	racesCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "race_created_total",
			Help: "Races created, by rfq type.",
		},
		[]string{"rfq_type"},
	)

	responsesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "race_responses_total",
			Help: "Supplier responses arbitrated, by response type and outcome.",
		},
		[]string{"response_type", "outcome"},
	)

	rejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "race_rejections_total",
			Help: "Rejected responses, by reason.",
		},
		[]string{"reason"},
	)

	awardsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "race_awards_total",
			Help: "Races awarded, by rfq type.",
		},
		[]string{"rfq_type"},
	)

	sweepReopened = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "race_sweep_reopened_total",
		Help: "Priority holds reopened by the expiry sweeper.",
	})

	sweepClosed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "race_sweep_closed_total",
		Help: "Races closed by the deadline sweeper.",
	})

	sweepErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "race_sweep_errors_total",
		Help: "Per-RFQ sweep failures (retried next tick).",
	})
)

// Init registers all metrics with the default registry.
func Init() {
	prometheus.MustRegister(
		httpInFlight, httpRequestsTotal, httpRequestDuration, readyGauge,
		racesCreated, responsesTotal, rejectionsTotal, awardsTotal,
		sweepReopened, sweepClosed, sweepErrors,
	)
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetReady records the outcome of the last readiness check.
func SetReady(ready bool) {
	if ready {
		readyGauge.Set(1)
	} else {
		readyGauge.Set(0)
	}
}

// RaceCreated counts a new race.
func RaceCreated(rfqType string) { racesCreated.WithLabelValues(rfqType).Inc() }

// ResponseArbitrated counts one arbitrated response.
func ResponseArbitrated(responseType, outcome string) {
	responsesTotal.WithLabelValues(responseType, outcome).Inc()
}

// ResponseRejected counts a lost-race or gate rejection.
func ResponseRejected(reason string) { rejectionsTotal.WithLabelValues(reason).Inc() }

// RaceAwarded counts an award.
func RaceAwarded(rfqType string) { awardsTotal.WithLabelValues(rfqType).Inc() }

// SweepResult records one sweeper pass.
func SweepResult(reopened, closed, failures int) {
	sweepReopened.Add(float64(reopened))
	sweepClosed.Add(float64(closed))
	sweepErrors.Add(float64(failures))
}

// Instrument wraps a handler with RPS/latency/in-flight measurement.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// statusWriter captures the response code for metric labels.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// Flush keeps streaming responses working under instrumentation.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
