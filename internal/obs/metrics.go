package obs

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTP metrics
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

	ready = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "stepwise_ready",
		Help: "1 when the store answered the last readiness probe.",
	})
)

// Domain metrics
var (
	SpendTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "stepwise_spend_total",
		Help: "Unlock attempts by outcome.",
	}, []string{"outcome"})

	FulfillmentTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "stepwise_fulfillment_total",
		Help: "Fulfillment attempts by outcome.",
	}, []string{"outcome"})

	DocumentSaveTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "stepwise_document_save_total",
		Help: "Versioned document saves by outcome.",
	}, []string{"outcome"})

	DocumentSaveAttempts = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "stepwise_document_save_attempts",
		Help:    "Read-merge-write cycles needed per save.",
		Buckets: []float64{1, 2, 3, 4, 5, 8},
	})

	StepInvalidations = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "stepwise_step_invalidations_total",
		Help: "Downstream steps marked needs_regeneration.",
	})

	PartialFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "stepwise_partial_failures_total",
		Help: "Side writes that failed after a committed spend or credit.",
	}, []string{"write"})
)

var initOnce sync.Once

// Init registers all metrics in the default registry. Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration, ready,
			SpendTotal, FulfillmentTotal, DocumentSaveTotal, DocumentSaveAttempts,
			StepInvalidations, PartialFailures,
		)
	})
}

// Handler serves the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetReady records the result of a readiness probe.
func SetReady(ok bool) {
	if ok {
		ready.Set(1)
		return
	}
	ready.Set(0)
}

// Instrument records RPS, latency and in-flight requests. The path label is
// the matched chi route pattern when there is one.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		path := CanonicalPath(r.URL.Path)
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if pattern := rc.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// CanonicalPath collapses identifiers in known routes so that label
// cardinality stays bounded when no route pattern is available.
func CanonicalPath(raw string) string {
	if i := strings.IndexByte(raw, '?'); i >= 0 {
		raw = raw[:i]
	}
	if raw == "" {
		return "/"
	}
	parts := strings.Split(strings.Trim(raw, "/"), "/")
	if len(parts) < 3 || parts[0] != "v1" || parts[1] != "workshops" {
		return raw
	}
	parts[2] = ":id"
	switch {
	case len(parts) == 3:
	case len(parts) == 4 && (parts[3] == "unlock" || parts[3] == "access" || parts[3] == "document" || parts[3] == "steps"):
	case len(parts) == 6 && parts[3] == "steps":
		parts[4] = ":order"
	default:
		return raw
	}
	return "/" + strings.Join(parts, "/")
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
