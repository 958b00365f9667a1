// Package metrics exposes the validator's Prometheus collectors:
// HTTP instrumentation, verification cycle outcomes, billing batch
// throughput, and rental lifecycle counts.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every collector registered by this package.
var Registry = prometheus.NewRegistry()

var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "basilica",
		Subsystem: "http",
		Name:      "inflight_requests",
		Help:      "Current number of in-flight HTTP requests.",
	})

	httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "basilica",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "Total number of HTTP requests handled.",
	}, []string{"method", "path", "status"})

	httpDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "basilica",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "Duration of HTTP requests.",
		Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10),
	}, []string{"method", "path"})

	VerificationRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "basilica",
		Subsystem: "verification",
		Name:      "runs_total",
		Help:      "Total verification runs by strategy and outcome.",
	}, []string{"strategy", "outcome"})

	VerificationScore = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "basilica",
		Subsystem: "verification",
		Name:      "score",
		Help:      "Combined verification score distribution.",
		Buckets:   prometheus.LinearBuckets(0, 0.1, 11),
	}, []string{"strategy"})

	RentalsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "basilica",
		Subsystem: "rentals",
		Name:      "active",
		Help:      "Current number of active rentals.",
	})

	RentalTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "basilica",
		Subsystem: "rentals",
		Name:      "transitions_total",
		Help:      "Rental state machine transitions.",
	}, []string{"from", "to"})

	BillingBatchSize = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "basilica",
		Subsystem: "billing",
		Name:      "batch_size",
		Help:      "Number of events claimed per processing batch.",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
	}, []string{"result"})

	BillingBatchDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "basilica",
		Subsystem: "billing",
		Name:      "batch_duration_seconds",
		Help:      "Duration of a billing processing batch.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
	}, []string{"result"})
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		VerificationRuns,
		VerificationScore,
		RentalsActive,
		RentalTransitions,
		BillingBatchSize,
		BillingBatchDuration,
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
}

// Handler exposes the registry over HTTP for scraping.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// InstrumentHandler wraps next with in-flight, count and latency metrics.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		httpInFlight.Inc()
		defer httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		duration := time.Since(start)
		path := canonicalPath(r.URL.Path)
		method := strings.ToUpper(r.Method)

		httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	})
}

// canonicalPath collapses path parameters (uuids, numeric ids) so the
// requests_total/request_duration_seconds label cardinality stays
// bounded regardless of how many distinct executors/rentals exist.
func canonicalPath(p string) string {
	segments := strings.Split(p, "/")
	for i, s := range segments {
		if s == "" {
			continue
		}
		if looksLikeID(s) {
			segments[i] = ":id"
		}
	}
	return strings.Join(segments, "/")
}

func looksLikeID(s string) bool {
	if len(s) < 8 {
		return false
	}
	hasDigit := false
	for _, r := range s {
		if r >= '0' && r <= '9' {
			hasDigit = true
		} else if !((r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || r == '-') {
			return false
		}
	}
	return hasDigit
}

// RecordVerification records the outcome of one verification run.
func RecordVerification(strategy, outcome string, score float64) {
	VerificationRuns.WithLabelValues(strategy, outcome).Inc()
	VerificationScore.WithLabelValues(strategy).Observe(score)
}

// RecordRentalTransition records a rental state machine edge.
func RecordRentalTransition(from, to string) {
	RentalTransitions.WithLabelValues(from, to).Inc()
}

// RecordBillingBatch records the size and duration of a processed batch.
func RecordBillingBatch(result string, size int, duration time.Duration) {
	BillingBatchSize.WithLabelValues(result).Observe(float64(size))
	BillingBatchDuration.WithLabelValues(result).Observe(duration.Seconds())
}
