package obs

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

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
)

// Ledger metrics
var (
	// PointsAdjustments counts adjustments by mode (single, bulk) and outcome.
	PointsAdjustments = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "housecup_points_adjustments_total",
			Help: "Point adjustments by mode and outcome.",
		},
		[]string{"mode", "outcome"},
	)

	// PointsApplied sums the absolute applied deltas by direction.
	PointsApplied = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "housecup_points_applied_total",
			Help: "Absolute points applied, by direction.",
		},
		[]string{"direction"},
	)

	BatchCommits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "housecup_batch_commits_total",
			Help: "Write batch commits by outcome.",
		},
		[]string{"outcome"},
	)

	StoreConflicts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "housecup_store_conflicts_total",
		Help: "Transactions that gave up after repeated conflicts.",
	})

	IDsIssued = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "housecup_ids_issued_total",
		Help: "Sequential member ids issued.",
	})
)

var (
	initOnce sync.Once
	ready    atomic.Bool
)

// Init registers every metric in the default registry. Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			PointsAdjustments, PointsApplied, BatchCommits, StoreConflicts, IDsIssued,
		)
	})
}

// SetReady flips the readiness flag reported by Ready.
func SetReady(v bool) { ready.Store(v) }

func Ready() bool { return ready.Load() }

// Handler serves the Prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveAdjustment records one adjustment outcome and its applied delta.
func ObserveAdjustment(mode, outcome string, applied int64) {
	PointsAdjustments.WithLabelValues(mode, outcome).Inc()
	switch {
	case applied > 0:
		PointsApplied.WithLabelValues("award").Add(float64(applied))
	case applied < 0:
		PointsApplied.WithLabelValues("deduct").Add(float64(-applied))
	}
}

// Instrument measures request rate, latency and concurrency per route.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		defer httpInFlight.Dec()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	})
}

var (
	idCollections = map[string]bool{"members": true, "groups": true}
	fixedNames    = map[string]bool{"bulk": true}
	subResources  = map[string]bool{"history": true, "points": true, "group": true, "manager": true, "members": true}
)

// CanonicalPath collapses ids in known routes so metric labels stay bounded.
func CanonicalPath(p string) string {
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	if p == "" {
		return "/"
	}
	segs := strings.Split(strings.Trim(p, "/"), "/")
	if len(segs) < 3 || segs[0] != "v1" || !idCollections[segs[1]] || fixedNames[segs[2]] {
		return p
	}
	switch len(segs) {
	case 3:
		return "/v1/" + segs[1] + "/:id"
	case 4:
		if subResources[segs[3]] {
			return "/v1/" + segs[1] + "/:id/" + segs[3]
		}
	}
	return p
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// Flush keeps server-sent event streams working through the wrapper.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
