package obs

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

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

	grpcRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "grpc_requests_total",
			Help: "Total number of unary gRPC calls by method and status code.",
		},
		[]string{"method", "code"},
	)

	authzDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "authz_decisions_total",
			Help: "Authorization decisions by transport and outcome.",
		},
		[]string{"transport", "outcome"},
	)

	authEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_events_total",
			Help: "Authentication events by type and result.",
		},
		[]string{"event", "success"},
	)

	auditDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "audit_events_dropped_total",
		Help: "Auth events that could not be persisted (queue full or store failure).",
	})

	credentialsSwept = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "refresh_credentials_swept_total",
		Help: "Expired refresh credentials deleted by the housekeeping sweep.",
	})

	initOnce sync.Once
)

// Init registers every collector in the default registry. Safe to call repeatedly.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			grpcRequestsTotal, authzDecisions, authEvents, auditDropped, credentialsSwept,
		)
	})
}

// Handler exposes the Prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveDecision counts one authorization decision.
func ObserveDecision(transport, outcome string) {
	authzDecisions.WithLabelValues(transport, outcome).Inc()
}

// ObserveAuthEvent counts one authentication event.
func ObserveAuthEvent(event string, success bool) {
	authEvents.WithLabelValues(event, strconv.FormatBool(success)).Inc()
}

// ObserveAuditDropped counts an auth event that never reached the store.
func ObserveAuditDropped() {
	auditDropped.Inc()
}

// ObserveSweep adds n deleted refresh credentials.
func ObserveSweep(n int64) {
	if n > 0 {
		credentialsSwept.Add(float64(n))
	}
}

// ObserveGRPC counts one unary RPC.
func ObserveGRPC(method, code string) {
	grpcRequestsTotal.WithLabelValues(method, code).Inc()
}

// Instrument records in-flight count, totals and latency per canonical path.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		defer httpInFlight.Dec()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		status := strconv.Itoa(sw.code)
		httpRequestDuration.WithLabelValues(method, path, status).Observe(time.Since(start).Seconds())
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	})
}

// collections whose following path segment is an identifier.
var collections = map[string]struct{}{
	"users":        {},
	"pools":        {},
	"grants":       {},
	"members":      {},
	"condominiums": {},
	"goals":        {},
	"resources":    {},
}

// CanonicalPath replaces identifier segments so metric label cardinality stays bounded.
func CanonicalPath(p string) string {
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	p = strings.Trim(p, "/")
	if p == "" {
		return "/"
	}
	segments := strings.Split(p, "/")
	for i := 1; i < len(segments); i++ {
		if _, ok := collections[segments[i-1]]; ok {
			segments[i] = ":id"
		}
	}
	return "/" + strings.Join(segments, "/")
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
