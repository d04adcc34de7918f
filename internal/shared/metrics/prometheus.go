package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path"},
	)

	httpRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed",
		},
	)

	// Business metrics
	bedAssignments = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bed_assignments_total",
			Help: "Total number of bed assignments",
		},
		[]string{"ward"},
	)

	bedConflicts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bed_assignment_conflicts_total",
			Help: "Total number of bed assignments rejected because the bed was already occupied",
		},
	)

	bedTransfers = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bed_transfers_total",
			Help: "Total number of bed transfers",
		},
	)

	discharges = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "discharges_total",
			Help: "Total number of admission discharges",
		},
	)

	requestsClaimed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lab_requests_claimed_total",
			Help: "Total number of lab/imaging requests claimed",
		},
		[]string{"kind"},
	)

	claimConflicts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lab_claim_conflicts_total",
			Help: "Total number of claims rejected because the request was already assigned",
		},
		[]string{"kind"},
	)

	dispensings = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dispensings_total",
			Help: "Total number of successful dispensings",
		},
	)

	dispensingRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispensing_rejections_total",
			Help: "Total number of rejected dispensings",
		},
		[]string{"reason"},
	)

	auditEntriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "audit_entries_total",
			Help: "Total number of audit entries created",
		},
	)

	// Database metrics
	dbQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "db_query_duration_seconds",
			Help:    "Database query duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"operation"},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware creates HTTP metrics middleware
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		httpRequestsInFlight.Inc()
		defer httpRequestsInFlight.Dec()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start).Seconds()
		path := normalizePath(r.URL.Path)

		httpRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.statusCode)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// normalizePath caps path cardinality for metrics
func normalizePath(path string) string {
	if len(path) > 100 {
		return "/api/..."
	}
	return path
}

// --- Business metric helpers ---

// RecordBedAssignment records a successful bed assignment
func RecordBedAssignment(ward string) {
	bedAssignments.WithLabelValues(ward).Inc()
}

// RecordBedConflict records an assignment lost to a concurrent occupant
func RecordBedConflict() {
	bedConflicts.Inc()
}

// RecordBedTransfer records a successful transfer
func RecordBedTransfer() {
	bedTransfers.Inc()
}

// RecordDischarge records a discharge
func RecordDischarge() {
	discharges.Inc()
}

// RecordRequestClaimed records a successful request claim
func RecordRequestClaimed(kind string) {
	requestsClaimed.WithLabelValues(kind).Inc()
}

// RecordClaimConflict records a claim rejected as already assigned
func RecordClaimConflict(kind string) {
	claimConflicts.WithLabelValues(kind).Inc()
}

// RecordDispensing records a successful dispensing
func RecordDispensing() {
	dispensings.Inc()
}

// RecordDispensingRejection records a rejected dispensing
// (reason: exceeds_remaining or insufficient_stock)
func RecordDispensingRejection(reason string) {
	dispensingRejections.WithLabelValues(reason).Inc()
}

// RecordAuditEntry records an audit entry creation
func RecordAuditEntry() {
	auditEntriesTotal.Inc()
}

// RecordDBQuery records a database query duration
func RecordDBQuery(operation string, duration time.Duration) {
	dbQueryDuration.WithLabelValues(operation).Observe(duration.Seconds())
}
