package metrics

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
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

	// Detection metrics
	detectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crisis_detections_total",
			Help: "Total number of analyzed messages by outcome risk level",
		},
		[]string{"risk_level"},
	)

	detectionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "crisis_detection_duration_seconds",
			Help:    "Message analysis duration in seconds",
			Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1, 5},
		},
	)

	rulesLoaded = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "crisis_rules_loaded",
			Help: "Number of detection rules currently loaded",
		},
		[]string{"kind"},
	)

	// Alert metrics
	alertsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crisis_alerts_created_total",
			Help: "Total number of alerts created",
		},
		[]string{"type", "severity"},
	)

	alertTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crisis_alert_transitions_total",
			Help: "Total number of alert status transitions",
		},
		[]string{"to_status"},
	)

	escalationLevels = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crisis_escalation_levels_started_total",
			Help: "Total number of escalation levels started",
		},
		[]string{"level", "trigger"},
	)

	timeToAcknowledge = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "crisis_alert_time_to_acknowledge_seconds",
			Help:    "Time from alert creation to acknowledgment",
			Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		},
		[]string{"severity"},
	)

	// Notification metrics
	notificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crisis_notifications_total",
			Help: "Total number of notification outcomes",
		},
		[]string{"method", "status"},
	)

	notificationQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "crisis_notification_queue_depth",
			Help: "Number of notifications waiting in the dispatch queue",
		},
	)

	// Panic metrics
	panicSessions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crisis_panic_sessions_total",
			Help: "Total number of panic session transitions",
		},
		[]string{"trigger", "status"},
	)

	panicSessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "crisis_panic_sessions_active",
			Help: "Number of currently active panic sessions",
		},
	)

	// Intervention log metrics
	auditEntriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crisis_intervention_log_entries_total",
			Help: "Total number of intervention log writes by outcome",
		},
		[]string{"outcome"},
	)

	realtimeClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "crisis_realtime_clients",
			Help: "Number of connected realtime dashboard clients",
		},
	)

	relayDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crisis_event_relay_dropped_total",
			Help: "Events dropped by external sink relays",
		},
		[]string{"relay"},
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

		// Wrap response writer to capture status code
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

// Hijack lets websocket upgrades pass through the middleware
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	rw.statusCode = http.StatusSwitchingProtocols
	return hj.Hijack()
}

// normalizePath collapses identifier segments so label cardinality stays bounded
func normalizePath(path string) string {
	segments := strings.Split(path, "/")
	for i, seg := range segments {
		if looksLikeID(seg) {
			segments[i] = ":id"
		}
	}
	return strings.Join(segments, "/")
}

func looksLikeID(seg string) bool {
	if len(seg) == 36 && strings.Count(seg, "-") == 4 {
		return true
	}
	if len(seg) == 0 {
		return false
	}
	for _, r := range seg {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// --- Domain metric helpers ---

// RecordDetection records an analysis outcome. riskLevel is "none" when
// nothing was detected.
func RecordDetection(riskLevel string, duration time.Duration) {
	detectionsTotal.WithLabelValues(riskLevel).Inc()
	detectionDuration.Observe(duration.Seconds())
}

// RecordRulesLoaded records the size of the active rule set
func RecordRulesLoaded(keywords, patterns int) {
	rulesLoaded.WithLabelValues("keyword").Set(float64(keywords))
	rulesLoaded.WithLabelValues("pattern").Set(float64(patterns))
}

// RecordAlertCreated records an alert creation
func RecordAlertCreated(alertType, severity string) {
	alertsCreated.WithLabelValues(alertType, severity).Inc()
}

// RecordAlertTransition records an alert status change
func RecordAlertTransition(toStatus string) {
	alertTransitions.WithLabelValues(toStatus).Inc()
}

// RecordEscalationLevel records the start of an escalation level
func RecordEscalationLevel(level int, trigger string) {
	escalationLevels.WithLabelValues(strconv.Itoa(level), trigger).Inc()
}

// RecordAcknowledgment records the time an alert waited for acknowledgment
func RecordAcknowledgment(severity string, waited time.Duration) {
	timeToAcknowledge.WithLabelValues(severity).Observe(waited.Seconds())
}

// RecordNotification records a notification outcome
func RecordNotification(method, status string) {
	notificationsTotal.WithLabelValues(method, status).Inc()
}

// RecordQueueDepth records the dispatch queue length
func RecordQueueDepth(depth int) {
	notificationQueueDepth.Set(float64(depth))
}

// RecordPanicSession records a panic session transition
func RecordPanicSession(trigger, status string) {
	panicSessions.WithLabelValues(trigger, status).Inc()
	switch status {
	case "active":
		panicSessionsActive.Inc()
	case "completed", "abandoned":
		panicSessionsActive.Dec()
	}
}

// RecordAuditEntry records an intervention log write
func RecordAuditEntry(ok bool) {
	outcome := "written"
	if !ok {
		outcome = "failed"
	}
	auditEntriesTotal.WithLabelValues(outcome).Inc()
}

// RecordRealtimeClients records the number of connected dashboard clients
func RecordRealtimeClients(n int) {
	realtimeClients.Set(float64(n))
}

// RecordRelayDrop counts an event a sink relay could not queue
func RecordRelayDrop(relay string) {
	relayDropped.WithLabelValues(relay).Inc()
}

// RecordDBQuery records a database query duration
func RecordDBQuery(operation string, duration time.Duration) {
	dbQueryDuration.WithLabelValues(operation).Observe(duration.Seconds())
}
