// Package metrics exposes Prometheus collectors for the HTTP surface and the
// domain, plus OpenTelemetry tracing and health endpoints.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Metrics holds every collector the service reports.
type Metrics struct {
	registry *prometheus.Registry

	RequestCount    *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	ErrorsCount     *prometheus.CounterVec

	RevisionsAppended *prometheus.CounterVec
	TokensIssued      prometheus.Counter
	Redemptions       *prometheus.CounterVec
	OutboxPublishes   *prometheus.CounterVec

	Tracer trace.Tracer
}

// New registers all collectors on a fresh registry under namespace.
func New(namespace string) *Metrics {
	m := &Metrics{
		RequestCount: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "Duration of HTTP requests in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		ErrorsCount: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "errors_total",
				Help:      "Total number of HTTP errors",
			},
			[]string{"method", "route", "error_type"},
		),
		RevisionsAppended: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "revisions_appended_total",
				Help:      "Deal revisions appended, by change type",
			},
			[]string{"change_type"},
		),
		TokensIssued: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "document_tokens_issued_total",
				Help:      "Document access tokens issued",
			},
		),
		Redemptions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "document_redemptions_total",
				Help:      "Document access token redemptions, by result",
			},
			[]string{"result"},
		),
		OutboxPublishes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "outbox_published_total",
				Help:      "Outbox publish attempts, by topic and result",
			},
			[]string{"topic", "result"},
		),
		Tracer: otel.Tracer(namespace),
	}

	m.registry = prometheus.NewRegistry()
	m.registry.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		m.RequestCount,
		m.RequestDuration,
		m.ErrorsCount,
		m.RevisionsAppended,
		m.TokensIssued,
		m.Redemptions,
		m.OutboxPublishes,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, mostly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RevisionAppended counts one appended deal revision.
func (m *Metrics) RevisionAppended(changeType string) {
	m.RevisionsAppended.WithLabelValues(changeType).Inc()
}

// TokenIssued counts one issued document access token.
func (m *Metrics) TokenIssued() {
	m.TokensIssued.Inc()
}

// Redeemed counts one redemption attempt.
func (m *Metrics) Redeemed(result string) {
	m.Redemptions.WithLabelValues(result).Inc()
}

// OutboxPublished counts one relay publish attempt.
func (m *Metrics) OutboxPublished(topic, result string) {
	m.OutboxPublishes.WithLabelValues(topic, result).Inc()
}

// Middleware records request metrics and opens one span per request. The
// route label is the matched chi pattern so ids do not explode cardinality.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := m.Tracer.Start(r.Context(), r.Method+" "+r.URL.Path)
		defer span.End()

		wrapped := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		next.ServeHTTP(wrapped, r.WithContext(ctx))

		duration := time.Since(start).Seconds()
		route := RoutePattern(r)

		m.RequestCount.WithLabelValues(r.Method, route, strconv.Itoa(wrapped.status)).Inc()
		m.RequestDuration.WithLabelValues(r.Method, route).Observe(duration)
		if wrapped.status >= 400 {
			errorType := "client_error"
			if wrapped.status >= 500 {
				errorType = "server_error"
			}
			m.ErrorsCount.WithLabelValues(r.Method, route, errorType).Inc()
		}

		span.SetAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.route", route),
			attribute.Int("http.status_code", wrapped.status),
			attribute.Float64("http.duration", duration),
		)
	})
}

// RoutePattern returns the chi route pattern matched for r, or "unmatched".
func RoutePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unmatched"
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Flush() {
	if f, ok := s.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
