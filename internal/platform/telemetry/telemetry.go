// Package telemetry provides tracing (OpenTelemetry API) and Prometheus
// metrics for the blood bank service.
package telemetry

import (
	"context"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/ehr/bloodbank"

// StartSpan starts a span on the global tracer provider. Without an SDK
// installed this is a no-op span.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(instrumentationName).Start(ctx, name, trace.WithAttributes(attrs...))
}

// EndSpan records err (if any) and ends the span.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// Metrics holds every collector the service exports.
type Metrics struct {
	registry *prometheus.Registry

	Transitions       *prometheus.CounterVec
	GateEvaluations   *prometheus.CounterVec
	Reservations      *prometheus.CounterVec
	Issues            *prometheus.CounterVec
	BedsideChecks     *prometheus.CounterVec
	MTPShortfall      *prometheus.CounterVec
	SweptReservations prometheus.Counter
	AbandonedReported prometheus.Counter
	HTTPRequests      *prometheus.CounterVec
	HTTPDuration      *prometheus.HistogramVec
}

// NewMetrics registers collectors on a private registry, so tests can build
// as many as they like.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector(), prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		Transitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bloodbank_unit_transitions_total",
			Help: "Committed blood unit status transitions.",
		}, []string{"from", "to"}),
		GateEvaluations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bloodbank_gate_evaluations_total",
			Help: "Issuance safety gate evaluations by outcome.",
		}, []string{"gate", "outcome"}),
		Reservations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bloodbank_reservations_total",
			Help: "Cross-match reservation attempts by method and outcome.",
		}, []string{"method", "outcome"}),
		Issues: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bloodbank_issues_total",
			Help: "Units issued by mode.",
		}, []string{"mode"}),
		BedsideChecks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bloodbank_bedside_verifications_total",
			Help: "Bedside verification attempts by outcome.",
		}, []string{"outcome"}),
		MTPShortfall: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bloodbank_mtp_shortfall_units_total",
			Help: "Units requested in MTP packs that could not be supplied.",
		}, []string{"component"}),
		SweptReservations: f.NewCounter(prometheus.CounterOpts{
			Name: "bloodbank_reservations_expired_total",
			Help: "Reservations released by the expiry sweep.",
		}),
		AbandonedReported: f.NewCounter(prometheus.CounterOpts{
			Name: "bloodbank_abandoned_transfusions_total",
			Help: "Transfusions reported as abandoned.",
		}),
		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bloodbank_http_requests_total",
			Help: "HTTP requests by method, route and status.",
		}, []string{"method", "route", "status"}),
		HTTPDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bloodbank_http_request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// The recording helpers below are no-ops on a nil *Metrics.

func (m *Metrics) Gate(gate string, passed bool) {
	if m == nil {
		return
	}
	m.GateEvaluations.WithLabelValues(gate, outcome(passed)).Inc()
}

func (m *Metrics) Transition(from, to string) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) Reservation(method string, ok bool) {
	if m == nil {
		return
	}
	m.Reservations.WithLabelValues(method, outcome(ok)).Inc()
}

func (m *Metrics) Issue(mode string) {
	if m == nil {
		return
	}
	m.Issues.WithLabelValues(mode).Inc()
}

func (m *Metrics) Bedside(ok bool) {
	if m == nil {
		return
	}
	m.BedsideChecks.WithLabelValues(outcome(ok)).Inc()
}

func (m *Metrics) Shortfall(component string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.MTPShortfall.WithLabelValues(component).Add(float64(n))
}

func (m *Metrics) Swept(n int) {
	if m == nil {
		return
	}
	m.SweptReservations.Add(float64(n))
}

func (m *Metrics) Abandoned(n int) {
	if m == nil {
		return
	}
	m.AbandonedReported.Add(float64(n))
}

func outcome(ok bool) string {
	if ok {
		return "passed"
	}
	return "denied"
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() echo.HandlerFunc {
	return echo.WrapHandler(promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
}

// Middleware records request counts and latency by route template.
func (m *Metrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}
			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			m.HTTPRequests.WithLabelValues(c.Request().Method, route, strconv.Itoa(status)).Inc()
			m.HTTPDuration.WithLabelValues(c.Request().Method, route).Observe(time.Since(start).Seconds())
			return err
		}
	}
}

// TracingMiddleware opens a server span per request.
func TracingMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			ctx, span := otel.Tracer(instrumentationName).Start(req.Context(), req.Method+" "+c.Path(),
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					attribute.String("http.request.method", req.Method),
					attribute.String("url.path", req.URL.Path),
				))
			defer span.End()
			if rid, ok := c.Get("request_id").(string); ok {
				span.SetAttributes(attribute.String("request.id", rid))
			}
			c.SetRequest(req.WithContext(ctx))

			err := next(c)
			span.SetAttributes(attribute.Int("http.response.status_code", c.Response().Status))
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}
			return err
		}
	}
}
