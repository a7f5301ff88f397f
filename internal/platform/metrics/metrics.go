// Package metrics exposes Prometheus collectors for the dental engine and the
// HTTP surface.
package metrics

import (
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var durationBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5}

type Metrics struct {
	registry *prometheus.Registry

	PlanTransitions   *prometheus.CounterVec
	Payments          prometheus.Counter
	PaymentAmount     prometheus.Counter
	Overpayments      prometheus.Counter
	SymbolChanges     *prometheus.CounterVec
	OperationDuration *prometheus.HistogramVec
	HTTPRequests      *prometheus.CounterVec
	HTTPDuration      *prometheus.HistogramVec
}

// New registers every collector on a fresh registry, together with the Go and
// process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		PlanTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dental_plan_transitions_total",
			Help: "Treatment plan lifecycle transitions by target state",
		}, []string{"transition"}),
		Payments: f.NewCounter(prometheus.CounterOpts{
			Name: "dental_course_payments_total",
			Help: "Payments recorded against treatment courses",
		}),
		PaymentAmount: f.NewCounter(prometheus.CounterOpts{
			Name: "dental_course_payment_amount_total",
			Help: "Sum of payment amounts recorded against treatment courses",
		}),
		Overpayments: f.NewCounter(prometheus.CounterOpts{
			Name: "dental_course_overpayments_total",
			Help: "Payments that left a course paid beyond its estimate",
		}),
		SymbolChanges: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dental_chart_symbol_changes_total",
			Help: "Teeth chart symbols added or removed by reconciliation",
		}, []string{"direction"}),
		OperationDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dental_operation_duration_seconds",
			Help:    "Duration of dental engine operations",
			Buckets: durationBuckets,
		}, []string{"operation"}),
		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dental_http_requests_total",
			Help: "HTTP requests by route and status",
		}, []string{"method", "route", "status"}),
		HTTPDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dental_http_request_duration_seconds",
			Help:    "HTTP request latency by route",
			Buckets: durationBuckets,
		}, []string{"method", "route"}),
	}
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) PlanTransition(transition string) {
	m.PlanTransitions.WithLabelValues(transition).Inc()
}

func (m *Metrics) Payment(amount float64, overpaid bool) {
	m.Payments.Inc()
	m.PaymentAmount.Add(amount)
	if overpaid {
		m.Overpayments.Inc()
	}
}

func (m *Metrics) SymbolsChanged(added, removed int) {
	if added > 0 {
		m.SymbolChanges.WithLabelValues("added").Add(float64(added))
	}
	if removed > 0 {
		m.SymbolChanges.WithLabelValues("removed").Add(float64(removed))
	}
}

// ObserveOperation records the duration of op. Call with time.Now() taken at
// the start of the operation.
func (m *Metrics) ObserveOperation(op string, start time.Time) {
	m.OperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// Middleware counts requests by route template, not raw path.
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
			method := c.Request().Method
			m.HTTPRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
			m.HTTPDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
			return err
		}
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() echo.HandlerFunc {
	return echo.WrapHandler(promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
}
