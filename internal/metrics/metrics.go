// Package metrics exposes the prometheus collectors for the HTTP surface and
// the sale engine. Every method is safe on a nil *Metrics so tests can skip
// wiring a registry.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "pharmapos"

type Metrics struct {
	registry *prometheus.Registry

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	SalesTotal     *prometheus.CounterVec
	SalesRevenue   prometheus.Counter
	SaleFailures   *prometheus.CounterVec
	StockMovements *prometheus.CounterVec
	CommitDuration prometheus.Histogram
}

func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{registry: registry}

	m.HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "Total number of HTTP requests",
	}, []string{"method", "route", "status"})

	m.HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration in seconds",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
	}, []string{"method", "route"})

	m.SalesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sales_total",
		Help:      "Sales by outcome (completed, cancelled)",
	}, []string{"status"})

	m.SalesRevenue = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sales_revenue_total",
		Help:      "Sum of committed sale totals in the shop currency",
	})

	m.SaleFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sale_failures_total",
		Help:      "Refused sale commits and cancels by error kind",
	}, []string{"operation", "kind"})

	m.StockMovements = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "stock_movements_total",
		Help:      "Stock movements recorded by type",
	}, []string{"type"})

	m.CommitDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "sale_commit_duration_seconds",
		Help:      "Time spent committing a sale",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.SalesTotal,
		m.SalesRevenue,
		m.SaleFailures,
		m.StockMovements,
		m.CommitDuration,
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

func (m *Metrics) RecordSaleCommitted(total float64, duration time.Duration) {
	if m == nil {
		return
	}
	m.SalesTotal.WithLabelValues("completed").Inc()
	m.SalesRevenue.Add(total)
	m.CommitDuration.Observe(duration.Seconds())
}

func (m *Metrics) RecordSaleCancelled() {
	if m == nil {
		return
	}
	m.SalesTotal.WithLabelValues("cancelled").Inc()
}

func (m *Metrics) RecordSaleFailure(operation, kind string) {
	if m == nil {
		return
	}
	m.SaleFailures.WithLabelValues(operation, kind).Inc()
}

func (m *Metrics) RecordStockMovement(movementType string) {
	if m == nil {
		return
	}
	m.StockMovements.WithLabelValues(movementType).Inc()
}
