package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metricsRegistry struct {
	registry          *prometheus.Registry
	depositsTotal     *prometheus.CounterVec
	walletLinksTotal  *prometheus.CounterVec
	httpRequestsTotal *prometheus.CounterVec
	httpDuration      *prometheus.HistogramVec
	rateLimitedTotal  prometheus.Counter
	dlqDepth          prometheus.Gauge
}

func newMetricsRegistry() *metricsRegistry {
	deposits := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rentescrow_deposits_total",
		Help: "Deposit claims by outcome",
	}, []string{"result"})

	links := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rentescrow_wallet_links_total",
		Help: "Wallet link requests by outcome",
	}, []string{"result"})

	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rentescrow_http_requests_total",
		Help: "HTTP requests by route and status",
	}, []string{"method", "route", "status"})

	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "rentescrow_http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})

	limited := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rentescrow_rate_limited_total",
		Help: "Requests rejected by the rate limiter",
	})

	dlq := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "rentescrow_dlq_depth",
		Help: "Number of deposits waiting in the DLQ",
	})

	r := prometheus.NewRegistry()
	r.MustRegister(deposits, links, requests, duration, limited, dlq)

	return &metricsRegistry{
		registry:          r,
		depositsTotal:     deposits,
		walletLinksTotal:  links,
		httpRequestsTotal: requests,
		httpDuration:      duration,
		rateLimitedTotal:  limited,
		dlqDepth:          dlq,
	}
}

func (m *metricsRegistry) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *metricsRegistry) incDeposit(result string) {
	m.depositsTotal.WithLabelValues(result).Inc()
}

func (m *metricsRegistry) incWalletLink(result string) {
	m.walletLinksTotal.WithLabelValues(result).Inc()
}

func (m *metricsRegistry) observeRequest(method, route, status string, seconds float64) {
	m.httpRequestsTotal.WithLabelValues(method, route, status).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(seconds)
}

func (m *metricsRegistry) incRateLimited() {
	m.rateLimitedTotal.Inc()
}

func (m *metricsRegistry) setDLQDepth(depth int) {
	m.dlqDepth.Set(float64(depth))
}
