package service

import (
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Transition and settlement outcome labels.
const (
	OutcomeRequested    = "requested"
	OutcomeApproved     = "approved"
	OutcomeRejected     = "rejected"
	OutcomeAutoRejected = "auto_rejected"

	SettlementConfirmed = "confirmed"
	SettlementDeclined  = "declined"
	SettlementUnknown   = "unknown"
	SettlementReplayed  = "replayed"
)

// MetricsService encapsulates Prometheus instrumentation for the exchange
// engine and the HTTP layer.
type MetricsService struct {
	registry *prometheus.Registry
	handler  http.Handler

	requestDuration *prometheus.HistogramVec
	requestTotal    *prometheus.CounterVec

	exchangeTransitions *prometheus.CounterVec
	settlementAttempts  *prometheus.CounterVec
	settlementDuration  prometheus.Observer
	mileageEntries      *prometheus.CounterVec

	cacheHits   prometheus.Counter
	cacheMisses prometheus.Counter
}

// NewMetricsService registers core Prometheus collectors.
func NewMetricsService() *MetricsService {
	registry := prometheus.NewRegistry()

	requestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "Duration of HTTP requests in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	requestTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	exchangeTransitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "exchange_transitions_total",
		Help: "Exchange request state transitions by outcome",
	}, []string{"outcome"})

	settlementAttempts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_attempts_total",
		Help: "External deposit attempts by outcome",
	}, []string{"outcome"})

	settlementDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "settlement_duration_seconds",
		Help:    "Duration of external deposit calls",
		Buckets: prometheus.DefBuckets,
	})

	mileageEntries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mileage_entries_total",
		Help: "Ledger entries appended by kind",
	}, []string{"kind"})

	cacheHits := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "balance_cache_hits_total",
		Help: "Balance snapshot cache hits",
	})

	cacheMisses := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "balance_cache_misses_total",
		Help: "Balance snapshot cache misses",
	})

	goroutines := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "goroutines_total",
		Help: "Total number of goroutines",
	}, func() float64 {
		return float64(runtime.NumGoroutine())
	})

	registry.MustRegister(requestDuration, requestTotal, exchangeTransitions, settlementAttempts,
		settlementDuration, mileageEntries, cacheHits, cacheMisses, goroutines)

	return &MetricsService{
		registry:            registry,
		handler:             promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestDuration:     requestDuration,
		requestTotal:        requestTotal,
		exchangeTransitions: exchangeTransitions,
		settlementAttempts:  settlementAttempts,
		settlementDuration:  settlementDuration,
		mileageEntries:      mileageEntries,
		cacheHits:           cacheHits,
		cacheMisses:         cacheMisses,
	}
}

// Handler exposes the Prometheus HTTP handler.
func (m *MetricsService) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// ObserveHTTPRequest records request metrics.
func (m *MetricsService) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	labelStatus := fmt.Sprintf("%d", status)
	m.requestDuration.WithLabelValues(method, path, labelStatus).Observe(duration.Seconds())
	m.requestTotal.WithLabelValues(method, path, labelStatus).Inc()
}

// RecordExchangeTransition counts a state transition by outcome.
func (m *MetricsService) RecordExchangeTransition(outcome string) {
	if m == nil {
		return
	}
	m.exchangeTransitions.WithLabelValues(outcome).Inc()
}

// RecordSettlementAttempt counts an external deposit attempt and its latency.
func (m *MetricsService) RecordSettlementAttempt(outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.settlementAttempts.WithLabelValues(outcome).Inc()
	if m.settlementDuration != nil {
		m.settlementDuration.Observe(duration.Seconds())
	}
}

// RecordMileageEntry counts a ledger append by kind (grant or debit).
func (m *MetricsService) RecordMileageEntry(kind string) {
	if m == nil {
		return
	}
	m.mileageEntries.WithLabelValues(kind).Inc()
}

// RecordCacheOperation records a balance snapshot cache hit or miss.
func (m *MetricsService) RecordCacheOperation(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.cacheHits.Inc()
	} else {
		m.cacheMisses.Inc()
	}
}
