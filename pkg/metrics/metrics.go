package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// SessionsActive tracks currently connected client sessions.
	SessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "spanproxy_sessions_active",
			Help: "Number of connected client sessions",
		},
	)

	// QueriesTotal counts executed statements by protocol mode.
	QueriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spanproxy_queries_total",
			Help: "Total number of statements executed",
		},
		[]string{"mode"},
	)

	// ErrorsTotal counts error responses sent to clients by error kind.
	ErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spanproxy_errors_total",
			Help: "Total number of error responses sent",
		},
		[]string{"kind"},
	)

	// QueryDuration tracks statement latency by protocol mode.
	QueryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "spanproxy_query_duration_seconds",
			Help:    "Statement latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"mode"},
	)
)

var registerOnce sync.Once

// Register installs the collectors on the default registry. Safe to call
// more than once.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			SessionsActive,
			QueriesTotal,
			ErrorsTotal,
			QueryDuration,
		)
	})
}

// QueryTimer starts a latency observation for one statement; call the
// returned function when the statement finishes.
func QueryTimer(mode string) func() {
	start := time.Now()
	return func() {
		QueryDuration.WithLabelValues(mode).Observe(time.Since(start).Seconds())
	}
}

// Serve exposes /metrics on the given address. Blocks until the server
// fails.
func Serve(addr string) error {
	Register()
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return http.ListenAndServe(addr, mux)
}
