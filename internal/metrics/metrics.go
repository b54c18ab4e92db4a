// Package metrics exposes Prometheus counters for the polling loop.
package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rewired-gh/polyalert/internal/logger"
)

var (
	CyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "polyalert_cycles_total", Help: "Polling cycles by result"},
		[]string{"result"},
	)
	AlertsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "polyalert_alerts_total", Help: "Alerts detected by direction"},
		[]string{"direction"},
	)
	DeliveriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "polyalert_deliveries_total", Help: "Messages delivered by the sink"},
	)
	MarketsTracked = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "polyalert_markets_tracked", Help: "Markets currently tracked"},
	)
	CycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "polyalert_cycle_duration_seconds",
			Help:    "Wall time of one polling cycle",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
	)
)

// Cycle results.
const (
	ResultOK             = "ok"
	ResultNotInitialized = "not_initialized"
	ResultError          = "error"
)

func init() {
	prometheus.MustRegister(CyclesTotal, AlertsTotal, DeliveriesTotal, MarketsTracked, CycleDuration)
}

// ObserveCycle records a finished cycle.
func ObserveCycle(result string, d time.Duration) {
	CyclesTotal.WithLabelValues(result).Inc()
	CycleDuration.Observe(d.Seconds())
}

// Serve starts the /metrics endpoint in the background. An empty addr disables it.
func Serve(addr string) *http.Server {
	if addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server on %s failed: %v", addr, err)
		}
	}()
	return srv
}
