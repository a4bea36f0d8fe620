// Registers:
//
//	#optionflow_fetch_success_total{expiry}
//	#optionflow_fetch_errors_total{expiry}
//	#optionflow_ticks_dropped_total{reason}
//	#optionflow_stale_responses_total
//	#optionflow_volume_regressions_total
//	#optionflow_tracked_strikes
//	#go_* and process_* system metrics
//
// Exposes them on the configured address under /metrics using the Prometheus
// HTTP handler.
package metrics

import (
	"errors"
	"net/http"
	"sync"

	"optionflow/logger"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	registry = prometheus.NewRegistry()

	fetchSuccess = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "optionflow_fetch_success_total",
			Help: "Number of option chain fetches applied to the table",
		},
		[]string{"expiry"},
	)
	fetchErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "optionflow_fetch_errors_total",
			Help: "Number of failed option chain fetches",
		},
		[]string{"expiry"},
	)
	ticksDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "optionflow_ticks_dropped_total",
			Help: "Scheduler ticks that did not start a fetch cycle",
		},
		[]string{"reason"},
	)
	staleResponses = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "optionflow_stale_responses_total",
		Help: "Responses discarded because the expiry changed while in flight",
	})
	volumeRegressions = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "optionflow_volume_regressions_total",
		Help: "Interval deltas clamped to zero because cumulative volume went backwards",
	})
	trackedStrikes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "optionflow_tracked_strikes",
		Help: "Strikes with volume history in memory",
	})
)

func init() {
	registry.MustRegister(
		fetchSuccess,
		fetchErrors,
		ticksDropped,
		staleResponses,
		volumeRegressions,
		trackedStrikes,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// Handler serves the optionflow registry.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// Init starts the metrics listener once. An empty address leaves the
// registry reachable only through Handler.
func Init(address string) {
	if address == "" {
		return
	}
	once.Do(func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", Handler())
		go func() {
			if err := http.ListenAndServe(address, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.GetLogger().WithComponent("metrics").WithError(err).Error("metrics server failed")
			}
		}()
		logger.GetLogger().WithComponent("metrics").WithFields(logger.Fields{"address": address}).Info("prometheus metrics listening")
	})
}

func IncrementFetchSuccess(expiry string) {
	fetchSuccess.WithLabelValues(expiry).Inc()
	logger.IncrementFetchSuccess()
}

func IncrementFetchError(expiry string) {
	fetchErrors.WithLabelValues(expiry).Inc()
	logger.IncrementFetchError()
}

func IncrementTickDropped(reason string) {
	ticksDropped.WithLabelValues(reason).Inc()
	logger.IncrementTickDropped()
}

func IncrementStaleResponse() {
	staleResponses.Inc()
	logger.IncrementStaleResponse()
}

func IncrementVolumeRegression() {
	volumeRegressions.Inc()
}

func SetTrackedStrikes(n int) {
	trackedStrikes.Set(float64(n))
}
