// Package metrics exposes Prometheus collectors for the gateway.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "orion_gateway"

var (
	// PoolConnections is the number of live upstream connections per pool.
	PoolConnections = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_connections",
			Help:      "Number of upstream connections currently held by a pool",
		},
		[]string{"pool"},
	)

	// PoolCreateTotal counts connection creation attempts by result.
	PoolCreateTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pool_create_total",
			Help:      "Upstream connection creation attempts",
		},
		[]string{"pool", "result"}, // result: ok, dial_error, handshake_failed, timeout
	)

	// PoolExhaustedTotal counts Get calls rejected at capacity.
	PoolExhaustedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pool_exhausted_total",
			Help:      "Connection requests rejected because the pool was at capacity with nothing ready",
		},
		[]string{"pool"},
	)

	// SessionsActive is the number of device sessions currently open.
	SessionsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Device-facing sessions currently open",
		},
		[]string{"relay"}, // relay: tts, asr
	)

	// SessionOutcomes counts how device sessions ended.
	SessionOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_outcomes_total",
			Help:      "Device sessions by terminal outcome",
		},
		[]string{"relay", "outcome"},
	)

	// SessionRetries counts upstream resubmissions.
	SessionRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_retries_total",
			Help:      "Synthesis sessions resubmitted after an upstream cancel or error",
		},
		[]string{"provider"},
	)

	// FramesDropped counts upstream frames discarded without effect.
	FramesDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_dropped_total",
			Help:      "Upstream frames dropped by the relay",
		},
		[]string{"provider", "reason"},
	)

	// AudioFramesSent counts compressed frames written to devices.
	AudioFramesSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_frames_sent_total",
			Help:      "Compressed audio frames delivered to devices",
		},
		[]string{"protocol_version"},
	)

	// PacingWaitSeconds observes how long the delivery queue held audio back.
	PacingWaitSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pacing_wait_seconds",
			Help:      "Delay imposed on audio slices to keep delivery at real time",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
	)
)

var all = []prometheus.Collector{
	PoolConnections,
	PoolCreateTotal,
	PoolExhaustedTotal,
	SessionsActive,
	SessionOutcomes,
	SessionRetries,
	FramesDropped,
	AudioFramesSent,
	PacingWaitSeconds,
}

// NewRegistry returns a registry holding every gateway collector plus the Go
// runtime and process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	for _, c := range all {
		reg.MustRegister(c)
	}
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return reg
}

// Handler serves reg in the Prometheus exposition format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}
