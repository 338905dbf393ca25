// Package telemetry provides Prometheus metrics for the control plane.
package telemetry

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	RemoteRequests        *prometheus.CounterVec
	RemoteRequestDuration *prometheus.HistogramVec
	RepublishingResults   *prometheus.CounterVec
	LifecycleTransitions  *prometheus.CounterVec

	LiveStreams prometheus.Gauge
)

// Init registers metrics (idempotent). Recorders are no-ops until it runs.
func Init() {
	once.Do(func() {
		RemoteRequests = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "restream_remote_requests_total",
			Help: "Media control requests by action and outcome",
		}, []string{"action", "outcome"})
		RemoteRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "restream_remote_request_duration_seconds",
			Help:    "Media control request latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"action"})
		RepublishingResults = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "restream_republishing_results_total",
			Help: "Per-destination activation results by status",
		}, []string{"status"})
		LifecycleTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "restream_lifecycle_transitions_total",
			Help: "Applied stream lifecycle transitions by event",
		}, []string{"event"})
		LiveStreams = promauto.NewGauge(prometheus.GaugeOpts{
			Name: "restream_live_streams",
			Help: "Streams currently live on this instance's view",
		})
	})
}

// Remote adapts the metrics to the media control client.
type Remote struct{}

// ObserveRequest records one media control call.
func (Remote) ObserveRequest(action, outcome string, elapsed time.Duration) {
	if RemoteRequests != nil {
		RemoteRequests.WithLabelValues(action, outcome).Inc()
	}
	if RemoteRequestDuration != nil {
		RemoteRequestDuration.WithLabelValues(action).Observe(elapsed.Seconds())
	}
}

func RecordRepublishingResult(status string) {
	if RepublishingResults != nil {
		RepublishingResults.WithLabelValues(status).Inc()
	}
}

func RecordTransition(event string) {
	if LifecycleTransitions != nil {
		LifecycleTransitions.WithLabelValues(event).Inc()
	}
}

// AddLive moves the live gauge by delta.
func AddLive(delta int) {
	if LiveStreams != nil {
		LiveStreams.Add(float64(delta))
	}
}
