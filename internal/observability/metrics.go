package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	DirectionSent     = "sent"
	DirectionReceived = "received"
	DirectionDropped  = "dropped"
)

var (
	registerOnce sync.Once

	transportFrames = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relayctl",
			Subsystem: "transport",
			Name:      "frames_total",
			Help:      "Frames sent, received or dropped per endpoint.",
		},
		[]string{"endpoint", "transport", "direction"},
	)
	transportErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relayctl",
			Subsystem: "transport",
			Name:      "errors_total",
			Help:      "Transport failures per endpoint and operation.",
		},
		[]string{"endpoint", "transport", "op"},
	)
	workerRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relayctl",
			Subsystem: "worker",
			Name:      "runs_total",
			Help:      "Completed worker runs by outcome.",
		},
		[]string{"worker", "outcome"},
	)
	workerDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "relayctl",
			Subsystem: "worker",
			Name:      "run_duration_seconds",
			Help:      "Worker run duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"worker", "outcome"},
	)
	workerPhases = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relayctl",
			Subsystem: "worker",
			Name:      "phase_transitions_total",
			Help:      "Worker phase transitions.",
		},
		[]string{"worker", "phase"},
	)
	observerNotifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relayctl",
			Subsystem: "observer",
			Name:      "notifications_total",
			Help:      "Notifications recorded by an observer.",
		},
		[]string{"worker"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			transportFrames,
			transportErrors,
			workerRuns,
			workerDuration,
			workerPhases,
			observerNotifications,
		)
	})
}

func RecordFrame(endpoint, transport, direction string) {
	RegisterMetrics()
	transportFrames.WithLabelValues(endpoint, transport, direction).Inc()
}

func RecordTransportError(endpoint, transport, op string) {
	RegisterMetrics()
	transportErrors.WithLabelValues(endpoint, transport, op).Inc()
}

func RecordWorkerRun(worker string, err error, duration time.Duration) {
	RegisterMetrics()
	outcome := "ok"
	if err != nil {
		outcome = "failed"
	}
	workerRuns.WithLabelValues(worker, outcome).Inc()
	workerDuration.WithLabelValues(worker, outcome).Observe(duration.Seconds())
}

func RecordPhase(worker, phase string) {
	RegisterMetrics()
	workerPhases.WithLabelValues(worker, phase).Inc()
}

func RecordNotification(worker string) {
	RegisterMetrics()
	observerNotifications.WithLabelValues(worker).Inc()
}

// MetricsHandler exposes the default registry.
func MetricsHandler() http.Handler {
	RegisterMetrics()
	return promhttp.Handler()
}
