package connection

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "gcloudoem"
	subsystem = "datastore"
)

// Metrics are the collectors updated by a Conn.
type Metrics struct {
	// Requests counts attempts by RPC method and HTTP status code. Transport
	// failures are counted with code "error".
	Requests *prometheus.CounterVec

	// Latency observes per-attempt duration by RPC method.
	Latency *prometheus.HistogramVec

	// Retries counts retried attempts by RPC method.
	Retries *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Requests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "requests_total",
				Help:      "Datastore RPC attempts by method and status code",
			},
			[]string{"method", "code"},
		),
		Latency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "request_duration_seconds",
				Help:      "Datastore RPC attempt latency",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		Retries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "retries_total",
				Help:      "Datastore RPC retries by method",
			},
			[]string{"method"},
		),
	}
}
