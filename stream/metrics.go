package stream

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are exported by the service on the metrics address
type Metrics struct {
	Records       *prometheus.CounterVec
	StreamsActive prometheus.Gauge
	UploadedBytes prometheus.Counter
}

// NewMetrics creates the service metrics and registers them with reg. A nil
// reg skips registration.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Records: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "runsync",
			Name:      "records_total",
			Help:      "Records received, by record type.",
		}, []string{"type"}),
		StreamsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "runsync",
			Name:      "streams_active",
			Help:      "Number of runs currently streaming.",
		}),
		UploadedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "runsync",
			Name:      "uploaded_bytes_total",
			Help:      "Bytes of run files uploaded.",
		}),
	}

	if reg != nil {
		reg.MustRegister(m.Records, m.StreamsActive, m.UploadedBytes)
	}

	return m
}
