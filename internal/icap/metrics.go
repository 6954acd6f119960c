package icap

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the server's Prometheus collectors. A nil *Metrics records
// nothing.
type Metrics struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
	bytesIn  prometheus.Counter
	bytesOut prometheus.Counter
	errors   *prometheus.CounterVec
	rejected *prometheus.CounterVec
	active   prometheus.Gauge
}

// NewMetrics registers the server collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		requests: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "icapd",
				Name:      "requests_total",
				Help:      "Total number of ICAP requests answered",
			},
			[]string{"method", "status"},
		),
		duration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "icapd",
				Name:      "request_duration_seconds",
				Help:      "Time from first byte read to response written",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		bytesIn: f.NewCounter(prometheus.CounterOpts{
			Namespace: "icapd",
			Name:      "received_bytes_total",
			Help:      "Total bytes read from ICAP clients",
		}),
		bytesOut: f.NewCounter(prometheus.CounterOpts{
			Namespace: "icapd",
			Name:      "sent_bytes_total",
			Help:      "Total bytes written to ICAP clients",
		}),
		errors: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "icapd",
				Name:      "protocol_errors_total",
				Help:      "Requests rejected because of malformed input",
			},
			[]string{"kind"},
		),
		rejected: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "icapd",
				Name:      "rejected_connections_total",
				Help:      "Connections refused before a request was read",
			},
			[]string{"reason"},
		),
		active: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "icapd",
			Name:      "active_connections",
			Help:      "Connections currently being served",
		}),
	}
}

func (m *Metrics) observeRequest(method string, status int, seconds float64) {
	if m == nil {
		return
	}
	if method == "" {
		method = "unknown"
	}
	m.requests.WithLabelValues(method, strconv.Itoa(status)).Inc()
	m.duration.WithLabelValues(method).Observe(seconds)
}

func (m *Metrics) addBytes(in, out int64) {
	if m == nil {
		return
	}
	m.bytesIn.Add(float64(in))
	m.bytesOut.Add(float64(out))
}

func (m *Metrics) protocolError(kind string) {
	if m == nil {
		return
	}
	m.errors.WithLabelValues(kind).Inc()
}

func (m *Metrics) reject(reason string) {
	if m == nil {
		return
	}
	m.rejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) connOpened() {
	if m != nil {
		m.active.Inc()
	}
}

func (m *Metrics) connClosed() {
	if m != nil {
		m.active.Dec()
	}
}
