package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "toolmeister",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "toolmeister",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	brokerPublishes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "toolmeister",
			Subsystem: "broker",
			Name:      "publishes_total",
			Help:      "Messages published per channel.",
		},
		[]string{"channel"},
	)
	brokerSubscribers = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "toolmeister",
			Subsystem: "broker",
			Name:      "subscribers",
			Help:      "Live subscribers per channel.",
		},
		[]string{"channel"},
	)
	sinkDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "toolmeister",
			Subsystem: "sink",
			Name:      "deliveries_total",
			Help:      "Tool data archives received from remote coordinators.",
		},
		[]string{"host", "outcome"},
	)
	sinkBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "toolmeister",
			Subsystem: "sink",
			Name:      "received_bytes_total",
			Help:      "Archive bytes accepted by the sink.",
		},
		[]string{"host"},
	)
	phaseReports = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "toolmeister",
			Subsystem: "phase",
			Name:      "reports_total",
			Help:      "Per participant phase status reports.",
		},
		[]string{"kind", "state", "success"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			httpDuration,
			brokerPublishes,
			brokerSubscribers,
			sinkDeliveries,
			sinkBytes,
			phaseReports,
		)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

func RecordPublish(channel string) {
	RegisterMetrics()
	brokerPublishes.WithLabelValues(channel).Inc()
}

func SetSubscribers(channel string, count int) {
	RegisterMetrics()
	brokerSubscribers.WithLabelValues(channel).Set(float64(count))
}

// RecordDelivery counts one sink PUT; outcome is "accepted" or a short reason.
func RecordDelivery(host, outcome string, bytes int64) {
	RegisterMetrics()
	sinkDeliveries.WithLabelValues(host, outcome).Inc()
	if bytes > 0 {
		sinkBytes.WithLabelValues(host).Add(float64(bytes))
	}
}

func RecordPhaseReport(kind, state string, success bool) {
	RegisterMetrics()
	phaseReports.WithLabelValues(kind, state, strconv.FormatBool(success)).Inc()
}
