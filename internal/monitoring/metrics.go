package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics 系统指标集合。
type Metrics struct {
	DeliveriesTotal  *prometheus.CounterVec
	JournalAppends   prometheus.Counter
	NotifierFires    prometheus.Counter
	SSEClients       prometheus.Gauge
	DeliveryDuration prometheus.Histogram
}

// NewMetrics 创建并注册指标。
func NewMetrics() *Metrics {
	return &Metrics{
		DeliveriesTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "wildduck_deliveries_total",
			Help: "Message deliveries by result status",
		}, []string{"status"}),
		JournalAppends: promauto.NewCounter(prometheus.CounterOpts{
			Name: "wildduck_journal_appends_total",
			Help: "Journal entries appended",
		}),
		NotifierFires: promauto.NewCounter(prometheus.CounterOpts{
			Name: "wildduck_notifier_fires_total",
			Help: "Notifier pokes published",
		}),
		SSEClients: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "wildduck_sse_clients",
			Help: "Connected SSE clients",
		}),
		DeliveryDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "wildduck_delivery_duration_seconds",
			Help:    "Message delivery latency",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

// HTTPHandler 返回 Prometheus 指标端点处理器。
func (m *Metrics) HTTPHandler() http.Handler {
	return promhttp.Handler()
}
