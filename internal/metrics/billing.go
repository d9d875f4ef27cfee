package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	webhookReceivedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "resumeforge",
			Subsystem: "billing",
			Name:      "webhook_events_received_total",
			Help:      "验签通过的 webhook 事件总数。",
		},
		[]string{"event_type"},
	)

	webhookOutcomeTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "resumeforge",
			Subsystem: "billing",
			Name:      "webhook_events_processed_total",
			Help:      "webhook 事件处理结果分布。",
		},
		[]string{"event_type", "outcome"},
	)

	webhookFailedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "resumeforge",
			Subsystem: "billing",
			Name:      "webhook_events_failed_total",
			Help:      "验签通过但内部处理失败的 webhook 事件总数。",
		},
		[]string{"event_type"},
	)
)

// WebhookReceived 记录一条验签通过的事件。
func WebhookReceived(eventType string) {
	webhookReceivedTotal.WithLabelValues(eventType).Inc()
}

// WebhookProcessed 记录事件的处理结果。
func WebhookProcessed(eventType, outcome string) {
	webhookOutcomeTotal.WithLabelValues(eventType, outcome).Inc()
}

// WebhookFailed 记录验签后内部处理失败的事件。
func WebhookFailed(eventType string) {
	webhookFailedTotal.WithLabelValues(eventType).Inc()
}
