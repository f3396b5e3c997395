package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	NotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "walletbridge_notifications_total",
			Help: "Total number of inbound upstream notifications by event type.",
		},
		[]string{"event"},
	)

	NotificationsDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "walletbridge_notifications_dropped_total",
			Help: "Total number of inbound notifications dropped by reason.",
		},
		[]string{"reason"}, // e.g. unknown_event, unresolved_entity, invalid_transition
	)

	DuplicatesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "walletbridge_notifications_duplicate_total",
			Help: "Total number of inbound notifications recognized as replays.",
		},
	)

	CreditsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "walletbridge_credits_total",
			Help: "Total number of wallet balance credits by currency.",
		},
		[]string{"currency"},
	)

	DeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "walletbridge_deliveries_total",
			Help: "Total number of delivery attempt outcomes by status.",
		},
		[]string{"status"}, // acknowledged, retried, failed
	)

	RetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "walletbridge_retries_total",
			Help: "Total number of delivery retries by reason.",
		},
		[]string{"reason"}, // e.g. http_5xx, timeout, network, other
	)

	ExhaustedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "walletbridge_deliveries_exhausted_total",
			Help: "Total number of delivery chains that hit the attempt ceiling.",
		},
	)

	DeliveryLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "walletbridge_delivery_latency_seconds",
			Help:    "Outbound webhook HTTP call latency.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"status"},
	)

	SchedulerBacklog = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "walletbridge_scheduler_backlog",
			Help: "Number of pending delivery records currently due.",
		},
	)
)

func MustRegister(reg *prometheus.Registry) {
	reg.MustRegister(
		NotificationsTotal,
		NotificationsDroppedTotal,
		DuplicatesTotal,
		CreditsTotal,
		DeliveriesTotal,
		RetriesTotal,
		ExhaustedTotal,
		DeliveryLatency,
		SchedulerBacklog,
	)
}

// RecordNotification counts an accepted inbound notification.
func RecordNotification(event string) {
	NotificationsTotal.WithLabelValues(event).Inc()
}

// RecordDropped counts an unprocessable inbound notification.
func RecordDropped(reason string) {
	NotificationsDroppedTotal.WithLabelValues(reason).Inc()
}

// RecordDuplicate counts a replayed inbound notification.
func RecordDuplicate() {
	DuplicatesTotal.Inc()
}

// RecordCredit counts a wallet balance credit.
func RecordCredit(currency string) {
	CreditsTotal.WithLabelValues(currency).Inc()
}

// RecordDelivery counts a delivery attempt outcome and its latency.
func RecordDelivery(status string, latency time.Duration) {
	DeliveriesTotal.WithLabelValues(status).Inc()
	if latency > 0 {
		DeliveryLatency.WithLabelValues(status).Observe(latency.Seconds())
	}
}

// RecordRetry counts a scheduled retry by failure reason.
func RecordRetry(reason string) {
	RetriesTotal.WithLabelValues(reason).Inc()
}

// RecordExhausted counts a chain that reached the terminal failed status.
func RecordExhausted() {
	ExhaustedTotal.Inc()
}

// UpdateSchedulerBacklog sets the due-record backlog gauge.
func UpdateSchedulerBacklog(n float64) {
	SchedulerBacklog.Set(n)
}
