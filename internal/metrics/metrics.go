// Package metrics 定义秒杀核心的 Prometheus 指标。
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// AdmissionDecisions 准入结果：allowed / global_limit_exceeded / user_limit_exceeded / fail_open
	AdmissionDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "flash_sale",
		Name:      "admission_decisions_total",
		Help:      "Admission controller decisions by result.",
	}, []string{"result"})

	// Reservations 扣减结果，path=direct|queue，status=success|failed|error
	Reservations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "flash_sale",
		Name:      "reservations_total",
		Help:      "Inventory reservation outcomes by entry path and status.",
	}, []string{"path", "status"})

	QueueRetries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "flash_sale",
		Name:      "queue_optimistic_retries_total",
		Help:      "Optimistic transaction aborts retried by the queue processor.",
	})

	QueueErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "flash_sale",
		Name:      "queue_errors_total",
		Help:      "Store errors seen by the queue processor loop.",
	})

	QueueAbandoned = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "flash_sale",
		Name:      "queue_abandoned_total",
		Help:      "Queue entries given up after repeated failures (marked failed or dead-lettered).",
	})

	RelayPublished = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "flash_sale",
		Name:      "relay_published_total",
		Help:      "Order events forwarded from the Redis stream to Kafka.",
	})

	ArchivedOrders = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "flash_sale",
		Name:      "archived_orders_total",
		Help:      "Orders written to the durable archive.",
	})

	ReservationLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "flash_sale",
		Name:      "reservation_duration_seconds",
		Help:      "Latency of the atomic reservation step.",
		Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25},
	}, []string{"path"})
)
