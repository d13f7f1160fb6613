package businessflow

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	dispatchRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kotodama",
			Name:      "dispatch_runs_total",
			Help:      "Dispatch runs by final campaign outcome",
		},
		[]string{"outcome"}, // sent, failed, conflict, incomplete
	)

	dispatchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "kotodama",
			Name:      "dispatch_duration_seconds",
			Help:      "Wall time of a dispatch run",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 14),
		},
	)

	sendAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kotodama",
			Name:      "send_attempts_total",
			Help:      "Outbound send attempts by result",
		},
		[]string{"result"}, // accepted, transient, permanent, rate_limited, unauthorized
	)

	messagesResolvedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kotodama",
			Name:      "messages_resolved_total",
			Help:      "Messages moved out of pending by the dispatcher",
		},
		[]string{"status"},
	)

	deliveryReceiptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kotodama",
			Name:      "delivery_receipts_total",
			Help:      "Delivery receipts by status and outcome",
		},
		[]string{"status", "outcome"}, // outcome: applied, stale, unknown
	)

	inboundRepliesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kotodama",
			Name:      "inbound_replies_total",
			Help:      "Inbound replies by outcome",
		},
		[]string{"outcome"}, // recorded, duplicate
	)
)
