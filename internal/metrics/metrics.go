package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RelayForwarded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_messages_forwarded_total",
		Help: "Page-originated messages forwarded to the worker, by request kind",
	}, []string{"kind"})

	RelayDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_messages_dropped_total",
		Help: "Messages rejected at the bridge, by reason",
	}, []string{"reason"})

	RelayPushDelivered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_push_events_total",
		Help: "Push events delivered to the page, by event type",
	}, []string{"event"})

	RelayLateResponses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_late_responses_total",
		Help: "Worker responses discarded because the caller stopped waiting",
	})

	SyncEchoDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sync_echo_dropped_total",
		Help: "Remote updates discarded as self-echo",
	})

	SyncDuplicateDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sync_duplicate_dropped_total",
		Help: "Transcription results discarded as duplicate delivery",
	})

	SyncRemoteApplied = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sync_remote_applied_total",
		Help: "Remote updates applied to the local document",
	})

	TransportConnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "transport_connects_total",
		Help: "Successful socket connections, including redials",
	})

	TransportDrops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "transport_drops_total",
		Help: "Socket connection losses",
	})

	TransportEventsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "transport_events_dropped_total",
		Help: "Inbound socket events discarded before join completed, by event",
	}, []string{"event"})

	CapturesActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ptt_captures_active",
		Help: "Push-to-talk captures currently in progress",
	})

	TranscriptionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ptt_transcription_duration_seconds",
		Help:    "Latency of transcription calls issued by the push-to-talk pipeline",
		Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 10.0},
	})
)
