package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PollCycles = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_poll_cycles_total",
			Help: "Total number of mail poll cycles",
		},
		[]string{"result"}, // ok, credential_error, not_authenticated, error
	)

	PollCycleDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "bridge_poll_cycle_duration_seconds",
			Help:    "Duration of one mail poll cycle in seconds",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms to ~100s
		},
	)

	Deliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_deliveries_total",
			Help: "Inbound mail messages handled, by outcome",
		},
		[]string{"result"}, // delivered, own, duplicate, busy, aborted
	)

	OutboundSends = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_outbound_sends_total",
			Help: "Outbound mail messages composed from chat events",
		},
		[]string{"result"}, // sent, failed
	)

	ChatEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_chat_events_total",
			Help: "Chat events received from the homeserver",
		},
		[]string{"kind"}, // echo, invite, control, thread, ignored, duplicate
	)
)

func RecordPollCycle(result string, duration time.Duration) {
	PollCycles.WithLabelValues(result).Inc()
	PollCycleDuration.Observe(duration.Seconds())
}

func RecordDelivery(result string) {
	Deliveries.WithLabelValues(result).Inc()
}

func RecordOutboundSend(result string) {
	OutboundSends.WithLabelValues(result).Inc()
}

func RecordChatEvent(kind string) {
	ChatEvents.WithLabelValues(kind).Inc()
}
