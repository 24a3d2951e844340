// Package dltmetrics holds the Prometheus collectors shared by the
// dispatcher, context handler, and the optional status HTTP surface.
// Grounded on the teacher's use of prometheus/client_golang (listed in its
// go.mod for the metric-store domain); this module is this repo's actual
// wiring of that dependency.
package dltmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	CorruptFrames = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "dltbroker",
		Name:      "corrupt_frames_total",
		Help:      "Dispatcher decode failures; each drops one buffered byte before framing is retried.",
	})

	MessagesDispatched = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "dltbroker",
		Name:      "messages_dispatched_total",
		Help:      "Messages delivered to at least one subscriber.",
	})

	Reconnects = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "dltbroker",
		Name:      "socket_reconnects_total",
		Help:      "Successful socket source connections, including the first one.",
	})

	SubscriberCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "dltbroker",
		Name:      "subscribers",
		Help:      "Currently registered subscribers.",
	})

	FullQueueEvents = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "dltbroker",
		Name:      "full_queue_events_total",
		Help:      "Times a subscriber's bounded queue was full and the context handler blocked on delivery.",
	})

	TimeCellSeconds = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "dltbroker",
		Name:      "time_cell_seconds",
		Help:      "Storage timestamp, in seconds, of the most recently dispatched message.",
	})
)

// Registry bundles the collectors above into a dedicated Prometheus
// registry, so embedding applications can choose not to pollute their
// default registry.
func Registry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		CorruptFrames,
		MessagesDispatched,
		Reconnects,
		SubscriberCount,
		FullQueueEvents,
		TimeCellSeconds,
	)
	return reg
}
