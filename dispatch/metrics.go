package dispatch

import "github.com/prometheus/client_golang/prometheus"

var (
	eventsProcessed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "teamsbridge",
		Subsystem: "dispatch",
		Name:      "events_total",
		Help:      "Poll events handled, by resource type.",
	}, []string{"resource_type"})
	messagesDelivered = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "teamsbridge",
		Subsystem: "dispatch",
		Name:      "messages_delivered_total",
		Help:      "Messages delivered to the host.",
	})
	duplicatesDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "teamsbridge",
		Subsystem: "dispatch",
		Name:      "duplicates_dropped_total",
		Help:      "Messages dropped because they were at or behind the conversation watermark.",
	})
	protocolErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "teamsbridge",
		Subsystem: "dispatch",
		Name:      "protocol_errors_total",
		Help:      "Events dropped because required fields were missing or malformed.",
	})
)

func init() {
	prometheus.MustRegister(eventsProcessed, messagesDelivered, duplicatesDropped, protocolErrors)
}
