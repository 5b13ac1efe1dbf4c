package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles the counters the chat core exposes on /metrics.
type Metrics struct {
	MessagesPersisted *prometheus.CounterVec
	EventsDispatched  *prometheus.CounterVec
	EventsDropped     *prometheus.CounterVec
	CompletionErrors  prometheus.Counter
	OnlineUsers       prometheus.Gauge
}

// New registers the chat metrics on the given registerer (nil means the
// default registry).
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		MessagesPersisted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "boostchat_messages_persisted_total",
			Help: "Messages durably written, by surface.",
		}, []string{"surface"}),
		EventsDispatched: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "boostchat_events_dispatched_total",
			Help: "Events pushed to at least one live handle, by event name.",
		}, []string{"event"}),
		EventsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "boostchat_events_dropped_total",
			Help: "Events dropped because a handle was slow or gone.",
		}, []string{"event"}),
		CompletionErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "boostchat_completion_errors_total",
			Help: "Assistant completion failures including timeouts.",
		}),
		OnlineUsers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "boostchat_online_users",
			Help: "Users with at least one live connection.",
		}),
	}
}
