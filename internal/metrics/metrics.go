package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Connections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ws_active_connections",
		Help: "Active websocket connections",
	})
	MessagesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_messages_sent_total",
		Help: "Messages persisted and fanned out",
	})
	Events = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ws_events_total",
		Help: "Inbound websocket events by name",
	}, []string{"event"})
	EventErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ws_event_errors_total",
		Help: "Inbound websocket events answered with an error",
	}, []string{"event"})
	SlowConsumers = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ws_slow_consumer_drops_total",
		Help: "Connections dropped because their send buffer was full",
	})
)

var once sync.Once

func Init() {
	once.Do(func() {
		prometheus.MustRegister(Connections, MessagesSent, Events, EventErrors, SlowConsumers)
	})
}

// Handler returns an http.Handler for Prometheus scraping
func Handler() http.Handler {
	return promhttp.Handler()
}
