package observability

import "github.com/prometheus/client_golang/prometheus"

var (
	APIRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "wasched_api_requests_total", Help: "API requests"},
		[]string{"endpoint", "status"},
	)
	Dispatches = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "wasched_dispatch_total", Help: "Scheduled dispatch outcomes"},
		[]string{"trigger", "result"},
	)
	Sends = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "wasched_send_total", Help: "WhatsApp send outcomes"},
		[]string{"kind", "result"},
	)
	SendLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "wasched_send_latency_seconds", Help: "WhatsApp send latency"},
	)
	SessionReady = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "wasched_session_ready", Help: "1 when the WhatsApp session is ready"},
	)
	SessionTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "wasched_session_events_total", Help: "Session lifecycle events"},
		[]string{"event"},
	)
	ConnectAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "wasched_session_connect_total", Help: "Session connect attempts"},
		[]string{"result"},
	)
	ScheduledTasks = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "wasched_scheduled_tasks", Help: "Registered task triggers"},
	)
	EventPublishes = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "wasched_event_publish_total", Help: "Dispatch event publish results"},
		[]string{"backend", "result"},
	)
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		APIRequests,
		Dispatches,
		Sends,
		SendLatency,
		SessionReady,
		SessionTransitions,
		ConnectAttempts,
		ScheduledTasks,
		EventPublishes,
	)
}
