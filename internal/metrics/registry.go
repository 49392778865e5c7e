package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry holds all Prometheus metrics.
// Methods are safe to call on a nil *Registry, which records nothing.
type Registry struct {
	messagesReceived  prometheus.Counter
	messagesUnrouted  prometheus.Counter
	handlersInvoked   prometheus.Counter
	handlerPanics     prometheus.Counter
	parseErrors       prometheus.Counter
	publishes         prometheus.Counter
	publishFailures   prometheus.Counter
	subscribeRequests prometheus.Counter
	subscribeFailures prometheus.Counter
	registryEntries   prometheus.Gauge
	connected         prometheus.Gauge
	reconnectAttempts prometheus.Counter
	reportDuration    prometheus.Histogram
	samplesReported   prometheus.Counter
	setpointWrites    prometheus.Counter
	setpointFailures  prometheus.Counter
}

// NewRegistry creates a new metrics registry registered with reg.
func NewRegistry(reg prometheus.Registerer) *Registry {
	factory := promauto.With(reg)

	return &Registry{
		messagesReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "alink_messages_received_total",
			Help: "Total number of inbound MQTT messages handed to dispatch",
		}),
		messagesUnrouted: factory.NewCounter(prometheus.CounterOpts{
			Name: "alink_messages_unrouted_total",
			Help: "Total number of inbound messages that matched no handler",
		}),
		handlersInvoked: factory.NewCounter(prometheus.CounterOpts{
			Name: "alink_handlers_invoked_total",
			Help: "Total number of handler invocations",
		}),
		handlerPanics: factory.NewCounter(prometheus.CounterOpts{
			Name: "alink_handler_panics_total",
			Help: "Total number of handler panics recovered during dispatch",
		}),
		parseErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "alink_parse_errors_total",
			Help: "Total number of inbound payloads dropped because they were not valid JSON",
		}),
		publishes: factory.NewCounter(prometheus.CounterOpts{
			Name: "alink_publishes_total",
			Help: "Total number of publish requests handed to the transport",
		}),
		publishFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "alink_publish_failures_total",
			Help: "Total number of publish requests rejected or failed",
		}),
		subscribeRequests: factory.NewCounter(prometheus.CounterOpts{
			Name: "alink_subscribe_requests_total",
			Help: "Total number of subscribe and unsubscribe requests issued",
		}),
		subscribeFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "alink_subscribe_failures_total",
			Help: "Total number of subscribe and unsubscribe requests that failed",
		}),
		registryEntries: factory.NewGauge(prometheus.GaugeOpts{
			Name: "alink_registry_entries",
			Help: "Current number of occupied dispatch registry slots",
		}),
		connected: factory.NewGauge(prometheus.GaugeOpts{
			Name: "alink_connected",
			Help: "1 if the MQTT session is connected, 0 otherwise",
		}),
		reconnectAttempts: factory.NewCounter(prometheus.CounterOpts{
			Name: "alink_reconnect_attempts_total",
			Help: "Total number of connection attempts made by the supervisor",
		}),
		reportDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "alink_report_duration_seconds",
			Help:    "Duration of a read-and-report cycle",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
		}),
		samplesReported: factory.NewCounter(prometheus.CounterOpts{
			Name: "alink_samples_reported_total",
			Help: "Total number of attribute samples included in reports",
		}),
		setpointWrites: factory.NewCounter(prometheus.CounterOpts{
			Name: "alink_setpoint_writes_total",
			Help: "Total number of attribute settings written to the field bus",
		}),
		setpointFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "alink_setpoint_failures_total",
			Help: "Total number of attribute settings that could not be written",
		}),
	}
}

// IncMessagesReceived increments the inbound message counter
func (r *Registry) IncMessagesReceived() {
	if r != nil {
		r.messagesReceived.Inc()
	}
}

// IncMessagesUnrouted increments the unrouted message counter
func (r *Registry) IncMessagesUnrouted() {
	if r != nil {
		r.messagesUnrouted.Inc()
	}
}

// AddHandlersInvoked adds to the handler invocation counter
func (r *Registry) AddHandlersInvoked(count int) {
	if r != nil {
		r.handlersInvoked.Add(float64(count))
	}
}

// IncHandlerPanics increments the recovered panic counter
func (r *Registry) IncHandlerPanics() {
	if r != nil {
		r.handlerPanics.Inc()
	}
}

// IncParseErrors increments the parse errors counter
func (r *Registry) IncParseErrors() {
	if r != nil {
		r.parseErrors.Inc()
	}
}

// IncPublishes increments the publish counter
func (r *Registry) IncPublishes() {
	if r != nil {
		r.publishes.Inc()
	}
}

// IncPublishFailures increments the publish failure counter
func (r *Registry) IncPublishFailures() {
	if r != nil {
		r.publishFailures.Inc()
	}
}

// IncSubscribeRequests increments the subscribe request counter
func (r *Registry) IncSubscribeRequests() {
	if r != nil {
		r.subscribeRequests.Inc()
	}
}

// IncSubscribeFailures increments the subscribe failure counter
func (r *Registry) IncSubscribeFailures() {
	if r != nil {
		r.subscribeFailures.Inc()
	}
}

// SetRegistryEntries sets the number of occupied registry slots
func (r *Registry) SetRegistryEntries(n int) {
	if r != nil {
		r.registryEntries.Set(float64(n))
	}
}

// SetConnected records the session connection state
func (r *Registry) SetConnected(connected bool) {
	if r == nil {
		return
	}
	if connected {
		r.connected.Set(1)
	} else {
		r.connected.Set(0)
	}
}

// IncReconnectAttempts increments the reconnect attempt counter
func (r *Registry) IncReconnectAttempts() {
	if r != nil {
		r.reconnectAttempts.Inc()
	}
}

// ObserveReportDuration records a report cycle duration
func (r *Registry) ObserveReportDuration(seconds float64) {
	if r != nil {
		r.reportDuration.Observe(seconds)
	}
}

// AddSamplesReported adds to the reported samples counter
func (r *Registry) AddSamplesReported(count int) {
	if r != nil {
		r.samplesReported.Add(float64(count))
	}
}

// IncSetpointWrites increments the setpoint write counter
func (r *Registry) IncSetpointWrites() {
	if r != nil {
		r.setpointWrites.Inc()
	}
}

// IncSetpointFailures increments the setpoint failure counter
func (r *Registry) IncSetpointFailures() {
	if r != nil {
		r.setpointFailures.Inc()
	}
}
