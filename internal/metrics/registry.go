// Package metrics provides Prometheus metrics for the poller.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry holds all Prometheus metrics for the service.
type Registry struct {
	// Polling metrics
	PollsTotal          *prometheus.CounterVec
	PollFailures        *prometheus.CounterVec
	PollDuration        prometheus.Histogram
	BackoffStage        prometheus.Gauge
	ConsecutiveFailures prometheus.Gauge

	// Telemetry / alarm metrics
	TemperatureCelsius prometheus.Gauge
	AlarmActive        prometheus.Gauge
	AlarmTransitions   *prometheus.CounterVec

	// MQTT metrics
	MQTTMessagesPublished *prometheus.CounterVec
	MQTTMessagesFailed    prometheus.Counter
	MQTTMessagesDropped   prometheus.Counter
	MQTTBufferSize        prometheus.Gauge
	MQTTPublishLatency    prometheus.Histogram

	// Command metrics
	CommandsTotal *prometheus.CounterVec
}

// NewRegistry creates the metrics and registers them with reg.
// Pass prometheus.DefaultRegisterer to expose them on the default /metrics handler.
func NewRegistry(reg prometheus.Registerer) *Registry {
	factory := promauto.With(reg)

	return &Registry{
		PollsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "poller",
			Subsystem: "polling",
			Name:      "polls_total",
			Help:      "Total number of poll cycles by outcome",
		}, []string{"status"}),
		PollFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "poller",
			Subsystem: "polling",
			Name:      "failures_total",
			Help:      "Total number of failed transactions by kind and class",
		}, []string{"kind", "class"}),
		PollDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "poller",
			Subsystem: "polling",
			Name:      "duration_seconds",
			Help:      "Register transaction duration in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}),
		BackoffStage: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "poller",
			Subsystem: "polling",
			Name:      "backoff_stage",
			Help:      "Current exponential backoff stage (0 when healthy)",
		}),
		ConsecutiveFailures: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "poller",
			Subsystem: "polling",
			Name:      "consecutive_failures",
			Help:      "Number of consecutive failed poll cycles",
		}),

		TemperatureCelsius: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "poller",
			Subsystem: "device",
			Name:      "temperature_celsius",
			Help:      "Last good temperature reading",
		}),
		AlarmActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "poller",
			Subsystem: "alarm",
			Name:      "active",
			Help:      "1 while the high temperature alarm is active",
		}),
		AlarmTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "poller",
			Subsystem: "alarm",
			Name:      "transitions_total",
			Help:      "Confirmed alarm transitions by target state",
		}, []string{"to"}),

		MQTTMessagesPublished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "poller",
			Subsystem: "mqtt",
			Name:      "messages_published_total",
			Help:      "Total number of MQTT messages published by stream",
		}, []string{"stream"}),
		MQTTMessagesFailed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "poller",
			Subsystem: "mqtt",
			Name:      "messages_failed_total",
			Help:      "Total number of failed MQTT publishes",
		}),
		MQTTMessagesDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "poller",
			Subsystem: "mqtt",
			Name:      "messages_dropped_total",
			Help:      "Messages dropped because the buffer was full",
		}),
		MQTTBufferSize: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "poller",
			Subsystem: "mqtt",
			Name:      "buffer_size",
			Help:      "Current MQTT message buffer size",
		}),
		MQTTPublishLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "poller",
			Subsystem: "mqtt",
			Name:      "publish_latency_seconds",
			Help:      "MQTT publish latency in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}),

		CommandsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "poller",
			Subsystem: "commands",
			Name:      "total",
			Help:      "Setpoint commands by result",
		}, []string{"result"}),
	}
}

// RecordPollSuccess records a successful poll cycle.
func (r *Registry) RecordPollSuccess(duration float64) {
	r.PollsTotal.WithLabelValues("success").Inc()
	r.PollDuration.Observe(duration)
	r.BackoffStage.Set(0)
	r.ConsecutiveFailures.Set(0)
}

// RecordPollFailure records a failed poll cycle and the resulting backoff state.
func (r *Registry) RecordPollFailure(kind, class string, stage, consecutive int) {
	r.PollsTotal.WithLabelValues("failure").Inc()
	r.PollFailures.WithLabelValues(kind, class).Inc()
	r.BackoffStage.Set(float64(stage))
	r.ConsecutiveFailures.Set(float64(consecutive))
}

// RecordTemperature updates the temperature gauge.
func (r *Registry) RecordTemperature(tempC float64) {
	r.TemperatureCelsius.Set(tempC)
}

// RecordAlarmTransition records a confirmed alarm transition.
func (r *Registry) RecordAlarmTransition(to string, active bool) {
	r.AlarmTransitions.WithLabelValues(to).Inc()
	if active {
		r.AlarmActive.Set(1)
	} else {
		r.AlarmActive.Set(0)
	}
}

// RecordMQTTPublish records an MQTT publish operation.
func (r *Registry) RecordMQTTPublish(stream string, success bool, latency float64) {
	if success {
		r.MQTTMessagesPublished.WithLabelValues(stream).Inc()
	} else {
		r.MQTTMessagesFailed.Inc()
	}
	r.MQTTPublishLatency.Observe(latency)
}

// RecordMQTTDrop records a message dropped from a full buffer.
func (r *Registry) RecordMQTTDrop() {
	r.MQTTMessagesDropped.Inc()
}

// UpdateMQTTBufferSize updates the MQTT buffer size gauge.
func (r *Registry) UpdateMQTTBufferSize(size int) {
	r.MQTTBufferSize.Set(float64(size))
}

// RecordCommand records a setpoint command result.
func (r *Registry) RecordCommand(result string) {
	r.CommandsTotal.WithLabelValues(result).Inc()
}
