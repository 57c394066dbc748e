// Package observability holds the Prometheus instruments and OpenTelemetry
// tracer shared by the inbox, saga, schema registry and publisher.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds metric instruments for the backbone.
type Metrics struct {
	InboxEventsTotal       *prometheus.CounterVec
	HandlerDuration        prometheus.Histogram
	RetryScheduled         prometheus.Gauge
	DLQSize                prometheus.Gauge
	SchemaValidationsTotal *prometheus.CounterVec
	SagaStepsTotal         *prometheus.CounterVec
	MessagesPublishedTotal *prometheus.CounterVec
}

// NewMetrics creates the backbone instruments and registers them with reg.
// Pass prometheus.DefaultRegisterer for process-wide exposure or a fresh
// prometheus.NewRegistry() in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		InboxEventsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "backbone_inbox_events_total",
			Help: "Inbox processing outcomes.",
		}, []string{"outcome"}),
		HandlerDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "backbone_handler_duration_seconds",
			Help:    "Inbox handler execution time.",
			Buckets: prometheus.DefBuckets,
		}),
		RetryScheduled: f.NewGauge(prometheus.GaugeOpts{
			Name: "backbone_inbox_retry_scheduled",
			Help: "Inbox events currently waiting for a handler retry.",
		}),
		DLQSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "backbone_dlq_size",
			Help: "Entries in the DLQ triage store.",
		}),
		SchemaValidationsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "backbone_schema_validations_total",
			Help: "Payload validations by result.",
		}, []string{"result"}),
		SagaStepsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "backbone_saga_steps_total",
			Help: "Saga steps executed by step and result.",
		}, []string{"step", "result"}),
		MessagesPublishedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "backbone_messages_published_total",
			Help: "Messages published by routing key.",
		}, []string{"routing_key"}),
	}
}

// RecordOutcome counts one inbox outcome and, when the handler ran, its duration.
func (m *Metrics) RecordOutcome(outcome string, handlerSeconds float64) {
	m.InboxEventsTotal.WithLabelValues(outcome).Inc()
	if handlerSeconds > 0 {
		m.HandlerDuration.Observe(handlerSeconds)
	}
}

// RecordValidation counts a payload validation.
func (m *Metrics) RecordValidation(valid bool) {
	result := "valid"
	if !valid {
		result = "invalid"
	}
	m.SchemaValidationsTotal.WithLabelValues(result).Inc()
}

// RecordSagaStep counts a saga step execution.
func (m *Metrics) RecordSagaStep(step string, failed bool) {
	result := "ok"
	if failed {
		result = "failed"
	}
	m.SagaStepsTotal.WithLabelValues(step, result).Inc()
}

// RecordPublish counts a published message.
func (m *Metrics) RecordPublish(routingKey string) {
	m.MessagesPublishedTotal.WithLabelValues(routingKey).Inc()
}
