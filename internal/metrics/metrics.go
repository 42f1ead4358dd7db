// Package metrics содержит метрики Prometheus сервиса.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "pharmalink"

// Исходы вебхука.
const (
	WebhookApplied   = "applied"
	WebhookDuplicate = "duplicate"
	WebhookIgnored   = "ignored"
	WebhookRejected  = "rejected"
)

// Metrics объединяет счётчики и гистограммы сервиса. Нулевой указатель безопасен.
type Metrics struct {
	operations      *prometheus.CounterVec
	durations       *prometheus.HistogramVec
	gatewayRequests *prometheus.CounterVec
	gatewayDuration *prometheus.HistogramVec
	webhooks        *prometheus.CounterVec
	publishFailures *prometheus.CounterVec
}

// New создаёт метрики и регистрирует их в reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Total number of service operations by outcome.",
		}, []string{"operation", "outcome"}),
		durations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Duration of service operations in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		gatewayRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gateway_requests_total",
			Help:      "Outbound payment gateway calls by outcome.",
		}, []string{"processor", "call", "outcome"}),
		gatewayDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "gateway_request_duration_seconds",
			Help:      "Duration of outbound payment gateway calls in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"processor", "call"}),
		webhooks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhooks_total",
			Help:      "Inbound payment webhooks by outcome.",
		}, []string{"processor", "outcome"}),
		publishFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "event_publish_failed_total",
			Help:      "Domain events that could not be published.",
		}, []string{"event"}),
	}

	if reg != nil {
		reg.MustRegister(m.operations, m.durations, m.gatewayRequests, m.gatewayDuration, m.webhooks, m.publishFailures)
	}

	return m
}

// ObserveOperation учитывает вызов операции сервиса.
func (m *Metrics) ObserveOperation(operation string, start time.Time, err error) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(operation, outcome(err)).Inc()
	m.durations.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

// ObserveGatewayCall учитывает исходящий вызов процессора.
func (m *Metrics) ObserveGatewayCall(processor, call string, start time.Time, err error) {
	if m == nil {
		return
	}
	m.gatewayRequests.WithLabelValues(processor, call, outcome(err)).Inc()
	m.gatewayDuration.WithLabelValues(processor, call).Observe(time.Since(start).Seconds())
}

// WebhookReceived учитывает входящий вебхук.
func (m *Metrics) WebhookReceived(processor, result string) {
	if m == nil {
		return
	}
	m.webhooks.WithLabelValues(processor, result).Inc()
}

// EventPublishFailed учитывает неотправленное событие.
func (m *Metrics) EventPublishFailed(event string) {
	if m == nil {
		return
	}
	m.publishFailures.WithLabelValues(event).Inc()
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
