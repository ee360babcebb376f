// Copyright 2024-2026 Aiku AI

package connector

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the connector's Prometheus collectors. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	SessionState    *prometheus.GaugeVec
	Reconnects      *prometheus.CounterVec
	InboundMessages *prometheus.CounterVec
	Sends           *prometheus.CounterVec
	SendDuration    prometheus.Histogram
	Webhooks        *prometheus.CounterVec
	StoreErrors     *prometheus.CounterVec
	CacheSize       prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		SessionState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "wa_gateway_session_state",
				Help: "1 for the current connection state of each tenant, 0 otherwise",
			},
			[]string{"tenant", "state"},
		),

		Reconnects: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wa_gateway_reconnects_total",
				Help: "Reconnect attempts scheduled, by disconnect class",
			},
			[]string{"tenant", "reason"},
		),

		InboundMessages: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wa_gateway_inbound_messages_total",
				Help: "Inbound text messages handed to the event handler",
			},
			[]string{"tenant"},
		),

		Sends: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wa_gateway_sends_total",
				Help: "Outbound send requests, by result",
			},
			[]string{"tenant", "result"},
		),

		SendDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "wa_gateway_send_duration_seconds",
				Help:    "Time spent in the engine sending a message",
				Buckets: prometheus.DefBuckets,
			},
		),

		Webhooks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wa_gateway_webhook_deliveries_total",
				Help: "Webhook deliveries, by final result",
			},
			[]string{"tenant", "result"},
		),

		StoreErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wa_gateway_store_errors_total",
				Help: "Credential store operations that failed",
			},
			[]string{"op"},
		),

		CacheSize: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "wa_gateway_message_cache_entries",
				Help: "Entries currently held in the message cache",
			},
		),
	}
}

var allStates = []SessionState{StateInit, StateConnecting, StateQRPending, StateOpen, StateLoggedOut}

func (m *Metrics) setState(tenant string, state SessionState) {
	if m == nil {
		return
	}
	for _, s := range allStates {
		v := 0.0
		if s == state {
			v = 1
		}
		m.SessionState.WithLabelValues(tenant, string(s)).Set(v)
	}
}

func (m *Metrics) recordReconnect(tenant, reason string) {
	if m == nil {
		return
	}
	m.Reconnects.WithLabelValues(tenant, reason).Inc()
}

func (m *Metrics) recordInbound(tenant string) {
	if m == nil {
		return
	}
	m.InboundMessages.WithLabelValues(tenant).Inc()
}

func (m *Metrics) recordSend(tenant, result string, seconds float64) {
	if m == nil {
		return
	}
	m.Sends.WithLabelValues(tenant, result).Inc()
	if seconds > 0 {
		m.SendDuration.Observe(seconds)
	}
}

func (m *Metrics) recordStoreError(op string) {
	if m == nil {
		return
	}
	m.StoreErrors.WithLabelValues(op).Inc()
}

func (m *Metrics) setCacheSize(n int) {
	if m == nil {
		return
	}
	m.CacheSize.Set(float64(n))
}

// RecordWebhook counts a finished webhook delivery.
func (m *Metrics) RecordWebhook(tenant, result string) {
	if m == nil {
		return
	}
	m.Webhooks.WithLabelValues(tenant, result).Inc()
}
