// Package metrics exposes Prometheus instruments for the ledger, the wallet
// commands, the outbox relay, the inbox consumer and the HTTP surface.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/juanarayafonsec/magenta-sub000/internal/ledger"
)

const namespace = "wallet"

// Metrics holds every instrument on its own registry.
type Metrics struct {
	registry *prometheus.Registry

	ledgerCommitted *prometheus.CounterVec
	ledgerConflicts prometheus.Counter
	commandsTotal   *prometheus.CounterVec
	commandDuration *prometheus.HistogramVec
	outboxPublished *prometheus.CounterVec
	outboxFailed    *prometheus.CounterVec
	inboxHandled    *prometheus.CounterVec
	httpRequests    *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec
}

// New registers all instruments plus the Go and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		ledgerCommitted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_transactions_total",
			Help:      "Committed ledger transactions by type.",
		}, []string{"tx_type"}),
		ledgerConflicts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_conflict_retries_total",
			Help:      "Units of work retried after a serialization conflict.",
		}),
		commandsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Wallet commands by outcome.",
		}, []string{"command", "outcome"}),
		commandDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "command_duration_seconds",
			Help:      "Wallet command latency.",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}, []string{"command"}),
		outboxPublished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbox_published_total",
			Help:      "Outbox events handed to the broker.",
		}, []string{"event_type"}),
		outboxFailed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbox_publish_failures_total",
			Help:      "Outbox publish attempts the broker refused.",
		}, []string{"event_type"}),
		inboxHandled: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbox_events_total",
			Help:      "Inbound events by topic and outcome.",
		}, []string{"topic", "outcome"}),
		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status.",
		}, []string{"method", "route", "status"}),
		httpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.3, 0.5, 1, 2, 5},
		}, []string{"method", "route"}),
	}
}

// Registry returns the registry the instruments live on.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// TransactionCommitted implements ledger.Hooks.
func (m *Metrics) TransactionCommitted(txType ledger.TxType) {
	m.ledgerCommitted.WithLabelValues(string(txType)).Inc()
}

// ConflictRetried implements ledger.Hooks.
func (m *Metrics) ConflictRetried() { m.ledgerConflicts.Inc() }

// CommandCompleted implements wallet.Recorder.
func (m *Metrics) CommandCompleted(command, outcome string, elapsed time.Duration) {
	m.commandsTotal.WithLabelValues(command, outcome).Inc()
	m.commandDuration.WithLabelValues(command).Observe(elapsed.Seconds())
}

// OutboxPublished implements outbox.Recorder.
func (m *Metrics) OutboxPublished(eventType string) {
	m.outboxPublished.WithLabelValues(eventType).Inc()
}

// OutboxFailed implements outbox.Recorder.
func (m *Metrics) OutboxFailed(eventType string) {
	m.outboxFailed.WithLabelValues(eventType).Inc()
}

// InboxHandled implements inbox.Recorder.
func (m *Metrics) InboxHandled(topic, outcome string) {
	m.inboxHandled.WithLabelValues(topic, outcome).Inc()
}

// Middleware records request counts and latency by route template, so
// /players/42/balances and /players/43/balances share a series.
func (m *Metrics) Middleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		status := c.Response().StatusCode()
		if fe, ok := err.(*fiber.Error); ok {
			status = fe.Code
		}
		route := c.Route().Path
		if status == fiber.StatusNotFound && route == "/" {
			// unmatched path; keep arbitrary URLs out of the label set
			return err
		}
		m.httpRequests.WithLabelValues(c.Method(), route, strconv.Itoa(status)).Inc()
		m.httpDuration.WithLabelValues(c.Method(), route).Observe(time.Since(start).Seconds())
		return err
	}
}
