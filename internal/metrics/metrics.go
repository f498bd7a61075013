// Package metrics provides Prometheus metrics for marketchat
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for marketchat
type Metrics struct {
	registry *prometheus.Registry

	// Engine operations
	OperationsTotal   *prometheus.CounterVec
	OperationDuration *prometheus.HistogramVec
	MessagesAppended  prometheus.Counter
	MessagesMarked    prometheus.Counter
	SamplesSeeded     prometheus.Counter

	// HTTP adapter
	HTTPRequestsTotal *prometheus.CounterVec
	SendsRateLimited  prometheus.Counter

	// Mail gateway
	MailAccepted *prometheus.CounterVec
}

// New creates all metrics on a private registry so several instances can
// coexist in one process.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		OperationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "marketchat_operations_total",
				Help: "Total number of messaging operations",
			},
			[]string{"operation", "status"},
		),
		OperationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "marketchat_operation_duration_seconds",
				Help:    "Duration of messaging operations in seconds",
				Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
			},
			[]string{"operation"},
		),
		MessagesAppended: factory.NewCounter(prometheus.CounterOpts{
			Name: "marketchat_messages_appended_total",
			Help: "Total number of messages appended to the log",
		}),
		MessagesMarked: factory.NewCounter(prometheus.CounterOpts{
			Name: "marketchat_messages_marked_read_total",
			Help: "Total number of messages flipped from unread to read",
		}),
		SamplesSeeded: factory.NewCounter(prometheus.CounterOpts{
			Name: "marketchat_sample_seeds_total",
			Help: "Total number of accounts that received demonstration messages",
		}),
		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "marketchat_http_requests_total",
				Help: "Total number of HTTP API requests",
			},
			[]string{"route", "code"},
		),
		SendsRateLimited: factory.NewCounter(prometheus.CounterOpts{
			Name: "marketchat_sends_rate_limited_total",
			Help: "Total number of send requests rejected by the rate limiter",
		}),
		MailAccepted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "marketchat_mail_messages_total",
				Help: "Messages received through the mail gateway",
			},
			[]string{"status"},
		),
	}
}

// RecordOperation records one engine operation.
func (m *Metrics) RecordOperation(operation string, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.OperationsTotal.WithLabelValues(operation, status).Inc()
	m.OperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
