// Package metrics exposes ledger counters in the Prometheus format.
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/MarkoPoloResearchLab/coinledger/pkg/ledger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "coinledger"

// Recorder collects operation, event and HTTP metrics on its own registry.
type Recorder struct {
	registry        *prometheus.Registry
	operations      *prometheus.CounterVec
	coinsMoved      *prometheus.CounterVec
	events          *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
}

// New registers the collectors. Each Recorder owns a fresh registry so several
// can coexist in one process.
func New() *Recorder {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(registry)
	return &Recorder{
		registry: registry,
		operations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Ledger operations by name and outcome.",
		}, []string{"operation", "status"}),
		coinsMoved: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "coins_moved_total",
			Help:      "Absolute coins moved by committed operations.",
		}, []string{"operation"}),
		events: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "Domain events handed to the notification dispatcher.",
		}, []string{"type"}),
		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route and status code.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "code"}),
	}
}

// LogOperation counts an engine callback.
func (recorder *Recorder) LogOperation(_ context.Context, entry ledger.OperationLog) {
	recorder.operations.WithLabelValues(entry.Operation, entry.Status).Inc()
	if entry.Error == nil && entry.Status == "ok" {
		recorder.coinsMoved.WithLabelValues(entry.Operation).Add(float64(entry.Amount.Abs().Int64()))
	}
}

// Publish counts an event. It never fails so it can sit in a publisher fan-out.
func (recorder *Recorder) Publish(_ context.Context, event ledger.Event) error {
	recorder.events.WithLabelValues(event.Type).Inc()
	return nil
}

// ObserveRequest records one HTTP request.
func (recorder *Recorder) ObserveRequest(method string, route string, code int, elapsed time.Duration) {
	recorder.requestDuration.WithLabelValues(method, route, strconv.Itoa(code)).Observe(elapsed.Seconds())
}

// Handler serves the registry for scraping.
func (recorder *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(recorder.registry, promhttp.HandlerOpts{Registry: recorder.registry})
}
