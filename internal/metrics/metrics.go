// Package metrics holds the Prometheus collectors for tokengate and the
// helpers that update them from the HTTP layer.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	namespace = "tokengate"

	LabelPath   = "path"
	LabelMethod = "method"
	LabelCode   = "code"
	LabelResult = "result"

	// ResultOK is the result label of a successful operation. Failures are
	// labelled with their error code.
	ResultOK = "ok"
)

// ListHTTPLabels are the labels of the request duration histogram.
var ListHTTPLabels = []string{LabelPath, LabelMethod, LabelCode}

// Metrics owns a registry and the tokengate collectors registered in it.
type Metrics struct {
	Registry *prometheus.Registry

	// RequestDuration observes every API request by route pattern.
	RequestDuration *prometheus.HistogramVec

	// Logins, Exchanges and Refreshes count core operations by result.
	Logins    *prometheus.CounterVec
	Exchanges *prometheus.CounterVec
	Refreshes *prometheus.CounterVec

	// TokensIssued counts minted library tokens.
	TokensIssued prometheus.Counter
}

// New creates a registry with the Go and process collectors plus the
// tokengate collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Histogram of latencies for API requests.",
			Buckets:   prometheus.DefBuckets,
		}, ListHTTPLabels),
		Logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admin_logins_total",
			Help:      "Administrator login attempts by result.",
		}, []string{LabelResult}),
		Exchanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "device_exchanges_total",
			Help:      "Device exchanges by result.",
		}, []string{LabelResult}),
		Refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "device_refreshes_total",
			Help:      "Access token refreshes by result.",
		}, []string{LabelResult}),
		TokensIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "library_tokens_issued_total",
			Help:      "Library tokens minted.",
		}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.RequestDuration,
		m.Logins,
		m.Exchanges,
		m.Refreshes,
		m.TokensIssued,
	)

	// Zero the success series so dashboards see them before the first event.
	for _, v := range []*prometheus.CounterVec{m.Logins, m.Exchanges, m.Refreshes} {
		v.With(prometheus.Labels{LabelResult: ResultOK})
	}

	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}

// Result increments vec under result, or ResultOK when result is empty.
func Result(vec *prometheus.CounterVec, result string) {
	if result == "" {
		result = ResultOK
	}
	vec.With(prometheus.Labels{LabelResult: result}).Inc()
}

// InstrumentHandler records the latency and status of every request to next
// under the given route pattern.
func (m *Metrics) InstrumentHandler(path string, next http.Handler) http.Handler {
	return promhttp.InstrumentHandlerDuration(m.RequestDuration.MustCurryWith(prometheus.Labels{LabelPath: path}), next)
}
