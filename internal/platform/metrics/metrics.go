package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus collectors for the relay. It satisfies both
// fetch.Recorder and pipeline.Recorder.
type Metrics struct {
	registry         *prometheus.Registry
	requestsTotal    prometheus.Counter
	errorsTotal      prometheus.Counter
	fetchesTotal     *prometheus.CounterVec
	fetchedBytes     prometheus.Counter
	refreshesTotal   *prometheus.CounterVec
	chunksDelivered  prometheus.Counter
	bytesDelivered   prometheus.Counter
	warningsTotal    prometheus.Counter
	pipelineFailures prometheus.Counter
	activeSessions   prometheus.Gauge
}

// New creates and registers the relay metrics on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "livepipe_http_requests_total",
			Help: "Total number of HTTP requests received",
		}),
		errorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "livepipe_http_errors_total",
			Help: "Total number of HTTP responses with error status (4xx or 5xx)",
		}),
		fetchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "livepipe_fetches_total",
			Help: "Upstream fetch attempts by outcome",
		}, []string{"outcome"}),
		fetchedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "livepipe_fetched_bytes_total",
			Help: "Bytes received from upstream playlists and chunks",
		}),
		refreshesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "livepipe_refreshes_total",
			Help: "Playlist refresh cycles by outcome",
		}, []string{"outcome"}),
		chunksDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "livepipe_chunks_delivered_total",
			Help: "Chunks appended to pipeline outputs",
		}),
		bytesDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "livepipe_delivered_bytes_total",
			Help: "Bytes appended to pipeline outputs",
		}),
		warningsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "livepipe_warnings_total",
			Help: "Recoverable pipeline warnings (retries, overlapping refreshes)",
		}),
		pipelineFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "livepipe_pipeline_failures_total",
			Help: "Pipelines ended by a fatal error",
		}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "livepipe_active_sessions",
			Help: "Number of streaming sessions currently open",
		}),
	}

	m.registry.MustRegister(
		m.requestsTotal,
		m.errorsTotal,
		m.fetchesTotal,
		m.fetchedBytes,
		m.refreshesTotal,
		m.chunksDelivered,
		m.bytesDelivered,
		m.warningsTotal,
		m.pipelineFailures,
		m.activeSessions,
	)
	return m
}

// IncRequests increments the total request counter.
func (m *Metrics) IncRequests() { m.requestsTotal.Inc() }

// IncErrors increments the errors counter.
func (m *Metrics) IncErrors() { m.errorsTotal.Inc() }

func (m *Metrics) ObserveFetch(outcome string) { m.fetchesTotal.WithLabelValues(outcome).Inc() }

func (m *Metrics) ObserveBytes(n int) { m.fetchedBytes.Add(float64(n)) }

func (m *Metrics) ObserveRefresh(outcome string) { m.refreshesTotal.WithLabelValues(outcome).Inc() }

func (m *Metrics) ObserveChunk(n int) {
	m.chunksDelivered.Inc()
	m.bytesDelivered.Add(float64(n))
}

func (m *Metrics) ObserveWarning() { m.warningsTotal.Inc() }

func (m *Metrics) ObserveError() { m.pipelineFailures.Inc() }

// SetActiveSessions sets the active sessions gauge.
func (m *Metrics) SetActiveSessions(n int) { m.activeSessions.Set(float64(n)) }

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values.
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	h := promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		h.ServeHTTP(w, r)
	})
}
