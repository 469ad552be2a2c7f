package telemetry

import (
	"net/http"
	"strconv"

	apiperformance "github.com/newrelic/nri-perfmon/src/api-performance"
	datamodels "github.com/newrelic/nri-perfmon/src/database-monitoring/data-models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "perfmon"

var latencyBucketsSeconds = []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}

// PoolReader exposes the latest pool snapshot to the pool gauges.
type PoolReader interface {
	Latest() datamodels.ConnectionPoolSnapshot
}

// Collectors holds the Prometheus series fed by the query and API trackers. They live
// on a private registry so tests and the /metrics handler see only this service's series.
type Collectors struct {
	registry *prometheus.Registry

	queries         *prometheus.CounterVec
	queryDuration   *prometheus.HistogramVec
	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
}

func NewCollectors() *Collectors {
	c := &Collectors{
		registry: prometheus.NewRegistry(),
		queries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "queries_total",
				Help:      "Tracked database queries by statement type and slowness.",
			},
			[]string{"type", "slow", "cache"},
		),
		queryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "query_duration_seconds",
				Help:      "Execution time of tracked database queries.",
				Buckets:   latencyBucketsSeconds,
			},
			[]string{"type"},
		),
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "api_requests_total",
				Help:      "Tracked API requests by method and status class.",
			},
			[]string{"method", "status"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "api_request_duration_seconds",
				Help:      "Response time of tracked API requests.",
				Buckets:   latencyBucketsSeconds,
			},
			[]string{"method"},
		),
	}
	c.registry.MustRegister(
		c.queries,
		c.queryDuration,
		c.requests,
		c.requestDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

func (c *Collectors) Registry() *prometheus.Registry {
	return c.registry
}

// ObserveQuery implements querytracker.Observer.
func (c *Collectors) ObserveQuery(sample datamodels.QuerySample) {
	c.queries.WithLabelValues(string(sample.QueryType), strconv.FormatBool(sample.IsSlow), strconv.FormatBool(sample.CacheHit)).Inc()
	c.queryDuration.WithLabelValues(string(sample.QueryType)).Observe(sample.ExecutionTimeMs / 1000)
}

// ObserveRequest implements apiperformance.Observer.
func (c *Collectors) ObserveRequest(sample apiperformance.Sample) {
	c.requests.WithLabelValues(sample.Method, statusClass(sample.StatusCode)).Inc()
	c.requestDuration.WithLabelValues(sample.Method).Observe(sample.ResponseTimeMs / 1000)
}

// RegisterPool adds gauges read from the pool sampler at scrape time.
func (c *Collectors) RegisterPool(pool PoolReader) {
	gauge := func(name, help string, value func(datamodels.ConnectionPoolSnapshot) float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{Namespace: namespace, Subsystem: "pool", Name: name, Help: help},
			func() float64 { return value(pool.Latest()) })
	}
	c.registry.MustRegister(
		gauge("active_connections", "Active connections of the latest pool snapshot.",
			func(s datamodels.ConnectionPoolSnapshot) float64 { return float64(s.ActiveConnections) }),
		gauge("waiting_connections", "Callers waiting for a connection in the latest pool snapshot.",
			func(s datamodels.ConnectionPoolSnapshot) float64 { return float64(s.WaitingConnections) }),
		gauge("utilization_ratio", "Active share of the pool in the latest snapshot.",
			func(s datamodels.ConnectionPoolSnapshot) float64 { return s.Utilization() }),
	)
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collectors) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func statusClass(code int) string {
	if code < 100 || code > 599 {
		return "unknown"
	}
	return strconv.Itoa(code/100) + "xx"
}
