// Package telemetry holds the Prometheus metrics of the client, the
// heartbeater and the sidecar's HTTP API.
package telemetry

import (
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jmerrifield20/consulkit/pkg/consul"
)

// Metrics records consulkit metrics on one registry. It implements
// consul.RequestObserver.
type Metrics struct {
	requestsTotal     *prometheus.CounterVec
	requestDuration   *prometheus.HistogramVec
	heartbeatsTotal   *prometheus.CounterVec
	probesTotal       *prometheus.CounterVec
	watchUpdatesTotal prometheus.Counter
	httpRequestsTotal *prometheus.CounterVec
	httpDuration      *prometheus.HistogramVec
}

var _ consul.RequestObserver = (*Metrics)(nil)

// New registers the metrics on reg. Passing prometheus.DefaultRegisterer
// exposes them through promhttp.Handler().
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		requestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "consulkit_requests_total",
			Help: "Total agent API requests by method, path, and response status.",
		}, []string{"method", "path", "status"}),

		requestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "consulkit_request_duration_seconds",
			Help:    "Agent API request duration in seconds, blocking reads included.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 300},
		}, []string{"method", "path"}),

		heartbeatsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "consulkit_heartbeats_total",
			Help: "Total TTL updates pushed by status.",
		}, []string{"status"}),

		probesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "consulkit_probes_total",
			Help: "Total local health probes by result.",
		}, []string{"result"}),

		watchUpdatesTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "consulkit_watch_updates_total",
			Help: "Total blocking-query results that carried a new index.",
		}),

		httpRequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "consulkit_http_requests_total",
			Help: "Total sidecar HTTP requests by method, path, and response status.",
		}, []string{"method", "path", "status"}),

		httpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "consulkit_http_request_duration_seconds",
			Help:    "Sidecar HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path"}),
	}
}

// ObserveRequest records one agent API call. A zero status means the call
// failed before a response arrived.
func (m *Metrics) ObserveRequest(method, path string, status int, elapsed time.Duration) {
	route := routeLabel(path)
	code := "error"
	if status > 0 {
		code = strconv.Itoa(status)
	}
	m.requestsTotal.WithLabelValues(method, route, code).Inc()
	m.requestDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

// RecordHeartbeat records a TTL update.
func (m *Metrics) RecordHeartbeat(status consul.CheckStatus) {
	m.heartbeatsTotal.WithLabelValues(string(status)).Inc()
}

// RecordProbe records a local health probe result.
func (m *Metrics) RecordProbe(success bool) {
	if success {
		m.probesTotal.WithLabelValues("success").Inc()
	} else {
		m.probesTotal.WithLabelValues("failure").Inc()
	}
}

// RecordWatchUpdate records a watch result with a new index.
func (m *Metrics) RecordWatchUpdate() {
	m.watchUpdatesTotal.Inc()
}

// Middleware returns a Gin middleware that records per-request metrics.
func (m *Metrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		method := c.Request.Method
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}

		m.httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		m.httpDuration.WithLabelValues(method, path).Observe(duration)
	}
}

// Handler returns a Gin handler that serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) gin.HandlerFunc {
	h := promhttp.HandlerFor(g, promhttp.HandlerOpts{})
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// idPrefixes are API paths whose remainder is an identifier; the remainder
// is folded to keep label cardinality bounded.
var idPrefixes = []struct {
	prefix string
	label  string
}{
	{"/v1/agent/check/deregister/", ":id"},
	{"/v1/agent/check/pass/", ":id"},
	{"/v1/agent/check/warn/", ":id"},
	{"/v1/agent/check/fail/", ":id"},
	{"/v1/agent/service/deregister/", ":id"},
	{"/v1/agent/service/maintenance/", ":id"},
	{"/v1/agent/join/", ":address"},
	{"/v1/agent/force-leave/", ":node"},
	{"/v1/health/service/", ":service"},
	{"/v1/health/checks/", ":service"},
	{"/v1/health/node/", ":node"},
	{"/v1/health/state/", ":state"},
	{"/v1/catalog/service/", ":service"},
	{"/v1/session/destroy/", ":id"},
	{"/v1/session/renew/", ":id"},
	{"/v1/session/info/", ":id"},
	{"/v1/kv/", ":key"},
}

func routeLabel(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	for _, p := range idPrefixes {
		if strings.HasPrefix(path, p.prefix) {
			return p.prefix + p.label
		}
	}
	return path
}
