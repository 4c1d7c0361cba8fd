package httpx

import (
	"errors"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	latencyBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5}
	sizeBuckets    = prometheus.ExponentialBuckets(1, 4, 8)
)

// instruments are the collectors the router reports to. They are registered
// once per process and shared by every Router.
type instruments struct {
	requests       *prometheus.CounterVec
	latency        *prometheus.HistogramVec
	rateLimitHits  *prometheus.CounterVec
	recorded       *prometheus.CounterVec
	entriesServed  *prometheus.HistogramVec
	skippedRecords prometheus.Counter
	subscribers    *prometheus.GaugeVec
}

func newInstruments() *instruments {
	return &instruments{
		requests: register(prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowmetrics",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Count of processed HTTP requests",
		}, []string{"method", "route", "status"})),
		latency: register(prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "flowmetrics",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Latency distribution of HTTP handlers",
			Buckets:   latencyBuckets,
		}, []string{"method", "route", "status"})),
		rateLimitHits: register(prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowmetrics",
			Subsystem: "http",
			Name:      "rate_limit_hits_total",
			Help:      "Rate-limited requests by route and counting scope",
		}, []string{"route", "scope"})),
		recorded: register(prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowmetrics",
			Subsystem: "http",
			Name:      "record_requests_total",
			Help:      "Recording requests by lifecycle action, route scope and status",
		}, []string{"scope", "action", "status"})),
		entriesServed: register(prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "flowmetrics",
			Subsystem: "http",
			Name:      "entries_served",
			Help:      "Entries returned per read",
			Buckets:   sizeBuckets,
		}, []string{"order"})),
		skippedRecords: register(prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "flowmetrics",
			Subsystem: "http",
			Name:      "skipped_records_total",
			Help:      "Damaged records left out of read responses",
		})),
		subscribers: register(prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "flowmetrics",
			Subsystem: "http",
			Name:      "stream_subscribers",
			Help:      "Open live entry streams by transport",
		}, []string{"transport"})),
	}
}

// register returns the collector already registered under c's descriptor when
// there is one, so routers built in tests share counters.
func register[C prometheus.Collector](c C) C {
	if err := prometheus.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
	}
	return c
}

func (r *Router) initMetrics() {
	r.metricsOnce.Do(func() {
		r.instruments = newInstruments()
	})
}

func (r *Router) recordRequestMetrics(method, route string, status int, duration time.Duration) {
	if r.instruments == nil {
		return
	}
	code := strconv.Itoa(status)
	r.instruments.requests.WithLabelValues(method, route, code).Inc()
	r.instruments.latency.WithLabelValues(method, route, code).Observe(duration.Seconds())
}

func (r *Router) recordRateLimitHit(route string, scope rateScope) {
	if r.instruments == nil {
		return
	}
	r.instruments.rateLimitHits.WithLabelValues(route, string(scope)).Inc()
}

func (r *Router) observeRecord(path recordPath, status int) {
	if r.instruments == nil {
		return
	}
	scope := "process"
	if path.flowNodeScoped() {
		scope = "flow_node"
	}
	r.instruments.recorded.WithLabelValues(scope, path.action, strconv.Itoa(status)).Inc()
}

func (r *Router) observeRead(order string, entries, skipped int) {
	if r.instruments == nil {
		return
	}
	if order == "" {
		order = "write"
	}
	r.instruments.entriesServed.WithLabelValues(order).Observe(float64(entries))
	if skipped > 0 {
		r.instruments.skippedRecords.Add(float64(skipped))
	}
}

// trackSubscriber counts an open stream and returns the matching release.
func (r *Router) trackSubscriber(transport string) func() {
	if r.instruments == nil {
		return func() {}
	}
	gauge := r.instruments.subscribers.WithLabelValues(transport)
	gauge.Inc()
	return gauge.Dec
}
