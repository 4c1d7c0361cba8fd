package metrics

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	instrumentOnce sync.Once
	entriesTotal   *prometheus.CounterVec
	writeDuration  *prometheus.HistogramVec
)

var writeBuckets = []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 1}

func initInstruments() {
	instrumentOnce.Do(func() {
		entriesTotal = registerCounterVec(prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowmetrics",
			Name:      "entries_recorded_total",
			Help:      "Metric entries submitted for recording by outcome",
		}, []string{"measurement_point", "outcome"}))

		writeDuration = registerHistogramVec(prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "flowmetrics",
			Name:      "entry_write_duration_seconds",
			Help:      "Latency of repository appends",
			Buckets:   writeBuckets,
		}, []string{"measurement_point"}))
	})
}

func registerCounterVec(c *prometheus.CounterVec) *prometheus.CounterVec {
	if err := prometheus.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing
			}
		}
	}
	return c
}

func registerHistogramVec(h *prometheus.HistogramVec) *prometheus.HistogramVec {
	if err := prometheus.Register(h); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(*prometheus.HistogramVec); ok {
				return existing
			}
		}
	}
	return h
}

// outcome labels
const (
	outcomeRecorded = "recorded"
	outcomeInvalid  = "invalid"
	outcomeFailed   = "failed"
)

func observeWrite(point string, outcome string, elapsed time.Duration) {
	initInstruments()
	entriesTotal.WithLabelValues(point, outcome).Inc()
	if outcome != outcomeInvalid {
		writeDuration.WithLabelValues(point).Observe(elapsed.Seconds())
	}
}
