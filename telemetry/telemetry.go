// Package telemetry exposes notifyd's Prometheus metrics. Until
// InitializeTelemetry runs with Prometheus enabled, every metric is a no-op.
package telemetry

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/senseeact/notifyd/cfg"
)

const namespace = "notifyd"

var registry *prometheus.Registry

type Histogram interface {
	Observe(float64)
}

type Counter interface {
	Inc()
}

type Gauge interface {
	Set(float64)
	Inc()
	Dec()
}

// Vec types for labeled metrics. Label values are passed in declaration order.
type CounterVec interface {
	With(labels ...string) Counter
}

type GaugeVec interface {
	With(labels ...string) Gauge
}

type HistogramVec interface {
	With(labels ...string) Histogram
}

// NoopStat satisfies every metric interface and records nothing
type NoopStat struct{}

func (NoopStat) Observe(float64) {}
func (NoopStat) Set(float64)     {}
func (NoopStat) Inc()            {}
func (NoopStat) Dec()            {}

type noopCounterVec struct{}
type noopGaugeVec struct{}
type noopHistogramVec struct{}

func (noopCounterVec) With(...string) Counter     { return NoopStat{} }
func (noopGaugeVec) With(...string) Gauge         { return NoopStat{} }
func (noopHistogramVec) With(...string) Histogram { return NoopStat{} }

type counterVec struct{ *prometheus.CounterVec }
type gaugeVec struct{ *prometheus.GaugeVec }
type histogramVec struct{ *prometheus.HistogramVec }

func (v counterVec) With(values ...string) Counter     { return v.WithLabelValues(values...) }
func (v gaugeVec) With(values ...string) Gauge         { return v.WithLabelValues(values...) }
func (v histogramVec) With(values ...string) Histogram { return v.WithLabelValues(values...) }

// nodeLabels tags every series with the node that produced it
func nodeLabels() prometheus.Labels {
	return prometheus.Labels{"node_id": strconv.FormatUint(cfg.Config.NodeID, 10)}
}

func register[C prometheus.Collector](c C) C {
	registry.MustRegister(c)
	return c
}

func NewCounter(name, help string) Counter {
	if registry == nil {
		return NoopStat{}
	}
	return register(prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Name: name, Help: help, ConstLabels: nodeLabels(),
	}))
}

func NewGauge(name, help string) Gauge {
	if registry == nil {
		return NoopStat{}
	}
	return register(prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: name, Help: help, ConstLabels: nodeLabels(),
	}))
}

func NewHistogramWithBuckets(name, help string, buckets []float64) Histogram {
	if registry == nil {
		return NoopStat{}
	}
	return register(prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace, Name: name, Help: help, Buckets: buckets, ConstLabels: nodeLabels(),
	}))
}

func NewCounterVec(name, help string, labels []string) CounterVec {
	if registry == nil {
		return noopCounterVec{}
	}
	return counterVec{register(prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: name, Help: help, ConstLabels: nodeLabels(),
	}, labels))}
}

func NewGaugeVec(name, help string, labels []string) GaugeVec {
	if registry == nil {
		return noopGaugeVec{}
	}
	return gaugeVec{register(prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace, Name: name, Help: help, ConstLabels: nodeLabels(),
	}, labels))}
}

func NewHistogramVec(name, help string, labels []string, buckets []float64) HistogramVec {
	if registry == nil {
		return noopHistogramVec{}
	}
	return histogramVec{register(prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace, Name: name, Help: help, Buckets: buckets, ConstLabels: nodeLabels(),
	}, labels))}
}

// InitializeTelemetry creates the registry when Prometheus is enabled.
// Call InitMetrics afterwards to replace the no-op metrics.
func InitializeTelemetry() {
	if !cfg.Config.Prometheus.Enabled {
		return
	}

	registry = prometheus.NewRegistry()
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	registry.MustRegister(collectors.NewGoCollector())

	log.Info().Msg("Prometheus metrics enabled, served by the API at /metrics")
}

// GetMetricsHandler returns the HTTP handler for Prometheus metrics, or nil
// if Prometheus is not enabled
func GetMetricsHandler() http.Handler {
	if registry == nil {
		return nil
	}
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry})
}
