// Package metrics provides a no-op-capable Prometheus instrumentation layer.
// When disabled, every constructor returns a cheap no-op implementation so
// callers never need to branch on whether metrics are enabled; the cost of
// disabling metrics is a handful of interface-call no-ops, not missing code
// paths.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Enabled gates whether metric constructors return real, Prometheus-backed
// implementations or no-ops. It is read by each constructor call, so only
// constructors called after SetEnabled see the new value; it is not safe to
// flip after registration.
var Enabled = false

// SetEnabled configures whether subsequent metric construction registers
// real collectors with the default Prometheus registry.
func SetEnabled(enabled bool) {
	Enabled = enabled
}

// Counter is a monotonically increasing value.
type Counter interface {
	Inc()
	Add(float64)
}

// CounterVec is a Counter parameterized by label values.
type CounterVec interface {
	WithLabelValues(labels ...string) Counter
}

// Histogram observes a distribution of values.
type Histogram interface {
	Observe(float64)
}

// HistogramVec is a Histogram parameterized by label values.
type HistogramVec interface {
	WithLabelValues(labels ...string) Histogram
}

// Gauge is a value that can go up or down.
type Gauge interface {
	Set(float64)
	Inc()
	Dec()
	Add(float64)
}

// GaugeVec is a Gauge parameterized by label values.
type GaugeVec interface {
	WithLabelValues(labels ...string) Gauge
}

type noopCounter struct{}

func (noopCounter) Inc()        {}
func (noopCounter) Add(float64) {}

type noopCounterVec struct{}

func (noopCounterVec) WithLabelValues(...string) Counter { return noopCounter{} }

type noopHistogram struct{}

func (noopHistogram) Observe(float64) {}

type noopHistogramVec struct{}

func (noopHistogramVec) WithLabelValues(...string) Histogram { return noopHistogram{} }

type noopGauge struct{}

func (noopGauge) Set(float64) {}
func (noopGauge) Inc()        {}
func (noopGauge) Dec()        {}
func (noopGauge) Add(float64) {}

type noopGaugeVec struct{}

func (noopGaugeVec) WithLabelValues(...string) Gauge { return noopGauge{} }

type promCounter struct{ c prometheus.Counter }

func (p promCounter) Inc()          { p.c.Inc() }
func (p promCounter) Add(v float64) { p.c.Add(v) }

type promCounterVec struct{ v *prometheus.CounterVec }

func (p promCounterVec) WithLabelValues(labels ...string) Counter {
	return promCounter{p.v.WithLabelValues(labels...)}
}

type promHistogram struct{ h prometheus.Histogram }

func (p promHistogram) Observe(v float64) { p.h.Observe(v) }

type promHistogramVec struct{ v *prometheus.HistogramVec }

func (p promHistogramVec) WithLabelValues(labels ...string) Histogram {
	return promHistogram{p.v.WithLabelValues(labels...)}
}

type promGauge struct{ g prometheus.Gauge }

func (p promGauge) Set(v float64) { p.g.Set(v) }
func (p promGauge) Inc()          { p.g.Inc() }
func (p promGauge) Dec()          { p.g.Dec() }
func (p promGauge) Add(v float64) { p.g.Add(v) }

type promGaugeVec struct{ v *prometheus.GaugeVec }

func (p promGaugeVec) WithLabelValues(labels ...string) Gauge {
	return promGauge{p.v.WithLabelValues(labels...)}
}

// NewCounter registers (or no-ops) a Counter.
func NewCounter(opts prometheus.CounterOpts) Counter {
	if !Enabled {
		return noopCounter{}
	}
	c := prometheus.NewCounter(opts)
	prometheus.MustRegister(c)
	return promCounter{c}
}

// NewCounterVec registers (or no-ops) a CounterVec.
func NewCounterVec(opts prometheus.CounterOpts, labelNames []string) CounterVec {
	if !Enabled {
		return noopCounterVec{}
	}
	v := prometheus.NewCounterVec(opts, labelNames)
	prometheus.MustRegister(v)
	return promCounterVec{v}
}

// NewHistogram registers (or no-ops) a Histogram.
func NewHistogram(opts prometheus.HistogramOpts) Histogram {
	if !Enabled {
		return noopHistogram{}
	}
	h := prometheus.NewHistogram(opts)
	prometheus.MustRegister(h)
	return promHistogram{h}
}

// NewHistogramVec registers (or no-ops) a HistogramVec.
func NewHistogramVec(opts prometheus.HistogramOpts, labelNames []string) HistogramVec {
	if !Enabled {
		return noopHistogramVec{}
	}
	v := prometheus.NewHistogramVec(opts, labelNames)
	prometheus.MustRegister(v)
	return promHistogramVec{v}
}

// NewGauge registers (or no-ops) a Gauge.
func NewGauge(opts prometheus.GaugeOpts) Gauge {
	if !Enabled {
		return noopGauge{}
	}
	g := prometheus.NewGauge(opts)
	prometheus.MustRegister(g)
	return promGauge{g}
}

// NewGaugeVec registers (or no-ops) a GaugeVec.
func NewGaugeVec(opts prometheus.GaugeOpts, labelNames []string) GaugeVec {
	if !Enabled {
		return noopGaugeVec{}
	}
	v := prometheus.NewGaugeVec(opts, labelNames)
	prometheus.MustRegister(v)
	return promGaugeVec{v}
}
