// Package metrics holds the prometheus collectors for the scheduler loop
// and dispatches. Collectors live on their own registry, never the global
// default one, so tests and multiple instances do not collide.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "legendalf"

// Metrics implements scheduler.Observer.
type Metrics struct {
	reg *prometheus.Registry

	dispatchTotal    *prometheus.CounterVec
	dispatchDuration *prometheus.HistogramVec
	tickDuration     prometheus.Histogram
	schedulesDue     prometheus.Gauge
	autoDisabled     prometheus.Counter
	calendarDown     prometheus.Counter
}

func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		dispatchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_total",
			Help:      "Dispatch attempts by payload type and result (ok, retryable, permanent).",
		}, []string{"payload", "result"}),
		dispatchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_duration_seconds",
			Help:      "Time spent delivering one fired schedule.",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"payload"}),
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tick_duration_seconds",
			Help:      "Time spent scanning the store in one scheduler tick.",
			Buckets:   []float64{.001, .005, .01, .05, .1, .25, .5, 1},
		}),
		schedulesDue: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "schedules_due",
			Help:      "Schedules found due by the last tick.",
		}),
		autoDisabled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "schedules_auto_disabled_total",
			Help:      "Schedules disabled after a permanent failure, exhaustion or an invalid rule.",
		}),
		calendarDown: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calendar_unavailable_total",
			Help:      "Next-occurrence resolutions that failed because the holiday calendar was unreachable.",
		}),
	}
	m.reg.MustRegister(
		m.dispatchTotal,
		m.dispatchDuration,
		m.tickDuration,
		m.schedulesDue,
		m.autoDisabled,
		m.calendarDown,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry is served by the ops HTTP server.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// MustRegister adds extra collectors, e.g. engine gauges built by the app.
func (m *Metrics) MustRegister(cs ...prometheus.Collector) { m.reg.MustRegister(cs...) }

func (m *Metrics) ObserveTick(d time.Duration, due int) {
	m.tickDuration.Observe(d.Seconds())
	m.schedulesDue.Set(float64(due))
}

func (m *Metrics) ObserveDispatch(payload, result string, d time.Duration) {
	m.dispatchTotal.WithLabelValues(payload, result).Inc()
	m.dispatchDuration.WithLabelValues(payload).Observe(d.Seconds())
}

func (m *Metrics) AutoDisabled() { m.autoDisabled.Inc() }

func (m *Metrics) CalendarUnavailable() { m.calendarDown.Inc() }

// QueueGauges exposes task engine queue state through fn, which is read on
// every scrape.
func QueueGauges(fn func() (queued, inFlight int)) []prometheus.Collector {
	return []prometheus.Collector{
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "engine_queue_length",
			Help:      "Tasks waiting in the engine queue.",
		}, func() float64 { q, _ := fn(); return float64(q) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "engine_in_flight",
			Help:      "Tasks currently running.",
		}, func() float64 { _, n := fn(); return float64(n) }),
	}
}
