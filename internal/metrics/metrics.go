// Package metrics exposes prometheus collectors for the daemon.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "delayguard"

// Metrics groups every collector the daemon updates.
type Metrics struct {
	reg *prometheus.Registry

	flags           *prometheus.CounterVec
	cycles          *prometheus.CounterVec
	activeTimers    prometheus.Gauge
	timerExpiries   prometheus.Counter
	storeRecoveries *prometheus.CounterVec
}

// New creates a registry with process and Go runtime collectors plus ours.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())

	m := &Metrics{
		reg: reg,
		flags: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flags_raised_total",
			Help:      "Flags raised by the protection monitor.",
		}, []string{"code"}),
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "monitor_cycles_total",
			Help:      "Protection monitor cycles by result.",
		}, []string{"result"}),
		activeTimers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_timers",
			Help:      "Live countdown timers.",
		}),
		timerExpiries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "timer_expirations_total",
			Help:      "Countdowns that reached their deadline and applied a change.",
		}),
		storeRecoveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_recoveries_total",
			Help:      "Documents recovered from corruption or drift.",
		}, []string{"document", "outcome"}),
	}
	reg.MustRegister(m.flags, m.cycles, m.activeTimers, m.timerExpiries, m.storeRecoveries)
	return m
}

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry, mostly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

func (m *Metrics) FlagRaised(code string) {
	if m != nil {
		m.flags.WithLabelValues(code).Inc()
	}
}

func (m *Metrics) Cycle(result string) {
	if m != nil {
		m.cycles.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) SetActiveTimers(n int) {
	if m != nil {
		m.activeTimers.Set(float64(n))
	}
}

func (m *Metrics) TimerExpired() {
	if m != nil {
		m.timerExpiries.Inc()
	}
}

func (m *Metrics) StoreRecovered(document, outcome string) {
	if m != nil {
		m.storeRecoveries.WithLabelValues(document, outcome).Inc()
	}
}
