// Package metrics exposes prometheus collectors for script runs and the
// egress proxy.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the service collectors
type Metrics struct {
	ScriptsTotal   *prometheus.CounterVec
	ScriptDuration prometheus.Histogram
	ProxyRequests  *prometheus.CounterVec
}

// New creates the collectors and registers them, together with gauges
// sampled from slotsInUse and registered, on reg.
func New(reg prometheus.Registerer, slotsInUse, registered func() float64) *Metrics {
	m := &Metrics{
		ScriptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coderunr_scripts_total",
			Help: "Finished script runs by outcome.",
		}, []string{"status"}),
		ScriptDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "coderunr_script_duration_seconds",
			Help:    "Wall-clock duration of script runs.",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}),
		ProxyRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coderunr_proxy_requests_total",
			Help: "Egress proxy requests by outcome.",
		}, []string{"outcome"}),
	}

	reg.MustRegister(
		m.ScriptsTotal,
		m.ScriptDuration,
		m.ProxyRequests,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "coderunr_launch_slots_in_use",
			Help: "Admission tokens currently held.",
		}, slotsInUse),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "coderunr_scripts_registered",
			Help: "Scripts currently authorized to reach the egress proxy.",
		}, registered),
	)

	return m
}

// ObserveScript records one finished run
func (m *Metrics) ObserveScript(status string, seconds float64) {
	if m == nil {
		return
	}
	m.ScriptsTotal.WithLabelValues(status).Inc()
	m.ScriptDuration.Observe(seconds)
}

// ObserveProxy records one proxy decision
func (m *Metrics) ObserveProxy(outcome string) {
	if m == nil {
		return
	}
	m.ProxyRequests.WithLabelValues(outcome).Inc()
}
