package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg, func() float64 { return 2 }, func() float64 { return 5 })

	m.ObserveScript("completed", 0.2)
	m.ObserveScript("killed", 1.0)
	m.ObserveScript("completed", 0.1)
	m.ObserveProxy("forwarded")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.ScriptsTotal.WithLabelValues("completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ScriptsTotal.WithLabelValues("killed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ProxyRequests.WithLabelValues("forwarded")))

	families, err := reg.Gather()
	require.NoError(t, err)

	gauges := map[string]float64{}
	for _, f := range families {
		if f.GetType().String() == "GAUGE" {
			gauges[f.GetName()] = f.GetMetric()[0].GetGauge().GetValue()
		}
	}
	assert.Equal(t, 2.0, gauges["coderunr_launch_slots_in_use"])
	assert.Equal(t, 5.0, gauges["coderunr_scripts_registered"])
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveScript("completed", 1)
	m.ObserveProxy("forwarded")
}
