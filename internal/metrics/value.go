package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func gaugeValue(g prometheus.Gauge) float64 {
	var m dto.Metric
	if err := g.Write(&m); err != nil || m.Gauge == nil {
		return 0
	}
	return m.Gauge.GetValue()
}

func counterValue(c prometheus.Counter) float64 {
	var m dto.Metric
	if err := c.Write(&m); err != nil || m.Counter == nil {
		return 0
	}
	return m.Counter.GetValue()
}

// UsercodeRunCount returns the number of finished runs with status.
func UsercodeRunCount(status string) float64 {
	Register()
	return counterValue(usercodeRuns.WithLabelValues(status))
}

// DiskEventCount returns the number of disk events for action and category.
func DiskEventCount(action, category string) float64 {
	Register()
	return counterValue(diskEvents.WithLabelValues(action, category))
}
