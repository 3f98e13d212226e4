package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	rpcRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "astoria",
			Subsystem: "rpc",
			Name:      "requests_total",
			Help:      "Requests answered by a manager.",
		},
		[]string{"manager", "kind", "outcome"},
	)
	rpcTimeouts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "astoria",
			Subsystem: "rpc",
			Name:      "timeouts_total",
			Help:      "Outgoing requests that received no response in time.",
		},
		[]string{"target", "kind"},
	)
	managerOnline = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "astoria",
			Subsystem: "manager",
			Name:      "online",
			Help:      "1 while the manager is online.",
		},
		[]string{"manager"},
	)
	statePublishes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "astoria",
			Subsystem: "manager",
			Name:      "state_publishes_total",
			Help:      "Retained state publishes (only sent when the state changed).",
		},
		[]string{"manager"},
	)
	diskEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "astoria",
			Subsystem: "disk",
			Name:      "events_total",
			Help:      "Disk insertions and removals by category.",
		},
		[]string{"action", "category"},
	)
	usercodeRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "astoria",
			Subsystem: "usercode",
			Name:      "runs_total",
			Help:      "Completed user code runs by final status.",
		},
		[]string{"status"},
	)
	metadataRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "astoria",
			Subsystem: "metadata",
			Name:      "rejected_sources_total",
			Help:      "Metadata sources rejected during validation.",
		},
		[]string{"origin"},
	)
)

// Register adds every collector to the default registry once.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			rpcRequests,
			rpcTimeouts,
			managerOnline,
			statePublishes,
			diskEvents,
			usercodeRuns,
			metadataRejections,
		)
	})
}

func ObserveRequest(manager, kind, outcome string) {
	Register()
	rpcRequests.WithLabelValues(manager, kind, outcome).Inc()
}

func ObserveRequestTimeout(target, kind string) {
	Register()
	rpcTimeouts.WithLabelValues(target, kind).Inc()
}

func SetManagerOnline(manager string, online bool) {
	Register()
	value := 0.0
	if online {
		value = 1
	}
	managerOnline.WithLabelValues(manager).Set(value)
}

func ObserveStatePublish(manager string) {
	Register()
	statePublishes.WithLabelValues(manager).Inc()
}

func ObserveDiskEvent(action, category string) {
	Register()
	diskEvents.WithLabelValues(action, category).Inc()
}

func ObserveUsercodeRun(status string) {
	Register()
	usercodeRuns.WithLabelValues(status).Inc()
}

func ObserveMetadataRejection(origin string) {
	Register()
	metadataRejections.WithLabelValues(origin).Inc()
}

// ManagerOnlineValue reads the online gauge for manager. Used by tests and the
// diagnostics endpoint.
func ManagerOnlineValue(manager string) bool {
	Register()
	gauge, err := managerOnline.GetMetricWithLabelValues(manager)
	if err != nil {
		return false
	}
	return gaugeValue(gauge) == 1
}
