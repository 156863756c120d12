package ops

import "github.com/prometheus/client_golang/prometheus"

var droppedFlows = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "flowmap",
	Subsystem: "aggregate",
	Name:      "dropped_flows_total",
	Help:      "Raw flow records dropped for invalid endpoints",
})

var refreshPasses = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "flowmap",
	Subsystem: "session",
	Name:      "refresh_passes_total",
	Help:      "Data refresh passes by strategy and outcome",
}, []string{"strategy", "outcome"})

var simulationTicks = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "flowmap",
	Subsystem: "layout",
	Name:      "simulation_ticks_total",
	Help:      "Force simulation ticks executed",
})

func init() {
	prometheus.MustRegister(droppedFlows, refreshPasses, simulationTicks)
}
