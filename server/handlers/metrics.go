package handlers

import "github.com/prometheus/client_golang/prometheus"

var httpHandle = prometheus.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "flowmap",
	Subsystem: "server",
	Name:      "http_handled_seconds",
	Help:      "Handled HTTP request latency",
}, []string{"path"})

var wsFrames = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "flowmap",
	Subsystem: "server",
	Name:      "ws_frames_total",
	Help:      "Draw frames pushed over websocket",
})

func init() {
	prometheus.MustRegister(httpHandle, wsFrames)
}
