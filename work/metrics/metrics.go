package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// OccupiedSlots tracks how many MAC slots are currently held per portal.
// This metric is a gauge, rising when a delivery acquires a slot and falling
// when the slot is released.
var OccupiedSlots = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "stbmux_occupied_slots",
	Help: "Number of occupied MAC slots",
}, []string{"portal"})

// BytesTransferred tracks the total number of bytes relayed per channel.
// This metric is a counter and only increases.
var BytesTransferred = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "stbmux_bytes_transferred",
	Help: "Total bytes relayed to clients",
}, []string{"channel"})

// ProbeFailures counts failed MAC probe attempts per portal. The "reason"
// label categorizes the failing step (token, link, liveness, etc.).
var ProbeFailures = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "stbmux_probe_failures",
	Help: "Number of failed MAC probe attempts",
}, []string{"portal", "reason"})

// HlsSessions tracks the number of live shared HLS sessions.
var HlsSessions = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "stbmux_hls_sessions",
	Help: "Number of active shared HLS sessions",
})

// JobRuns counts background job executions. The "outcome" label is one of
// completed, retried or error.
var JobRuns = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "stbmux_job_runs",
	Help: "Number of background job executions",
}, []string{"type", "outcome"})
