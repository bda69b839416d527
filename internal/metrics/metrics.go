// Package metrics exposes the Prometheus half of the engine's minimal
// observability surface (spec §6): a handful of gauges and counters served
// on /metrics. The plain-JSON /status endpoint lives in internal/agentapi.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry groups the gauges the scheduler updates every cycle, plus the
// private prometheus.Registry they're registered against. Each Registry
// owns its own collector registry rather than sharing the process-global
// prometheus.DefaultRegisterer, so a second Engine in the same process
// (or a second call to New in the same test binary) doesn't panic with a
// duplicate-collector registration.
type Registry struct {
	reg *prometheus.Registry

	ActiveExecutions prometheus.Gauge
	PendingTickets   prometheus.Gauge
	MaxConcurrent    prometheus.Gauge
	ReapedLeases     prometheus.Counter
	ClaimAttempts    prometheus.Counter
	ClaimConflicts   prometheus.Counter
}

// NewRegistry builds a fresh collector registry and registers the
// engine's metrics against it.
func NewRegistry() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),
		ActiveExecutions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ticket_engine_active_executions",
			Help: "Number of tickets currently dispatched and being supervised.",
		}),
		PendingTickets: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ticket_engine_pending_tickets",
			Help: "Number of ready tickets observed on the last poll.",
		}),
		MaxConcurrent: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ticket_engine_max_concurrent",
			Help: "Configured maximum number of concurrently dispatched tickets.",
		}),
		ReapedLeases: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ticket_engine_reaped_leases_total",
			Help: "Total number of tickets reaped back to ready after lease expiry.",
		}),
		ClaimAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ticket_engine_claim_attempts_total",
			Help: "Total number of claim attempts issued by the scheduler.",
		}),
		ClaimConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ticket_engine_claim_conflicts_total",
			Help: "Total number of claim attempts that lost the race.",
		}),
	}
	r.reg.MustRegister(r.ActiveExecutions, r.PendingTickets, r.MaxConcurrent, r.ReapedLeases, r.ClaimAttempts, r.ClaimConflicts)
	return r
}

// Handler serves this registry's collectors, independent of whatever is
// registered against prometheus.DefaultRegisterer elsewhere in the
// process.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
