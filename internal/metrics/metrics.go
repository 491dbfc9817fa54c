// Package metrics exposes queue activity as Prometheus instruments.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"lobbyline/internal/domain"
)

const namespace = "lobbyline"

// Collector implements engine.Metrics and observes bus events. It owns its
// registry so several coordinators can live in one process.
type Collector struct {
	Registry *prometheus.Registry

	transitions *prometheus.CounterVec
	refusals    *prometheus.CounterVec
	promotions  *prometheus.CounterVec
	demotions   *prometheus.CounterVec
	occupancy   *prometheus.GaugeVec
	events      *prometheus.CounterVec
}

func New() *Collector {
	reg := prometheus.NewRegistry()
	c := &Collector{
		Registry: reg,
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transitions_total",
			Help:      "Committed ticket status transitions.",
		}, []string{"branch", "from", "to", "actor"}),
		refusals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admission_refused_total",
			Help:      "Entries refused because the branch was at capacity.",
		}, []string{"branch"}),
		promotions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "promotions_total",
			Help:      "Tickets invited to enter.",
		}, []string{"branch"}),
		demotions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "demotions_total",
			Help:      "Invited tickets sent back to the remote queue.",
		}, []string{"branch", "reason"}),
		occupancy: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "occupancy",
			Help:      "Tickets currently counted inside the branch.",
		}, []string{"branch"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Events published by the coordinator.",
		}, []string{"type"}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.transitions, c.refusals, c.promotions, c.demotions, c.occupancy, c.events,
	)
	return c
}

func (c *Collector) TransitionCommitted(branchID string, from, to domain.Status, actor domain.Actor) {
	c.transitions.WithLabelValues(branchID, string(from), string(to), string(actor)).Inc()
}

func (c *Collector) AdmissionRefused(branchID string) {
	c.refusals.WithLabelValues(branchID).Inc()
}

// Observe is an events.Handler.
func (c *Collector) Observe(evt domain.Event) {
	c.events.WithLabelValues(string(evt.Type)).Inc()
	c.occupancy.WithLabelValues(evt.BranchID).Set(float64(evt.Occupancy))
	switch evt.Type {
	case domain.EventTicketPromoted:
		c.promotions.WithLabelValues(evt.BranchID).Inc()
	case domain.EventTicketDemoted:
		c.demotions.WithLabelValues(evt.BranchID, evt.Cause).Inc()
	}
}

// SetOccupancy seeds the gauge, used after rehydration.
func (c *Collector) SetOccupancy(branchID string, n int) {
	c.occupancy.WithLabelValues(branchID).Set(float64(n))
}

func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.Registry, promhttp.HandlerOpts{Registry: c.Registry})
}
