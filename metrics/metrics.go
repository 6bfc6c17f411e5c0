// Package metrics exports saga transitions as Prometheus metrics.
package metrics

import (
	"context"
	"net/http"

	"github.com/fortressi/sec"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector is a sec.TransitionSink that keeps Prometheus metrics.
type Collector struct {
	transitions *prometheus.CounterVec
	outcomes    *prometheus.CounterVec
	retries     *prometheus.CounterVec
	active      *prometheus.GaugeVec
	duration    *prometheus.HistogramVec
}

var _ sec.TransitionSink = (*Collector)(nil)

// New creates a collector and registers it with reg.
func New(reg prometheus.Registerer) *Collector {
	c := &Collector{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sec",
			Name:      "transitions_total",
			Help:      "Saga state transitions by definition and event.",
		}, []string{"definition", "event"}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sec",
			Name:      "saga_outcomes_total",
			Help:      "Sagas that reached a terminal status.",
		}, []string{"definition", "status"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sec",
			Name:      "step_retries_total",
			Help:      "Retries scheduled per step.",
		}, []string{"definition", "step"}),
		active: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "sec",
			Name:      "sagas_active",
			Help:      "Sagas started by this process and not yet terminal.",
		}, []string{"definition"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "sec",
			Name:      "saga_duration_seconds",
			Help:      "Time from creation to terminal status.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
		}, []string{"definition", "status"}),
	}
	reg.MustRegister(c.transitions, c.outcomes, c.retries, c.active, c.duration)
	return c
}

func (c *Collector) Record(_ context.Context, ev sec.TransitionEvent) {
	c.transitions.WithLabelValues(ev.DefinitionID, string(ev.Kind)).Inc()

	switch ev.Kind {
	case sec.EventSagaStarted:
		c.active.WithLabelValues(ev.DefinitionID).Inc()
	case sec.EventStepRetryScheduled:
		c.retries.WithLabelValues(ev.DefinitionID, ev.StepName).Inc()
	case sec.EventSagaCompleted, sec.EventSagaCompensated, sec.EventSagaFailed:
		status := string(ev.To)
		c.active.WithLabelValues(ev.DefinitionID).Dec()
		c.outcomes.WithLabelValues(ev.DefinitionID, status).Inc()
		c.duration.WithLabelValues(ev.DefinitionID, status).Observe(ev.Duration.Seconds())
	}
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
