// Package metrics records client call and subscription activity.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcome is how a call was resolved.
type Outcome string

const (
	OutcomeResponse       Outcome = "response"
	OutcomeAck            Outcome = "ack"
	OutcomeNack           Outcome = "nack"
	OutcomeTimeout        Outcome = "timeout"
	OutcomeTransportError Outcome = "transport_error"
	OutcomeParseError     Outcome = "parse_error"
)

// Collector receives client activity. Implementations must be safe for
// concurrent use.
type Collector interface {
	CallStarted(target string)
	CallFinished(target string, outcome Outcome, took time.Duration)
	EventDelivered(topic string)
	Reconnected(topic string)
}

// Nop discards everything.
type Nop struct{}

func (Nop) CallStarted(string)                          {}
func (Nop) CallFinished(string, Outcome, time.Duration) {}
func (Nop) EventDelivered(string)                       {}
func (Nop) Reconnected(string)                          {}

// Prometheus exports client activity as Prometheus metrics.
type Prometheus struct {
	calls      *prometheus.CounterVec
	outcomes   *prometheus.CounterVec
	latency    *prometheus.HistogramVec
	events     *prometheus.CounterVec
	reconnects *prometheus.CounterVec
}

var _ Collector = (*Prometheus)(nil)

// NewPrometheus registers the client metrics on reg. A nil reg uses the
// default registerer.
func NewPrometheus(reg prometheus.Registerer) *Prometheus {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Prometheus{
		calls: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "lsbl",
				Subsystem: "client",
				Name:      "calls_total",
				Help:      "Total number of service calls sent",
			},
			[]string{"target"},
		),
		outcomes: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "lsbl",
				Subsystem: "client",
				Name:      "call_outcomes_total",
				Help:      "Resolved service calls by outcome",
			},
			[]string{"target", "outcome"},
		),
		latency: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "lsbl",
				Subsystem: "client",
				Name:      "call_duration_seconds",
				Help:      "Time from publish to resolution of a service call",
				Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30, 120},
			},
			[]string{"target"},
		),
		events: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "lsbl",
				Subsystem: "client",
				Name:      "events_total",
				Help:      "Events handed to subscription handlers",
			},
			[]string{"topic"},
		),
		reconnects: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "lsbl",
				Subsystem: "client",
				Name:      "subscription_reconnects_total",
				Help:      "Subscriptions restored after a broker side shutdown",
			},
			[]string{"topic"},
		),
	}
}

func (p *Prometheus) CallStarted(target string) {
	p.calls.WithLabelValues(target).Inc()
}

func (p *Prometheus) CallFinished(target string, outcome Outcome, took time.Duration) {
	p.outcomes.WithLabelValues(target, string(outcome)).Inc()
	p.latency.WithLabelValues(target).Observe(took.Seconds())
}

func (p *Prometheus) EventDelivered(topic string) {
	p.events.WithLabelValues(topic).Inc()
}

func (p *Prometheus) Reconnected(topic string) {
	p.reconnects.WithLabelValues(topic).Inc()
}
