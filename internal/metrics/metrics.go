// Package metrics exposes the Prometheus collectors of the bidding engine.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "bidcore"

// Metrics groups the engine's collectors. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	bids            *prometheus.CounterVec
	bidDuration     *prometheus.HistogramVec
	lockWait        prometheus.Histogram
	settlements     *prometheus.CounterVec
	transitions     *prometheus.CounterVec
	schedulerTicks  *prometheus.CounterVec
	eventsPublished *prometheus.CounterVec
	wsClients       prometheus.Gauge
}

// MustNew registers the collectors with reg (the default registerer when nil)
// and panics on conflicting registrations. Collectors already registered
// with the same descriptor are reused so repeated construction is safe.
func MustNew(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		bids: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "bids", Name: "total",
			Help: "Bid submissions by outcome code.",
		}, []string{"result"}),
		bidDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "bids", Name: "duration_seconds",
			Help:    "End-to-end bid processing latency.",
			Buckets: []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}, []string{"result"}),
		lockWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "bids", Name: "lock_wait_seconds",
			Help:    "Time spent waiting for the per-auction lock.",
			Buckets: []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 3},
		}),
		settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "auctions", Name: "settlements_total",
			Help: "Auction settlements by outcome.",
		}, []string{"result"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "auctions", Name: "transitions_total",
			Help: "Auction status transitions.",
		}, []string{"from", "to"}),
		schedulerTicks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "scheduler", Name: "ticks_total",
			Help: "Scheduler ticks by outcome.",
		}, []string{"result"}),
		eventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "events", Name: "published_total",
			Help: "Events published to the bus by type and outcome.",
		}, []string{"type", "result"}),
		wsClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "ws", Name: "clients",
			Help: "Connected WebSocket clients.",
		}),
	}

	m.bids = register(reg, m.bids)
	m.bidDuration = register(reg, m.bidDuration)
	m.lockWait = register(reg, m.lockWait)
	m.settlements = register(reg, m.settlements)
	m.transitions = register(reg, m.transitions)
	m.schedulerTicks = register(reg, m.schedulerTicks)
	m.eventsPublished = register(reg, m.eventsPublished)
	m.wsClients = register(reg, m.wsClients)
	return m
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

// ObserveBid records a bid attempt with its outcome code ("ok" on success).
func (m *Metrics) ObserveBid(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.bids.WithLabelValues(result).Inc()
	m.bidDuration.WithLabelValues(result).Observe(d.Seconds())
}

// ObserveLockWait records how long a caller waited for an auction lock.
func (m *Metrics) ObserveLockWait(d time.Duration) {
	if m == nil {
		return
	}
	m.lockWait.Observe(d.Seconds())
}

// IncSettlement counts a settlement attempt.
func (m *Metrics) IncSettlement(result string) {
	if m == nil {
		return
	}
	m.settlements.WithLabelValues(result).Inc()
}

// IncTransition counts an auction status transition.
func (m *Metrics) IncTransition(from, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(from, to).Inc()
}

// IncSchedulerTick counts a scheduler tick.
func (m *Metrics) IncSchedulerTick(result string) {
	if m == nil {
		return
	}
	m.schedulerTicks.WithLabelValues(result).Inc()
}

// IncEvent counts a published event.
func (m *Metrics) IncEvent(eventType, result string) {
	if m == nil {
		return
	}
	m.eventsPublished.WithLabelValues(eventType, result).Inc()
}

// SetWSClients reports the number of connected WebSocket clients.
func (m *Metrics) SetWSClients(n int) {
	if m == nil {
		return
	}
	m.wsClients.Set(float64(n))
}
