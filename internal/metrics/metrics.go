// Package metrics holds the prometheus collectors of the chat service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	Turns               prometheus.Counter
	ParticipantOutcomes *prometheus.CounterVec
	MediaJobs           *prometheus.CounterVec
	PersistenceFailures *prometheus.CounterVec
	EvolutionUpdates    *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Turns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "character_chat",
			Name:      "turns_total",
			Help:      "User turns processed.",
		}),
		ParticipantOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "character_chat",
			Name:      "participant_outcomes_total",
			Help:      "Participant responses by outcome (finalized, silent, failed, skipped).",
		}, []string{"outcome"}),
		MediaJobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "character_chat",
			Name:      "media_jobs_total",
			Help:      "Media generation jobs by kind and outcome.",
		}, []string{"kind", "outcome"}),
		PersistenceFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "character_chat",
			Name:      "persistence_failures_total",
			Help:      "Swallowed storage tier failures.",
		}, []string{"tier", "op"}),
		EvolutionUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "character_chat",
			Name:      "evolution_updates_total",
			Help:      "Memory revisions by result (applied, unchanged, dropped).",
		}, []string{"result"}),
	}
	reg.MustRegister(m.Turns, m.ParticipantOutcomes, m.MediaJobs, m.PersistenceFailures, m.EvolutionUpdates)
	return m
}

// NewNop returns collectors registered nowhere, for tests and tools.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}

// PersistenceFailure implements store.FailureCounter.
func (m *Metrics) PersistenceFailure(tier, op string) {
	m.PersistenceFailures.WithLabelValues(tier, op).Inc()
}
