package uow

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts finished units of work. A nil *Metrics records nothing.
type Metrics struct {
	units *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		units: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "monostore",
			Subsystem: "uow",
			Name:      "units_total",
			Help:      "Finished units of work by outcome.",
		}, []string{"outcome"}),
	}
	if reg != nil {
		reg.MustRegister(m.units)
	}
	return m
}

func (m *Metrics) done(state State, err error) {
	if m == nil {
		return
	}
	outcome := state.String()
	if errors.Is(err, ErrConsistencyGap) {
		outcome = "gap"
	}
	m.units.WithLabelValues(outcome).Inc()
}
