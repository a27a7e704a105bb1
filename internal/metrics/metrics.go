package metrics

import (
	"sort"

	"github.com/san-kum/dipcsim/internal/dynamo"
)

// Metric accumulates a scalar over the records of one run.
type Metric interface {
	Name() string
	OnTick(rec dynamo.Record)
	Value() float64
	Reset()
}

// Set fans records out to several metrics. It satisfies sim.Observer.
type Set struct {
	metrics []Metric
}

func NewSet(ms ...Metric) *Set {
	return &Set{metrics: ms}
}

func (s *Set) Add(m Metric) { s.metrics = append(s.metrics, m) }

func (s *Set) OnTick(rec dynamo.Record) {
	for _, m := range s.metrics {
		m.OnTick(rec)
	}
}

func (s *Set) Reset() {
	for _, m := range s.metrics {
		m.Reset()
	}
}

// Values returns the current value of every metric by name.
func (s *Set) Values() map[string]float64 {
	out := make(map[string]float64, len(s.metrics))
	for _, m := range s.metrics {
		out[m.Name()] = m.Value()
	}
	return out
}

// Names lists the metric names in sorted order.
func (s *Set) Names() []string {
	names := make([]string, 0, len(s.metrics))
	for _, m := range s.metrics {
		names = append(names, m.Name())
	}
	sort.Strings(names)
	return names
}

// Standard returns the metrics reported after every run.
func Standard(energy EnergyFunc, w [dynamo.NumX]float64, r float64, threshold float64) *Set {
	s := NewSet(
		NewQuadraticCost(w, r),
		NewMeanSquare(dynamo.Theta1),
		NewControlEffort(),
		NewPeakForce(),
		NewPeakAngle(),
		NewStability(threshold),
	)
	if energy != nil {
		s.Add(NewEnergyDrift(energy))
	}
	return s
}
