package metrics

import (
	"math"

	"github.com/san-kum/dipcsim/internal/dynamo"
)

// EnergyFunc returns the total mechanical energy of a configuration.
// physics.DIPC.Energy has this shape.
type EnergyFunc func(q, dq [dynamo.NumQ]float64) float64

// EnergyDrift is the largest relative change of mechanical energy seen since
// the first record. It is only meaningful for unforced runs.
type EnergyDrift struct {
	name          string
	energy        EnergyFunc
	initialEnergy float64
	maxDrift      float64
	samples       int
}

func NewEnergyDrift(energy EnergyFunc) *EnergyDrift {
	return &EnergyDrift{
		name:   "energy_drift",
		energy: energy,
	}
}

func (e *EnergyDrift) Name() string { return e.name }

func (e *EnergyDrift) OnTick(rec dynamo.Record) {
	energy := e.energy(rec.Q, rec.DQ)

	if e.samples == 0 {
		e.initialEnergy = energy
	}
	e.samples++

	if e.initialEnergy != 0 {
		drift := math.Abs(energy-e.initialEnergy) / math.Abs(e.initialEnergy)
		e.maxDrift = math.Max(e.maxDrift, drift)
	}
}

func (e *EnergyDrift) Value() float64 {
	return e.maxDrift
}

func (e *EnergyDrift) Reset() {
	e.initialEnergy = 0
	e.maxDrift = 0
	e.samples = 0
}
