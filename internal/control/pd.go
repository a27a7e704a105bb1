package control

import (
	"github.com/san-kum/dipcsim/internal/dynamo"
)

// PD is a proportional-derivative law on each generalized coordinate:
//
//	F = -sum(Kp[i] e[i] + Kd[i] de[i]/dt),  e = q - ref
//
// The derivative is a backward difference over one tick. Gains are signed;
// holding the rods upright needs negative angle gains because a positive
// force tips them backwards.
type PD struct {
	Kp [dynamo.NumQ]float64
	Kd [dynamo.NumQ]float64

	dt      float64
	prevErr [dynamo.NumQ]float64
	first   bool
}

func NewPD(kp, kd [dynamo.NumQ]float64, dt float64) (*PD, error) {
	if dt <= 0 {
		return nil, dynamo.Configf("pd.dt", "must be positive, got %v", dt)
	}
	for i := range kp {
		if !finite(kp[i]) || !finite(kd[i]) {
			return nil, dynamo.Configf("pd", "gains must be finite, got kp=%v kd=%v", kp, kd)
		}
	}
	return &PD{Kp: kp, Kd: kd, dt: dt, first: true}, nil
}

func (p *PD) Name() string { return "pd" }

func (p *PD) Compute(obs Observation) float64 {
	var e [dynamo.NumQ]float64
	for i := range e {
		e[i] = obs.State.Q[i] - obs.Reference.Q[i]
	}

	// First call has no previous error; use a zero derivative.
	if p.first {
		p.prevErr = e
		p.first = false
	}

	var f float64
	for i := range e {
		f -= p.Kp[i]*e[i] + p.Kd[i]*(e[i]-p.prevErr[i])/p.dt
	}
	p.prevErr = e
	return f
}

// Reset clears derivative memory.
func (p *PD) Reset() {
	p.prevErr = [dynamo.NumQ]float64{}
	p.first = true
}

// GetParams returns the gains for display and tuning.
func (p *PD) GetParams() map[string]float64 {
	return map[string]float64{
		"kp_x": p.Kp[dynamo.Cart], "kp_theta1": p.Kp[dynamo.Theta1], "kp_theta2": p.Kp[dynamo.Theta2],
		"kd_x": p.Kd[dynamo.Cart], "kd_theta1": p.Kd[dynamo.Theta1], "kd_theta2": p.Kd[dynamo.Theta2],
	}
}
