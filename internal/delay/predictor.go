package delay

import (
	"fmt"

	"github.com/san-kum/dipcsim/internal/dynamo"
	"github.com/san-kum/dipcsim/internal/lti"
	"github.com/san-kum/dipcsim/internal/physics"
)

// Predictor is a Smith predictor over the discretized linear model. Given the
// current observation it replays the commands still travelling down the
// actuation delay line and returns the state at the instant a command issued
// now reaches the cart.
type Predictor struct {
	steps int
	dt    float64
	eq    [dynamo.NumX]float64
	ad    [dynamo.NumX][dynamo.NumX]float64
	bd    [dynamo.NumX]float64
}

// NewPredictor discretizes lin with a zero-order hold of dt. steps is the
// actuation delay in ticks.
func NewPredictor(lin *physics.LinearModel, dt float64, steps int) (*Predictor, error) {
	if dt <= 0 {
		return nil, dynamo.Configf("dt", "must be positive, got %v", dt)
	}
	if steps < 0 {
		return nil, dynamo.Configf("delay", "negative delay steps %d", steps)
	}

	ad, bd := lti.Discretize(lin.A, lin.B, dt)
	p := &Predictor{steps: steps, dt: dt}
	for i := 0; i < dynamo.NumX; i++ {
		for j := 0; j < dynamo.NumX; j++ {
			p.ad[i][j] = ad.At(i, j)
		}
		p.bd[i] = bd.At(i, 0)
	}
	p.eq[dynamo.Theta1] = lin.Equilibrium.Theta1
	p.eq[dynamo.Theta2] = lin.Equilibrium.Theta2
	return p, nil
}

// Steps is the number of ticks the predictor looks ahead.
func (p *Predictor) Steps() int { return p.steps }

// Predict returns obs advanced by the in-flight commands stored in buf.
//
// With zero delay obs is returned unchanged. When buf does not yet hold a
// full delay worth of samples obs is returned unchanged together with an
// *dynamo.InsufficientHistoryError; callers use the raw observation for
// that tick.
func (p *Predictor) Predict(buf *Buffer, obs dynamo.State) (dynamo.State, error) {
	if p.steps == 0 {
		return obs, nil
	}
	if buf == nil || buf.Len() < p.steps {
		have := 0
		if buf != nil {
			have = buf.Len()
		}
		return obs, &dynamo.InsufficientHistoryError{Have: have, Need: p.steps}
	}

	var x, next [dynamo.NumX]float64
	copy(x[:dynamo.NumQ], obs.Q[:])
	copy(x[dynamo.NumQ:], obs.DQ[:])
	for i := range x {
		x[i] -= p.eq[i]
	}

	for age := p.steps - 1; age >= 0; age-- {
		s, _ := buf.At(age)
		for i := 0; i < dynamo.NumX; i++ {
			v := p.bd[i] * s.Force
			for j := 0; j < dynamo.NumX; j++ {
				v += p.ad[i][j] * x[j]
			}
			next[i] = v
		}
		x = next
	}

	out := obs
	for i := range x {
		x[i] += p.eq[i]
	}
	copy(out.Q[:], x[:dynamo.NumQ])
	copy(out.DQ[:], x[dynamo.NumQ:])
	out.T = obs.T + float64(p.steps)*p.dt
	if !out.IsValid() {
		return obs, fmt.Errorf("delay: prediction is not finite: %w", dynamo.ErrDiverged)
	}
	return out, nil
}
