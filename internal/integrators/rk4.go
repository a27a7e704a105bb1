package integrators

import (
	"math"

	"github.com/san-kum/dipcsim/internal/dynamo"
)

// System is anything that can report generalized accelerations.
type System interface {
	Accelerations(q, dq [dynamo.NumQ]float64, f float64) ([dynamo.NumQ]float64, error)
}

type vec [dynamo.NumX]float64

// RK4 is the classical fourth-order Runge-Kutta scheme with a fixed step.
// The force is held constant over the step. Stage buffers are reused, so an
// RK4 must not be shared between goroutines.
type RK4 struct {
	k1, k2, k3, k4 vec
	scratch        vec
}

func NewRK4() *RK4 {
	return &RK4{}
}

func (r *RK4) derive(sys System, x *vec, f float64, out *vec) error {
	for _, v := range x {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return dynamo.ErrDiverged
		}
	}
	var q, dq [dynamo.NumQ]float64
	copy(q[:], x[:dynamo.NumQ])
	copy(dq[:], x[dynamo.NumQ:])
	ddq, err := sys.Accelerations(q, dq, f)
	if err != nil {
		return err
	}
	copy(out[:dynamo.NumQ], dq[:])
	copy(out[dynamo.NumQ:], ddq[:])
	return nil
}

// Step advances s by dt under force. The returned state carries the
// accelerations at the new point, F = force and T = s.T + dt. A non-finite
// result is reported as a *dynamo.DivergenceError.
func (r *RK4) Step(sys System, s dynamo.State, force, dt float64) (dynamo.State, error) {
	var x vec
	copy(x[:dynamo.NumQ], s.Q[:])
	copy(x[dynamo.NumQ:], s.DQ[:])

	if err := r.derive(sys, &x, force, &r.k1); err != nil {
		return s, r.wrap(err, s, dt)
	}

	for i := range x {
		r.scratch[i] = x[i] + dt*0.5*r.k1[i]
	}
	if err := r.derive(sys, &r.scratch, force, &r.k2); err != nil {
		return s, r.wrap(err, s, dt)
	}

	for i := range x {
		r.scratch[i] = x[i] + dt*0.5*r.k2[i]
	}
	if err := r.derive(sys, &r.scratch, force, &r.k3); err != nil {
		return s, r.wrap(err, s, dt)
	}

	for i := range x {
		r.scratch[i] = x[i] + dt*r.k3[i]
	}
	if err := r.derive(sys, &r.scratch, force, &r.k4); err != nil {
		return s, r.wrap(err, s, dt)
	}

	dt6 := dt / 6.0
	for i := range x {
		r.scratch[i] = x[i] + dt6*(r.k1[i]+2*r.k2[i]+2*r.k3[i]+r.k4[i])
	}

	next := dynamo.State{F: force, T: s.T + dt}
	copy(next.Q[:], r.scratch[:dynamo.NumQ])
	copy(next.DQ[:], r.scratch[dynamo.NumQ:])

	// The acceleration at the new point is part of the record.
	if err := r.derive(sys, &r.scratch, force, &r.k1); err != nil {
		return s, r.wrap(err, next, 0)
	}
	copy(next.DDQ[:], r.k1[dynamo.NumQ:])

	if !next.IsValid() {
		return s, &dynamo.DivergenceError{Time: next.T, State: next}
	}
	return next, nil
}

func (r *RK4) wrap(err error, s dynamo.State, dt float64) error {
	if err == dynamo.ErrDiverged {
		return &dynamo.DivergenceError{Time: s.T + dt, State: s}
	}
	return err
}
