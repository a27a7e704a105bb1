package physics

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/san-kum/dipcsim/internal/dynamo"
)

// maxCond is the largest mass-matrix condition number still treated as
// invertible.
const maxCond = 1e12

// DIPC is the double inverted pendulum on a cart.
//
// The equations of motion are kept in manipulator form
//
//	M(q) ddq + C(q, dq) dq + G(q) = [F, 0, 0]
//
// and solved for ddq by LU factorization on every call. A DIPC keeps scratch
// buffers and is not safe for concurrent use; build one per simulation.
type DIPC struct {
	p dynamo.Params

	mt  float64 // M + m1 + m2
	h1  float64 // m1 d1 + m2 l1
	h2  float64 // m2 d2
	j1  float64 // I1 + m1 d1^2 + m2 l1^2
	j2  float64 // I2 + m2 d2^2
	h12 float64 // m2 l1 d2

	mass *mat.Dense
	rhs  *mat.VecDense
	ddq  *mat.VecDense
	lu   mat.LU
}

// New validates p and precomputes the lumped inertia terms.
func New(p dynamo.Params) (*DIPC, error) {
	p = p.WithDefaults()
	if err := p.Validate(); err != nil {
		return nil, err
	}

	d := &DIPC{
		p:    p,
		mt:   p.CartMass + p.Mass1 + p.Mass2,
		h1:   p.Mass1*p.COM1 + p.Mass2*p.Length1,
		h2:   p.Mass2 * p.COM2,
		j1:   p.Inertia1 + p.Mass1*p.COM1*p.COM1 + p.Mass2*p.Length1*p.Length1,
		j2:   p.Inertia2 + p.Mass2*p.COM2*p.COM2,
		h12:  p.Mass2 * p.Length1 * p.COM2,
		mass: mat.NewDense(dynamo.NumQ, dynamo.NumQ, nil),
		rhs:  mat.NewVecDense(dynamo.NumQ, nil),
		ddq:  mat.NewVecDense(dynamo.NumQ, nil),
	}

	d.fillMass(0, 0)
	d.lu.Factorize(d.mass)
	if cond := d.lu.Cond(); math.IsInf(cond, 0) || math.IsNaN(cond) || cond > maxCond {
		return nil, &dynamo.ModelError{Reason: fmt.Sprintf("upright mass matrix is singular (cond=%.3g)", cond)}
	}
	return d, nil
}

func (d *DIPC) Params() dynamo.Params { return d.p }

func (d *DIPC) fillMass(th1, th2 float64) {
	c1, c2, c12 := math.Cos(th1), math.Cos(th2), math.Cos(th1-th2)
	d.mass.Set(0, 0, d.mt)
	d.mass.Set(0, 1, d.h1*c1)
	d.mass.Set(0, 2, d.h2*c2)
	d.mass.Set(1, 0, d.h1*c1)
	d.mass.Set(1, 1, d.j1)
	d.mass.Set(1, 2, d.h12*c12)
	d.mass.Set(2, 0, d.h2*c2)
	d.mass.Set(2, 1, d.h12*c12)
	d.mass.Set(2, 2, d.j2)
}

// Accelerations returns ddq for the given coordinates, velocities and cart
// force. It fails with a ModelError when the mass matrix is numerically
// singular.
func (d *DIPC) Accelerations(q, dq [dynamo.NumQ]float64, f float64) ([dynamo.NumQ]float64, error) {
	var out [dynamo.NumQ]float64

	th1, th2 := q[dynamo.Theta1], q[dynamo.Theta2]
	w1, w2 := dq[dynamo.Theta1], dq[dynamo.Theta2]
	s1, s2, s12 := math.Sin(th1), math.Sin(th2), math.Sin(th1-th2)
	g := d.p.Gravity

	// [F, 0, 0] - (C dq + G)
	d.rhs.SetVec(0, f+d.h1*s1*w1*w1+d.h2*s2*w2*w2)
	d.rhs.SetVec(1, -d.h12*s12*w2*w2+d.h1*g*s1)
	d.rhs.SetVec(2, d.h12*s12*w1*w1+d.h2*g*s2)

	d.fillMass(th1, th2)
	d.lu.Factorize(d.mass)
	if cond := d.lu.Cond(); math.IsNaN(cond) || cond > maxCond {
		return out, &dynamo.ModelError{Reason: fmt.Sprintf("mass matrix is singular at q=%v (cond=%.3g)", q, cond)}
	}
	if err := d.lu.SolveVecTo(d.ddq, false, d.rhs); err != nil {
		return out, &dynamo.ModelError{Reason: fmt.Sprintf("mass matrix solve: %v", err)}
	}

	for i := range out {
		out[i] = d.ddq.AtVec(i)
	}
	return out, nil
}

// Energy returns kinetic plus potential energy. Potential energy is measured
// from the pivot height, so the upright configuration has the maximum.
func (d *DIPC) Energy(q, dq [dynamo.NumQ]float64) float64 {
	th1, th2 := q[dynamo.Theta1], q[dynamo.Theta2]
	c1, c2, c12 := math.Cos(th1), math.Cos(th2), math.Cos(th1-th2)
	v, w1, w2 := dq[dynamo.Cart], dq[dynamo.Theta1], dq[dynamo.Theta2]

	ke := 0.5*d.mt*v*v + 0.5*d.j1*w1*w1 + 0.5*d.j2*w2*w2 +
		d.h1*c1*v*w1 + d.h2*c2*v*w2 + d.h12*c12*w1*w2
	pe := d.p.Gravity * (d.h1*c1 + d.h2*c2)
	return ke + pe
}
