package physics

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/san-kum/dipcsim/internal/dynamo"
)

// Equilibrium is a rest configuration of both rods. Angles must be integer
// multiples of pi; the cart position does not enter the linear model.
type Equilibrium struct {
	Theta1 float64
	Theta2 float64
}

var (
	// Upright balances both rods above the cart.
	Upright = Equilibrium{}
	// Hanging lets both rods hang below the cart.
	Hanging = Equilibrium{Theta1: math.Pi, Theta2: math.Pi}
)

func (e Equilibrium) valid() bool {
	return onMultipleOfPi(e.Theta1) && onMultipleOfPi(e.Theta2)
}

func onMultipleOfPi(th float64) bool {
	if math.IsNaN(th) || math.IsInf(th, 0) {
		return false
	}
	k := math.Round(th / math.Pi)
	return math.Abs(th-k*math.Pi) < 1e-9
}

// LinearModel is dx/dt = A x + B F on x = [x, th1, th2, dx, dth1, dth2]
// measured relative to Equilibrium. It is only accurate close to that point.
type LinearModel struct {
	A           *mat.Dense
	B           *mat.Dense
	Equilibrium Equilibrium
}

// Linearize expands the dynamics to first order about eq.
func (d *DIPC) Linearize(eq Equilibrium) (*LinearModel, error) {
	if !eq.valid() {
		return nil, &dynamo.ModelError{
			Field:  "equilibrium",
			Reason: fmt.Sprintf("(%v, %v) is not a rest configuration", eq.Theta1, eq.Theta2),
		}
	}

	d.fillMass(eq.Theta1, eq.Theta2)
	var minv mat.Dense
	if err := minv.Inverse(d.mass); err != nil {
		return nil, &dynamo.ModelError{Reason: fmt.Sprintf("mass matrix at equilibrium: %v", err)}
	}

	g := d.p.Gravity
	stiff := mat.NewDiagDense(dynamo.NumQ, []float64{
		0,
		d.h1 * g * math.Cos(eq.Theta1),
		d.h2 * g * math.Cos(eq.Theta2),
	})
	var lower mat.Dense
	lower.Mul(&minv, stiff)

	n := dynamo.NumQ
	a := mat.NewDense(dynamo.NumX, dynamo.NumX, nil)
	for i := 0; i < n; i++ {
		a.Set(i, n+i, 1)
	}
	a.Slice(n, 2*n, 0, n).(*mat.Dense).Copy(&lower)

	b := mat.NewDense(dynamo.NumX, 1, nil)
	for i := 0; i < n; i++ {
		b.Set(n+i, 0, minv.At(i, 0))
	}

	return &LinearModel{A: a, B: b, Equilibrium: eq}, nil
}

// Derivative evaluates A x + B f.
func (m *LinearModel) Derivative(x []float64, f float64) []float64 {
	var out mat.VecDense
	out.MulVec(m.A, mat.NewVecDense(len(x), x))
	res := make([]float64, len(x))
	for i := range res {
		res[i] = out.AtVec(i) + m.B.At(i, 0)*f
	}
	return res
}
