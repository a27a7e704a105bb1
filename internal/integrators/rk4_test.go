package integrators

import (
	"errors"
	"math"
	"testing"

	"github.com/san-kum/dipcsim/internal/dynamo"
	"github.com/san-kum/dipcsim/internal/lti"
	"github.com/san-kum/dipcsim/internal/physics"
)

// oscillator drives every coordinate as an independent unit harmonic oscillator.
type oscillator struct{}

func (oscillator) Accelerations(q, dq [3]float64, f float64) ([3]float64, error) {
	return [3]float64{-q[0] + f, -q[1], -q[2]}, nil
}

type blowUp struct{ after int }

func (b *blowUp) Accelerations(q, dq [3]float64, f float64) ([3]float64, error) {
	b.after--
	if b.after < 0 {
		return [3]float64{math.Inf(1), 0, 0}, nil
	}
	return [3]float64{}, nil
}

func newDIPC(t testing.TB) *physics.DIPC {
	t.Helper()
	m, err := physics.New(dynamo.DefaultParams())
	if err != nil {
		t.Fatalf("physics.New: %v", err)
	}
	return m
}

func integrate(t testing.TB, sys System, s dynamo.State, dt float64, steps int) dynamo.State {
	t.Helper()
	integ := NewRK4()
	for i := 0; i < steps; i++ {
		var err error
		s, err = integ.Step(sys, s, 0, dt)
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
	}
	return s
}

func maxDiff(a, b dynamo.State) float64 {
	va, vb := a.Vector(), b.Vector()
	d := 0.0
	for i := range va {
		d = math.Max(d, math.Abs(va[i]-vb[i]))
	}
	return d
}

func TestRK4Accuracy(t *testing.T) {
	s := dynamo.State{Q: [3]float64{1, 1, 1}}
	dt := 0.01
	steps := 100

	s = integrate(t, oscillator{}, s, dt, steps)

	expectedX := math.Cos(float64(steps) * dt)
	expectedV := -math.Sin(float64(steps) * dt)

	if math.Abs(s.Q[0]-expectedX) > 1e-8 {
		t.Errorf("position error too large: got %.10f, expected %.10f", s.Q[0], expectedX)
	}
	if math.Abs(s.DQ[0]-expectedV) > 1e-8 {
		t.Errorf("velocity error too large: got %.10f, expected %.10f", s.DQ[0], expectedV)
	}
	if math.Abs(s.T-1.0) > 1e-12 {
		t.Errorf("time = %v, want 1", s.T)
	}
}

func TestRK4StepRecordsForceAndAcceleration(t *testing.T) {
	integ := NewRK4()
	s := dynamo.State{Q: [3]float64{0.5, 0, 0}, T: 2}
	next, err := integ.Step(oscillator{}, s, 3, 0.01)
	if err != nil {
		t.Fatal(err)
	}
	if next.F != 3 {
		t.Errorf("F = %v, want 3", next.F)
	}
	if math.Abs(next.T-2.01) > 1e-12 {
		t.Errorf("T = %v, want 2.01", next.T)
	}
	want := -next.Q[0] + 3
	if math.Abs(next.DDQ[0]-want) > 1e-15 {
		t.Errorf("DDQ[0] = %v, want %v evaluated at the new point", next.DDQ[0], want)
	}
}

func TestRK4Deterministic(t *testing.T) {
	m := newDIPC(t)
	s0 := dynamo.State{Q: [3]float64{0, 0.05, -0.02}}

	a := integrate(t, m, s0, 0.002, 500)
	b := integrate(t, m, s0, 0.002, 500)
	if a != b {
		t.Errorf("identical inputs produced different states:\n%+v\n%+v", a, b)
	}
}

func TestRK4Divergence(t *testing.T) {
	integ := NewRK4()
	s := dynamo.State{T: 1}
	_, err := integ.Step(&blowUp{after: 1}, s, 0, 0.01)
	if err == nil {
		t.Fatal("expected an error")
	}
	var div *dynamo.DivergenceError
	if !errors.As(err, &div) {
		t.Fatalf("expected *DivergenceError, got %T: %v", err, err)
	}
	if !errors.Is(err, dynamo.ErrDiverged) {
		t.Error("DivergenceError should wrap ErrDiverged")
	}
	if math.Abs(div.Time-1.01) > 1e-12 {
		t.Errorf("divergence time = %v, want 1.01", div.Time)
	}
}

func TestRK4RejectsNonFiniteInput(t *testing.T) {
	integ := NewRK4()
	s := dynamo.State{Q: [3]float64{math.NaN(), 0, 0}}
	_, err := integ.Step(oscillator{}, s, 0, 0.01)
	if !errors.Is(err, dynamo.ErrDiverged) {
		t.Errorf("expected ErrDiverged, got %v", err)
	}
}

// hangingStart is the undriven double pendulum released from rest at a small angle.
var hangingStart = dynamo.State{Q: [3]float64{0, math.Pi + 0.1, math.Pi + 0.05}}

func TestRK4GlobalConvergenceOrder(t *testing.T) {
	m := newDIPC(t)
	const horizon = 1.0

	run := func(dt float64) dynamo.State {
		return integrate(t, m, hangingStart, dt, int(math.Round(horizon/dt)))
	}

	ref := run(0.01 / 16)
	e1 := maxDiff(run(0.01), ref)
	e2 := maxDiff(run(0.005), ref)
	if e2 == 0 {
		t.Fatal("error vanished; reference is not finer than the test steps")
	}
	ratio := e1 / e2
	if ratio < 12 || ratio > 20 {
		t.Errorf("halving dt reduced the global error by %.2f, expected about 16 (e1=%g, e2=%g)", ratio, e1, e2)
	}
}

func TestRK4LocalTruncationError(t *testing.T) {
	m := newDIPC(t)
	s0 := dynamo.State{Q: hangingStart.Q, DQ: [3]float64{0.1, -0.2, 0.3}}

	local := func(h float64) float64 {
		one, err := NewRK4().Step(m, s0, 0, h)
		if err != nil {
			t.Fatal(err)
		}
		fine := integrate(t, m, s0, h/64, 64)
		return maxDiff(one, fine)
	}

	ratio := local(0.02) / local(0.01)
	// A fourth-order method loses at least a factor of 16 per halving; a
	// single step is one order better still.
	if ratio < 14 {
		t.Errorf("local error ratio %.2f, expected at least 16", ratio)
	}
}

func TestRK4ConservesEnergyUnforced(t *testing.T) {
	m := newDIPC(t)
	s := dynamo.State{Q: [3]float64{0, math.Pi + 0.5, math.Pi + 0.3}}
	e0 := m.Energy(s.Q, s.DQ)

	integ := NewRK4()
	maxDrift := 0.0
	for i := 0; i < 2000; i++ {
		var err error
		s, err = integ.Step(m, s, 0, 0.001)
		if err != nil {
			t.Fatal(err)
		}
		maxDrift = math.Max(maxDrift, math.Abs(m.Energy(s.Q, s.DQ)-e0))
	}
	if maxDrift > 1e-5*math.Max(1, math.Abs(e0)) {
		t.Errorf("energy drift %g exceeds tolerance (E0=%g)", maxDrift, e0)
	}
}

func TestSmallPerturbationMatchesLinearModel(t *testing.T) {
	m := newDIPC(t)
	lin, err := m.Linearize(physics.Upright)
	if err != nil {
		t.Fatal(err)
	}

	const (
		eps     = 1e-5
		dt      = 0.002
		horizon = 0.1
	)
	x0 := []float64{0, eps, -eps / 2, 0, 0, 0}
	s := dynamo.State{}.WithVector(x0)
	s = integrate(t, m, s, dt, int(math.Round(horizon/dt)))

	ad, _ := lti.Discretize(lin.A, lin.B, horizon)
	want := lti.MulVec(ad, x0)
	got := s.Vector()

	for i := range got {
		if rel := math.Abs(got[i]-want[i]) / eps; rel > 1e-2 {
			t.Errorf("x[%d]: nonlinear %g vs linear %g (|diff|/eps = %g)", i, got[i], want[i], rel)
		}
	}
}
