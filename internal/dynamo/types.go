package dynamo

import (
	"fmt"
	"math"
)

// Generalized coordinate indices.
const (
	Cart = iota
	Theta1
	Theta2
)

// NumQ is the number of generalized coordinates; the linear state has 2*NumQ entries.
const NumQ = 3

// NumX is the dimension of the first-order state [q, dq].
const NumX = 2 * NumQ

// Params holds the physical parameters of the cart and both rods together
// with the timing of one run. Params are immutable once a run starts.
type Params struct {
	CartMass float64 `yaml:"cart_mass"`
	Mass1    float64 `yaml:"mass1"`
	Mass2    float64 `yaml:"mass2"`
	Length1  float64 `yaml:"length1"`
	Length2  float64 `yaml:"length2"`
	// Distance from each rod's pivot to its centre of mass. Zero means l/2.
	COM1 float64 `yaml:"com1"`
	COM2 float64 `yaml:"com2"`
	// Moment of inertia about each rod's centre of mass. Zero means m*l^2/12.
	Inertia1 float64 `yaml:"inertia1"`
	Inertia2 float64 `yaml:"inertia2"`
	Gravity  float64 `yaml:"gravity"`

	MaxForce float64 `yaml:"max_force"`
	Dt       float64 `yaml:"dt"`
	Delay    float64 `yaml:"delay"`
}

func DefaultParams() Params {
	return Params{
		CartMass: 1.0,
		Mass1:    0.2,
		Mass2:    0.2,
		Length1:  0.3,
		Length2:  0.3,
		Gravity:  9.81,
		MaxForce: 200,
		Dt:       0.002,
	}
}

// WithDefaults fills the rod geometry left at zero with the uniform-rod values.
func (p Params) WithDefaults() Params {
	if p.COM1 == 0 {
		p.COM1 = p.Length1 / 2
	}
	if p.COM2 == 0 {
		p.COM2 = p.Length2 / 2
	}
	if p.Inertia1 == 0 {
		p.Inertia1 = p.Mass1 * p.Length1 * p.Length1 / 12
	}
	if p.Inertia2 == 0 {
		p.Inertia2 = p.Mass2 * p.Length2 * p.Length2 / 12
	}
	return p
}

// Validate checks the physical fields. Call it on the result of WithDefaults.
func (p Params) Validate() error {
	positive := []struct {
		name string
		v    float64
	}{
		{"cart_mass", p.CartMass},
		{"mass1", p.Mass1},
		{"mass2", p.Mass2},
		{"length1", p.Length1},
		{"length2", p.Length2},
		{"gravity", p.Gravity},
	}
	for _, f := range positive {
		if !finite(f.v) || f.v <= 0 {
			return &ModelError{Field: f.name, Reason: fmt.Sprintf("must be positive and finite, got %v", f.v)}
		}
	}
	if !finite(p.COM1) || p.COM1 <= 0 || p.COM1 > p.Length1 {
		return &ModelError{Field: "com1", Reason: fmt.Sprintf("must lie in (0, length1], got %v", p.COM1)}
	}
	if !finite(p.COM2) || p.COM2 <= 0 || p.COM2 > p.Length2 {
		return &ModelError{Field: "com2", Reason: fmt.Sprintf("must lie in (0, length2], got %v", p.COM2)}
	}
	if !finite(p.Inertia1) || p.Inertia1 < 0 {
		return &ModelError{Field: "inertia1", Reason: fmt.Sprintf("must be non-negative, got %v", p.Inertia1)}
	}
	if !finite(p.Inertia2) || p.Inertia2 < 0 {
		return &ModelError{Field: "inertia2", Reason: fmt.Sprintf("must be non-negative, got %v", p.Inertia2)}
	}
	return nil
}

// ValidateTiming checks the timestep, delay and actuator limit.
func (p Params) ValidateTiming() error {
	if !finite(p.Dt) || p.Dt <= 0 {
		return Configf("dt", "must be positive, got %v", p.Dt)
	}
	if !finite(p.Delay) || p.Delay < 0 {
		return Configf("delay", "must be non-negative, got %v", p.Delay)
	}
	if !finite(p.MaxForce) || p.MaxForce <= 0 {
		return Configf("max_force", "must be positive, got %v", p.MaxForce)
	}
	return nil
}

// DelaySteps is the actuation delay expressed in whole ticks, rounded up.
func (p Params) DelaySteps() int {
	if p.Delay <= 0 || p.Dt <= 0 {
		return 0
	}
	return int(math.Ceil(p.Delay/p.Dt - 1e-9))
}

// ClampForce saturates f to the actuator limit.
func (p Params) ClampForce(f float64) float64 {
	return Clamp(f, -p.MaxForce, p.MaxForce)
}

// Clamp limits v to [lo, hi]. NaN maps to 0.
func Clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(lo, math.Min(hi, v))
}

// State is the full mechanical state at time T.
type State struct {
	Q   [NumQ]float64
	DQ  [NumQ]float64
	DDQ [NumQ]float64
	// F is the force that was applied to the cart to reach this state.
	F float64
	T float64
}

// Vector returns [x, theta1, theta2, dx, dtheta1, dtheta2].
func (s State) Vector() []float64 {
	v := make([]float64, NumX)
	copy(v, s.Q[:])
	copy(v[NumQ:], s.DQ[:])
	return v
}

// WithVector returns a copy of s with Q and DQ replaced by v.
func (s State) WithVector(v []float64) State {
	copy(s.Q[:], v[:NumQ])
	copy(s.DQ[:], v[NumQ:NumX])
	return s
}

func (s State) IsValid() bool {
	for i := 0; i < NumQ; i++ {
		if !finite(s.Q[i]) || !finite(s.DQ[i]) || !finite(s.DDQ[i]) {
			return false
		}
	}
	return finite(s.F) && finite(s.T)
}

// Reference is the set point the control laws regulate towards.
type Reference struct {
	Q [NumQ]float64
}

// Upright is the zero reference: cart at the origin, both rods vertical.
var Upright = Reference{}

// Vector returns the reference as a 6-vector with zero velocities.
func (r Reference) Vector() []float64 {
	v := make([]float64, NumX)
	copy(v, r.Q[:])
	return v
}

// Record is the flat per-tick record. Field order and units are stable:
// t [s], q [m, rad, rad], dq [m/s, rad/s, rad/s], ddq [m/s^2, rad/s^2, rad/s^2], F [N].
type Record struct {
	Step int
	T    float64
	Q    [NumQ]float64
	DQ   [NumQ]float64
	DDQ  [NumQ]float64
	F    float64

	// Diagnostics, not part of the stable column set.
	Command     float64
	Reference   Reference
	Disturbance float64
}

// RecordHeader is the column order written by loggers.
var RecordHeader = []string{
	"t", "x", "theta1", "theta2",
	"dx", "dtheta1", "dtheta2",
	"ddx", "ddtheta1", "ddtheta2",
	"F",
}

// Values returns the record in RecordHeader order.
func (r Record) Values() []float64 {
	return []float64{
		r.T, r.Q[0], r.Q[1], r.Q[2],
		r.DQ[0], r.DQ[1], r.DQ[2],
		r.DDQ[0], r.DDQ[1], r.DDQ[2],
		r.F,
	}
}

// NewRecord flattens a state reached at the given step.
func NewRecord(step int, s State) Record {
	return Record{Step: step, T: s.T, Q: s.Q, DQ: s.DQ, DDQ: s.DDQ, F: s.F}
}

// Snapshot is a copy of the latest state plus a monotonic sequence number.
// Readers own their copy; nothing in it aliases the live simulation state.
type Snapshot struct {
	Seq   uint64
	State State
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
