package metrics

import (
	"fmt"

	"github.com/san-kum/dipcsim/internal/dynamo"
)

// QuadraticCost integrates (x-ref)' Q (x-ref) + R F^2 over the run with the
// rectangle rule, using each record's own timestep.
type QuadraticCost struct {
	w     [dynamo.NumX]float64
	r     float64
	sum   float64
	lastT float64
}

func NewQuadraticCost(w [dynamo.NumX]float64, r float64) *QuadraticCost {
	return &QuadraticCost{w: w, r: r}
}

func (c *QuadraticCost) Name() string { return "quadratic_cost" }

func (c *QuadraticCost) OnTick(rec dynamo.Record) {
	dt := rec.T - c.lastT
	c.lastT = rec.T
	var v float64
	for i := 0; i < dynamo.NumQ; i++ {
		e := rec.Q[i] - rec.Reference.Q[i]
		v += c.w[i]*e*e + c.w[dynamo.NumQ+i]*rec.DQ[i]*rec.DQ[i]
	}
	v += c.r * rec.F * rec.F
	c.sum += v * dt
}

func (c *QuadraticCost) Value() float64 { return c.sum }

func (c *QuadraticCost) Reset() {
	c.sum = 0
	c.lastT = 0
}

// MeanSquare is the mean of one coordinate's squared deviation from its
// reference. On theta1 it is the PD tuning score.
type MeanSquare struct {
	coord   int
	sum     float64
	samples int
}

func NewMeanSquare(coord int) *MeanSquare {
	return &MeanSquare{coord: coord}
}

func (m *MeanSquare) Name() string {
	names := [dynamo.NumQ]string{"x", "theta1", "theta2"}
	if m.coord >= 0 && m.coord < dynamo.NumQ {
		return "mean_square_" + names[m.coord]
	}
	return fmt.Sprintf("mean_square_%d", m.coord)
}

func (m *MeanSquare) OnTick(rec dynamo.Record) {
	e := rec.Q[m.coord] - rec.Reference.Q[m.coord]
	m.sum += e * e
	m.samples++
}

func (m *MeanSquare) Value() float64 {
	if m.samples == 0 {
		return 0
	}
	return m.sum / float64(m.samples)
}

func (m *MeanSquare) Reset() {
	m.sum = 0
	m.samples = 0
}
