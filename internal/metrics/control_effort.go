package metrics

import (
	"math"

	"github.com/san-kum/dipcsim/internal/dynamo"
)

// ControlEffort is the mean absolute applied force.
type ControlEffort struct {
	name    string
	sum     float64
	samples int
}

func NewControlEffort() *ControlEffort {
	return &ControlEffort{
		name: "control_effort",
	}
}

func (c *ControlEffort) Name() string {
	return c.name
}

func (c *ControlEffort) OnTick(rec dynamo.Record) {
	c.sum += math.Abs(rec.F)
	c.samples++
}

func (c *ControlEffort) Value() float64 {
	if c.samples == 0 {
		return 0
	}
	return c.sum / float64(c.samples)
}

func (c *ControlEffort) Reset() {
	c.sum = 0
	c.samples = 0
}

// PeakForce is the largest absolute applied force.
type PeakForce struct {
	peak float64
}

func NewPeakForce() *PeakForce { return &PeakForce{} }

func (p *PeakForce) Name() string { return "peak_force" }

func (p *PeakForce) OnTick(rec dynamo.Record) {
	p.peak = math.Max(p.peak, math.Abs(rec.F))
}

func (p *PeakForce) Value() float64 { return p.peak }

func (p *PeakForce) Reset() { p.peak = 0 }
