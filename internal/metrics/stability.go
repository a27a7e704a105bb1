package metrics

import (
	"math"

	"github.com/san-kum/dipcsim/internal/dynamo"
)

// Stability is the fraction of ticks with both rods within threshold of
// upright.
type Stability struct {
	name       string
	threshold  float64
	violations int
	samples    int
}

func NewStability(threshold float64) *Stability {
	return &Stability{
		name:      "stability",
		threshold: threshold,
	}
}

func (s *Stability) Name() string {
	return s.name
}

func (s *Stability) OnTick(rec dynamo.Record) {
	s.samples++
	if math.Abs(rec.Q[dynamo.Theta1]) > s.threshold || math.Abs(rec.Q[dynamo.Theta2]) > s.threshold {
		s.violations++
	}
}

func (s *Stability) Value() float64 {
	if s.samples == 0 {
		return 1.0
	}
	return 1.0 - float64(s.violations)/float64(s.samples)
}

func (s *Stability) Reset() {
	s.violations = 0
	s.samples = 0
}

// PeakAngle is the largest rod deviation from upright.
type PeakAngle struct {
	peak float64
}

func NewPeakAngle() *PeakAngle { return &PeakAngle{} }

func (p *PeakAngle) Name() string { return "peak_angle" }

func (p *PeakAngle) OnTick(rec dynamo.Record) {
	p.peak = math.Max(p.peak, math.Max(math.Abs(rec.Q[dynamo.Theta1]), math.Abs(rec.Q[dynamo.Theta2])))
}

func (p *PeakAngle) Value() float64 { return p.peak }

func (p *PeakAngle) Reset() { p.peak = 0 }
