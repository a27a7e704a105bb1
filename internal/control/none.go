package control

// None never pushes the cart. Human disturbance input still applies.
type None struct{}

func NewNone() *None {
	return &None{}
}

func (n *None) Name() string { return "none" }

func (n *None) Compute(Observation) float64 { return 0 }
