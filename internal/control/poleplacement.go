package control

import (
	"errors"
	"fmt"
	"math"

	"github.com/san-kum/dipcsim/internal/dynamo"
	"github.com/san-kum/dipcsim/internal/lti"
	"github.com/san-kum/dipcsim/internal/physics"
)

// PolePlacement is the linear map F = -K (x - ref) with K chosen so the
// linearized closed loop A - B K has prescribed eigenvalues.
type PolePlacement struct {
	fb    feedback
	poles []complex128
}

// NewPolePlacement places the closed-loop eigenvalues at poles using
// Ackermann's formula. Complex poles must come in conjugate pairs and every
// pole must have a negative real part.
func NewPolePlacement(lin *physics.LinearModel, poles []complex128) (*PolePlacement, error) {
	if len(poles) != dynamo.NumX {
		return nil, dynamo.Configf("pole_placement.poles", "need %d poles, got %d", dynamo.NumX, len(poles))
	}
	for _, p := range poles {
		if real(p) >= 0 || math.IsNaN(real(p)) || math.IsNaN(imag(p)) {
			return nil, dynamo.Configf("pole_placement.poles", "pole %v is not in the open left half-plane", p)
		}
	}

	k, err := lti.Ackermann(lin.A, lin.B, poles)
	if err != nil {
		return nil, &dynamo.ConfigurationError{Field: "pole_placement.poles", Reason: "gain design failed", Wrapped: err}
	}
	fb, err := newFeedback(k)
	if err != nil {
		return nil, &dynamo.ConfigurationError{Field: "pole_placement", Wrapped: err}
	}
	placed, err := verifyStabilizing("pole_placement", lin, fb)
	if err != nil {
		return nil, err
	}
	return &PolePlacement{fb: fb, poles: placed}, nil
}

// NewStabilityMargin places every closed-loop eigenvalue left of -alpha by
// solving the Riccati equation of the shifted system A + alpha I with unit
// weights.
func NewStabilityMargin(lin *physics.LinearModel, alpha float64) (*PolePlacement, error) {
	if !finite(alpha) || alpha <= 0 {
		return nil, dynamo.Configf("pole_placement.alpha", "must be positive, got %v", alpha)
	}

	shifted := lti.Diag(alpha, alpha, alpha, alpha, alpha, alpha)
	shifted.Add(shifted, lin.A)

	q := lti.Diag(1, 1, 1, 1, 1, 1)
	r := lti.Diag(1)
	k, _, err := lti.LQR(shifted, lin.B, q, r)
	if err != nil {
		return nil, &dynamo.ConfigurationError{Field: "pole_placement.alpha", Reason: "shifted Riccati equation", Wrapped: err}
	}
	fb, err := newFeedback(k)
	if err != nil {
		return nil, &dynamo.ConfigurationError{Field: "pole_placement", Wrapped: err}
	}

	placed, err := verifyStabilizing("pole_placement", lin, fb)
	if err != nil {
		return nil, err
	}
	for _, p := range placed {
		if real(p) > -alpha+1e-9 {
			return nil, &dynamo.ConfigurationError{
				Field:   "pole_placement.alpha",
				Reason:  fmt.Sprintf("pole %.4g misses the margin %v", p, alpha),
				Wrapped: errors.New("insufficient stability margin"),
			}
		}
	}
	return &PolePlacement{fb: fb, poles: placed}, nil
}

func (p *PolePlacement) Name() string { return "pole_placement" }

func (p *PolePlacement) Compute(obs Observation) float64 {
	return p.fb.apply(obs.State, obs.Reference)
}

func (p *PolePlacement) Gains() GainSet {
	return GainSet{K: p.fb.slice(), Poles: append([]complex128(nil), p.poles...)}
}
