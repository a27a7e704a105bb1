package control

import (
	"github.com/san-kum/dipcsim/internal/delay"
	"github.com/san-kum/dipcsim/internal/dynamo"
	"github.com/san-kum/dipcsim/internal/lti"
	"github.com/san-kum/dipcsim/internal/physics"
)

// LQRWeights are the diagonal state weights and the scalar input weight of
// the cost integral of x^T Q x + R F^2.
type LQRWeights struct {
	Q [dynamo.NumX]float64
	R float64
}

// DefaultLQRWeights penalize the rod angles hardest.
var DefaultLQRWeights = LQRWeights{
	Q: [dynamo.NumX]float64{10, 100, 100, 1, 1, 1},
	R: 1,
}

// LQR is the infinite-horizon linear-quadratic regulator. When a predictor
// is attached, the law acts on the state predicted for the moment its
// command takes effect instead of the raw observation.
type LQR struct {
	fb    feedback
	poles []complex128
	pred  *delay.Predictor
	stats predictStats
}

// NewLQR solves the continuous algebraic Riccati equation for lin and w.
// pred may be nil for an undelayed plant.
func NewLQR(lin *physics.LinearModel, w LQRWeights, pred *delay.Predictor) (*LQR, error) {
	for i, v := range w.Q {
		if !finite(v) || v < 0 {
			return nil, dynamo.Configf("lqr.q", "weight %d must be non-negative, got %v", i, v)
		}
	}
	if !finite(w.R) || w.R <= 0 {
		return nil, dynamo.Configf("lqr.r", "must be positive, got %v", w.R)
	}

	k, _, err := lti.LQR(lin.A, lin.B, lti.Diag(w.Q[:]...), lti.Diag(w.R))
	if err != nil {
		return nil, &dynamo.ConfigurationError{Field: "lqr", Reason: "Riccati equation", Wrapped: err}
	}
	fb, err := newFeedback(k)
	if err != nil {
		return nil, &dynamo.ConfigurationError{Field: "lqr", Wrapped: err}
	}
	poles, err := verifyStabilizing("lqr", lin, fb)
	if err != nil {
		return nil, err
	}
	return &LQR{fb: fb, poles: poles, pred: pred}, nil
}

func (l *LQR) Name() string { return "lqr" }

func (l *LQR) Compute(obs Observation) float64 {
	x := estimate(l.pred, obs, &l.stats)
	return l.fb.apply(x, obs.Reference)
}

// Fallbacks counts ticks that used the raw observation because the history
// did not yet span the delay.
func (l *LQR) Fallbacks() int { return l.stats.fallbacks }

// Failures counts ticks whose prediction failed for any other reason.
func (l *LQR) Failures() int { return l.stats.failures }

func (l *LQR) PredictionErr() error { return l.stats.take() }

func (l *LQR) Reset() { l.stats.reset() }

func (l *LQR) Gains() GainSet {
	return GainSet{K: l.fb.slice(), Poles: append([]complex128(nil), l.poles...)}
}
