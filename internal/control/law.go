package control

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/san-kum/dipcsim/internal/delay"
	"github.com/san-kum/dipcsim/internal/dynamo"
	"github.com/san-kum/dipcsim/internal/lti"
	"github.com/san-kum/dipcsim/internal/physics"
)

// Observation is what a law sees at the start of a tick.
type Observation struct {
	State     dynamo.State
	Reference dynamo.Reference
	// History holds the samples of previous ticks and may be nil.
	History *delay.Buffer
}

// Law maps an observation to an unclamped cart force.
type Law interface {
	Name() string
	Compute(obs Observation) float64
}

// Resetter is implemented by laws that carry memory between ticks.
type Resetter interface {
	Reset()
}

// GainSet is the offline result of a gain design. It is read-only once built.
type GainSet struct {
	K []float64 // 1 x NumX state feedback, F = -K (x - ref)
	// Closed-loop eigenvalues of the linearized plant.
	Poles []complex128
	// H-infinity only.
	Gamma float64
	L     *mat.Dense
}

// Designed is implemented by laws built from a linear model.
type Designed interface {
	Gains() GainSet
}

// Saturate clamps f to [-limit, limit]. A non-finite command maps to zero.
func Saturate(f, limit float64) float64 {
	return dynamo.Clamp(f, -limit, limit)
}

// feedback is the shared state-feedback map F = -K (x - ref).
type feedback [dynamo.NumX]float64

func newFeedback(k mat.Matrix) (feedback, error) {
	var fb feedback
	r, c := k.Dims()
	if r != 1 || c != dynamo.NumX {
		return fb, fmt.Errorf("control: gain must be 1x%d, got %dx%d", dynamo.NumX, r, c)
	}
	for j := range fb {
		fb[j] = k.At(0, j)
		if math.IsNaN(fb[j]) || math.IsInf(fb[j], 0) {
			return fb, fmt.Errorf("control: gain entry %d is not finite", j)
		}
	}
	return fb, nil
}

func (fb feedback) apply(s dynamo.State, ref dynamo.Reference) float64 {
	var f float64
	for i := 0; i < dynamo.NumQ; i++ {
		f -= fb[i] * (s.Q[i] - ref.Q[i])
		f -= fb[dynamo.NumQ+i] * s.DQ[i]
	}
	return f
}

func (fb feedback) slice() []float64 {
	return append([]float64(nil), fb[:]...)
}

func (fb feedback) matrix() *mat.Dense {
	return mat.NewDense(1, dynamo.NumX, fb.slice())
}

// verifyStabilizing fails with a ConfigurationError unless A - B K is Hurwitz.
func verifyStabilizing(law string, lin *physics.LinearModel, fb feedback) ([]complex128, error) {
	cl := lti.ClosedLoop(lin.A, lin.B, fb.matrix())
	poles, err := lti.Eigenvalues(cl)
	if err != nil {
		return nil, &dynamo.ConfigurationError{Field: law, Reason: "closed-loop eigenvalues", Wrapped: err}
	}
	if err := lti.CheckHurwitz(cl); err != nil {
		return nil, &dynamo.ConfigurationError{Field: law, Reason: "gain does not stabilize the linearized plant", Wrapped: err}
	}
	return poles, nil
}

// VerifyGains checks that F = -K x stabilizes lin and returns the
// closed-loop poles.
func VerifyGains(law string, lin *physics.LinearModel, k []float64) ([]complex128, error) {
	if len(k) != dynamo.NumX {
		return nil, dynamo.Configf(law, "gain must have %d entries, got %d", dynamo.NumX, len(k))
	}
	fb, err := newFeedback(mat.NewDense(1, dynamo.NumX, append([]float64(nil), k...)))
	if err != nil {
		return nil, &dynamo.ConfigurationError{Field: law, Wrapped: err}
	}
	return verifyStabilizing(law, lin, fb)
}

// PredictionReporter is implemented by laws that run a delay predictor.
// PredictionErr returns the last prediction failure since the previous call
// and clears it. Underfilled history is not a failure.
type PredictionReporter interface {
	PredictionErr() error
}

type predictStats struct {
	fallbacks int
	failures  int
	lastErr   error
}

func (s *predictStats) reset() { *s = predictStats{} }

func (s *predictStats) take() error {
	err := s.lastErr
	s.lastErr = nil
	return err
}

// estimate applies the delay compensator when both a predictor and history
// are present. Missing history falls back to the raw state and is counted as
// a fallback. Any other prediction error also uses the raw state but is kept
// for PredictionErr.
func estimate(pred *delay.Predictor, obs Observation, st *predictStats) dynamo.State {
	if pred == nil || obs.History == nil {
		return obs.State
	}
	est, err := pred.Predict(obs.History, obs.State)
	switch {
	case err == nil:
		return est
	case errors.Is(err, dynamo.ErrInsufficientHistory):
		st.fallbacks++
	default:
		st.failures++
		st.lastErr = err
	}
	return obs.State
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
