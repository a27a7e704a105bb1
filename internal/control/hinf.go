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

// HInfConfig describes the generalized plant
//
//	dx/dt = A x + B (F + w_f) + ProcessNoise w_p
//	y     = x + MeasurementNoise w_m
//	z     = [Q^(1/2) x; R^(1/2) F]
//
// A zero Gamma asks for the smallest feasible bound found by search.
type HInfConfig struct {
	Weights          LQRWeights
	Gamma            float64
	ProcessNoise     float64
	MeasurementNoise float64
}

var DefaultHInfConfig = HInfConfig{
	Weights:          DefaultLQRWeights,
	ProcessNoise:     0.1,
	MeasurementNoise: 0.01,
}

var errInfeasible = errors.New("control: no H-infinity controller for this gamma")

const maxGamma = 1 << 20

// HInf is the gamma-suboptimal central controller: an observer driven by the
// measured state and the applied force, followed by state feedback on the
// estimate.
type HInf struct {
	fb    feedback
	poles []complex128
	gamma float64
	l     *mat.Dense

	// Discretized observer x' = ao x + bo [F; y].
	ao    [dynamo.NumX][dynamo.NumX]float64
	bo    [dynamo.NumX][1 + dynamo.NumX]float64
	xhat  [dynamo.NumX]float64
	prevY [dynamo.NumX]float64
	init  bool

	pred  *delay.Predictor
	stats predictStats
}

type hinfDesign struct {
	gamma float64
	k     *mat.Dense
	l     *mat.Dense
	ao    *mat.Dense // continuous observer matrix
	bo    *mat.Dense // continuous observer inputs [B, -Z L]
	acl   *mat.Dense
}

// NewHInf designs the controller for lin and discretizes its observer with a
// zero-order hold of dt. pred may be nil.
func NewHInf(lin *physics.LinearModel, cfg HInfConfig, dt float64, pred *delay.Predictor) (*HInf, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if dt <= 0 {
		return nil, dynamo.Configf("dt", "must be positive, got %v", dt)
	}

	var d *hinfDesign
	var err error
	if cfg.Gamma > 0 {
		d, err = designHInf(lin, cfg, cfg.Gamma)
		if err != nil {
			return nil, &dynamo.ConfigurationError{Field: "hinf.gamma", Reason: fmt.Sprintf("gamma %v", cfg.Gamma), Wrapped: err}
		}
	} else {
		d, err = searchHInf(lin, cfg)
		if err != nil {
			return nil, &dynamo.ConfigurationError{Field: "hinf.gamma", Reason: "search", Wrapped: err}
		}
	}

	fb, err := newFeedback(d.k)
	if err != nil {
		return nil, &dynamo.ConfigurationError{Field: "hinf", Wrapped: err}
	}
	poles, err := verifyStabilizing("hinf", lin, fb)
	if err != nil {
		return nil, err
	}
	if err := lti.CheckHurwitz(d.acl); err != nil {
		return nil, &dynamo.ConfigurationError{Field: "hinf", Reason: "observer-based closed loop", Wrapped: err}
	}

	aod, bod := lti.Discretize(d.ao, d.bo, dt)
	h := &HInf{fb: fb, poles: poles, gamma: d.gamma, l: d.l, pred: pred}
	for i := 0; i < dynamo.NumX; i++ {
		for j := 0; j < dynamo.NumX; j++ {
			h.ao[i][j] = aod.At(i, j)
		}
		for j := 0; j < 1+dynamo.NumX; j++ {
			h.bo[i][j] = bod.At(i, j)
		}
	}
	return h, nil
}

func (c HInfConfig) validate() error {
	for i, v := range c.Weights.Q {
		if !finite(v) || v < 0 {
			return dynamo.Configf("hinf.q", "weight %d must be non-negative, got %v", i, v)
		}
	}
	if !finite(c.Weights.R) || c.Weights.R <= 0 {
		return dynamo.Configf("hinf.r", "must be positive, got %v", c.Weights.R)
	}
	if !finite(c.Gamma) || c.Gamma < 0 {
		return dynamo.Configf("hinf.gamma", "must be non-negative, got %v", c.Gamma)
	}
	if !finite(c.ProcessNoise) || c.ProcessNoise <= 0 {
		return dynamo.Configf("hinf.process_noise", "must be positive, got %v", c.ProcessNoise)
	}
	if !finite(c.MeasurementNoise) || c.MeasurementNoise <= 0 {
		return dynamo.Configf("hinf.measurement_noise", "must be positive, got %v", c.MeasurementNoise)
	}
	return nil
}

// searchHInf doubles gamma from 1 until the design is feasible, bisects the
// last interval, and backs off 10% from the boundary for conditioning.
func searchHInf(lin *physics.LinearModel, cfg HInfConfig) (*hinfDesign, error) {
	lo, hi := 0.0, 1.0
	var found *hinfDesign
	for ; hi <= maxGamma; hi *= 2 {
		if d, err := designHInf(lin, cfg, hi); err == nil {
			found = d
			break
		}
		lo = hi
	}
	if found == nil {
		return nil, fmt.Errorf("%w up to %v", errInfeasible, float64(maxGamma))
	}

	for i := 0; i < 8; i++ {
		mid := 0.5 * (lo + hi)
		if _, err := designHInf(lin, cfg, mid); err == nil {
			hi = mid
		} else {
			lo = mid
		}
	}
	if d, err := designHInf(lin, cfg, 1.1*hi); err == nil {
		return d, nil
	}
	if hi == found.gamma {
		return found, nil
	}
	return designHInf(lin, cfg, hi)
}

func designHInf(lin *physics.LinearModel, cfg HInfConfig, gamma float64) (*hinfDesign, error) {
	n := dynamo.NumX
	a, b2 := lin.A, lin.B
	g2 := 1 / (gamma * gamma)

	// B1 = [B, sigma_p I, 0] and D21 = [0, 0, sigma_m I].
	b1 := mat.NewDense(n, 1+2*n, nil)
	b1.Slice(0, n, 0, 1).(*mat.Dense).Copy(b2)
	for i := 0; i < n; i++ {
		b1.Set(i, 1+i, cfg.ProcessNoise)
	}
	var b1b1 mat.Dense
	b1b1.Mul(b1, b1.T())

	q := lti.Diag(cfg.Weights.Q[:]...)
	rinv := 1 / cfg.Weights.R
	vinv := 1 / (cfg.MeasurementNoise * cfg.MeasurementNoise)

	// Control Riccati: S = B2 R^-1 B2^T - gamma^-2 B1 B1^T.
	var sx, tmp mat.Dense
	sx.Mul(b2, b2.T())
	sx.Scale(rinv, &sx)
	tmp.Scale(g2, &b1b1)
	sx.Sub(&sx, &tmp)
	x, err := lti.SolveCARE(a, &sx, q)
	if err != nil {
		return nil, fmt.Errorf("%w: X: %v", errInfeasible, err)
	}

	// Filter Riccati (dual): S = C2^T V^-1 C2 - gamma^-2 C1^T C1.
	sy := lti.Diag(vinv, vinv, vinv, vinv, vinv, vinv)
	tmp.Scale(g2, q)
	sy.Sub(sy, &tmp)
	y, err := lti.SolveCARE(a.T(), sy, &b1b1)
	if err != nil {
		return nil, fmt.Errorf("%w: Y: %v", errInfeasible, err)
	}

	if !lti.IsPositiveSemidefinite(x) || !lti.IsPositiveSemidefinite(y) {
		return nil, fmt.Errorf("%w: Riccati solution is indefinite", errInfeasible)
	}
	var xy mat.Dense
	xy.Mul(x, y)
	rho, err := lti.SpectralRadius(&xy)
	if err != nil {
		return nil, err
	}
	if rho >= gamma*gamma {
		return nil, fmt.Errorf("%w: spectral radius %.4g >= gamma^2", errInfeasible, rho)
	}

	// K = R^-1 B2^T X, so F = -K x.
	k := new(mat.Dense)
	k.Mul(b2.T(), x)
	k.Scale(rinv, k)

	// L = -Y C2^T V^-1, Z = (I - gamma^-2 Y X)^-1.
	l := new(mat.Dense)
	l.Scale(-vinv, y)
	var zi, z mat.Dense
	zi.Mul(y, x)
	zi.Scale(-g2, &zi)
	for i := 0; i < n; i++ {
		zi.Set(i, i, zi.At(i, i)+1)
	}
	if err := z.Inverse(&zi); err != nil {
		return nil, fmt.Errorf("%w: I - YX/gamma^2: %v", errInfeasible, err)
	}
	var zl mat.Dense
	zl.Mul(&z, l)

	// Observer: A + gamma^-2 B1 B1^T X + Z L C2, inputs [B2, -Z L] on [F; y].
	ao := new(mat.Dense)
	ao.Mul(&b1b1, x)
	ao.Scale(g2, ao)
	ao.Add(ao, a)
	ao.Add(ao, &zl)

	bo := mat.NewDense(n, 1+n, nil)
	bo.Slice(0, n, 0, 1).(*mat.Dense).Copy(b2)
	bo.Slice(0, n, 1, 1+n).(*mat.Dense).Scale(-1, &zl)

	// Closed loop of plant and observer with F = -K xhat:
	// [[A, -B2 K], [-Z L, Ao - B2 K]].
	var bk mat.Dense
	bk.Mul(b2, k)
	acl := mat.NewDense(2*n, 2*n, nil)
	acl.Slice(0, n, 0, n).(*mat.Dense).Copy(a)
	acl.Slice(0, n, n, 2*n).(*mat.Dense).Scale(-1, &bk)
	acl.Slice(n, 2*n, 0, n).(*mat.Dense).Scale(-1, &zl)
	lower := acl.Slice(n, 2*n, n, 2*n).(*mat.Dense)
	lower.Sub(ao, &bk)

	for _, m := range []*mat.Dense{k, ao, bo} {
		r, c := m.Dims()
		for i := 0; i < r; i++ {
			for j := 0; j < c; j++ {
				if v := m.At(i, j); math.IsNaN(v) || math.IsInf(v, 0) {
					return nil, fmt.Errorf("%w: non-finite controller matrices", errInfeasible)
				}
			}
		}
	}
	return &hinfDesign{gamma: gamma, k: k, l: l, ao: ao, bo: bo, acl: acl}, nil
}

func (h *HInf) Name() string { return "hinf" }

// Compute advances the observer by one tick with the previous measurement and
// the force applied over that tick, then returns feedback on the estimate.
func (h *HInf) Compute(obs Observation) float64 {
	y := obs.State.Vector()
	if !h.init {
		copy(h.xhat[:], y)
		h.init = true
	} else {
		var next [dynamo.NumX]float64
		for i := 0; i < dynamo.NumX; i++ {
			v := h.bo[i][0] * obs.State.F
			for j := 0; j < dynamo.NumX; j++ {
				v += h.ao[i][j]*h.xhat[j] + h.bo[i][1+j]*h.prevY[j]
			}
			next[i] = v
		}
		h.xhat = next
	}
	copy(h.prevY[:], y)

	est := obs
	est.State = obs.State.WithVector(h.xhat[:])
	x := estimate(h.pred, est, &h.stats)
	return h.fb.apply(x, obs.Reference)
}

// Estimate is the current observer state.
func (h *HInf) Estimate() [dynamo.NumX]float64 { return h.xhat }

func (h *HInf) Gamma() float64 { return h.gamma }

func (h *HInf) Reset() {
	h.xhat = [dynamo.NumX]float64{}
	h.prevY = [dynamo.NumX]float64{}
	h.init = false
	h.stats.reset()
}

func (h *HInf) Gains() GainSet {
	return GainSet{
		K:     h.fb.slice(),
		Poles: append([]complex128(nil), h.poles...),
		Gamma: h.gamma,
		L:     mat.DenseCopyOf(h.l),
	}
}
