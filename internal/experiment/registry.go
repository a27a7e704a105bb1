package experiment

import (
	"fmt"
	"sort"

	"github.com/san-kum/dipcsim/internal/config"
	"github.com/san-kum/dipcsim/internal/control"
	"github.com/san-kum/dipcsim/internal/delay"
	"github.com/san-kum/dipcsim/internal/dynamo"
	"github.com/san-kum/dipcsim/internal/metrics"
	"github.com/san-kum/dipcsim/internal/physics"
)

// Env is everything a law factory may need.
type Env struct {
	Config    *config.Config
	Params    dynamo.Params
	Model     *physics.DIPC
	Linear    *physics.LinearModel
	Predictor *delay.Predictor // nil when compensation is off
}

type LawFactory func(env Env) (control.Law, error)

type Registry struct {
	laws map[string]LawFactory
}

func NewRegistry() *Registry {
	r := &Registry{laws: make(map[string]LawFactory)}

	r.laws[config.LawNone] = func(Env) (control.Law, error) { return control.NewNone(), nil }
	r.laws[config.LawPD] = func(env Env) (control.Law, error) {
		pd := env.Config.PD
		k := append(pd.Kp[:], pd.Kd[:]...)
		if _, err := control.VerifyGains("pd", env.Linear, k); err != nil {
			return nil, err
		}
		return control.NewPD(pd.Kp, pd.Kd, env.Params.Dt)
	}
	r.laws[config.LawPolePlacement] = func(env Env) (control.Law, error) {
		pp := env.Config.PolePlacement
		if len(pp.Poles) == 0 {
			return control.NewStabilityMargin(env.Linear, pp.Alpha)
		}
		return control.NewPolePlacement(env.Linear, env.Config.Poles())
	}
	r.laws[config.LawLQR] = func(env Env) (control.Law, error) {
		return control.NewLQR(env.Linear, env.Config.LQR.Weights(), env.Predictor)
	}
	r.laws[config.LawHInf] = func(env Env) (control.Law, error) {
		h := env.Config.HInf
		return control.NewHInf(env.Linear, control.HInfConfig{
			Weights:          h.Weights.Weights(),
			Gamma:            h.Gamma,
			ProcessNoise:     h.ProcessNoise,
			MeasurementNoise: h.MeasurementNoise,
		}, env.Params.Dt, env.Predictor)
	}

	return r
}

// Register adds or replaces a law.
func (r *Registry) Register(name string, f LawFactory) {
	r.laws[name] = f
}

func (r *Registry) GetLaw(name string, env Env) (control.Law, error) {
	fn, ok := r.laws[name]
	if !ok {
		return nil, dynamo.Configf("law", "unknown law: %s", name)
	}
	law, err := fn(env)
	if err != nil {
		return nil, fmt.Errorf("build %s: %w", name, err)
	}
	return law, nil
}

func (r *Registry) ListLaws() []string {
	names := make([]string, 0, len(r.laws))
	for name := range r.laws {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DefaultMetrics are the run metrics scored against the LQR weights of the
// configuration.
func (r *Registry) DefaultMetrics(env Env) *metrics.Set {
	w := env.Config.LQR
	threshold := env.Config.MaxAngle
	if threshold <= 0 {
		threshold = config.DefaultMaxAngle
	}
	return metrics.Standard(env.Model.Energy, w.Q, w.R, threshold/10)
}
