package experiment

import (
	"context"
	"fmt"
	"strings"

	"github.com/san-kum/dipcsim/internal/config"
	"github.com/san-kum/dipcsim/internal/control"
	"github.com/san-kum/dipcsim/internal/delay"
	"github.com/san-kum/dipcsim/internal/logging"
	"github.com/san-kum/dipcsim/internal/metrics"
	"github.com/san-kum/dipcsim/internal/physics"
	"github.com/san-kum/dipcsim/internal/sim"
)

// Experiment is one configured plant and law, ready to be run.
type Experiment struct {
	cfg     *config.Config
	env     Env
	law     control.Law
	metrics *metrics.Set
	log     logging.Logger
}

// Result is a finished run together with its metric values.
type Result struct {
	sim.Result
	Law     string
	Metrics map[string]float64
}

// New validates cfg, builds the model, linearizes it about the upright
// equilibrium and designs the configured law. A nil registry uses the
// built-in laws.
func New(cfg *config.Config, reg *Registry, log logging.Logger) (*Experiment, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if reg == nil {
		reg = NewRegistry()
	}
	if log == nil {
		log = logging.Noop()
	}

	params := cfg.Params.WithDefaults()
	model, err := physics.New(params)
	if err != nil {
		return nil, err
	}
	lin, err := model.Linearize(physics.Upright)
	if err != nil {
		return nil, err
	}
	env := Env{Config: cfg, Params: params, Model: model, Linear: lin}
	if cfg.Compensate {
		env.Predictor, err = delay.NewPredictor(lin, params.Dt, params.DelaySteps())
		if err != nil {
			return nil, err
		}
	}

	name := strings.ToLower(cfg.Law)
	law, err := reg.GetLaw(name, env)
	if err != nil {
		return nil, err
	}

	e := &Experiment{
		cfg:     cfg,
		env:     env,
		law:     law,
		metrics: reg.DefaultMetrics(env),
		log:     log.With(logging.String("law", name)),
	}
	if d, ok := law.(control.Designed); ok {
		g := d.Gains()
		fields := []logging.Field{logging.Any("k", g.K)}
		if g.Gamma > 0 {
			fields = append(fields, logging.Float("gamma", g.Gamma))
		}
		e.log.Debug(context.Background(), "gains designed", fields...)
	}
	return e, nil
}

func (e *Experiment) Config() *config.Config       { return e.cfg }
func (e *Experiment) Law() control.Law             { return e.law }
func (e *Experiment) Model() *physics.DIPC         { return e.env.Model }
func (e *Experiment) Linear() *physics.LinearModel { return e.env.Linear }
func (e *Experiment) Metrics() *metrics.Set        { return e.metrics }

// Loop builds an idle loop for this experiment. The metric set is attached
// as the first observer.
func (e *Experiment) Loop(opts ...sim.Option) (*sim.Loop, error) {
	sc, err := e.cfg.SimConfig()
	if err != nil {
		return nil, err
	}
	if r, ok := e.law.(control.Resetter); ok {
		r.Reset()
	}
	e.metrics.Reset()

	all := append([]sim.Option{sim.WithObserver(e.metrics), sim.WithLogger(e.log)}, opts...)
	return sim.New(e.env.Model, e.law, e.env.Params, e.cfg.InitialState(), sc, all...)
}

// Run builds a loop that starts immediately, runs it to completion and
// collects the metrics.
func (e *Experiment) Run(ctx context.Context, opts ...sim.Option) (*Result, error) {
	sc, err := e.cfg.SimConfig()
	if err != nil {
		return nil, err
	}
	if sc.Duration == 0 && sc.MaxAngle == 0 {
		return nil, fmt.Errorf("experiment: run needs a duration or a max angle to terminate")
	}

	loop, err := e.Loop(opts...)
	if err != nil {
		return nil, err
	}
	loop.Start()
	res, err := loop.Run(ctx)
	return &Result{Result: res, Law: e.law.Name(), Metrics: e.metrics.Values()}, err
}
