package optim

import (
	"context"

	"github.com/san-kum/dipcsim/internal/config"
	"github.com/san-kum/dipcsim/internal/dynamo"
	"github.com/san-kum/dipcsim/internal/experiment"
	"github.com/san-kum/dipcsim/internal/logging"
)

const (
	ParamKp = "kp_theta1"
	ParamKd = "kd_theta1"

	scoreMetric = "mean_square_theta1"
)

// PDTuner sweeps the theta1 gains of the PD law with the configured actuation
// delay. Every other gain comes from the base configuration. A run is
// aborted as soon as theta1 or theta2 leaves the tuning max angle, and the
// score is the mean squared theta1 over the run.
type PDTuner struct {
	base *config.Config
	log  logging.Logger
}

func NewPDTuner(base *config.Config, log logging.Logger) (*PDTuner, error) {
	if err := base.ValidateTune(); err != nil {
		return nil, err
	}
	if log == nil {
		log = logging.Noop()
	}
	return &PDTuner{base: base.Clone(), log: log}, nil
}

// Config returns the run configuration used for one grid point.
func (t *PDTuner) Config(kp, kd float64) *config.Config {
	cfg := t.base.Clone()
	cfg.Law = config.LawPD
	cfg.Pacing = "lockstep"
	cfg.Duration = t.base.Tune.Duration
	cfg.MaxAngle = t.base.Tune.MaxAngle
	cfg.PD.Kp[dynamo.Theta1] = kp
	cfg.PD.Kd[dynamo.Theta1] = kd
	return cfg
}

func (t *PDTuner) Tune(ctx context.Context) ([]Trial, error) {
	tc := t.base.Tune
	grid := NewGridSearch([]string{ParamKp, ParamKd}, [][]float64{tc.Kp.Values(), tc.Kd.Values()}, tc.Workers)
	t.log.Info(ctx, "pd tuning started",
		logging.Int("points", len(tc.Kp.Values())*len(tc.Kd.Values())),
		logging.Float("delay", t.base.Params.Delay))

	trials, err := grid.Search(ctx, func(p map[string]float64) (*experiment.Experiment, error) {
		return experiment.New(t.Config(p[ParamKp], p[ParamKd]), nil, nil)
	}, scoreMetric)
	if err != nil {
		return nil, err
	}

	if len(trials) > 0 {
		best := trials[0]
		t.log.Info(ctx, "pd tuning finished",
			logging.Float(ParamKp, best.Params[ParamKp]),
			logging.Float(ParamKd, best.Params[ParamKd]),
			logging.Float("score", best.Score))
	}
	return trials, nil
}
