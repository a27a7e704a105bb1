package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/san-kum/dipcsim/internal/control"
	"github.com/san-kum/dipcsim/internal/dynamo"
	"github.com/san-kum/dipcsim/internal/logging"
	"github.com/san-kum/dipcsim/internal/sim"
)

const (
	DefaultDuration = 10.0
	DefaultTheta    = 0.05
	DefaultMaxAngle = 1.0
)

// Law names accepted in the law field.
const (
	LawNone          = "none"
	LawPD            = "pd"
	LawPolePlacement = "pole_placement"
	LawLQR           = "lqr"
	LawHInf          = "hinf"
)

var Laws = []string{LawNone, LawPD, LawPolePlacement, LawLQR, LawHInf}

type Config struct {
	Law        string          `yaml:"law"`
	Params     dynamo.Params   `yaml:"params"`
	Duration   float64         `yaml:"duration"`
	MaxAngle   float64         `yaml:"max_angle"`
	Pacing     string          `yaml:"pacing"`
	MaxCatchUp int             `yaml:"max_catch_up"`
	Compensate bool            `yaml:"compensate"`
	InitState  InitStateConfig `yaml:"init_state"`
	Reference  InitStateConfig `yaml:"reference"`
	Input      sim.InputBounds `yaml:"input"`

	PD            PDConfig            `yaml:"pd"`
	PolePlacement PolePlacementConfig `yaml:"pole_placement"`
	LQR           WeightsConfig       `yaml:"lqr"`
	HInf          HInfConfig          `yaml:"hinf"`

	Tune    TuneConfig     `yaml:"tune"`
	Log     logging.Config `yaml:"log"`
	Metrics MetricsConfig  `yaml:"metrics"`
	Storage StorageConfig  `yaml:"storage"`
}

// InitStateConfig is a configuration of the cart and rods. Velocities are
// ignored when used as a reference.
type InitStateConfig struct {
	X      float64 `yaml:"x"`
	Theta1 float64 `yaml:"theta1"`
	Theta2 float64 `yaml:"theta2"`
	DX     float64 `yaml:"dx"`
	Omega1 float64 `yaml:"omega1"`
	Omega2 float64 `yaml:"omega2"`
}

type PDConfig struct {
	Kp [dynamo.NumQ]float64 `yaml:"kp,flow"`
	Kd [dynamo.NumQ]float64 `yaml:"kd,flow"`
}

type Pole struct {
	Re float64 `yaml:"re"`
	Im float64 `yaml:"im"`
}

// PolePlacementConfig asks for either explicit poles or a stability margin.
type PolePlacementConfig struct {
	Poles []Pole  `yaml:"poles"`
	Alpha float64 `yaml:"alpha"`
}

type WeightsConfig struct {
	Q [dynamo.NumX]float64 `yaml:"q,flow"`
	R float64              `yaml:"r"`
}

type HInfConfig struct {
	Weights          WeightsConfig `yaml:"weights"`
	Gamma            float64       `yaml:"gamma"`
	ProcessNoise     float64       `yaml:"process_noise"`
	MeasurementNoise float64       `yaml:"measurement_noise"`
}

// Range is an inclusive grid axis.
type Range struct {
	Min  float64 `yaml:"min"`
	Max  float64 `yaml:"max"`
	Step float64 `yaml:"step"`
}

// Values expands the range. A zero step yields only Min.
func (r Range) Values() []float64 {
	if r.Step <= 0 || r.Max < r.Min {
		return []float64{r.Min}
	}
	n := int(math.Floor((r.Max-r.Min)/r.Step+1e-9)) + 1
	out := make([]float64, n)
	for i := range out {
		out[i] = r.Min + float64(i)*r.Step
	}
	return out
}

// TuneConfig drives the PD grid search over the theta1 gains.
type TuneConfig struct {
	Kp       Range   `yaml:"kp"`
	Kd       Range   `yaml:"kd"`
	Duration float64 `yaml:"duration"`
	MaxAngle float64 `yaml:"max_angle"`
	Workers  int     `yaml:"workers"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

type StorageConfig struct {
	Dir string `yaml:"dir"`
}

func DefaultConfig() *Config {
	return &Config{
		Law:        LawLQR,
		Params:     dynamo.DefaultParams(),
		Duration:   DefaultDuration,
		MaxAngle:   DefaultMaxAngle,
		Pacing:     "realtime",
		MaxCatchUp: sim.DefaultMaxCatchUp,
		Compensate: true,
		InitState:  InitStateConfig{Theta1: DefaultTheta, Theta2: DefaultTheta},
		Input:      sim.InputBounds{CartReference: 1, Disturbance: 20},
		PD: PDConfig{
			Kp: [dynamo.NumQ]float64{1.3, -89, 87.7},
			Kd: [dynamo.NumQ]float64{2.0, -3.2, 7.9},
		},
		PolePlacement: PolePlacementConfig{
			Poles: []Pole{{Re: -3}, {Re: -3.5}, {Re: -4}, {Re: -4.5}, {Re: -5}, {Re: -5.5}},
		},
		LQR: weightsFrom(control.DefaultLQRWeights),
		HInf: HInfConfig{
			Weights:          weightsFrom(control.DefaultLQRWeights),
			ProcessNoise:     control.DefaultHInfConfig.ProcessNoise,
			MeasurementNoise: control.DefaultHInfConfig.MeasurementNoise,
		},
		Tune: TuneConfig{
			Kp:       Range{Min: -120, Max: -60, Step: 10},
			Kd:       Range{Min: -6, Max: 0, Step: 1},
			Duration: 3,
			MaxAngle: 0.5,
		},
		Log:     logging.Config{Level: "info", Format: "console"},
		Storage: StorageConfig{Dir: "runs"},
	}
}

func weightsFrom(w control.LQRWeights) WeightsConfig {
	return WeightsConfig{Q: w.Q, R: w.R}
}

// Weights converts to the control package form.
func (w WeightsConfig) Weights() control.LQRWeights {
	return control.LQRWeights{Q: w.Q, R: w.R}
}

// Load reads a YAML file over the defaults. Unknown keys are rejected and the
// result is validated.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, &dynamo.ConfigurationError{Reason: "yaml", Wrapped: err}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, data, 0644)
}

// Clone returns a deep copy.
func (c *Config) Clone() *Config {
	out := *c
	out.PolePlacement.Poles = append([]Pole(nil), c.PolePlacement.Poles...)
	return &out
}

// Validate checks every field and reports all problems at once.
func (c *Config) Validate() error {
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	law := strings.ToLower(c.Law)
	known := false
	for _, l := range Laws {
		known = known || l == law
	}
	if !known {
		add(dynamo.Configf("law", "unknown law %q, want one of %s", c.Law, strings.Join(Laws, ", ")))
	}

	p := c.Params.WithDefaults()
	add(p.Validate())
	add(p.ValidateTiming())

	if !finite(c.Duration) || c.Duration < 0 {
		add(dynamo.Configf("duration", "must be non-negative, got %v", c.Duration))
	}
	if !finite(c.MaxAngle) || c.MaxAngle < 0 {
		add(dynamo.Configf("max_angle", "must be non-negative, got %v", c.MaxAngle))
	}
	if c.MaxCatchUp < 0 {
		add(dynamo.Configf("max_catch_up", "must be non-negative, got %d", c.MaxCatchUp))
	}
	if _, err := sim.ParsePacing(c.Pacing); err != nil {
		add(err)
	}
	for _, v := range []float64{c.Input.CartReference, c.Input.AngleReference, c.Input.Disturbance} {
		if !finite(v) || v < 0 {
			add(dynamo.Configf("input", "bounds must be non-negative, got %+v", c.Input))
			break
		}
	}
	for _, v := range []float64{
		c.InitState.X, c.InitState.Theta1, c.InitState.Theta2,
		c.InitState.DX, c.InitState.Omega1, c.InitState.Omega2,
		c.Reference.X, c.Reference.Theta1, c.Reference.Theta2,
	} {
		if !finite(v) {
			add(dynamo.Configf("init_state", "must be finite"))
			break
		}
	}

	switch law {
	case LawPD:
		for i := 0; i < dynamo.NumQ; i++ {
			if !finite(c.PD.Kp[i]) || !finite(c.PD.Kd[i]) {
				add(dynamo.Configf("pd", "gains must be finite"))
				break
			}
		}
	case LawPolePlacement:
		if len(c.PolePlacement.Poles) == 0 && c.PolePlacement.Alpha <= 0 {
			add(dynamo.Configf("pole_placement", "needs %d poles or a positive alpha", dynamo.NumX))
		}
		if n := len(c.PolePlacement.Poles); n != 0 && n != dynamo.NumX {
			add(dynamo.Configf("pole_placement.poles", "need %d poles, got %d", dynamo.NumX, n))
		}
	case LawLQR:
		add(c.LQR.validate("lqr"))
	case LawHInf:
		add(c.HInf.Weights.validate("hinf.weights"))
		if !finite(c.HInf.Gamma) || c.HInf.Gamma < 0 {
			add(dynamo.Configf("hinf.gamma", "must be non-negative, got %v", c.HInf.Gamma))
		}
		if !(c.HInf.ProcessNoise > 0) || !(c.HInf.MeasurementNoise > 0) {
			add(dynamo.Configf("hinf", "noise levels must be positive"))
		}
	}

	return errors.Join(errs...)
}

func (w WeightsConfig) validate(field string) error {
	for i, v := range w.Q {
		if !finite(v) || v < 0 {
			return dynamo.Configf(field+".q", "weight %d must be non-negative, got %v", i, v)
		}
	}
	if !finite(w.R) || w.R <= 0 {
		return dynamo.Configf(field+".r", "must be positive, got %v", w.R)
	}
	return nil
}

// ValidateTune checks the grid search settings.
func (c *Config) ValidateTune() error {
	t := c.Tune
	for name, r := range map[string]Range{"tune.kp": t.Kp, "tune.kd": t.Kd} {
		if !finite(r.Min) || !finite(r.Max) || !finite(r.Step) || r.Step < 0 || r.Max < r.Min {
			return dynamo.Configf(name, "invalid range %+v", r)
		}
	}
	if !(t.Duration > 0) {
		return dynamo.Configf("tune.duration", "must be positive, got %v", t.Duration)
	}
	if !finite(t.MaxAngle) || t.MaxAngle < 0 {
		return dynamo.Configf("tune.max_angle", "must be non-negative, got %v", t.MaxAngle)
	}
	if t.Workers < 0 {
		return dynamo.Configf("tune.workers", "must be non-negative, got %d", t.Workers)
	}
	return nil
}

// InitialState is the starting state of a run.
func (c *Config) InitialState() dynamo.State {
	s := c.InitState
	return dynamo.State{
		Q:  [dynamo.NumQ]float64{s.X, s.Theta1, s.Theta2},
		DQ: [dynamo.NumQ]float64{s.DX, s.Omega1, s.Omega2},
	}
}

func (c *Config) ReferenceState() dynamo.Reference {
	return dynamo.Reference{Q: [dynamo.NumQ]float64{c.Reference.X, c.Reference.Theta1, c.Reference.Theta2}}
}

// SimConfig maps the run settings onto the loop configuration.
func (c *Config) SimConfig() (sim.Config, error) {
	pacing, err := sim.ParsePacing(c.Pacing)
	if err != nil {
		return sim.Config{}, err
	}
	return sim.Config{
		Pacing:     pacing,
		Duration:   c.Duration,
		MaxAngle:   c.MaxAngle,
		MaxCatchUp: c.MaxCatchUp,
		Reference:  c.ReferenceState(),
		Bounds:     c.Input,
	}, nil
}

// Poles converts the configured poles.
func (c *Config) Poles() []complex128 {
	out := make([]complex128, len(c.PolePlacement.Poles))
	for i, p := range c.PolePlacement.Poles {
		out[i] = complex(p.Re, p.Im)
	}
	return out
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
