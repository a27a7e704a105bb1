package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/san-kum/dipcsim/internal/dynamo"
	"github.com/san-kum/dipcsim/internal/sim"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Law != LawLQR {
		t.Errorf("expected law lqr, got %s", cfg.Law)
	}
	if cfg.Params.Dt <= 0 {
		t.Error("dt should be positive")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestPresetsValidate(t *testing.T) {
	for _, name := range ListPresets() {
		cfg := GetPreset(name)
		if cfg == nil {
			t.Fatalf("preset %s missing", name)
		}
		if err := cfg.Validate(); err != nil {
			t.Errorf("preset %s: %v", name, err)
		}
	}
}

func TestGetPreset(t *testing.T) {
	cfg := GetPreset("pd_delay")
	if cfg == nil {
		t.Fatal("expected preset, got nil")
	}
	if cfg.Params.DelaySteps() != 5 {
		t.Errorf("expected 5 delay steps, got %d", cfg.Params.DelaySteps())
	}

	// Presets are handed out as copies.
	cfg.PolePlacement.Poles[0].Re = 99
	if GetPreset("pd_delay").PolePlacement.Poles[0].Re == 99 {
		t.Error("GetPreset should not share state")
	}
}

func TestGetPreset_NotFound(t *testing.T) {
	if cfg := GetPreset("nonexistent"); cfg != nil {
		t.Error("expected nil for nonexistent preset")
	}
}

func TestListPresetsSorted(t *testing.T) {
	names := ListPresets()
	if len(names) == 0 {
		t.Fatal("expected presets")
	}
	for i := 1; i < len(names); i++ {
		if names[i-1] > names[i] {
			t.Errorf("not sorted: %v", names)
		}
	}
}

func TestParseOverridesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
law: pd
duration: 2.5
pacing: lockstep
params:
  mass1: 0.3
  delay: 0.004
pd:
  kp: [1, -80, 80]
  kd: [2, -3, 8]
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Law != LawPD || cfg.Duration != 2.5 {
		t.Errorf("unexpected %+v", cfg)
	}
	if cfg.Params.Mass1 != 0.3 || cfg.Params.Mass2 != 0.2 {
		t.Errorf("params not merged over defaults: %+v", cfg.Params)
	}
	if cfg.PD.Kp[1] != -80 {
		t.Errorf("kp = %v", cfg.PD.Kp)
	}
	sc, err := cfg.SimConfig()
	if err != nil {
		t.Fatal(err)
	}
	if sc.Pacing != sim.Lockstep || sc.Duration != 2.5 {
		t.Errorf("sim config = %+v", sc)
	}
}

func TestParseRejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"unknown key", "lwa: pd\n", "yaml"},
		{"unknown law", "law: pid\n", "law"},
		{"zero dt", "params: {dt: 0}\n", "dt"},
		{"negative mass", "params: {mass2: -1}\n", "mass2"},
		{"bad pacing", "pacing: slow\n", "pacing"},
		{"pole count", "law: pole_placement\npole_placement: {poles: [{re: -1}]}\n", "poles"},
		{"lqr weight", "law: lqr\nlqr: {q: [1, 1, 1, 1, 1, -1], r: 1}\n", "lqr.q"},
		{"hinf noise", "law: hinf\nhinf: {process_noise: 0}\n", "noise"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
			if !errors.Is(err, dynamo.ErrConfiguration) && !errors.Is(err, dynamo.ErrModel) {
				t.Errorf("error should be a configuration or model error: %v", err)
			}
		})
	}
}

func TestValidateReportsAllProblems(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Duration = -1
	cfg.MaxAngle = -1
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"duration", "max_angle"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("missing %q in %v", want, err)
		}
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "run.yaml")
	cfg := GetPreset("hinf")
	cfg.HInf.Gamma = 3
	cfg.PolePlacement.Poles = []Pole{{Re: -2, Im: 1}, {Re: -2, Im: -1}, {Re: -3}, {Re: -4}, {Re: -5}, {Re: -6}}

	if err := Save(path, cfg); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.Law != LawHInf || got.HInf.Gamma != 3 {
		t.Errorf("round trip lost fields: %+v", got)
	}
	poles := got.Poles()
	if len(poles) != 6 || poles[0] != complex(-2, 1) {
		t.Errorf("poles = %v", poles)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("expected not-exist error, got %v", err)
	}
}

func TestRangeValues(t *testing.T) {
	tests := []struct {
		r    Range
		want []float64
	}{
		{Range{Min: 1, Max: 2, Step: 0.5}, []float64{1, 1.5, 2}},
		{Range{Min: -3, Max: -1, Step: 1}, []float64{-3, -2, -1}},
		{Range{Min: 4}, []float64{4}},
		{Range{Min: 0, Max: 0.3, Step: 0.1}, []float64{0, 0.1, 0.2, 0.3}},
	}
	for _, tt := range tests {
		got := tt.r.Values()
		if len(got) != len(tt.want) {
			t.Errorf("%+v: got %v, want %v", tt.r, got, tt.want)
			continue
		}
		for i := range got {
			if d := got[i] - tt.want[i]; d > 1e-12 || d < -1e-12 {
				t.Errorf("%+v: got %v, want %v", tt.r, got, tt.want)
			}
		}
	}
}

func TestInitialState(t *testing.T) {
	cfg := DefaultConfig()
	cfg.InitState = InitStateConfig{X: 0.1, Theta1: 0.2, Omega2: -1}
	s := cfg.InitialState()
	if s.Q[dynamo.Cart] != 0.1 || s.Q[dynamo.Theta1] != 0.2 || s.DQ[dynamo.Theta2] != -1 {
		t.Errorf("initial state = %+v", s)
	}
}
