package config

import "sort"

func preset(mutate func(c *Config)) *Config {
	c := DefaultConfig()
	mutate(c)
	return c
}

// Presets are ready-made scenarios, keyed by name.
var Presets = map[string]*Config{
	"pd": preset(func(c *Config) {
		c.Law = LawPD
	}),
	"pd_delay": preset(func(c *Config) {
		c.Law = LawPD
		c.Params.Delay = 0.01
	}),
	"pole_placement": preset(func(c *Config) {
		c.Law = LawPolePlacement
	}),
	"margin": preset(func(c *Config) {
		c.Law = LawPolePlacement
		c.PolePlacement.Poles = nil
		c.PolePlacement.Alpha = 2
	}),
	"lqr": preset(func(c *Config) {
		c.Law = LawLQR
	}),
	"lqr_delay": preset(func(c *Config) {
		c.Law = LawLQR
		c.Params.Delay = 0.01
		c.InitState = InitStateConfig{Theta1: 0.02, Theta2: -0.02}
	}),
	"hinf": preset(func(c *Config) {
		c.Law = LawHInf
	}),
	"recover": preset(func(c *Config) {
		c.Law = LawLQR
		c.InitState = InitStateConfig{Theta1: 0.2, Theta2: -0.1}
	}),
	"human": preset(func(c *Config) {
		c.Law = LawNone
		c.Duration = 0
		c.InitState = InitStateConfig{Theta1: 0.01}
		c.Params.Dt = 0.005
	}),
}

// GetPreset returns a copy of the named preset, or nil.
func GetPreset(name string) *Config {
	cfg, ok := Presets[name]
	if !ok {
		return nil
	}
	return cfg.Clone()
}

// ListPresets returns the preset names in sorted order.
func ListPresets() []string {
	names := make([]string, 0, len(Presets))
	for name := range Presets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
