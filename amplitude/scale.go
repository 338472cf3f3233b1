package amplitude

import "math"

type Range struct {
	Min float64 `yaml:"min"`
	Max float64 `yaml:"max"`
}

func (r Range) clamp(v float64) float64 {
	if math.IsNaN(v) {
		return r.Min
	}
	return math.Max(r.Min, math.Min(r.Max, v))
}

type ScalerConfig struct {
	// Divisor turns the average byte magnitude into the raw scale.
	Divisor  float64 `yaml:"divisor"`
	Input    Range   `yaml:"input"`
	Output   Range   `yaml:"output"`
	Exponent float64 `yaml:"exponent"`
	// Smoothing is the weight kept from the previous output, in [0, 1).
	Smoothing float64 `yaml:"smoothing"`
}

func DefaultScalerConfig() ScalerConfig {
	return ScalerConfig{
		Divisor:  10,
		Input:    Range{Min: 0.5, Max: 2},
		Output:   Range{Min: 0.7, Max: 1.9},
		Exponent: 1.5,
	}
}

func (c ScalerConfig) valid() bool {
	return c.Divisor > 0 &&
		c.Input.Max > c.Input.Min &&
		c.Output.Max >= c.Output.Min &&
		c.Exponent > 0 &&
		c.Smoothing >= 0 && c.Smoothing < 1
}

// Ease maps a raw scale into the output range: clamp to the input range, normalize,
// apply the power curve, rescale, clamp again.
func Ease(raw float64, cfg ScalerConfig) float64 {
	clamped := cfg.Input.clamp(raw)
	normalized := (clamped - cfg.Input.Min) / (cfg.Input.Max - cfg.Input.Min)
	eased := math.Pow(normalized, cfg.Exponent)
	return cfg.Output.clamp(cfg.Output.Min + (cfg.Output.Max-cfg.Output.Min)*eased)
}

// Scaler applies Ease to successive averages with optional exponential smoothing.
type Scaler struct {
	cfg    ScalerConfig
	last   float64
	primed bool
}

func NewScaler(cfg ScalerConfig) *Scaler {
	return &Scaler{cfg: cfg}
}

func (s *Scaler) Scale(average float64) float64 {
	out := Ease(average/s.cfg.Divisor, s.cfg)
	if s.primed && s.cfg.Smoothing > 0 {
		out = s.cfg.Smoothing*s.last + (1-s.cfg.Smoothing)*out
	}
	s.last = s.cfg.Output.clamp(out)
	s.primed = true
	return s.last
}

func (s *Scaler) Reset() {
	s.primed = false
	s.last = s.cfg.Output.Min
}
