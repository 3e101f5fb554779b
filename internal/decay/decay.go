package decay

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

// Family selects the decay curve applied between distance 2 and MaxDistance.
type Family string

const (
	FamilyLinear      Family = "linear"
	FamilyExponential Family = "exponential"
)

const (
	DefaultAlpha       = 0.1
	DefaultMaxDistance = 1000
	DefaultSelfWeight  = 1.0
)

// ErrInvalidDistance is returned for negative or non-integral distances.
var ErrInvalidDistance = errors.New("invalid distance")

type Config struct {
	// Family is the decay curve. Defaults to linear.
	Family Family

	// Alpha is the decay slope. Defaults to 0.1.
	Alpha float64

	// MaxDistance is the unreachable sentinel. Any distance at or beyond it
	// normalizes to 0. Defaults to 1000, matching the graph's sentinel.
	MaxDistance int

	// SelfWeight is the weight reported for distance 0, in [0,1].
	// Defaults to 1.
	SelfWeight float64
}

func (c *Config) Validate() error {
	if c.Family == "" {
		c.Family = FamilyLinear
	}
	if c.Family != FamilyLinear && c.Family != FamilyExponential {
		return fmt.Errorf("unknown decay family %q", c.Family)
	}
	if c.Alpha == 0 {
		c.Alpha = DefaultAlpha
	}
	if c.Alpha < 0 {
		return errors.New("alpha must be positive")
	}
	if c.MaxDistance == 0 {
		c.MaxDistance = DefaultMaxDistance
	}
	if c.MaxDistance < 0 {
		return errors.New("max distance must be positive")
	}
	if c.SelfWeight == 0 {
		c.SelfWeight = DefaultSelfWeight
	}
	if c.SelfWeight < 0 || c.SelfWeight > 1 {
		return errors.New("self weight must be in [0,1]")
	}
	return nil
}

// Normalizer maps hop distances onto weights in [0,1].
type Normalizer struct {
	cfg Config
}

func New(cfg Config) (*Normalizer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid decay config: %w", err)
	}
	return &Normalizer{cfg: cfg}, nil
}

// Normalize maps a hop distance to a weight. Distance 0 is the root itself
// and reports the configured self weight. Distance 1 is always full weight,
// even when MaxDistance is 1. Distances at or beyond MaxDistance report 0.
func (n *Normalizer) Normalize(distance int) (float64, error) {
	if distance < 0 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidDistance, distance)
	}
	switch {
	case distance == 0:
		return n.cfg.SelfWeight, nil
	case distance == 1:
		return 1, nil
	case distance >= n.cfg.MaxDistance:
		return 0, nil
	}
	if n.cfg.Family == FamilyExponential {
		return math.Exp(-n.cfg.Alpha * float64(distance)), nil
	}
	w := 1 - n.cfg.Alpha*float64(distance-1)
	if w < 0 {
		return 0, nil
	}
	return w, nil
}

// NormalizeFloat guards the untyped boundary: the value must be a
// non-negative integral number, else ErrInvalidDistance.
func (n *Normalizer) NormalizeFloat(distance float64) (float64, error) {
	if math.IsNaN(distance) || math.IsInf(distance, 0) || distance != math.Trunc(distance) || distance < 0 {
		return 0, fmt.Errorf("%w: %v", ErrInvalidDistance, distance)
	}
	return n.Normalize(int(distance))
}

var profiles = map[string]Config{
	"default":      {Family: FamilyLinear, Alpha: 0.1},
	"conservative": {Family: FamilyLinear, Alpha: 0.2},
	"progressive":  {Family: FamilyLinear, Alpha: 0.05},
	"strict":       {Family: FamilyLinear, Alpha: 0.3},
	"extended":     {Family: FamilyLinear, Alpha: 0.025},
	"balanced":     {Family: FamilyLinear, Alpha: 0.15},
	"exponential":  {Family: FamilyExponential, Alpha: 0.1},
}

// Profile returns the named decay preset. Presets differ in slope; the
// exponential preset also switches the family.
func Profile(name string) (Config, bool) {
	cfg, ok := profiles[name]
	return cfg, ok
}

// ProfileNames returns the available preset names, sorted.
func ProfileNames() []string {
	names := make([]string, 0, len(profiles))
	for name := range profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
