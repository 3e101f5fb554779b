package trust

import (
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/ContextVM/relatr-sub002/internal/decay"
	"github.com/ContextVM/relatr-sub002/internal/validators"
	"github.com/ContextVM/relatr-sub002/internal/weights"
)

var (
	ErrInvalidInput    = errors.New("invalid trust input")
	ErrNoActiveProfile = errors.New("no active weight profile")
)

// Score is one computed trust value. DistanceComponent and
// ValidatorComponents are the weighted contributions, so they sum to Value
// modulo rounding.
type Score struct {
	Value               float64
	SocialDistance      int
	NormalizedDistance  float64
	DistanceComponent   float64
	ValidatorComponents map[string]float64
	Profile             string
}

type CalculatorConfig struct {
	Logger   *slog.Logger
	Registry *weights.Registry
	Decay    *decay.Normalizer
}

func (c *CalculatorConfig) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Registry == nil {
		return errors.New("weight registry is required")
	}
	if c.Decay == nil {
		return errors.New("decay normalizer is required")
	}
	return nil
}

// Calculator folds a hop distance and validator metrics into a bounded trust
// score under a weight profile.
type Calculator struct {
	log      *slog.Logger
	registry *weights.Registry
	decay    *decay.Normalizer
}

func NewCalculator(cfg CalculatorConfig) (*Calculator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid calculator config: %w", err)
	}
	return &Calculator{
		log:      cfg.Logger,
		registry: cfg.Registry,
		decay:    cfg.Decay,
	}, nil
}

// Compute scores one target. scheme selects a registry profile by name
// (empty uses the active one); overrides, when non-nil, are applied on top
// and the sum-to-one invariant is re-checked. Validators weighted by the
// profile but missing from metrics contribute 0.
func (c *Calculator) Compute(distance int, metrics map[string]float64, scheme string, overrides *weights.Overrides) (*Score, error) {
	if distance < 0 {
		return nil, fmt.Errorf("%w: negative distance %d", ErrInvalidInput, distance)
	}
	if metrics == nil {
		return nil, fmt.Errorf("%w: nil metrics", ErrInvalidInput)
	}

	profile, err := c.resolveProfile(scheme, overrides)
	if err != nil {
		return nil, err
	}

	nd, err := c.decay.Normalize(distance)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	distanceComponent := profile.DistanceWeight * nd
	total := distanceComponent

	validatorComponents := make(map[string]float64, len(profile.Validators))
	for _, name := range profile.ValidatorNames() {
		raw := validators.Clamp(metrics[name])
		weighted := profile.ValidatorWeight(name) * raw
		validatorComponents[name] = round2(weighted)
		total += weighted
	}

	return &Score{
		Value:               round2(clamp01(total)),
		SocialDistance:      distance,
		NormalizedDistance:  round2(nd),
		DistanceComponent:   round2(distanceComponent),
		ValidatorComponents: validatorComponents,
		Profile:             profile.Name,
	}, nil
}

func (c *Calculator) resolveProfile(scheme string, overrides *weights.Overrides) (*weights.Profile, error) {
	var profile *weights.Profile
	if scheme != "" {
		p, err := c.registry.Get(scheme)
		if err != nil {
			return nil, err
		}
		profile = p
	} else {
		profile = c.registry.Active()
		if profile == nil {
			return nil, ErrNoActiveProfile
		}
	}

	if overrides != nil {
		profile = weights.Apply(profile, overrides)
		if err := weights.CheckSum(profile); err != nil {
			return nil, err
		}
	}
	return profile, nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
