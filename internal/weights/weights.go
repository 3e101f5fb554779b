package weights

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
)

// Epsilon is the tolerance on the sum-to-one invariant.
const Epsilon = 0.01

var (
	ErrWeightSum       = errors.New("weight sum violates sum-to-one invariant")
	ErrNegativeWeight  = errors.New("negative weight")
	ErrProfileNotFound = errors.New("weight profile not found")
)

// Profile assigns a weight to the distance signal and to each validator by
// name. Weights must be non-negative and sum to one within Epsilon.
type Profile struct {
	Name           string
	DistanceWeight float64
	Validators     map[string]float64
}

// Sum returns the distance weight plus all validator weights.
func (p *Profile) Sum() float64 {
	sum := p.DistanceWeight
	for _, w := range p.Validators {
		sum += w
	}
	return sum
}

// ValidatorWeight returns the weight assigned to name, 0 when absent.
func (p *Profile) ValidatorWeight(name string) float64 {
	return p.Validators[name]
}

// ValidatorNames returns the weighted validator names, sorted.
func (p *Profile) ValidatorNames() []string {
	names := make([]string, 0, len(p.Validators))
	for name := range p.Validators {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Clone returns a deep copy.
func (p *Profile) Clone() *Profile {
	cp := &Profile{
		Name:           p.Name,
		DistanceWeight: p.DistanceWeight,
		Validators:     make(map[string]float64, len(p.Validators)),
	}
	for name, w := range p.Validators {
		cp.Validators[name] = w
	}
	return cp
}

// Overrides adjusts individual weights on top of a profile. Nil fields keep
// the base value.
type Overrides struct {
	DistanceWeight *float64
	Validators     map[string]float64
}

// Apply returns a clone of base with o layered on top. The result is not
// validated; callers re-check the sum-to-one invariant.
func Apply(base *Profile, o *Overrides) *Profile {
	merged := base.Clone()
	if o == nil {
		return merged
	}
	if o.DistanceWeight != nil {
		merged.DistanceWeight = *o.DistanceWeight
	}
	for name, w := range o.Validators {
		merged.Validators[name] = w
	}
	return merged
}

// CheckSum enforces the sum-to-one invariant strictly, with no
// normalization. Override weights supplied per request go through here.
func CheckSum(p *Profile) error {
	if err := checkNonNegative(p); err != nil {
		return err
	}
	if sum := p.Sum(); math.Abs(sum-1) > Epsilon {
		return fmt.Errorf("%w: sum is %.4f", ErrWeightSum, sum)
	}
	return nil
}

func checkNonNegative(p *Profile) error {
	if p.DistanceWeight < 0 {
		return fmt.Errorf("%w: distanceWeight %.4f", ErrNegativeWeight, p.DistanceWeight)
	}
	for name, w := range p.Validators {
		if w < 0 {
			return fmt.Errorf("%w: %s %.4f", ErrNegativeWeight, name, w)
		}
	}
	return nil
}

// Registry holds immutable named profiles and the active selection. The
// first registered profile becomes active until Activate picks another.
type Registry struct {
	log *slog.Logger

	mu       sync.RWMutex
	profiles map[string]*Profile
	active   string
}

func NewRegistry(log *slog.Logger) *Registry {
	return &Registry{
		log:      log,
		profiles: make(map[string]*Profile),
	}
}

// Register admits a profile. Negative weights and sums below 1-Epsilon are
// rejected. Sums above 1 are normalized by division before storage, which is
// logged. Names are unique; profiles are immutable once stored.
func (r *Registry) Register(p Profile) error {
	if p.Name == "" {
		return errors.New("profile name is required")
	}
	if err := checkNonNegative(&p); err != nil {
		return err
	}
	sum := p.Sum()
	if sum < 1-Epsilon {
		return fmt.Errorf("%w: profile %q sums to %.4f", ErrWeightSum, p.Name, sum)
	}

	stored := p.Clone()
	if sum > 1 {
		stored.DistanceWeight /= sum
		for name := range stored.Validators {
			stored.Validators[name] /= sum
		}
		r.log.Warn("weights: normalized profile to sum one", "profile", p.Name, "sum", sum)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.profiles[stored.Name]; exists {
		return fmt.Errorf("profile %q already registered", stored.Name)
	}
	r.profiles[stored.Name] = stored
	if r.active == "" {
		r.active = stored.Name
	}
	return nil
}

// Activate selects the current profile.
func (r *Registry) Activate(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.profiles[name]; !ok {
		return fmt.Errorf("%w: %q", ErrProfileNotFound, name)
	}
	r.active = name
	return nil
}

// Active returns a copy of the current profile, nil when none is registered.
func (r *Registry) Active() *Profile {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.active == "" {
		return nil
	}
	return r.profiles[r.active].Clone()
}

// Get returns a copy of the named profile.
func (r *Registry) Get(name string) (*Profile, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.profiles[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrProfileNotFound, name)
	}
	return p.Clone(), nil
}

// Names returns the registered profile names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.profiles))
	for name := range r.profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Coverage reports the mismatch between registered validator plugins and the
// names weighted by the active profile.
type Coverage struct {
	// Missing lists plugins carrying no weight. They run but contribute 0.
	Missing []string
	// Extra lists weighted names with no matching plugin.
	Extra []string
}

func (c Coverage) Clean() bool {
	return len(c.Missing) == 0 && len(c.Extra) == 0
}

// ValidateCoverage diagnoses the active profile against pluginNames. It is
// an observability signal, never a failure.
func (r *Registry) ValidateCoverage(pluginNames []string) Coverage {
	active := r.Active()

	weighted := map[string]bool{}
	if active != nil {
		for name := range active.Validators {
			weighted[name] = true
		}
	}
	plugins := map[string]bool{}
	for _, name := range pluginNames {
		plugins[name] = true
	}

	var cov Coverage
	for _, name := range pluginNames {
		if !weighted[name] {
			cov.Missing = append(cov.Missing, name)
		}
	}
	for name := range weighted {
		if !plugins[name] {
			cov.Extra = append(cov.Extra, name)
		}
	}
	sort.Strings(cov.Missing)
	sort.Strings(cov.Extra)
	return cov
}
