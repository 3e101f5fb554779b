package validators

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/alitto/pond/v2"

	"github.com/ContextVM/relatr-sub002/internal/datastore"
)

// Plugin names double as metric keys in weight profiles and cached metrics
// rows.
const (
	NameNip05Valid       = "nip05Valid"
	NameLightningAddress = "lightningAddress"
	NameEventKind10002   = "eventKind10002"
	NameReciprocity      = "reciprocity"
	NameIsRootNip05      = "isRootNip05"
)

const (
	DefaultPluginTimeout = 10 * time.Second
	DefaultPoolSize      = 8
)

// Input is what one pipeline run hands every plugin. Metadata is nil when no
// kind-0 profile could be found.
type Input struct {
	Pubkey       string
	SourcePubkey string
	Metadata     *datastore.Metadata
}

// Validator scores one signal about a pubkey in [0,1].
type Validator interface {
	Name() string
	Validate(ctx context.Context, in Input) (float64, error)
}

type Config struct {
	Logger *slog.Logger

	// PluginTimeout bounds each plugin run. Defaults to DefaultPluginTimeout.
	PluginTimeout time.Duration

	// PoolSize bounds concurrent plugin runs. Defaults to DefaultPoolSize.
	PoolSize int
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.PluginTimeout == 0 {
		c.PluginTimeout = DefaultPluginTimeout
	}
	if c.PluginTimeout < 0 {
		return errors.New("plugin timeout must be positive")
	}
	if c.PoolSize == 0 {
		c.PoolSize = DefaultPoolSize
	}
	if c.PoolSize < 0 {
		return errors.New("pool size must be positive")
	}
	return nil
}

type pluginResult struct {
	name  string
	score float64
}

// Registry fans an Input out to every registered plugin and collects their
// scores. A plugin error, panic, or timeout yields 0.0 for that metric and
// never fails the run.
type Registry struct {
	log  *slog.Logger
	cfg  Config
	pool pond.ResultPool[pluginResult]

	mu         sync.RWMutex
	validators []Validator
	names      map[string]struct{}
}

func NewRegistry(cfg Config) (*Registry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid validators config: %w", err)
	}
	return &Registry{
		log:   cfg.Logger,
		cfg:   cfg,
		pool:  pond.NewResultPool[pluginResult](cfg.PoolSize),
		names: make(map[string]struct{}),
	}, nil
}

// Register adds a plugin. Names must be unique; registration order is the
// order metrics are reported in.
func (r *Registry) Register(v Validator) error {
	name := v.Name()
	if name == "" {
		return errors.New("validator name is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.names[name]; exists {
		return fmt.Errorf("validator %q already registered", name)
	}
	r.names[name] = struct{}{}
	r.validators = append(r.validators, v)
	return nil
}

// Names returns the registered plugin names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.validators))
	for _, v := range r.validators {
		names = append(names, v.Name())
	}
	return names
}

// Run executes every plugin against in and returns one score per plugin.
// The map always has an entry for every registered plugin.
func (r *Registry) Run(ctx context.Context, in Input) map[string]float64 {
	r.mu.RLock()
	validators := make([]Validator, len(r.validators))
	copy(validators, r.validators)
	r.mu.RUnlock()

	scores := make(map[string]float64, len(validators))
	for _, v := range validators {
		scores[v.Name()] = 0
	}

	group := r.pool.NewGroupContext(ctx)
	for _, v := range validators {
		group.SubmitErr(func() (pluginResult, error) {
			return pluginResult{name: v.Name(), score: r.runOne(ctx, v, in)}, nil
		})
	}

	results, err := group.Wait()
	if err != nil {
		r.log.Warn("validators: pipeline interrupted", "pubkey", in.Pubkey, "error", err)
	}
	for _, res := range results {
		// Interrupted groups return zero-valued slots for unfinished tasks.
		if res.name == "" {
			continue
		}
		scores[res.name] = res.score
	}
	return scores
}

func (r *Registry) runOne(ctx context.Context, v Validator, in Input) (score float64) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Warn("validators: plugin panicked", "plugin", v.Name(), "pubkey", in.Pubkey, "panic", rec)
			score = 0
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, r.cfg.PluginTimeout)
	defer cancel()

	s, err := v.Validate(ctx, in)
	if err != nil {
		r.log.Warn("validators: plugin failed", "plugin", v.Name(), "pubkey", in.Pubkey, "error", err)
		return 0
	}
	return Clamp(s)
}

// Clamp forces a metric into [0,1]. NaN and infinities become 0.
func Clamp(s float64) float64 {
	if math.IsNaN(s) || math.IsInf(s, 0) {
		return 0
	}
	if s < 0 {
		return 0
	}
	if s > 1 {
		return 1
	}
	return s
}
