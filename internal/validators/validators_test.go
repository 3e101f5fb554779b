package validators

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ContextVM/relatr-sub002/internal/weights"
)

type stubValidator struct {
	name string
	fn   func(ctx context.Context, in Input) (float64, error)
}

func (s *stubValidator) Name() string { return s.name }

func (s *stubValidator) Validate(ctx context.Context, in Input) (float64, error) {
	return s.fn(ctx, in)
}

func fixed(name string, score float64) *stubValidator {
	return &stubValidator{
		name: name,
		fn: func(context.Context, Input) (float64, error) {
			return score, nil
		},
	}
}

func newTestRegistry(t *testing.T, modify func(*Config)) *Registry {
	t.Helper()
	cfg := Config{Logger: logger}
	if modify != nil {
		modify(&cfg)
	}
	r, err := NewRegistry(cfg)
	require.NoError(t, err)
	return r
}

func TestValidators_ConfigValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr string
	}{
		{
			name:   "valid",
			modify: func(c *Config) {},
		},
		{
			name:    "missing logger",
			modify:  func(c *Config) { c.Logger = nil },
			wantErr: "logger is required",
		},
		{
			name:    "negative timeout",
			modify:  func(c *Config) { c.PluginTimeout = -time.Second },
			wantErr: "plugin timeout must be positive",
		},
		{
			name:    "negative pool size",
			modify:  func(c *Config) { c.PoolSize = -1 },
			wantErr: "pool size must be positive",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := Config{Logger: logger}
			tt.modify(&cfg)
			err := cfg.Validate()
			if tt.wantErr != "" {
				require.ErrorContains(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, DefaultPluginTimeout, cfg.PluginTimeout)
			assert.Equal(t, DefaultPoolSize, cfg.PoolSize)
		})
	}
}

func TestValidators_Register(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t, nil)

	require.NoError(t, r.Register(fixed("a", 1)))
	require.NoError(t, r.Register(fixed("b", 1)))
	require.NoError(t, r.Register(fixed("c", 1)))

	err := r.Register(fixed("b", 0))
	require.ErrorContains(t, err, `validator "b" already registered`)

	err = r.Register(fixed("", 0))
	require.ErrorContains(t, err, "name is required")

	assert.Equal(t, []string{"a", "b", "c"}, r.Names())
}

func TestValidators_RunCollectsAllScores(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t, nil)
	require.NoError(t, r.Register(fixed("one", 1.0)))
	require.NoError(t, r.Register(fixed("half", 0.5)))
	require.NoError(t, r.Register(fixed("zero", 0.0)))

	scores := r.Run(t.Context(), Input{Pubkey: "aa11"})
	assert.Equal(t, map[string]float64{
		"one":  1.0,
		"half": 0.5,
		"zero": 0.0,
	}, scores)
}

func TestValidators_RunClampsScores(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t, nil)
	require.NoError(t, r.Register(fixed("over", 1.5)))
	require.NoError(t, r.Register(fixed("under", -0.2)))
	require.NoError(t, r.Register(fixed("nan", math.NaN())))
	require.NoError(t, r.Register(fixed("inf", math.Inf(1))))

	scores := r.Run(t.Context(), Input{Pubkey: "aa11"})
	assert.Equal(t, map[string]float64{
		"over":  1.0,
		"under": 0.0,
		"nan":   0.0,
		"inf":   0.0,
	}, scores)
}

func TestValidators_RunPluginErrorYieldsZero(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t, nil)
	require.NoError(t, r.Register(&stubValidator{
		name: "broken",
		fn: func(context.Context, Input) (float64, error) {
			return 1, errors.New("boom")
		},
	}))
	require.NoError(t, r.Register(fixed("fine", 1.0)))

	scores := r.Run(t.Context(), Input{Pubkey: "aa11"})
	assert.Equal(t, map[string]float64{
		"broken": 0.0,
		"fine":   1.0,
	}, scores)
}

func TestValidators_RunPluginPanicYieldsZero(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t, nil)
	require.NoError(t, r.Register(&stubValidator{
		name: "panicky",
		fn: func(context.Context, Input) (float64, error) {
			panic("unexpected")
		},
	}))
	require.NoError(t, r.Register(fixed("fine", 0.5)))

	scores := r.Run(t.Context(), Input{Pubkey: "aa11"})
	assert.Equal(t, map[string]float64{
		"panicky": 0.0,
		"fine":    0.5,
	}, scores)
}

func TestValidators_RunTimesOutSlowPlugin(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t, func(c *Config) { c.PluginTimeout = 10 * time.Millisecond })
	require.NoError(t, r.Register(&stubValidator{
		name: "slow",
		fn: func(ctx context.Context, _ Input) (float64, error) {
			<-ctx.Done()
			return 1, ctx.Err()
		},
	}))
	require.NoError(t, r.Register(fixed("fast", 1.0)))

	scores := r.Run(t.Context(), Input{Pubkey: "aa11"})
	assert.Equal(t, map[string]float64{
		"slow": 0.0,
		"fast": 1.0,
	}, scores)
}

func TestValidators_RunEmptyRegistry(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t, nil)
	scores := r.Run(t.Context(), Input{Pubkey: "aa11"})
	assert.Empty(t, scores)
}

func TestValidators_Clamp(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 0.0, Clamp(math.NaN()))
	assert.Equal(t, 0.0, Clamp(math.Inf(1)))
	assert.Equal(t, 0.0, Clamp(math.Inf(-1)))
	assert.Equal(t, 0.0, Clamp(-0.5))
	assert.Equal(t, 1.0, Clamp(1.5))
	assert.Equal(t, 0.7, Clamp(0.7))
	assert.Equal(t, 0.0, Clamp(0.0))
	assert.Equal(t, 1.0, Clamp(1.0))
}

// Every metric weighted by a builtin profile must correspond to a shipped
// plugin, or scoring would silently drop weight.
func TestValidators_BuiltinProfilesAreCovered(t *testing.T) {
	t.Parallel()

	known := map[string]struct{}{
		NameNip05Valid:       {},
		NameLightningAddress: {},
		NameEventKind10002:   {},
		NameReciprocity:      {},
		NameIsRootNip05:      {},
	}

	for _, p := range weights.Builtin() {
		for _, name := range p.ValidatorNames() {
			_, ok := known[name]
			assert.True(t, ok, "profile %s weights unknown validator %s", p.Name, name)
		}
	}
}
