package scorer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/jonboulle/clockwork"

	"github.com/ContextVM/relatr-sub002/internal/datastore"
	"github.com/ContextVM/relatr-sub002/internal/graph"
	"github.com/ContextVM/relatr-sub002/internal/profiles"
	"github.com/ContextVM/relatr-sub002/internal/pubkey"
	"github.com/ContextVM/relatr-sub002/internal/trust"
	"github.com/ContextVM/relatr-sub002/internal/validators"
	"github.com/ContextVM/relatr-sub002/internal/weights"
)

const (
	DefaultBatchConcurrency = 5
	DefaultSearchLimit      = 7
	MaxSearchLimit          = 50
	MaxQueryLength          = 100
)

// ErrInvalidRequest covers malformed search queries and out-of-range limits.
var ErrInvalidRequest = errors.New("invalid request")

// TrustScore is the wire shape of one personalized score. ComputedAt is unix
// seconds.
type TrustScore struct {
	SourcePubkey string     `json:"sourcePubkey"`
	TargetPubkey string     `json:"targetPubkey"`
	Score        float64    `json:"score"`
	Components   Components `json:"components"`
	ComputedAt   int64      `json:"computedAt"`
}

// Components breaks the score into its weighted contributions; they sum to
// the score modulo rounding.
type Components struct {
	DistanceWeight     float64            `json:"distanceWeight"`
	Validators         map[string]float64 `json:"validators"`
	SocialDistance     int                `json:"socialDistance"`
	NormalizedDistance float64            `json:"normalizedDistance"`
}

type Config struct {
	Logger     *slog.Logger
	Graph      *graph.Graph
	Store      *datastore.Store
	Weights    *weights.Registry
	Calculator *trust.Calculator
	Validators *validators.Registry
	Profiles   *profiles.Provider

	// Searcher extends profile search to the relays. Nil disables extension.
	Searcher ProfileSearcher

	// DefaultSource is the canonical pubkey scores are personalized for when
	// a request names no source.
	DefaultSource string

	// BatchConcurrency bounds batch fan-out. Defaults to
	// DefaultBatchConcurrency.
	BatchConcurrency int

	Clock clockwork.Clock
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Graph == nil {
		return errors.New("graph is required")
	}
	if c.Store == nil {
		return errors.New("store is required")
	}
	if c.Weights == nil {
		return errors.New("weight registry is required")
	}
	if c.Calculator == nil {
		return errors.New("calculator is required")
	}
	if c.Validators == nil {
		return errors.New("validator registry is required")
	}
	if c.Profiles == nil {
		return errors.New("profiles provider is required")
	}
	if c.DefaultSource == "" {
		return errors.New("default source pubkey is required")
	}
	canonical, err := pubkey.Normalize(c.DefaultSource)
	if err != nil {
		return fmt.Errorf("default source pubkey: %w", err)
	}
	c.DefaultSource = canonical
	if c.BatchConcurrency == 0 {
		c.BatchConcurrency = DefaultBatchConcurrency
	}
	if c.BatchConcurrency < 0 {
		return errors.New("batch concurrency must be positive")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Service coordinates the graph, the metrics cache, the validator pipeline,
// and the calculator for single, batch, and search scoring.
type Service struct {
	log   *slog.Logger
	cfg   Config
	clock clockwork.Clock

	batchPool pond.ResultPool[BatchItem]
}

func New(cfg Config) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid scorer config: %w", err)
	}
	return &Service{
		log:       cfg.Logger,
		cfg:       cfg,
		clock:     cfg.Clock,
		batchPool: pond.NewResultPool[BatchItem](cfg.BatchConcurrency),
	}, nil
}

// DefaultSource returns the canonical pubkey used when requests name no
// source.
func (s *Service) DefaultSource() string {
	return s.cfg.DefaultSource
}

// Request describes one score computation. Zero values select the defaults:
// the configured source, the active weight profile, and cached metrics.
type Request struct {
	Target       string
	Source       string
	Scheme       string
	ForceRefresh bool
	Overrides    *weights.Overrides
}

// Calculate scores one target from the requested source's perspective.
func (s *Service) Calculate(ctx context.Context, req Request) (*TrustScore, error) {
	target, err := pubkey.Normalize(req.Target)
	if err != nil {
		return nil, fmt.Errorf("target pubkey: %w", err)
	}
	source := s.cfg.DefaultSource
	if req.Source != "" {
		if source, err = pubkey.Normalize(req.Source); err != nil {
			return nil, fmt.Errorf("source pubkey: %w", err)
		}
	}

	distance, err := s.distance(source, target)
	if err != nil {
		return nil, err
	}

	metrics := s.loadOrComputeMetrics(ctx, target, source, req.ForceRefresh)

	score, err := s.cfg.Calculator.Compute(distance, metrics, req.Scheme, req.Overrides)
	if err != nil {
		return nil, err
	}

	return &TrustScore{
		SourcePubkey: source,
		TargetPubkey: target,
		Score:        score.Value,
		Components: Components{
			DistanceWeight:     score.DistanceComponent,
			Validators:         score.ValidatorComponents,
			SocialDistance:     score.SocialDistance,
			NormalizedDistance: score.NormalizedDistance,
		},
		ComputedAt: s.clock.Now().Unix(),
	}, nil
}

func (s *Service) distance(source, target string) (int, error) {
	if source == s.cfg.Graph.Root() {
		return s.cfg.Graph.Distance(target)
	}
	return s.cfg.Graph.DistanceBetween(source, target)
}

// loadOrComputeMetrics serves cached validator metrics when allowed, else
// runs the pipeline and writes the result back. Cache failures degrade to a
// recompute; write failures are logged and ignored.
func (s *Service) loadOrComputeMetrics(ctx context.Context, target, source string, force bool) map[string]float64 {
	if !force {
		cached, err := s.cfg.Store.GetMetrics(target, source)
		if err != nil {
			s.log.Warn("scorer: metrics read failed, recomputing", "pubkey", target, "error", err)
		} else if cached != nil {
			return cached.Metrics
		}
	}

	md, err := s.cfg.Profiles.Get(ctx, target)
	if err != nil {
		s.log.Warn("scorer: profile lookup failed", "pubkey", target, "error", err)
		md = nil
	}

	metrics := s.cfg.Validators.Run(ctx, validators.Input{
		Pubkey:       target,
		SourcePubkey: source,
		Metadata:     md,
	})

	if err := s.cfg.Store.SetMetrics(&datastore.ProfileMetrics{
		Pubkey:       target,
		SourcePubkey: source,
		Metrics:      metrics,
		ComputedAt:   s.clock.Now().Unix(),
	}, 0); err != nil {
		s.log.Warn("scorer: metrics write failed", "pubkey", target, "error", err)
	}
	return metrics
}

// BatchItem is one batch result. Err is set for entries that failed to
// canonicalize or score; the rest of the batch is unaffected.
type BatchItem struct {
	Pubkey string
	Score  *TrustScore
	Err    error
}

// CalculateBatch scores several targets with bounded concurrency. Output
// order follows input order after duplicate canonical pubkeys are dropped.
func (s *Service) CalculateBatch(ctx context.Context, targets []string) []BatchItem {
	type entry struct {
		raw       string
		canonical string
		err       error
	}

	seen := make(map[string]struct{}, len(targets))
	entries := make([]entry, 0, len(targets))
	for _, raw := range targets {
		canonical, err := pubkey.Normalize(raw)
		if err != nil {
			entries = append(entries, entry{raw: raw, err: err})
			continue
		}
		if _, dup := seen[canonical]; dup {
			continue
		}
		seen[canonical] = struct{}{}
		entries = append(entries, entry{raw: raw, canonical: canonical})
	}

	group := s.batchPool.NewGroupContext(ctx)
	for _, e := range entries {
		group.SubmitErr(func() (BatchItem, error) {
			if e.err != nil {
				return BatchItem{Pubkey: e.raw, Err: e.err}, nil
			}
			score, err := s.Calculate(ctx, Request{Target: e.canonical})
			return BatchItem{Pubkey: e.canonical, Score: score, Err: err}, nil
		})
	}

	results, err := group.Wait()
	if err != nil {
		s.log.Warn("scorer: batch interrupted", "error", err)
	}

	items := make([]BatchItem, 0, len(entries))
	for i, res := range results {
		if res.Pubkey == "" && res.Score == nil && res.Err == nil {
			// Interrupted groups leave zero-valued slots.
			res = BatchItem{Pubkey: entries[i].raw, Err: ctx.Err()}
		}
		items = append(items, res)
	}
	return items
}

// RevalidateExpiring recomputes cached metrics whose TTL lapses within the
// given window, so hot entries stay warm across expiry. Per-key failures are
// logged and skipped; the count of refreshed keys is returned.
func (s *Service) RevalidateExpiring(ctx context.Context, within time.Duration, limit int) (int, error) {
	deadline := s.clock.Now().Add(within).Unix()
	keys, err := s.cfg.Store.ExpiringMetrics(deadline, limit)
	if err != nil {
		return 0, err
	}

	refreshed := 0
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return refreshed, err
		}
		_, err := s.Calculate(ctx, Request{
			Target:       key.Pubkey,
			Source:       key.SourcePubkey,
			ForceRefresh: true,
		})
		if err != nil {
			s.log.Warn("scorer: revalidation failed", "pubkey", key.Pubkey, "error", err)
			continue
		}
		refreshed++
	}
	return refreshed, nil
}

// Stats is a point-in-time snapshot of the service's state.
type Stats struct {
	Timestamp    time.Time
	SourcePubkey string
	RootPubkey   string
	Graph        graph.Stats
	Cache        datastore.CacheStats
	MetricsRows  int64
	MetadataRows int64
}

// StatsSnapshot reports cache counters, table sizes, and graph shape.
func (s *Service) StatsSnapshot() (*Stats, error) {
	metricsRows, err := s.cfg.Store.CountMetrics()
	if err != nil {
		return nil, err
	}
	metadataRows, err := s.cfg.Store.CountMetadata()
	if err != nil {
		return nil, err
	}
	return &Stats{
		Timestamp:    s.clock.Now().UTC(),
		SourcePubkey: s.cfg.DefaultSource,
		RootPubkey:   s.cfg.Graph.Root(),
		Graph:        s.cfg.Graph.Stats(),
		Cache:        s.cfg.Store.Stats(),
		MetricsRows:  metricsRows,
		MetadataRows: metadataRows,
	}, nil
}
