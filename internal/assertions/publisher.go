package assertions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"
	"github.com/nbd-wtf/go-nostr"

	"github.com/ContextVM/relatr-sub002/internal/datastore"
	"github.com/ContextVM/relatr-sub002/internal/scorer"
)

const (
	// KindTrustedAssertion is the NIP-85 parameterized replaceable event
	// kind carrying a rank for the pubkey named in the d tag.
	KindTrustedAssertion = 30382

	DefaultPublishInterval = 10 * time.Minute
	DefaultBatchLimit      = 100
	DefaultMaxPublishTries = 3
)

// Scorer computes trust scores for the pubkeys being asserted.
type Scorer interface {
	Calculate(ctx context.Context, req scorer.Request) (*scorer.TrustScore, error)
}

// EventPublisher delivers a signed event to the given relays.
type EventPublisher interface {
	Publish(ctx context.Context, ev nostr.Event, relayURLs []string) error
}

type PublisherConfig struct {
	Logger  *slog.Logger
	Clock   clockwork.Clock
	Manager *Manager
	Store   *datastore.Store
	Scorer  Scorer
	Relays  EventPublisher

	// SecretKey signs assertion events. 64 hex characters.
	SecretKey string

	// Interval is the publish cadence. Defaults to DefaultPublishInterval.
	Interval time.Duration

	// BatchLimit caps the pubkeys asserted per tick. Defaults to
	// DefaultBatchLimit.
	BatchLimit int

	// MaxPublishTries bounds the per-event publish retries. Defaults to
	// DefaultMaxPublishTries.
	MaxPublishTries int
}

func (c *PublisherConfig) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Manager == nil {
		return errors.New("manager is required")
	}
	if c.Store == nil {
		return errors.New("store is required")
	}
	if c.Scorer == nil {
		return errors.New("scorer is required")
	}
	if c.Relays == nil {
		return errors.New("relay publisher is required")
	}
	if c.SecretKey == "" {
		return errors.New("secret key is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Interval == 0 {
		c.Interval = DefaultPublishInterval
	}
	if c.Interval < 0 {
		return errors.New("interval must be positive")
	}
	if c.BatchLimit == 0 {
		c.BatchLimit = DefaultBatchLimit
	}
	if c.BatchLimit < 0 {
		return errors.New("batch limit must be positive")
	}
	if c.MaxPublishTries == 0 {
		c.MaxPublishTries = DefaultMaxPublishTries
	}
	if c.MaxPublishTries < 0 {
		return errors.New("max publish tries must be positive")
	}
	return nil
}

// Publisher periodically mirrors recently computed scores to the network as
// signed trusted-assertion events. Publishing is best effort: failures are
// logged and retried on a later tick, never fatal.
type Publisher struct {
	log   *slog.Logger
	cfg   PublisherConfig
	clock clockwork.Clock

	lastRun int64
}

func NewPublisher(cfg PublisherConfig) (*Publisher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid assertions publisher config: %w", err)
	}
	return &Publisher{
		log:   cfg.Logger,
		cfg:   cfg,
		clock: cfg.Clock,
	}, nil
}

// Run publishes on the configured cadence until ctx is canceled.
func (p *Publisher) Run(ctx context.Context) {
	ticker := p.clock.NewTicker(p.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			published, err := p.PublishOnce(ctx)
			if err != nil {
				p.log.Warn("assertions: publish pass failed", "error", err)
				continue
			}
			if published > 0 {
				p.log.Info("assertions: published", "events", published)
			}
		}
	}
}

// PublishOnce asserts every pubkey scored since the previous pass. It is a
// no-op while the side-service is disabled.
func (p *Publisher) PublishOnce(ctx context.Context) (int, error) {
	state, err := p.cfg.Manager.Get()
	if err != nil {
		return 0, fmt.Errorf("read assertion state: %w", err)
	}
	if !state.Enabled {
		return 0, nil
	}

	since := p.lastRun
	p.lastRun = p.clock.Now().Unix()

	keys, err := p.cfg.Store.RecentMetrics(since, p.cfg.BatchLimit)
	if err != nil {
		return 0, fmt.Errorf("list recent metrics: %w", err)
	}

	published := 0
	seen := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return published, err
		}
		if _, dup := seen[key.Pubkey]; dup {
			continue
		}
		seen[key.Pubkey] = struct{}{}

		score, err := p.cfg.Scorer.Calculate(ctx, scorer.Request{Target: key.Pubkey})
		if err != nil {
			p.log.Warn("assertions: scoring failed", "pubkey", key.Pubkey, "error", err)
			continue
		}
		if err := p.publishScore(ctx, score, state.Relays); err != nil {
			p.log.Warn("assertions: publish failed", "pubkey", key.Pubkey, "error", err)
			continue
		}
		published++
	}
	return published, nil
}

func (p *Publisher) publishScore(ctx context.Context, score *scorer.TrustScore, relayURLs []string) error {
	ev, err := p.buildEvent(score)
	if err != nil {
		return err
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(p.cfg.MaxPublishTries-1)),
		ctx,
	)
	return backoff.Retry(func() error {
		return p.cfg.Relays.Publish(ctx, ev, relayURLs)
	}, policy)
}

// buildEvent produces the signed assertion: d names the asserted pubkey,
// rank carries the score scaled to 0..100.
func (p *Publisher) buildEvent(score *scorer.TrustScore) (nostr.Event, error) {
	ev := nostr.Event{
		Kind:      KindTrustedAssertion,
		CreatedAt: nostr.Timestamp(p.clock.Now().Unix()),
		Tags: nostr.Tags{
			{"d", score.TargetPubkey},
			{"rank", strconv.Itoa(Rank(score.Score))},
		},
	}
	if err := ev.Sign(p.cfg.SecretKey); err != nil {
		return nostr.Event{}, fmt.Errorf("sign assertion: %w", err)
	}
	return ev, nil
}

// Rank scales a trust score in [0,1] to the integer 0..100 wire form.
func Rank(score float64) int {
	return int(math.Round(score * 100))
}
