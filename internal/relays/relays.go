package relays

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nbd-wtf/go-nostr"
)

const (
	DefaultQueryTimeout = 10 * time.Second
)

// Event kinds the service works with.
const (
	KindProfileMetadata  = 0
	KindContactList      = 3
	KindRelayList        = 10002
	KindTrustedAssertion = 30382
)

type Config struct {
	Logger *slog.Logger

	// Relays are the websocket URLs queried for events.
	Relays []string

	// QueryTimeout bounds each subscription. Defaults to
	// DefaultQueryTimeout.
	QueryTimeout time.Duration
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if len(c.Relays) == 0 {
		return errors.New("at least one relay is required")
	}
	if c.QueryTimeout == 0 {
		c.QueryTimeout = DefaultQueryTimeout
	}
	if c.QueryTimeout < 0 {
		return errors.New("query timeout must be positive")
	}
	return nil
}

// Client is a thin handle over a shared relay pool. Queries subscribe until
// EOSE on every relay or the query timeout, whichever comes first, so no
// subscription outlives its call.
type Client struct {
	log  *slog.Logger
	cfg  Config
	pool *nostr.SimplePool
}

// New builds a client whose relay connections live until ctx is canceled.
func New(ctx context.Context, cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid relays config: %w", err)
	}
	urls := make([]string, 0, len(cfg.Relays))
	for _, u := range cfg.Relays {
		urls = append(urls, nostr.NormalizeURL(u))
	}
	cfg.Relays = urls
	return &Client{
		log:  cfg.Logger,
		cfg:  cfg,
		pool: nostr.NewSimplePool(ctx),
	}, nil
}

// URLs returns the normalized query relay set.
func (c *Client) URLs() []string {
	out := make([]string, len(c.cfg.Relays))
	copy(out, c.cfg.Relays)
	return out
}

// FetchContactLists returns every kind-3 event the relays hold for the given
// authors. Relays may return competing versions of the same replaceable
// event; callers pick the newest.
func (c *Client) FetchContactLists(ctx context.Context, authors []string) ([]*nostr.Event, error) {
	if len(authors) == 0 {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.QueryTimeout)
	defer cancel()

	filter := nostr.Filter{
		Kinds:   []int{KindContactList},
		Authors: authors,
		Limit:   len(authors),
	}
	var out []*nostr.Event
	for ev := range c.pool.SubManyEose(ctx, c.cfg.Relays, nostr.Filters{filter}) {
		out = append(out, ev.Event)
	}
	return out, nil
}

// FetchMetadata returns the newest kind-0 profile event for pk, nil when
// none is known.
func (c *Client) FetchMetadata(ctx context.Context, pk string) (*nostr.Event, error) {
	return c.fetchNewest(ctx, nostr.Filter{
		Kinds:   []int{KindProfileMetadata},
		Authors: []string{pk},
		Limit:   1,
	})
}

// FetchRelayList returns the newest kind-10002 relay list event for pk, nil
// when none is known.
func (c *Client) FetchRelayList(ctx context.Context, pk string) (*nostr.Event, error) {
	return c.fetchNewest(ctx, nostr.Filter{
		Kinds:   []int{KindRelayList},
		Authors: []string{pk},
		Limit:   1,
	})
}

// SearchProfiles runs a NIP-50 search over kind-0 events, returning the
// newest event per author.
func (c *Client) SearchProfiles(ctx context.Context, query string, limit int) ([]*nostr.Event, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.QueryTimeout)
	defer cancel()

	filter := nostr.Filter{
		Kinds:  []int{KindProfileMetadata},
		Search: query,
		Limit:  limit,
	}
	newest := make(map[string]*nostr.Event)
	for ev := range c.pool.SubManyEose(ctx, c.cfg.Relays, nostr.Filters{filter}) {
		if cur, ok := newest[ev.Event.PubKey]; !ok || ev.Event.CreatedAt > cur.CreatedAt {
			newest[ev.Event.PubKey] = ev.Event
		}
	}
	out := make([]*nostr.Event, 0, len(newest))
	for _, ev := range newest {
		out = append(out, ev)
	}
	return out, nil
}

// Publish sends ev to the given relays, succeeding when at least one relay
// accepts it.
func (c *Client) Publish(ctx context.Context, ev nostr.Event, relayURLs []string) error {
	if len(relayURLs) == 0 {
		relayURLs = c.cfg.Relays
	}
	var lastErr error
	accepted := 0
	for _, url := range relayURLs {
		relay, err := c.pool.EnsureRelay(nostr.NormalizeURL(url))
		if err != nil {
			lastErr = err
			c.log.Debug("relays: connect failed", "relay", url, "error", err)
			continue
		}
		if err := relay.Publish(ctx, ev); err != nil {
			lastErr = err
			c.log.Debug("relays: publish rejected", "relay", url, "error", err)
			continue
		}
		accepted++
	}
	if accepted == 0 {
		return fmt.Errorf("publish rejected by all %d relays: %w", len(relayURLs), lastErr)
	}
	return nil
}

func (c *Client) fetchNewest(ctx context.Context, filter nostr.Filter) (*nostr.Event, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.QueryTimeout)
	defer cancel()

	var newest *nostr.Event
	for ev := range c.pool.SubManyEose(ctx, c.cfg.Relays, nostr.Filters{filter}) {
		if newest == nil || ev.Event.CreatedAt > newest.CreatedAt {
			newest = ev.Event
		}
	}
	return newest, nil
}
