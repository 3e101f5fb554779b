package profiles

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/nbd-wtf/go-nostr"

	"github.com/ContextVM/relatr-sub002/internal/datastore"
	"github.com/ContextVM/relatr-sub002/internal/relays"
)

const DefaultHotCacheTTL = 5 * time.Minute

// MetadataFetcher retrieves the newest kind-0 event for a pubkey, nil when
// no relay has one.
type MetadataFetcher interface {
	FetchMetadata(ctx context.Context, pubkey string) (*nostr.Event, error)
}

type Config struct {
	Logger  *slog.Logger
	Store   *datastore.Store
	Fetcher MetadataFetcher

	// HotCacheTTL bounds the in-process cache in front of the datastore.
	// Defaults to DefaultHotCacheTTL.
	HotCacheTTL time.Duration
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Store == nil {
		return errors.New("store is required")
	}
	if c.Fetcher == nil {
		return errors.New("fetcher is required")
	}
	if c.HotCacheTTL == 0 {
		c.HotCacheTTL = DefaultHotCacheTTL
	}
	return nil
}

// Provider resolves profile metadata through three layers: an in-process
// TTL cache, the datastore, and finally the relays. Relay results are
// written back to both caches.
type Provider struct {
	cfg Config
	log *slog.Logger

	cache   *ttlcache.Cache[string, *datastore.Metadata]
	cacheMu sync.RWMutex
}

func New(cfg Config) (*Provider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid profiles config: %w", err)
	}

	cache := ttlcache.New(
		ttlcache.WithTTL[string, *datastore.Metadata](cfg.HotCacheTTL),
	)

	return &Provider{
		cfg:   cfg,
		log:   cfg.Logger,
		cache: cache,
	}, nil
}

// Get returns the metadata for pubkey, nil when no layer has it. Datastore
// read failures degrade to a relay fetch rather than failing the call.
func (p *Provider) Get(ctx context.Context, pubkey string) (*datastore.Metadata, error) {
	if md := p.cached(pubkey); md != nil {
		return md, nil
	}

	md, err := p.cfg.Store.GetMetadata(pubkey)
	if err != nil {
		p.log.Warn("profiles: metadata read failed", "pubkey", pubkey, "error", err)
	} else if md != nil {
		p.setCached(pubkey, md)
		return md, nil
	}

	return p.Refresh(ctx, pubkey)
}

// Refresh fetches the profile from the relays regardless of cache state and
// stores what it finds. Returns nil when no relay has a usable kind-0 event.
func (p *Provider) Refresh(ctx context.Context, pubkey string) (*datastore.Metadata, error) {
	ev, err := p.cfg.Fetcher.FetchMetadata(ctx, pubkey)
	if err != nil {
		return nil, fmt.Errorf("fetch metadata for %s: %w", pubkey, err)
	}
	if ev == nil {
		return nil, nil
	}

	md, err := ParseEvent(ev)
	if err != nil {
		p.log.Debug("profiles: ignoring unparseable profile event", "pubkey", pubkey, "error", err)
		return nil, nil
	}

	if err := p.cfg.Store.SetMetadata(md, 0); err != nil {
		p.log.Warn("profiles: metadata write failed", "pubkey", pubkey, "error", err)
	}
	p.setCached(pubkey, md)
	return md, nil
}

// Store exposes the backing datastore for local metadata search.
func (p *Provider) Store() *datastore.Store {
	return p.cfg.Store
}

func (p *Provider) cached(pubkey string) *datastore.Metadata {
	p.cacheMu.RLock()
	defer p.cacheMu.RUnlock()
	item := p.cache.Get(pubkey)
	if item == nil {
		return nil
	}
	return item.Value()
}

func (p *Provider) setCached(pubkey string, md *datastore.Metadata) {
	p.cacheMu.Lock()
	defer p.cacheMu.Unlock()
	p.cache.Set(pubkey, md, p.cfg.HotCacheTTL)
}

type metadataContent struct {
	Name        string `json:"name"`
	DisplayName string `json:"display_name"`
	Nip05       string `json:"nip05"`
	Lud16       string `json:"lud16"`
	Lud06       string `json:"lud06"`
	About       string `json:"about"`
	Picture     string `json:"picture"`
}

// ParseEvent decodes a kind-0 event's content into metadata.
func ParseEvent(ev *nostr.Event) (*datastore.Metadata, error) {
	if ev.Kind != relays.KindProfileMetadata {
		return nil, fmt.Errorf("unexpected event kind %d", ev.Kind)
	}
	var c metadataContent
	if err := json.Unmarshal([]byte(ev.Content), &c); err != nil {
		return nil, fmt.Errorf("parse profile content: %w", err)
	}
	return &datastore.Metadata{
		Pubkey:         ev.PubKey,
		Name:           c.Name,
		DisplayName:    c.DisplayName,
		Nip05:          c.Nip05,
		Lud16:          c.Lud16,
		Lud06:          c.Lud06,
		About:          c.About,
		Picture:        c.Picture,
		EventCreatedAt: int64(ev.CreatedAt),
	}, nil
}

// DisplayName picks the best human-readable name for a profile.
func DisplayName(md *datastore.Metadata) string {
	if md == nil {
		return ""
	}
	if md.DisplayName != "" {
		return md.DisplayName
	}
	return md.Name
}
