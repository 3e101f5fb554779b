package graph

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nbd-wtf/go-nostr"

	"github.com/ContextVM/relatr-sub002/internal/pubkey"
)

// ContactFetcher returns the latest kind-3 contact list events published by
// the given authors.
type ContactFetcher interface {
	FetchContactLists(ctx context.Context, authors []string) ([]*nostr.Event, error)
}

const (
	DefaultSyncBatchSize = 50
	MaxSyncHops          = 5
)

type SyncerConfig struct {
	Logger  *slog.Logger
	Graph   *Graph
	Fetcher ContactFetcher

	// Hops is how many edge levels to crawl outward from the root, 0 to
	// MaxSyncHops. 0 disables crawling entirely.
	Hops int

	// BatchSize is the number of authors per fetch. Defaults to
	// DefaultSyncBatchSize.
	BatchSize int
}

func (c *SyncerConfig) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Graph == nil {
		return errors.New("graph is required")
	}
	if c.Fetcher == nil {
		return errors.New("contact fetcher is required")
	}
	if c.Hops < 0 || c.Hops > MaxSyncHops {
		return fmt.Errorf("hops must be in [0,%d], got %d", MaxSyncHops, c.Hops)
	}
	if c.BatchSize == 0 {
		c.BatchSize = DefaultSyncBatchSize
	}
	if c.BatchSize < 0 {
		return errors.New("batch size must be positive")
	}
	return nil
}

// Syncer crawls contact lists outward from the graph root and ingests them.
// Contact lists are replaceable events: per author, only an event newer than
// anything previously ingested is applied.
type Syncer struct {
	log *slog.Logger
	cfg SyncerConfig

	mu     sync.Mutex
	seenAt map[string]nostr.Timestamp
}

func NewSyncer(cfg SyncerConfig) (*Syncer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid syncer config: %w", err)
	}
	return &Syncer{
		log:    cfg.Logger,
		cfg:    cfg,
		seenAt: make(map[string]nostr.Timestamp),
	}, nil
}

// Sync runs one full crawl. Fetch failures skip their batch and the crawl
// continues; only context cancellation and an uninitialized graph abort.
// Concurrent calls are serialized.
func (s *Syncer) Sync(ctx context.Context) error {
	root := s.cfg.Graph.Root()
	if root == "" {
		return ErrNotInitialized
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	visited := map[string]struct{}{root: {}}
	frontier := []string{root}
	var queried, ingested int

	for hop := 0; hop < s.cfg.Hops && len(frontier) > 0; hop++ {
		var next []string
		for start := 0; start < len(frontier); start += s.cfg.BatchSize {
			if err := ctx.Err(); err != nil {
				return err
			}
			end := min(start+s.cfg.BatchSize, len(frontier))
			batch := frontier[start:end]
			queried += len(batch)

			events, err := s.cfg.Fetcher.FetchContactLists(ctx, batch)
			if err != nil {
				s.log.Warn("graph: contact list fetch failed", "hop", hop, "authors", len(batch), "error", err)
				continue
			}

			// Multiple relays may return different versions of the same
			// replaceable event; keep the newest per author.
			newest := make(map[string]*nostr.Event, len(batch))
			for _, ev := range events {
				if ev == nil || ev.Kind != 3 {
					continue
				}
				if cur, ok := newest[ev.PubKey]; !ok || ev.CreatedAt > cur.CreatedAt {
					newest[ev.PubKey] = ev
				}
			}

			for author, ev := range newest {
				if last, ok := s.seenAt[author]; ok && ev.CreatedAt <= last {
					continue
				}
				targets := ContactsFromEvent(ev)
				s.cfg.Graph.Ingest(author, targets)
				s.seenAt[author] = ev.CreatedAt
				ingested++
				for _, t := range targets {
					if _, ok := visited[t]; !ok {
						visited[t] = struct{}{}
						next = append(next, t)
					}
				}
			}
		}
		frontier = next
	}

	stats := s.cfg.Graph.Stats()
	s.log.Info("graph: sync complete",
		"authors_queried", queried,
		"lists_ingested", ingested,
		"users", stats.Users,
		"follows", stats.Follows,
	)
	return nil
}

// ContactsFromEvent extracts followed pubkeys from a contact list's p tags.
// Entries that do not canonicalize are dropped.
func ContactsFromEvent(ev *nostr.Event) []string {
	targets := make([]string, 0, len(ev.Tags))
	for _, tag := range ev.Tags {
		if len(tag) < 2 || tag[0] != "p" {
			continue
		}
		pk, err := pubkey.Normalize(tag[1])
		if err != nil {
			continue
		}
		targets = append(targets, pk)
	}
	return targets
}
