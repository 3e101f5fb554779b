// Package maintenance runs the service's background upkeep: cache cleanup,
// graph autosave, graph resync, and cache revalidation. Task failures are
// logged and retried on the next tick; only context cancellation stops a
// loop.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/ContextVM/relatr-sub002/internal/datastore"
	"github.com/ContextVM/relatr-sub002/internal/graph"
)

const (
	DefaultCleanupInterval        = time.Hour
	DefaultAutosaveInterval       = 5 * time.Minute
	DefaultSyncInterval           = time.Hour
	DefaultValidationSyncInterval = 6 * time.Hour
	DefaultRevalidateLimit        = 100
)

// GraphSyncer recrawls the follow graph from the relays.
type GraphSyncer interface {
	Sync(ctx context.Context) error
}

// Revalidator refreshes cached metrics that are about to expire.
type Revalidator interface {
	RevalidateExpiring(ctx context.Context, within time.Duration, limit int) (int, error)
}

type Config struct {
	Logger *slog.Logger
	Clock  clockwork.Clock
	Store  *datastore.Store
	Graph  *graph.Graph

	// SnapshotPath is where autosave writes the graph. Empty disables
	// autosave.
	SnapshotPath string

	// Syncer, when set, recrawls the graph every SyncInterval.
	Syncer GraphSyncer

	// Revalidator, when set, refreshes expiring cache rows every
	// ValidationSyncInterval.
	Revalidator Revalidator

	CleanupInterval        time.Duration
	AutosaveInterval       time.Duration
	SyncInterval           time.Duration
	ValidationSyncInterval time.Duration

	// RevalidateLimit caps the rows refreshed per validation pass.
	// Defaults to DefaultRevalidateLimit.
	RevalidateLimit int
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Store == nil {
		return errors.New("store is required")
	}
	if c.Graph == nil {
		return errors.New("graph is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.CleanupInterval == 0 {
		c.CleanupInterval = DefaultCleanupInterval
	}
	if c.AutosaveInterval == 0 {
		c.AutosaveInterval = DefaultAutosaveInterval
	}
	if c.SyncInterval == 0 {
		c.SyncInterval = DefaultSyncInterval
	}
	if c.ValidationSyncInterval == 0 {
		c.ValidationSyncInterval = DefaultValidationSyncInterval
	}
	for _, iv := range []time.Duration{c.CleanupInterval, c.AutosaveInterval, c.SyncInterval, c.ValidationSyncInterval} {
		if iv < 0 {
			return errors.New("intervals must be positive")
		}
	}
	if c.RevalidateLimit == 0 {
		c.RevalidateLimit = DefaultRevalidateLimit
	}
	if c.RevalidateLimit < 0 {
		return errors.New("revalidate limit must be positive")
	}
	return nil
}

// Runner owns the background loops. One Runner per process.
type Runner struct {
	log   *slog.Logger
	cfg   Config
	clock clockwork.Clock

	saveMu   sync.Mutex
	savedGen uint64
}

func New(cfg Config) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid maintenance config: %w", err)
	}
	return &Runner{
		log:   cfg.Logger,
		cfg:   cfg,
		clock: cfg.Clock,
	}, nil
}

// Run blocks until ctx is canceled, then performs a final autosave so a
// clean shutdown never loses graph mutations.
func (r *Runner) Run(ctx context.Context) {
	var wg sync.WaitGroup

	r.loop(ctx, &wg, "cleanup", r.cfg.CleanupInterval, func(context.Context) error {
		return r.Cleanup()
	})
	if r.cfg.SnapshotPath != "" {
		r.loop(ctx, &wg, "autosave", r.cfg.AutosaveInterval, func(context.Context) error {
			return r.Autosave()
		})
	}
	if r.cfg.Syncer != nil {
		r.loop(ctx, &wg, "graph sync", r.cfg.SyncInterval, r.cfg.Syncer.Sync)
	}
	if r.cfg.Revalidator != nil {
		r.loop(ctx, &wg, "revalidation", r.cfg.ValidationSyncInterval, r.Revalidate)
	}

	wg.Wait()

	if r.cfg.SnapshotPath != "" {
		if err := r.Autosave(); err != nil {
			r.log.Error("maintenance: final autosave failed", "error", err)
		}
	}
}

func (r *Runner) loop(ctx context.Context, wg *sync.WaitGroup, name string, interval time.Duration, task func(context.Context) error) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := r.clock.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.Chan():
				if err := task(ctx); err != nil {
					if errors.Is(err, context.Canceled) {
						return
					}
					r.log.Warn("maintenance: task failed", "task", name, "error", err)
				}
			}
		}
	}()
}

// Cleanup removes expired rows from the datastore.
func (r *Runner) Cleanup() error {
	removed, err := r.cfg.Store.Cleanup()
	if err != nil {
		return err
	}
	if removed > 0 {
		r.log.Info("maintenance: removed expired cache entries", "count", removed)
	}
	return nil
}

// Autosave snapshots the graph to disk, skipping generations already saved.
func (r *Runner) Autosave() error {
	r.saveMu.Lock()
	defer r.saveMu.Unlock()

	gen := r.cfg.Graph.Generation()
	if gen == r.savedGen {
		return nil
	}
	if err := r.cfg.Graph.SaveFile(r.cfg.SnapshotPath); err != nil {
		return err
	}
	r.savedGen = gen
	r.log.Debug("maintenance: graph snapshot saved", "path", r.cfg.SnapshotPath, "generation", gen)
	return nil
}

// Revalidate refreshes cached metrics expiring before the next validation
// pass would run.
func (r *Runner) Revalidate(ctx context.Context) error {
	refreshed, err := r.cfg.Revalidator.RevalidateExpiring(ctx, r.cfg.ValidationSyncInterval, r.cfg.RevalidateLimit)
	if err != nil {
		return err
	}
	if refreshed > 0 {
		r.log.Info("maintenance: revalidated expiring metrics", "count", refreshed)
	}
	return nil
}
