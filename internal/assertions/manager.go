// Package assertions manages the optional trusted-assertion side-service:
// a persisted on/off switch with a relay list, and a publisher that mirrors
// computed trust scores to the network as NIP-85 kind-30382 events.
package assertions

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jonboulle/clockwork"

	"github.com/ContextVM/relatr-sub002/internal/datastore"
)

type ManagerConfig struct {
	Logger *slog.Logger
	Store  *datastore.Store

	// DefaultRelays receive assertions when no custom list was configured.
	DefaultRelays []string

	Clock clockwork.Clock
}

func (c *ManagerConfig) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Store == nil {
		return errors.New("store is required")
	}
	if len(c.DefaultRelays) == 0 {
		return errors.New("default relays are required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Manager owns the persisted trusted-assertion state. The service starts
// disabled until an operator enables it through the management tool.
type Manager struct {
	log   *slog.Logger
	cfg   ManagerConfig
	clock clockwork.Clock
}

func NewManager(cfg ManagerConfig) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid assertions manager config: %w", err)
	}
	return &Manager{
		log:   cfg.Logger,
		cfg:   cfg,
		clock: cfg.Clock,
	}, nil
}

// Get returns the current state. Before the first write it reports disabled
// with the default relay list.
func (m *Manager) Get() (*datastore.TAState, error) {
	state, err := m.cfg.Store.GetTAState()
	if err != nil {
		return nil, err
	}
	if state == nil {
		state = &datastore.TAState{Enabled: false}
	}
	if len(state.Relays) == 0 {
		state.Relays = append([]string(nil), m.cfg.DefaultRelays...)
	}
	return state, nil
}

// Enable turns publishing on. A non-empty customRelays replaces the relay
// list; nil keeps whatever is configured.
func (m *Manager) Enable(customRelays []string) (*datastore.TAState, error) {
	relays, err := m.relayListFor(customRelays)
	if err != nil {
		return nil, err
	}
	state := &datastore.TAState{
		Enabled:   true,
		Relays:    relays,
		UpdatedAt: m.clock.Now().Unix(),
	}
	if err := m.cfg.Store.SetTAState(state); err != nil {
		return nil, err
	}
	m.log.Info("assertions: publishing enabled", "relays", len(state.Relays))
	return state, nil
}

// Disable turns publishing off, keeping the relay list for the next enable.
func (m *Manager) Disable() (*datastore.TAState, error) {
	current, err := m.Get()
	if err != nil {
		return nil, err
	}
	state := &datastore.TAState{
		Enabled:   false,
		Relays:    current.Relays,
		UpdatedAt: m.clock.Now().Unix(),
	}
	if err := m.cfg.Store.SetTAState(state); err != nil {
		return nil, err
	}
	m.log.Info("assertions: publishing disabled")
	return state, nil
}

func (m *Manager) relayListFor(customRelays []string) ([]string, error) {
	if len(customRelays) == 0 {
		current, err := m.Get()
		if err != nil {
			return nil, err
		}
		return current.Relays, nil
	}
	out := make([]string, 0, len(customRelays))
	for _, raw := range customRelays {
		url := strings.TrimSpace(raw)
		if url == "" {
			continue
		}
		if !strings.HasPrefix(url, "wss://") && !strings.HasPrefix(url, "ws://") {
			return nil, fmt.Errorf("relay %q must be a ws:// or wss:// URL", url)
		}
		out = append(out, url)
	}
	if len(out) == 0 {
		return nil, errors.New("custom relay list has no usable URLs")
	}
	return out, nil
}
