package ratelimit

import (
	"errors"
	"math"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// ErrRateLimited is surfaced to callers as a structured reply, never a
// transport failure.
var ErrRateLimited = errors.New("rate limit exceeded")

// DefaultMinRefillInterval ignores refill windows too short to measure
// without floating point drift.
const DefaultMinRefillInterval = time.Millisecond

type Config struct {
	// Capacity is the bucket size in tokens.
	Capacity float64

	// RefillRate is added tokens per second, capped at Capacity.
	RefillRate float64

	// MinRefillInterval skips refills for elapsed windows shorter than
	// this. Defaults to DefaultMinRefillInterval. Unconsumed short windows
	// accumulate toward the next refill.
	MinRefillInterval time.Duration

	// Clock defaults to the real clock.
	Clock clockwork.Clock
}

func (c *Config) Validate() error {
	if c.Capacity <= 0 {
		return errors.New("capacity must be positive")
	}
	if c.RefillRate <= 0 {
		return errors.New("refill rate must be positive")
	}
	if c.MinRefillInterval < 0 {
		return errors.New("min refill interval must not be negative")
	}
	if c.MinRefillInterval == 0 {
		c.MinRefillInterval = DefaultMinRefillInterval
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Bucket is a token bucket. A full bucket is handed out by New; Acquire
// refills from elapsed wall-clock time before taking a token.
type Bucket struct {
	cfg Config

	mu         sync.Mutex
	tokens     float64
	lastRefill time.Time
}

func New(cfg Config) (*Bucket, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Bucket{
		cfg:        cfg,
		tokens:     cfg.Capacity,
		lastRefill: cfg.Clock.Now(),
	}, nil
}

// Acquire takes one token, reporting false when none is available.
func (b *Bucket) Acquire() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked()
	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

// Remaining reports the token count as of the last refill. Inspection has no
// side effects: no refill, no consumption.
func (b *Bucket) Remaining() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tokens
}

// Capacity returns the configured bucket size.
func (b *Bucket) Capacity() float64 {
	return b.cfg.Capacity
}

func (b *Bucket) refillLocked() {
	now := b.cfg.Clock.Now()
	elapsed := now.Sub(b.lastRefill)
	if elapsed < b.cfg.MinRefillInterval {
		return
	}
	b.tokens = math.Min(b.cfg.Capacity, b.tokens+elapsed.Seconds()*b.cfg.RefillRate)
	b.lastRefill = now
}
