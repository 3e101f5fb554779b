package server

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/ContextVM/relatr-sub002/internal/assertions"
	"github.com/ContextVM/relatr-sub002/internal/graph"
	"github.com/ContextVM/relatr-sub002/internal/ratelimit"
	"github.com/ContextVM/relatr-sub002/internal/scorer"
)

const (
	defaultListenAddr        = "0.0.0.0:8090"
	defaultReadHeaderTimeout = 10 * time.Second
	defaultShutdownTimeout   = 30 * time.Second
)

type Config struct {
	Logger *slog.Logger

	Scorer     *scorer.Service
	Limiter    *ratelimit.Bucket
	Assertions *assertions.Manager
	Graph      *graph.Graph

	Version           string
	ListenAddr        string
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return fmt.Errorf("logger is required")
	}
	if c.Scorer == nil {
		return fmt.Errorf("scorer is required")
	}
	if c.Limiter == nil {
		return fmt.Errorf("rate limiter is required")
	}
	if c.Assertions == nil {
		return fmt.Errorf("assertions manager is required")
	}
	if c.Graph == nil {
		return fmt.Errorf("graph is required")
	}
	if c.ListenAddr == "" {
		c.ListenAddr = defaultListenAddr
	}
	if c.ReadHeaderTimeout == 0 {
		c.ReadHeaderTimeout = defaultReadHeaderTimeout
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = defaultShutdownTimeout
	}
	return nil
}
