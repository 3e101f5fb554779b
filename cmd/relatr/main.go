package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	_ "net/http/pprof"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"

	"github.com/ContextVM/relatr-sub002/internal/assertions"
	"github.com/ContextVM/relatr-sub002/internal/config"
	"github.com/ContextVM/relatr-sub002/internal/datastore"
	"github.com/ContextVM/relatr-sub002/internal/decay"
	"github.com/ContextVM/relatr-sub002/internal/graph"
	"github.com/ContextVM/relatr-sub002/internal/logger"
	"github.com/ContextVM/relatr-sub002/internal/maintenance"
	"github.com/ContextVM/relatr-sub002/internal/mcp/server"
	"github.com/ContextVM/relatr-sub002/internal/mcp/server/metrics"
	"github.com/ContextVM/relatr-sub002/internal/profiles"
	"github.com/ContextVM/relatr-sub002/internal/ratelimit"
	"github.com/ContextVM/relatr-sub002/internal/relays"
	"github.com/ContextVM/relatr-sub002/internal/scorer"
	"github.com/ContextVM/relatr-sub002/internal/trust"
	"github.com/ContextVM/relatr-sub002/internal/validators"
	"github.com/ContextVM/relatr-sub002/internal/weights"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const (
	defaultListenAddr  = "0.0.0.0:8090"
	defaultMetricsAddr = "0.0.0.0:0"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")
	enablePprofFlag := flag.Bool("enable-pprof", false, "enable pprof server")
	metricsAddrFlag := flag.String("metrics-addr", defaultMetricsAddr, "Address to listen on for prometheus metrics")
	listenAddrFlag := flag.String("listen-addr", defaultListenAddr, "HTTP server listen address")
	versionFlag := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *versionFlag {
		fmt.Printf("relatr %s (commit %s, built %s)\n", version, commit, date)
		return nil
	}

	log := logger.New(*verboseFlag)

	cfg, err := config.Load(log)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sig := <-sigCh
		log.Info("relatr: received signal", "signal", sig.String())
		cancel()
	}()

	if *enablePprofFlag {
		go func() {
			log.Info("starting pprof server", "address", "localhost:6060")
			err := http.ListenAndServe("localhost:6060", nil)
			if err != nil {
				log.Error("failed to start pprof server", "error", err)
			}
		}()
	}

	var metricsServerErrCh = make(chan error, 1)
	if *metricsAddrFlag != "" {
		metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)
		go func() {
			listener, err := net.Listen("tcp", *metricsAddrFlag)
			if err != nil {
				log.Error("failed to start prometheus metrics server listener", "error", err)
				metricsServerErrCh <- err
				return
			}
			log.Info("prometheus metrics server listening", "address", listener.Addr().String())
			http.Handle("/metrics", promhttp.Handler())
			if err := http.Serve(listener, nil); err != nil {
				log.Error("failed to start prometheus metrics server", "error", err)
				metricsServerErrCh <- err
				return
			}
		}()
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DatabasePath), 0o755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	store, err := datastore.New(datastore.Config{
		Logger:     log,
		Path:       cfg.DatabasePath,
		TTL:        cfg.CacheTTL,
		MaxEntries: cfg.MaxCacheEntries,
	})
	if err != nil {
		return fmt.Errorf("failed to open datastore: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Error("failed to close datastore", "error", err)
		}
	}()

	followGraph := graph.New(log)
	if err := followGraph.Initialize(cfg.DefaultSourcePubkey, cfg.SnapshotPath()); err != nil {
		return fmt.Errorf("failed to initialize graph: %w", err)
	}

	relayClient, err := relays.New(ctx, relays.Config{
		Logger: log,
		Relays: cfg.NostrRelays,
	})
	if err != nil {
		return fmt.Errorf("failed to create relay client: %w", err)
	}

	weightRegistry := weights.NewRegistry(log)
	for _, p := range weights.Builtin() {
		if err := weightRegistry.Register(p); err != nil {
			return fmt.Errorf("failed to register weight profile %q: %w", p.Name, err)
		}
	}
	if err := weightRegistry.Activate(cfg.WeightingScheme); err != nil {
		return fmt.Errorf("failed to activate weighting scheme: %w", err)
	}

	normalizer, err := decay.New(decay.Config{Alpha: cfg.DecayFactor})
	if err != nil {
		return fmt.Errorf("failed to create decay normalizer: %w", err)
	}

	calculator, err := trust.NewCalculator(trust.CalculatorConfig{
		Logger:   log,
		Registry: weightRegistry,
		Decay:    normalizer,
	})
	if err != nil {
		return fmt.Errorf("failed to create trust calculator: %w", err)
	}

	validatorRegistry, err := validators.NewRegistry(validators.Config{Logger: log})
	if err != nil {
		return fmt.Errorf("failed to create validator registry: %w", err)
	}
	for _, v := range []validators.Validator{
		validators.NewNip05(log, nil),
		validators.NewLightning(),
		validators.NewRelayList(log, relayClient, 0),
		validators.NewReciprocity(followGraph),
		validators.NewRootNip05(),
	} {
		if err := validatorRegistry.Register(v); err != nil {
			return fmt.Errorf("failed to register validator: %w", err)
		}
	}
	if cov := weightRegistry.ValidateCoverage(validatorRegistry.Names()); !cov.Clean() {
		log.Warn("weighting scheme does not cover all validators",
			"scheme", cfg.WeightingScheme,
			"unweighted", cov.Missing,
			"unmatched", cov.Extra,
		)
	}

	profileProvider, err := profiles.New(profiles.Config{
		Logger:  log,
		Store:   store,
		Fetcher: relayClient,
	})
	if err != nil {
		return fmt.Errorf("failed to create profile provider: %w", err)
	}

	scoreService, err := scorer.New(scorer.Config{
		Logger:        log,
		Graph:         followGraph,
		Store:         store,
		Weights:       weightRegistry,
		Calculator:    calculator,
		Validators:    validatorRegistry,
		Profiles:      profileProvider,
		Searcher:      relayClient,
		DefaultSource: cfg.DefaultSourcePubkey,
	})
	if err != nil {
		return fmt.Errorf("failed to create score service: %w", err)
	}

	syncer, err := graph.NewSyncer(graph.SyncerConfig{
		Logger:  log,
		Graph:   followGraph,
		Fetcher: relayClient,
		Hops:    cfg.NumberOfHops,
	})
	if err != nil {
		return fmt.Errorf("failed to create graph syncer: %w", err)
	}

	// Warm the graph in the background; relays being down at boot must not
	// keep the service from answering with whatever the snapshot holds.
	go func() {
		if err := syncer.Sync(ctx); err != nil {
			log.Warn("relatr: initial graph sync failed", "error", err)
		}
	}()

	limiter, err := ratelimit.New(ratelimit.Config{
		Capacity:   float64(cfg.RateLimitTokens),
		RefillRate: float64(cfg.RateLimitRefillRate),
	})
	if err != nil {
		return fmt.Errorf("failed to create rate limiter: %w", err)
	}

	assertionManager, err := assertions.NewManager(assertions.ManagerConfig{
		Logger:        log,
		Store:         store,
		DefaultRelays: cfg.ServerRelays,
	})
	if err != nil {
		return fmt.Errorf("failed to create assertions manager: %w", err)
	}

	assertionPublisher, err := assertions.NewPublisher(assertions.PublisherConfig{
		Logger:    log,
		Manager:   assertionManager,
		Store:     store,
		Scorer:    scoreService,
		Relays:    relayClient,
		SecretKey: cfg.ServerSecretKey,
	})
	if err != nil {
		return fmt.Errorf("failed to create assertions publisher: %w", err)
	}
	go assertionPublisher.Run(ctx)

	runner, err := maintenance.New(maintenance.Config{
		Logger:                 log,
		Store:                  store,
		Graph:                  followGraph,
		SnapshotPath:           cfg.SnapshotPath(),
		Syncer:                 syncer,
		Revalidator:            scoreService,
		CleanupInterval:        cfg.CleanupInterval,
		SyncInterval:           cfg.SyncInterval,
		ValidationSyncInterval: cfg.ValidationSyncInterval,
	})
	if err != nil {
		return fmt.Errorf("failed to create maintenance runner: %w", err)
	}
	maintenanceDone := make(chan struct{})
	go func() {
		defer close(maintenanceDone)
		runner.Run(ctx)
	}()

	srv, err := server.New(server.Config{
		Logger:     log,
		Scorer:     scoreService,
		Limiter:    limiter,
		Assertions: assertionManager,
		Graph:      followGraph,
		Version:    version,
		ListenAddr: *listenAddrFlag,
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	serverErrCh := make(chan error, 1)
	go func() {
		if err := srv.Run(ctx); err != nil {
			serverErrCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("relatr: shutting down", "reason", ctx.Err())
		<-maintenanceDone
		return nil
	case err := <-serverErrCh:
		log.Error("relatr: server error causing shutdown", "error", err)
		cancel()
		<-maintenanceDone
		return err
	case err := <-metricsServerErrCh:
		log.Error("relatr: metrics server error causing shutdown", "error", err)
		cancel()
		<-maintenanceDone
		return err
	}
}
