package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"council/config"
	"council/internal/council"
	"council/internal/events"
	"council/internal/health"
	"council/internal/logging"
	"council/internal/metrics"
	"council/internal/providers"
	"council/internal/providers/anthropic"
	"council/internal/providers/openai"
	"council/internal/providers/vllm"
	"council/internal/registry"
	"council/internal/stats"
	"council/internal/store"
	"council/internal/tracing"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	configPath := "council.json"
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		log.Printf("config: %v (using defaults)", err)
		cfg = config.DefaultConfig()
	}

	logger := logging.Setup(cfg.Logging.Level)
	logger.Info("council starting", "version", version)

	shutdownTracing, err := tracing.Setup(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		Endpoint:    cfg.Tracing.Endpoint,
		ServiceName: cfg.Tracing.ServiceName,
	})
	if err != nil {
		logger.Error("tracing setup failed", "error", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(ctx)
	}()

	st, clients, probeTargets, err := wireStoreAndClients(cfg, logger)
	if err != nil {
		log.Fatalf("wiring error: %v", err)
	}
	defer st.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := st.Migrate(ctx); err != nil {
		log.Fatalf("migrate: %v", err)
	}

	reg := registry.New(st, registryFetcher(cfg), func() int64 { return time.Now().UnixMilli() })
	if err := reg.Load(ctx); err != nil {
		logger.Warn("registry load from store failed, starting empty", "error", err)
	}

	bus := events.NewBus(cfg.Events.RetentionPerSession)
	m := metrics.New()
	sc := stats.NewCollector()

	tracker := health.NewTracker(health.DefaultConfig(), health.WithEventBus(bus))
	probeInterval, err := time.ParseDuration(cfg.Health.ProbeInterval)
	if err != nil || probeInterval <= 0 {
		probeInterval = 30 * time.Second
	}
	prober := health.NewProber(health.ProberConfig{Interval: probeInterval, ProbeTimeout: 5 * time.Second}, tracker, probeTargets, logger)
	prober.Start()
	defer prober.Stop()

	failManager := health.NewFailListManager(reg, clients, st, cfg.Health.ProbeConcurrency)

	eng := council.New(st, reg, clients, bus, m, nil)
	eng.Stats = sc

	board := defaultBoard(cfg.Board)
	if err := st.UpsertBoard(ctx, board); err != nil {
		logger.Warn("failed to persist default board", "error", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	httpServer := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("observability endpoints listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("observability listener error", "error", err)
		}
	}()

	refreshInterval, err := time.ParseDuration(cfg.Registry.RefreshInterval)
	if err != nil || refreshInterval <= 0 {
		refreshInterval = time.Hour
	}
	stopRefresh := make(chan struct{})
	go runRegistryRefreshLoop(ctx, reg, refreshInterval, logger, stopRefresh)
	go runFailListProbeLoop(ctx, failManager, reg, probeInterval, logger)

	// The Council Engine's Run/Resume entry points are driven by the
	// out-of-scope session-scoped streaming API (SPEC_FULL.md §6); this
	// binary's job ends at wiring it with a live store/registry/provider set.
	logger.Info("council engine wired and running", "board_id", board.ID, "members", board.CouncilMembers, "chairman", board.Chairman, "engine_ready", eng != nil)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	logger.Info("shutting down")
	close(stopRefresh)
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown error", "error", err)
	}
	logger.Info("shutdown complete")
}

// wireStoreAndClients constructs the persistence layer and one provider
// Client per configured provider, returning a health.ClientResolver closure
// plus the subset of clients that support health-endpoint probing.
func wireStoreAndClients(cfg *config.Config, logger *slog.Logger) (store.Store, health.ClientResolver, []health.Probeable, error) {
	var st store.Store
	var err error
	switch cfg.Store.Driver {
	case "memory":
		st = store.NewMemStore()
	default:
		st, err = store.NewSQLite(cfg.Store.DSN)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("sqlite store: %w", err)
		}
	}

	clients := make(map[string]providers.Client, len(cfg.Providers))
	var probeTargets []health.Probeable
	for _, pc := range cfg.Providers {
		var c providers.Client
		switch pc.Type {
		case "openai":
			a := openai.New(pc.AccessProviderID, pc.APIKey, pc.BaseURL)
			c = a
			probeTargets = append(probeTargets, a)
		case "anthropic":
			a := anthropic.New(pc.AccessProviderID, pc.APIKey, pc.BaseURL)
			c = a
			probeTargets = append(probeTargets, a)
		case "vllm":
			opts := []vllm.Option{}
			if len(pc.Endpoints) > 0 {
				opts = append(opts, vllm.WithEndpoints(pc.Endpoints...))
			}
			a := vllm.New(pc.AccessProviderID, pc.BaseURL, opts...)
			c = a
			probeTargets = append(probeTargets, a)
		default:
			logger.Warn("unknown provider type, skipping", "type", pc.Type, "access_provider_id", pc.AccessProviderID)
			continue
		}
		clients[pc.AccessProviderID] = c
	}

	resolver := func(accessProviderID string) (providers.Client, bool) {
		c, ok := clients[accessProviderID]
		return c, ok
	}
	return st, resolver, probeTargets, nil
}

func registryFetcher(cfg *config.Config) registry.Fetcher {
	apiKey := ""
	for _, pc := range cfg.Providers {
		if pc.APIKey != "" {
			apiKey = pc.APIKey
			break
		}
	}
	return registry.NewHTTPFetcher(cfg.Registry.CatalogURL, apiKey, &http.Client{Timeout: 30 * time.Second})
}

// defaultBoard converts the config-file bootstrap board into a persisted
// store.Board with a stable id, so the engine always has a board to resolve
// against even before a client creates one through the (out-of-scope)
// session API.
func defaultBoard(bc config.BoardConfig) store.Board {
	return store.Board{
		ID:                "default",
		Name:              "default",
		CouncilMembers:    bc.CouncilMembers,
		Chairman:          bc.Chairman,
		Substitutes:       bc.Substitutes,
		Personalities:     bc.Personalities,
		ConsensusStrategy: bc.ConsensusStrategy,
		ResponseTimeoutS:  bc.ResponseTimeoutS,
	}
}

// runRegistryRefreshLoop periodically re-fetches the base-model and endpoint
// catalogs and re-derives the unified view (spec.md §4.2).
func runRegistryRefreshLoop(ctx context.Context, reg *registry.Registry, interval time.Duration, logger *slog.Logger, stop chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if err := reg.Refresh(ctx); err != nil {
				logger.Error("registry refresh failed", "error", err)
				continue
			}
			logger.Info("registry refreshed", "models", len(reg.ListBaseModels(registry.ListFilter{})))
		}
	}
}

// runFailListProbeLoop periodically probes every known unified model and
// activates a fresh fail-list from the results (spec.md §4.8).
func runFailListProbeLoop(ctx context.Context, fm *health.FailListManager, reg *registry.Registry, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ids := make([]string, 0)
			for _, um := range reg.ListBaseModels(registry.ListFilter{}) {
				ids = append(ids, um.UnifiedID)
			}
			if len(ids) == 0 {
				continue
			}
			results, err := fm.ProbeAll(ctx, ids)
			if err != nil {
				logger.Error("fail-list probe sweep failed", "error", err)
				continue
			}
			failed := 0
			for _, r := range results {
				if !r.OK {
					failed++
				}
			}
			logger.Info("fail-list probe sweep complete", "probed", len(results), "failed", failed)
		}
	}
}
