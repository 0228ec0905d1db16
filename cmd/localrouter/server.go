// Copyright (c) localrouter Authors.
// Licensed under the MIT License.

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/localrouter/gateway/accesslog"
	"github.com/localrouter/gateway/config"
	"github.com/localrouter/gateway/edge"
	"github.com/localrouter/gateway/gateway"
	"github.com/localrouter/gateway/interaction"
	"github.com/localrouter/gateway/llm"
	"github.com/localrouter/gateway/llm/embedding"
	"github.com/localrouter/gateway/marketplace"
	"github.com/localrouter/gateway/metricsstore"
	"github.com/localrouter/gateway/ratelimit"
	"github.com/localrouter/gateway/upstream"

	appserver "github.com/localrouter/gateway/internal/server"
)

// Server owns every collaborator the gateway needs to run standalone: the
// in-memory config store, the upstream connection manager, the four
// interaction managers, the metrics store and access log, the LLM/embedding
// routers, and the edge HTTP listener that ties them together. It mirrors
// a Server type one layer up from internal/server.Manager — a thin owner of
// long-lived collaborators plus a Prometheus side-listener — but every
// collaborator it constructs here is this gateway's own.
type Server struct {
	logger *zap.Logger

	store     *gateway.MemoryConfigStore
	upstreams *upstream.Manager
	metrics   *metricsstore.Store
	access    *accesslog.Logger

	elicitations      *interaction.Elicitations
	samplingApprovals *interaction.SamplingApprovals
	firewallApprovals *interaction.FirewallApprovals
	installApprovals  *interaction.InstallApprovals

	marketplace *marketplace.Registry

	limitersMu sync.Mutex
	limiters   map[string]*ratelimit.Limiter

	edge           *edge.Server
	metricsManager *appserver.Manager

	wg sync.WaitGroup
}

// NewServer wires the gateway from an ambient Config (server ports, log,
// telemetry, database) and, if statePath names a file, loads the gateway's
// own client/server/strategy state from it via MemoryConfigStore.LoadYAML —
// the two documents may be the same file, since LoadYAML only looks at the
// top-level `clients`/`servers`/`strategies` keys and ignores the rest.
func NewServer(cfg *config.Config, statePath string, logger *zap.Logger, db *gorm.DB) (*Server, error) {
	store := gateway.NewMemoryConfigStore()
	if statePath != "" {
		data, err := os.ReadFile(statePath)
		if err != nil {
			return nil, fmt.Errorf("reading gateway state file: %w", err)
		}
		if err := store.LoadYAML(data); err != nil {
			return nil, fmt.Errorf("loading gateway state: %w", err)
		}
	}

	metricsStore, err := metricsstore.New(db, logger)
	if err != nil {
		return nil, fmt.Errorf("building metrics store: %w", err)
	}

	access := accesslog.New(accesslog.Config{
		Dir:           accessLogDir(cfg),
		RetentionDays: 30,
	}, logger)

	upstreams := upstream.NewManager(logger)

	s := &Server{
		logger:            logger,
		store:             store,
		upstreams:         upstreams,
		metrics:           metricsStore,
		access:            access,
		elicitations:      interaction.NewManager[interaction.ElicitationResponse](logger),
		samplingApprovals: interaction.NewManager[interaction.SamplingApprovalResponse](logger),
		firewallApprovals: interaction.NewManager[interaction.FirewallApprovalResponse](logger),
		installApprovals:  interaction.NewManager[interaction.InstallApprovalResponse](logger),
		marketplace:       marketplace.NewRegistry(),
		limiters:          make(map[string]*ratelimit.Limiter),
	}

	marketplaceInstaller := marketplace.NewInstaller(s.marketplace, s.installApprovals, store, nil)

	// No concrete LLM provider or embedding provider SDK is wired by
	// default — §1 names "provider-specific HTTP adapters" as an external
	// collaborator beyond their abstract llm.Provider/embedding.Provider
	// contract, so both registries start empty and a deployment populates
	// them (llm.ProviderRegistry.Register / embedding.Registry.Register)
	// before any model becomes routable.
	llmRegistry := llm.NewProviderRegistry()
	embeddingRegistry := embedding.NewRegistry()

	llmRouter := gateway.NewLLMRouter(llmRegistry, map[string]llm.Pricer{}, s.limiterFor, metricsStore, access, logger)
	embeddingRouter := gateway.NewEmbeddingRouter(embeddingRegistry, metricsStore, access, logger)

	router := gateway.NewRouter(gateway.RouterDeps{
		Store:                store,
		Upstreams:            upstreams,
		LLM:                  llmRouter,
		Elicitations:         s.elicitations,
		SamplingApprovals:    s.samplingApprovals,
		FirewallApprovals:    s.firewallApprovals,
		Metrics:              metricsStore,
		Access:               access,
		Logger:               logger,
		AllowPartialFailures: true,
	})

	s.edge = edge.NewServer(edge.Deps{
		Store:               store,
		Router:              router,
		Upstreams:           upstreams,
		LLMRouter:           llmRouter,
		EmbeddingRouter:     embeddingRouter,
		MarketplaceRegistry: s.marketplace,
		MarketplaceInstall:  marketplaceInstaller,
		Logger:              logger,
		Addr:                fmt.Sprintf(":%d", cfg.Server.HTTPPort),
	})

	s.metricsManager = appserver.NewManager(metricsMux(), appserver.Config{
		Addr:            fmt.Sprintf(":%d", cfg.Server.MetricsPort),
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}, logger)

	return s, nil
}

// limiterFor resolves (and lazily caches) the ratelimit.Limiter backing a
// client's active Strategy, satisfying gateway.LimiterSource. A client with
// no strategy id, or one whose strategy has since been deleted, runs
// unlimited — enforcement is only required where a strategy exists, and a
// dangling strategy id is a config inconsistency the edge's earlier client
// lookup would already have had to tolerate.
func (s *Server) limiterFor(client gateway.Client) *ratelimit.Limiter {
	if client.StrategyID == "" {
		return nil
	}

	s.limitersMu.Lock()
	defer s.limitersMu.Unlock()

	if l, ok := s.limiters[client.ID]; ok {
		return l
	}
	strategy, ok := s.store.Strategy(client.StrategyID)
	if !ok {
		return nil
	}
	l := ratelimit.NewLimiter(client.ID, strategy, nil, s.logger)
	s.limiters[client.ID] = l
	return l
}

func accessLogDir(cfg *config.Config) string {
	for _, p := range cfg.Log.OutputPaths {
		if p != "stdout" && p != "stderr" {
			return p
		}
	}
	return "logs"
}

func metricsMux() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// Start brings up both listeners non-blocking, matching internal/server's
// own Start contract.
func (s *Server) Start() error {
	if err := s.edge.Start(); err != nil {
		return fmt.Errorf("starting edge server: %w", err)
	}
	if err := s.metricsManager.Start(); err != nil {
		return fmt.Errorf("starting metrics server: %w", err)
	}
	s.logger.Info("all servers started")
	return nil
}

// WaitForShutdown blocks until SIGINT/SIGTERM, then runs Shutdown. Both
// listeners are wrapped by distinct Manager-shaped owners (edge.Server,
// internal/server.Manager) that each install their own signal handling, so
// this process waits on one shared channel instead of racing two.
func (s *Server) WaitForShutdown() {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	s.Shutdown()
}

// Shutdown drains and closes every collaborator, upstream connections last
// since in-flight edge requests may still be forwarding to them.
func (s *Server) Shutdown() {
	s.logger.Info("starting graceful shutdown")
	ctx := context.Background()

	if err := s.edge.Shutdown(ctx); err != nil {
		s.logger.Error("edge server shutdown error", zap.Error(err))
	}
	if err := s.metricsManager.Shutdown(ctx); err != nil {
		s.logger.Error("metrics server shutdown error", zap.Error(err))
	}
	if err := s.upstreams.Close(); err != nil {
		s.logger.Error("upstream manager shutdown error", zap.Error(err))
	}

	s.wg.Wait()
	s.logger.Info("graceful shutdown completed")
}
