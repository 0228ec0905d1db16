package edge

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"github.com/localrouter/gateway/gateway"
	"github.com/localrouter/gateway/internal/server"
	"github.com/localrouter/gateway/marketplace"
	"github.com/localrouter/gateway/upstream"
)

// Deps bundles Server's collaborators, mirroring gateway.RouterDeps's
// constructor-argument-bundling idiom.
type Deps struct {
	Store               gateway.ConfigStore
	Router              *gateway.Router
	Upstreams           *upstream.Manager
	LLMRouter           *gateway.LLMRouter
	EmbeddingRouter     *gateway.EmbeddingRouter
	MarketplaceRegistry *marketplace.Registry
	MarketplaceInstall  *marketplace.Installer
	Logger              *zap.Logger
	Addr                string
}

// Server is the externally reachable listener: an http.ServeMux wired to
// the JSON-RPC tool endpoint, the OpenAI-compatible LLM surface, health
// checks, and token issuance, wrapped in internal/server.Manager for
// non-blocking start/graceful shutdown (§4.10's explicit instruction to
// reuse that lifecycle wrapper rather than calling http.ListenAndServe
// directly).
type Server struct {
	manager  *server.Manager
	sessions *SessionStore
	issuer   *tokenIssuer
	health   *HealthHandler
	logger   *zap.Logger
}

func NewServer(deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	issuer := newTokenIssuer(deps.Store)
	sessions := NewSessionStore(deps.Store, deps.Upstreams, deps.Router, logger)
	health := NewHealthHandler(logger)

	mcpH := newMCPHandler(deps.Store, issuer, deps.Router, sessions, logger)
	aiH := newOpenAIHandler(deps.Store, issuer, deps.LLMRouter, deps.EmbeddingRouter, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", health.HandleHealth)
	mux.HandleFunc("GET /healthz", health.HandleHealth)
	mux.HandleFunc("GET /ready", health.HandleReady)

	mux.HandleFunc("POST /oauth/token", issuer.handleToken)

	mux.HandleFunc("POST /mcp", mcpH.handleRPC)
	mux.HandleFunc("GET /mcp/events", mcpH.handleSSE)
	mux.HandleFunc("GET /mcp/ws", mcpH.handleWS)

	mux.HandleFunc("POST /v1/chat/completions", aiH.handleChatCompletions)
	mux.HandleFunc("POST /v1/completions", aiH.handleCompletions)
	mux.HandleFunc("POST /v1/embeddings", aiH.handleEmbeddings)
	mux.HandleFunc("POST /v1/generation", aiH.handleGeneration)
	mux.HandleFunc("GET /v1/models", aiH.handleModelsList)
	mux.HandleFunc("GET /v1/models/{id}", aiH.handleModelGet)

	if deps.MarketplaceRegistry != nil && deps.MarketplaceInstall != nil {
		mpH := newMarketplaceHandler(deps.Store, issuer, deps.MarketplaceRegistry, deps.MarketplaceInstall, logger)
		mux.HandleFunc("GET /v1/marketplace/listings", mpH.handleSearch)
		mux.HandleFunc("POST /v1/marketplace/install", mpH.handleInstall)
	}

	skillsH := newSkillsHandler(deps.Store, issuer, logger)
	mux.HandleFunc("GET /v1/skills", skillsH.handleList)

	cfg := server.DefaultConfig()
	if deps.Addr != "" {
		cfg.Addr = deps.Addr
	}

	return &Server{
		manager:  server.NewManager(mux, cfg, logger),
		sessions: sessions,
		issuer:   issuer,
		health:   health,
		logger:   logger.With(zap.String("component", "edge.server")),
	}
}

// Start begins serving, non-blocking, matching internal/server.Manager's
// own contract.
func (s *Server) Start() error {
	return s.manager.Start()
}

// Shutdown drains in-flight requests within the configured timeout.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.manager.Shutdown(ctx)
}

// Errors surfaces the manager's asynchronous listen/serve failures.
func (s *Server) Errors() <-chan error {
	return s.manager.Errors()
}

// Addr returns the listener's bound address once Start has succeeded.
func (s *Server) Addr() string {
	return s.manager.Addr()
}

// RegisterHealthCheck exposes the health handler's check registry to
// callers wiring up deeper readiness probes (database connectivity,
// upstream reachability) once those dependencies are constructed.
func (s *Server) RegisterHealthCheck(check HealthCheck) {
	s.health.RegisterCheck(check)
}
