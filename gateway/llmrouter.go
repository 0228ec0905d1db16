package gateway

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/localrouter/gateway/accesslog"
	"github.com/localrouter/gateway/llm"
	"github.com/localrouter/gateway/metricsstore"
	"github.com/localrouter/gateway/ratelimit"
	"github.com/localrouter/gateway/types"
)

// LimiterSource resolves the rate limiter backing a client's active
// Strategy. Kept as a narrow function type rather than a concrete
// dependency so LLMRouter doesn't need to know how limiters are cached or
// constructed — the caller (typically the edge HTTP surface) owns that.
type LimiterSource func(client Client) *ratelimit.Limiter

// LLMRouter implements §4.6 "LLM Provider Routing": it resolves a chat
// request's target provider, enforces the client's provider allowlist and
// active rate-limit strategy, invokes the provider, and feeds both the
// metrics store and the access log with the outcome — the same five-scope
// fan-out (global/client/provider/model/strategy) the Metric Row's scope-key
// list names for the LLM pipeline.
type LLMRouter struct {
	registry *llm.ProviderRegistry
	pricers  map[string]llm.Pricer
	limiters LimiterSource
	metrics  *metricsstore.Store
	access   *accesslog.Logger
	logger   *zap.Logger
	now      func() time.Time
}

// NewLLMRouter builds an LLMRouter over an already-populated provider
// registry. pricers maps provider name -> Pricer; a provider absent from
// the map simply contributes no cost figure (§4.6 step 5 treats pricing as
// optional: "fetch pricing and compute cost" assumes it's available, but
// nothing in §3's Metric Row requires it — cost is an `optional cost` field).
func NewLLMRouter(registry *llm.ProviderRegistry, pricers map[string]llm.Pricer, limiters LimiterSource, metrics *metricsstore.Store, access *accesslog.Logger, logger *zap.Logger) *LLMRouter {
	return &LLMRouter{
		registry: registry,
		pricers:  pricers,
		limiters: limiters,
		metrics:  metrics,
		access:   access,
		logger:   logger.With(zap.String("component", "gateway.llmrouter")),
		now:      time.Now,
	}
}

// resolveProvider implements §4.6 step 2: a "provider/model" prefix names
// its provider directly; otherwise every registered provider's ListModels
// is scanned case-insensitively for a match.
func (r *LLMRouter) resolveProvider(ctx context.Context, model string) (llm.Provider, string, string, error) {
	if providerName, rest, ok := strings.Cut(model, "/"); ok {
		if p, exists := r.registry.Get(providerName); exists {
			return p, providerName, rest, nil
		}
	}
	for _, name := range r.registry.List() {
		p, _ := r.registry.Get(name)
		models, err := p.ListModels(ctx)
		if err != nil {
			continue
		}
		for _, m := range models {
			if strings.EqualFold(m.ID, model) {
				return p, name, model, nil
			}
		}
	}
	return nil, "", "", types.NewError(types.ErrModelNotFound, "no provider advertises model "+model).WithHTTPStatus(404)
}

func allowedProvider(client Client, provider string) bool {
	if len(client.AllowedLLMProviders) == 0 {
		return false
	}
	for _, p := range client.AllowedLLMProviders {
		if strings.EqualFold(p, provider) {
			return true
		}
	}
	return false
}

// Complete runs the full §4.6 "complete" path: access check, rate limit,
// invoke, cost, metrics, access log. req.Model must already carry the raw
// value the client sent (optionally "provider/model"-prefixed); the
// resolved bare model name is substituted before the provider call.
func (r *LLMRouter) Complete(ctx context.Context, client Client, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	start := r.now()

	provider, providerName, bareModel, err := r.resolveProvider(ctx, req.Model)
	if err != nil {
		return nil, err
	}
	if !allowedProvider(client, providerName) {
		return nil, types.NewError(types.ErrForbidden, "client not permitted to use provider "+providerName).WithHTTPStatus(403)
	}

	var limiter *ratelimit.Limiter
	if r.limiters != nil {
		limiter = r.limiters(client)
	}
	if limiter != nil {
		ok, retryAfter, lerr := limiter.CheckRequest(ctx)
		if lerr != nil {
			r.logger.Warn("rate limit check failed, failing open", zap.Error(lerr))
		} else if !ok {
			return nil, types.NewError(types.ErrRateLimited, "rate limit exceeded").
				WithHTTPStatus(429).WithRetryAfter(int(retryAfter.Seconds()))
		}
	}

	reqCopy := *req
	reqCopy.Model = bareModel
	resp, cerr := provider.Completion(ctx, &reqCopy)
	latency := r.now().Sub(start)

	if cerr != nil {
		r.recordFailure(ctx, client, providerName, req.Model, latency)
		return nil, types.NewError(types.ErrUpstreamError, cerr.Error()).
			WithProvider(providerName).WithHTTPStatus(502).WithCause(cerr)
	}

	cost := r.costOf(providerName, bareModel, resp.Usage)
	if limiter != nil {
		limiter.Record(ctx, int64(resp.Usage.PromptTokens), int64(resp.Usage.CompletionTokens), cost)
	}
	r.recordSuccess(ctx, client, providerName, req.Model, resp.Usage, cost, latency)
	return resp, nil
}

// StreamComplete runs the same resolve/allowlist/rate-limit path as
// Complete but forwards to the provider's streaming API, backing the edge
// HTTP surface's `stream: true` chat completions. Metrics/access-log
// recording happens once the channel closes, from the final accumulated
// usage the provider reports on its last chunk (mirroring Complete's
// single post-call recording rather than recording per-chunk).
func (r *LLMRouter) StreamComplete(ctx context.Context, client Client, req *llm.ChatRequest) (<-chan llm.StreamChunk, error) {
	start := r.now()

	provider, providerName, bareModel, err := r.resolveProvider(ctx, req.Model)
	if err != nil {
		return nil, err
	}
	if !allowedProvider(client, providerName) {
		return nil, types.NewError(types.ErrForbidden, "client not permitted to use provider "+providerName).WithHTTPStatus(403)
	}

	var limiter *ratelimit.Limiter
	if r.limiters != nil {
		limiter = r.limiters(client)
	}
	if limiter != nil {
		ok, retryAfter, lerr := limiter.CheckRequest(ctx)
		if lerr != nil {
			r.logger.Warn("rate limit check failed, failing open", zap.Error(lerr))
		} else if !ok {
			return nil, types.NewError(types.ErrRateLimited, "rate limit exceeded").
				WithHTTPStatus(429).WithRetryAfter(int(retryAfter.Seconds()))
		}
	}

	reqCopy := *req
	reqCopy.Model = bareModel
	upstream, serr := provider.Stream(ctx, &reqCopy)
	if serr != nil {
		r.recordFailure(ctx, client, providerName, req.Model, r.now().Sub(start))
		return nil, types.NewError(types.ErrUpstreamError, serr.Error()).
			WithProvider(providerName).WithHTTPStatus(502).WithCause(serr)
	}

	out := make(chan llm.StreamChunk)
	go func() {
		defer close(out)
		var usage llm.ChatUsage
		for chunk := range upstream {
			if chunk.Usage != nil {
				usage = *chunk.Usage
			}
			out <- chunk
		}
		cost := r.costOf(providerName, bareModel, usage)
		if limiter != nil {
			limiter.Record(ctx, int64(usage.PromptTokens), int64(usage.CompletionTokens), cost)
		}
		r.recordSuccess(ctx, client, providerName, req.Model, usage, cost, r.now().Sub(start))
	}()
	return out, nil
}

func (r *LLMRouter) costOf(provider, model string, usage llm.ChatUsage) float64 {
	pricer, ok := r.pricers[provider]
	if !ok {
		return 0
	}
	pricing, ok := pricer.GetPricing(model)
	if !ok {
		return 0
	}
	return float64(usage.PromptTokens)/1000*pricing.InputCostPer1K + float64(usage.CompletionTokens)/1000*pricing.OutputCostPer1K
}

// scopeKeys returns the five metric scopes a single LLM request is recorded
// against (§3 "Scope-keys" for the LLM pipeline): global, client, provider,
// model, strategy.
func (r *LLMRouter) scopeKeys(client Client, provider, model string) []string {
	keys := []string{"global", "client:" + client.ID, "provider:" + provider, "model:" + model}
	if client.StrategyID != "" {
		keys = append(keys, "strategy:"+client.StrategyID)
	}
	return keys
}

func (r *LLMRouter) recordSuccess(ctx context.Context, client Client, provider, model string, usage llm.ChatUsage, cost float64, latency time.Duration) {
	now := r.now()
	if r.metrics != nil {
		for _, scope := range r.scopeKeys(client, provider, model) {
			_ = r.metrics.Record(ctx, scope, "llm_requests", now, 1)
			_ = r.metrics.Record(ctx, scope, "llm_requests_success", now, 1)
			_ = r.metrics.RecordLatency(ctx, scope, "llm_latency_ms", now, float64(latency.Milliseconds()))
			_ = r.metrics.Record(ctx, scope, "llm_tokens_prompt", now, float64(usage.PromptTokens))
			_ = r.metrics.Record(ctx, scope, "llm_tokens_completion", now, float64(usage.CompletionTokens))
			_ = r.metrics.Record(ctx, scope, "llm_cost_usd", now, cost)
		}
	}
	if r.access != nil {
		_ = r.access.LogLLM(accesslog.Entry{
			Timestamp:    now,
			ClientID:     client.ID,
			Provider:     provider,
			Model:        model,
			Status:       accesslog.StatusSuccess,
			HTTPStatus:   200,
			InputTokens:  int64(usage.PromptTokens),
			OutputTokens: int64(usage.CompletionTokens),
			TotalTokens:  int64(usage.TotalTokens),
			CostUSD:      cost,
			LatencyMS:    latency.Milliseconds(),
		})
	}
}

func (r *LLMRouter) recordFailure(ctx context.Context, client Client, provider, model string, latency time.Duration) {
	now := r.now()
	if r.metrics != nil {
		for _, scope := range r.scopeKeys(client, provider, model) {
			_ = r.metrics.Record(ctx, scope, "llm_requests", now, 1)
			_ = r.metrics.Record(ctx, scope, "llm_requests_failed", now, 1)
		}
	}
	if r.access != nil {
		_ = r.access.LogLLM(accesslog.Entry{
			Timestamp:  now,
			ClientID:   client.ID,
			Provider:   provider,
			Model:      model,
			Status:     accesslog.StatusError,
			HTTPStatus: 502,
			LatencyMS:  latency.Milliseconds(),
		})
	}
}

// Models returns the union of every registered provider's model list,
// de-duplicated by id, backing the OpenAI-compatible `GET /v1/models`.
func (r *LLMRouter) Models(ctx context.Context) []llm.Model {
	seen := make(map[string]bool)
	var out []llm.Model
	for _, name := range r.registry.List() {
		p, _ := r.registry.Get(name)
		models, err := p.ListModels(ctx)
		if err != nil {
			continue
		}
		for _, m := range models {
			if seen[m.ID] {
				continue
			}
			seen[m.ID] = true
			out = append(out, m)
		}
	}
	return out
}
