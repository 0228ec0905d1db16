package gateway

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/localrouter/gateway/accesslog"
	"github.com/localrouter/gateway/llm/embedding"
	"github.com/localrouter/gateway/metricsstore"
	"github.com/localrouter/gateway/types"
)

// EmbeddingRouter backs the OpenAI-compatible `/v1/embeddings` edge endpoint,
// following the same allowlist/metrics/access-log discipline as LLMRouter
// but against the narrower embedding.Provider surface.
type EmbeddingRouter struct {
	registry *embedding.Registry
	metrics  *metricsstore.Store
	access   *accesslog.Logger
	logger   *zap.Logger
	now      func() time.Time
}

func NewEmbeddingRouter(registry *embedding.Registry, metrics *metricsstore.Store, access *accesslog.Logger, logger *zap.Logger) *EmbeddingRouter {
	return &EmbeddingRouter{
		registry: registry,
		metrics:  metrics,
		access:   access,
		logger:   logger.With(zap.String("component", "gateway.embeddingrouter")),
		now:      time.Now,
	}
}

func (r *EmbeddingRouter) resolveProvider(model string) (embedding.Provider, string, string, error) {
	if providerName, rest, ok := strings.Cut(model, "/"); ok {
		if p, exists := r.registry.Get(providerName); exists {
			return p, providerName, rest, nil
		}
	}
	names := r.registry.List()
	if len(names) == 1 {
		p, _ := r.registry.Get(names[0])
		return p, names[0], model, nil
	}
	return nil, "", "", types.NewError(types.ErrModelNotFound, "no embedding provider advertises model "+model).WithHTTPStatus(404)
}

// Embed resolves and invokes an embedding provider for client, recording
// the same global/client/provider scope fan-out LLMRouter uses for chat.
func (r *EmbeddingRouter) Embed(ctx context.Context, client Client, req *embedding.Request) (*embedding.Response, error) {
	start := r.now()

	provider, providerName, bareModel, err := r.resolveProvider(req.Model)
	if err != nil {
		return nil, err
	}
	if !allowedProvider(client, providerName) {
		return nil, types.NewError(types.ErrForbidden, "client not permitted to use provider "+providerName).WithHTTPStatus(403)
	}

	reqCopy := *req
	reqCopy.Model = bareModel
	resp, eerr := provider.Embed(ctx, &reqCopy)
	latency := r.now().Sub(start)
	if eerr != nil {
		r.record(ctx, client, providerName, false, latency)
		return nil, types.NewError(types.ErrUpstreamError, eerr.Error()).WithProvider(providerName).WithHTTPStatus(502).WithCause(eerr)
	}
	r.record(ctx, client, providerName, true, latency)
	return resp, nil
}

func firstSegment(model string) string {
	if p, _, ok := strings.Cut(model, "/"); ok {
		return p
	}
	return model
}

func (r *EmbeddingRouter) record(ctx context.Context, client Client, provider string, success bool, latency time.Duration) {
	now := r.now()
	if r.metrics != nil {
		for _, scope := range []string{"global", "client:" + client.ID, "provider:" + provider} {
			_ = r.metrics.Record(ctx, scope, "embedding_requests", now, 1)
			if success {
				_ = r.metrics.Record(ctx, scope, "embedding_requests_success", now, 1)
			} else {
				_ = r.metrics.Record(ctx, scope, "embedding_requests_failed", now, 1)
			}
			_ = r.metrics.RecordLatency(ctx, scope, "embedding_latency_ms", now, float64(latency.Milliseconds()))
		}
	}
	if r.access != nil {
		status := accesslog.StatusSuccess
		httpStatus := 200
		if !success {
			status = accesslog.StatusError
			httpStatus = 502
		}
		_ = r.access.LogLLM(accesslog.Entry{
			Timestamp:  now,
			ClientID:   client.ID,
			Provider:   provider,
			Model:      "embedding",
			Status:     status,
			HTTPStatus: httpStatus,
			LatencyMS:  latency.Milliseconds(),
		})
	}
}
