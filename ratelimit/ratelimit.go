// Package ratelimit enforces a Client's Strategy: an ordered list of rules,
// each a token-bucket limit of one RateLimitRuleKind over a window.
// Per-gateway-instance limiting uses golang.org/x/time/rate directly, the
// same library cmd/localrouter/middleware.go already uses for its per-IP
// limiter; rules marked Shared are additionally checked against a
// redis-backed counter so the limit holds across multiple gateway
// instances.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/localrouter/gateway/configmodel"
)

// Limiter enforces one Client's Strategy across concurrent tool calls and
// LLM requests. The "requests" kind gates MCP tool calls up front (Allow)
// and LLM completions up front (CheckRequest); the token/cost kinds can
// only be known after a completion finishes, so they are metered
// after the fact via Record, throttling the *next* request instead of this
// one — the same reserve-ahead-of-usage shape §4.6 step 4/5 describes
// ("check... then... update metrics").
type Limiter struct {
	clientID string
	rules    []configmodel.RateLimitRule
	redis    *redis.Client // nil: no shared-limit backend configured
	logger   *zap.Logger

	mu      sync.Mutex
	buckets []*rate.Limiter // parallel to rules, nil entry for Shared rules
}

// NewLimiter builds a Limiter for one client's strategy. redisClient may be
// nil if no rule in strategy is Shared.
func NewLimiter(clientID string, strategy configmodel.Strategy, redisClient *redis.Client, logger *zap.Logger) *Limiter {
	buckets := make([]*rate.Limiter, len(strategy.Rules))
	for i, r := range strategy.Rules {
		if r.Shared {
			continue
		}
		buckets[i] = rate.NewLimiter(perSecond(r), burstOf(r))
	}
	return &Limiter{
		clientID: clientID,
		rules:    strategy.Rules,
		redis:    redisClient,
		logger:   logger,
		buckets:  buckets,
	}
}

func perSecond(r configmodel.RateLimitRule) rate.Limit {
	if r.Window <= 0 {
		return rate.Inf
	}
	return rate.Limit(float64(r.Value) / r.Window.Seconds())
}

func burstOf(r configmodel.RateLimitRule) int {
	if r.Value > 1<<30 {
		return 1 << 30
	}
	if r.Value <= 0 {
		return 1
	}
	return int(r.Value)
}

// Allow checks whether toolName is permitted right now under the first
// matching "requests"-kind rule whose Match glob hits (same first-match-wins
// order as firewall.RuleSet). A strategy with no matching rule permits the
// call — rate limiting is an opt-in control, unlike the firewall's
// fail-closed default.
func (l *Limiter) Allow(ctx context.Context, toolName string) (bool, error) {
	idx, rule, ok := l.matchTool(toolName)
	if !ok {
		return true, nil
	}
	return l.consume(ctx, idx, rule, 1)
}

// CheckRequest enforces every "requests"-kind rule in the strategy against
// one LLM completion call (§4.6 step 4). retryAfter is populated when the
// call should be rejected with RateLimited.
func (l *Limiter) CheckRequest(ctx context.Context) (ok bool, retryAfter time.Duration, err error) {
	for i, r := range l.rules {
		if r.Kind != configmodel.RuleKindRequests {
			continue
		}
		allowed, cErr := l.consume(ctx, i, r, 1)
		if cErr != nil {
			return false, 0, cErr
		}
		if !allowed {
			return false, retryAfterFor(r), nil
		}
	}
	return true, 0, nil
}

// Record meters a just-completed LLM call's usage against every matching
// token/cost rule, throttling subsequent calls once a rule's window budget
// is exhausted. Errors are logged, not propagated: usage accounting must
// never fail an already-completed request.
func (l *Limiter) Record(ctx context.Context, inputTokens, outputTokens int64, costUSD float64) {
	for i, r := range l.rules {
		var n int64
		switch r.Kind {
		case configmodel.RuleKindInputTokens:
			n = inputTokens
		case configmodel.RuleKindOutputTokens:
			n = outputTokens
		case configmodel.RuleKindTotalTokens:
			n = inputTokens + outputTokens
		case configmodel.RuleKindCostUSD:
			n = int64(costUSD * 10000) // quantize to 1/10000 USD buckets
		default:
			continue
		}
		if n <= 0 {
			continue
		}
		if _, err := l.consume(ctx, i, r, n); err != nil {
			l.logger.Warn("ratelimit: usage recording failed", zap.String("client", l.clientID), zap.Error(err))
		}
	}
}

func retryAfterFor(r configmodel.RateLimitRule) time.Duration {
	if r.Window <= 0 || r.Value <= 0 {
		return time.Second
	}
	return r.Window / time.Duration(r.Value)
}

func (l *Limiter) matchTool(toolName string) (int, configmodel.RateLimitRule, bool) {
	for i, r := range l.rules {
		if r.Kind != configmodel.RuleKindRequests {
			continue
		}
		if r.Match == "" || r.Match == "*" || r.Match == toolName {
			return i, r, true
		}
	}
	return 0, configmodel.RateLimitRule{}, false
}

func (l *Limiter) consume(ctx context.Context, idx int, rule configmodel.RateLimitRule, n int64) (bool, error) {
	if rule.Shared {
		return l.consumeShared(ctx, idx, rule, n)
	}
	l.mu.Lock()
	bucket := l.buckets[idx]
	l.mu.Unlock()
	return bucket.AllowN(time.Now(), int(n)), nil
}

// consumeShared enforces a Shared rule with a fixed-window counter in
// redis, keyed by client + rule index + window bucket, mirroring the
// window-counter approach internal/cache.Manager already wraps around
// go-redis for a prompt cache.
func (l *Limiter) consumeShared(ctx context.Context, idx int, rule configmodel.RateLimitRule, n int64) (bool, error) {
	if l.redis == nil {
		l.logger.Warn("shared rate-limit rule with no redis backend configured, failing open",
			zap.String("client", l.clientID), zap.Int("rule", idx))
		return true, nil
	}

	window := rule.Window
	if window <= 0 {
		window = time.Second
	}
	bucket := time.Now().Unix() / int64(window.Seconds())
	key := fmt.Sprintf("ratelimit:%s:%d:%d", l.clientID, idx, bucket)

	count, err := l.redis.IncrBy(ctx, key, n).Result()
	if err != nil {
		return false, fmt.Errorf("ratelimit: redis incrby: %w", err)
	}
	if count == n {
		l.redis.Expire(ctx, key, window)
	}
	return count <= rule.Value, nil
}
