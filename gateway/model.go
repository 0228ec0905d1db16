// Package gateway implements the local multiplexing gateway session: it
// aggregates one or more upstream tool servers behind a single namespaced
// catalog for a connected client, merges their capabilities, and dispatches
// tool/resource/prompt calls to the right upstream connection.
package gateway

import "github.com/localrouter/gateway/configmodel"

// The Config Store's data-model types live in configmodel so that upstream
// and ratelimit — both dependencies of this package — can reference them
// without creating an import cycle back through gateway. Aliasing them here
// keeps every call site in this package reading exactly as if they were
// declared locally.
type (
	AuthMode             = configmodel.AuthMode
	TransportKind        = configmodel.TransportKind
	UpstreamServerRecord = configmodel.UpstreamServerRecord
	RateLimitRuleKind    = configmodel.RateLimitRuleKind
	RateLimitRule        = configmodel.RateLimitRule
	Strategy             = configmodel.Strategy
	SamplingPolicy       = configmodel.SamplingPolicy
	ClientMode           = configmodel.ClientMode
	ServerAccess         = configmodel.ServerAccess
	Client               = configmodel.Client
	FirewallRuleSet      = configmodel.FirewallRuleSet
	ConfigStore          = configmodel.ConfigStore
)

const (
	AuthNone                 = configmodel.AuthNone
	AuthBearer               = configmodel.AuthBearer
	AuthOAuthClientCreds     = configmodel.AuthOAuthClientCreds
	AuthOAuthUserBrowserFlow = configmodel.AuthOAuthUserBrowserFlow

	TransportStdio   = configmodel.TransportStdio
	TransportHTTPSSE = configmodel.TransportHTTPSSE
	TransportWS      = configmodel.TransportWS

	RuleKindRequests     = configmodel.RuleKindRequests
	RuleKindInputTokens  = configmodel.RuleKindInputTokens
	RuleKindOutputTokens = configmodel.RuleKindOutputTokens
	RuleKindTotalTokens  = configmodel.RuleKindTotalTokens
	RuleKindCostUSD      = configmodel.RuleKindCostUSD

	ModeNormal = configmodel.ModeNormal
	ModeTest   = configmodel.ModeTest

	ServerAccessNone     = configmodel.ServerAccessNone
	ServerAccessAll      = configmodel.ServerAccessAll
	ServerAccessSpecific = configmodel.ServerAccessSpecific
)

// DefaultStrategyName is the auto-generated name pattern a Strategy is
// created with when it's scoped to one client; renaming away from this
// pattern clears Strategy.Parent (§3).
func DefaultStrategyName(clientName string) string {
	return configmodel.DefaultStrategyName(clientName)
}
