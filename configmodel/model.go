// Package configmodel holds the Config Store's data model: the shapes the
// gateway, the upstream connection manager, and the rate limiter all need to
// agree on. It exists as its own package — rather than living in gateway —
// so upstream and ratelimit can depend on these types without importing the
// gateway package itself, which in turn depends on upstream and ratelimit;
// keeping the shared vocabulary here is what keeps that dependency graph
// acyclic. Package gateway re-exports every type here as a type alias so
// existing call sites read exactly as if the types were declared locally.
package configmodel

import (
	"time"

	"github.com/localrouter/gateway/firewall"
)

// AuthMode selects how the Upstream Connection Manager authenticates to an
// upstream server.
type AuthMode string

const (
	AuthNone                 AuthMode = "none"
	AuthBearer               AuthMode = "bearer"
	AuthOAuthClientCreds     AuthMode = "oauth_client_credentials"
	AuthOAuthUserBrowserFlow AuthMode = "oauth_user_browser_flow"
)

// TransportKind selects the wire transport used to reach an upstream server.
type TransportKind string

const (
	TransportStdio   TransportKind = "stdio"
	TransportHTTPSSE TransportKind = "http_sse"
	TransportWS      TransportKind = "websocket"
)

// UpstreamServerRecord is the Config Store's description of one upstream
// tool server a client may aggregate (§3 "Upstream Server Record").
type UpstreamServerRecord struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	Transport TransportKind     `json:"transport"`
	Command   string            `json:"command,omitempty"`
	Args      []string          `json:"args,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	Endpoint  string            `json:"endpoint,omitempty"`
	Auth      AuthMode          `json:"auth"`
	Enabled   bool              `json:"enabled"`
	// DeferCatalog defers this server's tools/resources/prompts list until
	// the client first references it through the "activate" meta-tool.
	DeferCatalog bool `json:"defer_catalog"`

	// Instructions is the instance-level hint copied from the server's
	// initialize reply and surfaced to the LLM; set by the Upstream
	// Connection Manager once connected, not by the Config Store.
	Instructions string `json:"instructions,omitempty"`
}

// RateLimitRuleKind is one of the five measured quantities a Rate-Limit
// Rule can bound (§3 Strategy).
type RateLimitRuleKind string

const (
	RuleKindRequests     RateLimitRuleKind = "requests"
	RuleKindInputTokens  RateLimitRuleKind = "input_tokens"
	RuleKindOutputTokens RateLimitRuleKind = "output_tokens"
	RuleKindTotalTokens  RateLimitRuleKind = "total_tokens"
	RuleKindCostUSD      RateLimitRuleKind = "cost_usd"
)

// RateLimitRule is one entry in a Strategy's rule list: (kind, window, value).
// Match additionally scopes the rule to a tool-name glob for the MCP-side
// limiter ("*" / "" for catch-all); it plays no role for LLM-side limiting,
// which always measures the whole client.
type RateLimitRule struct {
	Kind   RateLimitRuleKind `json:"kind"`
	Window time.Duration     `json:"window"`
	Value  int64             `json:"value"`
	Match  string            `json:"match,omitempty"`
	// Shared marks the rule as enforced across all gateway instances via a
	// redis-backed counter rather than an in-process token bucket.
	Shared bool `json:"shared,omitempty"`
}

// Strategy is a named collection of Rate-Limit Rules a Client references by
// strategy_id (§3 Strategy). Parent is the owning client id when the
// strategy was auto-created for that one client; it is cleared when the
// client renames the strategy away from the default "{client-name}'s
// strategy" pattern, signalling the strategy is now shared/independent.
type Strategy struct {
	ID     string          `json:"id"`
	Name   string          `json:"name"`
	Parent string          `json:"parent,omitempty"`
	Rules  []RateLimitRule `json:"rules"`
}

// DefaultStrategyName is the auto-generated name pattern a Strategy is
// created with when it's scoped to one client; renaming away from this
// pattern clears Strategy.Parent (§3).
func DefaultStrategyName(clientName string) string {
	return clientName + "'s strategy"
}

// SamplingPolicy governs whether and how an upstream server's
// sampling/createMessage requests are allowed to ride the client's LLM
// access (§3 Client, §4.4 sampling/createMessage).
type SamplingPolicy struct {
	Enabled         bool `json:"enabled"`
	NeedsApproval   bool `json:"needs_approval"`
	MaxTokens       int  `json:"max_tokens,omitempty"`
	RateLimitPerMin int  `json:"rate_limit_per_min,omitempty"`
}

// ClientMode distinguishes production clients from test harness clients;
// the firewall consults it when evaluating rules (§4.7).
type ClientMode string

const (
	ModeNormal ClientMode = "normal"
	ModeTest   ClientMode = "test"
)

// ServerAccess is one of a Client's three MCP access-policy modes (§3 Client).
type ServerAccess string

const (
	ServerAccessNone     ServerAccess = "none"
	ServerAccessAll      ServerAccess = "all"
	ServerAccessSpecific ServerAccess = "specific"
)

// Client is one authenticated consumer of the gateway (§3 Client).
type Client struct {
	ID      string     `json:"id"`
	Name    string     `json:"name"`
	Secret  string     `json:"secret"`
	Enabled bool       `json:"enabled"`
	Mode    ClientMode `json:"mode"`

	AllowedLLMProviders []string `json:"allowed_llm_providers,omitempty"`

	MCPAccess        ServerAccess `json:"mcp_access"`
	AllowedServerIDs []string     `json:"allowed_server_ids,omitempty"` // only for MCPAccess == specific

	// Permission maps mirror MCPAccess at a finer grain: per-server,
	// per-skill, per-model, plus a global default. Empty means "use the
	// default" (true: allow, false: deny).
	ServerPermissions map[string]bool `json:"server_permissions,omitempty"`
	SkillPermissions  map[string]bool `json:"skill_permissions,omitempty"`
	ModelPermissions  map[string]bool `json:"model_permissions,omitempty"`
	DefaultPermission bool            `json:"default_permission"`

	FirewallRuleSetID string         `json:"firewall_ruleset_id,omitempty"`
	Sampling          SamplingPolicy `json:"sampling"`

	// Roots are filesystem path prefixes the client is allowed to
	// reference in tool arguments; enforcement is a firewall concern, the
	// boundary list itself lives on the client record.
	Roots []string `json:"roots,omitempty"`

	StrategyID string `json:"strategy_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	LastUsed  time.Time `json:"last_used,omitempty"`
}

// PermissionFor resolves the effective bool permission for one of Client's
// three per-resource maps, falling back to DefaultPermission when the key is
// absent — the "mirrored per-resource permission maps... plus a global
// default" invariant from §3.
func (c Client) PermissionFor(kind string, key string) bool {
	var m map[string]bool
	switch kind {
	case "server":
		m = c.ServerPermissions
	case "skill":
		m = c.SkillPermissions
	case "model":
		m = c.ModelPermissions
	}
	if v, ok := m[key]; ok {
		return v
	}
	return c.DefaultPermission
}

// FirewallRuleSet is a named, ordered list of firewall rules a Client
// references by FirewallRuleSetID (§3 Client, §4.7).
type FirewallRuleSet struct {
	ID    string         `json:"id"`
	Name  string         `json:"name"`
	Rules []firewall.Rule `json:"rules"`
}

// ConfigStore is the boundary contract the Gateway consumes to resolve
// clients and upstream servers. Loading, validating, and persisting the
// backing file/DB is out of scope; this package only needs read access plus
// change notification.
type ConfigStore interface {
	ClientByID(id string) (Client, bool)
	ClientBySecret(secret string) (Client, bool)
	Strategy(id string) (Strategy, bool)
	Server(id string) (UpstreamServerRecord, bool)
	Servers(ids []string) []UpstreamServerRecord
	// AllServerIDs returns every enabled server id currently in the store,
	// the set a ServerAccessAll client resolves against.
	AllServerIDs() []string
	FirewallRuleSet(id string) (FirewallRuleSet, bool)
	// Watch registers a callback invoked whenever the underlying snapshot
	// changes; it returns an unsubscribe function.
	Watch(func()) (unsubscribe func())
}
