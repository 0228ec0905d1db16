package gateway

import (
	"sync"
	"time"

	"github.com/localrouter/gateway/agent/protocol/mcp"
)

// InitStatus is one server's initialization state within a session (§3
// "per-server initialization status").
type InitStatus int

const (
	InitNotStarted InitStatus = iota
	InitInProgress
	InitCompleted
	InitFailed
)

// ServerInitState is the per-server entry in a session's init-status map.
type ServerInitState struct {
	Status     InitStatus
	Info       *mcp.ServerInfo
	Err        error
	RetryCount int
}

// Capabilities is the session's merged capability snapshot (§4.3 "Capability
// merge").
type Capabilities struct {
	Tools              bool
	Resources          bool
	ResourcesSubscribe bool
	Prompts            bool
	Logging            bool
	Sampling           bool
}

// ClientCapabilities is the subset of the connecting client's own
// `initialize` params the session stores to gate deferred loading and
// list-changed propagation (§4.3, §4.5).
type ClientCapabilities struct {
	ToolsListChanged     bool
	ResourcesListChanged bool
	PromptsListChanged   bool
	Sampling             bool
}

// mapEntry is the (server-id, original-name) pair a namespaced name or URI
// resolves to — the session's three name mappings plus the URI mapping all
// share this shape (§3 "three name->(server-id, original-name) mappings").
type mapEntry struct {
	ServerID string
	Original string
}

// deferredKind is the per-kind deferred-loading state (§4.3 "Deferred
// loading"): whether this kind is deferred for the session, and the set of
// names the client has activated via the `activate` meta-tool.
type deferredKind struct {
	enabled   bool
	activated map[string]bool
}

func newDeferredKind() *deferredKind { return &deferredKind{activated: make(map[string]bool)} }

// PartialFailure is one upstream server's failure surfaced alongside an
// otherwise-successful merged response (§4.4 "Partial failure policy", §8
// scenario 3).
type PartialFailure struct {
	ServerID string `json:"server_id"`
	Error    string `json:"error"`
}

// GatewaySession is one per (client, incoming connection) — §3 "Gateway
// Session". The exclusive/shared lock below is the session lock from §5:
// callers must read what they need, release the lock, perform any upstream
// I/O, then re-acquire to apply results — never hold it across a suspension
// point.
//
// Invariants enforced by this type and its callers:
//
//	(a) every namespaced name in tools/resources/prompts has the form
//	    Slug(server) + "__" + original (agent/protocol/mcp namespace helpers);
//	(b) every key of serverInit is a member of allowedServers;
//	(c) a kindCache is non-stale iff now-cachedAt < current adaptive TTL;
//	(d) a URI in subscriptions implies its server is in allowedServers;
//	(e) a name in firewallApprovals once passed a firewall evaluation with
//	    an "allow for session" decision.
type GatewaySession struct {
	ID         string
	ClientID   string
	ClientName string

	CreatedAt    time.Time
	LastActivity time.Time
	TTL          time.Duration

	mu sync.RWMutex

	allowedServers map[string]bool
	serverInit     map[string]*ServerInitState
	capabilities   Capabilities
	clientCaps     ClientCapabilities

	tools     map[string]mapEntry
	resources map[string]mapEntry
	prompts   map[string]mapEntry
	resByURI  map[string]mapEntry

	toolsCache     kindCache[mcp.ToolDefinition]
	resourcesCache kindCache[mcp.Resource]
	promptsCache   kindCache[mcp.PromptTemplate]
	ttlCtl         *cacheTTLController

	deferredTools     *deferredKind
	deferredResources *deferredKind
	deferredPrompts   *deferredKind

	lastPartialFailure []PartialFailure

	subscriptions     map[string]string // uri -> server id, invariant (d)
	firewallApprovals map[string]bool   // namespaced tool name -> approved for session, invariant (e)

	// skillsAccess and skillInfoFetched mirror the client's skills-access
	// snapshot and the set of skills whose get_info has been called,
	// enabling their per-skill auxiliary tools (§3).
	skillsAccess     map[string]bool
	skillInfoFetched map[string]bool
}

// NewGatewaySession creates a session for one (client, connection) pair.
// allowedServers is the client's MCP access policy evaluated against the
// current server inventory at creation time — a snapshot, per §4.3.
func NewGatewaySession(id, clientID, clientName string, allowedServers []string, clientCaps ClientCapabilities, baseCacheTTL, sessionTTL time.Duration) *GatewaySession {
	now := time.Now()
	allowed := make(map[string]bool, len(allowedServers))
	init := make(map[string]*ServerInitState, len(allowedServers))
	for _, id := range allowedServers {
		allowed[id] = true
		init[id] = &ServerInitState{Status: InitNotStarted}
	}
	return &GatewaySession{
		ID:                id,
		ClientID:          clientID,
		ClientName:        clientName,
		CreatedAt:         now,
		LastActivity:      now,
		TTL:               sessionTTL,
		allowedServers:    allowed,
		serverInit:        init,
		clientCaps:        clientCaps,
		tools:             make(map[string]mapEntry),
		resources:         make(map[string]mapEntry),
		prompts:           make(map[string]mapEntry),
		resByURI:          make(map[string]mapEntry),
		ttlCtl:            newCacheTTLController(baseCacheTTL),
		deferredTools:     newDeferredKind(),
		deferredResources: newDeferredKind(),
		deferredPrompts:   newDeferredKind(),
		subscriptions:     make(map[string]string),
		firewallApprovals: make(map[string]bool),
		skillsAccess:      make(map[string]bool),
		skillInfoFetched:  make(map[string]bool),
	}
}

// Touch updates LastActivity; callers invoke it on every dispatched request.
func (s *GatewaySession) Touch() {
	s.mu.Lock()
	s.LastActivity = time.Now()
	s.mu.Unlock()
}

// LastActivityAt returns the session's last-touched timestamp under lock,
// for callers outside the package that need to compare activity across
// sessions (the edge surface's server-initiated-request routing, notably)
// without racing Touch.
func (s *GatewaySession) LastActivityAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.LastActivity
}

// Expired reports whether the session has been idle beyond its TTL.
func (s *GatewaySession) Expired(now time.Time) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.TTL > 0 && now.Sub(s.LastActivity) > s.TTL
}

// AllowedServers returns the session's snapshot of reachable server ids,
// invariant (b)'s domain.
func (s *GatewaySession) AllowedServers() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.allowedServers))
	for id := range s.allowedServers {
		out = append(out, id)
	}
	return out
}

// HasServer reports whether serverID is in the session's allowed set.
func (s *GatewaySession) HasServer(serverID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.allowedServers[serverID]
}

// SetServerInit records one server's init outcome (invariant (b): serverID
// must already be a key, established at construction).
func (s *GatewaySession) SetServerInit(serverID string, state ServerInitState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.allowedServers[serverID] {
		return
	}
	st := state
	s.serverInit[serverID] = &st
}

// ServerInit returns a copy of one server's init state.
func (s *GatewaySession) ServerInit(serverID string) (ServerInitState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.serverInit[serverID]
	if !ok {
		return ServerInitState{}, false
	}
	return *st, true
}

// SetCapabilities stores the session's merged capability snapshot.
func (s *GatewaySession) SetCapabilities(c Capabilities) {
	s.mu.Lock()
	s.capabilities = c
	s.mu.Unlock()
}

// Capabilities returns the session's merged capability snapshot.
func (s *GatewaySession) Capabilities() Capabilities {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.capabilities
}

// SetClientCapabilities records the connecting client's own declared
// capabilities from its initialize params.
func (s *GatewaySession) SetClientCapabilities(c ClientCapabilities) {
	s.mu.Lock()
	s.clientCaps = c
	s.mu.Unlock()
}

// ClientCapabilities returns the connecting client's declared capabilities.
func (s *GatewaySession) ClientCapabilities() ClientCapabilities {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.clientCaps
}

// --- cache + mapping: tools ---

// ToolsCache returns the cached merged tools list if non-stale (invariant c).
func (s *GatewaySession) ToolsCache() ([]mcp.ToolDefinition, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.toolsCache.valid(time.Now()) {
		return nil, false
	}
	return s.toolsCache.items, true
}

// SetToolsCache installs a freshly merged tools list and its name mapping.
func (s *GatewaySession) SetToolsCache(items []mcp.ToolDefinition, mapping map[string]mapEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.toolsCache.set(items, s.ttlCtl.ttl(), time.Now())
	s.tools = mapping
}

// InvalidateTools clears the tools cache/mapping and counts one
// adaptive-TTL invalidation event (§4.3 "Cache TTL").
func (s *GatewaySession) InvalidateTools() {
	s.mu.Lock()
	s.toolsCache.invalidate()
	s.mu.Unlock()
	s.ttlCtl.invalidate()
}

// ResolveTool resolves a namespaced tool name to its owning server/original.
func (s *GatewaySession) ResolveTool(name string) (mapEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.tools[name]
	return e, ok
}

// --- cache + mapping: resources ---

func (s *GatewaySession) ResourcesCache() ([]mcp.Resource, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.resourcesCache.valid(time.Now()) {
		return nil, false
	}
	return s.resourcesCache.items, true
}

func (s *GatewaySession) SetResourcesCache(items []mcp.Resource, byName, byURI map[string]mapEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resourcesCache.set(items, s.ttlCtl.ttl(), time.Now())
	s.resources = byName
	s.resByURI = byURI
}

func (s *GatewaySession) InvalidateResources() {
	s.mu.Lock()
	s.resourcesCache.invalidate()
	s.mu.Unlock()
	s.ttlCtl.invalidate()
}

func (s *GatewaySession) ResolveResourceName(name string) (mapEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.resources[name]
	return e, ok
}

// ResolveResourceURI resolves a resource URI via the URI mapping; ok is
// false both when the URI is unknown and when the mapping hasn't been
// populated yet (HasResourceMapping distinguishes the two for the
// one-shot auto-fetch fallback in §4.4 resources/read).
func (s *GatewaySession) ResolveResourceURI(uri string) (mapEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.resByURI[uri]
	return e, ok
}

// HasResourceMapping reports whether resources/list has ever populated the
// URI mapping this session (§4.4 "if the mapping is empty and
// resources/list has not yet been fetched this session, fetch it once").
func (s *GatewaySession) HasResourceMapping() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.resByURI) > 0
}

// --- cache + mapping: prompts ---

func (s *GatewaySession) PromptsCache() ([]mcp.PromptTemplate, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.promptsCache.valid(time.Now()) {
		return nil, false
	}
	return s.promptsCache.items, true
}

func (s *GatewaySession) SetPromptsCache(items []mcp.PromptTemplate, mapping map[string]mapEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.promptsCache.set(items, s.ttlCtl.ttl(), time.Now())
	s.prompts = mapping
}

func (s *GatewaySession) InvalidatePrompts() {
	s.mu.Lock()
	s.promptsCache.invalidate()
	s.mu.Unlock()
	s.ttlCtl.invalidate()
}

func (s *GatewaySession) ResolvePrompt(name string) (mapEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.prompts[name]
	return e, ok
}

// --- partial failure ---

// SetLastPartialFailure records the most recent merged response's
// per-server failures, for diagnostics/telemetry.
func (s *GatewaySession) SetLastPartialFailure(failures []PartialFailure) {
	s.mu.Lock()
	s.lastPartialFailure = failures
	s.mu.Unlock()
}

func (s *GatewaySession) LastPartialFailure() []PartialFailure {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastPartialFailure
}

// --- resource subscriptions (invariant d) ---

func (s *GatewaySession) Subscribe(uri, serverID string) {
	s.mu.Lock()
	s.subscriptions[uri] = serverID
	s.mu.Unlock()
}

func (s *GatewaySession) Unsubscribe(uri string) {
	s.mu.Lock()
	delete(s.subscriptions, uri)
	s.mu.Unlock()
}

func (s *GatewaySession) SubscribedServer(uri string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.subscriptions[uri]
	return id, ok
}

// SubscriptionsForServer returns every subscribed URI owned by serverID,
// used when that server's connection drops to know which subscriptions are
// now stale.
func (s *GatewaySession) SubscriptionsForServer(serverID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for uri, sid := range s.subscriptions {
		if sid == serverID {
			out = append(out, uri)
		}
	}
	return out
}

// --- firewall session approvals (invariant e) ---

func (s *GatewaySession) ApproveForSession(toolName string) {
	s.mu.Lock()
	s.firewallApprovals[toolName] = true
	s.mu.Unlock()
}

func (s *GatewaySession) IsApprovedForSession(toolName string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.firewallApprovals[toolName]
}

// --- deferred loading ---

// SetDeferred configures whether a kind is presented deferred for this
// session, storing enabled as given. The gating happens in the router's
// initialize handler: resources/prompts are only deferred if the client
// advertised the matching listChanged capability, while tools are deferred
// whenever requested, without requiring tools.listChanged.
func (s *GatewaySession) SetDeferred(kind string, enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch kind {
	case "tools":
		s.deferredTools.enabled = enabled
	case "resources":
		s.deferredResources.enabled = enabled
	case "prompts":
		s.deferredPrompts.enabled = enabled
	}
}

func (s *GatewaySession) IsDeferred(kind string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	switch kind {
	case "tools":
		return s.deferredTools.enabled
	case "resources":
		return s.deferredResources.enabled
	case "prompts":
		return s.deferredPrompts.enabled
	default:
		return false
	}
}

// Activate adds names to a kind's activated set; the caller then emits
// `notifications/<kind>/list_changed`.
func (s *GatewaySession) Activate(kind string, names []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var dk *deferredKind
	switch kind {
	case "tools":
		dk = s.deferredTools
	case "resources":
		dk = s.deferredResources
	case "prompts":
		dk = s.deferredPrompts
	default:
		return
	}
	for _, n := range names {
		dk.activated[n] = true
	}
}

// IsActivated reports whether name is in a deferred kind's activated set.
func (s *GatewaySession) IsActivated(kind, name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var dk *deferredKind
	switch kind {
	case "tools":
		dk = s.deferredTools
	case "resources":
		dk = s.deferredResources
	case "prompts":
		dk = s.deferredPrompts
	default:
		return false
	}
	return dk.activated[name]
}

// --- skills ---

func (s *GatewaySession) SetSkillsAccess(skills map[string]bool) {
	s.mu.Lock()
	s.skillsAccess = skills
	s.mu.Unlock()
}

func (s *GatewaySession) HasSkillAccess(skill string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.skillsAccess[skill]
}

func (s *GatewaySession) MarkSkillInfoFetched(skill string) {
	s.mu.Lock()
	s.skillInfoFetched[skill] = true
	s.mu.Unlock()
}

func (s *GatewaySession) SkillInfoFetched(skill string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.skillInfoFetched[skill]
}
