package gateway

import (
	"sync"

	"gopkg.in/yaml.v3"
)

// MemoryConfigStore is a complete, in-memory reference implementation of
// ConfigStore: a copy-on-write snapshot protected by a mutex, exactly the
// shared-resource discipline §5 calls for ("Config snapshot — copy-on-write;
// readers observe a consistent snapshot for the lifetime of their borrow").
// A production deployment backs the same ConfigStore interface with a
// validated YAML/DB-loaded store instead — that loader is an external
// collaborator (§1); this type exists so the gateway is runnable standalone,
// the same way a config.Loader ships a working default out of the box.
type MemoryConfigStore struct {
	mu sync.RWMutex

	clients        map[string]Client
	bySecret       map[string]string // secret -> client id
	servers        map[string]UpstreamServerRecord
	strategies     map[string]Strategy
	firewallRules  map[string]FirewallRuleSet

	watchersMu sync.Mutex
	watchers   []func()
}

// NewMemoryConfigStore builds an empty store; use Load or the setter
// methods to populate it before wiring it into the gateway.
func NewMemoryConfigStore() *MemoryConfigStore {
	return &MemoryConfigStore{
		clients:       make(map[string]Client),
		bySecret:      make(map[string]string),
		servers:       make(map[string]UpstreamServerRecord),
		strategies:    make(map[string]Strategy),
		firewallRules: make(map[string]FirewallRuleSet),
	}
}

// snapshot is the serializable shape of the store, used both for YAML
// loading and as the unit a watcher reload swaps in atomically.
type snapshot struct {
	Clients        []Client               `yaml:"clients"`
	Servers        []UpstreamServerRecord `yaml:"servers"`
	Strategies     []Strategy             `yaml:"strategies"`
	FirewallRules  []FirewallRuleSet      `yaml:"firewall_rules"`
}

// LoadYAML replaces the store's contents from a YAML document matching
// snapshot's shape, then notifies watchers. It re-validates nothing beyond
// what unmarshalling enforces — full validation is the external loader's
// job (§1 Non-goals: "configuration file loading and validation").
func (s *MemoryConfigStore) LoadYAML(data []byte) error {
	var snap snapshot
	if err := yaml.Unmarshal(data, &snap); err != nil {
		return err
	}
	s.Replace(snap.Clients, snap.Servers, snap.Strategies, snap.FirewallRules)
	return nil
}

// Replace atomically swaps the store's clients/servers/strategies/firewall
// rule sets and notifies every watcher. Existing GatewaySessions are
// unaffected — per §4.3 "policy changes take effect on next session
// creation; existing sessions are not mutated."
func (s *MemoryConfigStore) Replace(clients []Client, servers []UpstreamServerRecord, strategies []Strategy, firewallRules []FirewallRuleSet) {
	clientsByID := make(map[string]Client, len(clients))
	bySecret := make(map[string]string, len(clients))
	for _, c := range clients {
		clientsByID[c.ID] = c
		if c.Secret != "" {
			bySecret[c.Secret] = c.ID
		}
	}
	serversByID := make(map[string]UpstreamServerRecord, len(servers))
	for _, srv := range servers {
		serversByID[srv.ID] = srv
	}
	strategiesByID := make(map[string]Strategy, len(strategies))
	for _, st := range strategies {
		strategiesByID[st.ID] = st
	}
	firewallByID := make(map[string]FirewallRuleSet, len(firewallRules))
	for _, fw := range firewallRules {
		firewallByID[fw.ID] = fw
	}

	s.mu.Lock()
	s.clients = clientsByID
	s.bySecret = bySecret
	s.servers = serversByID
	s.strategies = strategiesByID
	s.firewallRules = firewallByID
	s.mu.Unlock()

	s.notify()
}

// PutClient upserts a single client (used by the admin surface) and emits a
// change notification. Cascade-deleting a client's owned strategy (§3
// "cascade-deletes its owned strategies on removal") is the caller's
// responsibility via DeleteClient, not handled implicitly here.
func (s *MemoryConfigStore) PutClient(c Client) {
	s.mu.Lock()
	if old, ok := s.clients[c.ID]; ok && old.Secret != "" && old.Secret != c.Secret {
		delete(s.bySecret, old.Secret)
	}
	s.clients[c.ID] = c
	if c.Secret != "" {
		s.bySecret[c.Secret] = c.ID
	}
	s.mu.Unlock()
	s.notify()
}

// DeleteClient removes a client and, per §3, cascade-deletes any strategy
// whose Parent points back at it.
func (s *MemoryConfigStore) DeleteClient(id string) {
	s.mu.Lock()
	if c, ok := s.clients[id]; ok {
		delete(s.bySecret, c.Secret)
		delete(s.clients, id)
	}
	for sid, st := range s.strategies {
		if st.Parent == id {
			delete(s.strategies, sid)
		}
	}
	s.mu.Unlock()
	s.notify()
}

// PutServer upserts one upstream server record.
func (s *MemoryConfigStore) PutServer(rec UpstreamServerRecord) {
	s.mu.Lock()
	s.servers[rec.ID] = rec
	s.mu.Unlock()
	s.notify()
}

// PutStrategy upserts one rate-limit strategy.
func (s *MemoryConfigStore) PutStrategy(st Strategy) {
	s.mu.Lock()
	s.strategies[st.ID] = st
	s.mu.Unlock()
	s.notify()
}

// PutFirewallRuleSet upserts one named firewall rule set.
func (s *MemoryConfigStore) PutFirewallRuleSet(fw FirewallRuleSet) {
	s.mu.Lock()
	s.firewallRules[fw.ID] = fw
	s.mu.Unlock()
	s.notify()
}

func (s *MemoryConfigStore) notify() {
	s.watchersMu.Lock()
	watchers := append([]func(){}, s.watchers...)
	s.watchersMu.Unlock()
	for _, w := range watchers {
		w()
	}
}

// ClientByID implements ConfigStore.
func (s *MemoryConfigStore) ClientByID(id string) (Client, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.clients[id]
	return c, ok
}

// ClientBySecret implements ConfigStore.
func (s *MemoryConfigStore) ClientBySecret(secret string) (Client, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.bySecret[secret]
	if !ok {
		return Client{}, false
	}
	c, ok := s.clients[id]
	return c, ok
}

// Strategy implements ConfigStore.
func (s *MemoryConfigStore) Strategy(id string) (Strategy, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.strategies[id]
	return st, ok
}

// Server implements ConfigStore.
func (s *MemoryConfigStore) Server(id string) (UpstreamServerRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.servers[id]
	return rec, ok
}

// Servers implements ConfigStore.
func (s *MemoryConfigStore) Servers(ids []string) []UpstreamServerRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]UpstreamServerRecord, 0, len(ids))
	for _, id := range ids {
		if rec, ok := s.servers[id]; ok {
			out = append(out, rec)
		}
	}
	return out
}

// AllServers returns every configured upstream server, enabled or not —
// used by the edge admin surface.
func (s *MemoryConfigStore) AllServers() []UpstreamServerRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]UpstreamServerRecord, 0, len(s.servers))
	for _, rec := range s.servers {
		out = append(out, rec)
	}
	return out
}

// AllServerIDs implements ConfigStore: every enabled server id.
func (s *MemoryConfigStore) AllServerIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.servers))
	for id, rec := range s.servers {
		if rec.Enabled {
			ids = append(ids, id)
		}
	}
	return ids
}

// FirewallRuleSet implements ConfigStore.
func (s *MemoryConfigStore) FirewallRuleSet(id string) (FirewallRuleSet, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fw, ok := s.firewallRules[id]
	return fw, ok
}

// Watch implements ConfigStore.
func (s *MemoryConfigStore) Watch(fn func()) (unsubscribe func()) {
	s.watchersMu.Lock()
	s.watchers = append(s.watchers, fn)
	idx := len(s.watchers) - 1
	s.watchersMu.Unlock()

	return func() {
		s.watchersMu.Lock()
		defer s.watchersMu.Unlock()
		if idx < len(s.watchers) {
			s.watchers[idx] = func() {}
		}
	}
}

// ResolveAllowedServers evaluates a Client's MCPAccess policy against the
// store's current server inventory, per §4.3: "allowed_servers derives from
// the client's MCP access policy evaluated against the current server
// inventory at creation time (snapshot)." Kept as a method for existing call
// sites that already hold a *MemoryConfigStore; it delegates to the
// package-level ResolveAllowedServers so callers that only hold the generic
// ConfigStore interface — the edge HTTP surface, notably — get identical
// behavior without needing the concrete type.
func (s *MemoryConfigStore) ResolveAllowedServers(c Client) []string {
	return ResolveAllowedServers(s, c)
}

// ResolveAllowedServers is the generic form of the above, usable against any
// ConfigStore implementation.
func ResolveAllowedServers(store ConfigStore, c Client) []string {
	switch c.MCPAccess {
	case ServerAccessAll:
		return store.AllServerIDs()
	case ServerAccessSpecific:
		ids := make([]string, 0, len(c.AllowedServerIDs))
		for _, id := range c.AllowedServerIDs {
			if rec, ok := store.Server(id); ok && rec.Enabled {
				ids = append(ids, id)
			}
		}
		return ids
	default: // ServerAccessNone or unset
		return nil
	}
}
