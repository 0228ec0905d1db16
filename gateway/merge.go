package gateway

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/localrouter/gateway/agent/protocol/mcp"
	"github.com/localrouter/gateway/upstream"
)

// InitializeAll assembles a merged Capabilities snapshot from every allowed
// server's ServerInfo, waiting (bounded by ctx) for connections still
// dialing. Per §4.3 "Capability merge", a capability is present iff any
// upstream advertised it. The actual handshake round-trip happened once at
// connect time in upstream.Manager; this only fans out to collect what's
// already known (or becomes known before ctx expires).
func InitializeAll(ctx context.Context, mgr *upstream.Manager, serverIDs []string) (Capabilities, []PartialFailure) {
	type outcome struct {
		serverID string
		info     *mcp.ServerInfo
		err      error
	}
	results := make([]outcome, len(serverIDs))
	g, gctx := errgroup.WithContext(ctx)
	for i, id := range serverIDs {
		i, id := i, id
		g.Go(func() error {
			conn, ok := mgr.Get(id)
			if !ok {
				results[i] = outcome{serverID: id, err: fmt.Errorf("server %q not configured", id)}
				return nil
			}
			info, err := conn.WaitReady(gctx)
			results[i] = outcome{serverID: id, info: info, err: err}
			return nil // independent per-server outcome: never abort the group
		})
	}
	_ = g.Wait()

	var caps Capabilities
	var failures []PartialFailure
	for _, r := range results {
		if r.err != nil || r.info == nil {
			msg := "not connected"
			if r.err != nil {
				msg = r.err.Error()
			}
			failures = append(failures, PartialFailure{ServerID: r.serverID, Error: msg})
			continue
		}
		c := r.info.Capabilities
		caps.Tools = caps.Tools || c.Tools
		caps.Resources = caps.Resources || c.Resources
		caps.ResourcesSubscribe = caps.ResourcesSubscribe || c.Resources
		caps.Prompts = caps.Prompts || c.Prompts
		caps.Logging = caps.Logging || c.Logging
		caps.Sampling = caps.Sampling || c.Sampling
	}
	return caps, failures
}

// mergeLists fans `fetch` out to every server in parallel and namespaces
// each returned item via `namespace`, which rewrites the item's Name and
// returns its pre-rewrite original alongside it. A server whose fetch fails
// contributes a PartialFailure instead of aborting the whole merge (§4.4
// "Partial failure policy") — the all-failed case is the caller's concern.
func mergeLists[T any](
	ctx context.Context,
	servers []UpstreamServerRecord,
	mgr *upstream.Manager,
	fetch func(c mcp.MCPClient, ctx context.Context) ([]T, error),
	namespace func(slug string, item T) (T, string),
) ([]T, map[string]mapEntry, []PartialFailure) {
	type outcome struct {
		server UpstreamServerRecord
		items  []T
		err    error
	}
	results := make([]outcome, len(servers))
	g, gctx := errgroup.WithContext(ctx)
	for i, srv := range servers {
		i, srv := i, srv
		g.Go(func() error {
			conn, ok := mgr.Get(srv.ID)
			if !ok {
				results[i] = outcome{server: srv, err: fmt.Errorf("server %q not configured", srv.ID)}
				return nil
			}
			client := conn.Client()
			if client == nil {
				results[i] = outcome{server: srv, err: fmt.Errorf("server %q not connected", srv.ID)}
				return nil
			}
			items, err := fetch(client, gctx)
			results[i] = outcome{server: srv, items: items, err: err}
			return nil
		})
	}
	_ = g.Wait()

	var merged []T
	mapping := make(map[string]mapEntry)
	var failures []PartialFailure
	for _, r := range results {
		if r.err != nil {
			failures = append(failures, PartialFailure{ServerID: r.server.ID, Error: r.err.Error()})
			continue
		}
		slug := Slug(r.server.Name)
		for _, item := range r.items {
			rewritten, original := namespace(slug, item)
			merged = append(merged, rewritten)
			mapping[Namespaced(slug, original)] = mapEntry{ServerID: r.server.ID, Original: original}
		}
	}
	return merged, mapping, failures
}

// MergeTools fans tools/list out to every server and returns the merged,
// namespaced catalog plus its name mapping.
func MergeTools(ctx context.Context, servers []UpstreamServerRecord, mgr *upstream.Manager) ([]mcp.ToolDefinition, map[string]mapEntry, []PartialFailure) {
	return mergeLists(ctx, servers, mgr,
		func(c mcp.MCPClient, ctx context.Context) ([]mcp.ToolDefinition, error) { return c.ListTools(ctx) },
		func(slug string, t mcp.ToolDefinition) (mcp.ToolDefinition, string) {
			original := t.Name
			t.Name = Namespaced(slug, original)
			return t, original
		})
}

// MergePrompts fans prompts/list out to every server and returns the
// merged, namespaced catalog plus its name mapping.
func MergePrompts(ctx context.Context, servers []UpstreamServerRecord, mgr *upstream.Manager) ([]mcp.PromptTemplate, map[string]mapEntry, []PartialFailure) {
	return mergeLists(ctx, servers, mgr,
		func(c mcp.MCPClient, ctx context.Context) ([]mcp.PromptTemplate, error) { return c.ListPrompts(ctx) },
		func(slug string, p mcp.PromptTemplate) (mcp.PromptTemplate, string) {
			original := p.Name
			p.Name = Namespaced(slug, original)
			return p, original
		})
}

// MergeResources fans resources/list out to every server. Unlike tools and
// prompts, a resource's URI is left untouched (§4.4 "URIs are passed through
// untouched so backend URI schemes remain opaque") — only Name is
// namespaced — so this additionally returns a URI mapping built from the
// namespaced name mapping.
func MergeResources(ctx context.Context, servers []UpstreamServerRecord, mgr *upstream.Manager) (items []mcp.Resource, byName, byURI map[string]mapEntry, failures []PartialFailure) {
	items, byName, failures = mergeLists(ctx, servers, mgr,
		func(c mcp.MCPClient, ctx context.Context) ([]mcp.Resource, error) { return c.ListResources(ctx) },
		func(slug string, r mcp.Resource) (mcp.Resource, string) {
			original := r.Name
			r.Name = Namespaced(slug, original)
			return r, original
		})
	byURI = make(map[string]mapEntry, len(items))
	for _, r := range items {
		if entry, ok := byName[r.Name]; ok {
			byURI[r.URI] = entry
		}
	}
	return items, byName, byURI, failures
}
