package gateway

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/localrouter/gateway/agent/protocol/mcp"
	"github.com/localrouter/gateway/accesslog"
	"github.com/localrouter/gateway/firewall"
	"github.com/localrouter/gateway/interaction"
	"github.com/localrouter/gateway/llm"
	"github.com/localrouter/gateway/metricsstore"
	"github.com/localrouter/gateway/upstream"
)

// activateMetaTool is the unnamespaced tool a deferred-loading session
// exposes to bring names into its activated set (§4.3 "Deferred loading").
const activateMetaTool = "activate"

// NotificationSink delivers a server-initiated or gateway-synthesized
// notification to one client's long-lived SSE/WebSocket channel (§6
// "client-to-gateway tool endpoint... companion long-lived GET/SSE or
// WebSocket endpoint"). The edge HTTP surface supplies the concrete
// implementation; the router only needs to be able to call it.
type NotificationSink func(clientID string, msg *mcp.MCPMessage)

// Router dispatches one JSON-RPC request bound to a GatewaySession (§4.4).
// It is the piece that ties together session state, the merge helpers, the
// upstream connection manager, the firewall, and the interaction managers.
type Router struct {
	store     ConfigStore
	upstreams *upstream.Manager
	llm       *LLMRouter

	elicitations      *interaction.Elicitations
	samplingApprovals *interaction.SamplingApprovals
	firewallApprovals *interaction.FirewallApprovals

	metrics *metricsstore.Store
	access  *accesslog.Logger
	notify  NotificationSink
	logger  *zap.Logger

	allowPartialFailures bool
	requestTimeout       time.Duration
}

// RouterDeps bundles Router's collaborators so NewRouter's call sites don't
// need to juggle a dozen positional arguments.
type RouterDeps struct {
	Store                ConfigStore
	Upstreams            *upstream.Manager
	LLM                  *LLMRouter
	Elicitations         *interaction.Elicitations
	SamplingApprovals    *interaction.SamplingApprovals
	FirewallApprovals    *interaction.FirewallApprovals
	Metrics              *metricsstore.Store
	Access               *accesslog.Logger
	Notify               NotificationSink
	Logger               *zap.Logger
	AllowPartialFailures bool
	RequestTimeout       time.Duration
}

// NewRouter builds a Router. RequestTimeout defaults to 10s, matching §5's
// "upstream request timeout (configurable, default 10s)".
// AllowPartialFailures is stored as given but not consulted: the list
// methods always return the items of the servers that answered, with the
// others under _meta.partial_failure, and fail only when every server failed.
func NewRouter(deps RouterDeps) *Router {
	if deps.RequestTimeout == 0 {
		deps.RequestTimeout = 10 * time.Second
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		store:                deps.Store,
		upstreams:            deps.Upstreams,
		llm:                  deps.LLM,
		elicitations:         deps.Elicitations,
		samplingApprovals:    deps.SamplingApprovals,
		firewallApprovals:    deps.FirewallApprovals,
		metrics:              deps.Metrics,
		access:               deps.Access,
		notify:               deps.Notify,
		logger:               logger.With(zap.String("component", "gateway.router")),
		allowPartialFailures: deps.AllowPartialFailures,
		requestTimeout:       deps.RequestTimeout,
	}
}

// Dispatch handles one JSON-RPC request bound to session on behalf of
// client, returning the response envelope to write back to the caller.
// req.ID is not inspected, so a notification is routed like a request.
// Server-initiated traffic goes through OnUpstreamListChanged,
// HandleSamplingCreateMessage and HandleElicitationRequestInput instead.
func (r *Router) Dispatch(ctx context.Context, session *GatewaySession, client Client, req *mcp.MCPMessage) *mcp.MCPMessage {
	session.Touch()
	start := time.Now()
	resp, serverID := r.dispatch(ctx, session, client, req)
	r.recordMCP(ctx, client, req.Method, serverID, resp.Error == nil, time.Since(start))
	return resp
}

// dispatch routes req to its handler and, where the method resolves to a
// single upstream server, reports that server's id so Dispatch can attribute
// per-server metrics. List/initialize methods fan out across every allowed
// server and report "" — there is no single server to attribute them to.
func (r *Router) dispatch(ctx context.Context, session *GatewaySession, client Client, req *mcp.MCPMessage) (*mcp.MCPMessage, string) {
	switch req.Method {
	case "initialize":
		return r.handleInitialize(ctx, session, req), ""
	case "tools/list":
		return r.handleToolsList(ctx, session, req), ""
	case "resources/list":
		return r.handleResourcesList(ctx, session, req), ""
	case "prompts/list":
		return r.handlePromptsList(ctx, session, req), ""
	case "tools/call":
		name, _ := req.Params["name"].(string)
		entry, _ := session.ResolveTool(name)
		return r.handleToolsCall(ctx, session, client, req), entry.ServerID
	case "resources/read":
		serverID := resolveResourceServerID(session, req.Params)
		return r.handleResourcesRead(ctx, session, req), serverID
	case "resources/subscribe":
		uri, _ := req.Params["uri"].(string)
		entry, _ := session.ResolveResourceURI(uri)
		return r.handleResourcesSubscribe(ctx, session, req), entry.ServerID
	case "resources/unsubscribe":
		uri, _ := req.Params["uri"].(string)
		serverID, _ := session.SubscribedServer(uri)
		return r.handleResourcesUnsubscribe(ctx, session, req), serverID
	case "prompts/get":
		name, _ := req.Params["name"].(string)
		entry, _ := session.ResolvePrompt(name)
		return r.handlePromptsGet(ctx, session, req), entry.ServerID
	default:
		return mcp.NewMCPError(req.ID, mcp.ErrorCodeMethodNotFound, "method not supported: "+req.Method, nil), ""
	}
}

// resolveResourceServerID mirrors handleResourcesRead's own name/uri
// resolution just far enough to find the owning server for metrics; it never
// triggers the handler's auto-fetch fallback, so a cold URI mapping reports ""
// here even though the handler itself may still resolve and serve it.
func resolveResourceServerID(session *GatewaySession, params map[string]any) string {
	if name, _ := params["name"].(string); name != "" {
		entry, _ := session.ResolveResourceName(name)
		return entry.ServerID
	}
	if uri, _ := params["uri"].(string); uri != "" {
		entry, _ := session.ResolveResourceURI(uri)
		return entry.ServerID
	}
	return ""
}

func (r *Router) allowedServers(session *GatewaySession) []UpstreamServerRecord {
	return r.store.Servers(session.AllowedServers())
}

// --- initialize ---

func (r *Router) handleInitialize(ctx context.Context, session *GatewaySession, req *mcp.MCPMessage) *mcp.MCPMessage {
	clientCaps := parseClientCapabilities(req.Params)
	session.SetClientCapabilities(clientCaps)

	tools := boolParam(req.Params, "deferTools")
	resources := boolParam(req.Params, "deferResources")
	prompts := boolParam(req.Params, "deferPrompts")
	// Tools are always deferrable when requested; resources/prompts require
	// the client to have advertised the matching listChanged capability
	// (§4.3 "Deferred loading", open question in §9 left as documented here:
	// tools does NOT additionally require tools.listChanged).
	session.SetDeferred("tools", tools)
	session.SetDeferred("resources", resources && clientCaps.ResourcesListChanged)
	session.SetDeferred("prompts", prompts && clientCaps.PromptsListChanged)

	ictx, cancel := context.WithTimeout(ctx, r.requestTimeout)
	defer cancel()
	caps, failures := InitializeAll(ictx, r.upstreams, session.AllowedServers())
	session.SetCapabilities(caps)
	session.SetLastPartialFailure(failures)

	for _, id := range session.AllowedServers() {
		conn, ok := r.upstreams.Get(id)
		if !ok {
			session.SetServerInit(id, ServerInitState{Status: InitFailed, Err: fmt.Errorf("not configured")})
			continue
		}
		if info, err := conn.WaitReady(ictx); err != nil {
			session.SetServerInit(id, ServerInitState{Status: InitFailed, Err: err})
		} else {
			session.SetServerInit(id, ServerInitState{Status: InitCompleted, Info: info})
		}
	}

	result := map[string]any{
		"protocolVersion": mcp.MCPVersion,
		"serverInfo":      map[string]any{"name": "localrouter-gateway", "version": "1.0.0"},
		"capabilities":    capabilitiesToWire(caps),
	}
	if len(failures) > 0 {
		result["_meta"] = map[string]any{"partial_failure": true, "failures": failures}
	}
	return mcp.NewMCPResponse(req.ID, result)
}

func parseClientCapabilities(params map[string]any) ClientCapabilities {
	var c ClientCapabilities
	capsAny, _ := params["capabilities"].(map[string]any)
	if capsAny == nil {
		return c
	}
	if tools, ok := capsAny["tools"].(map[string]any); ok {
		c.ToolsListChanged, _ = tools["listChanged"].(bool)
	}
	if resources, ok := capsAny["resources"].(map[string]any); ok {
		c.ResourcesListChanged, _ = resources["listChanged"].(bool)
	}
	if prompts, ok := capsAny["prompts"].(map[string]any); ok {
		c.PromptsListChanged, _ = prompts["listChanged"].(bool)
	}
	if _, ok := capsAny["sampling"]; ok {
		c.Sampling = true
	}
	return c
}

func boolParam(params map[string]any, key string) bool {
	v, _ := params[key].(bool)
	return v
}

func capabilitiesToWire(c Capabilities) map[string]any {
	out := map[string]any{}
	if c.Tools {
		out["tools"] = map[string]any{}
	}
	if c.Resources {
		out["resources"] = map[string]any{"subscribe": c.ResourcesSubscribe}
	}
	if c.Prompts {
		out["prompts"] = map[string]any{}
	}
	if c.Logging {
		out["logging"] = map[string]any{}
	}
	if c.Sampling {
		out["sampling"] = map[string]any{}
	}
	return out
}

// --- list methods ---

func (r *Router) handleToolsList(ctx context.Context, session *GatewaySession, req *mcp.MCPMessage) *mcp.MCPMessage {
	items, ok := session.ToolsCache()
	var failures []PartialFailure
	if !ok {
		lctx, cancel := context.WithTimeout(ctx, r.requestTimeout)
		var mapping map[string]mapEntry
		items, mapping, failures = MergeTools(lctx, r.allowedServers(session), r.upstreams)
		cancel()
		if len(items) == 0 && len(failures) > 0 {
			return mcp.NewMCPError(req.ID, mcp.ErrorCodeInternalError, summarizeFailures(failures), failures)
		}
		session.SetToolsCache(items, mapping)
		session.SetLastPartialFailure(failures)
	}
	visible := filterDeferred(session, "tools", items, func(t mcp.ToolDefinition) string { return t.Name })
	if session.IsDeferred("tools") {
		visible = append(append([]mcp.ToolDefinition{}, visible...), activateToolDefinition())
	}
	return r.toolsListResult(req.ID, visible, failures)
}

func (r *Router) toolsListResult(id any, items []mcp.ToolDefinition, failures []PartialFailure) *mcp.MCPMessage {
	result := map[string]any{"tools": items}
	addPartialFailureMeta(result, failures)
	return mcp.NewMCPResponse(id, result)
}

func activateToolDefinition() mcp.ToolDefinition {
	return mcp.ToolDefinition{
		Name:        activateMetaTool,
		Description: "Activate one or more deferred tools/resources/prompts by namespaced name so they appear in subsequent list calls.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"kind":  map[string]any{"type": "string", "enum": []string{"tools", "resources", "prompts"}},
				"names": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			},
			"required": []string{"kind", "names"},
		},
	}
}

func (r *Router) handleResourcesList(ctx context.Context, session *GatewaySession, req *mcp.MCPMessage) *mcp.MCPMessage {
	items, ok := session.ResourcesCache()
	var failures []PartialFailure
	if !ok {
		lctx, cancel := context.WithTimeout(ctx, r.requestTimeout)
		var byName, byURI map[string]mapEntry
		items, byName, byURI, failures = MergeResources(lctx, r.allowedServers(session), r.upstreams)
		cancel()
		if len(items) == 0 && len(failures) > 0 {
			return mcp.NewMCPError(req.ID, mcp.ErrorCodeInternalError, summarizeFailures(failures), failures)
		}
		session.SetResourcesCache(items, byName, byURI)
		session.SetLastPartialFailure(failures)
	}
	visible := filterDeferred(session, "resources", items, func(r mcp.Resource) string { return r.Name })
	result := map[string]any{"resources": visible}
	addPartialFailureMeta(result, failures)
	return mcp.NewMCPResponse(req.ID, result)
}

func (r *Router) handlePromptsList(ctx context.Context, session *GatewaySession, req *mcp.MCPMessage) *mcp.MCPMessage {
	items, ok := session.PromptsCache()
	var failures []PartialFailure
	if !ok {
		lctx, cancel := context.WithTimeout(ctx, r.requestTimeout)
		var mapping map[string]mapEntry
		items, mapping, failures = MergePrompts(lctx, r.allowedServers(session), r.upstreams)
		cancel()
		if len(items) == 0 && len(failures) > 0 {
			return mcp.NewMCPError(req.ID, mcp.ErrorCodeInternalError, summarizeFailures(failures), failures)
		}
		session.SetPromptsCache(items, mapping)
		session.SetLastPartialFailure(failures)
	}
	visible := filterDeferred(session, "prompts", items, func(p mcp.PromptTemplate) string { return p.Name })
	result := map[string]any{"prompts": visible}
	addPartialFailureMeta(result, failures)
	return mcp.NewMCPResponse(req.ID, result)
}

// filterDeferred narrows a merged catalog down to a session's activated
// subset when that kind is deferred for the session (§4.3 "list in deferred
// mode returns only the activated subset").
func filterDeferred[T any](session *GatewaySession, kind string, items []T, nameOf func(T) string) []T {
	if !session.IsDeferred(kind) {
		return items
	}
	out := items[:0:0]
	for _, it := range items {
		if session.IsActivated(kind, nameOf(it)) {
			out = append(out, it)
		}
	}
	return out
}

func addPartialFailureMeta(result map[string]any, failures []PartialFailure) {
	if len(failures) == 0 {
		return
	}
	result["_meta"] = map[string]any{"partial_failure": true, "failures": failures}
}

func summarizeFailures(failures []PartialFailure) string {
	msg := "all upstream servers failed:"
	for _, f := range failures {
		msg += fmt.Sprintf(" %s=%q", f.ServerID, f.Error)
	}
	return msg
}

// --- tools/call ---

func (r *Router) handleToolsCall(ctx context.Context, session *GatewaySession, client Client, req *mcp.MCPMessage) *mcp.MCPMessage {
	name, _ := req.Params["name"].(string)
	args, _ := req.Params["arguments"].(map[string]any)
	if args == nil {
		args = map[string]any{}
	}
	if name == activateMetaTool {
		return r.handleActivate(session, req.ID, args)
	}

	sEntry, ok := session.ResolveTool(name)
	if !ok {
		return mcp.NewMCPError(req.ID, mcp.ErrorCodeInvalidParams, "unknown tool: "+name, nil)
	}

	if deny := r.checkFirewall(ctx, session, client, sEntry.ServerID, name, args); deny != nil {
		return mcp.NewMCPError(req.ID, mcp.ErrorCodeInternalError, deny.Error(), nil)
	}

	conn, ok := r.upstreams.Get(sEntry.ServerID)
	if !ok {
		return mcp.NewMCPError(req.ID, mcp.ErrorCodeInternalError, "server not configured: "+sEntry.ServerID, nil)
	}
	c := conn.Client()
	if c == nil {
		return mcp.NewMCPError(req.ID, mcp.ErrorCodeInternalError, "server not connected: "+sEntry.ServerID, nil)
	}

	cctx, cancel := context.WithTimeout(ctx, r.requestTimeout)
	defer cancel()
	result, err := c.CallTool(cctx, sEntry.Original, args)
	if err != nil {
		return mcp.NewMCPError(req.ID, mcp.ErrorCodeInternalError, "upstream forwarding error: "+err.Error(), nil)
	}
	return mcp.NewMCPResponse(req.ID, result)
}

func (r *Router) handleActivate(session *GatewaySession, id any, args map[string]any) *mcp.MCPMessage {
	kind, _ := args["kind"].(string)
	namesAny, _ := args["names"].([]any)
	names := make([]string, 0, len(namesAny))
	for _, n := range namesAny {
		if s, ok := n.(string); ok {
			names = append(names, s)
		}
	}
	session.Activate(kind, names)
	if r.notify != nil {
		r.notify(session.ClientID, mcp.NewMCPRequest(nil, "notifications/"+kind+"/list_changed", nil))
	}
	return mcp.NewMCPResponse(id, map[string]any{"activated": names})
}

// checkFirewall implements §4.7: consult the client's compiled rule set,
// short-circuiting on a prior "allow for session" decision, otherwise
// creating a Firewall-Approval interaction on "ask".
func (r *Router) checkFirewall(ctx context.Context, session *GatewaySession, client Client, serverID, toolName string, args map[string]any) error {
	if session.IsApprovedForSession(toolName) {
		return nil
	}
	ruleSet, decision := r.evaluateFirewall(client, serverID, toolName, args)
	switch decision {
	case firewall.Allow:
		return nil
	case firewall.Deny:
		return fmt.Errorf("firewall denied tool call %s on server %s", toolName, serverID)
	case firewall.Ask:
		return r.askFirewall(ctx, session, serverID, toolName, args, ruleSet)
	default:
		return fmt.Errorf("firewall denied tool call %s on server %s", toolName, serverID)
	}
}

func (r *Router) evaluateFirewall(client Client, serverID, toolName string, args map[string]any) (*firewall.RuleSet, firewall.Decision) {
	if client.FirewallRuleSetID == "" {
		return nil, firewall.Allow
	}
	set, ok := r.store.FirewallRuleSet(client.FirewallRuleSetID)
	if !ok {
		return nil, firewall.Allow
	}
	ruleSet, err := firewall.Compile(set.Rules)
	if err != nil {
		r.logger.Warn("firewall: failed to compile rule set", zap.Error(err))
		return nil, firewall.Allow
	}
	return ruleSet, ruleSet.Evaluate(serverID, toolName, args)
}

func (r *Router) askFirewall(ctx context.Context, session *GatewaySession, serverID, toolName string, args map[string]any, _ *firewall.RuleSet) error {
	if r.firewallApprovals == nil {
		return fmt.Errorf("firewall requires approval but no approval manager is configured")
	}
	payload := interaction.FirewallApprovalRequest{ServerID: serverID, ToolName: toolName, Args: args, Rule: "ask"}
	pending := r.firewallApprovals.Create(serverID, payload)
	if r.notify != nil {
		r.notify(session.ClientID, mcp.NewMCPRequest(nil, "firewall/approvalRequested", map[string]any{
			"request_id": pending.ID, "server_id": serverID, "tool_name": toolName, "arguments": args,
		}))
	}
	resp, err := r.firewallApprovals.Await(ctx, pending, interaction.FirewallApprovalTTL)
	if err != nil {
		return err
	}
	if resp.RememberFor {
		session.ApproveForSession(toolName)
	}
	if !resp.Allow {
		return fmt.Errorf("firewall denied tool call %s on server %s", toolName, serverID)
	}
	return nil
}

// --- resources/read, subscribe, unsubscribe ---

func (r *Router) handleResourcesRead(ctx context.Context, session *GatewaySession, req *mcp.MCPMessage) *mcp.MCPMessage {
	name, _ := req.Params["name"].(string)
	uri, _ := req.Params["uri"].(string)

	var entry mapEntry
	var ok bool
	if name != "" {
		entry, ok = session.ResolveResourceName(name)
	} else if uri != "" {
		entry, ok = session.ResolveResourceURI(uri)
		if !ok && !session.HasResourceMapping() {
			// One-shot auto-fetch fallback (§4.4, §9 open question): populate
			// the URI mapping via a single resources/list, then retry once.
			lctx, cancel := context.WithTimeout(ctx, r.requestTimeout)
			items, byName, byURI, failures := MergeResources(lctx, r.allowedServers(session), r.upstreams)
			cancel()
			session.SetResourcesCache(items, byName, byURI)
			session.SetLastPartialFailure(failures)
			entry, ok = session.ResolveResourceURI(uri)
		}
	}
	if !ok {
		return mcp.NewMCPError(req.ID, mcp.ErrorCodeInvalidParams, "resource not found", nil)
	}

	conn, exists := r.upstreams.Get(entry.ServerID)
	if !exists {
		return mcp.NewMCPError(req.ID, mcp.ErrorCodeInternalError, "server not configured: "+entry.ServerID, nil)
	}
	c := conn.Client()
	if c == nil {
		return mcp.NewMCPError(req.ID, mcp.ErrorCodeInternalError, "server not connected: "+entry.ServerID, nil)
	}

	cctx, cancel := context.WithTimeout(ctx, r.requestTimeout)
	defer cancel()
	var res *mcp.Resource
	var err error
	if name != "" {
		res, err = c.ReadResource(cctx, entry.Original)
	} else {
		// Per §4.4: "URIs are passed through untouched" — only Name is
		// rewritten on forward, so a URI-addressed read uses the client's
		// own URI unchanged.
		res, err = c.ReadResource(cctx, uri)
	}
	if err != nil {
		return mcp.NewMCPError(req.ID, mcp.ErrorCodeInternalError, "upstream forwarding error: "+err.Error(), nil)
	}
	return mcp.NewMCPResponse(req.ID, res)
}

func (r *Router) handleResourcesSubscribe(ctx context.Context, session *GatewaySession, req *mcp.MCPMessage) *mcp.MCPMessage {
	if !session.Capabilities().ResourcesSubscribe {
		return mcp.NewMCPError(req.ID, mcp.ErrorCodeMethodNotFound, "no upstream advertises resource subscriptions", nil)
	}
	uri, _ := req.Params["uri"].(string)
	entry, ok := session.ResolveResourceURI(uri)
	if !ok {
		return mcp.NewMCPError(req.ID, mcp.ErrorCodeInvalidParams, "resource not found: "+uri, nil)
	}
	conn, exists := r.upstreams.Get(entry.ServerID)
	if !exists {
		return mcp.NewMCPError(req.ID, mcp.ErrorCodeInternalError, "server not configured: "+entry.ServerID, nil)
	}
	c := conn.Client()
	if c == nil {
		return mcp.NewMCPError(req.ID, mcp.ErrorCodeInternalError, "server not connected: "+entry.ServerID, nil)
	}
	sub, ok := c.(interface {
		SubscribeResource(ctx context.Context, uri string) (<-chan mcp.Resource, error)
	})
	if !ok {
		return mcp.NewMCPError(req.ID, mcp.ErrorCodeInternalError, "upstream client does not support resource subscriptions: "+entry.ServerID, nil)
	}
	cctx, cancel := context.WithTimeout(ctx, r.requestTimeout)
	defer cancel()
	if _, err := sub.SubscribeResource(cctx, uri); err != nil {
		return mcp.NewMCPError(req.ID, mcp.ErrorCodeInternalError, "upstream forwarding error: "+err.Error(), nil)
	}
	session.Subscribe(uri, entry.ServerID)
	return mcp.NewMCPResponse(req.ID, map[string]any{})
}

func (r *Router) handleResourcesUnsubscribe(ctx context.Context, session *GatewaySession, req *mcp.MCPMessage) *mcp.MCPMessage {
	uri, _ := req.Params["uri"].(string)
	session.Unsubscribe(uri) // idempotent even if not currently subscribed
	return mcp.NewMCPResponse(req.ID, map[string]any{})
}

// --- prompts/get ---

func (r *Router) handlePromptsGet(ctx context.Context, session *GatewaySession, req *mcp.MCPMessage) *mcp.MCPMessage {
	name, _ := req.Params["name"].(string)
	vars := map[string]string{}
	if raw, ok := req.Params["arguments"].(map[string]any); ok {
		for k, v := range raw {
			if s, ok := v.(string); ok {
				vars[k] = s
			}
		}
	}
	entry, ok := session.ResolvePrompt(name)
	if !ok {
		return mcp.NewMCPError(req.ID, mcp.ErrorCodeInvalidParams, "unknown prompt: "+name, nil)
	}
	conn, exists := r.upstreams.Get(entry.ServerID)
	if !exists {
		return mcp.NewMCPError(req.ID, mcp.ErrorCodeInternalError, "server not configured: "+entry.ServerID, nil)
	}
	c := conn.Client()
	if c == nil {
		return mcp.NewMCPError(req.ID, mcp.ErrorCodeInternalError, "server not connected: "+entry.ServerID, nil)
	}
	cctx, cancel := context.WithTimeout(ctx, r.requestTimeout)
	defer cancel()
	rendered, err := c.GetPrompt(cctx, entry.Original, vars)
	if err != nil {
		return mcp.NewMCPError(req.ID, mcp.ErrorCodeInternalError, "upstream forwarding error: "+err.Error(), nil)
	}
	return mcp.NewMCPResponse(req.ID, map[string]any{"prompt": rendered})
}

// --- list-changed propagation (§4.5) ---

// OnUpstreamListChanged invalidates the matching cache for every session
// rooted at serverID and, if that session's client advertised the kind's
// listChanged capability, re-emits the notification to the client.
func (r *Router) OnUpstreamListChanged(sessions []*GatewaySession, serverID, kind string) {
	for _, s := range sessions {
		if !s.HasServer(serverID) {
			continue
		}
		switch kind {
		case "tools":
			s.InvalidateTools()
		case "resources":
			s.InvalidateResources()
		case "prompts":
			s.InvalidatePrompts()
		}
		caps := s.ClientCapabilities()
		advertised := (kind == "tools" && caps.ToolsListChanged) ||
			(kind == "resources" && caps.ResourcesListChanged) ||
			(kind == "prompts" && caps.PromptsListChanged)
		if advertised && r.notify != nil {
			r.notify(s.ClientID, mcp.NewMCPRequest(nil, "notifications/"+kind+"/list_changed", nil))
		}
	}
}

// --- server-initiated sampling/elicitation relay (§4.4) ---

// HandleSamplingCreateMessage implements the server->client
// "sampling/createMessage" relay: if the client's sampling policy requires
// approval (and it advertised the sampling capability), a Pending Sampling
// Interaction gates the call; the underlying completion then rides the same
// LLMRouter path the OpenAI-compatible edge uses, so it is subject to the
// same provider allowlist, rate limits, and metrics/logging.
func (r *Router) HandleSamplingCreateMessage(ctx context.Context, session *GatewaySession, client Client, serverID string, params map[string]any) (any, error) {
	policy := client.Sampling
	if !policy.Enabled {
		return nil, fmt.Errorf("sampling not enabled for client %s", client.ID)
	}
	if policy.NeedsApproval && session.ClientCapabilities().Sampling {
		if r.samplingApprovals == nil {
			return nil, fmt.Errorf("sampling requires approval but no approval manager is configured")
		}
		prompt, _ := params["prompt"].(string)
		modelHint, _ := params["model"].(string)
		pending := r.samplingApprovals.Create(serverID, interaction.SamplingApprovalRequest{
			ServerID: serverID, Prompt: prompt, ModelHint: modelHint, MaxTokens: policy.MaxTokens,
		})
		if r.notify != nil {
			r.notify(session.ClientID, mcp.NewMCPRequest(nil, "sampling/approvalRequested", map[string]any{
				"request_id": pending.ID, "server_id": serverID, "prompt": prompt,
			}))
		}
		resp, err := r.samplingApprovals.Await(ctx, pending, interaction.SamplingApprovalTTL)
		if err != nil {
			return nil, err
		}
		if !resp.Approved {
			return nil, fmt.Errorf("sampling request denied by client")
		}
		if resp.EditedPrompt != "" {
			params["prompt"] = resp.EditedPrompt
		}
	}
	if r.llm == nil {
		return nil, fmt.Errorf("no LLM router configured for sampling relay")
	}
	req := chatRequestFromSamplingParams(params)
	resp, err := r.llm.Complete(ctx, client, req)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// HandleElicitationRequestInput implements the server->client
// "elicitation/requestInput" relay: broadcast the prompt/schema on the
// client's notification channel and wait (bounded) for the user's answer.
func (r *Router) HandleElicitationRequestInput(ctx context.Context, session *GatewaySession, serverID string, req interaction.ElicitationRequest) (interaction.ElicitationResponse, error) {
	if r.elicitations == nil {
		return interaction.ElicitationResponse{}, fmt.Errorf("no elicitation manager configured")
	}
	pending := r.elicitations.Create(serverID, req)
	if r.notify != nil {
		r.notify(session.ClientID, mcp.NewMCPRequest(nil, "elicitation/requestInput", map[string]any{
			"request_id":      pending.ID,
			"message":         req.Message,
			"schema":          req.Schema,
			"timeout_seconds": int(interaction.ElicitationTimeout.Seconds()),
		}))
	}
	return r.elicitations.Await(ctx, pending, interaction.ElicitationTimeout)
}

// chatRequestFromSamplingParams adapts an upstream server's
// sampling/createMessage params into an llm.ChatRequest, giving it the same
// shape the OpenAI-compatible edge builds for a direct chat completion.
func chatRequestFromSamplingParams(params map[string]any) *llm.ChatRequest {
	req := &llm.ChatRequest{}
	if model, ok := params["model"].(string); ok {
		req.Model = model
	}
	if maxTokens, ok := params["max_tokens"].(float64); ok {
		req.MaxTokens = int(maxTokens)
	}
	if prompt, ok := params["prompt"].(string); ok {
		req.Messages = []llm.Message{{Role: llm.RoleUser, Content: prompt}}
	}
	return req
}

// --- metrics/access-log for the tool-protocol pipeline (§4.8) ---

func (r *Router) recordMCP(ctx context.Context, client Client, method, serverID string, success bool, latency time.Duration) {
	now := time.Now()
	scopes := []string{"global", "client:" + client.ID}
	if serverID != "" {
		scopes = append(scopes, "server:"+serverID)
	}
	if r.metrics != nil {
		for _, scope := range scopes {
			_ = r.metrics.Record(ctx, scope, "mcp_requests", now, 1)
			if success {
				_ = r.metrics.Record(ctx, scope, "mcp_requests_success", now, 1)
			} else {
				_ = r.metrics.Record(ctx, scope, "mcp_requests_failed", now, 1)
			}
			_ = r.metrics.RecordLatency(ctx, scope, "mcp_latency_ms", now, float64(latency.Milliseconds()))
			_ = r.metrics.RecordMethodCount(ctx, scope, method, now)
		}
	}
	if r.access != nil {
		status := accesslog.StatusSuccess
		if !success {
			status = accesslog.StatusError
		}
		_ = r.access.LogMCP(accesslog.MCPEntry{
			Timestamp: now,
			ClientID:  client.ID,
			ServerID:  serverID,
			Method:    method,
			Status:    status,
			LatencyMS: latency.Milliseconds(),
		})
	}
}
