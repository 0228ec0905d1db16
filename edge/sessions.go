package edge

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/localrouter/gateway/agent/protocol/mcp"
	"github.com/localrouter/gateway/gateway"
	"github.com/localrouter/gateway/interaction"
	"github.com/localrouter/gateway/upstream"
)

// elicitationRequestFromParams decodes an upstream server's
// elicitation/requestInput params into the gateway's interaction type.
func elicitationRequestFromParams(params map[string]any) interaction.ElicitationRequest {
	req := interaction.ElicitationRequest{}
	if m, ok := params["message"].(string); ok {
		req.Message = m
	}
	if schema, ok := params["schema"].(map[string]any); ok {
		req.Schema = schema
	}
	return req
}

// SessionHeader is the header a client supplies to resume a Gateway Session
// across requests, and the one the edge surface stamps on its response when
// it mints a new one — the "one per (client, incoming connection)" session
// model from §3, carried over HTTP via the Streamable-HTTP-style session id
// convention §6 alludes to ("companion long-lived GET/SSE or WebSocket
// endpoint").
const SessionHeader = "Mcp-Session-Id"

const (
	defaultBaseCacheTTL = 30 * time.Second
	defaultSessionTTL   = 30 * time.Minute
)

// boundSession pairs a GatewaySession with the client it belongs to and the
// notification channel(s) currently attached to it.
type boundSession struct {
	session *gateway.GatewaySession
	client  gateway.Client

	mu      sync.Mutex
	sinks   []chan *mcp.MCPMessage
}

func (b *boundSession) attach() chan *mcp.MCPMessage {
	ch := make(chan *mcp.MCPMessage, 32)
	b.mu.Lock()
	b.sinks = append(b.sinks, ch)
	b.mu.Unlock()
	return ch
}

func (b *boundSession) detach(ch chan *mcp.MCPMessage) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.sinks {
		if s == ch {
			b.sinks = append(b.sinks[:i], b.sinks[i+1:]...)
			close(ch)
			return
		}
	}
}

func (b *boundSession) deliver(msg *mcp.MCPMessage) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.sinks {
		select {
		case ch <- msg:
		default:
		}
	}
}

// SessionStore owns every live GatewaySession on this listener, keyed by the
// id carried in SessionHeader, and the one upstream-notification pump per
// connected server that feeds them.
//
// Sampling/elicitation requests arrive addressed to a *server*, not a
// session — an upstream connection is shared across every session that
// references it. Lacking a wire-level way to attribute a server-initiated
// request to the session that should field it, the pump routes it to the
// single session referencing that server when there is exactly one, and
// otherwise to the session least recently touched among them (an
// unattended connection is more likely to be the one the human is actually
// watching than one mid-burst of tool calls). This tradeoff is recorded as
// an open-question decision in DESIGN.md rather than left implicit.
type SessionStore struct {
	store     gateway.ConfigStore
	upstreams *upstream.Manager
	router    *gateway.Router
	logger    *zap.Logger

	mu       sync.RWMutex
	sessions map[string]*boundSession

	pumpsMu sync.Mutex
	pumps   map[string]bool
}

func NewSessionStore(store gateway.ConfigStore, upstreams *upstream.Manager, router *gateway.Router, logger *zap.Logger) *SessionStore {
	return &SessionStore{
		store:     store,
		upstreams: upstreams,
		router:    router,
		logger:    logger.With(zap.String("component", "edge.sessions")),
		sessions:  make(map[string]*boundSession),
		pumps:     make(map[string]bool),
	}
}

// GetOrCreate resolves the session named by id, creating one for client if
// id is empty or unknown. It returns the session's id (freshly minted ones
// must be echoed back via SessionHeader) and the bound session.
func (s *SessionStore) GetOrCreate(ctx context.Context, id string, client gateway.Client) (string, *gateway.GatewaySession) {
	s.mu.RLock()
	if id != "" {
		if b, ok := s.sessions[id]; ok && b.client.ID == client.ID {
			s.mu.RUnlock()
			return id, b.session
		}
	}
	s.mu.RUnlock()

	allowed := gateway.ResolveAllowedServers(s.store, client)
	newID := uuid.NewString()
	session := gateway.NewGatewaySession(newID, client.ID, client.Name, allowed, gateway.ClientCapabilities{}, defaultBaseCacheTTL, defaultSessionTTL)

	s.mu.Lock()
	s.sessions[newID] = &boundSession{session: session, client: client}
	s.mu.Unlock()

	for _, serverID := range allowed {
		if rec, ok := s.store.Server(serverID); ok {
			conn := s.upstreams.Ensure(ctx, rec)
			s.ensurePump(serverID, conn)
		}
	}
	return newID, session
}

// SessionsForServer returns every live GatewaySession currently allowed to
// reach serverID, for OnUpstreamListChanged fan-out.
func (s *SessionStore) SessionsForServer(serverID string) []*gateway.GatewaySession {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*gateway.GatewaySession
	for _, b := range s.sessions {
		if b.session.HasServer(serverID) {
			out = append(out, b.session)
		}
	}
	return out
}

// Attach registers a notification channel (SSE or WebSocket) against a
// session id, returning the channel to read from and a detach func.
func (s *SessionStore) Attach(id string) (<-chan *mcp.MCPMessage, func(), bool) {
	s.mu.RLock()
	b, ok := s.sessions[id]
	s.mu.RUnlock()
	if !ok {
		return nil, nil, false
	}
	ch := b.attach()
	return ch, func() { b.detach(ch) }, true
}

// Notify implements gateway.NotificationSink: it delivers to every session
// bound to clientID.
func (s *SessionStore) Notify(clientID string, msg *mcp.MCPMessage) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, b := range s.sessions {
		if b.client.ID == clientID {
			b.deliver(msg)
		}
	}
}

// ensurePump starts, once per server, a goroutine draining conn.Inbox() and
// routing each server-initiated message to the right session(s).
func (s *SessionStore) ensurePump(serverID string, conn *upstream.Conn) {
	s.pumpsMu.Lock()
	if s.pumps[serverID] {
		s.pumpsMu.Unlock()
		return
	}
	s.pumps[serverID] = true
	s.pumpsMu.Unlock()

	go s.pump(serverID, conn)
}

func (s *SessionStore) pump(serverID string, conn *upstream.Conn) {
	for msg := range conn.Inbox() {
		s.route(serverID, conn, msg)
	}
}

func (s *SessionStore) route(serverID string, conn *upstream.Conn, msg *mcp.MCPMessage) {
	ctx := context.Background()

	switch msg.Method {
	case "notifications/tools/list_changed":
		s.router.OnUpstreamListChanged(s.SessionsForServer(serverID), serverID, "tools")
		return
	case "notifications/resources/list_changed":
		s.router.OnUpstreamListChanged(s.SessionsForServer(serverID), serverID, "resources")
		return
	case "notifications/prompts/list_changed":
		s.router.OnUpstreamListChanged(s.SessionsForServer(serverID), serverID, "prompts")
		return
	}

	session, client, ok := s.pickSessionFor(serverID)
	if !ok {
		return
	}

	switch msg.Method {
	case "sampling/createMessage":
		result, err := s.router.HandleSamplingCreateMessage(ctx, session, client, serverID, msg.Params)
		s.respond(ctx, conn, msg.ID, result, err)
	case "elicitation/requestInput":
		req := elicitationRequestFromParams(msg.Params)
		resp, err := s.router.HandleElicitationRequestInput(ctx, session, serverID, req)
		s.respond(ctx, conn, msg.ID, resp, err)
	default:
		s.logger.Debug("unhandled server-initiated message", zap.String("server_id", serverID), zap.String("method", msg.Method))
	}
}

func (s *SessionStore) respond(ctx context.Context, conn *upstream.Conn, id any, result any, err error) {
	if err != nil {
		_ = conn.Respond(ctx, id, nil, &mcp.MCPError{Code: mcp.ErrorCodeInternalError, Message: err.Error()})
		return
	}
	_ = conn.Respond(ctx, id, result, nil)
}

func (s *SessionStore) pickSessionFor(serverID string) (*gateway.GatewaySession, gateway.Client, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var candidates []*boundSession
	for _, b := range s.sessions {
		if b.session.HasServer(serverID) {
			candidates = append(candidates, b)
		}
	}
	if len(candidates) == 0 {
		return nil, gateway.Client{}, false
	}
	best := candidates[0]
	for _, b := range candidates[1:] {
		if b.session.LastActivityAt().Before(best.session.LastActivityAt()) {
			best = b
		}
	}
	return best.session, best.client, true
}
