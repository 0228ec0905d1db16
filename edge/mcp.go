package edge

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/localrouter/gateway/agent/protocol/mcp"
	"github.com/localrouter/gateway/gateway"
)

// mcpHandler serves the JSON-RPC tool endpoint: POST /mcp for request/
// response traffic, GET /mcp/events (SSE) and /mcp/ws (WebSocket) as the
// companion long-lived channel for server-initiated notifications §6 calls
// for alongside the request/response endpoint.
type mcpHandler struct {
	store    gateway.ConfigStore
	issuer   *tokenIssuer
	router   *gateway.Router
	sessions *SessionStore
	logger   *zap.Logger
}

func newMCPHandler(store gateway.ConfigStore, issuer *tokenIssuer, router *gateway.Router, sessions *SessionStore, logger *zap.Logger) *mcpHandler {
	return &mcpHandler{store: store, issuer: issuer, router: router, sessions: sessions, logger: logger.With(zap.String("component", "edge.mcp"))}
}

func (h *mcpHandler) handleRPC(w http.ResponseWriter, r *http.Request) {
	client, ok := requireAuth(h.store, h.issuer, w, r)
	if !ok {
		return
	}

	var msg mcp.MCPMessage
	if err := DecodeJSONBody(w, r, &msg); err != nil {
		WriteErrorMessage(w, http.StatusBadRequest, "INVALID_REQUEST", "malformed JSON-RPC body: "+err.Error())
		return
	}

	sessionID, session := h.sessions.GetOrCreate(r.Context(), r.Header.Get(SessionHeader), client)
	w.Header().Set(SessionHeader, sessionID)

	resp := h.router.Dispatch(r.Context(), session, client, &msg)
	WriteJSON(w, http.StatusOK, resp)
}

func (h *mcpHandler) handleSSE(w http.ResponseWriter, r *http.Request) {
	client, ok := requireAuth(h.store, h.issuer, w, r)
	if !ok {
		return
	}
	sessionID := r.Header.Get(SessionHeader)
	if sessionID == "" {
		sessionID, _ = h.sessions.GetOrCreate(r.Context(), "", client)
	}
	ch, detach, ok := h.sessions.Attach(sessionID)
	if !ok {
		WriteErrorMessage(w, http.StatusNotFound, "NOT_FOUND", "unknown session")
		return
	}
	defer detach()

	flusher, ok := w.(http.Flusher)
	if !ok {
		WriteErrorMessage(w, http.StatusInternalServerError, "INTERNAL_ERROR", "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set(SessionHeader, sessionID)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	ping := time.NewTicker(25 * time.Second)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ping.C:
			_, _ = w.Write([]byte(": ping\n\n"))
			flusher.Flush()
		case msg, open := <-ch:
			if !open {
				return
			}
			payload, err := json.Marshal(msg)
			if err != nil {
				continue
			}
			_, _ = w.Write([]byte("data: "))
			_, _ = w.Write(payload)
			_, _ = w.Write([]byte("\n\n"))
			flusher.Flush()
		}
	}
}

func (h *mcpHandler) handleWS(w http.ResponseWriter, r *http.Request) {
	client, ok := requireAuth(h.store, h.issuer, w, r)
	if !ok {
		return
	}
	sessionID := r.Header.Get(SessionHeader)
	if sessionID == "" {
		sessionID, _ = h.sessions.GetOrCreate(r.Context(), "", client)
	}
	ch, detach, ok := h.sessions.Attach(sessionID)
	if !ok {
		WriteErrorMessage(w, http.StatusNotFound, "NOT_FOUND", "unknown session")
		return
	}
	defer detach()

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket accept failed", zap.Error(err))
		return
	}
	defer conn.CloseNow()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "")
			return
		case msg, open := <-ch:
			if !open {
				_ = conn.Close(websocket.StatusNormalClosure, "")
				return
			}
			payload, err := json.Marshal(msg)
			if err != nil {
				continue
			}
			if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
				return
			}
		}
	}
}
