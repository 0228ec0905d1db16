package oauthflow

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// callbackResult is what the HTTP callback handler hands back to the flow
// that registered the matching state.
type callbackResult struct {
	code             string
	error            string
	errorDescription string
}

// portServer is one shared HTTP listener on a local port. Multiple flows
// configured with the same redirect port register against the same
// portServer and are told apart by their CSRF state (§4.9 Callback Server
// Manager: "at most one HTTP listener per local port, shared by any number
// of concurrent flows ... matches state against the set of registered
// expected states to find the owning flow").
type portServer struct {
	port     int
	listener net.Listener
	server   *http.Server

	mu      sync.Mutex
	waiters map[string]chan callbackResult // state -> delivery channel
}

func newPortServer(port int, logger *zap.Logger) (*portServer, error) {
	addr := fmt.Sprintf("127.0.0.1:%d", port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("oauthflow: listen on %s: %w", addr, err)
	}
	ps := &portServer{
		port:     port,
		listener: ln,
		waiters:  make(map[string]chan callbackResult),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/callback", ps.handleCallback)
	ps.server = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := ps.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			logger.Warn("oauth callback server stopped unexpectedly", zap.Int("port", port), zap.Error(err))
		}
	}()
	return ps, nil
}

// register adds a waiter for state, returning the channel the callback
// handler will deliver a result to and a function to remove it (called once
// the flow has consumed its result, whether by success, error, or timeout).
func (ps *portServer) register(state string) (ch chan callbackResult, unregister func()) {
	ch = make(chan callbackResult, 1)
	ps.mu.Lock()
	ps.waiters[state] = ch
	ps.mu.Unlock()
	return ch, func() {
		ps.mu.Lock()
		delete(ps.waiters, state)
		ps.mu.Unlock()
	}
}

func (ps *portServer) handleCallback(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("X-Frame-Options", "DENY")
	w.Header().Set("Cache-Control", "no-store")

	query := r.URL.Query()
	state := query.Get("state")

	ps.mu.Lock()
	ch, ok := ps.waiters[state]
	ps.mu.Unlock()

	if !ok {
		// "Flows for unknown states are rejected with an error page" (§4.9).
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, errorPageHTML("unknown_state", "This authorization callback does not match any pending request."))
		return
	}

	result := callbackResult{
		code:             query.Get("code"),
		error:            query.Get("error"),
		errorDescription: query.Get("error_description"),
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if result.error != "" {
		fmt.Fprint(w, errorPageHTML(result.error, result.errorDescription))
	} else {
		fmt.Fprint(w, successPageHTML)
	}

	select {
	case ch <- result:
	default:
	}
}

func (ps *portServer) close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return ps.server.Shutdown(ctx)
}

const successPageHTML = `<!DOCTYPE html><html><head><title>Authorization complete</title></head>
<body><p>You can close this window and return to the application.</p></body></html>`

func errorPageHTML(code, description string) string {
	return fmt.Sprintf(`<!DOCTYPE html><html><head><title>Authorization failed</title></head>
<body><p>Authorization failed: %s</p><p>%s</p></body></html>`, code, description)
}

// callbackServerManager owns the one-listener-per-port pool every Manager
// shares across its flows.
type callbackServerManager struct {
	mu      sync.Mutex
	servers map[int]*portServer
	logger  *zap.Logger
}

func newCallbackServerManager(logger *zap.Logger) *callbackServerManager {
	return &callbackServerManager{
		servers: make(map[int]*portServer),
		logger:  logger,
	}
}

// register ensures a listener exists on port and registers state against
// it, returning the delivery channel and an unregister func.
func (m *callbackServerManager) register(port int, state string) (chan callbackResult, func(), error) {
	m.mu.Lock()
	ps, ok := m.servers[port]
	if !ok {
		var err error
		ps, err = newPortServer(port, m.logger)
		if err != nil {
			m.mu.Unlock()
			return nil, nil, err
		}
		m.servers[port] = ps
	}
	m.mu.Unlock()

	ch, unregister := ps.register(state)
	return ch, unregister, nil
}

// close shuts down every listener the manager started.
func (m *callbackServerManager) close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var firstErr error
	for port, ps := range m.servers {
		if err := ps.close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(m.servers, port)
	}
	return firstErr
}
