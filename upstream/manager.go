// Package upstream manages the lifecycle of connections to upstream tool
// servers: dialing stdio/http-sse/websocket transports, correlating
// JSON-RPC requests with responses, tracking health, and reconnecting with
// backoff. It builds directly on agent/protocol/mcp's transports and message
// types rather than reimplementing the wire protocol.
package upstream

import (
	"context"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/localrouter/gateway/agent/protocol/mcp"
	"github.com/localrouter/gateway/configmodel"
)

// Health is the current liveness state of one upstream connection.
type Health string

const (
	HealthPending   Health = "pending"
	HealthReady     Health = "ready"
	HealthHealthy   Health = "healthy"
	HealthDegraded  Health = "degraded"
	HealthUnhealthy Health = "unhealthy"
)

// Conn is one managed upstream connection: a transport plus an MCP client
// bound to it, and the bookkeeping needed to reconnect it.
type Conn struct {
	Server configmodel.UpstreamServerRecord

	mu            sync.RWMutex
	client        mcp.MCPClient
	transport     mcp.Transport
	cmd           *exec.Cmd
	health        Health
	lastError     error
	reconnects    int
	backoff       time.Duration
	serverInfo    *mcp.ServerInfo
	tools         []mcp.ToolDefinition
	catalogLoaded bool

	readyCh   chan struct{}
	readyOnce sync.Once
}

const (
	initialBackoff = 500 * time.Millisecond
	maxBackoff     = 30 * time.Second
)

func newConn(server configmodel.UpstreamServerRecord) *Conn {
	return &Conn{
		Server:  server,
		health:  HealthPending,
		backoff: initialBackoff,
		readyCh: make(chan struct{}),
	}
}

// WaitReady blocks until the connection's first successful dial completes
// (returning its ServerInfo) or ctx is cancelled. It never blocks again
// after the first success, even across later reconnects, matching the
// Gateway Session's own initialize semantics: the session negotiates
// capabilities once against whatever the connection manager already
// established, rather than re-handshaking per session initialize call.
func (c *Conn) WaitReady(ctx context.Context) (*mcp.ServerInfo, error) {
	select {
	case <-c.readyCh:
		c.mu.RLock()
		defer c.mu.RUnlock()
		if c.serverInfo == nil {
			return nil, fmt.Errorf("upstream: %s: %w", c.Server.ID, c.lastError)
		}
		return c.serverInfo, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Health returns the connection's current health snapshot.
func (c *Conn) Health() Health {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.health
}

// Client returns the bound MCP client, or nil if not yet connected.
func (c *Conn) Client() mcp.MCPClient {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.client
}

// Inbox returns the channel of server-initiated notifications and requests
// for this connection (tools/list_changed, resources/list_changed,
// prompts/list_changed, sampling/createMessage, elicitation/requestInput),
// or nil if the bound client doesn't implement mcp.Inbound or no client is
// bound yet. The gateway session layer ranges over this per connection.
func (c *Conn) Inbox() <-chan *mcp.MCPMessage {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if in, ok := c.client.(mcp.Inbound); ok {
		return in.Inbox()
	}
	return nil
}

// Respond answers a server-initiated request previously delivered over
// Inbox. It is a no-op error if the bound client doesn't implement
// mcp.Inbound.
func (c *Conn) Respond(ctx context.Context, id any, result any, mcpErr *mcp.MCPError) error {
	c.mu.RLock()
	client := c.client
	c.mu.RUnlock()
	in, ok := client.(mcp.Inbound)
	if !ok {
		return fmt.Errorf("upstream: connection %s does not support server-initiated requests", c.Server.ID)
	}
	return in.Respond(ctx, id, result, mcpErr)
}

// Manager owns one Conn per upstream server and coordinates dial/reconnect.
type Manager struct {
	logger *zap.Logger

	mu    sync.RWMutex
	conns map[string]*Conn // keyed by Server.ID
}

// NewManager creates an empty connection manager.
func NewManager(logger *zap.Logger) *Manager {
	return &Manager{
		logger: logger.With(zap.String("component", "upstream.manager")),
		conns:  make(map[string]*Conn),
	}
}

// Ensure registers server (if new) and, when enabled and not deferred,
// begins connecting it in the background. It returns the (possibly
// still-pending) Conn immediately — callers never block on dial here.
func (m *Manager) Ensure(ctx context.Context, server configmodel.UpstreamServerRecord) *Conn {
	m.mu.Lock()
	conn, exists := m.conns[server.ID]
	if !exists {
		conn = newConn(server)
		m.conns[server.ID] = conn
	}
	m.mu.Unlock()

	if !exists && server.Enabled && !server.DeferCatalog {
		go m.connectWithRetry(ctx, conn)
	}
	return conn
}

// Activate forces a deferred connection to dial now (used by the gateway's
// "activate" meta-tool).
func (m *Manager) Activate(ctx context.Context, serverID string) error {
	m.mu.RLock()
	conn, ok := m.conns[serverID]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("upstream: unknown server %q", serverID)
	}
	if conn.Health() == HealthHealthy || conn.Health() == HealthReady {
		return nil
	}
	go m.connectWithRetry(ctx, conn)
	return nil
}

// Get returns the Conn for a server id, if known.
func (m *Manager) Get(serverID string) (*Conn, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.conns[serverID]
	return c, ok
}

// All returns a snapshot slice of every managed connection.
func (m *Manager) All() []*Conn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Conn, 0, len(m.conns))
	for _, c := range m.conns {
		out = append(out, c)
	}
	return out
}

// connectWithRetry dials conn and, on failure, keeps retrying with
// exponential backoff until ctx is cancelled or the connection is marked
// healthy, mirroring the reconnect discipline agent/protocol/mcp's
// WebSocketTransport already applies at the transport layer.
func (m *Manager) connectWithRetry(ctx context.Context, conn *Conn) {
	for {
		if err := m.dial(ctx, conn); err == nil {
			return
		} else {
			conn.mu.Lock()
			conn.lastError = err
			conn.health = HealthUnhealthy
			conn.reconnects++
			backoff := conn.backoff
			conn.backoff *= 2
			if conn.backoff > maxBackoff {
				conn.backoff = maxBackoff
			}
			conn.mu.Unlock()

			m.logger.Warn("upstream dial failed, retrying",
				zap.String("server", conn.Server.ID), zap.Error(err), zap.Duration("backoff", backoff))

			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
		}
	}
}

func (m *Manager) dial(ctx context.Context, conn *Conn) error {
	client, transport, cmd, err := m.buildClient(ctx, conn.Server)
	if err != nil {
		return err
	}

	if err := client.Connect(ctx, conn.Server.Endpoint); err != nil {
		_ = transport.Close()
		return err
	}

	info, err := client.GetServerInfo(ctx)
	if err != nil {
		_ = client.Disconnect(ctx)
		return err
	}

	tools, err := client.ListTools(ctx)
	if err != nil {
		_ = client.Disconnect(ctx)
		return err
	}

	conn.mu.Lock()
	conn.transport = transport
	conn.client = client
	conn.cmd = cmd
	conn.health = HealthHealthy
	conn.reconnects = 0
	conn.backoff = initialBackoff
	conn.serverInfo = info
	conn.tools = tools
	conn.catalogLoaded = true
	conn.lastError = nil
	conn.mu.Unlock()
	conn.readyOnce.Do(func() { close(conn.readyCh) })

	m.logger.Info("upstream connected",
		zap.String("server", conn.Server.ID), zap.Int("tools", len(tools)))
	return nil
}

// stdioTransportCloser adapts a spawned child process's pipes to the
// mcp.Transport Close contract so dial/Close have one shape to deal with
// regardless of transport kind; stdio itself doesn't use the message-based
// Transport interface (DefaultMCPClient speaks directly to the pipes).
type stdioTransportCloser struct {
	stdin interface{ Close() error }
}

func (s stdioTransportCloser) Send(ctx context.Context, msg *mcp.MCPMessage) error { return nil }
func (s stdioTransportCloser) Receive(ctx context.Context) (*mcp.MCPMessage, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}
func (s stdioTransportCloser) Close() error { return s.stdin.Close() }

// buildClient constructs the MCP client and a matching closer for the
// transport named by server.Transport. stdio spawns the child process
// directly and talks to its pipes with DefaultMCPClient's Content-Length
// framing (the same framing agent/protocol/mcp.StdioTransport implements,
// here applied straight to the pipes to avoid ferrying bytes through an
// extra layer). SSE and WebSocket reuse the existing message-oriented
// transports via transportClient.
func (m *Manager) buildClient(ctx context.Context, server configmodel.UpstreamServerRecord) (mcp.MCPClient, mcp.Transport, *exec.Cmd, error) {
	switch server.Transport {
	case configmodel.TransportStdio:
		cmd := exec.CommandContext(ctx, server.Command, server.Args...)
		for k, v := range server.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
		stdin, err := cmd.StdinPipe()
		if err != nil {
			return nil, nil, nil, err
		}
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return nil, nil, nil, err
		}
		stderr, err := cmd.StderrPipe()
		if err != nil {
			return nil, nil, nil, err
		}
		if err := cmd.Start(); err != nil {
			return nil, nil, nil, err
		}
		go logStderr(m.logger, server.ID, stderr)
		client := mcp.NewMCPClient(stdout, stdin, m.logger)
		go func() {
			if err := client.Start(ctx); err != nil {
				m.logger.Debug("upstream stdio client loop ended", zap.String("server", server.ID), zap.Error(err))
			}
		}()
		return client, stdioTransportCloser{stdin: stdin}, cmd, nil

	case configmodel.TransportHTTPSSE:
		t := mcp.NewSSETransport(server.Endpoint, m.logger)
		if err := t.Connect(ctx); err != nil {
			return nil, nil, nil, err
		}
		tc := newTransportClient(t)
		go tc.run(ctx)
		return tc, t, nil, nil

	case configmodel.TransportWS:
		t := mcp.NewWebSocketTransport(server.Endpoint, m.logger)
		if err := t.Connect(ctx); err != nil {
			return nil, nil, nil, err
		}
		tc := newTransportClient(t)
		go tc.run(ctx)
		return tc, t, nil, nil

	default:
		return nil, nil, nil, fmt.Errorf("upstream: unknown transport %q", server.Transport)
	}
}

func logStderr(logger *zap.Logger, serverID string, r interface{ Read([]byte) (int, error) }) {
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			logger.Debug("upstream stderr", zap.String("server", serverID), zap.ByteString("line", buf[:n]))
		}
		if err != nil {
			return
		}
	}
}

// Close tears down every managed connection.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.conns {
		c.mu.Lock()
		if c.client != nil {
			_ = c.client.Disconnect(context.Background())
		}
		if c.cmd != nil && c.cmd.Process != nil {
			_ = c.cmd.Process.Kill()
		}
		c.mu.Unlock()
	}
	return nil
}
