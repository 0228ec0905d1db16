package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/localrouter/gateway/agent/protocol/mcp"
)

// transportClient implements mcp.MCPClient over a message-oriented
// mcp.Transport (SSE or WebSocket) instead of a raw io.Reader/io.Writer pair.
// It mirrors agent/protocol/mcp.DefaultMCPClient's pending-request
// correlation (sendRequest/handleMessage) one for one, just swapping the
// Content-Length stream framing for Transport.Send/Receive since SSE and
// WebSocket already frame whole messages.
type transportClient struct {
	transport mcp.Transport
	nextID    int64

	pendingMu sync.RWMutex
	pending   map[int64]chan *mcp.MCPMessage

	// inbox carries every server-initiated message out to whatever owns
	// this client, mirroring DefaultMCPClient's Inbound support.
	inbox chan *mcp.MCPMessage

	mu        sync.RWMutex
	connected bool
	info      *mcp.ServerInfo
}

func newTransportClient(t mcp.Transport) *transportClient {
	return &transportClient{
		transport: t,
		pending:   make(map[int64]chan *mcp.MCPMessage),
		inbox:     make(chan *mcp.MCPMessage, 64),
	}
}

// Inbox implements mcp.Inbound.
func (c *transportClient) Inbox() <-chan *mcp.MCPMessage { return c.inbox }

// Respond implements mcp.Inbound, answering a server-initiated request
// delivered over Inbox.
func (c *transportClient) Respond(ctx context.Context, id any, result any, mcpErr *mcp.MCPError) error {
	var msg *mcp.MCPMessage
	if mcpErr != nil {
		msg = mcp.NewMCPError(id, mcpErr.Code, mcpErr.Message, mcpErr.Data)
	} else {
		msg = mcp.NewMCPResponse(id, result)
	}
	return c.transport.Send(ctx, msg)
}

// run pumps Receive in a loop, routing responses to pending requests and
// forwarding everything else (notifications, server-initiated requests) to
// Inbox. It must be started once per connection before any request is
// issued.
func (c *transportClient) run(ctx context.Context) {
	for {
		msg, err := c.transport.Receive(ctx)
		if err != nil {
			return
		}
		if msg.Method != "" {
			select {
			case c.inbox <- msg:
			default:
			}
			continue
		}
		id, ok := asInt64(msg.ID)
		if !ok {
			continue
		}
		c.pendingMu.RLock()
		ch, exists := c.pending[id]
		c.pendingMu.RUnlock()
		if exists {
			ch <- msg
		}
	}
}

func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case int64:
		return n, true
	case int:
		return int64(n), true
	default:
		return 0, false
	}
}

func (c *transportClient) Connect(ctx context.Context, serverURL string) error {
	info, err := c.GetServerInfo(ctx)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.info = info
	c.connected = true
	c.mu.Unlock()
	return nil
}

func (c *transportClient) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
	return c.transport.Close()
}

func (c *transportClient) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

func (c *transportClient) GetServerInfo(ctx context.Context) (*mcp.ServerInfo, error) {
	raw, err := c.sendRequest(ctx, "initialize", nil)
	if err != nil {
		return nil, err
	}
	var info mcp.ServerInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func (c *transportClient) ListResources(ctx context.Context) ([]mcp.Resource, error) {
	raw, err := c.sendRequest(ctx, "resources/list", nil)
	if err != nil {
		return nil, err
	}
	var out struct {
		Resources []mcp.Resource `json:"resources"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out.Resources, nil
}

func (c *transportClient) ReadResource(ctx context.Context, uri string) (*mcp.Resource, error) {
	raw, err := c.sendRequest(ctx, "resources/read", map[string]any{"uri": uri})
	if err != nil {
		return nil, err
	}
	var res mcp.Resource
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *transportClient) ListTools(ctx context.Context) ([]mcp.ToolDefinition, error) {
	raw, err := c.sendRequest(ctx, "tools/list", nil)
	if err != nil {
		return nil, err
	}
	var out struct {
		Tools []mcp.ToolDefinition `json:"tools"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out.Tools, nil
}

func (c *transportClient) CallTool(ctx context.Context, name string, args map[string]any) (any, error) {
	raw, err := c.sendRequest(ctx, "tools/call", map[string]any{"name": name, "arguments": args})
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *transportClient) ListPrompts(ctx context.Context) ([]mcp.PromptTemplate, error) {
	raw, err := c.sendRequest(ctx, "prompts/list", nil)
	if err != nil {
		return nil, err
	}
	var out struct {
		Prompts []mcp.PromptTemplate `json:"prompts"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out.Prompts, nil
}

func (c *transportClient) GetPrompt(ctx context.Context, name string, vars map[string]string) (string, error) {
	raw, err := c.sendRequest(ctx, "prompts/get", map[string]any{"name": name, "variables": vars})
	if err != nil {
		return "", err
	}
	var out struct {
		Prompt string `json:"prompt"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", err
	}
	return out.Prompt, nil
}

func (c *transportClient) sendRequest(ctx context.Context, method string, params map[string]any) (json.RawMessage, error) {
	id := atomic.AddInt64(&c.nextID, 1)
	respCh := make(chan *mcp.MCPMessage, 1)

	c.pendingMu.Lock()
	c.pending[id] = respCh
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	req := mcp.NewMCPRequest(id, method, params)
	if err := c.transport.Send(ctx, req); err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case resp := <-respCh:
		if resp.Error != nil {
			return nil, fmt.Errorf("MCP error %d: %s", resp.Error.Code, resp.Error.Message)
		}
		return json.Marshal(resp.Result)
	}
}
