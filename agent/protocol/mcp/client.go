package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// DefaultMCPClient is the stdio-framed client side of the tool protocol.
type DefaultMCPClient struct {
	serverURL  string
	serverInfo *ServerInfo

	reader io.Reader
	writer io.Writer

	// in-flight request tracking
	nextID    int64
	pending   map[int64]chan *MCPMessage
	pendingMu sync.RWMutex

	// resource subscriptions
	subscriptions map[string]chan Resource
	subsMu        sync.RWMutex

	connected bool
	mu        sync.RWMutex

	// inbox carries every server-initiated message (list_changed
	// notifications, resources/updated beyond the subscribed-URI fast
	// path above, and server-initiated requests like
	// sampling/createMessage and elicitation/requestInput) out to
	// whatever owns this client; see Inbound.
	inbox chan *MCPMessage

	logger *zap.Logger
}

// NewMCPClient wraps reader/writer in the Content-Length framed client.
func NewMCPClient(reader io.Reader, writer io.Writer, logger *zap.Logger) *DefaultMCPClient {
	return &DefaultMCPClient{
		reader:        reader,
		writer:        writer,
		pending:       make(map[int64]chan *MCPMessage),
		subscriptions: make(map[string]chan Resource),
		inbox:         make(chan *MCPMessage, 64),
		logger:        logger,
	}
}

// Inbox implements Inbound.
func (c *DefaultMCPClient) Inbox() <-chan *MCPMessage { return c.inbox }

// Respond implements Inbound, answering a server-initiated request
// delivered over Inbox.
func (c *DefaultMCPClient) Respond(ctx context.Context, id any, result any, mcpErr *MCPError) error {
	var msg *MCPMessage
	if mcpErr != nil {
		msg = NewMCPError(id, mcpErr.Code, mcpErr.Message, mcpErr.Data)
	} else {
		msg = NewMCPResponse(id, result)
	}
	return c.writeMessage(msg)
}

// Connect fetches server info over the transport and marks the client ready.
func (c *DefaultMCPClient) Connect(ctx context.Context, serverURL string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		return fmt.Errorf("already connected")
	}

	c.serverURL = serverURL

	info, err := c.GetServerInfo(ctx)
	if err != nil {
		return fmt.Errorf("failed to get server info: %w", err)
	}

	c.serverInfo = info
	c.connected = true

	c.logger.Info("connected to MCP server",
		zap.String("server", info.Name),
		zap.String("version", info.Version))

	return nil
}

// Disconnect closes every open resource subscription.
func (c *DefaultMCPClient) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return nil
	}

	c.subsMu.Lock()
	for _, ch := range c.subscriptions {
		close(ch)
	}
	c.subscriptions = make(map[string]chan Resource)
	c.subsMu.Unlock()

	c.connected = false
	c.logger.Info("disconnected from MCP server")

	return nil
}

// IsConnected reports whether Connect has succeeded.
func (c *DefaultMCPClient) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// GetServerInfo fetches the connected server's identity.
func (c *DefaultMCPClient) GetServerInfo(ctx context.Context) (*ServerInfo, error) {
	result, err := c.sendRequest(ctx, "server/info", nil)
	if err != nil {
		return nil, err
	}

	var info ServerInfo
	if err := json.Unmarshal(result, &info); err != nil {
		return nil, fmt.Errorf("failed to parse server info: %w", err)
	}

	return &info, nil
}

// ListResources lists every resource the server exposes.
func (c *DefaultMCPClient) ListResources(ctx context.Context) ([]Resource, error) {
	result, err := c.sendRequest(ctx, "resources/list", nil)
	if err != nil {
		return nil, err
	}

	var resources []Resource
	if err := json.Unmarshal(result, &resources); err != nil {
		return nil, fmt.Errorf("failed to parse resources: %w", err)
	}

	return resources, nil
}

// ReadResource fetches one resource by URI.
func (c *DefaultMCPClient) ReadResource(ctx context.Context, uri string) (*Resource, error) {
	params := map[string]interface{}{
		"uri": uri,
	}

	result, err := c.sendRequest(ctx, "resources/read", params)
	if err != nil {
		return nil, err
	}

	var resource Resource
	if err := json.Unmarshal(result, &resource); err != nil {
		return nil, fmt.Errorf("failed to parse resource: %w", err)
	}

	return &resource, nil
}

// ListTools lists every tool the server exposes.
func (c *DefaultMCPClient) ListTools(ctx context.Context) ([]ToolDefinition, error) {
	result, err := c.sendRequest(ctx, "tools/list", nil)
	if err != nil {
		return nil, err
	}

	var tools []ToolDefinition
	if err := json.Unmarshal(result, &tools); err != nil {
		return nil, fmt.Errorf("failed to parse tools: %w", err)
	}

	return tools, nil
}

// CallTool invokes a named tool with arguments.
func (c *DefaultMCPClient) CallTool(ctx context.Context, name string, args map[string]interface{}) (interface{}, error) {
	params := map[string]interface{}{
		"name":      name,
		"arguments": args,
	}

	result, err := c.sendRequest(ctx, "tools/call", params)
	if err != nil {
		return nil, err
	}

	var toolResult interface{}
	if err := json.Unmarshal(result, &toolResult); err != nil {
		return nil, fmt.Errorf("failed to parse tool result: %w", err)
	}

	return toolResult, nil
}

// ListPrompts lists every prompt template the server exposes.
func (c *DefaultMCPClient) ListPrompts(ctx context.Context) ([]PromptTemplate, error) {
	result, err := c.sendRequest(ctx, "prompts/list", nil)
	if err != nil {
		return nil, err
	}

	var prompts []PromptTemplate
	if err := json.Unmarshal(result, &prompts); err != nil {
		return nil, fmt.Errorf("failed to parse prompts: %w", err)
	}

	return prompts, nil
}

// GetPrompt fetches a rendered prompt.
func (c *DefaultMCPClient) GetPrompt(ctx context.Context, name string, vars map[string]string) (string, error) {
	params := map[string]interface{}{
		"name":      name,
		"variables": vars,
	}

	result, err := c.sendRequest(ctx, "prompts/get", params)
	if err != nil {
		return "", err
	}

	var prompt string
	if err := json.Unmarshal(result, &prompt); err != nil {
		return "", fmt.Errorf("failed to parse prompt: %w", err)
	}

	return prompt, nil
}

// SubscribeResource returns a channel fed by resources/updated notifications.
func (c *DefaultMCPClient) SubscribeResource(ctx context.Context, uri string) (<-chan Resource, error) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()

	if ch, exists := c.subscriptions[uri]; exists {
		return ch, nil
	}

	params := map[string]interface{}{
		"uri": uri,
	}

	if _, err := c.sendRequest(ctx, "resources/subscribe", params); err != nil {
		return nil, err
	}

	ch := make(chan Resource, 10)
	c.subscriptions[uri] = ch

	c.logger.Info("subscribed to resource", zap.String("uri", uri))

	return ch, nil
}

// UnsubscribeResource cancels a resource subscription.
func (c *DefaultMCPClient) UnsubscribeResource(ctx context.Context, uri string) error {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()

	ch, exists := c.subscriptions[uri]
	if !exists {
		return nil
	}

	params := map[string]interface{}{
		"uri": uri,
	}

	if _, err := c.sendRequest(ctx, "resources/unsubscribe", params); err != nil {
		return err
	}

	close(ch)
	delete(c.subscriptions, uri)

	c.logger.Info("unsubscribed from resource", zap.String("uri", uri))

	return nil
}

// Start runs the read loop until ctx is done or the transport hits EOF.
func (c *DefaultMCPClient) Start(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			msg, err := c.readMessage()
			if err != nil {
				if err == io.EOF {
					return nil
				}
				c.logger.Error("failed to read message", zap.Error(err))
				continue
			}

			c.handleMessage(msg)
		}
	}
}

// sendRequest issues a request and blocks for its matching response.
func (c *DefaultMCPClient) sendRequest(ctx context.Context, method string, params map[string]interface{}) (json.RawMessage, error) {
	if !c.IsConnected() {
		return nil, fmt.Errorf("not connected")
	}

	id := atomic.AddInt64(&c.nextID, 1)

	respChan := make(chan *MCPMessage, 1)
	c.pendingMu.Lock()
	c.pending[id] = respChan
	c.pendingMu.Unlock()

	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	msg := NewMCPRequest(id, method, params)

	if err := c.writeMessage(msg); err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case resp := <-respChan:
		if resp.Error != nil {
			return nil, fmt.Errorf("MCP error %d: %s", resp.Error.Code, resp.Error.Message)
		}

		resultJSON, err := json.Marshal(resp.Result)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal result: %w", err)
		}

		return resultJSON, nil
	}
}

// readMessage reads one Content-Length framed message.
func (c *DefaultMCPClient) readMessage() (*MCPMessage, error) {
	var contentLength int
	for {
		var line string
		_, err := fmt.Fscanln(c.reader, &line)
		if err != nil {
			return nil, err
		}

		if line == "\r\n" || line == "" {
			break
		}

		if _, err := fmt.Sscanf(line, "Content-Length: %d", &contentLength); err == nil {
			continue
		}
	}

	body := make([]byte, contentLength)
	if _, err := io.ReadFull(c.reader, body); err != nil {
		return nil, err
	}

	var msg MCPMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, err
	}

	return &msg, nil
}

// writeMessage frames and writes one message.
func (c *DefaultMCPClient) writeMessage(msg *MCPMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	header := fmt.Sprintf("Content-Length: %d\r\n\r\n", len(body))
	if _, err := c.writer.Write([]byte(header)); err != nil {
		return err
	}

	if _, err := c.writer.Write(body); err != nil {
		return err
	}

	return nil
}

// handleMessage routes one parsed message to its response channel or inbox.
func (c *DefaultMCPClient) handleMessage(msg *MCPMessage) {
	// A non-empty Method marks a server-initiated message rather than a
	// response to one of our requests, regardless of whether it carries an
	// id (a request awaiting Respond) or not (a fire-and-forget
	// notification). resources/updated is special-cased for the
	// subscribed-URI fast path; everything else goes out via Inbox.
	if msg.Method != "" {
		if msg.Method == "resources/updated" {
			c.handleResourceUpdate(msg.Params)
			return
		}
		select {
		case c.inbox <- msg:
		default:
			c.logger.Warn("mcp client inbox full, dropping inbound message", zap.String("method", msg.Method))
		}
		return
	}

	if msg.ID != nil {
		if id, ok := msg.ID.(float64); ok {
			c.pendingMu.RLock()
			respChan, exists := c.pending[int64(id)]
			c.pendingMu.RUnlock()

			if exists {
				respChan <- msg
			}
		}
	}
}

// handleResourceUpdate delivers a resources/updated notification to its subscriber.
func (c *DefaultMCPClient) handleResourceUpdate(params map[string]interface{}) {
	uriVal, ok := params["uri"]
	if !ok {
		return
	}

	uri, ok := uriVal.(string)
	if !ok {
		return
	}

	c.subsMu.RLock()
	ch, exists := c.subscriptions[uri]
	c.subsMu.RUnlock()

	if !exists {
		return
	}

	resourceJSON, err := json.Marshal(params["resource"])
	if err != nil {
		c.logger.Error("failed to marshal resource", zap.Error(err))
		return
	}

	var resource Resource
	if err := json.Unmarshal(resourceJSON, &resource); err != nil {
		c.logger.Error("failed to parse resource", zap.Error(err))
		return
	}

	select {
	case ch <- resource:
	default:
		c.logger.Warn("resource update channel full", zap.String("uri", uri))
	}
}

// BatchCallTools invokes several tools concurrently and waits for all.
func (c *DefaultMCPClient) BatchCallTools(ctx context.Context, calls []ToolCall) ([]interface{}, error) {
	results := make([]interface{}, len(calls))
	errors := make([]error, len(calls))

	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(idx int, tc ToolCall) {
			defer wg.Done()

			var args map[string]interface{}
			if err := json.Unmarshal(tc.Arguments, &args); err != nil {
				errors[idx] = fmt.Errorf("failed to parse arguments: %w", err)
				return
			}

			result, err := c.CallTool(ctx, tc.Name, args)
			if err != nil {
				errors[idx] = err
				return
			}

			results[idx] = result
		}(i, call)
	}

	wg.Wait()

	for _, err := range errors {
		if err != nil {
			return results, err
		}
	}

	return results, nil
}

// ToolCall names one call within a BatchCallTools batch.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}
