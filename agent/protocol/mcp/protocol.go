package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/localrouter/gateway/llm"
)

// Standard tool-protocol interfaces, implementing the Anthropic MCP
// specification (JSON-RPC 2.0 over stdio/HTTP-SSE/WebSocket).

// MCPVersion is the protocol version this package speaks.
const MCPVersion = "2024-11-05"

// ResourceType is the kind of content a Resource carries.
type ResourceType string

const (
	ResourceTypeText   ResourceType = "text"
	ResourceTypeImage  ResourceType = "image"
	ResourceTypeFile   ResourceType = "file"
	ResourceTypeData   ResourceType = "data"
	ResourceTypeStream ResourceType = "stream"
)

// Resource is one addressable piece of content a server exposes.
type Resource struct {
	URI         string         `json:"uri"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Type        ResourceType   `json:"type"`
	MimeType    string         `json:"mimeType"`
	Content     any            `json:"content"`
	Metadata    map[string]any `json:"metadata"`
	Size        int64          `json:"size"`
	CreatedAt   time.Time      `json:"createdAt"`
	UpdatedAt   time.Time      `json:"updatedAt"`
}

// ToolDefinition describes one callable tool a server exposes.
type ToolDefinition struct {
	Name         string         `json:"name"`
	Description  string         `json:"description"`
	InputSchema  map[string]any `json:"inputSchema"` // JSON Schema
	OutputSchema map[string]any `json:"outputSchema,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// PromptTemplate is a named, variable-substituted prompt a server exposes.
type PromptTemplate struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Template    string          `json:"template"`
	Variables   []string        `json:"variables"`
	Examples    []PromptExample `json:"examples,omitempty"`
	Metadata    map[string]any  `json:"metadata,omitempty"`
}

// PromptExample pairs sample variable bindings with their rendered output.
type PromptExample struct {
	Variables map[string]string `json:"variables"`
	Output    string            `json:"output"`
}

// MCPServer is the server-side contract: resource/tool/prompt catalogs plus
// dispatch.
type MCPServer interface {
	GetServerInfo() ServerInfo

	ListResources(ctx context.Context) ([]Resource, error)
	GetResource(ctx context.Context, uri string) (*Resource, error)
	SubscribeResource(ctx context.Context, uri string) (<-chan Resource, error)

	ListTools(ctx context.Context) ([]ToolDefinition, error)
	CallTool(ctx context.Context, name string, args map[string]any) (any, error)

	ListPrompts(ctx context.Context) ([]PromptTemplate, error)
	GetPrompt(ctx context.Context, name string, vars map[string]string) (string, error)

	SetLogLevel(level string) error
}

// ServerInfo is what a server reports about itself at handshake time.
type ServerInfo struct {
	Name            string             `json:"name"`
	Version         string             `json:"version"`
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ServerCapabilities `json:"capabilities"`
	Metadata        map[string]any     `json:"metadata,omitempty"`
}

// ServerCapabilities is the set of optional features a server advertises.
type ServerCapabilities struct {
	Resources bool `json:"resources"`
	Tools     bool `json:"tools"`
	Prompts   bool `json:"prompts"`
	Logging   bool `json:"logging"`
	Sampling  bool `json:"sampling"`
}

// MCPClient is the client-side contract the Upstream Connection Manager and
// the gateway's merge/dispatch logic program against, regardless of which
// transport backs a given connection.
type MCPClient interface {
	Connect(ctx context.Context, serverURL string) error
	Disconnect(ctx context.Context) error
	IsConnected() bool

	GetServerInfo(ctx context.Context) (*ServerInfo, error)

	ListResources(ctx context.Context) ([]Resource, error)
	ReadResource(ctx context.Context, uri string) (*Resource, error)

	ListTools(ctx context.Context) ([]ToolDefinition, error)
	CallTool(ctx context.Context, name string, args map[string]any) (any, error)

	ListPrompts(ctx context.Context) ([]PromptTemplate, error)
	GetPrompt(ctx context.Context, name string, vars map[string]string) (string, error)
}

// Inbound is an optional capability an MCPClient implementation can offer
// for server-initiated traffic that isn't a correlated response to one of
// our own requests: list_changed/resources_updated notifications, and
// server-initiated requests such as sampling/createMessage and
// elicitation/requestInput which carry an id and expect a reply sent back
// via Respond. Both DefaultMCPClient and the SSE/WebSocket transportClient
// implement it; callers type-assert for it rather than it being part of the
// core MCPClient contract, since a future client type (a test double, say)
// may have no use for inbound server-initiated traffic at all.
type Inbound interface {
	// Inbox delivers every inbound message whose Method is non-empty,
	// i.e. every message the server sent that isn't a response to a
	// request we issued. A message with a nil ID is a notification; one
	// with a non-nil ID expects a reply via Respond.
	Inbox() <-chan *MCPMessage
	// Respond answers a server-initiated request previously delivered
	// over Inbox. Exactly one of result/mcpErr should be set.
	Respond(ctx context.Context, id any, result any, mcpErr *MCPError) error
}

// MCPMessage is one JSON-RPC 2.0 envelope: a request, response, or
// notification depending on which of ID/Method/Result/Error are set.
type MCPMessage struct {
	JSONRPC string         `json:"jsonrpc"`
	ID      any            `json:"id,omitempty"`
	Method  string         `json:"method,omitempty"`
	Params  map[string]any `json:"params,omitempty"`
	Result  any            `json:"result,omitempty"`
	Error   *MCPError      `json:"error,omitempty"`
}

// MCPError is a JSON-RPC 2.0 error object.
type MCPError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Standard JSON-RPC 2.0 error codes.
const (
	ErrorCodeParseError     = -32700
	ErrorCodeInvalidRequest = -32600
	ErrorCodeMethodNotFound = -32601
	ErrorCodeInvalidParams  = -32602
	ErrorCodeInternalError  = -32603
)

// ToLLMToolSchema converts a tool-protocol tool definition into the shape
// the LLM package's function-calling path consumes.
func (t *ToolDefinition) ToLLMToolSchema() llm.ToolSchema {
	parametersJSON, _ := json.Marshal(t.InputSchema)

	return llm.ToolSchema{
		Name:        t.Name,
		Description: t.Description,
		Parameters:  parametersJSON,
	}
}

// FromLLMToolSchema converts an LLM tool schema into a tool-protocol
// definition, the inverse of ToLLMToolSchema. Empty Parameters yield a nil
// InputSchema; Parameters that are not valid JSON yield an error.
func FromLLMToolSchema(schema llm.ToolSchema) (ToolDefinition, error) {
	var inputSchema map[string]any
	if len(schema.Parameters) > 0 {
		if err := json.Unmarshal(schema.Parameters, &inputSchema); err != nil {
			return ToolDefinition{}, fmt.Errorf("failed to unmarshal tool parameters for %s: %w", schema.Name, err)
		}
	}

	return ToolDefinition{
		Name:        schema.Name,
		Description: schema.Description,
		InputSchema: inputSchema,
	}, nil
}

// Validate checks that r carries the fields required to be usable.
func (r *Resource) Validate() error {
	if r.URI == "" {
		return fmt.Errorf("resource URI is required")
	}
	if r.Name == "" {
		return fmt.Errorf("resource name is required")
	}
	if r.Type == "" {
		return fmt.Errorf("resource type is required")
	}
	return nil
}

// Validate checks that t carries the fields required to be usable.
func (t *ToolDefinition) Validate() error {
	if t.Name == "" {
		return fmt.Errorf("tool name is required")
	}
	if t.Description == "" {
		return fmt.Errorf("tool description is required")
	}
	if t.InputSchema == nil {
		return fmt.Errorf("tool input schema is required")
	}
	return nil
}

// Validate checks that p carries the fields required to be usable.
func (p *PromptTemplate) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("prompt name is required")
	}
	if p.Template == "" {
		return fmt.Errorf("prompt template is required")
	}
	return nil
}

// RenderPrompt substitutes {{var}} placeholders in the template from vars.
func (p *PromptTemplate) RenderPrompt(vars map[string]string) (string, error) {
	result := p.Template

	for _, varName := range p.Variables {
		value, ok := vars[varName]
		if !ok {
			return "", fmt.Errorf("variable %s not provided", varName)
		}

		placeholder := "{{" + varName + "}}"
		result = strings.ReplaceAll(result, placeholder, value)
	}

	return result, nil
}

// MarshalJSON forces the jsonrpc field to "2.0" regardless of the zero
// value left on a struct literal built without setting it.
func (m *MCPMessage) MarshalJSON() ([]byte, error) {
	type Alias MCPMessage
	return json.Marshal(&struct {
		JSONRPC string `json:"jsonrpc"`
		*Alias
	}{
		JSONRPC: "2.0",
		Alias:   (*Alias)(m),
	})
}

// NewMCPRequest builds a JSON-RPC request envelope.
func NewMCPRequest(id any, method string, params map[string]any) *MCPMessage {
	return &MCPMessage{
		JSONRPC: "2.0",
		ID:      id,
		Method:  method,
		Params:  params,
	}
}

// NewMCPResponse builds a JSON-RPC success response envelope.
func NewMCPResponse(id any, result any) *MCPMessage {
	return &MCPMessage{
		JSONRPC: "2.0",
		ID:      id,
		Result:  result,
	}
}

// NewMCPError builds a JSON-RPC error response envelope.
func NewMCPError(id any, code int, message string, data any) *MCPMessage {
	return &MCPMessage{
		JSONRPC: "2.0",
		ID:      id,
		Error: &MCPError{
			Code:    code,
			Message: message,
			Data:    data,
		},
	}
}
