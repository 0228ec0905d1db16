package upstream

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/localrouter/gateway/agent/protocol/mcp"
	"github.com/localrouter/gateway/configmodel"
)

// newTestUpstreamHTTPServer spins up a real DefaultMCPServer behind
// MCPHandler over httptest, registering one tool, so Manager's HTTP-SSE
// dial path can be exercised end to end without a fake/mocked transport.
func newTestUpstreamHTTPServer(t *testing.T) *httptest.Server {
	t.Helper()
	server := mcp.NewMCPServer("fixture-server", "1.0.0", zap.NewNop())
	err := server.RegisterTool(&mcp.ToolDefinition{
		Name:        "echo",
		Description: "echoes its input",
		InputSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"text": map[string]any{"type": "string"}},
		},
	}, func(ctx context.Context, args map[string]any) (any, error) {
		return args["text"], nil
	})
	if err != nil {
		t.Fatalf("RegisterTool: %v", err)
	}
	handler := mcp.NewMCPHandler(server, zap.NewNop())
	return httptest.NewServer(handler)
}

func TestManagerEnsureDialsHTTPSSEUpstream(t *testing.T) {
	t.Parallel()
	httpSrv := newTestUpstreamHTTPServer(t)
	defer httpSrv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := NewManager(zap.NewNop())
	defer m.Close()

	rec := configmodel.UpstreamServerRecord{
		ID:        "fixture",
		Name:      "Fixture Server",
		Transport: configmodel.TransportHTTPSSE,
		Endpoint:  httpSrv.URL + "/mcp",
		Enabled:   true,
	}

	conn := m.Ensure(ctx, rec)
	if conn == nil {
		t.Fatal("expected a non-nil Conn from Ensure")
	}

	waitCtx, waitCancel := context.WithTimeout(ctx, 5*time.Second)
	defer waitCancel()
	info, err := conn.WaitReady(waitCtx)
	if err != nil {
		t.Fatalf("WaitReady: %v", err)
	}
	if info.Name != "fixture-server" {
		t.Fatalf("expected server info name 'fixture-server', got %q", info.Name)
	}
	if conn.Health() != HealthHealthy {
		t.Fatalf("expected connection to be healthy, got %v", conn.Health())
	}

	got, ok := m.Get("fixture")
	if !ok || got != conn {
		t.Fatal("expected Get to return the same Conn Ensure created")
	}
	all := m.All()
	if len(all) != 1 {
		t.Fatalf("expected All() to report exactly one connection, got %d", len(all))
	}

	client := conn.Client()
	if client == nil {
		t.Fatal("expected a bound client after a successful dial")
	}
	tools, err := client.ListTools(ctx)
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	if len(tools) != 1 || tools[0].Name != "echo" {
		t.Fatalf("ListTools() = %+v, want a single 'echo' tool", tools)
	}

	result, err := client.CallTool(ctx, "echo", map[string]any{"text": "hello"})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	resultMap, ok := result.(map[string]any)
	if !ok {
		t.Fatalf("CallTool(echo) result = %#v, want a map with a 'content' key", result)
	}
	content, ok := resultMap["content"].([]any)
	if !ok || len(content) != 1 {
		t.Fatalf("CallTool(echo) content = %#v", resultMap["content"])
	}
	part, ok := content[0].(map[string]any)
	if !ok || part["text"] != "hello" {
		t.Fatalf("CallTool(echo) content[0] = %#v, want text=hello", content[0])
	}
}

func TestManagerEnsureReturnsSameConnOnRepeatedCalls(t *testing.T) {
	t.Parallel()
	httpSrv := newTestUpstreamHTTPServer(t)
	defer httpSrv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := NewManager(zap.NewNop())
	defer m.Close()

	rec := configmodel.UpstreamServerRecord{
		ID:        "fixture",
		Transport: configmodel.TransportHTTPSSE,
		Endpoint:  httpSrv.URL + "/mcp",
		Enabled:   true,
	}

	first := m.Ensure(ctx, rec)
	second := m.Ensure(ctx, rec)
	if first != second {
		t.Fatal("expected repeated Ensure calls for the same server id to return the same Conn")
	}
}

func TestManagerGetUnknownServer(t *testing.T) {
	t.Parallel()
	m := NewManager(zap.NewNop())
	if _, ok := m.Get("does-not-exist"); ok {
		t.Fatal("expected Get on an unregistered server id to report not-found")
	}
}

func TestManagerDeferCatalogDoesNotAutoDial(t *testing.T) {
	t.Parallel()
	httpSrv := newTestUpstreamHTTPServer(t)
	defer httpSrv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := NewManager(zap.NewNop())
	defer m.Close()

	rec := configmodel.UpstreamServerRecord{
		ID:           "deferred",
		Transport:    configmodel.TransportHTTPSSE,
		Endpoint:     httpSrv.URL + "/mcp",
		Enabled:      true,
		DeferCatalog: true,
	}
	conn := m.Ensure(ctx, rec)

	// A deferred server should not dial on its own; give any errant
	// background dial a moment to have shown up before asserting it didn't.
	time.Sleep(50 * time.Millisecond)
	if conn.Health() != HealthPending {
		t.Fatalf("expected deferred server to stay pending until Activate, got %v", conn.Health())
	}

	if err := m.Activate(ctx, "deferred"); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	waitCtx, waitCancel := context.WithTimeout(ctx, 5*time.Second)
	defer waitCancel()
	if _, err := conn.WaitReady(waitCtx); err != nil {
		t.Fatalf("WaitReady after Activate: %v", err)
	}
	if conn.Health() != HealthHealthy {
		t.Fatalf("expected connection to be healthy after Activate, got %v", conn.Health())
	}
}

func TestManagerActivateUnknownServerErrors(t *testing.T) {
	t.Parallel()
	m := NewManager(zap.NewNop())
	if err := m.Activate(context.Background(), "does-not-exist"); err == nil {
		t.Fatal("expected Activate on an unknown server id to error")
	}
}

func TestManagerCloseTearsDownConnections(t *testing.T) {
	t.Parallel()
	httpSrv := newTestUpstreamHTTPServer(t)
	defer httpSrv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := NewManager(zap.NewNop())
	rec := configmodel.UpstreamServerRecord{
		ID:        "fixture",
		Transport: configmodel.TransportHTTPSSE,
		Endpoint:  httpSrv.URL + "/mcp",
		Enabled:   true,
	}
	conn := m.Ensure(ctx, rec)
	waitCtx, waitCancel := context.WithTimeout(ctx, 5*time.Second)
	defer waitCancel()
	if _, err := conn.WaitReady(waitCtx); err != nil {
		t.Fatalf("WaitReady: %v", err)
	}

	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}
