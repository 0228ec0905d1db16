package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/localrouter/gateway/internal/tlsutil"
	"go.uber.org/zap"
)

// Transport is the wire-framing contract a client/server pair speaks over.
type Transport interface {
	Send(ctx context.Context, msg *MCPMessage) error
	// Receive blocks until a message arrives or ctx is done.
	Receive(ctx context.Context) (*MCPMessage, error)
	Close() error
}

// ---------------------------------------------------------------------------
// StdioTransport: stdin/stdout framed with Content-Length headers
// ---------------------------------------------------------------------------

// StdioTransport frames messages over an io.Reader/io.Writer pair.
type StdioTransport struct {
	reader  *bufio.Reader
	writer  io.Writer
	writeMu sync.Mutex
	logger  *zap.Logger
}

// NewStdioTransport wraps reader/writer in the Content-Length framing.
func NewStdioTransport(reader io.Reader, writer io.Writer, logger *zap.Logger) *StdioTransport {
	return &StdioTransport{
		reader: bufio.NewReader(reader),
		writer: writer,
		logger: logger,
	}
}

// Send writes a Content-Length header followed by the JSON body.
func (t *StdioTransport) Send(ctx context.Context, msg *MCPMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	header := fmt.Sprintf("Content-Length: %d\r\n\r\n", len(body))
	if _, err := t.writer.Write([]byte(header)); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	if _, err := t.writer.Write(body); err != nil {
		return fmt.Errorf("write body: %w", err)
	}
	return nil
}

// Receive reads a Content-Length header followed by the JSON body.
func (t *StdioTransport) Receive(ctx context.Context) (*MCPMessage, error) {
	var contentLength int
	for {
		line, err := t.reader.ReadString('\n')
		if err != nil {
			return nil, err
		}
		if line == "\r\n" || line == "\n" {
			break
		}
		if _, err := fmt.Sscanf(line, "Content-Length: %d", &contentLength); err == nil {
			continue
		}
	}

	body := make([]byte, contentLength)
	if _, err := io.ReadFull(t.reader, body); err != nil {
		return nil, err
	}

	var msg MCPMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// Close is a no-op; the caller owns reader/writer lifetime.
func (t *StdioTransport) Close() error {
	return nil
}

// ---------------------------------------------------------------------------
// SSETransport: HTTP Server-Sent Events client
// ---------------------------------------------------------------------------

// SSETransport receives events via GET /sse and sends via POST /message.
type SSETransport struct {
	endpoint   string
	httpClient *http.Client
	eventChan  chan *MCPMessage
	sendURLMu  sync.Mutex
	sendURL    string // POST endpoint; narrowed to the server's advertised
	// per-connection path (with its clientId) once the initial "endpoint"
	// SSE event arrives, so responses the server computes for our POSTs
	// get pushed back over this same SSE stream instead of going nowhere.
	logger *zap.Logger
	cancel context.CancelFunc
}

// NewSSETransport builds a transport against endpoint (no trailing slash).
func NewSSETransport(endpoint string, logger *zap.Logger) *SSETransport {
	return &SSETransport{
		endpoint:   endpoint,
		httpClient: tlsutil.SecureHTTPClient(0), // long-lived SSE stream, no timeout
		eventChan:  make(chan *MCPMessage, 100),
		sendURL:    endpoint + "/message",
		logger:     logger,
	}
}

// Connect opens the GET /sse stream, synchronously waits for the server's
// initial "endpoint" event (so Send already has the right clientId-scoped
// path before the caller's first request goes out), then starts the
// background reader for everything after.
func (t *SSETransport) Connect(ctx context.Context) error {
	ctx, t.cancel = context.WithCancel(ctx)

	req, err := http.NewRequestWithContext(ctx, "GET", t.endpoint+"/sse", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("SSE connect failed: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return fmt.Errorf("SSE connect: unexpected status %d", resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	eventType, data, ok := t.readOneEvent(scanner)
	if !ok {
		resp.Body.Close()
		return fmt.Errorf("SSE connect: stream closed before endpoint event")
	}
	if eventType != "endpoint" {
		resp.Body.Close()
		return fmt.Errorf("SSE connect: expected endpoint event, got %q", eventType)
	}
	t.setSendPath(data)

	go t.readSSEEvents(ctx, resp.Body, scanner)

	return nil
}

// readOneEvent scans up to the next blank-line-terminated SSE event and
// returns its event type (empty if unspecified) and accumulated data.
func (t *SSETransport) readOneEvent(scanner *bufio.Scanner) (eventType, data string, ok bool) {
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			return eventType, data, true
		}
		switch {
		case len(line) > 6 && line[:6] == "event:":
			eventType = strings.TrimSpace(line[6:])
		case len(line) > 5 && line[:5] == "data:":
			data += line[5:]
		}
	}
	return "", "", false
}

// readSSEEvents parses the `event: <type>\ndata: <payload>\n\n` stream
// following the initial endpoint handshake Connect already consumed; every
// event here is a JSON-RPC message.
func (t *SSETransport) readSSEEvents(ctx context.Context, body io.ReadCloser, scanner *bufio.Scanner) {
	defer body.Close()
	defer close(t.eventChan)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_, data, ok := t.readOneEvent(scanner)
		if !ok {
			return
		}
		if data == "" {
			continue
		}
		var msg MCPMessage
		if err := json.Unmarshal([]byte(data), &msg); err != nil {
			t.logger.Error("SSE parse error", zap.Error(err))
			continue
		}
		select {
		case t.eventChan <- &msg:
		case <-ctx.Done():
			return
		}
	}
}

// setSendPath rewrites sendURL's path+query from the server-advertised
// "endpoint" event payload (e.g. "/mcp/message?clientId=..."), keeping the
// transport's own scheme/host.
func (t *SSETransport) setSendPath(path string) {
	path = strings.TrimSpace(path)
	if path == "" {
		return
	}
	base, err := url.Parse(t.endpoint)
	if err != nil {
		t.logger.Error("SSE endpoint event: invalid base endpoint", zap.Error(err))
		return
	}
	ref, err := url.Parse(path)
	if err != nil {
		t.logger.Error("SSE endpoint event: invalid path", zap.String("path", path), zap.Error(err))
		return
	}
	t.sendURLMu.Lock()
	t.sendURL = base.ResolveReference(ref).String()
	t.sendURLMu.Unlock()
}

// Send posts msg to the transport's message endpoint.
func (t *SSETransport) Send(ctx context.Context, msg *MCPMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	t.sendURLMu.Lock()
	sendURL := t.sendURL
	t.sendURLMu.Unlock()

	req, err := http.NewRequestWithContext(ctx, "POST", sendURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("SSE send: unexpected status %d", resp.StatusCode)
	}
	return nil
}

// Receive reads the next message off the SSE event channel.
func (t *SSETransport) Receive(ctx context.Context) (*MCPMessage, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case msg := <-t.eventChan:
		return msg, nil
	}
}

// Close cancels the background event reader.
func (t *SSETransport) Close() error {
	if t.cancel != nil {
		t.cancel()
	}
	return nil
}
