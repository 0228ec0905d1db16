// Package accesslog writes the gateway's append-only JSON-lines access logs
// (§4.8, §6 File Formats): one record per completed LLM request and one per
// completed MCP tool-protocol request, each rotated daily by UTC date. It is
// grounded on a FileAuditBackend-style writer — same per-write date check,
// same os.OpenFile(append) + json.Marshal-then-newline shape — adapted to
// this gateway's exact filename pattern and split into two parallel families
// instead of one.
package accesslog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Status is the outcome recorded for one logged request.
type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// Entry is the LLM-side Access-Log Entry (§3), one line in
// localrouter-YYYY-MM-DD.log.
type Entry struct {
	Timestamp    time.Time `json:"timestamp"`
	ClientID     string    `json:"client_id"`
	Provider     string    `json:"provider"`
	Model        string    `json:"model"`
	Status       Status    `json:"status"`
	HTTPStatus   int       `json:"http_status"`
	InputTokens  int64     `json:"input_tokens"`
	OutputTokens int64     `json:"output_tokens"`
	TotalTokens  int64     `json:"total_tokens"`
	CostUSD      float64   `json:"cost_usd"`
	LatencyMS    int64     `json:"latency_ms"`
	RequestID    string    `json:"request_id"`
	// RoutingWinRate is set only when the request went through model
	// routing (§4.6 step 2) and records the winning candidate's rolling
	// success rate at decision time; omitted for direct model references.
	RoutingWinRate *float64 `json:"routing_win_rate,omitempty"`
	Error          string   `json:"error,omitempty"`
}

// MCPEntry is the tool-protocol counterpart (§4.8: "MCP access logs live in
// a separate file-name prefix and retention policy but follow the same
// rules"), one line in localrouter-mcp-YYYY-MM-DD.log.
type MCPEntry struct {
	Timestamp time.Time `json:"timestamp"`
	ClientID  string    `json:"client_id"`
	ServerID  string    `json:"server_id"`
	Method    string    `json:"method"`
	Status    Status    `json:"status"`
	LatencyMS int64     `json:"latency_ms"`
	RequestID string    `json:"request_id"`
	Error     string    `json:"error,omitempty"`
}

// filePrefix names the two log families (§6): "localrouter" for LLM
// requests, "localrouter-mcp" for tool-protocol requests. Filenames are
// "{prefix}-YYYY-MM-DD.log".
type filePrefix string

const (
	prefixLLM filePrefix = "localrouter"
	prefixMCP filePrefix = "localrouter-mcp"
)

// writer is the shared rotation/append machinery behind both Logger entry
// points; it is not exported because the two families differ only in
// filePrefix, not in behavior.
type writer struct {
	mu          sync.Mutex
	dir         string
	prefix      filePrefix
	currentFile *os.File
	currentDate string
	now         func() time.Time
	logger      *zap.Logger
}

func newWriter(dir string, prefix filePrefix, logger *zap.Logger) *writer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &writer{
		dir:    dir,
		prefix: prefix,
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger.With(zap.String("component", "accesslog"), zap.String("family", string(prefix))),
	}
}

func (w *writer) filename(date string) string {
	return filepath.Join(w.dir, fmt.Sprintf("%s-%s.log", w.prefix, date))
}

// write marshals v as one JSON line and appends it to the file for the
// current UTC date, rotating first if the date has changed since the last
// write — "the log file for a given UTC date is created by the next writer
// that notices the date change" (§4.8).
func (w *writer) write(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	date := w.now().Format("2006-01-02")
	if w.currentFile == nil || w.currentDate != date {
		if err := w.rotate(date); err != nil {
			return err
		}
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("accesslog: marshal entry: %w", err)
	}
	data = append(data, '\n')
	if _, err := w.currentFile.Write(data); err != nil {
		return fmt.Errorf("accesslog: write entry: %w", err)
	}
	return w.currentFile.Sync()
}

func (w *writer) rotate(date string) error {
	if w.currentFile != nil {
		w.currentFile.Close()
	}
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return fmt.Errorf("accesslog: create directory: %w", err)
	}
	f, err := os.OpenFile(w.filename(date), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("accesslog: open log file: %w", err)
	}
	w.currentFile = f
	w.currentDate = date
	w.logger.Info("rotated access log", zap.String("file", f.Name()))
	return nil
}

func (w *writer) close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.currentFile == nil {
		return nil
	}
	err := w.currentFile.Close()
	w.currentFile = nil
	return err
}

// purge deletes every file belonging to this family whose embedded date is
// older than cutoff, implementing the retention side of §4.8/§6
// (retention_days). It never touches the file currently open for writing,
// even if its date is somehow in range for deletion (it can't be, since the
// writer always rotates forward).
func (w *writer) purge(cutoff time.Time) (int, error) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("accesslog: read log directory: %w", err)
	}
	prefixStr := string(w.prefix) + "-"
	removed := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasPrefix(name, prefixStr) || !strings.HasSuffix(name, ".log") {
			continue
		}
		dateStr := strings.TrimSuffix(strings.TrimPrefix(name, prefixStr), ".log")
		date, err := time.Parse("2006-01-02", dateStr)
		if err != nil {
			continue // not one of ours (e.g. the mcp family sharing the llm directory)
		}
		if date.Before(cutoff) {
			if err := os.Remove(filepath.Join(w.dir, name)); err != nil {
				return removed, fmt.Errorf("accesslog: remove %s: %w", name, err)
			}
			removed++
		}
	}
	return removed, nil
}

// Logger is the gateway-wide access-log writer: both the LLM and MCP
// families, sharing a directory and retention window but rotating
// independently.
type Logger struct {
	llm           *writer
	mcp           *writer
	retentionDays int
}

// Config configures a Logger.
type Config struct {
	// Dir is the directory both log families are written into.
	Dir string
	// RetentionDays bounds how far back Purge keeps files; zero disables
	// purging (callers still rotate and append normally).
	RetentionDays int
}

// New builds a Logger from cfg. It does not create Dir eagerly — the first
// write creates it — so a Logger can be constructed before the directory is
// known to be writable without erroring.
func New(cfg Config, logger *zap.Logger) *Logger {
	return &Logger{
		llm:           newWriter(cfg.Dir, prefixLLM, logger),
		mcp:           newWriter(cfg.Dir, prefixMCP, logger),
		retentionDays: cfg.RetentionDays,
	}
}

// LogLLM appends one LLM Access-Log Entry.
func (l *Logger) LogLLM(e Entry) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	return l.llm.write(e)
}

// LogMCP appends one MCP Access-Log Entry.
func (l *Logger) LogMCP(e MCPEntry) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	return l.mcp.write(e)
}

// Purge removes log files older than RetentionDays from both families,
// returning the total number of files removed. A RetentionDays of zero is a
// no-op, matching "retention_days: 0 disables purging" (§6).
func (l *Logger) Purge(now time.Time) (int, error) {
	if l.retentionDays <= 0 {
		return 0, nil
	}
	cutoff := now.UTC().Truncate(24*time.Hour).AddDate(0, 0, -l.retentionDays)
	n1, err := l.llm.purge(cutoff)
	if err != nil {
		return n1, err
	}
	n2, err := l.mcp.purge(cutoff)
	return n1 + n2, err
}

// Close flushes and closes both underlying files.
func (l *Logger) Close() error {
	err1 := l.llm.close()
	err2 := l.mcp.close()
	if err1 != nil {
		return err1
	}
	return err2
}

// ListLogFiles returns the sorted (oldest-first) absolute paths of every
// access-log file of the given family currently in dir — used by the admin
// surface to expose what retention is about to prune.
func ListLogFiles(dir string, family filePrefix) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	prefixStr := string(family) + "-"
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if strings.HasPrefix(e.Name(), prefixStr) && strings.HasSuffix(e.Name(), ".log") {
			dateStr := strings.TrimSuffix(strings.TrimPrefix(e.Name(), prefixStr), ".log")
			if _, err := time.Parse("2006-01-02", dateStr); err != nil {
				continue // another family sharing the prefix (the mcp files under the llm prefix)
			}
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}

// LLMFamily and MCPFamily expose the two filePrefix values for
// ListLogFiles callers outside this package.
const (
	LLMFamily = prefixLLM
	MCPFamily = prefixMCP
)
