package mcpservice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/broisnischal/create/mcp"
	"github.com/broisnischal/create/sessions"
)

// ToolResponseWriter allows a tool handler to incrementally compose a
// CallToolResult while optionally emitting log and progress notifications.
//
// Notes:
// - It is concurrency-safe for use within a single request.
// - Writes after finalization (Result) are ignored and return ErrFinalized.
// - All mutating methods check ctx.Done() and return the context error promptly.
// - Log and SendProgress are no-ops when the transport supplied no Notifier.
type ToolResponseWriter interface {
	AppendText(text string) error
	// AppendJSON renders v as indented JSON text and records it as the
	// structured content of the result.
	AppendJSON(v any) error
	SetError(isError bool)
	SetMeta(key string, v any)
	Log(level mcp.LoggingLevel, data any) error
	SendProgress(progress, total float64) error
	// Result finalizes and returns the accumulated result. It is idempotent.
	Result() *mcp.CallToolResult
}

var (
	// ErrFinalized is returned when attempting to write after Result() was called.
	ErrFinalized = errors.New("result already finalized")
)

type toolResponseWriter struct {
	ctx           context.Context
	session       *sessions.Session
	toolName      string
	progressToken any

	mu         sync.Mutex
	finalized  bool
	blocks     []mcp.ContentBlock
	structured map[string]any
	isError    bool
	meta       map[string]any
}

var _ ToolResponseWriter = (*toolResponseWriter)(nil)

func newToolResponseWriter(ctx context.Context, session *sessions.Session, req *mcp.CallToolRequestReceived) *toolResponseWriter {
	w := &toolResponseWriter{ctx: ctx, session: session, toolName: req.Name}
	if req.Meta != nil {
		w.progressToken = req.Meta.ProgressToken
	}
	return w
}

func (w *toolResponseWriter) AppendText(text string) error {
	if text == "" {
		return nil
	}
	return w.appendBlocks(mcp.TextContent(text))
}

func (w *toolResponseWriter) AppendJSON(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal tool output: %w", err)
	}
	if err := w.appendBlocks(mcp.TextContent(string(b))); err != nil {
		return err
	}

	// structuredContent must be an object; other shapes stay text-only.
	var obj map[string]any
	if json.Unmarshal(b, &obj) == nil {
		w.mu.Lock()
		w.structured = obj
		w.mu.Unlock()
	}
	return nil
}

func (w *toolResponseWriter) appendBlocks(blocks ...mcp.ContentBlock) error {
	if err := w.ctx.Err(); err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.finalized {
		return ErrFinalized
	}
	w.blocks = append(w.blocks, blocks...)
	return nil
}

func (w *toolResponseWriter) SetError(isError bool) {
	w.mu.Lock()
	w.isError = isError
	w.mu.Unlock()
}

func (w *toolResponseWriter) SetMeta(key string, v any) {
	if key == "" {
		return
	}
	w.mu.Lock()
	if w.meta == nil {
		w.meta = make(map[string]any)
	}
	w.meta[key] = v
	w.mu.Unlock()
}

func (w *toolResponseWriter) Log(level mcp.LoggingLevel, data any) error {
	if err := w.ctx.Err(); err != nil {
		return err
	}
	if w.session != nil && !mcp.LoggingLevel(w.session.LogLevel()).Allows(level) {
		return nil
	}
	n, ok := NotifierFrom(w.ctx)
	if !ok {
		return nil
	}
	return n.Notify(w.ctx, mcp.LoggingMessageNotificationMethod, &mcp.LoggingMessageNotification{
		Level:  level,
		Data:   data,
		Logger: w.toolName,
	})
}

func (w *toolResponseWriter) SendProgress(progress, total float64) error {
	if err := w.ctx.Err(); err != nil {
		return err
	}
	if w.progressToken == nil {
		return nil
	}
	n, ok := NotifierFrom(w.ctx)
	if !ok {
		return nil
	}
	return n.Notify(w.ctx, mcp.ProgressNotificationMethod, &mcp.ProgressNotificationParams{
		ProgressToken: w.progressToken,
		Progress:      progress,
		Total:         total,
	})
}

func (w *toolResponseWriter) Result() *mcp.CallToolResult {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.finalized = true

	content := append([]mcp.ContentBlock(nil), w.blocks...)
	if content == nil {
		content = []mcp.ContentBlock{}
	}
	return &mcp.CallToolResult{
		Content:           content,
		IsError:           w.isError,
		StructuredContent: w.structured,
		BaseMetadata:      mcp.BaseMetadata{Meta: cloneMeta(w.meta)},
	}
}

func cloneMeta(m map[string]any) map[string]any {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
