package streaminghttp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/broisnischal/create/internal/engine"
	"github.com/broisnischal/create/internal/jsonrpc"
	"github.com/broisnischal/create/mcp"
	"github.com/broisnischal/create/mcpservice"
	"github.com/broisnischal/create/sessions"
	"github.com/tmaxmax/go-sse"
)

const (
	acceptBoth = "application/json, text/event-stream"
	acceptJSON = "application/json"
)

// ============================================================================

// logBridge is an implementation of slog.Handler that works
// with the stdlib testing pkg.
type logBridge struct {
	slog.Handler
	t   testing.TB
	buf *bytes.Buffer
	mu  *sync.Mutex
}

// Handle implements slog.Handler.
func (b *logBridge) Handle(ctx context.Context, rec slog.Record) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	err := b.Handler.Handle(ctx, rec)
	if err != nil {
		return err
	}

	output, err := io.ReadAll(b.buf)
	if err != nil {
		return err
	}
	output = bytes.TrimSuffix(output, []byte("\n"))

	b.t.Helper()
	b.t.Log(string(output))

	return nil
}

// WithAttrs implements slog.Handler.
func (b *logBridge) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &logBridge{t: b.t, buf: b.buf, mu: b.mu, Handler: b.Handler.WithAttrs(attrs)}
}

// WithGroup implements slog.Handler.
func (b *logBridge) WithGroup(name string) slog.Handler {
	return &logBridge{t: b.t, buf: b.buf, mu: b.mu, Handler: b.Handler.WithGroup(name)}
}

func testLogHandler(t *testing.T) *logBridge {
	b := &logBridge{
		t:   t,
		buf: &bytes.Buffer{},
		mu:  &sync.Mutex{},
	}
	b.Handler = slog.NewTextHandler(b.buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	return b
}

// ============================================================================
// Test tools
// ============================================================================

type nameArgs struct {
	Name string `json:"name"`
}

type noArgs struct{}

func testTools() *mcpservice.ToolsContainer {
	return mcpservice.NewToolsContainer(
		mcpservice.NewTool("greet", func(ctx context.Context, _ *sessions.Session, w mcpservice.ToolResponseWriter, r *mcpservice.ToolRequest[nameArgs]) error {
			return w.AppendText("Hello " + r.Args().Name)
		}),
		mcpservice.NewTool("announce", func(ctx context.Context, _ *sessions.Session, w mcpservice.ToolResponseWriter, r *mcpservice.ToolRequest[noArgs]) error {
			if err := w.Log(mcp.LoggingLevelInfo, "announcing"); err != nil {
				return err
			}
			return w.AppendText("announced")
		}),
		mcpservice.NewTool("explode", func(ctx context.Context, _ *sessions.Session, w mcpservice.ToolResponseWriter, r *mcpservice.ToolRequest[noArgs]) error {
			panic("kaboom")
		}),
		mcpservice.NewTool("broken", func(ctx context.Context, _ *sessions.Session, w mcpservice.ToolResponseWriter, r *mcpservice.ToolRequest[noArgs]) error {
			return errors.New("disk on fire")
		}),
	)
}

func newTestHandler(t *testing.T, opts ...Option) *Handler {
	t.Helper()
	log := slog.New(testLogHandler(t))
	eng := engine.New(testTools(), engine.WithLogger(log))
	h, err := New(eng, append([]Option{WithLogger(log)}, opts...)...)
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}
	t.Cleanup(func() { _ = h.Close(context.Background()) })
	return h
}

// ============================================================================
// Request helpers
// ============================================================================

type reqOpt func(*http.Request)

func withSession(id string) reqOpt {
	return func(r *http.Request) { r.Header.Set(mcpSessionIDHeader, id) }
}

func withAccept(v string) reqOpt {
	return func(r *http.Request) { r.Header.Set("Accept", v) }
}

func withHeader(k, v string) reqOpt {
	return func(r *http.Request) { r.Header.Set(k, v) }
}

func do(t *testing.T, h http.Handler, method, body string, opts ...reqOpt) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	r := httptest.NewRequest(method, "/mcp", rd)
	if method == http.MethodPost {
		r.Header.Set("Content-Type", "application/json")
		r.Header.Set("Accept", acceptJSON)
	}
	for _, opt := range opts {
		opt(r)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	return rec
}

func rpc(t *testing.T, id any, method string, params any) string {
	t.Helper()
	m := map[string]any{"jsonrpc": "2.0", "method": method}
	if id != nil {
		m["id"] = id
	}
	if params != nil {
		m["params"] = params
	}
	b, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return string(b)
}

func initializeBody(t *testing.T) string {
	return rpc(t, 0, "initialize", map[string]any{
		"protocolVersion": mcp.LatestProtocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo":      map[string]any{"name": "test-client", "version": "1.0.0"},
	})
}

// initialize establishes a session and returns its id.
func initialize(t *testing.T, h http.Handler) string {
	t.Helper()
	rec := do(t, h, http.MethodPost, initializeBody(t))
	if rec.Code != http.StatusOK {
		t.Fatalf("initialize: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	id := rec.Header().Get(mcpSessionIDHeader)
	if id == "" {
		t.Fatalf("initialize: missing %s header", mcpSessionIDHeader)
	}
	return id
}

func decodeResponse(t *testing.T, body []byte) jsonrpc.Response {
	t.Helper()
	var res jsonrpc.Response
	if err := json.Unmarshal(body, &res); err != nil {
		t.Fatalf("decode response %q: %v", body, err)
	}
	return res
}

// expectRPCError checks a transport rejection: status, JSON-RPC code and a
// null id.
func expectRPCError(t *testing.T, rec *httptest.ResponseRecorder, status int, code jsonrpc.ErrorCode) jsonrpc.Response {
	t.Helper()
	if rec.Code != status {
		t.Fatalf("expected status %d, got %d: %s", status, rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("expected application/json error body, got %q", ct)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(rec.Body.Bytes(), &raw); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if string(raw["id"]) != "null" {
		t.Fatalf("expected id null, got %s", raw["id"])
	}
	res := decodeResponse(t, rec.Body.Bytes())
	if res.Error == nil || res.Error.Code != code {
		t.Fatalf("expected error code %d, got %+v", code, res.Error)
	}
	return res
}

func sseEvents(t *testing.T, body []byte) []sse.Event {
	t.Helper()
	var out []sse.Event
	for ev, err := range sse.Read(bytes.NewReader(body), nil) {
		if err != nil {
			t.Fatalf("read sse: %v", err)
		}
		out = append(out, ev)
	}
	return out
}

// ============================================================================
// Streaming recorder
// ============================================================================

// streamRecorder is an http.ResponseWriter whose body is readable while the
// handler is still writing.
type streamRecorder struct {
	header http.Header
	status chan int
	pw     *io.PipeWriter
	wrote  bool
}

func (s *streamRecorder) Header() http.Header { return s.header }

func (s *streamRecorder) WriteHeader(code int) {
	if s.wrote {
		return
	}
	s.wrote = true
	s.status <- code
}

func (s *streamRecorder) Write(p []byte) (int, error) {
	s.WriteHeader(http.StatusOK)
	return s.pw.Write(p)
}

func (s *streamRecorder) Flush() {}

// stream is an open GET on the handler.
type stream struct {
	status int
	header http.Header
	events chan sse.Event
	cancel context.CancelFunc
	done   chan struct{}
}

func openStream(t *testing.T, h http.Handler, sessionID, lastEventID string) *stream {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	r := httptest.NewRequest(http.MethodGet, "/mcp", nil).WithContext(ctx)
	r.Header.Set("Accept", "text/event-stream")
	r.Header.Set(mcpSessionIDHeader, sessionID)
	if lastEventID != "" {
		r.Header.Set(lastEventIDHeader, lastEventID)
	}

	pr, pw := io.Pipe()
	rec := &streamRecorder{header: make(http.Header), status: make(chan int, 1), pw: pw}
	s := &stream{events: make(chan sse.Event, 64), cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(s.done)
		h.ServeHTTP(rec, r)
		_ = pw.Close()
	}()
	go func() {
		defer close(s.events)
		for ev, err := range sse.Read(pr, nil) {
			if err != nil {
				return
			}
			s.events <- ev
		}
	}()

	select {
	case s.status = <-rec.status:
	case <-time.After(2 * time.Second):
		cancel()
		t.Fatalf("stream did not start")
	}
	s.header = rec.header

	t.Cleanup(func() {
		s.close(t)
		_ = pr.Close()
	})
	return s
}

func (s *stream) next(t *testing.T) sse.Event {
	t.Helper()
	select {
	case ev, ok := <-s.events:
		if !ok {
			t.Fatalf("stream ended before the next event")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for an event")
	}
	return sse.Event{}
}

// ended waits for the handler side of the stream to complete.
func (s *stream) ended(t *testing.T) {
	t.Helper()
	select {
	case <-s.done:
	case <-time.After(2 * time.Second):
		t.Fatalf("stream handler did not return")
	}
}

func (s *stream) close(t *testing.T) {
	s.cancel()
	s.ended(t)
}
