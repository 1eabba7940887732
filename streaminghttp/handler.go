package streaminghttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/broisnischal/create/bridge"
	"github.com/broisnischal/create/eventlog"
	"github.com/broisnischal/create/eventlog/memlog"
	"github.com/broisnischal/create/internal/engine"
	"github.com/broisnischal/create/internal/jsonrpc"
	"github.com/broisnischal/create/internal/logctx"
	"github.com/broisnischal/create/internal/metrics"
	"github.com/broisnischal/create/sessions"
	"github.com/elnormous/contenttype"
	"github.com/google/uuid"
)

var (
	_ http.Handler = (*Handler)(nil)
)

var (
	jsonMediaType         = contenttype.NewMediaType("application/json")
	eventStreamMediaType  = contenttype.NewMediaType("text/event-stream")
	eventStreamMediaTypes = []contenttype.MediaType{eventStreamMediaType}
)

const (
	lastEventIDHeader        = "Last-Event-ID"
	mcpSessionIDHeader       = "Mcp-Session-Id"
	mcpProtocolVersionHeader = "Mcp-Protocol-Version"
	allowHeader              = "Allow"
	allowedMethods           = "GET, POST, DELETE, OPTIONS"
)

// Option configures the Handler.
type Option func(*config)

type config struct {
	logger     *slog.Logger
	store      eventlog.Store
	metrics    *metrics.Metrics
	tombstones int
	maxBody    int64
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *config) { c.logger = l }
}

// WithEventStore sets where session event logs live. Defaults to memlog.
func WithEventStore(s eventlog.Store) Option {
	return func(c *config) { c.store = s }
}

// WithMetrics records transport metrics in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *config) { c.metrics = m }
}

// WithTombstones bounds how many terminated session ids are remembered.
func WithTombstones(n int) Option {
	return func(c *config) { c.tombstones = n }
}

// WithMaxBodyBytes bounds the size of POST bodies.
func WithMaxBodyBytes(n int64) Option {
	return func(c *config) { c.maxBody = n }
}

// Handler implements the streamable HTTP transport of the Model Context
// Protocol on top of an engine.Engine. It owns the session registry.
type Handler struct {
	log      *slog.Logger
	eng      *engine.Engine
	store    eventlog.Store
	registry *sessions.Registry
	metrics  *metrics.Metrics
	maxBody  int64
}

// New constructs a Handler serving eng.
func New(eng *engine.Engine, opts ...Option) (*Handler, error) {
	if eng == nil {
		return nil, fmt.Errorf("engine is required")
	}

	cfg := &config{logger: slog.Default(), tombstones: sessions.DefaultTombstones, maxBody: bridge.DefaultMaxBodyBytes}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}

	log := slog.New(logctx.Handler{Handler: cfg.logger.Handler()})
	if cfg.store == nil {
		cfg.store = memlog.New(memlog.WithLogger(log))
	}

	registry, err := sessions.NewRegistry(cfg.tombstones)
	if err != nil {
		return nil, fmt.Errorf("failed to create session registry: %w", err)
	}

	return &Handler{
		log:      log,
		eng:      eng,
		store:    cfg.store,
		registry: registry,
		metrics:  cfg.metrics,
		maxBody:  cfg.maxBody,
	}, nil
}

// call is one HTTP exchange as seen by the protocol side: the request
// snapshot plus the content negotiation results, which need the original
// *http.Request.
type call struct {
	req *bridge.Request
	// contentTypeOK reports a JSON Content-Type.
	contentTypeOK bool
	// acceptsSSE reports that Accept is absent or admits text/event-stream.
	acceptsSSE bool
	// wantsSSE reports that Accept is present and admits text/event-stream.
	wantsSSE bool
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})
	rec := &statusRecorder{ResponseWriter: w}

	defer func() {
		if v := recover(); v != nil {
			h.log.ErrorContext(ctx, "http.panic", slog.Any("panic", v), slog.String("stack", string(debug.Stack())))
			if !rec.wroteHeader {
				writeDirectError(rec, http.StatusInternalServerError, internalError(fmt.Sprint(v)))
			}
		}
		h.metrics.ObserveRequest(r.Method, rec.status(), time.Since(start))
	}()

	c, err := h.newCall(r)
	if err != nil {
		h.log.WarnContext(ctx, "http.body.read.fail", slog.String("err", err.Error()))
		writeDirectError(rec, http.StatusBadRequest, serverError("Bad Request: "+err.Error()))
		return
	}

	bw := bridge.NewWriter(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer h.recoverInto(ctx, bw)

		h.dispatch(ctx, c, bw)
		bw.Finish(nil)
	}()

	if err := bridge.Serve(ctx, bw, rec); err != nil && !errors.Is(err, context.Canceled) {
		h.log.InfoContext(ctx, "http.deliver.fail", slog.String("err", err.Error()))
	}
	<-done
}

func (h *Handler) newCall(r *http.Request) (*call, error) {
	req, err := bridge.NewRequest(r, h.maxBody)
	if err != nil {
		return nil, err
	}

	c := &call{req: req, acceptsSSE: true}
	if ctype, err := contenttype.GetMediaType(r); err == nil && ctype.Matches(jsonMediaType) {
		c.contentTypeOK = true
	}
	if r.Header.Get("Accept") != "" {
		_, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes)
		c.acceptsSSE = err == nil
		c.wantsSSE = err == nil
	}
	return c, nil
}

func (h *Handler) dispatch(ctx context.Context, c *call, bw *bridge.Writer) {
	switch c.req.Method {
	case http.MethodOptions:
		bw.SetHeader("Access-Control-Max-Age", bridge.MaxAge)
		bw.SetStatus(http.StatusNoContent)
	case http.MethodPost:
		h.handlePost(ctx, c, bw)
	case http.MethodGet:
		h.handleGet(ctx, c, bw)
	case http.MethodDelete:
		h.handleDelete(ctx, c, bw)
	default:
		h.log.InfoContext(ctx, "http.method.unsupported")
		bw.SetHeader(allowHeader, allowedMethods)
		writeError(bw, http.StatusMethodNotAllowed, serverError("Method not allowed."))
	}
}

// recoverInto turns a panic on the protocol side into a 500 when nothing has
// been committed yet, and aborts the response otherwise.
func (h *Handler) recoverInto(ctx context.Context, bw *bridge.Writer) {
	v := recover()
	if v == nil {
		return
	}
	h.log.ErrorContext(ctx, "http.panic", slog.Any("panic", v), slog.String("stack", string(debug.Stack())))
	h.failInternal(ctx, bw, fmt.Sprint(v))
}

func (h *Handler) failInternal(ctx context.Context, bw *bridge.Writer, desc string) {
	if bw.Committed() {
		bw.Close()
		return
	}
	writeError(bw, http.StatusInternalServerError, internalError(desc))
}

// Close terminates every session. Use it on shutdown.
func (h *Handler) Close(ctx context.Context) error {
	return h.registry.Close(ctx)
}

// Sessions reports the number of live sessions.
func (h *Handler) Sessions() int {
	return h.registry.Len()
}

func serverError(msg string) *jsonrpc.Response {
	return jsonrpc.NewErrorResponse(nil, jsonrpc.ErrorCodeServerError, msg, nil)
}

func internalError(desc string) *jsonrpc.Response {
	return jsonrpc.NewErrorResponse(nil, jsonrpc.ErrorCodeInternalError, "Internal server error", desc)
}

// writeError finishes bw with a JSON-RPC error body.
func writeError(bw *bridge.Writer, status int, res *jsonrpc.Response) {
	b, err := json.Marshal(res)
	if err != nil {
		b = []byte(`{"jsonrpc":"2.0","error":{"code":-32603,"message":"Internal server error"},"id":null}`)
	}
	bw.SetStatus(status)
	bw.SetHeader("Content-Type", jsonMediaType.String())
	bw.Finish(b)
}

// writeDirectError is writeError for the paths that run before a bridge
// exists.
func writeDirectError(w http.ResponseWriter, status int, res *jsonrpc.Response) {
	bridge.ApplyCORS(w.Header())
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(res)
}

// statusRecorder remembers the status code for metrics and forwards Flush.
type statusRecorder struct {
	http.ResponseWriter
	code        int
	wroteHeader bool
}

func (s *statusRecorder) WriteHeader(code int) {
	if !s.wroteHeader {
		s.code = code
		s.wroteHeader = true
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(p []byte) (int, error) {
	if !s.wroteHeader {
		s.WriteHeader(http.StatusOK)
	}
	return s.ResponseWriter.Write(p)
}

func (s *statusRecorder) Flush() {
	if f, ok := s.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *statusRecorder) Unwrap() http.ResponseWriter { return s.ResponseWriter }

func (s *statusRecorder) status() int {
	if !s.wroteHeader {
		return http.StatusOK
	}
	return s.code
}
