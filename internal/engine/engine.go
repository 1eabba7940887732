// Package engine answers MCP requests for one session at a time. It knows
// nothing about transports: callers hand it parsed JSON-RPC messages and a
// session, and write whatever it returns.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/broisnischal/create/internal/jsonrpc"
	"github.com/broisnischal/create/internal/logctx"
	"github.com/broisnischal/create/internal/metrics"
	"github.com/broisnischal/create/mcp"
	"github.com/broisnischal/create/mcpservice"
	"github.com/broisnischal/create/sessions"
)

var ErrNotInitialize = errors.New("not an initialize request")

// Outcome is what an initialize exchange did to the session.
type Outcome int

const (
	// OutcomeEstablished means the session is active and may be registered.
	OutcomeEstablished Outcome = iota + 1
	// OutcomeRejected means the handshake failed; the session must be discarded.
	OutcomeRejected
	// OutcomeClosed means the session was closed while the handshake ran.
	OutcomeClosed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeEstablished:
		return "established"
	case OutcomeRejected:
		return "rejected"
	case OutcomeClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Engine is the MCP protocol core shared by the HTTP and stdio transports.
type Engine struct {
	tools        *mcpservice.ToolsContainer
	info         mcp.ImplementationInfo
	instructions string
	log          *slog.Logger
	metrics      *metrics.Metrics

	// in-flight tool calls keyed by session id and request id
	inflightMu sync.Mutex
	inflight   map[string]context.CancelCauseFunc
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets a custom logger for the Engine.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// WithServerInfo overrides the implementation info returned by initialize.
func WithServerInfo(info mcp.ImplementationInfo) Option {
	return func(e *Engine) { e.info = info }
}

// WithInstructions sets the instructions returned by initialize.
func WithInstructions(s string) Option {
	return func(e *Engine) { e.instructions = s }
}

// WithMetrics records tool calls in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// DefaultServerInfo identifies this server during initialize.
var DefaultServerInfo = mcp.ImplementationInfo{Name: "create-mcp", Title: "Create MCP", Version: "0.1.0"}

// DefaultInstructions is returned by initialize unless overridden.
const DefaultInstructions = "Scaffold your next project with just a few words"

func New(tools *mcpservice.ToolsContainer, opts ...Option) *Engine {
	if tools == nil {
		tools = mcpservice.NewToolsContainer()
	}
	e := &Engine{
		tools:        tools,
		info:         DefaultServerInfo,
		instructions: DefaultInstructions,
		log:          slog.Default(),
		inflight:     make(map[string]context.CancelCauseFunc),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Tools returns the tool set served by the engine.
func (e *Engine) Tools() *mcpservice.ToolsContainer { return e.tools }

// Initialize runs the handshake for an initializing session. On
// OutcomeEstablished the session has been activated with the negotiated
// protocol version; any other outcome leaves it unusable.
func (e *Engine) Initialize(ctx context.Context, sess *sessions.Session, req *jsonrpc.Request) (*jsonrpc.Response, Outcome, error) {
	if req == nil || req.Method != string(mcp.InitializeMethod) || req.ID.IsNil() {
		return nil, OutcomeRejected, ErrNotInitialize
	}
	start := time.Now()
	log := e.log.With(slog.String("method", req.Method))

	var params mcp.InitializeRequest
	if err := json.Unmarshal(req.Params, &params); err != nil {
		log.InfoContext(ctx, "engine.initialize.invalid", slog.String("err", err.Error()), slog.Duration("dur", time.Since(start)))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params", nil), OutcomeRejected, nil
	}
	if params.ProtocolVersion == "" {
		log.InfoContext(ctx, "engine.initialize.invalid", slog.String("err", "missing protocolVersion"), slog.Duration("dur", time.Since(start)))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params", "protocolVersion is required"), OutcomeRejected, nil
	}

	version := mcp.NegotiateProtocolVersion(params.ProtocolVersion)
	if !sess.Activate(version, sessions.ClientInfo{Name: params.ClientInfo.Name, Version: params.ClientInfo.Version}) {
		log.InfoContext(ctx, "engine.initialize.closed", slog.String("state", sess.State().String()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeServerError, "session closed during initialization", nil), OutcomeClosed, nil
	}

	res, err := jsonrpc.NewResultResponse(req.ID, &mcp.InitializeResult{
		ProtocolVersion: version,
		Capabilities: mcp.ServerCapabilities{
			Logging: &struct{}{},
			Tools:   &mcp.ToolsServerCapability{ListChanged: true},
		},
		ServerInfo:   e.info,
		Instructions: e.instructions,
	})
	if err != nil {
		return nil, OutcomeRejected, fmt.Errorf("failed to build initialize result: %w", err)
	}

	ctx = sess.WithLogContext(ctx)
	log.InfoContext(ctx, "engine.initialize.ok",
		slog.String("requested_version", params.ProtocolVersion),
		slog.String("client", params.ClientInfo.Name),
		slog.Duration("dur", time.Since(start)),
	)
	return res, OutcomeEstablished, nil
}

// HandleRequest answers one request of an active session. Protocol errors are
// returned as JSON-RPC error responses; a non-nil error means the engine
// itself failed.
func (e *Engine) HandleRequest(ctx context.Context, sess *sessions.Session, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{Method: req.Method, ID: req.ID.String(), Type: "request"})

	switch mcp.Method(req.Method) {
	case mcp.InitializeMethod:
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidRequest, "session already initialized", nil), nil
	case mcp.PingMethod:
		return jsonrpc.NewResultResponse(req.ID, &mcp.EmptyResult{})
	case mcp.ToolsListMethod:
		return e.handleToolsList(ctx, req)
	case mcp.ToolsCallMethod:
		return e.handleToolCall(ctx, sess, req)
	case mcp.LoggingSetLevelMethod:
		return e.handleSetLoggingLevel(ctx, sess, req)
	}

	e.log.InfoContext(ctx, "engine.handle_request.unknown_method", slog.String("method", req.Method))
	return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound, "method not found", req.Method), nil
}

func (e *Engine) handleSetLoggingLevel(ctx context.Context, sess *sessions.Session, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	start := time.Now()
	log := e.log.With(slog.String("method", req.Method))

	var params mcp.SetLevelRequest
	if err := json.Unmarshal(req.Params, &params); err != nil {
		log.InfoContext(ctx, "engine.handle_request.invalid", slog.String("err", err.Error()), slog.Duration("dur", time.Since(start)))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params", nil), nil
	}
	if !mcp.IsValidLoggingLevel(params.Level) {
		log.InfoContext(ctx, "engine.handle_request.invalid", slog.String("err", "invalid level"), slog.String("level", string(params.Level)))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params", "unknown logging level"), nil
	}

	sess.SetLogLevel(string(params.Level))
	log.InfoContext(ctx, "engine.handle_request.ok", slog.String("level", string(params.Level)), slog.Duration("dur", time.Since(start)))
	return jsonrpc.NewResultResponse(req.ID, &mcp.EmptyResult{})
}

func (e *Engine) handleToolsList(ctx context.Context, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	start := time.Now()
	log := e.log.With(slog.String("method", req.Method))

	var params mcp.ListToolsRequest
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			log.InfoContext(ctx, "engine.handle_request.invalid", slog.String("err", err.Error()), slog.Duration("dur", time.Since(start)))
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params", nil), nil
		}
	}

	items, next := e.tools.ListTools(params.Cursor)
	log.InfoContext(ctx, "engine.handle_request.ok", slog.Duration("dur", time.Since(start)), slog.Int("tool_count", len(items)))

	return jsonrpc.NewResultResponse(req.ID, &mcp.ListToolsResult{
		Tools:           items,
		PaginatedResult: mcp.PaginatedResult{NextCursor: next},
	})
}

func (e *Engine) handleToolCall(ctx context.Context, sess *sessions.Session, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	start := time.Now()
	log := e.log.With(slog.String("method", req.Method))

	var params mcp.CallToolRequestReceived
	if err := json.Unmarshal(req.Params, &params); err != nil {
		log.InfoContext(ctx, "engine.handle_request.invalid", slog.String("err", err.Error()), slog.Duration("dur", time.Since(start)))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params", nil), nil
	}
	if params.Name == "" {
		log.InfoContext(ctx, "engine.handle_request.invalid", slog.String("err", "missing tool name"), slog.Duration("dur", time.Since(start)))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params", nil), nil
	}

	ctx = logctx.WithToolCallData(ctx, &logctx.ToolCallData{ToolName: params.Name})

	key := inflightKey(sess, req.ID)
	toolCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(context.Canceled)

	e.inflightMu.Lock()
	if _, exists := e.inflight[key]; exists {
		e.inflightMu.Unlock()
		log.InfoContext(ctx, "engine.handle_request.invalid", slog.String("err", "duplicate request id"))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidRequest, "duplicate request id", nil), nil
	}
	e.inflight[key] = cancel
	e.inflightMu.Unlock()

	defer func() {
		e.inflightMu.Lock()
		delete(e.inflight, key)
		e.inflightMu.Unlock()
	}()

	res, err := e.tools.Call(toolCtx, sess, &params)
	if err != nil {
		if errors.Is(err, mcpservice.ErrToolNotFound) {
			log.InfoContext(ctx, "engine.handle_request.unknown_tool", slog.Duration("dur", time.Since(start)))
			e.metrics.ToolCalled(params.Name, "unknown")
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, fmt.Sprintf("unknown tool: %s", params.Name), nil), nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			log.InfoContext(ctx, "engine.handle_request.cancelled", slog.Duration("dur", time.Since(start)))
			e.metrics.ToolCalled(params.Name, "cancelled")
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "cancelled", nil), nil
		}
		log.ErrorContext(ctx, "engine.handle_request.fail", slog.String("err", err.Error()), slog.Duration("dur", time.Since(start)))
		e.metrics.ToolCalled(params.Name, "fail")
		return nil, fmt.Errorf("tool %s: %w", params.Name, err)
	}

	result := "ok"
	if res.IsError {
		result = "tool_error"
	}
	e.metrics.ToolCalled(params.Name, result)
	log.InfoContext(ctx, "engine.handle_request.ok", slog.Bool("is_error", res.IsError), slog.Duration("dur", time.Since(start)))

	return jsonrpc.NewResultResponse(req.ID, res)
}

// HandleNotification consumes a client notification. Unknown notifications
// are ignored.
func (e *Engine) HandleNotification(ctx context.Context, sess *sessions.Session, note *jsonrpc.Request) error {
	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{Method: note.Method, Type: "notification"})

	switch mcp.Method(note.Method) {
	case mcp.InitializedNotificationMethod:
		e.log.InfoContext(ctx, "engine.session.initialized")
	case mcp.CancelledNotificationMethod:
		var params mcp.CancelledNotification
		if err := json.Unmarshal(note.Params, &params); err != nil {
			e.log.InfoContext(ctx, "engine.handle_notification.invalid", slog.String("err", err.Error()))
			return nil
		}
		id := jsonrpc.NewRequestID(params.RequestID)
		if e.cancelInFlight(inflightKey(sess, id), params.Reason) {
			e.log.InfoContext(ctx, "engine.handle_notification.cancelled", slog.String("request_id", id.String()))
		}
	default:
		e.log.DebugContext(ctx, "engine.handle_notification.ignored")
	}
	return nil
}

func (e *Engine) cancelInFlight(key, reason string) bool {
	e.inflightMu.Lock()
	cancel, ok := e.inflight[key]
	e.inflightMu.Unlock()
	if !ok {
		return false
	}
	if reason == "" {
		reason = "cancelled by client"
	}
	cancel(errors.New(reason))
	return true
}

func inflightKey(sess *sessions.Session, id *jsonrpc.RequestID) string {
	return sess.ID() + "/" + id.String()
}
