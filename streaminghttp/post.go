package streaminghttp

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/broisnischal/create/bridge"
	"github.com/broisnischal/create/internal/jsonrpc"
	"github.com/broisnischal/create/internal/logctx"
	"github.com/broisnischal/create/mcp"
	"github.com/broisnischal/create/mcpservice"
	"github.com/broisnischal/create/sessions"
)

// handlePost handles message submission: session establishment for an
// initialize request, and dispatch to the engine for everything else.
func (h *Handler) handlePost(ctx context.Context, c *call, bw *bridge.Writer) {
	start := time.Now()
	h.log.InfoContext(ctx, "http.post.start")

	if !c.contentTypeOK {
		h.log.WarnContext(ctx, "content_type.unsupported", slog.String("content_type", c.req.Get("Content-Type")))
		writeError(bw, http.StatusUnsupportedMediaType, serverError("Unsupported Media Type: Content-Type must be application/json"))
		return
	}

	msgs, batch, err := jsonrpc.ParseMessages(c.req.Body)
	if err != nil {
		h.log.WarnContext(ctx, "jsonrpc.message.invalid", slog.String("err", err.Error()))
		var syntaxErr *json.SyntaxError
		if errors.As(err, &syntaxErr) || len(c.req.Body) == 0 {
			writeError(bw, http.StatusBadRequest, jsonrpc.NewErrorResponse(nil, jsonrpc.ErrorCodeParseError, "Parse error", err.Error()))
			return
		}
		writeError(bw, http.StatusBadRequest, jsonrpc.NewErrorResponse(nil, jsonrpc.ErrorCodeInvalidRequest, "Invalid Request", err.Error()))
		return
	}

	initIdx := -1
	for i := range msgs {
		if msgs[i].IsInitializeRequest() {
			initIdx = i
			break
		}
	}

	if initIdx >= 0 {
		if c.req.Get(mcpSessionIDHeader) != "" {
			h.log.WarnContext(ctx, "session.initialize.redundant")
			writeError(bw, http.StatusBadRequest, serverError("Bad Request: Server already initialized"))
			return
		}
		if len(msgs) > 1 {
			h.log.WarnContext(ctx, "session.initialize.batched")
			writeError(bw, http.StatusBadRequest, jsonrpc.NewErrorResponse(nil, jsonrpc.ErrorCodeInvalidRequest, "Invalid Request: Only one initialization request is allowed", nil))
			return
		}
		req := msgs[initIdx].AsRequest()
		if !wellFormedInitialize(req) {
			// Not an initialize the session machine can act on, so it is
			// answered like any other message without a session.
			h.log.InfoContext(ctx, "session.initialize.malformed")
			writeError(bw, http.StatusBadRequest, rejectSession(ErrUnknownSession))
			return
		}
		h.handleInitialize(ctx, c, bw, req, start)
		return
	}

	sess, err := h.resume(c)
	if err != nil {
		h.log.InfoContext(ctx, "session.load.miss", slog.String("err", err.Error()))
		writeError(bw, http.StatusBadRequest, rejectSession(err))
		return
	}
	ctx = sess.WithLogContext(ctx)
	h.log.InfoContext(ctx, "session.load.ok")

	var requests []*jsonrpc.Request
	for i := range msgs {
		msg := &msgs[i]
		switch msg.Type() {
		case "request":
			requests = append(requests, msg.AsRequest())
		case "notification":
			if err := h.eng.HandleNotification(ctx, sess, msg.AsRequest()); err != nil {
				h.log.ErrorContext(ctx, "notification.inbound.fail", slog.String("err", err.Error()))
			}
		default:
			// The server sends no requests, so a client response has nothing to match.
			h.log.InfoContext(ctx, "response.inbound.ignored", slog.String("id", msg.ID.String()))
		}
	}

	bw.SetHeader(mcpProtocolVersionHeader, sess.ProtocolVersion())

	if len(requests) == 0 {
		bw.SetStatus(http.StatusAccepted)
		h.log.InfoContext(ctx, "notification.inbound.ok", slog.Duration("dur", time.Since(start)))
		return
	}

	if c.wantsSSE {
		h.streamReplies(ctx, bw, sess, requests)
	} else {
		h.jsonReplies(ctx, bw, sess, requests, batch)
	}
	h.log.InfoContext(ctx, "rpc.inbound.ok", slog.Int("requests", len(requests)), slog.Duration("dur", time.Since(start)))
}

func (h *Handler) handleInitialize(ctx context.Context, c *call, bw *bridge.Writer, req *jsonrpc.Request, start time.Time) {
	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{Method: req.Method, ID: req.ID.String(), Type: "request"})

	sess, res, err := h.establish(ctx, req)
	if err != nil {
		h.log.ErrorContext(ctx, "session.initialize.fail", slog.String("err", err.Error()))
		writeError(bw, http.StatusInternalServerError, internalError(err.Error()))
		return
	}
	if sess == nil {
		writeError(bw, http.StatusBadRequest, res)
		return
	}

	ctx = sess.WithLogContext(ctx)
	bw.SetHeader(mcpSessionIDHeader, sess.ID())
	bw.SetHeader(mcpProtocolVersionHeader, sess.ProtocolVersion())

	if c.wantsSSE {
		setStreamHeaders(bw)
		if err := h.postStream(sess, bw).write(ctx, res); err != nil {
			h.log.InfoContext(ctx, "sse.write.fail", slog.String("err", err.Error()))
			return
		}
	} else {
		writeJSON(bw, http.StatusOK, res)
	}
	h.log.InfoContext(ctx, "session.initialize.ok", slog.Duration("dur", time.Since(start)))
}

// streamReplies answers requests on an SSE response. Notifications emitted
// while a request runs travel on the same stream. Every frame is logged, so a
// client whose stream drops can resume it on GET with Last-Event-ID. Nothing
// is committed until the first frame, so an engine failure before that still
// yields a 500.
func (h *Handler) streamReplies(ctx context.Context, bw *bridge.Writer, sess *sessions.Session, requests []*jsonrpc.Request) {
	setStreamHeaders(bw)
	ps := h.postStream(sess, bw)
	ctx = mcpservice.WithNotifier(ctx, ps)

	for _, req := range requests {
		res, err := h.eng.HandleRequest(ctx, sess, req)
		if err != nil {
			h.log.ErrorContext(ctx, "rpc.inbound.fail", slog.String("method", req.Method), slog.String("err", err.Error()))
			if !bw.Committed() {
				h.failInternal(ctx, bw, err.Error())
				return
			}
			res = jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "Internal server error", err.Error())
		}
		if err := ps.write(ctx, res); err != nil {
			h.log.InfoContext(ctx, "sse.write.fail", slog.String("err", err.Error()))
			return
		}
	}
}

// jsonReplies answers requests with one application/json body: an object for
// a single message, an array for a batch. Notifications emitted meanwhile go
// to the session's standalone stream.
func (h *Handler) jsonReplies(ctx context.Context, bw *bridge.Writer, sess *sessions.Session, requests []*jsonrpc.Request, batch bool) {
	ctx = mcpservice.WithNotifier(ctx, h.sessionNotifier(sess))

	replies := make([]*jsonrpc.Response, 0, len(requests))
	for _, req := range requests {
		res, err := h.eng.HandleRequest(ctx, sess, req)
		if err != nil {
			h.log.ErrorContext(ctx, "rpc.inbound.fail", slog.String("method", req.Method), slog.String("err", err.Error()))
			h.failInternal(ctx, bw, err.Error())
			return
		}
		replies = append(replies, res)
	}

	if batch {
		writeJSON(bw, http.StatusOK, replies)
		return
	}
	writeJSON(bw, http.StatusOK, replies[0])
}

// wellFormedInitialize reports whether req's params are an object carrying a
// protocolVersion string.
func wellFormedInitialize(req *jsonrpc.Request) bool {
	var params mcp.InitializeRequest
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return false
	}
	return params.ProtocolVersion != ""
}

func setStreamHeaders(bw *bridge.Writer) {
	bw.SetStatus(http.StatusOK)
	bw.SetHeader("Content-Type", eventStreamMediaType.String())
	bw.SetHeader("Cache-Control", "no-cache")
	bw.SetHeader("Connection", "keep-alive")
	bw.SetHeader("X-Accel-Buffering", "no")
}

func writeJSON(bw *bridge.Writer, status int, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		writeError(bw, http.StatusInternalServerError, internalError(err.Error()))
		return
	}
	bw.SetStatus(status)
	bw.SetHeader("Content-Type", jsonMediaType.String())
	bw.Finish(b)
}

// postStream writes the events of one POST's SSE response through the
// session's event log.
type postStream struct {
	h    *Handler
	sess *sessions.Session
	bw   *bridge.Writer

	// mu keeps event ids in write order when a tool notifies from several
	// goroutines.
	mu sync.Mutex
}

func (h *Handler) postStream(sess *sessions.Session, bw *bridge.Writer) *postStream {
	return &postStream{h: h, sess: sess, bw: bw}
}

func (ps *postStream) write(ctx context.Context, msg any) error {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	id, err := ps.sess.SendTo(ctx, ps.bw, msg)
	if id != "" {
		ps.h.metrics.EventAppended()
	}
	return err
}

func (ps *postStream) Notify(ctx context.Context, method mcp.Method, params any) error {
	note, err := jsonrpc.NewNotification(string(method), params)
	if err != nil {
		return err
	}
	return ps.write(ctx, note)
}
