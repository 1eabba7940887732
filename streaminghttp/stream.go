package streaminghttp

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/broisnischal/create/bridge"
	"github.com/broisnischal/create/internal/jsonrpc"
	"github.com/broisnischal/create/mcp"
	"github.com/broisnischal/create/mcpservice"
	"github.com/broisnischal/create/sessions"
)

// handleGet opens the session's standalone SSE stream. Missed events after
// Last-Event-ID are replayed first; the stream then stays bound until the
// client goes away, a newer GET supersedes it, or the session terminates.
func (h *Handler) handleGet(ctx context.Context, c *call, bw *bridge.Writer) {
	start := time.Now()

	if !c.acceptsSSE {
		h.log.WarnContext(ctx, "http.get.unsupported_media_type", slog.String("accept", c.req.Get("Accept")))
		writeError(bw, http.StatusNotAcceptable, serverError("Not Acceptable: Client must accept text/event-stream"))
		return
	}

	sess, err := h.resume(c)
	if err != nil {
		h.log.InfoContext(ctx, "session.load.miss", slog.String("err", err.Error()))
		writeError(bw, http.StatusBadRequest, rejectSession(err))
		return
	}
	ctx = sess.WithLogContext(ctx)

	setStreamHeaders(bw)
	bw.SetHeader(mcpProtocolVersionHeader, sess.ProtocolVersion())

	superseding := sess.Bound()
	lastEventID := c.req.Get(lastEventIDHeader)
	last, err := sess.Attach(ctx, bw, lastEventID)
	if err != nil {
		h.log.InfoContext(ctx, "sse.stream.attach.fail", slog.String("err", err.Error()))
		if !bw.Committed() {
			writeError(bw, http.StatusBadRequest, rejectSession(ErrUnknownSession))
			return
		}
		bw.Close()
		return
	}
	bw.Flush()
	if superseding {
		h.metrics.StreamSuperseded()
	}
	h.log.InfoContext(ctx, "sse.stream.start", slog.String("last_event_id", lastEventID), slog.String("replayed_to", last))

	select {
	case <-ctx.Done():
	case <-bw.Done():
	}
	sess.Detach(bw)

	h.log.InfoContext(ctx, "sse.stream.end", slog.Duration("dur", time.Since(start)))
}

// handleDelete terminates the session.
func (h *Handler) handleDelete(ctx context.Context, c *call, bw *bridge.Writer) {
	start := time.Now()
	h.log.InfoContext(ctx, "http.delete.start")

	if err := h.terminate(ctx, c); err != nil {
		h.log.InfoContext(ctx, "session.delete.miss", slog.String("err", err.Error()))
		writeError(bw, http.StatusBadRequest, rejectSession(err))
		return
	}

	writeJSON(bw, http.StatusOK, struct{}{})
	h.log.InfoContext(ctx, "http.delete.ok", slog.Duration("dur", time.Since(start)))
}

// sessionNotifier delivers notifications through the session's event log and
// standalone stream.
func (h *Handler) sessionNotifier(sess *sessions.Session) mcpservice.Notifier {
	return mcpservice.NotifierFunc(func(ctx context.Context, method mcp.Method, params any) error {
		_, err := h.send(ctx, sess, method, params)
		return err
	})
}

func (h *Handler) send(ctx context.Context, sess *sessions.Session, method mcp.Method, params any) (string, error) {
	note, err := jsonrpc.NewNotification(string(method), params)
	if err != nil {
		return "", err
	}
	id, err := sess.Send(ctx, note)
	if err != nil {
		return "", err
	}
	h.metrics.EventAppended()
	return id, nil
}

// Broadcast sends a notification to every active session. It returns the
// number of sessions that accepted it.
func (h *Handler) Broadcast(ctx context.Context, method mcp.Method, params any) int {
	var n int
	h.registry.Range(func(sess *sessions.Session) bool {
		if sess.State() != sessions.StateActive {
			return true
		}
		if _, err := h.send(ctx, sess, method, params); err != nil {
			if !errors.Is(err, sessions.ErrSessionClosed) {
				h.log.WarnContext(sess.WithLogContext(ctx), "session.broadcast.fail", slog.String("method", string(method)), slog.String("err", err.Error()))
			}
			return true
		}
		n++
		return true
	})
	return n
}

// Run broadcasts notifications/tools/list_changed whenever the engine's tool
// set is replaced. It blocks until ctx is done or the tool set is closed.
func (h *Handler) Run(ctx context.Context) error {
	changes := h.eng.Tools().Subscriber()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, ok := <-changes:
			if !ok {
				return nil
			}
			n := h.Broadcast(ctx, mcp.ToolsListChangedNotificationMethod, &mcp.ToolListChangedNotification{})
			h.log.InfoContext(ctx, "tools.list_changed.broadcast", slog.Int("sessions", n))
		}
	}
}
