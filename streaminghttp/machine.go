package streaminghttp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/broisnischal/create/internal/engine"
	"github.com/broisnischal/create/internal/jsonrpc"
	"github.com/broisnischal/create/sessions"
	"github.com/google/uuid"
)

var (
	ErrSessionHeaderMissing = errors.New("missing mcp-session-id header")
	ErrUnknownSession       = errors.New("unknown or closed mcp session")
	ErrProtocolMismatch     = errors.New("protocol version does not match the session")
)

// establish runs the initialize exchange for a brand new session. The
// session is registered only when the engine reports OutcomeEstablished;
// otherwise its event log is destroyed and nil is returned alongside the
// engine's reply.
func (h *Handler) establish(ctx context.Context, req *jsonrpc.Request) (*sessions.Session, *jsonrpc.Response, error) {
	id := uuid.NewString()

	log, err := h.store.Open(ctx, id)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open event log: %w", err)
	}
	sess := sessions.New(id, log, sessions.WithLogger(h.log))

	res, outcome, err := h.eng.Initialize(ctx, sess, req)
	if err != nil {
		h.discard(ctx, sess)
		return nil, nil, fmt.Errorf("initialize: %w", err)
	}
	if outcome != engine.OutcomeEstablished {
		h.discard(ctx, sess)
		h.metrics.SessionRejected()
		h.log.InfoContext(ctx, "session.initialize.rejected", slog.String("outcome", outcome.String()))
		return nil, res, nil
	}

	if err := h.registry.Create(id, sess); err != nil {
		h.discard(ctx, sess)
		return nil, nil, fmt.Errorf("failed to register session: %w", err)
	}
	h.metrics.SessionEstablished()
	return sess, res, nil
}

func (h *Handler) discard(ctx context.Context, sess *sessions.Session) {
	if err := sess.Close(ctx); err != nil {
		h.log.WarnContext(ctx, "session.discard.fail", slog.String("err", err.Error()))
	}
}

// resume looks up the active session named by the call.
func (h *Handler) resume(c *call) (*sessions.Session, error) {
	id := c.req.Get(mcpSessionIDHeader)
	if id == "" {
		return nil, ErrSessionHeaderMissing
	}
	sess, err := h.registry.Lookup(id)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnknownSession, err)
	}
	if sess.State() != sessions.StateActive {
		return nil, fmt.Errorf("%w: %w", ErrUnknownSession, sessions.ErrSessionNotActive)
	}
	if pv := c.req.Get(mcpProtocolVersionHeader); pv != "" && pv != sess.ProtocolVersion() {
		return nil, ErrProtocolMismatch
	}
	return sess, nil
}

// terminate removes the session named by the call. It is terminal: the id is
// tombstoned and every later call naming it is rejected.
func (h *Handler) terminate(ctx context.Context, c *call) error {
	id := c.req.Get(mcpSessionIDHeader)
	if id == "" {
		return ErrSessionHeaderMissing
	}
	removed, err := h.registry.Remove(ctx, id)
	if !removed {
		return ErrUnknownSession
	}
	h.metrics.SessionTerminated()
	if err != nil {
		h.log.WarnContext(ctx, "session.close.fail", slog.String("err", err.Error()))
	}
	return nil
}

// rejectSession maps a resume or terminate failure to its client error.
func rejectSession(err error) *jsonrpc.Response {
	switch {
	case errors.Is(err, ErrSessionHeaderMissing):
		return serverError("Bad Request: Mcp-Session-Id header is required")
	case errors.Is(err, ErrProtocolMismatch):
		return serverError("Bad Request: Mcp-Protocol-Version does not match the session")
	default:
		return serverError("Bad Request: No valid session ID provided")
	}
}
