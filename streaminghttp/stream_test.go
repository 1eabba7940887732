package streaminghttp

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/broisnischal/create/internal/jsonrpc"
	"github.com/broisnischal/create/internal/metrics"
	"github.com/broisnischal/create/mcp"
	"github.com/broisnischal/create/mcpservice"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/tmaxmax/go-sse"
)

func notificationMethod(t *testing.T, ev sse.Event) string {
	t.Helper()
	var note jsonrpc.Request
	if err := json.Unmarshal([]byte(ev.Data), &note); err != nil {
		t.Fatalf("decode event %q: %v", ev.Data, err)
	}
	return note.Method
}

func TestGet_NotAcceptable(t *testing.T) {
	h := newTestHandler(t)
	id := initialize(t, h)

	rec := do(t, h, http.MethodGet, "", withSession(id), withAccept("application/json"))
	expectRPCError(t, rec, http.StatusNotAcceptable, jsonrpc.ErrorCodeServerError)
}

func TestGet_WithoutSession(t *testing.T) {
	h := newTestHandler(t)

	rec := do(t, h, http.MethodGet, "", withAccept("text/event-stream"))
	expectRPCError(t, rec, http.StatusBadRequest, jsonrpc.ErrorCodeServerError)
}

func TestGet_StreamsBroadcasts(t *testing.T) {
	h := newTestHandler(t)
	id := initialize(t, h)

	s := openStream(t, h, id, "")
	if s.status != http.StatusOK {
		t.Fatalf("expected 200, got %d", s.status)
	}
	if ct := s.header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("expected text/event-stream, got %q", ct)
	}
	if got := s.header.Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("expected CORS headers on the stream, got %q", got)
	}

	if n := h.Broadcast(context.Background(), mcp.ToolsListChangedNotificationMethod, &mcp.ToolListChangedNotification{}); n != 1 {
		t.Fatalf("expected 1 recipient, got %d", n)
	}
	ev := s.next(t)
	if ev.LastEventID != "1" {
		t.Fatalf("expected event id 1, got %q", ev.LastEventID)
	}
	if m := notificationMethod(t, ev); m != string(mcp.ToolsListChangedNotificationMethod) {
		t.Fatalf("unexpected method %q", m)
	}
}

func TestGet_ReplaysAfterLastEventID(t *testing.T) {
	h := newTestHandler(t)
	id := initialize(t, h)

	for i := 0; i < 3; i++ {
		h.Broadcast(context.Background(), mcp.ToolsListChangedNotificationMethod, &mcp.ToolListChangedNotification{})
	}

	s := openStream(t, h, id, "1")
	for _, want := range []string{"2", "3"} {
		if ev := s.next(t); ev.LastEventID != want {
			t.Fatalf("expected replayed id %s, got %q", want, ev.LastEventID)
		}
	}

	h.Broadcast(context.Background(), mcp.ToolsListChangedNotificationMethod, &mcp.ToolListChangedNotification{})
	if ev := s.next(t); ev.LastEventID != "4" {
		t.Fatalf("expected live id 4, got %q", ev.LastEventID)
	}
}

func TestGet_UnknownLastEventIDReplaysNothing(t *testing.T) {
	h := newTestHandler(t)
	id := initialize(t, h)

	h.Broadcast(context.Background(), mcp.ToolsListChangedNotificationMethod, &mcp.ToolListChangedNotification{})

	s := openStream(t, h, id, "99")
	h.Broadcast(context.Background(), mcp.ToolsListChangedNotificationMethod, &mcp.ToolListChangedNotification{})
	if ev := s.next(t); ev.LastEventID != "2" {
		t.Fatalf("expected only the live event 2, got %q", ev.LastEventID)
	}
}

func TestGet_NewerStreamSupersedes(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	h := newTestHandler(t, WithMetrics(m))
	id := initialize(t, h)

	first := openStream(t, h, id, "")
	second := openStream(t, h, id, "")

	first.ended(t)
	if _, ok := <-first.events; ok {
		t.Fatalf("superseded stream must not receive events")
	}

	h.Broadcast(context.Background(), mcp.ToolsListChangedNotificationMethod, &mcp.ToolListChangedNotification{})
	if ev := second.next(t); ev.LastEventID != "1" {
		t.Fatalf("expected event 1 on the newer stream, got %q", ev.LastEventID)
	}

	if got := testutil.ToFloat64(m.StreamsSuperseded); got != 1 {
		t.Fatalf("expected 1 superseded stream, got %v", got)
	}
}

func TestGet_EndsOnDelete(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	h := newTestHandler(t, WithMetrics(m))
	id := initialize(t, h)

	if got := testutil.ToFloat64(m.ActiveSessions); got != 1 {
		t.Fatalf("expected 1 active session, got %v", got)
	}

	s := openStream(t, h, id, "")
	rec := do(t, h, http.MethodDelete, "", withSession(id))
	if rec.Code != http.StatusOK {
		t.Fatalf("delete: expected 200, got %d", rec.Code)
	}
	s.ended(t)

	if got := testutil.ToFloat64(m.ActiveSessions); got != 0 {
		t.Fatalf("expected 0 active sessions, got %v", got)
	}
	if got := testutil.ToFloat64(m.SessionsTotal.WithLabelValues("terminated")); got != 1 {
		t.Fatalf("expected 1 terminated session, got %v", got)
	}
}

func TestToolCall_LogOnSessionStreamInJSONMode(t *testing.T) {
	h := newTestHandler(t)
	id := initialize(t, h)
	s := openStream(t, h, id, "")

	rec := do(t, h, http.MethodPost, rpc(t, 9, "tools/call", map[string]any{"name": "announce"}), withSession(id))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	res := decodeResponse(t, rec.Body.Bytes())
	if res.ID.String() != "9" || res.Error != nil {
		t.Fatalf("unexpected reply %+v", res)
	}

	ev := s.next(t)
	if ev.LastEventID != "1" {
		t.Fatalf("expected a logged event, got id %q", ev.LastEventID)
	}
	if m := notificationMethod(t, ev); m != string(mcp.LoggingMessageNotificationMethod) {
		t.Fatalf("unexpected method %q", m)
	}
}

func TestRun_BroadcastsToolListChanges(t *testing.T) {
	h := newTestHandler(t)
	id := initialize(t, h)
	s := openStream(t, h, id, "")

	ctx, cancel := context.WithCancel(context.Background())
	ran := make(chan error, 1)
	go func() { ran <- h.Run(ctx) }()

	// Run subscribes asynchronously, so keep replacing until a signal lands.
	var got bool
	for attempt := 0; attempt < 50 && !got; attempt++ {
		h.eng.Tools().Replace(ctx, mcpservice.StaticTool{Descriptor: mcp.Tool{Name: "only"}})
		select {
		case ev, ok := <-s.events:
			if !ok {
				t.Fatalf("stream ended unexpectedly")
			}
			if m := notificationMethod(t, ev); m != string(mcp.ToolsListChangedNotificationMethod) {
				t.Fatalf("unexpected method %q", m)
			}
			got = true
		case <-time.After(20 * time.Millisecond):
		}
	}
	if !got {
		t.Fatalf("expected a list_changed notification")
	}

	cancel()
	select {
	case err := <-ran:
		if err != context.Canceled {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not return")
	}
}
