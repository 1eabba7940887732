package sessions

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/broisnischal/create/bridge"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func activeSession(t *testing.T, id string) *Session {
	t.Helper()
	s := newSession(t, id)
	require.True(t, s.Activate("2025-06-18", ClientInfo{Name: "test"}))
	return s
}

func drain(t *testing.T, w *bridge.Writer) <-chan string {
	t.Helper()
	out := make(chan string, 64)
	go func() {
		defer close(out)
		resp, err := w.Response(context.Background())
		if err != nil {
			return
		}
		for chunk := range resp.Body {
			out <- string(chunk)
		}
	}()
	return out
}

func next(t *testing.T, ch <-chan string) string {
	t.Helper()
	select {
	case s, ok := <-ch:
		require.True(t, ok, "stream closed early")
		return s
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for frame")
		return ""
	}
}

func TestSession_StateTransitions(t *testing.T) {
	s := newSession(t, "s")
	assert.Equal(t, StateInitializing, s.State())
	assert.Equal(t, "initializing", s.State().String())

	require.True(t, s.Activate("2025-06-18", ClientInfo{Name: "c", Version: "1"}))
	assert.False(t, s.Activate("2025-06-18", ClientInfo{}), "activate twice")
	assert.Equal(t, StateActive, s.State())
	assert.Equal(t, "2025-06-18", s.ProtocolVersion())
	assert.Equal(t, "c", s.Client().Name)

	require.NoError(t, s.Close(context.Background()))
	require.NoError(t, s.Close(context.Background()))
	assert.Equal(t, StateClosed, s.State())

	_, err := s.Send(context.Background(), map[string]string{"a": "b"})
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestSession_AttachRequiresActive(t *testing.T) {
	s := newSession(t, "s")
	w := bridge.NewWriter(context.Background())
	defer w.Close()

	_, err := s.Attach(context.Background(), w, "")
	assert.ErrorIs(t, err, ErrSessionNotActive)
}

func TestSession_SendWithoutStreamIsReplayable(t *testing.T) {
	ctx := context.Background()
	s := activeSession(t, "s")

	first, err := s.Send(ctx, map[string]int{"n": 1})
	require.NoError(t, err)
	_, err = s.Send(ctx, map[string]int{"n": 2})
	require.NoError(t, err)

	w := bridge.NewWriter(ctx)
	w.Flush()
	frames := drain(t, w)

	last, err := s.Attach(ctx, w, first)
	require.NoError(t, err)
	assert.Equal(t, "2", last)

	frame := next(t, frames)
	assert.Contains(t, frame, "id: 2\n")
	assert.Contains(t, frame, `data: {"n":2}`)

	_, err = s.Send(ctx, map[string]int{"n": 3})
	require.NoError(t, err)
	assert.Contains(t, next(t, frames), `data: {"n":3}`)

	require.NoError(t, s.Close(ctx))
	_, ok := <-frames
	assert.False(t, ok, "closing the session ends the stream")
}

func TestSession_AttachSupersedesPreviousStream(t *testing.T) {
	ctx := context.Background()
	s := activeSession(t, "s")

	first := bridge.NewWriter(ctx)
	first.Flush()
	firstFrames := drain(t, first)
	_, err := s.Attach(ctx, first, "")
	require.NoError(t, err)

	second := bridge.NewWriter(ctx)
	second.Flush()
	secondFrames := drain(t, second)
	_, err = s.Attach(ctx, second, "")
	require.NoError(t, err)

	// The first stream completes without receiving anything.
	for range firstFrames {
		t.Fatalf("superseded stream received a frame")
	}

	_, err = s.Send(ctx, map[string]string{"after": "rebind"})
	require.NoError(t, err)
	assert.Contains(t, next(t, secondFrames), "rebind")

	assert.False(t, s.Detach(first))
	assert.True(t, s.Detach(second))
	assert.False(t, s.Bound())
	second.Close()
}

func TestSession_ReplayFromUnknownIDIsNoop(t *testing.T) {
	ctx := context.Background()
	s := activeSession(t, "s")

	_, err := s.Send(ctx, map[string]int{"n": 1})
	require.NoError(t, err)

	w := bridge.NewWriter(ctx)
	w.Flush()
	frames := drain(t, w)

	last, err := s.Attach(ctx, w, "nope")
	require.NoError(t, err)
	assert.Equal(t, "nope", last)

	_, err = s.Send(ctx, map[string]int{"n": 2})
	require.NoError(t, err)
	assert.Contains(t, next(t, frames), `{"n":2}`)
	w.Close()
}

func TestSession_StalledStreamDoesNotBlockReconnect(t *testing.T) {
	ctx := context.Background()
	s := activeSession(t, "s")

	// Nothing ever reads from stalled.
	stalled := bridge.NewWriter(ctx)
	_, err := s.Attach(ctx, stalled, "")
	require.NoError(t, err)

	sent := make(chan string, 1)
	go func() {
		var last string
		for i := 0; i < 100; i++ {
			id, err := s.Send(ctx, map[string]int{"n": i})
			if err != nil {
				t.Errorf("send %d: %v", i, err)
				break
			}
			last = id
		}
		sent <- last
	}()

	var last string
	select {
	case last = <-sent:
	case <-time.After(5 * time.Second):
		t.Fatalf("Send blocked on a stalled stream")
	}
	assert.Equal(t, "100", last)

	select {
	case <-stalled.Done():
	default:
		t.Fatalf("expected the stalled stream to be closed")
	}
	assert.False(t, s.Bound())

	fresh := bridge.NewWriter(ctx)
	fresh.Flush()
	frames := drain(t, fresh)

	attached := make(chan error, 1)
	go func() {
		_, err := s.Attach(ctx, fresh, "99")
		attached <- err
	}()
	select {
	case err := <-attached:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatalf("Attach blocked after a stalled stream")
	}

	assert.Contains(t, next(t, frames), "id: 100\n")
	_, err = s.Send(ctx, map[string]string{"after": "reconnect"})
	require.NoError(t, err)
	assert.Contains(t, next(t, frames), "reconnect")
	fresh.Close()
}

func TestSession_SlowReplayDoesNotBlockSend(t *testing.T) {
	ctx := context.Background()
	s := activeSession(t, "s")

	for i := 0; i < 100; i++ {
		_, err := s.Send(ctx, map[string]int{"n": i})
		require.NoError(t, err)
	}

	// The replay fills slow's buffer and waits for a reader that never comes.
	slow := bridge.NewWriter(ctx)
	attached := make(chan error, 1)
	go func() {
		_, err := s.Attach(ctx, slow, "1")
		attached <- err
	}()

	sent := make(chan error, 1)
	go func() {
		_, err := s.Send(ctx, map[string]string{"during": "replay"})
		sent <- err
	}()
	select {
	case err := <-sent:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatalf("Send blocked behind a slow replay")
	}

	slow.Close()
	select {
	case err := <-attached:
		assert.ErrorIs(t, err, bridge.ErrClosed)
	case <-time.After(5 * time.Second):
		t.Fatalf("Attach did not return after its stream closed")
	}
	assert.False(t, s.Bound())
}

func TestSession_SendToLogsRequestStream(t *testing.T) {
	ctx := context.Background()
	s := activeSession(t, "s")

	post := bridge.NewWriter(ctx)
	post.Flush()
	postFrames := drain(t, post)

	first, err := s.SendTo(ctx, post, map[string]string{"reply": "one"})
	require.NoError(t, err)
	assert.Equal(t, "1", first)
	_, err = s.SendTo(ctx, post, map[string]string{"reply": "two"})
	require.NoError(t, err)
	assert.Contains(t, next(t, postFrames), "id: 1\n")
	assert.Contains(t, next(t, postFrames), "id: 2\n")
	post.Finish(nil)

	// A client that only saw the first event resumes the rest on a new stream.
	w := bridge.NewWriter(ctx)
	w.Flush()
	frames := drain(t, w)
	last, err := s.Attach(ctx, w, first)
	require.NoError(t, err)
	assert.Equal(t, "2", last)
	frame := next(t, frames)
	assert.Contains(t, frame, "id: 2\n")
	assert.Contains(t, frame, `"two"`)
	w.Close()

	require.NoError(t, s.Close(ctx))
	_, err = s.SendTo(ctx, post, map[string]string{"late": "x"})
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestEncodeEvent(t *testing.T) {
	frame, err := EncodeEvent("7", []byte(`{"jsonrpc":"2.0"}`))
	require.NoError(t, err)
	assert.Equal(t, "id: 7\ndata: {\"jsonrpc\":\"2.0\"}\n\n", string(frame))

	frame, err = EncodeEvent("", []byte(`{}`))
	require.NoError(t, err)
	assert.False(t, strings.Contains(string(frame), "id:"))

	_, err = EncodeEvent("bad\nid", []byte(`{}`))
	assert.Error(t, err)
}
