// Package eventlogtest is a conformance suite shared by every eventlog.Store
// implementation.
package eventlogtest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/broisnischal/create/eventlog"
)

// StoreFactory creates a new Store instance for testing.
type StoreFactory func(t *testing.T) eventlog.Store

// RunLogTests runs the complete Log test suite against the provided factory.
func RunLogTests(t *testing.T, factory StoreFactory) {
	t.Run("Append_AssignsDistinctOrderedIDs", func(t *testing.T) { testAppendAssignsIDs(t, factory) })
	t.Run("Replay_SuffixAfterID", func(t *testing.T) { testReplaySuffix(t, factory) })
	t.Run("Replay_LastEventReturnsInput", func(t *testing.T) { testReplayNothingAfter(t, factory) })
	t.Run("Replay_UnknownIDIsNoop", func(t *testing.T) { testReplayUnknownID(t, factory) })
	t.Run("Replay_LookalikeIDIsNoop", func(t *testing.T) { testReplayLookalikeID(t, factory) })
	t.Run("Replay_SinkErrorStops", func(t *testing.T) { testReplaySinkError(t, factory) })
	t.Run("Isolation_BetweenSessions", func(t *testing.T) { testIsolation(t, factory) })
	t.Run("Append_ConcurrentWritersKeepEveryEvent", func(t *testing.T) { testConcurrentAppend(t, factory) })
	t.Run("Close_RejectsAppend", func(t *testing.T) { testCloseRejectsAppend(t, factory) })
}

func open(t *testing.T, factory StoreFactory, sessionID string) (context.Context, eventlog.Log) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	log, err := factory(t).Open(ctx, sessionID)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	t.Cleanup(func() { _ = log.Close(context.Background()) })

	return ctx, log
}

func appendN(t *testing.T, ctx context.Context, log eventlog.Log, n int) []string {
	t.Helper()

	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		id, err := log.Append(ctx, []byte(fmt.Sprintf(`{"n":%d}`, i)))
		if err != nil {
			t.Fatalf("append %d failed: %v", i, err)
		}
		ids = append(ids, id)
	}
	return ids
}

type collected struct {
	ids      []string
	payloads []string
}

func (c *collected) sink(ctx context.Context, id string, payload []byte) error {
	c.ids = append(c.ids, id)
	c.payloads = append(c.payloads, string(payload))
	return nil
}

func testAppendAssignsIDs(t *testing.T, factory StoreFactory) {
	ctx, log := open(t, factory, "sess-ids")

	ids := appendN(t, ctx, log, 5)
	seen := make(map[string]bool)
	for _, id := range ids {
		if id == "" {
			t.Fatalf("expected non-empty event id")
		}
		if seen[id] {
			t.Fatalf("duplicate event id %q", id)
		}
		seen[id] = true
	}
}

func testReplaySuffix(t *testing.T, factory StoreFactory) {
	ctx, log := open(t, factory, "sess-suffix")

	ids := appendN(t, ctx, log, 3)

	var got collected
	last, err := log.ReplayFrom(ctx, ids[0], got.sink)
	if err != nil {
		t.Fatalf("replay failed: %v", err)
	}
	if last != ids[2] {
		t.Fatalf("expected last id %q, got %q", ids[2], last)
	}
	if len(got.ids) != 2 || got.ids[0] != ids[1] || got.ids[1] != ids[2] {
		t.Fatalf("expected ids %v, got %v", ids[1:], got.ids)
	}
	if got.payloads[0] != `{"n":1}` || got.payloads[1] != `{"n":2}` {
		t.Fatalf("unexpected payloads %v", got.payloads)
	}
}

func testReplayNothingAfter(t *testing.T, factory StoreFactory) {
	ctx, log := open(t, factory, "sess-tail")

	ids := appendN(t, ctx, log, 2)

	var got collected
	last, err := log.ReplayFrom(ctx, ids[1], got.sink)
	if err != nil {
		t.Fatalf("replay failed: %v", err)
	}
	if last != ids[1] {
		t.Fatalf("expected input id back, got %q", last)
	}
	if len(got.ids) != 0 {
		t.Fatalf("expected no events, got %v", got.ids)
	}
}

func testReplayUnknownID(t *testing.T, factory StoreFactory) {
	ctx, log := open(t, factory, "sess-unknown")

	appendN(t, ctx, log, 2)

	var got collected
	last, err := log.ReplayFrom(ctx, "does-not-exist", got.sink)
	if err != nil {
		t.Fatalf("expected no error for unknown id, got %v", err)
	}
	if last != "does-not-exist" {
		t.Fatalf("expected input id back, got %q", last)
	}
	if len(got.ids) != 0 {
		t.Fatalf("expected sink not to be called, got %v", got.ids)
	}
}

// testReplayLookalikeID covers ids that parse like a minted id without being
// one. Replay must treat them as unknown.
func testReplayLookalikeID(t *testing.T, factory StoreFactory) {
	ctx, log := open(t, factory, "sess-lookalike")

	ids := appendN(t, ctx, log, 3)

	for _, id := range []string{"0" + ids[0], "00" + ids[0], "+" + ids[0], ids[0] + " ", " " + ids[0]} {
		var got collected
		last, err := log.ReplayFrom(ctx, id, got.sink)
		if err != nil {
			t.Fatalf("replay %q: expected no error, got %v", id, err)
		}
		if last != id {
			t.Fatalf("replay %q: expected input id back, got %q", id, last)
		}
		if len(got.ids) != 0 {
			t.Fatalf("replay %q: expected sink not to be called, got %v", id, got.ids)
		}
	}
}

func testReplaySinkError(t *testing.T, factory StoreFactory) {
	ctx, log := open(t, factory, "sess-sinkerr")

	ids := appendN(t, ctx, log, 4)

	boom := errors.New("boom")
	calls := 0
	last, err := log.ReplayFrom(ctx, ids[0], func(ctx context.Context, id string, payload []byte) error {
		calls++
		if calls == 2 {
			return boom
		}
		return nil
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected sink error, got %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected replay to stop after 2 calls, got %d", calls)
	}
	if last != ids[1] {
		t.Fatalf("expected last delivered id %q, got %q", ids[1], last)
	}
}

func testIsolation(t *testing.T, factory StoreFactory) {
	store := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	a, err := store.Open(ctx, "sess-a")
	if err != nil {
		t.Fatalf("open a: %v", err)
	}
	defer a.Close(ctx)
	b, err := store.Open(ctx, "sess-b")
	if err != nil {
		t.Fatalf("open b: %v", err)
	}
	defer b.Close(ctx)

	aIDs := appendN(t, ctx, a, 1)
	appendN(t, ctx, b, 3)

	var got collected
	if _, err := a.ReplayFrom(ctx, aIDs[0], got.sink); err != nil {
		t.Fatalf("replay a: %v", err)
	}
	if len(got.ids) != 0 {
		t.Fatalf("events from session b leaked into a: %v", got.ids)
	}
}

func testConcurrentAppend(t *testing.T, factory StoreFactory) {
	ctx, log := open(t, factory, "sess-concurrent")

	first, err := log.Append(ctx, []byte(`{"first":true}`))
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	const writers, perWriter = 8, 10
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				if _, err := log.Append(ctx, []byte(`{}`)); err != nil {
					t.Errorf("append: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	var got collected
	if _, err := log.ReplayFrom(ctx, first, got.sink); err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(got.ids) != writers*perWriter {
		t.Fatalf("expected %d events, got %d", writers*perWriter, len(got.ids))
	}
}

func testCloseRejectsAppend(t *testing.T, factory StoreFactory) {
	ctx, log := open(t, factory, "sess-close")

	appendN(t, ctx, log, 1)
	if err := log.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := log.Append(ctx, []byte(`{}`)); !errors.Is(err, eventlog.ErrClosed) {
		t.Fatalf("expected ErrClosed after close, got %v", err)
	}
}
