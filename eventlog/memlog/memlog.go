// Package memlog is the in-process eventlog.Store. Event ids are decimal
// sequence numbers starting at 1, so locating the suffix after an id is a
// direct index computation.
package memlog

import (
	"context"
	"log/slog"
	"strconv"
	"sync"

	"github.com/broisnischal/create/eventlog"
)

// Store hands out independent in-memory logs.
type Store struct {
	log *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used for replay diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.log = l
		}
	}
}

// New creates a Store.
func New(opts ...Option) *Store {
	s := &Store{log: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ eventlog.Store = (*Store)(nil)

// Open returns a fresh, empty log. The session id is only used for logging.
func (s *Store) Open(ctx context.Context, sessionID string) (eventlog.Log, error) {
	return &Log{sessionID: sessionID, log: s.log}, nil
}

// Log is an append-only slice of events guarded by a mutex.
type Log struct {
	sessionID string
	log       *slog.Logger

	mu     sync.RWMutex
	events []eventlog.Event
	closed bool
}

var _ eventlog.Log = (*Log)(nil)

// Append stores a copy of payload under the next sequence number.
func (l *Log) Append(ctx context.Context, payload []byte) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return "", eventlog.ErrClosed
	}

	id := strconv.Itoa(len(l.events) + 1)
	l.events = append(l.events, eventlog.Event{ID: id, Payload: append([]byte(nil), payload...)})

	return id, nil
}

// ReplayFrom delivers every event after lastEventID. The events are
// snapshotted before the sink runs so a slow sink never blocks Append.
func (l *Log) ReplayFrom(ctx context.Context, lastEventID string, sink eventlog.Sink) (string, error) {
	l.mu.RLock()
	if l.closed {
		l.mu.RUnlock()
		return lastEventID, eventlog.ErrClosed
	}
	start, ok := l.indexAfter(lastEventID)
	if !ok {
		l.mu.RUnlock()
		l.log.WarnContext(ctx, "eventlog.replay.unknown_id", slog.String("session_id", l.sessionID), slog.String("last_event_id", lastEventID))
		return lastEventID, nil
	}
	pending := make([]eventlog.Event, len(l.events)-start)
	copy(pending, l.events[start:])
	l.mu.RUnlock()

	last := lastEventID
	for _, ev := range pending {
		if err := ctx.Err(); err != nil {
			return last, err
		}
		if err := sink(ctx, ev.ID, append([]byte(nil), ev.Payload...)); err != nil {
			return last, err
		}
		last = ev.ID
	}

	return last, nil
}

// Close drops every stored event. Further calls return eventlog.ErrClosed.
func (l *Log) Close(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.closed = true
	l.events = nil

	return nil
}

// Len reports the number of stored events.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return len(l.events)
}

// indexAfter maps an event id to the index of the first event after it. Only
// the exact minted form matches, so "01" or "+1" are unknown ids.
// Callers must hold l.mu.
func (l *Log) indexAfter(id string) (int, bool) {
	seq, err := strconv.Atoi(id)
	if err != nil || seq < 1 || seq > len(l.events) || l.events[seq-1].ID != id {
		return 0, false
	}
	return seq, true
}
