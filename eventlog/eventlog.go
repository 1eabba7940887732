// Package eventlog defines the per-session, append-only log of outbound
// protocol events that lets a reconnecting client resume a stream.
//
// Each session owns exactly one Log. Event ids are minted only by Append and
// are totally ordered within that log. ReplayFrom delivers the suffix of
// events strictly after a given id, in append order.
//
// Replaying from an id the log does not know is a benign no-op: the sink is
// never invoked and the input id is returned unchanged.
package eventlog

import (
	"context"
	"errors"
)

// ErrClosed is returned by operations on a Log that has been closed.
var ErrClosed = errors.New("event log closed")

// Event is one entry of a Log.
type Event struct {
	ID      string
	Payload []byte
}

// Sink receives replayed events. Returning an error stops the replay and the
// error is returned from ReplayFrom.
type Sink func(ctx context.Context, eventID string, payload []byte) error

// Log is the per-session event log.
type Log interface {
	// Append stores payload and returns its newly assigned event id.
	Append(ctx context.Context, payload []byte) (string, error)

	// ReplayFrom invokes sink for every event after lastEventID and returns the
	// id of the last event delivered, or lastEventID when nothing follows or
	// the id is unknown.
	ReplayFrom(ctx context.Context, lastEventID string, sink Sink) (string, error)

	// Close destroys the log and every event it holds.
	Close(ctx context.Context) error
}

// Store opens a fresh Log for a newly initialized session.
type Store interface {
	Open(ctx context.Context, sessionID string) (Log, error)
}
