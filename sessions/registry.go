package sessions

import (
	"context"
	"errors"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

var (
	// ErrSessionExists is returned by Create when the id is already live.
	ErrSessionExists = errors.New("session already exists")
	// ErrSessionNotFound is returned when no live session has the id.
	ErrSessionNotFound = errors.New("session not found")
)

// DefaultTombstones is the number of closed ids a Registry remembers.
const DefaultTombstones = 10_000

// Registry maps session ids to live sessions. Lookups, inserts and removals
// are O(1). It has no protocol knowledge.
type Registry struct {
	mu         sync.RWMutex
	live       map[string]*Session
	tombstones *lru.Cache[string, struct{}]
}

// NewRegistry creates an empty registry that remembers up to maxTombstones
// closed ids (DefaultTombstones when <= 0).
func NewRegistry(maxTombstones int) (*Registry, error) {
	if maxTombstones <= 0 {
		maxTombstones = DefaultTombstones
	}
	cache, err := lru.New[string, struct{}](maxTombstones)
	if err != nil {
		return nil, fmt.Errorf("failed to create tombstone cache: %w", err)
	}
	return &Registry{
		live:       make(map[string]*Session),
		tombstones: cache,
	}, nil
}

// Create inserts s under id if no live session has that id and the id was
// never closed. The check and insert are atomic.
func (r *Registry) Create(id string, s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.live[id]; ok {
		return ErrSessionExists
	}
	if r.tombstones.Contains(id) {
		return ErrSessionClosed
	}
	r.live[id] = s
	return nil
}

// Get returns the live session with id.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.live[id]
	return s, ok
}

// Lookup is Get with a reason: it returns ErrSessionClosed for an id that was
// removed and ErrSessionNotFound for one the registry never saw.
func (r *Registry) Lookup(id string) (*Session, error) {
	if s, ok := r.Get(id); ok {
		return s, nil
	}
	if r.Closed(id) {
		return nil, ErrSessionClosed
	}
	return nil, ErrSessionNotFound
}

// Closed reports whether id belongs to a session that was removed.
func (r *Registry) Closed(id string) bool {
	return r.tombstones.Contains(id)
}

// Remove takes the session out of the registry, tombstones its id and closes
// it. It reports whether a live session was removed. Repeated calls are
// no-ops.
func (r *Registry) Remove(ctx context.Context, id string) (bool, error) {
	r.mu.Lock()
	s, ok := r.live[id]
	if ok {
		delete(r.live, id)
		r.tombstones.Add(id, struct{}{})
	}
	r.mu.Unlock()

	if !ok {
		return false, nil
	}
	if err := s.Close(ctx); err != nil {
		return true, err
	}
	return true, nil
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.live)
}

// Range calls fn for a snapshot of the live sessions.
func (r *Registry) Range(fn func(*Session) bool) {
	r.mu.RLock()
	snapshot := make([]*Session, 0, len(r.live))
	for _, s := range r.live {
		snapshot = append(snapshot, s)
	}
	r.mu.RUnlock()

	for _, s := range snapshot {
		if !fn(s) {
			return
		}
	}
}

// Close removes and closes every live session.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	all := r.live
	r.live = make(map[string]*Session)
	for id := range all {
		r.tombstones.Add(id, struct{}{})
	}
	r.mu.Unlock()

	var errs []error
	for _, s := range all {
		if err := s.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
