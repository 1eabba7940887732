package mcpservice

import (
	"context"
	"sync"
)

// ChangeNotifier is an in-process fan-out of "something changed" signals.
// The zero value is ready to use.
type ChangeNotifier struct {
	mu     sync.RWMutex
	subs   []chan struct{}
	closed bool
}

// Notify signals every subscriber without blocking. A subscriber that has not
// consumed the previous signal keeps a single pending one.
func (cn *ChangeNotifier) Notify(ctx context.Context) error {
	cn.mu.RLock()
	defer cn.mu.RUnlock()

	if cn.closed {
		return nil
	}
	for _, ch := range cn.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	return nil
}

// Close closes every subscriber channel. Later subscribers receive an
// already-closed channel.
func (cn *ChangeNotifier) Close() {
	cn.mu.Lock()
	if cn.closed {
		cn.mu.Unlock()
		return
	}
	cn.closed = true
	subs := cn.subs
	cn.subs = nil
	cn.mu.Unlock()

	for _, ch := range subs {
		close(ch)
	}
}

// ChangeSubscriber hands out change signal channels.
type ChangeSubscriber interface {
	Subscriber() <-chan struct{}
}

// Subscriber registers a new listener. The channel has capacity 1.
func (cn *ChangeNotifier) Subscriber() <-chan struct{} {
	cn.mu.Lock()
	defer cn.mu.Unlock()

	if cn.closed {
		ch := make(chan struct{})
		close(ch)
		return ch
	}

	ch := make(chan struct{}, 1)
	cn.subs = append(cn.subs, ch)
	return ch
}
