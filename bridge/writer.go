// Package bridge adapts the imperative, multi-write response interface the
// protocol layer produces into the single response value an HTTP handler
// returns.
//
// A Writer is the producer side. It buffers status and headers until the
// first Write, Flush or Finish commits them, then streams body chunks over a
// channel. The consumer side obtains the committed Response exactly once and
// drains Body until it is closed. Every committed response carries the fixed
// CORS header set.
//
// Once the consumer context ends or Close is called, the Writer degrades to
// no-ops: Write returns ErrClosed, Finish returns false, nothing panics.
package bridge

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
)

var (
	// ErrFinished is returned by Write after Finish.
	ErrFinished = errors.New("bridge: response already finished")
	// ErrClosed is returned once the response was superseded, aborted, or its
	// consumer went away.
	ErrClosed = errors.New("bridge: response closed")
	// ErrResponseTaken is returned by the second call to Response.
	ErrResponseTaken = errors.New("bridge: response already taken")
	// ErrFull is returned by TryWrite when the consumer is not keeping up.
	ErrFull = errors.New("bridge: response buffer full")
)

const bodyBuffer = 64

// Response is the one-shot value handed to the HTTP layer.
type Response struct {
	Status int
	Header http.Header
	// Body yields chunks in write order and is closed when the producer
	// finishes or the response is closed.
	Body <-chan []byte
}

// Writer is the producer half of a bridged response. It is safe for
// concurrent use.
type Writer struct {
	ctx context.Context

	mu        sync.Mutex
	status    int
	header    http.Header
	committed bool
	finished  bool
	closed    bool
	snapshot  *Response

	// sendMu serializes sends on body with closing it.
	sendMu     sync.Mutex
	body       chan []byte
	bodyClosed bool

	ready     chan struct{}
	done      chan struct{}
	readyOnce sync.Once
	doneOnce  sync.Once
	taken     atomic.Bool
}

// NewWriter creates a Writer whose consumer lives as long as ctx.
func NewWriter(ctx context.Context) *Writer {
	return &Writer{
		ctx:    ctx,
		status: http.StatusOK,
		header: make(http.Header),
		body:   make(chan []byte, bodyBuffer),
		ready:  make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// SetStatus sets the status code. It has no effect after commit.
func (w *Writer) SetStatus(code int) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.committed {
		w.status = code
	}
}

// SetHeader sets a header, replacing previous values. Names are
// case-insensitive. It has no effect after commit.
func (w *Writer) SetHeader(name, value string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.committed {
		w.header.Set(name, value)
	}
}

// Header returns the current value of a header, or "".
func (w *Writer) Header(name string) string {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.snapshot != nil {
		return w.snapshot.Header.Get(name)
	}
	return w.header.Get(name)
}

// Write commits the response if needed and queues a copy of p as a body chunk.
// It blocks while the body buffer is full, until the consumer reads, the
// response is closed, or the consumer context ends.
func (w *Writer) Write(p []byte) error {
	w.mu.Lock()
	switch {
	case w.closed:
		w.mu.Unlock()
		return ErrClosed
	case w.finished:
		w.mu.Unlock()
		return ErrFinished
	}
	w.commitLocked()
	w.mu.Unlock()

	if len(p) == 0 {
		return nil
	}

	w.sendMu.Lock()
	defer w.sendMu.Unlock()

	return w.sendLocked(p)
}

// TryWrite is Write without blocking. It returns ErrFull when the body buffer
// is full or another write is in progress.
func (w *Writer) TryWrite(p []byte) error {
	w.mu.Lock()
	switch {
	case w.closed:
		w.mu.Unlock()
		return ErrClosed
	case w.finished:
		w.mu.Unlock()
		return ErrFinished
	}
	w.commitLocked()
	w.mu.Unlock()

	if len(p) == 0 {
		return nil
	}

	if !w.sendMu.TryLock() {
		return ErrFull
	}
	defer w.sendMu.Unlock()

	if w.bodyClosed {
		return ErrClosed
	}
	select {
	case <-w.done:
		return ErrClosed
	case <-w.ctx.Done():
		return ErrClosed
	default:
	}

	select {
	case w.body <- append([]byte(nil), p...):
		return nil
	default:
		return ErrFull
	}
}

// Flush commits status and headers without writing a body chunk.
func (w *Writer) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.closed {
		w.commitLocked()
	}
}

// Finish writes an optional final chunk and completes the response. Only the
// first call has any effect; it reports whether this call finished the
// response.
func (w *Writer) Finish(p []byte) bool {
	w.mu.Lock()
	if w.closed || w.finished {
		w.mu.Unlock()
		return false
	}
	w.finished = true
	w.commitLocked()
	w.mu.Unlock()

	w.sendMu.Lock()
	defer w.sendMu.Unlock()

	if len(p) > 0 {
		_ = w.sendLocked(p)
	}
	w.closeBodyLocked()

	return true
}

// Close aborts the response: pending and future writes fail with ErrClosed
// and the consumer sees Body closed. Close is idempotent.
func (w *Writer) Close() {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()

	w.doneOnce.Do(func() { close(w.done) })
	// Make a Response call waiting for commit return.
	w.readyOnce.Do(func() { close(w.ready) })

	w.sendMu.Lock()
	w.closeBodyLocked()
	w.sendMu.Unlock()
}

// Done is closed when the response is closed.
func (w *Writer) Done() <-chan struct{} { return w.done }

// Finished reports whether Finish has been called.
func (w *Writer) Finished() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.finished
}

// Committed reports whether status and headers have been committed.
func (w *Writer) Committed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.committed
}

// Response blocks until the response is committed and returns it. It may be
// called once; later calls return ErrResponseTaken.
func (w *Writer) Response(ctx context.Context) (*Response, error) {
	if !w.taken.CompareAndSwap(false, true) {
		return nil, ErrResponseTaken
	}

	select {
	case <-w.ready:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.snapshot == nil {
		return nil, ErrClosed
	}
	return w.snapshot, nil
}

func (w *Writer) commitLocked() {
	if w.committed {
		return
	}
	w.committed = true

	h := w.header.Clone()
	ApplyCORS(h)
	w.snapshot = &Response{Status: w.status, Header: h, Body: w.body}

	w.readyOnce.Do(func() { close(w.ready) })
}

// sendLocked requires sendMu.
func (w *Writer) sendLocked(p []byte) error {
	if w.bodyClosed {
		return ErrClosed
	}

	chunk := append([]byte(nil), p...)
	select {
	case <-w.done:
		return ErrClosed
	case <-w.ctx.Done():
		return ErrClosed
	default:
	}

	select {
	case w.body <- chunk:
		return nil
	case <-w.done:
		return ErrClosed
	case <-w.ctx.Done():
		return ErrClosed
	}
}

func (w *Writer) closeBodyLocked() {
	if !w.bodyClosed {
		w.bodyClosed = true
		close(w.body)
	}
}
