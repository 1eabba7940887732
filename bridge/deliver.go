package bridge

import (
	"context"
	"fmt"
	"net/http"
	"sync"
)

// lockedWriteFlusher serializes writes and flushes against the underlying
// http.ResponseWriter.
type lockedWriteFlusher struct {
	mu sync.Mutex
	w  http.ResponseWriter
	f  http.Flusher
}

func (l *lockedWriteFlusher) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	n, err := l.w.Write(p)
	if err != nil {
		return n, err
	}
	if l.f != nil {
		l.f.Flush()
	}
	return n, nil
}

// Deliver copies resp onto rw, flushing after the headers and after every
// chunk so streamed bodies reach the client incrementally. It returns when
// Body is closed, ctx ends, or a network write fails.
func Deliver(ctx context.Context, rw http.ResponseWriter, resp *Response) error {
	h := rw.Header()
	for k, vs := range resp.Header {
		h[k] = append([]string(nil), vs...)
	}
	rw.WriteHeader(resp.Status)

	f, _ := rw.(http.Flusher)
	if f != nil {
		f.Flush()
	}
	out := &lockedWriteFlusher{w: rw, f: f}

	for {
		select {
		case chunk, ok := <-resp.Body:
			if !ok {
				return nil
			}
			if _, err := out.Write(chunk); err != nil {
				return fmt.Errorf("failed to write response chunk: %w", err)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Serve waits for w to commit and delivers the response onto rw. When
// delivery stops for any reason other than normal completion, w is closed so
// the producer's later writes become no-ops.
func Serve(ctx context.Context, w *Writer, rw http.ResponseWriter) error {
	resp, err := w.Response(ctx)
	if err != nil {
		w.Close()
		return err
	}

	if err := Deliver(ctx, rw, resp); err != nil {
		w.Close()
		return err
	}
	return nil
}
