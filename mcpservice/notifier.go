package mcpservice

import (
	"context"

	"github.com/broisnischal/create/mcp"
)

// Notifier delivers a server-to-client notification correlated to the current
// request. Transports inject one into the handler context; on the streaming
// HTTP transport it writes to the request's SSE stream when there is one and
// to the session stream otherwise.
type Notifier interface {
	Notify(ctx context.Context, method mcp.Method, params any) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, method mcp.Method, params any) error

func (f NotifierFunc) Notify(ctx context.Context, method mcp.Method, params any) error {
	return f(ctx, method, params)
}

type notifierKey struct{}

// WithNotifier returns a new context carrying n.
func WithNotifier(ctx context.Context, n Notifier) context.Context {
	if n == nil {
		return ctx
	}
	return context.WithValue(ctx, notifierKey{}, n)
}

// NotifierFrom retrieves the Notifier from the context if present.
func NotifierFrom(ctx context.Context) (Notifier, bool) {
	if v := ctx.Value(notifierKey{}); v != nil {
		if n, ok := v.(Notifier); ok && n != nil {
			return n, true
		}
	}
	return nil, false
}
