package stdio

import (
	"io"
	"log/slog"
)

// Option customizes a Handler.
type Option func(*config)

type config struct {
	in     io.Reader
	out    io.Writer
	logger *slog.Logger
	user   UserFunc
}

// WithIO replaces stdin and stdout. Nil values keep the default.
func WithIO(in io.Reader, out io.Writer) Option {
	return func(c *config) {
		if in != nil {
			c.in = in
		}
		if out != nil {
			c.out = out
		}
	}
}

// WithLogger sets the diagnostics logger. Logs must never go to the output
// stream, so point it at stderr or a file.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithUser overrides how the local peer is identified in logs.
func WithUser(fn UserFunc) Option {
	return func(c *config) {
		if fn != nil {
			c.user = fn
		}
	}
}
