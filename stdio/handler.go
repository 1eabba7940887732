package stdio

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"github.com/broisnischal/create/eventlog/memlog"
	"github.com/broisnischal/create/internal/engine"
	"github.com/broisnischal/create/internal/jsonrpc"
	"github.com/broisnischal/create/internal/logctx"
	"github.com/broisnischal/create/mcp"
	"github.com/broisnischal/create/mcpservice"
	"github.com/broisnischal/create/sessions"
	"github.com/google/uuid"
)

const (
	initialLineBuffer = 256 * 1024
	maxLineBytes      = 4 << 20
)

// ErrServing is returned by a second call to Serve.
var ErrServing = errors.New("stdio: handler already served")

// Handler is a single-connection stdio transport. It reads JSON-RPC messages
// from its input, hands them to an engine.Engine and writes replies and
// notifications to its output through an engine.MessageWriter.
type Handler struct {
	eng  *engine.Engine
	in   io.Reader
	out  engine.MessageWriter
	log  *slog.Logger
	user UserFunc

	served sync.Once
}

// NewHandler constructs a Handler on os.Stdin and os.Stdout.
func NewHandler(eng *engine.Engine, opts ...Option) *Handler {
	cfg := &config{in: os.Stdin, out: os.Stdout, logger: slog.Default(), user: OSUser}
	for _, opt := range opts {
		opt(cfg)
	}

	return &Handler{
		eng:  eng,
		in:   cfg.in,
		out:  &lineWriter{w: cfg.out},
		log:  slog.New(logctx.Handler{Handler: cfg.logger.Handler()}),
		user: cfg.user,
	}
}

// Serve runs the read loop until the input reaches EOF or ctx is cancelled.
// Requests run concurrently so a notifications/cancelled can reach a running
// tool; Serve waits for them before it returns. It may be called once.
func (h *Handler) Serve(ctx context.Context) error {
	err := ErrServing
	h.served.Do(func() { err = h.serve(ctx) })
	return err
}

func (h *Handler) serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	who, err := h.user()
	if err != nil {
		who = "unknown"
	}

	id := uuid.NewString()
	log, err := memlog.New(memlog.WithLogger(h.log)).Open(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to open event log: %w", err)
	}
	sess := sessions.New(id, log, sessions.WithLogger(h.log))
	defer func() { _ = sess.Close(context.WithoutCancel(ctx)) }()

	h.log.InfoContext(ctx, "stdio.serve.start", slog.String("user", who), slog.String("session_id", id))

	lines := make(chan []byte)
	readErr := make(chan error, 1)
	go h.read(ctx, lines, readErr)

	changes := h.eng.Tools().Subscriber()
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			h.log.InfoContext(ctx, "stdio.serve.cancelled")
			return ctx.Err()
		case err := <-readErr:
			if err != nil {
				h.log.ErrorContext(ctx, "stdio.read.fail", slog.String("err", err.Error()))
				return fmt.Errorf("read: %w", err)
			}
			h.log.InfoContext(ctx, "stdio.serve.eof")
			return nil
		case _, ok := <-changes:
			if !ok {
				changes = nil
				continue
			}
			if sess.State() == sessions.StateActive {
				h.notify(ctx, mcp.ToolsListChangedNotificationMethod, &mcp.ToolListChangedNotification{})
			}
		case line := <-lines:
			h.handleLine(ctx, sess, line, &wg)
		}
	}
}

// read feeds lines to the serve loop. A nil error on readErr means EOF.
func (h *Handler) read(ctx context.Context, lines chan<- []byte, readErr chan<- error) {
	scanner := bufio.NewScanner(h.in)
	scanner.Buffer(make([]byte, 0, initialLineBuffer), maxLineBytes)

	for scanner.Scan() {
		line := append([]byte(nil), scanner.Bytes()...)
		if len(line) == 0 {
			continue
		}
		select {
		case lines <- line:
		case <-ctx.Done():
			return
		}
	}
	readErr <- scanner.Err()
}

func (h *Handler) handleLine(ctx context.Context, sess *sessions.Session, line []byte, wg *sync.WaitGroup) {
	msgs, batch, err := jsonrpc.ParseMessages(line)
	if err != nil {
		h.log.WarnContext(ctx, "jsonrpc.message.invalid", slog.String("err", err.Error()))
		var syntaxErr *json.SyntaxError
		if errors.As(err, &syntaxErr) {
			h.write(ctx, jsonrpc.NewErrorResponse(nil, jsonrpc.ErrorCodeParseError, "Parse error", err.Error()))
			return
		}
		h.write(ctx, jsonrpc.NewErrorResponse(nil, jsonrpc.ErrorCodeInvalidRequest, "Invalid Request", err.Error()))
		return
	}

	if batch {
		// Batches are answered as one array once every entry is done.
		var replies []*jsonrpc.Response
		for i := range msgs {
			if res := h.handleMessage(ctx, sess, &msgs[i]); res != nil {
				replies = append(replies, res)
			}
		}
		if len(replies) > 0 {
			h.write(ctx, replies)
		}
		return
	}

	msg := &msgs[0]
	if msg.Type() == "request" && sess.State() == sessions.StateActive {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if res := h.handleMessage(ctx, sess, msg); res != nil {
				h.write(ctx, res)
			}
		}()
		return
	}
	if res := h.handleMessage(ctx, sess, msg); res != nil {
		h.write(ctx, res)
	}
}

// handleMessage processes one message and returns the reply to write, if any.
func (h *Handler) handleMessage(ctx context.Context, sess *sessions.Session, msg *jsonrpc.AnyMessage) (res *jsonrpc.Response) {
	start := time.Now()
	ctx = sess.WithLogContext(ctx)

	switch msg.Type() {
	case "notification":
		if err := h.eng.HandleNotification(ctx, sess, msg.AsRequest()); err != nil {
			h.log.ErrorContext(ctx, "notification.inbound.fail", slog.String("err", err.Error()))
		}
		return nil
	case "response":
		h.log.InfoContext(ctx, "response.inbound.ignored", slog.String("id", msg.ID.String()))
		return nil
	}

	req := msg.AsRequest()
	defer func() {
		if v := recover(); v != nil {
			h.log.ErrorContext(ctx, "stdio.panic", slog.Any("panic", v), slog.String("stack", string(debug.Stack())))
			res = jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "Internal server error", fmt.Sprint(v))
		}
	}()

	if msg.IsInitializeRequest() {
		return h.initialize(ctx, sess, req)
	}

	if sess.State() != sessions.StateActive {
		if mcp.Method(req.Method) == mcp.PingMethod {
			res, _ := jsonrpc.NewResultResponse(req.ID, &mcp.EmptyResult{})
			return res
		}
		h.log.InfoContext(ctx, "session.load.miss", slog.String("method", req.Method))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidRequest, "Invalid Request: Server not initialized", nil)
	}

	ctx = mcpservice.WithNotifier(ctx, mcpservice.NotifierFunc(func(ctx context.Context, method mcp.Method, params any) error {
		return h.notify(ctx, method, params)
	}))

	res, err := h.eng.HandleRequest(ctx, sess, req)
	if err != nil {
		h.log.ErrorContext(ctx, "rpc.inbound.fail", slog.String("method", req.Method), slog.String("err", err.Error()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "Internal server error", err.Error())
	}
	h.log.InfoContext(ctx, "rpc.inbound.ok", slog.String("method", req.Method), slog.Duration("dur", time.Since(start)))
	return res
}

func (h *Handler) initialize(ctx context.Context, sess *sessions.Session, req *jsonrpc.Request) *jsonrpc.Response {
	if sess.State() != sessions.StateInitializing {
		h.log.WarnContext(ctx, "session.initialize.redundant")
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidRequest, "Invalid Request: Server already initialized", nil)
	}

	res, outcome, err := h.eng.Initialize(ctx, sess, req)
	if err != nil {
		h.log.ErrorContext(ctx, "session.initialize.fail", slog.String("err", err.Error()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "Internal server error", err.Error())
	}
	if outcome != engine.OutcomeEstablished {
		h.log.InfoContext(ctx, "session.initialize.rejected", slog.String("outcome", outcome.String()))
	}
	return res
}

func (h *Handler) notify(ctx context.Context, method mcp.Method, params any) error {
	note, err := jsonrpc.NewNotification(string(method), params)
	if err != nil {
		return err
	}
	return h.write(ctx, note)
}

func (h *Handler) write(ctx context.Context, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		h.log.ErrorContext(ctx, "stdio.encode.fail", slog.String("err", err.Error()))
		return err
	}
	if err := h.out.WriteMessage(ctx, b); err != nil {
		h.log.ErrorContext(ctx, "stdio.write.fail", slog.String("err", err.Error()))
		return err
	}
	return nil
}

// lineWriter frames each message as one line. Concurrent requests share it,
// so writes are serialized.
type lineWriter struct {
	mu sync.Mutex
	w  io.Writer
}

var _ engine.MessageWriter = (*lineWriter)(nil)

func (l *lineWriter) WriteMessage(ctx context.Context, msg jsonrpc.Message) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := l.w.Write(append(msg, '\n')); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}
