package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/broisnischal/create/bridge"
	"github.com/broisnischal/create/eventlog"
	"github.com/broisnischal/create/internal/logctx"
)

// State is the lifecycle state of a Session.
type State int32

const (
	StateInitializing State = iota
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

var (
	// ErrSessionClosed is returned for operations on a closed session and by
	// Registry.Create for ids that were closed before.
	ErrSessionClosed = errors.New("session closed")
	// ErrSessionNotActive is returned when a session is used before
	// initialization completed.
	ErrSessionNotActive = errors.New("session not active")
)

// ClientInfo identifies the client implementation from the initialize call.
type ClientInfo struct {
	Name    string
	Version string
}

// Session is one client's protocol state. It is safe for concurrent use.
type Session struct {
	id        string
	log       eventlog.Log
	createdAt time.Time
	logger    *slog.Logger

	state atomic.Int32

	// mu orders appends with writes to the binding and guards it.
	mu      sync.Mutex
	binding *bridge.Writer

	metaMu          sync.RWMutex
	protocolVersion string
	client          ClientInfo
	logLevel        string
}

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the logger used for session diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) {
		if l != nil {
			s.logger = l
		}
	}
}

// New creates a session in StateInitializing that owns log.
func New(id string, log eventlog.Log, opts ...Option) *Session {
	s := &Session{
		id:        id,
		log:       log,
		createdAt: time.Now(),
		logger:    slog.Default(),
		logLevel:  "info",
	}
	s.state.Store(int32(StateInitializing))
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Session) ID() string           { return s.id }
func (s *Session) State() State         { return State(s.state.Load()) }
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// Activate moves an initializing session to StateActive and records the
// negotiated protocol version and client. It reports false if the session was
// not initializing.
func (s *Session) Activate(protocolVersion string, client ClientInfo) bool {
	if !s.state.CompareAndSwap(int32(StateInitializing), int32(StateActive)) {
		return false
	}

	s.metaMu.Lock()
	s.protocolVersion = protocolVersion
	s.client = client
	s.metaMu.Unlock()

	return true
}

func (s *Session) ProtocolVersion() string {
	s.metaMu.RLock()
	defer s.metaMu.RUnlock()
	return s.protocolVersion
}

func (s *Session) Client() ClientInfo {
	s.metaMu.RLock()
	defer s.metaMu.RUnlock()
	return s.client
}

// LogLevel is the minimum level of notifications/message the client asked for.
func (s *Session) LogLevel() string {
	s.metaMu.RLock()
	defer s.metaMu.RUnlock()
	return s.logLevel
}

func (s *Session) SetLogLevel(level string) {
	s.metaMu.Lock()
	s.logLevel = level
	s.metaMu.Unlock()
}

// WithLogContext decorates ctx with this session's log attributes.
func (s *Session) WithLogContext(ctx context.Context) context.Context {
	return logctx.WithSessionData(ctx, &logctx.SessionData{
		SessionID:       s.id,
		ProtocolVersion: s.ProtocolVersion(),
		State:           s.State().String(),
	})
}

// Send appends msg to the event log and, when a stream is attached, writes it
// as an SSE event. Send never waits on the stream: a stream whose reader has
// stopped draining is closed, and the client resumes from the log with
// Last-Event-ID.
func (s *Session) Send(ctx context.Context, msg any) (string, error) {
	if s.State() == StateClosed {
		return "", ErrSessionClosed
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("failed to marshal message: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id, err := s.log.Append(ctx, payload)
	if err != nil {
		return "", fmt.Errorf("failed to append event: %w", err)
	}

	if s.binding == nil {
		return id, nil
	}

	frame, err := EncodeEvent(id, payload)
	if err != nil {
		return id, err
	}
	switch err := s.binding.TryWrite(frame); {
	case err == nil:
	case errors.Is(err, bridge.ErrFull):
		s.logger.WarnContext(ctx, "session.stream.stalled", slog.String("session_id", s.id), slog.String("event_id", id))
		s.binding.Close()
		s.binding = nil
	default:
		s.logger.DebugContext(ctx, "session.stream.detach", slog.String("session_id", s.id), slog.String("err", err.Error()))
		s.binding = nil
	}

	return id, nil
}

// SendTo appends msg to the event log and writes it to w, the stream of the
// request that produced it, rather than to the live binding. The write may
// block on w's reader; the event stays in the log either way, so a client
// whose stream dropped can replay it with Last-Event-ID. Callers serialize
// SendTo calls per writer.
func (s *Session) SendTo(ctx context.Context, w *bridge.Writer, msg any) (string, error) {
	if s.State() == StateClosed {
		return "", ErrSessionClosed
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("failed to marshal message: %w", err)
	}

	id, err := s.log.Append(ctx, payload)
	if err != nil {
		return "", fmt.Errorf("failed to append event: %w", err)
	}

	frame, err := EncodeEvent(id, payload)
	if err != nil {
		return id, err
	}
	return id, w.Write(frame)
}

// Attach replays the events after lastEventID into w and then binds w as the
// session's live stream, closing any previous binding.
//
// The bulk of the replay runs without the session lock, so a slow reader on w
// holds up nobody but itself. A second pass under the lock picks up events
// appended meanwhile and binds w before the next Send.
func (s *Session) Attach(ctx context.Context, w *bridge.Writer, lastEventID string) (string, error) {
	if err := s.activeErr(); err != nil {
		return lastEventID, err
	}

	replay := func(write func([]byte) error) eventlog.Sink {
		return func(ctx context.Context, eventID string, payload []byte) error {
			frame, err := EncodeEvent(eventID, payload)
			if err != nil {
				return err
			}
			return write(frame)
		}
	}

	last := lastEventID
	if lastEventID != "" {
		var err error
		if last, err = s.log.ReplayFrom(ctx, lastEventID, replay(w.Write)); err != nil {
			return last, fmt.Errorf("failed to replay events: %w", err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.activeErr(); err != nil {
		return last, err
	}
	if last != "" {
		var err error
		if last, err = s.log.ReplayFrom(ctx, last, replay(w.TryWrite)); err != nil {
			return last, fmt.Errorf("failed to replay events: %w", err)
		}
	}

	prev := s.binding
	s.binding = w
	if prev != nil && prev != w {
		prev.Close()
		s.logger.InfoContext(ctx, "session.stream.superseded", slog.String("session_id", s.id))
	}

	return last, nil
}

func (s *Session) activeErr() error {
	switch s.State() {
	case StateActive:
		return nil
	case StateClosed:
		return ErrSessionClosed
	default:
		return ErrSessionNotActive
	}
}

// Detach clears the binding if it is still w. It reports whether w was bound.
func (s *Session) Detach(w *bridge.Writer) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.binding != w {
		return false
	}
	s.binding = nil
	return true
}

// Bound reports whether a live stream is attached.
func (s *Session) Bound() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.binding != nil
}

// Close is terminal: it closes the live stream and destroys the event log.
// Calling Close more than once is safe.
func (s *Session) Close(ctx context.Context) error {
	if State(s.state.Swap(int32(StateClosed))) == StateClosed {
		return nil
	}

	s.mu.Lock()
	if s.binding != nil {
		s.binding.Close()
		s.binding = nil
	}
	s.mu.Unlock()

	s.logger.DebugContext(ctx, "session.close", slog.String("session_id", s.id), slog.Duration("age", time.Since(s.CreatedAt())))
	if err := s.log.Close(ctx); err != nil {
		return fmt.Errorf("failed to close event log: %w", err)
	}
	return nil
}
