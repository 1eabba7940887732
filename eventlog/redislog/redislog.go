// Package redislog stores each session's event log in a Redis stream. Event
// ids are the stream entry ids assigned by XADD. The stream key is deleted
// when the log is closed, so nothing outlives the session that owns it.
package redislog

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/broisnischal/create/eventlog"
	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"
)

const payloadField = "d"

// Config for the Redis-backed event log. Defaults can be loaded via envdecode.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for all keys. ENV: EVENTLOG_KEY_PREFIX
	KeyPrefix string `env:"EVENTLOG_KEY_PREFIX,default=create-mcp:events:"`
	// ReplayPageSize bounds each XRANGE call during replay. ENV: EVENTLOG_REPLAY_PAGE
	ReplayPageSize int64 `env:"EVENTLOG_REPLAY_PAGE,default=128"`
}

// Store opens per-session logs backed by one shared Redis client.
type Store struct {
	client    *redis.Client
	keyPrefix string
	pageSize  int64
	log       *slog.Logger
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

// New connects to Redis and verifies the connection with PING.
func New(ctx context.Context, cfg Config, opts ...Option) (*Store, error) {
	addr := cfg.RedisAddr
	if addr == "" {
		addr = "localhost:6379"
	}
	cl := redis.NewClient(&redis.Options{Addr: addr})
	if err := cl.Ping(ctx).Err(); err != nil {
		_ = cl.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	s := &Store{
		client:    cl,
		keyPrefix: cfg.KeyPrefix,
		pageSize:  cfg.ReplayPageSize,
		log:       slog.Default(),
	}
	if s.keyPrefix == "" {
		s.keyPrefix = "create-mcp:events:"
	}
	if s.pageSize <= 0 {
		s.pageSize = 128
	}
	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

// NewFromEnv builds a Store using envdecode to populate Config.
func NewFromEnv(ctx context.Context, opts ...Option) (*Store, error) {
	var cfg Config
	// Defaults come from the struct tags; a decode error only means no
	// variables were set.
	_ = envdecode.Decode(&cfg)
	return New(ctx, cfg, opts...)
}

// Close closes the Redis client.
func (s *Store) Close() error { return s.client.Close() }

var _ eventlog.Store = (*Store)(nil)

// Open returns the log for sessionID. Any stale stream left under the same
// key is removed first so the log always starts empty.
func (s *Store) Open(ctx context.Context, sessionID string) (eventlog.Log, error) {
	key := s.keyPrefix + "stream:" + sessionID
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return nil, fmt.Errorf("redis del %s: %w", key, err)
	}
	return &Log{store: s, sessionID: sessionID, key: key}, nil
}

// Log is one session's Redis stream.
type Log struct {
	store     *Store
	sessionID string
	key       string
	closed    atomic.Bool
}

var _ eventlog.Log = (*Log)(nil)

// Append adds payload to the stream and returns the entry id.
func (l *Log) Append(ctx context.Context, payload []byte) (string, error) {
	if l.closed.Load() {
		return "", eventlog.ErrClosed
	}
	id, err := l.store.client.XAdd(ctx, &redis.XAddArgs{
		Stream: l.key,
		Values: map[string]interface{}{payloadField: payload},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("redis xadd: %w", err)
	}
	return id, nil
}

// ReplayFrom pages through the stream after lastEventID with exclusive XRANGE
// queries.
func (l *Log) ReplayFrom(ctx context.Context, lastEventID string, sink eventlog.Sink) (string, error) {
	if l.closed.Load() {
		return lastEventID, eventlog.ErrClosed
	}

	known, err := l.exists(ctx, lastEventID)
	if err != nil {
		return lastEventID, err
	}
	if !known {
		l.store.log.WarnContext(ctx, "eventlog.replay.unknown_id", slog.String("session_id", l.sessionID), slog.String("last_event_id", lastEventID))
		return lastEventID, nil
	}

	last := lastEventID
	for {
		msgs, err := l.store.client.XRangeN(ctx, l.key, "("+last, "+", l.store.pageSize).Result()
		if err != nil {
			return last, fmt.Errorf("redis xrange: %w", err)
		}
		for _, m := range msgs {
			if err := sink(ctx, m.ID, decodePayload(m.Values[payloadField])); err != nil {
				return last, err
			}
			last = m.ID
		}
		if int64(len(msgs)) < l.store.pageSize {
			return last, nil
		}
	}
}

// Close deletes the stream.
func (l *Log) Close(ctx context.Context) error {
	if l.closed.Swap(true) {
		return nil
	}
	if err := l.store.client.Del(context.WithoutCancel(ctx), l.key).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", l.key, err)
	}
	return nil
}

func (l *Log) exists(ctx context.Context, id string) (bool, error) {
	if !validStreamID(id) {
		return false, nil
	}
	msgs, err := l.store.client.XRangeN(ctx, l.key, id, id, 1).Result()
	if err != nil {
		return false, fmt.Errorf("redis xrange: %w", err)
	}
	// Redis parses ids numerically, so "01-0" finds "1-0". Only the exact id
	// XADD returned counts.
	return len(msgs) == 1 && msgs[0].ID == id, nil
}

// validStreamID accepts the "<ms>-<seq>" form XADD produces. Anything else
// would be rejected by Redis, which we treat as an unknown id instead.
func validStreamID(id string) bool {
	ms, seq, ok := strings.Cut(id, "-")
	if !ok {
		return false
	}
	if _, err := strconv.ParseUint(ms, 10, 64); err != nil {
		return false
	}
	if _, err := strconv.ParseUint(seq, 10, 64); err != nil {
		return false
	}
	return true
}

func decodePayload(v interface{}) []byte {
	switch v := v.(type) {
	case string:
		return []byte(v)
	case []byte:
		return v
	default:
		return []byte(fmt.Sprintf("%v", v))
	}
}
