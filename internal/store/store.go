// Package store is the thin Redis repository behind every session. It is the
// only cross-process shared state: definition, status, pending input, stop
// flag, event FIFO and the persisted engine state all live in one keyspace
// per session, sharing one TTL that is bumped on writes.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/flowrun/types"
	"github.com/BaSui01/flowrun/workflow"
)

// Config configures the Redis connection and session lifetime.
type Config struct {
	Addr         string        `yaml:"addr" json:"addr"`
	Password     string        `yaml:"password" json:"password"`
	DB           int           `yaml:"db" json:"db"`
	PoolSize     int           `yaml:"pool_size" json:"pool_size"`
	MinIdleConns int           `yaml:"min_idle_conns" json:"min_idle_conns"`
	// TTL is the shared lifetime of a session's keys.
	TTL time.Duration `yaml:"ttl" json:"ttl"`
	// Grace is the shortened lifetime applied once a session terminates.
	Grace time.Duration `yaml:"grace" json:"grace"`
}

// DefaultConfig returns the default store configuration.
func DefaultConfig() Config {
	return Config{
		Addr:         "localhost:6379",
		PoolSize:     10,
		MinIdleConns: 2,
		TTL:          time.Hour,
		Grace:        5 * time.Minute,
	}
}

// Store is the session repository.
type Store struct {
	redis  *redis.Client
	config Config
	logger *zap.Logger
}

// New connects to Redis and verifies the connection.
func New(config Config, logger *zap.Logger) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         config.Addr,
		Password:     config.Password,
		DB:           config.DB,
		PoolSize:     config.PoolSize,
		MinIdleConns: config.MinIdleConns,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return &Store{
		redis:  client,
		config: config,
		logger: logger.With(zap.String("component", "store")),
	}, nil
}

// Client exposes the underlying connection for collaborators sharing the
// same Redis (dispatcher queues, worker heartbeats).
func (s *Store) Client() *redis.Client { return s.redis }

// Close releases the connection pool.
func (s *Store) Close() error { return s.redis.Close() }

func key(sessionID, suffix string) string {
	return "wf:" + sessionID + ":" + suffix
}

// sessionsuffixes are every per-session key sharing the TTL.
var sessionSuffixes = []string{"definition", "status", "stop", "events", "vars", "history"}

// casStatus sets the status only when the current value matches, bumping the
// TTL on success. Returns 1 on success, 0 when another writer won.
var casStatus = redis.NewScript(`
local current = redis.call("GET", KEYS[1])
if current == ARGV[1] or (current == false and ARGV[1] == "") then
  redis.call("SET", KEYS[1], ARGV[2], "EX", ARGV[3])
  return 1
end
return 0
`)

// CreateSession stores the definition and seeds the status to waiting.
func (s *Store) CreateSession(ctx context.Context, sessionID string, definition []byte) error {
	ttl := s.config.TTL
	pipe := s.redis.TxPipeline()
	pipe.Set(ctx, key(sessionID, "definition"), definition, ttl)
	pipe.Set(ctx, key(sessionID, "status"), string(workflow.StatusWaiting), ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// Definition loads the immutable definition document.
func (s *Store) Definition(ctx context.Context, sessionID string) ([]byte, error) {
	data, err := s.redis.Get(ctx, key(sessionID, "definition")).Bytes()
	if err == redis.Nil {
		return nil, types.NewError(types.ErrValidation, "unknown session: "+sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("load definition: %w", err)
	}
	return data, nil
}

// Status reads the current session status.
func (s *Store) Status(ctx context.Context, sessionID string) (workflow.Status, error) {
	v, err := s.redis.Get(ctx, key(sessionID, "status")).Result()
	if err == redis.Nil {
		return "", types.NewError(types.ErrValidation, "unknown session: "+sessionID)
	}
	if err != nil {
		return "", fmt.Errorf("load status: %w", err)
	}
	return workflow.Status(v), nil
}

// Transition moves the status from one value to another atomically. Exactly
// one concurrent writer succeeds; the rest see ok == false.
func (s *Store) Transition(ctx context.Context, sessionID string, from, to workflow.Status) (bool, error) {
	if !workflow.CanTransition(from, to) {
		return false, types.NewError(types.ErrValidation,
			fmt.Sprintf("illegal status transition %s -> %s", from, to))
	}
	ttl := int(s.config.TTL / time.Second)
	n, err := casStatus.Run(ctx, s.redis,
		[]string{key(sessionID, "status")},
		string(from), string(to), ttl).Int()
	if err != nil {
		return false, fmt.Errorf("status transition: %w", err)
	}
	if n == 1 {
		s.Touch(ctx, sessionID)
	}
	return n == 1, nil
}

// WriteInput stores a client reply for the pending node.
func (s *Store) WriteInput(ctx context.Context, sessionID, nodeID string, payload map[string]any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal input payload: %w", err)
	}
	if err := s.redis.Set(ctx, key(sessionID, "user_input:"+nodeID), data, s.config.TTL).Err(); err != nil {
		return fmt.Errorf("write input: %w", err)
	}
	return nil
}

// TakeInput consumes the pending reply exactly once. The delete-on-read makes
// a duplicate reply for the same node a miss.
func (s *Store) TakeInput(ctx context.Context, sessionID, nodeID string) (map[string]any, bool, error) {
	data, err := s.redis.GetDel(ctx, key(sessionID, "user_input:"+nodeID)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("take input: %w", err)
	}
	var payload map[string]any
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, false, fmt.Errorf("unmarshal input payload: %w", err)
	}
	return payload, true, nil
}

// SetStop raises the cooperative stop flag.
func (s *Store) SetStop(ctx context.Context, sessionID string) error {
	if err := s.redis.Set(ctx, key(sessionID, "stop"), "1", s.config.TTL).Err(); err != nil {
		return fmt.Errorf("set stop: %w", err)
	}
	return nil
}

// Stopped reads the stop flag. Errors read as not-stopped so a Redis blip
// does not kill a healthy run.
func (s *Store) Stopped(ctx context.Context, sessionID string) bool {
	v, err := s.redis.Get(ctx, key(sessionID, "stop")).Result()
	if err != nil {
		if err != redis.Nil {
			s.logger.Warn("stop flag read failed",
				zap.String("session_id", sessionID), zap.Error(err))
		}
		return false
	}
	return v == "1"
}

// AppendEvent pushes one event onto the session FIFO. Fire-and-forget:
// failures are logged, never propagated into the run.
func (s *Store) AppendEvent(ctx context.Context, sessionID string, ev workflow.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		s.logger.Error("event marshal failed", zap.Error(err))
		return nil
	}
	pipe := s.redis.Pipeline()
	pipe.LPush(ctx, key(sessionID, "events"), data)
	pipe.Expire(ctx, key(sessionID, "events"), s.config.TTL)
	if _, err := pipe.Exec(ctx); err != nil {
		s.logger.Error("event append failed",
			zap.String("session_id", sessionID),
			zap.String("type", string(ev.Type)),
			zap.Error(err))
	}
	return nil
}

// NextEvent blocks until an event is available or the timeout elapses.
// Returns ok == false on timeout.
func (s *Store) NextEvent(ctx context.Context, sessionID string, timeout time.Duration) (workflow.Event, bool, error) {
	res, err := s.redis.BRPop(ctx, timeout, key(sessionID, "events")).Result()
	if err == redis.Nil {
		return workflow.Event{}, false, nil
	}
	if err != nil {
		return workflow.Event{}, false, fmt.Errorf("event pop: %w", err)
	}
	var ev workflow.Event
	if err := json.Unmarshal([]byte(res[1]), &ev); err != nil {
		return workflow.Event{}, false, fmt.Errorf("event decode: %w", err)
	}
	return ev, true, nil
}

// SaveState persists the engine's resumable state.
func (s *Store) SaveState(ctx context.Context, sessionID string, state any) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	if err := s.redis.Set(ctx, key(sessionID, "vars"), data, s.config.TTL).Err(); err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	return nil
}

// LoadState restores the engine state into dest. ok == false when no state
// was persisted.
func (s *Store) LoadState(ctx context.Context, sessionID string, dest any) (bool, error) {
	data, err := s.redis.Get(ctx, key(sessionID, "vars")).Bytes()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load state: %w", err)
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return false, fmt.Errorf("decode state: %w", err)
	}
	return true, nil
}

// Touch bumps the shared TTL across the session's keys.
func (s *Store) Touch(ctx context.Context, sessionID string) {
	pipe := s.redis.Pipeline()
	for _, suffix := range sessionSuffixes {
		pipe.Expire(ctx, key(sessionID, suffix), s.config.TTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		s.logger.Warn("ttl bump failed", zap.String("session_id", sessionID), zap.Error(err))
	}
}

// Expire shortens the session's keys to the grace TTL after termination.
func (s *Store) Expire(ctx context.Context, sessionID string) {
	pipe := s.redis.Pipeline()
	for _, suffix := range sessionSuffixes {
		pipe.Expire(ctx, key(sessionID, suffix), s.config.Grace)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		s.logger.Warn("grace expiry failed", zap.String("session_id", sessionID), zap.Error(err))
	}
}
