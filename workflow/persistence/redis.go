package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/durableflow/internal/tlsutil"
	"github.com/BaSui01/durableflow/workflow"
)

// DefaultKeyPrefix prefixes every key written by this package.
const DefaultKeyPrefix = "durableflow:"

// RedisOptions configures the Redis-backed components.
type RedisOptions struct {
	Addr      string `json:"addr" yaml:"addr"`
	Password  string `json:"password" yaml:"password"`
	DB        int    `json:"db" yaml:"db"`
	TLS       bool   `json:"tls" yaml:"tls"`
	PoolSize  int    `json:"pool_size" yaml:"pool_size"`
	KeyPrefix string `json:"key_prefix" yaml:"key_prefix"`
}

// NewRedisClient connects and pings.
func NewRedisClient(ctx context.Context, opts RedisOptions) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:      opts.Addr,
		Password:  opts.Password,
		DB:        opts.DB,
		PoolSize:  opts.PoolSize,
		TLSConfig: tlsutil.RedisTLSConfig(opts.TLS),
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

func prefixOr(prefix string) string {
	if prefix == "" {
		return DefaultKeyPrefix
	}
	return prefix
}

// ============================================================
// Event stream
// ============================================================

// DefaultStreamMaxLen caps each execution's event stream.
const DefaultStreamMaxLen = 10000

// RedisEventSink mirrors audit events onto one Redis stream per execution so
// external consumers can follow a run live. It is an extra appender; the
// durable copy stays in the Store.
type RedisEventSink struct {
	client    redis.UniversalClient
	keyPrefix string
	maxLen    int64
	logger    *zap.Logger
}

var _ workflow.EventAppender = (*RedisEventSink)(nil)

// NewRedisEventSink creates a sink. maxLen <= 0 uses DefaultStreamMaxLen.
func NewRedisEventSink(client redis.UniversalClient, keyPrefix string, maxLen int64, logger *zap.Logger) *RedisEventSink {
	if maxLen <= 0 {
		maxLen = DefaultStreamMaxLen
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisEventSink{
		client:    client,
		keyPrefix: prefixOr(keyPrefix),
		maxLen:    maxLen,
		logger:    logger.With(zap.String("component", "redis_event_sink")),
	}
}

// StreamKey returns the stream key of an execution.
func (s *RedisEventSink) StreamKey(executionID string) string {
	return s.keyPrefix + "events:" + executionID
}

// AppendEvent implements workflow.EventAppender.
func (s *RedisEventSink) AppendEvent(ctx context.Context, ev *workflow.EventRecord) error {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("encode event payload: %w", err)
	}
	err = s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.StreamKey(ev.ExecutionID),
		MaxLen: s.maxLen,
		Approx: true,
		Values: map[string]any{
			"event_type": string(ev.EventType),
			"node_id":    ev.NodeID,
			"from_state": ev.FromState,
			"to_state":   ev.ToState,
			"payload":    string(payload),
			"created_at": ev.CreatedAt.UTC().Format(time.RFC3339Nano),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("xadd %s: %w", ev.EventType, err)
	}
	return nil
}

// ReadEvents returns up to count events of an execution in append order,
// starting after the stream id "after" ("" or "-" for the beginning). The
// returned cursor is the id of the last event read.
func (s *RedisEventSink) ReadEvents(ctx context.Context, executionID, after string, count int64) ([]*workflow.EventRecord, string, error) {
	start := "-"
	if after != "" && after != "-" {
		start = "(" + after
	}
	msgs, err := s.client.XRangeN(ctx, s.StreamKey(executionID), start, "+", count).Result()
	if err != nil {
		return nil, after, fmt.Errorf("xrange %s: %w", executionID, err)
	}
	out := make([]*workflow.EventRecord, 0, len(msgs))
	cursor := after
	for _, msg := range msgs {
		cursor = msg.ID
		ev, err := decodeStreamEvent(executionID, msg.Values)
		if err != nil {
			s.logger.Warn("skipping malformed stream entry",
				zap.String("execution_id", executionID),
				zap.String("id", msg.ID),
				zap.Error(err))
			continue
		}
		out = append(out, ev)
	}
	return out, cursor, nil
}

func decodeStreamEvent(executionID string, values map[string]any) (*workflow.EventRecord, error) {
	str := func(k string) string {
		v, _ := values[k].(string)
		return v
	}
	ev := &workflow.EventRecord{
		ExecutionID: executionID,
		NodeID:      str("node_id"),
		EventType:   workflow.EventType(str("event_type")),
		FromState:   str("from_state"),
		ToState:     str("to_state"),
	}
	if ev.EventType == "" {
		return nil, errors.New("missing event_type")
	}
	if raw := str("payload"); raw != "" && raw != "null" {
		if err := json.Unmarshal([]byte(raw), &ev.Payload); err != nil {
			return nil, fmt.Errorf("decode payload: %w", err)
		}
	}
	if ts := str("created_at"); ts != "" {
		t, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("decode created_at: %w", err)
		}
		ev.CreatedAt = t
	}
	return ev, nil
}

// ============================================================
// Distributed run lock
// ============================================================

// 仅当 token 匹配时才删除，避免释放别人的锁
var releaseScript = redis.NewScript(`
	if redis.call('GET', KEYS[1]) == ARGV[1] then
		return redis.call('DEL', KEYS[1])
	end
	return 0
`)

var refreshScript = redis.NewScript(`
	if redis.call('GET', KEYS[1]) == ARGV[1] then
		return redis.call('PEXPIRE', KEYS[1], ARGV[2])
	end
	return 0
`)

// RedisRunLock is a workflow.RunLock shared by every process pointing at the
// same Redis. The lock is a SET NX PX key holding a random token; while it
// is held a background goroutine extends the TTL.
type RedisRunLock struct {
	client     redis.UniversalClient
	keyPrefix  string
	ttl        time.Duration
	retryDelay time.Duration
	logger     *zap.Logger
}

var _ workflow.RunLock = (*RedisRunLock)(nil)

// NewRedisRunLock creates a lock. ttl <= 0 uses 30s.
func NewRedisRunLock(client redis.UniversalClient, keyPrefix string, ttl time.Duration, logger *zap.Logger) *RedisRunLock {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisRunLock{
		client:     client,
		keyPrefix:  prefixOr(keyPrefix),
		ttl:        ttl,
		retryDelay: 50 * time.Millisecond,
		logger:     logger.With(zap.String("component", "redis_run_lock")),
	}
}

func (l *RedisRunLock) lockKey(executionID string) string {
	return l.keyPrefix + "lock:" + executionID
}

// Lock polls until the key is acquired or ctx is done.
func (l *RedisRunLock) Lock(ctx context.Context, executionID string) (func(), error) {
	key := l.lockKey(executionID)
	token := uuid.NewString()
	for {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire %s: %w", key, err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.retryDelay):
		}
	}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		l.keepAlive(key, token, stop)
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			wg.Wait()
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := releaseScript.Run(releaseCtx, l.client, []string{key}, token).Err(); err != nil {
				l.logger.Warn("release run lock failed", zap.String("key", key), zap.Error(err))
			}
		})
	}, nil
}

func (l *RedisRunLock) keepAlive(key, token string, stop <-chan struct{}) {
	ticker := time.NewTicker(l.ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), l.ttl/3)
			n, err := refreshScript.Run(ctx, l.client, []string{key}, token, l.ttl.Milliseconds()).Int()
			cancel()
			if err != nil {
				l.logger.Warn("refresh run lock failed", zap.String("key", key), zap.Error(err))
				continue
			}
			if n == 0 {
				l.logger.Error("run lock lost", zap.String("key", key))
				return
			}
		}
	}
}
