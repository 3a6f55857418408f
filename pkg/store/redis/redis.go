package redisstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lzyats/core-feed-go/pkg/feed"
)

type Store struct {
	cfg feed.RedisSettings
	cli redis.UniversalClient
}

func New(cfg feed.RedisSettings) (*Store, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("redis: missing host")
	}
	if cfg.Port == 0 {
		cfg.Port = 6379
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	opts := &redis.Options{
		Addr:         addr,
		Password:     cfg.Password,
		DB:           cfg.Database,
		DialTimeout:  cfg.Timeout,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
	}
	if cfg.Pool.MaxActive > 0 {
		opts.PoolSize = cfg.Pool.MaxActive
	}
	if cfg.Pool.MaxIdle > 0 {
		opts.MinIdleConns = cfg.Pool.MaxIdle
	}
	return NewWithClient(cfg, redis.NewClient(opts)), nil
}

// NewWithClient wraps an existing client (shared pools, tests).
func NewWithClient(cfg feed.RedisSettings, cli redis.UniversalClient) *Store {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "feed:"
	}
	return &Store{cfg: cfg, cli: cli}
}

func (s *Store) Close() error { return s.cli.Close() }

func (s *Store) Client() redis.UniversalClient { return s.cli }

/*
Keys (prefix defaults to "feed:"):
  - {prefix}track:count  HASH item_id -> selection count
  - {prefix}track:last   HASH item_id -> unix millis of last selection
  - {prefix}blob:{key}   STRING prefetch cache entry, no TTL
  - {prefix}prefetch:queue LIST rebuild requests for out-of-process workers
*/
func (s *Store) countKey() string          { return s.cfg.KeyPrefix + "track:count" }
func (s *Store) lastKey() string           { return s.cfg.KeyPrefix + "track:last" }
func (s *Store) blobKey(key string) string { return s.cfg.KeyPrefix + "blob:" + key }
func (s *Store) QueueKey() string          { return s.cfg.KeyPrefix + "prefetch:queue" }

func (s *Store) GetAll(ctx context.Context) (map[string]feed.TrackingRecord, error) {
	counts, err := s.cli.HGetAll(ctx, s.countKey()).Result()
	if err != nil {
		return nil, err
	}
	lasts, err := s.cli.HGetAll(ctx, s.lastKey()).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]feed.TrackingRecord, len(counts))
	for id, v := range counts {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			continue
		}
		rec := feed.TrackingRecord{ID: id, Count: n}
		if ms, err := strconv.ParseInt(lasts[id], 10, 64); err == nil {
			rec.Last = time.UnixMilli(ms)
		}
		out[id] = rec
	}
	return out, nil
}

// IncrementBatch applies every HINCRBY in one MULTI so concurrent batches add
// up instead of racing read-modify-write.
func (s *Store) IncrementBatch(ctx context.Context, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	ms := at.UnixMilli()
	_, err := s.cli.TxPipelined(ctx, func(p redis.Pipeliner) error {
		for _, id := range ids {
			p.HIncrBy(ctx, s.countKey(), id, 1)
			p.HSet(ctx, s.lastKey(), id, ms)
		}
		return nil
	})
	return err
}

func (s *Store) Prune(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.cli.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HDel(ctx, s.countKey(), ids...)
		p.HDel(ctx, s.lastKey(), ids...)
		return nil
	})
	return err
}

func (s *Store) Read(ctx context.Context, key string) ([]byte, bool, error) {
	v, err := s.cli.Get(ctx, s.blobKey(key)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func (s *Store) Write(ctx context.Context, key string, val []byte) error {
	return s.cli.Set(ctx, s.blobKey(key), val, 0).Err()
}

func (s *Store) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, 0, len(keys))
	for _, k := range keys {
		full = append(full, s.blobKey(k))
	}
	return s.cli.Del(ctx, full...).Err()
}

func (s *Store) Has(ctx context.Context, keys []string) (map[string]bool, error) {
	out := make(map[string]bool, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	cmds := make([]*redis.IntCmd, len(keys))
	_, err := s.cli.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, k := range keys {
			cmds[i] = p.Exists(ctx, s.blobKey(k))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for i, c := range cmds {
		if c.Val() > 0 {
			out[keys[i]] = true
		}
	}
	return out, nil
}

// RebuildRequest asks an out-of-process worker to run a prefetch pass.
type RebuildRequest struct {
	Source string `json:"source"`
	Force  bool   `json:"force"`
}

// Push enqueues a rebuild request on the shared LIST.
func (s *Store) Push(ctx context.Context, req RebuildRequest) error {
	if req.Source == "" {
		return feed.ErrInvalidArgument
	}
	b, err := json.Marshal(req)
	if err != nil {
		return err
	}
	return s.cli.LPush(ctx, s.QueueKey(), b).Err()
}

// Pop blocks for up to block to pop a single raw payload from the queue.
// It uses BRPOP so that multiple workers can share the same queue.
func (s *Store) Pop(ctx context.Context, block time.Duration) (string, error) {
	if block <= 0 {
		block = 5 * time.Second
	}
	res, err := s.cli.BRPop(ctx, block, s.QueueKey()).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	// BRPOP returns [key, value]
	if len(res) != 2 {
		return "", nil
	}
	return res[1], nil
}

// DecodeRebuild decodes a queue payload. A bare string is taken as a source
// name with force=false.
func DecodeRebuild(payload string) (RebuildRequest, error) {
	var r RebuildRequest
	payload = strings.TrimSpace(payload)
	if payload == "" {
		return r, feed.ErrInvalidArgument
	}
	if payload[0] != '{' {
		r.Source = payload
		return r, nil
	}
	if err := json.Unmarshal([]byte(payload), &r); err != nil {
		return r, err
	}
	if r.Source == "" {
		return r, feed.ErrInvalidArgument
	}
	return r, nil
}
