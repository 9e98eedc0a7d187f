package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/randalmurphal/flowstack/pkg/flows/config"
)

// DefaultRedisTTL is how long checkpoint keys live without a refresh.
const DefaultRedisTTL = 7 * 24 * time.Hour

const (
	fieldCheckpoint = "checkpoint_json"
	fieldMetadata   = "metadata_json"
	fieldParent     = "parent_ts"
	fieldTS         = "ts"
)

// RedisOption configures a RedisSaver.
type RedisOption func(*RedisSaver)

// WithRedisTTL sets the expiry of every key the saver writes. Zero
// disables expiry.
func WithRedisTTL(ttl time.Duration) RedisOption {
	return func(s *RedisSaver) { s.ttl = ttl }
}

// WithRedisKeyPrefix namespaces every key.
func WithRedisKeyPrefix(prefix string) RedisOption {
	return func(s *RedisSaver) { s.prefix = prefix }
}

// RedisSaver persists checkpoints to Redis. Each checkpoint is a hash, each
// thread has a sorted set of its checkpoint ids and each checkpoint has a
// hash of pending writes keyed by task id and index.
type RedisSaver struct {
	client redis.UniversalClient
	ttl    time.Duration
	prefix string
	once   sync.Once
}

// NewRedisSaver connects to the redis URL.
func NewRedisSaver(url string, opts ...RedisOption) (*RedisSaver, error) {
	redisOpts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return NewRedisSaverFromClient(redis.NewClient(redisOpts), opts...), nil
}

// NewRedisSaverFromClient uses an existing client. The saver closes it in
// Close.
func NewRedisSaverFromClient(client redis.UniversalClient, opts ...RedisOption) *RedisSaver {
	s := &RedisSaver{client: client, ttl: DefaultRedisTTL, prefix: "flows:"}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisSaver) checkpointKey(threadID, id string) string {
	return fmt.Sprintf("%sckpt:%s:%s", s.prefix, threadID, id)
}

func (s *RedisSaver) threadKey(threadID string) string {
	return fmt.Sprintf("%sckpt_ts:%s", s.prefix, threadID)
}

func (s *RedisSaver) writesKey(threadID, id string) string {
	return fmt.Sprintf("%swrites:%s:%s", s.prefix, threadID, id)
}

func (s *RedisSaver) threadsKey() string {
	return s.prefix + "threads"
}

func (s *RedisSaver) expire(ctx context.Context, pipe redis.Pipeliner, keys ...string) {
	if s.ttl <= 0 {
		return
	}
	for _, k := range keys {
		pipe.Expire(ctx, k, s.ttl)
	}
}

// Get implements Saver.
func (s *RedisSaver) Get(ctx context.Context, cfg config.Config) (*Tuple, error) {
	threadID := cfg.ThreadID()
	id := cfg.ThreadTS()
	if id == "" {
		ids, err := s.client.ZRevRange(ctx, s.threadKey(threadID), 0, 0).Result()
		if err != nil {
			return nil, fmt.Errorf("find latest checkpoint: %w", err)
		}
		if len(ids) == 0 {
			return nil, nil
		}
		id = ids[0]
	}
	return s.load(ctx, threadID, id, true)
}

func (s *RedisSaver) load(ctx context.Context, threadID, id string, withWrites bool) (*Tuple, error) {
	data, err := s.client.HGetAll(ctx, s.checkpointKey(threadID, id)).Result()
	if err != nil {
		return nil, fmt.Errorf("get checkpoint data: %w", err)
	}
	if len(data) == 0 {
		return nil, nil
	}
	c, err := Unmarshal([]byte(data[fieldCheckpoint]))
	if err != nil {
		return nil, err
	}
	meta, err := UnmarshalMetadata([]byte(data[fieldMetadata]))
	if err != nil {
		return nil, err
	}
	tuple := &Tuple{
		Checkpoint:   c,
		Metadata:     meta,
		Config:       ConfigFor(threadID, id),
		ParentConfig: parentConfig(threadID, data[fieldParent]),
	}
	if withWrites {
		if tuple.PendingWrites, err = s.loadWrites(ctx, threadID, id); err != nil {
			return nil, err
		}
	}
	return tuple, nil
}

func (s *RedisSaver) loadWrites(ctx context.Context, threadID, id string) ([]PendingWrite, error) {
	fields, err := s.client.HGetAll(ctx, s.writesKey(threadID, id)).Result()
	if err != nil {
		return nil, fmt.Errorf("get writes: %w", err)
	}
	encoded := make([]encodedWrite, 0, len(fields))
	for _, raw := range fields {
		var w encodedWrite
		if err := json.Unmarshal([]byte(raw), &w); err != nil {
			return nil, fmt.Errorf("unmarshal write: %w", err)
		}
		encoded = append(encoded, w)
	}
	slices.SortFunc(encoded, func(a, b encodedWrite) int {
		if c := strings.Compare(a.TaskID, b.TaskID); c != 0 {
			return c
		}
		return a.Idx - b.Idx
	})
	out := make([]PendingWrite, 0, len(encoded))
	for _, w := range encoded {
		pw, err := w.decode()
		if err != nil {
			return nil, err
		}
		out = append(out, pw)
	}
	return out, nil
}

// List implements Saver.
func (s *RedisSaver) List(ctx context.Context, filter Filter, limit int) ([]*Tuple, error) {
	threads := []string{filter.ThreadID}
	if filter.ThreadID == "" {
		var err error
		if threads, err = s.client.SMembers(ctx, s.threadsKey()).Result(); err != nil {
			return nil, fmt.Errorf("list threads: %w", err)
		}
	}

	type ref struct{ threadID, id string }
	var refs []ref
	for _, threadID := range threads {
		ids, err := s.client.ZRevRange(ctx, s.threadKey(threadID), 0, -1).Result()
		if err != nil {
			return nil, fmt.Errorf("list checkpoints: %w", err)
		}
		for _, id := range ids {
			refs = append(refs, ref{threadID, id})
		}
	}
	slices.SortFunc(refs, func(a, b ref) int { return strings.Compare(b.id, a.id) })

	var out []*Tuple
	for _, r := range refs {
		tuple, err := s.load(ctx, r.threadID, r.id, false)
		if err != nil {
			return nil, err
		}
		if tuple == nil || !filter.Matches(r.threadID, tuple.Metadata) {
			continue
		}
		out = append(out, tuple)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// Put implements Saver.
func (s *RedisSaver) Put(ctx context.Context, cfg config.Config, c *Checkpoint, meta Metadata) (config.Config, error) {
	threadID := cfg.ThreadID()
	if threadID == "" {
		return config.Config{}, ErrMissingThreadID
	}
	ckptData, err := Marshal(c)
	if err != nil {
		return config.Config{}, err
	}
	metaData, err := MarshalMetadata(meta)
	if err != nil {
		return config.Config{}, err
	}
	parent := cfg.ThreadTS()
	if parent == c.ID {
		parent = ""
	}
	ts := c.TS.UnixMilli()
	if ts <= 0 {
		ts = time.Now().UnixMilli()
	}

	ckptKey := s.checkpointKey(threadID, c.ID)
	threadKey := s.threadKey(threadID)
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, ckptKey,
		fieldCheckpoint, ckptData,
		fieldMetadata, metaData,
		fieldParent, parent,
		fieldTS, ts,
	)
	// equal scores fall back to member order, and ids sort by creation
	pipe.ZAdd(ctx, threadKey, redis.Z{Score: float64(ts), Member: c.ID})
	pipe.SAdd(ctx, s.threadsKey(), threadID)
	s.expire(ctx, pipe, ckptKey, threadKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return config.Config{}, fmt.Errorf("redis transaction failed: %w", err)
	}
	return cfg.Merge(ConfigFor(threadID, c.ID)), nil
}

// PutWrites implements Saver.
func (s *RedisSaver) PutWrites(ctx context.Context, cfg config.Config, writes []Write, taskID string) error {
	threadID, id := cfg.ThreadID(), cfg.ThreadTS()
	if threadID == "" {
		return ErrMissingThreadID
	}
	if id == "" {
		return ErrMissingThreadTS
	}
	encoded, err := encodeWrites(taskID, writes)
	if err != nil {
		return err
	}

	key := s.writesKey(threadID, id)
	fields, err := s.client.HKeys(ctx, key).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("get write fields: %w", err)
	}

	pipe := s.client.TxPipeline()
	var stale []string
	for _, f := range fields {
		if strings.HasPrefix(f, taskID+":") {
			stale = append(stale, f)
		}
	}
	if len(stale) > 0 {
		pipe.HDel(ctx, key, stale...)
	}
	for _, w := range encoded {
		data, err := json.Marshal(w)
		if err != nil {
			return fmt.Errorf("marshal write: %w", err)
		}
		pipe.HSet(ctx, key, fmt.Sprintf("%s:%d", taskID, w.Idx), data)
	}
	s.expire(ctx, pipe, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis transaction failed: %w", err)
	}
	return nil
}

// DeleteThread implements ThreadDeleter.
func (s *RedisSaver) DeleteThread(ctx context.Context, threadID string) error {
	ids, err := s.client.ZRange(ctx, s.threadKey(threadID), 0, -1).Result()
	if err != nil {
		return fmt.Errorf("list thread checkpoints: %w", err)
	}
	keys := []string{s.threadKey(threadID)}
	for _, id := range ids {
		keys = append(keys, s.checkpointKey(threadID, id), s.writesKey(threadID, id))
	}
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, keys...)
	pipe.SRem(ctx, s.threadsKey(), threadID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis transaction failed: %w", err)
	}
	return nil
}

// Close implements Saver.
func (s *RedisSaver) Close() error {
	var err error
	s.once.Do(func() {
		err = s.client.Close()
	})
	return err
}
