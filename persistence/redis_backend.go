package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisBackend is a Redis-based checkpoint backend.
// Suitable for distributed deployments where several workers may resume a flow.
// Checkpoints are stored as strings with a sorted set per flow ordered by timestamp.
type RedisBackend struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
	logger    *zap.Logger
}

// NewRedisBackend creates a Redis backend and verifies the connection
func NewRedisBackend(config RedisStoreConfig, logger *zap.Logger) (*RedisBackend, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", config.Host, config.Port),
		Password: config.Password,
		DB:       config.DB,
		PoolSize: config.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewRedisBackendWithClient(client, config.KeyPrefix, config.TTL, logger), nil
}

// NewRedisBackendWithClient wraps an existing client
func NewRedisBackendWithClient(client *redis.Client, keyPrefix string, ttl time.Duration, logger *zap.Logger) *RedisBackend {
	if logger == nil {
		logger = zap.NewNop()
	}
	if keyPrefix == "" {
		keyPrefix = "contentflow:"
	}
	return &RedisBackend{
		client:    client,
		keyPrefix: keyPrefix,
		ttl:       ttl,
		logger:    logger.With(zap.String("component", "redis_checkpoint_backend")),
	}
}

// dataKey returns the Redis key holding a checkpoint
func (b *RedisBackend) dataKey(id string) string {
	return b.keyPrefix + "checkpoint:data:" + id
}

// flowKey returns the sorted set indexing a flow's checkpoints
func (b *RedisBackend) flowKey(flowID string) string {
	return b.keyPrefix + "checkpoint:flow:" + flowID
}

// flowsKey returns the set of flows that currently have checkpoints
func (b *RedisBackend) flowsKey() string {
	return b.keyPrefix + "checkpoint:flows"
}

func (b *RedisBackend) archiveKey(status ArchiveStatus, flowID string) string {
	return b.keyPrefix + "archive:" + string(status) + ":" + flowID
}

func (b *RedisBackend) archiveIndexKey(status ArchiveStatus) string {
	return b.keyPrefix + "archive:" + string(status)
}

// Save persists a checkpoint and indexes it
func (b *RedisBackend) Save(ctx context.Context, cp *Checkpoint) error {
	if cp == nil || cp.ID == "" {
		return ErrInvalidInput
	}
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}

	pipe := b.client.TxPipeline()
	pipe.Set(ctx, b.dataKey(cp.ID), data, b.ttl)
	// 微秒分数在 float64 中精确；同一微秒内的先后由 List 按 Timestamp 重排
	pipe.ZAdd(ctx, b.flowKey(cp.FlowID), redis.Z{Score: float64(cp.Timestamp.UnixMicro()), Member: cp.ID})
	pipe.SAdd(ctx, b.flowsKey(), cp.FlowID)
	if b.ttl > 0 {
		pipe.Expire(ctx, b.flowKey(cp.FlowID), b.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

// List returns a flow's checkpoints in ascending timestamp order
func (b *RedisBackend) List(ctx context.Context, flowID string) ([]*Checkpoint, error) {
	ids, err := b.client.ZRange(ctx, b.flowKey(flowID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = b.dataKey(id)
	}
	values, err := b.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoints: %w", err)
	}

	out := make([]*Checkpoint, 0, len(values))
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			// 数据已过期但索引还在
			continue
		}
		var cp Checkpoint
		if err := json.Unmarshal([]byte(s), &cp); err != nil {
			b.logger.Warn("skipping corrupt checkpoint", zap.String("id", ids[i]), zap.Error(err))
			continue
		}
		out = append(out, &cp)
	}
	// 分数只到微秒，按完整 Timestamp 排序，相同时再按 ID
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].ID < out[j].ID
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out, nil
}

// Load reads a checkpoint by ID
func (b *RedisBackend) Load(ctx context.Context, id string) (*Checkpoint, error) {
	data, err := b.client.Get(ctx, b.dataKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal checkpoint: %w", err)
	}
	return &cp, nil
}

// Delete removes every checkpoint of a flow
func (b *RedisBackend) Delete(ctx context.Context, flowID string) (int, error) {
	ids, err := b.client.ZRange(ctx, b.flowKey(flowID), 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to list checkpoints: %w", err)
	}

	pipe := b.client.TxPipeline()
	for _, id := range ids {
		pipe.Del(ctx, b.dataKey(id))
	}
	pipe.Del(ctx, b.flowKey(flowID))
	pipe.SRem(ctx, b.flowsKey(), flowID)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to delete checkpoints: %w", err)
	}
	return len(ids), nil
}

// Flows returns flows that currently have checkpoints
func (b *RedisBackend) Flows(ctx context.Context) ([]string, error) {
	flows, err := b.client.SMembers(ctx, b.flowsKey()).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(flows)
	return flows, nil
}

// SaveArchive persists an archive record
func (b *RedisBackend) SaveArchive(ctx context.Context, a *Archive) error {
	if a == nil || a.FlowID == "" {
		return ErrInvalidInput
	}
	if a.Status != ArchiveCompleted && a.Status != ArchiveFailed {
		return fmt.Errorf("%w: archive status %q", ErrInvalidInput, a.Status)
	}
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("failed to marshal archive: %w", err)
	}
	pipe := b.client.TxPipeline()
	pipe.Set(ctx, b.archiveKey(a.Status, a.FlowID), data, b.ttl)
	pipe.SAdd(ctx, b.archiveIndexKey(a.Status), a.FlowID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save archive: %w", err)
	}
	return nil
}

// LoadArchive reads an archive record
func (b *RedisBackend) LoadArchive(ctx context.Context, status ArchiveStatus, flowID string) (*Archive, error) {
	data, err := b.client.Get(ctx, b.archiveKey(status, flowID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load archive: %w", err)
	}
	var a Archive
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("failed to unmarshal archive: %w", err)
	}
	return &a, nil
}

// Stats counts checkpoints and archives; storage is the sum of value lengths
func (b *RedisBackend) Stats(ctx context.Context) (Stats, error) {
	var st Stats

	flows, err := b.client.SMembers(ctx, b.flowsKey()).Result()
	if err != nil {
		return st, err
	}
	for _, flowID := range flows {
		ids, err := b.client.ZRange(ctx, b.flowKey(flowID), 0, -1).Result()
		if err != nil {
			return st, err
		}
		st.TotalCheckpoints += len(ids)
		for _, id := range ids {
			n, err := b.client.StrLen(ctx, b.dataKey(id)).Result()
			if err != nil {
				return st, err
			}
			st.StorageUsed += n
		}
	}

	for _, status := range []ArchiveStatus{ArchiveCompleted, ArchiveFailed} {
		members, err := b.client.SMembers(ctx, b.archiveIndexKey(status)).Result()
		if err != nil {
			return st, err
		}
		for _, flowID := range members {
			n, err := b.client.StrLen(ctx, b.archiveKey(status, flowID)).Result()
			if err != nil {
				return st, err
			}
			st.StorageUsed += n
		}
		if status == ArchiveCompleted {
			st.CompletedFlows = len(members)
		} else {
			st.FailedFlows = len(members)
		}
	}
	return st, nil
}

// Ping checks if the store is healthy
func (b *RedisBackend) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// Close closes the underlying client
func (b *RedisBackend) Close() error {
	return b.client.Close()
}
