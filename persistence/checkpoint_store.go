package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/BaSui01/contentflow/retry"
	"github.com/BaSui01/contentflow/types"
	"go.uber.org/zap"
)

// CheckpointInfo ListCheckpoints 返回的摘要
type CheckpointInfo struct {
	ID        string    `json:"id"`
	Stage     string    `json:"stage"`
	Timestamp time.Time `json:"timestamp"`
	Filepath  string    `json:"filepath"`
	Size      int64     `json:"size"`
}

// StateClassNamer 状态对象可以自定义 checkpoint 中记录的类型名
type StateClassNamer interface {
	StateClass() string
}

type pathResolver interface {
	CheckpointPath(id string) (string, error)
}

// StoreOption CheckpointStore 选项
type StoreOption func(*CheckpointStore)

// WithRetry 设置写入重试策略
func WithRetry(cfg RetryConfig) StoreOption {
	return func(s *CheckpointStore) {
		s.policy = &retry.Policy{
			MaxAttempts:  cfg.MaxRetries + 1,
			InitialDelay: cfg.InitialBackoff,
			MaxDelay:     cfg.MaxBackoff,
			Multiplier:   cfg.BackoffMultiplier,
			Jitter:       true,
			RetryIf:      isRetryableStoreError,
		}
	}
}

// isRetryableStoreError 参数错误与已关闭的后端不重试
func isRetryableStoreError(err error) bool {
	return !errors.Is(err, ErrInvalidInput) && !errors.Is(err, ErrStoreClosed)
}

// WithClock 替换时间源（测试用）
func WithClock(now func() time.Time) StoreOption {
	return func(s *CheckpointStore) {
		if now != nil {
			s.now = now
		}
	}
}

// CheckpointStore 在 Backend 之上实现 checkpoint 保存、恢复与归档
type CheckpointStore struct {
	backend Backend
	policy  *retry.Policy
	logger  *zap.Logger
	now     func() time.Time

	mu   sync.Mutex
	last map[string]time.Time
}

// NewCheckpointStore 创建 CheckpointStore
func NewCheckpointStore(backend Backend, logger *zap.Logger, opts ...StoreOption) *CheckpointStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &CheckpointStore{
		backend: backend,
		logger:  logger.With(zap.String("component", "checkpoint_store")),
		now:     time.Now,
		last:    make(map[string]time.Time),
	}
	WithRetry(DefaultRetryConfig())(s)
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Backend 返回底层后端
func (s *CheckpointStore) Backend() Backend { return s.backend }

// nextTimestamp 保证同一 flow 的 checkpoint 时间戳严格递增
func (s *CheckpointStore) nextTimestamp(flowID string) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts := s.now().UTC()
	if prev, ok := s.last[flowID]; ok && !ts.After(prev) {
		ts = prev.Add(time.Nanosecond)
	}
	s.last[flowID] = ts
	return ts
}

func stateClassOf(state any) string {
	if n, ok := state.(StateClassNamer); ok {
		return n.StateClass()
	}
	t := reflect.TypeOf(state)
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == nil {
		return "nil"
	}
	if t.Name() == "" {
		return t.String()
	}
	return t.Name()
}

func (s *CheckpointStore) retryer(op string) retry.Retryer {
	return retry.NewBackoffRetryer(s.policy, s.logger.With(zap.String("op", op)))
}

func (s *CheckpointStore) withRetry(ctx context.Context, op string, fn func() error) error {
	return s.retryer(op).Do(ctx, fn)
}

// list 读取 flow 的全部 checkpoint，瞬时错误按写入策略重试
func (s *CheckpointStore) list(ctx context.Context, flowID string) ([]*Checkpoint, error) {
	return retry.Value(ctx, s.retryer("list_checkpoints"), func(ctx context.Context) ([]*Checkpoint, error) {
		return s.backend.List(ctx, flowID)
	})
}

// SaveCheckpoint 序列化 state 并写入一个 checkpoint
func (s *CheckpointStore) SaveCheckpoint(ctx context.Context, flowID, stage string, state any) (*Checkpoint, error) {
	if err := validFlowID(flowID); err != nil {
		return nil, err
	}
	if stage == "" {
		return nil, fmt.Errorf("%w: empty stage", ErrInvalidInput)
	}
	payload, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal checkpoint state: %w", err)
	}

	ts := s.nextTimestamp(flowID)
	cp := &Checkpoint{
		ID:         CheckpointID(flowID, stage, ts),
		FlowID:     flowID,
		Stage:      stage,
		Timestamp:  ts,
		StateClass: stateClassOf(state),
		Payload:    payload,
	}
	if err := s.withRetry(ctx, "save_checkpoint", func() error {
		return s.backend.Save(ctx, cp)
	}); err != nil {
		return nil, err
	}

	s.logger.Debug("checkpoint saved",
		zap.String("flow_id", flowID),
		zap.String("stage", stage),
		zap.String("id", cp.ID),
		zap.Int("bytes", len(payload)))
	return cp, nil
}

// ListCheckpoints 按时间升序列出 flow 的 checkpoint
func (s *CheckpointStore) ListCheckpoints(ctx context.Context, flowID string) ([]CheckpointInfo, error) {
	if err := validFlowID(flowID); err != nil {
		return nil, err
	}
	cps, err := s.list(ctx, flowID)
	if err != nil {
		return nil, err
	}
	resolver, _ := s.backend.(pathResolver)
	out := make([]CheckpointInfo, 0, len(cps))
	for _, cp := range cps {
		path := cp.ID
		if resolver != nil {
			if p, err := resolver.CheckpointPath(cp.ID); err == nil {
				path = p
			}
		}
		out = append(out, CheckpointInfo{
			ID:        cp.ID,
			Stage:     cp.Stage,
			Timestamp: cp.Timestamp,
			Filepath:  path,
			Size:      cp.Size(),
		})
	}
	return out, nil
}

// RecoverLatest 返回 flow 最新的 checkpoint，不存在时返回 ErrNotFound
func (s *CheckpointStore) RecoverLatest(ctx context.Context, flowID string) (*Checkpoint, error) {
	if err := validFlowID(flowID); err != nil {
		return nil, err
	}
	cps, err := s.list(ctx, flowID)
	if err != nil {
		return nil, err
	}
	if len(cps) == 0 {
		return nil, ErrNotFound
	}
	return cps[len(cps)-1], nil
}

// RecoverLatestInto 恢复最新 checkpoint 并反序列化到 out
func (s *CheckpointStore) RecoverLatestInto(ctx context.Context, flowID string, out any) (*Checkpoint, error) {
	cp, err := s.RecoverLatest(ctx, flowID)
	if err != nil {
		return nil, err
	}
	if err := cp.Decode(out); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint %s: %w", cp.ID, err)
	}
	return cp, nil
}

// ArchiveCompleted 写入 completed 归档并删除该 flow 的全部 checkpoint
func (s *CheckpointStore) ArchiveCompleted(ctx context.Context, flowID string, results any) (*Archive, error) {
	if err := validFlowID(flowID); err != nil {
		return nil, err
	}
	var raw json.RawMessage
	if results != nil {
		data, err := json.Marshal(results)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal results: %w", err)
		}
		raw = data
	}
	a := &Archive{
		FlowID:     flowID,
		Status:     ArchiveCompleted,
		ArchivedAt: s.now().UTC(),
		Results:    raw,
	}
	return a, s.archive(ctx, a)
}

// ArchiveFailed 写入 failed 归档（含错误元数据）并删除该 flow 的全部 checkpoint
func (s *CheckpointStore) ArchiveFailed(ctx context.Context, flowID string, cause error, stage string) (*Archive, error) {
	if err := validFlowID(flowID); err != nil {
		return nil, err
	}
	info := &ErrorInfo{Stage: stage}
	if cause != nil {
		info.Type = types.TypeName(cause)
		info.Message = cause.Error()
	}
	a := &Archive{
		FlowID:     flowID,
		Status:     ArchiveFailed,
		Stage:      stage,
		ArchivedAt: s.now().UTC(),
		Error:      info,
	}
	return a, s.archive(ctx, a)
}

// archive 先写归档再删除 checkpoint，中途崩溃时仍可从 checkpoint 恢复
func (s *CheckpointStore) archive(ctx context.Context, a *Archive) error {
	cps, err := s.backend.List(ctx, a.FlowID)
	if err != nil {
		return err
	}
	a.CheckpointsRemoved = len(cps)
	if len(cps) > 0 && a.Stage == "" {
		a.Stage = cps[len(cps)-1].Stage
	}

	if err := s.withRetry(ctx, "save_archive", func() error {
		return s.backend.SaveArchive(ctx, a)
	}); err != nil {
		return fmt.Errorf("failed to write %s archive: %w", a.Status, err)
	}

	removed, err := s.backend.Delete(ctx, a.FlowID)
	if err != nil {
		return fmt.Errorf("archive written but checkpoint cleanup failed: %w", err)
	}

	s.mu.Lock()
	delete(s.last, a.FlowID)
	s.mu.Unlock()

	s.logger.Info("flow archived",
		zap.String("flow_id", a.FlowID),
		zap.String("status", string(a.Status)),
		zap.String("stage", a.Stage),
		zap.Int("checkpoints_removed", removed))
	return nil
}

// LoadArchive 读取归档记录
func (s *CheckpointStore) LoadArchive(ctx context.Context, status ArchiveStatus, flowID string) (*Archive, error) {
	return s.backend.LoadArchive(ctx, status, flowID)
}

// Flows 返回存在 checkpoint 的 flow
func (s *CheckpointStore) Flows(ctx context.Context) ([]string, error) {
	return s.backend.Flows(ctx)
}

// GetStatistics 返回存储统计
func (s *CheckpointStore) GetStatistics(ctx context.Context) (Stats, error) {
	return s.backend.Stats(ctx)
}

// Ping 健康检查
func (s *CheckpointStore) Ping(ctx context.Context) error {
	return s.backend.Ping(ctx)
}

// Close 关闭底层后端
func (s *CheckpointStore) Close() error {
	return s.backend.Close()
}
