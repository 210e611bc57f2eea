package mocks

import (
	"context"
	"sync"

	"github.com/BaSui01/contentflow/persistence"
)

// CheckpointCall 一次 checkpoint 写入记录
type CheckpointCall struct {
	FlowID string
	Stage  string
	ID     string
}

// RecordingCheckpointer 包装 persistence.CheckpointStore，记录每次写入与归档，可注入写入失败
type RecordingCheckpointer struct {
	*persistence.CheckpointStore

	mu        sync.Mutex
	saves     []CheckpointCall
	completed []string
	failed    []string
	saveErr   error
	failAfter int
}

// NewRecordingCheckpointer 基于内存后端创建
func NewRecordingCheckpointer() *RecordingCheckpointer {
	return NewRecordingCheckpointerWith(persistence.NewCheckpointStore(persistence.NewMemoryBackend(), nil))
}

// NewRecordingCheckpointerWith 包装已有的存储
func NewRecordingCheckpointerWith(store *persistence.CheckpointStore) *RecordingCheckpointer {
	return &RecordingCheckpointer{CheckpointStore: store}
}

// FailSavesAfter 成功写入 n 次后所有写入返回 err
func (c *RecordingCheckpointer) FailSavesAfter(n int, err error) *RecordingCheckpointer {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failAfter = n
	c.saveErr = err
	return c
}

// SaveCheckpoint 记录后写入底层存储
func (c *RecordingCheckpointer) SaveCheckpoint(ctx context.Context, flowID, stage string, state any) (*persistence.Checkpoint, error) {
	c.mu.Lock()
	if c.saveErr != nil && len(c.saves) >= c.failAfter {
		err := c.saveErr
		c.mu.Unlock()
		return nil, err
	}
	c.mu.Unlock()

	cp, err := c.CheckpointStore.SaveCheckpoint(ctx, flowID, stage, state)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.saves = append(c.saves, CheckpointCall{FlowID: flowID, Stage: stage, ID: cp.ID})
	c.mu.Unlock()
	return cp, nil
}

// ArchiveCompleted 记录后归档
func (c *RecordingCheckpointer) ArchiveCompleted(ctx context.Context, flowID string, results any) (*persistence.Archive, error) {
	a, err := c.CheckpointStore.ArchiveCompleted(ctx, flowID, results)
	if err == nil {
		c.mu.Lock()
		c.completed = append(c.completed, flowID)
		c.mu.Unlock()
	}
	return a, err
}

// ArchiveFailed 记录后归档
func (c *RecordingCheckpointer) ArchiveFailed(ctx context.Context, flowID string, cause error, stage string) (*persistence.Archive, error) {
	a, err := c.CheckpointStore.ArchiveFailed(ctx, flowID, cause, stage)
	if err == nil {
		c.mu.Lock()
		c.failed = append(c.failed, flowID)
		c.mu.Unlock()
	}
	return a, err
}

// Saves 返回某个 flow 的写入记录；flowID 为空返回全部
func (c *RecordingCheckpointer) Saves(flowID string) []CheckpointCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []CheckpointCall
	for _, s := range c.saves {
		if flowID == "" || s.FlowID == flowID {
			out = append(out, s)
		}
	}
	return out
}

// SavedStages 返回某个 flow 按写入顺序的阶段名
func (c *RecordingCheckpointer) SavedStages(flowID string) []string {
	var out []string
	for _, s := range c.Saves(flowID) {
		out = append(out, s.Stage)
	}
	return out
}

// CompletedFlows 返回完成归档的 flow
func (c *RecordingCheckpointer) CompletedFlows() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.completed...)
}

// FailedFlows 返回失败归档的 flow
func (c *RecordingCheckpointer) FailedFlows() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.failed...)
}
