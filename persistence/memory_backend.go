package persistence

import (
	"context"
	"sort"
	"sync"
)

// MemoryBackend 内存 checkpoint 后端，适合开发与测试
type MemoryBackend struct {
	checkpoints map[string][]*Checkpoint // flow_id -> 按时间升序
	archives    map[ArchiveStatus]map[string]*Archive
	closed      bool
	mu          sync.RWMutex
}

// NewMemoryBackend 创建内存后端
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		checkpoints: make(map[string][]*Checkpoint),
		archives: map[ArchiveStatus]map[string]*Archive{
			ArchiveCompleted: make(map[string]*Archive),
			ArchiveFailed:    make(map[string]*Archive),
		},
	}
}

func cloneCheckpoint(cp *Checkpoint) *Checkpoint {
	c := *cp
	c.Payload = append([]byte(nil), cp.Payload...)
	return &c
}

// Save 写入 checkpoint
func (b *MemoryBackend) Save(ctx context.Context, cp *Checkpoint) error {
	if cp == nil || cp.ID == "" {
		return ErrInvalidInput
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrStoreClosed
	}

	list := append(b.checkpoints[cp.FlowID], cloneCheckpoint(cp))
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].Timestamp.Equal(list[j].Timestamp) {
			return list[i].ID < list[j].ID
		}
		return list[i].Timestamp.Before(list[j].Timestamp)
	})
	b.checkpoints[cp.FlowID] = list
	return nil
}

// List 按时间升序返回 checkpoint
func (b *MemoryBackend) List(ctx context.Context, flowID string) ([]*Checkpoint, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, ErrStoreClosed
	}
	src := b.checkpoints[flowID]
	out := make([]*Checkpoint, 0, len(src))
	for _, cp := range src {
		out = append(out, cloneCheckpoint(cp))
	}
	return out, nil
}

// Load 按 ID 读取
func (b *MemoryBackend) Load(ctx context.Context, id string) (*Checkpoint, error) {
	flowID, _, err := splitCheckpointID(id)
	if err != nil {
		return nil, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, ErrStoreClosed
	}
	for _, cp := range b.checkpoints[flowID] {
		if cp.ID == id {
			return cloneCheckpoint(cp), nil
		}
	}
	return nil, ErrNotFound
}

// Delete 删除 flow 的全部 checkpoint
func (b *MemoryBackend) Delete(ctx context.Context, flowID string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, ErrStoreClosed
	}
	n := len(b.checkpoints[flowID])
	delete(b.checkpoints, flowID)
	return n, nil
}

// Flows 返回存在 checkpoint 的 flow
func (b *MemoryBackend) Flows(ctx context.Context) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, ErrStoreClosed
	}
	out := make([]string, 0, len(b.checkpoints))
	for id := range b.checkpoints {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

// SaveArchive 写入归档记录
func (b *MemoryBackend) SaveArchive(ctx context.Context, a *Archive) error {
	if a == nil || a.FlowID == "" {
		return ErrInvalidInput
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrStoreClosed
	}
	bucket, ok := b.archives[a.Status]
	if !ok {
		return ErrInvalidInput
	}
	c := *a
	bucket[a.FlowID] = &c
	return nil
}

// LoadArchive 读取归档记录
func (b *MemoryBackend) LoadArchive(ctx context.Context, status ArchiveStatus, flowID string) (*Archive, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, ErrStoreClosed
	}
	a, ok := b.archives[status][flowID]
	if !ok {
		return nil, ErrNotFound
	}
	c := *a
	return &c, nil
}

// Stats 返回统计
func (b *MemoryBackend) Stats(ctx context.Context) (Stats, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return Stats{}, ErrStoreClosed
	}
	var st Stats
	for _, list := range b.checkpoints {
		st.TotalCheckpoints += len(list)
		for _, cp := range list {
			st.StorageUsed += cp.Size()
		}
	}
	st.CompletedFlows = len(b.archives[ArchiveCompleted])
	st.FailedFlows = len(b.archives[ArchiveFailed])
	for _, bucket := range b.archives {
		for _, a := range bucket {
			st.StorageUsed += int64(len(a.Results) + len(a.FlowID))
		}
	}
	return st, nil
}

// Ping 健康检查
func (b *MemoryBackend) Ping(ctx context.Context) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrStoreClosed
	}
	return nil
}

// Close 关闭后端
func (b *MemoryBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}
