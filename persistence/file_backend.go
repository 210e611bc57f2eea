package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// FileBackend 基于文件的 checkpoint 后端，适合单节点部署。
//
// 目录结构：
//
//	<base>/checkpoints/<flow_id>/<unixnano>_<stage>.json
//	<base>/completed/<flow_id>.json
//	<base>/failed/<flow_id>.json
type FileBackend struct {
	baseDir string
	logger  *zap.Logger
	mu      sync.RWMutex
	closed  bool
}

// NewFileBackend 创建文件后端
func NewFileBackend(baseDir string, logger *zap.Logger) (*FileBackend, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if baseDir == "" {
		return nil, fmt.Errorf("%w: empty base dir", ErrInvalidInput)
	}
	for _, dir := range []string{"checkpoints", string(ArchiveCompleted), string(ArchiveFailed)} {
		if err := os.MkdirAll(filepath.Join(baseDir, dir), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create checkpoint directory: %w", err)
		}
	}
	return &FileBackend{
		baseDir: baseDir,
		logger:  logger.With(zap.String("component", "file_checkpoint_backend")),
	}, nil
}

func (b *FileBackend) flowDir(flowID string) string {
	return filepath.Join(b.baseDir, "checkpoints", flowID)
}

func (b *FileBackend) archivePath(status ArchiveStatus, flowID string) string {
	return filepath.Join(b.baseDir, string(status), flowID+".json")
}

// CheckpointPath 返回 checkpoint 文件路径
func (b *FileBackend) CheckpointPath(id string) (string, error) {
	flowID, name, err := splitCheckpointID(id)
	if err != nil {
		return "", err
	}
	return filepath.Join(b.flowDir(flowID), name+".json"), nil
}

// writeAtomic 原子写: 写入临时文件后重命名
func writeAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func readJSON(path string, out any) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

// Save 写入 checkpoint
func (b *FileBackend) Save(ctx context.Context, cp *Checkpoint) error {
	if cp == nil || cp.ID == "" {
		return ErrInvalidInput
	}
	path, err := b.CheckpointPath(cp.ID)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrStoreClosed
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create flow directory: %w", err)
	}
	if err := writeAtomic(path, cp); err != nil {
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	return nil
}

// List 按时间升序返回 checkpoint（文件名前缀即时间戳）
func (b *FileBackend) List(ctx context.Context, flowID string) ([]*Checkpoint, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, ErrStoreClosed
	}

	entries, err := os.ReadDir(b.flowDir(flowID))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	out := make([]*Checkpoint, 0, len(names))
	for _, name := range names {
		var cp Checkpoint
		if err := readJSON(filepath.Join(b.flowDir(flowID), name), &cp); err != nil {
			b.logger.Warn("skipping unreadable checkpoint", zap.String("file", name), zap.Error(err))
			continue
		}
		out = append(out, &cp)
	}
	return out, nil
}

// Load 按 ID 读取
func (b *FileBackend) Load(ctx context.Context, id string) (*Checkpoint, error) {
	path, err := b.CheckpointPath(id)
	if err != nil {
		return nil, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, ErrStoreClosed
	}
	var cp Checkpoint
	if err := readJSON(path, &cp); err != nil {
		return nil, err
	}
	return &cp, nil
}

// Delete 删除 flow 目录
func (b *FileBackend) Delete(ctx context.Context, flowID string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, ErrStoreClosed
	}

	dir := b.flowDir(flowID)
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	n := 0
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") {
			n++
		}
	}
	if err := os.RemoveAll(dir); err != nil {
		return 0, fmt.Errorf("failed to remove checkpoints: %w", err)
	}
	return n, nil
}

// Flows 返回存在 checkpoint 的 flow
func (b *FileBackend) Flows(ctx context.Context) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, ErrStoreClosed
	}
	entries, err := os.ReadDir(filepath.Join(b.baseDir, "checkpoints"))
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			out = append(out, e.Name())
		}
	}
	sort.Strings(out)
	return out, nil
}

// SaveArchive 写入归档
func (b *FileBackend) SaveArchive(ctx context.Context, a *Archive) error {
	if a == nil || a.FlowID == "" {
		return ErrInvalidInput
	}
	if a.Status != ArchiveCompleted && a.Status != ArchiveFailed {
		return fmt.Errorf("%w: archive status %q", ErrInvalidInput, a.Status)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrStoreClosed
	}
	return writeAtomic(b.archivePath(a.Status, a.FlowID), a)
}

// LoadArchive 读取归档
func (b *FileBackend) LoadArchive(ctx context.Context, status ArchiveStatus, flowID string) (*Archive, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, ErrStoreClosed
	}
	var a Archive
	if err := readJSON(b.archivePath(status, flowID), &a); err != nil {
		return nil, err
	}
	return &a, nil
}

// Stats 遍历目录统计数量与磁盘占用
func (b *FileBackend) Stats(ctx context.Context) (Stats, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return Stats{}, ErrStoreClosed
	}

	var st Stats
	err := filepath.WalkDir(b.baseDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".json") {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		st.StorageUsed += info.Size()

		rel, _ := filepath.Rel(b.baseDir, path)
		switch strings.SplitN(filepath.ToSlash(rel), "/", 2)[0] {
		case "checkpoints":
			st.TotalCheckpoints++
		case string(ArchiveCompleted):
			st.CompletedFlows++
		case string(ArchiveFailed):
			st.FailedFlows++
		}
		return nil
	})
	return st, err
}

// Ping 健康检查
func (b *FileBackend) Ping(ctx context.Context) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrStoreClosed
	}
	_, err := os.Stat(b.baseDir)
	return err
}

// Close 关闭后端
func (b *FileBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}
