package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/BaSui01/contentflow/internal/database"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// checkpointRecord flow_checkpoints 表
type checkpointRecord struct {
	ID            string `gorm:"primaryKey;size:255"`
	FlowID        string `gorm:"index:idx_flow_ts,priority:1;size:191;not null"`
	TimestampNano int64  `gorm:"index:idx_flow_ts,priority:2;not null"`
	Stage         string `gorm:"size:64;not null"`
	StateClass    string `gorm:"size:128"`
	Payload       string `gorm:"type:text"`
	CreatedAt     time.Time
}

func (checkpointRecord) TableName() string { return "flow_checkpoints" }

// archiveRecord flow_archives 表
type archiveRecord struct {
	FlowID     string `gorm:"primaryKey;size:191"`
	Status     string `gorm:"primaryKey;size:16"`
	Stage      string `gorm:"size:64"`
	Data       string `gorm:"type:text"`
	ArchivedAt time.Time
}

func (archiveRecord) TableName() string { return "flow_archives" }

// SQLBackend GORM checkpoint 后端，支持 postgres / mysql / sqlite
type SQLBackend struct {
	pool   *database.Pool
	logger *zap.Logger
}

// OpenSQLBackend 按配置打开数据库并迁移表结构
func OpenSQLBackend(cfg database.Config, logger *zap.Logger) (*SQLBackend, error) {
	pool, err := database.Open(cfg, logger)
	if err != nil {
		return nil, err
	}
	b, err := NewSQLBackend(pool, logger)
	if err != nil {
		_ = pool.Close()
		return nil, err
	}
	return b, nil
}

// NewSQLBackend 基于已有连接池创建后端并执行 AutoMigrate
func NewSQLBackend(pool *database.Pool, logger *zap.Logger) (*SQLBackend, error) {
	if pool == nil {
		return nil, fmt.Errorf("%w: nil pool", ErrInvalidInput)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := pool.DB().AutoMigrate(&checkpointRecord{}, &archiveRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate checkpoint tables: %w", err)
	}
	return &SQLBackend{
		pool:   pool,
		logger: logger.With(zap.String("component", "sql_checkpoint_backend")),
	}, nil
}

func (b *SQLBackend) db(ctx context.Context) *gorm.DB {
	return b.pool.DB().WithContext(ctx)
}

func toRecord(cp *Checkpoint) checkpointRecord {
	return checkpointRecord{
		ID:            cp.ID,
		FlowID:        cp.FlowID,
		TimestampNano: cp.Timestamp.UnixNano(),
		Stage:         cp.Stage,
		StateClass:    cp.StateClass,
		Payload:       string(cp.Payload),
	}
}

func (r checkpointRecord) toCheckpoint() *Checkpoint {
	return &Checkpoint{
		ID:         r.ID,
		FlowID:     r.FlowID,
		Stage:      r.Stage,
		Timestamp:  time.Unix(0, r.TimestampNano).UTC(),
		StateClass: r.StateClass,
		Payload:    json.RawMessage(r.Payload),
	}
}

// Save 写入 checkpoint
func (b *SQLBackend) Save(ctx context.Context, cp *Checkpoint) error {
	if cp == nil || cp.ID == "" {
		return ErrInvalidInput
	}
	rec := toRecord(cp)
	if err := b.db(ctx).Save(&rec).Error; err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

// List 按时间升序返回 checkpoint
func (b *SQLBackend) List(ctx context.Context, flowID string) ([]*Checkpoint, error) {
	var recs []checkpointRecord
	err := b.db(ctx).
		Where("flow_id = ?", flowID).
		Order("timestamp_nano ASC").
		Order("id ASC").
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	out := make([]*Checkpoint, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.toCheckpoint())
	}
	return out, nil
}

// Load 按 ID 读取
func (b *SQLBackend) Load(ctx context.Context, id string) (*Checkpoint, error) {
	var rec checkpointRecord
	err := b.db(ctx).Where("id = ?", id).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	return rec.toCheckpoint(), nil
}

// Delete 删除 flow 的全部 checkpoint
func (b *SQLBackend) Delete(ctx context.Context, flowID string) (int, error) {
	res := b.db(ctx).Where("flow_id = ?", flowID).Delete(&checkpointRecord{})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to delete checkpoints: %w", res.Error)
	}
	return int(res.RowsAffected), nil
}

// Flows 返回存在 checkpoint 的 flow
func (b *SQLBackend) Flows(ctx context.Context) ([]string, error) {
	var flows []string
	err := b.db(ctx).Model(&checkpointRecord{}).
		Distinct("flow_id").
		Order("flow_id").
		Pluck("flow_id", &flows).Error
	return flows, err
}

// SaveArchive 写入归档记录
func (b *SQLBackend) SaveArchive(ctx context.Context, a *Archive) error {
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
	rec := archiveRecord{
		FlowID:     a.FlowID,
		Status:     string(a.Status),
		Stage:      a.Stage,
		Data:       string(data),
		ArchivedAt: a.ArchivedAt,
	}
	return b.pool.TxRetry(ctx, 3, func(tx *gorm.DB) error {
		return tx.Save(&rec).Error
	})
}

// LoadArchive 读取归档记录
func (b *SQLBackend) LoadArchive(ctx context.Context, status ArchiveStatus, flowID string) (*Archive, error) {
	var rec archiveRecord
	err := b.db(ctx).Where("flow_id = ? AND status = ?", flowID, string(status)).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load archive: %w", err)
	}
	var a Archive
	if err := json.Unmarshal([]byte(rec.Data), &a); err != nil {
		return nil, fmt.Errorf("failed to unmarshal archive: %w", err)
	}
	return &a, nil
}

// Stats 返回统计，storage_used 为 payload 与归档数据长度之和
func (b *SQLBackend) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	var total, completed, failed int64
	db := b.db(ctx)

	if err := db.Model(&checkpointRecord{}).Count(&total).Error; err != nil {
		return st, err
	}
	if err := db.Model(&archiveRecord{}).Where("status = ?", string(ArchiveCompleted)).Count(&completed).Error; err != nil {
		return st, err
	}
	if err := db.Model(&archiveRecord{}).Where("status = ?", string(ArchiveFailed)).Count(&failed).Error; err != nil {
		return st, err
	}

	var cpBytes, archiveBytes int64
	if err := db.Model(&checkpointRecord{}).Select("COALESCE(SUM(LENGTH(payload)), 0)").Scan(&cpBytes).Error; err != nil {
		return st, err
	}
	if err := db.Model(&archiveRecord{}).Select("COALESCE(SUM(LENGTH(data)), 0)").Scan(&archiveBytes).Error; err != nil {
		return st, err
	}

	st.TotalCheckpoints = int(total)
	st.CompletedFlows = int(completed)
	st.FailedFlows = int(failed)
	st.StorageUsed = cpBytes + archiveBytes
	return st, nil
}

// Ping 健康检查
func (b *SQLBackend) Ping(ctx context.Context) error {
	return b.pool.Ping(ctx)
}

// Close 关闭连接池
func (b *SQLBackend) Close() error {
	return b.pool.Close()
}
