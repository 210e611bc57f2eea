package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BaSui01/contentflow/internal/database"
)

// Common errors
var (
	ErrNotFound     = errors.New("not found")
	ErrStoreClosed  = errors.New("store is closed")
	ErrInvalidInput = errors.New("invalid input")
)

// StoreType represents the type of storage backend
type StoreType string

const (
	StoreTypeMemory StoreType = "memory"
	StoreTypeFile   StoreType = "file"
	StoreTypeRedis  StoreType = "redis"
	StoreTypeSQL    StoreType = "sql"
)

// ArchiveStatus 终态归档类型
type ArchiveStatus string

const (
	ArchiveCompleted ArchiveStatus = "completed"
	ArchiveFailed    ArchiveStatus = "failed"
)

// Checkpoint 一个阶段完成后的 FlowState 快照
type Checkpoint struct {
	ID         string          `json:"id"`
	FlowID     string          `json:"flow_id"`
	Stage      string          `json:"stage"`
	Timestamp  time.Time       `json:"timestamp"`
	StateClass string          `json:"state_class"`
	Payload    json.RawMessage `json:"payload"`
}

// Decode 将 payload 反序列化到 out
func (c *Checkpoint) Decode(out any) error {
	if c == nil || len(c.Payload) == 0 {
		return fmt.Errorf("%w: empty checkpoint payload", ErrInvalidInput)
	}
	return json.Unmarshal(c.Payload, out)
}

// Size 返回序列化后的近似大小
func (c *Checkpoint) Size() int64 {
	return int64(len(c.Payload) + len(c.ID) + len(c.FlowID) + len(c.Stage) + len(c.StateClass))
}

// CheckpointID 由 (flow_id, timestamp, stage) 构造 checkpoint ID。
// 时间戳补零到 20 位，字典序与时间序一致。
func CheckpointID(flowID, stage string, ts time.Time) string {
	return fmt.Sprintf("%s/%020d_%s", flowID, ts.UnixNano(), stage)
}

// splitCheckpointID 拆出 flow_id 与文件名部分
func splitCheckpointID(id string) (flowID, name string, err error) {
	i := strings.LastIndex(id, "/")
	if i <= 0 || i == len(id)-1 {
		return "", "", fmt.Errorf("%w: malformed checkpoint id %q", ErrInvalidInput, id)
	}
	return id[:i], id[i+1:], nil
}

// ErrorInfo 失败归档中的错误元数据
type ErrorInfo struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Stage   string `json:"stage"`
}

// Archive 终态 flow 的归档记录
type Archive struct {
	FlowID             string          `json:"flow_id"`
	Status             ArchiveStatus   `json:"status"`
	Stage              string          `json:"stage,omitempty"`
	ArchivedAt         time.Time       `json:"archived_at"`
	Results            json.RawMessage `json:"results,omitempty"`
	Error              *ErrorInfo      `json:"error,omitempty"`
	CheckpointsRemoved int             `json:"checkpoints_removed"`
}

// Stats 存储统计
type Stats struct {
	TotalCheckpoints int   `json:"total_checkpoints"`
	CompletedFlows   int   `json:"completed_flows"`
	FailedFlows      int   `json:"failed_flows"`
	StorageUsed      int64 `json:"storage_used"`
}

// Backend checkpoint 存储后端契约，按 (flow_id, stage, timestamp) 组织
type Backend interface {
	// Save 写入一个 checkpoint
	Save(ctx context.Context, cp *Checkpoint) error
	// List 按时间升序返回 flow 的全部 checkpoint
	List(ctx context.Context, flowID string) ([]*Checkpoint, error)
	// Load 按 ID 读取 checkpoint
	Load(ctx context.Context, id string) (*Checkpoint, error)
	// Delete 删除 flow 的全部 checkpoint，返回删除数量
	Delete(ctx context.Context, flowID string) (int, error)
	// Flows 返回当前存在 checkpoint 的 flow ID
	Flows(ctx context.Context) ([]string, error)

	SaveArchive(ctx context.Context, a *Archive) error
	LoadArchive(ctx context.Context, status ArchiveStatus, flowID string) (*Archive, error)

	Stats(ctx context.Context) (Stats, error)
	Ping(ctx context.Context) error
	Close() error
}

// RetryConfig checkpoint 写入重试配置
type RetryConfig struct {
	// MaxRetries is the maximum number of retry attempts (default: 3)
	MaxRetries int `json:"max_retries" yaml:"max_retries" env:"MAX_RETRIES"`

	// InitialBackoff is the initial backoff duration (default: 100ms)
	InitialBackoff time.Duration `json:"initial_backoff" yaml:"initial_backoff" env:"INITIAL_BACKOFF"`

	// MaxBackoff is the maximum backoff duration (default: 2s)
	MaxBackoff time.Duration `json:"max_backoff" yaml:"max_backoff" env:"MAX_BACKOFF"`

	// BackoffMultiplier is the multiplier for exponential backoff (default: 2.0)
	BackoffMultiplier float64 `json:"backoff_multiplier" yaml:"backoff_multiplier" env:"BACKOFF_MULTIPLIER"`
}

// DefaultRetryConfig returns the default retry configuration
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:        3,
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        2 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// RedisStoreConfig contains Redis-specific configuration
type RedisStoreConfig struct {
	Host      string `json:"host" yaml:"host" env:"HOST"`
	Port      int    `json:"port" yaml:"port" env:"PORT"`
	Password  string `json:"password" yaml:"password" env:"PASSWORD"`
	DB        int    `json:"db" yaml:"db" env:"DB"`
	PoolSize  int    `json:"pool_size" yaml:"pool_size" env:"POOL_SIZE"`
	KeyPrefix string `json:"key_prefix" yaml:"key_prefix" env:"KEY_PREFIX"`
	// TTL 对 checkpoint 与归档设置过期时间，0 表示不过期
	TTL time.Duration `json:"ttl" yaml:"ttl" env:"TTL"`
}

// StoreConfig is the base configuration for all store implementations
type StoreConfig struct {
	// Type is the storage backend type
	Type StoreType `json:"type" yaml:"type" env:"TYPE"`

	// BaseDir is the base directory for file-based storage
	BaseDir string `json:"base_dir" yaml:"base_dir" env:"BASE_DIR"`

	// Redis configuration (only used when Type is "redis")
	Redis RedisStoreConfig `json:"redis" yaml:"redis" env:"REDIS"`

	// SQL configuration (only used when Type is "sql")
	SQL database.Config `json:"sql" yaml:"sql" env:"SQL"`

	// Retry configuration for checkpoint writes
	Retry RetryConfig `json:"retry" yaml:"retry" env:"RETRY"`
}

// DefaultStoreConfig returns the default store configuration
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		Type:    StoreTypeFile,
		BaseDir: "./data",
		Redis: RedisStoreConfig{
			Host:      "localhost",
			Port:      6379,
			PoolSize:  10,
			KeyPrefix: "contentflow:",
		},
		SQL: database.Config{
			Driver: database.DriverSQLite,
			DSN:    "./data/contentflow.db",
			Pool:   database.DefaultPoolConfig(),
		},
		Retry: DefaultRetryConfig(),
	}
}

// validFlowID flow_id 会出现在文件路径与 redis key 中
func validFlowID(flowID string) error {
	if flowID == "" {
		return fmt.Errorf("%w: empty flow id", ErrInvalidInput)
	}
	if strings.ContainsAny(flowID, `/\`) || strings.Contains(flowID, "..") {
		return fmt.Errorf("%w: flow id %q contains path characters", ErrInvalidInput, flowID)
	}
	return nil
}
