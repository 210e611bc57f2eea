package persistence

import (
	"fmt"

	"go.uber.org/zap"
)

// NewBackend creates a checkpoint Backend based on the configuration
func NewBackend(config StoreConfig, logger *zap.Logger) (Backend, error) {
	switch config.Type {
	case StoreTypeMemory, "":
		return NewMemoryBackend(), nil
	case StoreTypeFile:
		return NewFileBackend(config.BaseDir, logger)
	case StoreTypeRedis:
		return NewRedisBackend(config.Redis, logger)
	case StoreTypeSQL:
		return OpenSQLBackend(config.SQL, logger)
	default:
		return nil, fmt.Errorf("unsupported checkpoint store type: %s", config.Type)
	}
}

// NewCheckpointStoreFromConfig creates the backend and wraps it in a CheckpointStore
func NewCheckpointStoreFromConfig(config StoreConfig, logger *zap.Logger) (*CheckpointStore, error) {
	backend, err := NewBackend(config, logger)
	if err != nil {
		return nil, err
	}
	return NewCheckpointStore(backend, logger, WithRetry(config.Retry)), nil
}
