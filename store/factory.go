package store

import (
	"fmt"

	"go.uber.org/zap"
)

// NewTaskStore creates a task store for the configured backend.
func NewTaskStore(config Config, logger *zap.Logger) (TaskStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch config.Type {
	case TypeMemory, "":
		return NewMemoryTaskStore(), nil
	case TypeRedis:
		return NewRedisTaskStore(config, logger)
	case TypeSQL:
		return NewSQLTaskStore(config, logger)
	default:
		return nil, fmt.Errorf("unknown store type: %s", config.Type)
	}
}
