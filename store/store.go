// Package store provides durable persistence for tasks, keyed by task id,
// thread key, and correlation key, plus an append-only audit trail per task.
//
// Backends:
//   - Memory: development and tests (default)
//   - Redis: distributed deployments
//   - SQL: GORM-backed relational storage (sqlite, postgres, mysql)
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/opsflow/opsflow/task"
)

// Common errors
var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrStoreClosed   = errors.New("store is closed")
	ErrInvalidInput  = errors.New("invalid input")
	ErrNotArchivable = errors.New("task is not in a terminal state")
)

// Type represents the storage backend type.
type Type string

const (
	TypeMemory Type = "memory"
	TypeRedis  Type = "redis"
	TypeSQL    Type = "sql"
)

// RedisConfig contains Redis-specific configuration.
type RedisConfig struct {
	Addr      string `json:"addr" yaml:"addr"`
	Password  string `json:"password" yaml:"password"`
	DB        int    `json:"db" yaml:"db"`
	PoolSize  int    `json:"pool_size" yaml:"pool_size"`
	KeyPrefix string `json:"key_prefix" yaml:"key_prefix"`
}

// SQLConfig contains GORM-specific configuration.
type SQLConfig struct {
	// Driver selects the dialector: sqlite, postgres, or mysql.
	Driver string `json:"driver" yaml:"driver"`
	// DSN is the driver-specific data source name. For sqlite this is the
	// database file path, ":memory:" for an in-process database.
	DSN string `json:"dsn" yaml:"dsn"`
}

// Config is the configuration for all store implementations.
type Config struct {
	Type  Type        `json:"type" yaml:"type"`
	Redis RedisConfig `json:"redis" yaml:"redis"`
	SQL   SQLConfig   `json:"sql" yaml:"sql"`
}

// DefaultConfig returns the default store configuration.
func DefaultConfig() Config {
	return Config{
		Type: TypeMemory,
		Redis: RedisConfig{
			Addr:      "localhost:6379",
			DB:        0,
			PoolSize:  10,
			KeyPrefix: "opsflow:",
		},
		SQL: SQLConfig{
			Driver: "sqlite",
			DSN:    "./data/opsflow.db",
		},
	}
}

// AuditEvent is one entry in a task's append-only history.
type AuditEvent struct {
	TaskID    string          `json:"task_id"`
	Type      string          `json:"type"`
	OldStatus task.Status     `json:"old_status,omitempty"`
	NewStatus task.Status     `json:"new_status,omitempty"`
	Message   string          `json:"message,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Audit event types.
const (
	AuditTaskCreated      = "task_created"
	AuditStatusChanged    = "status_changed"
	AuditStepUpdated      = "step_updated"
	AuditWaitRegistered   = "wait_registered"
	AuditCallbackApplied  = "callback_applied"
	AuditCallbackRejected = "callback_rejected"
	AuditWaitTimedOut     = "wait_timed_out"
	AuditUserInterrupt    = "user_interrupt"
	AuditUserResume       = "user_resume"
	AuditTaskAborted      = "task_aborted"
	AuditFatalError       = "fatal_error"
)

// Filter defines criteria for listing tasks. MandateScope is the security
// boundary; listings without a scope are only meant for internal sweeps.
type Filter struct {
	MandateScope  string
	ThreadKey     string
	Status        []task.Status
	Mode          task.ExecutionMode
	CreatedAfter  *time.Time
	CreatedBefore *time.Time
	Limit         int
	Offset        int
	OrderDesc     bool
}

// Matches reports whether t satisfies the filter, ignoring Limit/Offset.
func (f Filter) Matches(t *task.Task) bool {
	if f.MandateScope != "" && t.MandateScope != f.MandateScope {
		return false
	}
	if f.ThreadKey != "" && t.ThreadKey != f.ThreadKey {
		return false
	}
	if f.Mode != "" && t.Mode != f.Mode {
		return false
	}
	if len(f.Status) > 0 {
		ok := false
		for _, s := range f.Status {
			if t.Status == s {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.CreatedAfter != nil && !t.CreatedAt.After(*f.CreatedAfter) {
		return false
	}
	if f.CreatedBefore != nil && !t.CreatedAt.Before(*f.CreatedBefore) {
		return false
	}
	return true
}

// Stats contains statistics about the task store.
type Stats struct {
	TotalTasks   int64                 `json:"total_tasks"`
	StatusCounts map[task.Status]int64 `json:"status_counts"`
	ScopeCounts  map[string]int64      `json:"scope_counts"`
}

// TaskStore is the durable record of task state, queryable by the stable
// identifiers the resume protocol relies on.
type TaskStore interface {
	// SaveTask persists a task (create or update). The thread key and each
	// live correlation key are indexed for lookup.
	SaveTask(ctx context.Context, t *task.Task) error

	// GetTask retrieves a task by id.
	GetTask(ctx context.Context, taskID string) (*task.Task, error)

	// GetByThreadKey retrieves the task owning the given thread key.
	GetByThreadKey(ctx context.Context, threadKey string) (*task.Task, error)

	// GetByCorrelation retrieves the task holding a wait registration for
	// the given correlation key, consumed or not.
	GetByCorrelation(ctx context.Context, correlationKey string) (*task.Task, error)

	// ListTasks retrieves tasks matching the filter.
	ListTasks(ctx context.Context, filter Filter) ([]*task.Task, error)

	// ListResumable retrieves non-terminal tasks for crash recovery. An
	// empty scope returns resumable tasks across all scopes.
	ListResumable(ctx context.Context, mandateScope string) ([]*task.Task, error)

	// DeleteTask archives a task. Only COMPLETED or FAILED tasks may be
	// deleted; the audit trail goes with them, so export it first.
	DeleteTask(ctx context.Context, taskID string) error

	// AppendAudit appends one event to a task's history.
	AppendAudit(ctx context.Context, event AuditEvent) error

	// AuditTrail returns a task's full history in append order.
	AuditTrail(ctx context.Context, taskID string) ([]AuditEvent, error)

	// Cleanup removes terminal tasks older than the given duration and
	// returns how many were removed.
	Cleanup(ctx context.Context, olderThan time.Duration) (int, error)

	// Stats returns statistics about the store.
	Stats(ctx context.Context) (*Stats, error)

	// Ping checks if the store is healthy.
	Ping(ctx context.Context) error

	// Close closes the store and releases resources.
	Close() error
}
