package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/opsflow/opsflow/task"
)

// RedisTaskStore is a Redis-based implementation of TaskStore.
// Suitable for distributed deployments where a callback may arrive in a
// different process from the one that issued the call.
//
// Layout: task documents as plain keys, thread and correlation lookups as
// hashes, status membership as sorted sets scored by creation time, audit
// trails as lists.
type RedisTaskStore struct {
	client    *redis.Client
	keyPrefix string
	logger    *zap.Logger
}

// NewRedisTaskStore creates a new Redis-based task store.
func NewRedisTaskStore(config Config, logger *zap.Logger) (*RedisTaskStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     config.Redis.Addr,
		Password: config.Redis.Password,
		DB:       config.Redis.DB,
		PoolSize: config.Redis.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	keyPrefix := config.Redis.KeyPrefix
	if keyPrefix == "" {
		keyPrefix = "opsflow:"
	}
	return &RedisTaskStore{
		client:    client,
		keyPrefix: keyPrefix + "task:",
		logger:    logger.With(zap.String("component", "redis_task_store")),
	}, nil
}

func (s *RedisTaskStore) taskKey(taskID string) string {
	return s.keyPrefix + "data:" + taskID
}

func (s *RedisTaskStore) threadIndexKey() string {
	return s.keyPrefix + "thread"
}

func (s *RedisTaskStore) corrIndexKey() string {
	return s.keyPrefix + "corr"
}

func (s *RedisTaskStore) statusKey(status task.Status) string {
	return s.keyPrefix + "status:" + string(status)
}

func (s *RedisTaskStore) allTasksKey() string {
	return s.keyPrefix + "all"
}

func (s *RedisTaskStore) auditKey(taskID string) string {
	return s.keyPrefix + "audit:" + taskID
}

// SaveTask persists a task and refreshes the indexes.
func (s *RedisTaskStore) SaveTask(ctx context.Context, t *task.Task) error {
	if t == nil || t.ID == "" {
		return ErrInvalidInput
	}

	if owner, err := s.client.HGet(ctx, s.threadIndexKey(), t.ThreadKey).Result(); err == nil && owner != t.ID {
		return ErrAlreadyExists
	}

	// Old copy for status index cleanup.
	oldTask, _ := s.GetTask(ctx, t.ID)

	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}

	pipe := s.client.Pipeline()
	pipe.Set(ctx, s.taskKey(t.ID), data, 0)
	pipe.HSet(ctx, s.threadIndexKey(), t.ThreadKey, t.ID)
	for i := range t.Waits {
		pipe.HSet(ctx, s.corrIndexKey(), t.Waits[i].CorrelationKey, t.ID)
	}

	score := float64(t.CreatedAt.UnixNano())
	if oldTask != nil && oldTask.Status != t.Status {
		pipe.ZRem(ctx, s.statusKey(oldTask.Status), t.ID)
	}
	pipe.ZAdd(ctx, s.statusKey(t.Status), redis.Z{Score: score, Member: t.ID})
	pipe.ZAdd(ctx, s.allTasksKey(), redis.Z{Score: score, Member: t.ID})

	_, err = pipe.Exec(ctx)
	return err
}

// GetTask retrieves a task by id.
func (s *RedisTaskStore) GetTask(ctx context.Context, taskID string) (*task.Task, error) {
	data, err := s.client.Get(ctx, s.taskKey(taskID)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	var t task.Task
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("failed to unmarshal task: %w", err)
	}
	return &t, nil
}

// GetByThreadKey retrieves the task owning the given thread key.
func (s *RedisTaskStore) GetByThreadKey(ctx context.Context, threadKey string) (*task.Task, error) {
	id, err := s.client.HGet(ctx, s.threadIndexKey(), threadKey).Result()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve thread key: %w", err)
	}
	return s.GetTask(ctx, id)
}

// GetByCorrelation retrieves the task holding the given correlation key.
func (s *RedisTaskStore) GetByCorrelation(ctx context.Context, correlationKey string) (*task.Task, error) {
	id, err := s.client.HGet(ctx, s.corrIndexKey(), correlationKey).Result()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve correlation key: %w", err)
	}
	return s.GetTask(ctx, id)
}

// ListTasks retrieves tasks matching the filter.
func (s *RedisTaskStore) ListTasks(ctx context.Context, filter Filter) ([]*task.Task, error) {
	var ids []string
	var err error

	// Narrow by status index when the filter names exactly one status,
	// otherwise walk the full set.
	if len(filter.Status) == 1 {
		ids, err = s.client.ZRange(ctx, s.statusKey(filter.Status[0]), 0, -1).Result()
	} else {
		ids, err = s.client.ZRange(ctx, s.allTasksKey(), 0, -1).Result()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list task ids: %w", err)
	}

	matched := make([]*task.Task, 0, len(ids))
	for _, id := range ids {
		t, err := s.GetTask(ctx, id)
		if err == ErrNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		if filter.Matches(t) {
			matched = append(matched, t)
		}
	}

	sort.Slice(matched, func(i, j int) bool {
		if filter.OrderDesc {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].CreatedAt.Before(matched[j].CreatedAt)
	})
	if filter.Offset > 0 {
		if filter.Offset >= len(matched) {
			return []*task.Task{}, nil
		}
		matched = matched[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(matched) {
		matched = matched[:filter.Limit]
	}
	return matched, nil
}

// ListResumable retrieves non-terminal tasks for crash recovery.
func (s *RedisTaskStore) ListResumable(ctx context.Context, mandateScope string) ([]*task.Task, error) {
	return s.ListTasks(ctx, Filter{
		MandateScope: mandateScope,
		Status:       []task.Status{task.StatusRunning, task.StatusPausedUser, task.StatusPausedExternal},
	})
}

// DeleteTask archives a terminal task, its indexes, and its audit trail.
func (s *RedisTaskStore) DeleteTask(ctx context.Context, taskID string) error {
	t, err := s.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if !t.Status.Terminal() {
		return ErrNotArchivable
	}

	pipe := s.client.Pipeline()
	pipe.Del(ctx, s.taskKey(taskID), s.auditKey(taskID))
	pipe.HDel(ctx, s.threadIndexKey(), t.ThreadKey)
	for i := range t.Waits {
		pipe.HDel(ctx, s.corrIndexKey(), t.Waits[i].CorrelationKey)
	}
	pipe.ZRem(ctx, s.statusKey(t.Status), taskID)
	pipe.ZRem(ctx, s.allTasksKey(), taskID)
	_, err = pipe.Exec(ctx)
	return err
}

// AppendAudit appends one event to a task's history.
func (s *RedisTaskStore) AppendAudit(ctx context.Context, event AuditEvent) error {
	if event.TaskID == "" {
		return ErrInvalidInput
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal audit event: %w", err)
	}
	return s.client.RPush(ctx, s.auditKey(event.TaskID), data).Err()
}

// AuditTrail returns a task's history in append order.
func (s *RedisTaskStore) AuditTrail(ctx context.Context, taskID string) ([]AuditEvent, error) {
	raw, err := s.client.LRange(ctx, s.auditKey(taskID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read audit trail: %w", err)
	}
	events := make([]AuditEvent, 0, len(raw))
	for _, item := range raw {
		var ev AuditEvent
		if err := json.Unmarshal([]byte(item), &ev); err != nil {
			s.logger.Warn("skipping malformed audit event", zap.String("task_id", taskID), zap.Error(err))
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

// Cleanup removes terminal tasks older than the given duration.
func (s *RedisTaskStore) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan)
	removed := 0
	for _, status := range []task.Status{task.StatusCompleted, task.StatusFailed} {
		ids, err := s.client.ZRange(ctx, s.statusKey(status), 0, -1).Result()
		if err != nil {
			return removed, fmt.Errorf("failed to scan status index: %w", err)
		}
		for _, id := range ids {
			t, err := s.GetTask(ctx, id)
			if err == ErrNotFound {
				s.client.ZRem(ctx, s.statusKey(status), id)
				continue
			}
			if err != nil {
				return removed, err
			}
			if t.UpdatedAt.Before(cutoff) {
				if err := s.DeleteTask(ctx, id); err != nil {
					return removed, err
				}
				removed++
			}
		}
	}
	return removed, nil
}

// Stats returns statistics about the store.
func (s *RedisTaskStore) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{
		StatusCounts: make(map[task.Status]int64),
		ScopeCounts:  make(map[string]int64),
	}
	tasks, err := s.ListTasks(ctx, Filter{})
	if err != nil {
		return nil, err
	}
	for _, t := range tasks {
		stats.TotalTasks++
		stats.StatusCounts[t.Status]++
		stats.ScopeCounts[t.MandateScope]++
	}
	return stats, nil
}

// Ping checks if the store is healthy.
func (s *RedisTaskStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the store.
func (s *RedisTaskStore) Close() error {
	return s.client.Close()
}
