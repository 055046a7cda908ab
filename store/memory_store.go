package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/opsflow/opsflow/task"
)

// MemoryTaskStore is an in-memory implementation of TaskStore.
// Suitable for development and testing.
type MemoryTaskStore struct {
	mu        sync.RWMutex
	tasks     map[string]*task.Task   // task id -> task
	byThread  map[string]string       // thread key -> task id
	byCorrKey map[string]string       // correlation key -> task id
	audit     map[string][]AuditEvent // task id -> events
	closed    bool
}

// NewMemoryTaskStore creates a new in-memory task store.
func NewMemoryTaskStore() *MemoryTaskStore {
	return &MemoryTaskStore{
		tasks:     make(map[string]*task.Task),
		byThread:  make(map[string]string),
		byCorrKey: make(map[string]string),
		audit:     make(map[string][]AuditEvent),
	}
}

// SaveTask persists a deep copy of the task and refreshes the indexes.
func (s *MemoryTaskStore) SaveTask(ctx context.Context, t *task.Task) error {
	if t == nil || t.ID == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	if existing, ok := s.byThread[t.ThreadKey]; ok && existing != t.ID {
		return ErrAlreadyExists
	}

	cp := t.Clone()
	s.tasks[cp.ID] = cp
	s.byThread[cp.ThreadKey] = cp.ID
	for i := range cp.Waits {
		s.byCorrKey[cp.Waits[i].CorrelationKey] = cp.ID
	}
	return nil
}

func (s *MemoryTaskStore) get(id string) (*task.Task, error) {
	t, ok := s.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	return t.Clone(), nil
}

// GetTask retrieves a task by id.
func (s *MemoryTaskStore) GetTask(ctx context.Context, taskID string) (*task.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	return s.get(taskID)
}

// GetByThreadKey retrieves the task owning the given thread key.
func (s *MemoryTaskStore) GetByThreadKey(ctx context.Context, threadKey string) (*task.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	id, ok := s.byThread[threadKey]
	if !ok {
		return nil, ErrNotFound
	}
	return s.get(id)
}

// GetByCorrelation retrieves the task holding the given correlation key.
func (s *MemoryTaskStore) GetByCorrelation(ctx context.Context, correlationKey string) (*task.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	id, ok := s.byCorrKey[correlationKey]
	if !ok {
		return nil, ErrNotFound
	}
	return s.get(id)
}

// ListTasks retrieves tasks matching the filter.
func (s *MemoryTaskStore) ListTasks(ctx context.Context, filter Filter) ([]*task.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	matched := make([]*task.Task, 0)
	for _, t := range s.tasks {
		if filter.Matches(t) {
			matched = append(matched, t.Clone())
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
func (s *MemoryTaskStore) ListResumable(ctx context.Context, mandateScope string) ([]*task.Task, error) {
	return s.ListTasks(ctx, Filter{
		MandateScope: mandateScope,
		Status:       []task.Status{task.StatusRunning, task.StatusPausedUser, task.StatusPausedExternal},
	})
}

// DeleteTask archives a terminal task and its audit trail.
func (s *MemoryTaskStore) DeleteTask(ctx context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	t, ok := s.tasks[taskID]
	if !ok {
		return ErrNotFound
	}
	if !t.Status.Terminal() {
		return ErrNotArchivable
	}
	s.remove(t)
	return nil
}

func (s *MemoryTaskStore) remove(t *task.Task) {
	delete(s.tasks, t.ID)
	delete(s.byThread, t.ThreadKey)
	for i := range t.Waits {
		delete(s.byCorrKey, t.Waits[i].CorrelationKey)
	}
	delete(s.audit, t.ID)
}

// AppendAudit appends one event to a task's history.
func (s *MemoryTaskStore) AppendAudit(ctx context.Context, event AuditEvent) error {
	if event.TaskID == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	s.audit[event.TaskID] = append(s.audit[event.TaskID], event)
	return nil
}

// AuditTrail returns a task's history in append order.
func (s *MemoryTaskStore) AuditTrail(ctx context.Context, taskID string) ([]AuditEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	events := s.audit[taskID]
	out := make([]AuditEvent, len(events))
	copy(out, events)
	return out, nil
}

// Cleanup removes terminal tasks older than the given duration.
func (s *MemoryTaskStore) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrStoreClosed
	}
	cutoff := time.Now().Add(-olderThan)
	removed := 0
	for _, t := range s.tasks {
		if t.Status.Terminal() && t.UpdatedAt.Before(cutoff) {
			s.remove(t)
			removed++
		}
	}
	return removed, nil
}

// Stats returns statistics about the store.
func (s *MemoryTaskStore) Stats(ctx context.Context) (*Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	stats := &Stats{
		StatusCounts: make(map[task.Status]int64),
		ScopeCounts:  make(map[string]int64),
	}
	for _, t := range s.tasks {
		stats.TotalTasks++
		stats.StatusCounts[t.Status]++
		stats.ScopeCounts[t.MandateScope]++
	}
	return stats, nil
}

// Ping checks if the store is healthy.
func (s *MemoryTaskStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

// Close closes the store.
func (s *MemoryTaskStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
