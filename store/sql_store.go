package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/opsflow/opsflow/task"
)

// SQLTaskStore is a GORM-backed implementation of TaskStore. The full task
// document is stored as JSON alongside the columns the lookups filter on,
// so the schema stays stable while the task shape evolves.
type SQLTaskStore struct {
	db     *gorm.DB
	logger *zap.Logger
}

type taskRecord struct {
	ID           string `gorm:"primaryKey;size:64"`
	ThreadKey    string `gorm:"uniqueIndex;size:191"`
	MandateScope string `gorm:"index;size:191"`
	Mode         string `gorm:"size:32"`
	Status       string `gorm:"index;size:32"`
	Document     []byte
	CreatedAt    time.Time `gorm:"index"`
	UpdatedAt    time.Time
}

func (taskRecord) TableName() string { return "opsflow_tasks" }

type waitRecord struct {
	CorrelationKey string `gorm:"primaryKey;size:191"`
	TaskID         string `gorm:"index;size:64"`
}

func (waitRecord) TableName() string { return "opsflow_waits" }

type auditRecord struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	TaskID    string `gorm:"index;size:64"`
	Document  []byte
	CreatedAt time.Time
}

func (auditRecord) TableName() string { return "opsflow_audit" }

// NewSQLTaskStore creates a GORM-backed task store and migrates the schema.
func NewSQLTaskStore(config Config, logger *zap.Logger) (*SQLTaskStore, error) {
	var dialector gorm.Dialector
	switch config.SQL.Driver {
	case "sqlite", "":
		dialector = sqlite.Open(config.SQL.DSN)
	case "postgres":
		dialector = postgres.Open(config.SQL.DSN)
	case "mysql":
		dialector = mysql.Open(config.SQL.DSN)
	default:
		return nil, fmt.Errorf("unknown sql driver: %s", config.SQL.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.AutoMigrate(&taskRecord{}, &waitRecord{}, &auditRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}

	return &SQLTaskStore{
		db:     db,
		logger: logger.With(zap.String("component", "sql_task_store")),
	}, nil
}

func encodeTask(t *task.Task) (*taskRecord, error) {
	doc, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal task: %w", err)
	}
	return &taskRecord{
		ID:           t.ID,
		ThreadKey:    t.ThreadKey,
		MandateScope: t.MandateScope,
		Mode:         string(t.Mode),
		Status:       string(t.Status),
		Document:     doc,
		CreatedAt:    t.CreatedAt,
		UpdatedAt:    t.UpdatedAt,
	}, nil
}

func decodeTask(rec *taskRecord) (*task.Task, error) {
	var t task.Task
	if err := json.Unmarshal(rec.Document, &t); err != nil {
		return nil, fmt.Errorf("failed to unmarshal task document: %w", err)
	}
	return &t, nil
}

// SaveTask persists a task and its wait index within one transaction.
func (s *SQLTaskStore) SaveTask(ctx context.Context, t *task.Task) error {
	if t == nil || t.ID == "" {
		return ErrInvalidInput
	}
	rec, err := encodeTask(t)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing taskRecord
		err := tx.Where("thread_key = ?", t.ThreadKey).First(&existing).Error
		if err == nil && existing.ID != t.ID {
			return ErrAlreadyExists
		}
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		if err := tx.Save(rec).Error; err != nil {
			return err
		}
		for i := range t.Waits {
			w := waitRecord{CorrelationKey: t.Waits[i].CorrelationKey, TaskID: t.ID}
			if err := tx.Save(&w).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *SQLTaskStore) getRecord(ctx context.Context, query string, args ...any) (*task.Task, error) {
	var rec taskRecord
	err := s.db.WithContext(ctx).Where(query, args...).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeTask(&rec)
}

// GetTask retrieves a task by id.
func (s *SQLTaskStore) GetTask(ctx context.Context, taskID string) (*task.Task, error) {
	return s.getRecord(ctx, "id = ?", taskID)
}

// GetByThreadKey retrieves the task owning the given thread key.
func (s *SQLTaskStore) GetByThreadKey(ctx context.Context, threadKey string) (*task.Task, error) {
	return s.getRecord(ctx, "thread_key = ?", threadKey)
}

// GetByCorrelation retrieves the task holding the given correlation key.
func (s *SQLTaskStore) GetByCorrelation(ctx context.Context, correlationKey string) (*task.Task, error) {
	var w waitRecord
	err := s.db.WithContext(ctx).Where("correlation_key = ?", correlationKey).First(&w).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return s.GetTask(ctx, w.TaskID)
}

// ListTasks retrieves tasks matching the filter.
func (s *SQLTaskStore) ListTasks(ctx context.Context, filter Filter) ([]*task.Task, error) {
	q := s.db.WithContext(ctx).Model(&taskRecord{})
	if filter.MandateScope != "" {
		q = q.Where("mandate_scope = ?", filter.MandateScope)
	}
	if filter.ThreadKey != "" {
		q = q.Where("thread_key = ?", filter.ThreadKey)
	}
	if filter.Mode != "" {
		q = q.Where("mode = ?", string(filter.Mode))
	}
	if len(filter.Status) > 0 {
		statuses := make([]string, len(filter.Status))
		for i, st := range filter.Status {
			statuses[i] = string(st)
		}
		q = q.Where("status IN ?", statuses)
	}
	if filter.CreatedAfter != nil {
		q = q.Where("created_at > ?", *filter.CreatedAfter)
	}
	if filter.CreatedBefore != nil {
		q = q.Where("created_at < ?", *filter.CreatedBefore)
	}
	if filter.OrderDesc {
		q = q.Order("created_at DESC")
	} else {
		q = q.Order("created_at ASC")
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}
	if filter.Offset > 0 {
		q = q.Offset(filter.Offset)
	}

	var recs []taskRecord
	if err := q.Find(&recs).Error; err != nil {
		return nil, err
	}
	tasks := make([]*task.Task, 0, len(recs))
	for i := range recs {
		t, err := decodeTask(&recs[i])
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

// ListResumable retrieves non-terminal tasks for crash recovery.
func (s *SQLTaskStore) ListResumable(ctx context.Context, mandateScope string) ([]*task.Task, error) {
	return s.ListTasks(ctx, Filter{
		MandateScope: mandateScope,
		Status:       []task.Status{task.StatusRunning, task.StatusPausedUser, task.StatusPausedExternal},
	})
}

// DeleteTask archives a terminal task, its wait index, and its audit trail.
func (s *SQLTaskStore) DeleteTask(ctx context.Context, taskID string) error {
	t, err := s.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if !t.Status.Terminal() {
		return ErrNotArchivable
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&taskRecord{}, "id = ?", taskID).Error; err != nil {
			return err
		}
		if err := tx.Delete(&waitRecord{}, "task_id = ?", taskID).Error; err != nil {
			return err
		}
		return tx.Delete(&auditRecord{}, "task_id = ?", taskID).Error
	})
}

// AppendAudit appends one event to a task's history.
func (s *SQLTaskStore) AppendAudit(ctx context.Context, event AuditEvent) error {
	if event.TaskID == "" {
		return ErrInvalidInput
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	doc, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal audit event: %w", err)
	}
	rec := auditRecord{TaskID: event.TaskID, Document: doc, CreatedAt: event.Timestamp}
	return s.db.WithContext(ctx).Create(&rec).Error
}

// AuditTrail returns a task's history in append order.
func (s *SQLTaskStore) AuditTrail(ctx context.Context, taskID string) ([]AuditEvent, error) {
	var recs []auditRecord
	if err := s.db.WithContext(ctx).Where("task_id = ?", taskID).Order("id ASC").Find(&recs).Error; err != nil {
		return nil, err
	}
	events := make([]AuditEvent, 0, len(recs))
	for i := range recs {
		var ev AuditEvent
		if err := json.Unmarshal(recs[i].Document, &ev); err != nil {
			s.logger.Warn("skipping malformed audit event", zap.String("task_id", taskID), zap.Error(err))
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

// Cleanup removes terminal tasks older than the given duration.
func (s *SQLTaskStore) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan)
	var recs []taskRecord
	err := s.db.WithContext(ctx).
		Where("status IN ? AND updated_at < ?", []string{string(task.StatusCompleted), string(task.StatusFailed)}, cutoff).
		Find(&recs).Error
	if err != nil {
		return 0, err
	}
	removed := 0
	for i := range recs {
		if err := s.DeleteTask(ctx, recs[i].ID); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// Stats returns statistics about the store.
func (s *SQLTaskStore) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{
		StatusCounts: make(map[task.Status]int64),
		ScopeCounts:  make(map[string]int64),
	}

	type statusCount struct {
		Status string
		N      int64
	}
	var byStatus []statusCount
	err := s.db.WithContext(ctx).Model(&taskRecord{}).
		Select("status, count(*) as n").Group("status").Scan(&byStatus).Error
	if err != nil {
		return nil, err
	}
	for _, row := range byStatus {
		stats.StatusCounts[task.Status(row.Status)] = row.N
		stats.TotalTasks += row.N
	}

	type scopeCount struct {
		MandateScope string
		N            int64
	}
	var byScope []scopeCount
	err = s.db.WithContext(ctx).Model(&taskRecord{}).
		Select("mandate_scope, count(*) as n").Group("mandate_scope").Scan(&byScope).Error
	if err != nil {
		return nil, err
	}
	for _, row := range byScope {
		stats.ScopeCounts[row.MandateScope] = row.N
	}
	return stats, nil
}

// Ping checks if the store is healthy.
func (s *SQLTaskStore) Ping(ctx context.Context) error {
	db, err := s.db.DB()
	if err != nil {
		return err
	}
	return db.PingContext(ctx)
}

// Close closes the store.
func (s *SQLTaskStore) Close() error {
	db, err := s.db.DB()
	if err != nil {
		return err
	}
	return db.Close()
}
