package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/BaSui01/durableflow/workflow"
)

// GormStore implements workflow.Store on the five workflow tables.
// The schema is owned by internal/migration; AutoMigrate exists for tests
// and embedded sqlite deployments.
type GormStore struct {
	db     *gorm.DB
	logger *zap.Logger
}

var _ workflow.Store = (*GormStore)(nil)

// NewGormStore creates a store over db.
func NewGormStore(db *gorm.DB, logger *zap.Logger) *GormStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GormStore{db: db, logger: logger.With(zap.String("component", "gorm_store"))}
}

// DB returns the underlying connection.
func (s *GormStore) DB() *gorm.DB {
	return s.db
}

// AutoMigrate creates or updates the workflow tables.
func (s *GormStore) AutoMigrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(
		&executionModel{},
		&stepModel{},
		&checkpointModel{},
		&eventModel{},
		&metricModel{},
	)
}

// ====== executions ======

func (s *GormStore) CreateExecution(ctx context.Context, rec *workflow.ExecutionRecord) error {
	if err := s.db.WithContext(ctx).Create(toExecutionModel(rec)).Error; err != nil {
		return fmt.Errorf("create execution %s: %w", rec.ID, err)
	}
	return nil
}

func (s *GormStore) UpdateExecution(ctx context.Context, rec *workflow.ExecutionRecord) error {
	res := s.db.WithContext(ctx).
		Model(&executionModel{}).
		Where("id = ?", rec.ID).
		Select("*").
		Updates(toExecutionModel(rec))
	if res.Error != nil {
		return fmt.Errorf("update execution %s: %w", rec.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", workflow.ErrExecutionNotFound, rec.ID)
	}
	return nil
}

func (s *GormStore) GetExecution(ctx context.Context, id string) (*workflow.ExecutionRecord, error) {
	var m executionModel
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", workflow.ErrExecutionNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get execution %s: %w", id, err)
	}
	return m.record(), nil
}

// ListExecutions returns the newest executions first, optionally filtered by
// status. limit <= 0 means no limit.
func (s *GormStore) ListExecutions(ctx context.Context, status workflow.ExecutionStatus, limit int) ([]*workflow.ExecutionRecord, error) {
	q := s.db.WithContext(ctx).Order("started_at DESC")
	if status != "" {
		q = q.Where("status = ?", string(status))
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []executionModel
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	out := make([]*workflow.ExecutionRecord, len(rows))
	for i := range rows {
		out[i] = rows[i].record()
	}
	return out, nil
}

// ====== steps ======

func (s *GormStore) CreateStep(ctx context.Context, rec *workflow.StepRecord) error {
	if err := s.db.WithContext(ctx).Create(toStepModel(rec)).Error; err != nil {
		return fmt.Errorf("create step %s: %w", rec.ID, err)
	}
	return nil
}

func (s *GormStore) UpdateStep(ctx context.Context, rec *workflow.StepRecord) error {
	res := s.db.WithContext(ctx).
		Model(&stepModel{}).
		Where("id = ? AND execution_id = ?", rec.ID, rec.ExecutionID).
		Select("*").
		Updates(toStepModel(rec))
	if res.Error != nil {
		return fmt.Errorf("update step %s: %w", rec.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("step %s not found in execution %s", rec.ID, rec.ExecutionID)
	}
	return nil
}

func (s *GormStore) ListSteps(ctx context.Context, executionID string) ([]*workflow.StepRecord, error) {
	var rows []stepModel
	err := s.db.WithContext(ctx).
		Where("execution_id = ?", executionID).
		Order("started_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}
	out := make([]*workflow.StepRecord, len(rows))
	for i := range rows {
		out[i] = rows[i].record()
	}
	return out, nil
}

// ====== checkpoints ======

// SaveCheckpoint inserts cp. Versions are unique per (execution, node); a
// second writer of the same version gets ErrCheckpointVersionConflict from
// either the existence check or the unique index.
func (s *GormStore) SaveCheckpoint(ctx context.Context, cp *workflow.Checkpoint) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&checkpointModel{}).
			Where("execution_id = ? AND node_id = ? AND version = ?", cp.ExecutionID, cp.NodeID, cp.Version).
			Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return workflow.ErrCheckpointVersionConflict
		}
		return tx.Create(toCheckpointModel(cp)).Error
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, workflow.ErrCheckpointVersionConflict), errors.Is(err, gorm.ErrDuplicatedKey):
		s.logger.Debug("checkpoint version conflict",
			zap.String("execution_id", cp.ExecutionID),
			zap.String("node_id", cp.NodeID),
			zap.Int("version", cp.Version))
		return fmt.Errorf("%w: %s/%s v%d", workflow.ErrCheckpointVersionConflict, cp.ExecutionID, cp.NodeID, cp.Version)
	default:
		return fmt.Errorf("save checkpoint %s/%s v%d: %w", cp.ExecutionID, cp.NodeID, cp.Version, err)
	}
}

func (s *GormStore) LatestCheckpointVersion(ctx context.Context, executionID, nodeID string) (int, error) {
	var latest sql.NullInt64
	err := s.db.WithContext(ctx).
		Model(&checkpointModel{}).
		Where("execution_id = ? AND node_id = ?", executionID, nodeID).
		Select("MAX(version)").
		Scan(&latest).Error
	if err != nil {
		return 0, fmt.Errorf("latest checkpoint version: %w", err)
	}
	if !latest.Valid {
		return 0, nil
	}
	return int(latest.Int64), nil
}

func (s *GormStore) ListCheckpoints(ctx context.Context, executionID, nodeID string) ([]*workflow.Checkpoint, error) {
	var rows []checkpointModel
	err := s.db.WithContext(ctx).
		Where("execution_id = ? AND node_id = ?", executionID, nodeID).
		Order("version ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	return checkpointRecords(rows), nil
}

func (s *GormStore) ListExecutionCheckpoints(ctx context.Context, executionID string) ([]*workflow.Checkpoint, error) {
	var rows []checkpointModel
	err := s.db.WithContext(ctx).
		Where("execution_id = ?", executionID).
		Order("created_at ASC").
		Order("id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list execution checkpoints: %w", err)
	}
	return checkpointRecords(rows), nil
}

func checkpointRecords(rows []checkpointModel) []*workflow.Checkpoint {
	out := make([]*workflow.Checkpoint, len(rows))
	for i := range rows {
		out[i] = rows[i].record()
	}
	return out
}

// ====== events ======

func (s *GormStore) AppendEvent(ctx context.Context, ev *workflow.EventRecord) error {
	if err := s.db.WithContext(ctx).Create(toEventModel(ev)).Error; err != nil {
		return fmt.Errorf("append event %s: %w", ev.EventType, err)
	}
	return nil
}

func (s *GormStore) ListEvents(ctx context.Context, executionID string) ([]*workflow.EventRecord, error) {
	var rows []eventModel
	err := s.db.WithContext(ctx).
		Where("execution_id = ?", executionID).
		Order("id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	out := make([]*workflow.EventRecord, len(rows))
	for i := range rows {
		out[i] = rows[i].record()
	}
	return out, nil
}

// ====== metrics ======

func (s *GormStore) RecordMetric(ctx context.Context, rec *workflow.MetricRecord) error {
	if err := s.db.WithContext(ctx).Create(toMetricModel(rec)).Error; err != nil {
		return fmt.Errorf("record metric %s: %w", rec.NodeID, err)
	}
	return nil
}

func (s *GormStore) ListMetrics(ctx context.Context, executionID string) ([]*workflow.MetricRecord, error) {
	var rows []metricModel
	err := s.db.WithContext(ctx).
		Where("execution_id = ?", executionID).
		Order("id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list metrics: %w", err)
	}
	out := make([]*workflow.MetricRecord, len(rows))
	for i := range rows {
		out[i] = rows[i].record()
	}
	return out, nil
}
