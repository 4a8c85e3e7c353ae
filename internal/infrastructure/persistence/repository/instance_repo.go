package repository

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"

	"github.com/garyjia/workflow-engine/internal/application/port"
	"github.com/garyjia/workflow-engine/internal/domain/entity"
)

// InstanceRepository implements port.InstanceRepository over sqlite
type InstanceRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewInstanceRepository creates a new instance repository
func NewInstanceRepository(db *sql.DB, logger *zap.Logger) port.InstanceRepository {
	return &InstanceRepository{
		db:     db,
		logger: logger,
	}
}

const instanceColumns = `id, workflow_id, entity_type, entity_id, current_step_id, status, current_user_id, data, created_by, created_at, updated_at`

// Create persists a new instance
func (r *InstanceRepository) Create(ctx context.Context, instance *entity.WorkflowInstance) error {
	data, err := marshalJSON(instance.Data)
	if err != nil {
		return fmt.Errorf("failed to encode instance data: %w", err)
	}
	_, err = getExecutor(ctx, r.db).ExecContext(ctx, `
		INSERT INTO workflow_instances (id, workflow_id, entity_type, entity_id, current_step_id, status, current_user_id, data, created_by)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, instance.ID, instance.WorkflowID, instance.EntityType, instance.EntityID,
		instance.CurrentStepID, instance.Status, instance.CurrentUserID, data, instance.CreatedBy)
	if err != nil {
		r.logger.Error("Failed to create instance", zap.String("id", instance.ID), zap.Error(err))
		return fmt.Errorf("failed to create instance: %w", err)
	}
	return nil
}

// GetByID returns nil when absent
func (r *InstanceRepository) GetByID(ctx context.Context, id string) (*entity.WorkflowInstance, error) {
	row := getExecutor(ctx, r.db).QueryRowContext(ctx,
		`SELECT `+instanceColumns+` FROM workflow_instances WHERE id = ?`, id)
	instance, err := scanInstance(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		r.logger.Error("Failed to get instance", zap.String("id", id), zap.Error(err))
		return nil, fmt.Errorf("failed to get instance: %w", err)
	}
	return instance, nil
}

// GetActiveByTarget returns the PENDING or ACTIVE instance for the
// (workflow, target) pair, or nil when there is none
func (r *InstanceRepository) GetActiveByTarget(ctx context.Context, workflowID int64, ref entity.EntityRef) (*entity.WorkflowInstance, error) {
	row := getExecutor(ctx, r.db).QueryRowContext(ctx, `
		SELECT `+instanceColumns+` FROM workflow_instances
		WHERE workflow_id = ? AND entity_type = ? AND entity_id = ? AND status IN (?, ?)
		LIMIT 1
	`, workflowID, ref.Type, ref.ID, entity.StatusPending, entity.StatusActive)
	instance, err := scanInstance(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get active instance: %w", err)
	}
	return instance, nil
}

// UpdateState writes status, current step, current user and data, guarded
// by the (status, current step) the caller observed. A false return means
// the guard did not match and nothing was written.
func (r *InstanceRepository) UpdateState(ctx context.Context, instance *entity.WorkflowInstance, expectedStatus string, expectedStepID *int64) (bool, error) {
	data, err := marshalJSON(instance.Data)
	if err != nil {
		return false, fmt.Errorf("failed to encode instance data: %w", err)
	}

	query := `
		UPDATE workflow_instances
		SET current_step_id = ?, status = ?, current_user_id = ?, data = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = ?
	`
	args := []any{instance.CurrentStepID, instance.Status, instance.CurrentUserID, data, instance.ID, expectedStatus}
	if expectedStepID == nil {
		query += " AND current_step_id IS NULL"
	} else {
		query += " AND current_step_id = ?"
		args = append(args, *expectedStepID)
	}

	result, err := getExecutor(ctx, r.db).ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.Error("Failed to update instance state", zap.String("id", instance.ID), zap.Error(err))
		return false, fmt.Errorf("failed to update instance state: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return affected == 1, nil
}

// List filters by workflow, entity type and status; zero values mean no filter
func (r *InstanceRepository) List(ctx context.Context, workflowID int64, entityType, status string) ([]*entity.WorkflowInstance, error) {
	query := `SELECT ` + instanceColumns + ` FROM workflow_instances WHERE 1=1`
	var args []any
	if workflowID != 0 {
		query += " AND workflow_id = ?"
		args = append(args, workflowID)
	}
	if entityType != "" {
		query += " AND entity_type = ?"
		args = append(args, entityType)
	}
	if status != "" {
		query += " AND status = ?"
		args = append(args, status)
	}
	query += " ORDER BY created_at DESC, id DESC"

	rows, err := getExecutor(ctx, r.db).QueryContext(ctx, query, args...)
	if err != nil {
		r.logger.Error("Failed to list instances", zap.Error(err))
		return nil, fmt.Errorf("failed to list instances: %w", err)
	}
	defer rows.Close()

	var instances []*entity.WorkflowInstance
	for rows.Next() {
		instance, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan instance: %w", err)
		}
		instances = append(instances, instance)
	}
	return instances, rows.Err()
}

// scanner covers *sql.Row and *sql.Rows
type scanner interface {
	Scan(dest ...any) error
}

func scanInstance(s scanner) (*entity.WorkflowInstance, error) {
	var instance entity.WorkflowInstance
	var stepID sql.NullInt64
	var userID sql.NullString
	var data sql.NullString
	err := s.Scan(
		&instance.ID,
		&instance.WorkflowID,
		&instance.EntityType,
		&instance.EntityID,
		&stepID,
		&instance.Status,
		&userID,
		&data,
		&instance.CreatedBy,
		&instance.CreatedAt,
		&instance.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if stepID.Valid {
		instance.CurrentStepID = &stepID.Int64
	}
	if userID.Valid {
		instance.CurrentUserID = &userID.String
	}
	if instance.Data, err = unmarshalJSON(data); err != nil {
		return nil, fmt.Errorf("failed to decode instance data: %w", err)
	}
	return &instance, nil
}

// Verify interface compliance
var _ port.InstanceRepository = (*InstanceRepository)(nil)
