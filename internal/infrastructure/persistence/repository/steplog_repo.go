package repository

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"

	"github.com/garyjia/workflow-engine/internal/application/port"
	"github.com/garyjia/workflow-engine/internal/domain/entity"
)

// StepLogRepository implements port.StepLogRepository over sqlite. The
// step_logs table is append-only; there are deliberately no update or
// delete operations.
type StepLogRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewStepLogRepository creates a new step log repository
func NewStepLogRepository(db *sql.DB, logger *zap.Logger) port.StepLogRepository {
	return &StepLogRepository{
		db:     db,
		logger: logger,
	}
}

// Create appends one log record
func (r *StepLogRepository) Create(ctx context.Context, log *entity.StepLog) error {
	data, err := marshalJSON(log.Data)
	if err != nil {
		return fmt.Errorf("failed to encode log data: %w", err)
	}
	result, err := getExecutor(ctx, r.db).ExecContext(ctx, `
		INSERT INTO step_logs (instance_id, step_id, action, user_id, data)
		VALUES (?, ?, ?, ?, ?)
	`, log.InstanceID, log.StepID, log.Action, log.UserID, data)
	if err != nil {
		r.logger.Error("Failed to create step log", zap.String("instance_id", log.InstanceID), zap.Error(err))
		return fmt.Errorf("failed to create step log: %w", err)
	}
	if log.ID, err = result.LastInsertId(); err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	return nil
}

// GetByInstanceID retrieves an instance's log records in chronological order
func (r *StepLogRepository) GetByInstanceID(ctx context.Context, instanceID string) ([]*entity.StepLog, error) {
	rows, err := getExecutor(ctx, r.db).QueryContext(ctx, `
		SELECT id, instance_id, step_id, action, user_id, data, created_at
		FROM step_logs WHERE instance_id = ? ORDER BY id ASC
	`, instanceID)
	if err != nil {
		r.logger.Error("Failed to get step logs", zap.String("instance_id", instanceID), zap.Error(err))
		return nil, fmt.Errorf("failed to get step logs: %w", err)
	}
	defer rows.Close()

	var logs []*entity.StepLog
	for rows.Next() {
		var log entity.StepLog
		var stepID sql.NullInt64
		var userID sql.NullString
		var data sql.NullString
		if err := rows.Scan(&log.ID, &log.InstanceID, &stepID, &log.Action, &userID, &data, &log.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan step log: %w", err)
		}
		if stepID.Valid {
			log.StepID = &stepID.Int64
		}
		if userID.Valid {
			log.UserID = &userID.String
		}
		if log.Data, err = unmarshalJSON(data); err != nil {
			return nil, fmt.Errorf("failed to decode log data: %w", err)
		}
		logs = append(logs, &log)
	}
	return logs, rows.Err()
}

// CountByInstanceID returns the number of log records for an instance
func (r *StepLogRepository) CountByInstanceID(ctx context.Context, instanceID string) (int, error) {
	var count int
	err := getExecutor(ctx, r.db).QueryRowContext(ctx,
		`SELECT COUNT(*) FROM step_logs WHERE instance_id = ?`, instanceID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count step logs: %w", err)
	}
	return count, nil
}

// Verify interface compliance
var _ port.StepLogRepository = (*StepLogRepository)(nil)
