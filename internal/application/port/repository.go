package port

import (
	"context"

	"github.com/garyjia/workflow-engine/internal/domain/entity"
)

// WorkflowRepository defines persistence operations for workflow definitions
type WorkflowRepository interface {
	// Create persists a full definition graph, allocating the next version
	// for the workflow name. The definition's IDs are populated on return.
	Create(ctx context.Context, def *entity.WorkflowDefinition) error

	// GetByID loads a full definition graph. Returns nil when absent.
	GetByID(ctx context.Context, id int64) (*entity.WorkflowDefinition, error)

	// List returns workflow headers (no graph) newest first. Empty
	// entityType means any; activeOnly false includes retired workflows.
	List(ctx context.Context, entityType string, activeOnly bool) ([]*entity.Workflow, error)

	// Deactivate marks a workflow inactive; definitions are never deleted
	Deactivate(ctx context.Context, id int64) error
}

// InstanceRepository defines persistence operations for WorkflowInstance
type InstanceRepository interface {
	Create(ctx context.Context, instance *entity.WorkflowInstance) error

	// GetByID returns nil when absent
	GetByID(ctx context.Context, id string) (*entity.WorkflowInstance, error)

	// GetActiveByTarget returns the PENDING or ACTIVE instance for the
	// (workflow, target) pair, or nil when there is none
	GetActiveByTarget(ctx context.Context, workflowID int64, ref entity.EntityRef) (*entity.WorkflowInstance, error)

	// UpdateState writes status, current step, current user and data with a
	// compare-and-swap guard on the expected (status, current step) the
	// caller observed. Returns false when the guard did not match, meaning
	// a concurrent call advanced the instance first.
	UpdateState(ctx context.Context, instance *entity.WorkflowInstance, expectedStatus string, expectedStepID *int64) (bool, error)

	// List filters by workflow, entity type and status; zero values mean
	// no filter. Newest first.
	List(ctx context.Context, workflowID int64, entityType, status string) ([]*entity.WorkflowInstance, error)
}

// StepLogRepository defines persistence operations for the append-only
// StepLog audit trail. Log rows are never updated or deleted.
type StepLogRepository interface {
	Create(ctx context.Context, log *entity.StepLog) error
	GetByInstanceID(ctx context.Context, instanceID string) ([]*entity.StepLog, error)
	CountByInstanceID(ctx context.Context, instanceID string) (int, error)
}

// TransactionManager handles database transactions
type TransactionManager interface {
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}
