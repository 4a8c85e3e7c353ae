package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/garyjia/workflow-engine/internal/application/port"
	"github.com/garyjia/workflow-engine/internal/domain/entity"
	"github.com/garyjia/workflow-engine/internal/infrastructure/persistence/sqlite"
)

// WorkflowRepository implements port.WorkflowRepository over sqlite
type WorkflowRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewWorkflowRepository creates a new workflow repository
func NewWorkflowRepository(db *sql.DB, logger *zap.Logger) port.WorkflowRepository {
	return &WorkflowRepository{
		db:     db,
		logger: logger,
	}
}

// Create persists a full definition graph. The caller submits steps with
// placeholder ids that transitions, actions and actors reference; those
// are remapped to the real row ids as steps are inserted. The workflow's
// version is allocated as max(version)+1 for its (name, entity_type).
func (r *WorkflowRepository) Create(ctx context.Context, def *entity.WorkflowDefinition) error {
	ex := getExecutor(ctx, r.db)
	wf := &def.Workflow

	var version int
	err := ex.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) + 1 FROM workflows WHERE name = ? AND entity_type = ?`,
		wf.Name, wf.EntityType,
	).Scan(&version)
	if err != nil {
		return fmt.Errorf("failed to allocate workflow version: %w", err)
	}
	wf.Version = version

	result, err := ex.ExecContext(ctx, `
		INSERT INTO workflows (name, description, version, entity_type, is_active, created_by)
		VALUES (?, ?, ?, ?, ?, ?)
	`, wf.Name, wf.Description, wf.Version, wf.EntityType, wf.IsActive, wf.CreatedBy)
	if err != nil {
		r.logger.Error("Failed to create workflow", zap.String("name", wf.Name), zap.Error(err))
		return fmt.Errorf("failed to create workflow: %w", err)
	}
	workflowID, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	wf.ID = workflowID

	stepIDs := make(map[int64]int64, len(def.Steps))
	for _, s := range def.Steps {
		res, err := ex.ExecContext(ctx, `
			INSERT INTO workflow_steps (workflow_id, name, description, step_order, is_start, is_end, wait_for_all, wait_for_any, auto_proceed)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, workflowID, s.Name, s.Description, s.Order, s.IsStart, s.IsEnd, s.WaitForAll, s.WaitForAny, s.AutoProceed)
		if err != nil {
			return fmt.Errorf("failed to create step %q: %w", s.Name, err)
		}
		realID, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("failed to get last insert id: %w", err)
		}
		stepIDs[s.ID] = realID
		s.ID = realID
		s.WorkflowID = workflowID
	}

	for _, t := range def.Transitions {
		t.WorkflowID = workflowID
		t.FromStepID = stepIDs[t.FromStepID]
		t.ToStepID = stepIDs[t.ToStepID]
		res, err := ex.ExecContext(ctx, `
			INSERT INTO workflow_transitions (workflow_id, from_step_id, to_step_id, name, description, condition, priority)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, workflowID, t.FromStepID, t.ToStepID, t.Name, t.Description, t.Condition, t.Priority)
		if err != nil {
			return fmt.Errorf("failed to create transition %q: %w", t.Name, err)
		}
		if t.ID, err = res.LastInsertId(); err != nil {
			return fmt.Errorf("failed to get last insert id: %w", err)
		}
	}

	for _, a := range def.Actions {
		a.StepID = stepIDs[a.StepID]
		config, err := marshalJSON(a.Config)
		if err != nil {
			return fmt.Errorf("failed to encode action config: %w", err)
		}
		res, err := ex.ExecContext(ctx, `
			INSERT INTO workflow_actions (step_id, name, action_type, trigger_point, config, is_async, exec_order, is_active)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, a.StepID, a.Name, a.ActionType, a.TriggerPoint, config, a.IsAsync, a.ExecOrder, a.IsActive)
		if err != nil {
			return fmt.Errorf("failed to create action %q: %w", a.Name, err)
		}
		if a.ID, err = res.LastInsertId(); err != nil {
			return fmt.Errorf("failed to get last insert id: %w", err)
		}
	}

	for _, ac := range def.Actors {
		ac.StepID = stepIDs[ac.StepID]
		res, err := ex.ExecContext(ctx, `
			INSERT INTO workflow_actors (step_id, actor_type, actor_ref)
			VALUES (?, ?, ?)
		`, ac.StepID, ac.ActorType, ac.ActorRef)
		if err != nil {
			return fmt.Errorf("failed to create actor config: %w", err)
		}
		if ac.ID, err = res.LastInsertId(); err != nil {
			return fmt.Errorf("failed to get last insert id: %w", err)
		}
	}

	for _, cc := range def.Contexts {
		cc.WorkflowID = workflowID
		variables, err := json.Marshal(cc.Variables)
		if err != nil {
			return fmt.Errorf("failed to encode context variables: %w", err)
		}
		res, err := ex.ExecContext(ctx, `
			INSERT INTO condition_contexts (workflow_id, name, variables)
			VALUES (?, ?, ?)
		`, workflowID, cc.Name, string(variables))
		if err != nil {
			return fmt.Errorf("failed to create condition context %q: %w", cc.Name, err)
		}
		if cc.ID, err = res.LastInsertId(); err != nil {
			return fmt.Errorf("failed to get last insert id: %w", err)
		}
	}

	return nil
}

// GetByID loads a full definition graph. Returns nil when absent.
func (r *WorkflowRepository) GetByID(ctx context.Context, id int64) (*entity.WorkflowDefinition, error) {
	ex := getExecutor(ctx, r.db)

	def := &entity.WorkflowDefinition{}
	err := ex.QueryRowContext(ctx, `
		SELECT id, name, description, version, entity_type, is_active, created_by, created_at, updated_at
		FROM workflows WHERE id = ?
	`, id).Scan(
		&def.Workflow.ID,
		&def.Workflow.Name,
		&def.Workflow.Description,
		&def.Workflow.Version,
		&def.Workflow.EntityType,
		&def.Workflow.IsActive,
		&def.Workflow.CreatedBy,
		&def.Workflow.CreatedAt,
		&def.Workflow.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		r.logger.Error("Failed to get workflow", zap.Int64("id", id), zap.Error(err))
		return nil, fmt.Errorf("failed to get workflow: %w", err)
	}

	if def.Steps, err = r.loadSteps(ctx, ex, id); err != nil {
		return nil, err
	}
	if def.Transitions, err = r.loadTransitions(ctx, ex, id); err != nil {
		return nil, err
	}
	if def.Actions, err = r.loadActions(ctx, ex, id); err != nil {
		return nil, err
	}
	if def.Actors, err = r.loadActors(ctx, ex, id); err != nil {
		return nil, err
	}
	if def.Contexts, err = r.loadContexts(ctx, ex, id); err != nil {
		return nil, err
	}
	return def, nil
}

// List returns workflow headers newest first
func (r *WorkflowRepository) List(ctx context.Context, entityType string, activeOnly bool) ([]*entity.Workflow, error) {
	query := `
		SELECT id, name, description, version, entity_type, is_active, created_by, created_at, updated_at
		FROM workflows WHERE 1=1
	`
	var args []any
	if entityType != "" {
		query += " AND entity_type = ?"
		args = append(args, entityType)
	}
	if activeOnly {
		query += " AND is_active = 1"
	}
	query += " ORDER BY created_at DESC, id DESC"

	rows, err := getExecutor(ctx, r.db).QueryContext(ctx, query, args...)
	if err != nil {
		r.logger.Error("Failed to list workflows", zap.Error(err))
		return nil, fmt.Errorf("failed to list workflows: %w", err)
	}
	defer rows.Close()

	var workflows []*entity.Workflow
	for rows.Next() {
		var wf entity.Workflow
		if err := rows.Scan(&wf.ID, &wf.Name, &wf.Description, &wf.Version, &wf.EntityType,
			&wf.IsActive, &wf.CreatedBy, &wf.CreatedAt, &wf.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan workflow: %w", err)
		}
		workflows = append(workflows, &wf)
	}
	return workflows, rows.Err()
}

// Deactivate marks a workflow inactive; definitions are never deleted
func (r *WorkflowRepository) Deactivate(ctx context.Context, id int64) error {
	result, err := getExecutor(ctx, r.db).ExecContext(ctx, `
		UPDATE workflows SET is_active = 0, updated_at = CURRENT_TIMESTAMP WHERE id = ?
	`, id)
	if err != nil {
		r.logger.Error("Failed to deactivate workflow", zap.Int64("id", id), zap.Error(err))
		return fmt.Errorf("failed to deactivate workflow: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("workflow %d not found", id)
	}
	return nil
}

func (r *WorkflowRepository) loadSteps(ctx context.Context, ex sqlite.Executor, workflowID int64) ([]*entity.Step, error) {
	rows, err := ex.QueryContext(ctx, `
		SELECT id, workflow_id, name, description, step_order, is_start, is_end, wait_for_all, wait_for_any, auto_proceed
		FROM workflow_steps WHERE workflow_id = ? ORDER BY step_order ASC
	`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to load steps: %w", err)
	}
	defer rows.Close()

	var steps []*entity.Step
	for rows.Next() {
		var s entity.Step
		if err := rows.Scan(&s.ID, &s.WorkflowID, &s.Name, &s.Description, &s.Order,
			&s.IsStart, &s.IsEnd, &s.WaitForAll, &s.WaitForAny, &s.AutoProceed); err != nil {
			return nil, fmt.Errorf("failed to scan step: %w", err)
		}
		steps = append(steps, &s)
	}
	return steps, rows.Err()
}

func (r *WorkflowRepository) loadTransitions(ctx context.Context, ex sqlite.Executor, workflowID int64) ([]*entity.Transition, error) {
	rows, err := ex.QueryContext(ctx, `
		SELECT id, workflow_id, from_step_id, to_step_id, name, description, condition, priority
		FROM workflow_transitions WHERE workflow_id = ? ORDER BY id ASC
	`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to load transitions: %w", err)
	}
	defer rows.Close()

	var transitions []*entity.Transition
	for rows.Next() {
		var t entity.Transition
		if err := rows.Scan(&t.ID, &t.WorkflowID, &t.FromStepID, &t.ToStepID,
			&t.Name, &t.Description, &t.Condition, &t.Priority); err != nil {
			return nil, fmt.Errorf("failed to scan transition: %w", err)
		}
		transitions = append(transitions, &t)
	}
	return transitions, rows.Err()
}

func (r *WorkflowRepository) loadActions(ctx context.Context, ex sqlite.Executor, workflowID int64) ([]*entity.Action, error) {
	rows, err := ex.QueryContext(ctx, `
		SELECT a.id, a.step_id, a.name, a.action_type, a.trigger_point, a.config, a.is_async, a.exec_order, a.is_active
		FROM workflow_actions a
		JOIN workflow_steps s ON s.id = a.step_id
		WHERE s.workflow_id = ? ORDER BY a.exec_order ASC, a.id ASC
	`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to load actions: %w", err)
	}
	defer rows.Close()

	var actions []*entity.Action
	for rows.Next() {
		var a entity.Action
		var config sql.NullString
		if err := rows.Scan(&a.ID, &a.StepID, &a.Name, &a.ActionType, &a.TriggerPoint,
			&config, &a.IsAsync, &a.ExecOrder, &a.IsActive); err != nil {
			return nil, fmt.Errorf("failed to scan action: %w", err)
		}
		if a.Config, err = unmarshalJSON(config); err != nil {
			return nil, fmt.Errorf("failed to decode action config: %w", err)
		}
		actions = append(actions, &a)
	}
	return actions, rows.Err()
}

func (r *WorkflowRepository) loadActors(ctx context.Context, ex sqlite.Executor, workflowID int64) ([]*entity.ActorConfig, error) {
	rows, err := ex.QueryContext(ctx, `
		SELECT ac.id, ac.step_id, ac.actor_type, ac.actor_ref
		FROM workflow_actors ac
		JOIN workflow_steps s ON s.id = ac.step_id
		WHERE s.workflow_id = ? ORDER BY ac.id ASC
	`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to load actor configs: %w", err)
	}
	defer rows.Close()

	var actors []*entity.ActorConfig
	for rows.Next() {
		var ac entity.ActorConfig
		if err := rows.Scan(&ac.ID, &ac.StepID, &ac.ActorType, &ac.ActorRef); err != nil {
			return nil, fmt.Errorf("failed to scan actor config: %w", err)
		}
		actors = append(actors, &ac)
	}
	return actors, rows.Err()
}

func (r *WorkflowRepository) loadContexts(ctx context.Context, ex sqlite.Executor, workflowID int64) ([]*entity.ConditionContext, error) {
	rows, err := ex.QueryContext(ctx, `
		SELECT id, workflow_id, name, variables
		FROM condition_contexts WHERE workflow_id = ? ORDER BY id ASC
	`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to load condition contexts: %w", err)
	}
	defer rows.Close()

	var contexts []*entity.ConditionContext
	for rows.Next() {
		var cc entity.ConditionContext
		var variables string
		if err := rows.Scan(&cc.ID, &cc.WorkflowID, &cc.Name, &variables); err != nil {
			return nil, fmt.Errorf("failed to scan condition context: %w", err)
		}
		if err := json.Unmarshal([]byte(variables), &cc.Variables); err != nil {
			return nil, fmt.Errorf("failed to decode context variables: %w", err)
		}
		contexts = append(contexts, &cc)
	}
	return contexts, rows.Err()
}

// Verify interface compliance
var _ port.WorkflowRepository = (*WorkflowRepository)(nil)
