package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/garyjia/workflow-engine/internal/application/port"
	"github.com/garyjia/workflow-engine/internal/domain/entity"
	domainwf "github.com/garyjia/workflow-engine/internal/domain/workflow"
)

const definitionCacheTTL = 5 * time.Minute

// NextStep is one candidate move out of an instance's current step. Every
// outgoing transition is listed; Valid tells whether its condition holds
// right now, and the transition carries the raw condition text so a caller
// can explain why a move is unavailable.
type NextStep struct {
	Transition *entity.Transition `json:"transition"`
	Step       *entity.Step       `json:"step"`
	Valid      bool               `json:"condition_currently_valid"`
	Eligible   []*entity.User     `json:"eligible_users"`
}

// Engine is the public entry point of the workflow engine. It owns
// definition loading and caching, instance lifecycle, and delegates step
// processing to the Processor.
type Engine struct {
	workflows  port.WorkflowRepository
	instances  port.InstanceRepository
	logs       port.StepLogRepository
	tx         port.TransactionManager
	entities   port.EntityResolver
	processor  *Processor
	authorizer *Authorizer
	resolver   *Resolver
	ctxBuilder *ContextBuilder
	simulator  *Simulator
	cache      *gocache.Cache
	logger     *zap.Logger
}

// NewEngine creates the workflow engine orchestrator
func NewEngine(
	workflows port.WorkflowRepository,
	instances port.InstanceRepository,
	logs port.StepLogRepository,
	tx port.TransactionManager,
	entities port.EntityResolver,
	processor *Processor,
	authorizer *Authorizer,
	resolver *Resolver,
	ctxBuilder *ContextBuilder,
	simulator *Simulator,
	logger *zap.Logger,
) *Engine {
	return &Engine{
		workflows:  workflows,
		instances:  instances,
		logs:       logs,
		tx:         tx,
		entities:   entities,
		processor:  processor,
		authorizer: authorizer,
		resolver:   resolver,
		ctxBuilder: ctxBuilder,
		simulator:  simulator,
		cache:      gocache.New(definitionCacheTTL, 10*time.Minute),
		logger:     logger,
	}
}

// CreateDefinition validates and persists a workflow definition. Saving a
// definition for an existing (name, entity type) pair allocates the next
// version rather than mutating the stored one.
func (e *Engine) CreateDefinition(ctx context.Context, def *entity.WorkflowDefinition, user *entity.User) (*entity.WorkflowDefinition, error) {
	if err := Validate(def); err != nil {
		return nil, err
	}
	def.Workflow.CreatedBy = user.ID
	def.Workflow.IsActive = true
	err := e.tx.WithTransaction(ctx, func(txCtx context.Context) error {
		return e.workflows.Create(txCtx, def)
	})
	if err != nil {
		return nil, err
	}
	e.cache.Delete(cacheKey(def.Workflow.ID))
	e.logger.Info("Workflow definition created",
		zap.Int64("workflow_id", def.Workflow.ID),
		zap.String("name", def.Workflow.Name),
		zap.Int("version", def.Workflow.Version))
	return def, nil
}

// GetDefinition loads and compiles a workflow definition, serving repeat
// lookups from the in-process cache.
func (e *Engine) GetDefinition(ctx context.Context, workflowID int64) (*Definition, error) {
	key := cacheKey(workflowID)
	if cached, ok := e.cache.Get(key); ok {
		return cached.(*Definition), nil
	}
	raw, err := e.workflows.GetByID(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, fmt.Errorf("%w: workflow %d", domainwf.ErrNotFound, workflowID)
	}
	def, err := Compile(raw)
	if err != nil {
		return nil, err
	}
	e.cache.Set(key, def, gocache.DefaultExpiration)
	return def, nil
}

// ListWorkflows returns workflow headers, optionally filtered by entity
// type and active flag.
func (e *Engine) ListWorkflows(ctx context.Context, entityType string, activeOnly bool) ([]*entity.Workflow, error) {
	return e.workflows.List(ctx, entityType, activeOnly)
}

// DeactivateWorkflow retires a definition. Running instances keep their
// compiled definition; no new instances can start against it.
func (e *Engine) DeactivateWorkflow(ctx context.Context, workflowID int64, user *entity.User) error {
	if !user.IsSuperuser {
		return fmt.Errorf("%w: only superusers may deactivate workflows", domainwf.ErrPermission)
	}
	err := e.tx.WithTransaction(ctx, func(txCtx context.Context) error {
		return e.workflows.Deactivate(txCtx, workflowID)
	})
	if err != nil {
		return err
	}
	e.cache.Delete(cacheKey(workflowID))
	e.logger.Info("Workflow deactivated", zap.Int64("workflow_id", workflowID))
	return nil
}

// StartWorkflow creates an instance of the workflow against the target
// entity and immediately starts it. At most one non-terminal instance may
// exist per (workflow, entity) pair.
func (e *Engine) StartWorkflow(ctx context.Context, workflowID int64, ref entity.EntityRef, user *entity.User, data map[string]any) (*entity.WorkflowInstance, error) {
	def, err := e.GetDefinition(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if !def.Workflow.IsActive {
		return nil, fmt.Errorf("%w: workflow %d is inactive", domainwf.ErrConflict, workflowID)
	}
	if def.Workflow.EntityType != ref.Type {
		return nil, fmt.Errorf("%w: workflow %d targets %s entities, not %s", domainwf.ErrConfiguration, workflowID, def.Workflow.EntityType, ref.Type)
	}

	var owner string
	if handle, err := e.entities.Resolve(ctx, ref); err == nil {
		owner = handle.OwnerID()
	}
	if !e.authorizer.CanStartWorkflow(ctx, user, ref, owner) {
		return nil, fmt.Errorf("%w: user %s may not start workflows for %s/%s", domainwf.ErrPermission, user.ID, ref.Type, ref.ID)
	}

	instance := &entity.WorkflowInstance{
		ID:         uuid.NewString(),
		WorkflowID: workflowID,
		EntityType: ref.Type,
		EntityID:   ref.ID,
		Status:     entity.StatusPending,
		Data:       data,
		CreatedBy:  user.ID,
	}
	err = e.tx.WithTransaction(ctx, func(txCtx context.Context) error {
		existing, err := e.instances.GetActiveByTarget(txCtx, workflowID, ref)
		if err != nil {
			return err
		}
		if existing != nil {
			return fmt.Errorf("%w: instance %s is already running for %s/%s", domainwf.ErrConflict, existing.ID, ref.Type, ref.ID)
		}
		return e.instances.Create(txCtx, instance)
	})
	if err != nil {
		return nil, err
	}
	return e.processor.Start(ctx, def, instance.ID, user)
}

// ProcessStep applies one actor action (approve, reject, or a custom
// action name) to the instance's current step.
func (e *Engine) ProcessStep(ctx context.Context, instanceID, action string, user *entity.User, comment string, data map[string]any) (*entity.WorkflowInstance, error) {
	instance, err := e.getInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	def, err := e.GetDefinition(ctx, instance.WorkflowID)
	if err != nil {
		return nil, err
	}
	return e.processor.Process(ctx, def, instanceID, action, user, comment, data)
}

// TerminateInstance cancels a running instance
func (e *Engine) TerminateInstance(ctx context.Context, instanceID string, user *entity.User, reason string) (*entity.WorkflowInstance, error) {
	return e.processor.Terminate(ctx, instanceID, user, reason)
}

// GetInstance returns the instance by ID
func (e *Engine) GetInstance(ctx context.Context, instanceID string) (*entity.WorkflowInstance, error) {
	return e.getInstance(ctx, instanceID)
}

// ListInstances returns instances filtered by workflow, entity type and
// status; zero values mean no filter.
func (e *Engine) ListInstances(ctx context.Context, workflowID int64, entityType, status string) ([]*entity.WorkflowInstance, error) {
	return e.instances.List(ctx, workflowID, entityType, status)
}

// GetLogs returns the append-only audit trail of the instance in
// chronological order.
func (e *Engine) GetLogs(ctx context.Context, instanceID string) ([]*entity.StepLog, error) {
	if _, err := e.getInstance(ctx, instanceID); err != nil {
		return nil, err
	}
	return e.logs.GetByInstanceID(ctx, instanceID)
}

// GetNextSteps evaluates every outgoing transition of the instance's
// current step against its live state and lists, per candidate step, which
// users could act there. Transitions whose conditions do not hold are
// included with Valid false.
func (e *Engine) GetNextSteps(ctx context.Context, instanceID string, user *entity.User) ([]NextStep, error) {
	instance, err := e.getInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if instance.Status != entity.StatusActive || instance.CurrentStepID == nil {
		return []NextStep{}, nil
	}
	def, err := e.GetDefinition(ctx, instance.WorkflowID)
	if err != nil {
		return nil, err
	}
	step := def.Step(*instance.CurrentStepID)
	if step == nil {
		return nil, fmt.Errorf("%w: instance %s references unknown step %d", domainwf.ErrConfiguration, instanceID, *instance.CurrentStepID)
	}

	evalCtx := e.ctxBuilder.Build(ctx, def, instance, user)
	evaluated := e.resolver.EvaluateTransitions(def, step, evalCtx)
	steps := make([]NextStep, 0, len(evaluated))
	for _, et := range evaluated {
		target := def.Step(et.Transition.ToStepID)
		if target == nil {
			continue
		}
		eligible, err := e.authorizer.EligibleUsers(ctx, def, target, instance)
		if err != nil {
			e.logger.Warn("Failed to resolve eligible users",
				zap.String("instance_id", instanceID),
				zap.String("step", target.Name),
				zap.Error(err))
			eligible = []*entity.User{}
		}
		steps = append(steps, NextStep{Transition: et.Transition, Step: target, Valid: et.Valid, Eligible: eligible})
	}
	return steps, nil
}

// Simulate runs the workflow definition in memory without touching any
// stored instance.
func (e *Engine) Simulate(ctx context.Context, workflowID int64, req SimulationRequest) (*SimulationResult, error) {
	def, err := e.GetDefinition(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	return e.simulator.Simulate(ctx, def, req)
}

func (e *Engine) getInstance(ctx context.Context, instanceID string) (*entity.WorkflowInstance, error) {
	instance, err := e.instances.GetByID(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if instance == nil {
		return nil, fmt.Errorf("%w: instance %s", domainwf.ErrNotFound, instanceID)
	}
	return instance, nil
}

func cacheKey(workflowID int64) string {
	return fmt.Sprintf("workflow:%d", workflowID)
}
