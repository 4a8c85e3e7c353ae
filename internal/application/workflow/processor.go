package workflow

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/garyjia/workflow-engine/internal/application/port"
	"github.com/garyjia/workflow-engine/internal/domain/entity"
	domainwf "github.com/garyjia/workflow-engine/internal/domain/workflow"
)

// DefaultMaxAutoProceed caps auto-proceed cascades within one call. A
// workflow that chains more auto-proceed steps than this is considered
// misconfigured and the instance is moved to ERROR.
const DefaultMaxAutoProceed = 25

// Processor advances workflow instances. Every Start/Process/Terminate
// call runs as one atomic transaction: the instance row is re-read inside
// the transaction and the final write carries a compare-and-swap guard on
// the (status, current step) the call observed, so two concurrent calls
// can never both advance an instance past the same step.
type Processor struct {
	instances  port.InstanceRepository
	logs       port.StepLogRepository
	tx         port.TransactionManager
	authorizer *Authorizer
	executor   *Executor
	resolver   *Resolver
	ctxBuilder *ContextBuilder
	logger     *zap.Logger

	maxAutoProceed int
}

// NewProcessor creates a step processor
func NewProcessor(
	instances port.InstanceRepository,
	logs port.StepLogRepository,
	tx port.TransactionManager,
	authorizer *Authorizer,
	executor *Executor,
	resolver *Resolver,
	ctxBuilder *ContextBuilder,
	logger *zap.Logger,
) *Processor {
	return &Processor{
		instances:      instances,
		logs:           logs,
		tx:             tx,
		authorizer:     authorizer,
		executor:       executor,
		resolver:       resolver,
		ctxBuilder:     ctxBuilder,
		logger:         logger,
		maxAutoProceed: DefaultMaxAutoProceed,
	}
}

// SetMaxAutoProceed overrides the auto-proceed cascade cap
func (p *Processor) SetMaxAutoProceed(n int) {
	if n > 0 {
		p.maxAutoProceed = n
	}
}

// Start moves a PENDING instance to ACTIVE at the workflow's start step,
// records the "start" log entry and fires the start step's on-enter
// actions.
func (p *Processor) Start(ctx context.Context, def *Definition, instanceID string, user *entity.User) (*entity.WorkflowInstance, error) {
	var result *entity.WorkflowInstance
	err := p.tx.WithTransaction(ctx, func(txCtx context.Context) error {
		instance, err := p.instances.GetByID(txCtx, instanceID)
		if err != nil {
			return err
		}
		if instance == nil {
			return fmt.Errorf("%w: instance %s", domainwf.ErrNotFound, instanceID)
		}
		if instance.Status != entity.StatusPending {
			return fmt.Errorf("%w: instance %s is %s, only PENDING instances can be started", domainwf.ErrConflict, instanceID, instance.Status)
		}
		if def.StartStep == nil {
			return fmt.Errorf("%w: workflow %d has no start step", domainwf.ErrConfiguration, def.Workflow.ID)
		}

		start := def.StartStep
		instance.CurrentStepID = &start.ID
		instance.Status = entity.StatusActive
		instance.CurrentUserID = &user.ID

		ok, err := p.instances.UpdateState(txCtx, instance, entity.StatusPending, nil)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: instance %s was started concurrently", domainwf.ErrConflict, instanceID)
		}

		if err := p.appendLog(txCtx, instance, &start.ID, entity.LogActionStart, &user.ID, map[string]any{"step": start.Name}); err != nil {
			return err
		}

		evalCtx := p.ctxBuilder.Build(txCtx, def, instance, user)
		p.executor.ExecuteTriggerActions(txCtx, def, start, entity.TriggerOnEnter, instance, evalCtx)

		result = instance
		return nil
	})
	if err != nil {
		return nil, err
	}
	p.logger.Info("Workflow instance started",
		zap.String("instance_id", result.ID),
		zap.Int64("workflow_id", result.WorkflowID),
		zap.String("step", def.StartStep.Name))
	return result, nil
}

// Process handles one actor action against the instance's current step:
// authorization, the unconditional audit log, trigger actions, and the
// advance across valid transitions including auto-proceed cascades.
func (p *Processor) Process(ctx context.Context, def *Definition, instanceID, actionName string, user *entity.User, comment string, data map[string]any) (*entity.WorkflowInstance, error) {
	var result *entity.WorkflowInstance
	err := p.tx.WithTransaction(ctx, func(txCtx context.Context) error {
		instance, err := p.instances.GetByID(txCtx, instanceID)
		if err != nil {
			return err
		}
		if instance == nil {
			return fmt.Errorf("%w: instance %s", domainwf.ErrNotFound, instanceID)
		}
		if instance.Status != entity.StatusActive || instance.CurrentStepID == nil {
			return fmt.Errorf("%w: instance %s is %s, only ACTIVE instances can be processed", domainwf.ErrConflict, instanceID, instance.Status)
		}
		step := def.Step(*instance.CurrentStepID)
		if step == nil {
			return fmt.Errorf("%w: instance %s references unknown step %d", domainwf.ErrConfiguration, instanceID, *instance.CurrentStepID)
		}

		// authorization happens before any mutation, including the log
		if !p.authorizer.CanAct(txCtx, user, def, step, instance) {
			return fmt.Errorf("%w: user %s may not act on step %s", domainwf.ErrPermission, user.ID, step.Name)
		}

		expectedStatus := instance.Status
		expectedStep := instance.CurrentStepID

		if len(data) > 0 {
			if instance.Data == nil {
				instance.Data = make(map[string]any, len(data))
			}
			for k, v := range data {
				instance.Data[k] = v
			}
		}
		instance.CurrentUserID = &user.ID

		// intent is recorded even if the advance below stalls
		logData := make(map[string]any, len(data)+1)
		for k, v := range data {
			logData[k] = v
		}
		if comment != "" {
			logData["comment"] = comment
		}
		if err := p.appendLog(txCtx, instance, &step.ID, actionName, &user.ID, logData); err != nil {
			return err
		}

		evalCtx := p.ctxBuilder.Build(txCtx, def, instance, user)
		switch actionName {
		case entity.LogActionReject:
			// rejection handling is a workflow-design decision: on-reject
			// actions fire, but only transitions whose conditions match the
			// rejected state move the instance on a later call
			p.executor.ExecuteTriggerActions(txCtx, def, step, entity.TriggerOnReject, instance, evalCtx)
		default:
			p.executor.ExecuteTriggerActions(txCtx, def, step, entity.TriggerOnExit, instance, evalCtx)
			p.executor.ExecuteTriggerActions(txCtx, def, step, entity.TriggerOnComplete, instance, evalCtx)
			if err := p.advance(txCtx, def, instance, user); err != nil {
				return err
			}
		}

		ok, err := p.instances.UpdateState(txCtx, instance, expectedStatus, expectedStep)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: instance %s was advanced concurrently", domainwf.ErrConflict, instanceID)
		}
		result = instance
		return nil
	})
	if err != nil {
		if !isClassified(err) {
			p.markError(ctx, instanceID, err)
		}
		return nil, err
	}
	return result, nil
}

// Terminate moves a PENDING or ACTIVE instance to TERMINATED
func (p *Processor) Terminate(ctx context.Context, instanceID string, user *entity.User, reason string) (*entity.WorkflowInstance, error) {
	var result *entity.WorkflowInstance
	err := p.tx.WithTransaction(ctx, func(txCtx context.Context) error {
		instance, err := p.instances.GetByID(txCtx, instanceID)
		if err != nil {
			return err
		}
		if instance == nil {
			return fmt.Errorf("%w: instance %s", domainwf.ErrNotFound, instanceID)
		}
		if entity.IsTerminalStatus(instance.Status) {
			return fmt.Errorf("%w: instance %s is already %s", domainwf.ErrConflict, instanceID, instance.Status)
		}
		if !p.authorizer.CanTerminate(txCtx, user, instance) {
			return fmt.Errorf("%w: user %s may not terminate instance %s", domainwf.ErrPermission, user.ID, instanceID)
		}

		expectedStatus := instance.Status
		expectedStep := instance.CurrentStepID
		instance.Status = entity.StatusTerminated

		ok, err := p.instances.UpdateState(txCtx, instance, expectedStatus, expectedStep)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: instance %s changed concurrently", domainwf.ErrConflict, instanceID)
		}

		logData := map[string]any{}
		if reason != "" {
			logData["reason"] = reason
		}
		if err := p.appendLog(txCtx, instance, instance.CurrentStepID, entity.LogActionTerminate, &user.ID, logData); err != nil {
			return err
		}
		result = instance
		return nil
	})
	if err != nil {
		return nil, err
	}
	p.logger.Info("Workflow instance terminated",
		zap.String("instance_id", result.ID),
		zap.String("by", user.ID))
	return result, nil
}

// advance resolves transitions from the current step and follows the
// highest-priority valid one, cascading through auto-proceed steps up to
// the configured cap. No valid transition is not an error: an end step
// completes the instance, any other step stays put waiting for new state.
func (p *Processor) advance(txCtx context.Context, def *Definition, instance *entity.WorkflowInstance, user *entity.User) error {
	hops := 0
	for {
		step := def.Step(*instance.CurrentStepID)
		evalCtx := p.ctxBuilder.Build(txCtx, def, instance, user)
		transitions := p.resolver.AvailableTransitions(def, step, evalCtx)
		if len(transitions) == 0 {
			if step.IsEnd {
				instance.Status = entity.StatusCompleted
			}
			return nil
		}

		tr := transitions[0]
		next := def.Step(tr.ToStepID)
		if next == nil {
			return fmt.Errorf("%w: transition %s targets unknown step %d", domainwf.ErrConfiguration, tr.Name, tr.ToStepID)
		}

		instance.CurrentStepID = &next.ID
		if err := p.appendLog(txCtx, instance, &next.ID, entity.LogActionTransition, nil, map[string]any{
			"transition": tr.Name,
			"from":       step.Name,
			"to":         next.Name,
		}); err != nil {
			return err
		}

		p.executor.ExecuteTriggerActions(txCtx, def, next, entity.TriggerOnEnter, instance, evalCtx)

		if next.IsEnd {
			instance.Status = entity.StatusCompleted
			return nil
		}
		if !next.AutoProceed {
			return nil
		}

		hops++
		if hops > p.maxAutoProceed {
			instance.Status = entity.StatusError
			p.logger.Error("Auto-proceed cascade exceeded cap, instance moved to ERROR",
				zap.String("instance_id", instance.ID),
				zap.Int("cap", p.maxAutoProceed))
			return p.appendLog(txCtx, instance, &next.ID, entity.LogActionError, nil, map[string]any{
				"reason": fmt.Sprintf("auto-proceed cascade exceeded cap of %d steps", p.maxAutoProceed),
			})
		}

		// implicit system approve for the auto-proceed step
		if err := p.appendLog(txCtx, instance, &next.ID, entity.LogActionApprove, nil, map[string]any{
			"comment": "auto-proceed",
		}); err != nil {
			return err
		}
		p.executor.ExecuteTriggerActions(txCtx, def, next, entity.TriggerOnExit, instance, evalCtx)
		p.executor.ExecuteTriggerActions(txCtx, def, next, entity.TriggerOnComplete, instance, evalCtx)
	}
}

func (p *Processor) appendLog(txCtx context.Context, instance *entity.WorkflowInstance, stepID *int64, action string, userID *string, data map[string]any) error {
	return p.logs.Create(txCtx, &entity.StepLog{
		InstanceID: instance.ID,
		StepID:     stepID,
		Action:     action,
		UserID:     userID,
		Data:       data,
	})
}

// markError flags the instance after an unclassified processing failure.
// ERROR is terminal and requires manual intervention, so this is
// best-effort and never masks the original error.
func (p *Processor) markError(ctx context.Context, instanceID string, cause error) {
	err := p.tx.WithTransaction(ctx, func(txCtx context.Context) error {
		instance, err := p.instances.GetByID(txCtx, instanceID)
		if err != nil || instance == nil {
			return err
		}
		if entity.IsTerminalStatus(instance.Status) {
			return nil
		}
		expectedStatus := instance.Status
		expectedStep := instance.CurrentStepID
		instance.Status = entity.StatusError
		if _, err := p.instances.UpdateState(txCtx, instance, expectedStatus, expectedStep); err != nil {
			return err
		}
		return p.appendLog(txCtx, instance, instance.CurrentStepID, entity.LogActionError, nil, map[string]any{
			"reason": cause.Error(),
		})
	})
	if err != nil {
		p.logger.Error("Failed to mark instance as errored",
			zap.String("instance_id", instanceID),
			zap.NamedError("cause", cause),
			zap.Error(err))
	}
}

func isClassified(err error) bool {
	return errors.Is(err, domainwf.ErrNotFound) ||
		errors.Is(err, domainwf.ErrConflict) ||
		errors.Is(err, domainwf.ErrPermission) ||
		errors.Is(err, domainwf.ErrConfiguration)
}
