package workflow

import (
	"context"

	"github.com/oliveagle/jsonpath"
	"go.uber.org/zap"

	"github.com/garyjia/workflow-engine/internal/application/port"
	"github.com/garyjia/workflow-engine/internal/domain/entity"
	domainwf "github.com/garyjia/workflow-engine/internal/domain/workflow"
)

// ContextBuilder assembles the evaluation context transitions, dynamic
// actor expressions and action payloads are evaluated against.
type ContextBuilder struct {
	entities port.EntityResolver
	logger   *zap.Logger
}

// NewContextBuilder creates a context builder
func NewContextBuilder(entities port.EntityResolver, logger *zap.Logger) *ContextBuilder {
	return &ContextBuilder{entities: entities, logger: logger}
}

// Build returns the evaluation context for an instance: the instance
// itself, the target entity's attributes, the acting user, the instance
// data, and every condition-context variable defined on the workflow.
// A target that cannot be resolved leaves "target" empty rather than
// failing the whole evaluation; conditions on it then fail closed.
func (b *ContextBuilder) Build(ctx context.Context, def *Definition, instance *entity.WorkflowInstance, user *entity.User) domainwf.EvalContext {
	evalCtx := domainwf.EvalContext{
		"instance": instanceVars(instance),
		"target":   map[string]any{},
		"data":     instance.Data,
	}
	if instance.Data == nil {
		evalCtx["data"] = map[string]any{}
	}
	if user != nil {
		evalCtx["user"] = userVars(user)
	}

	if b.entities != nil {
		handle, err := b.entities.Resolve(ctx, instance.Ref())
		if err != nil {
			b.logger.Warn("Failed to resolve target entity",
				zap.String("entity_type", instance.EntityType),
				zap.String("entity_id", instance.EntityID),
				zap.Error(err))
		} else {
			attrs, err := handle.Attributes(ctx)
			if err != nil {
				b.logger.Warn("Failed to load target attributes",
					zap.String("entity_type", instance.EntityType),
					zap.String("entity_id", instance.EntityID),
					zap.Error(err))
			} else {
				evalCtx["target"] = attrs
			}
		}
	}

	b.applyConditionContexts(def, evalCtx)
	return evalCtx
}

// BuildPermission returns the restricted context dynamic actor expressions
// are evaluated against.
func (b *ContextBuilder) BuildPermission(ctx context.Context, def *Definition, step *entity.Step, instance *entity.WorkflowInstance, user *entity.User) domainwf.EvalContext {
	evalCtx := domainwf.EvalContext{
		"user":              userVars(user),
		"workflow_step":     map[string]any{"id": step.ID, "name": step.Name, "order": step.Order},
		"workflow_instance": instanceVars(instance),
		"target":            map[string]any{},
	}
	if b.entities != nil {
		if handle, err := b.entities.Resolve(ctx, instance.Ref()); err == nil {
			if attrs, err := handle.Attributes(ctx); err == nil {
				evalCtx["target"] = attrs
			}
		}
	}
	return evalCtx
}

// applyConditionContexts evaluates every variable-extraction rule of the
// workflow against the context built so far. A rule that fails is skipped
// with a warning; the remaining variables still apply.
func (b *ContextBuilder) applyConditionContexts(def *Definition, evalCtx domainwf.EvalContext) {
	for _, cc := range def.Contexts {
		for name, rule := range cc.Variables {
			value, err := jsonpath.JsonPathLookup(map[string]any(evalCtx), rule)
			if err != nil {
				b.logger.Warn("Condition context rule failed",
					zap.String("context", cc.Name),
					zap.String("variable", name),
					zap.String("rule", rule),
					zap.Error(err))
				continue
			}
			evalCtx[name] = value
		}
	}
}

func instanceVars(instance *entity.WorkflowInstance) map[string]any {
	vars := map[string]any{
		"id":          instance.ID,
		"workflow_id": instance.WorkflowID,
		"entity_type": instance.EntityType,
		"entity_id":   instance.EntityID,
		"status":      instance.Status,
		"created_by":  instance.CreatedBy,
	}
	if instance.CurrentStepID != nil {
		vars["current_step_id"] = *instance.CurrentStepID
	}
	return vars
}

func userVars(user *entity.User) map[string]any {
	return map[string]any{
		"id":           user.ID,
		"name":         user.Name,
		"email":        user.Email,
		"is_superuser": user.IsSuperuser,
	}
}
