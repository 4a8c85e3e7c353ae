package workflow

import (
	"context"

	"go.uber.org/zap"

	"github.com/garyjia/workflow-engine/internal/application/port"
	"github.com/garyjia/workflow-engine/internal/domain/entity"
	domainwf "github.com/garyjia/workflow-engine/internal/domain/workflow"
)

// Authorizer decides who may act on a step. Role and group membership are
// resolved through the host application's RoleProvider; dynamic actor
// expressions go through the same fail-closed evaluator as transitions.
type Authorizer struct {
	users      port.UserProvider
	roles      port.RoleProvider
	evaluator  *domainwf.Evaluator
	ctxBuilder *ContextBuilder
	logger     *zap.Logger
}

// NewAuthorizer creates an authorizer
func NewAuthorizer(users port.UserProvider, roles port.RoleProvider, evaluator *domainwf.Evaluator, ctxBuilder *ContextBuilder, logger *zap.Logger) *Authorizer {
	return &Authorizer{
		users:      users,
		roles:      roles,
		evaluator:  evaluator,
		ctxBuilder: ctxBuilder,
		logger:     logger,
	}
}

// CanAct returns true if user may act on step for this instance. A
// superuser is always authorized; otherwise ANY matching actor config on
// the step authorizes.
func (a *Authorizer) CanAct(ctx context.Context, user *entity.User, def *Definition, step *entity.Step, instance *entity.WorkflowInstance) bool {
	if user == nil {
		return false
	}
	if user.IsSuperuser {
		return true
	}
	for _, ac := range def.Actors(step.ID) {
		if a.matches(ctx, ac, user, def, step, instance) {
			return true
		}
	}
	return false
}

func (a *Authorizer) matches(ctx context.Context, ac *entity.ActorConfig, user *entity.User, def *Definition, step *entity.Step, instance *entity.WorkflowInstance) bool {
	switch ac.ActorType {
	case entity.ActorTypeUser:
		return ac.ActorRef == user.ID
	case entity.ActorTypeGroup:
		in, err := a.roles.UserInGroup(ctx, user.ID, ac.ActorRef)
		if err != nil {
			a.logger.Warn("Group membership lookup failed",
				zap.String("group", ac.ActorRef), zap.Error(err))
			return false
		}
		return in
	case entity.ActorTypeRole:
		has, err := a.roles.UserHasRole(ctx, user.ID, ac.ActorRef)
		if err != nil {
			a.logger.Warn("Role lookup failed",
				zap.String("role", ac.ActorRef), zap.Error(err))
			return false
		}
		return has
	case entity.ActorTypeExpression:
		permCtx := a.ctxBuilder.BuildPermission(ctx, def, step, instance, user)
		return a.evaluator.Evaluate(ac.ActorRef, permCtx)
	}
	return false
}

// EligibleUsers returns the deduplicated set of users who could act on the
// step: every user matching an actor config by type plus all superusers.
// Dynamic expression rules are evaluated best-effort across the user list.
func (a *Authorizer) EligibleUsers(ctx context.Context, def *Definition, step *entity.Step, instance *entity.WorkflowInstance) ([]*entity.User, error) {
	seen := make(map[string]*entity.User)

	add := func(userID string) {
		if _, ok := seen[userID]; ok {
			return
		}
		u, err := a.users.GetByID(ctx, userID)
		if err != nil || u == nil {
			return
		}
		seen[u.ID] = u
	}

	for _, ac := range def.Actors(step.ID) {
		switch ac.ActorType {
		case entity.ActorTypeUser:
			add(ac.ActorRef)
		case entity.ActorTypeGroup:
			ids, err := a.roles.UsersInGroup(ctx, ac.ActorRef)
			if err != nil {
				a.logger.Warn("Group expansion failed", zap.String("group", ac.ActorRef), zap.Error(err))
				continue
			}
			for _, id := range ids {
				add(id)
			}
		case entity.ActorTypeRole:
			ids, err := a.roles.UsersWithRole(ctx, ac.ActorRef)
			if err != nil {
				a.logger.Warn("Role expansion failed", zap.String("role", ac.ActorRef), zap.Error(err))
				continue
			}
			for _, id := range ids {
				add(id)
			}
		case entity.ActorTypeExpression:
			all, err := a.users.List(ctx)
			if err != nil {
				a.logger.Warn("User list for dynamic rule failed", zap.Error(err))
				continue
			}
			for _, u := range all {
				if _, ok := seen[u.ID]; ok {
					continue
				}
				permCtx := a.ctxBuilder.BuildPermission(ctx, def, step, instance, u)
				if a.evaluator.Evaluate(ac.ActorRef, permCtx) {
					seen[u.ID] = u
				}
			}
		}
	}

	supers, err := a.users.Superusers(ctx)
	if err != nil {
		return nil, err
	}
	for _, u := range supers {
		seen[u.ID] = u
	}

	out := make([]*entity.User, 0, len(seen))
	for _, u := range seen {
		out = append(out, u)
	}
	return out, nil
}

// CanStartWorkflow returns true for superusers, owners of the target
// object, and holders of the workflow-start permission.
func (a *Authorizer) CanStartWorkflow(ctx context.Context, user *entity.User, ref entity.EntityRef, owner string) bool {
	if user == nil {
		return false
	}
	if user.IsSuperuser {
		return true
	}
	if owner != "" && owner == user.ID {
		return true
	}
	has, err := a.roles.HasPermission(ctx, user.ID, entity.PermissionStartWorkflow)
	if err != nil {
		a.logger.Warn("Permission lookup failed",
			zap.String("permission", entity.PermissionStartWorkflow), zap.Error(err))
		return false
	}
	return has
}

// CanTerminate returns true for superusers, the instance creator, and
// holders of the terminate permission.
func (a *Authorizer) CanTerminate(ctx context.Context, user *entity.User, instance *entity.WorkflowInstance) bool {
	if user == nil {
		return false
	}
	if user.IsSuperuser {
		return true
	}
	if instance.CreatedBy == user.ID {
		return true
	}
	has, err := a.roles.HasPermission(ctx, user.ID, entity.PermissionTerminateWorkflow)
	if err != nil {
		a.logger.Warn("Permission lookup failed",
			zap.String("permission", entity.PermissionTerminateWorkflow), zap.Error(err))
		return false
	}
	return has
}
