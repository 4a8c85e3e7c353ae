package workflow

import (
	"sort"

	"github.com/garyjia/workflow-engine/internal/domain/entity"
	domainwf "github.com/garyjia/workflow-engine/internal/domain/workflow"
)

// Resolver filters and orders the outgoing transitions of a step.
type Resolver struct {
	evaluator *domainwf.Evaluator
}

// NewResolver creates a transition resolver
func NewResolver(evaluator *domainwf.Evaluator) *Resolver {
	return &Resolver{evaluator: evaluator}
}

// EvaluatedTransition pairs an outgoing transition with whether its
// condition currently holds.
type EvaluatedTransition struct {
	Transition *entity.Transition
	Valid      bool
}

// EvaluateTransitions returns every outgoing transition of the step with
// its condition evaluated against evalCtx, ordered by descending priority
// with definition order preserved on ties. Invalid transitions are kept so
// callers can report why a move is unavailable.
func (r *Resolver) EvaluateTransitions(def *Definition, step *entity.Step, evalCtx domainwf.EvalContext) []EvaluatedTransition {
	candidates := def.TransitionsFrom(step.ID)
	out := make([]EvaluatedTransition, 0, len(candidates))
	for _, t := range candidates {
		out = append(out, EvaluatedTransition{
			Transition: t,
			Valid:      r.evaluator.Evaluate(t.Condition, evalCtx),
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Transition.Priority > out[j].Transition.Priority
	})
	return out
}

// AvailableTransitions returns the step's outgoing transitions whose
// conditions currently hold, ordered by descending priority with
// definition order preserved on ties. An empty result is a valid outcome:
// the step is simply waiting for a future state change.
func (r *Resolver) AvailableTransitions(def *Definition, step *entity.Step, evalCtx domainwf.EvalContext) []*entity.Transition {
	evaluated := r.EvaluateTransitions(def, step, evalCtx)
	valid := make([]*entity.Transition, 0, len(evaluated))
	for _, et := range evaluated {
		if et.Valid {
			valid = append(valid, et.Transition)
		}
	}
	return valid
}
