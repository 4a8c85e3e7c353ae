package workflow

import (
	"fmt"
	"sort"

	"github.com/garyjia/workflow-engine/internal/domain/entity"
	domainwf "github.com/garyjia/workflow-engine/internal/domain/workflow"
)

// Definition is a compiled workflow definition: the persisted graph with
// indexes the engine needs at run time. Compiled definitions are immutable
// and safe for concurrent use.
type Definition struct {
	Workflow  *entity.Workflow
	StartStep *entity.Step
	Contexts  []*entity.ConditionContext

	steps           map[int64]*entity.Step
	transitionsFrom map[int64][]*entity.Transition
	actionsByStep   map[int64][]*entity.Action
	actorsByStep    map[int64][]*entity.ActorConfig
}

// Step returns a step by id, nil when unknown
func (d *Definition) Step(id int64) *entity.Step {
	return d.steps[id]
}

// Steps returns all steps ordered by step order
func (d *Definition) Steps() []*entity.Step {
	out := make([]*entity.Step, 0, len(d.steps))
	for _, s := range d.steps {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out
}

// TransitionsFrom returns the outgoing transitions of a step in definition order
func (d *Definition) TransitionsFrom(stepID int64) []*entity.Transition {
	return d.transitionsFrom[stepID]
}

// Actions returns a step's active actions for a trigger point, ordered by
// (exec_order, id)
func (d *Definition) Actions(stepID int64, triggerPoint string) []*entity.Action {
	var out []*entity.Action
	for _, a := range d.actionsByStep[stepID] {
		if a.IsActive && a.TriggerPoint == triggerPoint {
			out = append(out, a)
		}
	}
	return out
}

// Actors returns the actor configs of a step
func (d *Definition) Actors(stepID int64) []*entity.ActorConfig {
	return d.actorsByStep[stepID]
}

// Compile validates and indexes a persisted definition. Configuration
// mistakes discovered here (no start step, cross-workflow edges) are
// returned wrapped in ErrConfiguration.
func Compile(def *entity.WorkflowDefinition) (*Definition, error) {
	if err := Validate(def); err != nil {
		return nil, err
	}

	wf := def.Workflow
	d := &Definition{
		Workflow:        &wf,
		Contexts:        def.Contexts,
		steps:           make(map[int64]*entity.Step, len(def.Steps)),
		transitionsFrom: make(map[int64][]*entity.Transition),
		actionsByStep:   make(map[int64][]*entity.Action),
		actorsByStep:    make(map[int64][]*entity.ActorConfig),
	}

	for _, s := range def.Steps {
		d.steps[s.ID] = s
		if s.IsStart {
			d.StartStep = s
		}
	}
	for _, t := range def.Transitions {
		d.transitionsFrom[t.FromStepID] = append(d.transitionsFrom[t.FromStepID], t)
	}
	for _, a := range def.Actions {
		d.actionsByStep[a.StepID] = append(d.actionsByStep[a.StepID], a)
	}
	for id := range d.actionsByStep {
		actions := d.actionsByStep[id]
		sort.SliceStable(actions, func(i, j int) bool {
			if actions[i].ExecOrder != actions[j].ExecOrder {
				return actions[i].ExecOrder < actions[j].ExecOrder
			}
			return actions[i].ID < actions[j].ID
		})
	}
	for _, ac := range def.Actors {
		d.actorsByStep[ac.StepID] = append(d.actorsByStep[ac.StepID], ac)
	}
	return d, nil
}

// Validate checks a definition graph for administrator mistakes. It runs
// at definition-save time so broken workflows are rejected before any
// instance can hit them.
func Validate(def *entity.WorkflowDefinition) error {
	if def.Workflow.Name == "" {
		return fmt.Errorf("%w: workflow name is required", domainwf.ErrConfiguration)
	}
	if def.Workflow.EntityType == "" {
		return fmt.Errorf("%w: workflow entity type is required", domainwf.ErrConfiguration)
	}
	if len(def.Steps) == 0 {
		return fmt.Errorf("%w: workflow has no steps", domainwf.ErrConfiguration)
	}

	stepIDs := make(map[int64]bool, len(def.Steps))
	orders := make(map[int]string, len(def.Steps))
	startCount := 0
	for _, s := range def.Steps {
		if s.Name == "" {
			return fmt.Errorf("%w: step name is required", domainwf.ErrConfiguration)
		}
		if stepIDs[s.ID] {
			return fmt.Errorf("%w: duplicate step id %d", domainwf.ErrConfiguration, s.ID)
		}
		stepIDs[s.ID] = true
		if prev, taken := orders[s.Order]; taken {
			return fmt.Errorf("%w: steps %q and %q share order %d", domainwf.ErrConfiguration, prev, s.Name, s.Order)
		}
		orders[s.Order] = s.Name
		if s.IsStart {
			startCount++
		}
	}
	if startCount == 0 {
		return fmt.Errorf("%w: workflow has no start step", domainwf.ErrConfiguration)
	}
	if startCount > 1 {
		return fmt.Errorf("%w: workflow has %d start steps, want exactly one", domainwf.ErrConfiguration, startCount)
	}

	// transitions must stay inside this workflow's step set
	for _, t := range def.Transitions {
		if !stepIDs[t.FromStepID] {
			return fmt.Errorf("%w: transition %q source step %d is not part of the workflow", domainwf.ErrConfiguration, t.Name, t.FromStepID)
		}
		if !stepIDs[t.ToStepID] {
			return fmt.Errorf("%w: transition %q target step %d is not part of the workflow", domainwf.ErrConfiguration, t.Name, t.ToStepID)
		}
	}

	for _, a := range def.Actions {
		if !stepIDs[a.StepID] {
			return fmt.Errorf("%w: action %q bound to unknown step %d", domainwf.ErrConfiguration, a.Name, a.StepID)
		}
		if !entity.ValidActionType(a.ActionType) {
			return fmt.Errorf("%w: action %q has unknown type %q", domainwf.ErrConfiguration, a.Name, a.ActionType)
		}
		if !entity.ValidTriggerPoint(a.TriggerPoint) {
			return fmt.Errorf("%w: action %q has unknown trigger point %q", domainwf.ErrConfiguration, a.Name, a.TriggerPoint)
		}
	}

	for _, ac := range def.Actors {
		if !stepIDs[ac.StepID] {
			return fmt.Errorf("%w: actor config bound to unknown step %d", domainwf.ErrConfiguration, ac.StepID)
		}
		if !entity.ValidActorType(ac.ActorType) {
			return fmt.Errorf("%w: unknown actor type %q", domainwf.ErrConfiguration, ac.ActorType)
		}
		if ac.ActorRef == "" {
			return fmt.Errorf("%w: actor config on step %d has empty reference", domainwf.ErrConfiguration, ac.StepID)
		}
	}
	return nil
}
