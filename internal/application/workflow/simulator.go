package workflow

import (
	"context"

	"go.uber.org/zap"

	"github.com/garyjia/workflow-engine/internal/domain/entity"
	domainwf "github.com/garyjia/workflow-engine/internal/domain/workflow"
)

// DefaultSimulationDepth bounds path exploration so cyclic workflows
// still produce a finite answer.
const DefaultSimulationDepth = 50

// SimulationAction is one scripted actor move in an explicit simulation
type SimulationAction struct {
	Action string         `json:"action"`
	Data   map[string]any `json:"data,omitempty"`
}

// SimulationRequest drives a dry run of a workflow definition. With a
// non-empty Actions script the simulator replays exactly those moves;
// otherwise it explores every structural path through the transition
// graph.
type SimulationRequest struct {
	Data     map[string]any     `json:"data,omitempty"`
	Actions  []SimulationAction `json:"actions,omitempty"`
	MaxDepth int                `json:"max_depth,omitempty"`
}

// SimulatedPath is one walk through the workflow graph
type SimulatedPath struct {
	Steps        []string `json:"steps"`
	EndStep      string   `json:"end_step"`
	Completed    bool     `json:"completed"`
	FailedAction string   `json:"failed_action,omitempty"`
	Truncated    bool     `json:"truncated,omitempty"`
}

// SimulationResult collects the paths a simulation produced
type SimulationResult struct {
	WorkflowID int64           `json:"workflow_id"`
	Paths      []SimulatedPath `json:"paths"`
}

// Simulator runs workflow definitions entirely in memory. It never loads
// or writes instances, logs, or target entities.
type Simulator struct {
	evaluator *domainwf.Evaluator
	resolver  *Resolver
	logger    *zap.Logger
}

// NewSimulator creates a workflow simulator
func NewSimulator(evaluator *domainwf.Evaluator, resolver *Resolver, logger *zap.Logger) *Simulator {
	return &Simulator{evaluator: evaluator, resolver: resolver, logger: logger}
}

// Simulate executes the requested dry run against a compiled definition
func (s *Simulator) Simulate(_ context.Context, def *Definition, req SimulationRequest) (*SimulationResult, error) {
	depth := req.MaxDepth
	if depth <= 0 {
		depth = DefaultSimulationDepth
	}
	result := &SimulationResult{WorkflowID: def.Workflow.ID}
	if len(req.Actions) > 0 {
		result.Paths = []SimulatedPath{s.replay(def, req, depth)}
	} else {
		result.Paths = s.explore(def, depth)
	}
	return result, nil
}

// replay walks the graph following the scripted actions, evaluating
// transition conditions against the accumulated data exactly as live
// processing would.
func (s *Simulator) replay(def *Definition, req SimulationRequest, depth int) SimulatedPath {
	data := make(map[string]any, len(req.Data))
	for k, v := range req.Data {
		data[k] = v
	}

	current := def.StartStep
	path := SimulatedPath{Steps: []string{current.Name}}
	for _, move := range req.Actions {
		for k, v := range move.Data {
			data[k] = v
		}
		if move.Action == entity.LogActionReject {
			continue
		}
		next, ok := s.follow(def, current, data, &path, depth)
		if !ok {
			if current.IsEnd {
				break
			}
			path.FailedAction = move.Action
			break
		}
		current = next
		if current.IsEnd {
			break
		}
	}
	path.EndStep = current.Name
	path.Completed = current.IsEnd && path.FailedAction == ""
	return path
}

// follow takes the highest-priority valid transition out of step and
// cascades through auto-proceed steps, mirroring the live advance rules.
func (s *Simulator) follow(def *Definition, step *entity.Step, data map[string]any, path *SimulatedPath, depth int) (*entity.Step, bool) {
	evalCtx := domainwf.EvalContext{"data": data}
	moved := false
	current := step
	for hops := 0; hops < depth; hops++ {
		transitions := s.resolver.AvailableTransitions(def, current, evalCtx)
		if len(transitions) == 0 {
			break
		}
		next := def.Step(transitions[0].ToStepID)
		if next == nil {
			break
		}
		current = next
		moved = true
		path.Steps = append(path.Steps, current.Name)
		if current.IsEnd || !current.AutoProceed {
			break
		}
	}
	if !moved {
		return step, false
	}
	return current, true
}

// explore enumerates every structural path from the start step, following
// each outgoing transition regardless of condition. Paths that revisit no
// new ground are cut off by the depth bound.
func (s *Simulator) explore(def *Definition, depth int) []SimulatedPath {
	var paths []SimulatedPath
	var walk func(step *entity.Step, trail []string, remaining int)
	walk = func(step *entity.Step, trail []string, remaining int) {
		trail = append(trail, step.Name)
		if step.IsEnd {
			paths = append(paths, SimulatedPath{
				Steps:     append([]string(nil), trail...),
				EndStep:   step.Name,
				Completed: true,
			})
			return
		}
		transitions := def.TransitionsFrom(step.ID)
		if len(transitions) == 0 || remaining == 0 {
			paths = append(paths, SimulatedPath{
				Steps:     append([]string(nil), trail...),
				EndStep:   step.Name,
				Truncated: remaining == 0 && len(transitions) > 0,
			})
			return
		}
		for _, tr := range transitions {
			next := def.Step(tr.ToStepID)
			if next == nil {
				continue
			}
			walk(next, trail, remaining-1)
		}
	}
	walk(def.StartStep, nil, depth)
	return paths
}
