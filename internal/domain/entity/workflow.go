package entity

import "time"

// Workflow is a named, versioned template bound to one target entity type.
// Definitions are deactivated rather than deleted; behavioral changes
// should be published as a new version.
type Workflow struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Version     int       `json:"version"`
	EntityType  string    `json:"entity_type"`
	IsActive    bool      `json:"is_active"`
	CreatedBy   string    `json:"created_by"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Step is one node in the workflow graph
type Step struct {
	ID          int64  `json:"id"`
	WorkflowID  int64  `json:"workflow_id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Order       int    `json:"order"`
	IsStart     bool   `json:"is_start"`
	IsEnd       bool   `json:"is_end"`
	WaitForAll  bool   `json:"wait_for_all"`
	WaitForAny  bool   `json:"wait_for_any"`
	AutoProceed bool   `json:"auto_proceed"`
}

// Transition is a conditional directed edge between two steps of the same
// workflow. An empty condition always holds. Higher priority wins when
// several transitions are valid at once.
type Transition struct {
	ID          int64  `json:"id"`
	WorkflowID  int64  `json:"workflow_id"`
	FromStepID  int64  `json:"from_step_id"`
	ToStepID    int64  `json:"to_step_id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Condition   string `json:"condition"`
	Priority    int    `json:"priority"`
}

// Action is a configured side effect fired at a step's trigger point.
// Config is a type-specific payload; async actions are dispatched to the
// background task runner and never block the transition.
type Action struct {
	ID           int64          `json:"id"`
	StepID       int64          `json:"step_id"`
	Name         string         `json:"name"`
	ActionType   string         `json:"action_type"`
	TriggerPoint string         `json:"trigger_point"`
	Config       map[string]any `json:"config"`
	IsAsync      bool           `json:"is_async"`
	ExecOrder    int            `json:"exec_order"`
	IsActive     bool           `json:"is_active"`
}

// ActorConfig is one authorization rule for a step. A user is authorized
// if ANY rule on the step matches, or if the user is a superuser.
type ActorConfig struct {
	ID        int64  `json:"id"`
	StepID    int64  `json:"step_id"`
	ActorType string `json:"actor_type"`
	// ActorRef holds the user id, group name, role name or expression text
	// depending on ActorType.
	ActorRef string `json:"actor_ref"`
}

// ConditionContext is a named, reusable variable-extraction recipe attached
// to a workflow. Variables maps variable name to a jsonpath rule evaluated
// against the run-time evaluation context.
type ConditionContext struct {
	ID         int64             `json:"id"`
	WorkflowID int64             `json:"workflow_id"`
	Name       string            `json:"name"`
	Variables  map[string]string `json:"variables"`
}

// WorkflowDefinition aggregates a workflow with everything it owns.
// This is the unit the definition store persists and the engine compiles.
type WorkflowDefinition struct {
	Workflow    Workflow            `json:"workflow"`
	Steps       []*Step             `json:"steps"`
	Transitions []*Transition       `json:"transitions"`
	Actions     []*Action           `json:"actions"`
	Actors      []*ActorConfig      `json:"actors"`
	Contexts    []*ConditionContext `json:"contexts"`
}

// EntityRef is the polymorphic reference to the business object a workflow
// instance is attached to. The engine never joins against domain tables;
// this pair is the sole coupling point.
type EntityRef struct {
	Type string `json:"entity_type"`
	ID   string `json:"entity_id"`
}

// User is the engine's view of an acting user. Role and group membership
// live in the host application and are resolved through ports.
type User struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Email       string `json:"email"`
	IsSuperuser bool   `json:"is_superuser"`
}
