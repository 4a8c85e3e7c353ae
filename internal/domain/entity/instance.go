package entity

import "time"

// WorkflowInstance is one live execution of a Workflow against one target
// entity. At most one PENDING or ACTIVE instance may exist per
// (workflow, entity_type, entity_id).
type WorkflowInstance struct {
	ID            string         `json:"id"`
	WorkflowID    int64          `json:"workflow_id"`
	EntityType    string         `json:"entity_type"`
	EntityID      string         `json:"entity_id"`
	CurrentStepID *int64         `json:"current_step_id,omitempty"`
	Status        string         `json:"status"`
	CurrentUserID *string        `json:"current_user_id,omitempty"`
	Data          map[string]any `json:"data"`
	CreatedBy     string         `json:"created_by"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// Ref returns the instance's target entity reference
func (i *WorkflowInstance) Ref() EntityRef {
	return EntityRef{Type: i.EntityType, ID: i.EntityID}
}

// Clone returns a copy whose Data map is independent of the receiver's, so
// the copy can outlive the request that produced it.
func (i *WorkflowInstance) Clone() *WorkflowInstance {
	c := *i
	if i.Data != nil {
		c.Data, _ = copyValue(i.Data).(map[string]any)
	}
	return &c
}

func copyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = copyValue(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for n, e := range t {
			out[n] = copyValue(e)
		}
		return out
	default:
		return v
	}
}

// StepLog is one immutable audit record of an action taken against an
// instance. Rows are only ever appended; together they form the instance's
// complete execution history.
type StepLog struct {
	ID         int64          `json:"id"`
	InstanceID string         `json:"instance_id"`
	StepID     *int64         `json:"step_id,omitempty"`
	Action     string         `json:"action"`
	// UserID is nil for system-attributed actions such as auto-proceed.
	UserID    *string        `json:"user_id,omitempty"`
	Data      map[string]any `json:"data"`
	CreatedAt time.Time      `json:"created_at"`
}
