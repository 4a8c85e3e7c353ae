package entity

// Status constants for WorkflowInstance
const (
	StatusPending    = "PENDING"
	StatusActive     = "ACTIVE"
	StatusCompleted  = "COMPLETED"
	StatusTerminated = "TERMINATED"
	StatusError      = "ERROR"
)

// IsTerminalStatus returns true if no further transitions are allowed from the status
func IsTerminalStatus(status string) bool {
	switch status {
	case StatusCompleted, StatusTerminated, StatusError:
		return true
	}
	return false
}

// Action type constants for Action
const (
	ActionTypeEmail        = "EMAIL"
	ActionTypeAPICall      = "API_CALL"
	ActionTypeUpdateRecord = "UPDATE_RECORD"
	ActionTypeFunction     = "FUNCTION"
	ActionTypeNotification = "NOTIFICATION"
)

// ValidActionType returns true for a known action type
func ValidActionType(t string) bool {
	switch t {
	case ActionTypeEmail, ActionTypeAPICall, ActionTypeUpdateRecord,
		ActionTypeFunction, ActionTypeNotification:
		return true
	}
	return false
}

// Trigger point constants for Action
const (
	TriggerOnEnter    = "ON_ENTER"
	TriggerOnExit     = "ON_EXIT"
	TriggerOnComplete = "ON_COMPLETE"
	TriggerOnReject   = "ON_REJECT"
)

// ValidTriggerPoint returns true for a known trigger point
func ValidTriggerPoint(t string) bool {
	switch t {
	case TriggerOnEnter, TriggerOnExit, TriggerOnComplete, TriggerOnReject:
		return true
	}
	return false
}

// Actor type constants for ActorConfig
const (
	ActorTypeUser       = "USER"
	ActorTypeGroup      = "GROUP"
	ActorTypeRole       = "ROLE"
	ActorTypeExpression = "EXPRESSION"
)

// ValidActorType returns true for a known actor type
func ValidActorType(t string) bool {
	switch t {
	case ActorTypeUser, ActorTypeGroup, ActorTypeRole, ActorTypeExpression:
		return true
	}
	return false
}

// Log action constants for StepLog
const (
	LogActionStart      = "start"
	LogActionApprove    = "approve"
	LogActionReject     = "reject"
	LogActionTransition = "transition"
	LogActionTerminate  = "terminate"
	LogActionError      = "error"
)

// Permission names resolved through the host application's RoleProvider
const (
	PermissionStartWorkflow     = "workflow.start"
	PermissionTerminateWorkflow = "workflow.terminate"
)
