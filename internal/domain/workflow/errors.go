package workflow

import "errors"

var (
	// ErrNotFound is returned when a workflow, step or instance does not exist
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned on state-conflict rejections: starting an
	// already-started instance, processing a non-active instance, or a
	// duplicate active instance for a target
	ErrConflict = errors.New("state conflict")

	// ErrPermission is returned when the acting user is not authorized
	ErrPermission = errors.New("permission denied")

	// ErrConfiguration is returned for administrator mistakes in a
	// definition: no start step, cross-workflow transitions, unknown types
	ErrConfiguration = errors.New("invalid workflow configuration")

	// ErrEvaluation marks condition evaluation failures; the evaluator
	// itself fails closed, this sentinel is for callers that need to
	// surface the cause
	ErrEvaluation = errors.New("condition evaluation failed")
)
