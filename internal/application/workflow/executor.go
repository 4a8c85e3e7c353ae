package workflow

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/oliveagle/jsonpath"
	"go.uber.org/zap"

	"github.com/garyjia/workflow-engine/internal/application/dispatcher"
	"github.com/garyjia/workflow-engine/internal/application/port"
	"github.com/garyjia/workflow-engine/internal/domain/entity"
	domainwf "github.com/garyjia/workflow-engine/internal/domain/workflow"
)

// ActionResult is the structured outcome of one action execution. Ordinary
// handler failure is reported here, not raised: a failing side effect never
// aborts the workflow transition that triggered it.
type ActionResult struct {
	Action  string `json:"action"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

const (
	actionStatusOK         = "ok"
	actionStatusFailed     = "failed"
	actionStatusDispatched = "dispatched"
	actionStatusSkipped    = "skipped"
)

// FuncHandler is a host-registered function invoked by FUNCTION actions
type FuncHandler func(ctx context.Context, instance *entity.WorkflowInstance, input map[string]any) error

// Executor runs the side effects configured on steps. Handlers receive the
// config payload with {$.path} tokens resolved against the evaluation
// context. Async actions are handed to the dispatcher and never block.
type Executor struct {
	mailer     port.Mailer
	api        port.APICaller
	entities   port.EntityResolver
	notifier   port.Notifier
	dispatcher dispatcher.Dispatcher
	funcs      map[string]FuncHandler
	logger     *zap.Logger
}

// NewExecutor creates an action executor
func NewExecutor(mailer port.Mailer, api port.APICaller, entities port.EntityResolver, notifier port.Notifier, d dispatcher.Dispatcher, logger *zap.Logger) *Executor {
	return &Executor{
		mailer:     mailer,
		api:        api,
		entities:   entities,
		notifier:   notifier,
		dispatcher: d,
		funcs:      make(map[string]FuncHandler),
		logger:     logger,
	}
}

// RegisterFunc registers a named handler for FUNCTION actions. Call during
// wiring, before the engine starts processing.
func (x *Executor) RegisterFunc(name string, fn FuncHandler) {
	x.funcs[name] = fn
}

// ExecuteTriggerActions runs a step's active actions for one trigger point
// in (exec_order, id) order. Failures are logged and collected; execution
// always continues to the next action.
func (x *Executor) ExecuteTriggerActions(ctx context.Context, def *Definition, step *entity.Step, triggerPoint string, instance *entity.WorkflowInstance, evalCtx domainwf.EvalContext) []ActionResult {
	actions := def.Actions(step.ID, triggerPoint)
	if len(actions) == 0 {
		return nil
	}
	results := make([]ActionResult, 0, len(actions))
	for _, action := range actions {
		res := x.Execute(ctx, action, instance, evalCtx)
		if res.Status == actionStatusFailed {
			x.logger.Error("Action failed",
				zap.String("action", action.Name),
				zap.String("step", step.Name),
				zap.String("trigger_point", triggerPoint),
				zap.String("instance_id", instance.ID),
				zap.String("message", res.Message))
		}
		results = append(results, res)
	}
	return results
}

// Execute runs a single action. Async actions are dispatched to the
// background runner and reported as dispatched immediately.
func (x *Executor) Execute(ctx context.Context, action *entity.Action, instance *entity.WorkflowInstance, evalCtx domainwf.EvalContext) ActionResult {
	config := resolveParams(evalCtx, action.Config)

	if action.IsAsync {
		name := fmt.Sprintf("%s/%s", instance.ID, action.Name)
		actionCopy := *action
		// the task may run after the engine has moved the instance on, so it
		// gets its own copy of the data map
		instanceCopy := instance.Clone()
		x.dispatcher.Submit(name, func(taskCtx context.Context) error {
			res := x.run(taskCtx, &actionCopy, instanceCopy, config)
			if res.Status == actionStatusFailed {
				return fmt.Errorf("async action %s: %s", actionCopy.Name, res.Message)
			}
			return nil
		})
		return ActionResult{Action: action.Name, Status: actionStatusDispatched}
	}
	return x.run(ctx, action, instance, config)
}

func (x *Executor) run(ctx context.Context, action *entity.Action, instance *entity.WorkflowInstance, config map[string]any) ActionResult {
	var err error
	switch action.ActionType {
	case entity.ActionTypeEmail:
		err = x.runEmail(ctx, config)
	case entity.ActionTypeAPICall:
		err = x.runAPICall(ctx, config)
	case entity.ActionTypeUpdateRecord:
		err = x.runUpdateRecord(ctx, instance, config)
	case entity.ActionTypeFunction:
		err = x.runFunction(ctx, instance, config)
	case entity.ActionTypeNotification:
		err = x.runNotification(ctx, config)
	default:
		return ActionResult{Action: action.Name, Status: actionStatusSkipped, Message: fmt.Sprintf("unknown action type %s", action.ActionType)}
	}
	if err != nil {
		return ActionResult{Action: action.Name, Status: actionStatusFailed, Message: err.Error()}
	}
	return ActionResult{Action: action.Name, Status: actionStatusOK}
}

func (x *Executor) runEmail(ctx context.Context, config map[string]any) error {
	if x.mailer == nil {
		return fmt.Errorf("no mailer configured")
	}
	to := toStringSlice(config["to"])
	if len(to) == 0 {
		return fmt.Errorf("email action has no recipients")
	}
	subject, _ := config["subject"].(string)
	body, _ := config["body"].(string)
	return x.mailer.Send(ctx, to, subject, body)
}

func (x *Executor) runAPICall(ctx context.Context, config map[string]any) error {
	if x.api == nil {
		return fmt.Errorf("no api caller configured")
	}
	url, _ := config["url"].(string)
	if url == "" {
		return fmt.Errorf("api_call action has no url")
	}
	method, _ := config["method"].(string)
	if method == "" {
		method = "POST"
	}
	headers := make(map[string]string)
	if h, ok := config["headers"].(map[string]any); ok {
		for k, v := range h {
			headers[k] = fmt.Sprintf("%v", v)
		}
	}
	payload, _ := config["payload"].(map[string]any)
	status, _, err := x.api.Call(ctx, method, url, headers, payload)
	if err != nil {
		return err
	}
	if status >= 400 {
		return fmt.Errorf("api call returned status %d", status)
	}
	return nil
}

func (x *Executor) runUpdateRecord(ctx context.Context, instance *entity.WorkflowInstance, config map[string]any) error {
	if x.entities == nil {
		return fmt.Errorf("no entity resolver configured")
	}
	fields, ok := config["fields"].(map[string]any)
	if !ok || len(fields) == 0 {
		return fmt.Errorf("update_record action has no fields")
	}
	handle, err := x.entities.Resolve(ctx, instance.Ref())
	if err != nil {
		return fmt.Errorf("resolve target: %w", err)
	}
	return handle.Update(ctx, fields)
}

func (x *Executor) runFunction(ctx context.Context, instance *entity.WorkflowInstance, config map[string]any) error {
	name, _ := config["function"].(string)
	if name == "" {
		return fmt.Errorf("function action has no function name")
	}
	fn, ok := x.funcs[name]
	if !ok {
		return fmt.Errorf("function %q is not registered", name)
	}
	input, _ := config["input"].(map[string]any)
	return fn(ctx, instance, input)
}

func (x *Executor) runNotification(ctx context.Context, config map[string]any) error {
	if x.notifier == nil {
		return fmt.Errorf("no notifier configured")
	}
	users := toStringSlice(config["users"])
	message, _ := config["message"].(string)
	data, _ := config["data"].(map[string]any)
	return x.notifier.Notify(ctx, users, message, data)
}

var tokenPattern = regexp.MustCompile(`\{(\$[^}]*)\}`)

// resolveParams substitutes {$.path} tokens in string values of the config
// payload with values looked up in the evaluation context, recursing
// through nested maps and lists. Unresolvable tokens are left in place.
func resolveParams(evalCtx domainwf.EvalContext, params map[string]any) map[string]any {
	if params == nil {
		return nil
	}
	out := make(map[string]any, len(params))
	for k, v := range params {
		out[k] = resolveValue(evalCtx, v)
	}
	return out
}

func resolveValue(evalCtx domainwf.EvalContext, v any) any {
	switch val := v.(type) {
	case string:
		return resolveString(evalCtx, val)
	case map[string]any:
		return resolveParams(evalCtx, val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = resolveValue(evalCtx, item)
		}
		return out
	default:
		return v
	}
}

func resolveString(evalCtx domainwf.EvalContext, s string) any {
	matches := tokenPattern.FindAllStringSubmatch(s, -1)
	if len(matches) == 0 {
		return s
	}
	// a string that is exactly one token keeps the looked-up value's type
	if len(matches) == 1 && strings.TrimSpace(s) == matches[0][0] {
		if value, err := jsonpath.JsonPathLookup(map[string]any(evalCtx), matches[0][1]); err == nil {
			return value
		}
		return s
	}
	result := s
	for _, m := range matches {
		value, err := jsonpath.JsonPathLookup(map[string]any(evalCtx), m[1])
		if err != nil {
			continue
		}
		result = strings.ReplaceAll(result, m[0], fmt.Sprintf("%v", value))
	}
	return result
}

func toStringSlice(v any) []string {
	switch val := v.(type) {
	case []string:
		return val
	case []any:
		out := make([]string, 0, len(val))
		for _, item := range val {
			out = append(out, fmt.Sprintf("%v", item))
		}
		return out
	case string:
		if val == "" {
			return nil
		}
		parts := strings.Split(val, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return parts
	}
	return nil
}
