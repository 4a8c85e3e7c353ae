package workflow

import (
	"strconv"
	"strings"

	"github.com/oliveagle/jsonpath"
	"go.uber.org/zap"
)

// EvalContext is the run-time context a condition is evaluated against.
// The engine populates it with "instance", "target", "user" and "data"
// plus any condition-context variables of the workflow.
type EvalContext map[string]any

// Evaluator evaluates transition conditions against an EvalContext.
//
// The grammar is intentionally limited to a single whitelisted comparison:
//
//	<path|variable> <op> <literal>
//
// with op one of ==, !=, >, <, >=, <=. The left side is a dotted path into
// the context (data.status, target.amount) or a bare variable name; the
// right side is a quoted or bare string, a number, or a bool. No
// host-language code is ever executed from an expression.
//
// Every evaluation failure (missing variable, malformed expression, type
// mismatch) fails closed: the condition is treated as false so a broken
// expression never grants an unintended transition.
type Evaluator struct {
	logger *zap.Logger
}

// NewEvaluator creates a condition evaluator
func NewEvaluator(logger *zap.Logger) *Evaluator {
	return &Evaluator{logger: logger}
}

// two-char operators must be matched before their one-char prefixes
var operators = []string{"==", "!=", ">=", "<=", ">", "<"}

// Evaluate returns the boolean value of condition in ctx. An empty
// condition is unconditionally true.
func (e *Evaluator) Evaluate(condition string, ctx EvalContext) bool {
	condition = strings.TrimSpace(condition)
	if condition == "" {
		return true
	}

	lhs, op, rhs, ok := splitCondition(condition)
	if !ok {
		e.logger.Warn("Malformed condition expression", zap.String("condition", condition))
		return false
	}

	left, ok := resolvePath(ctx, lhs)
	if !ok {
		e.logger.Warn("Condition references missing variable",
			zap.String("condition", condition),
			zap.String("path", lhs))
		return false
	}
	right := parseLiteral(rhs)

	result, err := compare(left, op, right)
	if err != nil {
		e.logger.Warn("Condition evaluation failed",
			zap.String("condition", condition),
			zap.Error(err))
		return false
	}
	return result
}

// splitCondition splits "lhs op rhs" on the leftmost operator occurrence
func splitCondition(condition string) (lhs, op, rhs string, ok bool) {
	idx := -1
	for _, candidate := range operators {
		i := strings.Index(condition, candidate)
		if i < 0 {
			continue
		}
		if idx < 0 || i < idx {
			idx = i
			op = candidate
		}
	}
	if idx <= 0 {
		return "", "", "", false
	}
	lhs = strings.TrimSpace(condition[:idx])
	rhs = strings.TrimSpace(condition[idx+len(op):])
	if lhs == "" || rhs == "" {
		return "", "", "", false
	}
	return lhs, op, rhs, true
}

// resolvePath resolves a bare variable or dotted path against the context
func resolvePath(ctx EvalContext, path string) (any, bool) {
	if v, found := ctx[path]; found {
		return v, true
	}
	if !strings.Contains(path, ".") {
		return nil, false
	}
	v, err := jsonpath.JsonPathLookup(map[string]any(ctx), "$."+path)
	if err != nil {
		return nil, false
	}
	return v, true
}

// parseLiteral interprets the right-hand side of a comparison
func parseLiteral(raw string) any {
	if len(raw) >= 2 {
		if (raw[0] == '\'' && raw[len(raw)-1] == '\'') ||
			(raw[0] == '"' && raw[len(raw)-1] == '"') {
			return raw[1 : len(raw)-1]
		}
	}
	if raw == "true" {
		return true
	}
	if raw == "false" {
		return false
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return f
	}
	return raw
}

func compare(left any, op string, right any) (bool, error) {
	lf, lNum := toFloat(left)
	rf, rNum := toFloat(right)

	switch op {
	case "==", "!=":
		var equal bool
		if lNum && rNum {
			equal = lf == rf
		} else {
			equal = stringify(left) == stringify(right)
		}
		if op == "!=" {
			return !equal, nil
		}
		return equal, nil
	case ">", "<", ">=", "<=":
		if !lNum || !rNum {
			return false, ErrEvaluation
		}
		switch op {
		case ">":
			return lf > rf, nil
		case "<":
			return lf < rf, nil
		case ">=":
			return lf >= rf, nil
		default:
			return lf <= rf, nil
		}
	}
	return false, ErrEvaluation
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}

func stringify(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case bool:
		return strconv.FormatBool(s)
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	case int64:
		return strconv.FormatInt(s, 10)
	case int:
		return strconv.Itoa(s)
	case nil:
		return ""
	}
	if f, ok := toFloat(v); ok {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	return ""
}
