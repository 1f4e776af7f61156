// Package cel provides a CEL-based evaluator for rule expression conditions.
package cel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/cel-go/cel"
)

// maxExpressionLength is the maximum allowed length for CEL expressions.
const maxExpressionLength = 1024

// maxCostBudget is the CEL runtime cost limit to prevent cost-exhaustion DoS.
const maxCostBudget = 100_000

// maxNestingDepth is the maximum allowed parenthesis/bracket nesting depth.
const maxNestingDepth = 50

// evalTimeout is the maximum time allowed for a single CEL evaluation.
const evalTimeout = 5 * time.Second

// interruptCheckFreq is how often (in comprehension iterations) context cancellation is checked.
const interruptCheckFreq = 100

// Evaluator compiles and evaluates rule expressions against issuance
// contexts. Expressions see two variables: `context`, the sanitised
// key/value map, and `agentId`, the requesting agent.
type Evaluator struct {
	env *cel.Env
}

// NewEvaluator creates a CEL evaluator with the rule environment.
func NewEvaluator() (*Evaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("context", cel.MapType(cel.StringType, cel.StringType)),
		cel.Variable("agentId", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("create rule environment: %w", err)
	}
	return &Evaluator{env: env}, nil
}

// Compile parses and type-checks an expression, returning a compiled program.
func (e *Evaluator) Compile(expression string) (cel.Program, error) {
	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compilation failed: %w", issues.Err())
	}

	prg, err := e.env.Program(ast,
		cel.EvalOptions(cel.OptOptimize),
		cel.CostLimit(maxCostBudget),
		cel.InterruptCheckFrequency(interruptCheckFreq),
	)
	if err != nil {
		return nil, fmt.Errorf("program creation failed: %w", err)
	}
	return prg, nil
}

// validateNesting checks that the expression does not exceed the maximum
// allowed nesting depth for parentheses, brackets, and braces.
func validateNesting(expr string) error {
	var depth, maxDepth int
	for _, ch := range expr {
		switch ch {
		case '(', '[', '{':
			depth++
			if depth > maxDepth {
				maxDepth = depth
			}
		case ')', ']', '}':
			depth--
		}
	}
	if maxDepth > maxNestingDepth {
		return fmt.Errorf("expression nesting too deep: %d levels (max %d)", maxDepth, maxNestingDepth)
	}
	return nil
}

// ValidateExpression checks that an expression is syntactically valid and
// within the safety limits. Called at rule create/update time so bad
// expressions are rejected before they can affect issuance.
func (e *Evaluator) ValidateExpression(expr string) error {
	if len(expr) > maxExpressionLength {
		return fmt.Errorf("expression too long: %d characters (max %d)", len(expr), maxExpressionLength)
	}
	if expr == "" {
		return errors.New("expression is empty")
	}
	if err := validateNesting(expr); err != nil {
		return err
	}
	if _, err := e.Compile(expr); err != nil {
		return fmt.Errorf("invalid CEL expression: %w", err)
	}
	return nil
}

// EvaluateExpression compiles and runs an expression against a context map.
// Non-boolean results and evaluation errors report false: a broken
// expression must never widen a grant.
func (e *Evaluator) EvaluateExpression(ctx context.Context, expr, agentID string, reqCtx map[string]string) (bool, error) {
	prg, err := e.Compile(expr)
	if err != nil {
		return false, err
	}
	return e.Evaluate(ctx, prg, agentID, reqCtx)
}

// Evaluate runs a compiled program with a timeout so evaluation cannot hang
// issuance.
func (e *Evaluator) Evaluate(ctx context.Context, prg cel.Program, agentID string, reqCtx map[string]string) (bool, error) {
	if reqCtx == nil {
		reqCtx = map[string]string{}
	}
	activation := map[string]any{
		"context": reqCtx,
		"agentId": agentID,
	}

	evalCtx, cancel := context.WithTimeout(ctx, evalTimeout)
	defer cancel()

	result, _, err := prg.ContextEval(evalCtx, activation)
	if err != nil {
		return false, fmt.Errorf("evaluation failed: %w", err)
	}

	boolResult, ok := result.Value().(bool)
	if !ok {
		return false, fmt.Errorf("expression did not return a boolean, got %T", result.Value())
	}
	return boolResult, nil
}
