// Package engine executes process graphs: it starts executions, computes
// the ready user-task frontier, and advances tokens when tasks complete.
// The walker itself is a pure function of the spec and the serialized
// execution state; the Engine wraps it with transactional persistence.
package engine

import (
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// ConditionEvaluator evaluates transition conditions against the process
// variables. Implementations must be safe for concurrent use.
type ConditionEvaluator interface {
	Evaluate(condition string, variables map[string]any) (bool, error)
}

// ExprEvaluator evaluates conditions with expr-lang, caching compiled
// programs per expression.
type ExprEvaluator struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

// NewExprEvaluator creates an ExprEvaluator with an initialized cache.
func NewExprEvaluator() *ExprEvaluator {
	return &ExprEvaluator{cache: make(map[string]*vm.Program)}
}

// Evaluate compiles (or reuses) the condition and runs it against the
// variables. The condition must evaluate to a boolean.
func (e *ExprEvaluator) Evaluate(condition string, variables map[string]any) (bool, error) {
	e.mu.RLock()
	program, ok := e.cache[condition]
	e.mu.RUnlock()

	if !ok {
		e.mu.Lock()
		if program, ok = e.cache[condition]; !ok {
			var err error
			program, err = expr.Compile(condition, expr.AllowUndefinedVariables())
			if err != nil {
				e.mu.Unlock()
				return false, fmt.Errorf("compile condition %q: %w", condition, err)
			}
			e.cache[condition] = program
		}
		e.mu.Unlock()
	}

	env := variables
	if env == nil {
		env = map[string]any{}
	}
	result, err := expr.Run(program, env)
	if err != nil {
		return false, fmt.Errorf("evaluate condition %q: %w", condition, err)
	}

	b, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("condition %q evaluated to %T, want bool", condition, result)
	}
	return b, nil
}
