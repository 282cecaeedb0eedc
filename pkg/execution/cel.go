package execution

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

// PreconditionEvaluator runs custom_expr preconditions as CEL expressions
// over two variables: proposal and world. Programs are compile-cached and
// cost-limited so a hostile expression cannot stall the pipeline.
type PreconditionEvaluator struct {
	env   *cel.Env
	mu    sync.RWMutex
	cache map[string]cel.Program
}

// NewPreconditionEvaluator builds the evaluation environment.
func NewPreconditionEvaluator() (*PreconditionEvaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("proposal", cel.DynType),
		cel.Variable("world", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("create precondition environment: %w", err)
	}
	return &PreconditionEvaluator{env: env, cache: make(map[string]cel.Program)}, nil
}

// Evaluate compiles (or reuses) expr and runs it against input. The result
// must be a boolean.
func (e *PreconditionEvaluator) Evaluate(expr string, input map[string]any) (bool, error) {
	e.mu.RLock()
	prg, hit := e.cache[expr]
	e.mu.RUnlock()

	if !hit {
		e.mu.Lock()
		if prg, hit = e.cache[expr]; !hit {
			ast, issues := e.env.Compile(expr)
			if issues != nil && issues.Err() != nil {
				e.mu.Unlock()
				return false, fmt.Errorf("compile: %w", issues.Err())
			}
			p, err := e.env.Program(ast,
				cel.InterruptCheckFrequency(100),
				cel.CostLimit(10000),
			)
			if err != nil {
				e.mu.Unlock()
				return false, fmt.Errorf("program: %w", err)
			}
			e.cache[expr] = p
			prg = p
		}
		e.mu.Unlock()
	}

	out, _, err := prg.Eval(input)
	if err != nil {
		return false, fmt.Errorf("eval: %w", err)
	}
	val, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("result not bool")
	}
	return val, nil
}
