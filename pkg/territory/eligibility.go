package territory

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/Mindburn-Labs/helm/authority/pkg/contracts"
)

// Eligibility compiles and evaluates sub-vertical eligibility expressions.
// Expressions see one variable, territory, a map with the keys id, slug,
// name, level, coverage_type, country_code and parent_id.
//
//	territory.level == "country" && territory.country_code in ["DE", "AT"]
type Eligibility struct {
	env      *cel.Env
	mu       sync.Mutex
	programs map[string]cel.Program
}

// NewEligibility creates an evaluator.
func NewEligibility() (*Eligibility, error) {
	env, err := cel.NewEnv(
		cel.Variable("territory", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("eligibility env: %w", err)
	}
	return &Eligibility{env: env, programs: make(map[string]cel.Program)}, nil
}

// Compile checks that expr is a boolean expression over territory.
func (e *Eligibility) Compile(expr string) error {
	_, err := e.program(expr)
	return err
}

// Eval reports whether t satisfies expr. An empty expression always holds.
func (e *Eligibility) Eval(expr string, t *contracts.Territory) (bool, error) {
	if expr == "" {
		return true, nil
	}
	prg, err := e.program(expr)
	if err != nil {
		return false, err
	}
	val, _, err := prg.Eval(map[string]any{"territory": territoryVars(t)})
	if err != nil {
		return false, fmt.Errorf("evaluate eligibility: %w", err)
	}
	ok, isBool := val.Value().(bool)
	if !isBool {
		return false, fmt.Errorf("eligibility evaluated to %T, want bool", val.Value())
	}
	return ok, nil
}

func (e *Eligibility) program(expr string) (cel.Program, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if prg, ok := e.programs[expr]; ok {
		return prg, nil
	}

	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile eligibility %q: %w", expr, issues.Err())
	}
	if out := ast.OutputType(); !out.IsExactType(cel.BoolType) && !out.IsExactType(cel.DynType) {
		return nil, fmt.Errorf("eligibility %q has type %s, want bool", expr, out)
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("program eligibility %q: %w", expr, err)
	}
	e.programs[expr] = prg
	return prg, nil
}

func territoryVars(t *contracts.Territory) map[string]any {
	return map[string]any{
		"id":            t.ID,
		"slug":          t.Slug,
		"name":          t.Name,
		"level":         string(t.Level),
		"coverage_type": string(t.CoverageType),
		"country_code":  t.CountryCode,
		"parent_id":     t.ParentID,
	}
}
