package guard

import (
	"fmt"
	"strings"

	"github.com/google/cel-go/cel"

	"github.com/pulsedaemon/pulse/internal/config"
)

// constraint is a compiled operator-defined guardrail predicate. A true
// evaluation rejects the mutation.
type constraint struct {
	name    string
	message string
	program cel.Program
}

func newConstraintEnv() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("mutation.kind", cel.StringType),
		cel.Variable("mutation.drive", cel.StringType),
		cel.Variable("mutation.params", cel.MapType(cel.StringType, cel.DynType)),
	)
}

func compileConstraints(cfgs []config.ConstraintConfig) ([]constraint, error) {
	env, err := newConstraintEnv()
	if err != nil {
		return nil, fmt.Errorf("create constraint environment: %w", err)
	}

	out := make([]constraint, 0, len(cfgs))
	for _, c := range cfgs {
		if c.Name == "" {
			return nil, fmt.Errorf("constraint with empty name")
		}
		ast, issues := env.Compile(c.Condition)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("constraint %q: compile %q: %w", c.Name, c.Condition, issues.Err())
		}
		if ast.OutputType() != cel.BoolType {
			return nil, fmt.Errorf("constraint %q: expression %q must evaluate to bool, got %s",
				c.Name, c.Condition, ast.OutputType())
		}
		prg, err := env.Program(ast)
		if err != nil {
			return nil, fmt.Errorf("constraint %q: program: %w", c.Name, err)
		}
		out = append(out, constraint{name: c.Name, message: c.Message, program: prg})
	}
	return out, nil
}

// CheckConstraints evaluates every compiled constraint against a proposed
// mutation. The first matching constraint rejects it.
func (g *Guardrails) CheckConstraints(kind, drive string, params map[string]any) error {
	if len(g.constraints) == 0 {
		return nil
	}
	if params == nil {
		params = map[string]any{} // CEL map access on nil panics
	}
	vars := map[string]interface{}{
		"mutation.kind":   kind,
		"mutation.drive":  drive,
		"mutation.params": params,
	}

	for _, c := range g.constraints {
		out, _, err := c.program.Eval(vars)
		if err != nil {
			// A predicate keyed on a param this mutation does not carry
			// cannot match it. Anything else undecidable fails closed.
			if strings.Contains(err.Error(), "no such key") {
				continue
			}
			return violation(c.name, "constraint evaluation error: %v", err)
		}
		matched, ok := out.Value().(bool)
		if !ok {
			return violation(c.name, "constraint returned non-bool %T", out.Value())
		}
		if matched {
			msg := c.message
			if msg == "" {
				msg = "mutation rejected by constraint"
			}
			return violation(c.name, "%s", msg)
		}
	}
	return nil
}
