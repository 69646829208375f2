package automation

import (
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/sweepkit/broker/internal/catalog"
)

// DefaultRiskExpr is the shipped confirmation heuristic: any mutating
// script, and anything the catalog already labels destructive, needs a
// confirmed preview before it runs.
const DefaultRiskExpr = `script.mutating || capability.risk == "destructive"`

// riskEnv is the expression's evaluation environment.
type riskEnv struct {
	Capability riskCapability `expr:"capability"`
	Script     riskScript     `expr:"script"`
}

type riskCapability struct {
	ID     string `expr:"id"`
	Risk   string `expr:"risk"`
	Tier   string `expr:"tier"`
	Target string `expr:"target"`
}

type riskScript struct {
	Mutating bool `expr:"mutating"`
	Known    bool `expr:"known"`
}

// RiskEvaluator decides whether an automation capability needs explicit
// confirmation. The expression is operator-tunable through configuration;
// it must evaluate to a boolean.
type RiskEvaluator struct {
	source  string
	program *vm.Program
}

// NewRiskEvaluator compiles a risk expression. An empty source compiles the
// default heuristic.
func NewRiskEvaluator(source string) (*RiskEvaluator, error) {
	if source == "" {
		source = DefaultRiskExpr
	}
	program, err := expr.Compile(source, expr.Env(riskEnv{}), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("automation: compile risk expression: %w", err)
	}
	return &RiskEvaluator{source: source, program: program}, nil
}

// RequiresConfirm evaluates the heuristic for one capability. Evaluation
// errors fail closed: confirmation is required.
func (e *RiskEvaluator) RequiresConfirm(cap *catalog.Capability) bool {
	sc, known := builtinScripts[cap.ID]
	env := riskEnv{
		Capability: riskCapability{
			ID:     cap.ID,
			Risk:   string(cap.Risk),
			Tier:   string(cap.Tier),
			Target: cap.AutomationTarget,
		},
		Script: riskScript{
			Mutating: sc.mutating,
			Known:    known,
		},
	}

	out, err := expr.Run(e.program, env)
	if err != nil {
		log.Warn("risk expression evaluation failed, requiring confirmation", "capabilityId", cap.ID, "error", err)
		return true
	}
	required, ok := out.(bool)
	if !ok {
		return true
	}
	return required
}

// Source returns the expression in effect.
func (e *RiskEvaluator) Source() string {
	return e.source
}
