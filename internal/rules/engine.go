// Package rules provides the threshold and CEL-Go based rule evaluation engine.
package rules

import (
	"fmt"
	"strconv"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"

	"github.com/opensource-utility/kestrel/internal/domain"
	"github.com/opensource-utility/kestrel/internal/features"
)

// Engine evaluates structured rules against a normalized feature vector.
//
// Evaluation is sequential and preserves the input rule order, so the same
// rules against the same features always produce the same matches in the
// same order. Threshold rules need no compilation; CEL expression rules are
// compiled once and cached by rule id + expression.
type Engine struct {
	mu       sync.RWMutex
	env      *cel.Env
	programs map[string]cel.Program
}

// NewEngine creates an engine for a profile's feature vocabulary. Each metric
// becomes a CEL double variable, and the whole vector is exposed as the
// "features" map.
func NewEngine(p *domain.Profile) (*Engine, error) {
	opts := []cel.EnvOption{
		cel.Variable("features", cel.MapType(cel.StringType, cel.DoubleType)),
	}
	for _, m := range p.Metrics {
		opts = append(opts, cel.Variable(m.Name, cel.DoubleType))
	}
	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return &Engine{
		env:      env,
		programs: make(map[string]cel.Program),
	}, nil
}

// Evaluate runs every rule against the feature vector, in input order.
// Invalid rules (unknown metric, bad operator, missing threshold, broken
// expression) are skipped, never an error. The returned contribution is the
// sum of matched rule weights clamped to [0, 1] normalized units.
func (e *Engine) Evaluate(ruleList []domain.Rule, vec features.Vector) ([]domain.MatchedRule, float64) {
	var matched []domain.MatchedRule
	var contribution float64

	var activation map[string]any // built lazily, only expression rules need it

	for _, r := range ruleList {
		if r.Expression != "" {
			if activation == nil {
				activation = buildActivation(vec)
			}
			hit, ok := e.evalExpression(r, activation)
			if !ok || !hit {
				continue
			}
			value := vec.Values[r.Metric]
			matched = append(matched, domain.MatchedRule{
				Rule:         r,
				CurrentValue: value,
				Reason:       expressionReason(r),
			})
			contribution += r.Weight
			continue
		}

		if !domain.ValidOp(r.Op) || r.Threshold == nil {
			continue
		}
		value, present := vec.Values[r.Metric]
		if !present {
			continue
		}
		if !r.Op.Compare(value, *r.Threshold) {
			continue
		}
		matched = append(matched, domain.MatchedRule{
			Rule:         r,
			CurrentValue: value,
			Reason:       thresholdReason(r, value),
		})
		contribution += r.Weight
	}

	if contribution < 0 {
		contribution = 0
	}
	if contribution > 1 {
		contribution = 1
	}
	return matched, contribution
}

// evalExpression compiles (or fetches) and runs a CEL rule. ok=false means
// the rule is skipped.
func (e *Engine) evalExpression(r domain.Rule, activation map[string]any) (hit, ok bool) {
	prog, err := e.program(r)
	if err != nil {
		return false, false
	}
	out, _, err := prog.Eval(activation)
	if err != nil {
		return false, false
	}
	return toBool(out), true
}

func (e *Engine) program(r domain.Rule) (cel.Program, error) {
	key := r.ID + "\x00" + r.Expression

	e.mu.RLock()
	prog, cached := e.programs[key]
	e.mu.RUnlock()
	if cached {
		return prog, nil
	}

	ast, issues := e.env.Compile(r.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile rule %s: %w", r.ID, issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("rule %s: expression must return bool, got %s", r.ID, ast.OutputType())
	}
	prog, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program for rule %s: %w", r.ID, err)
	}

	e.mu.Lock()
	e.programs[key] = prog
	e.mu.Unlock()
	return prog, nil
}

// ValidateRule compiles an expression rule without caching it, or checks a
// threshold rule's shape. Used by the rule-management API before persisting.
func (e *Engine) ValidateRule(r domain.Rule) error {
	if r.Expression != "" {
		ast, issues := e.env.Compile(r.Expression)
		if issues != nil && issues.Err() != nil {
			return fmt.Errorf("failed to compile rule %s: %w", r.ID, issues.Err())
		}
		if ast.OutputType() != cel.BoolType {
			return fmt.Errorf("rule %s: expression must return bool, got %s", r.ID, ast.OutputType())
		}
		return nil
	}
	if !domain.ValidOp(r.Op) {
		return fmt.Errorf("rule %s: unsupported operator %q", r.ID, r.Op)
	}
	if r.Threshold == nil {
		return fmt.Errorf("rule %s: threshold is required", r.ID)
	}
	return nil
}

// ProgramsCount returns the number of cached compiled expressions.
func (e *Engine) ProgramsCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.programs)
}

// Close clears the compiled program cache.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.programs = make(map[string]cel.Program)
	return nil
}

func buildActivation(vec features.Vector) map[string]any {
	activation := make(map[string]any, len(vec.Values)+1)
	featMap := make(map[string]float64, len(vec.Values))
	for k, v := range vec.Values {
		activation[k] = v
		featMap[k] = v
	}
	activation["features"] = featMap
	return activation
}

func toBool(val ref.Val) bool {
	switch v := val.(type) {
	case types.Bool:
		return bool(v)
	case types.Double:
		return float64(v) != 0
	case types.Int:
		return int64(v) != 0
	default:
		return false
	}
}

// thresholdReason renders the display string for a matched threshold rule,
// e.g. "压力异常规则: pressure > 0.8（当前 0.92）".
func thresholdReason(r domain.Rule, value float64) string {
	return fmt.Sprintf("%s: %s %s %s（当前 %s）",
		r.Name, r.Metric, r.Op, formatNum(*r.Threshold), formatNum(value))
}

// expressionReason renders the display string for a matched expression rule.
func expressionReason(r domain.Rule) string {
	return fmt.Sprintf("%s: %s", r.Name, r.Expression)
}

func formatNum(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}
