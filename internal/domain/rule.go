package domain

// Op is a threshold comparison operator.
type Op string

const (
	OpGT Op = ">"
	OpLT Op = "<"
	OpGE Op = ">="
	OpLE Op = "<="
)

// ValidOp reports whether op is one of the supported comparison operators.
func ValidOp(op Op) bool {
	switch op {
	case OpGT, OpLT, OpGE, OpLE:
		return true
	}
	return false
}

// Compare applies the operator to (value, threshold).
func (op Op) Compare(value, threshold float64) bool {
	switch op {
	case OpGT:
		return value > threshold
	case OpLT:
		return value < threshold
	case OpGE:
		return value >= threshold
	case OpLE:
		return value <= threshold
	}
	return false
}

// Rule is a structured risk rule sourced from the ontology store. A rule is
// either a threshold predicate (Metric Op Threshold) or, when Expression is
// set, a CEL expression over the profile's feature variables.
//
// Rules are read-only inputs to the engine: a rule with an unsupported metric
// or operator, or a non-numeric threshold, is skipped during evaluation, never
// an error.
type Rule struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	Metric    string   `json:"metric"`
	Op        Op       `json:"op"`
	Threshold *float64 `json:"threshold"`
	Weight    float64  `json:"weight"`
	Severity  Severity `json:"severity"`

	// Expression, when non-empty, replaces the threshold predicate with a
	// CEL expression evaluated against the normalized feature vector.
	Expression string `json:"expression,omitempty"`
}

// MatchedRule is a Rule whose predicate held against the current features,
// plus the observed value and a human-readable reason.
type MatchedRule struct {
	Rule
	CurrentValue float64 `json:"currentValue"`
	Reason       string  `json:"reason"`
}

// RuleSource provides the structured rules associated with an ontology class.
// Typically backed by the ontology graph store; read-only from the engine's
// point of view.
type RuleSource interface {
	RulesForClass(class string) ([]Rule, error)
}
