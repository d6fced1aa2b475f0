package model

// Evaluator evaluates an expression against a data context. Failures are
// reported as *EvaluationError.
type Evaluator interface {
	Evaluate(expression string, data map[string]any) (any, error)
}

// Decider evaluates the decision table identified by decisionID against a
// data context and returns the outputs of every matched rule, in rule order.
// An empty result means no rule matched.
type Decider interface {
	Decide(decisionID string, data map[string]any) ([]map[string]any, error)
}
