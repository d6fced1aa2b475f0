package expression

import (
	"fmt"
	"strings"

	"github.com/mohae/deepcopy"

	"github.com/pitabwire/weft/model"
)

// DecisionSource resolves decision tables by id.
type DecisionSource interface {
	GetDecision(id string) (*model.DecisionTable, bool)
}

// DecisionService implements model.Decider over decision tables whose rule
// conditions are evaluated with an Evaluator. An output value written as a
// string starting with "=" is itself an expression evaluated against the
// same data.
type DecisionService struct {
	source    DecisionSource
	evaluator model.Evaluator
}

// NewDecisionService creates a decision service.
func NewDecisionService(source DecisionSource, evaluator model.Evaluator) *DecisionService {
	return &DecisionService{source: source, evaluator: evaluator}
}

// Decide evaluates the rules of decisionID in order. With the "first" hit
// policy (the default) at most one result is returned.
func (s *DecisionService) Decide(decisionID string, data map[string]any) ([]map[string]any, error) {
	table, ok := s.source.GetDecision(decisionID)
	if !ok {
		return nil, model.NewNotFoundError(fmt.Sprintf("decision table %q not found", decisionID))
	}

	var results []map[string]any
	for i := range table.Rules {
		rule := &table.Rules[i]
		matched, err := s.matches(rule.Condition, data)
		if err != nil {
			return nil, fmt.Errorf("decision %q rule %d: %w", decisionID, i, err)
		}
		if !matched {
			continue
		}
		outputs, err := s.outputs(rule.Outputs, data)
		if err != nil {
			return nil, fmt.Errorf("decision %q rule %d: %w", decisionID, i, err)
		}
		results = append(results, outputs)
		if table.HitPolicy != model.HitPolicyCollect {
			break
		}
	}
	return results, nil
}

func (s *DecisionService) matches(condition string, data map[string]any) (bool, error) {
	if strings.TrimSpace(condition) == "" {
		return true, nil
	}
	v, err := s.evaluator.Evaluate(condition, data)
	if err != nil {
		return false, err
	}
	b, ok := v.(bool)
	if !ok {
		return false, &model.EvaluationError{
			Expression: condition,
			Message:    fmt.Sprintf("condition evaluated to %T, want bool", v),
		}
	}
	return b, nil
}

func (s *DecisionService) outputs(declared map[string]any, data map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(declared))
	for k, v := range declared {
		if expr, ok := v.(string); ok && strings.HasPrefix(expr, "=") {
			val, err := s.evaluator.Evaluate(strings.TrimPrefix(expr, "="), data)
			if err != nil {
				return nil, err
			}
			out[k] = val
			continue
		}
		out[k] = deepcopy.Copy(v)
	}
	return out, nil
}
