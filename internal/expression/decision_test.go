package expression

import (
	"testing"

	"github.com/pitabwire/weft/model"
)

type tableSource map[string]*model.DecisionTable

func (s tableSource) GetDecision(id string) (*model.DecisionTable, bool) {
	t, ok := s[id]
	return t, ok
}

func discountTables() tableSource {
	return tableSource{
		"discount": {
			ID: "discount",
			Rules: []model.DecisionRule{
				{Condition: "tier == 'gold'", Outputs: map[string]any{"discount": 0.2}},
				{Condition: "tier == 'silver'", Outputs: map[string]any{"discount": 0.1}},
				{Condition: "", Outputs: map[string]any{"discount": 0.0}},
			},
		},
		"flags": {
			ID:        "flags",
			HitPolicy: model.HitPolicyCollect,
			Rules: []model.DecisionRule{
				{Condition: "amount > 100.0", Outputs: map[string]any{"flag": "large"}},
				{Condition: "amount > 10.0", Outputs: map[string]any{"flag": "medium", "double": "=amount * 2.0"}},
				{Condition: "amount < 0.0", Outputs: map[string]any{"flag": "negative"}},
			},
		},
	}
}

func TestDecisionService_firstHit(t *testing.T) {
	svc := NewDecisionService(discountTables(), NewCELEvaluator())

	got, err := svc.Decide("discount", map[string]any{"tier": "silver"})
	if err != nil {
		t.Fatalf("Decide error: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("results = %d, want 1", len(got))
	}
	if got[0]["discount"] != 0.1 {
		t.Errorf("discount = %v, want 0.1", got[0]["discount"])
	}
}

func TestDecisionService_emptyConditionMatches(t *testing.T) {
	svc := NewDecisionService(discountTables(), NewCELEvaluator())

	got, err := svc.Decide("discount", map[string]any{"tier": "bronze"})
	if err != nil {
		t.Fatalf("Decide error: %v", err)
	}
	if len(got) != 1 || got[0]["discount"] != 0.0 {
		t.Errorf("results = %v, want the catch-all rule", got)
	}
}

func TestDecisionService_collect(t *testing.T) {
	svc := NewDecisionService(discountTables(), NewCELEvaluator())

	got, err := svc.Decide("flags", map[string]any{"amount": 150.0})
	if err != nil {
		t.Fatalf("Decide error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("results = %d, want 2", len(got))
	}
	if got[0]["flag"] != "large" || got[1]["flag"] != "medium" {
		t.Errorf("flags = %v, %v, want large, medium", got[0]["flag"], got[1]["flag"])
	}
	if got[1]["double"] != 300.0 {
		t.Errorf("double = %v, want 300", got[1]["double"])
	}
}

func TestDecisionService_noMatch(t *testing.T) {
	svc := NewDecisionService(discountTables(), NewCELEvaluator())

	got, err := svc.Decide("flags", map[string]any{"amount": 5.0})
	if err != nil {
		t.Fatalf("Decide error: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("results = %v, want none", got)
	}
}

func TestDecisionService_unknownTable(t *testing.T) {
	svc := NewDecisionService(discountTables(), NewCELEvaluator())

	_, err := svc.Decide("missing", nil)
	if !model.HasCode(err, model.ErrNotFound) {
		t.Errorf("error = %v, want NOT_FOUND", err)
	}
}

func TestDecisionService_nonBooleanCondition(t *testing.T) {
	src := tableSource{"bad": {ID: "bad", Rules: []model.DecisionRule{{Condition: "'yes'"}}}}
	svc := NewDecisionService(src, NewCELEvaluator())

	if _, err := svc.Decide("bad", map[string]any{}); err == nil {
		t.Fatal("expected error for non-boolean condition")
	}
}

func TestDecisionService_outputsAreCopied(t *testing.T) {
	tables := tableSource{"nested": {ID: "nested", Rules: []model.DecisionRule{
		{Outputs: map[string]any{"cfg": map[string]any{"level": "high"}}},
	}}}
	svc := NewDecisionService(tables, NewCELEvaluator())

	got, err := svc.Decide("nested", map[string]any{})
	if err != nil {
		t.Fatalf("Decide error: %v", err)
	}
	got[0]["cfg"].(map[string]any)["level"] = "low"

	orig := tables["nested"].Rules[0].Outputs["cfg"].(map[string]any)["level"]
	if orig != "high" {
		t.Errorf("table output mutated to %v", orig)
	}
}
