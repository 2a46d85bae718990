package eligibility

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"offer-decisioning-api/internal/models"
	"offer-decisioning-api/internal/repository"
)

func newTestEvaluator(t *testing.T) (*Evaluator, *repository.Memory) {
	t.Helper()
	store := repository.NewMemory()
	return NewEvaluator(store, store, zerolog.Nop()), store
}

func TestEvaluate_NilRuleIsEligible(t *testing.T) {
	ev, _ := newTestEvaluator(t)
	facts := ev.NewFacts("c1", models.Profile{})

	if !ev.Evaluate(context.Background(), nil, facts) {
		t.Error("Expected nil rule to be eligible")
	}
}

func TestEvaluate_AndLogic(t *testing.T) {
	ev, _ := newTestEvaluator(t)
	facts := ev.NewFacts("c1", models.Profile{"country": "BR", "engagement_score": 75.0})

	rule := &models.DecisionRule{
		Logic: models.LogicAnd,
		Conditions: []models.Condition{
			{Entity: "profile", Attribute: "country", Operator: "equals", Value: "br"},
			{Entity: "profile", Attribute: "engagement_score", Operator: "greater_than", Value: 50},
		},
	}
	if !ev.Evaluate(context.Background(), rule, facts) {
		t.Error("Expected both conditions to pass")
	}

	rule.Conditions[1].Value = 80
	if ev.Evaluate(context.Background(), rule, facts) {
		t.Error("Expected AND to fail when one condition fails")
	}
}

func TestEvaluate_OrLogic(t *testing.T) {
	ev, _ := newTestEvaluator(t)
	facts := ev.NewFacts("c1", models.Profile{"plan": "free"})

	rule := &models.DecisionRule{
		Logic: models.LogicOr,
		Conditions: []models.Condition{
			{Entity: "contact", Attribute: "plan", Operator: "equals", Value: "pro"},
			{Entity: "contact", Attribute: "plan", Operator: "in", Value: []any{"free", "trial"}},
		},
	}
	if !ev.Evaluate(context.Background(), rule, facts) {
		t.Error("Expected OR to pass when any condition passes")
	}

	rule.Conditions[1].Operator = "not_in"
	if ev.Evaluate(context.Background(), rule, facts) {
		t.Error("Expected OR to fail when no condition passes")
	}
}

func TestEvaluate_LeadScoreAlias(t *testing.T) {
	ev, _ := newTestEvaluator(t)
	facts := ev.NewFacts("c1", models.Profile{"engagement_score": 90})

	rule := &models.DecisionRule{
		Logic: models.LogicAnd,
		Conditions: []models.Condition{
			{Entity: "profile", Attribute: "lead_score", Operator: "greater_than_or_equal", Value: "90"},
		},
	}
	if !ev.Evaluate(context.Background(), rule, facts) {
		t.Error("Expected lead_score to resolve through engagement_score")
	}
}

func TestEvaluate_MissingValues(t *testing.T) {
	ev, _ := newTestEvaluator(t)
	facts := ev.NewFacts("c1", models.Profile{})

	tests := []struct {
		operator string
		want     bool
	}{
		{"is_empty", true},
		{"is_null", true},
		{"is_not_empty", false},
		{"is_not_null", false},
		{"equals", false},
		{"not_equals", false},
		{"not_contains", false},
		{"not_in", false},
		{"less_than", false},
	}

	for _, tt := range tests {
		rule := &models.DecisionRule{
			Logic:      models.LogicAnd,
			Conditions: []models.Condition{{Entity: "profile", Attribute: "missing", Operator: tt.operator, Value: "x"}},
		}
		if got := ev.Evaluate(context.Background(), rule, facts); got != tt.want {
			t.Errorf("%s on missing value: expected %v, got %v", tt.operator, tt.want, got)
		}
	}
}

func TestEvaluate_Operators(t *testing.T) {
	ev, _ := newTestEvaluator(t)
	facts := ev.NewFacts("c1", models.Profile{
		"email":      "Ana@Example.com",
		"age":        "31",
		"vip":        true,
		"newsletter": "false",
		"interests":  []any{"Shoes", "bags"},
		"nickname":   "",
	})

	tests := []struct {
		attribute string
		operator  string
		value     any
		want      bool
	}{
		{"email", "contains", "example", true},
		{"email", "not_contains", "gmail", true},
		{"email", "starts_with", "ANA@", true},
		{"email", "equals", "ana@example.com", true},
		{"age", "greater_than", 30, true},
		{"age", "less_than", "30", false},
		{"age", "less_than_or_equal", 31, true},
		{"age", "equals", 31.0, true},
		{"age", "in", "18, 31, 45", true},
		{"vip", "is_true", nil, true},
		{"vip", "is_false", nil, false},
		{"newsletter", "is_false", nil, true},
		{"interests", "contains", "shoes", true},
		{"interests", "contains", "hats", false},
		{"nickname", "is_empty", nil, true},
		{"nickname", "is_not_null", nil, true},
		{"email", "unknown_operator", "x", false},
	}

	for _, tt := range tests {
		rule := &models.DecisionRule{
			Logic:      models.LogicAnd,
			Conditions: []models.Condition{{Entity: "profile", Attribute: tt.attribute, Operator: tt.operator, Value: tt.value}},
		}
		if got := ev.Evaluate(context.Background(), rule, facts); got != tt.want {
			t.Errorf("%s %s %v: expected %v, got %v", tt.attribute, tt.operator, tt.value, tt.want, got)
		}
	}
}

func TestEvaluate_OrdersAndEvents(t *testing.T) {
	ev, store := newTestEvaluator(t)
	ctx := context.Background()
	now := time.Date(2025, 10, 21, 10, 0, 0, 0, time.UTC)

	store.AddOrder(ctx, models.Order{ID: "o1", ContactID: "c1", Total: 40, PlacedAt: now.Add(-48 * time.Hour), Fields: map[string]any{"category": "books"}})
	store.AddOrder(ctx, models.Order{ID: "o2", ContactID: "c1", Total: 60, PlacedAt: now.Add(-time.Hour), Fields: map[string]any{"category": "shoes"}})
	store.AddActivity(ctx, models.Activity{ID: "a1", ContactID: "c1", Name: "page_view", OccurredAt: now})

	facts := ev.NewFacts("c1", models.Profile{})
	rule := &models.DecisionRule{
		Logic: models.LogicAnd,
		Conditions: []models.Condition{
			{Entity: "orders", Attribute: "count", Operator: "equals", Value: 2},
			{Entity: "orders", Attribute: "total_value", Operator: "greater_than", Value: 99},
			{Entity: "orders", Attribute: "category", Operator: "equals", Value: "shoes"},
			{Entity: "events", Attribute: "count", Operator: "greater_than_or_equal", Value: 1},
			{Entity: "events", Attribute: "name", Operator: "equals", Value: "PAGE_VIEW"},
		},
	}
	if !ev.Evaluate(ctx, rule, facts) {
		t.Error("Expected order and event conditions to pass")
	}

	other := ev.NewFacts("c2", models.Profile{})
	rule = &models.DecisionRule{
		Logic: models.LogicAnd,
		Conditions: []models.Condition{
			{Entity: "orders", Attribute: "count", Operator: "equals", Value: 0},
			{Entity: "orders", Attribute: "category", Operator: "is_empty"},
		},
	}
	if !ev.Evaluate(ctx, rule, other) {
		t.Error("Expected contact without orders to have count 0 and no latest order")
	}
}

func TestIsOperatorAndEntity(t *testing.T) {
	if !IsOperator("Greater_Than") {
		t.Error("Expected operator names to be case-insensitive")
	}
	if IsOperator("matches") {
		t.Error("Expected unknown operator to be rejected")
	}
	if !IsEntity("orders") || IsEntity("sessions") {
		t.Error("Unexpected entity classification")
	}
}
