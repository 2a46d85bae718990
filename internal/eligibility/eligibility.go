// Package eligibility evaluates decision rules against a contact.
//
// A rule is a flat list of conditions combined by a single Logic (AND or OR).
// Mixed per-condition chaining is not supported; rules carrying it are
// rejected at validation time.
package eligibility

import (
	"context"
	"strings"

	"github.com/rs/zerolog"

	"offer-decisioning-api/internal/models"
	"offer-decisioning-api/internal/repository"
)

// Entities a condition may read from.
const (
	EntityContact = "contact"
	EntityProfile = "profile"
	EntityOrders  = "orders"
	EntityEvents  = "events"
)

// IsEntity reports whether entity is a supported condition entity.
func IsEntity(entity string) bool {
	switch strings.ToLower(entity) {
	case EntityContact, EntityProfile, EntityOrders, EntityEvents:
		return true
	}
	return false
}

// attributeAliases map an attribute to the name it is also known by.
var attributeAliases = map[string]string{
	"lead_score":       "engagement_score",
	"engagement_score": "lead_score",
}

// Evaluator evaluates rules. It is stateless apart from its repositories.
type Evaluator struct {
	orders   repository.OrderRepository
	activity repository.ActivityRepository
	log      zerolog.Logger
}

// NewEvaluator creates an evaluator. orders and activity may be nil, in which
// case order and event conditions see no data.
func NewEvaluator(orders repository.OrderRepository, activity repository.ActivityRepository, log zerolog.Logger) *Evaluator {
	return &Evaluator{orders: orders, activity: activity, log: log}
}

// Facts is everything a rule can read about one contact. Order and activity
// summaries are loaded on first use and reused for the lifetime of the Facts,
// so one resolution hits each repository at most once.
type Facts struct {
	ContactID string
	Profile   models.Profile

	eval         *Evaluator
	orders       *models.OrderSummary
	activity     *models.ActivitySummary
	ordersLoaded bool
	actLoaded    bool
}

// NewFacts binds a contact to the evaluator. Facts are not safe for concurrent use.
func (e *Evaluator) NewFacts(contactID string, profile models.Profile) *Facts {
	return &Facts{ContactID: contactID, Profile: profile, eval: e}
}

// Evaluate reports whether the facts satisfy the rule. A nil rule is always satisfied.
func (e *Evaluator) Evaluate(ctx context.Context, rule *models.DecisionRule, facts *Facts) bool {
	if rule == nil || len(rule.Conditions) == 0 {
		return true
	}

	or := strings.EqualFold(string(rule.Logic), string(models.LogicOr))
	for _, cond := range rule.Conditions {
		value, present := facts.Resolve(ctx, cond.Entity, cond.Attribute)
		ok := compare(cond.Operator, value, present, cond.Value)
		if or && ok {
			return true
		}
		if !or && !ok {
			return false
		}
	}
	return !or
}

// Resolve looks up the value of (entity, attribute). The boolean is false
// when the value is missing.
func (f *Facts) Resolve(ctx context.Context, entity, attribute string) (any, bool) {
	switch strings.ToLower(entity) {
	case EntityContact, EntityProfile:
		return f.profileValue(attribute)
	case EntityOrders:
		summary := f.orderSummary(ctx)
		switch attribute {
		case "count":
			return summary.Count, true
		case "total_value":
			return summary.TotalValue, true
		}
		return lookup(summary.Latest, attribute)
	case EntityEvents:
		summary := f.activitySummary(ctx)
		if attribute == "count" {
			return summary.Count, true
		}
		return lookup(summary.Latest, attribute)
	}
	return nil, false
}

func (f *Facts) profileValue(attribute string) (any, bool) {
	if v, ok := lookup(f.Profile, attribute); ok {
		return v, true
	}
	if alias, ok := attributeAliases[attribute]; ok {
		return lookup(f.Profile, alias)
	}
	return nil, false
}

func (f *Facts) orderSummary(ctx context.Context) models.OrderSummary {
	if !f.ordersLoaded {
		f.ordersLoaded = true
		if f.eval != nil && f.eval.orders != nil {
			summary, err := f.eval.orders.OrderSummary(ctx, f.ContactID)
			if err != nil {
				f.eval.log.Warn().Err(err).Str("contact_id", f.ContactID).Msg("order summary unavailable")
			} else {
				f.orders = &summary
			}
		}
	}
	if f.orders == nil {
		return models.OrderSummary{}
	}
	return *f.orders
}

func (f *Facts) activitySummary(ctx context.Context) models.ActivitySummary {
	if !f.actLoaded {
		f.actLoaded = true
		if f.eval != nil && f.eval.activity != nil {
			summary, err := f.eval.activity.ActivitySummary(ctx, f.ContactID)
			if err != nil {
				f.eval.log.Warn().Err(err).Str("contact_id", f.ContactID).Msg("activity summary unavailable")
			} else {
				f.activity = &summary
			}
		}
	}
	if f.activity == nil {
		return models.ActivitySummary{}
	}
	return *f.activity
}

func lookup(m map[string]any, key string) (any, bool) {
	if m == nil {
		return nil, false
	}
	v, ok := m[key]
	if !ok || v == nil {
		return nil, false
	}
	return v, true
}
