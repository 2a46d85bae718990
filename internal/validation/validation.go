package validation

import (
	"fmt"
	"math"
	"regexp"
	"strings"
	"time"
	"unicode"

	"offer-decisioning-api/internal/eligibility"
	"offer-decisioning-api/internal/formula"
	"offer-decisioning-api/internal/models"
)

var idRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.:-]{0,127}$`)

const (
	maxNameLength  = 200
	maxTags        = 50
	maxConditions  = 100
	maxSlots       = 50
	maxPlacementMx = 100
)

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on field '%s': %s", e.Field, e.Message)
}

func ValidateOffer(offer models.Offer) error {
	if err := validateOptionalID(offer.ID, "id"); err != nil {
		return err
	}

	if err := validateName(offer.Name); err != nil {
		return err
	}

	switch offer.Type {
	case models.OfferTypePersonalized, models.OfferTypeFallback:
	default:
		return &ValidationError{
			Field:   "type",
			Message: "must be one of personalized, fallback",
		}
	}

	switch offer.Status {
	case "", models.OfferStatusDraft, models.OfferStatusApproved, models.OfferStatusLive, models.OfferStatusArchived:
	default:
		return &ValidationError{
			Field:   "status",
			Message: "must be one of draft, approved, live, archived",
		}
	}

	if offer.Priority < 0 || offer.Priority > 100 {
		return &ValidationError{
			Field:   "priority",
			Message: "must be between 0 and 100",
		}
	}

	if offer.StartDate != nil && offer.EndDate != nil && offer.EndDate.Before(*offer.StartDate) {
		return &ValidationError{
			Field:   "end_date",
			Message: "must not be before start_date",
		}
	}

	if err := validateOptionalID(offer.RuleID, "rule_id"); err != nil {
		return err
	}

	return validateTags(offer.Tags, "tags")
}

func ValidatePlacement(p models.Placement) error {
	if err := validateOptionalID(p.ID, "id"); err != nil {
		return err
	}

	if err := validateName(p.Name); err != nil {
		return err
	}

	switch p.Channel {
	case models.ChannelEmail, models.ChannelWeb, models.ChannelMobile, models.ChannelSMS, models.ChannelPush, models.ChannelAny:
	default:
		return &ValidationError{
			Field:   "channel",
			Message: "must be one of email, web, mobile, sms, push, any",
		}
	}

	switch p.ContentType {
	case models.ContentHTML, models.ContentImage, models.ContentText, models.ContentJSON:
	default:
		return &ValidationError{
			Field:   "content_type",
			Message: "must be one of html, image, text, json",
		}
	}

	if p.MaxItems < 0 || p.MaxItems > maxPlacementMx {
		return &ValidationError{
			Field:   "max_items",
			Message: fmt.Sprintf("must be between 0 and %d", maxPlacementMx),
		}
	}

	return nil
}

func ValidateRepresentation(rep models.Representation) error {
	if err := ValidateID(rep.OfferID, "offer_id"); err != nil {
		return err
	}

	if err := ValidateID(rep.PlacementID, "placement_id"); err != nil {
		return err
	}

	if rep.Content == nil {
		return &ValidationError{
			Field:   "content",
			Message: "is required",
		}
	}

	return nil
}

func ValidateCollection(c models.Collection) error {
	if err := validateOptionalID(c.ID, "id"); err != nil {
		return err
	}

	if err := validateName(c.Name); err != nil {
		return err
	}

	switch c.Kind {
	case models.CollectionStatic:
		for i, id := range c.OfferIDs {
			if err := ValidateID(id, fmt.Sprintf("offer_ids[%d]", i)); err != nil {
				return err
			}
		}
	case models.CollectionDynamic:
		if len(c.OfferIDs) > 0 {
			return &ValidationError{
				Field:   "offer_ids",
				Message: "is only allowed on static collections",
			}
		}
	default:
		return &ValidationError{
			Field:   "kind",
			Message: "must be one of static, dynamic",
		}
	}

	return validateTags(c.Tags, "tags")
}

// ValidateRule accepts a flat list of conditions joined by one AND or OR.
func ValidateRule(rule models.DecisionRule) error {
	if err := validateOptionalID(rule.ID, "id"); err != nil {
		return err
	}

	if err := validateName(rule.Name); err != nil {
		return err
	}

	switch models.Logic(strings.ToUpper(string(rule.Logic))) {
	case models.LogicAnd, models.LogicOr:
	default:
		return &ValidationError{
			Field:   "logic",
			Message: "must be AND or OR",
		}
	}

	if len(rule.Conditions) > maxConditions {
		return &ValidationError{
			Field:   "conditions",
			Message: fmt.Sprintf("cannot contain more than %d conditions", maxConditions),
		}
	}

	for i, cond := range rule.Conditions {
		if !eligibility.IsEntity(cond.Entity) {
			return &ValidationError{
				Field:   fmt.Sprintf("conditions[%d].entity", i),
				Message: "must be one of contact, profile, orders, events",
			}
		}

		if strings.TrimSpace(cond.Attribute) == "" {
			return &ValidationError{
				Field:   fmt.Sprintf("conditions[%d].attribute", i),
				Message: "is required",
			}
		}

		if !eligibility.IsOperator(cond.Operator) {
			return &ValidationError{
				Field:   fmt.Sprintf("conditions[%d].operator", i),
				Message: fmt.Sprintf("unknown operator %q", cond.Operator),
			}
		}
	}

	return nil
}

func ValidateStrategy(s models.SelectionStrategy) error {
	if err := validateOptionalID(s.ID, "id"); err != nil {
		return err
	}

	if err := validateName(s.Name); err != nil {
		return err
	}

	switch s.RankingMethod {
	case "", models.RankingPriority, models.RankingAI:
	case models.RankingFormula:
		if s.FormulaID == "" {
			return &ValidationError{
				Field:   "formula_id",
				Message: "is required for formula ranking",
			}
		}
	default:
		return &ValidationError{
			Field:   "ranking_method",
			Message: "must be one of priority, formula, ai",
		}
	}

	for field, id := range map[string]string{
		"collection_id": s.CollectionID,
		"rule_id":       s.RuleID,
		"formula_id":    s.FormulaID,
		"model_id":      s.ModelID,
	} {
		if err := validateOptionalID(id, field); err != nil {
			return err
		}
	}

	return nil
}

// ValidateFormula compiles the expression so syntax errors are reported with
// their position when the formula is stored, not when it is used.
func ValidateFormula(f models.Formula) error {
	if err := validateOptionalID(f.ID, "id"); err != nil {
		return err
	}

	if err := validateName(f.Name); err != nil {
		return err
	}

	if strings.TrimSpace(f.Expression) == "" {
		return &ValidationError{
			Field:   "expression",
			Message: "is required",
		}
	}

	if _, err := formula.Compile(f.Expression); err != nil {
		return &ValidationError{
			Field:   "expression",
			Message: err.Error(),
		}
	}

	return nil
}

func ValidateModel(m models.AIModel) error {
	if err := validateOptionalID(m.ID, "id"); err != nil {
		return err
	}

	if err := validateName(m.Name); err != nil {
		return err
	}

	for field, w := range map[string]float64{
		"conversion_weight": m.ConversionWeight,
		"click_weight":      m.ClickWeight,
		"priority_weight":   m.PriorityWeight,
	} {
		if w < 0 || math.IsNaN(w) || math.IsInf(w, 0) {
			return &ValidationError{
				Field:   field,
				Message: "must be a non-negative number",
			}
		}
	}

	return nil
}

func ValidateDecision(d models.Decision) error {
	if err := validateOptionalID(d.ID, "id"); err != nil {
		return err
	}

	if err := validateName(d.Name); err != nil {
		return err
	}

	switch d.Status {
	case "", models.DecisionDraft, models.DecisionLive, models.DecisionArchived:
	default:
		return &ValidationError{
			Field:   "status",
			Message: "must be one of draft, live, archived",
		}
	}

	if len(d.Slots) == 0 {
		return &ValidationError{
			Field:   "slots",
			Message: "must contain at least one placement slot",
		}
	}

	if len(d.Slots) > maxSlots {
		return &ValidationError{
			Field:   "slots",
			Message: fmt.Sprintf("cannot contain more than %d slots", maxSlots),
		}
	}

	for i, slot := range d.Slots {
		if err := ValidateID(slot.PlacementID, fmt.Sprintf("slots[%d].placement_id", i)); err != nil {
			return err
		}
		if err := validateOptionalID(slot.StrategyID, fmt.Sprintf("slots[%d].strategy_id", i)); err != nil {
			return err
		}
		if err := validateOptionalID(slot.FallbackOfferID, fmt.Sprintf("slots[%d].fallback_offer_id", i)); err != nil {
			return err
		}
	}

	return nil
}

func ValidateConstraint(c models.OfferConstraint) error {
	if err := ValidateID(c.OfferID, "offer_id"); err != nil {
		return err
	}

	if c.PerUserCap < 0 {
		return &ValidationError{
			Field:   "per_user_cap",
			Message: "must be non-negative",
		}
	}

	if c.TotalCap < 0 {
		return &ValidationError{
			Field:   "total_cap",
			Message: "must be non-negative",
		}
	}

	switch c.FrequencyPeriod {
	case "", models.PeriodLifetime, models.PeriodDaily, models.PeriodWeekly, models.PeriodMonthly:
	default:
		return &ValidationError{
			Field:   "frequency_period",
			Message: "must be one of lifetime, daily, weekly, monthly",
		}
	}

	for placementID, limit := range c.PerPlacementCaps {
		if err := ValidateID(placementID, "per_placement_caps"); err != nil {
			return err
		}
		if limit < 0 {
			return &ValidationError{
				Field:   fmt.Sprintf("per_placement_caps[%s]", placementID),
				Message: "must be non-negative",
			}
		}
	}

	return nil
}

func ValidateContact(c models.Contact) error {
	return ValidateID(c.ID, "id")
}

func ValidateOrder(o models.Order) error {
	if err := ValidateID(o.ContactID, "contact_id"); err != nil {
		return err
	}

	if o.Total < 0 || math.IsNaN(o.Total) || math.IsInf(o.Total, 0) {
		return &ValidationError{
			Field:   "total",
			Message: "must be a non-negative number",
		}
	}

	maxFutureTime := time.Now().Add(1 * time.Hour)
	if o.PlacedAt.After(maxFutureTime) {
		return &ValidationError{
			Field:   "placed_at",
			Message: "cannot be more than 1 hour in the future",
		}
	}

	return nil
}

func ValidateActivity(a models.Activity) error {
	if err := ValidateID(a.ContactID, "contact_id"); err != nil {
		return err
	}

	if strings.TrimSpace(a.Name) == "" {
		return &ValidationError{
			Field:   "name",
			Message: "is required",
		}
	}

	return nil
}

func ValidateEventType(t models.EventType) error {
	switch t {
	case models.EventImpression, models.EventClick, models.EventConversion, models.EventDismiss:
		return nil
	}
	return &ValidationError{
		Field:   "event_type",
		Message: "must be one of impression, click, conversion, dismiss",
	}
}

func SanitizeString(s string) string {
	s = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) && r != '\n' && r != '\r' && r != '\t' {
			return -1
		}
		return r
	}, s)

	return strings.TrimSpace(s)
}

// ValidateID accepts UUIDs and short slugs such as "hero-banner".
func ValidateID(id, fieldName string) error {
	if id == "" {
		return &ValidationError{
			Field:   fieldName,
			Message: "is required",
		}
	}

	if !idRegex.MatchString(SanitizeString(id)) {
		return &ValidationError{
			Field:   fieldName,
			Message: "must be a UUID or an identifier of letters, digits, '_', '.', ':' or '-'",
		}
	}

	return nil
}

func ValidateTimeString(timeStr string) (time.Time, error) {
	if timeStr == "" {
		return time.Time{}, &ValidationError{
			Field:   "time",
			Message: "is required",
		}
	}

	t, err := time.Parse(time.RFC3339, timeStr)
	if err != nil {
		return time.Time{}, &ValidationError{
			Field:   "time",
			Message: "must be a valid RFC3339 timestamp",
		}
	}

	return t, nil
}

func validateOptionalID(id, fieldName string) error {
	if id == "" {
		return nil
	}
	return ValidateID(id, fieldName)
}

func validateName(name string) error {
	name = SanitizeString(name)
	if name == "" {
		return &ValidationError{
			Field:   "name",
			Message: "is required",
		}
	}

	if len(name) > maxNameLength {
		return &ValidationError{
			Field:   "name",
			Message: fmt.Sprintf("cannot exceed %d characters", maxNameLength),
		}
	}

	return nil
}

func validateTags(tags []string, field string) error {
	if len(tags) > maxTags {
		return &ValidationError{
			Field:   field,
			Message: fmt.Sprintf("cannot contain more than %d tags", maxTags),
		}
	}

	seen := make(map[string]bool)
	for i, tag := range tags {
		if SanitizeString(tag) == "" {
			return &ValidationError{
				Field:   fmt.Sprintf("%s[%d]", field, i),
				Message: "must not be empty",
			}
		}

		if seen[tag] {
			return &ValidationError{
				Field:   field,
				Message: fmt.Sprintf("duplicate tag: %s", tag),
			}
		}
		seen[tag] = true
	}

	return nil
}
