package models

import "time"

// OfferType distinguishes regular candidates from designated fallbacks.
type OfferType string

const (
	OfferTypePersonalized OfferType = "personalized"
	OfferTypeFallback     OfferType = "fallback"
)

// OfferStatus is the lifecycle state of an offer.
type OfferStatus string

const (
	OfferStatusDraft    OfferStatus = "draft"
	OfferStatusApproved OfferStatus = "approved"
	OfferStatusLive     OfferStatus = "live"
	OfferStatusArchived OfferStatus = "archived"
)

// Offer represents a piece of personalized or fallback content.
type Offer struct {
	ID         string         `json:"id"` // uuid
	Name       string         `json:"name"`
	Type       OfferType      `json:"type"`
	Status     OfferStatus    `json:"status"`
	Priority   int            `json:"priority"`             // 0-100
	StartDate  *time.Time     `json:"start_date,omitempty"` // unset = unbounded
	EndDate    *time.Time     `json:"end_date,omitempty"`   // unset = unbounded
	Attributes map[string]any `json:"attributes,omitempty"`
	RuleID     string         `json:"rule_id,omitempty"` // per-offer eligibility rule
	Tags       []string       `json:"tags,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// IsCandidate reports whether the offer may take part in normal resolution.
func (o Offer) IsCandidate() bool {
	return o.Status == OfferStatusLive && o.Type == OfferTypePersonalized
}

// ActiveAt reports whether now falls inside the offer's validity window.
func (o Offer) ActiveAt(now time.Time) bool {
	if o.StartDate != nil && now.Before(*o.StartDate) {
		return false
	}
	if o.EndDate != nil && now.After(*o.EndDate) {
		return false
	}
	return true
}

// HasTag reports whether the offer carries the given tag.
func (o Offer) HasTag(tag string) bool {
	for _, t := range o.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Channel is the delivery surface of a placement.
type Channel string

const (
	ChannelEmail  Channel = "email"
	ChannelWeb    Channel = "web"
	ChannelMobile Channel = "mobile"
	ChannelSMS    Channel = "sms"
	ChannelPush   Channel = "push"
	ChannelAny    Channel = "any"
)

// ContentType describes the payload shape of a placement.
type ContentType string

const (
	ContentHTML  ContentType = "html"
	ContentImage ContentType = "image"
	ContentText  ContentType = "text"
	ContentJSON  ContentType = "json"
)

// Placement is a named content slot.
type Placement struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Channel     Channel     `json:"channel"`
	ContentType ContentType `json:"content_type"`
	MaxItems    int         `json:"max_items"` // >= 1, 0 means 1
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// Limit returns the number of offers the placement accepts.
func (p Placement) Limit() int {
	if p.MaxItems < 1 {
		return 1
	}
	return p.MaxItems
}

// Representation is an offer's content for one placement.
type Representation struct {
	OfferID     string    `json:"offer_id"`
	PlacementID string    `json:"placement_id"`
	Content     any       `json:"content"` // shaped by the placement's content type
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// CollectionKind selects how a collection expands into offers.
type CollectionKind string

const (
	CollectionStatic  CollectionKind = "static"
	CollectionDynamic CollectionKind = "dynamic"
)

// Collection is a named pool of offers.
type Collection struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Kind      CollectionKind `json:"kind"`
	OfferIDs  []string       `json:"offer_ids,omitempty"` // static
	Tags      []string       `json:"tags,omitempty"`      // dynamic, empty = all live personalized
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Logic combines condition results of a rule.
type Logic string

const (
	LogicAnd Logic = "AND"
	LogicOr  Logic = "OR"
)

// Condition is a single eligibility test.
type Condition struct {
	Entity    string `json:"entity"` // contact, profile, orders, events
	Attribute string `json:"attribute"`
	Operator  string `json:"operator"`
	Value     any    `json:"value,omitempty"`
}

// DecisionRule is an eligibility rule. One Logic applies to every condition.
type DecisionRule struct {
	ID         string      `json:"id"`
	Name       string      `json:"name"`
	Conditions []Condition `json:"conditions"`
	Logic      Logic       `json:"logic"`
	CreatedAt  time.Time   `json:"created_at"`
	UpdatedAt  time.Time   `json:"updated_at"`
}

// RankingMethod selects the ranking strategy.
type RankingMethod string

const (
	RankingPriority RankingMethod = "priority"
	RankingFormula  RankingMethod = "formula"
	RankingAI       RankingMethod = "ai"
)

// SelectionStrategy tells the resolver where candidates come from and how to rank them.
type SelectionStrategy struct {
	ID            string        `json:"id"`
	Name          string        `json:"name"`
	CollectionID  string        `json:"collection_id,omitempty"`
	RuleID        string        `json:"rule_id,omitempty"`
	RankingMethod RankingMethod `json:"ranking_method"`
	FormulaID     string        `json:"formula_id,omitempty"`
	ModelID       string        `json:"model_id,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// Formula is a stored ranking expression, e.g. "offer.priority*0.6 + profile.engagement_score*0.4".
type Formula struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Expression string    `json:"expression"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// AIModel holds the weights of the historical-performance score.
type AIModel struct {
	ID               string    `json:"id"`
	Name             string    `json:"name"`
	ConversionWeight float64   `json:"conversion_weight"`
	ClickWeight      float64   `json:"click_weight"`
	PriorityWeight   float64   `json:"priority_weight"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// DecisionStatus is the lifecycle state of a decision.
type DecisionStatus string

const (
	DecisionDraft    DecisionStatus = "draft"
	DecisionLive     DecisionStatus = "live"
	DecisionArchived DecisionStatus = "archived"
)

// PlacementSlot binds a placement to a strategy and a fallback offer.
type PlacementSlot struct {
	PlacementID     string `json:"placement_id"`
	StrategyID      string `json:"strategy_id,omitempty"`
	FallbackOfferID string `json:"fallback_offer_id,omitempty"`
}

// Decision is a named policy over ordered placement slots.
type Decision struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Slots     []PlacementSlot `json:"slots"`
	Status    DecisionStatus  `json:"status"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// FrequencyPeriod windows the per-user cap.
type FrequencyPeriod string

const (
	PeriodLifetime FrequencyPeriod = "lifetime"
	PeriodDaily    FrequencyPeriod = "daily"
	PeriodWeekly   FrequencyPeriod = "weekly"
	PeriodMonthly  FrequencyPeriod = "monthly"
)

// OfferConstraint is the frequency capping configuration of an offer.
type OfferConstraint struct {
	OfferID          string          `json:"offer_id"`
	PerUserCap       int             `json:"per_user_cap,omitempty"` // 0 = uncapped
	FrequencyPeriod  FrequencyPeriod `json:"frequency_period,omitempty"`
	TotalCap         int             `json:"total_cap,omitempty"`          // lifetime
	PerPlacementCaps map[string]int  `json:"per_placement_caps,omitempty"` // lifetime
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// PropositionStatus tracks what happened to a shown offer.
type PropositionStatus string

const (
	PropositionProposed  PropositionStatus = "proposed"
	PropositionViewed    PropositionStatus = "viewed"
	PropositionClicked   PropositionStatus = "clicked"
	PropositionConverted PropositionStatus = "converted"
	PropositionDismissed PropositionStatus = "dismissed"
)

// Proposition is the ledger record of an offer selected for a contact.
type Proposition struct {
	ID          string            `json:"id"` // uuid
	OfferID     string            `json:"offer_id"`
	ContactID   string            `json:"contact_id"`
	DecisionID  string            `json:"decision_id"`
	PlacementID string            `json:"placement_id"`
	Channel     Channel           `json:"channel"`
	IsFallback  bool              `json:"is_fallback"`
	Context     map[string]any    `json:"context,omitempty"`
	Status      PropositionStatus `json:"status"`
	CreatedAt   time.Time         `json:"created_at"`
}

// EventType is an interaction reported against a proposition.
type EventType string

const (
	EventImpression EventType = "impression"
	EventClick      EventType = "click"
	EventConversion EventType = "conversion"
	EventDismiss    EventType = "dismiss"
)

// OfferEvent is an interaction with a proposition.
type OfferEvent struct {
	ID            string    `json:"id"`
	PropositionID string    `json:"proposition_id"`
	EventType     EventType `json:"event_type"`
	CreatedAt     time.Time `json:"created_at"`
}

// Profile is a contact's attribute map.
type Profile map[string]any

// Contact is a visitor known to the engine.
type Contact struct {
	ID         string    `json:"id"`
	Attributes Profile   `json:"attributes"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Order is a purchase made by a contact.
type Order struct {
	ID        string         `json:"id"`
	ContactID string         `json:"contact_id"`
	Total     float64        `json:"total"`
	Fields    map[string]any `json:"fields,omitempty"`
	PlacedAt  time.Time      `json:"placed_at"`
}

// OrderSummary is what eligibility sees of a contact's orders.
type OrderSummary struct {
	Count      int            `json:"count"`
	TotalValue float64        `json:"total_value"`
	Latest     map[string]any `json:"latest,omitempty"`
}

// Activity is a behavioural event of a contact (page view, signup, ...).
type Activity struct {
	ID         string         `json:"id"`
	ContactID  string         `json:"contact_id"`
	Name       string         `json:"name"`
	Fields     map[string]any `json:"fields,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// ActivitySummary is what eligibility sees of a contact's activity.
type ActivitySummary struct {
	Count  int            `json:"count"`
	Latest map[string]any `json:"latest,omitempty"`
}

// OfferStats summarises ledger performance of an offer.
type OfferStats struct {
	OfferID     string  `json:"offer_id"`
	Impressions int64   `json:"impressions"` // propositions logged
	Views       int64   `json:"views"`
	Clicks      int64   `json:"clicks"`
	Conversions int64   `json:"conversions"`
	Dismissals  int64   `json:"dismissals"`
	ClickRate   float64 `json:"click_rate"`
	ConvRate    float64 `json:"conversion_rate"`
}

// SelectedOffer is one offer chosen for a placement.
type SelectedOffer struct {
	Offer         Offer   `json:"offer"`
	Content       any     `json:"content"`
	Score         float64 `json:"score"`
	IsFallback    bool    `json:"is_fallback"`
	PropositionID string  `json:"proposition_id,omitempty"`
}

// PlacementResult is the outcome of one placement slot.
type PlacementResult struct {
	Placement           Placement       `json:"placement"`
	Offers              []SelectedOffer `json:"offers"`
	FallbackUsed        bool            `json:"fallback_used"`
	CandidatesEvaluated int             `json:"candidates_evaluated"`
}

// ResolutionResult is the outcome of resolving a decision for a contact.
type ResolutionResult struct {
	DecisionID string            `json:"decision_id"`
	ContactID  string            `json:"contact_id"`
	ResolvedAt time.Time         `json:"resolved_at"`
	Placements []PlacementResult `json:"placements"`
	Simulated  bool              `json:"simulated,omitempty"`
}

// ResolveRequest is the request body for resolve and simulate.
type ResolveRequest struct {
	ContactID string         `json:"contact_id"`
	Context   map[string]any `json:"context,omitempty"`
}

// EvaluateRuleRequest is the request body for rule previews.
type EvaluateRuleRequest struct {
	ContactID string `json:"contact_id"`
}

// EvaluateRuleResponse is the result of a rule preview.
type EvaluateRuleResponse struct {
	RuleID    string `json:"rule_id"`
	ContactID string `json:"contact_id"`
	Eligible  bool   `json:"eligible"`
}

// ConstraintCheckResponse is the result of a capping preview.
type ConstraintCheckResponse struct {
	OfferID     string `json:"offer_id"`
	ContactID   string `json:"contact_id"`
	PlacementID string `json:"placement_id"`
	Allowed     bool   `json:"allowed"`
	Reason      string `json:"reason,omitempty"` // first failing cap
}

// RecordEventRequest is the request body for proposition events.
type RecordEventRequest struct {
	EventType EventType `json:"event_type"`
}

// CreateOrdersRequest is the request body for order ingestion.
type CreateOrdersRequest struct {
	Orders []Order `json:"orders"`
}

// CreateActivitiesRequest is the request body for activity ingestion.
type CreateActivitiesRequest struct {
	Activities []Activity `json:"activities"`
}

// InsertedResponse reports how many records an ingestion call stored.
type InsertedResponse struct {
	Inserted int `json:"inserted"`
}

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error string `json:"error"`
}
