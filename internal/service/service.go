package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"offer-decisioning-api/internal/catalog"
	"offer-decisioning-api/internal/decisioning"
	"offer-decisioning-api/internal/events"
	"offer-decisioning-api/internal/ledger"
	"offer-decisioning-api/internal/metrics"
	"offer-decisioning-api/internal/models"
	"offer-decisioning-api/internal/repository"
	"offer-decisioning-api/internal/tracing"
	"offer-decisioning-api/internal/validation"
)

// MaxBatchSize bounds order and activity ingestion requests.
const MaxBatchSize = 1000

// Deps are the collaborators of a Service. Events, Metrics, Tracer and Clock are optional.
type Deps struct {
	Catalog  *catalog.Catalog
	Engine   *decisioning.Engine
	Ledger   *ledger.Ledger
	Contacts repository.ContactRepository
	Orders   repository.OrderRepository
	Activity repository.ActivityRepository
	Events   *events.Manager
	Metrics  *metrics.Metrics
	Tracer   *tracing.Tracer
	Clock    func() time.Time
	Logger   zerolog.Logger
}

// Service provides business logic for the offer decisioning API.
type Service struct {
	catalog  *catalog.Catalog
	engine   *decisioning.Engine
	ledger   *ledger.Ledger
	contacts repository.ContactRepository
	orders   repository.OrderRepository
	activity repository.ActivityRepository
	events   *events.Manager
	metrics  *metrics.Metrics
	tracer   *tracing.Tracer
	now      func() time.Time
	log      zerolog.Logger
}

// NewService creates a new service instance.
func NewService(d Deps) *Service {
	s := &Service{
		catalog:  d.Catalog,
		engine:   d.Engine,
		ledger:   d.Ledger,
		contacts: d.Contacts,
		orders:   d.Orders,
		activity: d.Activity,
		events:   d.Events,
		metrics:  d.Metrics,
		tracer:   d.Tracer,
		now:      d.Clock,
		log:      d.Logger,
	}
	if s.events == nil {
		s.events = events.NewManager(false, d.Logger)
	}
	if s.tracer == nil {
		s.tracer = tracing.GetTracer()
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// CreateOffer creates an offer.
func (s *Service) CreateOffer(ctx context.Context, offer models.Offer) (models.Offer, error) {
	return s.catalog.CreateOffer(ctx, offer)
}

func (s *Service) GetOffer(_ context.Context, id string) (models.Offer, error) {
	return s.catalog.GetOffer(id)
}

// ListOffers returns every offer ordered by id.
func (s *Service) ListOffers(_ context.Context) []models.Offer {
	return s.catalog.Snapshot().Offers()
}

// UpdateOffer replaces an offer's content. Its status is left as is.
func (s *Service) UpdateOffer(ctx context.Context, id string, offer models.Offer) (models.Offer, error) {
	return s.catalog.UpdateOffer(ctx, id, offer)
}

func (s *Service) DeleteOffer(ctx context.Context, id string) error {
	return s.catalog.DeleteOffer(ctx, id)
}

func (s *Service) ApproveOffer(ctx context.Context, id string) (models.Offer, error) {
	return s.transition(ctx, "approve", id, s.catalog.Approve)
}

func (s *Service) PublishOffer(ctx context.Context, id string) (models.Offer, error) {
	return s.transition(ctx, "publish", id, s.catalog.Publish)
}

func (s *Service) ArchiveOffer(ctx context.Context, id string) (models.Offer, error) {
	return s.transition(ctx, "archive", id, s.catalog.Archive)
}

func (s *Service) transition(ctx context.Context, action, id string, fn func(context.Context, string) (catalog.StatusChange, error)) (models.Offer, error) {
	ctx, span := s.tracer.StartSpan(ctx, "catalog."+action, trace.WithAttributes(attribute.String("offer.id", id)))
	defer span.End()

	change, err := fn(ctx, id)
	if err != nil {
		span.RecordError(err)
		return models.Offer{}, err
	}
	s.metrics.RecordTransition(string(change.Offer.Status))
	s.events.PublishOfferStatusChanged(ctx, id, change.From, change.Offer.Status)
	return change.Offer, nil
}

// OfferStats returns the ledger performance of an offer.
func (s *Service) OfferStats(ctx context.Context, id string) (models.OfferStats, error) {
	if _, err := s.catalog.GetOffer(id); err != nil {
		return models.OfferStats{}, err
	}
	return s.ledger.Stats(ctx, id)
}

func (s *Service) PutRepresentation(ctx context.Context, rep models.Representation) (models.Representation, error) {
	return s.catalog.PutRepresentation(ctx, rep)
}

func (s *Service) DeleteRepresentation(ctx context.Context, offerID, placementID string) error {
	return s.catalog.DeleteRepresentation(ctx, offerID, placementID)
}

func (s *Service) PutConstraint(ctx context.Context, c models.OfferConstraint) (models.OfferConstraint, error) {
	return s.catalog.PutConstraint(ctx, c)
}

// CheckConstraint previews the cap checks of an offer. A zero at means now.
func (s *Service) CheckConstraint(ctx context.Context, offerID, contactID, placementID string, at time.Time) (models.ConstraintCheckResponse, error) {
	if err := validation.ValidateID(contactID, "contact_id"); err != nil {
		return models.ConstraintCheckResponse{}, err
	}
	if err := validation.ValidateID(placementID, "placement_id"); err != nil {
		return models.ConstraintCheckResponse{}, err
	}
	verdict, err := s.engine.CheckConstraints(ctx, offerID, contactID, placementID, at)
	if err != nil {
		return models.ConstraintCheckResponse{}, err
	}
	return models.ConstraintCheckResponse{
		OfferID:     offerID,
		ContactID:   contactID,
		PlacementID: placementID,
		Allowed:     verdict.Allowed,
		Reason:      verdict.Reason,
	}, nil
}

func (s *Service) DeleteConstraint(ctx context.Context, offerID string) error {
	return s.catalog.DeleteConstraint(ctx, offerID)
}

func (s *Service) CreatePlacement(ctx context.Context, p models.Placement) (models.Placement, error) {
	return s.catalog.CreatePlacement(ctx, p)
}

func (s *Service) UpdatePlacement(ctx context.Context, id string, p models.Placement) (models.Placement, error) {
	return s.catalog.UpdatePlacement(ctx, id, p)
}

func (s *Service) DeletePlacement(ctx context.Context, id string) error {
	return s.catalog.DeletePlacement(ctx, id)
}

func (s *Service) CreateCollection(ctx context.Context, c models.Collection) (models.Collection, error) {
	return s.catalog.CreateCollection(ctx, c)
}

func (s *Service) UpdateCollection(ctx context.Context, id string, c models.Collection) (models.Collection, error) {
	return s.catalog.UpdateCollection(ctx, id, c)
}

func (s *Service) DeleteCollection(ctx context.Context, id string) error {
	return s.catalog.DeleteCollection(ctx, id)
}

// CollectionOffers previews the offers a collection resolves to.
func (s *Service) CollectionOffers(_ context.Context, id string) ([]models.Offer, error) {
	return s.engine.ResolveCollection(id)
}

func (s *Service) CreateRule(ctx context.Context, r models.DecisionRule) (models.DecisionRule, error) {
	return s.catalog.CreateRule(ctx, r)
}

func (s *Service) UpdateRule(ctx context.Context, id string, r models.DecisionRule) (models.DecisionRule, error) {
	return s.catalog.UpdateRule(ctx, id, r)
}

func (s *Service) DeleteRule(ctx context.Context, id string) error {
	return s.catalog.DeleteRule(ctx, id)
}

// EvaluateRule previews a rule against a contact.
func (s *Service) EvaluateRule(ctx context.Context, ruleID, contactID string) (models.EvaluateRuleResponse, error) {
	if err := validation.ValidateID(contactID, "contact_id"); err != nil {
		return models.EvaluateRuleResponse{}, err
	}
	ok, err := s.engine.EvaluateEligibility(ctx, ruleID, contactID)
	if err != nil {
		return models.EvaluateRuleResponse{}, err
	}
	return models.EvaluateRuleResponse{RuleID: ruleID, ContactID: contactID, Eligible: ok}, nil
}

func (s *Service) CreateFormula(ctx context.Context, f models.Formula) (models.Formula, error) {
	return s.catalog.CreateFormula(ctx, f)
}

func (s *Service) CreateModel(ctx context.Context, m models.AIModel) (models.AIModel, error) {
	return s.catalog.CreateModel(ctx, m)
}

func (s *Service) CreateStrategy(ctx context.Context, st models.SelectionStrategy) (models.SelectionStrategy, error) {
	return s.catalog.CreateStrategy(ctx, st)
}

func (s *Service) UpdateStrategy(ctx context.Context, id string, st models.SelectionStrategy) (models.SelectionStrategy, error) {
	return s.catalog.UpdateStrategy(ctx, id, st)
}

func (s *Service) DeleteStrategy(ctx context.Context, id string) error {
	return s.catalog.DeleteStrategy(ctx, id)
}

func (s *Service) CreateDecision(ctx context.Context, d models.Decision) (models.Decision, error) {
	return s.catalog.CreateDecision(ctx, d)
}

func (s *Service) UpdateDecision(ctx context.Context, id string, d models.Decision) (models.Decision, error) {
	return s.catalog.UpdateDecision(ctx, id, d)
}

func (s *Service) DeleteDecision(ctx context.Context, id string) error {
	return s.catalog.DeleteDecision(ctx, id)
}

// Resolve selects offers for a contact and records propositions.
func (s *Service) Resolve(ctx context.Context, decisionID string, req models.ResolveRequest) (models.ResolutionResult, error) {
	return s.resolve(ctx, decisionID, req, false)
}

// Simulate runs a resolution without recording anything.
func (s *Service) Simulate(ctx context.Context, decisionID string, req models.ResolveRequest) (models.ResolutionResult, error) {
	return s.resolve(ctx, decisionID, req, true)
}

func (s *Service) resolve(ctx context.Context, decisionID string, req models.ResolveRequest, dryRun bool) (models.ResolutionResult, error) {
	req.ContactID = validation.SanitizeString(req.ContactID)
	if err := validation.ValidateID(req.ContactID, "contact_id"); err != nil {
		return models.ResolutionResult{}, err
	}

	var (
		result models.ResolutionResult
		err    error
	)
	if dryRun {
		result, err = s.engine.Simulate(ctx, decisionID, req)
	} else {
		result, err = s.engine.Resolve(ctx, decisionID, req)
	}
	if err != nil {
		return models.ResolutionResult{}, err
	}

	s.events.PublishDecisionResolved(ctx, result)
	if !dryRun {
		for _, pr := range result.Placements {
			for _, o := range pr.Offers {
				if o.PropositionID == "" {
					continue
				}
				s.events.PublishPropositionCreated(ctx, models.Proposition{
					ID:          o.PropositionID,
					OfferID:     o.Offer.ID,
					ContactID:   result.ContactID,
					DecisionID:  result.DecisionID,
					PlacementID: pr.Placement.ID,
					Channel:     pr.Placement.Channel,
					IsFallback:  o.IsFallback,
					Context:     req.Context,
					Status:      models.PropositionProposed,
					CreatedAt:   result.ResolvedAt,
				})
			}
		}
	}
	return result, nil
}

// RecordEvent records an interaction against a proposition.
func (s *Service) RecordEvent(ctx context.Context, propositionID string, eventType models.EventType) (models.OfferEvent, error) {
	ctx, span := s.tracer.StartSpan(ctx, "ledger.record_event", trace.WithAttributes(
		attribute.String("proposition.id", propositionID),
		attribute.String("event.type", string(eventType)),
	))
	defer span.End()

	if err := validation.ValidateEventType(eventType); err != nil {
		return models.OfferEvent{}, err
	}
	event, p, err := s.ledger.RecordEvent(ctx, propositionID, eventType)
	if errors.Is(err, repository.ErrNotFound) {
		return models.OfferEvent{}, fmt.Errorf("proposition %s: %w", propositionID, err)
	}
	if err != nil {
		span.RecordError(err)
		return models.OfferEvent{}, err
	}

	s.metrics.RecordOfferEvent(string(eventType))
	s.events.PublishOfferEventRecorded(ctx, event, p)
	return event, nil
}

// PropositionEvents lists the interactions recorded against a proposition.
func (s *Service) PropositionEvents(ctx context.Context, propositionID string) ([]models.OfferEvent, error) {
	events, err := s.ledger.Events(ctx, propositionID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("proposition %s: %w", propositionID, err)
	}
	return events, err
}

// UpsertContact creates or replaces a contact's profile.
func (s *Service) UpsertContact(ctx context.Context, c models.Contact) (models.Contact, error) {
	c.ID = validation.SanitizeString(c.ID)
	if err := validation.ValidateContact(c); err != nil {
		return models.Contact{}, err
	}
	if c.Attributes == nil {
		c.Attributes = models.Profile{}
	}

	now := s.now().UTC()
	existing, err := s.contacts.GetContact(ctx, c.ID)
	switch {
	case err == nil:
		c.CreatedAt = existing.CreatedAt
	case errors.Is(err, repository.ErrNotFound):
		c.CreatedAt = now
	default:
		return models.Contact{}, fmt.Errorf("failed to load contact: %w", err)
	}
	c.UpdatedAt = now

	if err := s.contacts.SaveContact(ctx, c); err != nil {
		return models.Contact{}, fmt.Errorf("failed to save contact: %w", err)
	}
	return c, nil
}

// AddOrders ingests orders of a known contact. The batch is validated as a whole first.
func (s *Service) AddOrders(ctx context.Context, contactID string, orders []models.Order) (int, error) {
	if err := s.checkBatch(ctx, contactID, "orders", len(orders)); err != nil {
		return 0, err
	}
	for i := range orders {
		o := &orders[i]
		o.ContactID = contactID
		if o.ID == "" {
			o.ID = uuid.New().String()
		}
		if o.PlacedAt.IsZero() {
			o.PlacedAt = s.now().UTC()
		}
		if err := validation.ValidateOrder(*o); err != nil {
			return 0, fmt.Errorf("invalid order at index %d: %w", i, err)
		}
	}

	inserted := 0
	for _, o := range orders {
		if err := s.orders.AddOrder(ctx, o); err != nil {
			return inserted, fmt.Errorf("failed to add order: %w", err)
		}
		inserted++
	}
	return inserted, nil
}

// AddActivities ingests behavioural events of a known contact.
func (s *Service) AddActivities(ctx context.Context, contactID string, activities []models.Activity) (int, error) {
	if err := s.checkBatch(ctx, contactID, "activities", len(activities)); err != nil {
		return 0, err
	}
	for i := range activities {
		a := &activities[i]
		a.ContactID = contactID
		a.Name = validation.SanitizeString(a.Name)
		if a.ID == "" {
			a.ID = uuid.New().String()
		}
		if a.OccurredAt.IsZero() {
			a.OccurredAt = s.now().UTC()
		}
		if err := validation.ValidateActivity(*a); err != nil {
			return 0, fmt.Errorf("invalid activity at index %d: %w", i, err)
		}
	}

	inserted := 0
	for _, a := range activities {
		if err := s.activity.AddActivity(ctx, a); err != nil {
			return inserted, fmt.Errorf("failed to add activity: %w", err)
		}
		inserted++
	}
	return inserted, nil
}

func (s *Service) checkBatch(ctx context.Context, contactID, field string, n int) error {
	if err := validation.ValidateID(contactID, "contact_id"); err != nil {
		return err
	}
	if n == 0 {
		return &validation.ValidationError{Field: field, Message: "at least one record is required"}
	}
	if n > MaxBatchSize {
		return &validation.ValidationError{Field: field, Message: fmt.Sprintf("cannot process more than %d records per request", MaxBatchSize)}
	}
	if _, err := s.contacts.GetContact(ctx, contactID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return fmt.Errorf("contact %s: %w", contactID, err)
		}
		return fmt.Errorf("failed to load contact: %w", err)
	}
	return nil
}
