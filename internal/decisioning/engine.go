// Package decisioning resolves decisions into offers per placement.
package decisioning

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"offer-decisioning-api/internal/capping"
	"offer-decisioning-api/internal/catalog"
	"offer-decisioning-api/internal/collection"
	"offer-decisioning-api/internal/eligibility"
	"offer-decisioning-api/internal/ledger"
	"offer-decisioning-api/internal/metrics"
	"offer-decisioning-api/internal/models"
	"offer-decisioning-api/internal/ranking"
	"offer-decisioning-api/internal/repository"
)

// NotFoundError is returned when the decision or contact of a call does not exist.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

func (e *NotFoundError) Unwrap() error {
	return repository.ErrNotFound
}

// Filter reasons reported to metrics.
const (
	reasonInactive         = "inactive"
	reasonNoRepresentation = "no_representation"
	reasonIneligible       = "ineligible"
	reasonCapped           = "capped"
)

// Deps are the collaborators of an Engine. Metrics, Tracer and Clock are optional.
type Deps struct {
	Catalog   *catalog.Catalog
	Contacts  repository.ContactRepository
	Evaluator *eligibility.Evaluator
	Checker   *capping.Checker
	Ledger    *ledger.Ledger
	Metrics   *metrics.Metrics
	Tracer    trace.Tracer
	Clock     func() time.Time
	Logger    zerolog.Logger
}

// Engine resolves decisions against a catalog snapshot, recording the
// resulting propositions in the ledger.
type Engine struct {
	catalog  *catalog.Catalog
	contacts repository.ContactRepository
	eval     *eligibility.Evaluator
	checker  *capping.Checker
	ledger   *ledger.Ledger
	metrics  *metrics.Metrics
	tracer   trace.Tracer
	now      func() time.Time
	log      zerolog.Logger

	formulas sync.Map // expression -> *ranking.FormulaStrategy
}

func NewEngine(d Deps) *Engine {
	e := &Engine{
		catalog:  d.Catalog,
		contacts: d.Contacts,
		eval:     d.Evaluator,
		checker:  d.Checker,
		ledger:   d.Ledger,
		metrics:  d.Metrics,
		tracer:   d.Tracer,
		now:      d.Clock,
		log:      d.Logger,
	}
	if e.tracer == nil {
		e.tracer = otel.Tracer("offer-decisioning-api/decisioning")
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e
}

// Resolve selects offers for every placement of the decision and records a
// proposition for each selected offer.
func (e *Engine) Resolve(ctx context.Context, decisionID string, req models.ResolveRequest) (models.ResolutionResult, error) {
	return e.resolve(ctx, decisionID, req, false)
}

// Simulate runs the same selection as Resolve without touching the ledger.
func (e *Engine) Simulate(ctx context.Context, decisionID string, req models.ResolveRequest) (models.ResolutionResult, error) {
	return e.resolve(ctx, decisionID, req, true)
}

func (e *Engine) resolve(ctx context.Context, decisionID string, req models.ResolveRequest, dryRun bool) (result models.ResolutionResult, err error) {
	started := time.Now()
	ctx, span := e.tracer.Start(ctx, "decisioning.resolve", trace.WithAttributes(
		attribute.String("decision.id", decisionID),
		attribute.String("contact.id", req.ContactID),
		attribute.Bool("dry_run", dryRun),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		e.metrics.ObserveResolution(dryRun, err, time.Since(started))
	}()

	snap := e.catalog.Snapshot()
	decision, ok := snap.Decision(decisionID)
	if !ok {
		return models.ResolutionResult{}, &NotFoundError{Entity: "decision", ID: decisionID}
	}

	contact, err := e.loadContact(ctx, req.ContactID)
	if err != nil {
		return models.ResolutionResult{}, err
	}

	now := e.now()
	r := &run{
		engine:   e,
		snap:     snap,
		decision: decision,
		contact:  contact,
		facts:    e.eval.NewFacts(contact.ID, contact.Attributes),
		input:    ranking.Input{Profile: contact.Attributes, Context: req.Context},
		now:      now,
		dryRun:   dryRun,
	}

	result = models.ResolutionResult{
		DecisionID: decision.ID,
		ContactID:  contact.ID,
		ResolvedAt: now,
		Placements: make([]models.PlacementResult, 0, len(decision.Slots)),
		Simulated:  dryRun,
	}
	for _, slot := range decision.Slots {
		result.Placements = append(result.Placements, r.slot(ctx, slot, req.Context))
	}

	e.log.Debug().
		Str("decision_id", decision.ID).
		Str("contact_id", contact.ID).
		Bool("dry_run", dryRun).
		Int("placements", len(result.Placements)).
		Msg("decision resolved")
	return result, nil
}

func (e *Engine) loadContact(ctx context.Context, contactID string) (models.Contact, error) {
	contact, err := e.contacts.GetContact(ctx, contactID)
	if errors.Is(err, repository.ErrNotFound) {
		return models.Contact{}, &NotFoundError{Entity: "contact", ID: contactID}
	}
	if err != nil {
		return models.Contact{}, fmt.Errorf("failed to load contact: %w", err)
	}
	if contact.Attributes == nil {
		contact.Attributes = models.Profile{}
	}
	return contact, nil
}

// EvaluateEligibility reports whether the contact satisfies the rule.
func (e *Engine) EvaluateEligibility(ctx context.Context, ruleID, contactID string) (bool, error) {
	rule, ok := e.catalog.Snapshot().Rule(ruleID)
	if !ok {
		return false, &NotFoundError{Entity: "rule", ID: ruleID}
	}
	contact, err := e.loadContact(ctx, contactID)
	if err != nil {
		return false, err
	}
	return e.eval.Evaluate(ctx, &rule, e.eval.NewFacts(contact.ID, contact.Attributes)), nil
}

// CheckConstraints runs the cap checks of an offer for a contact and placement.
func (e *Engine) CheckConstraints(ctx context.Context, offerID, contactID, placementID string, at time.Time) (capping.Verdict, error) {
	snap := e.catalog.Snapshot()
	if _, ok := snap.Offer(offerID); !ok {
		return capping.Verdict{}, &NotFoundError{Entity: "offer", ID: offerID}
	}
	if at.IsZero() {
		at = e.now()
	}
	return e.checker.Check(ctx, snap.Constraint(offerID), contactID, placementID, at), nil
}

// ResolveCollection previews the offers of a collection.
func (e *Engine) ResolveCollection(collectionID string) ([]models.Offer, error) {
	snap := e.catalog.Snapshot()
	col, ok := snap.Collection(collectionID)
	if !ok {
		return nil, &NotFoundError{Entity: "collection", ID: collectionID}
	}
	return collection.Resolve(snap, col), nil
}

// formulaStrategy compiles each distinct expression once.
func (e *Engine) formulaStrategy(expression string) (*ranking.FormulaStrategy, error) {
	if s, ok := e.formulas.Load(expression); ok {
		return s.(*ranking.FormulaStrategy), nil
	}
	s, err := ranking.NewFormulaStrategy(expression, e.log)
	if err != nil {
		return nil, err
	}
	e.formulas.Store(expression, s)
	return s, nil
}
