// Package repository declares the storage contracts the decisioning engine
// depends on. Each entity has its own interface so the engine can be wired
// against SQLite in production and in-memory fakes in tests.
package repository

import (
	"context"
	"errors"

	"offer-decisioning-api/internal/models"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// OfferRepository stores offers. DeleteOffer also removes the offer's
// representations and constraint.
type OfferRepository interface {
	ListOffers(ctx context.Context) ([]models.Offer, error)
	SaveOffer(ctx context.Context, offer models.Offer) error
	DeleteOffer(ctx context.Context, id string) error
}

// PlacementRepository stores placements. DeletePlacement also removes the
// representations targeting the placement.
type PlacementRepository interface {
	ListPlacements(ctx context.Context) ([]models.Placement, error)
	SavePlacement(ctx context.Context, placement models.Placement) error
	DeletePlacement(ctx context.Context, id string) error
}

// RepresentationRepository stores content keyed by the (offer, placement) pair.
type RepresentationRepository interface {
	ListRepresentations(ctx context.Context) ([]models.Representation, error)
	SaveRepresentation(ctx context.Context, rep models.Representation) error
	DeleteRepresentation(ctx context.Context, offerID, placementID string) error
}

type CollectionRepository interface {
	ListCollections(ctx context.Context) ([]models.Collection, error)
	SaveCollection(ctx context.Context, collection models.Collection) error
	DeleteCollection(ctx context.Context, id string) error
}

type RuleRepository interface {
	ListRules(ctx context.Context) ([]models.DecisionRule, error)
	SaveRule(ctx context.Context, rule models.DecisionRule) error
	DeleteRule(ctx context.Context, id string) error
}

type StrategyRepository interface {
	ListStrategies(ctx context.Context) ([]models.SelectionStrategy, error)
	SaveStrategy(ctx context.Context, strategy models.SelectionStrategy) error
	DeleteStrategy(ctx context.Context, id string) error
}

type FormulaRepository interface {
	ListFormulas(ctx context.Context) ([]models.Formula, error)
	SaveFormula(ctx context.Context, formula models.Formula) error
}

type ModelRepository interface {
	ListModels(ctx context.Context) ([]models.AIModel, error)
	SaveModel(ctx context.Context, model models.AIModel) error
}

type DecisionRepository interface {
	ListDecisions(ctx context.Context) ([]models.Decision, error)
	SaveDecision(ctx context.Context, decision models.Decision) error
	DeleteDecision(ctx context.Context, id string) error
}

// ConstraintRepository stores at most one constraint per offer.
type ConstraintRepository interface {
	ListConstraints(ctx context.Context) ([]models.OfferConstraint, error)
	SaveConstraint(ctx context.Context, constraint models.OfferConstraint) error
	DeleteConstraint(ctx context.Context, offerID string) error
}

// ConfigStore groups the repositories holding decisioning configuration.
// Reads go through full listings; the catalog serves lookups from its snapshot.
type ConfigStore interface {
	OfferRepository
	PlacementRepository
	RepresentationRepository
	CollectionRepository
	RuleRepository
	StrategyRepository
	FormulaRepository
	ModelRepository
	DecisionRepository
	ConstraintRepository
}

type ContactRepository interface {
	GetContact(ctx context.Context, id string) (models.Contact, error)
	SaveContact(ctx context.Context, contact models.Contact) error
}

type OrderRepository interface {
	AddOrder(ctx context.Context, order models.Order) error
	OrderSummary(ctx context.Context, contactID string) (models.OrderSummary, error)
}

type ActivityRepository interface {
	AddActivity(ctx context.Context, activity models.Activity) error
	ActivitySummary(ctx context.Context, contactID string) (models.ActivitySummary, error)
}

// PropositionRepository is the durable side of the proposition ledger.
// Propositions are never deleted; only their status moves.
type PropositionRepository interface {
	AppendProposition(ctx context.Context, p models.Proposition) error
	GetProposition(ctx context.Context, id string) (models.Proposition, error)
	// RecordEvent appends event and, when status is not empty, moves the
	// event's proposition to status in the same write.
	RecordEvent(ctx context.Context, event models.OfferEvent, status models.PropositionStatus) error
	ListEvents(ctx context.Context, propositionID string) ([]models.OfferEvent, error)
	CountPropositions(ctx context.Context) (int, error)
	ForEachProposition(ctx context.Context, fn func(models.Proposition) error) error
}
