// Package catalog owns the decisioning configuration: offers and their
// lifecycle, placements, representations, collections, rules, strategies,
// formulas, AI models, decisions and constraints.
//
// Writes go to the store first and are then applied to a fresh copy of the
// current Snapshot, which is swapped in atomically. Readers never block.
package catalog

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"offer-decisioning-api/internal/models"
	"offer-decisioning-api/internal/repository"
	"offer-decisioning-api/internal/validation"
)

// TransitionError is returned when a lifecycle action is not allowed from
// the offer's current status.
type TransitionError struct {
	OfferID string
	From    models.OfferStatus
	Action  string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot %s offer %s in status %s", e.Action, e.OfferID, e.From)
}

// StatusChange is the result of a successful lifecycle transition.
type StatusChange struct {
	Offer models.Offer
	From  models.OfferStatus
}

// Catalog is the single writer of decisioning configuration. Reads go
// through Snapshot.
type Catalog struct {
	store   repository.ConfigStore
	current atomic.Pointer[Snapshot]
	mu      sync.Mutex // serialises writers and reloads
	reloads singleflight.Group
	now     func() time.Time
	log     zerolog.Logger
}

// Option configures a Catalog.
type Option func(*Catalog)

// WithClock overrides time.Now for record timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Catalog) { c.now = now }
}

// New creates a catalog with an empty snapshot. Call Reload to load the store.
func New(store repository.ConfigStore, log zerolog.Logger, opts ...Option) *Catalog {
	c := &Catalog{store: store, now: time.Now, log: log}
	for _, opt := range opts {
		opt(c)
	}
	c.current.Store(emptySnapshot())
	return c
}

// Snapshot returns the current configuration view.
func (c *Catalog) Snapshot() *Snapshot {
	return c.current.Load()
}

// Reload rebuilds the snapshot from the store. Concurrent calls share one load.
func (c *Catalog) Reload(ctx context.Context) error {
	_, err, _ := c.reloads.Do("reload", func() (any, error) {
		c.mu.Lock()
		defer c.mu.Unlock()

		next, err := c.load(ctx)
		if err != nil {
			return nil, err
		}
		next.Version = c.current.Load().Version + 1
		c.current.Store(next)
		c.log.Debug().Uint64("version", next.Version).Int("offers", len(next.offers)).Msg("catalog snapshot reloaded")
		return nil, nil
	})
	return err
}

func (c *Catalog) load(ctx context.Context) (*Snapshot, error) {
	s := emptySnapshot()

	offers, err := c.store.ListOffers(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load offers: %w", err)
	}
	for _, o := range offers {
		s.offers[o.ID] = o
	}

	placements, err := c.store.ListPlacements(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load placements: %w", err)
	}
	for _, p := range placements {
		s.placements[p.ID] = p
	}

	reps, err := c.store.ListRepresentations(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load representations: %w", err)
	}
	for _, r := range reps {
		s.representations[repKey(r.OfferID, r.PlacementID)] = r
	}

	collections, err := c.store.ListCollections(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load collections: %w", err)
	}
	for _, col := range collections {
		s.collections[col.ID] = col
	}

	rules, err := c.store.ListRules(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load rules: %w", err)
	}
	for _, r := range rules {
		s.rules[r.ID] = r
	}

	strategies, err := c.store.ListStrategies(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load strategies: %w", err)
	}
	for _, st := range strategies {
		s.strategies[st.ID] = st
	}

	formulas, err := c.store.ListFormulas(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load formulas: %w", err)
	}
	for _, f := range formulas {
		s.formulas[f.ID] = f
	}

	aiModels, err := c.store.ListModels(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load models: %w", err)
	}
	for _, m := range aiModels {
		s.aiModels[m.ID] = m
	}

	decisions, err := c.store.ListDecisions(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load decisions: %w", err)
	}
	for _, d := range decisions {
		s.decisions[d.ID] = d
	}

	constraints, err := c.store.ListConstraints(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load constraints: %w", err)
	}
	for _, con := range constraints {
		s.constraints[con.OfferID] = con
	}

	return s, nil
}

// apply persists a change and publishes a patched snapshot.
func (c *Catalog) apply(persist func() error, patch func(next *Snapshot)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := persist(); err != nil {
		return err
	}
	next := c.current.Load().clone()
	patch(next)
	c.current.Store(next)
	return nil
}

func (c *Catalog) stamp(id *string, created, updated *time.Time) {
	now := c.now().UTC()
	if *id == "" {
		*id = uuid.New().String()
	}
	if created.IsZero() {
		*created = now
	}
	*updated = now
}

func notFound(entity, id string) error {
	return fmt.Errorf("%s %s: %w", entity, id, repository.ErrNotFound)
}

// CreateOffer stores a new offer. Offers start as drafts unless a status is given.
func (c *Catalog) CreateOffer(ctx context.Context, offer models.Offer) (models.Offer, error) {
	offer.Name = validation.SanitizeString(offer.Name)
	if offer.Type == "" {
		offer.Type = models.OfferTypePersonalized
	}
	if offer.Status == "" {
		offer.Status = models.OfferStatusDraft
	}
	if err := validation.ValidateOffer(offer); err != nil {
		return models.Offer{}, err
	}
	c.stamp(&offer.ID, &offer.CreatedAt, &offer.UpdatedAt)

	err := c.apply(func() error {
		if err := c.store.SaveOffer(ctx, offer); err != nil {
			return fmt.Errorf("failed to save offer: %w", err)
		}
		return nil
	}, func(next *Snapshot) {
		next.offers[offer.ID] = offer
	})
	if err != nil {
		return models.Offer{}, err
	}
	return offer, nil
}

func (c *Catalog) GetOffer(id string) (models.Offer, error) {
	o, ok := c.Snapshot().Offer(id)
	if !ok {
		return models.Offer{}, notFound("offer", id)
	}
	return o, nil
}

// Approve moves a draft offer to approved.
func (c *Catalog) Approve(ctx context.Context, id string) (StatusChange, error) {
	return c.transition(ctx, id, "approve", models.OfferStatusApproved, func(from models.OfferStatus) bool {
		return from == models.OfferStatusDraft
	})
}

// Publish makes a draft or approved offer live.
func (c *Catalog) Publish(ctx context.Context, id string) (StatusChange, error) {
	return c.transition(ctx, id, "publish", models.OfferStatusLive, func(from models.OfferStatus) bool {
		return from == models.OfferStatusDraft || from == models.OfferStatusApproved
	})
}

// Archive retires an offer. Archived is terminal.
func (c *Catalog) Archive(ctx context.Context, id string) (StatusChange, error) {
	return c.transition(ctx, id, "archive", models.OfferStatusArchived, func(from models.OfferStatus) bool {
		return from != models.OfferStatusArchived
	})
}

func (c *Catalog) transition(ctx context.Context, id, action string, to models.OfferStatus, allowed func(models.OfferStatus) bool) (StatusChange, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	offer, ok := c.current.Load().Offer(id)
	if !ok {
		return StatusChange{}, notFound("offer", id)
	}
	from := offer.Status
	if !allowed(from) {
		return StatusChange{}, &TransitionError{OfferID: id, From: from, Action: action}
	}

	offer.Status = to
	offer.UpdatedAt = c.now().UTC()
	if err := c.store.SaveOffer(ctx, offer); err != nil {
		return StatusChange{}, fmt.Errorf("failed to save offer: %w", err)
	}
	next := c.current.Load().clone()
	next.offers[id] = offer
	c.current.Store(next)

	c.log.Info().Str("offer_id", id).Str("from", string(from)).Str("to", string(to)).Msg("offer status changed")
	return StatusChange{Offer: offer, From: from}, nil
}

// PutRepresentation creates or replaces the content of an offer for a placement.
func (c *Catalog) PutRepresentation(ctx context.Context, rep models.Representation) (models.Representation, error) {
	if err := validation.ValidateRepresentation(rep); err != nil {
		return models.Representation{}, err
	}
	snap := c.Snapshot()
	if _, ok := snap.Offer(rep.OfferID); !ok {
		return models.Representation{}, notFound("offer", rep.OfferID)
	}
	if _, ok := snap.Placement(rep.PlacementID); !ok {
		return models.Representation{}, notFound("placement", rep.PlacementID)
	}

	now := c.now().UTC()
	if existing, ok := snap.Representation(rep.OfferID, rep.PlacementID); ok {
		rep.CreatedAt = existing.CreatedAt
	} else {
		rep.CreatedAt = now
	}
	rep.UpdatedAt = now

	err := c.apply(func() error {
		if err := c.store.SaveRepresentation(ctx, rep); err != nil {
			return fmt.Errorf("failed to save representation: %w", err)
		}
		return nil
	}, func(next *Snapshot) {
		next.representations[repKey(rep.OfferID, rep.PlacementID)] = rep
	})
	if err != nil {
		return models.Representation{}, err
	}
	return rep, nil
}

func (c *Catalog) DeleteRepresentation(ctx context.Context, offerID, placementID string) error {
	if _, ok := c.Snapshot().Representation(offerID, placementID); !ok {
		return notFound("representation", repKey(offerID, placementID))
	}
	return c.apply(func() error {
		if err := c.store.DeleteRepresentation(ctx, offerID, placementID); err != nil {
			return fmt.Errorf("failed to delete representation: %w", err)
		}
		return nil
	}, func(next *Snapshot) {
		delete(next.representations, repKey(offerID, placementID))
	})
}

func (c *Catalog) CreatePlacement(ctx context.Context, p models.Placement) (models.Placement, error) {
	p.Name = validation.SanitizeString(p.Name)
	if p.Channel == "" {
		p.Channel = models.ChannelAny
	}
	if p.MaxItems == 0 {
		p.MaxItems = 1
	}
	if err := validation.ValidatePlacement(p); err != nil {
		return models.Placement{}, err
	}
	c.stamp(&p.ID, &p.CreatedAt, &p.UpdatedAt)

	err := c.apply(func() error {
		if err := c.store.SavePlacement(ctx, p); err != nil {
			return fmt.Errorf("failed to save placement: %w", err)
		}
		return nil
	}, func(next *Snapshot) {
		next.placements[p.ID] = p
	})
	if err != nil {
		return models.Placement{}, err
	}
	return p, nil
}

func (c *Catalog) CreateCollection(ctx context.Context, col models.Collection) (models.Collection, error) {
	col.Name = validation.SanitizeString(col.Name)
	if err := validation.ValidateCollection(col); err != nil {
		return models.Collection{}, err
	}
	c.stamp(&col.ID, &col.CreatedAt, &col.UpdatedAt)

	err := c.apply(func() error {
		if err := c.store.SaveCollection(ctx, col); err != nil {
			return fmt.Errorf("failed to save collection: %w", err)
		}
		return nil
	}, func(next *Snapshot) {
		next.collections[col.ID] = col
	})
	if err != nil {
		return models.Collection{}, err
	}
	return col, nil
}

func (c *Catalog) GetCollection(id string) (models.Collection, error) {
	col, ok := c.Snapshot().Collection(id)
	if !ok {
		return models.Collection{}, notFound("collection", id)
	}
	return col, nil
}

func (c *Catalog) CreateRule(ctx context.Context, rule models.DecisionRule) (models.DecisionRule, error) {
	rule.Name = validation.SanitizeString(rule.Name)
	if rule.Logic == "" {
		rule.Logic = models.LogicAnd
	}
	if err := validation.ValidateRule(rule); err != nil {
		return models.DecisionRule{}, err
	}
	rule.Logic = models.Logic(strings.ToUpper(string(rule.Logic)))
	c.stamp(&rule.ID, &rule.CreatedAt, &rule.UpdatedAt)

	err := c.apply(func() error {
		if err := c.store.SaveRule(ctx, rule); err != nil {
			return fmt.Errorf("failed to save rule: %w", err)
		}
		return nil
	}, func(next *Snapshot) {
		next.rules[rule.ID] = rule
	})
	if err != nil {
		return models.DecisionRule{}, err
	}
	return rule, nil
}

func (c *Catalog) GetRule(id string) (models.DecisionRule, error) {
	r, ok := c.Snapshot().Rule(id)
	if !ok {
		return models.DecisionRule{}, notFound("rule", id)
	}
	return r, nil
}

func (c *Catalog) CreateFormula(ctx context.Context, f models.Formula) (models.Formula, error) {
	f.Name = validation.SanitizeString(f.Name)
	if err := validation.ValidateFormula(f); err != nil {
		return models.Formula{}, err
	}
	c.stamp(&f.ID, &f.CreatedAt, &f.UpdatedAt)

	err := c.apply(func() error {
		if err := c.store.SaveFormula(ctx, f); err != nil {
			return fmt.Errorf("failed to save formula: %w", err)
		}
		return nil
	}, func(next *Snapshot) {
		next.formulas[f.ID] = f
	})
	if err != nil {
		return models.Formula{}, err
	}
	return f, nil
}

func (c *Catalog) CreateModel(ctx context.Context, m models.AIModel) (models.AIModel, error) {
	m.Name = validation.SanitizeString(m.Name)
	if err := validation.ValidateModel(m); err != nil {
		return models.AIModel{}, err
	}
	c.stamp(&m.ID, &m.CreatedAt, &m.UpdatedAt)

	err := c.apply(func() error {
		if err := c.store.SaveModel(ctx, m); err != nil {
			return fmt.Errorf("failed to save model: %w", err)
		}
		return nil
	}, func(next *Snapshot) {
		next.aiModels[m.ID] = m
	})
	if err != nil {
		return models.AIModel{}, err
	}
	return m, nil
}

func (c *Catalog) CreateStrategy(ctx context.Context, s models.SelectionStrategy) (models.SelectionStrategy, error) {
	s.Name = validation.SanitizeString(s.Name)
	if s.RankingMethod == "" {
		s.RankingMethod = models.RankingPriority
	}
	if err := validation.ValidateStrategy(s); err != nil {
		return models.SelectionStrategy{}, err
	}
	c.stamp(&s.ID, &s.CreatedAt, &s.UpdatedAt)

	err := c.apply(func() error {
		if err := c.store.SaveStrategy(ctx, s); err != nil {
			return fmt.Errorf("failed to save strategy: %w", err)
		}
		return nil
	}, func(next *Snapshot) {
		next.strategies[s.ID] = s
	})
	if err != nil {
		return models.SelectionStrategy{}, err
	}
	return s, nil
}

func (c *Catalog) CreateDecision(ctx context.Context, d models.Decision) (models.Decision, error) {
	d.Name = validation.SanitizeString(d.Name)
	if d.Status == "" {
		d.Status = models.DecisionDraft
	}
	if err := validation.ValidateDecision(d); err != nil {
		return models.Decision{}, err
	}
	c.stamp(&d.ID, &d.CreatedAt, &d.UpdatedAt)

	err := c.apply(func() error {
		if err := c.store.SaveDecision(ctx, d); err != nil {
			return fmt.Errorf("failed to save decision: %w", err)
		}
		return nil
	}, func(next *Snapshot) {
		next.decisions[d.ID] = d
	})
	if err != nil {
		return models.Decision{}, err
	}
	return d, nil
}

// PutConstraint creates or replaces the capping constraint of an offer.
func (c *Catalog) PutConstraint(ctx context.Context, con models.OfferConstraint) (models.OfferConstraint, error) {
	if con.FrequencyPeriod == "" {
		con.FrequencyPeriod = models.PeriodLifetime
	}
	if err := validation.ValidateConstraint(con); err != nil {
		return models.OfferConstraint{}, err
	}
	snap := c.Snapshot()
	if _, ok := snap.Offer(con.OfferID); !ok {
		return models.OfferConstraint{}, notFound("offer", con.OfferID)
	}

	now := c.now().UTC()
	con.CreatedAt = now
	if existing := snap.Constraint(con.OfferID); existing != nil {
		con.CreatedAt = existing.CreatedAt
	}
	con.UpdatedAt = now

	err := c.apply(func() error {
		if err := c.store.SaveConstraint(ctx, con); err != nil {
			return fmt.Errorf("failed to save constraint: %w", err)
		}
		return nil
	}, func(next *Snapshot) {
		next.constraints[con.OfferID] = con
	})
	if err != nil {
		return models.OfferConstraint{}, err
	}
	return con, nil
}
