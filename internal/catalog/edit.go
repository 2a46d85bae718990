package catalog

import (
	"context"
	"fmt"
	"strings"

	"offer-decisioning-api/internal/models"
	"offer-decisioning-api/internal/validation"
)

// InUseError is returned when a record cannot be deleted because other
// configuration still references it.
type InUseError struct {
	Entity string
	ID     string
	By     string
}

func (e *InUseError) Error() string {
	return fmt.Sprintf("%s %s is still referenced by %s", e.Entity, e.ID, e.By)
}

// replace persists an edit of an existing record. lookup runs under the
// writer lock against the current snapshot, so an edit cannot resurrect a
// record deleted concurrently.
func (c *Catalog) replace(entity, id string, lookup func(s *Snapshot) bool, persist func() error, patch func(next *Snapshot)) error {
	return c.apply(func() error {
		if !lookup(c.current.Load()) {
			return notFound(entity, id)
		}
		if err := persist(); err != nil {
			return fmt.Errorf("failed to save %s: %w", entity, err)
		}
		return nil
	}, patch)
}

// remove deletes a record once check, run under the writer lock, finds
// nothing that still depends on it.
func (c *Catalog) remove(entity, id string, check func(s *Snapshot) error, del func() error, patch func(next *Snapshot)) error {
	err := c.apply(func() error {
		if err := check(c.current.Load()); err != nil {
			return err
		}
		if err := del(); err != nil {
			return fmt.Errorf("failed to delete %s: %w", entity, err)
		}
		return nil
	}, patch)
	if err == nil {
		c.log.Info().Str("entity", entity).Str("id", id).Msg("configuration deleted")
	}
	return err
}

// UpdateOffer replaces the editable fields of an offer. Status only moves
// through the lifecycle actions and is kept.
func (c *Catalog) UpdateOffer(ctx context.Context, id string, offer models.Offer) (models.Offer, error) {
	offer.ID = id
	offer.Name = validation.SanitizeString(offer.Name)
	if offer.Type == "" {
		offer.Type = models.OfferTypePersonalized
	}
	offer.Status = ""
	if err := validation.ValidateOffer(offer); err != nil {
		return models.Offer{}, err
	}

	err := c.replace("offer", id, func(s *Snapshot) bool {
		existing, ok := s.Offer(id)
		offer.Status = existing.Status
		offer.CreatedAt = existing.CreatedAt
		return ok
	}, func() error {
		offer.UpdatedAt = c.now().UTC()
		return c.store.SaveOffer(ctx, offer)
	}, func(next *Snapshot) {
		next.offers[id] = offer
	})
	if err != nil {
		return models.Offer{}, err
	}
	return offer, nil
}

// DeleteOffer removes a draft, approved or archived offer with its
// representations and constraint. Live offers must be archived first, and
// offers still used as a fallback or listed in a static collection stay.
func (c *Catalog) DeleteOffer(ctx context.Context, id string) error {
	return c.remove("offer", id, func(s *Snapshot) error {
		offer, ok := s.Offer(id)
		if !ok {
			return notFound("offer", id)
		}
		if offer.Status == models.OfferStatusLive {
			return &TransitionError{OfferID: id, From: offer.Status, Action: "delete"}
		}
		for _, d := range s.Decisions() {
			for _, slot := range d.Slots {
				if slot.FallbackOfferID == id {
					return &InUseError{Entity: "offer", ID: id, By: "decision " + d.ID}
				}
			}
		}
		for _, col := range s.Collections() {
			for _, offerID := range col.OfferIDs {
				if offerID == id {
					return &InUseError{Entity: "offer", ID: id, By: "collection " + col.ID}
				}
			}
		}
		return nil
	}, func() error {
		return c.store.DeleteOffer(ctx, id)
	}, func(next *Snapshot) {
		delete(next.offers, id)
		delete(next.constraints, id)
		for k, rep := range next.representations {
			if rep.OfferID == id {
				delete(next.representations, k)
			}
		}
	})
}

func (c *Catalog) UpdatePlacement(ctx context.Context, id string, p models.Placement) (models.Placement, error) {
	p.ID = id
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

	err := c.replace("placement", id, func(s *Snapshot) bool {
		existing, ok := s.Placement(id)
		p.CreatedAt = existing.CreatedAt
		return ok
	}, func() error {
		p.UpdatedAt = c.now().UTC()
		return c.store.SavePlacement(ctx, p)
	}, func(next *Snapshot) {
		next.placements[id] = p
	})
	if err != nil {
		return models.Placement{}, err
	}
	return p, nil
}

// DeletePlacement removes a placement no decision slot targets, along with
// the representations written for it.
func (c *Catalog) DeletePlacement(ctx context.Context, id string) error {
	return c.remove("placement", id, func(s *Snapshot) error {
		if _, ok := s.Placement(id); !ok {
			return notFound("placement", id)
		}
		for _, d := range s.Decisions() {
			for _, slot := range d.Slots {
				if slot.PlacementID == id {
					return &InUseError{Entity: "placement", ID: id, By: "decision " + d.ID}
				}
			}
		}
		return nil
	}, func() error {
		return c.store.DeletePlacement(ctx, id)
	}, func(next *Snapshot) {
		delete(next.placements, id)
		for k, rep := range next.representations {
			if rep.PlacementID == id {
				delete(next.representations, k)
			}
		}
	})
}

func (c *Catalog) UpdateCollection(ctx context.Context, id string, col models.Collection) (models.Collection, error) {
	col.ID = id
	col.Name = validation.SanitizeString(col.Name)
	if err := validation.ValidateCollection(col); err != nil {
		return models.Collection{}, err
	}

	err := c.replace("collection", id, func(s *Snapshot) bool {
		existing, ok := s.Collection(id)
		col.CreatedAt = existing.CreatedAt
		return ok
	}, func() error {
		col.UpdatedAt = c.now().UTC()
		return c.store.SaveCollection(ctx, col)
	}, func(next *Snapshot) {
		next.collections[id] = col
	})
	if err != nil {
		return models.Collection{}, err
	}
	return col, nil
}

func (c *Catalog) DeleteCollection(ctx context.Context, id string) error {
	return c.remove("collection", id, func(s *Snapshot) error {
		if _, ok := s.Collection(id); !ok {
			return notFound("collection", id)
		}
		for _, st := range s.Strategies() {
			if st.CollectionID == id {
				return &InUseError{Entity: "collection", ID: id, By: "strategy " + st.ID}
			}
		}
		return nil
	}, func() error {
		return c.store.DeleteCollection(ctx, id)
	}, func(next *Snapshot) {
		delete(next.collections, id)
	})
}

func (c *Catalog) UpdateRule(ctx context.Context, id string, rule models.DecisionRule) (models.DecisionRule, error) {
	rule.ID = id
	rule.Name = validation.SanitizeString(rule.Name)
	if rule.Logic == "" {
		rule.Logic = models.LogicAnd
	}
	if err := validation.ValidateRule(rule); err != nil {
		return models.DecisionRule{}, err
	}
	rule.Logic = models.Logic(strings.ToUpper(string(rule.Logic)))

	err := c.replace("rule", id, func(s *Snapshot) bool {
		existing, ok := s.Rule(id)
		rule.CreatedAt = existing.CreatedAt
		return ok
	}, func() error {
		rule.UpdatedAt = c.now().UTC()
		return c.store.SaveRule(ctx, rule)
	}, func(next *Snapshot) {
		next.rules[id] = rule
	})
	if err != nil {
		return models.DecisionRule{}, err
	}
	return rule, nil
}

// DeleteRule removes a rule no offer or strategy uses. A dangling rule
// reference resolves as no rule, which would open the offer to everyone.
func (c *Catalog) DeleteRule(ctx context.Context, id string) error {
	return c.remove("rule", id, func(s *Snapshot) error {
		if _, ok := s.Rule(id); !ok {
			return notFound("rule", id)
		}
		for _, o := range s.Offers() {
			if o.RuleID == id {
				return &InUseError{Entity: "rule", ID: id, By: "offer " + o.ID}
			}
		}
		for _, st := range s.Strategies() {
			if st.RuleID == id {
				return &InUseError{Entity: "rule", ID: id, By: "strategy " + st.ID}
			}
		}
		return nil
	}, func() error {
		return c.store.DeleteRule(ctx, id)
	}, func(next *Snapshot) {
		delete(next.rules, id)
	})
}

func (c *Catalog) UpdateStrategy(ctx context.Context, id string, st models.SelectionStrategy) (models.SelectionStrategy, error) {
	st.ID = id
	st.Name = validation.SanitizeString(st.Name)
	if st.RankingMethod == "" {
		st.RankingMethod = models.RankingPriority
	}
	if err := validation.ValidateStrategy(st); err != nil {
		return models.SelectionStrategy{}, err
	}

	err := c.replace("strategy", id, func(s *Snapshot) bool {
		existing, ok := s.Strategy(id)
		st.CreatedAt = existing.CreatedAt
		return ok
	}, func() error {
		st.UpdatedAt = c.now().UTC()
		return c.store.SaveStrategy(ctx, st)
	}, func(next *Snapshot) {
		next.strategies[id] = st
	})
	if err != nil {
		return models.SelectionStrategy{}, err
	}
	return st, nil
}

func (c *Catalog) DeleteStrategy(ctx context.Context, id string) error {
	return c.remove("strategy", id, func(s *Snapshot) error {
		if _, ok := s.Strategy(id); !ok {
			return notFound("strategy", id)
		}
		for _, d := range s.Decisions() {
			for _, slot := range d.Slots {
				if slot.StrategyID == id {
					return &InUseError{Entity: "strategy", ID: id, By: "decision " + d.ID}
				}
			}
		}
		return nil
	}, func() error {
		return c.store.DeleteStrategy(ctx, id)
	}, func(next *Snapshot) {
		delete(next.strategies, id)
	})
}

// UpdateDecision replaces a decision's name, status and slots.
func (c *Catalog) UpdateDecision(ctx context.Context, id string, d models.Decision) (models.Decision, error) {
	d.ID = id
	d.Name = validation.SanitizeString(d.Name)
	if d.Status == "" {
		d.Status = models.DecisionDraft
	}
	if err := validation.ValidateDecision(d); err != nil {
		return models.Decision{}, err
	}

	err := c.replace("decision", id, func(s *Snapshot) bool {
		existing, ok := s.Decision(id)
		d.CreatedAt = existing.CreatedAt
		return ok
	}, func() error {
		d.UpdatedAt = c.now().UTC()
		return c.store.SaveDecision(ctx, d)
	}, func(next *Snapshot) {
		next.decisions[id] = d
	})
	if err != nil {
		return models.Decision{}, err
	}
	return d, nil
}

func (c *Catalog) DeleteDecision(ctx context.Context, id string) error {
	return c.remove("decision", id, func(s *Snapshot) error {
		if _, ok := s.Decision(id); !ok {
			return notFound("decision", id)
		}
		return nil
	}, func() error {
		return c.store.DeleteDecision(ctx, id)
	}, func(next *Snapshot) {
		delete(next.decisions, id)
	})
}

// DeleteConstraint lifts every cap of an offer.
func (c *Catalog) DeleteConstraint(ctx context.Context, offerID string) error {
	return c.remove("constraint", offerID, func(s *Snapshot) error {
		if s.Constraint(offerID) == nil {
			return notFound("constraint", offerID)
		}
		return nil
	}, func() error {
		return c.store.DeleteConstraint(ctx, offerID)
	}, func(next *Snapshot) {
		delete(next.constraints, offerID)
	})
}
