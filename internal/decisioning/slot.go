package decisioning

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"offer-decisioning-api/internal/catalog"
	"offer-decisioning-api/internal/collection"
	"offer-decisioning-api/internal/eligibility"
	"offer-decisioning-api/internal/models"
	"offer-decisioning-api/internal/ranking"
)

// run carries the state shared by the slots of one resolution.
type run struct {
	engine   *Engine
	snap     *catalog.Snapshot
	decision models.Decision
	contact  models.Contact
	facts    *eligibility.Facts
	input    ranking.Input
	now      time.Time
	dryRun   bool
}

func (r *run) slot(ctx context.Context, slot models.PlacementSlot, reqCtx map[string]any) models.PlacementResult {
	e := r.engine
	ctx, span := e.tracer.Start(ctx, "decisioning.slot", trace.WithAttributes(
		attribute.String("placement.id", slot.PlacementID),
	))
	defer span.End()

	placement, ok := r.snap.Placement(slot.PlacementID)
	if !ok {
		r.degrade("missing_placement", "placement not found, serving one item", slot.PlacementID)
		placement = models.Placement{ID: slot.PlacementID, Name: slot.PlacementID, MaxItems: 1}
	}

	strategy, hasStrategy := r.strategy(slot)

	candidates := r.candidates(strategy, hasStrategy)
	evaluated := len(candidates)

	candidates = r.keep(candidates, reasonInactive, func(o models.Offer) bool {
		return o.ActiveAt(r.now)
	})
	candidates = r.keep(candidates, reasonNoRepresentation, func(o models.Offer) bool {
		_, ok := r.snap.Representation(o.ID, placement.ID)
		return ok
	})

	// the strategy rule only reads the contact, so it is evaluated once
	strategyPass := true
	if hasStrategy && strategy.RuleID != "" {
		strategyPass = e.eval.Evaluate(ctx, r.rule(strategy.RuleID), r.facts)
	}
	candidates = r.keep(candidates, reasonIneligible, func(o models.Offer) bool {
		if !strategyPass {
			return false
		}
		if o.RuleID == "" {
			return true
		}
		return e.eval.Evaluate(ctx, r.rule(o.RuleID), r.facts)
	})
	candidates = r.keep(candidates, reasonCapped, func(o models.Offer) bool {
		return e.checker.Allowed(ctx, r.snap.Constraint(o.ID), r.contact.ID, placement.ID, r.now)
	})

	ranked := ranking.Rank(ctx, r.ranker(strategy, hasStrategy), candidates, r.input)
	limit := placement.Limit()

	selected := make([]models.SelectedOffer, 0, min(len(ranked), limit))
	for _, c := range ranked {
		if len(selected) == limit {
			break
		}
		sel := models.SelectedOffer{Offer: c.Offer, Score: c.Score}
		if !r.dryRun && !r.reserve(ctx, placement, &sel, reqCtx) {
			// a concurrent resolution took the last capped slot
			e.metrics.RecordFiltered(reasonCapped, 1)
			continue
		}
		selected = append(selected, sel)
	}

	fallbackUsed := false
	if len(selected) == 0 && slot.FallbackOfferID != "" {
		if fb, ok := r.snap.Offer(slot.FallbackOfferID); ok {
			sel := models.SelectedOffer{Offer: fb, IsFallback: true}
			if !r.dryRun {
				r.propose(ctx, placement, &sel, reqCtx)
			}
			selected = append(selected, sel)
			fallbackUsed = true
			e.metrics.RecordFallback(placement.ID)
		} else {
			r.degrade("missing_fallback", "fallback offer not found", slot.FallbackOfferID)
		}
	}

	for i := range selected {
		if rep, ok := r.snap.Representation(selected[i].Offer.ID, placement.ID); ok {
			selected[i].Content = rep.Content
		}
	}

	span.SetAttributes(
		attribute.Int("candidates.evaluated", evaluated),
		attribute.Int("offers.selected", len(selected)),
		attribute.Bool("fallback.used", fallbackUsed),
	)
	return models.PlacementResult{
		Placement:           placement,
		Offers:              selected,
		FallbackUsed:        fallbackUsed,
		CandidatesEvaluated: evaluated,
	}
}

// strategy looks up the slot's strategy. A dangling reference behaves like no strategy.
func (r *run) strategy(slot models.PlacementSlot) (models.SelectionStrategy, bool) {
	if slot.StrategyID == "" {
		return models.SelectionStrategy{}, false
	}
	s, ok := r.snap.Strategy(slot.StrategyID)
	if !ok {
		r.degrade("missing_strategy", "strategy not found, using all live offers", slot.StrategyID)
	}
	return s, ok
}

// candidates returns the live personalized offers the strategy's collection
// yields, or every live personalized offer when there is no collection.
func (r *run) candidates(s models.SelectionStrategy, has bool) []models.Offer {
	if !has || s.CollectionID == "" {
		return r.snap.CandidateOffers()
	}
	col, ok := r.snap.Collection(s.CollectionID)
	if !ok {
		r.degrade("missing_collection", "collection not found, using all live offers", s.CollectionID)
		return r.snap.CandidateOffers()
	}
	offers := collection.Resolve(r.snap, col)
	out := offers[:0]
	for _, o := range offers {
		if o.IsCandidate() {
			out = append(out, o)
		}
	}
	return out
}

func (r *run) rule(id string) *models.DecisionRule {
	rule, ok := r.snap.Rule(id)
	if !ok {
		r.degrade("missing_rule", "rule not found, treating as no rule", id)
		return nil
	}
	return &rule
}

func (r *run) ranker(s models.SelectionStrategy, has bool) ranking.Strategy {
	e := r.engine
	if !has {
		return ranking.PriorityStrategy{}
	}
	switch s.RankingMethod {
	case models.RankingFormula:
		f, ok := r.snap.Formula(s.FormulaID)
		if !ok {
			r.degrade("missing_formula", "formula not found, ranking by priority", s.FormulaID)
			return ranking.PriorityStrategy{}
		}
		fs, err := e.formulaStrategy(f.Expression)
		if err != nil {
			e.log.Warn().Err(err).Str("formula_id", f.ID).Msg("invalid formula, ranking by priority")
			e.metrics.RecordDegradation("invalid_formula")
			return ranking.PriorityStrategy{}
		}
		return fs
	case models.RankingAI:
		var model *models.AIModel
		if s.ModelID != "" {
			if m, ok := r.snap.Model(s.ModelID); ok {
				model = &m
			} else {
				r.degrade("missing_model", "model not found, using default weights", s.ModelID)
			}
		}
		return ranking.NewAIScoreStrategy(e.ledger, model, e.log)
	}
	return ranking.PriorityStrategy{}
}

// keep filters offers in place and counts what was dropped.
func (r *run) keep(offers []models.Offer, reason string, pass func(models.Offer) bool) []models.Offer {
	out := offers[:0]
	for _, o := range offers {
		if pass(o) {
			out = append(out, o)
		}
	}
	if dropped := len(offers) - len(out); dropped > 0 {
		r.engine.metrics.RecordFiltered(reason, dropped)
		r.engine.log.Debug().Str("reason", reason).Int("dropped", dropped).Msg("candidates filtered")
	}
	return out
}

func (r *run) proposition(placement models.Placement, sel *models.SelectedOffer, reqCtx map[string]any) models.Proposition {
	return models.Proposition{
		OfferID:     sel.Offer.ID,
		ContactID:   r.contact.ID,
		DecisionID:  r.decision.ID,
		PlacementID: placement.ID,
		Channel:     placement.Channel,
		IsFallback:  sel.IsFallback,
		Context:     reqCtx,
		CreatedAt:   r.now,
	}
}

// reserve re-checks the offer's caps and records its proposition atomically
// per offer. It returns false when the caps no longer allow the offer. A
// ledger write failure keeps the offer selected without a proposition ID.
func (r *run) reserve(ctx context.Context, placement models.Placement, sel *models.SelectedOffer, reqCtx map[string]any) bool {
	e := r.engine
	constraint := r.snap.Constraint(sel.Offer.ID)
	if constraint == nil {
		r.propose(ctx, placement, sel, reqCtx)
		return true
	}
	p, ok, err := e.ledger.AppendIf(ctx, r.proposition(placement, sel, reqCtx), func(ctx context.Context) bool {
		return e.checker.Allowed(ctx, constraint, r.contact.ID, placement.ID, r.now)
	})
	if err != nil {
		e.log.Error().Err(err).Str("offer_id", sel.Offer.ID).Str("placement_id", placement.ID).Msg("failed to record proposition")
		return true
	}
	if !ok {
		return false
	}
	sel.PropositionID = p.ID
	e.metrics.RecordProposition(p.IsFallback)
	return true
}

// propose records an uncapped proposition, fallbacks included.
func (r *run) propose(ctx context.Context, placement models.Placement, sel *models.SelectedOffer, reqCtx map[string]any) {
	e := r.engine
	p, err := e.ledger.Append(ctx, r.proposition(placement, sel, reqCtx))
	if err != nil {
		e.log.Error().Err(err).Str("offer_id", sel.Offer.ID).Str("placement_id", placement.ID).Msg("failed to record proposition")
		return
	}
	sel.PropositionID = p.ID
	e.metrics.RecordProposition(p.IsFallback)
}

func (r *run) degrade(kind, msg, id string) {
	r.engine.metrics.RecordDegradation(kind)
	r.engine.log.Warn().Str("decision_id", r.decision.ID).Str("ref", id).Msg(msg)
}
