package decisioning

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"offer-decisioning-api/internal/capping"
	"offer-decisioning-api/internal/catalog"
	"offer-decisioning-api/internal/eligibility"
	"offer-decisioning-api/internal/ledger"
	"offer-decisioning-api/internal/metrics"
	"offer-decisioning-api/internal/models"
	"offer-decisioning-api/internal/repository"
)

type fixture struct {
	t       *testing.T
	ctx     context.Context
	now     time.Time
	store   *repository.Memory
	catalog *catalog.Catalog
	ledger  *ledger.Ledger
	engine  *Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		t:     t,
		ctx:   context.Background(),
		now:   time.Date(2025, 10, 22, 10, 0, 0, 0, time.UTC),
		store: repository.NewMemory(),
	}
	clock := func() time.Time { return f.now }

	f.catalog = catalog.New(f.store, zerolog.Nop(), catalog.WithClock(clock))
	f.ledger = ledger.New(f.store, ledger.NewMemoryCounters(), ledger.WithClock(clock), ledger.WithLocation(time.UTC))
	f.engine = NewEngine(Deps{
		Catalog:   f.catalog,
		Contacts:  f.store,
		Evaluator: eligibility.NewEvaluator(f.store, f.store, zerolog.Nop()),
		Checker:   capping.NewChecker(f.ledger, zerolog.Nop()),
		Ledger:    f.ledger,
		Metrics:   metrics.New(prometheus.NewRegistry()),
		Clock:     clock,
		Logger:    zerolog.Nop(),
	})
	return f
}

func (f *fixture) contact(id string, attrs models.Profile) {
	f.t.Helper()
	if err := f.store.SaveContact(f.ctx, models.Contact{ID: id, Attributes: attrs}); err != nil {
		f.t.Fatalf("Failed to save contact: %v", err)
	}
}

func (f *fixture) placement(id string, maxItems int) {
	f.t.Helper()
	if _, err := f.catalog.CreatePlacement(f.ctx, models.Placement{ID: id, Name: id, Channel: models.ChannelWeb, ContentType: models.ContentHTML, MaxItems: maxItems}); err != nil {
		f.t.Fatalf("Failed to create placement: %v", err)
	}
}

// offer creates a live personalized offer represented in the given placements.
func (f *fixture) offer(name string, priority int, tags []string, placements ...string) models.Offer {
	f.t.Helper()
	o, err := f.catalog.CreateOffer(f.ctx, models.Offer{
		ID:       uuid.New().String(),
		Name:     name,
		Type:     models.OfferTypePersonalized,
		Status:   models.OfferStatusLive,
		Priority: priority,
		Tags:     tags,
	})
	if err != nil {
		f.t.Fatalf("Failed to create offer: %v", err)
	}
	for _, p := range placements {
		f.represent(o.ID, p)
	}
	return o
}

func (f *fixture) represent(offerID, placementID string) {
	f.t.Helper()
	if _, err := f.catalog.PutRepresentation(f.ctx, models.Representation{OfferID: offerID, PlacementID: placementID, Content: "<div>" + offerID + "</div>"}); err != nil {
		f.t.Fatalf("Failed to put representation: %v", err)
	}
}

func (f *fixture) strategy(s models.SelectionStrategy) models.SelectionStrategy {
	f.t.Helper()
	if s.Name == "" {
		s.Name = "strategy"
	}
	s, err := f.catalog.CreateStrategy(f.ctx, s)
	if err != nil {
		f.t.Fatalf("Failed to create strategy: %v", err)
	}
	return s
}

func (f *fixture) saleStrategy() models.SelectionStrategy {
	f.t.Helper()
	col, err := f.catalog.CreateCollection(f.ctx, models.Collection{Name: "sale", Kind: models.CollectionDynamic, Tags: []string{"sale"}})
	if err != nil {
		f.t.Fatalf("Failed to create collection: %v", err)
	}
	return f.strategy(models.SelectionStrategy{CollectionID: col.ID, RankingMethod: models.RankingPriority})
}

func (f *fixture) decision(slots ...models.PlacementSlot) models.Decision {
	f.t.Helper()
	d, err := f.catalog.CreateDecision(f.ctx, models.Decision{Name: "decision", Status: models.DecisionLive, Slots: slots})
	if err != nil {
		f.t.Fatalf("Failed to create decision: %v", err)
	}
	return d
}

func (f *fixture) resolve(decisionID, contactID string) models.ResolutionResult {
	f.t.Helper()
	res, err := f.engine.Resolve(f.ctx, decisionID, models.ResolveRequest{ContactID: contactID})
	if err != nil {
		f.t.Fatalf("Failed to resolve: %v", err)
	}
	return res
}

func (f *fixture) propositions() int {
	f.t.Helper()
	n, err := f.ledger.Count(f.ctx)
	if err != nil {
		f.t.Fatalf("Failed to count propositions: %v", err)
	}
	return n
}

// heroSetup is a single hero slot over a dynamic "sale" collection with
// offers of priority 90, 60 and 30.
func heroSetup(t *testing.T) (*fixture, models.Decision, []models.Offer) {
	f := newFixture(t)
	f.placement("hero", 1)
	offers := []models.Offer{
		f.offer("ninety", 90, []string{"sale"}, "hero"),
		f.offer("sixty", 60, []string{"sale"}, "hero"),
		f.offer("thirty", 30, []string{"sale"}, "hero"),
	}
	s := f.saleStrategy()
	d := f.decision(models.PlacementSlot{PlacementID: "hero", StrategyID: s.ID})
	f.contact("c1", models.Profile{})
	f.contact("c2", models.Profile{})
	return f, d, offers
}

func onlyOffer(t *testing.T, res models.ResolutionResult) models.SelectedOffer {
	t.Helper()
	if len(res.Placements) != 1 {
		t.Fatalf("Expected 1 placement, got %d", len(res.Placements))
	}
	offers := res.Placements[0].Offers
	if len(offers) != 1 {
		t.Fatalf("Expected 1 offer, got %d", len(offers))
	}
	return offers[0]
}

func TestResolve_PicksHighestPriority(t *testing.T) {
	f, d, offers := heroSetup(t)

	res := f.resolve(d.ID, "c1")
	got := onlyOffer(t, res)
	if got.Offer.ID != offers[0].ID {
		t.Errorf("Expected priority-90 offer, got %s", got.Offer.Name)
	}
	if got.IsFallback || res.Placements[0].FallbackUsed {
		t.Error("Expected a regular offer")
	}
	if got.PropositionID == "" {
		t.Error("Expected a proposition ID")
	}
	if got.Content != "<div>"+offers[0].ID+"</div>" {
		t.Errorf("Unexpected content %v", got.Content)
	}
	if res.Placements[0].CandidatesEvaluated != 3 {
		t.Errorf("Expected 3 candidates evaluated, got %d", res.Placements[0].CandidatesEvaluated)
	}
	if f.propositions() != 1 {
		t.Errorf("Expected 1 proposition, got %d", f.propositions())
	}
}

func TestResolve_PerUserCapMovesToNextOffer(t *testing.T) {
	f, d, offers := heroSetup(t)
	if _, err := f.catalog.PutConstraint(f.ctx, models.OfferConstraint{OfferID: offers[0].ID, PerUserCap: 1, FrequencyPeriod: models.PeriodLifetime}); err != nil {
		t.Fatalf("Failed to put constraint: %v", err)
	}

	f.resolve(d.ID, "c1")
	got := onlyOffer(t, f.resolve(d.ID, "c1"))
	if got.Offer.ID != offers[1].ID {
		t.Errorf("Expected priority-60 offer after cap, got %s", got.Offer.Name)
	}

	// other contacts still get the top offer
	if got := onlyOffer(t, f.resolve(d.ID, "c2")); got.Offer.ID != offers[0].ID {
		t.Errorf("Expected priority-90 offer for another contact, got %s", got.Offer.Name)
	}
}

func TestResolve_ValidityWindow(t *testing.T) {
	f, d, offers := heroSetup(t)
	start := f.now.Add(time.Hour)
	end := start.Add(24 * time.Hour)

	top := offers[0]
	top.StartDate = &start
	top.EndDate = &end
	if _, err := f.catalog.UpdateOffer(f.ctx, top.ID, top); err != nil {
		t.Fatalf("Failed to update offer: %v", err)
	}

	tests := []struct {
		name string
		at   time.Time
		want string
	}{
		{"before start", f.now, offers[1].ID},
		{"at start", start, offers[0].ID},
		{"at end", end, offers[0].ID},
		{"after end", end.Add(time.Second), offers[1].ID},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f.now = tt.at
			if got := onlyOffer(t, f.resolve(d.ID, "c1")); got.Offer.ID != tt.want {
				t.Errorf("Expected %s, got %s", tt.want, got.Offer.ID)
			}
		})
	}
}

func TestResolve_ExpiredFallbackStillServed(t *testing.T) {
	f := newFixture(t)
	f.placement("hero", 1)
	yesterday := f.now.AddDate(0, 0, -1)

	for _, p := range []int{90, 60, 30} {
		o := f.offer("expired", p, []string{"sale"}, "hero")
		o.EndDate = &yesterday
		if err := f.store.SaveOffer(f.ctx, o); err != nil {
			t.Fatalf("Failed to save offer: %v", err)
		}
	}
	fb, err := f.catalog.CreateOffer(f.ctx, models.Offer{Name: "fallback", Type: models.OfferTypeFallback, Status: models.OfferStatusDraft, EndDate: &yesterday})
	if err != nil {
		t.Fatalf("Failed to create fallback: %v", err)
	}
	if err := f.catalog.Reload(f.ctx); err != nil {
		t.Fatalf("Failed to reload: %v", err)
	}

	s := f.saleStrategy()
	d := f.decision(models.PlacementSlot{PlacementID: "hero", StrategyID: s.ID, FallbackOfferID: fb.ID})
	f.contact("c1", nil)

	res := f.resolve(d.ID, "c1")
	got := onlyOffer(t, res)
	if got.Offer.ID != fb.ID || !got.IsFallback {
		t.Errorf("Expected fallback offer, got %s (fallback=%v)", got.Offer.Name, got.IsFallback)
	}
	if !res.Placements[0].FallbackUsed {
		t.Error("Expected fallback_used")
	}
	if got.PropositionID == "" || f.propositions() != 1 {
		t.Error("Expected the fallback to be recorded as a proposition")
	}
}

func TestSimulate_LeavesLedgerUnchanged(t *testing.T) {
	f, d, offers := heroSetup(t)
	f.resolve(d.ID, "c1")
	before := f.propositions()

	sim, err := f.engine.Simulate(f.ctx, d.ID, models.ResolveRequest{ContactID: "c2"})
	if err != nil {
		t.Fatalf("Failed to simulate: %v", err)
	}
	if !sim.Simulated {
		t.Error("Expected simulated flag")
	}
	got := onlyOffer(t, sim)
	if got.Offer.ID != offers[0].ID {
		t.Errorf("Expected priority-90 offer, got %s", got.Offer.Name)
	}
	if got.PropositionID != "" {
		t.Error("Expected no proposition ID in a simulation")
	}
	if after := f.propositions(); after != before {
		t.Errorf("Expected ledger count %d, got %d", before, after)
	}

	live := f.resolve(d.ID, "c2")
	if onlyOffer(t, live).Offer.ID != got.Offer.ID {
		t.Error("Expected simulate and resolve to select the same offer")
	}
}

func TestResolve_FormulaScore(t *testing.T) {
	f := newFixture(t)
	f.placement("hero", 1)
	o := f.offer("eighty", 80, nil, "hero")
	formula, err := f.catalog.CreateFormula(f.ctx, models.Formula{Name: "blend", Expression: "offer.priority*0.6 + profile.engagement_score*0.4"})
	if err != nil {
		t.Fatalf("Failed to create formula: %v", err)
	}
	s := f.strategy(models.SelectionStrategy{RankingMethod: models.RankingFormula, FormulaID: formula.ID})
	d := f.decision(models.PlacementSlot{PlacementID: "hero", StrategyID: s.ID})
	f.contact("c1", models.Profile{"engagement_score": 90})

	got := onlyOffer(t, f.resolve(d.ID, "c1"))
	if got.Offer.ID != o.ID {
		t.Fatalf("Expected offer %s, got %s", o.ID, got.Offer.ID)
	}
	if math.Abs(got.Score-84) > 1e-9 {
		t.Errorf("Expected score 84, got %v", got.Score)
	}
}

func TestResolve_InvalidStoredFormulaRanksByPriority(t *testing.T) {
	f := newFixture(t)
	f.placement("hero", 2)
	f.offer("low", 10, nil, "hero")
	high := f.offer("high", 70, nil, "hero")
	if err := f.store.SaveFormula(f.ctx, models.Formula{ID: "broken", Name: "broken", Expression: "offer.priority *"}); err != nil {
		t.Fatalf("Failed to save formula: %v", err)
	}
	if err := f.catalog.Reload(f.ctx); err != nil {
		t.Fatalf("Failed to reload: %v", err)
	}
	s := f.strategy(models.SelectionStrategy{RankingMethod: models.RankingFormula, FormulaID: "broken"})
	d := f.decision(models.PlacementSlot{PlacementID: "hero", StrategyID: s.ID})
	f.contact("c1", nil)

	res := f.resolve(d.ID, "c1")
	if res.Placements[0].Offers[0].Offer.ID != high.ID {
		t.Error("Expected priority ranking when the formula does not compile")
	}
}

func TestResolve_MaxItems(t *testing.T) {
	f := newFixture(t)
	f.placement("grid", 2)
	for _, p := range []int{10, 20, 30, 40} {
		f.offer("o", p, nil, "grid")
	}
	d := f.decision(models.PlacementSlot{PlacementID: "grid"})
	f.contact("c1", nil)

	res := f.resolve(d.ID, "c1")
	offers := res.Placements[0].Offers
	if len(offers) != 2 {
		t.Fatalf("Expected 2 offers, got %d", len(offers))
	}
	if offers[0].Offer.Priority != 40 || offers[1].Offer.Priority != 30 {
		t.Errorf("Expected priorities 40, 30, got %d, %d", offers[0].Offer.Priority, offers[1].Offer.Priority)
	}
	if f.propositions() != 2 {
		t.Errorf("Expected 2 propositions, got %d", f.propositions())
	}
}

func TestResolve_EmptyWithoutFallback(t *testing.T) {
	f := newFixture(t)
	f.placement("hero", 1)
	f.offer("unrepresented", 90, nil)
	d := f.decision(models.PlacementSlot{PlacementID: "hero"})
	f.contact("c1", nil)

	res := f.resolve(d.ID, "c1")
	p := res.Placements[0]
	if len(p.Offers) != 0 || p.FallbackUsed {
		t.Errorf("Expected empty placement without fallback, got %+v", p)
	}
	if f.propositions() != 0 {
		t.Errorf("Expected no propositions, got %d", f.propositions())
	}
}

func TestResolve_DailyCapResetsNextDay(t *testing.T) {
	f, d, offers := heroSetup(t)
	if _, err := f.catalog.PutConstraint(f.ctx, models.OfferConstraint{OfferID: offers[0].ID, PerUserCap: 1, FrequencyPeriod: models.PeriodDaily}); err != nil {
		t.Fatalf("Failed to put constraint: %v", err)
	}

	f.resolve(d.ID, "c1")
	f.now = f.now.Add(8 * time.Hour)
	if got := onlyOffer(t, f.resolve(d.ID, "c1")); got.Offer.ID == offers[0].ID {
		t.Error("Expected capped offer to be excluded later the same day")
	}

	f.now = time.Date(2025, 10, 23, 9, 0, 0, 0, time.UTC)
	if got := onlyOffer(t, f.resolve(d.ID, "c1")); got.Offer.ID != offers[0].ID {
		t.Errorf("Expected capped offer to return the next day, got %s", got.Offer.Name)
	}
}

func TestResolve_TotalCap(t *testing.T) {
	f, d, offers := heroSetup(t)
	if _, err := f.catalog.PutConstraint(f.ctx, models.OfferConstraint{OfferID: offers[0].ID, TotalCap: 5}); err != nil {
		t.Fatalf("Failed to put constraint: %v", err)
	}

	for i := 0; i < 5; i++ {
		contactID := uuid.New().String()
		f.contact(contactID, nil)
		if got := onlyOffer(t, f.resolve(d.ID, contactID)); got.Offer.ID != offers[0].ID {
			t.Fatalf("Expected top offer before the cap, call %d", i)
		}
	}

	if got := onlyOffer(t, f.resolve(d.ID, "c1")); got.Offer.ID == offers[0].ID {
		t.Error("Expected total cap to exclude the offer for everyone")
	}
}

func TestResolve_EligibilityRules(t *testing.T) {
	f := newFixture(t)
	f.placement("hero", 1)
	vipOnly, err := f.catalog.CreateRule(f.ctx, models.DecisionRule{
		Name:       "vip",
		Logic:      models.LogicAnd,
		Conditions: []models.Condition{{Entity: "profile", Attribute: "tier", Operator: "equals", Value: "vip"}},
	})
	if err != nil {
		t.Fatalf("Failed to create rule: %v", err)
	}
	adults, err := f.catalog.CreateRule(f.ctx, models.DecisionRule{
		Name:       "adults",
		Logic:      models.LogicAnd,
		Conditions: []models.Condition{{Entity: "profile", Attribute: "age", Operator: "greater_than_or_equal", Value: 18}},
	})
	if err != nil {
		t.Fatalf("Failed to create rule: %v", err)
	}

	vipOffer := f.offer("vip", 90, nil, "hero")
	vipOffer.RuleID = vipOnly.ID
	if err := f.store.SaveOffer(f.ctx, vipOffer); err != nil {
		t.Fatalf("Failed to save offer: %v", err)
	}
	general := f.offer("general", 50, nil, "hero")
	if err := f.catalog.Reload(f.ctx); err != nil {
		t.Fatalf("Failed to reload: %v", err)
	}

	s := f.strategy(models.SelectionStrategy{RuleID: adults.ID})
	d := f.decision(models.PlacementSlot{PlacementID: "hero", StrategyID: s.ID})
	f.contact("vip", models.Profile{"tier": "VIP", "age": 30})
	f.contact("regular", models.Profile{"tier": "basic", "age": 30})
	f.contact("minor", models.Profile{"tier": "vip", "age": 15})

	if got := onlyOffer(t, f.resolve(d.ID, "vip")); got.Offer.ID != vipOffer.ID {
		t.Errorf("Expected vip offer for vip contact, got %s", got.Offer.Name)
	}
	if got := onlyOffer(t, f.resolve(d.ID, "regular")); got.Offer.ID != general.ID {
		t.Errorf("Expected general offer for regular contact, got %s", got.Offer.Name)
	}
	if res := f.resolve(d.ID, "minor"); len(res.Placements[0].Offers) != 0 {
		t.Error("Expected strategy rule to exclude every offer")
	}
}

func TestResolve_StaticCollectionStatusGate(t *testing.T) {
	f := newFixture(t)
	f.placement("hero", 1)
	live := f.offer("live", 10, nil, "hero")
	draft, err := f.catalog.CreateOffer(f.ctx, models.Offer{Name: "draft", Priority: 99})
	if err != nil {
		t.Fatalf("Failed to create offer: %v", err)
	}
	f.represent(draft.ID, "hero")
	col, err := f.catalog.CreateCollection(f.ctx, models.Collection{Name: "picked", Kind: models.CollectionStatic, OfferIDs: []string{draft.ID, live.ID}})
	if err != nil {
		t.Fatalf("Failed to create collection: %v", err)
	}
	s := f.strategy(models.SelectionStrategy{CollectionID: col.ID})
	d := f.decision(models.PlacementSlot{PlacementID: "hero", StrategyID: s.ID})
	f.contact("c1", nil)

	res := f.resolve(d.ID, "c1")
	if got := onlyOffer(t, res); got.Offer.ID != live.ID {
		t.Errorf("Expected only the live offer, got %s", got.Offer.Name)
	}
	if res.Placements[0].CandidatesEvaluated != 1 {
		t.Errorf("Expected draft offer to be gated out, got %d candidates", res.Placements[0].CandidatesEvaluated)
	}
}

func TestResolve_Misconfiguration(t *testing.T) {
	f := newFixture(t)
	o := f.offer("only", 10, nil)
	if err := f.store.SaveRepresentation(f.ctx, models.Representation{OfferID: o.ID, PlacementID: "ghost", Content: "x"}); err != nil {
		t.Fatalf("Failed to save representation: %v", err)
	}
	if err := f.catalog.Reload(f.ctx); err != nil {
		t.Fatalf("Failed to reload: %v", err)
	}
	f.contact("c1", nil)

	// unknown placement, strategy and fallback degrade instead of failing
	d := f.decision(models.PlacementSlot{PlacementID: "ghost", StrategyID: "missing", FallbackOfferID: "gone"})

	res := f.resolve(d.ID, "c1")
	p := res.Placements[0]
	if p.Placement.ID != "ghost" || p.Placement.Limit() != 1 {
		t.Errorf("Unexpected placeholder placement %+v", p.Placement)
	}
	if len(p.Offers) != 1 || p.Offers[0].Offer.ID != o.ID {
		t.Errorf("Expected all live offers to be used, got %+v", p.Offers)
	}
}

func TestResolve_SlotOrderPreserved(t *testing.T) {
	f := newFixture(t)
	for _, id := range []string{"c", "a", "b"} {
		f.placement(id, 1)
	}
	d := f.decision(
		models.PlacementSlot{PlacementID: "c"},
		models.PlacementSlot{PlacementID: "a"},
		models.PlacementSlot{PlacementID: "b"},
	)
	f.contact("c1", nil)

	res := f.resolve(d.ID, "c1")
	for i, want := range []string{"c", "a", "b"} {
		if res.Placements[i].Placement.ID != want {
			t.Errorf("Position %d: expected %s, got %s", i, want, res.Placements[i].Placement.ID)
		}
	}
}

func TestResolve_NotFound(t *testing.T) {
	f, d, _ := heroSetup(t)

	_, err := f.engine.Resolve(f.ctx, "missing", models.ResolveRequest{ContactID: "c1"})
	var nf *NotFoundError
	if !errors.As(err, &nf) || nf.Entity != "decision" {
		t.Errorf("Expected decision NotFoundError, got %v", err)
	}

	_, err = f.engine.Simulate(f.ctx, d.ID, models.ResolveRequest{ContactID: "nobody"})
	if !errors.As(err, &nf) || nf.Entity != "contact" {
		t.Errorf("Expected contact NotFoundError, got %v", err)
	}
	if !errors.Is(err, repository.ErrNotFound) {
		t.Error("Expected NotFoundError to wrap ErrNotFound")
	}
}

func TestResolve_AIRanking(t *testing.T) {
	f := newFixture(t)
	f.placement("hero", 1)
	popular := f.offer("popular", 10, nil, "hero")
	f.offer("unknown", 50, nil, "hero")

	for i := 0; i < 4; i++ {
		p, err := f.ledger.Append(f.ctx, models.Proposition{OfferID: popular.ID, ContactID: "x", PlacementID: "hero"})
		if err != nil {
			t.Fatalf("Failed to append: %v", err)
		}
		if _, _, err := f.ledger.RecordEvent(f.ctx, p.ID, models.EventConversion); err != nil {
			t.Fatalf("Failed to record event: %v", err)
		}
	}

	// popular: 0.6*1 + 0.1*10 = 1.6, unknown: 0.1*50 = 5
	s := f.strategy(models.SelectionStrategy{RankingMethod: models.RankingAI})
	d := f.decision(models.PlacementSlot{PlacementID: "hero", StrategyID: s.ID})
	f.contact("c1", nil)
	if got := onlyOffer(t, f.resolve(d.ID, "c1")); got.Offer.Name != "unknown" {
		t.Errorf("Expected default weights to favour priority here, got %s", got.Offer.Name)
	}

	model, err := f.catalog.CreateModel(f.ctx, models.AIModel{Name: "conv", ConversionWeight: 100, ClickWeight: 0, PriorityWeight: 0.1})
	if err != nil {
		t.Fatalf("Failed to create model: %v", err)
	}
	s2 := f.strategy(models.SelectionStrategy{RankingMethod: models.RankingAI, ModelID: model.ID})
	d2 := f.decision(models.PlacementSlot{PlacementID: "hero", StrategyID: s2.ID})
	if got := onlyOffer(t, f.resolve(d2.ID, "c1")); got.Offer.ID != popular.ID {
		t.Errorf("Expected conversion-heavy model to pick popular offer, got %s", got.Offer.Name)
	}
}

func TestPreviewOperations(t *testing.T) {
	f, _, offers := heroSetup(t)
	rule, err := f.catalog.CreateRule(f.ctx, models.DecisionRule{
		Name:       "any",
		Logic:      models.LogicOr,
		Conditions: []models.Condition{{Entity: "orders", Attribute: "count", Operator: "greater_than", Value: 0}},
	})
	if err != nil {
		t.Fatalf("Failed to create rule: %v", err)
	}

	ok, err := f.engine.EvaluateEligibility(f.ctx, rule.ID, "c1")
	if err != nil || ok {
		t.Errorf("Expected contact without orders to be ineligible, got %v, %v", ok, err)
	}
	if _, err := f.engine.EvaluateEligibility(f.ctx, "missing", "c1"); !errors.Is(err, repository.ErrNotFound) {
		t.Errorf("Expected ErrNotFound for unknown rule, got %v", err)
	}

	if _, err := f.catalog.PutConstraint(f.ctx, models.OfferConstraint{OfferID: offers[0].ID, PerPlacementCaps: map[string]int{"hero": 1}}); err != nil {
		t.Fatalf("Failed to put constraint: %v", err)
	}
	v, err := f.engine.CheckConstraints(f.ctx, offers[0].ID, "c1", "hero", time.Time{})
	if err != nil || !v.Allowed {
		t.Errorf("Expected offer to be allowed before any proposition, got %+v, %v", v, err)
	}

	col := f.catalog.Snapshot().Collections()[0]
	got, err := f.engine.ResolveCollection(col.ID)
	if err != nil {
		t.Fatalf("Failed to resolve collection: %v", err)
	}
	if len(got) != 3 {
		t.Errorf("Expected 3 offers in collection, got %d", len(got))
	}
}

// slowCounts delays total cap reads the way a network round-trip would.
type slowCounts struct {
	capping.Counts
}

func (s slowCounts) TotalCount(ctx context.Context, offerID string) (int64, error) {
	time.Sleep(5 * time.Millisecond)
	return s.Counts.TotalCount(ctx, offerID)
}

func TestResolve_ConcurrentCallsRespectTotalCap(t *testing.T) {
	f, d, offers := heroSetup(t)
	f.engine.checker = capping.NewChecker(slowCounts{f.ledger}, zerolog.Nop())
	if _, err := f.catalog.PutConstraint(f.ctx, models.OfferConstraint{OfferID: offers[0].ID, TotalCap: 1}); err != nil {
		t.Fatalf("Failed to put constraint: %v", err)
	}

	const calls = 16
	contacts := make([]string, calls)
	for i := range contacts {
		contacts[i] = uuid.New().String()
		f.contact(contacts[i], nil)
	}

	served := make([]string, calls)
	var wg sync.WaitGroup
	for i := 0; i < calls; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := f.engine.Resolve(f.ctx, d.ID, models.ResolveRequest{ContactID: contacts[i]})
			if err != nil {
				t.Errorf("Failed to resolve: %v", err)
				return
			}
			if offers := res.Placements[0].Offers; len(offers) == 1 {
				served[i] = offers[0].Offer.ID
			}
		}(i)
	}
	wg.Wait()

	top := 0
	for _, id := range served {
		if id == offers[0].ID {
			top++
		} else if id != offers[1].ID {
			t.Errorf("Expected the next offer once the cap is reached, got %q", id)
		}
	}
	if top != 1 {
		t.Errorf("Expected the capped offer to be served once, got %d", top)
	}
	if n, _ := f.ledger.TotalCount(f.ctx, offers[0].ID); n != 1 {
		t.Errorf("Expected 1 proposition for the capped offer, got %d", n)
	}
	if n := f.propositions(); n != calls {
		t.Errorf("Expected %d propositions, got %d", calls, n)
	}
}
