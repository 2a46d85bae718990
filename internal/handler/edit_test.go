package handler

import (
	"net/http"
	"testing"

	"offer-decisioning-api/internal/models"
)

func TestUpdateOffer(t *testing.T) {
	r := setupRouter(setupTestHandler(t))
	offer, _ := seedHero(t, r)

	rr := do(t, r, "PUT", "/offers/"+offer.ID, models.Offer{Name: "Free returns", Priority: 90})
	expectStatus(t, rr, http.StatusOK)
	var updated models.Offer
	decodeBody(t, rr, &updated)
	if updated.ID != offer.ID || updated.Name != "Free returns" || updated.Priority != 90 {
		t.Errorf("Unexpected updated offer: %+v", updated)
	}
	if updated.Status != models.OfferStatusLive {
		t.Errorf("Expected status to stay live, got %s", updated.Status)
	}

	expectStatus(t, do(t, r, "PUT", "/offers/"+offer.ID, models.Offer{Name: "x", Priority: 500}), http.StatusBadRequest)
	expectStatus(t, do(t, r, "PUT", "/offers/missing", models.Offer{Name: "x", Priority: 1}), http.StatusNotFound)
	expectStatus(t, do(t, r, "PUT", "/offers/"+offer.ID, "{bad"), http.StatusBadRequest)
}

func TestDeleteOfferAndPlacement(t *testing.T) {
	r := setupRouter(setupTestHandler(t))
	offer, d := seedHero(t, r)

	expectStatus(t, do(t, r, "DELETE", "/offers/"+offer.ID, nil), http.StatusConflict)
	expectStatus(t, do(t, r, "DELETE", "/placements/hero", nil), http.StatusConflict)

	expectStatus(t, do(t, r, "DELETE", "/decisions/"+d.ID, nil), http.StatusNoContent)
	expectStatus(t, do(t, r, "DELETE", "/placements/hero", nil), http.StatusNoContent)
	expectStatus(t, do(t, r, "POST", "/offers/"+offer.ID+"/archive", nil), http.StatusOK)
	expectStatus(t, do(t, r, "DELETE", "/offers/"+offer.ID, nil), http.StatusNoContent)

	expectStatus(t, do(t, r, "GET", "/offers/"+offer.ID, nil), http.StatusNotFound)
	expectStatus(t, do(t, r, "DELETE", "/offers/"+offer.ID, nil), http.StatusNotFound)
	expectStatus(t, do(t, r, "POST", "/decisions/"+d.ID+"/resolve", models.ResolveRequest{ContactID: "c1"}), http.StatusNotFound)
}

func TestRuleAndStrategyEdits(t *testing.T) {
	r := setupRouter(setupTestHandler(t))

	rr := do(t, r, "POST", "/rules", models.DecisionRule{
		Name:       "Gold",
		Conditions: []models.Condition{{Entity: "profile", Attribute: "tier", Operator: "equals", Value: "gold"}},
	})
	expectStatus(t, rr, http.StatusCreated)
	var rule models.DecisionRule
	decodeBody(t, rr, &rule)

	rr = do(t, r, "POST", "/strategies", models.SelectionStrategy{Name: "Gold only", RuleID: rule.ID})
	expectStatus(t, rr, http.StatusCreated)
	var st models.SelectionStrategy
	decodeBody(t, rr, &st)

	rr = do(t, r, "DELETE", "/rules/"+rule.ID, nil)
	expectStatus(t, rr, http.StatusConflict)
	var errResp models.ErrorResponse
	decodeBody(t, rr, &errResp)
	if errResp.Error == "" {
		t.Error("Expected an error message naming the strategy")
	}

	rr = do(t, r, "PUT", "/rules/"+rule.ID, models.DecisionRule{
		Name:       "Gold or platinum",
		Logic:      "or",
		Conditions: []models.Condition{{Entity: "profile", Attribute: "tier", Operator: "in", Value: []any{"gold", "platinum"}}},
	})
	expectStatus(t, rr, http.StatusOK)
	decodeBody(t, rr, &rule)
	if rule.Logic != models.LogicOr {
		t.Errorf("Expected normalised logic OR, got %s", rule.Logic)
	}

	expectStatus(t, do(t, r, "PUT", "/strategies/"+st.ID, models.SelectionStrategy{Name: "Everyone"}), http.StatusOK)
	expectStatus(t, do(t, r, "DELETE", "/rules/"+rule.ID, nil), http.StatusNoContent)
	expectStatus(t, do(t, r, "PUT", "/rules/"+rule.ID, models.DecisionRule{Name: "Gone"}), http.StatusNotFound)
	expectStatus(t, do(t, r, "DELETE", "/strategies/"+st.ID, nil), http.StatusNoContent)
	expectStatus(t, do(t, r, "DELETE", "/strategies/"+st.ID, nil), http.StatusNotFound)
}

func TestCollectionAndDecisionEdits(t *testing.T) {
	r := setupRouter(setupTestHandler(t))
	_, d := seedHero(t, r)

	rr := do(t, r, "POST", "/collections", models.Collection{Name: "Sale", Kind: models.CollectionDynamic, Tags: []string{"sale"}})
	expectStatus(t, rr, http.StatusCreated)
	var col models.Collection
	decodeBody(t, rr, &col)

	rr = do(t, r, "PUT", "/collections/"+col.ID, models.Collection{Name: "Sale", Kind: models.CollectionDynamic, Tags: []string{"clearance"}})
	expectStatus(t, rr, http.StatusOK)
	decodeBody(t, rr, &col)
	if len(col.Tags) != 1 || col.Tags[0] != "clearance" {
		t.Errorf("Expected updated tags, got %v", col.Tags)
	}
	expectStatus(t, do(t, r, "DELETE", "/collections/"+col.ID, nil), http.StatusNoContent)

	rr = do(t, r, "PUT", "/decisions/"+d.ID, models.Decision{Name: "Homepage", Status: models.DecisionArchived, Slots: d.Slots})
	expectStatus(t, rr, http.StatusOK)
	var updated models.Decision
	decodeBody(t, rr, &updated)
	if updated.Status != models.DecisionArchived {
		t.Errorf("Expected archived decision, got %s", updated.Status)
	}
	expectStatus(t, do(t, r, "PUT", "/decisions/"+d.ID, models.Decision{Name: "Homepage"}), http.StatusBadRequest)
	expectStatus(t, do(t, r, "PUT", "/placements/hero", models.Placement{Name: "Hero banner", ContentType: models.ContentImage}), http.StatusOK)
	expectStatus(t, do(t, r, "PUT", "/placements/missing", models.Placement{Name: "x", ContentType: models.ContentImage}), http.StatusNotFound)
}

func TestDeleteConstraint(t *testing.T) {
	r := setupRouter(setupTestHandler(t))
	offer, _ := seedHero(t, r)

	expectStatus(t, do(t, r, "PUT", "/offers/"+offer.ID+"/constraint", models.OfferConstraint{TotalCap: 1}), http.StatusOK)
	expectStatus(t, do(t, r, "DELETE", "/offers/"+offer.ID+"/constraint", nil), http.StatusNoContent)
	expectStatus(t, do(t, r, "DELETE", "/offers/"+offer.ID+"/constraint", nil), http.StatusNotFound)
}

func TestPropositionEvents(t *testing.T) {
	r := setupRouter(setupTestHandler(t))
	_, d := seedHero(t, r)

	rr := do(t, r, "POST", "/decisions/"+d.ID+"/resolve", models.ResolveRequest{ContactID: "c1"})
	expectStatus(t, rr, http.StatusOK)
	var res models.ResolutionResult
	decodeBody(t, rr, &res)
	propID := res.Placements[0].Offers[0].PropositionID

	rr = do(t, r, "GET", "/propositions/"+propID+"/events", nil)
	expectStatus(t, rr, http.StatusOK)
	if rr.Body.String() != "[]\n" {
		t.Errorf("Expected an empty list before any event, got %s", rr.Body.String())
	}

	expectStatus(t, do(t, r, "POST", "/propositions/"+propID+"/events", models.RecordEventRequest{EventType: models.EventImpression}), http.StatusCreated)
	expectStatus(t, do(t, r, "POST", "/propositions/"+propID+"/events", models.RecordEventRequest{EventType: models.EventClick}), http.StatusCreated)

	rr = do(t, r, "GET", "/propositions/"+propID+"/events", nil)
	expectStatus(t, rr, http.StatusOK)
	var events []models.OfferEvent
	decodeBody(t, rr, &events)
	if len(events) != 2 || events[0].EventType != models.EventImpression || events[1].EventType != models.EventClick {
		t.Errorf("Expected impression then click, got %+v", events)
	}

	expectStatus(t, do(t, r, "GET", "/propositions/missing/events", nil), http.StatusNotFound)
}
