package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"offer-decisioning-api/internal/capping"
	"offer-decisioning-api/internal/catalog"
	"offer-decisioning-api/internal/database"
	"offer-decisioning-api/internal/decisioning"
	"offer-decisioning-api/internal/eligibility"
	"offer-decisioning-api/internal/ledger"
	"offer-decisioning-api/internal/metrics"
	"offer-decisioning-api/internal/models"
	"offer-decisioning-api/internal/service"
)

func setupTestHandler(t *testing.T) *Handler {
	t.Helper()
	db, err := database.NewDB(filepath.Join(t.TempDir(), "handler.db"))
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	log := zerolog.Nop()
	m := metrics.New(prometheus.NewRegistry())
	cat := catalog.New(db, log)
	if err := cat.Reload(context.Background()); err != nil {
		t.Fatalf("Failed to load catalog: %v", err)
	}
	led := ledger.New(db, ledger.NewMemoryCounters(), ledger.WithLocation(time.UTC))
	engine := decisioning.NewEngine(decisioning.Deps{
		Catalog:   cat,
		Contacts:  db,
		Evaluator: eligibility.NewEvaluator(db, db, log),
		Checker:   capping.NewChecker(led, log),
		Ledger:    led,
		Metrics:   m,
		Logger:    log,
	})
	svc := service.NewService(service.Deps{
		Catalog:  cat,
		Engine:   engine,
		Ledger:   led,
		Contacts: db,
		Orders:   db,
		Activity: db,
		Metrics:  m,
		Logger:   log,
	})
	return NewHandler(svc)
}

func setupRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()
	h.Register(r)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	return r
}

func do(t *testing.T, r http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		if err := json.NewEncoder(&buf).Encode(b); err != nil {
			t.Fatalf("Failed to encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	return rr
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder, dst any) {
	t.Helper()
	if err := json.Unmarshal(rr.Body.Bytes(), dst); err != nil {
		t.Fatalf("Failed to unmarshal response: %v (body %s)", err, rr.Body.String())
	}
}

func expectStatus(t *testing.T, rr *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rr.Code != want {
		t.Fatalf("Expected status %d, got %d. Body: %s", want, rr.Code, rr.Body.String())
	}
}

// seedHero wires a published offer into a live decision with one hero slot.
func seedHero(t *testing.T, r http.Handler) (models.Offer, models.Decision) {
	t.Helper()
	expectStatus(t, do(t, r, "POST", "/placements", models.Placement{ID: "hero", Name: "Hero", Channel: models.ChannelWeb, ContentType: models.ContentHTML, MaxItems: 1}), http.StatusCreated)

	rr := do(t, r, "POST", "/offers", models.Offer{Name: "Free shipping", Priority: 70})
	expectStatus(t, rr, http.StatusCreated)
	var offer models.Offer
	decodeBody(t, rr, &offer)

	expectStatus(t, do(t, r, "PUT", "/offers/"+offer.ID+"/representations/hero", map[string]any{"content": "<p>Free shipping</p>"}), http.StatusOK)
	expectStatus(t, do(t, r, "POST", "/offers/"+offer.ID+"/publish", nil), http.StatusOK)

	rr = do(t, r, "POST", "/decisions", models.Decision{Name: "Homepage", Status: models.DecisionLive, Slots: []models.PlacementSlot{{PlacementID: "hero"}}})
	expectStatus(t, rr, http.StatusCreated)
	var d models.Decision
	decodeBody(t, rr, &d)

	expectStatus(t, do(t, r, "POST", "/contacts", models.Contact{ID: "c1", Attributes: models.Profile{"tier": "gold"}}), http.StatusOK)
	return offer, d
}

func TestHealthCheck(t *testing.T) {
	r := setupRouter(setupTestHandler(t))

	rr := do(t, r, "GET", "/health", nil)
	if rr.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", rr.Code)
	}
	if rr.Body.String() != "OK" {
		t.Errorf("Expected body 'OK', got '%s'", rr.Body.String())
	}
}

func TestCreateOffer_Success(t *testing.T) {
	r := setupRouter(setupTestHandler(t))
	offerID := uuid.New().String()

	rr := do(t, r, "POST", "/offers", models.Offer{ID: offerID, Name: "Spring sale", Priority: 40, Tags: []string{"sale"}})
	expectStatus(t, rr, http.StatusCreated)

	var response models.Offer
	decodeBody(t, rr, &response)
	if response.ID != offerID {
		t.Errorf("Expected ID %s, got %s", offerID, response.ID)
	}
	if response.Status != models.OfferStatusDraft {
		t.Errorf("Expected draft status, got %s", response.Status)
	}

	rr = do(t, r, "GET", "/offers/"+offerID, nil)
	expectStatus(t, rr, http.StatusOK)

	rr = do(t, r, "GET", "/offers", nil)
	expectStatus(t, rr, http.StatusOK)
	var list []models.Offer
	decodeBody(t, rr, &list)
	if len(list) != 1 {
		t.Errorf("Expected 1 offer, got %d", len(list))
	}
}

func TestCreateOffer_InvalidJSON(t *testing.T) {
	r := setupRouter(setupTestHandler(t))

	rr := do(t, r, "POST", "/offers", "invalid json")
	expectStatus(t, rr, http.StatusBadRequest)

	var response models.ErrorResponse
	decodeBody(t, rr, &response)
	if response.Error != "invalid JSON in request body" {
		t.Errorf("Unexpected error message: %s", response.Error)
	}
}

func TestCreateOffer_EmptyBody(t *testing.T) {
	r := setupRouter(setupTestHandler(t))

	rr := do(t, r, "POST", "/offers", nil)
	expectStatus(t, rr, http.StatusBadRequest)

	var response models.ErrorResponse
	decodeBody(t, rr, &response)
	if response.Error != "request body is required" {
		t.Errorf("Unexpected error message: %s", response.Error)
	}
}

func TestCreateOffer_BodyTooLarge(t *testing.T) {
	svc := setupTestHandler(t).service
	h := NewHandlerWithOptions(svc, NewHandlerOptions{MaxBodySize: 16, Logger: zerolog.Nop()})
	r := setupRouter(h)

	rr := do(t, r, "POST", "/offers", models.Offer{Name: strings.Repeat("x", 64)})
	expectStatus(t, rr, http.StatusRequestEntityTooLarge)
}

func TestCreateOffer_ValidationError(t *testing.T) {
	r := setupRouter(setupTestHandler(t))

	rr := do(t, r, "POST", "/offers", models.Offer{Name: "Too important", Priority: 101})
	expectStatus(t, rr, http.StatusBadRequest)
}

func TestGetOffer_NotFound(t *testing.T) {
	r := setupRouter(setupTestHandler(t))

	rr := do(t, r, "GET", "/offers/"+uuid.New().String(), nil)
	expectStatus(t, rr, http.StatusNotFound)
}

func TestOfferTransitions(t *testing.T) {
	r := setupRouter(setupTestHandler(t))

	rr := do(t, r, "POST", "/offers", models.Offer{Name: "Loyalty bonus"})
	expectStatus(t, rr, http.StatusCreated)
	var offer models.Offer
	decodeBody(t, rr, &offer)

	rr = do(t, r, "POST", "/offers/"+offer.ID+"/approve", nil)
	expectStatus(t, rr, http.StatusOK)
	decodeBody(t, rr, &offer)
	if offer.Status != models.OfferStatusApproved {
		t.Errorf("Expected approved, got %s", offer.Status)
	}

	expectStatus(t, do(t, r, "POST", "/offers/"+offer.ID+"/archive", nil), http.StatusOK)
	expectStatus(t, do(t, r, "POST", "/offers/"+offer.ID+"/publish", nil), http.StatusConflict)
}

func TestResolveAndRecordEvent(t *testing.T) {
	r := setupRouter(setupTestHandler(t))
	offer, d := seedHero(t, r)

	rr := do(t, r, "POST", "/decisions/"+d.ID+"/resolve", models.ResolveRequest{ContactID: "c1", Context: map[string]any{"page": "home"}})
	expectStatus(t, rr, http.StatusOK)
	var res models.ResolutionResult
	decodeBody(t, rr, &res)
	if len(res.Placements) != 1 || len(res.Placements[0].Offers) != 1 {
		t.Fatalf("Expected one selected offer, got %+v", res.Placements)
	}
	selected := res.Placements[0].Offers[0]
	if selected.Offer.ID != offer.ID {
		t.Errorf("Expected offer %s, got %s", offer.ID, selected.Offer.ID)
	}
	if selected.Content != "<p>Free shipping</p>" {
		t.Errorf("Unexpected content %v", selected.Content)
	}

	rr = do(t, r, "POST", "/propositions/"+selected.PropositionID+"/events", models.RecordEventRequest{EventType: models.EventClick})
	expectStatus(t, rr, http.StatusCreated)

	rr = do(t, r, "GET", "/offers/"+offer.ID+"/stats", nil)
	expectStatus(t, rr, http.StatusOK)
	var stats models.OfferStats
	decodeBody(t, rr, &stats)
	if stats.Impressions != 1 || stats.Clicks != 1 {
		t.Errorf("Expected 1 impression and 1 click, got %+v", stats)
	}
}

func TestSimulate(t *testing.T) {
	r := setupRouter(setupTestHandler(t))
	_, d := seedHero(t, r)

	rr := do(t, r, "POST", "/decisions/"+d.ID+"/simulate", models.ResolveRequest{ContactID: "c1"})
	expectStatus(t, rr, http.StatusOK)
	var res models.ResolutionResult
	decodeBody(t, rr, &res)
	if !res.Simulated {
		t.Error("Expected simulated flag")
	}
	if res.Placements[0].Offers[0].PropositionID != "" {
		t.Error("Expected no proposition from a simulation")
	}
}

func TestResolve_Errors(t *testing.T) {
	r := setupRouter(setupTestHandler(t))
	_, d := seedHero(t, r)

	tests := []struct {
		name string
		path string
		body any
		want int
	}{
		{"unknown decision", "/decisions/" + uuid.New().String() + "/resolve", models.ResolveRequest{ContactID: "c1"}, http.StatusNotFound},
		{"unknown contact", "/decisions/" + d.ID + "/resolve", models.ResolveRequest{ContactID: "ghost"}, http.StatusNotFound},
		{"missing contact", "/decisions/" + d.ID + "/resolve", models.ResolveRequest{}, http.StatusBadRequest},
		{"invalid json", "/decisions/" + d.ID + "/simulate", "{", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := do(t, r, "POST", tt.path, tt.body)
			if rr.Code != tt.want {
				t.Errorf("Expected status %d, got %d. Body: %s", tt.want, rr.Code, rr.Body.String())
			}
		})
	}
}

func TestRecordEvent_Errors(t *testing.T) {
	r := setupRouter(setupTestHandler(t))

	rr := do(t, r, "POST", "/propositions/"+uuid.New().String()+"/events", models.RecordEventRequest{EventType: "hover"})
	expectStatus(t, rr, http.StatusBadRequest)

	rr = do(t, r, "POST", "/propositions/"+uuid.New().String()+"/events", models.RecordEventRequest{EventType: models.EventImpression})
	expectStatus(t, rr, http.StatusNotFound)
}

func TestConstraintCheck(t *testing.T) {
	r := setupRouter(setupTestHandler(t))
	offer, d := seedHero(t, r)

	expectStatus(t, do(t, r, "PUT", "/offers/"+offer.ID+"/constraint", models.OfferConstraint{PerUserCap: 1, FrequencyPeriod: models.PeriodDaily}), http.StatusOK)
	expectStatus(t, do(t, r, "POST", "/decisions/"+d.ID+"/resolve", models.ResolveRequest{ContactID: "c1"}), http.StatusOK)

	rr := do(t, r, "GET", "/offers/"+offer.ID+"/constraint/check?contact_id=c1&placement_id=hero", nil)
	expectStatus(t, rr, http.StatusOK)
	var check models.ConstraintCheckResponse
	decodeBody(t, rr, &check)
	if check.Allowed {
		t.Errorf("Expected the daily cap to block the offer, got %+v", check)
	}

	tomorrow := time.Now().UTC().Add(48 * time.Hour).Format(time.RFC3339)
	rr = do(t, r, "GET", "/offers/"+offer.ID+"/constraint/check?contact_id=c1&placement_id=hero&at="+tomorrow, nil)
	expectStatus(t, rr, http.StatusOK)
	decodeBody(t, rr, &check)
	if !check.Allowed {
		t.Errorf("Expected the offer to be allowed in a later window, got %+v", check)
	}

	rr = do(t, r, "GET", "/offers/"+offer.ID+"/constraint/check?contact_id=c1&placement_id=hero&at=yesterday", nil)
	expectStatus(t, rr, http.StatusBadRequest)
}

func TestRepresentationDelete(t *testing.T) {
	r := setupRouter(setupTestHandler(t))
	offer, _ := seedHero(t, r)

	rr := do(t, r, "DELETE", "/offers/"+offer.ID+"/representations/hero", nil)
	expectStatus(t, rr, http.StatusNoContent)

	rr = do(t, r, "DELETE", "/offers/"+offer.ID+"/representations/hero", nil)
	expectStatus(t, rr, http.StatusNotFound)
}

func TestCollectionOffers(t *testing.T) {
	r := setupRouter(setupTestHandler(t))
	offer, _ := seedHero(t, r)

	rr := do(t, r, "POST", "/collections", models.Collection{Name: "Everything", Kind: models.CollectionStatic, OfferIDs: []string{offer.ID}})
	expectStatus(t, rr, http.StatusCreated)
	var col models.Collection
	decodeBody(t, rr, &col)

	rr = do(t, r, "GET", "/collections/"+col.ID+"/offers", nil)
	expectStatus(t, rr, http.StatusOK)
	var offers []models.Offer
	decodeBody(t, rr, &offers)
	if len(offers) != 1 || offers[0].ID != offer.ID {
		t.Errorf("Expected the static offer, got %+v", offers)
	}

	expectStatus(t, do(t, r, "GET", "/collections/missing/offers", nil), http.StatusNotFound)
}

func TestEvaluateRule(t *testing.T) {
	r := setupRouter(setupTestHandler(t))
	seedHero(t, r)

	rr := do(t, r, "POST", "/rules", models.DecisionRule{
		Name:       "Gold tier",
		Logic:      models.LogicAnd,
		Conditions: []models.Condition{{Entity: "profile", Attribute: "tier", Operator: "equals", Value: "gold"}},
	})
	expectStatus(t, rr, http.StatusCreated)
	var rule models.DecisionRule
	decodeBody(t, rr, &rule)

	rr = do(t, r, "POST", "/rules/"+rule.ID+"/evaluate", models.EvaluateRuleRequest{ContactID: "c1"})
	expectStatus(t, rr, http.StatusOK)
	var resp models.EvaluateRuleResponse
	decodeBody(t, rr, &resp)
	if !resp.Eligible {
		t.Error("Expected gold contact to be eligible")
	}
}

func TestRankingConfiguration(t *testing.T) {
	r := setupRouter(setupTestHandler(t))

	rr := do(t, r, "POST", "/formulas", models.Formula{Name: "Blend", Expression: "offer.priority * 0.5 + profile.score"})
	expectStatus(t, rr, http.StatusCreated)
	var f models.Formula
	decodeBody(t, rr, &f)

	expectStatus(t, do(t, r, "POST", "/formulas", models.Formula{Name: "Broken", Expression: "offer.priority *"}), http.StatusBadRequest)

	rr = do(t, r, "POST", "/models", models.AIModel{Name: "Default", ConversionWeight: 0.6, ClickWeight: 0.4, PriorityWeight: 0.1})
	expectStatus(t, rr, http.StatusCreated)

	rr = do(t, r, "POST", "/strategies", models.SelectionStrategy{Name: "By formula", RankingMethod: models.RankingFormula, FormulaID: f.ID})
	expectStatus(t, rr, http.StatusCreated)
}

func TestContactIngestion(t *testing.T) {
	r := setupRouter(setupTestHandler(t))
	expectStatus(t, do(t, r, "POST", "/contacts", models.Contact{ID: "c1"}), http.StatusOK)

	rr := do(t, r, "POST", "/contacts/c1/orders", models.CreateOrdersRequest{Orders: []models.Order{
		{Total: 25, PlacedAt: time.Date(2025, 10, 1, 12, 0, 0, 0, time.UTC)},
		{Total: 75, PlacedAt: time.Date(2025, 10, 2, 12, 0, 0, 0, time.UTC)},
	}})
	expectStatus(t, rr, http.StatusCreated)
	var inserted models.InsertedResponse
	decodeBody(t, rr, &inserted)
	if inserted.Inserted != 2 {
		t.Errorf("Expected 2 inserted, got %d", inserted.Inserted)
	}

	rr = do(t, r, "POST", "/contacts/c1/activity", models.CreateActivitiesRequest{Activities: []models.Activity{{Name: "newsletter_signup"}}})
	expectStatus(t, rr, http.StatusCreated)

	expectStatus(t, do(t, r, "POST", "/contacts/ghost/orders", models.CreateOrdersRequest{Orders: []models.Order{{Total: 1}}}), http.StatusNotFound)
	expectStatus(t, do(t, r, "POST", "/contacts/c1/orders", models.CreateOrdersRequest{}), http.StatusBadRequest)
}
