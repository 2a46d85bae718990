package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"offer-decisioning-api/internal/catalog"
	"offer-decisioning-api/internal/formula"
	"offer-decisioning-api/internal/ledger"
	"offer-decisioning-api/internal/models"
	"offer-decisioning-api/internal/repository"
	"offer-decisioning-api/internal/service"
	"offer-decisioning-api/internal/validation"
)

// Handler provides HTTP handlers for the API.
type Handler struct {
	service     *service.Service
	maxBodySize int64
	log         zerolog.Logger
}

// NewHandlerOptions holds options for creating a handler.
type NewHandlerOptions struct {
	MaxBodySize int64
	Logger      zerolog.Logger
}

// DefaultHandlerOptions returns default handler options.
func DefaultHandlerOptions() NewHandlerOptions {
	return NewHandlerOptions{
		MaxBodySize: 10 << 20, // 10MB default
		Logger:      zerolog.Nop(),
	}
}

// NewHandler creates a new handler instance.
func NewHandler(svc *service.Service) *Handler {
	return NewHandlerWithOptions(svc, DefaultHandlerOptions())
}

// NewHandlerWithOptions creates a new handler instance with custom options.
func NewHandlerWithOptions(svc *service.Service, opts NewHandlerOptions) *Handler {
	return &Handler{
		service:     svc,
		maxBodySize: opts.MaxBodySize,
		log:         opts.Logger,
	}
}

// Register mounts every API route on r.
func (h *Handler) Register(r chi.Router) {
	r.Route("/offers", func(r chi.Router) {
		r.Post("/", h.CreateOffer)
		r.Get("/", h.ListOffers)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.GetOffer)
			r.Put("/", h.UpdateOffer)
			r.Delete("/", h.DeleteOffer)
			r.Post("/approve", h.ApproveOffer)
			r.Post("/publish", h.PublishOffer)
			r.Post("/archive", h.ArchiveOffer)
			r.Get("/stats", h.OfferStats)
			r.Put("/representations/{placement_id}", h.PutRepresentation)
			r.Delete("/representations/{placement_id}", h.DeleteRepresentation)
			r.Put("/constraint", h.PutConstraint)
			r.Delete("/constraint", h.DeleteConstraint)
			r.Get("/constraint/check", h.CheckConstraint)
		})
	})

	r.Post("/placements", h.CreatePlacement)
	r.Put("/placements/{id}", h.UpdatePlacement)
	r.Delete("/placements/{id}", h.DeletePlacement)
	r.Post("/collections", h.CreateCollection)
	r.Put("/collections/{id}", h.UpdateCollection)
	r.Delete("/collections/{id}", h.DeleteCollection)
	r.Get("/collections/{id}/offers", h.CollectionOffers)
	r.Post("/rules", h.CreateRule)
	r.Put("/rules/{id}", h.UpdateRule)
	r.Delete("/rules/{id}", h.DeleteRule)
	r.Post("/rules/{id}/evaluate", h.EvaluateRule)
	r.Post("/formulas", h.CreateFormula)
	r.Post("/models", h.CreateModel)
	r.Post("/strategies", h.CreateStrategy)
	r.Put("/strategies/{id}", h.UpdateStrategy)
	r.Delete("/strategies/{id}", h.DeleteStrategy)
	r.Post("/decisions", h.CreateDecision)
	r.Put("/decisions/{id}", h.UpdateDecision)
	r.Delete("/decisions/{id}", h.DeleteDecision)
	r.Post("/decisions/{id}/resolve", h.Resolve)
	r.Post("/decisions/{id}/simulate", h.Simulate)

	r.Post("/propositions/{id}/events", h.RecordEvent)
	r.Get("/propositions/{id}/events", h.PropositionEvents)

	r.Post("/contacts", h.UpsertContact)
	r.Post("/contacts/{id}/orders", h.AddOrders)
	r.Post("/contacts/{id}/activity", h.AddActivities)
}

// CreateOffer handles POST /offers
func (h *Handler) CreateOffer(w http.ResponseWriter, r *http.Request) {
	var req models.Offer
	if !h.decode(w, r, &req) {
		return
	}
	req.ID = validation.SanitizeString(req.ID)

	offer, err := h.service.CreateOffer(r.Context(), req)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusCreated, offer)
}

// ListOffers handles GET /offers
func (h *Handler) ListOffers(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, h.service.ListOffers(r.Context()))
}

// GetOffer handles GET /offers/{id}
func (h *Handler) GetOffer(w http.ResponseWriter, r *http.Request) {
	offer, err := h.service.GetOffer(r.Context(), urlID(r, "id"))
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, offer)
}

// ApproveOffer handles POST /offers/{id}/approve
func (h *Handler) ApproveOffer(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.service.ApproveOffer)
}

// PublishOffer handles POST /offers/{id}/publish
func (h *Handler) PublishOffer(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.service.PublishOffer)
}

// ArchiveOffer handles POST /offers/{id}/archive
func (h *Handler) ArchiveOffer(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.service.ArchiveOffer)
}

func (h *Handler) transition(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, id string) (models.Offer, error)) {
	offer, err := fn(r.Context(), urlID(r, "id"))
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, offer)
}

// OfferStats handles GET /offers/{id}/stats
func (h *Handler) OfferStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.service.OfferStats(r.Context(), urlID(r, "id"))
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, stats)
}

// PutRepresentation handles PUT /offers/{id}/representations/{placement_id}
func (h *Handler) PutRepresentation(w http.ResponseWriter, r *http.Request) {
	var req models.Representation
	if !h.decode(w, r, &req) {
		return
	}
	req.OfferID = urlID(r, "id")
	req.PlacementID = urlID(r, "placement_id")

	rep, err := h.service.PutRepresentation(r.Context(), req)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, rep)
}

// DeleteRepresentation handles DELETE /offers/{id}/representations/{placement_id}
func (h *Handler) DeleteRepresentation(w http.ResponseWriter, r *http.Request) {
	if err := h.service.DeleteRepresentation(r.Context(), urlID(r, "id"), urlID(r, "placement_id")); err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// PutConstraint handles PUT /offers/{id}/constraint
func (h *Handler) PutConstraint(w http.ResponseWriter, r *http.Request) {
	var req models.OfferConstraint
	if !h.decode(w, r, &req) {
		return
	}
	req.OfferID = urlID(r, "id")

	c, err := h.service.PutConstraint(r.Context(), req)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, c)
}

// CheckConstraint handles GET /offers/{id}/constraint/check
func (h *Handler) CheckConstraint(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	// Parse optional 'at' query parameter
	var at time.Time
	if atParam := validation.SanitizeString(q.Get("at")); atParam != "" {
		parsed, err := validation.ValidateTimeString(atParam)
		if err != nil {
			h.respondError(w, http.StatusBadRequest, "invalid 'at' parameter, must be RFC3339 format")
			return
		}
		at = parsed.UTC()
	}

	resp, err := h.service.CheckConstraint(r.Context(), urlID(r, "id"),
		validation.SanitizeString(q.Get("contact_id")),
		validation.SanitizeString(q.Get("placement_id")),
		at)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, resp)
}

// CreatePlacement handles POST /placements
func (h *Handler) CreatePlacement(w http.ResponseWriter, r *http.Request) {
	var req models.Placement
	if !h.decode(w, r, &req) {
		return
	}
	p, err := h.service.CreatePlacement(r.Context(), req)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusCreated, p)
}

// CreateCollection handles POST /collections
func (h *Handler) CreateCollection(w http.ResponseWriter, r *http.Request) {
	var req models.Collection
	if !h.decode(w, r, &req) {
		return
	}
	c, err := h.service.CreateCollection(r.Context(), req)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusCreated, c)
}

// CollectionOffers handles GET /collections/{id}/offers
func (h *Handler) CollectionOffers(w http.ResponseWriter, r *http.Request) {
	offers, err := h.service.CollectionOffers(r.Context(), urlID(r, "id"))
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	if offers == nil {
		offers = []models.Offer{}
	}
	h.respondJSON(w, http.StatusOK, offers)
}

// CreateRule handles POST /rules
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	var req models.DecisionRule
	if !h.decode(w, r, &req) {
		return
	}
	rule, err := h.service.CreateRule(r.Context(), req)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusCreated, rule)
}

// EvaluateRule handles POST /rules/{id}/evaluate
func (h *Handler) EvaluateRule(w http.ResponseWriter, r *http.Request) {
	var req models.EvaluateRuleRequest
	if !h.decode(w, r, &req) {
		return
	}
	resp, err := h.service.EvaluateRule(r.Context(), urlID(r, "id"), validation.SanitizeString(req.ContactID))
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, resp)
}

// CreateFormula handles POST /formulas
func (h *Handler) CreateFormula(w http.ResponseWriter, r *http.Request) {
	var req models.Formula
	if !h.decode(w, r, &req) {
		return
	}
	f, err := h.service.CreateFormula(r.Context(), req)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusCreated, f)
}

// CreateModel handles POST /models
func (h *Handler) CreateModel(w http.ResponseWriter, r *http.Request) {
	var req models.AIModel
	if !h.decode(w, r, &req) {
		return
	}
	m, err := h.service.CreateModel(r.Context(), req)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusCreated, m)
}

// CreateStrategy handles POST /strategies
func (h *Handler) CreateStrategy(w http.ResponseWriter, r *http.Request) {
	var req models.SelectionStrategy
	if !h.decode(w, r, &req) {
		return
	}
	s, err := h.service.CreateStrategy(r.Context(), req)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusCreated, s)
}

// CreateDecision handles POST /decisions
func (h *Handler) CreateDecision(w http.ResponseWriter, r *http.Request) {
	var req models.Decision
	if !h.decode(w, r, &req) {
		return
	}
	d, err := h.service.CreateDecision(r.Context(), req)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusCreated, d)
}

// Resolve handles POST /decisions/{id}/resolve
func (h *Handler) Resolve(w http.ResponseWriter, r *http.Request) {
	var req models.ResolveRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.service.Resolve(r.Context(), urlID(r, "id"), req)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, res)
}

// Simulate handles POST /decisions/{id}/simulate
func (h *Handler) Simulate(w http.ResponseWriter, r *http.Request) {
	var req models.ResolveRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.service.Simulate(r.Context(), urlID(r, "id"), req)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, res)
}

// RecordEvent handles POST /propositions/{id}/events
func (h *Handler) RecordEvent(w http.ResponseWriter, r *http.Request) {
	var req models.RecordEventRequest
	if !h.decode(w, r, &req) {
		return
	}
	event, err := h.service.RecordEvent(r.Context(), urlID(r, "id"), req.EventType)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusCreated, event)
}

// UpsertContact handles POST /contacts
func (h *Handler) UpsertContact(w http.ResponseWriter, r *http.Request) {
	var req models.Contact
	if !h.decode(w, r, &req) {
		return
	}
	c, err := h.service.UpsertContact(r.Context(), req)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, c)
}

// AddOrders handles POST /contacts/{id}/orders
func (h *Handler) AddOrders(w http.ResponseWriter, r *http.Request) {
	var req models.CreateOrdersRequest
	if !h.decode(w, r, &req) {
		return
	}
	for i := range req.Orders {
		req.Orders[i].ID = validation.SanitizeString(req.Orders[i].ID)
	}

	inserted, err := h.service.AddOrders(r.Context(), urlID(r, "id"), req.Orders)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusCreated, models.InsertedResponse{Inserted: inserted})
}

// AddActivities handles POST /contacts/{id}/activity
func (h *Handler) AddActivities(w http.ResponseWriter, r *http.Request) {
	var req models.CreateActivitiesRequest
	if !h.decode(w, r, &req) {
		return
	}
	for i := range req.Activities {
		req.Activities[i].ID = validation.SanitizeString(req.Activities[i].ID)
	}

	inserted, err := h.service.AddActivities(r.Context(), urlID(r, "id"), req.Activities)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusCreated, models.InsertedResponse{Inserted: inserted})
}

func urlID(r *http.Request, key string) string {
	return validation.SanitizeString(chi.URLParam(r, key))
}

// decode reads a size-limited JSON body into dst and answers 400 on failure.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodySize)

	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		switch {
		case errors.Is(err, io.EOF):
			h.respondError(w, http.StatusBadRequest, "request body is required")
		case errors.As(err, &maxErr):
			h.respondError(w, http.StatusRequestEntityTooLarge, "request body too large")
		default:
			h.respondError(w, http.StatusBadRequest, "invalid JSON in request body")
		}
		return false
	}
	return true
}

// respondServiceError maps service errors to status codes. Internal errors
// are logged and hidden from the client.
func (h *Handler) respondServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		ve *validation.ValidationError
		te *catalog.TransitionError
		ue *catalog.InUseError
		se *formula.SyntaxError
	)
	switch {
	case errors.As(err, &ve), errors.As(err, &se), errors.Is(err, ledger.ErrUnknownEventType):
		h.respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, repository.ErrNotFound):
		h.respondError(w, http.StatusNotFound, err.Error())
	case errors.As(err, &te), errors.As(err, &ue):
		h.respondError(w, http.StatusConflict, err.Error())
	default:
		h.log.Error().Err(err).Str("method", r.Method).Str("path", r.URL.Path).Msg("request failed")
		h.respondError(w, http.StatusInternalServerError, "internal server error")
	}
}

// respondJSON sends a JSON response with the given status code.
func (h *Handler) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// respondError sends an error response with the given status code and message.
func (h *Handler) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, models.ErrorResponse{Error: message})
}
