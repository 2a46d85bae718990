package handler

import (
	"context"
	"net/http"

	"offer-decisioning-api/internal/models"
)

// replaceByID decodes a T from the body and hands it to fn with the {id} path
// parameter, answering 200 with the stored record.
func replaceByID[T any](h *Handler, w http.ResponseWriter, r *http.Request, fn func(context.Context, string, T) (T, error)) {
	var req T
	if !h.decode(w, r, &req) {
		return
	}
	out, err := fn(r.Context(), urlID(r, "id"), req)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, out)
}

func (h *Handler) deleteByID(w http.ResponseWriter, r *http.Request, fn func(context.Context, string) error) {
	if err := fn(r.Context(), urlID(r, "id")); err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// UpdateOffer handles PUT /offers/{id}
func (h *Handler) UpdateOffer(w http.ResponseWriter, r *http.Request) {
	replaceByID[models.Offer](h, w, r, h.service.UpdateOffer)
}

// DeleteOffer handles DELETE /offers/{id}
func (h *Handler) DeleteOffer(w http.ResponseWriter, r *http.Request) {
	h.deleteByID(w, r, h.service.DeleteOffer)
}

// DeleteConstraint handles DELETE /offers/{id}/constraint
func (h *Handler) DeleteConstraint(w http.ResponseWriter, r *http.Request) {
	h.deleteByID(w, r, h.service.DeleteConstraint)
}

// UpdatePlacement handles PUT /placements/{id}
func (h *Handler) UpdatePlacement(w http.ResponseWriter, r *http.Request) {
	replaceByID[models.Placement](h, w, r, h.service.UpdatePlacement)
}

// DeletePlacement handles DELETE /placements/{id}
func (h *Handler) DeletePlacement(w http.ResponseWriter, r *http.Request) {
	h.deleteByID(w, r, h.service.DeletePlacement)
}

// UpdateCollection handles PUT /collections/{id}
func (h *Handler) UpdateCollection(w http.ResponseWriter, r *http.Request) {
	replaceByID[models.Collection](h, w, r, h.service.UpdateCollection)
}

// DeleteCollection handles DELETE /collections/{id}
func (h *Handler) DeleteCollection(w http.ResponseWriter, r *http.Request) {
	h.deleteByID(w, r, h.service.DeleteCollection)
}

// UpdateRule handles PUT /rules/{id}
func (h *Handler) UpdateRule(w http.ResponseWriter, r *http.Request) {
	replaceByID[models.DecisionRule](h, w, r, h.service.UpdateRule)
}

// DeleteRule handles DELETE /rules/{id}
func (h *Handler) DeleteRule(w http.ResponseWriter, r *http.Request) {
	h.deleteByID(w, r, h.service.DeleteRule)
}

// UpdateStrategy handles PUT /strategies/{id}
func (h *Handler) UpdateStrategy(w http.ResponseWriter, r *http.Request) {
	replaceByID[models.SelectionStrategy](h, w, r, h.service.UpdateStrategy)
}

// DeleteStrategy handles DELETE /strategies/{id}
func (h *Handler) DeleteStrategy(w http.ResponseWriter, r *http.Request) {
	h.deleteByID(w, r, h.service.DeleteStrategy)
}

// UpdateDecision handles PUT /decisions/{id}
func (h *Handler) UpdateDecision(w http.ResponseWriter, r *http.Request) {
	replaceByID[models.Decision](h, w, r, h.service.UpdateDecision)
}

// DeleteDecision handles DELETE /decisions/{id}
func (h *Handler) DeleteDecision(w http.ResponseWriter, r *http.Request) {
	h.deleteByID(w, r, h.service.DeleteDecision)
}

// PropositionEvents handles GET /propositions/{id}/events
func (h *Handler) PropositionEvents(w http.ResponseWriter, r *http.Request) {
	events, err := h.service.PropositionEvents(r.Context(), urlID(r, "id"))
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, events)
}
