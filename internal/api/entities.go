package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/aalan294/PEC-MediPlus/internal/ledger"
	"github.com/aalan294/PEC-MediPlus/pkg/types"
)

// RequestEntity handles entity registration requests
func (h *Handlers) RequestEntity(w http.ResponseWriter, r *http.Request) {
	var req registerEntityRequest
	if err := h.decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	entity, err := h.registrar.Request(r.Context(), req.toDomain())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, entity)
}

// ListEntities handles entity listing, e.g. the admin request queue
func (h *Handlers) ListEntities(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := types.EntityFilter{
		HospitalID: q.Get("hospital_id"),
		Email:      strings.ToLower(q.Get("email")),
	}

	if raw := q.Get("role"); raw != "" {
		role, err := types.ParseRole(raw)
		if err != nil {
			h.writeError(w, r, types.NewValidationError(types.ErrCodeInvalidInput, err.Error(), nil))
			return
		}
		filter.Role = &role
	}
	if raw := q.Get("verified"); raw != "" {
		verified := raw == "true" || raw == "1"
		filter.Verified = &verified
	}

	var err error
	if filter.Limit, err = queryInt(r, "limit"); err != nil {
		h.writeError(w, r, err)
		return
	}
	if filter.Offset, err = queryInt(r, "offset"); err != nil {
		h.writeError(w, r, err)
		return
	}

	entities, err := h.registrar.List(r.Context(), filter)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"entities": entities,
		"count":    len(entities),
	})
}

// GetEntity handles entity retrieval
func (h *Handlers) GetEntity(w http.ResponseWriter, r *http.Request) {
	entity, err := h.registrar.Get(r.Context(), mux.Vars(r)["entityID"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, entity)
}

// VerifyEntity handles entity verification by the contract admin
func (h *Handlers) VerifyEntity(w http.ResponseWriter, r *http.Request) {
	entityID := mux.Vars(r)["entityID"]

	h.withSigner(w, r, func(ctx context.Context, admin ledger.Signer) {
		entity, err := h.registrar.Verify(ctx, entityID, admin)
		if err != nil {
			h.writeError(w, r.WithContext(ctx), err)
			return
		}
		h.writeJSON(w, http.StatusOK, outcomeResponse{Outcome: "verified", Result: entity})
	})
}

// PromoteEntity retries the store half of a verification
func (h *Handlers) PromoteEntity(w http.ResponseWriter, r *http.Request) {
	entity, err := h.registrar.Promote(r.Context(), mux.Vars(r)["entityID"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, outcomeResponse{Outcome: "promoted", Result: entity})
}
