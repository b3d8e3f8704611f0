package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/aalan294/PEC-MediPlus/internal/ledger"
	"github.com/aalan294/PEC-MediPlus/pkg/types"
)

// CreatePatient handles patient creation
func (h *Handlers) CreatePatient(w http.ResponseWriter, r *http.Request) {
	var req createPatientRequest
	if err := h.decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	patient, err := h.prescriptions.CreatePatient(r.Context(), req.toDomain())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, patient)
}

// ListPatients handles patient listing
func (h *Handlers) ListPatients(w http.ResponseWriter, r *http.Request) {
	filter := types.PatientFilter{Name: r.URL.Query().Get("name")}

	var err error
	if filter.Limit, err = queryInt(r, "limit"); err != nil {
		h.writeError(w, r, err)
		return
	}
	if filter.Offset, err = queryInt(r, "offset"); err != nil {
		h.writeError(w, r, err)
		return
	}

	patients, err := h.prescriptions.ListPatients(r.Context(), filter)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"patients": patients,
		"count":    len(patients),
	})
}

// GetPatient handles patient retrieval
func (h *Handlers) GetPatient(w http.ResponseWriter, r *http.Request) {
	patient, err := h.prescriptions.GetPatient(r.Context(), mux.Vars(r)["patientID"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, patient)
}

// CreatePrescription handles prescription creation by a doctor,
// receptionist or hospital wallet
func (h *Handlers) CreatePrescription(w http.ResponseWriter, r *http.Request) {
	patientID := mux.Vars(r)["patientID"]

	h.withSigner(w, r, func(ctx context.Context, issuer ledger.Signer) {
		var req createPrescriptionRequest
		if err := h.decode(r, &req); err != nil {
			h.writeError(w, r, err)
			return
		}

		created, err := h.prescriptions.Create(ctx, patientID, req.toDomain(), issuer)
		if err != nil {
			h.writeError(w, r.WithContext(ctx), err)
			return
		}
		h.writeJSON(w, http.StatusCreated, outcomeResponse{Outcome: "created", Result: created})
	})
}

// PatientHistory handles retrieval of a patient's prescriptions with live
// fulfillment status
func (h *Handlers) PatientHistory(w http.ResponseWriter, r *http.Request) {
	patientID := mux.Vars(r)["patientID"]

	history, err := h.prescriptions.PatientHistory(r.Context(), patientID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"patient_id":    patientID,
		"prescriptions": history,
	})
}

// GetPrescription handles prescription retrieval from the ledger
func (h *Handlers) GetPrescription(w http.ResponseWriter, r *http.Request) {
	id, err := prescriptionID(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	rx, err := h.prescriptions.Get(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, rx)
}

// FulfillPrescription handles prescription fulfillment by a pharmacy wallet
func (h *Handlers) FulfillPrescription(w http.ResponseWriter, r *http.Request) {
	id, err := prescriptionID(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.withSigner(w, r, func(ctx context.Context, pharmacy ledger.Signer) {
		fulfilled, err := h.prescriptions.Fulfill(ctx, id, pharmacy)
		if err != nil {
			h.writeError(w, r.WithContext(ctx), err)
			return
		}
		h.writeJSON(w, http.StatusOK, outcomeResponse{Outcome: "fulfilled", Result: fulfilled})
	})
}

func prescriptionID(r *http.Request) (uint64, error) {
	raw := mux.Vars(r)["prescriptionID"]
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		return 0, types.NewValidationError(types.ErrCodeInvalidInput, "prescription id must be a positive integer",
			map[string]interface{}{"prescription_id": raw})
	}
	return id, nil
}
