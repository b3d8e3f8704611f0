package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/aalan294/PEC-MediPlus/pkg/types"
)

// statusOf maps the error taxonomy to HTTP status codes. Idempotent no-ops
// are not failures and return 200; a partial success returns 202 so the
// caller knows the chain side is done.
func statusOf(t types.ErrorType) int {
	switch t {
	case types.ErrorTypeNotFound:
		return http.StatusNotFound
	case types.ErrorTypeUnauthorized:
		return http.StatusForbidden
	case types.ErrorTypeValidation:
		return http.StatusBadRequest
	case types.ErrorTypeConflict:
		return http.StatusConflict
	case types.ErrorTypeAlreadyVerified, types.ErrorTypeAlreadyFulfilled:
		return http.StatusOK
	case types.ErrorTypePartialSuccess:
		return http.StatusAccepted
	case types.ErrorTypeChainWriteFailed:
		return http.StatusBadGateway
	case types.ErrorTypeOutcomeUnknown:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// outcomeResponse is returned by the saga endpoints.
type outcomeResponse struct {
	Outcome string                 `json:"outcome"`
	Result  interface{}            `json:"result,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`
	Message string                 `json:"message,omitempty"`
}

func errorBody(e *types.Error) map[string]interface{} {
	return map[string]interface{}{
		"error": map[string]interface{}{
			"type":    e.Type,
			"code":    e.Code,
			"message": e.Message,
			"details": e.Details,
		},
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
}

// writeJSON writes JSON response
func (h *Handlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.WithError(err).Error("Failed to encode JSON response")
	}
}

// writeError writes the response for a failed or short-circuited operation
func (h *Handlers) writeError(w http.ResponseWriter, r *http.Request, err error) {
	e, ok := types.AsError(err)
	if !ok {
		e = types.NewInternalError(types.ErrCodeInternalError, "internal error", err)
	}
	status := statusOf(e.Type)

	entry := h.logger.WithContext(r.Context()).WithError(err).WithField("status", status)
	switch {
	case status >= http.StatusInternalServerError:
		entry.Error("Request failed")
	case e.Type == types.ErrorTypePartialSuccess:
		entry.Warn("Request left store behind chain")
	default:
		entry.Debug("Request rejected")
	}

	if e.IsIdempotentNoop() || e.Type == types.ErrorTypePartialSuccess || e.Type == types.ErrorTypeOutcomeUnknown {
		h.writeJSON(w, status, outcomeResponse{
			Outcome: string(e.Type),
			Details: e.Details,
			Message: e.Message,
		})
		return
	}

	if status == http.StatusInternalServerError {
		// Causes of internal errors stay in the log.
		e = &types.Error{Type: e.Type, Code: e.Code, Message: e.Message}
	}
	h.writeJSON(w, status, errorBody(e))
}

func (h *Handlers) decode(r *http.Request, dst interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return types.NewValidationError(types.ErrCodeInvalidInput, "invalid JSON payload: "+err.Error(), nil)
	}
	if err := h.validate.Struct(dst); err != nil {
		return validationError(err)
	}
	return nil
}

func queryInt(r *http.Request, name string) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, types.NewValidationError(types.ErrCodeInvalidInput,
			fmt.Sprintf("%s must be a non-negative integer", name), map[string]interface{}{name: raw})
	}
	return n, nil
}
