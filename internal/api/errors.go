package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/flightctl/calcifer/internal/reconcile"
	"github.com/flightctl/calcifer/internal/twinerrors"
)

// Status is a minimal JSON error body, grounded on the teacher's
// api.Status{Code, Message, Reason} shape but without the generated-client
// dependency Calcifer has no use for.
type Status struct {
	Code    int32  `json:"code"`
	Message string `json:"message"`
	Reason  string `json:"reason"`
}

// WriteJSONError writes a Status body with the given HTTP code.
func WriteJSONError(w http.ResponseWriter, code int, reason string, err error) {
	status := Status{
		Code:    int32(code),
		Message: err.Error(),
		Reason:  reason,
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(status)
}

// writeDomainError maps a twinerrors sentinel (or a plain error) onto the
// HTTP status a caller should see, and writes it.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, twinerrors.ErrValidation), errors.Is(err, twinerrors.ErrTypeMismatch):
		WriteJSONError(w, http.StatusBadRequest, "Validation", err)
	case errors.Is(err, twinerrors.ErrSafetyRefused):
		WriteJSONError(w, http.StatusUnprocessableEntity, "SafetyRefused", err)
	case errors.Is(err, twinerrors.ErrOverrideBlocked):
		WriteJSONError(w, http.StatusUnprocessableEntity, "OverrideBlocked", err)
	case errors.Is(err, twinerrors.ErrInfrastructureUnavailable):
		WriteJSONError(w, http.StatusServiceUnavailable, "InfrastructureUnavailable", err)
	default:
		WriteJSONError(w, http.StatusInternalServerError, "Internal", err)
	}
}

// statusForOutcome maps a reconcile.Outcome onto the HTTP status the intent
// endpoint returns, per §6.
func statusForOutcome(outcome reconcile.Outcome) int {
	switch outcome {
	case reconcile.OutcomeSuccess, reconcile.OutcomeNoChange:
		return http.StatusOK
	case reconcile.OutcomeSafetyRefused:
		return http.StatusUnprocessableEntity
	case reconcile.OutcomeDeviceNotFound:
		return http.StatusNotFound
	case reconcile.OutcomeInfrastructureUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
