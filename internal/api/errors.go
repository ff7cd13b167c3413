package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/nerrad567/gray-logic-sync/internal/adapter"
	"github.com/nerrad567/gray-logic-sync/internal/conflict"
	"github.com/nerrad567/gray-logic-sync/internal/device"
	"github.com/nerrad567/gray-logic-sync/internal/integration"
	"github.com/nerrad567/gray-logic-sync/internal/notify"
	"github.com/nerrad567/gray-logic-sync/internal/scheduler"
	"github.com/nerrad567/gray-logic-sync/internal/syncqueue"
)

// Error represents a structured error response.
type Error struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Common error codes.
const (
	ErrCodeBadRequest      = "bad_request"
	ErrCodeNotFound        = "not_found"
	ErrCodeUnauthorized    = "unauthorised"
	ErrCodeForbidden       = "forbidden"
	ErrCodeConflict        = "conflict"
	ErrCodeInternal        = "internal_error"
	ErrCodeValidation      = "validation_error"
	ErrCodeTooLarge        = "payload_too_large"
	ErrCodeSignatureFailed = "signature_invalid"
)

// writeJSON writes a JSON response with the given status code and payload.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		//nolint:errcheck // Best-effort write to response; connection may be closed
		json.NewEncoder(w).Encode(v)
	}
}

// writeError writes a structured error response.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, Error{
		Status:  status,
		Code:    code,
		Message: message,
	})
}

// writeBadRequest writes a 400 error response.
func writeBadRequest(w http.ResponseWriter, message string) {
	writeError(w, http.StatusBadRequest, ErrCodeBadRequest, message)
}

// writeNotFound writes a 404 error response.
func writeNotFound(w http.ResponseWriter, message string) {
	writeError(w, http.StatusNotFound, ErrCodeNotFound, message)
}

// writeUnauthorized writes a 401 error response.
func writeUnauthorized(w http.ResponseWriter, message string) {
	writeError(w, http.StatusUnauthorized, ErrCodeUnauthorized, message)
}

// writeInternalError writes a 500 error response.
func writeInternalError(w http.ResponseWriter, message string) {
	writeError(w, http.StatusInternalServerError, ErrCodeInternal, message)
}

// writeDomainError maps an error from the sync engine to a response.
// Unknown errors are logged and answered with 500.
func (s *Server) writeDomainError(w http.ResponseWriter, err error, action string) {
	var verrs validator.ValidationErrors
	switch {
	case errors.Is(err, integration.ErrIntegrationNotFound):
		writeNotFound(w, "integration not found")
	case errors.Is(err, device.ErrDeviceNotFound):
		writeNotFound(w, "device not found")
	case errors.Is(err, device.ErrAssignmentNotFound):
		writeNotFound(w, "assignment not found")
	case errors.Is(err, syncqueue.ErrNotFound):
		writeNotFound(w, "queue entry not found")
	case errors.Is(err, conflict.ErrNotFound):
		writeNotFound(w, "conflict not found")
	case errors.Is(err, scheduler.ErrScheduleNotFound):
		writeNotFound(w, "schedule not found")
	case errors.Is(err, notify.ErrPreferenceNotFound):
		writeNotFound(w, "notification preference not found")
	case errors.Is(err, adapter.ErrUnknownType):
		writeNotFound(w, "no adapter for integration type")

	case errors.Is(err, integration.ErrIntegrationExists),
		errors.Is(err, device.ErrDeviceExists),
		errors.Is(err, device.ErrAssignmentExists):
		writeError(w, http.StatusConflict, ErrCodeConflict, err.Error())
	case errors.Is(err, syncqueue.ErrInvalidState),
		errors.Is(err, conflict.ErrNotPending),
		errors.Is(err, device.ErrDeviceDeleted):
		writeError(w, http.StatusConflict, ErrCodeConflict, err.Error())

	case errors.As(err, &verrs),
		errors.Is(err, integration.ErrInvalidIntegration),
		errors.Is(err, integration.ErrInvalidType),
		errors.Is(err, integration.ErrInvalidDirection),
		errors.Is(err, integration.ErrInvalidStrategy),
		errors.Is(err, integration.ErrInvalidSettings),
		errors.Is(err, device.ErrInvalidDevice),
		errors.Is(err, device.ErrInvalidStatus),
		errors.Is(err, device.ErrInvalidName),
		errors.Is(err, conflict.ErrInvalidAction),
		errors.Is(err, conflict.ErrMissingValue),
		errors.Is(err, conflict.ErrUnknownField),
		errors.Is(err, conflict.ErrInvalidValue),
		errors.Is(err, conflict.ErrInvalidStrategy),
		errors.Is(err, scheduler.ErrInvalidSchedule),
		errors.Is(err, scheduler.ErrInvalidWindow),
		errors.Is(err, scheduler.ErrInvalidTimezone),
		errors.Is(err, scheduler.ErrInvalidFilter),
		errors.Is(err, notify.ErrInvalidPreference),
		errors.Is(err, syncqueue.ErrInvalidOperation):
		writeError(w, http.StatusBadRequest, ErrCodeValidation, err.Error())

	default:
		s.logger.Error("request failed", "action", action, "error", err)
		writeInternalError(w, "failed to "+action)
	}
}
