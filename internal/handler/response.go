package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/efreitasn/tradecore/internal/domain"
)

// WriteJSON writes a JSON response with the given status code and data.
// Sets Content-Type to application/json before writing the status code.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data) // Write error intentionally ignored in response helper
}

// errorResponse is the standard error response format.
type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// WriteError writes a standard error response with the given status code,
// error code, and human-readable message.
func WriteError(w http.ResponseWriter, status int, errorCode, message string) {
	WriteJSON(w, status, errorResponse{
		Error:   errorCode,
		Message: message,
	})
}

// statusByKind maps error kinds to HTTP status codes.
var statusByKind = map[string]int{
	domain.ErrValidation.Error():              http.StatusBadRequest,
	domain.ErrNotFound.Error():                http.StatusNotFound,
	domain.ErrInsufficientFunds.Error():       http.StatusConflict,
	domain.ErrInsufficientHoldings.Error():    http.StatusConflict,
	domain.ErrNoMarketPrice.Error():           http.StatusConflict,
	domain.ErrAlreadyFilledOrTerminal.Error(): http.StatusConflict,
	domain.ErrCannotCancel.Error():            http.StatusConflict,
	domain.ErrConflict.Error():                http.StatusConflict,
	domain.ErrIdempotentReplay.Error():        http.StatusOK,
	domain.ErrBackendUnavailable.Error():      http.StatusServiceUnavailable,
	domain.ErrInvariantViolation.Error():      http.StatusInternalServerError,
}

// WriteDomainError maps err to its kind's status code. The error code in
// the body is the kind itself.
func WriteDomainError(w http.ResponseWriter, err error) {
	kind := domain.KindOf(err)
	status, ok := statusByKind[kind]
	if !ok {
		kind, status = "INTERNAL", http.StatusInternalServerError
	}
	if status == http.StatusInternalServerError {
		WriteError(w, status, kind, "An unexpected error occurred")
		return
	}

	var validationErr *domain.ValidationError
	var domainErr *domain.Error
	msg := err.Error()
	switch {
	case errors.As(err, &validationErr):
		msg = validationErr.Message
	case errors.As(err, &domainErr) && domainErr.Reason != "":
		msg = domainErr.Reason
	}
	WriteError(w, status, kind, msg)
}

// ParseJSON decodes the request body as JSON into v.
// It validates that the Content-Type header is application/json and
// returns an error for missing/incorrect content type or malformed JSON.
func ParseJSON(r *http.Request, v any) error {
	ct := r.Header.Get("Content-Type")
	if ct == "" || !strings.HasPrefix(ct, "application/json") {
		return fmt.Errorf("Request body must be valid JSON with Content-Type: application/json")
	}

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("Request body must be valid JSON with Content-Type: application/json")
	}

	return nil
}
