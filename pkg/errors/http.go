package errors

import (
	"encoding/json"
	"errors"
	"net/http"
)

var errorStatusCodes = map[error]int{
	ErrNotFound:           http.StatusNotFound,
	ErrInvalidInput:       http.StatusBadRequest,
	ErrInternalError:      http.StatusInternalServerError,
	ErrUnavailable:        http.StatusServiceUnavailable,
	ErrPermissionDenied:   http.StatusForbidden,
	ErrFailedPrecondition: http.StatusPreconditionFailed,

	ErrInvalidSIPMessage:    http.StatusBadRequest,
	ErrInvalidAddress:       http.StatusBadRequest,
	ErrUnsupportedTransport: http.StatusBadRequest,
	ErrFlowFailed:           http.StatusBadGateway,
	ErrFlowTampered:         http.StatusForbidden,
	ErrBindingNotFound:      http.StatusNotFound,
}

// WriteError writes a JSON error body with the status mapped from err
func WriteError(w http.ResponseWriter, err error) {
	statusCode := http.StatusInternalServerError
	var response map[string]interface{}

	var serr *Error
	switch {
	case err == nil:
		response = map[string]interface{}{"error": "Unknown error"}
	case errors.As(err, &serr):
		statusCode = HTTPStatusFromError(serr)
		response = serr.AsJSON()
	default:
		statusCode = HTTPStatusFromError(err)
		response = map[string]interface{}{"error": err.Error()}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(response)
}

// HTTPStatusFromError walks the wrap chain looking for a mapped sentinel
func HTTPStatusFromError(err error) int {
	for sentinel, code := range errorStatusCodes {
		if errors.Is(err, sentinel) {
			return code
		}
	}
	return http.StatusInternalServerError
}
