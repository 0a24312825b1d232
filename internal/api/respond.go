package api

import (
	"net/http"

	apperrors "github.com/masshaul/masshaul/internal/errors"
)

// writeJobJSON writes a JSON body with the request ID header echoed.
func writeJobJSON(w http.ResponseWriter, r *http.Request, status int, data any) {
	apperrors.WriteJSON(w, apperrors.GetRequestID(r.Context()), status, data)
}

// writeJobError maps an error onto the shared envelope. AppError
// classifications carry their HTTP status; anything else becomes a 500.
func writeJobError(w http.ResponseWriter, r *http.Request, err error) {
	apperrors.WriteError(w, apperrors.GetRequestID(r.Context()), err)
}
