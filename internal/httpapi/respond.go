package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/czhaoca/pathfinder-sub004/internal/governance"
	"github.com/czhaoca/pathfinder-sub004/internal/obs"
)

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// respondError maps a governance error to its stable wire code and HTTP
// status. Unknown errors become opaque 500s; their detail stays in logs.
func respondError(w http.ResponseWriter, err error) {
	code := governance.Code(err)
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		obs.LogEvent(map[string]any{"event": "http.internal_error", "error": msg})
		msg = "internal error"
	}
	writeJSON(w, status, map[string]any{"error": errorBody{Code: code, Message: msg}})
}

func respondErrorMsg(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]any{"error": errorBody{Code: code, Message: msg}})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, governance.ErrValidation),
		errors.Is(err, governance.ErrInvalidOrExpiredToken):
		return http.StatusBadRequest
	case errors.Is(err, governance.ErrPermissionDenied),
		errors.Is(err, governance.ErrSelfActionForbidden):
		return http.StatusForbidden
	case errors.Is(err, governance.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, governance.ErrAlreadyVoted),
		errors.Is(err, governance.ErrAlreadyCompleted):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return governance.ErrValidation
	}
	return nil
}
