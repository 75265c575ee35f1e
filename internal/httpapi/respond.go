package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"tessera.id/internal/auth"
)

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{Error: code, Message: message})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "malformed request body")
		return false
	}
	return true
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "")
}

// writeAuthError maps service errors onto wire responses. Credential
// and token failures collapse into one generic 401 so callers cannot
// probe which accounts or sessions exist; policy violations keep their
// specific codes because the caller can act on them.
func writeAuthError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, auth.ErrInvalidCredentials) || auth.IsTokenError(err):
		writeError(w, http.StatusUnauthorized, "unauthorized", "invalid credentials or session")
	case errors.Is(err, auth.ErrMFARequired):
		writeError(w, http.StatusForbidden, "mfa_required", "multi-factor authentication is required by tenant policy")
	case errors.Is(err, auth.ErrPasswordTooWeak):
		writeError(w, http.StatusBadRequest, "password_too_weak", "password does not meet tenant policy")
	case errors.Is(err, auth.ErrTenantNotFound):
		writeError(w, http.StatusNotFound, "tenant_not_found", "unknown tenant")
	case errors.Is(err, auth.ErrTenantInactive):
		writeError(w, http.StatusForbidden, "tenant_inactive", "tenant is suspended or expired")
	case errors.Is(err, auth.ErrAlreadyExists):
		writeError(w, http.StatusConflict, "already_exists", "")
	case errors.Is(err, auth.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "bad_request", "invalid input")
	case errors.Is(err, auth.ErrDirectoryUnavailable):
		writeError(w, http.StatusServiceUnavailable, "unavailable", "directory unavailable, retry later")
	default:
		writeError(w, http.StatusInternalServerError, "internal", "")
	}
}
