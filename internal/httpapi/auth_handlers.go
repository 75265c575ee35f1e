package httpapi

import (
	"errors"
	"net/http"
	"time"

	"tessera.id/internal/audit"
	"tessera.id/internal/auth"
	"tessera.id/internal/obs"
)

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	TenantID string `json:"tenant_id"`
}

type tokenResponse struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
	TokenType        string    `json:"token_type"`
}

func loginOutcome(err error) string {
	switch {
	case errors.Is(err, auth.ErrInvalidCredentials):
		return "invalid_credentials"
	case errors.Is(err, auth.ErrMFARequired):
		return "mfa_required"
	case errors.Is(err, auth.ErrTenantNotFound) || errors.Is(err, auth.ErrTenantInactive):
		return "policy_rejected"
	default:
		return "error"
	}
}

func tokenResponseFrom(pair auth.TokenPair) tokenResponse {
	return tokenResponse{
		AccessToken:      pair.AccessToken,
		RefreshToken:     pair.RefreshToken,
		AccessExpiresAt:  pair.AccessExpiresAt,
		RefreshExpiresAt: pair.RefreshExpiresAt,
		TokenType:        "Bearer",
	}
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req loginRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	pair, principal, err := a.authority.Login(r.Context(), req.Email, req.Password, req.TenantID)
	if err != nil {
		obs.ObserveLogin(loginOutcome(err))
		_ = audit.LogEvent(r.Context(), "login.denied", map[string]any{
			"tenant_id": req.TenantID,
		})
		writeAuthError(w, err)
		return
	}

	obs.ObserveLogin("success")
	_ = audit.LogEvent(r.Context(), "login.succeeded", map[string]any{
		"subject_id": principal.SubjectID,
		"tenant_id":  principal.TenantID,
		"session_id": principal.SessionID,
	})
	writeJSON(w, http.StatusOK, tokenResponseFrom(pair))
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req refreshRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	pair, err := a.authority.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		writeAuthError(w, err)
		return
	}

	_ = audit.LogEvent(r.Context(), "session.refreshed", nil)
	writeJSON(w, http.StatusOK, tokenResponseFrom(pair))
}

type registerRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	TenantID string `json:"tenant_id"`
	Role     string `json:"role"`
}

type subjectResponse struct {
	ID       string `json:"id"`
	TenantID string `json:"tenant_id"`
	Email    string `json:"email"`
	Role     string `json:"role"`
	Status   string `json:"status"`
}

func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req registerRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	subject, err := a.authority.Register(r.Context(), req.Email, req.Password, req.TenantID, req.Role)
	if err != nil {
		writeAuthError(w, err)
		return
	}

	_ = audit.LogEvent(r.Context(), "subject.registered", map[string]any{
		"subject_id": subject.ID,
		"tenant_id":  subject.TenantID,
	})
	writeJSON(w, http.StatusCreated, subjectResponse{
		ID:       subject.ID,
		TenantID: subject.TenantID,
		Email:    subject.Email,
		Role:     subject.Role,
		Status:   subject.Status,
	})
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	principal, _ := auth.PrincipalFromContext(r.Context())
	if err := a.authority.Logout(r.Context(), principal.SessionID); err != nil {
		writeAuthError(w, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "session.revoked", map[string]any{
		"session_id": principal.SessionID,
	})
	writeJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

func (a *API) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req changePasswordRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	principal, _ := auth.PrincipalFromContext(r.Context())
	if err := a.authority.ChangePassword(r.Context(), principal.SubjectID, req.CurrentPassword, req.NewPassword); err != nil {
		writeAuthError(w, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "credential.changed", map[string]any{
		"subject_id": principal.SubjectID,
	})
	writeJSON(w, http.StatusOK, map[string]string{"status": "changed"})
}

func (a *API) handlePurgeSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	purged, err := a.authority.PurgeExpiredSessions(r.Context())
	if err != nil {
		writeAuthError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"purged": purged})
}

type principalResponse struct {
	SubjectID  string `json:"subject_id"`
	TenantID   string `json:"tenant_id"`
	Role       string `json:"role"`
	SessionID  string `json:"session_id"`
	Verified   bool   `json:"verified"`
	MFAEnabled bool   `json:"mfa_enabled"`
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	principal, _ := auth.PrincipalFromContext(r.Context())
	writeJSON(w, http.StatusOK, principalResponse{
		SubjectID:  principal.SubjectID,
		TenantID:   principal.TenantID,
		Role:       principal.Role,
		SessionID:  principal.SessionID,
		Verified:   principal.Verified,
		MFAEnabled: principal.MFAEnabled,
	})
}
