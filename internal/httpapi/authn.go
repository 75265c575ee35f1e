package httpapi

import (
	"net/http"
	"strings"

	"tessera.id/internal/auth"
	"tessera.id/internal/obs"
)

// withAuth verifies the bearer token and places the resulting
// principal on the request context. All verification failures answer
// with the same 401 body.
func (a *API) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			obs.ObserveTokenVerification("missing")
			writeError(w, http.StatusUnauthorized, "unauthorized", "invalid credentials or session")
			return
		}

		principal, err := a.authority.Authenticate(r.Context(), token)
		if err != nil {
			obs.ObserveTokenVerification("rejected")
			writeAuthError(w, err)
			return
		}

		obs.ObserveTokenVerification("accepted")

		if a.quota != nil {
			ok, err := a.quota.allow(r.Context(), principal.TenantID)
			if err != nil {
				writeAuthError(w, err)
				return
			}
			if !ok {
				writeError(w, http.StatusTooManyRequests, "quota_exceeded", "daily API quota exhausted")
				return
			}
		}

		next(w, r.WithContext(auth.ContextWithPrincipal(r.Context(), principal)))
	}
}

// requirePermission gates a handler on an RBAC decision for the
// context principal. Unknown roles and empty grant sets deny.
func (a *API) requirePermission(resource, action string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		principal, ok := auth.PrincipalFromContext(r.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized", "invalid credentials or session")
			return
		}

		allowed, err := a.authority.Authorize(r.Context(), principal, resource, action)
		if err != nil {
			writeAuthError(w, err)
			return
		}
		obs.ObserveAuthzDecision(allowed)
		if !allowed {
			writeError(w, http.StatusForbidden, "forbidden", "permission denied")
			return
		}
		next(w, r)
	}
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	return strings.TrimSpace(header[len(prefix):]), true
}
