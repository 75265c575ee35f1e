// Package httpapi exposes the identity service over plain HTTP/JSON.
// It is a thin shell: every decision (credential checks, token
// verification, permission grants) is delegated to internal/auth, and
// the package's only real job is wire shape, status codes, and the
// middleware chain.
package httpapi

import (
	"context"
	"net/http"

	"tessera.id/internal/auth"
	"tessera.id/internal/obs"
)

// ReadyProbe reports whether downstream dependencies are reachable.
// The API answers /readyz from it.
type ReadyProbe func(ctx context.Context) error

// API wires HTTP routes to the auth service.
type API struct {
	mux       *http.ServeMux
	authority *auth.Authority
	policies  *auth.PolicyResolver
	quota     *quotaGuard
	ready     ReadyProbe
	version   string

	rateBurst  int
	ratePerSec int
}

// Option customises API construction.
type Option func(*API)

// WithReadyProbe installs a readiness check for /readyz.
func WithReadyProbe(p ReadyProbe) Option {
	return func(a *API) { a.ready = p }
}

// WithVersion reports the given version string from /healthz.
func WithVersion(v string) Option {
	return func(a *API) { a.version = v }
}

// New builds the API around an auth.Authority. The policy resolver is
// used for per-tenant request quotas; pass nil to disable quota
// enforcement.
func New(authority *auth.Authority, policies *auth.PolicyResolver, opts ...Option) *API {
	a := &API{
		mux:        http.NewServeMux(),
		authority:  authority,
		policies:   policies,
		version:    "dev",
		rateBurst:  20,
		ratePerSec: 10,
	}
	for _, opt := range opts {
		opt(a)
	}
	if policies != nil {
		a.quota = newQuotaGuard(policies)
	}
	a.routes()
	return a
}

func (a *API) routes() {
	a.mux.HandleFunc("/healthz", a.handleHealthz)
	a.mux.HandleFunc("/readyz", a.handleReadyz)
	a.mux.Handle("/metrics", obs.Handler())

	a.mux.HandleFunc("/v1/auth/login", a.handleLogin)
	a.mux.HandleFunc("/v1/auth/refresh", a.handleRefresh)
	a.mux.HandleFunc("/v1/auth/register", a.handleRegister)

	a.mux.HandleFunc("/v1/auth/logout", a.withAuth(a.handleLogout))
	a.mux.HandleFunc("/v1/auth/me", a.withAuth(a.handleMe))
	a.mux.HandleFunc("/v1/auth/password", a.withAuth(a.handleChangePassword))
	a.mux.HandleFunc("/v1/auth/sessions/purge",
		a.withAuth(a.requirePermission("sessions", "purge", a.handlePurgeSessions)))
}

// Handler returns the full middleware chain around the router.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = MaxBodyBytes(h, defaultMaxBody)
	h = RateLimit(h, a.rateBurst, a.ratePerSec)
	h = CORS(h)
	h = SecurityHeaders(h)
	h = Logging(h)
	h = obs.Instrument(h)
	return h
}

func (a *API) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": a.version,
	})
}

func (a *API) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if a.ready != nil {
		if err := a.ready(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "not_ready", "dependency unavailable")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
