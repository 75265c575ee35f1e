package httpapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"tessera.id/internal/auth"
)

func TestSecurityHeaders(t *testing.T) {
	h := SecurityHeaders(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	for header, want := range map[string]string{
		"X-Content-Type-Options": "nosniff",
		"X-Frame-Options":        "DENY",
		"Referrer-Policy":        "no-referrer",
		"Cache-Control":          "no-store",
	} {
		if got := rec.Header().Get(header); got != want {
			t.Errorf("%s = %q, want %q", header, got, want)
		}
	}
}

func TestCORSPreflight(t *testing.T) {
	h := CORS(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("preflight must not reach the handler")
	}))

	req := httptest.NewRequest(http.MethodOptions, "/v1/auth/login", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Fatalf("allow-origin = %q", got)
	}
}

func TestCORSRejectsForeignOrigin(t *testing.T) {
	h := CORS(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("allow-origin = %q, want empty", got)
	}
}

func TestRateLimitPerIP(t *testing.T) {
	h := RateLimit(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}), 2, 1)

	send := func(addr string) int {
		req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		req.RemoteAddr = addr
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	if code := send("10.0.0.1:4000"); code != http.StatusOK {
		t.Fatalf("first request = %d, want 200", code)
	}
	if code := send("10.0.0.1:4000"); code != http.StatusOK {
		t.Fatalf("second request = %d, want 200", code)
	}
	if code := send("10.0.0.1:4000"); code != http.StatusTooManyRequests {
		t.Fatalf("third request = %d, want 429", code)
	}
	// другой IP получает собственный bucket
	if code := send("10.0.0.2:4000"); code != http.StatusOK {
		t.Fatalf("fresh IP = %d, want 200", code)
	}
}

func TestLimiterPoolSweepsStaleBuckets(t *testing.T) {
	pool := newLimiterPool(1, 1)
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	pool.now = func() time.Time { return now }

	pool.allow("10.0.0.1")
	pool.allow("10.0.0.2")
	if len(pool.buckets) != 2 {
		t.Fatalf("buckets = %d, want 2", len(pool.buckets))
	}

	// 10.0.0.2 stays active; 10.0.0.1 goes idle past the ttl
	now = now.Add(4 * time.Minute)
	pool.allow("10.0.0.2")
	now = now.Add(2 * time.Minute)
	pool.allow("10.0.0.3")

	if _, ok := pool.buckets["10.0.0.1"]; ok {
		t.Fatal("stale bucket survived the sweep")
	}
	if _, ok := pool.buckets["10.0.0.2"]; !ok {
		t.Fatal("active bucket was swept")
	}
}

func TestMaxBodyBytes(t *testing.T) {
	env := newTestAPI(t, activeTenant("acme"))

	big := make([]byte, defaultMaxBody+1)
	for i := range big {
		big[i] = 'a'
	}
	resp := env.post("/v1/auth/login", string(big), nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestClientIPPrefersForwardedFor(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.9:1234"
	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	if got := clientIP(req); got != "203.0.113.7" {
		t.Fatalf("clientIP = %q, want first forwarded address", got)
	}

	req.Header.Del("X-Forwarded-For")
	if got := clientIP(req); got != "10.0.0.9" {
		t.Fatalf("clientIP = %q, want remote host", got)
	}
}

func TestQuotaGuardResetsAtMidnight(t *testing.T) {
	store := auth.NewMemoryStore()
	tenant := activeTenant("acme")
	tenant.APIQuotaDaily = 1
	store.AddTenant(tenant)

	policies, err := auth.NewPolicyResolver(store)
	if err != nil {
		t.Fatalf("policy resolver: %v", err)
	}
	guard := newQuotaGuard(policies)
	now := time.Date(2024, 6, 1, 23, 59, 0, 0, time.UTC)
	guard.now = func() time.Time { return now }

	ctx := context.Background()
	if ok, err := guard.allow(ctx, "acme"); err != nil || !ok {
		t.Fatalf("first request: ok=%v err=%v", ok, err)
	}
	if ok, _ := guard.allow(ctx, "acme"); ok {
		t.Fatal("second request should exceed quota")
	}

	now = now.Add(2 * time.Minute)
	if ok, err := guard.allow(ctx, "acme"); err != nil || !ok {
		t.Fatalf("after midnight: ok=%v err=%v", ok, err)
	}
}

func TestPurgeRequiresGrant(t *testing.T) {
	env := newTestAPI(t, activeTenant("acme"))
	env.register("admin@example.com", goodPassword, "acme", "admin")
	env.register("member@example.com", goodPassword, "acme", "member")
	env.store.AddGrant(auth.RoleGrant{
		TenantID: "acme", Role: "admin", Resource: "sessions", Action: "purge",
	})

	login := func(email string) tokenResponse {
		return decodeBody[tokenResponse](env.t, env.post("/v1/auth/login", loginRequest{
			Email: email, Password: goodPassword, TenantID: "acme",
		}, nil))
	}

	admin := login("admin@example.com")
	member := login("member@example.com")

	resp := env.post("/v1/auth/sessions/purge", nil, bearer(member.AccessToken))
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("member purge = %d, want 403", resp.StatusCode)
	}
	resp.Body.Close()

	resp = env.post("/v1/auth/sessions/purge", nil, bearer(admin.AccessToken))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("admin purge = %d, want 200", resp.StatusCode)
	}
	resp.Body.Close()
}
