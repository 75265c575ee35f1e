package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"tessera.id/internal/auth"
)

type testEnv struct {
	baseURL   string
	client    *http.Client
	store     *auth.MemoryStore
	authority *auth.Authority
	t         *testing.T
}

func newTestAPI(t *testing.T, tenant auth.Tenant) *testEnv {
	t.Helper()

	keys := auth.NewKeyring()
	if _, err := keys.Rotate(nil); err != nil {
		t.Fatalf("rotate keyring: %v", err)
	}

	store := auth.NewMemoryStore()
	store.AddTenant(tenant)

	policies, err := auth.NewPolicyResolver(store)
	if err != nil {
		t.Fatalf("policy resolver: %v", err)
	}
	perms, err := auth.NewPermissionResolver(store)
	if err != nil {
		t.Fatalf("permission resolver: %v", err)
	}
	authority, err := auth.NewAuthority(
		auth.NewHasher(4),
		auth.NewCodec(keys),
		policies,
		perms,
		store,
		store,
	)
	if err != nil {
		t.Fatalf("authority: %v", err)
	}

	api := New(authority, policies)
	api.rateBurst = 100
	api.ratePerSec = 100

	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	return &testEnv{
		baseURL:   srv.URL,
		client:    srv.Client(),
		store:     store,
		authority: authority,
		t:         t,
	}
}

func activeTenant(id string) auth.Tenant {
	return auth.Tenant{ID: id, Name: id, Status: auth.TenantStatusActive}
}

func (e *testEnv) post(path string, body any, headers map[string]string) *http.Response {
	e.t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			e.t.Fatalf("marshal body: %v", err)
		}
	}
	req, err := http.NewRequest(http.MethodPost, e.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		e.t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		e.t.Fatalf("do request: %v", err)
	}
	return resp
}

func (e *testEnv) get(path string, headers map[string]string) *http.Response {
	e.t.Helper()
	req, err := http.NewRequest(http.MethodGet, e.baseURL+path, nil)
	if err != nil {
		e.t.Fatalf("new request: %v", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		e.t.Fatalf("do request: %v", err)
	}
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	return v
}

func (e *testEnv) register(email, password, tenantID, role string) auth.Subject {
	e.t.Helper()
	subject, err := e.authority.Register(context.Background(), email, password, tenantID, role)
	if err != nil {
		e.t.Fatalf("register %s: %v", email, err)
	}
	return subject
}

func bearer(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

const goodPassword = "Str0ng!pass"

func TestLoginIssuesTokenPair(t *testing.T) {
	env := newTestAPI(t, activeTenant("acme"))
	env.register("alice@example.com", goodPassword, "acme", "admin")

	resp := env.post("/v1/auth/login", loginRequest{
		Email:    "alice@example.com",
		Password: goodPassword,
		TenantID: "acme",
	}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login status = %d, want 200", resp.StatusCode)
	}
	pair := decodeBody[tokenResponse](t, resp)
	if pair.AccessToken == "" || pair.RefreshToken == "" {
		t.Fatal("expected both tokens in response")
	}
	if pair.TokenType != "Bearer" {
		t.Fatalf("token_type = %q, want Bearer", pair.TokenType)
	}
	if !pair.RefreshExpiresAt.After(pair.AccessExpiresAt) {
		t.Fatal("refresh token should outlive access token")
	}

	resp = env.get("/v1/auth/me", bearer(pair.AccessToken))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("me status = %d, want 200", resp.StatusCode)
	}
	me := decodeBody[principalResponse](t, resp)
	if me.TenantID != "acme" || me.Role != "admin" {
		t.Fatalf("unexpected principal: %+v", me)
	}
	if me.SessionID == "" {
		t.Fatal("principal should carry a session id")
	}
}

func TestLoginFailureShapeIsUniform(t *testing.T) {
	env := newTestAPI(t, activeTenant("acme"))
	env.register("alice@example.com", goodPassword, "acme", "member")

	readBody := func(resp *http.Response) (int, string) {
		defer resp.Body.Close()
		b, err := io.ReadAll(resp.Body)
		if err != nil {
			t.Fatalf("read body: %v", err)
		}
		return resp.StatusCode, string(b)
	}

	wrongPassword := env.post("/v1/auth/login", loginRequest{
		Email: "alice@example.com", Password: "Wr0ng!pass!", TenantID: "acme",
	}, nil)
	unknownAccount := env.post("/v1/auth/login", loginRequest{
		Email: "nobody@example.com", Password: goodPassword, TenantID: "acme",
	}, nil)

	s1, b1 := readBody(wrongPassword)
	s2, b2 := readBody(unknownAccount)
	if s1 != http.StatusUnauthorized || s2 != http.StatusUnauthorized {
		t.Fatalf("statuses = %d, %d, want 401 for both", s1, s2)
	}
	if b1 != b2 {
		t.Fatalf("bodies differ:\n%s\n%s", b1, b2)
	}
}

func TestRefreshReturnsNewAccessToken(t *testing.T) {
	env := newTestAPI(t, activeTenant("acme"))
	env.register("alice@example.com", goodPassword, "acme", "member")

	login := decodeBody[tokenResponse](t, env.post("/v1/auth/login", loginRequest{
		Email: "alice@example.com", Password: goodPassword, TenantID: "acme",
	}, nil))

	resp := env.post("/v1/auth/refresh", refreshRequest{RefreshToken: login.RefreshToken}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("refresh status = %d, want 200", resp.StatusCode)
	}
	refreshed := decodeBody[tokenResponse](t, resp)
	if refreshed.AccessToken == "" {
		t.Fatal("expected a fresh access token")
	}

	resp = env.get("/v1/auth/me", bearer(refreshed.AccessToken))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("me with refreshed token = %d, want 200", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestRefreshRejectsAccessToken(t *testing.T) {
	env := newTestAPI(t, activeTenant("acme"))
	env.register("alice@example.com", goodPassword, "acme", "member")

	login := decodeBody[tokenResponse](t, env.post("/v1/auth/login", loginRequest{
		Email: "alice@example.com", Password: goodPassword, TenantID: "acme",
	}, nil))

	resp := env.post("/v1/auth/refresh", refreshRequest{RefreshToken: login.AccessToken}, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestLogoutRevokesSession(t *testing.T) {
	env := newTestAPI(t, activeTenant("acme"))
	env.register("alice@example.com", goodPassword, "acme", "member")

	login := decodeBody[tokenResponse](t, env.post("/v1/auth/login", loginRequest{
		Email: "alice@example.com", Password: goodPassword, TenantID: "acme",
	}, nil))

	resp := env.post("/v1/auth/logout", nil, bearer(login.AccessToken))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("logout status = %d, want 200", resp.StatusCode)
	}
	resp.Body.Close()

	resp = env.get("/v1/auth/me", bearer(login.AccessToken))
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("me after logout = %d, want 401", resp.StatusCode)
	}
	resp.Body.Close()

	resp = env.post("/v1/auth/refresh", refreshRequest{RefreshToken: login.RefreshToken}, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("refresh after logout = %d, want 401", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestRegisterEnforcesPasswordPolicy(t *testing.T) {
	env := newTestAPI(t, activeTenant("acme"))

	resp := env.post("/v1/auth/register", registerRequest{
		Email: "bob@example.com", Password: "short", TenantID: "acme", Role: "member",
	}, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("weak password status = %d, want 400", resp.StatusCode)
	}
	body := decodeBody[errorBody](t, resp)
	if body.Error != "password_too_weak" {
		t.Fatalf("error code = %q, want password_too_weak", body.Error)
	}

	resp = env.post("/v1/auth/register", registerRequest{
		Email: "bob@example.com", Password: goodPassword, TenantID: "acme", Role: "member",
	}, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register status = %d, want 201", resp.StatusCode)
	}
	created := decodeBody[subjectResponse](t, resp)
	if created.ID == "" || created.Email != "bob@example.com" {
		t.Fatalf("unexpected subject: %+v", created)
	}

	resp = env.post("/v1/auth/register", registerRequest{
		Email: "bob@example.com", Password: goodPassword, TenantID: "acme", Role: "member",
	}, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate status = %d, want 409", resp.StatusCode)
	}
}

func TestRegisterUnknownTenant(t *testing.T) {
	env := newTestAPI(t, activeTenant("acme"))

	resp := env.post("/v1/auth/register", registerRequest{
		Email: "bob@example.com", Password: goodPassword, TenantID: "ghost", Role: "member",
	}, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestProtectedRouteWithoutToken(t *testing.T) {
	env := newTestAPI(t, activeTenant("acme"))

	resp := env.get("/v1/auth/me", nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestMalformedBodyRejected(t *testing.T) {
	env := newTestAPI(t, activeTenant("acme"))

	req, err := http.NewRequest(http.MethodPost, env.baseURL+"/v1/auth/login",
		bytes.NewReader([]byte(`{"email": `)))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := env.client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestLoginMethodNotAllowed(t *testing.T) {
	env := newTestAPI(t, activeTenant("acme"))

	resp := env.get("/v1/auth/login", nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", resp.StatusCode)
	}
}

func TestDailyQuotaExhaustion(t *testing.T) {
	tenant := activeTenant("acme")
	tenant.APIQuotaDaily = 2
	env := newTestAPI(t, tenant)
	env.register("alice@example.com", goodPassword, "acme", "member")

	login := decodeBody[tokenResponse](t, env.post("/v1/auth/login", loginRequest{
		Email: "alice@example.com", Password: goodPassword, TenantID: "acme",
	}, nil))

	for i := 0; i < 2; i++ {
		resp := env.get("/v1/auth/me", bearer(login.AccessToken))
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("request %d status = %d, want 200", i+1, resp.StatusCode)
		}
		resp.Body.Close()
	}

	resp := env.get("/v1/auth/me", bearer(login.AccessToken))
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("over-quota status = %d, want 429", resp.StatusCode)
	}
	body := decodeBody[errorBody](t, resp)
	if body.Error != "quota_exceeded" {
		t.Fatalf("error code = %q, want quota_exceeded", body.Error)
	}
}

func TestChangePassword(t *testing.T) {
	env := newTestAPI(t, activeTenant("acme"))
	env.register("alice@example.com", goodPassword, "acme", "member")

	login := decodeBody[tokenResponse](t, env.post("/v1/auth/login", loginRequest{
		Email: "alice@example.com", Password: goodPassword, TenantID: "acme",
	}, nil))

	const newPassword = "N3w!password"

	resp := env.post("/v1/auth/password", changePasswordRequest{
		CurrentPassword: "Wr0ng!pass!", NewPassword: newPassword,
	}, bearer(login.AccessToken))
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("wrong current password = %d, want 401", resp.StatusCode)
	}
	resp.Body.Close()

	resp = env.post("/v1/auth/password", changePasswordRequest{
		CurrentPassword: goodPassword, NewPassword: newPassword,
	}, bearer(login.AccessToken))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("change password = %d, want 200", resp.StatusCode)
	}
	resp.Body.Close()

	resp = env.post("/v1/auth/login", loginRequest{
		Email: "alice@example.com", Password: newPassword, TenantID: "acme",
	}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login with new password = %d, want 200", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestHealthz(t *testing.T) {
	env := newTestAPI(t, activeTenant("acme"))

	resp := env.get("/healthz", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body := decodeBody[map[string]string](t, resp)
	if body["status"] != "ok" {
		t.Fatalf("status field = %q, want ok", body["status"])
	}
}
