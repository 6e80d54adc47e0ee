package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caravel-ai/caravel/pkg/auth"
	"github.com/caravel-ai/caravel/pkg/models"
)

func TestLoginSetsCookieAndReturnsUser(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/auth/login", "", map[string]string{
		"email": "admin@example.com", "password": "hunter2hunter2",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var data struct {
		User models.User `json:"user"`
	}
	dataInto(t, rec, &data)
	assert.Equal(t, "admin@example.com", data.User.Email)
	assert.Equal(t, models.RoleAdmin, data.User.Role)
	assert.NotContains(t, rec.Body.String(), "passwordHash")

	cookie := sessionCookie(t, rec)
	require.NotNil(t, cookie)
	assert.True(t, cookie.HttpOnly)
	assert.NotEmpty(t, cookie.Value)

	// The cookie authenticates follow-up requests.
	req := httptest.NewRequest(http.MethodGet, "/api/auth/me", nil)
	req.AddCookie(cookie)
	me := httptest.NewRecorder()
	f.server.Router().ServeHTTP(me, req)
	require.Equal(t, http.StatusOK, me.Code, me.Body.String())
	assert.Contains(t, me.Body.String(), `"kind":"session"`)
}

func TestLoginFailuresAreUniform401s(t *testing.T) {
	f := newFixture(t)

	for _, body := range []map[string]string{
		{"email": "admin@example.com", "password": "wrong-password"},
		{"email": "nobody@example.com", "password": "hunter2hunter2"},
	} {
		rec := f.do(t, http.MethodPost, "/api/auth/login", "", body)
		require.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, "UNAUTHORIZED", errorCode(t, rec))
	}
}

func TestLogoutRevokesTheSession(t *testing.T) {
	f := newFixture(t)

	login := f.do(t, http.MethodPost, "/api/auth/login", "", map[string]string{
		"email": "admin@example.com", "password": "hunter2hunter2",
	})
	require.Equal(t, http.StatusOK, login.Code)
	cookie := sessionCookie(t, login)
	require.NotNil(t, cookie)

	logoutReq := httptest.NewRequest(http.MethodPost, "/api/auth/logout", nil)
	logoutReq.AddCookie(cookie)
	logout := httptest.NewRecorder()
	f.server.Router().ServeHTTP(logout, logoutReq)
	require.Equal(t, http.StatusOK, logout.Code)

	cleared := sessionCookie(t, logout)
	require.NotNil(t, cleared)
	assert.Empty(t, cleared.Value)

	// The old cookie no longer authenticates.
	meReq := httptest.NewRequest(http.MethodGet, "/api/auth/me", nil)
	meReq.AddCookie(cookie)
	me := httptest.NewRecorder()
	f.server.Router().ServeHTTP(me, meReq)
	assert.Equal(t, http.StatusUnauthorized, me.Code)

	// Logging out again is a quiet no-op.
	again := httptest.NewRecorder()
	againReq := httptest.NewRequest(http.MethodPost, "/api/auth/logout", nil)
	againReq.AddCookie(cookie)
	f.server.Router().ServeHTTP(again, againReq)
	assert.Equal(t, http.StatusOK, again.Code)
}

func TestMeDescribesEveryCredentialKind(t *testing.T) {
	f := newFixture(t)
	agentID := f.seedAgent(t, "scout", nil)
	agentKey := f.mintAgentKey(t, agentID)

	rec := f.do(t, http.MethodGet, "/api/auth/me", f.adminKey, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"kind":"user_key"`)
	assert.Contains(t, rec.Body.String(), `"role":"admin"`)

	rec = f.do(t, http.MethodGet, "/api/auth/me", agentKey, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"kind":"agent_key"`)
	assert.Contains(t, rec.Body.String(), `"agentName":"scout"`)
}

func TestProtectedRoutesRequireACredential(t *testing.T) {
	f := newFixture(t)

	for _, path := range []string{"/api/tasks", "/api/agents", "/api/auth/me", "/api/activity"} {
		rec := f.do(t, http.MethodGet, path, "", nil)
		require.Equal(t, http.StatusUnauthorized, rec.Code, path)
		assert.Equal(t, "UNAUTHORIZED", errorCode(t, rec), path)
	}

	rec := f.do(t, http.MethodGet, "/api/tasks", "cav_uk_forged-credential-material", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHealthReportsComponents(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"database":"healthy"`)
}

func TestRequestIDPropagates(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "req-1234")
	rec := httptest.NewRecorder()
	f.server.Router().ServeHTTP(rec, req)
	assert.Equal(t, "req-1234", rec.Header().Get("X-Request-ID"))

	rec = f.do(t, http.MethodGet, "/health", "", nil)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func sessionCookie(t *testing.T, rec *httptest.ResponseRecorder) *http.Cookie {
	t.Helper()
	res := rec.Result()
	defer func() { _ = res.Body.Close() }()
	for _, c := range res.Cookies() {
		if c.Name == auth.SessionCookie {
			return c
		}
	}
	return nil
}
