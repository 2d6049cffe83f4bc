package middleware_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/agentoven/agentoven/dispatch-plane/internal/api/middleware"
	"github.com/stretchr/testify/assert"
)

// tenantEcho writes the resolved tenant as the body.
func tenantEcho(auth *middleware.APIKeyAuth) http.Handler {
	inner := middleware.TenantExtractor(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(middleware.GetTenantID(r.Context())))
	}))
	return auth.Middleware(inner)
}

func serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestAPIKeyAuthDisabled(t *testing.T) {
	auth := middleware.NewAPIKeyAuth(nil)
	assert.False(t, auth.Enabled())

	w := serve(tenantEcho(auth), httptest.NewRequest(http.MethodGet, "/api/v1/tools", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "default", w.Body.String())
}

func TestAPIKeyAuthValidKey(t *testing.T) {
	auth := middleware.NewAPIKeyAuth([]string{"key-1", "key-2"})
	h := tenantEcho(auth)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/tools", nil)
	req.Header.Set("Authorization", "Bearer key-1")
	assert.Equal(t, http.StatusOK, serve(h, req).Code)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/tools", nil)
	req.Header.Set("X-API-Key", "key-2")
	assert.Equal(t, http.StatusOK, serve(h, req).Code)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/tools?api_key=key-2", nil)
	assert.Equal(t, http.StatusOK, serve(h, req).Code)
}

func TestAPIKeyAuthRejects(t *testing.T) {
	h := tenantEcho(middleware.NewAPIKeyAuth([]string{"valid"}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/tools", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	w := serve(h, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Header().Get("WWW-Authenticate"), "Bearer")

	assert.Equal(t, http.StatusUnauthorized, serve(h, httptest.NewRequest(http.MethodGet, "/api/v1/tools", nil)).Code)
}

func TestAPIKeyAuthPublicPaths(t *testing.T) {
	h := tenantEcho(middleware.NewAPIKeyAuth([]string{"valid"}))
	for _, path := range []string{"/health", "/version"} {
		assert.Equal(t, http.StatusOK, serve(h, httptest.NewRequest(http.MethodGet, path, nil)).Code, path)
	}
}

func TestTenantBoundKeyOverridesHeader(t *testing.T) {
	h := tenantEcho(middleware.NewAPIKeyAuth([]string{"acme:k1", "k2"}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/tools", nil)
	req.Header.Set("X-API-Key", "k1")
	req.Header.Set("X-Tenant", "globex")
	assert.Equal(t, "acme", serve(h, req).Body.String())

	req = httptest.NewRequest(http.MethodGet, "/api/v1/tools", nil)
	req.Header.Set("X-API-Key", "k2")
	req.Header.Set("X-Tenant", "globex")
	assert.Equal(t, "globex", serve(h, req).Body.String())
}

func TestTenantExtractorQueryFallback(t *testing.T) {
	h := tenantEcho(middleware.NewAPIKeyAuth(nil))
	w := serve(h, httptest.NewRequest(http.MethodGet, "/api/v1/tools?tenant=initech", nil))
	assert.Equal(t, "initech", w.Body.String())
}

func TestAddRemoveKey(t *testing.T) {
	auth := middleware.NewAPIKeyAuth(nil)
	auth.AddKey("k", "")
	assert.True(t, auth.Enabled())
	auth.RemoveKey("k")
	assert.False(t, auth.Enabled())
}
