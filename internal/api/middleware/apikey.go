package middleware

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
)

// APIKeyAuth validates API keys on every non-public path.
//
// Keys are given as "key" or "tenant:key". A tenant-bound key pins the
// request to that tenant regardless of the X-Tenant header. Callers send the
// key as Authorization: Bearer <key>, X-API-Key: <key> or ?api_key=<key>.
//
// With no keys configured the middleware lets everything through.
type APIKeyAuth struct {
	mu   sync.RWMutex
	keys map[string]string // key → bound tenant, "" for unbound
}

func NewAPIKeyAuth(keys []string) *APIKeyAuth {
	a := &APIKeyAuth{keys: make(map[string]string)}
	for _, entry := range keys {
		tenant, key, found := strings.Cut(strings.TrimSpace(entry), ":")
		if !found {
			tenant, key = "", tenant
		}
		a.AddKey(strings.TrimSpace(key), strings.TrimSpace(tenant))
	}
	return a
}

// Enabled returns whether API key auth is active.
func (a *APIKeyAuth) Enabled() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.keys) > 0
}

// AddKey adds a key at runtime. tenant may be empty.
func (a *APIKeyAuth) AddKey(key, tenant string) {
	if key == "" {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.keys[key] = tenant
}

// RemoveKey removes a key at runtime.
func (a *APIKeyAuth) RemoveKey(key string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.keys, key)
}

// Middleware enforces API key auth.
func (a *APIKeyAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.Enabled() || isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		apiKey := extractAPIKey(r)
		if apiKey == "" {
			respondUnauthorized(w, "API key required. Set Authorization: Bearer <key> or X-API-Key header.")
			return
		}
		tenant, ok := a.validateKey(apiKey)
		if !ok {
			respondUnauthorized(w, "Invalid API key.")
			return
		}

		if tenant != "" {
			r = r.WithContext(context.WithValue(r.Context(), boundTenantKey, tenant))
		}
		next.ServeHTTP(w, r)
	})
}

func (a *APIKeyAuth) validateKey(candidate string) (string, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	var (
		tenant string
		found  bool
	)
	// Compare against every key so timing doesn't reveal which matched.
	for key, t := range a.keys {
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(key)) == 1 {
			tenant, found = t, true
		}
	}
	return tenant, found
}

func extractAPIKey(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	return r.URL.Query().Get("api_key")
}

func isPublicPath(path string) bool {
	return path == "/health" || path == "/version"
}

func respondUnauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="dispatch-plane"`)
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":   "unauthorized",
		"message": msg,
	})
}
