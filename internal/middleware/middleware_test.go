package middleware_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/technosupport/vms-alerts/internal/middleware"
	"github.com/technosupport/vms-alerts/internal/tokens"
)

type memBlacklist struct {
	revoked map[string]bool
	err     error
}

func (b *memBlacklist) IsBlacklisted(_ context.Context, jti string) (bool, error) {
	return b.revoked[jti], b.err
}

func (b *memBlacklist) AddToBlacklist(_ context.Context, jti string, _ time.Duration) error {
	b.revoked[jti] = true
	return nil
}

func okHandler(t *testing.T, want tokens.Role) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ac, ok := middleware.GetAuthContext(r.Context())
		if !ok {
			t.Error("auth context missing")
		} else if ac.Role != want {
			t.Errorf("role = %s, want %s", ac.Role, want)
		}
		w.WriteHeader(http.StatusOK)
	})
}

func do(h http.Handler, token string) int {
	req := httptest.NewRequest(http.MethodGet, "/api/v1/alerts/x", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w.Code
}

func TestJWTAuth(t *testing.T) {
	tm := tokens.NewManager("middleware-test-key", time.Hour)
	bl := &memBlacklist{revoked: map[string]bool{}}
	auth := middleware.NewJWTAuth(tm, bl, nil)
	h := auth.Middleware(okHandler(t, tokens.RoleOperator))

	tok, err := tm.Generate("op-1", tokens.RoleOperator)
	if err != nil {
		t.Fatal(err)
	}

	if code := do(h, tok); code != http.StatusOK {
		t.Errorf("valid token: expected 200, got %d", code)
	}
	if code := do(h, ""); code != http.StatusUnauthorized {
		t.Errorf("missing token: expected 401, got %d", code)
	}
	if code := do(h, "not-a-jwt"); code != http.StatusUnauthorized {
		t.Errorf("garbage token: expected 401, got %d", code)
	}

	claims, _ := tm.Validate(tok)
	bl.revoked[claims.ID] = true
	if code := do(h, tok); code != http.StatusUnauthorized {
		t.Errorf("revoked token: expected 401, got %d", code)
	}
}

func TestJWTAuth_BlacklistErrorFailsClosed(t *testing.T) {
	tm := tokens.NewManager("middleware-test-key", time.Hour)
	auth := middleware.NewJWTAuth(tm, &memBlacklist{err: errors.New("redis down")}, nil)
	h := auth.Middleware(okHandler(t, tokens.RoleAdmin))

	tok, _ := tm.Generate("op-1", tokens.RoleAdmin)
	if code := do(h, tok); code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", code)
	}
}

func TestRequireRole(t *testing.T) {
	tm := tokens.NewManager("middleware-test-key", time.Hour)
	auth := middleware.NewJWTAuth(tm, nil, nil)
	h := auth.Middleware(middleware.RequireRole(tokens.RoleAdmin)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})))

	viewer, _ := tm.Generate("v", tokens.RoleViewer)
	admin, _ := tm.Generate("a", tokens.RoleAdmin)

	if code := do(h, viewer); code != http.StatusForbidden {
		t.Errorf("viewer: expected 403, got %d", code)
	}
	if code := do(h, admin); code != http.StatusNoContent {
		t.Errorf("admin: expected 204, got %d", code)
	}

	bare := middleware.RequireRole(tokens.RoleViewer)(http.NotFoundHandler())
	if code := do(bare, ""); code != http.StatusUnauthorized {
		t.Errorf("no auth context: expected 401, got %d", code)
	}
}

func TestRequestLogger_SetsRequestID(t *testing.T) {
	h := middleware.RequestLogger(nopLogger())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("expected generated X-Request-ID")
	}
	if w.Code != http.StatusTeapot {
		t.Errorf("expected 418, got %d", w.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "abc")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if got := w.Header().Get("X-Request-ID"); got != "abc" {
		t.Errorf("expected caller request id, got %q", got)
	}
}

func TestCORS(t *testing.T) {
	h := middleware.CORS([]string{"https://console.example"})(http.NotFoundHandler())

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/events", nil)
	req.Header.Set("Origin", "https://console.example")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusNoContent {
		t.Errorf("preflight: expected 204, got %d", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://console.example" {
		t.Errorf("allow origin = %q", got)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/events", nil)
	req.Header.Set("Origin", "https://evil.example")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("unexpected allow origin %q", got)
	}
}
