package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

var testSigningKey = []byte("test-secret-key-for-unit-tests-only")

func createTestToken(t *testing.T, claims Claims, key []byte) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenStr, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("failed to sign test token: %v", err)
	}
	return tokenStr
}

func validClaims() Claims {
	return Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "dentist-sync-agent",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Roles:      []string{RoleSyncAgent},
		SystemName: "dentist_sync",
	}
}

func runJWT(t *testing.T, header string, cfg JWTConfig, path string) (echo.Context, error) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	c := e.NewContext(req, httptest.NewRecorder())
	err := JWTMiddleware(cfg)(func(c echo.Context) error { return nil })(c)
	return c, err
}

func assertStatus(t *testing.T, err error, code int) {
	t.Helper()
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected echo.HTTPError, got %T (%v)", err, err)
	}
	if httpErr.Code != code {
		t.Errorf("expected %d, got %d", code, httpErr.Code)
	}
}

func TestJWTMiddleware_MissingHeader(t *testing.T) {
	_, err := runJWT(t, "", JWTConfig{SigningKey: testSigningKey}, "/api/v1/mappings")
	assertStatus(t, err, http.StatusUnauthorized)
}

func TestJWTMiddleware_InvalidFormat(t *testing.T) {
	tests := []struct {
		name   string
		header string
	}{
		{"no bearer prefix", "Token abc123"},
		{"missing token", "Bearer"},
		{"empty value", "Bearer "},
		{"basic auth", "Basic dXNlcjpwYXNz"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := runJWT(t, tt.header, JWTConfig{SigningKey: testSigningKey}, "/")
			assertStatus(t, err, http.StatusUnauthorized)
		})
	}
}

func TestJWTMiddleware_ValidToken(t *testing.T) {
	token := createTestToken(t, validClaims(), testSigningKey)
	c, err := runJWT(t, "Bearer "+token, JWTConfig{SigningKey: testSigningKey}, "/api/v1/resolve/ref")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ctx := c.Request().Context()
	if got := SubjectFromContext(ctx); got != "dentist-sync-agent" {
		t.Errorf("expected subject dentist-sync-agent, got %q", got)
	}
	if got := SystemFromContext(ctx); got != "dentist_sync" {
		t.Errorf("expected system dentist_sync, got %q", got)
	}
	if roles := RolesFromContext(ctx); len(roles) != 1 || roles[0] != RoleSyncAgent {
		t.Errorf("unexpected roles %v", roles)
	}
}

func TestJWTMiddleware_WrongKey(t *testing.T) {
	token := createTestToken(t, validClaims(), []byte("some-other-key-that-is-long-enough"))
	_, err := runJWT(t, "Bearer "+token, JWTConfig{SigningKey: testSigningKey}, "/")
	assertStatus(t, err, http.StatusUnauthorized)
}

func TestJWTMiddleware_ExpiredToken(t *testing.T) {
	claims := validClaims()
	claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))
	token := createTestToken(t, claims, testSigningKey)
	_, err := runJWT(t, "Bearer "+token, JWTConfig{SigningKey: testSigningKey}, "/")
	assertStatus(t, err, http.StatusUnauthorized)
}

func TestJWTMiddleware_MissingExpiry(t *testing.T) {
	claims := validClaims()
	claims.ExpiresAt = nil
	token := createTestToken(t, claims, testSigningKey)
	_, err := runJWT(t, "Bearer "+token, JWTConfig{SigningKey: testSigningKey}, "/")
	assertStatus(t, err, http.StatusUnauthorized)
}

func TestJWTMiddleware_IssuerMismatch(t *testing.T) {
	claims := validClaims()
	claims.Issuer = "someone-else"
	token := createTestToken(t, claims, testSigningKey)
	_, err := runJWT(t, "Bearer "+token, JWTConfig{SigningKey: testSigningKey, Issuer: "extref"}, "/")
	assertStatus(t, err, http.StatusUnauthorized)
}

func TestJWTMiddleware_SkipsConfiguredPaths(t *testing.T) {
	_, err := runJWT(t, "", JWTConfig{SigningKey: testSigningKey, Skip: []string{"/health", "/metrics"}}, "/health/db")
	if err != nil {
		t.Fatalf("expected health endpoint to skip auth, got %v", err)
	}
}

func TestDevAuthMiddleware_GrantsAdmin(t *testing.T) {
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())

	err := DevAuthMiddleware()(func(c echo.Context) error {
		roles := RolesFromContext(c.Request().Context())
		if len(roles) != 1 || roles[0] != RoleAdmin {
			t.Errorf("expected admin role, got %v", roles)
		}
		return nil
	})(c)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestRequireRole(t *testing.T) {
	tests := []struct {
		name    string
		roles   []string
		require []string
		allowed bool
	}{
		{"matching role", []string{RoleSyncAgent}, []string{RoleSyncAgent, RoleOperator}, true},
		{"admin bypass", []string{RoleAdmin}, []string{RoleOperator}, true},
		{"missing role", []string{RoleSyncAgent}, []string{RoleOperator}, false},
		{"no roles", nil, []string{RoleSyncAgent}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req = req.WithContext(context.WithValue(req.Context(), UserRolesKey, tt.roles))
			c := e.NewContext(req, httptest.NewRecorder())

			err := RequireRole(tt.require...)(func(c echo.Context) error { return nil })(c)
			if tt.allowed && err != nil {
				t.Errorf("expected access, got %v", err)
			}
			if !tt.allowed {
				assertStatus(t, err, http.StatusForbidden)
			}
		})
	}
}

func TestRequireSystemScope(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req = req.WithContext(context.WithValue(req.Context(), SystemKey, "dentist_sync"))
	c := e.NewContext(req, httptest.NewRecorder())

	if err := RequireSystemScope("dentist_sync", c); err != nil {
		t.Errorf("expected own system to pass, got %v", err)
	}
	assertStatus(t, RequireSystemScope("billing_sync", c), http.StatusForbidden)

	unscoped := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	if err := RequireSystemScope("billing_sync", unscoped); err != nil {
		t.Errorf("expected unscoped token to pass, got %v", err)
	}
}
