package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

var testKey = []byte("test-signing-key")

func signedToken(t *testing.T, roles []string, providerID string) string {
	t.Helper()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Roles:      roles,
		ProviderID: providerID,
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	s, err := tok.SignedString(testKey)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return s
}

func doRequest(t *testing.T, mw echo.MiddlewareFunc, authHeader string) (*httptest.ResponseRecorder, error) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	h := mw(func(c echo.Context) error { return c.NoContent(http.StatusOK) })
	return rec, h(c)
}

func TestJWTMiddleware_MissingHeader(t *testing.T) {
	mw := JWTMiddleware(JWTConfig{SigningKey: testKey})
	_, err := doRequest(t, mw, "")
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %v", err)
	}
}

func TestJWTMiddleware_ValidToken(t *testing.T) {
	mw := JWTMiddleware(JWTConfig{SigningKey: testKey})
	_, err := doRequest(t, mw, "Bearer "+signedToken(t, []string{RoleOperator}, ""))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestJWTMiddleware_GarbageToken(t *testing.T) {
	mw := JWTMiddleware(JWTConfig{SigningKey: testKey})
	_, err := doRequest(t, mw, "Bearer not-a-jwt")
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %v", err)
	}
}

func TestRequireRole_Forbidden(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+signedToken(t, []string{RoleProvider}, "prov-1"))
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	chain := JWTMiddleware(JWTConfig{SigningKey: testKey})(
		RequireRole(RoleOperator)(func(c echo.Context) error {
			return c.NoContent(http.StatusOK)
		}))
	err := chain(c)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %v", err)
	}
}

func TestRequireRole_AdminBypass(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+signedToken(t, []string{RoleAdmin}, ""))
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	chain := JWTMiddleware(JWTConfig{SigningKey: testKey})(
		RequireRole(RoleOperator)(func(c echo.Context) error {
			return c.NoContent(http.StatusOK)
		}))
	if err := chain(c); err != nil {
		t.Fatalf("expected admin to pass operator check, got %v", err)
	}
}
