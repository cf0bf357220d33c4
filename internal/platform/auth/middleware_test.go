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

var testKey = []byte("test-signing-key")

func signToken(t *testing.T, claims *Claims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(testKey)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func invoke(t *testing.T, mw echo.MiddlewareFunc, req *http.Request) (echo.Context, error) {
	t.Helper()
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	err := mw(func(c echo.Context) error { return nil })(c)
	return c, err
}

func TestJWTMiddleware_MissingHeader(t *testing.T) {
	mw := JWTMiddleware(JWTConfig{SigningKey: testKey})
	req := httptest.NewRequest(http.MethodGet, "/fhir/Patient", nil)

	_, err := invoke(t, mw, req)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %v", err)
	}
}

func TestJWTMiddleware_MalformedHeader(t *testing.T) {
	mw := JWTMiddleware(JWTConfig{SigningKey: testKey})
	req := httptest.NewRequest(http.MethodGet, "/fhir/Patient", nil)
	req.Header.Set("Authorization", "Basic dXNlcjpwYXNz")

	_, err := invoke(t, mw, req)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %v", err)
	}
}

func TestJWTMiddleware_ValidToken(t *testing.T) {
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "practitioner-7",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		TenantID:   "clinic_a",
		Roles:      []string{"clinician"},
		FHIRScopes: []string{"user/Patient.read"},
	}
	mw := JWTMiddleware(JWTConfig{SigningKey: testKey})
	req := httptest.NewRequest(http.MethodGet, "/fhir/Patient", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, claims))

	c, err := invoke(t, mw, req)
	if err != nil {
		t.Fatalf("middleware error: %v", err)
	}
	ctx := c.Request().Context()
	if got := ActorIDFromContext(ctx); got != "practitioner-7" {
		t.Errorf("actor = %q, want practitioner-7", got)
	}
	if got, _ := c.Get("jwt_tenant_id").(string); got != "clinic_a" {
		t.Errorf("jwt_tenant_id = %q, want clinic_a", got)
	}
	if roles := RolesFromContext(ctx); len(roles) != 1 || roles[0] != "clinician" {
		t.Errorf("roles = %v, want [clinician]", roles)
	}
	if scopes := ScopesFromContext(ctx); len(scopes) != 1 || scopes[0] != "user/Patient.read" {
		t.Errorf("scopes = %v, want [user/Patient.read]", scopes)
	}
}

func TestJWTMiddleware_ExpiredToken(t *testing.T) {
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "practitioner-7",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		},
	}
	mw := JWTMiddleware(JWTConfig{SigningKey: testKey})
	req := httptest.NewRequest(http.MethodGet, "/fhir/Patient", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, claims))

	_, err := invoke(t, mw, req)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for expired token, got %v", err)
	}
}

func TestJWTMiddleware_WrongIssuer(t *testing.T) {
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "practitioner-7",
			Issuer:    "https://other.example.com",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	mw := JWTMiddleware(JWTConfig{SigningKey: testKey, Issuer: "https://idp.example.com"})
	req := httptest.NewRequest(http.MethodGet, "/fhir/Patient", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, claims))

	_, err := invoke(t, mw, req)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for wrong issuer, got %v", err)
	}
}

func TestJWTMiddleware_SkipsPublicPaths(t *testing.T) {
	mw := JWTMiddleware(JWTConfig{SigningKey: testKey})
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetPath("/health")

	err := mw(func(c echo.Context) error { return nil })(c)
	if err != nil {
		t.Fatalf("expected public path to bypass auth, got %v", err)
	}
}

func TestDevAuthMiddleware_Defaults(t *testing.T) {
	mw := DevAuthMiddleware()
	req := httptest.NewRequest(http.MethodGet, "/fhir/Patient", nil)

	c, err := invoke(t, mw, req)
	if err != nil {
		t.Fatalf("middleware error: %v", err)
	}
	if got := ActorIDFromContext(c.Request().Context()); got != "dev-user" {
		t.Errorf("actor = %q, want dev-user", got)
	}
	if got, _ := c.Get("jwt_tenant_id").(string); got != "default" {
		t.Errorf("jwt_tenant_id = %q, want default", got)
	}
}

func TestActor_Anonymous(t *testing.T) {
	if got := Actor(context.Background()); got != "anonymous" {
		t.Errorf("Actor() = %q, want anonymous", got)
	}
	ctx := context.WithValue(context.Background(), ActorIDKey, "u1")
	if got := Actor(ctx); got != "u1" {
		t.Errorf("Actor() = %q, want u1", got)
	}
}

func TestIsPublicPath(t *testing.T) {
	if !IsPublicPath("/health") {
		t.Error("expected /health to be public")
	}
	if IsPublicPath("/fhir/Patient") {
		t.Error("expected /fhir/Patient to require auth")
	}
}
