package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"fmt"
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
		t.Fatalf("signing token: %v", err)
	}
	return signed
}

func runMiddleware(t *testing.T, cfg Config, authHeader string) (echo.Context, error) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}
	c := e.NewContext(req, httptest.NewRecorder())

	h := Middleware(cfg)(func(c echo.Context) error { return c.NoContent(http.StatusOK) })
	return c, h(c)
}

func TestMiddlewareAcceptsValidToken(t *testing.T) {
	token := signToken(t, &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "patient-42",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Role: "patient",
	})

	c, err := runMiddleware(t, Config{SigningKey: testKey}, "Bearer "+token)
	if err != nil {
		t.Fatalf("middleware: %v", err)
	}

	ctx := c.Request().Context()
	if got := SubjectFromContext(ctx); got != "patient-42" {
		t.Fatalf("subject = %q, want patient-42", got)
	}
	if got := RoleFromContext(ctx); got != "patient" {
		t.Fatalf("role = %q, want patient", got)
	}
	if got, _ := c.Get(EchoSubjectKey).(string); got != "patient-42" {
		t.Fatalf("echo subject = %q, want patient-42", got)
	}
}

func TestMiddlewareRejections(t *testing.T) {
	valid := signToken(t, &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "u",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	expired := signToken(t, &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "u",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		},
	})
	noSubject := signToken(t, &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})

	cases := []struct {
		name   string
		cfg    Config
		header string
	}{
		{"missing header", Config{SigningKey: testKey}, ""},
		{"not bearer", Config{SigningKey: testKey}, "Basic abc"},
		{"garbage token", Config{SigningKey: testKey}, "Bearer not.a.token"},
		{"expired token", Config{SigningKey: testKey}, "Bearer " + expired},
		{"no subject", Config{SigningKey: testKey}, "Bearer " + noSubject},
		{"wrong issuer", Config{SigningKey: testKey, Issuer: "https://idp.example.com"}, "Bearer " + valid},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := runMiddleware(t, tc.cfg, tc.header)
			he, ok := err.(*echo.HTTPError)
			if !ok || he.Code != http.StatusUnauthorized {
				t.Fatalf("expected 401, got %v", err)
			}
		})
	}
}

func TestDevMiddlewareInjectsIdentity(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	c := e.NewContext(req, httptest.NewRecorder())

	h := DevMiddleware()(func(c echo.Context) error { return c.NoContent(http.StatusOK) })
	if err := h(c); err != nil {
		t.Fatalf("middleware: %v", err)
	}
	if got := SubjectFromContext(c.Request().Context()); got != "dev-user" {
		t.Fatalf("subject = %q, want dev-user", got)
	}
}

// newOIDCTestServer serves a discovery document and a JWKS endpoint for the
// given RSA public key under kid "kid-1".
func newOIDCTestServer(t *testing.T, pub *rsa.PublicKey) *httptest.Server {
	t.Helper()
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/.well-known/openid-configuration":
			fmt.Fprintf(w, `{"issuer":%q,"jwks_uri":%q}`, srv.URL, srv.URL+"/keys")
		case "/keys":
			n := base64.RawURLEncoding.EncodeToString(pub.N.Bytes())
			fmt.Fprintf(w, `{"keys":[{"kty":"RSA","kid":"kid-1","n":%q,"e":"AQAB"}]}`, n)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	return srv
}

func TestNewOIDCProviderResolvesJWKSURI(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	srv := newOIDCTestServer(t, &priv.PublicKey)
	defer srv.Close()

	provider, err := NewOIDCProvider(srv.URL)
	if err != nil {
		t.Fatalf("NewOIDCProvider: %v", err)
	}
	if provider.JWKSURI != srv.URL+"/keys" {
		t.Fatalf("jwks_uri = %q, want %q", provider.JWKSURI, srv.URL+"/keys")
	}
}

func TestNewOIDCProviderRejectsMissingJWKSURI(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"issuer":"https://idp.example.com"}`)
	}))
	defer srv.Close()

	if _, err := NewOIDCProvider(srv.URL); err == nil {
		t.Fatal("expected error for discovery document without jwks_uri")
	}
}

func TestMiddlewareDiscoversJWKSFromIssuer(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	srv := newOIDCTestServer(t, &priv.PublicKey)
	defer srv.Close()

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "patient-7",
			Issuer:    srv.URL,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Role: "doctor",
	})
	token.Header["kid"] = "kid-1"
	signed, err := token.SignedString(priv)
	if err != nil {
		t.Fatalf("signing token: %v", err)
	}

	// Issuer-only config: the JWKS endpoint must come from discovery.
	c, err := runMiddleware(t, Config{Issuer: srv.URL}, "Bearer "+signed)
	if err != nil {
		t.Fatalf("middleware: %v", err)
	}
	if got := SubjectFromContext(c.Request().Context()); got != "patient-7" {
		t.Fatalf("subject = %q, want patient-7", got)
	}
}

func TestMiddlewareRejectsWhenNoKeySourceConfigured(t *testing.T) {
	token := signToken(t, &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "u",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})

	_, err := runMiddleware(t, Config{}, "Bearer "+token)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with no key source, got %v", err)
	}
}

func TestJWKSCacheFetchesAndCaches(t *testing.T) {
	fetches := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetches++
		w.Header().Set("Content-Type", "application/json")
		// kid-1: RSA 65537 exponent ("AQAB") with a dummy modulus.
		_, _ = w.Write([]byte(`{"keys":[{"kty":"RSA","kid":"kid-1","n":"sXchYvVdxcnBAtpB","e":"AQAB"}]}`))
	}))
	defer srv.Close()

	cache := NewJWKSCache(srv.URL, time.Hour)
	key, err := cache.GetKey("kid-1")
	if err != nil {
		t.Fatalf("GetKey: %v", err)
	}
	if key.E != 65537 {
		t.Fatalf("exponent = %d, want 65537", key.E)
	}

	if _, err := cache.GetKey("kid-1"); err != nil {
		t.Fatalf("cached GetKey: %v", err)
	}
	if fetches != 1 {
		t.Fatalf("expected 1 fetch, got %d", fetches)
	}

	if _, err := cache.GetKey("kid-missing"); err == nil {
		t.Fatal("expected error for unknown kid")
	}
}
