package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var testSecret = []byte("test-session-secret")

func signedToken(t *testing.T, secret []byte, subject string) string {
	t.Helper()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return tok
}

// echoSubject writes whatever auth user id the middleware put in context.
func echoSubject() (http.Handler, *string) {
	var got string
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = AuthUserFromCtx(r.Context())
		w.WriteHeader(http.StatusOK)
	}), &got
}

func TestSessionAuth_ValidToken(t *testing.T) {
	inner, subject := echoSubject()
	h := SessionAuth(testSecret)(inner)

	req := httptest.NewRequest(http.MethodGet, "/v1/credits", nil)
	req.Header.Set("Authorization", "Bearer "+signedToken(t, testSecret, "user_abc"))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if *subject != "user_abc" {
		t.Errorf("context subject: got %q, want user_abc", *subject)
	}
}

func TestSessionAuth_MissingToken(t *testing.T) {
	inner, _ := echoSubject()
	h := SessionAuth(testSecret)(inner)

	req := httptest.NewRequest(http.MethodGet, "/v1/credits", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestSessionAuth_WrongSecret(t *testing.T) {
	inner, _ := echoSubject()
	h := SessionAuth(testSecret)(inner)

	req := httptest.NewRequest(http.MethodGet, "/v1/credits", nil)
	req.Header.Set("Authorization", "Bearer "+signedToken(t, []byte("other-secret"), "user_abc"))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestSessionAuth_ExpiredToken(t *testing.T) {
	inner, _ := echoSubject()
	h := SessionAuth(testSecret)(inner)

	claims := jwt.RegisteredClaims{
		Subject:   "user_abc",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(testSecret)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/credits", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestSessionAuth_RejectsEmptySubject(t *testing.T) {
	inner, _ := echoSubject()
	h := SessionAuth(testSecret)(inner)

	req := httptest.NewRequest(http.MethodGet, "/v1/credits", nil)
	req.Header.Set("Authorization", "Bearer "+signedToken(t, testSecret, ""))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestOptionalSessionAuth_NoTokenPassesThrough(t *testing.T) {
	inner, subject := echoSubject()
	h := OptionalSessionAuth(testSecret)(inner)

	req := httptest.NewRequest(http.MethodPost, "/v1/narrations", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if *subject != "" {
		t.Errorf("anonymous request should carry no subject, got %q", *subject)
	}
}

// A present-but-invalid token is rejected, never downgraded to anonymous.
func TestOptionalSessionAuth_InvalidTokenStillRejected(t *testing.T) {
	inner, _ := echoSubject()
	h := OptionalSessionAuth(testSecret)(inner)

	req := httptest.NewRequest(http.MethodPost, "/v1/narrations", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestOptionalSessionAuth_ValidToken(t *testing.T) {
	inner, subject := echoSubject()
	h := OptionalSessionAuth(testSecret)(inner)

	req := httptest.NewRequest(http.MethodPost, "/v1/narrations", nil)
	req.Header.Set("Authorization", "Bearer "+signedToken(t, testSecret, "user_abc"))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if *subject != "user_abc" {
		t.Errorf("context subject: got %q, want user_abc", *subject)
	}
}
