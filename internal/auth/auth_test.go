package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestJWT_RoundTrip(t *testing.T) {
	j := NewJWT("secret")
	tok, err := j.Sign("cron", time.Minute)
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}
	caller, err := j.Verify(tok)
	if err != nil || caller != "cron" {
		t.Fatalf("Verify() = %q, %v", caller, err)
	}
}

func TestJWT_Rejects(t *testing.T) {
	j := NewJWT("secret")
	other, _ := NewJWT("other").Sign("cron", time.Minute)

	expired := NewJWT("secret")
	expired.now = func() time.Time { return time.Now().Add(-time.Hour) }
	old, _ := expired.Sign("cron", time.Minute)

	noScope, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "cron",
		"exp": time.Now().Add(time.Minute).Unix(),
	}).SignedString([]byte("secret"))

	for name, tok := range map[string]string{
		"wrong secret": other,
		"expired":      old,
		"no scope":     noScope,
		"garbage":      "not.a.jwt",
	} {
		if _, err := j.Verify(tok); err == nil {
			t.Errorf("Verify(%s) error = nil", name)
		}
	}
}

func TestRequireTrigger(t *testing.T) {
	j := NewJWT("secret")
	tok, _ := j.Sign("cron", time.Minute)

	var reached string
	h := RequireTrigger(j)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reached, _ = CallerFromContext(r.Context())
	}))

	tests := []struct {
		name   string
		target string
		header string
		want   int
	}{
		{"bearer", "/", "Bearer " + tok, http.StatusOK},
		{"query", "/?token=" + tok, "", http.StatusOK},
		{"missing", "/", "", http.StatusUnauthorized},
		{"bad bearer", "/", "Bearer nope", http.StatusUnauthorized},
		{"basic", "/", "Basic Zm9vOmJhcg==", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reached = ""
			req := httptest.NewRequest(http.MethodPost, tt.target, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d", rec.Code, tt.want)
			}
			if tt.want == http.StatusOK && reached != "cron" {
				t.Fatalf("caller = %q, want cron", reached)
			}
			if tt.want != http.StatusOK && reached != "" {
				t.Fatal("handler reached without a valid token")
			}
		})
	}
}
