package account

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"
)

type staticTokens struct {
	token string
	err   error
}

func (s *staticTokens) UserToken() (string, error) {
	return s.token, s.err
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// unsignedJWT builds a JWT-shaped token with the given expiry and an empty
// signature, enough for unverified claim parsing.
func unsignedJWT(t *testing.T, exp time.Time) string {
	t.Helper()
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"none","typ":"JWT"}`))
	payload, err := json.Marshal(map[string]any{"exp": exp.Unix()})
	if err != nil {
		t.Fatalf("marshaling claims: %v", err)
	}
	return header + "." + base64.RawURLEncoding.EncodeToString(payload) + "."
}

func TestAccessTokenWithSIPCredentials(t *testing.T) {
	var gotAuth, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		json.NewEncoder(w).Encode(AccessData{
			Token: "tok-abc",
			Data:  &SIPCredentials{Username: "alice100", Password: "s3cret"},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, &staticTokens{token: "session-xyz"}, testLogger())
	data, err := c.AccessToken(context.Background(), 42)
	if err != nil {
		t.Fatalf("AccessToken: %v", err)
	}

	if gotAuth != "Bearer session-xyz" {
		t.Errorf("Authorization = %q, want bearer session token", gotAuth)
	}
	if gotPath != "/v1/numbers/42/access_token" {
		t.Errorf("path = %q", gotPath)
	}
	if data.Token != "tok-abc" {
		t.Errorf("token = %q", data.Token)
	}
	if data.Data == nil || data.Data.Username != "alice100" || data.Data.Password != "s3cret" {
		t.Errorf("credentials = %+v", data.Data)
	}
}

func TestAccessTokenOpaqueTokenAccepted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(AccessData{Token: "opaque-not-a-jwt"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, &staticTokens{token: "session"}, testLogger())
	data, err := c.AccessToken(context.Background(), 7)
	if err != nil {
		t.Fatalf("AccessToken: %v", err)
	}
	if data.Data != nil {
		t.Errorf("expected no credentials for cloud line, got %+v", data.Data)
	}
}

func TestAccessTokenExpiredRejected(t *testing.T) {
	expired := unsignedJWT(t, time.Now().Add(-time.Hour))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"token":%q}`, expired)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, &staticTokens{token: "session"}, testLogger())
	if _, err := c.AccessToken(context.Background(), 7); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("err = %v, want ErrTokenExpired", err)
	}
}

func TestAccessTokenFutureExpiryAccepted(t *testing.T) {
	valid := unsignedJWT(t, time.Now().Add(time.Hour))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"token":%q}`, valid)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, &staticTokens{token: "session"}, testLogger())
	if _, err := c.AccessToken(context.Background(), 7); err != nil {
		t.Fatalf("AccessToken: %v", err)
	}
}

func TestAccessTokenServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, &staticTokens{token: "session"}, testLogger())
	if _, err := c.AccessToken(context.Background(), 7); err == nil {
		t.Fatal("expected error for 403 response")
	}
}

func TestAccessTokenMissingSessionToken(t *testing.T) {
	c := NewClient("http://unused", &staticTokens{err: errors.New("not found")}, testLogger())
	if _, err := c.AccessToken(context.Background(), 7); err == nil {
		t.Fatal("expected error when session token unavailable")
	}
}
