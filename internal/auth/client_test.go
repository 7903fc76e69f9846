package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestSignUpBareUser(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/auth/v1/signup" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("apikey") != "anon-key" {
			t.Error("apikey header missing")
		}
		var body struct {
			Email    string         `json:"email"`
			Password string         `json:"password"`
			Data     map[string]any `json:"data"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if body.Email != "maria@example.com" || body.Data["name"] != "Maria" {
			t.Errorf("body = %+v", body)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"id":            "uid-1",
			"email":         "maria@example.com",
			"user_metadata": map[string]any{"name": "Maria"},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "anon-key")
	u, err := c.SignUp(context.Background(), "maria@example.com", "s3cret", "Maria")
	if err != nil {
		t.Fatalf("signup: %v", err)
	}
	if u.ID != "uid-1" || u.Name() != "Maria" {
		t.Fatalf("user = %+v", u)
	}
}

func TestSignUpSessionShape(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": "tok",
			"user": map[string]any{
				"id":    "uid-1",
				"email": "maria@example.com",
			},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "anon-key")
	u, err := c.SignUp(context.Background(), "maria@example.com", "s3cret", "Maria")
	if err != nil {
		t.Fatalf("signup: %v", err)
	}
	if u.ID != "uid-1" || u.Email != "maria@example.com" {
		t.Fatalf("user = %+v", u)
	}
}

func TestSignUpDuplicateEmail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		json.NewEncoder(w).Encode(map[string]string{"msg": "User already registered"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "anon-key")
	_, err := c.SignUp(context.Background(), "maria@example.com", "s3cret", "Maria")
	if err == nil || err.Error() != "User already registered" {
		t.Fatalf("err = %v, want service message", err)
	}
}

func TestSignInWithPassword(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/auth/v1/token" || r.URL.Query().Get("grant_type") != "password" {
			t.Errorf("%s?%s", r.URL.Path, r.URL.RawQuery)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": "tok",
			"token_type":   "bearer",
			"expires_in":   3600,
			"user":         map[string]any{"id": "uid-1", "email": "maria@example.com"},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "anon-key")
	s, err := c.SignInWithPassword(context.Background(), "maria@example.com", "s3cret")
	if err != nil {
		t.Fatalf("sign in: %v", err)
	}
	if s.AccessToken != "tok" || s.User.ID != "uid-1" {
		t.Fatalf("session = %+v", s)
	}
	if s.ExpiresAt == 0 {
		t.Fatal("expires_at not derived from expires_in")
	}
}

func TestSignInRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(map[string]string{"error_description": "Invalid login credentials"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "anon-key")
	if _, err := c.SignInWithPassword(context.Background(), "maria@example.com", "wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("err = %v, want ErrInvalidCredentials", err)
	}
}

func TestGetUser(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer user-token" {
			t.Errorf("authorization = %q", got)
		}
		json.NewEncoder(w).Encode(map[string]any{"id": "uid-1", "email": "maria@example.com"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "anon-key")
	u, err := c.GetUser(context.Background(), "user-token")
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if u.ID != "uid-1" {
		t.Fatalf("user = %+v", u)
	}
}

func TestGetUserInvalidToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "anon-key")
	if _, err := c.GetUser(context.Background(), "expired"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("err = %v, want ErrInvalidToken", err)
	}
}

func TestSignOut(t *testing.T) {
	var called bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		if r.URL.Path != "/auth/v1/logout" || r.URL.Query().Get("scope") != "local" {
			t.Errorf("%s?%s", r.URL.Path, r.URL.RawQuery)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "anon-key")
	if err := c.SignOut(context.Background(), "user-token"); err != nil {
		t.Fatalf("sign out: %v", err)
	}
	if !called {
		t.Fatal("logout endpoint not reached")
	}
}

func TestUnconfiguredClient(t *testing.T) {
	c := NewClient("", "")
	if c.Configured() {
		t.Fatal("empty client reports configured")
	}
	if _, err := c.GetUser(context.Background(), "tok"); err == nil {
		t.Fatal("expected error from unconfigured client")
	}
}
