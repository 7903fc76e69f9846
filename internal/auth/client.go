package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Client talks to the managed auth service (a GoTrue deployment
// fronted by Supabase).  Credential verification, token issuance and
// session invalidation are all delegated to it; this backend only
// validates requests and reshapes responses.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

var (
	// ErrInvalidCredentials is returned for a rejected password grant.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrInvalidToken is returned when the auth service rejects a
	// bearer token.
	ErrInvalidToken = errors.New("invalid or expired token")
)

// User is the auth service's view of an account.
type User struct {
	ID           string         `json:"id"`
	Email        string         `json:"email"`
	UserMetadata map[string]any `json:"user_metadata"`
}

// Name extracts the display name from the user metadata, if present.
func (u *User) Name() string {
	if u == nil || u.UserMetadata == nil {
		return ""
	}
	if n, ok := u.UserMetadata["name"].(string); ok {
		return n
	}
	return ""
}

// Session is an issued access token bundle.
type Session struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	ExpiresAt    int64  `json:"expires_at"`
	RefreshToken string `json:"refresh_token"`
	User         User   `json:"user"`
}

// NewClient builds an auth client for the given Supabase project URL
// and anon/service key.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

// Configured reports whether the client can reach an auth service.
func (c *Client) Configured() bool {
	return c.baseURL != "" && c.apiKey != ""
}

func (c *Client) newRequest(ctx context.Context, method, path, bearer string, body any) (*http.Request, error) {
	if !c.Configured() {
		return nil, errors.New("auth service not configured")
	}
	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal body: %w", err)
		}
		rd = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+"/auth/v1"+path, rd)
	if err != nil {
		return nil, err
	}
	req.Header.Set("apikey", c.apiKey)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	} else {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// authError is the error shape GoTrue returns on 4xx responses.
type authError struct {
	Message          string `json:"message"`
	Msg              string `json:"msg"`
	ErrorDescription string `json:"error_description"`
}

func (e *authError) text() string {
	switch {
	case e.Message != "":
		return e.Message
	case e.Msg != "":
		return e.Msg
	case e.ErrorDescription != "":
		return e.ErrorDescription
	}
	return ""
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("auth request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		ae := &authError{}
		_ = json.Unmarshal(raw, ae)
		switch resp.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return ErrInvalidToken
		case http.StatusBadRequest, http.StatusUnprocessableEntity:
			if msg := ae.text(); msg != "" {
				return errors.New(msg)
			}
		}
		return fmt.Errorf("auth %s %s: status %d: %s", req.Method, req.URL.Path, resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode auth response: %w", err)
		}
	}
	return nil
}

// SignUp registers a new account.  Depending on the project's email
// confirmation setting the service answers with either a bare user or
// a full session; both shapes are accepted.
func (c *Client) SignUp(ctx context.Context, email, password, name string) (*User, error) {
	body := map[string]any{
		"email":    email,
		"password": password,
		"data":     map[string]any{"name": name},
	}
	req, err := c.newRequest(ctx, http.MethodPost, "/signup", "", body)
	if err != nil {
		return nil, err
	}
	var out struct {
		User
		SessionUser *User `json:"user"`
	}
	if err := c.do(req, &out); err != nil {
		return nil, err
	}
	if out.SessionUser != nil && out.SessionUser.ID != "" {
		return out.SessionUser, nil
	}
	u := out.User
	return &u, nil
}

// SignInWithPassword exchanges email/password for a session.
func (c *Client) SignInWithPassword(ctx context.Context, email, password string) (*Session, error) {
	body := map[string]string{"email": email, "password": password}
	req, err := c.newRequest(ctx, http.MethodPost, "/token?grant_type=password", "", body)
	if err != nil {
		return nil, err
	}
	s := &Session{}
	if err := c.do(req, s); err != nil {
		if errors.Is(err, ErrInvalidToken) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	if s.ExpiresAt == 0 && s.ExpiresIn > 0 {
		s.ExpiresAt = time.Now().Add(time.Duration(s.ExpiresIn) * time.Second).Unix()
	}
	return s, nil
}

// GetUser resolves a bearer token to its account, failing with
// ErrInvalidToken when the service rejects it.
func (c *Client) GetUser(ctx context.Context, token string) (*User, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/user", token, nil)
	if err != nil {
		return nil, err
	}
	u := &User{}
	if err := c.do(req, u); err != nil {
		return nil, err
	}
	if u.ID == "" {
		return nil, ErrInvalidToken
	}
	return u, nil
}

// UpdateUserMetadata writes profile fields into the account's metadata.
func (c *Client) UpdateUserMetadata(ctx context.Context, token string, data map[string]any) (*User, error) {
	req, err := c.newRequest(ctx, http.MethodPut, "/user", token, map[string]any{"data": data})
	if err != nil {
		return nil, err
	}
	u := &User{}
	if err := c.do(req, u); err != nil {
		return nil, err
	}
	return u, nil
}

// SignOut invalidates the session carried by token.
func (c *Client) SignOut(ctx context.Context, token string) error {
	req, err := c.newRequest(ctx, http.MethodPost, "/logout?scope=local", token, nil)
	if err != nil {
		return err
	}
	return c.do(req, nil)
}
