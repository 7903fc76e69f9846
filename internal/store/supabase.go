package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// SupabaseStore talks to the managed backend's PostgREST endpoint.
// Every request carries the service key in both the apikey header and
// the Authorization header, the same way the original deployment's
// server-side client did.
type SupabaseStore struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewSupabaseStore builds a store for the given project URL and
// service key.
func NewSupabaseStore(baseURL, apiKey string) *SupabaseStore {
	return &SupabaseStore{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

func (s *SupabaseStore) newRequest(ctx context.Context, method, table, query string, body any) (*http.Request, error) {
	u := s.baseURL + "/rest/v1/" + table
	if query != "" {
		u += "?" + query
	}
	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal body: %w", err)
		}
		rd = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return nil, err
	}
	req.Header.Set("apikey", s.apiKey)
	req.Header.Set("Authorization", "Bearer "+s.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// do executes the request and decodes a 2xx JSON response into out
// (when out is non-nil).  PostgREST signals "no single object" with
// 406, which callers map to ErrNotFound.
func (s *SupabaseStore) do(req *http.Request, out any) error {
	resp, err := s.http.Do(req)
	if err != nil {
		return fmt.Errorf("supabase request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotAcceptable || resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("supabase %s %s: status %d: %s", req.Method, req.URL.Path, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode supabase response: %w", err)
		}
	}
	return nil
}

func integrationFilter(userID, provider string) string {
	v := url.Values{}
	v.Set("user_id", "eq."+userID)
	v.Set("provider", "eq."+provider)
	return v.Encode()
}

func (s *SupabaseStore) FindIntegration(ctx context.Context, userID, provider string) (*Integration, error) {
	req, err := s.newRequest(ctx, http.MethodGet, "integrations",
		integrationFilter(userID, provider)+"&select=*", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/vnd.pgrst.object+json")
	rec := &Integration{}
	if err := s.do(req, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *SupabaseStore) UpsertIntegration(ctx context.Context, rec *Integration) error {
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	req, err := s.newRequest(ctx, http.MethodPost, "integrations",
		"on_conflict=user_id,provider", rec)
	if err != nil {
		return err
	}
	req.Header.Set("Prefer", "resolution=merge-duplicates,return=minimal")
	return s.do(req, nil)
}

func (s *SupabaseStore) UpdateIntegration(ctx context.Context, userID, provider string, fields Fields) error {
	if err := validateFields(fields); err != nil {
		return err
	}
	fields = withUpdatedAt(fields)
	req, err := s.newRequest(ctx, http.MethodPatch, "integrations",
		integrationFilter(userID, provider), fields)
	if err != nil {
		return err
	}
	// return=representation lets us distinguish "no matching row"
	// from a successful update.
	req.Header.Set("Prefer", "return=representation")
	var updated []Integration
	if err := s.do(req, &updated); err != nil {
		return err
	}
	if len(updated) == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SupabaseStore) DeleteIntegration(ctx context.Context, userID, provider string) error {
	req, err := s.newRequest(ctx, http.MethodDelete, "integrations",
		integrationFilter(userID, provider), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Prefer", "return=minimal")
	return s.do(req, nil)
}

func (s *SupabaseStore) UpsertProfile(ctx context.Context, p *Profile) error {
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	req, err := s.newRequest(ctx, http.MethodPost, "profiles", "on_conflict=id", p)
	if err != nil {
		return err
	}
	req.Header.Set("Prefer", "resolution=merge-duplicates,return=minimal")
	return s.do(req, nil)
}

func (s *SupabaseStore) GetProfile(ctx context.Context, id string) (*Profile, error) {
	v := url.Values{}
	v.Set("id", "eq."+id)
	v.Set("select", "*")
	req, err := s.newRequest(ctx, http.MethodGet, "profiles", v.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/vnd.pgrst.object+json")
	p := &Profile{}
	if err := s.do(req, p); err != nil {
		return nil, err
	}
	return p, nil
}

func (s *SupabaseStore) InsertWebhookEvent(ctx context.Context, ev *WebhookEvent) error {
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	req, err := s.newRequest(ctx, http.MethodPost, "webhook_events", "", ev)
	if err != nil {
		return err
	}
	req.Header.Set("Prefer", "return=minimal")
	return s.do(req, nil)
}

// Close satisfies Store; the HTTP client holds no resources that need
// explicit release.
func (s *SupabaseStore) Close() error { return nil }
