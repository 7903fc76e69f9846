package calendar

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"your.org/secretaria-backend/internal/dates"
	ilog "your.org/secretaria-backend/internal/log"
	"your.org/secretaria-backend/internal/store"
)

const (
	defaultAPIBase   = "https://www.googleapis.com/calendar/v3"
	defaultRevokeURL = "https://oauth2.googleapis.com/revoke"
)

// ErrNotConnected is returned when a calendar operation runs for a
// user without a connected integration.
var ErrNotConnected = errors.New("google calendar is not connected")

// Client brokers calls to the Google Calendar API.  OAuth tokens are
// persisted per user in the integrations table and refreshed through
// the oauth2 token source whenever they are close to expiry.
type Client struct {
	oauth *oauth2.Config
	store store.Store
	http  *http.Client

	// overridable in tests
	apiBase   string
	revokeURL string
}

// NewClient builds a calendar client against the Google endpoint.
func NewClient(clientID, clientSecret, redirectURI string, st store.Store) *Client {
	return &Client{
		oauth: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  redirectURI,
			Endpoint:     google.Endpoint,
			Scopes: []string{
				"https://www.googleapis.com/auth/calendar",
				"https://www.googleapis.com/auth/calendar.events",
			},
		},
		store:     st,
		http:      &http.Client{Timeout: 20 * time.Second},
		apiBase:   defaultAPIBase,
		revokeURL: defaultRevokeURL,
	}
}

// Configured reports whether an OAuth client is set up.
func (c *Client) Configured() bool {
	return c.oauth.ClientID != "" && c.oauth.ClientSecret != ""
}

// AuthURL builds the consent URL for a user.  The user id travels in
// the state parameter so the callback can attribute the code.
func (c *Client) AuthURL(userID string) string {
	return c.oauth.AuthCodeURL(userID,
		oauth2.AccessTypeOffline,
		oauth2.SetAuthURLParam("prompt", "consent"))
}

// HandleAuthCode exchanges an authorization code and stores the token
// bundle as a connected integration record for the user.
func (c *Client) HandleAuthCode(ctx context.Context, code, userID string) error {
	tok, err := c.oauth.Exchange(ctx, code)
	if err != nil {
		return fmt.Errorf("exchange auth code: %w", err)
	}
	rec := &store.Integration{
		UserID:       userID,
		Provider:     store.ProviderGoogleCalendar,
		Status:       store.StatusConnected,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.Expiry,
	}
	if err := c.store.UpsertIntegration(ctx, rec); err != nil {
		return fmt.Errorf("store calendar tokens: %w", err)
	}
	ilog.WithUser(userID).Info("google calendar connected")
	return nil
}

// Status reads the persisted integration state.  A missing record
// means disconnected, not an error.
func (c *Client) Status(ctx context.Context, userID string) (store.Status, *store.Integration, error) {
	rec, err := c.store.FindIntegration(ctx, userID, store.ProviderGoogleCalendar)
	if errors.Is(err, store.ErrNotFound) {
		return store.StatusDisconnected, nil, nil
	}
	if err != nil {
		return "", nil, err
	}
	return rec.Status, rec, nil
}

// Disconnect revokes the access token (best effort) and deletes the
// integration record.
func (c *Client) Disconnect(ctx context.Context, userID string) error {
	rec, err := c.store.FindIntegration(ctx, userID, store.ProviderGoogleCalendar)
	if errors.Is(err, store.ErrNotFound) {
		return ErrNotConnected
	}
	if err != nil {
		return err
	}
	if rec.AccessToken != "" {
		if err := c.revoke(ctx, rec.AccessToken); err != nil {
			// Revocation failure never blocks the disconnect.
			ilog.WithUser(userID).Error("revoke calendar token: %v", err)
		}
	}
	if err := c.store.DeleteIntegration(ctx, userID, store.ProviderGoogleCalendar); err != nil {
		return fmt.Errorf("delete calendar integration: %w", err)
	}
	ilog.WithUser(userID).Info("google calendar disconnected")
	return nil
}

func (c *Client) revoke(ctx context.Context, token string) error {
	form := url.Values{"token": {token}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.revokeURL,
		strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("revoke endpoint status %d", resp.StatusCode)
	}
	return nil
}

// token returns a valid access token for the user, refreshing and
// persisting it when the stored one has expired.
func (c *Client) token(ctx context.Context, userID string) (*oauth2.Token, error) {
	rec, err := c.store.FindIntegration(ctx, userID, store.ProviderGoogleCalendar)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotConnected
	}
	if err != nil {
		return nil, err
	}
	stored := &oauth2.Token{
		AccessToken:  rec.AccessToken,
		RefreshToken: rec.RefreshToken,
		Expiry:       rec.ExpiresAt,
	}
	tok, err := c.oauth.TokenSource(ctx, stored).Token()
	if err != nil {
		return nil, fmt.Errorf("refresh calendar token: %w", err)
	}
	if tok.AccessToken != rec.AccessToken {
		fields := store.Fields{
			"access_token": tok.AccessToken,
			"expires_at":   tok.Expiry,
		}
		if tok.RefreshToken != "" && tok.RefreshToken != rec.RefreshToken {
			fields["refresh_token"] = tok.RefreshToken
		}
		if err := c.store.UpdateIntegration(ctx, userID, store.ProviderGoogleCalendar, fields); err != nil {
			ilog.WithUser(userID).Error("persist refreshed calendar token: %v", err)
		}
	}
	return tok, nil
}

func (c *Client) do(ctx context.Context, userID, method, path string, query url.Values, body, out any) error {
	tok, err := c.token(ctx, userID)
	if err != nil {
		return err
	}
	u := c.apiBase + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal event: %w", err)
		}
		rd = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return err
	}
	tok.SetAuthHeader(req)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("calendar request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("calendar %s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode calendar response: %w", err)
		}
	}
	return nil
}

// EventTime is a calendar event boundary: either a timed dateTime or
// an all-day date.
type EventTime struct {
	DateTime string `json:"dateTime,omitempty"`
	Date     string `json:"date,omitempty"`
	TimeZone string `json:"timeZone,omitempty"`
}

// Attendee is an invited participant.
type Attendee struct {
	Email          string `json:"email,omitempty"`
	ResponseStatus string `json:"responseStatus,omitempty"`
}

// Event is the subset of the Calendar v3 event resource this backend
// forwards.
type Event struct {
	ID          string     `json:"id,omitempty"`
	Summary     string     `json:"summary,omitempty"`
	Description string     `json:"description,omitempty"`
	Location    string     `json:"location,omitempty"`
	Start       *EventTime `json:"start,omitempty"`
	End         *EventTime `json:"end,omitempty"`
	Attendees   []Attendee `json:"attendees,omitempty"`
	HTMLLink    string     `json:"htmlLink,omitempty"`
	Status      string     `json:"status,omitempty"`
}

// ListOptions narrow an event listing.  Zero values fall back to a
// 30-day window starting now with at most 10 results.
type ListOptions struct {
	TimeMin    string
	TimeMax    string
	MaxResults int
}

// ListEvents returns the user's upcoming events from the primary
// calendar ordered by start time.
func (c *Client) ListEvents(ctx context.Context, userID string, opts ListOptions) ([]Event, error) {
	now := time.Now()
	if opts.TimeMin == "" {
		opts.TimeMin = dates.ToISOString(now)
	}
	if opts.TimeMax == "" {
		opts.TimeMax = dates.ToISOString(dates.AddDays(now, 30))
	}
	if opts.MaxResults <= 0 {
		opts.MaxResults = 10
	}
	q := url.Values{}
	q.Set("timeMin", opts.TimeMin)
	q.Set("timeMax", opts.TimeMax)
	q.Set("maxResults", strconv.Itoa(opts.MaxResults))
	q.Set("singleEvents", "true")
	q.Set("orderBy", "startTime")
	var out struct {
		Items []Event `json:"items"`
	}
	if err := c.do(ctx, userID, http.MethodGet, "/calendars/primary/events", q, nil, &out); err != nil {
		return nil, err
	}
	return out.Items, nil
}

// CreateEvent inserts an event into the primary calendar.
func (c *Client) CreateEvent(ctx context.Context, userID string, ev *Event) (*Event, error) {
	created := &Event{}
	if err := c.do(ctx, userID, http.MethodPost, "/calendars/primary/events", nil, ev, created); err != nil {
		return nil, err
	}
	return created, nil
}

// GetEvent fetches a single event by id.
func (c *Client) GetEvent(ctx context.Context, userID, eventID string) (*Event, error) {
	ev := &Event{}
	if err := c.do(ctx, userID, http.MethodGet, "/calendars/primary/events/"+url.PathEscape(eventID), nil, nil, ev); err != nil {
		return nil, err
	}
	return ev, nil
}

// UpdateEvent replaces an event by id.
func (c *Client) UpdateEvent(ctx context.Context, userID, eventID string, ev *Event) (*Event, error) {
	updated := &Event{}
	if err := c.do(ctx, userID, http.MethodPut, "/calendars/primary/events/"+url.PathEscape(eventID), nil, ev, updated); err != nil {
		return nil, err
	}
	return updated, nil
}

// DeleteEvent removes an event by id.
func (c *Client) DeleteEvent(ctx context.Context, userID, eventID string) error {
	return c.do(ctx, userID, http.MethodDelete, "/calendars/primary/events/"+url.PathEscape(eventID), nil, nil, nil)
}
