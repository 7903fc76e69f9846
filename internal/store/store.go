package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Provider tags for integration records.  One record exists per
// (user, provider) pair.
const (
	ProviderWhatsApp       = "whatsapp"
	ProviderGoogleCalendar = "google_calendar"
)

// Status is the persisted connection state of an integration.  Writes
// go through the lifecycle manager; nothing else should set these
// values directly.
type Status string

const (
	StatusNotInitialized Status = "not_initialized"
	StatusConnecting     Status = "connecting"
	StatusConnected      Status = "connected"
	StatusDisconnected   Status = "disconnected"
	StatusError          Status = "error"
)

// ErrNotFound is returned by lookups when no matching record exists.
var ErrNotFound = errors.New("record not found")

// Integration is one row of the integrations table.  The token fields
// are only populated for the calendar provider and InstanceName only
// for the messaging provider.
type Integration struct {
	UserID       string    `json:"user_id"`
	Provider     string    `json:"provider"`
	InstanceName string    `json:"instance_name,omitempty"`
	Status       Status    `json:"status"`
	AccessToken  string    `json:"access_token,omitempty"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	ExpiresAt    time.Time `json:"expires_at,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Profile mirrors the auth service's user record.  It exists so the
// application can attach its own columns without touching the managed
// auth schema.
type Profile struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// WebhookEvent is a raw inbound callback persisted for asynchronous
// processing.  Type identifies the source (whatsapp, google_calendar,
// n8n).
type WebhookEvent struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	EventName string          `json:"event_name"`
	Payload   json.RawMessage `json:"payload"`
	Processed bool            `json:"processed"`
	CreatedAt time.Time       `json:"created_at"`
}

// Fields is a partial column update keyed by column name.  Both store
// implementations reject columns outside the integrations schema.
type Fields map[string]any

// Store is the persistence contract consumed by the lifecycle manager
// and the integration handlers.  Implementations must provide
// read-your-writes consistency for a single user's record; no
// cross-user transactions are required.
type Store interface {
	FindIntegration(ctx context.Context, userID, provider string) (*Integration, error)
	UpsertIntegration(ctx context.Context, rec *Integration) error
	UpdateIntegration(ctx context.Context, userID, provider string, fields Fields) error
	DeleteIntegration(ctx context.Context, userID, provider string) error

	UpsertProfile(ctx context.Context, p *Profile) error
	GetProfile(ctx context.Context, id string) (*Profile, error)

	InsertWebhookEvent(ctx context.Context, ev *WebhookEvent) error

	Close() error
}

// integrationColumns is the set of columns UpdateIntegration accepts.
var integrationColumns = map[string]bool{
	"instance_name": true,
	"status":        true,
	"access_token":  true,
	"refresh_token": true,
	"expires_at":    true,
	"updated_at":    true,
}

func validateFields(fields Fields) error {
	for k := range fields {
		if !integrationColumns[k] {
			return errors.New("unknown integration column: " + k)
		}
	}
	return nil
}

// withUpdatedAt returns a copy of fields stamped with updated_at.  The
// caller's map is never modified.
func withUpdatedAt(fields Fields) Fields {
	out := make(Fields, len(fields)+1)
	for k, v := range fields {
		out[k] = v
	}
	if _, ok := out["updated_at"]; !ok {
		out["updated_at"] = time.Now().UTC()
	}
	return out
}
