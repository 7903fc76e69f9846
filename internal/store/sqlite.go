package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is the local fallback used when no managed backend is
// configured.  It keeps the same logical schema as the Supabase
// deployment so the two are interchangeable behind the Store
// interface.
type SQLiteStore struct {
	db *sql.DB
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS profiles (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL DEFAULT '',
	email      TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS integrations (
	user_id       TEXT NOT NULL,
	provider      TEXT NOT NULL,
	instance_name TEXT NOT NULL DEFAULT '',
	status        TEXT NOT NULL DEFAULT 'not_initialized',
	access_token  TEXT NOT NULL DEFAULT '',
	refresh_token TEXT NOT NULL DEFAULT '',
	expires_at    TIMESTAMP,
	created_at    TIMESTAMP NOT NULL,
	updated_at    TIMESTAMP NOT NULL,
	PRIMARY KEY (user_id, provider)
);
CREATE TABLE IF NOT EXISTS webhook_events (
	id         TEXT PRIMARY KEY,
	type       TEXT NOT NULL,
	event_name TEXT NOT NULL,
	payload    TEXT NOT NULL,
	processed  INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL
);
`

// NewSQLiteStore opens (creating if necessary) the database file at
// path and applies the schema.  Parent directories are created as
// needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// sqlite allows a single writer; serialize access through one
	// connection rather than surfacing SQLITE_BUSY to callers.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) FindIntegration(ctx context.Context, userID, provider string) (*Integration, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT user_id, provider, instance_name, status, access_token,
		       refresh_token, expires_at, created_at, updated_at
		FROM integrations WHERE user_id = ? AND provider = ?`, userID, provider)
	rec := &Integration{}
	var expires sql.NullTime
	err := row.Scan(&rec.UserID, &rec.Provider, &rec.InstanceName, &rec.Status,
		&rec.AccessToken, &rec.RefreshToken, &expires, &rec.CreatedAt, &rec.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find integration: %w", err)
	}
	if expires.Valid {
		rec.ExpiresAt = expires.Time
	}
	return rec, nil
}

func (s *SQLiteStore) UpsertIntegration(ctx context.Context, rec *Integration) error {
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO integrations (user_id, provider, instance_name, status,
			access_token, refresh_token, expires_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id, provider) DO UPDATE SET
			instance_name = excluded.instance_name,
			status        = excluded.status,
			access_token  = excluded.access_token,
			refresh_token = excluded.refresh_token,
			expires_at    = excluded.expires_at,
			updated_at    = excluded.updated_at`,
		rec.UserID, rec.Provider, rec.InstanceName, rec.Status,
		rec.AccessToken, rec.RefreshToken, nullTime(rec.ExpiresAt),
		rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert integration: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UpdateIntegration(ctx context.Context, userID, provider string, fields Fields) error {
	if err := validateFields(fields); err != nil {
		return err
	}
	fields = withUpdatedAt(fields)
	// Deterministic column order keeps the statement stable for tests
	// and logs.
	cols := make([]string, 0, len(fields))
	for k := range fields {
		cols = append(cols, k)
	}
	sort.Strings(cols)
	sets := make([]string, 0, len(cols))
	args := make([]any, 0, len(cols)+2)
	for _, c := range cols {
		sets = append(sets, c+" = ?")
		args = append(args, fields[c])
	}
	args = append(args, userID, provider)
	res, err := s.db.ExecContext(ctx,
		"UPDATE integrations SET "+strings.Join(sets, ", ")+" WHERE user_id = ? AND provider = ?",
		args...)
	if err != nil {
		return fmt.Errorf("update integration: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) DeleteIntegration(ctx context.Context, userID, provider string) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM integrations WHERE user_id = ? AND provider = ?", userID, provider)
	if err != nil {
		return fmt.Errorf("delete integration: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UpsertProfile(ctx context.Context, p *Profile) error {
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO profiles (id, name, email, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name       = excluded.name,
			email      = excluded.email,
			updated_at = excluded.updated_at`,
		p.ID, p.Name, p.Email, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert profile: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetProfile(ctx context.Context, id string) (*Profile, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT id, name, email, created_at, updated_at FROM profiles WHERE id = ?", id)
	p := &Profile{}
	err := row.Scan(&p.ID, &p.Name, &p.Email, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get profile: %w", err)
	}
	return p, nil
}

func (s *SQLiteStore) InsertWebhookEvent(ctx context.Context, ev *WebhookEvent) error {
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO webhook_events (id, type, event_name, payload, processed, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.Type, ev.EventName, string(ev.Payload), ev.Processed, ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert webhook event: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
