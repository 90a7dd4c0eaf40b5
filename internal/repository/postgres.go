// Package repository provides PostgreSQL-backed persistence for feature
// toggles, API keys, and toggle events. It also handles LISTEN/NOTIFY-based
// cache invalidation so the registry stays fresh without polling the
// database into submission.
package repository

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/crypto/bcrypt"
)

const (
	defaultNotifyChannel  = "toggle_events"
	defaultEventBatchSize = 1000
)

// Toggle is the repository-level representation of a feature toggle row.
// Conditions and Variants stay as raw JSON here; the service layer decodes
// them into the evaluation model.
type Toggle struct {
	ID                string          `json:"id"`
	Name              string          `json:"name"`
	Description       string          `json:"description"`
	Enabled           bool            `json:"enabled"`
	RolloutPercentage int             `json:"rollout_percentage"`
	StartDate         *time.Time      `json:"start_date,omitempty"`
	EndDate           *time.Time      `json:"end_date,omitempty"`
	Conditions        json.RawMessage `json:"conditions"`
	Expression        string          `json:"expression,omitempty"`
	Variants          json.RawMessage `json:"variants"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// AdminUser represents an administrator account.
type AdminUser struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// AdminSession represents an authenticated admin session.
type AdminSession struct {
	IDHash      string    `json:"-"`
	AdminUserID string    `json:"admin_user_id"`
	CSRFToken   string    `json:"csrf_token"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// APIKey represents a stored API key record used for bearer-token
// authentication.
type APIKey struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	KeyHash   string     `json:"key_hash"`
	CreatedAt time.Time  `json:"created_at"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
}

// APIKeyMeta contains non-sensitive metadata for an API key, suitable for
// listing keys without exposing secrets.
type APIKeyMeta struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// ToggleEvent represents a change event for a toggle, stored in the
// toggle_events table and used to drive SSE streaming.
type ToggleEvent struct {
	EventID   int64           `json:"event_id"`
	ToggleID  string          `json:"toggle_id"`
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// PostgresRepository implements toggle, API key, and event persistence
// backed by a pgxpool connection pool. It also supports LISTEN/NOTIFY for
// real-time cache invalidation.
type PostgresRepository struct {
	pool           *pgxpool.Pool
	notifyChannel  string
	eventBatchSize int
}

// Option configures optional repository parameters.
type Option func(*PostgresRepository)

// WithEventBatchSize caps how many toggle events a single ListEventsSince
// query returns.
func WithEventBatchSize(n int) Option {
	return func(r *PostgresRepository) {
		if n > 0 {
			r.eventBatchSize = n
		}
	}
}

// NewPostgresRepository creates a [PostgresRepository] using the default
// "toggle_events" notification channel.
func NewPostgresRepository(pool *pgxpool.Pool, opts ...Option) *PostgresRepository {
	return NewPostgresRepositoryWithChannel(pool, defaultNotifyChannel, opts...)
}

// NewPostgresRepositoryWithChannel creates a [PostgresRepository] using the
// specified LISTEN/NOTIFY channel name for toggle event notifications.
func NewPostgresRepositoryWithChannel(pool *pgxpool.Pool, notifyChannel string, opts ...Option) *PostgresRepository {
	r := &PostgresRepository{
		pool:           pool,
		notifyChannel:  normalizeNotifyChannel(notifyChannel),
		eventBatchSize: defaultEventBatchSize,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

const toggleColumns = `id, name, description, enabled, rollout_percentage, start_date, end_date, conditions, expression, variants, created_at, updated_at`

func scanToggle(row pgx.Row) (Toggle, error) {
	var toggle Toggle
	err := row.Scan(
		&toggle.ID,
		&toggle.Name,
		&toggle.Description,
		&toggle.Enabled,
		&toggle.RolloutPercentage,
		&toggle.StartDate,
		&toggle.EndDate,
		&toggle.Conditions,
		&toggle.Expression,
		&toggle.Variants,
		&toggle.CreatedAt,
		&toggle.UpdatedAt,
	)

	return toggle, err
}

// CreateToggle inserts a new toggle row and returns the created record with
// server-generated timestamps.
func (r *PostgresRepository) CreateToggle(ctx context.Context, toggle Toggle) (Toggle, error) {
	created, err := scanToggle(r.pool.QueryRow(ctx, `
		INSERT INTO toggles (id, name, description, enabled, rollout_percentage, start_date, end_date, conditions, expression, variants)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING `+toggleColumns+`
	`,
		toggle.ID,
		toggle.Name,
		toggle.Description,
		toggle.Enabled,
		toggle.RolloutPercentage,
		toggle.StartDate,
		toggle.EndDate,
		ensureJSON(toggle.Conditions, "{}"),
		toggle.Expression,
		ensureJSON(toggle.Variants, "[]"),
	))
	if err != nil {
		return Toggle{}, fmt.Errorf("create toggle: %w", err)
	}

	return created, nil
}

// UpdateToggle updates an existing toggle row and returns the updated
// record. Returns pgx.ErrNoRows (wrapped) if the toggle does not exist.
func (r *PostgresRepository) UpdateToggle(ctx context.Context, toggle Toggle) (Toggle, error) {
	updated, err := scanToggle(r.pool.QueryRow(ctx, `
		UPDATE toggles
		SET name = $2,
		    description = $3,
		    enabled = $4,
		    rollout_percentage = $5,
		    start_date = $6,
		    end_date = $7,
		    conditions = $8,
		    expression = $9,
		    variants = $10,
		    updated_at = NOW()
		WHERE id = $1
		RETURNING `+toggleColumns+`
	`,
		toggle.ID,
		toggle.Name,
		toggle.Description,
		toggle.Enabled,
		toggle.RolloutPercentage,
		toggle.StartDate,
		toggle.EndDate,
		ensureJSON(toggle.Conditions, "{}"),
		toggle.Expression,
		ensureJSON(toggle.Variants, "[]"),
	))
	if err != nil {
		return Toggle{}, fmt.Errorf("update toggle: %w", err)
	}

	return updated, nil
}

// GetToggle retrieves a single toggle by its id. Returns pgx.ErrNoRows
// (wrapped) if not found.
func (r *PostgresRepository) GetToggle(ctx context.Context, id string) (Toggle, error) {
	toggle, err := scanToggle(r.pool.QueryRow(ctx, `
		SELECT `+toggleColumns+`
		FROM toggles
		WHERE id = $1
	`, id))
	if err != nil {
		return Toggle{}, fmt.Errorf("get toggle: %w", err)
	}

	return toggle, nil
}

// ListToggles returns all toggles ordered by creation time, so the stored
// declaration order of variants and toggles survives a reload.
func (r *PostgresRepository) ListToggles(ctx context.Context) ([]Toggle, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+toggleColumns+`
		FROM toggles
		ORDER BY created_at, id
	`)
	if err != nil {
		return nil, fmt.Errorf("list toggles: %w", err)
	}
	defer rows.Close()

	toggles := make([]Toggle, 0)
	for rows.Next() {
		toggle, err := scanToggle(rows)
		if err != nil {
			return nil, fmt.Errorf("scan toggle: %w", err)
		}

		toggles = append(toggles, toggle)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list toggles rows: %w", err)
	}

	return toggles, nil
}

// ReplaceToggles swaps the entire toggle set in one transaction so readers
// reloading afterwards see either the old set or the new one, never a mix.
func (r *PostgresRepository) ReplaceToggles(ctx context.Context, toggles []Toggle) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin replace toggles tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM toggles`); err != nil {
		return fmt.Errorf("clear toggles: %w", err)
	}

	for _, toggle := range toggles {
		if _, err := tx.Exec(ctx, `
			INSERT INTO toggles (id, name, description, enabled, rollout_percentage, start_date, end_date, conditions, expression, variants)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		`,
			toggle.ID,
			toggle.Name,
			toggle.Description,
			toggle.Enabled,
			toggle.RolloutPercentage,
			toggle.StartDate,
			toggle.EndDate,
			ensureJSON(toggle.Conditions, "{}"),
			toggle.Expression,
			ensureJSON(toggle.Variants, "[]"),
		); err != nil {
			return fmt.Errorf("insert toggle %q: %w", toggle.ID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit replace toggles tx: %w", err)
	}

	return nil
}

// DeleteToggle removes a toggle by id. Returns pgx.ErrNoRows (wrapped) if
// the toggle does not exist.
func (r *PostgresRepository) DeleteToggle(ctx context.Context, id string) error {
	commandTag, err := r.pool.Exec(ctx, `DELETE FROM toggles WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete toggle: %w", err)
	}
	if commandTag.RowsAffected() == 0 {
		return fmt.Errorf("delete toggle: %w", pgx.ErrNoRows)
	}

	return nil
}

// ValidateAPIKey returns the stored hash for a non-revoked key ID. Callers
// should do constant-time comparison outside this package.
func (r *PostgresRepository) ValidateAPIKey(ctx context.Context, id string) (string, error) {
	var keyHash string
	if err := r.pool.QueryRow(ctx, `
		SELECT key_hash
		FROM api_keys
		WHERE id = $1
		  AND revoked_at IS NULL
	`, id).Scan(&keyHash); err != nil {
		return "", fmt.Errorf("validate api key: %w", err)
	}

	return keyHash, nil
}

// CreateAPIKey generates a new API key, storing a bcrypt hash of the
// secret. The raw secret is returned exactly once; it cannot be retrieved
// later.
func (r *PostgresRepository) CreateAPIKey(ctx context.Context) (string, string, error) {
	keyID := uuid.NewString()

	secret, err := generateRandomHex(32)
	if err != nil {
		return "", "", fmt.Errorf("generate secret: %w", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", "", fmt.Errorf("hash api key: %w", err)
	}

	_, err = r.pool.Exec(ctx, `
		INSERT INTO api_keys (id, name, key_hash)
		VALUES ($1, $2, $3)
	`, keyID, "api-key-"+keyID[:8], string(hash))
	if err != nil {
		return "", "", fmt.Errorf("create api key: %w", err)
	}

	return keyID, secret, nil
}

// ListAPIKeys returns metadata for all non-revoked API keys. Secrets are
// never included.
func (r *PostgresRepository) ListAPIKeys(ctx context.Context) ([]APIKeyMeta, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, name, created_at
		FROM api_keys
		WHERE revoked_at IS NULL
		ORDER BY created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	defer rows.Close()

	keys := make([]APIKeyMeta, 0)
	for rows.Next() {
		var k APIKeyMeta
		if err := rows.Scan(&k.ID, &k.Name, &k.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, k)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list api keys rows: %w", err)
	}

	return keys, nil
}

// DeleteAPIKey soft-deletes an API key by setting its revoked_at timestamp.
// Returns pgx.ErrNoRows (wrapped) if the key does not exist or is already
// revoked.
func (r *PostgresRepository) DeleteAPIKey(ctx context.Context, keyID string) error {
	commandTag, err := r.pool.Exec(ctx, `
		UPDATE api_keys SET revoked_at = NOW()
		WHERE id = $1 AND revoked_at IS NULL
	`, keyID)
	if err != nil {
		return fmt.Errorf("delete api key: %w", err)
	}
	if commandTag.RowsAffected() == 0 {
		return fmt.Errorf("delete api key: %w", pgx.ErrNoRows)
	}
	return nil
}

// ListEventsSince returns up to eventBatchSize toggle events with IDs
// greater than eventID, ordered by event ID.
func (r *PostgresRepository) ListEventsSince(ctx context.Context, eventID int64) ([]ToggleEvent, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT event_id, toggle_id, event_type, payload, created_at
		FROM toggle_events
		WHERE event_id > $1
		ORDER BY event_id
		LIMIT $2
	`, eventID, r.eventBatchSize)
	if err != nil {
		return nil, fmt.Errorf("list events since: %w", err)
	}
	defer rows.Close()

	return collectEvents(rows)
}

// ListEventsSinceForToggle returns up to eventBatchSize toggle events
// with IDs greater than eventID for the specified toggle.
func (r *PostgresRepository) ListEventsSinceForToggle(ctx context.Context, eventID int64, toggleID string) ([]ToggleEvent, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT event_id, toggle_id, event_type, payload, created_at
		FROM toggle_events
		WHERE event_id > $1
		  AND toggle_id = $2
		ORDER BY event_id
		LIMIT $3
	`, eventID, toggleID, r.eventBatchSize)
	if err != nil {
		return nil, fmt.Errorf("list events since for toggle: %w", err)
	}
	defer rows.Close()

	return collectEvents(rows)
}

func collectEvents(rows pgx.Rows) ([]ToggleEvent, error) {
	events := make([]ToggleEvent, 0)
	for rows.Next() {
		var event ToggleEvent
		if err := rows.Scan(
			&event.EventID,
			&event.ToggleID,
			&event.EventType,
			&event.Payload,
			&event.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}

		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list events rows: %w", err)
	}

	return events, nil
}

// CreateAdminUser inserts a new admin user.
func (r *PostgresRepository) CreateAdminUser(ctx context.Context, username, passwordHash string) (AdminUser, error) {
	var u AdminUser
	err := r.pool.QueryRow(ctx, `
		INSERT INTO admin_users (username, password_hash)
		VALUES ($1, $2)
		RETURNING id, username, created_at, updated_at
	`, username, passwordHash).Scan(
		&u.ID,
		&u.Username,
		&u.CreatedAt,
		&u.UpdatedAt,
	)
	if err != nil {
		return AdminUser{}, fmt.Errorf("create admin user: %w", err)
	}
	return u, nil
}

// GetAdminUserByID retrieves an admin user by ID.
func (r *PostgresRepository) GetAdminUserByID(ctx context.Context, id string) (AdminUser, error) {
	var u AdminUser
	err := r.pool.QueryRow(ctx, `
		SELECT id, username, password_hash, created_at, updated_at
		FROM admin_users
		WHERE id = $1
	`, id).Scan(
		&u.ID,
		&u.Username,
		&u.PasswordHash,
		&u.CreatedAt,
		&u.UpdatedAt,
	)
	if err != nil {
		return AdminUser{}, fmt.Errorf("get admin user: %w", err)
	}
	return u, nil
}

// GetAdminUserByUsername retrieves an admin user by username.
func (r *PostgresRepository) GetAdminUserByUsername(ctx context.Context, username string) (AdminUser, error) {
	var u AdminUser
	err := r.pool.QueryRow(ctx, `
		SELECT id, username, password_hash, created_at, updated_at
		FROM admin_users
		WHERE username = $1
	`, username).Scan(
		&u.ID,
		&u.Username,
		&u.PasswordHash,
		&u.CreatedAt,
		&u.UpdatedAt,
	)
	if err != nil {
		return AdminUser{}, fmt.Errorf("get admin user: %w", err)
	}
	return u, nil
}

// HasAdminUsers returns true if any admin user exists.
func (r *PostgresRepository) HasAdminUsers(ctx context.Context) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM admin_users)`).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check admin users: %w", err)
	}
	return exists, nil
}

// CreateAdminSession creates a new session.
func (r *PostgresRepository) CreateAdminSession(ctx context.Context, session AdminSession) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO admin_sessions (id_hash, admin_user_id, csrf_token, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5)
	`, session.IDHash, session.AdminUserID, session.CSRFToken, session.CreatedAt, session.ExpiresAt)
	if err != nil {
		return fmt.Errorf("create admin session: %w", err)
	}
	return nil
}

// GetAdminSession retrieves a session by ID hash.
func (r *PostgresRepository) GetAdminSession(ctx context.Context, idHash string) (AdminSession, error) {
	var s AdminSession
	err := r.pool.QueryRow(ctx, `
		SELECT id_hash, admin_user_id, csrf_token, created_at, expires_at
		FROM admin_sessions
		WHERE id_hash = $1 AND expires_at > NOW()
	`, idHash).Scan(
		&s.IDHash,
		&s.AdminUserID,
		&s.CSRFToken,
		&s.CreatedAt,
		&s.ExpiresAt,
	)
	if err != nil {
		return AdminSession{}, fmt.Errorf("get admin session: %w", err)
	}
	return s, nil
}

// DeleteAdminSession removes a session.
func (r *PostgresRepository) DeleteAdminSession(ctx context.Context, idHash string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM admin_sessions WHERE id_hash = $1`, idHash)
	if err != nil {
		return fmt.Errorf("delete admin session: %w", err)
	}
	return nil
}

// DeleteExpiredAdminSessions removes all sessions that have passed their
// expiry time.
func (r *PostgresRepository) DeleteExpiredAdminSessions(ctx context.Context) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM admin_sessions WHERE expires_at < NOW()`)
	if err != nil {
		return fmt.Errorf("delete expired admin sessions: %w", err)
	}
	return nil
}

// PublishToggleEvent inserts a toggle event and sends a PostgreSQL NOTIFY
// on the configured channel within a single transaction.
func (r *PostgresRepository) PublishToggleEvent(ctx context.Context, event ToggleEvent) (ToggleEvent, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return ToggleEvent{}, fmt.Errorf("begin publish event tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var created ToggleEvent
	if err := tx.QueryRow(ctx, `
		INSERT INTO toggle_events (toggle_id, event_type, payload)
		VALUES ($1, $2, $3)
		RETURNING event_id, toggle_id, event_type, payload, created_at
	`,
		event.ToggleID,
		event.EventType,
		ensureJSON(event.Payload, "{}"),
	).Scan(
		&created.EventID,
		&created.ToggleID,
		&created.EventType,
		&created.Payload,
		&created.CreatedAt,
	); err != nil {
		return ToggleEvent{}, fmt.Errorf("insert toggle event: %w", err)
	}

	notifyPayload, err := marshalNotifyPayload(created)
	if err != nil {
		return ToggleEvent{}, fmt.Errorf("marshal notify payload: %w", err)
	}

	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, r.notifyChannel, notifyPayload); err != nil {
		return ToggleEvent{}, fmt.Errorf("notify toggle event: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return ToggleEvent{}, fmt.Errorf("commit publish event tx: %w", err)
	}

	return created, nil
}

// SubscribeToggleInvalidation returns a channel that receives a signal
// whenever a toggle event notification arrives on the PostgreSQL LISTEN
// channel. The channel is closed if the underlying connection is lost.
func (r *PostgresRepository) SubscribeToggleInvalidation(ctx context.Context) (<-chan struct{}, error) {
	invalidations := make(chan struct{}, 1)

	go r.runToggleInvalidationListener(ctx, invalidations)

	return invalidations, nil
}

func (r *PostgresRepository) runToggleInvalidationListener(ctx context.Context, invalidations chan<- struct{}) {
	defer close(invalidations)

	for {
		err := r.listenForToggleInvalidation(ctx, invalidations)
		if err == nil || ctx.Err() != nil {
			return
		}

		retryTimer := time.NewTimer(time.Second)
		select {
		case <-ctx.Done():
			retryTimer.Stop()
			return
		case <-retryTimer.C:
		}
	}
}

func (r *PostgresRepository) listenForToggleInvalidation(ctx context.Context, invalidations chan<- struct{}) error {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listen connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, listenStatement(r.notifyChannel)); err != nil {
		return fmt.Errorf("listen on %q: %w", r.notifyChannel, err)
	}

	for {
		if _, err := conn.Conn().WaitForNotification(ctx); err != nil {
			return fmt.Errorf("wait for toggle event notification: %w", err)
		}

		select {
		case invalidations <- struct{}{}:
		default:
		}
	}
}

func normalizeNotifyChannel(channel string) string {
	if trimmed := strings.TrimSpace(channel); trimmed != "" {
		return trimmed
	}

	return defaultNotifyChannel
}

func ensureJSON(input json.RawMessage, fallback string) json.RawMessage {
	if len(input) == 0 {
		return json.RawMessage(fallback)
	}

	return input
}

func listenStatement(channel string) string {
	return fmt.Sprintf("LISTEN %s", pgx.Identifier{channel}.Sanitize())
}

func generateRandomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func marshalNotifyPayload(event ToggleEvent) (string, error) {
	serialized, err := json.Marshal(struct {
		ToggleID  string `json:"toggle_id"`
		EventType string `json:"event_type"`
	}{
		ToggleID:  event.ToggleID,
		EventType: event.EventType,
	})
	if err != nil {
		return "", err
	}

	return string(serialized), nil
}
