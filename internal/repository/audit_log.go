package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// AuditLogEntry records a toggle mutation performed via the API or the
// admin portal.
type AuditLogEntry struct {
	ID          int64           `json:"id"`
	APIKeyID    string          `json:"api_key_id,omitempty"`
	AdminUserID string          `json:"admin_user_id,omitempty"`
	Action      string          `json:"action"`
	ToggleID    string          `json:"toggle_id,omitempty"`
	Details     json.RawMessage `json:"details,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// InsertAuditLog writes a single audit log entry.
func (r *PostgresRepository) InsertAuditLog(ctx context.Context, entry AuditLogEntry) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO audit_log (api_key_id, admin_user_id, action, toggle_id, details)
		VALUES ($1, $2, $3, $4, $5)
	`, entry.APIKeyID, entry.AdminUserID, entry.Action, entry.ToggleID, entry.Details)
	if err != nil {
		return fmt.Errorf("insert audit log: %w", err)
	}
	return nil
}

// ListAuditLog returns audit log entries, newest first.
func (r *PostgresRepository) ListAuditLog(ctx context.Context, limit, offset int) ([]AuditLogEntry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, api_key_id, admin_user_id, action, toggle_id, details, created_at
		FROM audit_log
		ORDER BY id DESC
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list audit log: %w", err)
	}
	defer rows.Close()

	entries := make([]AuditLogEntry, 0)
	for rows.Next() {
		var e AuditLogEntry
		if err := rows.Scan(&e.ID, &e.APIKeyID, &e.AdminUserID, &e.Action, &e.ToggleID, &e.Details, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit log entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit log rows: %w", err)
	}
	return entries, nil
}
