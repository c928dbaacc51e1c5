package repositories

import (
	"database/sql"
	"time"

	"chatrelay/internal/platform/models"
)

type WebhookRepository struct {
	db *sql.DB
}

func NewWebhookRepository(db *sql.DB) *WebhookRepository {
	return &WebhookRepository{db: db}
}

func (r *WebhookRepository) GetByID(id string) (*models.Webhook, error) {
	row := r.db.QueryRow(`
		SELECT id, tenant_id, name, webhook_url, is_active,
		       consecutive_failures, last_triggered_at, last_error, created_at, updated_at
		FROM chat_webhooks WHERE id = ?
	`, id)

	var w models.Webhook
	var name, lastError sql.NullString
	var lastTriggeredAt sql.NullInt64

	err := row.Scan(&w.ID, &w.TenantID, &name, &w.WebhookURL, &w.IsActive,
		&w.ConsecutiveFailures, &lastTriggeredAt, &lastError, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}

	if name.Valid {
		w.Name = name.String
	}
	if lastTriggeredAt.Valid {
		w.LastTriggeredAt = lastTriggeredAt.Int64
	}
	if lastError.Valid {
		w.LastError = lastError.String
	}
	return &w, nil
}

// RecordSuccess stamps the last successful delivery and clears the
// failure streak.
func (r *WebhookRepository) RecordSuccess(id string) error {
	now := time.Now().Unix()
	_, err := r.db.Exec(`
		UPDATE chat_webhooks
		SET last_triggered_at = ?, consecutive_failures = 0, last_error = NULL, updated_at = ?
		WHERE id = ?
	`, now, now, id)
	return err
}

// RecordFailure bumps the failure streak and remembers the last error
// for the per-webhook health surface.
func (r *WebhookRepository) RecordFailure(id, lastError string) error {
	_, err := r.db.Exec(`
		UPDATE chat_webhooks
		SET consecutive_failures = consecutive_failures + 1, last_error = ?, updated_at = ?
		WHERE id = ?
	`, lastError, time.Now().Unix(), id)
	return err
}
