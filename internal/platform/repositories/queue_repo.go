package repositories

import (
	"database/sql"
	"time"

	"chatrelay/internal/platform/models"
)

// QueueRepository owns the notification_queue table: one row per
// logical notification, keyed by delivery_id. Row-level conditional
// updates are the sole coordination point between workers and sweepers.
type QueueRepository struct {
	db *sql.DB
}

func NewQueueRepository(db *sql.DB) *QueueRepository {
	return &QueueRepository{db: db}
}

func (r *QueueRepository) Create(a *models.DeliveryAttempt) error {
	now := time.Now().Unix()
	a.CreatedAt = now
	a.UpdatedAt = now

	_, err := r.db.Exec(`
		INSERT INTO notification_queue
			(delivery_id, tenant_id, rule_id, webhook_id, webhook_data,
			 status, tier, retry_count, scheduled_for, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, a.DeliveryID, a.TenantID, a.RuleID, a.WebhookID, a.WebhookData,
		a.Status, a.Tier, a.RetryCount, nullInt(a.ScheduledFor), a.CreatedAt, a.UpdatedAt)
	return err
}

func (r *QueueRepository) Get(deliveryID string) (*models.DeliveryAttempt, error) {
	row := r.db.QueryRow(`
		SELECT delivery_id, tenant_id, rule_id, webhook_id, webhook_data,
		       status, tier, retry_count, scheduled_for, processed_at, created_at, updated_at
		FROM notification_queue WHERE delivery_id = ?
	`, deliveryID)

	var a models.DeliveryAttempt
	var scheduledFor, processedAt sql.NullInt64

	err := row.Scan(&a.DeliveryID, &a.TenantID, &a.RuleID, &a.WebhookID, &a.WebhookData,
		&a.Status, &a.Tier, &a.RetryCount, &scheduledFor, &processedAt, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}

	if scheduledFor.Valid {
		a.ScheduledFor = scheduledFor.Int64
	}
	if processedAt.Valid {
		a.ProcessedAt = processedAt.Int64
	}
	return &a, nil
}

// Claim atomically moves a pending or failed row to processing. Exactly
// one of any number of concurrent claimers wins; the others observe
// false and must skip the row. Completed, cancelled and manual_recovery
// rows are unclaimable.
func (r *QueueRepository) Claim(deliveryID string) (bool, error) {
	res, err := r.db.Exec(`
		UPDATE notification_queue
		SET status = ?, updated_at = ?
		WHERE delivery_id = ? AND status IN (?, ?)
	`, models.StatusProcessing, time.Now().Unix(), deliveryID,
		models.StatusPending, models.StatusFailed)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Status reads the current status only, used by workers to honor
// mid-flight cancellation between retries.
func (r *QueueRepository) Status(deliveryID string) (string, error) {
	var status string
	err := r.db.QueryRow(`SELECT status FROM notification_queue WHERE delivery_id = ?`, deliveryID).Scan(&status)
	if err != nil {
		return "", err
	}
	return status, nil
}

func (r *QueueRepository) Complete(deliveryID string) error {
	now := time.Now().Unix()
	_, err := r.db.Exec(`
		UPDATE notification_queue
		SET status = ?, processed_at = ?, updated_at = ?
		WHERE delivery_id = ?
	`, models.StatusCompleted, now, now, deliveryID)
	return err
}

// Fail marks a processing row failed and bumps retry_count: one spent
// send. The count only ever increases.
func (r *QueueRepository) Fail(deliveryID string) error {
	_, err := r.db.Exec(`
		UPDATE notification_queue
		SET status = ?, retry_count = retry_count + 1, updated_at = ?
		WHERE delivery_id = ?
	`, models.StatusFailed, time.Now().Unix(), deliveryID)
	return err
}

// Release marks a row failed without consuming the attempt budget, for
// paths where no send happened (shutdown mid-retry, lookup errors).
func (r *QueueRepository) Release(deliveryID string) error {
	_, err := r.db.Exec(`
		UPDATE notification_queue
		SET status = ?, updated_at = ?
		WHERE delivery_id = ?
	`, models.StatusFailed, time.Now().Unix(), deliveryID)
	return err
}

// BumpRetry counts one spent send while the row stays claimed, used by
// the in-process retry loop between attempts.
func (r *QueueRepository) BumpRetry(deliveryID string) error {
	_, err := r.db.Exec(`
		UPDATE notification_queue
		SET retry_count = retry_count + 1, updated_at = ?
		WHERE delivery_id = ?
	`, time.Now().Unix(), deliveryID)
	return err
}

// Demote re-tiers a row to the batch queue, leaving it pending for the
// batch sweeper. The handover itself is not an attempt; each send is
// counted where it happens.
func (r *QueueRepository) Demote(deliveryID string, scheduledFor int64) error {
	_, err := r.db.Exec(`
		UPDATE notification_queue
		SET status = ?, tier = ?, scheduled_for = ?, updated_at = ?
		WHERE delivery_id = ?
	`, models.StatusPending, models.TierBatch, scheduledFor, time.Now().Unix(), deliveryID)
	return err
}

// Park moves a freshly created queue-tier row straight to the batch
// tier without touching retry_count, used when the in-memory queue is
// saturated at enqueue time.
func (r *QueueRepository) Park(deliveryID string) error {
	_, err := r.db.Exec(`
		UPDATE notification_queue
		SET tier = ?, updated_at = ?
		WHERE delivery_id = ? AND status = ?
	`, models.TierBatch, time.Now().Unix(), deliveryID, models.StatusPending)
	return err
}

// Escalate parks a row in manual_recovery. Terminal from the
// pipeline's perspective; only an operator redispatch leaves it.
func (r *QueueRepository) Escalate(deliveryID string) error {
	now := time.Now().Unix()
	_, err := r.db.Exec(`
		UPDATE notification_queue
		SET status = ?, tier = ?, processed_at = ?, updated_at = ?
		WHERE delivery_id = ?
	`, models.StatusManualRecovery, models.TierManual, now, now, deliveryID)
	return err
}

func (r *QueueRepository) Cancel(deliveryID string) error {
	res, err := r.db.Exec(`
		UPDATE notification_queue
		SET status = ?, updated_at = ?
		WHERE delivery_id = ? AND status NOT IN (?, ?)
	`, models.StatusCancelled, time.Now().Unix(), deliveryID,
		models.StatusCompleted, models.StatusCancelled)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// ReclaimStale recovers rows whose in-memory wake-up was lost. A
// restart discards the queue channel, stranding queue-tier pending and
// failed rows; a crash mid-attempt strands processing rows. Both are
// re-tiered to batch once quiet for longer than the grace cutoff, so
// the sweeper re-attempts them. Staleness is judged on updated_at: a
// live worker touches its row on every transition, well inside any
// sane grace period.
func (r *QueueRepository) ReclaimStale(cutoff int64) (int64, error) {
	now := time.Now().Unix()

	res, err := r.db.Exec(`
		UPDATE notification_queue
		SET tier = ?, updated_at = ?
		WHERE tier = ? AND status IN (?, ?) AND updated_at <= ?
	`, models.TierBatch, now, models.TierQueue,
		models.StatusPending, models.StatusFailed, cutoff)
	if err != nil {
		return 0, err
	}
	stranded, _ := res.RowsAffected()

	// Orphaned claims: the owner died between claim and terminal state.
	// The interrupted send may have gone out; a duplicate is the
	// acceptable cost of never losing the row.
	res, err = r.db.Exec(`
		UPDATE notification_queue
		SET status = ?, tier = ?, retry_count = retry_count + 1, updated_at = ?
		WHERE status = ? AND updated_at <= ?
	`, models.StatusFailed, models.TierBatch, now, models.StatusProcessing, cutoff)
	if err != nil {
		return stranded, err
	}
	orphaned, _ := res.RowsAffected()
	return stranded + orphaned, nil
}

// SelectBatch returns batch-tier rows eligible for the sweeper, oldest
// first, capped to bound per-run load.
func (r *QueueRepository) SelectBatch(now int64, limit int) ([]*models.DeliveryAttempt, error) {
	rows, err := r.db.Query(`
		SELECT delivery_id, tenant_id, rule_id, webhook_id, webhook_data,
		       status, tier, retry_count, scheduled_for, processed_at, created_at, updated_at
		FROM notification_queue
		WHERE tier = ? AND status IN (?, ?)
		      AND (scheduled_for IS NULL OR scheduled_for <= ?)
		ORDER BY created_at ASC
		LIMIT ?
	`, models.TierBatch, models.StatusPending, models.StatusFailed, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var attempts []*models.DeliveryAttempt
	for rows.Next() {
		var a models.DeliveryAttempt
		var scheduledFor, processedAt sql.NullInt64

		if err := rows.Scan(&a.DeliveryID, &a.TenantID, &a.RuleID, &a.WebhookID, &a.WebhookData,
			&a.Status, &a.Tier, &a.RetryCount, &scheduledFor, &processedAt, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, err
		}
		if scheduledFor.Valid {
			a.ScheduledFor = scheduledFor.Int64
		}
		if processedAt.Valid {
			a.ProcessedAt = processedAt.Int64
		}
		attempts = append(attempts, &a)
	}
	return attempts, rows.Err()
}

// Depth counts rows still waiting for a terminal state, for the health
// surface.
func (r *QueueRepository) Depth() (int, error) {
	var depth int
	err := r.db.QueryRow(`
		SELECT COUNT(*) FROM notification_queue WHERE status IN (?, ?, ?)
	`, models.StatusPending, models.StatusProcessing, models.StatusFailed).Scan(&depth)
	return depth, err
}

func nullInt(v int64) interface{} {
	if v == 0 {
		return nil
	}
	return v
}
