package repositories

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
	"chatrelay/internal/platform/models"
)

type DelayedRepository struct {
	db *sql.DB
}

func NewDelayedRepository(db *sql.DB) *DelayedRepository {
	return &DelayedRepository{db: db}
}

func (r *DelayedRepository) Create(n *models.DelayedNotification) error {
	if n.ID == "" {
		n.ID = "dn_" + uuid.New().String()
	}
	now := time.Now().Unix()
	n.CreatedAt = now
	n.UpdatedAt = now
	if n.Status == "" {
		n.Status = models.DelayedPending
	}

	_, err := r.db.Exec(`
		INSERT INTO delayed_notifications (id, tenant_id, notification_data, scheduled_for, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, n.ID, n.TenantID, n.NotificationData, n.ScheduledFor, n.Status, n.CreatedAt, n.UpdatedAt)
	return err
}

// SelectDue returns pending notifications whose scheduled time has
// arrived, oldest first.
func (r *DelayedRepository) SelectDue(now int64, limit int) ([]*models.DelayedNotification, error) {
	rows, err := r.db.Query(`
		SELECT id, tenant_id, notification_data, scheduled_for, status, created_at, updated_at
		FROM delayed_notifications
		WHERE status = ? AND scheduled_for <= ?
		ORDER BY scheduled_for ASC
		LIMIT ?
	`, models.DelayedPending, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var due []*models.DelayedNotification
	for rows.Next() {
		var n models.DelayedNotification
		if err := rows.Scan(&n.ID, &n.TenantID, &n.NotificationData, &n.ScheduledFor,
			&n.Status, &n.CreatedAt, &n.UpdatedAt); err != nil {
			return nil, err
		}
		due = append(due, &n)
	}
	return due, rows.Err()
}

// Claim atomically takes ownership of a pending row by moving it to
// processing. A concurrent sweeper run observes false and skips. The
// owner marks the row sent only after the re-injected queue row is
// committed, or failed when injection goes wrong; rows orphaned between
// the two are returned to pending by ReclaimStale.
func (r *DelayedRepository) Claim(id string) (bool, error) {
	res, err := r.db.Exec(`
		UPDATE delayed_notifications
		SET status = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`, models.DelayedProcessing, time.Now().Unix(), id, models.DelayedPending)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// MarkSent confirms a claimed row once its notification is durably back
// in the queue.
func (r *DelayedRepository) MarkSent(id string) error {
	_, err := r.db.Exec(`
		UPDATE delayed_notifications SET status = ?, updated_at = ? WHERE id = ?
	`, models.DelayedSent, time.Now().Unix(), id)
	return err
}

// ReclaimStale returns orphaned processing claims to pending so the
// next sweep retries them. A duplicate re-injection is the acceptable
// cost; a silently dropped deferral is not.
func (r *DelayedRepository) ReclaimStale(cutoff int64) (int64, error) {
	res, err := r.db.Exec(`
		UPDATE delayed_notifications
		SET status = ?, updated_at = ?
		WHERE status = ? AND updated_at <= ?
	`, models.DelayedPending, time.Now().Unix(), models.DelayedProcessing, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *DelayedRepository) MarkFailed(id string) error {
	_, err := r.db.Exec(`
		UPDATE delayed_notifications SET status = ?, updated_at = ? WHERE id = ?
	`, models.DelayedFailed, time.Now().Unix(), id)
	return err
}

func (r *DelayedRepository) Cancel(id string) error {
	res, err := r.db.Exec(`
		UPDATE delayed_notifications
		SET status = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`, models.DelayedCancelled, time.Now().Unix(), id, models.DelayedPending)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}
