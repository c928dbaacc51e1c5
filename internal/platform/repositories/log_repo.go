package repositories

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
	"chatrelay/internal/platform/models"
)

// DeliveryLogRepository appends to the delivery_log audit table. Rows
// are never updated; retention cleanup is the only delete path.
type DeliveryLogRepository struct {
	db *sql.DB
}

func NewDeliveryLogRepository(db *sql.DB) *DeliveryLogRepository {
	return &DeliveryLogRepository{db: db}
}

func (r *DeliveryLogRepository) Append(entry *models.DeliveryLogEntry) error {
	if entry.ID == "" {
		entry.ID = "dl_" + uuid.New().String()
	}
	if entry.CreatedAt == 0 {
		entry.CreatedAt = time.Now().Unix()
	}

	_, err := r.db.Exec(`
		INSERT INTO delivery_log
			(id, delivery_id, event_type, tenant_id, status, tier, result_data, processing_time_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, entry.ID, entry.DeliveryID, entry.EventType, entry.TenantID, entry.Status,
		entry.Tier, entry.ResultData, entry.ProcessingTimeMS, entry.CreatedAt)
	return err
}

// ListByDelivery returns the full attempt history for one logical
// notification, oldest first.
func (r *DeliveryLogRepository) ListByDelivery(deliveryID string) ([]*models.DeliveryLogEntry, error) {
	rows, err := r.db.Query(`
		SELECT id, delivery_id, event_type, tenant_id, status, tier, result_data, processing_time_ms, created_at
		FROM delivery_log WHERE delivery_id = ? ORDER BY created_at ASC, id ASC
	`, deliveryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*models.DeliveryLogEntry
	for rows.Next() {
		var e models.DeliveryLogEntry
		var resultData sql.NullString
		if err := rows.Scan(&e.ID, &e.DeliveryID, &e.EventType, &e.TenantID, &e.Status,
			&e.Tier, &resultData, &e.ProcessingTimeMS, &e.CreatedAt); err != nil {
			return nil, err
		}
		if resultData.Valid {
			e.ResultData = resultData.String
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// PurgeOlderThan deletes log rows past the retention horizon and
// returns how many were removed.
func (r *DeliveryLogRepository) PurgeOlderThan(cutoff int64) (int64, error) {
	res, err := r.db.Exec(`DELETE FROM delivery_log WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
