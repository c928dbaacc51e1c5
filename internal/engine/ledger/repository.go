package ledger

import (
	"database/sql"
)

// StatusCount is one cell of the delivery breakdown.
type StatusCount struct {
	Status string `json:"status"`
	Tier   string `json:"tier"`
	Count  int    `json:"count"`
}

type RuleStats struct {
	RuleID      string  `json:"rule_id"`
	Total       int     `json:"total"`
	Completed   int     `json:"completed"`
	Manual      int     `json:"manual_recovery"`
	Cancelled   int     `json:"cancelled"`
	InFlight    int     `json:"in_flight"`
	SuccessRate float64 `json:"success_rate"`
}

type WebhookHealth struct {
	WebhookID           string  `json:"webhook_id"`
	IsActive            bool    `json:"is_active"`
	ConsecutiveFailures int     `json:"consecutive_failures"`
	LastTriggeredAt     int64   `json:"last_triggered_at,omitempty"`
	LastError           string  `json:"last_error,omitempty"`
	Total               int     `json:"total"`
	Completed           int     `json:"completed"`
	SuccessRate         float64 `json:"success_rate"`
}

// Repository serves the read-only monitoring queries over the ledger
// tables. It never writes; the pipeline owns all mutation.
type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// CountsByStatus breaks down queue rows for a tenant within a created_at
// window, grouped by status and tier.
func (r *Repository) CountsByStatus(tenantID string, start, end int64) ([]StatusCount, error) {
	rows, err := r.db.Query(`
		SELECT status, tier, COUNT(*)
		FROM notification_queue
		WHERE tenant_id = ? AND created_at >= ? AND created_at <= ?
		GROUP BY status, tier
		ORDER BY status, tier
	`, tenantID, start, end)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var counts []StatusCount
	for rows.Next() {
		var c StatusCount
		if err := rows.Scan(&c.Status, &c.Tier, &c.Count); err != nil {
			return nil, err
		}
		counts = append(counts, c)
	}
	return counts, rows.Err()
}

func (r *Repository) RuleStats(ruleID string, start, end int64) (*RuleStats, error) {
	stats := &RuleStats{RuleID: ruleID}
	err := r.db.QueryRow(`
		SELECT COUNT(*),
		       SUM(CASE WHEN status = 'completed' THEN 1 ELSE 0 END),
		       SUM(CASE WHEN status = 'manual_recovery' THEN 1 ELSE 0 END),
		       SUM(CASE WHEN status = 'cancelled' THEN 1 ELSE 0 END),
		       SUM(CASE WHEN status IN ('pending', 'processing', 'failed') THEN 1 ELSE 0 END)
		FROM notification_queue
		WHERE rule_id = ? AND created_at >= ? AND created_at <= ?
	`, ruleID, start, end).Scan(&stats.Total, &nullScan{&stats.Completed}, &nullScan{&stats.Manual},
		&nullScan{&stats.Cancelled}, &nullScan{&stats.InFlight})
	if err != nil {
		return nil, err
	}

	if stats.Total > 0 {
		stats.SuccessRate = float64(stats.Completed) / float64(stats.Total)
	}
	return stats, nil
}

func (r *Repository) WebhookHealth(webhookID string, start, end int64) (*WebhookHealth, error) {
	h := &WebhookHealth{WebhookID: webhookID}

	var lastTriggeredAt sql.NullInt64
	var lastError sql.NullString
	err := r.db.QueryRow(`
		SELECT is_active, consecutive_failures, last_triggered_at, last_error
		FROM chat_webhooks WHERE id = ?
	`, webhookID).Scan(&h.IsActive, &h.ConsecutiveFailures, &lastTriggeredAt, &lastError)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	if lastTriggeredAt.Valid {
		h.LastTriggeredAt = lastTriggeredAt.Int64
	}
	if lastError.Valid {
		h.LastError = lastError.String
	}

	err = r.db.QueryRow(`
		SELECT COUNT(*),
		       SUM(CASE WHEN status = 'completed' THEN 1 ELSE 0 END)
		FROM notification_queue
		WHERE webhook_id = ? AND created_at >= ? AND created_at <= ?
	`, webhookID, start, end).Scan(&h.Total, &nullScan{&h.Completed})
	if err != nil {
		return nil, err
	}

	if h.Total > 0 {
		h.SuccessRate = float64(h.Completed) / float64(h.Total)
	}
	return h, nil
}

// RecentFailureRate reports the share of failed log entries among
// terminal outcomes since the cutoff, for the health surface.
func (r *Repository) RecentFailureRate(since int64) (float64, error) {
	var success, failed int
	err := r.db.QueryRow(`
		SELECT SUM(CASE WHEN status = 'success' THEN 1 ELSE 0 END),
		       SUM(CASE WHEN status IN ('failed', 'manual_recovery') THEN 1 ELSE 0 END)
		FROM delivery_log
		WHERE created_at >= ?
	`, since).Scan(&nullScan{&success}, &nullScan{&failed})
	if err != nil {
		return 0, err
	}

	total := success + failed
	if total == 0 {
		return 0, nil
	}
	return float64(failed) / float64(total), nil
}

// nullScan treats SQL NULL aggregates (SUM over zero rows) as zero.
type nullScan struct {
	dest *int
}

func (n *nullScan) Scan(src interface{}) error {
	if src == nil {
		*n.dest = 0
		return nil
	}
	switch v := src.(type) {
	case int64:
		*n.dest = int(v)
	case float64:
		*n.dest = int(v)
	}
	return nil
}
