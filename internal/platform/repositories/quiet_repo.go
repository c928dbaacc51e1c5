package repositories

import (
	"database/sql"
	"encoding/json"

	"chatrelay/internal/platform/models"
)

type QuietHoursRepository struct {
	db *sql.DB
}

func NewQuietHoursRepository(db *sql.DB) *QuietHoursRepository {
	return &QuietHoursRepository{db: db}
}

// Get returns the tenant's quiet-hours config, or nil when none is
// configured. Absence means quiet hours are disabled.
func (r *QuietHoursRepository) Get(tenantID string) (*models.QuietHoursConfig, error) {
	row := r.db.QueryRow(`
		SELECT tenant_id, timezone, start_time, end_time, weekends_enabled, holidays, created_at, updated_at
		FROM quiet_hours WHERE tenant_id = ?
	`, tenantID)

	var cfg models.QuietHoursConfig
	var holidaysStr string

	err := row.Scan(&cfg.TenantID, &cfg.Timezone, &cfg.StartTime, &cfg.EndTime,
		&cfg.WeekendsEnabled, &holidaysStr, &cfg.CreatedAt, &cfg.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}

	cfg.Holidays = models.ParseHolidays(holidaysStr)
	return &cfg, nil
}

// Upsert exists for tests and local seeding; production config rows
// come from the admin API.
func (r *QuietHoursRepository) Upsert(cfg *models.QuietHoursConfig) error {
	holidays, err := json.Marshal(cfg.Holidays)
	if err != nil {
		return err
	}
	_, err = r.db.Exec(`
		INSERT INTO quiet_hours (tenant_id, timezone, start_time, end_time, weekends_enabled, holidays, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id) DO UPDATE SET
			timezone = excluded.timezone,
			start_time = excluded.start_time,
			end_time = excluded.end_time,
			weekends_enabled = excluded.weekends_enabled,
			holidays = excluded.holidays,
			updated_at = excluded.updated_at
	`, cfg.TenantID, cfg.Timezone, cfg.StartTime, cfg.EndTime, cfg.WeekendsEnabled,
		string(holidays), cfg.CreatedAt, cfg.UpdatedAt)
	return err
}
