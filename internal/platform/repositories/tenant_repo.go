package repositories

import (
	"database/sql"

	"chatrelay/internal/platform/models"
)

type TenantRepository struct {
	db *sql.DB
}

func NewTenantRepository(db *sql.DB) *TenantRepository {
	return &TenantRepository{db: db}
}

func (r *TenantRepository) GetByID(id string) (*models.Tenant, error) {
	t := &models.Tenant{}
	err := r.db.QueryRow(`
		SELECT id, name, plan_tier, webhook_secret, created_at, updated_at
		FROM tenants WHERE id = ?
	`, id).Scan(&t.ID, &t.Name, &t.PlanTier, &t.WebhookSecret, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return t, nil
}
