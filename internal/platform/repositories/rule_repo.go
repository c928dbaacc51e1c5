package repositories

import (
	"database/sql"
	"encoding/json"

	"github.com/rs/zerolog/log"
	"chatrelay/internal/platform/models"
)

// RuleRepository reads tenant rule configuration. Rules are written by
// the external admin API; the pipeline never mutates them.
type RuleRepository struct {
	db *sql.DB
}

func NewRuleRepository(db *sql.DB) *RuleRepository {
	return &RuleRepository{db: db}
}

// ListEnabled returns the tenant's enabled rules ordered by priority
// ascending with created_at as a stable tie-break. Rows with filter
// blobs that fail to decode are skipped, not fatal; one bad rule must
// not block the rest of the tenant's configuration.
func (r *RuleRepository) ListEnabled(tenantID string) ([]*models.Rule, error) {
	rows, err := r.db.Query(`
		SELECT id, tenant_id, event_type, filters, target_webhook_id,
		       template_mode, template_format, custom_template,
		       enabled, priority, is_default, plan_tier, created_at, updated_at
		FROM rules
		WHERE tenant_id = ? AND enabled = 1
		ORDER BY priority ASC, created_at ASC
	`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []*models.Rule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			log.Warn().Err(err).Str("tenant_id", tenantID).Msg("skipping unreadable rule row")
			continue
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

func (r *RuleRepository) GetByID(id string) (*models.Rule, error) {
	row := r.db.QueryRow(`
		SELECT id, tenant_id, event_type, filters, target_webhook_id,
		       template_mode, template_format, custom_template,
		       enabled, priority, is_default, plan_tier, created_at, updated_at
		FROM rules WHERE id = ?
	`, id)

	rule, err := scanRule(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return rule, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRule(row rowScanner) (*models.Rule, error) {
	var rule models.Rule
	var filtersStr string
	var customTemplate, planTier sql.NullString

	err := row.Scan(&rule.ID, &rule.TenantID, &rule.EventType, &filtersStr,
		&rule.TargetWebhookID, &rule.TemplateMode, &rule.TemplateFormat,
		&customTemplate, &rule.Enabled, &rule.Priority, &rule.IsDefault,
		&planTier, &rule.CreatedAt, &rule.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if customTemplate.Valid {
		rule.CustomTemplate = customTemplate.String
	}
	if planTier.Valid {
		rule.PlanTier = planTier.String
	}
	if filtersStr != "" {
		if err := json.Unmarshal([]byte(filtersStr), &rule.Filters); err != nil {
			return nil, err
		}
	}
	return &rule, nil
}
