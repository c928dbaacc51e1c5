package workers

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"chatrelay/internal/platform/config"
	"chatrelay/internal/platform/repositories"
)

// RetentionPurger deletes delivery_log rows past the retention horizon.
// It runs in the worker binary, outside the pipeline core; the log is
// otherwise append-only.
type RetentionPurger struct {
	cfg     config.RetentionConfig
	logRepo *repositories.DeliveryLogRepository
}

func NewRetentionPurger(cfg config.RetentionConfig, logRepo *repositories.DeliveryLogRepository) *RetentionPurger {
	return &RetentionPurger{cfg: cfg, logRepo: logRepo}
}

func (p *RetentionPurger) Run(_ context.Context) {
	days := p.cfg.DeliveryLogDays
	if days <= 0 {
		days = 90
	}
	cutoff := time.Now().AddDate(0, 0, -days).Unix()

	purged, err := p.logRepo.PurgeOlderThan(cutoff)
	if err != nil {
		log.Error().Err(err).Msg("delivery log purge failed")
		return
	}
	if purged > 0 {
		log.Info().Int64("purged", purged).Int("retention_days", days).Msg("delivery log purged")
	}
}
