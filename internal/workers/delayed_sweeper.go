package workers

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"chatrelay/internal/engine/delivery"
	"chatrelay/internal/platform/config"
	"chatrelay/internal/platform/models"
	"chatrelay/internal/platform/repositories"
)

// DelayedSweeper re-injects quiet-hours-deferred notifications whose
// scheduled time has arrived. Claim-then-inject-then-confirm: a row is
// atomically flipped to processing so a concurrent run cannot deliver
// it twice, marked sent only once its notification is durably back in
// the queue, and downgraded to failed if injection does not stick.
type DelayedSweeper struct {
	cfg         config.PipelineConfig
	delayedRepo *repositories.DelayedRepository
	pipeline    *delivery.Pipeline
}

func NewDelayedSweeper(cfg config.PipelineConfig, delayedRepo *repositories.DelayedRepository, pipeline *delivery.Pipeline) *DelayedSweeper {
	return &DelayedSweeper{cfg: cfg, delayedRepo: delayedRepo, pipeline: pipeline}
}

func (s *DelayedSweeper) Run(ctx context.Context) {
	reclaimed, err := s.delayedRepo.ReclaimStale(time.Now().Add(-s.reclaimGrace()).Unix())
	if err != nil {
		log.Error().Err(err).Msg("stale delayed reclaim failed")
	} else if reclaimed > 0 {
		log.Warn().Int64("count", reclaimed).Msg("reclaimed stale delayed notifications")
	}

	due, err := s.delayedRepo.SelectDue(time.Now().Unix(), s.cfg.BatchSize)
	if err != nil {
		log.Error().Err(err).Msg("delayed sweep select failed")
		return
	}
	if len(due) == 0 {
		return
	}

	log.Info().Int("count", len(due)).Msg("delayed sweep started")
	for _, n := range due {
		select {
		case <-ctx.Done():
			return
		default:
		}
		s.inject(n)
	}
}

func (s *DelayedSweeper) inject(n *models.DelayedNotification) {
	claimed, err := s.delayedRepo.Claim(n.ID)
	if err != nil {
		log.Error().Err(err).Str("delayed_id", n.ID).Msg("delayed claim failed")
		return
	}
	if !claimed {
		return
	}

	data, err := models.DecodeWebhookData(n.NotificationData)
	if err != nil {
		log.Error().Err(err).Str("delayed_id", n.ID).Msg("delayed payload unreadable")
		s.markFailed(n.ID)
		return
	}

	deliveryID, err := s.pipeline.EnqueueReplay(n.TenantID, data)
	if err != nil {
		log.Error().Err(err).Str("delayed_id", n.ID).Msg("delayed re-injection failed")
		s.markFailed(n.ID)
		return
	}
	if err := s.delayedRepo.MarkSent(n.ID); err != nil {
		// The queue row exists; worst case a later reclaim re-injects it.
		log.Error().Err(err).Str("delayed_id", n.ID).Msg("delayed sent transition failed")
	}
	log.Info().Str("delayed_id", n.ID).Str("delivery_id", deliveryID).
		Str("tenant_id", n.TenantID).Msg("delayed notification re-injected")
}

func (s *DelayedSweeper) reclaimGrace() time.Duration {
	if s.cfg.ReclaimAfter > 0 {
		return s.cfg.ReclaimAfter
	}
	return 5 * time.Minute
}

func (s *DelayedSweeper) markFailed(id string) {
	if err := s.delayedRepo.MarkFailed(id); err != nil {
		log.Error().Err(err).Str("delayed_id", id).Msg("delayed fail transition failed")
	}
}
