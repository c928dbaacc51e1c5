package workers

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"chatrelay/internal/engine/delivery"
	"chatrelay/internal/platform/config"
	"chatrelay/internal/platform/repositories"
)

// BatchSweeper periodically re-attempts batch-tier rows left behind by
// the queue tier. It is stateless between runs and safe to trigger
// twice concurrently: the dispatcher's atomic claim makes the second
// run skip rows the first already owns.
type BatchSweeper struct {
	cfg        config.PipelineConfig
	queueRepo  *repositories.QueueRepository
	dispatcher *delivery.Dispatcher
}

func NewBatchSweeper(cfg config.PipelineConfig, queueRepo *repositories.QueueRepository, dispatcher *delivery.Dispatcher) *BatchSweeper {
	return &BatchSweeper{cfg: cfg, queueRepo: queueRepo, dispatcher: dispatcher}
}

// Run performs one bounded unit of work: up to BatchSize eligible rows.
// Before selecting, it sweeps queue-tier rows whose wake-up signal died
// with a previous process into the batch tier, so a restart never
// strands a delivery.
func (s *BatchSweeper) Run(ctx context.Context) {
	reclaimed, err := s.queueRepo.ReclaimStale(time.Now().Add(-s.reclaimGrace()).Unix())
	if err != nil {
		log.Error().Err(err).Msg("stale delivery reclaim failed")
	} else if reclaimed > 0 {
		log.Warn().Int64("count", reclaimed).Msg("reclaimed stale deliveries into batch tier")
	}

	attempts, err := s.queueRepo.SelectBatch(time.Now().Unix(), s.cfg.BatchSize)
	if err != nil {
		log.Error().Err(err).Msg("batch sweep select failed")
		return
	}
	if len(attempts) == 0 {
		return
	}

	log.Info().Int("count", len(attempts)).Msg("batch sweep started")
	for _, attempt := range attempts {
		select {
		case <-ctx.Done():
			return
		default:
		}
		s.dispatcher.ProcessBatch(ctx, attempt)
	}
}

func (s *BatchSweeper) reclaimGrace() time.Duration {
	if s.cfg.ReclaimAfter > 0 {
		return s.cfg.ReclaimAfter
	}
	return 5 * time.Minute
}
