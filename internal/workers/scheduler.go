package workers

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
	"chatrelay/internal/platform/config"
)

// Job is one bounded unit of periodic work.
type Job interface {
	Run(ctx context.Context)
}

// Scheduler drives the sweepers on independent timers, parallel to the
// dispatcher's worker pool. Each tick does one bounded run; there is no
// recursive rescheduling.
type Scheduler struct {
	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
}

func NewScheduler() *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:   cron.New(cron.WithSeconds()),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Register adds a job at the given interval.
func (s *Scheduler) Register(name string, every time.Duration, job Job) error {
	if every < time.Second {
		every = time.Second
	}
	spec := fmt.Sprintf("@every %s", every)
	_, err := s.cron.AddFunc(spec, func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error().Str("job", name).Interface("panic", r).Msg("recovered sweeper panic")
			}
		}()
		job.Run(s.ctx)
	})
	if err != nil {
		return err
	}
	log.Info().Str("job", name).Dur("every", every).Msg("sweeper registered")
	return nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop cancels running jobs and waits for the cron runner to wind down.
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.cron.Stop().Done()
}

// RegisterAll wires the standard sweeper set.
func RegisterAll(s *Scheduler, cfg *config.Config, batch *BatchSweeper, delayed *DelayedSweeper, purger *RetentionPurger) error {
	if err := s.Register("batch_sweeper", cfg.Pipeline.BatchInterval, batch); err != nil {
		return err
	}
	if err := s.Register("delayed_sweeper", cfg.Pipeline.SweepDelayed, delayed); err != nil {
		return err
	}
	// Retention is daily; a tighter interval only burns cycles.
	if err := s.Register("retention_purge", 24*time.Hour, purger); err != nil {
		return err
	}
	return nil
}
