package delivery

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"chatrelay/internal/pkg/errors"
	"chatrelay/internal/platform/config"
	"chatrelay/internal/platform/models"
	"chatrelay/internal/platform/repositories"
	"chatrelay/internal/engine/template"
)

// Dispatcher owns the tiered delivery state machine. It is an
// explicitly constructed service: queue channel, worker pool and
// repositories are injected at startup, drained at shutdown. The
// notification_queue table is the single source of truth; the channel
// is only a wake-up signal carrying delivery ids.
type Dispatcher struct {
	cfg         config.PipelineConfig
	queueRepo   *repositories.QueueRepository
	logRepo     *repositories.DeliveryLogRepository
	webhookRepo *repositories.WebhookRepository
	ruleRepo    *repositories.RuleRepository
	sender      Sender

	jobs    chan string
	stopCh  chan struct{}
	wg      sync.WaitGroup
	once    sync.Once
	running atomic.Bool
}

func NewDispatcher(
	cfg config.PipelineConfig,
	queueRepo *repositories.QueueRepository,
	logRepo *repositories.DeliveryLogRepository,
	webhookRepo *repositories.WebhookRepository,
	ruleRepo *repositories.RuleRepository,
	sender Sender,
) *Dispatcher {
	return &Dispatcher{
		cfg:         cfg,
		queueRepo:   queueRepo,
		logRepo:     logRepo,
		webhookRepo: webhookRepo,
		ruleRepo:    ruleRepo,
		sender:      sender,
		jobs:        make(chan string, cfg.QueueSize),
		stopCh:      make(chan struct{}),
	}
}

// Start launches the worker pool.
func (d *Dispatcher) Start(ctx context.Context) {
	for i := 0; i < d.cfg.WorkerCount; i++ {
		d.wg.Add(1)
		go d.worker(ctx, i)
	}
	d.running.Store(true)
	log.Info().Int("workers", d.cfg.WorkerCount).Msg("dispatcher started")
}

// Stop signals the workers and waits for in-flight deliveries to
// finish.
func (d *Dispatcher) Stop() {
	d.once.Do(func() { close(d.stopCh) })
	d.wg.Wait()
	d.running.Store(false)
	log.Info().Msg("dispatcher drained")
}

// Running reports worker-pool liveness for the health surface.
func (d *Dispatcher) Running() bool { return d.running.Load() }

// QueueDepth reports how many deliveries sit in the wake-up channel.
func (d *Dispatcher) QueueDepth() int { return len(d.jobs) }

// Enqueue records a new logical notification and hands it to the queue
// tier. If the queue channel is saturated the row is parked directly in
// the batch tier instead; ingestion never blocks on dispatch capacity.
func (d *Dispatcher) Enqueue(tenantID, ruleID, webhookID string, data models.WebhookData) (string, error) {
	encoded, err := data.Encode()
	if err != nil {
		return "", errors.Validation("encoding replay payload", err)
	}

	attempt := &models.DeliveryAttempt{
		DeliveryID:  "dlv_" + uuid.New().String(),
		TenantID:    tenantID,
		RuleID:      ruleID,
		WebhookID:   webhookID,
		WebhookData: encoded,
		Status:      models.StatusPending,
		Tier:        models.TierQueue,
	}
	if err := d.queueRepo.Create(attempt); err != nil {
		return "", errors.Storage("recording notification", err)
	}

	select {
	case d.jobs <- attempt.DeliveryID:
	default:
		// Queue saturated: fall through to the batch tier rather than
		// stalling the ingestion path. The sweeper will pick it up.
		if err := d.queueRepo.Park(attempt.DeliveryID); err != nil {
			log.Error().Err(err).Str("delivery_id", attempt.DeliveryID).Msg("failed to park saturated delivery")
		}
		d.appendLog(attempt, models.LogQueuedBatch, "queue saturated", 0)
		log.Warn().Str("delivery_id", attempt.DeliveryID).Msg("queue saturated, parked in batch tier")
	}
	return attempt.DeliveryID, nil
}

func (d *Dispatcher) worker(ctx context.Context, idx int) {
	defer d.wg.Done()
	for {
		// Fast-exit check so a closed stop channel wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-d.stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-d.stopCh:
			return
		case deliveryID := <-d.jobs:
			d.safeProcess(ctx, deliveryID)
		}
	}
}

// safeProcess isolates one notification: a panic or error in a single
// delivery must not take the pool down.
func (d *Dispatcher) safeProcess(ctx context.Context, deliveryID string) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("delivery_id", deliveryID).Interface("panic", r).Msg("recovered delivery panic")
		}
	}()
	d.processQueued(ctx, deliveryID)
}

// processQueued runs the queue tier for one delivery id: atomic claim,
// render if needed, bounded in-process retries, then fall through to
// the batch tier.
func (d *Dispatcher) processQueued(ctx context.Context, deliveryID string) {
	claimed, err := d.queueRepo.Claim(deliveryID)
	if err != nil {
		log.Error().Err(err).Str("delivery_id", deliveryID).Msg("claim failed")
		return
	}
	if !claimed {
		// Another worker owns it, or it reached a terminal state.
		return
	}

	attempt, err := d.queueRepo.Get(deliveryID)
	if err != nil || attempt == nil {
		log.Error().Err(err).Str("delivery_id", deliveryID).Msg("claimed row unreadable")
		return
	}

	msg, webhook, ok := d.prepare(attempt)
	if !ok {
		return
	}

	for i := 0; i <= d.cfg.QueueRetries; i++ {
		if i > 0 {
			if !d.sleep(ctx, backoffDelay(d.cfg.RetryBackoff, i)) {
				// Shutting down mid-retry: leave the row failed for the sweeper.
				d.failWithRetry(attempt, "shutdown during retry")
				return
			}
			status, err := d.queueRepo.Status(deliveryID)
			if err == nil && status == models.StatusCancelled {
				log.Info().Str("delivery_id", deliveryID).Msg("delivery cancelled mid-flight")
				return
			}
		}

		done := d.attemptOnce(ctx, attempt, webhook, msg)
		if done {
			return
		}
	}

	// In-process budget spent: hand over to the batch sweeper.
	if err := d.queueRepo.Demote(deliveryID, time.Now().Unix()); err != nil {
		log.Error().Err(err).Str("delivery_id", deliveryID).Msg("demote to batch failed")
	}
	d.appendLog(attempt, models.LogQueuedBatch, "queue retries exhausted", 0)
}

// ProcessBatch runs the batch tier for one previously demoted row. One
// attempt per sweep; escalation to manual_recovery happens once the
// total attempt budget is spent.
func (d *Dispatcher) ProcessBatch(ctx context.Context, attempt *models.DeliveryAttempt) {
	claimed, err := d.queueRepo.Claim(attempt.DeliveryID)
	if err != nil {
		log.Error().Err(err).Str("delivery_id", attempt.DeliveryID).Msg("batch claim failed")
		return
	}
	if !claimed {
		return
	}

	msg, webhook, ok := d.prepare(attempt)
	if !ok {
		return
	}

	start := time.Now()
	err = d.sender.Send(ctx, webhook.WebhookURL, msg)
	elapsed := time.Since(start).Milliseconds()

	switch {
	case err == nil:
		d.complete(attempt, elapsed)
	case !errors.Retryable(err):
		d.escalate(attempt, err, elapsed)
	case attempt.RetryCount+1 >= d.cfg.MaxAttempts:
		d.appendLog(attempt, models.LogFailed, err.Error(), elapsed)
		d.escalate(attempt, fmt.Errorf("attempt budget exhausted: %w", err), 0)
	default:
		d.recordWebhookFailure(attempt.WebhookID, err)
		d.appendLog(attempt, models.LogFailed, err.Error(), elapsed)
		if ferr := d.queueRepo.Fail(attempt.DeliveryID); ferr != nil {
			log.Error().Err(ferr).Str("delivery_id", attempt.DeliveryID).Msg("fail transition failed")
		}
	}
}

// DispatchDirect is the synchronous tier: no queue, inline result. Used
// by the test-webhook surface and as the fallback when a caller needs
// immediate confirmation.
func (d *Dispatcher) DispatchDirect(ctx context.Context, tenantID, ruleID, webhookID string, data models.WebhookData) (string, error) {
	encoded, err := data.Encode()
	if err != nil {
		return "", errors.Validation("encoding replay payload", err)
	}

	attempt := &models.DeliveryAttempt{
		DeliveryID:  "dlv_" + uuid.New().String(),
		TenantID:    tenantID,
		RuleID:      ruleID,
		WebhookID:   webhookID,
		WebhookData: encoded,
		Status:      models.StatusProcessing,
		Tier:        models.TierDirect,
	}
	if err := d.queueRepo.Create(attempt); err != nil {
		return "", errors.Storage("recording notification", err)
	}
	d.appendLog(attempt, models.LogStarted, "", 0)

	msg, webhook, ok := d.prepare(attempt)
	if !ok {
		return attempt.DeliveryID, errors.Permanent("webhook unavailable or rule invalid", nil)
	}

	start := time.Now()
	err = d.sender.Send(ctx, webhook.WebhookURL, msg)
	elapsed := time.Since(start).Milliseconds()

	if err != nil {
		d.recordWebhookFailure(attempt.WebhookID, err)
		d.appendLog(attempt, models.LogFailed, err.Error(), elapsed)
		if !errors.Retryable(err) {
			d.escalate(attempt, err, 0)
			return attempt.DeliveryID, err
		}
		// The failed direct send spent one attempt; the row falls to the
		// batch sweeper for the rest of the budget.
		if berr := d.queueRepo.BumpRetry(attempt.DeliveryID); berr != nil {
			log.Error().Err(berr).Str("delivery_id", attempt.DeliveryID).Msg("retry count bump failed")
		}
		if derr := d.queueRepo.Demote(attempt.DeliveryID, time.Now().Unix()); derr != nil {
			log.Error().Err(derr).Str("delivery_id", attempt.DeliveryID).Msg("demote after direct failure failed")
		}
		return attempt.DeliveryID, err
	}

	d.complete(attempt, elapsed)
	return attempt.DeliveryID, nil
}

// attemptOnce performs one send for a claimed queue-tier row. Returns
// true when the row reached a terminal state (or escalated) and the
// retry loop must stop.
func (d *Dispatcher) attemptOnce(ctx context.Context, attempt *models.DeliveryAttempt, webhook *models.Webhook, msg *models.Message) bool {
	start := time.Now()
	err := d.sender.Send(ctx, webhook.WebhookURL, msg)
	elapsed := time.Since(start).Milliseconds()

	if err == nil {
		d.complete(attempt, elapsed)
		return true
	}

	d.recordWebhookFailure(attempt.WebhookID, err)
	d.appendLog(attempt, models.LogFailed, err.Error(), elapsed)

	if !errors.Retryable(err) {
		d.escalate(attempt, err, 0)
		return true
	}

	// Each actual send spends one unit of the total attempt budget,
	// whichever tier performs it.
	if berr := d.queueRepo.BumpRetry(attempt.DeliveryID); berr != nil {
		log.Error().Err(berr).Str("delivery_id", attempt.DeliveryID).Msg("retry count bump failed")
	} else {
		attempt.RetryCount++
	}

	log.Warn().Err(err).Str("delivery_id", attempt.DeliveryID).Str("webhook_id", attempt.WebhookID).
		Msg("transient delivery failure")
	return false
}

// prepare loads the target webhook and renders the message if the
// replay blob does not already carry one. Inactive webhooks and
// unrenderable rules terminate the row here: cancelled for config gone
// sideways, with a log entry either way.
func (d *Dispatcher) prepare(attempt *models.DeliveryAttempt) (*models.Message, *models.Webhook, bool) {
	data, err := models.DecodeWebhookData(attempt.WebhookData)
	if err != nil {
		d.appendLog(attempt, models.LogFailed, "replay payload unreadable: "+err.Error(), 0)
		d.cancelRow(attempt.DeliveryID)
		return nil, nil, false
	}

	webhook, err := d.webhookRepo.GetByID(attempt.WebhookID)
	if err != nil {
		d.appendLog(attempt, models.LogFailed, "webhook lookup failed: "+err.Error(), 0)
		if ferr := d.queueRepo.Release(attempt.DeliveryID); ferr != nil {
			log.Error().Err(ferr).Str("delivery_id", attempt.DeliveryID).Msg("release transition failed")
		}
		return nil, nil, false
	}
	if webhook == nil || !webhook.IsActive {
		d.appendLog(attempt, models.LogFailed, "webhook inactive", 0)
		d.cancelRow(attempt.DeliveryID)
		return nil, nil, false
	}

	msg := data.Message
	if msg == nil {
		rule, err := d.ruleRepo.GetByID(data.RuleID)
		if err != nil || rule == nil {
			d.appendLog(attempt, models.LogFailed, "rule missing", 0)
			d.cancelRow(attempt.DeliveryID)
			return nil, nil, false
		}
		msg, err = template.Render(rule, &data.Event)
		if err != nil {
			d.appendLog(attempt, models.LogFailed, "render failed: "+err.Error(), 0)
			d.cancelRow(attempt.DeliveryID)
			return nil, nil, false
		}
	}
	return msg, webhook, true
}

// complete is the only success path. The ledger write is confirmed
// before the row is marked completed; losing the record is worse than
// writing it twice.
func (d *Dispatcher) complete(attempt *models.DeliveryAttempt, elapsedMS int64) {
	if err := d.mustAppendLog(attempt, models.LogSuccess, "", elapsedMS); err != nil {
		// No confirmed record, no completed row. Leave it retryable; a
		// duplicate send later is the acceptable cost.
		log.Error().Err(err).Str("delivery_id", attempt.DeliveryID).Msg("ledger write exhausted, leaving delivery retryable")
		if ferr := d.queueRepo.Fail(attempt.DeliveryID); ferr != nil {
			log.Error().Err(ferr).Str("delivery_id", attempt.DeliveryID).Msg("fail transition failed")
		}
		return
	}
	if err := withStorageRetry(func() error { return d.queueRepo.Complete(attempt.DeliveryID) }); err != nil {
		log.Error().Err(err).Str("delivery_id", attempt.DeliveryID).Msg("complete transition failed")
		return
	}
	if err := d.webhookRepo.RecordSuccess(attempt.WebhookID); err != nil {
		log.Warn().Err(err).Str("webhook_id", attempt.WebhookID).Msg("webhook success bookkeeping failed")
	}
	log.Info().Str("delivery_id", attempt.DeliveryID).Str("tenant_id", attempt.TenantID).
		Str("tier", attempt.Tier).Int64("ms", elapsedMS).Msg("delivered")
}

func (d *Dispatcher) escalate(attempt *models.DeliveryAttempt, cause error, elapsedMS int64) {
	if err := withStorageRetry(func() error { return d.queueRepo.Escalate(attempt.DeliveryID) }); err != nil {
		log.Error().Err(err).Str("delivery_id", attempt.DeliveryID).Msg("escalate transition failed")
		return
	}
	result := ""
	if cause != nil {
		result = cause.Error()
	}
	d.appendLog(attempt, models.LogManualRecovery, result, elapsedMS)
	log.Error().Str("delivery_id", attempt.DeliveryID).Str("tenant_id", attempt.TenantID).
		Err(cause).Msg("delivery escalated to manual recovery")
}

// failWithRetry releases a claimed row back to a retryable state when no
// send happened; the attempt budget is untouched.
func (d *Dispatcher) failWithRetry(attempt *models.DeliveryAttempt, reason string) {
	d.appendLog(attempt, models.LogFailed, reason, 0)
	if err := d.queueRepo.Release(attempt.DeliveryID); err != nil {
		log.Error().Err(err).Str("delivery_id", attempt.DeliveryID).Msg("release transition failed")
	}
}

func (d *Dispatcher) cancelRow(deliveryID string) {
	if err := d.queueRepo.Cancel(deliveryID); err != nil {
		log.Error().Err(err).Str("delivery_id", deliveryID).Msg("cancel transition failed")
	}
}

func (d *Dispatcher) recordWebhookFailure(webhookID string, cause error) {
	if err := d.webhookRepo.RecordFailure(webhookID, cause.Error()); err != nil {
		log.Warn().Err(err).Str("webhook_id", webhookID).Msg("webhook failure bookkeeping failed")
	}
}

func (d *Dispatcher) appendLog(attempt *models.DeliveryAttempt, status, result string, elapsedMS int64) {
	entry := &models.DeliveryLogEntry{
		DeliveryID:       attempt.DeliveryID,
		EventType:        eventTypeOf(attempt),
		TenantID:         attempt.TenantID,
		Status:           status,
		Tier:             attempt.Tier,
		ResultData:       result,
		ProcessingTimeMS: elapsedMS,
	}
	if err := d.logRepo.Append(entry); err != nil {
		log.Error().Err(err).Str("delivery_id", attempt.DeliveryID).Msg("delivery log append failed")
	}
}

// mustAppendLog retries the ledger write and reports exhaustion to the
// caller; success is never recorded without a confirmed entry.
func (d *Dispatcher) mustAppendLog(attempt *models.DeliveryAttempt, status, result string, elapsedMS int64) error {
	entry := &models.DeliveryLogEntry{
		DeliveryID:       attempt.DeliveryID,
		EventType:        eventTypeOf(attempt),
		TenantID:         attempt.TenantID,
		Status:           status,
		Tier:             attempt.Tier,
		ResultData:       result,
		ProcessingTimeMS: elapsedMS,
	}
	return withStorageRetry(func() error { return d.logRepo.Append(entry) })
}

func (d *Dispatcher) sleep(ctx context.Context, delay time.Duration) bool {
	if delay <= 0 {
		return true
	}
	tmr := time.NewTimer(delay)
	defer tmr.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-d.stopCh:
		return false
	case <-tmr.C:
		return true
	}
}

func eventTypeOf(attempt *models.DeliveryAttempt) string {
	if data, err := models.DecodeWebhookData(attempt.WebhookData); err == nil {
		return data.Event.EventType
	}
	return ""
}

// backoffDelay returns the delay before retry number attempt (1-based),
// clamped to the last schedule entry.
func backoffDelay(schedule []time.Duration, attempt int) time.Duration {
	if len(schedule) == 0 {
		return time.Second
	}
	if attempt > len(schedule) {
		return schedule[len(schedule)-1]
	}
	return schedule[attempt-1]
}

func withStorageRetry(fn func() error) error {
	var err error
	for i := 0; i < 3; i++ {
		if err = fn(); err == nil {
			return nil
		}
		time.Sleep(time.Duration(i+1) * 100 * time.Millisecond)
	}
	return err
}
