package delivery

import (
	"context"
	"database/sql"
	stderrors "errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	_ "github.com/mattn/go-sqlite3"
	"chatrelay/internal/pkg/errors"
	"chatrelay/internal/platform/config"
	"chatrelay/internal/platform/database"
	"chatrelay/internal/platform/models"
	"chatrelay/internal/platform/repositories"
)

// fakeSender scripts one outcome per send, repeating the final entry
// once the script runs out. A nil entry is a success.
type fakeSender struct {
	mu     sync.Mutex
	script []error
	calls  int
	urls   []string
	msgs   []*models.Message
}

func (f *fakeSender) Send(_ context.Context, url string, msg *models.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var err error
	if len(f.script) > 0 {
		i := f.calls
		if i >= len(f.script) {
			i = len(f.script) - 1
		}
		err = f.script[i]
	}
	f.calls++
	f.urls = append(f.urls, url)
	f.msgs = append(f.msgs, msg)
	return err
}

func (f *fakeSender) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type testEnv struct {
	db         *sql.DB
	sender     *fakeSender
	dispatcher *Dispatcher
	queueRepo  *repositories.QueueRepository
	logRepo    *repositories.DeliveryLogRepository
}

func testPipelineConfig() config.PipelineConfig {
	return config.PipelineConfig{
		WorkerCount:  2,
		QueueSize:    16,
		QueueRetries: 2,
		RetryBackoff: []time.Duration{time.Millisecond},
		MaxAttempts:  5,
		BatchSize:    50,
	}
}

func setupEnv(t *testing.T, cfg config.PipelineConfig, sender *fakeSender) *testEnv {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "test.db") + "?_journal_mode=WAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		t.Fatalf("Failed to open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := database.Migrate(db); err != nil {
		t.Fatalf("Failed to migrate: %v", err)
	}

	queueRepo := repositories.NewQueueRepository(db)
	logRepo := repositories.NewDeliveryLogRepository(db)
	webhookRepo := repositories.NewWebhookRepository(db)
	ruleRepo := repositories.NewRuleRepository(db)

	return &testEnv{
		db:         db,
		sender:     sender,
		dispatcher: NewDispatcher(cfg, queueRepo, logRepo, webhookRepo, ruleRepo, sender),
		queueRepo:  queueRepo,
		logRepo:    logRepo,
	}
}

func (e *testEnv) insertWebhook(t *testing.T, id string, active bool) {
	t.Helper()
	now := time.Now().Unix()
	_, err := e.db.Exec(`
		INSERT INTO chat_webhooks (id, tenant_id, name, webhook_url, is_active, created_at, updated_at)
		VALUES (?, 'tenant_1', 'Sales Space', 'https://chat.example.com/spaces/1', ?, ?, ?)
	`, id, active, now, now)
	if err != nil {
		t.Fatalf("Failed to insert webhook: %v", err)
	}
}

func (e *testEnv) insertRule(t *testing.T, id, eventType, mode string) {
	t.Helper()
	now := time.Now().Unix()
	_, err := e.db.Exec(`
		INSERT INTO rules (id, tenant_id, event_type, target_webhook_id, template_mode, template_format, created_at, updated_at)
		VALUES (?, 'tenant_1', ?, 'wh_1', ?, 'text', ?, ?)
	`, id, eventType, mode, now, now)
	if err != nil {
		t.Fatalf("Failed to insert rule: %v", err)
	}
}

func renderedData() models.WebhookData {
	return models.WebhookData{
		Event: models.Event{
			EventType:  "deal.won",
			TenantID:   "tenant_1",
			Object:     models.EventObject{ID: "deal_1", Title: "Acme renewal", Value: 5000},
			Actor:      models.Actor{ID: "user_1", Name: "Dana"},
			ReceivedAt: time.Now().Unix(),
		},
		RuleID:  "rule_1",
		Message: &models.Message{Format: models.FormatText, Text: "Deal won: Acme renewal"},
	}
}

// logCounts tallies log entries per status. Entries written within the
// same second have no stable order, so tests assert counts.
func (e *testEnv) logCounts(t *testing.T, deliveryID string) map[string]int {
	t.Helper()
	entries, err := e.logRepo.ListByDelivery(deliveryID)
	if err != nil {
		t.Fatalf("ListByDelivery failed: %v", err)
	}
	counts := map[string]int{}
	for _, entry := range entries {
		counts[entry.Status]++
	}
	return counts
}

func (e *testEnv) attempt(t *testing.T, deliveryID string) *models.DeliveryAttempt {
	t.Helper()
	a, err := e.queueRepo.Get(deliveryID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if a == nil {
		t.Fatalf("Attempt %s not found", deliveryID)
	}
	return a
}

func TestProcessQueued_Success(t *testing.T) {
	env := setupEnv(t, testPipelineConfig(), &fakeSender{})
	env.insertWebhook(t, "wh_1", true)

	id, err := env.dispatcher.Enqueue("tenant_1", "rule_1", "wh_1", renderedData())
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	env.dispatcher.processQueued(context.Background(), id)

	if a := env.attempt(t, id); a.Status != models.StatusCompleted {
		t.Errorf("Status = %s, want completed", a.Status)
	}
	if got := env.logCounts(t, id); got[models.LogSuccess] != 1 || len(got) != 1 {
		t.Errorf("Log = %v, want exactly one success entry", got)
	}
	if env.sender.callCount() != 1 {
		t.Errorf("Sender called %d times, want 1", env.sender.callCount())
	}
}

func TestProcessQueued_TransientThenSuccess(t *testing.T) {
	sender := &fakeSender{script: []error{
		errors.Transient("chat space returned 503", nil),
		errors.Transient("chat space returned 503", nil),
		nil,
	}}
	env := setupEnv(t, testPipelineConfig(), sender)
	env.insertWebhook(t, "wh_1", true)

	id, err := env.dispatcher.Enqueue("tenant_1", "rule_1", "wh_1", renderedData())
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	env.dispatcher.processQueued(context.Background(), id)

	if a := env.attempt(t, id); a.Status != models.StatusCompleted {
		t.Errorf("Status = %s, want completed", a.Status)
	}
	// Two transient failures then success: exactly three log rows.
	got := env.logCounts(t, id)
	if got[models.LogFailed] != 2 || got[models.LogSuccess] != 1 {
		t.Errorf("Log = %v, want 2 failed and 1 success", got)
	}
	if env.sender.callCount() != 3 {
		t.Errorf("Sender called %d times, want 3", env.sender.callCount())
	}
}

func TestProcessQueued_PermanentEscalates(t *testing.T) {
	sender := &fakeSender{script: []error{errors.Permanent("chat space returned 404", nil)}}
	env := setupEnv(t, testPipelineConfig(), sender)
	env.insertWebhook(t, "wh_1", true)

	id, err := env.dispatcher.Enqueue("tenant_1", "rule_1", "wh_1", renderedData())
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	env.dispatcher.processQueued(context.Background(), id)

	a := env.attempt(t, id)
	if a.Status != models.StatusManualRecovery || a.Tier != models.TierManual {
		t.Errorf("Got status=%s tier=%s, want manual_recovery/manual", a.Status, a.Tier)
	}
	// Permanent errors never retry.
	if env.sender.callCount() != 1 {
		t.Errorf("Sender called %d times, want 1", env.sender.callCount())
	}
	if got := env.logCounts(t, id); got[models.LogFailed] != 1 || got[models.LogManualRecovery] != 1 {
		t.Errorf("Log = %v, want one failed and one manual_recovery", got)
	}
}

func TestProcessQueued_ExhaustionDemotesToBatch(t *testing.T) {
	sender := &fakeSender{script: []error{errors.Transient("connection refused", nil)}}
	env := setupEnv(t, testPipelineConfig(), sender)
	env.insertWebhook(t, "wh_1", true)

	id, err := env.dispatcher.Enqueue("tenant_1", "rule_1", "wh_1", renderedData())
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	env.dispatcher.processQueued(context.Background(), id)

	a := env.attempt(t, id)
	if a.Status != models.StatusPending || a.Tier != models.TierBatch {
		t.Errorf("Got status=%s tier=%s, want pending/batch after exhaustion", a.Status, a.Tier)
	}
	// QueueRetries=2 means three sends, then the handover entry.
	if env.sender.callCount() != 3 {
		t.Errorf("Sender called %d times, want 3", env.sender.callCount())
	}
	// Every send spent one unit of the budget; the handover spent none.
	if a.RetryCount != 3 {
		t.Errorf("RetryCount = %d, want 3", a.RetryCount)
	}
	if got := env.logCounts(t, id); got[models.LogFailed] != 3 || got[models.LogQueuedBatch] != 1 {
		t.Errorf("Log = %v, want three failures and one queued_batch", got)
	}
}

func TestDelivery_TotalSendBudgetIsMaxAttempts(t *testing.T) {
	sender := &fakeSender{script: []error{errors.Transient("connection refused", nil)}}
	cfg := testPipelineConfig()
	env := setupEnv(t, cfg, sender)
	env.insertWebhook(t, "wh_1", true)

	id, err := env.dispatcher.Enqueue("tenant_1", "rule_1", "wh_1", renderedData())
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	// Queue tier spends QueueRetries+1 sends, then each batch sweep
	// spends one more until the total budget is gone.
	env.dispatcher.processQueued(context.Background(), id)
	for i := 0; i < cfg.MaxAttempts; i++ {
		a := env.attempt(t, id)
		if a.Status == models.StatusManualRecovery {
			break
		}
		env.dispatcher.ProcessBatch(context.Background(), a)
	}

	a := env.attempt(t, id)
	if a.Status != models.StatusManualRecovery || a.Tier != models.TierManual {
		t.Errorf("Got status=%s tier=%s, want manual_recovery/manual", a.Status, a.Tier)
	}
	if env.sender.callCount() != cfg.MaxAttempts {
		t.Errorf("Chat space saw %d sends, want exactly MaxAttempts=%d", env.sender.callCount(), cfg.MaxAttempts)
	}
}

func TestComplete_LedgerFailureLeavesRowRetryable(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
	}
	defer mockDB.Close()
	for i := 0; i < 3; i++ {
		mock.ExpectExec("INSERT INTO delivery_log").
			WillReturnError(stderrors.New("disk I/O error"))
	}

	env := setupEnv(t, testPipelineConfig(), &fakeSender{})
	env.insertWebhook(t, "wh_1", true)
	env.dispatcher.logRepo = repositories.NewDeliveryLogRepository(mockDB)

	id, err := env.dispatcher.Enqueue("tenant_1", "rule_1", "wh_1", renderedData())
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	env.dispatcher.processQueued(context.Background(), id)

	// The send happened but the ledger never confirmed it: the row must
	// not report success. A later sweep retries; a duplicate post is the
	// acceptable cost of never losing the record.
	a := env.attempt(t, id)
	if a.Status == models.StatusCompleted {
		t.Fatal("Row marked completed without a confirmed ledger entry")
	}
	if a.Status != models.StatusFailed {
		t.Errorf("Status = %s, want failed for the next sweep", a.Status)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Unmet sqlmock expectations: %v", err)
	}
}

func TestProcessQueued_CompletedRowNotResent(t *testing.T) {
	env := setupEnv(t, testPipelineConfig(), &fakeSender{})
	env.insertWebhook(t, "wh_1", true)

	id, err := env.dispatcher.Enqueue("tenant_1", "rule_1", "wh_1", renderedData())
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if err := env.queueRepo.Complete(id); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	// A duplicate wake-up must not reach the chat space.
	env.dispatcher.processQueued(context.Background(), id)

	if env.sender.callCount() != 0 {
		t.Errorf("Sender called %d times on a completed row, want 0", env.sender.callCount())
	}
}

func TestProcessQueued_InactiveWebhookCancels(t *testing.T) {
	env := setupEnv(t, testPipelineConfig(), &fakeSender{})
	env.insertWebhook(t, "wh_1", false)

	id, err := env.dispatcher.Enqueue("tenant_1", "rule_1", "wh_1", renderedData())
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	env.dispatcher.processQueued(context.Background(), id)

	if a := env.attempt(t, id); a.Status != models.StatusCancelled {
		t.Errorf("Status = %s, want cancelled", a.Status)
	}
	if env.sender.callCount() != 0 {
		t.Errorf("Sender called %d times for an inactive webhook, want 0", env.sender.callCount())
	}
}

func TestProcessQueued_RendersWhenMessageMissing(t *testing.T) {
	env := setupEnv(t, testPipelineConfig(), &fakeSender{})
	env.insertWebhook(t, "wh_1", true)
	env.insertRule(t, "rule_1", "deal.won", models.TemplateSimple)

	data := renderedData()
	data.Message = nil
	id, err := env.dispatcher.Enqueue("tenant_1", "rule_1", "wh_1", data)
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	env.dispatcher.processQueued(context.Background(), id)

	if a := env.attempt(t, id); a.Status != models.StatusCompleted {
		t.Errorf("Status = %s, want completed", a.Status)
	}
	if env.sender.callCount() != 1 {
		t.Fatalf("Sender called %d times, want 1", env.sender.callCount())
	}
	if msg := env.sender.msgs[0]; msg == nil || msg.Text == "" {
		t.Error("Expected a rendered message to reach the sender")
	}
}

func TestEnqueue_BackpressureParksInBatchTier(t *testing.T) {
	cfg := testPipelineConfig()
	cfg.QueueSize = 0 // no receiver, every push falls to the default branch
	env := setupEnv(t, cfg, &fakeSender{})
	env.insertWebhook(t, "wh_1", true)

	id, err := env.dispatcher.Enqueue("tenant_1", "rule_1", "wh_1", renderedData())
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	a := env.attempt(t, id)
	if a.Status != models.StatusPending || a.Tier != models.TierBatch {
		t.Errorf("Got status=%s tier=%s, want pending/batch when saturated", a.Status, a.Tier)
	}
	if a.RetryCount != 0 {
		t.Errorf("Parking must not consume the retry budget, got %d", a.RetryCount)
	}
	if got := env.logCounts(t, id); got[models.LogQueuedBatch] != 1 || len(got) != 1 {
		t.Errorf("Log = %v, want a single queued_batch entry", got)
	}
}

func TestProcessBatch_Success(t *testing.T) {
	env := setupEnv(t, testPipelineConfig(), &fakeSender{})
	env.insertWebhook(t, "wh_1", true)

	encoded, _ := renderedData().Encode()
	a := &models.DeliveryAttempt{
		DeliveryID: "dlv_batch", TenantID: "tenant_1", RuleID: "rule_1", WebhookID: "wh_1",
		WebhookData: encoded, Status: models.StatusFailed, Tier: models.TierBatch, RetryCount: 3,
	}
	if err := env.queueRepo.Create(a); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	env.dispatcher.ProcessBatch(context.Background(), a)

	if got := env.attempt(t, "dlv_batch"); got.Status != models.StatusCompleted {
		t.Errorf("Status = %s, want completed", got.Status)
	}
}

func TestProcessBatch_EscalatesWhenBudgetSpent(t *testing.T) {
	sender := &fakeSender{script: []error{errors.Transient("connection refused", nil)}}
	cfg := testPipelineConfig()
	env := setupEnv(t, cfg, sender)
	env.insertWebhook(t, "wh_1", true)

	encoded, _ := renderedData().Encode()
	a := &models.DeliveryAttempt{
		DeliveryID: "dlv_batch", TenantID: "tenant_1", RuleID: "rule_1", WebhookID: "wh_1",
		WebhookData: encoded, Status: models.StatusFailed, Tier: models.TierBatch,
		RetryCount: cfg.MaxAttempts - 1,
	}
	if err := env.queueRepo.Create(a); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	env.dispatcher.ProcessBatch(context.Background(), a)

	got := env.attempt(t, "dlv_batch")
	if got.Status != models.StatusManualRecovery || got.Tier != models.TierManual {
		t.Errorf("Got status=%s tier=%s, want manual_recovery/manual", got.Status, got.Tier)
	}
}

func TestProcessBatch_TransientFailureStaysRetryable(t *testing.T) {
	sender := &fakeSender{script: []error{errors.Transient("chat space returned 429", nil)}}
	env := setupEnv(t, testPipelineConfig(), sender)
	env.insertWebhook(t, "wh_1", true)

	encoded, _ := renderedData().Encode()
	a := &models.DeliveryAttempt{
		DeliveryID: "dlv_batch", TenantID: "tenant_1", RuleID: "rule_1", WebhookID: "wh_1",
		WebhookData: encoded, Status: models.StatusPending, Tier: models.TierBatch, RetryCount: 1,
	}
	if err := env.queueRepo.Create(a); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	env.dispatcher.ProcessBatch(context.Background(), a)

	got := env.attempt(t, "dlv_batch")
	if got.Status != models.StatusFailed || got.Tier != models.TierBatch {
		t.Errorf("Got status=%s tier=%s, want failed/batch for the next sweep", got.Status, got.Tier)
	}
	if got.RetryCount != 2 {
		t.Errorf("RetryCount = %d, want 2", got.RetryCount)
	}
}

func TestDispatchDirect_Success(t *testing.T) {
	env := setupEnv(t, testPipelineConfig(), &fakeSender{})
	env.insertWebhook(t, "wh_1", true)

	id, err := env.dispatcher.DispatchDirect(context.Background(), "tenant_1", "rule_1", "wh_1", renderedData())
	if err != nil {
		t.Fatalf("DispatchDirect failed: %v", err)
	}

	a := env.attempt(t, id)
	if a.Status != models.StatusCompleted || a.Tier != models.TierDirect {
		t.Errorf("Got status=%s tier=%s, want completed/direct", a.Status, a.Tier)
	}
	if got := env.logCounts(t, id); got[models.LogStarted] != 1 || got[models.LogSuccess] != 1 {
		t.Errorf("Log = %v, want one started and one success entry", got)
	}
}

func TestDispatchDirect_TransientFallsToBatch(t *testing.T) {
	sender := &fakeSender{script: []error{errors.Transient("chat space returned 503", nil)}}
	env := setupEnv(t, testPipelineConfig(), sender)
	env.insertWebhook(t, "wh_1", true)

	id, err := env.dispatcher.DispatchDirect(context.Background(), "tenant_1", "rule_1", "wh_1", renderedData())
	if err == nil {
		t.Fatal("Expected the inline send error to surface")
	}

	a := env.attempt(t, id)
	if a.Status != models.StatusPending || a.Tier != models.TierBatch {
		t.Errorf("Got status=%s tier=%s, want pending/batch fallback", a.Status, a.Tier)
	}
	if a.RetryCount != 1 {
		t.Errorf("RetryCount = %d, want 1 for the inline send", a.RetryCount)
	}
}

func TestDispatcher_StartStop(t *testing.T) {
	env := setupEnv(t, testPipelineConfig(), &fakeSender{})
	env.insertWebhook(t, "wh_1", true)

	ctx := context.Background()
	env.dispatcher.Start(ctx)
	if !env.dispatcher.Running() {
		t.Fatal("Running() should report true after Start")
	}

	id, err := env.dispatcher.Enqueue("tenant_1", "rule_1", "wh_1", renderedData())
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if a := env.attempt(t, id); a.Status == models.StatusCompleted {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	env.dispatcher.Stop()
	if env.dispatcher.Running() {
		t.Error("Running() should report false after Stop")
	}
	if a := env.attempt(t, id); a.Status != models.StatusCompleted {
		t.Errorf("Status = %s, want completed before drain returned", a.Status)
	}
}

func TestBackoffDelay(t *testing.T) {
	schedule := []time.Duration{time.Second, 5 * time.Second, 15 * time.Second}

	tests := []struct {
		name     string
		attempt  int
		expected time.Duration
	}{
		{name: "First Retry", attempt: 1, expected: time.Second},
		{name: "Second Retry", attempt: 2, expected: 5 * time.Second},
		{name: "Third Retry", attempt: 3, expected: 15 * time.Second},
		{name: "Past Schedule Clamps", attempt: 7, expected: 15 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := backoffDelay(schedule, tt.attempt); got != tt.expected {
				t.Errorf("backoffDelay(%d) = %v, want %v", tt.attempt, got, tt.expected)
			}
		})
	}

	if got := backoffDelay(nil, 1); got != time.Second {
		t.Errorf("Empty schedule = %v, want 1s default", got)
	}
}
