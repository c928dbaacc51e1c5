package handlers

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"chatrelay/internal/engine/delivery"
	"chatrelay/internal/engine/quiet"
	"chatrelay/internal/engine/rules"
	"chatrelay/internal/engine/signature"
	"chatrelay/internal/platform/audit"
	"chatrelay/internal/platform/config"
	"chatrelay/internal/platform/database"
	"chatrelay/internal/platform/repositories"
)

const testSecret = "whsec_test_secret"

type ingestEnv struct {
	db         *sql.DB
	handler    *IngestHandler
	queueRepo  *repositories.QueueRepository
	logRepo    *repositories.DeliveryLogRepository
	dispatcher *delivery.Dispatcher
	received   *atomic.Int64
	chatURL    string
}

func setupIngestEnv(t *testing.T) *ingestEnv {
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

	var received atomic.Int64
	chatSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(chatSrv.Close)

	cfg := config.PipelineConfig{
		WorkerCount:  1,
		QueueSize:    16,
		QueueRetries: 1,
		RetryBackoff: []time.Duration{time.Millisecond},
		MaxAttempts:  5,
		BatchSize:    50,
	}

	tenantRepo := repositories.NewTenantRepository(db)
	queueRepo := repositories.NewQueueRepository(db)
	logRepo := repositories.NewDeliveryLogRepository(db)
	webhookRepo := repositories.NewWebhookRepository(db)
	ruleRepo := repositories.NewRuleRepository(db)

	sender := delivery.NewChatClient(config.ChatConfig{Timeout: 2 * time.Second})
	dispatcher := delivery.NewDispatcher(cfg, queueRepo, logRepo, webhookRepo, ruleRepo, sender)
	pipeline := delivery.NewPipeline(
		rules.NewMatcher(ruleRepo),
		quiet.NewGate(repositories.NewQuietHoursRepository(db), repositories.NewDelayedRepository(db)),
		dispatcher,
	)

	now := time.Now().Unix()
	if _, err := db.Exec(`
		INSERT INTO tenants (id, name, webhook_secret, created_at, updated_at)
		VALUES ('tenant_1', 'Acme', ?, ?, ?)
	`, testSecret, now, now); err != nil {
		t.Fatalf("Failed to insert tenant: %v", err)
	}
	if _, err := db.Exec(`
		INSERT INTO chat_webhooks (id, tenant_id, name, webhook_url, is_active, created_at, updated_at)
		VALUES ('wh_1', 'tenant_1', 'Sales Space', ?, 1, ?, ?)
	`, chatSrv.URL, now, now); err != nil {
		t.Fatalf("Failed to insert webhook: %v", err)
	}

	handler := NewIngestHandler(
		tenantRepo,
		signature.NewSecretCache(5*time.Minute),
		pipeline,
		audit.NewSecurityLogger(db),
	)
	return &ingestEnv{
		db: db, handler: handler, queueRepo: queueRepo, logRepo: logRepo,
		dispatcher: dispatcher, received: &received, chatURL: chatSrv.URL,
	}
}

func (e *ingestEnv) insertRule(t *testing.T, id, eventType, filters string, priority int) {
	t.Helper()
	now := time.Now().Unix()
	_, err := e.db.Exec(`
		INSERT INTO rules (id, tenant_id, event_type, filters, target_webhook_id, template_mode, template_format, priority, created_at, updated_at)
		VALUES (?, 'tenant_1', ?, ?, 'wh_1', 'simple', 'text', ?, ?, ?)
	`, id, eventType, filters, priority, now, now)
	if err != nil {
		t.Fatalf("Failed to insert rule: %v", err)
	}
}

func (e *ingestEnv) post(t *testing.T, body []byte, sign bool, mutateSig string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/events", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(TenantHeader, "tenant_1")
	if sign {
		sig := "sha256=" + signature.Sign(testSecret, body)
		if mutateSig != "" {
			sig = mutateSig
		}
		req.Header.Set(signature.HeaderName, sig)
	}

	rr := httptest.NewRecorder()
	e.handler.Handle(rr, req)
	return rr
}

func dealWonBody(t *testing.T) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]interface{}{
		"event_type": "deal.won",
		"object": map[string]interface{}{
			"id":    "deal_1",
			"title": "Acme renewal",
			"value": 25000.0,
			"stage": "closed_won",
		},
		"actor": map[string]interface{}{"id": "user_1", "name": "Dana"},
	})
	if err != nil {
		t.Fatalf("Failed to marshal event: %v", err)
	}
	return body
}

func TestIngest_FanOut(t *testing.T) {
	env := setupIngestEnv(t)
	// Two matching rules, one filtered out by value.
	env.insertRule(t, "rule_exact", "deal.won", `{}`, 10)
	env.insertRule(t, "rule_wildcard", "deal.*", `{}`, 20)
	env.insertRule(t, "rule_high_value", "deal.won", `{"min_deal_value":100000}`, 30)

	rr := env.post(t, dealWonBody(t), true, "")
	if rr.Code != http.StatusAccepted {
		t.Fatalf("Status = %d, want 202: %s", rr.Code, rr.Body.String())
	}

	var result delivery.IngestResult
	if err := json.Unmarshal(rr.Body.Bytes(), &result); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if result.Matched != 2 {
		t.Errorf("Matched = %d, want 2", result.Matched)
	}
	if len(result.Enqueued) != 2 {
		t.Errorf("Enqueued = %v, want 2 delivery ids", result.Enqueued)
	}

	depth, err := env.queueRepo.Depth()
	if err != nil {
		t.Fatalf("Depth failed: %v", err)
	}
	if depth != 2 {
		t.Errorf("Queue depth = %d, want one row per matched rule", depth)
	}
}

func TestIngest_NoMatchingRules(t *testing.T) {
	env := setupIngestEnv(t)
	env.insertRule(t, "rule_lost", "deal.lost", `{}`, 10)

	rr := env.post(t, dealWonBody(t), true, "")
	if rr.Code != http.StatusAccepted {
		t.Fatalf("Status = %d, want 202", rr.Code)
	}

	var result delivery.IngestResult
	if err := json.Unmarshal(rr.Body.Bytes(), &result); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if result.Matched != 0 || len(result.Enqueued) != 0 {
		t.Errorf("Got %+v, want an empty accepted result", result)
	}
}

func TestIngest_SignatureRejection(t *testing.T) {
	env := setupIngestEnv(t)
	env.insertRule(t, "rule_exact", "deal.won", `{}`, 10)

	tests := []struct {
		name      string
		sign      bool
		mutateSig string
	}{
		{name: "Missing Signature", sign: false},
		{name: "Tampered Signature", sign: true, mutateSig: "sha256=" + signature.Sign("wrong_secret", dealWonBody(t))},
		{name: "Garbage Signature", sign: true, mutateSig: "sha256=zzzz"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := env.post(t, dealWonBody(t), tt.sign, tt.mutateSig)
			if rr.Code != http.StatusUnauthorized {
				t.Errorf("Status = %d, want 401", rr.Code)
			}
		})
	}

	// Nothing reached the queue.
	depth, err := env.queueRepo.Depth()
	if err != nil {
		t.Fatalf("Depth failed: %v", err)
	}
	if depth != 0 {
		t.Errorf("Queue depth = %d after rejected requests, want 0", depth)
	}
}

func TestIngest_UnknownTenant(t *testing.T) {
	env := setupIngestEnv(t)

	body := dealWonBody(t)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/events", bytes.NewReader(body))
	req.Header.Set(TenantHeader, "tenant_ghost")
	req.Header.Set(signature.HeaderName, "sha256="+signature.Sign(testSecret, body))

	rr := httptest.NewRecorder()
	env.handler.Handle(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("Status = %d, want 401", rr.Code)
	}
}

func TestIngest_MalformedBody(t *testing.T) {
	env := setupIngestEnv(t)

	body := []byte(`{not json`)
	rr := env.post(t, body, true, "")
	if rr.Code != http.StatusBadRequest {
		t.Errorf("Status = %d, want 400", rr.Code)
	}

	// Valid JSON but no event_type.
	body = []byte(`{"object":{"id":"deal_1"}}`)
	rr = env.post(t, body, true, "")
	if rr.Code != http.StatusBadRequest {
		t.Errorf("Status = %d, want 400 for missing event_type", rr.Code)
	}
}

func TestIngest_BodyTenantIgnored(t *testing.T) {
	env := setupIngestEnv(t)
	env.insertRule(t, "rule_exact", "deal.won", `{}`, 10)

	body, err := json.Marshal(map[string]interface{}{
		"event_type": "deal.won",
		"tenant_id":  "tenant_spoofed",
		"object":     map[string]interface{}{"id": "deal_1", "title": "Acme renewal"},
		"actor":      map[string]interface{}{"id": "user_1", "name": "Dana"},
	})
	if err != nil {
		t.Fatalf("Failed to marshal event: %v", err)
	}

	rr := env.post(t, body, true, "")
	if rr.Code != http.StatusAccepted {
		t.Fatalf("Status = %d, want 202", rr.Code)
	}

	var result delivery.IngestResult
	if err := json.Unmarshal(rr.Body.Bytes(), &result); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if len(result.Enqueued) != 1 {
		t.Fatalf("Enqueued = %v, want 1", result.Enqueued)
	}

	a, err := env.queueRepo.Get(result.Enqueued[0])
	if err != nil || a == nil {
		t.Fatalf("Get failed: %v", err)
	}
	if a.TenantID != "tenant_1" {
		t.Errorf("TenantID = %s, the header must override the body", a.TenantID)
	}
}

func TestIngest_EndToEnd(t *testing.T) {
	env := setupIngestEnv(t)

	// Second active webhook for the custom-template rule.
	now := time.Now().Unix()
	if _, err := env.db.Exec(`
		INSERT INTO chat_webhooks (id, tenant_id, name, webhook_url, is_active, created_at, updated_at)
		VALUES ('wh_2', 'tenant_1', 'Ops Space', ?, 1, ?, ?)
	`, env.chatURL, now, now); err != nil {
		t.Fatalf("Failed to insert webhook: %v", err)
	}
	env.insertRule(t, "rule_simple", "deal.updated", `{}`, 10)
	if _, err := env.db.Exec(`
		INSERT INTO rules (id, tenant_id, event_type, filters, target_webhook_id, template_mode, template_format, custom_template, priority, created_at, updated_at)
		VALUES ('rule_custom', 'tenant_1', 'deal.updated', '{}', 'wh_2', 'custom', 'text', 'Deal {deal.title} updated by {user.name}', 20, ?, ?)
	`, now, now); err != nil {
		t.Fatalf("Failed to insert rule: %v", err)
	}

	ctx := context.Background()
	env.dispatcher.Start(ctx)
	defer env.dispatcher.Stop()

	body, err := json.Marshal(map[string]interface{}{
		"event_type": "deal.updated",
		"object":     map[string]interface{}{"id": "deal_1", "title": "Acme renewal", "value": 25000.0},
		"actor":      map[string]interface{}{"id": "user_1", "name": "Dana"},
	})
	if err != nil {
		t.Fatalf("Failed to marshal event: %v", err)
	}

	rr := env.post(t, body, true, "")
	if rr.Code != http.StatusAccepted {
		t.Fatalf("Status = %d, want 202: %s", rr.Code, rr.Body.String())
	}

	var result delivery.IngestResult
	if err := json.Unmarshal(rr.Body.Bytes(), &result); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if len(result.Enqueued) != 2 {
		t.Fatalf("Enqueued = %v, want 2 independent deliveries", result.Enqueued)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		done := 0
		for _, id := range result.Enqueued {
			if a, err := env.queueRepo.Get(id); err == nil && a != nil && a.Status == "completed" {
				done++
			}
		}
		if done == 2 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	if env.received.Load() != 2 {
		t.Errorf("Chat space received %d posts, want 2", env.received.Load())
	}
	for _, id := range result.Enqueued {
		entries, err := env.logRepo.ListByDelivery(id)
		if err != nil {
			t.Fatalf("ListByDelivery failed: %v", err)
		}
		success := 0
		for _, e := range entries {
			if e.Status == "success" {
				success++
			}
		}
		if success != 1 {
			t.Errorf("Delivery %s has %d success rows, want 1", id, success)
		}
	}
}
