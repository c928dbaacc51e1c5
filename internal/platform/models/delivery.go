package models

import "encoding/json"

// Queue statuses for notification_queue rows.
const (
	StatusPending        = "pending"
	StatusProcessing     = "processing"
	StatusCompleted      = "completed"
	StatusFailed         = "failed"
	StatusManualRecovery = "manual_recovery"
	StatusCancelled      = "cancelled"
)

// Delivery tiers, in fallback order.
const (
	TierQueue  = "queue"
	TierDirect = "direct"
	TierBatch  = "batch"
	TierManual = "manual"
)

// Log statuses for delivery_log rows.
const (
	LogStarted        = "started"
	LogSuccess        = "success"
	LogFailed         = "failed"
	LogQueuedBatch    = "queued_batch"
	LogManualRecovery = "manual_recovery"
)

// DeliveryAttempt is a notification_queue row. The delivery_id
// correlates every attempt for one logical notification across tiers;
// retry_count and tier differentiate rows, not separate identities.
type DeliveryAttempt struct {
	DeliveryID   string `json:"delivery_id"`
	TenantID     string `json:"tenant_id"`
	RuleID       string `json:"rule_id"`
	WebhookID    string `json:"webhook_id"`
	WebhookData  string `json:"-"` // serialized WebhookData replay blob
	Status       string `json:"status"`
	Tier         string `json:"tier"`
	RetryCount   int    `json:"retry_count"`
	ScheduledFor int64  `json:"scheduled_for,omitempty"`
	ProcessedAt  int64  `json:"processed_at,omitempty"`
	CreatedAt    int64  `json:"created_at"`
	UpdatedAt    int64  `json:"updated_at"`
}

// WebhookData is the replay context serialized into a queue row: enough
// to re-render and re-send the notification without the original HTTP
// request.
type WebhookData struct {
	Event   Event    `json:"event"`
	RuleID  string   `json:"rule_id"`
	Message *Message `json:"message,omitempty"` // set once rendered
}

func (d WebhookData) Encode() (string, error) {
	b, err := json.Marshal(d)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func DecodeWebhookData(raw string) (*WebhookData, error) {
	var d WebhookData
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// Message is a rendered chat-space payload.
type Message struct {
	Format string `json:"format"` // text, markdown, rich_card
	Text   string `json:"text,omitempty"`
	Card   string `json:"card,omitempty"` // serialized rich-card JSON
}

// DeliveryLogEntry is an append-only audit record. Never mutated or
// deleted except by time-based retention cleanup.
type DeliveryLogEntry struct {
	ID               string `json:"id"`
	DeliveryID       string `json:"delivery_id"`
	EventType        string `json:"event_type"`
	TenantID         string `json:"tenant_id"`
	Status           string `json:"status"`
	Tier             string `json:"tier"`
	ResultData       string `json:"result_data,omitempty"`
	ProcessingTimeMS int64  `json:"processing_time_ms"`
	CreatedAt        int64  `json:"created_at"`
}

// Delayed-notification statuses. Processing is the sweeper's in-flight
// claim; a row only becomes sent once its queue row exists.
const (
	DelayedPending    = "pending"
	DelayedProcessing = "processing"
	DelayedSent       = "sent"
	DelayedFailed     = "failed"
	DelayedCancelled  = "cancelled"
)

// DelayedNotification is a quiet-hours-deferred notification. Created
// by the gate, consumed by the delayed sweeper.
type DelayedNotification struct {
	ID               string `json:"id"`
	TenantID         string `json:"tenant_id"`
	NotificationData string `json:"-"` // serialized WebhookData replay blob
	ScheduledFor     int64  `json:"scheduled_for"`
	Status           string `json:"status"`
	CreatedAt        int64  `json:"created_at"`
	UpdatedAt        int64  `json:"updated_at"`
}
