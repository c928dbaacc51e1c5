package models

// Webhook is a tenant-owned chat-space delivery target. The URL embeds
// the chat space's token and is treated as an opaque secret. Inactive
// webhooks are skipped at dispatch time, not at match time.
type Webhook struct {
	ID                  string `json:"id"`
	TenantID            string `json:"tenant_id"`
	Name                string `json:"name,omitempty"`
	WebhookURL          string `json:"-"`
	IsActive            bool   `json:"is_active"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
	LastTriggeredAt     int64  `json:"last_triggered_at,omitempty"`
	LastError           string `json:"last_error,omitempty"`
	CreatedAt           int64  `json:"created_at"`
	UpdatedAt           int64  `json:"updated_at"`
}
