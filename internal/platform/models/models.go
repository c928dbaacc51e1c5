package models

import "encoding/json"

// Event is the normalized inbound CRM payload. It is immutable once
// ingested and lives only in memory and in webhook_data replay blobs;
// it is never persisted standalone.
type Event struct {
	EventType  string      `json:"event_type"` // dotted taxonomy, e.g. "deal.won"
	TenantID   string      `json:"tenant_id"`
	CompanyID  string      `json:"company_id,omitempty"`
	Object     EventObject `json:"object"`
	Actor      Actor       `json:"actor"`
	ReceivedAt int64       `json:"received_at"`
}

type EventObject struct {
	ID        string  `json:"id"`
	Title     string  `json:"title"`
	Value     float64 `json:"value"`
	Currency  string  `json:"currency,omitempty"`
	Pipeline  string  `json:"pipeline,omitempty"`
	Stage     string  `json:"stage,omitempty"`
	Owner     string  `json:"owner,omitempty"`
	CreatedAt int64   `json:"created_at,omitempty"`
	UpdatedAt int64   `json:"updated_at,omitempty"`
}

type Actor struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
}

type Tenant struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	PlanTier      string `json:"plan_tier"`
	WebhookSecret string `json:"-"`
	CreatedAt     int64  `json:"created_at"`
	UpdatedAt     int64  `json:"updated_at"`
}

// QuietHoursConfig holds the per-tenant do-not-disturb window. At most
// one row per tenant; absence means quiet hours are disabled.
type QuietHoursConfig struct {
	TenantID        string   `json:"tenant_id"`
	Timezone        string   `json:"timezone"`
	StartTime       string   `json:"start_time"` // "HH:MM", tenant-local
	EndTime         string   `json:"end_time"`   // "HH:MM", may wrap past midnight
	WeekendsEnabled bool     `json:"weekends_enabled"`
	Holidays        []string `json:"holidays"` // "2006-01-02" dates, JSON array in DB
	CreatedAt       int64    `json:"created_at"`
	UpdatedAt       int64    `json:"updated_at"`
}

// ParseHolidays decodes the holidays column blob. A malformed blob
// yields an empty list rather than an error; the gate fails open.
func ParseHolidays(raw string) []string {
	if raw == "" {
		return nil
	}
	var days []string
	if err := json.Unmarshal([]byte(raw), &days); err != nil {
		return nil
	}
	return days
}
