package database

import "database/sql"

// Schema is the full relational layout. Rules, webhooks, quiet-hours
// and tenants are written by the external admin API; the pipeline only
// writes the queue, log and delayed tables.
const Schema = `
CREATE TABLE IF NOT EXISTS tenants (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	plan_tier TEXT DEFAULT 'free',
	webhook_secret TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS rules (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	event_type TEXT NOT NULL,
	filters TEXT DEFAULT '{}',
	target_webhook_id TEXT NOT NULL,
	template_mode TEXT DEFAULT 'simple',
	template_format TEXT DEFAULT 'text',
	custom_template TEXT,
	enabled INTEGER DEFAULT 1,
	priority INTEGER DEFAULT 100,
	is_default INTEGER DEFAULT 0,
	plan_tier TEXT,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_rules_tenant_enabled ON rules(tenant_id, enabled);

CREATE TABLE IF NOT EXISTS chat_webhooks (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	name TEXT,
	webhook_url TEXT NOT NULL,
	is_active INTEGER DEFAULT 1,
	consecutive_failures INTEGER DEFAULT 0,
	last_triggered_at INTEGER,
	last_error TEXT,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_webhooks_tenant ON chat_webhooks(tenant_id);

CREATE TABLE IF NOT EXISTS quiet_hours (
	tenant_id TEXT PRIMARY KEY,
	timezone TEXT NOT NULL,
	start_time TEXT NOT NULL,
	end_time TEXT NOT NULL,
	weekends_enabled INTEGER DEFAULT 1,
	holidays TEXT DEFAULT '[]',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS delayed_notifications (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	notification_data TEXT NOT NULL,
	scheduled_for INTEGER NOT NULL,
	status TEXT DEFAULT 'pending',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_delayed_due ON delayed_notifications(status, scheduled_for);

CREATE TABLE IF NOT EXISTS notification_queue (
	delivery_id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	rule_id TEXT NOT NULL,
	webhook_id TEXT NOT NULL,
	webhook_data TEXT NOT NULL,
	status TEXT DEFAULT 'pending',
	tier TEXT DEFAULT 'queue',
	retry_count INTEGER DEFAULT 0,
	scheduled_for INTEGER,
	processed_at INTEGER,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_queue_sweep ON notification_queue(tier, status, scheduled_for);

CREATE TABLE IF NOT EXISTS delivery_log (
	id TEXT PRIMARY KEY,
	delivery_id TEXT NOT NULL,
	event_type TEXT NOT NULL,
	tenant_id TEXT NOT NULL,
	status TEXT NOT NULL,
	tier TEXT NOT NULL,
	result_data TEXT,
	processing_time_ms INTEGER DEFAULT 0,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_log_delivery ON delivery_log(delivery_id);
CREATE INDEX IF NOT EXISTS idx_log_tenant_time ON delivery_log(tenant_id, created_at);

CREATE TABLE IF NOT EXISTS security_log (
	id TEXT PRIMARY KEY,
	tenant_id TEXT,
	kind TEXT NOT NULL,
	reason TEXT,
	ip_address TEXT,
	metadata TEXT,
	created_at INTEGER NOT NULL
);
`

// Migrate applies the schema. Statements are idempotent so the command
// is safe to re-run.
func Migrate(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}
