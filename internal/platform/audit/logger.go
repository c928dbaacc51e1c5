package audit

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// SecurityEvent is a rejected-request record. Authentication failures
// never reach the delivery ledger; this table is their only trace.
type SecurityEvent struct {
	ID        string                 `json:"id"`
	TenantID  string                 `json:"tenant_id"`
	Kind      string                 `json:"kind"` // e.g. "signature_rejected"
	Reason    string                 `json:"reason"`
	IPAddress string                 `json:"ip_address"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt int64                  `json:"created_at"`
}

type SecurityLogger struct {
	db *sql.DB
}

func NewSecurityLogger(db *sql.DB) *SecurityLogger {
	return &SecurityLogger{db: db}
}

// Record writes asynchronously; a slow disk must not slow down the
// rejection path, and a lost security row is preferable to a stalled
// ingestion endpoint.
func (l *SecurityLogger) Record(tenantID, kind, reason, ipAddress string, metadata map[string]interface{}) {
	metaJSON, _ := json.Marshal(metadata)

	event := &SecurityEvent{
		ID:        "sec_" + uuid.New().String(),
		TenantID:  tenantID,
		Kind:      kind,
		Reason:    reason,
		IPAddress: ipAddress,
		CreatedAt: time.Now().Unix(),
	}

	go func() {
		_, err := l.db.Exec(`
			INSERT INTO security_log (id, tenant_id, kind, reason, ip_address, metadata, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, event.ID, event.TenantID, event.Kind, event.Reason, event.IPAddress, string(metaJSON), event.CreatedAt)
		if err != nil {
			log.Warn().Err(err).Str("tenant_id", tenantID).Msg("security log write failed")
		}
	}()
}
