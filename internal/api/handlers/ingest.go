package handlers

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"chatrelay/internal/engine/delivery"
	"chatrelay/internal/engine/signature"
	"chatrelay/internal/pkg/errors"
	"chatrelay/internal/platform/audit"
	"chatrelay/internal/platform/models"
	"chatrelay/internal/platform/repositories"
)

// TenantHeader carries the tenant id pre-resolved by the external
// OAuth/tenant service. The signature check needs it before the body
// can be parsed.
const TenantHeader = "X-Relay-Tenant"

const maxEventBody = 1 << 20 // 1 MiB

// IngestHandler is the inbound edge of the pipeline: raw bytes in,
// signature verified, then matched and dispatched. Nothing parses the
// body before the signature holds.
type IngestHandler struct {
	tenantRepo *repositories.TenantRepository
	secrets    *signature.SecretCache
	pipeline   *delivery.Pipeline
	security   *audit.SecurityLogger
}

func NewIngestHandler(tenantRepo *repositories.TenantRepository, secrets *signature.SecretCache, pipeline *delivery.Pipeline, security *audit.SecurityLogger) *IngestHandler {
	return &IngestHandler{tenantRepo: tenantRepo, secrets: secrets, pipeline: pipeline, security: security}
}

func (h *IngestHandler) Handle(w http.ResponseWriter, r *http.Request) {
	tenantID := r.Header.Get(TenantHeader)
	if tenantID == "" {
		errors.WriteError(w, http.StatusUnauthorized, errors.ErrCodeUnauthorized, "Missing tenant header", nil)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxEventBody))
	if err != nil {
		errors.WriteError(w, http.StatusBadRequest, errors.ErrCodeInvalidInput, "Failed to read request body", nil)
		return
	}

	secret, ok := h.lookupSecret(tenantID)
	if !ok {
		h.security.Record(tenantID, "unknown_tenant", "no webhook secret on file", r.RemoteAddr, nil)
		errors.WriteError(w, http.StatusUnauthorized, errors.ErrCodeUnauthorized, "Unknown tenant", nil)
		return
	}

	if err := signature.Validate(secret, body, r.Header.Get(signature.HeaderName)); err != nil {
		h.security.Record(tenantID, "signature_rejected", err.Error(), r.RemoteAddr, nil)
		errors.WriteError(w, http.StatusUnauthorized, errors.ErrCodeInvalidSignature, "Signature verification failed", nil)
		return
	}

	var event models.Event
	if err := json.Unmarshal(body, &event); err != nil {
		errors.WriteError(w, http.StatusBadRequest, errors.ErrCodeInvalidInput, "Malformed event payload", nil)
		return
	}
	if event.EventType == "" {
		errors.WriteError(w, http.StatusBadRequest, errors.ErrCodeInvalidInput, "Missing event_type", nil)
		return
	}

	// The header is authoritative; a body tenant_id is ignored.
	event.TenantID = tenantID
	if event.ReceivedAt == 0 {
		event.ReceivedAt = time.Now().Unix()
	}

	result, err := h.pipeline.HandleEvent(&event)
	if err != nil {
		log.Error().Err(err).Str("tenant_id", tenantID).Str("event_type", event.EventType).Msg("event handling failed")
		errors.WriteError(w, http.StatusInternalServerError, errors.ErrCodeInternal, "Event processing failed", nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(result)
}

func (h *IngestHandler) lookupSecret(tenantID string) (string, bool) {
	if secret, ok := h.secrets.Get(tenantID); ok {
		return secret, true
	}

	tenant, err := h.tenantRepo.GetByID(tenantID)
	if err != nil {
		log.Error().Err(err).Str("tenant_id", tenantID).Msg("tenant lookup failed")
		return "", false
	}
	if tenant == nil || tenant.WebhookSecret == "" {
		return "", false
	}

	h.secrets.Set(tenantID, tenant.WebhookSecret)
	return tenant.WebhookSecret, true
}
