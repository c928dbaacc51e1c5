package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"
	apiContext "chatrelay/internal/api/context"
	"chatrelay/internal/engine/delivery"
	"chatrelay/internal/pkg/errors"
	"chatrelay/internal/platform/auth"
	"chatrelay/internal/platform/models"
	"chatrelay/internal/platform/repositories"
)

// TestWebhookHandler runs the direct tier synchronously so the
// dashboard can confirm a webhook end to end and show the result
// inline.
type TestWebhookHandler struct {
	webhookRepo *repositories.WebhookRepository
	ruleRepo    *repositories.RuleRepository
	dispatcher  *delivery.Dispatcher
}

func NewTestWebhookHandler(webhookRepo *repositories.WebhookRepository, ruleRepo *repositories.RuleRepository, dispatcher *delivery.Dispatcher) *TestWebhookHandler {
	return &TestWebhookHandler{webhookRepo: webhookRepo, ruleRepo: ruleRepo, dispatcher: dispatcher}
}

func (h *TestWebhookHandler) Test(w http.ResponseWriter, r *http.Request) {
	claims, ok := r.Context().Value(apiContext.Claims).(*auth.Claims)
	if !ok {
		errors.WriteError(w, http.StatusUnauthorized, errors.ErrCodeUnauthorized, "No authentication claims found", nil)
		return
	}

	params, _ := r.Context().Value(apiContext.Params).(httprouter.Params)
	webhookID := params.ByName("webhook_id")

	webhook, err := h.webhookRepo.GetByID(webhookID)
	if err != nil {
		errors.WriteError(w, http.StatusInternalServerError, errors.ErrCodeInternal, "Webhook lookup failed", nil)
		return
	}
	if webhook == nil || webhook.TenantID != claims.TenantID {
		errors.WriteError(w, http.StatusNotFound, errors.ErrCodeNotFound, "Webhook not found", nil)
		return
	}

	event := models.Event{
		EventType:  "relay.test",
		TenantID:   claims.TenantID,
		Object:     models.EventObject{ID: "test", Title: "Test notification"},
		Actor:      models.Actor{ID: claims.UserID, Name: "Webhook test"},
		ReceivedAt: time.Now().Unix(),
	}
	data := models.WebhookData{
		Event: event,
		Message: &models.Message{
			Format: models.FormatText,
			Text:   "✅ chatrelay test notification — this webhook is wired up correctly.",
		},
	}

	deliveryID, err := h.dispatcher.DispatchDirect(r.Context(), claims.TenantID, "", webhookID, data)

	response := struct {
		DeliveryID string `json:"delivery_id"`
		Success    bool   `json:"success"`
		Error      string `json:"error,omitempty"`
	}{DeliveryID: deliveryID, Success: err == nil}

	status := http.StatusOK
	if err != nil {
		response.Error = err.Error()
		status = http.StatusBadGateway
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(response)
}
