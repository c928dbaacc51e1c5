package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/julienschmidt/httprouter"
	apiContext "chatrelay/internal/api/context"
	"chatrelay/internal/engine/ledger"
	"chatrelay/internal/pkg/errors"
	"chatrelay/internal/platform/auth"
)

// StatsHandler serves the read-only ledger queries consumed by the
// analytics and monitoring layer.
type StatsHandler struct {
	ledger *ledger.Service
}

func NewStatsHandler(svc *ledger.Service) *StatsHandler {
	return &StatsHandler{ledger: svc}
}

func (h *StatsHandler) DeliveryStats(w http.ResponseWriter, r *http.Request) {
	claims, ok := r.Context().Value(apiContext.Claims).(*auth.Claims)
	if !ok {
		errors.WriteError(w, http.StatusUnauthorized, errors.ErrCodeUnauthorized, "No authentication claims found", nil)
		return
	}

	start, end := timeWindow(r)
	counts, err := h.ledger.DeliveryBreakdown(claims.TenantID, start, end)
	if err != nil {
		errors.WriteError(w, http.StatusInternalServerError, errors.ErrCodeInternal, "Stats query failed", nil)
		return
	}

	writeJSON(w, struct {
		TenantID string               `json:"tenant_id"`
		Counts   []ledger.StatusCount `json:"counts"`
	}{claims.TenantID, counts})
}

func (h *StatsHandler) RuleStats(w http.ResponseWriter, r *http.Request) {
	params, _ := r.Context().Value(apiContext.Params).(httprouter.Params)
	ruleID := params.ByName("rule_id")

	start, end := timeWindow(r)
	stats, err := h.ledger.RuleSuccess(ruleID, start, end)
	if err != nil {
		errors.WriteError(w, http.StatusInternalServerError, errors.ErrCodeInternal, "Stats query failed", nil)
		return
	}
	writeJSON(w, stats)
}

func (h *StatsHandler) WebhookHealth(w http.ResponseWriter, r *http.Request) {
	params, _ := r.Context().Value(apiContext.Params).(httprouter.Params)
	webhookID := params.ByName("webhook_id")

	start, end := timeWindow(r)
	health, err := h.ledger.WebhookHealth(webhookID, start, end)
	if err != nil {
		errors.WriteError(w, http.StatusInternalServerError, errors.ErrCodeInternal, "Stats query failed", nil)
		return
	}
	if health == nil {
		errors.WriteError(w, http.StatusNotFound, errors.ErrCodeNotFound, "Webhook not found", nil)
		return
	}
	writeJSON(w, health)
}

func timeWindow(r *http.Request) (int64, int64) {
	start, _ := strconv.ParseInt(r.URL.Query().Get("start"), 10, 64)
	end, _ := strconv.ParseInt(r.URL.Query().Get("end"), 10, 64)
	return start, end
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
