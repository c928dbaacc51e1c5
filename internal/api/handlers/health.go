package handlers

import (
	"database/sql"
	"encoding/json"
	"net/http"
	"time"

	"chatrelay/internal/engine/delivery"
	"chatrelay/internal/engine/ledger"
	"chatrelay/internal/platform/repositories"
)

type HealthHandler struct {
	db         *sql.DB
	queueRepo  *repositories.QueueRepository
	dispatcher *delivery.Dispatcher
	ledger     *ledger.Service
}

func NewHealthHandler(db *sql.DB, queueRepo *repositories.QueueRepository, dispatcher *delivery.Dispatcher, svc *ledger.Service) *HealthHandler {
	return &HealthHandler{db: db, queueRepo: queueRepo, dispatcher: dispatcher, ledger: svc}
}

func (h *HealthHandler) Check(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string)
	status := "healthy"

	if err := h.db.Ping(); err != nil {
		checks["database"] = "unhealthy: " + err.Error()
		status = "degraded"
	} else {
		checks["database"] = "healthy"
	}

	if h.dispatcher.Running() {
		checks["workers"] = "healthy"
	} else {
		checks["workers"] = "unhealthy: worker pool not running"
		status = "degraded"
	}

	depth, err := h.queueRepo.Depth()
	if err != nil {
		checks["queue"] = "unhealthy: " + err.Error()
		status = "degraded"
	} else {
		checks["queue"] = "healthy"
	}

	failureRate, err := h.ledger.FailureRate(15 * time.Minute)
	if err != nil {
		failureRate = -1
	}

	response := struct {
		Status       string            `json:"status"`
		Timestamp    int64             `json:"timestamp"`
		QueueDepth   int               `json:"queue_depth"`
		ChannelDepth int               `json:"channel_depth"`
		FailureRate  float64           `json:"recent_failure_rate"`
		Checks       map[string]string `json:"checks"`
	}{
		Status:       status,
		Timestamp:    time.Now().Unix(),
		QueueDepth:   depth,
		ChannelDepth: h.dispatcher.QueueDepth(),
		FailureRate:  failureRate,
		Checks:       checks,
	}

	statusCode := http.StatusOK
	if status == "degraded" {
		statusCode = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(response)
}
