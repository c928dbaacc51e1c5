package api

import (
	"context"
	"net/http"

	"github.com/julienschmidt/httprouter"
	apiContext "chatrelay/internal/api/context"
	"chatrelay/internal/api/handlers"
	"chatrelay/internal/api/middleware"
)

type Dependencies struct {
	IngestHandler      *handlers.IngestHandler
	TestWebhookHandler *handlers.TestWebhookHandler
	StatsHandler       *handlers.StatsHandler
	HealthHandler      *handlers.HealthHandler
	AuthMiddleware     *middleware.AuthMiddleware
	RateLimiter        *middleware.RateLimiter
}

func NewRouter(deps *Dependencies) *httprouter.Router {
	router := httprouter.New()

	authMid := deps.AuthMiddleware

	// Ingestion: signature-validated inside the handler, rate-limited
	// per tenant at the edge.
	router.POST("/api/v1/events", chain(deps.IngestHandler.Handle, deps.RateLimiter.Handle))

	// Dashboard surface
	router.POST("/api/v1/webhooks/:webhook_id/test",
		chain(deps.TestWebhookHandler.Test, authMid.Handle))
	router.GET("/api/v1/webhooks/:webhook_id/health",
		chain(deps.StatsHandler.WebhookHealth, authMid.Handle))
	router.GET("/api/v1/rules/:rule_id/stats",
		chain(deps.StatsHandler.RuleStats, authMid.Handle))
	router.GET("/api/v1/deliveries/stats",
		chain(deps.StatsHandler.DeliveryStats, authMid.Handle))

	router.GET("/health", wrap(deps.HealthHandler.Check))

	return router
}

// Helper function to chain middlewares
func chain(handler http.HandlerFunc, middlewares ...func(http.HandlerFunc) http.HandlerFunc) httprouter.Handle {
	for i := len(middlewares) - 1; i >= 0; i-- {
		handler = middlewares[i](handler)
	}
	return wrap(handler)
}

// Convert http.HandlerFunc to httprouter.Handle
func wrap(handler http.HandlerFunc) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		// Inject params into context
		ctx := context.WithValue(r.Context(), apiContext.Params, ps)
		handler(w, r.WithContext(ctx))
	}
}
