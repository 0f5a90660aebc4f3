package api

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"mailgate/internal/observability"
)

// SetupRoutes installs the full route table: health first, then /v1,
// then admin.
func SetupRoutes(app *fiber.App, logger *zap.Logger, mtr *observability.Metrics, handlers *Handlers) {
	SetupMiddleware(app, logger, mtr)

	app.Get("/healthz", handlers.HealthCheck)
	app.Get("/readyz", handlers.HealthCheck)

	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	v1 := app.Group("/v1")
	v1.Post("/messages", handlers.SubmitMessage)
	v1.Get("/messages/:requestId", handlers.GetMessage)

	admin := app.Group("/admin")
	admin.Get("/breaker/:transport", handlers.GetBreaker)
	admin.Post("/breaker/:transport/reset", handlers.ResetBreaker)
	admin.Post("/breaker/:transport/open", handlers.ForceOpenBreaker)
	admin.Post("/idempotency/clear", handlers.ClearIdempotency)
	admin.Get("/queue/stats", handlers.QueueStats)
}
