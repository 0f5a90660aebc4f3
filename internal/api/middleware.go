package api

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"go.uber.org/zap"

	"mailgate/internal/observability"
)

// SetupMiddleware installs the global middleware chain: panic recovery,
// a request id attached to every response, permissive CORS for the
// admin console, and a logging+metrics middleware that records every
// request's method/path/status/duration.
func SetupMiddleware(app *fiber.App, logger *zap.Logger, mtr *observability.Metrics) {
	app.Use(recover.New())
	app.Use(requestid.New())
	app.Use(cors.New())
	app.Use(loggingMiddleware(logger, mtr))
}

// loggingMiddleware logs each request at Info and, when mtr is non-nil,
// records it into the HTTP request-count and duration instruments.
func loggingMiddleware(logger *zap.Logger, mtr *observability.Metrics) fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()
		elapsed := time.Since(start)

		status := c.Response().StatusCode()
		path := c.Route().Path

		logger.Info("http request",
			zap.String("method", c.Method()),
			zap.String("path", path),
			zap.Int("status", status),
			zap.Duration("duration", elapsed),
			zap.String("requestId", c.GetRespHeader(fiber.HeaderXRequestID)),
			zap.String("userAgent", c.Get(fiber.HeaderUserAgent)),
		)

		if mtr != nil {
			statusLabel := statusBucket(status)
			mtr.HTTPRequestsTotal.WithLabelValues(c.Method(), path, statusLabel).Inc()
			mtr.HTTPRequestDuration.WithLabelValues(c.Method(), path).Observe(elapsed.Seconds())
		}

		return err
	}
}

// statusBucket collapses a status code to its class, keeping the metric's
// cardinality bounded regardless of how many distinct codes a handler emits.
func statusBucket(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
