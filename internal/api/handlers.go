// Package api is the Fiber HTTP front end over the delivery engine.
// Handlers are thin enough to contain no delivery logic of their own;
// everything is delegated to the engine.
package api

import (
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"mailgate/internal/admin"
	"mailgate/internal/engine"
	"mailgate/internal/model"
	"mailgate/internal/ratelimiter"
)

// Handlers wires the submit, status, and admin surfaces onto Fiber
// handler functions.
type Handlers struct {
	logger      *zap.Logger
	engine      *engine.Engine
	guard       *admin.Guard
	local       *ratelimiter.Limiter
	distributed *DistributedLimiter
	replay      *ReplayCache
	validate    *validator.Validate
}

// NewHandlers builds a Handlers. local is the in-process token bucket
// every submission is admitted through; distributed and replay may be
// nil, in which case the corresponding multi-replica convenience is
// skipped.
func NewHandlers(logger *zap.Logger, eng *engine.Engine, guard *admin.Guard, local *ratelimiter.Limiter, distributed *DistributedLimiter, replay *ReplayCache) *Handlers {
	return &Handlers{logger: logger, engine: eng, guard: guard, local: local, distributed: distributed, replay: replay, validate: validator.New()}
}

// submitBody is the wire shape of POST /v1/messages, validated with the
// same bounds model.Request enforces internally; validator/v10 runs
// twice (here for early 400s before touching the engine, and again
// inside engine.Submit as the authoritative check) since a front end
// only "out of scope" per the core's own invariants should never be the
// sole gatekeeper.
type submitBody struct {
	To        string `json:"to" validate:"required,email"`
	Subject   string `json:"subject" validate:"required,min=1,max=200"`
	Body      string `json:"body" validate:"required,min=1,max=10000"`
	RequestID string `json:"requestId" validate:"required,min=1,max=100"`
	Priority  int    `json:"priority" validate:"min=0,max=10"`
	DelayMs   int    `json:"delayMs" validate:"min=0,max=300000"`
}

// SubmitMessage handles POST /v1/messages.
func (h *Handlers) SubmitMessage(c *fiber.Ctx) error {
	var body submitBody
	if err := c.BodyParser(&body); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"accepted": false, "errorKind": "validation", "detail": "malformed request body",
		})
	}
	if err := h.validate.Struct(&body); err != nil {
		var fieldErrs []model.FieldError
		if verrs, ok := err.(validator.ValidationErrors); ok {
			for _, fe := range verrs {
				fieldErrs = append(fieldErrs, model.FieldError{Field: fe.Field(), Tag: fe.Tag(), Message: fe.Error()})
			}
		}
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"accepted": false, "errorKind": "validation", "detail": err.Error(), "fieldErrors": fieldErrs,
		})
	}

	// A requestId another replica already accepted is served from the
	// replay cache without re-admitting it here; the owning replica's
	// engine remains the source of truth.
	if h.replay != nil {
		if cached, ok := h.replay.Get(c.Context(), body.RequestID); ok {
			return h.renderReplay(c, body.RequestID, cached)
		}
	}

	submitterID := c.Get("X-Submitter-Id")
	if h.local != nil {
		if allowed, retryAfter := h.local.Allow(submitterID); !allowed {
			return h.rateLimited(c, retryAfter)
		}
	}
	if h.distributed != nil {
		allowed, retryAfter, err := h.distributed.Allow(c.Context(), submitterID)
		if err != nil {
			h.logger.Error("distributed rate limiter error", zap.Error(err))
		} else if !allowed {
			return h.rateLimited(c, retryAfter)
		}
	}

	req := &model.Request{
		To: body.To, Subject: body.Subject, Body: body.Body,
		RequestID: body.RequestID, Priority: body.Priority, DelayMs: body.DelayMs,
		SubmitterID: submitterID,
	}

	result := h.engine.Submit(c.Context(), req)
	if h.replay != nil && result.Accepted {
		h.replay.Put(c.Context(), req.RequestID, string(result.Status))
	}

	return h.renderSubmit(c, result)
}

// renderReplay serves a duplicate submission from the cross-replica
// replay cache, mirroring the engine's own idempotent-replay responses:
// in-flight statuses collapse to pending, terminal ones are reported as
// cached outcomes.
func (h *Handlers) renderReplay(c *fiber.Ctx, requestID, cached string) error {
	status := cached
	switch cached {
	case "queued", "pending", "processing", "retrying":
		status = "pending"
	case "sent":
		status = "completed-cached"
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"accepted": true, "status": status, "requestId": requestID, "replayed": true,
	})
}

func (h *Handlers) rateLimited(c *fiber.Ctx, retryAfter time.Duration) error {
	c.Set("Retry-After", retryAfter.Round(time.Second).String())
	return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
		"accepted":     false,
		"errorKind":    "rate-limited",
		"retryAfterMs": retryAfter.Milliseconds(),
	})
}

func (h *Handlers) renderSubmit(c *fiber.Ctx, result engine.SubmitResult) error {
	if !result.Accepted {
		status := fiber.StatusBadRequest
		if result.ErrorKind != "validation" {
			status = fiber.StatusInternalServerError
		}
		return c.Status(status).JSON(fiber.Map{
			"accepted": false, "errorKind": result.ErrorKind, "requestId": result.RequestID, "fieldErrors": result.FieldErrs,
		})
	}

	switch result.Status {
	case engine.SubmitQueued:
		return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
			"accepted": true, "status": "queued", "jobId": result.JobID, "requestId": result.RequestID,
		})
	case engine.SubmitSent:
		return c.Status(fiber.StatusOK).JSON(fiber.Map{
			"accepted": true, "status": "sent", "transport": result.Transport, "messageId": result.MessageID, "requestId": result.RequestID,
		})
	case engine.SubmitPending:
		return c.Status(fiber.StatusOK).JSON(fiber.Map{
			"accepted": true, "status": "pending", "requestId": result.RequestID,
		})
	default: // completed-cached / failed-cached
		return c.Status(fiber.StatusOK).JSON(fiber.Map{
			"accepted": true, "status": string(result.Status), "requestId": result.RequestID,
			"transport": result.Transport, "messageId": result.MessageID, "errorKind": result.ErrorKind,
		})
	}
}

// GetMessage handles GET /v1/messages/:requestId.
func (h *Handlers) GetMessage(c *fiber.Ctx) error {
	requestID := c.Params("requestId")
	st := h.engine.GetStatus(requestID)
	if !st.Found {
		// The record may live on another replica; fall back to the
		// replay cache before reporting notFound.
		if h.replay != nil {
			if cached, ok := h.replay.Get(c.Context(), requestID); ok {
				return c.JSON(fiber.Map{"requestId": requestID, "status": replayProjection(cached), "replayed": true})
			}
		}
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"requestId": requestID, "status": "notFound"})
	}

	resp := fiber.Map{
		"requestId":        requestID,
		"status":           string(st.Status),
		"attempts":         st.Attempts,
		"currentTransport": st.CurrentTransport,
		"messageId":        st.MessageID,
		"createdAt":        st.CreatedAt,
		"updatedAt":        st.UpdatedAt,
	}
	if st.LastAttemptAt != nil {
		resp["lastAttemptAt"] = *st.LastAttemptAt
	}
	if st.ErrorInfo != nil {
		resp["errorInfo"] = st.ErrorInfo
	}
	return c.Status(fiber.StatusOK).JSON(resp)
}

// replayProjection maps a cached submit status onto the status-query
// vocabulary.
func replayProjection(cached string) string {
	switch cached {
	case "sent", "completed-cached":
		return "sent"
	case "failed-cached":
		return "failed"
	default:
		return cached
	}
}

// HealthCheck handles GET /healthz.
func (h *Handlers) HealthCheck(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "healthy", "time": time.Now()})
}

// adminAuthorize extracts the bearer token and checks it against the
// guard, writing a 401 on failure. Every admin handler calls this first.
func (h *Handlers) adminAuthorize(c *fiber.Ctx) bool {
	token := c.Get("Authorization")
	const prefix = "Bearer "
	if len(token) > len(prefix) && token[:len(prefix)] == prefix {
		token = token[len(prefix):]
	}
	if err := h.guard.Authorize(token); err != nil {
		_ = c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized"})
		return false
	}
	return true
}

// ResetBreaker handles POST /admin/breaker/:transport/reset.
func (h *Handlers) ResetBreaker(c *fiber.Ctx) error {
	if !h.adminAuthorize(c) {
		return nil
	}
	name := c.Params("transport")
	auditID := uuid.NewString()
	if err := h.engine.ResetBreaker(name); err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": err.Error(), "auditId": auditID})
	}
	h.logger.Info("admin: breaker reset", zap.String("transport", name), zap.String("auditId", auditID))
	return c.JSON(fiber.Map{"ok": true, "auditId": auditID})
}

// ForceOpenBreaker handles POST /admin/breaker/:transport/open.
func (h *Handlers) ForceOpenBreaker(c *fiber.Ctx) error {
	if !h.adminAuthorize(c) {
		return nil
	}
	name := c.Params("transport")
	auditID := uuid.NewString()
	if err := h.engine.ForceOpenBreaker(name); err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": err.Error(), "auditId": auditID})
	}
	h.logger.Info("admin: breaker forced open", zap.String("transport", name), zap.String("auditId", auditID))
	return c.JSON(fiber.Map{"ok": true, "auditId": auditID})
}

// GetBreaker handles GET /admin/breaker/:transport.
func (h *Handlers) GetBreaker(c *fiber.Ctx) error {
	if !h.adminAuthorize(c) {
		return nil
	}
	name := c.Params("transport")
	st, err := h.engine.BreakerStatus(name)
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": err.Error()})
	}
	resp := fiber.Map{
		"transport":            name,
		"state":                string(st.Mode),
		"consecutiveFailures":  st.ConsecutiveFailures,
		"consecutiveSuccesses": st.ConsecutiveSuccesses,
	}
	if !st.OpenedUntil.IsZero() {
		resp["openedUntil"] = st.OpenedUntil
	}
	return c.JSON(resp)
}

// ClearIdempotency handles POST /admin/idempotency/clear.
func (h *Handlers) ClearIdempotency(c *fiber.Ctx) error {
	if !h.adminAuthorize(c) {
		return nil
	}
	h.engine.ClearIdempotency()
	return c.JSON(fiber.Map{"ok": true})
}

// QueueStats handles GET /admin/queue/stats.
func (h *Handlers) QueueStats(c *fiber.Ctx) error {
	if !h.adminAuthorize(c) {
		return nil
	}
	stats := h.engine.QueueStats()
	return c.JSON(fiber.Map{
		"queued": stats.Queued, "processing": stats.Processing,
		"completed": stats.Completed, "failed": stats.Failed,
		"concurrency": stats.Concurrency, "isProcessing": stats.IsProcessing,
	})
}
