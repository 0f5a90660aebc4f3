// Package engine implements the delivery engine: submission admission,
// the per-transport retry loop with exponential backoff and provider
// fallback, terminal-state recording, and status projection across the
// job queue, idempotency store, breakers, and transports.
package engine

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"mailgate/internal/breaker"
	"mailgate/internal/events"
	"mailgate/internal/idempotency"
	"mailgate/internal/model"
	"mailgate/internal/observability"
	"mailgate/internal/queue"
	"mailgate/internal/transport"
)

// Config tunes the engine's retry/backoff schedule and feature toggles.
type Config struct {
	MaxAttemptsPerTransport int
	InitialRetryDelay       time.Duration
	MaxRetryDelay           time.Duration
	RetryMultiplier         float64
	EnableBreaker           bool
	EnableQueue             bool
}

// DefaultConfig is the production retry/backoff schedule.
func DefaultConfig() Config {
	return Config{
		MaxAttemptsPerTransport: 3,
		InitialRetryDelay:       time.Second,
		MaxRetryDelay:           30 * time.Second,
		RetryMultiplier:         2,
		EnableBreaker:           true,
		EnableQueue:             true,
	}
}

// SubmitStatus is the externally visible outcome of a Submit call.
type SubmitStatus string

const (
	SubmitQueued          SubmitStatus = "queued"
	SubmitSent            SubmitStatus = "sent"
	SubmitPending         SubmitStatus = "pending"
	SubmitCompletedCached SubmitStatus = "completed-cached"
	SubmitFailedCached    SubmitStatus = "failed-cached"
	SubmitRejected        SubmitStatus = "rejected"
)

// SubmitResult is returned by Submit.
type SubmitResult struct {
	Accepted  bool
	Status    SubmitStatus
	RequestID string
	JobID     string
	Transport string
	MessageID string
	ErrorKind string
	Detail    string
	FieldErrs []model.FieldError
}

// externalStatus mirrors getStatus's projected status vocabulary.
type externalStatus string

const (
	statusNotFound   externalStatus = "notFound"
	statusQueued     externalStatus = "queued"
	statusProcessing externalStatus = "processing"
	statusRetrying   externalStatus = "retrying"
	statusPending    externalStatus = "pending"
	statusSent       externalStatus = "sent"
	statusFailed     externalStatus = "failed"
)

// StatusResult is returned by GetStatus.
type StatusResult struct {
	Found            bool
	Status           externalStatus
	Attempts         int
	CurrentTransport string
	MessageID        string
	ErrorInfo        *model.ErrorInfo
	CreatedAt        time.Time
	LastAttemptAt    *time.Time
	UpdatedAt        time.Time
}

// namedTransport pairs a Transport with its breaker.
type namedTransport struct {
	t transport.Transport
	b *breaker.Breaker
}

// Engine is the DeliveryEngine (C6).
type Engine struct {
	cfg   Config
	log   *zap.Logger
	store *idempotency.Store
	q     *queue.Queue
	sink  events.Sink
	mtr   *observability.Metrics
	bcfg  breaker.Config

	mu         sync.RWMutex
	transports []namedTransport

	idMu     sync.Mutex
	idSource *rand.Rand
	tracer   trace.Tracer
}

// Option configures an Engine at construction.
type Option func(*Engine)

// WithLogger installs a zap logger; a nop logger is used otherwise.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// WithEventSink installs an EventSink; NoopSink is the default.
func WithEventSink(s events.Sink) Option {
	return func(e *Engine) { e.sink = s }
}

// WithMetrics installs the Prometheus instrument set the engine reports
// submit outcomes, transport attempts, retries, and breaker transitions
// into. No metrics are recorded when omitted.
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Engine) { e.mtr = m }
}

// WithBreakerConfig overrides the per-transport breaker thresholds from
// breaker.DefaultConfig().
func WithBreakerConfig(cfg breaker.Config) Option {
	return func(e *Engine) { e.bcfg = cfg }
}

// New builds an Engine over the given transports (in fallback order),
// idempotency store, and config. The JobQueue is constructed internally
// since its AttemptFunc must close over the engine itself.
func New(cfg Config, transports []transport.Transport, store *idempotency.Store, qcfg queue.Config, opts ...Option) *Engine {
	e := &Engine{
		cfg:   cfg,
		log:   zap.NewNop(),
		store: store,
		sink:  events.NoopSink{},
		bcfg:  breaker.DefaultConfig(),
	}
	e.tracer = otel.Tracer("mailgate/engine")
	e.idSource = rand.New(rand.NewSource(time.Now().UnixNano()))
	for _, opt := range opts {
		opt(e)
	}

	for _, t := range transports {
		b := breaker.New(t.Name(), e.bcfg)
		if e.mtr != nil {
			b.OnStateChange(func(transportName string, mode breaker.Mode) {
				e.mtr.BreakerStateChanges.WithLabelValues(transportName, string(mode)).Inc()
			})
		}
		e.transports = append(e.transports, namedTransport{t: t, b: b})
	}

	if e.mtr != nil {
		qcfg.OnSafetyNetRetry = func(job *model.Job) {
			e.mtr.RetriesTotal.WithLabelValues("unknown", "queue").Inc()
		}
	}
	e.q = queue.New(qcfg, e.attempt)
	return e
}

// Start launches the underlying job queue's worker pool and, when
// metrics are configured, a gauge-refresh loop for queue depth.
func (e *Engine) Start(ctx context.Context) {
	e.q.Start(ctx)
	if e.mtr != nil {
		go e.reportQueueDepth(ctx)
	}
}

func (e *Engine) reportQueueDepth(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.mtr.QueueDepth.Set(float64(e.q.Stats().Queued))
		}
	}
}

// Shutdown waits up to grace for in-flight attempts to finish.
func (e *Engine) Shutdown(grace time.Duration) {
	e.q.Shutdown(grace)
}

// Submit validates the request, admits it through the idempotency
// store, and either enqueues a job or (with the queue disabled) runs
// the attempt synchronously.
func (e *Engine) Submit(ctx context.Context, req *model.Request) (result SubmitResult) {
	if e.mtr != nil {
		defer func() { e.mtr.SubmitsTotal.WithLabelValues(string(result.Status)).Inc() }()
	}

	if fieldErrs := model.Validate(req); len(fieldErrs) > 0 {
		return SubmitResult{Accepted: false, Status: SubmitRejected, RequestID: req.RequestID, ErrorKind: "validation", FieldErrs: fieldErrs}
	}

	begin := e.store.BeginOrGet(req.RequestID)
	if begin.State == idempotency.Existing {
		rec := begin.Record
		if rec.Status.Terminal() {
			if rec.Status == model.LifecycleCompleted {
				return SubmitResult{Accepted: true, Status: SubmitCompletedCached, RequestID: req.RequestID, Transport: rec.CurrentTransport, MessageID: resultMessageID(rec.Result)}
			}
			return SubmitResult{Accepted: true, Status: SubmitFailedCached, RequestID: req.RequestID, ErrorKind: errInfoKind(rec.ErrorInfo)}
		}
		return SubmitResult{Accepted: true, Status: SubmitPending, RequestID: req.RequestID}
	}

	job := &model.Job{
		JobID:            e.newJobID(),
		RequestID:        req.RequestID,
		Payload:          model.Payload{To: req.To, Subject: req.Subject, Body: req.Body},
		Priority:         req.Priority,
		SubmittedAt:      time.Now(),
		ExecuteNotBefore: time.Now().Add(time.Duration(req.DelayMs) * time.Millisecond),
		MaxAttempts:      e.cfg.MaxAttemptsPerTransport,
	}

	if !e.cfg.EnableQueue {
		_ = e.attempt(ctx, job)
		if job.Status == model.JobCompleted {
			return SubmitResult{Accepted: true, Status: SubmitSent, RequestID: req.RequestID, Transport: job.Result.TransportName, MessageID: job.Result.MessageID}
		}
		return SubmitResult{Accepted: true, Status: SubmitFailedCached, RequestID: req.RequestID, ErrorKind: errInfoKind(job.LastError)}
	}

	e.q.Enqueue(job)
	e.publish(ctx, job, "", "", nil)
	return SubmitResult{Accepted: true, Status: SubmitQueued, RequestID: req.RequestID, JobID: job.JobID}
}

func resultMessageID(r *model.JobResult) string {
	if r == nil {
		return ""
	}
	return r.MessageID
}

func errInfoKind(e *model.ErrorInfo) string {
	if e == nil {
		return ""
	}
	return e.Kind
}

// newJobID generates an engine-unique opaque job identifier. ULIDs are
// lexicographically sortable by creation time (to the millisecond); the
// JobQueue itself does not order by job id, it keeps history rings in
// filing order and compares SubmittedAt.
func (e *Engine) newJobID() string {
	e.idMu.Lock()
	defer e.idMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), e.idSource).String()
}

// attempt is the engine's attempt(job) entry point, passed to the
// JobQueue as its AttemptFunc. It mutates job in place for every
// expected outcome and returns a non-nil error only for conditions the
// loop below does not anticipate (there are none today; reserved for
// forward compatibility with richer transport contracts).
func (e *Engine) attempt(ctx context.Context, job *model.Job) error {
	var lastErr *model.ErrorInfo

	for _, nt := range e.transports {
		delay := e.cfg.InitialRetryDelay
		n := 0
	perTransportAttempts:
		for n < e.cfg.MaxAttemptsPerTransport {
			n++
			job.Attempts++
			e.store.MarkAttempt(job.RequestID, nt.t.Name(), job.Attempts)

			result := e.runAttempt(ctx, nt, job.Payload)
			if e.mtr != nil {
				e.mtr.TransportAttemptsTotal.WithLabelValues(nt.t.Name(), outcomeLabel(result)).Inc()
			}

			if result.IsSuccess() {
				succ := result.Success
				jr := model.JobResult{TransportName: nt.t.Name(), MessageID: succ.MessageID, FinishedAt: succ.FinishedAt}
				job.Status = model.JobCompleted
				job.Result = &jr
				e.store.Complete(job.RequestID, jr)
				e.publish(ctx, job, nt.t.Name(), succ.MessageID, nil)
				return nil
			}

			f := result.Failure
			errInfo := model.ErrorInfo{Kind: string(f.Kind), Code: f.Code, Message: f.Message}
			lastErr = &errInfo

			switch f.Kind {
			case transport.KindPermanentGlobal:
				job.Status = model.JobFailed
				job.LastError = &errInfo
				e.store.Fail(job.RequestID, errInfo)
				e.publish(ctx, job, nt.t.Name(), "", &errInfo)
				return nil
			case transport.KindPermanentLocal:
				break perTransportAttempts // fall through to the next transport
			default: // transient, rateLimited
				if n == e.cfg.MaxAttemptsPerTransport {
					break perTransportAttempts
				}
				wait := delay
				if f.RetryAfterMs > 0 {
					wait = time.Duration(f.RetryAfterMs) * time.Millisecond
				}
				job.Status = model.JobRetrying
				if e.mtr != nil {
					e.mtr.RetriesTotal.WithLabelValues(nt.t.Name(), "engine").Inc()
				}
				e.publish(ctx, job, nt.t.Name(), "", &errInfo)
				if !e.sleep(ctx, wait) {
					return nil // shutdown: leave job retrying, not re-raised
				}
				delay = time.Duration(math.Min(float64(delay)*e.cfg.RetryMultiplier, float64(e.cfg.MaxRetryDelay)))
			}
		}
	}

	job.Status = model.JobFailed
	job.LastError = lastErr
	if lastErr != nil {
		e.store.Fail(job.RequestID, *lastErr)
		e.publish(ctx, job, "", "", lastErr)
	}
	return nil
}

// runAttempt invokes the transport through its breaker, or directly
// when the breaker is disabled. A span brackets the call so traces show
// retry/backoff gaps between attempts, at the same before-each-transport-
// call suspension point called out in the concurrency model.
func (e *Engine) runAttempt(ctx context.Context, nt namedTransport, payload model.Payload) *transport.Result {
	ctx, span := e.tracer.Start(ctx, "transport.send", trace.WithAttributes(attribute.String("transport", nt.t.Name())))
	defer span.End()

	start := time.Now()
	send := func(ctx context.Context) *transport.Result { return nt.t.Send(ctx, payload) }
	var result *transport.Result
	if !e.cfg.EnableBreaker {
		result = send(ctx)
	} else {
		result = nt.b.Run(ctx, send)
	}
	if e.mtr != nil {
		e.mtr.AttemptDuration.WithLabelValues(nt.t.Name()).Observe(time.Since(start).Seconds())
	}
	return result
}

// outcomeLabel reduces a transport.Result to the low-cardinality label
// the attempts-total counter is keyed on.
func outcomeLabel(r *transport.Result) string {
	if r.IsSuccess() {
		return "success"
	}
	if r.Failure == nil {
		return "unknown"
	}
	return string(r.Failure.Kind)
}

// sleep waits for d or returns false if ctx is cancelled first.
func (e *Engine) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func (e *Engine) publish(ctx context.Context, job *model.Job, transportName, messageID string, errInfo *model.ErrorInfo) {
	evt := events.JobEvent{
		JobID:      job.JobID,
		RequestID:  job.RequestID,
		Status:     job.Status,
		Transport:  transportName,
		MessageID:  messageID,
		Attempts:   job.Attempts,
		OccurredAt: time.Now(),
	}
	if errInfo != nil {
		evt.ErrorCode = errInfo.Code
	}
	if err := e.sink.Publish(ctx, evt); err != nil {
		e.log.Warn("event sink publish failed", zap.Error(err), zap.String("jobId", job.JobID))
	}
}

// GetStatus projects the externally visible status: the latest Job wins
// over the LifecycleRecord when both exist.
func (e *Engine) GetStatus(requestID string) StatusResult {
	rec, ok := e.store.Get(requestID)
	if !ok {
		return StatusResult{Found: false, Status: statusNotFound}
	}

	if job, ok := e.q.LatestByRequestID(requestID); ok {
		return projectJob(job, rec)
	}

	return projectRecord(rec)
}

func projectJob(job *model.Job, rec *model.LifecycleRecord) StatusResult {
	res := StatusResult{
		Found:            true,
		Attempts:         job.Attempts,
		CurrentTransport: rec.CurrentTransport,
		CreatedAt:        rec.CreatedAt,
		LastAttemptAt:    rec.LastAttemptAt,
		UpdatedAt:        rec.UpdatedAt,
		ErrorInfo:        rec.ErrorInfo,
	}
	switch job.Status {
	case model.JobCompleted:
		res.Status = statusSent
		if job.Result != nil {
			res.MessageID = job.Result.MessageID
		}
	case model.JobFailed:
		res.Status = statusFailed
	case model.JobProcessing:
		res.Status = statusProcessing
	case model.JobRetrying:
		res.Status = statusRetrying
	default:
		res.Status = statusQueued
	}
	return res
}

func projectRecord(rec *model.LifecycleRecord) StatusResult {
	res := StatusResult{
		Found:            true,
		Attempts:         rec.Attempts,
		CurrentTransport: rec.CurrentTransport,
		CreatedAt:        rec.CreatedAt,
		LastAttemptAt:    rec.LastAttemptAt,
		UpdatedAt:        rec.UpdatedAt,
		ErrorInfo:        rec.ErrorInfo,
	}
	switch rec.Status {
	case model.LifecycleCompleted:
		res.Status = statusSent
		if rec.Result != nil {
			res.MessageID = rec.Result.MessageID
		}
	case model.LifecycleFailed:
		res.Status = statusFailed
	default:
		res.Status = statusPending
	}
	return res
}

// ResetBreaker forces the named transport's breaker closed with zero
// counters. An empty name resets every configured transport.
func (e *Engine) ResetBreaker(name string) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	found := false
	for _, nt := range e.transports {
		if name == "" || nt.t.Name() == name {
			nt.b.Reset()
			found = true
		}
	}
	if !found {
		return errors.New("engine: unknown transport")
	}
	return nil
}

// BreakerStatus returns the named transport's breaker snapshot for
// admin queries.
func (e *Engine) BreakerStatus(name string) (breaker.State, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, nt := range e.transports {
		if nt.t.Name() == name {
			return nt.b.Status(), nil
		}
	}
	return breaker.State{}, errors.New("engine: unknown transport")
}

// ForceOpenBreaker opens the named transport's breaker unconditionally.
func (e *Engine) ForceOpenBreaker(name string) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, nt := range e.transports {
		if nt.t.Name() == name {
			nt.b.ForceOpen()
			return nil
		}
	}
	return errors.New("engine: unknown transport")
}

// ClearIdempotency drops every LifecycleRecord; a test hook only.
func (e *Engine) ClearIdempotency() {
	e.store.Clear()
}

// QueueStats exposes the admin interface's queueStats projection.
func (e *Engine) QueueStats() queue.Stats {
	return e.q.Stats()
}
