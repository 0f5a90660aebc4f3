package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"mailgate/internal/breaker"
	"mailgate/internal/idempotency"
	"mailgate/internal/model"
	"mailgate/internal/queue"
	"mailgate/internal/transport"
)

// scriptedTransport returns a pre-programmed sequence of results, one
// per Send call, repeating the final entry once the script is
// exhausted. It exists so engine tests can pin exact attempt-by-attempt
// sequences rather than relying on MockTransport's probabilistic mix.
type scriptedTransport struct {
	name string

	mu     sync.Mutex
	script []*transport.Result
	calls  int
}

func scripted(name string, results ...*transport.Result) *scriptedTransport {
	return &scriptedTransport{name: name, script: results}
}

func (s *scriptedTransport) Name() string { return s.name }

func (s *scriptedTransport) HealthCheck(ctx context.Context) bool { return true }

func (s *scriptedTransport) Send(ctx context.Context, payload model.Payload) *transport.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.calls
	if idx >= len(s.script) {
		idx = len(s.script) - 1
	}
	s.calls++
	return s.script[idx]
}

func (s *scriptedTransport) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func success(messageID string) *transport.Result {
	return &transport.Result{Success: &transport.Success{MessageID: messageID, FinishedAt: time.Now()}}
}

func failure(kind transport.FailureKind, code string) *transport.Result {
	return &transport.Result{Failure: &transport.Failure{Kind: kind, Code: code}}
}

func fastQueueConfig() queue.Config {
	cfg := queue.DefaultConfig()
	cfg.MaxConcurrency = 2
	cfg.PollInterval = 5 * time.Millisecond
	cfg.JobTimeout = time.Second
	cfg.StuckSweepInterval = time.Second
	return cfg
}

func fastEngineConfig() Config {
	cfg := DefaultConfig()
	cfg.InitialRetryDelay = 5 * time.Millisecond
	cfg.MaxRetryDelay = 20 * time.Millisecond
	return cfg
}

func newTestEngine(t *testing.T, transports ...transport.Transport) (*Engine, context.CancelFunc) {
	t.Helper()
	store := idempotency.New(time.Hour)
	e := New(fastEngineConfig(), transports, store, fastQueueConfig())
	ctx, cancel := context.WithCancel(context.Background())
	e.Start(ctx)
	return e, cancel
}

func waitForTerminal(t *testing.T, e *Engine, requestID string) StatusResult {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		st := e.GetStatus(requestID)
		if st.Status == statusSent || st.Status == statusFailed {
			return st
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("status never reached a terminal state")
	return StatusResult{}
}

// Happy path: the first attempt on the primary transport succeeds.
func TestScenarioHappyPath(t *testing.T) {
	primary := scripted("primary", success("m-1"))
	e, cancel := newTestEngine(t, primary)
	defer cancel()

	sub := e.Submit(context.Background(), &model.Request{To: "a@b.co", Subject: "s", Body: "x", RequestID: "r1"})
	if sub.Status != SubmitQueued {
		t.Fatalf("expected initial status queued, got %s", sub.Status)
	}

	st := waitForTerminal(t, e, "r1")
	if st.Status != statusSent || st.MessageID != "m-1" || st.Attempts != 1 {
		t.Fatalf("unexpected terminal status: %+v", st)
	}
}

// Primary returns permanentLocal once, secondary succeeds; primary is
// not retried beyond its first attempt.
func TestScenarioFallbackOnPermanentLocal(t *testing.T) {
	primary := scripted("primary", failure(transport.KindPermanentLocal, "INVALID_EMAIL"))
	secondary := scripted("secondary", success("m-2"))
	e, cancel := newTestEngine(t, primary, secondary)
	defer cancel()

	e.Submit(context.Background(), &model.Request{To: "a@b.co", Subject: "s", Body: "x", RequestID: "r2"})
	st := waitForTerminal(t, e, "r2")

	if st.Status != statusSent || st.MessageID != "m-2" {
		t.Fatalf("expected fallback success on secondary, got %+v", st)
	}
	if primary.callCount() != 1 {
		t.Fatalf("expected exactly 1 call to primary, got %d", primary.callCount())
	}
}

// Primary fails transiently twice then succeeds on the third attempt.
func TestScenarioRetryThenSucceed(t *testing.T) {
	primary := scripted("primary",
		failure(transport.KindTransient, "TRANSIENT"),
		failure(transport.KindTransient, "TRANSIENT"),
		success("m-3"),
	)
	e, cancel := newTestEngine(t, primary)
	defer cancel()

	e.Submit(context.Background(), &model.Request{To: "a@b.co", Subject: "s", Body: "x", RequestID: "r3"})
	st := waitForTerminal(t, e, "r3")

	if st.Status != statusSent || st.Attempts != 3 {
		t.Fatalf("expected success on the 3rd attempt, got %+v", st)
	}
}

// Repeated transient failures open the primary breaker; later
// submissions skip primary entirely and land on secondary.
func TestScenarioBreakerOpensAndSkipsPrimary(t *testing.T) {
	primary := scripted("primary", failure(transport.KindTransient, "TRANSIENT"))
	secondary := scripted("secondary", success("m-4"))

	cfg := fastEngineConfig()
	cfg.MaxAttemptsPerTransport = 1
	e := New(cfg, []transport.Transport{primary, secondary}, idempotency.New(time.Hour), fastQueueConfig(),
		WithBreakerConfig(breaker.Config{FailureThreshold: 2, SuccessThreshold: 2, OpenDuration: 30 * time.Second}))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.Start(ctx)

	for i, id := range []string{"brk-1", "brk-2", "brk-3"} {
		sub := e.Submit(context.Background(), &model.Request{To: "a@b.co", Subject: "s", Body: "x", RequestID: id})
		if sub.Status != SubmitQueued {
			t.Fatalf("submission %d not queued: %s", i, sub.Status)
		}
		term := waitForTerminal(t, e, id)
		if term.Status != statusSent {
			t.Fatalf("submission %d did not land on secondary: %+v", i, term)
		}
	}

	if primary.callCount() != 2 {
		t.Fatalf("expected primary to stop being called once its breaker opened, got %d calls", primary.callCount())
	}
	bst, err := e.BreakerStatus("primary")
	if err != nil {
		t.Fatalf("unexpected error reading breaker status: %v", err)
	}
	if bst.Mode != breaker.Open {
		t.Fatalf("expected primary breaker open, got %s", bst.Mode)
	}
	if until := time.Until(bst.OpenedUntil); until <= 25*time.Second || until > 30*time.Second {
		t.Fatalf("expected openedUntil roughly 30s out, got %v", until)
	}
}

// Concurrent submissions for one requestId produce at most one
// transport success and exactly one job.
func TestConcurrentSubmitsDeliverAtMostOnce(t *testing.T) {
	primary := scripted("primary", success("m-once"))
	e, cancel := newTestEngine(t, primary)
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.Submit(context.Background(), &model.Request{To: "a@b.co", Subject: "s", Body: "x", RequestID: "r-conc"})
		}()
	}
	wg.Wait()

	waitForTerminal(t, e, "r-conc")
	if primary.callCount() != 1 {
		t.Fatalf("expected exactly one delivery for one requestId, got %d transport calls", primary.callCount())
	}
	stats := e.QueueStats()
	if stats.Completed+stats.Failed != 1 {
		t.Fatalf("expected exactly one job for one requestId, got %+v", stats)
	}
}

// Idempotent replay while the first submission is still in flight.
func TestScenarioIdempotentReplayWhilePending(t *testing.T) {
	gate := make(chan struct{})
	primary := &gatedTransport{name: "primary", gate: gate, result: success("m-5")}
	e, cancel := newTestEngine(t, primary)
	defer cancel()

	req := &model.Request{To: "a@b.co", Subject: "s", Body: "x", RequestID: "r5"}
	first := e.Submit(context.Background(), req)
	if first.Status != SubmitQueued {
		t.Fatalf("expected first submission to queue, got %s", first.Status)
	}

	// Give the worker a chance to pick the job up (transport blocks on gate).
	time.Sleep(20 * time.Millisecond)

	second := e.Submit(context.Background(), req)
	if second.Status != SubmitPending {
		t.Fatalf("expected duplicate submission to report pending, got %s", second.Status)
	}

	close(gate)
	waitForTerminal(t, e, "r5")

	if e.QueueStats().Completed+e.QueueStats().Failed != 1 {
		t.Fatalf("expected exactly one job to have been enqueued, got stats %+v", e.QueueStats())
	}
}

// A permanentGlobal failure on primary aborts immediately without
// trying secondary.
func TestScenarioPermanentGlobalAbortsWithoutFallback(t *testing.T) {
	primary := scripted("primary", failure(transport.KindPermanentGlobal, "AUTHENTICATION_FAILED"))
	secondary := scripted("secondary", success("m-6"))
	e, cancel := newTestEngine(t, primary, secondary)
	defer cancel()

	e.Submit(context.Background(), &model.Request{To: "a@b.co", Subject: "s", Body: "x", RequestID: "r6"})
	st := waitForTerminal(t, e, "r6")

	if st.Status != statusFailed || st.ErrorInfo == nil || st.ErrorInfo.Code != "AUTHENTICATION_FAILED" {
		t.Fatalf("expected failed with AUTHENTICATION_FAILED, got %+v", st)
	}
	if secondary.callCount() != 0 {
		t.Fatal("secondary must never be tried after a permanentGlobal failure")
	}
}

func TestSubmitRejectsInvalidRequest(t *testing.T) {
	e, cancel := newTestEngine(t, scripted("primary", success("m-x")))
	defer cancel()

	sub := e.Submit(context.Background(), &model.Request{To: "not-an-email", Subject: "", Body: "x", RequestID: "bad"})
	if sub.Accepted {
		t.Fatal("expected an invalid request to be rejected")
	}
	if len(sub.FieldErrs) == 0 {
		t.Fatal("expected field errors for an invalid request")
	}
}

func TestResetBreakerReturnsClosedWithZeroCounters(t *testing.T) {
	primary := scripted("primary", failure(transport.KindTransient, "X"))
	e, cancel := newTestEngine(t, primary)
	defer cancel()

	if err := e.ForceOpenBreaker("primary"); err != nil {
		t.Fatalf("unexpected error opening known transport: %v", err)
	}
	if err := e.ResetBreaker("primary"); err != nil {
		t.Fatalf("unexpected error resetting known transport: %v", err)
	}
	bst, err := e.BreakerStatus("primary")
	if err != nil {
		t.Fatalf("unexpected error reading breaker status: %v", err)
	}
	if bst.Mode != breaker.Closed || bst.ConsecutiveFailures != 0 || bst.ConsecutiveSuccesses != 0 {
		t.Fatalf("expected closed with zero counters after reset, got %+v", bst)
	}
	if err := e.ResetBreaker("unknown"); err == nil {
		t.Fatal("expected an error resetting an unknown transport")
	}
}

// gatedTransport blocks on gate before returning result, so tests can
// observe a job mid-flight.
type gatedTransport struct {
	name   string
	gate   chan struct{}
	result *transport.Result
}

func (g *gatedTransport) Name() string                         { return g.name }
func (g *gatedTransport) HealthCheck(ctx context.Context) bool { return true }
func (g *gatedTransport) Send(ctx context.Context, _ model.Payload) *transport.Result {
	select {
	case <-g.gate:
	case <-ctx.Done():
		return &transport.Result{Failure: &transport.Failure{Kind: transport.KindTransient, Code: "CONTEXT_CANCELLED"}}
	}
	return g.result
}
