package breaker

import (
	"context"
	"testing"
	"time"

	"mailgate/internal/transport"
)

func transientFailure() *transport.Result {
	return &transport.Result{Failure: &transport.Failure{Kind: transport.KindTransient, Code: "X"}}
}

func success() *transport.Result {
	return &transport.Result{Success: &transport.Success{MessageID: "m-1"}}
}

func TestBreakerOpensAfterThreshold(t *testing.T) {
	b := New("primary", Config{FailureThreshold: 5, SuccessThreshold: 2, OpenDuration: 30 * time.Second})

	for i := 0; i < 5; i++ {
		b.Run(context.Background(), func(ctx context.Context) *transport.Result { return transientFailure() })
	}

	st := b.Status()
	if st.Mode != Open {
		t.Fatalf("expected breaker open after 5 consecutive failures, got %s", st.Mode)
	}

	var sawCall bool
	result := b.Run(context.Background(), func(ctx context.Context) *transport.Result {
		sawCall = true
		return success()
	})
	if sawCall {
		t.Fatal("breaker should have short-circuited without invoking the transport")
	}
	if result.Failure == nil || result.Failure.Kind != transport.KindTransient {
		t.Fatalf("expected synthetic transient short-circuit result, got %+v", result)
	}
	if result.Failure.RetryAfterMs <= 0 {
		t.Fatal("expected a positive retryAfterMs on short-circuit")
	}
}

func TestPermanentFailuresDoNotCountAgainstBreaker(t *testing.T) {
	b := New("primary", Config{FailureThreshold: 2, SuccessThreshold: 1, OpenDuration: time.Second})

	permLocal := &transport.Result{Failure: &transport.Failure{Kind: transport.KindPermanentLocal}}
	for i := 0; i < 10; i++ {
		b.Run(context.Background(), func(ctx context.Context) *transport.Result { return permLocal })
	}

	if b.Status().Mode != Closed {
		t.Fatalf("permanentLocal failures must not open the breaker, got %s", b.Status().Mode)
	}
}

func TestHalfOpenRecoversToClosedAfterSuccessThreshold(t *testing.T) {
	b := New("primary", Config{FailureThreshold: 1, SuccessThreshold: 2, OpenDuration: 10 * time.Millisecond})

	b.Run(context.Background(), func(ctx context.Context) *transport.Result { return transientFailure() })
	if b.Status().Mode != Open {
		t.Fatal("expected open after 1 failure with threshold 1")
	}

	time.Sleep(15 * time.Millisecond)

	b.Run(context.Background(), func(ctx context.Context) *transport.Result { return success() })
	if b.Status().Mode != HalfOpen {
		t.Fatalf("expected halfOpen after first probe success with successThreshold=2, got %s", b.Status().Mode)
	}

	b.Run(context.Background(), func(ctx context.Context) *transport.Result { return success() })
	if b.Status().Mode != Closed {
		t.Fatalf("expected closed after successThreshold probes succeeded, got %s", b.Status().Mode)
	}
}

func TestHalfOpenFailureReopens(t *testing.T) {
	b := New("primary", Config{FailureThreshold: 1, SuccessThreshold: 1, OpenDuration: 10 * time.Millisecond})

	b.Run(context.Background(), func(ctx context.Context) *transport.Result { return transientFailure() })
	time.Sleep(15 * time.Millisecond)

	b.Run(context.Background(), func(ctx context.Context) *transport.Result { return transientFailure() })
	if b.Status().Mode != Open {
		t.Fatalf("a failed probe in halfOpen must reopen, got %s", b.Status().Mode)
	}
}

func TestResetForcesClosedWithZeroCounters(t *testing.T) {
	b := New("primary", Config{FailureThreshold: 2, SuccessThreshold: 2, OpenDuration: time.Second})
	b.Run(context.Background(), func(ctx context.Context) *transport.Result { return transientFailure() })
	b.Run(context.Background(), func(ctx context.Context) *transport.Result { return transientFailure() })

	b.Reset()
	st := b.Status()
	if st.Mode != Closed || st.ConsecutiveFailures != 0 || st.ConsecutiveSuccesses != 0 {
		t.Fatalf("reset should yield closed with zero counters, got %+v", st)
	}
}
