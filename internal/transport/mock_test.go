package transport

import (
	"context"
	"testing"

	"mailgate/internal/model"
)

func TestDeterministicMockIsReproduciblePerPayload(t *testing.T) {
	m := NewMockTransport("primary", MixConfig{
		TransientRate: 0.3,
		Deterministic: true,
	})

	payload := model.Payload{To: "a@b.co", Subject: "s", Body: "x"}
	first := m.Send(context.Background(), payload)
	for i := 0; i < 5; i++ {
		again := m.Send(context.Background(), payload)
		if first.IsSuccess() != again.IsSuccess() {
			t.Fatal("deterministic mock produced differing outcomes for one payload")
		}
		if first.IsSuccess() && first.Success.MessageID != again.Success.MessageID {
			t.Fatal("deterministic mock produced differing message ids for one payload")
		}
	}
}

func TestAllFailureMockAlwaysFails(t *testing.T) {
	m := NewMockTransport("primary", MixConfig{TransientRate: 1.0})

	for i := 0; i < 10; i++ {
		result := m.Send(context.Background(), model.Payload{To: "a@b.co"})
		if result.IsSuccess() {
			t.Fatal("expected a transport with a 100% transient rate to never succeed")
		}
		if result.Failure.Kind != KindTransient {
			t.Fatalf("expected transient kind, got %s", result.Failure.Kind)
		}
	}
}

func TestAllSuccessMockAlwaysSucceeds(t *testing.T) {
	m := NewMockTransport("secondary", MixConfig{})

	result := m.Send(context.Background(), model.Payload{To: "a@b.co"})
	if !result.IsSuccess() {
		t.Fatalf("expected success from a zero-failure mix, got %+v", result.Failure)
	}
	if result.Success.TransportName != "secondary" {
		t.Fatalf("expected transport name on success, got %q", result.Success.TransportName)
	}
}

func TestRateLimitedFailureCarriesRetryAfter(t *testing.T) {
	m := NewMockTransport("primary", MixConfig{RateLimitedRate: 1.0})

	result := m.Send(context.Background(), model.Payload{To: "a@b.co"})
	if result.IsSuccess() || result.Failure.Kind != KindRateLimited {
		t.Fatalf("expected a rateLimited failure, got %+v", result)
	}
	if result.Failure.RetryAfterMs <= 0 {
		t.Fatal("expected rateLimited failures to carry retryAfterMs")
	}
}

func TestCancelledContextShortCircuitsLatency(t *testing.T) {
	m := NewMockTransport("primary", MixConfig{LatencyMs: 5000})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := m.Send(ctx, model.Payload{To: "a@b.co"})
	if result.IsSuccess() || result.Failure.Code != "CONTEXT_CANCELLED" {
		t.Fatalf("expected a cancelled send to fail fast, got %+v", result)
	}
}
