package transport

import (
	"context"
	"crypto/md5"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"mailgate/internal/model"
)

// MixConfig configures the outcome distribution of a MockTransport. The
// four buckets must sum to <= 1.0; the remainder is treated as success.
type MixConfig struct {
	TransientRate       float64
	RateLimitedRate     float64
	PermanentLocalRate  float64
	PermanentGlobalRate float64
	LatencyMs           int
	// Deterministic keys the outcome off a hash of the transport name and
	// the payload (to, subject, body) instead of a process-wide RNG, so
	// scenario tests are reproducible.
	Deterministic bool
}

// MockTransport is a stochastic send simulator. Two configured
// instances (primary/secondary) with distinct mixes stand in for the
// real delivery providers.
type MockTransport struct {
	name string
	mix  MixConfig

	rngMu sync.Mutex
	rng   *rand.Rand
}

// NewMockTransport builds a named mock transport with the given outcome
// mix.
func NewMockTransport(name string, mix MixConfig) *MockTransport {
	return &MockTransport{
		name: name,
		mix:  mix,
		rng:  rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (m *MockTransport) Name() string { return m.name }

func (m *MockTransport) HealthCheck(ctx context.Context) bool { return true }

func (m *MockTransport) Send(ctx context.Context, payload model.Payload) *Result {
	if m.mix.LatencyMs > 0 {
		select {
		case <-time.After(time.Duration(m.mix.LatencyMs) * time.Millisecond):
		case <-ctx.Done():
			return &Result{Failure: &Failure{Kind: KindTransient, Code: "CONTEXT_CANCELLED", Message: ctx.Err().Error()}}
		}
	}

	r := m.roll(payload)

	switch {
	case r < m.mix.TransientRate:
		return &Result{Failure: &Failure{Kind: KindTransient, Code: "TRANSIENT_NETWORK_ERROR", Message: "temporary delivery error"}}
	case r < m.mix.TransientRate+m.mix.RateLimitedRate:
		return &Result{Failure: &Failure{
			Kind: KindRateLimited, RetryAfterMs: 200,
			Code: "PROVIDER_RATE_LIMITED", Message: "provider is throttling this sender",
		}}
	case r < m.mix.TransientRate+m.mix.RateLimitedRate+m.mix.PermanentLocalRate:
		return &Result{Failure: &Failure{Kind: KindPermanentLocal, Code: "INVALID_RECIPIENT", Message: "recipient rejected by this transport"}}
	case r < m.mix.TransientRate+m.mix.RateLimitedRate+m.mix.PermanentLocalRate+m.mix.PermanentGlobalRate:
		return &Result{Failure: &Failure{Kind: KindPermanentGlobal, Code: "AUTHENTICATION_FAILED", Message: "credentials rejected"}}
	default:
		return &Result{Success: &Success{
			MessageID:     m.messageID(payload),
			FinishedAt:    time.Now(),
			TransportName: m.name,
		}}
	}
}

// roll returns a value in [0,1). In deterministic mode it is derived
// from a hash of the payload so the same payload always produces the
// same outcome.
func (m *MockTransport) roll(payload model.Payload) float64 {
	if !m.mix.Deterministic {
		m.rngMu.Lock()
		defer m.rngMu.Unlock()
		return m.rng.Float64()
	}
	sum := md5.Sum([]byte(m.name + "|" + payload.To + "|" + payload.Subject + "|" + payload.Body))
	return float64(sum[0]) / 255.0
}

func (m *MockTransport) messageID(payload model.Payload) string {
	if m.mix.Deterministic {
		sum := md5.Sum([]byte(m.name + payload.To + payload.Subject))
		return fmt.Sprintf("%s-%x", m.name, sum[:6])
	}
	return fmt.Sprintf("%s-%d", m.name, time.Now().UnixNano())
}
