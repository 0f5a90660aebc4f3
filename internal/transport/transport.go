// Package transport defines the contract the delivery engine depends on
// for one send attempt, plus the classified failure taxonomy the engine
// uses to drive retry, fallback, and breaker accounting decisions.
package transport

import (
	"context"
	"time"

	"mailgate/internal/model"
)

// FailureKind classifies a Failure so the engine knows how to react.
// See the engine's attempt loop for the exact policy per kind.
type FailureKind string

const (
	KindTransient       FailureKind = "transient"
	KindRateLimited     FailureKind = "rateLimited"
	KindPermanentLocal  FailureKind = "permanentLocal"
	KindPermanentGlobal FailureKind = "permanentGlobal"
)

// Success is returned by a Transport on a completed send.
type Success struct {
	MessageID     string
	FinishedAt    time.Time
	TransportName string
}

// Failure is returned by a Transport when a send attempt did not land.
type Failure struct {
	Kind         FailureKind
	RetryAfterMs int64
	Code         string
	Message      string
}

// Result is the outcome of one Send call: exactly one of Success or
// Failure is non-nil.
type Result struct {
	Success *Success
	Failure *Failure
}

func (r *Result) IsSuccess() bool { return r != nil && r.Success != nil }

// Transport is the contract required of external delivery collaborators.
// The core never performs the network call itself; every side effect
// lives in a Transport implementation.
type Transport interface {
	Name() string
	Send(ctx context.Context, payload model.Payload) *Result
	// HealthCheck reports transport health; implementations that don't
	// track health should return true.
	HealthCheck(ctx context.Context) bool
}
