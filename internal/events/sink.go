// Package events implements a fire-and-forget publisher of job
// lifecycle transitions. A sink has no read access to engine state and
// no ability to influence delivery decisions; it only observes.
package events

import (
	"context"
	"time"

	"mailgate/internal/model"
)

// JobEvent is published on every Job status transition the engine cares
// to announce.
type JobEvent struct {
	JobID      string          `json:"jobId"`
	RequestID  string          `json:"requestId"`
	Status     model.JobStatus `json:"status"`
	Transport  string          `json:"transport,omitempty"`
	MessageID  string          `json:"messageId,omitempty"`
	ErrorCode  string          `json:"errorCode,omitempty"`
	Attempts   int             `json:"attempts"`
	OccurredAt time.Time       `json:"occurredAt"`
}

// Sink publishes JobEvents. Publish errors are logged by the caller and
// never alter engine or status-projection state.
type Sink interface {
	Publish(ctx context.Context, event JobEvent) error
	Close() error
}

// NoopSink is the default sink when no broker is configured.
type NoopSink struct{}

func (NoopSink) Publish(ctx context.Context, event JobEvent) error { return nil }
func (NoopSink) Close() error                                      { return nil }
