package model

import "time"

// JobStatus is the lifecycle state of a Job as owned by the JobQueue.
type JobStatus string

const (
	JobQueued     JobStatus = "queued"
	JobProcessing JobStatus = "processing"
	JobRetrying   JobStatus = "retrying"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// Terminal reports whether the status is a terminal Job status.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// ErrorInfo is the observability-safe shape of a terminal failure: never
// transport internals such as stack traces.
type ErrorInfo struct {
	Kind    string `json:"kind"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// JobResult is the terminal success payload, recorded on both the Job
// and the LifecycleRecord.
type JobResult struct {
	TransportName string    `json:"transportName"`
	MessageID     string    `json:"messageId"`
	FinishedAt    time.Time `json:"finishedAt"`
}

// Job is the internal, queueable representation of a Request, owned by
// the JobQueue from submission to terminal state.
type Job struct {
	JobID            string
	RequestID        string
	Payload          Payload
	Priority         int
	SubmittedAt      time.Time
	ExecuteNotBefore time.Time
	Attempts         int
	MaxAttempts      int
	Status           JobStatus
	StartedAt        *time.Time
	FinishedAt       *time.Time
	LastError        *ErrorInfo
	Result           *JobResult
}
