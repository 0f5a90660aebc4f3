// Package model holds the data types shared across the delivery engine:
// the caller-facing Request, the internally-owned Job, and the
// idempotency store's LifecycleRecord.
package model

import (
	"github.com/go-playground/validator/v10"
)

// Request is the caller-facing submission payload.
type Request struct {
	To        string `json:"to" validate:"required,email"`
	Subject   string `json:"subject" validate:"required,min=1,max=200"`
	Body      string `json:"body" validate:"required,min=1,max=10000"`
	RequestID string `json:"requestId" validate:"required,min=1,max=100"`
	Priority  int    `json:"priority" validate:"min=0,max=10"`
	DelayMs   int    `json:"delayMs" validate:"min=0,max=300000"`

	// SubmitterID keys the RateLimiter bucket; "anonymous" when empty.
	SubmitterID string `json:"-" validate:"-"`
}

// FieldError describes one offending field of a rejected Request.
type FieldError struct {
	Field   string `json:"field"`
	Tag     string `json:"tag"`
	Message string `json:"message"`
}

var validate = validator.New()

// Validate checks a Request's shape against its field bounds.
// It returns nil when the request is valid, or the list of offending
// fields otherwise.
func Validate(r *Request) []FieldError {
	err := validate.Struct(r)
	if err == nil {
		return nil
	}

	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return []FieldError{{Field: "request", Tag: "invalid", Message: err.Error()}}
	}

	fields := make([]FieldError, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, FieldError{
			Field:   fe.Field(),
			Tag:     fe.Tag(),
			Message: fe.Error(),
		})
	}
	return fields
}

// Payload is the subset of Request fields carried through to Transport.
type Payload struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}
