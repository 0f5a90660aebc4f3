package model

import (
	"strings"
	"testing"
)

func validRequest() *Request {
	return &Request{
		To:        "a@b.co",
		Subject:   "s",
		Body:      "x",
		RequestID: "r1",
	}
}

func TestValidateAcceptsAWellFormedRequest(t *testing.T) {
	if errs := Validate(validRequest()); errs != nil {
		t.Fatalf("expected a valid request to pass, got %v", errs)
	}
}

func TestValidateBounds(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Request)
		valid  bool
	}{
		{"priority 0", func(r *Request) { r.Priority = 0 }, true},
		{"priority 10", func(r *Request) { r.Priority = 10 }, true},
		{"priority 11", func(r *Request) { r.Priority = 11 }, false},
		{"subject length 200", func(r *Request) { r.Subject = strings.Repeat("a", 200) }, true},
		{"subject length 201", func(r *Request) { r.Subject = strings.Repeat("a", 201) }, false},
		{"body length 10000", func(r *Request) { r.Body = strings.Repeat("b", 10000) }, true},
		{"body length 10001", func(r *Request) { r.Body = strings.Repeat("b", 10001) }, false},
		{"requestId length 1", func(r *Request) { r.RequestID = "r" }, true},
		{"requestId length 100", func(r *Request) { r.RequestID = strings.Repeat("r", 100) }, true},
		{"requestId empty", func(r *Request) { r.RequestID = "" }, false},
		{"requestId length 101", func(r *Request) { r.RequestID = strings.Repeat("r", 101) }, false},
		{"delayMs 300000", func(r *Request) { r.DelayMs = 300000 }, true},
		{"delayMs 300001", func(r *Request) { r.DelayMs = 300001 }, false},
		{"to not an email", func(r *Request) { r.To = "not-an-email" }, false},
		{"to empty", func(r *Request) { r.To = "" }, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := validRequest()
			tc.mutate(req)
			errs := Validate(req)
			if tc.valid && errs != nil {
				t.Fatalf("expected valid, got %v", errs)
			}
			if !tc.valid && len(errs) == 0 {
				t.Fatal("expected a field error, got none")
			}
		})
	}
}
