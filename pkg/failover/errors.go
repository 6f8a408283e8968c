package failover

import (
	"fmt"
	"strings"

	"llmharness/pkg/llmerrors"
)

// SkipReason explains why a profile was passed over without an attempt.
type SkipReason string

// Skip reasons.
const (
	SkipBreakerOpen SkipReason = "breaker_open"
	SkipBreakerBusy SkipReason = "breaker_busy"
)

// Attempt is one profile that was admitted past its breaker and failed, either at its
// rate limiter or in the provider call.
type Attempt struct {
	ProfileID string
	Err       *llmerrors.Error
}

// Skip is one profile whose breaker denied the call.
type Skip struct {
	ProfileID string
	Reason    SkipReason
}

// Report describes how one Execute walked the profile chain.
type Report struct {
	RequestID string
	ServedBy  string // Empty unless a profile succeeded
	Attempts  []Attempt
	Skipped   []Skip
}

// Error is returned when no profile served the request.
type Error struct {
	Report
	Cause error // Parent context error when the request was cancelled
}

func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "request %s: ", e.RequestID)

	switch {
	case e.Cause != nil:
		fmt.Fprintf(&b, "aborted: %v", e.Cause)
	case len(e.Attempts) == 0 && len(e.Skipped) == 0:
		b.WriteString("no eligible provider profiles")
		return b.String()
	case e.Terminal():
		b.WriteString("terminal error")
	default:
		b.WriteString("all provider profiles failed")
	}

	for i, a := range e.Attempts {
		if i == 0 {
			b.WriteString(": ")
		} else {
			b.WriteString("; ")
		}
		fmt.Fprintf(&b, "%s: %v", a.ProfileID, a.Err)
	}
	if len(e.Skipped) > 0 {
		b.WriteString(" (skipped")
		for _, s := range e.Skipped {
			fmt.Fprintf(&b, " %s=%s", s.ProfileID, s.Reason)
		}
		b.WriteString(")")
	}
	return b.String()
}

// Unwrap exposes the cause and every attempt error to errors.Is and errors.As.
func (e *Error) Unwrap() []error {
	errs := make([]error, 0, len(e.Attempts)+1)
	if e.Cause != nil {
		errs = append(errs, e.Cause)
	}
	for _, a := range e.Attempts {
		errs = append(errs, a.Err)
	}
	return errs
}

// Terminal reports whether the last attempt stopped failover.
func (e *Error) Terminal() bool {
	last, ok := e.Last()
	return ok && last.Err.Terminal()
}

// Last returns the most recent attempt, if any.
func (e *Error) Last() (Attempt, bool) {
	if len(e.Attempts) == 0 {
		return Attempt{}, false
	}
	return e.Attempts[len(e.Attempts)-1], true
}
