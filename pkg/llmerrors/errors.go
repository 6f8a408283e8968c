// Package llmerrors provides the failure taxonomy for provider calls and the policy that
// decides failover and breaker accounting for each kind.
package llmerrors

import (
	"errors"
	"fmt"
	"time"
)

// Kind represents a category of provider call failure.
type Kind int8

const (
	// KindHTTP represents transport failures (network, DNS, TLS) and anything unclassified.
	KindHTTP Kind = iota
	// KindAPI represents an HTTP error status returned by the backend.
	KindAPI
	// KindRateLimited represents 429 / quota exhaustion.
	KindRateLimited
	// KindTimeout represents an exceeded call deadline or a cancelled call.
	KindTimeout
	// KindParse represents a malformed response body.
	KindParse
	// KindUnsupported represents a model or feature unavailable on this profile only.
	KindUnsupported
)

// String returns the string representation of the kind.
func (k Kind) String() string {
	switch k {
	case KindHTTP:
		return "http_error"
	case KindAPI:
		return "api_error"
	case KindRateLimited:
		return "rate_limited"
	case KindTimeout:
		return "timeout"
	case KindParse:
		return "parse_error"
	case KindUnsupported:
		return "unsupported"
	default:
		return "invalid"
	}
}

// Decision is what the orchestrator does with a classified failure.
type Decision struct {
	FailoverEligible     bool // Try the next profile
	CountsAgainstBreaker bool // Record as a breaker failure
}

// Policy returns the decision for a kind and, for KindAPI, its status code.
// 4xx API errors and parse errors are terminal. Rate limits and unsupported
// features are external to the backend's health and never count against its breaker.
func Policy(kind Kind, status int) Decision {
	switch kind {
	case KindAPI:
		if status >= 400 && status < 500 {
			return Decision{FailoverEligible: false, CountsAgainstBreaker: true}
		}
		return Decision{FailoverEligible: true, CountsAgainstBreaker: true}
	case KindRateLimited, KindUnsupported:
		return Decision{FailoverEligible: true, CountsAgainstBreaker: false}
	case KindParse:
		return Decision{FailoverEligible: false, CountsAgainstBreaker: true}
	case KindHTTP, KindTimeout:
		return Decision{FailoverEligible: true, CountsAgainstBreaker: true}
	default:
		return Decision{FailoverEligible: true, CountsAgainstBreaker: true}
	}
}

// Error represents a classified provider failure.
type Error struct {
	Err        error         // Wrapped underlying error
	Message    string        // Human-readable error message
	Kind       Kind          // Classified kind
	StatusCode int           // HTTP status code if applicable
	RetryAfter time.Duration // Server or limiter hint for KindRateLimited
}

// Error implements the error interface.
func (e *Error) Error() string {
	label := e.Kind.String()
	if e.StatusCode != 0 {
		label = fmt.Sprintf("%s %d", label, e.StatusCode)
	}
	if e.Kind == KindRateLimited && e.RetryAfter > 0 {
		label = fmt.Sprintf("%s, retry after %v", label, e.RetryAfter)
	}
	switch {
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("llm error (%s): %s: %v", label, e.Message, e.Err)
	case e.Message != "":
		return fmt.Sprintf("llm error (%s): %s", label, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("llm error (%s): %v", label, e.Err)
	default:
		return fmt.Sprintf("llm error (%s)", label)
	}
}

// Unwrap returns the underlying error for error unwrapping.
func (e *Error) Unwrap() error {
	return e.Err
}

// Decision returns the policy decision for this error.
func (e *Error) Decision() Decision {
	return Policy(e.Kind, e.StatusCode)
}

// Terminal reports whether failing over to another profile would not help.
func (e *Error) Terminal() bool {
	return !e.Decision().FailoverEligible
}

// Is checks if an error is of a specific kind.
func Is(err error, kind Kind) bool {
	var llmErr *Error
	if errors.As(err, &llmErr) {
		return llmErr.Kind == kind
	}
	return false
}

// NewError creates a new classified error.
func NewError(kind Kind, message string) *Error {
	return &Error{
		Kind:    kind,
		Message: message,
	}
}

// NewErrorWithCause creates a new classified error wrapping another error.
func NewErrorWithCause(kind Kind, cause error, message string) *Error {
	return &Error{
		Kind:    kind,
		Err:     cause,
		Message: message,
	}
}

// NewAPIError creates an API error with an HTTP status.
func NewAPIError(statusCode int, message string) *Error {
	return &Error{
		Kind:       KindAPI,
		StatusCode: statusCode,
		Message:    message,
	}
}

// NewRateLimited creates a rate-limit error carrying a retry hint.
func NewRateLimited(retryAfter time.Duration, cause error) *Error {
	return &Error{
		Kind:       KindRateLimited,
		StatusCode: 0,
		RetryAfter: retryAfter,
		Err:        cause,
		Message:    "rate limited",
	}
}

// NewTimeout creates a timeout error wrapping the context or transport cause.
func NewTimeout(cause error) *Error {
	return &Error{
		Kind:    KindTimeout,
		Err:     cause,
		Message: "call deadline exceeded",
	}
}
