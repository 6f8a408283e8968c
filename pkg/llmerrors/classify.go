package llmerrors

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/ollama/ollama/api"
	"github.com/openai/openai-go"
	"google.golang.org/genai"
)

// Classify maps a raw provider call error to a classified *Error.
// It is a pure function of err: classifying the same value twice yields the same kind,
// status and decision. Already classified errors are returned unchanged.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}

	var llmErr *Error
	if errors.As(err, &llmErr) {
		return llmErr
	}

	// Context errors first: a cancelled call is recorded as a timeout so the breaker sees it.
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return NewTimeout(err)
	}
	if errors.Is(err, context.Canceled) {
		return NewErrorWithCause(KindTimeout, err, "call canceled")
	}

	if classified := classifySDK(err); classified != nil {
		return classified
	}

	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return NewErrorWithCause(KindParse, err, "malformed response")
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return NewTimeout(err)
	}
	var urlErr *url.Error
	var opErr *net.OpError
	var dnsErr *net.DNSError
	if errors.As(err, &urlErr) || errors.As(err, &opErr) || errors.As(err, &dnsErr) {
		return NewErrorWithCause(KindHTTP, err, "network or connection error")
	}

	return classifyMessage(err)
}

// classifySDK recognizes the typed errors of the provider SDKs.
func classifySDK(err error) *Error {
	var anthropicErr *anthropic.Error
	if errors.As(err, &anthropicErr) {
		return FromStatus(anthropicErr.StatusCode, retryAfterHeader(anthropicErr.Response), err)
	}

	var openaiErr *openai.Error
	if errors.As(err, &openaiErr) {
		return FromStatus(openaiErr.StatusCode, retryAfterHeader(openaiErr.Response), err)
	}

	var genaiErr genai.APIError
	if errors.As(err, &genaiErr) {
		return FromStatus(genaiErr.Code, 0, err)
	}
	var genaiPtr *genai.APIError
	if errors.As(err, &genaiPtr) && genaiPtr != nil {
		return FromStatus(genaiPtr.Code, 0, err)
	}

	var ollamaErr api.StatusError
	if errors.As(err, &ollamaErr) {
		return fromOllama(ollamaErr.StatusCode, err)
	}
	var ollamaPtr *api.StatusError
	if errors.As(err, &ollamaPtr) && ollamaPtr != nil {
		return fromOllama(ollamaPtr.StatusCode, err)
	}

	return nil
}

// fromOllama treats a 404 as a model missing on that server rather than a client bug.
func fromOllama(status int, err error) *Error {
	if status == http.StatusNotFound {
		return &Error{Kind: KindUnsupported, StatusCode: status, Err: err, Message: "model not available"}
	}
	return FromStatus(status, 0, err)
}

// FromStatus maps an HTTP status code to a classified error.
// 408 is classified as a timeout rather than a terminal 4xx, and 501 as unsupported
// rather than a breaker-counting 5xx: both fail over.
func FromStatus(status int, retryAfter time.Duration, cause error) *Error {
	switch {
	case status == http.StatusTooManyRequests:
		return &Error{Kind: KindRateLimited, StatusCode: status, RetryAfter: retryAfter, Err: cause, Message: "rate limited"}
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return &Error{Kind: KindTimeout, StatusCode: status, Err: cause, Message: "backend timeout"}
	case status == http.StatusNotImplemented:
		return &Error{Kind: KindUnsupported, StatusCode: status, Err: cause, Message: "not implemented by backend"}
	case status >= 400:
		return &Error{Kind: KindAPI, StatusCode: status, Err: cause, Message: http.StatusText(status)}
	default:
		return NewErrorWithCause(KindHTTP, cause, "unexpected status")
	}
}

// retryAfterHeader reads a delta-seconds Retry-After header. HTTP dates are ignored to
// keep classification independent of the wall clock.
func retryAfterHeader(resp *http.Response) time.Duration {
	if resp == nil {
		return 0
	}
	if ms := resp.Header.Get("retry-after-ms"); ms != "" {
		if v, err := strconv.ParseFloat(ms, 64); err == nil && v > 0 {
			return time.Duration(v * float64(time.Millisecond))
		}
	}
	if s := resp.Header.Get("Retry-After"); s != "" {
		if v, err := strconv.ParseFloat(s, 64); err == nil && v > 0 {
			return time.Duration(v * float64(time.Second))
		}
	}
	return 0
}

// classifyMessage is the string-pattern fallback for errors without type information.
func classifyMessage(err error) *Error {
	msg := strings.ToLower(err.Error())

	if status := extractStatusCode(msg); status != 0 {
		return FromStatus(status, 0, err)
	}

	switch {
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline exceeded"):
		return NewTimeout(err)
	case strings.Contains(msg, "rate limit") || strings.Contains(msg, "too many requests") ||
		strings.Contains(msg, "quota"):
		return NewRateLimited(0, err)
	case strings.Contains(msg, "not supported") || strings.Contains(msg, "unsupported"):
		return NewErrorWithCause(KindUnsupported, err, "unsupported on this profile")
	case strings.Contains(msg, "invalid character") || strings.Contains(msg, "cannot unmarshal") ||
		strings.Contains(msg, "malformed response"):
		return NewErrorWithCause(KindParse, err, "malformed response")
	default:
		return NewErrorWithCause(KindHTTP, err, "unclassified error")
	}
}

// extractStatusCode finds an HTTP status following a known marker in an error message.
func extractStatusCode(msg string) int {
	markers := []string{"status code: ", "status code ", "status: ", "http "}
	for _, marker := range markers {
		idx := strings.Index(msg, marker)
		if idx == -1 {
			continue
		}
		rest := msg[idx+len(marker):]
		if len(rest) < 3 {
			continue
		}
		code, err := strconv.Atoi(rest[:3])
		if err != nil || code < 100 || code > 599 {
			continue
		}
		return code
	}
	return 0
}
