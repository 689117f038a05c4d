package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// FailureClass categorizes why a transport request failed.
// The auto-continue controller keys its retry and fallback decisions off this.
type FailureClass string

const (
	// ClassValidation indicates a malformed request the caller can fix
	// (unknown model, bad parameters).
	ClassValidation FailureClass = "validation"

	// ClassNonRetryable indicates a request the provider rejected and will
	// keep rejecting (payload too large, unprocessable content).
	ClassNonRetryable FailureClass = "non_retryable"

	// ClassToolPairing indicates the provider rejected the message sequence
	// because tool calls and tool results did not line up. The thread history
	// must be repaired before retrying.
	ClassToolPairing FailureClass = "tool_pairing"

	// ClassOverload indicates the provider is shedding load (HTTP 529).
	// Retries should back off gently and may switch to a fallback transport.
	ClassOverload FailureClass = "overload"

	// ClassRateLimit indicates rate limiting (HTTP 429)
	ClassRateLimit FailureClass = "rate_limit"

	// ClassAuth indicates authentication failure (HTTP 401, 403)
	ClassAuth FailureClass = "auth"

	// ClassTransient indicates a server-side or network fault that a plain
	// retry may clear (HTTP 5xx, connection resets, timeouts).
	ClassTransient FailureClass = "transient"

	// ClassCanceled indicates the caller's context was canceled or expired.
	ClassCanceled FailureClass = "canceled"

	// ClassUnknown indicates an unclassified error
	ClassUnknown FailureClass = "unknown"
)

// Retryable returns true if the failure class suggests retrying may succeed.
func (c FailureClass) Retryable() bool {
	switch c {
	case ClassTransient, ClassOverload, ClassRateLimit:
		return true
	default:
		return false
	}
}

// UseFallbackTransport returns true if the error warrants routing the same
// model through its fallback transport, when the catalog declares one.
func (c FailureClass) UseFallbackTransport() bool {
	switch c {
	case ClassOverload, ClassRateLimit:
		return true
	default:
		return false
	}
}

// RepairHistory returns true if the thread history should be repaired and the
// request replayed once before the failure is surfaced.
func (c FailureClass) RepairHistory() bool {
	return c == ClassToolPairing
}

// TransportError represents a structured error from an LLM transport.
// It captures context needed for retry logic, fallback decisions, and debugging.
type TransportError struct {
	// Class categorizes the error for retry/fallback logic
	Class FailureClass

	// Provider is the name of the transport (e.g., "anthropic", "openai")
	Provider string

	// Model is the model that was requested
	Model string

	// Status is the HTTP status code, if applicable
	Status int

	// Code is the provider-specific error code
	Code string

	// Message is the human-readable error message
	Message string

	// RequestID is the provider's request ID for debugging
	RequestID string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *TransportError) Error() string {
	var parts []string

	parts = append(parts, fmt.Sprintf("[%s]", e.Class))

	if e.Provider != "" {
		parts = append(parts, e.Provider)
	}

	if e.Model != "" {
		parts = append(parts, fmt.Sprintf("model=%s", e.Model))
	}

	if e.Status != 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.Status))
	}

	if e.Code != "" {
		parts = append(parts, fmt.Sprintf("code=%s", e.Code))
	}

	if e.Message != "" {
		parts = append(parts, e.Message)
	} else if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}

	return strings.Join(parts, " ")
}

// Unwrap returns the underlying error.
func (e *TransportError) Unwrap() error {
	return e.Cause
}

// NewTransportError creates a new TransportError with the given parameters.
func NewTransportError(provider, model string, cause error) *TransportError {
	err := &TransportError{
		Provider: provider,
		Model:    model,
		Cause:    cause,
		Class:    ClassUnknown,
	}

	if cause != nil {
		err.Message = cause.Error()
		err.Class = Classify(cause)
	}

	return err
}

// WithStatus adds the HTTP status to the error and reclassifies from it.
// Message-level classification already applied is kept when it is more
// specific than what the status alone says.
func (e *TransportError) WithStatus(status int) *TransportError {
	e.Status = status
	class := classifyStatus(status)
	if class == ClassNonRetryable && e.Class == ClassToolPairing {
		// A pairing rejection arrives as a 400; the substring match knows more.
		return e
	}
	if class != ClassUnknown {
		e.Class = class
	}
	return e
}

// WithCode adds a provider-specific error code and reclassifies from it.
// A pairing classification is never downgraded: Bedrock reports pairing
// faults under its generic ValidationException code.
func (e *TransportError) WithCode(code string) *TransportError {
	e.Code = code
	if e.Class == ClassToolPairing {
		return e
	}
	if class := classifyCode(code); class != ClassUnknown {
		e.Class = class
	}
	return e
}

// WithRequestID adds the provider's request ID.
func (e *TransportError) WithRequestID(id string) *TransportError {
	e.RequestID = id
	return e
}

// WithMessage sets the error message and reclassifies pairing rejections,
// which some providers only describe in prose.
func (e *TransportError) WithMessage(msg string) *TransportError {
	e.Message = msg
	if isToolPairingMessage(msg) {
		e.Class = ClassToolPairing
	}
	return e
}

// pairingPhrases are the message fragments providers use for mismatched
// tool_use/tool_result sequences. Matched case-insensitively. Structured
// codes are preferred when present; the phrases catch providers that only
// report the problem in prose.
var pairingPhrases = []string{
	"tool call result does not follow tool call",
	"tool_use ids were found without tool_result blocks",
	"unexpected tool_use_id",
	"tool_result block(s) provided when previous message does not contain any tool_use blocks",
	"messages with role 'tool' must be a response to a preceeding message with 'tool_calls'",
}

func isToolPairingMessage(msg string) bool {
	lower := strings.ToLower(msg)
	for _, phrase := range pairingPhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}

// Classify inspects an error and returns the appropriate FailureClass.
func Classify(err error) FailureClass {
	if err == nil {
		return ClassUnknown
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ClassCanceled
	}

	if te, ok := AsTransportError(err); ok {
		return te.Class
	}

	errStr := strings.ToLower(err.Error())

	if isToolPairingMessage(errStr) {
		return ClassToolPairing
	}

	if strings.Contains(errStr, "overloaded") ||
		strings.Contains(errStr, "529") {
		return ClassOverload
	}

	if strings.Contains(errStr, "rate limit") ||
		strings.Contains(errStr, "rate_limit") ||
		strings.Contains(errStr, "too many requests") ||
		strings.Contains(errStr, "throttl") ||
		strings.Contains(errStr, "429") {
		return ClassRateLimit
	}

	if strings.Contains(errStr, "unauthorized") ||
		strings.Contains(errStr, "invalid api key") ||
		strings.Contains(errStr, "invalid_api_key") ||
		strings.Contains(errStr, "authentication") ||
		strings.Contains(errStr, "401") ||
		strings.Contains(errStr, "403") {
		return ClassAuth
	}

	if strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "timed out") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "broken pipe") ||
		strings.Contains(errStr, "eof") ||
		strings.Contains(errStr, "internal server") ||
		strings.Contains(errStr, "server error") ||
		strings.Contains(errStr, "500") ||
		strings.Contains(errStr, "502") ||
		strings.Contains(errStr, "503") ||
		strings.Contains(errStr, "504") {
		return ClassTransient
	}

	if strings.Contains(errStr, "model not found") ||
		strings.Contains(errStr, "model_not_found") ||
		strings.Contains(errStr, "does not exist") ||
		strings.Contains(errStr, "invalid model") {
		return ClassValidation
	}

	return ClassUnknown
}

// classifyStatus returns a FailureClass based on HTTP status code.
func classifyStatus(status int) FailureClass {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ClassAuth
	case status == http.StatusTooManyRequests:
		return ClassRateLimit
	case status == http.StatusRequestTimeout:
		return ClassTransient
	case status == http.StatusNotFound:
		return ClassValidation
	case status == http.StatusBadRequest ||
		status == http.StatusRequestEntityTooLarge ||
		status == http.StatusUnprocessableEntity:
		return ClassNonRetryable
	case status == 529:
		return ClassOverload
	case status >= 500:
		return ClassTransient
	default:
		return ClassUnknown
	}
}

// classifyCode returns a FailureClass based on provider-specific error codes.
func classifyCode(code string) FailureClass {
	switch strings.ToLower(code) {
	case "overloaded_error":
		return ClassOverload
	case "rate_limit_error", "rate_limit_exceeded", "throttlingexception":
		return ClassRateLimit
	case "authentication_error", "permission_error", "invalid_api_key",
		"accessdeniedexception", "unrecognizedclientexception":
		return ClassAuth
	case "tool_pairing_error":
		return ClassToolPairing
	case "not_found_error", "model_not_found", "model_not_available",
		"resourcenotfoundexception":
		return ClassValidation
	case "api_error", "internal_error", "server_error",
		"internalserverexception", "serviceunavailableexception",
		"modeltimeoutexception":
		return ClassTransient
	case "invalid_request_error", "request_too_large",
		"validationexception":
		return ClassNonRetryable
	default:
		return ClassUnknown
	}
}

// IsTransportError checks if an error is a TransportError.
func IsTransportError(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// AsTransportError extracts a TransportError from an error chain.
func AsTransportError(err error) (*TransportError, bool) {
	var te *TransportError
	if errors.As(err, &te) {
		return te, true
	}
	return nil, false
}

// IsRetryable checks if an error should be retried.
func IsRetryable(err error) bool {
	return Classify(err).Retryable()
}

// IsOverload reports whether an error is a provider overload rejection.
// Overload retries use a gentler backoff than ordinary transients.
func IsOverload(err error) bool {
	return Classify(err) == ClassOverload
}

// NeedsPairingRepair reports whether the provider rejected the message
// sequence over tool call pairing.
func NeedsPairingRepair(err error) bool {
	return Classify(err).RepairHistory()
}
