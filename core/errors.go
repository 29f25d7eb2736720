package core

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrorKind classifies control-plane failures. The set is closed: callers
// match on kind, never on message text.
type ErrorKind string

const (
	KindValidation          ErrorKind = "VALIDATION_ERROR"
	KindNotFound            ErrorKind = "NOT_FOUND"
	KindNameConflict        ErrorKind = "NAME_CONFLICT"
	KindStartupInProgress   ErrorKind = "STARTUP_IN_PROGRESS"
	KindStartupTimeout      ErrorKind = "STARTUP_TIMEOUT"
	KindHealthCheckTimeout  ErrorKind = "HEALTH_CHECK_TIMEOUT"
	KindHealthCheckFailed   ErrorKind = "HEALTH_CHECK_FAILED"
	KindProviderTimeout     ErrorKind = "PROVIDER_TIMEOUT"
	KindRateLimit           ErrorKind = "RATE_LIMIT_EXCEEDED"
	KindCircuitOpen         ErrorKind = "CIRCUIT_BREAKER_OPEN"
	KindResourceConstraints ErrorKind = "RESOURCE_CONSTRAINTS"
	KindProviderClient      ErrorKind = "PROVIDER_CLIENT_ERROR"
	KindNetwork             ErrorKind = "NETWORK_ERROR"
	KindInternal            ErrorKind = "INTERNAL_ERROR"
)

// Standard sentinel errors for comparison using errors.Is()
// These are generic errors that can be wrapped with additional context
var (
	// Instance-related errors
	ErrInstanceNotFound   = errors.New("instance not found")
	ErrNameConflict       = errors.New("instance name already in use")
	ErrStartupInProgress  = errors.New("startup operation already in progress")
	ErrInvalidTransition  = errors.New("invalid status transition")
	ErrLastUsedRegression = errors.New("lastUsed timestamp would regress")

	// Job-related errors
	ErrJobNotFound      = errors.New("job not found")
	ErrJobAlreadyQueued = errors.New("job already queued")

	// Provider-related errors
	ErrCircuitOpen        = errors.New("circuit breaker is open")
	ErrRateLimited        = errors.New("rate limit exceeded")
	ErrProviderRequest    = errors.New("provider request failed")
	ErrNoProductMatch     = errors.New("no matching product available")
	ErrTemplateNotFound   = errors.New("template not found")
	ErrConnectionFailed   = errors.New("connection failed")
	ErrMaxRetriesExceeded = errors.New("maximum retries exceeded")

	// Configuration errors
	ErrInvalidConfiguration = errors.New("invalid configuration")
	ErrMissingConfiguration = errors.New("missing required configuration")

	// State errors
	ErrAlreadyStarted = errors.New("already started")
	ErrNotInitialized = errors.New("not initialized")
	ErrShuttingDown   = errors.New("service is shutting down")

	// Operation errors
	ErrTimeout         = errors.New("operation timeout")
	ErrContextCanceled = errors.New("context canceled")
)

// ControlError provides structured error information with context.
// It implements the error interface and supports error wrapping.
type ControlError struct {
	Op         string                 // Operation that failed (e.g., "store.Create")
	Kind       ErrorKind              // Closed classification, drives HTTP status
	ID         string                 // Optional ID of the entity involved
	Message    string                 // Human-readable message
	Err        error                  // Underlying error for wrapping
	Status     int                    // Provider HTTP status, when Kind is KindProviderClient
	Code       string                 // Provider error code, when available
	RetryAfter time.Duration          // Suggested wait, when Kind is KindRateLimit
	Retryable  bool                   // Whether a retry may succeed
	Details    map[string]interface{} // Optional structured detail for API responses
}

// Error returns the string representation of the error
func (e *ControlError) Error() string {
	if e.Op != "" && e.Err != nil {
		detail := e.Err.Error()
		if e.Message != "" {
			detail = e.Message
		}
		if e.ID != "" {
			return fmt.Sprintf("%s [%s]: %s", e.Op, e.ID, detail)
		}
		return fmt.Sprintf("%s: %s", e.Op, detail)
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s error", e.Kind)
}

// Unwrap returns the underlying error for use with errors.Is/As
func (e *ControlError) Unwrap() error {
	return e.Err
}

// HTTPStatus maps the error kind to the status code the API surface returns.
func (e *ControlError) HTTPStatus() int {
	switch e.Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindNameConflict, KindStartupInProgress:
		return http.StatusConflict
	case KindStartupTimeout, KindHealthCheckTimeout, KindProviderTimeout:
		return http.StatusRequestTimeout
	case KindRateLimit:
		return http.StatusTooManyRequests
	case KindCircuitOpen, KindHealthCheckFailed, KindResourceConstraints:
		return http.StatusServiceUnavailable
	case KindProviderClient:
		if e.Status >= 400 && e.Status <= 599 {
			return e.Status
		}
		return http.StatusBadGateway
	case KindNetwork:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// NewError creates a ControlError for the given operation and kind.
func NewError(op string, kind ErrorKind, err error) *ControlError {
	return &ControlError{Op: op, Kind: kind, Err: err}
}

// NewValidationError reports invalid caller input. Details carries
// field-level information for the API error envelope.
func NewValidationError(message string, details map[string]interface{}) *ControlError {
	return &ControlError{Kind: KindValidation, Message: message, Details: details}
}

// NewNotFoundError reports a missing entity. sentinel should be one of the
// not-found sentinels above so errors.Is keeps working across wraps.
func NewNotFoundError(op, resource, id string, sentinel error) *ControlError {
	return &ControlError{
		Op:      op,
		Kind:    KindNotFound,
		ID:      id,
		Message: fmt.Sprintf("%s %q not found", resource, id),
		Err:     sentinel,
	}
}

// NewNameConflictError reports a live instance already holding the name.
func NewNameConflictError(op, name string) *ControlError {
	return &ControlError{
		Op:      op,
		Kind:    KindNameConflict,
		ID:      name,
		Message: fmt.Sprintf("an instance named %q already exists", name),
		Err:     ErrNameConflict,
	}
}

// NewRateLimitError reports a provider 429. retryAfter may be zero when the
// provider did not supply a Retry-After header.
func NewRateLimitError(op string, retryAfter time.Duration) *ControlError {
	return &ControlError{
		Op:         op,
		Kind:       KindRateLimit,
		Message:    "provider rate limit exceeded",
		Err:        ErrRateLimited,
		RetryAfter: retryAfter,
		Retryable:  true,
	}
}

// NewCircuitOpenError reports a fail-fast rejection by the circuit breaker.
func NewCircuitOpenError(op string) *ControlError {
	return &ControlError{
		Op:      op,
		Kind:    KindCircuitOpen,
		Message: "provider circuit breaker is open",
		Err:     ErrCircuitOpen,
	}
}

// NewProviderError reports a non-retryable provider response.
func NewProviderError(op string, status int, code, message string) *ControlError {
	return &ControlError{
		Op:        op,
		Kind:      KindProviderClient,
		Message:   message,
		Err:       ErrProviderRequest,
		Status:    status,
		Code:      code,
		Retryable: status >= 500 || status == http.StatusTooManyRequests || status == http.StatusRequestTimeout,
	}
}

// NewNetworkError reports a transport-level failure. Always retryable.
func NewNetworkError(op string, err error) *ControlError {
	return &ControlError{
		Op:        op,
		Kind:      KindNetwork,
		Err:       fmt.Errorf("%w: %v", ErrConnectionFailed, err),
		Retryable: true,
	}
}

// NewTimeoutError reports an exceeded deadline for the given kind, which must
// be one of the timeout kinds (provider, startup, health check).
func NewTimeoutError(op string, kind ErrorKind, message string) *ControlError {
	return &ControlError{
		Op:        op,
		Kind:      kind,
		Message:   message,
		Err:       ErrTimeout,
		Retryable: kind == KindProviderTimeout,
	}
}

// KindOf extracts the ErrorKind from err, unwrapping as needed.
// Returns KindInternal when err carries no classification.
func KindOf(err error) ErrorKind {
	var ce *ControlError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindInternal
}

// RetryAfterOf returns the suggested retry delay carried by err, or zero.
func RetryAfterOf(err error) time.Duration {
	var ce *ControlError
	if errors.As(err, &ce) {
		return ce.RetryAfter
	}
	return 0
}

// IsRetryable checks if an error is retryable.
// Retryable errors are typically transient network or availability issues.
func IsRetryable(err error) bool {
	var ce *ControlError
	if errors.As(err, &ce) {
		return ce.Retryable
	}
	return errors.Is(err, ErrConnectionFailed) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrRateLimited)
}

// IsNotFound checks if an error represents a "not found" condition.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrInstanceNotFound) ||
		errors.Is(err, ErrJobNotFound) ||
		errors.Is(err, ErrTemplateNotFound) ||
		KindOf(err) == KindNotFound
}

// IsConflict checks if an error represents a name or startup conflict.
func IsConflict(err error) bool {
	return errors.Is(err, ErrNameConflict) ||
		errors.Is(err, ErrStartupInProgress)
}

// IsConfigurationError checks if an error is configuration-related.
func IsConfigurationError(err error) bool {
	return errors.Is(err, ErrInvalidConfiguration) ||
		errors.Is(err, ErrMissingConfiguration)
}
