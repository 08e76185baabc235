package types

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorCode is a typed string for categorizing application errors.
type ErrorCode string

// Error code constants. Handlers and services use these instead of literals.
const (
	// Validation (400)
	ErrCodeValidationMissingField     ErrorCode = "validation_missing_required_field"
	ErrCodeValidationInvalidType      ErrorCode = "validation_invalid_notification_type"
	ErrCodeValidationInvalidPriority  ErrorCode = "validation_invalid_priority"
	ErrCodeValidationInvalidVariable  ErrorCode = "validation_invalid_variable"
	ErrCodeValidationInvalidEmail     ErrorCode = "validation_invalid_email"
	ErrCodeValidationMissingTarget    ErrorCode = "validation_missing_delivery_target"
	ErrCodeValidationInvalidEnvelope  ErrorCode = "validation_invalid_envelope"
	ErrCodeValidationSchemaVersion    ErrorCode = "validation_unsupported_schema_version"
	ErrCodeValidationInvalidSignature ErrorCode = "validation_invalid_signature"
	ErrCodeValidationInvalidField     ErrorCode = "validation_invalid_field"

	// Not Found (404)
	ErrCodeNotFoundUser         ErrorCode = "not_found_user"
	ErrCodeNotFoundTemplate     ErrorCode = "not_found_template"
	ErrCodeNotFoundNotification ErrorCode = "not_found_notification"
	ErrCodeNotFoundDeadLetter   ErrorCode = "not_found_dead_letter"

	// Conflict (409)
	ErrCodeConflictIdempotency ErrorCode = "conflict_idempotency_in_progress"

	// Internal/Upstream (500/502/503)
	ErrCodeInternalDB              ErrorCode = "internal_database_error"
	ErrCodeInternalCache           ErrorCode = "internal_cache_error"
	ErrCodeInternalUnexpected      ErrorCode = "internal_unexpected_error"
	ErrCodeUpstreamBroker          ErrorCode = "upstream_broker_unavailable"
	ErrCodeUpstreamUserService     ErrorCode = "upstream_user_service_unavailable"
	ErrCodeUpstreamTemplateService ErrorCode = "upstream_template_service_unavailable"
	ErrCodeUpstreamEmailProvider   ErrorCode = "upstream_email_provider_unavailable"
	ErrCodeUpstreamPushProvider    ErrorCode = "upstream_push_provider_unavailable"
	ErrCodeUpstreamSMSProvider     ErrorCode = "upstream_sms_provider_unavailable"
	ErrCodeUpstreamRateLimited     ErrorCode = "upstream_rate_limited"
	ErrCodeUpstreamUnavailable     ErrorCode = "upstream_unavailable"
	ErrCodeCircuitOpen             ErrorCode = "circuit_open"

	// Delivery rejected by the provider for a reason a retry cannot fix.
	ErrCodeEmailBlocked      ErrorCode = "email_blocked"
	ErrCodeRecipientRejected ErrorCode = "recipient_rejected"
)

// HTTPStatus maps an ErrorCode to its corresponding HTTP status code.
// Returns 500 for unrecognized error codes.
func (c ErrorCode) HTTPStatus() int {
	s := string(c)
	switch {
	case strings.HasPrefix(s, "validation_"):
		return http.StatusBadRequest
	case strings.HasPrefix(s, "not_found_"):
		return http.StatusNotFound
	case strings.HasPrefix(s, "conflict_"):
		return http.StatusConflict
	case s == string(ErrCodeUpstreamRateLimited):
		return http.StatusTooManyRequests
	case s == string(ErrCodeCircuitOpen):
		return http.StatusServiceUnavailable
	case s == string(ErrCodeEmailBlocked), s == string(ErrCodeRecipientRejected):
		return http.StatusUnprocessableEntity
	case strings.HasPrefix(s, "upstream_"):
		return http.StatusBadGateway
	case strings.HasPrefix(s, "internal_"):
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// IsPermanent reports whether errors with this code describe a failure that
// repeating the same request cannot fix.
func (c ErrorCode) IsPermanent() bool {
	s := string(c)
	switch {
	case strings.HasPrefix(s, "validation_"), strings.HasPrefix(s, "not_found_"):
		return true
	case c == ErrCodeEmailBlocked, c == ErrCodeRecipientRejected:
		return true
	default:
		return false
	}
}

// AppError is the standard application error type used throughout the service.
// Domain and handler errors are expressed as AppError so the API layer can
// format them and map them to a status code.
type AppError struct {
	Code    ErrorCode      `json:"code"`
	Message string         `json:"message"`
	Err     error          `json:"-"`
	Details map[string]any `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Is/errors.As support.
func (e *AppError) Unwrap() error {
	return e.Err
}

// HTTPStatus returns the HTTP status code corresponding to this error's code.
func (e *AppError) HTTPStatus() int {
	return e.Code.HTTPStatus()
}

// WithDetails returns a copy of the error with the provided details merged in.
func (e *AppError) WithDetails(details map[string]any) *AppError {
	merged := make(map[string]any, len(e.Details)+len(details))
	for k, v := range e.Details {
		merged[k] = v
	}
	for k, v := range details {
		merged[k] = v
	}
	return &AppError{
		Code:    e.Code,
		Message: e.Message,
		Err:     e.Err,
		Details: merged,
	}
}

// NewAppError creates a new AppError with the given code, message, and optional
// underlying error.
func NewAppError(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// NewAppErrorWithDetails creates a new AppError with structured details.
func NewAppErrorWithDetails(code ErrorCode, message string, err error, details map[string]any) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
		Details: details,
	}
}

// permanentError marks an arbitrary error as non-retryable.
type permanentError struct {
	err error
}

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent wraps err so that IsPermanent reports true for it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err is a failure that retrying will not fix.
// The outermost Permanent wrapper or AppError in the single-wrap chain
// decides; joined errors are not searched, so an aggregate classifies itself.
func IsPermanent(err error) bool {
	for err != nil {
		switch e := err.(type) {
		case *permanentError:
			return true
		case *AppError:
			return e.Code.IsPermanent()
		}
		err = errors.Unwrap(err)
	}
	return false
}

// CodeOf extracts the ErrorCode from err, or returns fallback when err does not
// carry an AppError.
func CodeOf(err error, fallback ErrorCode) ErrorCode {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return fallback
}
