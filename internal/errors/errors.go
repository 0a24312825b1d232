package errors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

// Classification buckets every failure the engine can see. Retry and
// circuit breaker decisions key off the classification, never off the
// concrete code.
type Classification string

const (
	// ClassTransientNetwork covers timeouts, resets and remote 5xx. Retryable.
	ClassTransientNetwork Classification = "transient_network"
	// ClassRateLimited means the remote asked us to slow down. Retryable
	// with a longer backoff.
	ClassRateLimited Classification = "rate_limited"
	// ClassResourceUnavailableRemote means the item or channel is gone,
	// private or blocked. Not retryable.
	ClassResourceUnavailableRemote Classification = "resource_unavailable_remote"
	// ClassValidation means the input was malformed. Not retryable.
	ClassValidation Classification = "validation"
	// ClassLocalIO covers disk, database and sink write failures. Retryable
	// within a bounded budget.
	ClassLocalIO Classification = "local_io"
	// ClassFatalConfig means the job configuration itself is unusable and
	// the whole job must abort. Not retryable.
	ClassFatalConfig Classification = "fatal_config"
	// ClassInternal marks unexpected faults that are none of the above.
	ClassInternal Classification = "internal"
)

// Retryable reports whether work failing with this classification may be
// attempted again.
func (c Classification) Retryable() bool {
	switch c {
	case ClassTransientNetwork, ClassRateLimited, ClassLocalIO:
		return true
	default:
		return false
	}
}

// Common error codes
const (
	// Client errors (4xx)
	CodeValidationError = "VALIDATION_ERROR"
	CodeInvalidRequest  = "INVALID_REQUEST"
	CodeUnauthorized    = "UNAUTHORIZED"
	CodeForbidden       = "FORBIDDEN"
	CodeNotFound        = "NOT_FOUND"
	CodeConflict        = "CONFLICT"

	// Authentication specific
	CodeInvalidCredentials = "INVALID_CREDENTIALS"
	CodeInvalidToken       = "INVALID_TOKEN"
	CodeTokenExpired       = "TOKEN_EXPIRED"

	// Resource specific
	CodeJobNotFound     = "JOB_NOT_FOUND"
	CodeChannelInvalid  = "CHANNEL_INVALID"
	CodeJobNotResumable = "JOB_NOT_RESUMABLE"

	// Work errors
	CodeTransientNetwork  = "TRANSIENT_NETWORK"
	CodeRateLimited       = "RATE_LIMITED"
	CodeRemoteUnavailable = "REMOTE_UNAVAILABLE"
	CodeLocalIO           = "LOCAL_IO"
	CodeFatalConfig       = "FATAL_CONFIG"

	// Server errors (5xx)
	CodeInternalError = "INTERNAL_ERROR"
	CodeDatabaseError = "DATABASE_ERROR"
	CodeStorageError  = "STORAGE_ERROR"
)

// AppError represents a structured application error
type AppError struct {
	Code           string         `json:"code"`
	Message        string         `json:"message"`
	Classification Classification `json:"classification"`
	HTTPStatus     int            `json:"-"`
	Details        map[string]any `json:"details,omitempty"`
	Cause          error          `json:"-"`
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithDetails adds details to the error
func (e *AppError) WithDetails(details map[string]any) *AppError {
	e.Details = details
	return e
}

// WithCause sets the underlying cause of the error
func (e *AppError) WithCause(err error) *AppError {
	e.Cause = err
	return e
}

// ErrorResponse is the JSON structure returned to clients
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// ErrorBody contains the error details
type ErrorBody struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	RequestID string         `json:"request_id,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// New creates a new AppError
func New(code string, message string, class Classification, httpStatus int) *AppError {
	return &AppError{
		Code:           code,
		Message:        message,
		Classification: class,
		HTTPStatus:     httpStatus,
	}
}

// Client error constructors

func BadRequest(message string) *AppError {
	return New(CodeInvalidRequest, message, ClassValidation, http.StatusBadRequest)
}

func ValidationError(message string) *AppError {
	return New(CodeValidationError, message, ClassValidation, http.StatusBadRequest)
}

func ChannelInvalid(ref string, reason string) *AppError {
	return New(CodeChannelInvalid, fmt.Sprintf("invalid channel reference %q: %s", ref, reason), ClassValidation, http.StatusBadRequest).
		WithDetails(map[string]any{"channel_ref": ref})
}

func Unauthorized(message string) *AppError {
	return New(CodeUnauthorized, message, ClassValidation, http.StatusUnauthorized)
}

func InvalidCredentials() *AppError {
	return New(CodeInvalidCredentials, "invalid username or password", ClassValidation, http.StatusUnauthorized)
}

func InvalidToken(message string) *AppError {
	return New(CodeInvalidToken, message, ClassValidation, http.StatusUnauthorized)
}

func TokenExpired() *AppError {
	return New(CodeTokenExpired, "token has expired", ClassValidation, http.StatusUnauthorized)
}

func Forbidden(message string) *AppError {
	return New(CodeForbidden, message, ClassValidation, http.StatusForbidden)
}

func NotFound(resource string) *AppError {
	return New(CodeNotFound, fmt.Sprintf("%s not found", resource), ClassValidation, http.StatusNotFound)
}

func JobNotFound() *AppError {
	return New(CodeJobNotFound, "job not found", ClassValidation, http.StatusNotFound)
}

func JobNotResumable(status string) *AppError {
	return New(CodeJobNotResumable, fmt.Sprintf("job is %s and cannot be resumed", status), ClassValidation, http.StatusConflict)
}

func Conflict(message string) *AppError {
	return New(CodeConflict, message, ClassValidation, http.StatusConflict)
}

// Work error constructors

func TransientNetwork(message string) *AppError {
	return New(CodeTransientNetwork, message, ClassTransientNetwork, http.StatusServiceUnavailable)
}

func RateLimited(service string) *AppError {
	return New(CodeRateLimited, fmt.Sprintf("%s rate limit exceeded", service), ClassRateLimited, http.StatusTooManyRequests)
}

func RemoteUnavailable(message string) *AppError {
	return New(CodeRemoteUnavailable, message, ClassResourceUnavailableRemote, http.StatusGone)
}

func LocalIO(message string) *AppError {
	return New(CodeLocalIO, message, ClassLocalIO, http.StatusInternalServerError)
}

func FatalConfig(message string) *AppError {
	return New(CodeFatalConfig, message, ClassFatalConfig, http.StatusInternalServerError)
}

// Server error constructors

func InternalError(message string) *AppError {
	return New(CodeInternalError, message, ClassInternal, http.StatusInternalServerError)
}

func DatabaseError(message string) *AppError {
	return New(CodeDatabaseError, message, ClassLocalIO, http.StatusInternalServerError)
}

func StorageError(message string) *AppError {
	return New(CodeStorageError, message, ClassLocalIO, http.StatusInternalServerError)
}

// WriteError writes an error response to the HTTP response writer
func WriteError(w http.ResponseWriter, requestID string, err error) {
	var appErr *AppError
	if !errors.As(err, &appErr) {
		// Wrap unknown errors as internal errors
		appErr = InternalError("an unexpected error occurred").WithCause(err)
	}

	resp := ErrorResponse{
		Error: ErrorBody{
			Code:      appErr.Code,
			Message:   appErr.Message,
			RequestID: requestID,
			Details:   appErr.Details,
		},
	}

	w.Header().Set("Content-Type", "application/json")
	if requestID != "" {
		w.Header().Set("X-Request-ID", requestID)
	}
	w.WriteHeader(appErr.HTTPStatus)
	json.NewEncoder(w).Encode(resp)
}

// WriteJSON writes a JSON response with the request ID header
func WriteJSON(w http.ResponseWriter, requestID string, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	if requestID != "" {
		w.Header().Set("X-Request-ID", requestID)
	}
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// ClassificationOf maps an arbitrary error onto the taxonomy. Unknown
// errors classify as transient_network so flaky infrastructure gets
// retried rather than dead-lettered on first contact.
func ClassificationOf(err error) Classification {
	if err == nil {
		return ClassInternal
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ClassInternal
	}

	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Classification
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return ClassTransientNetwork
	}

	errStr := strings.ToLower(err.Error())

	rateLimitPatterns := []string{
		"too many requests",
		"rate limit",
		"rate-limit",
		"429",
	}
	for _, pattern := range rateLimitPatterns {
		if strings.Contains(errStr, pattern) {
			return ClassRateLimited
		}
	}

	unavailablePatterns := []string{
		"not found",
		"no longer available",
		"unavailable in your country",
		"private",
		"removed",
	}
	for _, pattern := range unavailablePatterns {
		if strings.Contains(errStr, pattern) {
			return ClassResourceUnavailableRemote
		}
	}

	ioPatterns := []string{
		"no space left",
		"permission denied",
		"read-only file system",
		"disk",
	}
	for _, pattern := range ioPatterns {
		if strings.Contains(errStr, pattern) {
			return ClassLocalIO
		}
	}

	return ClassTransientNetwork
}

// IsRetryable returns true if the error is retryable
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return ClassificationOf(err).Retryable()
}

// IsFatal returns true if the error must abort the whole job
func IsFatal(err error) bool {
	return ClassificationOf(err) == ClassFatalConfig
}

// IsValidation returns true if the error is the caller's fault
func IsValidation(err error) bool {
	return ClassificationOf(err) == ClassValidation
}
