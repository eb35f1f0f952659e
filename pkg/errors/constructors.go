package errors

import (
	"errors"
	"fmt"
)

// New creates a new Error with the specified code and message.
func New(code Code, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

// Newf creates a new Error with the specified code and formatted message.
//
// Example:
//
//	err := errors.Newf(errors.CodeNotFoundPipeline, "pipeline %q not registered", name)
func Newf(code Code, format string, args ...any) *Error {
	return &Error{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

// Wrap wraps an existing error with a code and message. If err is nil,
// Wrap returns nil.
//
// Example:
//
//	if err := rows.Err(); err != nil {
//	    return errors.Wrap(err, errors.CodeInternalDatabase, "persistence: failed to read events")
//	}
func Wrap(err error, code Code, message string) *Error {
	if err == nil {
		return nil
	}
	return &Error{
		Code:    code,
		Message: message,
		Cause:   err,
	}
}

// Wrapf wraps an existing error with a formatted message. If err is nil,
// Wrapf returns nil.
func Wrapf(err error, code Code, format string, args ...any) *Error {
	if err == nil {
		return nil
	}
	return &Error{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		Cause:   err,
	}
}

// Validation creates a new validation error.
func Validation(message string) *Error {
	return New(CodeValidation, message)
}

// Validationf creates a new validation error with a formatted message.
func Validationf(format string, args ...any) *Error {
	return Newf(CodeValidation, format, args...)
}

// NotFound creates a new not found error.
func NotFound(message string) *Error {
	return New(CodeNotFound, message)
}

// NotFoundf creates a new not found error with a formatted message.
func NotFoundf(format string, args ...any) *Error {
	return Newf(CodeNotFound, format, args...)
}

// Conflict creates a new conflict error.
func Conflict(message string) *Error {
	return New(CodeConflict, message)
}

// Internal creates a new internal error.
func Internal(message string) *Error {
	return New(CodeInternal, message)
}

// Internalf creates a new internal error with a formatted message.
func Internalf(format string, args ...any) *Error {
	return Newf(CodeInternal, format, args...)
}

// Unavailable creates a new service unavailable error.
func Unavailable(message string) *Error {
	return New(CodeUnavailable, message)
}

// Timeout creates a new timeout error.
func Timeout(message string) *Error {
	return New(CodeTimeout, message)
}

// InvalidPipeline creates a pipeline construction error. The code should
// be one of the PIPE_xxx codes; the violation detail mirrors the message
// so callers can branch without parsing text.
//
// Example:
//
//	err := errors.InvalidPipeline(errors.CodeInvalidPipelineDanglingBinding,
//	    "input binding is not produced by an earlier step").
//	    WithDetail("step", "summarize").WithDetail("binding", "redacted")
func InvalidPipeline(code Code, message string) *Error {
	if code.Category() != "PIPE" {
		code = CodeInvalidPipeline
	}
	return New(code, message).WithDetail("violation", message)
}

// DuplicateProvider creates the error returned when a provider is
// re-registered with a different capability set.
func DuplicateProvider(providerID string) *Error {
	return Newf(CodeConflictDuplicateProvider,
		"provider %q is already registered with a different capability set", providerID).
		WithDetail("provider", providerID)
}

// NoProviderAvailable creates the routing error returned when no provider
// satisfies the capability.
func NoProviderAvailable(capability string) *Error {
	return Newf(CodeNoProviderAvailable, "no provider available for capability %q", capability).
		WithDetail("capability", capability)
}

// Transient creates a retryable provider error.
func Transient(message string) *Error {
	return New(CodeProviderTransient, message)
}

// WrapTransient marks err as a retryable provider failure. If err is nil,
// WrapTransient returns nil.
func WrapTransient(err error, message string) *Error {
	return Wrap(err, CodeProviderTransient, message)
}

// Permanent creates a provider error that must not be retried.
func Permanent(message string) *Error {
	return New(CodeProviderPermanent, message)
}

// WrapPermanent marks err as a non-retryable provider failure. If err is
// nil, WrapPermanent returns nil.
func WrapPermanent(err error, message string) *Error {
	return Wrap(err, CodeProviderPermanent, message)
}

// BudgetExceeded creates the error describing a denied budget check.
// Amounts are passed as strings so this package stays free of a money type.
func BudgetExceeded(tenant, policy, spend, estimate, limit string) *Error {
	return Newf(CodeBudgetExceeded,
		"budget exceeded for tenant %q: spend %s + estimate %s exceeds limit %s under %s",
		tenant, spend, estimate, limit, policy).
		WithDetails(map[string]any{
			"tenant":   tenant,
			"policy":   policy,
			"spend":    spend,
			"estimate": estimate,
			"limit":    limit,
		})
}

// FromError converts a standard error to an Error. An *Error anywhere in
// the chain is returned as-is; anything else is wrapped as internal.
func FromError(err error) *Error {
	if err == nil {
		return nil
	}

	var e *Error
	if errors.As(err, &e) {
		return e
	}

	return Wrap(err, CodeInternal, "an unexpected error occurred")
}
