package errors

import (
	"errors"
)

// AsError attempts to convert an error to an *Error by traversing the
// error chain with errors.As.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// GetCode returns the error code from an error, or "" if err is nil or no
// *Error is present in the chain.
func GetCode(err error) Code {
	if e, ok := AsError(err); ok {
		return e.Code
	}
	return ""
}

// HasCode reports whether err carries the specified error code.
func HasCode(err error, code Code) bool {
	return GetCode(err) == code
}

func hasCategory(err error, category string) bool {
	e, ok := AsError(err)
	return ok && e.Code.Category() == category
}

// IsValidation reports whether err is a validation error (VAL_xxx).
func IsValidation(err error) bool {
	return hasCategory(err, "VAL")
}

// IsAuthentication reports whether err is an authentication error (AUTH_xxx).
func IsAuthentication(err error) bool {
	return hasCategory(err, "AUTH")
}

// IsNotFound reports whether err is a not found error (NF_xxx).
func IsNotFound(err error) bool {
	return hasCategory(err, "NF")
}

// IsConflict reports whether err is a conflict error (CONF_xxx).
func IsConflict(err error) bool {
	return hasCategory(err, "CONF")
}

// IsInternal reports whether err is an internal error (INT_xxx).
func IsInternal(err error) bool {
	return hasCategory(err, "INT")
}

// IsUnavailable reports whether err is a service unavailable error (UNAVAIL_xxx).
func IsUnavailable(err error) bool {
	return hasCategory(err, "UNAVAIL")
}

// IsTimeout reports whether err is a timeout error (TIMEOUT_xxx).
func IsTimeout(err error) bool {
	return hasCategory(err, "TIMEOUT")
}

// IsInvalidPipeline reports whether err is a pipeline construction error
// (PIPE_xxx).
func IsInvalidPipeline(err error) bool {
	return hasCategory(err, "PIPE")
}

// IsNoProviderAvailable reports whether err is a routing error (ROUTE_xxx).
func IsNoProviderAvailable(err error) bool {
	return hasCategory(err, "ROUTE")
}

// IsBudgetExceeded reports whether err is a budget denial (BUDGET_xxx).
func IsBudgetExceeded(err error) bool {
	return hasCategory(err, "BUDGET")
}

// IsProviderError reports whether err is a provider failure (PROV_xxx).
func IsProviderError(err error) bool {
	return hasCategory(err, "PROV")
}

// IsTransient reports whether err is a retryable provider failure.
func IsTransient(err error) bool {
	return HasCode(err, CodeProviderTransient)
}

// IsPermanent reports whether err is a non-retryable provider failure.
func IsPermanent(err error) bool {
	return HasCode(err, CodeProviderPermanent)
}

// IsRetryable reports whether the operation that produced err may be
// retried. Timeouts, unavailable dependencies and transient provider
// failures are retryable; routing, budget and permanent provider errors
// are not.
func IsRetryable(err error) bool {
	e, ok := AsError(err)
	if !ok {
		return false
	}
	switch e.Code.Category() {
	case "TIMEOUT", "UNAVAIL":
		return true
	case "PROV":
		return e.Code == CodeProviderTransient
	default:
		return false
	}
}

// IsClientError reports whether err is attributable to the caller (4xx).
func IsClientError(err error) bool {
	e, ok := AsError(err)
	if !ok {
		return false
	}
	switch e.Code.Category() {
	case "VAL", "AUTH", "BUDGET", "NF", "CONF", "PIPE":
		return true
	default:
		return false
	}
}

// IsServerError reports whether err is attributable to the engine or its
// dependencies (5xx).
func IsServerError(err error) bool {
	e, ok := AsError(err)
	if !ok {
		return false
	}
	switch e.Code.Category() {
	case "INT", "COMP", "PROV", "ROUTE", "UNAVAIL", "TIMEOUT":
		return true
	default:
		return false
	}
}
