package capability

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	sserr "github.com/StricklySoft/stricklysoft-pipelines/pkg/errors"
)

// Request is one invocation of a provider adapter.
type Request struct {
	// Capability is the unit of work requested. Adapters that satisfy
	// several capabilities dispatch on it.
	Capability Capability

	// Input is the bound input value. Steps with a single input binding
	// receive the value itself; steps with several receive a
	// map[string]any keyed by binding name.
	Input any

	// Options are the step's adapter options, passed through untouched.
	Options map[string]any
}

// Result is the outcome of a provider invocation.
type Result struct {
	// Output is stored under the step's output binding.
	Output any

	// Cost is the actual amount billed for the invocation. Adapters
	// should report it even when returning an error if the provider
	// billed the failed attempt.
	Cost decimal.Decimal

	// Usage carries provider-specific usage metadata (tokens, seconds).
	Usage map[string]any
}

// Adapter is the uniform invocation contract every provider implements.
//
// Invoke must honor ctx: the coordinator bounds every attempt with the
// step's timeout and treats an overrun as a retryable failure. Errors
// should be classified with [Transient] or [Permanent]; unclassified
// errors are treated as transient.
//
// EstimateCost must be pure and non-blocking. It is called before every
// candidate invocation to pre-check the tenant budget.
type Adapter interface {
	Invoke(ctx context.Context, req Request) (Result, error)
	EstimateCost(input any) decimal.Decimal
}

// AdapterFunc adapts a function and a cost model into an [Adapter]. The
// estimate uses [SizeOf] on the input.
type AdapterFunc struct {
	Fn   func(ctx context.Context, req Request) (Result, error)
	Cost CostModel
}

var _ Adapter = AdapterFunc{}

// Invoke calls the wrapped function.
func (a AdapterFunc) Invoke(ctx context.Context, req Request) (Result, error) {
	if a.Fn == nil {
		return Result{}, sserr.Permanent("capability: adapter function is nil")
	}
	return a.Fn(ctx, req)
}

// EstimateCost applies the cost model to the input size.
func (a AdapterFunc) EstimateCost(input any) decimal.Decimal {
	return a.Cost.Estimate(SizeOf(input))
}

// SizeOf returns a size hint for common input shapes: the length of
// strings and byte slices, the sum over string maps and slices, and 1 for
// anything else non-nil.
func SizeOf(input any) int64 {
	switch v := input.(type) {
	case nil:
		return 0
	case string:
		return int64(len(v))
	case []byte:
		return int64(len(v))
	case []string:
		var n int64
		for _, s := range v {
			n += int64(len(s))
		}
		return n
	case map[string]any:
		var n int64
		for _, item := range v {
			n += SizeOf(item)
		}
		return n
	case interface{ Size() int64 }:
		return v.Size()
	default:
		return 1
	}
}

// Transient marks err as a retryable provider failure. If err is nil,
// Transient returns nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return sserr.WrapTransient(err, "provider failed transiently")
}

// Permanent marks err as a provider failure that must not be retried on
// the same provider. If err is nil, Permanent returns nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return sserr.WrapPermanent(err, "provider failed permanently")
}

// IsPermanent reports whether err ends retries on the current provider.
// Permanent provider errors and structured errors of non-retryable
// categories (validation, routing, budget) are permanent; transient
// provider errors, timeouts, unavailability and unclassified errors are not.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	if sserr.IsPermanent(err) {
		return true
	}
	if sserr.IsRetryable(err) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	_, structured := sserr.AsError(err)
	return structured
}
