// Package errors provides the structured error type shared by every
// package of the pipeline engine. Errors carry a machine-readable code, a
// human-readable message, an optional cause, and optional structured
// details such as the offending step name or provider identifier.
//
// # Error Categories
//
// Codes are grouped into categories that describe where a failure was
// detected and how callers are expected to react:
//
//   - Validation errors: malformed input to an engine API
//   - Pipeline errors: a pipeline definition failed its build-time checks
//   - Routing errors: no provider can satisfy a required capability
//   - Provider errors: an adapter invocation failed (transient or permanent)
//   - Budget errors: a tenant budget policy denied an estimated cost
//   - Compensation errors: a compensating action failed during rollback
//   - NotFound and Conflict errors: catalog and registry lookups
//   - Internal, Unavailable and Timeout errors: storage and dependencies
//
// # Error Codes
//
// Codes follow the pattern CATEGORY_XXX, for example "PROV_001". The
// category prefix drives the category checks ([IsProviderError],
// [IsRetryable], ...) so new codes inside an existing category need no
// additional plumbing.
//
// # Usage
//
//	err := errors.InvalidPipeline(errors.CodeInvalidPipelineDuplicateStep,
//	    "duplicate step name").WithDetail("step", "transcribe")
//
//	if errors.IsTransient(err) {
//	    // retry on the same provider
//	}
package errors
