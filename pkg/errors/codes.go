package errors

// Code represents a machine-readable error code. Codes follow the pattern
// CATEGORY_XXX where CATEGORY is a short identifier (e.g. PIPE, PROV) and
// XXX is a three-digit number. Codes are stable once assigned.
type Code string

// Error code categories:
//
//	VAL_xxx     - Validation errors (400 Bad Request)
//	AUTH_xxx    - Authentication errors (401 Unauthorized)
//	BUDGET_xxx  - Budget policy denials (402 Payment Required)
//	NF_xxx      - Not found errors (404 Not Found)
//	CONF_xxx    - Conflict errors (409 Conflict)
//	PIPE_xxx    - Invalid pipeline definitions (422 Unprocessable Entity)
//	INT_xxx     - Internal errors (500 Internal Server Error)
//	COMP_xxx    - Compensation failures (500 Internal Server Error)
//	PROV_xxx    - Provider invocation failures (502 Bad Gateway)
//	ROUTE_xxx   - Capability routing failures (503 Service Unavailable)
//	UNAVAIL_xxx - Service unavailable (503 Service Unavailable)
//	TIMEOUT_xxx - Timeout errors (504 Gateway Timeout)
const (
	// CodeValidation indicates a general validation failure.
	CodeValidation Code = "VAL_001"

	// CodeValidationRequired indicates a required field is missing.
	CodeValidationRequired Code = "VAL_002"

	// CodeValidationFormat indicates a field has an invalid format.
	CodeValidationFormat Code = "VAL_003"

	// CodeValidationRange indicates a value is outside an acceptable range.
	CodeValidationRange Code = "VAL_004"

	// CodeAuthentication indicates no usable identity was found.
	CodeAuthentication Code = "AUTH_001"

	// CodeBudgetExceeded indicates a tenant budget policy denied an
	// estimated cost. Within a step this only disqualifies one candidate.
	CodeBudgetExceeded Code = "BUDGET_001"

	// CodeNotFound indicates a general not found error.
	CodeNotFound Code = "NF_001"

	// CodeNotFoundProvider indicates the provider is not registered.
	CodeNotFoundProvider Code = "NF_002"

	// CodeNotFoundExecution indicates the execution is unknown.
	CodeNotFoundExecution Code = "NF_003"

	// CodeNotFoundPipeline indicates the pipeline is not in the catalog.
	CodeNotFoundPipeline Code = "NF_004"

	// CodeConflict indicates a general conflict error.
	CodeConflict Code = "CONF_001"

	// CodeConflictAlreadyExists indicates the resource already exists.
	CodeConflictAlreadyExists Code = "CONF_002"

	// CodeConflictDuplicateProvider indicates a provider was re-registered
	// with a different capability set without replace intent.
	CodeConflictDuplicateProvider Code = "CONF_004"

	// CodeInvalidPipeline indicates a general pipeline definition error.
	CodeInvalidPipeline Code = "PIPE_001"

	// CodeInvalidPipelineDuplicateStep indicates two steps share a name.
	CodeInvalidPipelineDuplicateStep Code = "PIPE_002"

	// CodeInvalidPipelineDanglingBinding indicates an input binding that
	// no earlier step produces.
	CodeInvalidPipelineDanglingBinding Code = "PIPE_003"

	// CodeInvalidPipelineUnknownCapability indicates a step requires a
	// capability outside the recognized set.
	CodeInvalidPipelineUnknownCapability Code = "PIPE_004"

	// CodeInvalidPipelineDuplicateOutput indicates two steps write the
	// same output binding.
	CodeInvalidPipelineDuplicateOutput Code = "PIPE_005"

	// CodeInternal indicates a general internal error.
	CodeInternal Code = "INT_001"

	// CodeInternalDatabase indicates a database operation failed.
	CodeInternalDatabase Code = "INT_002"

	// CodeInternalConfiguration indicates a configuration error.
	CodeInternalConfiguration Code = "INT_003"

	// CodeInternalStorage indicates a key-value or object storage
	// operation failed.
	CodeInternalStorage Code = "INT_004"

	// CodeCompensationFailed indicates a compensating action failed.
	CodeCompensationFailed Code = "COMP_001"

	// CodeProviderTransient indicates a retryable provider failure.
	CodeProviderTransient Code = "PROV_001"

	// CodeProviderPermanent indicates a provider failure that must not be
	// retried on the same provider.
	CodeProviderPermanent Code = "PROV_002"

	// CodeNoProviderAvailable indicates no registered provider satisfies a
	// capability. It is never retried.
	CodeNoProviderAvailable Code = "ROUTE_001"

	// CodeUnavailable indicates a general service unavailable error.
	CodeUnavailable Code = "UNAVAIL_001"

	// CodeUnavailableDependency indicates a dependent service is unavailable.
	CodeUnavailableDependency Code = "UNAVAIL_002"

	// CodeUnavailableOverloaded indicates the engine is at its admission
	// limit or shutting down.
	CodeUnavailableOverloaded Code = "UNAVAIL_003"

	// CodeTimeout indicates a general timeout error.
	CodeTimeout Code = "TIMEOUT_001"

	// CodeTimeoutDatabase indicates a database operation timed out.
	CodeTimeoutDatabase Code = "TIMEOUT_002"

	// CodeTimeoutDependency indicates a call to a dependency timed out.
	CodeTimeoutDependency Code = "TIMEOUT_003"
)

// String returns the string representation of the error code.
func (c Code) String() string {
	return string(c)
}

// Category returns the category prefix of the error code (e.g. "PROV").
func (c Code) Category() string {
	s := string(c)
	for i, r := range s {
		if r == '_' {
			return s[:i]
		}
	}
	return s
}
