package apperr

// Code represents a machine-readable error code.
type Code string

// Pipeline errors.
const (
	// CodeInvalidReference indicates the submitted reference is neither a
	// recognized video URL nor a bare video ID.
	CodeInvalidReference Code = "INVALID_REFERENCE"
	// CodeSourceUnavailable indicates the upstream source rejected the
	// reference or audio extraction failed.
	CodeSourceUnavailable Code = "SOURCE_UNAVAILABLE"
	// CodeTranscriptionExhausted indicates every transcription backend failed.
	CodeTranscriptionExhausted Code = "TRANSCRIPTION_EXHAUSTED"
	// CodeSummarizationUnavailable indicates the summarization backend failed.
	CodeSummarizationUnavailable Code = "SUMMARIZATION_UNAVAILABLE"
	// CodeCancelled indicates the job was cancelled by request.
	CodeCancelled Code = "CANCELLED"
	// CodePersistenceFailure indicates the pipeline finished but the result
	// could not be durably recorded.
	CodePersistenceFailure Code = "PERSISTENCE_FAILURE"
	// CodeDuplicateInFlight indicates a submission matched a job already in
	// flight. This is a redirection to the existing job, not a failure.
	CodeDuplicateInFlight Code = "DUPLICATE_IN_FLIGHT"
)

// Request/auth errors.
const (
	// CodeInvalidInput indicates the request input is invalid.
	CodeInvalidInput Code = "INVALID_INPUT"
	// CodeNotFound indicates the requested resource was not found.
	CodeNotFound Code = "NOT_FOUND"
	// CodeUnauthorized indicates the request carries no usable credentials.
	CodeUnauthorized Code = "UNAUTHORIZED"
	// CodeInvalidToken indicates the bearer token failed validation.
	CodeInvalidToken Code = "INVALID_TOKEN"
	// CodeInternal indicates an unexpected internal error.
	CodeInternal Code = "INTERNAL_ERROR"
)

var retryableCodes = map[Code]bool{
	CodeSourceUnavailable:        true,
	CodeTranscriptionExhausted:   true,
	CodeSummarizationUnavailable: true,
	CodePersistenceFailure:       true,
}

// IsRetryableCode returns true if a fresh submission of the same reference
// could plausibly succeed.
func IsRetryableCode(code Code) bool {
	return retryableCodes[code]
}
