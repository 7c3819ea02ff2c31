package normalizer

import "fmt"

// Reason classifies why a payload could not be normalized.
type Reason string

const (
	ReasonSchemaMismatch       Reason = "schema_mismatch"
	ReasonMissingRequiredField Reason = "missing_required_field"
	ReasonUnparseableTimestamp Reason = "unparseable_timestamp"
)

// NormalizationError reports a malformed input payload. Malformed events are
// logged and dropped, never silently coerced; downstream correlation
// correctness depends on event fidelity.
type NormalizationError struct {
	Reason Reason
	Field  string
	Err    error
}

func (e *NormalizationError) Error() string {
	msg := fmt.Sprintf("normalization failed: %s", e.Reason)
	if e.Field != "" {
		msg += fmt.Sprintf(" (field %q)", e.Field)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *NormalizationError) Unwrap() error {
	return e.Err
}

func schemaMismatch(err error) *NormalizationError {
	return &NormalizationError{Reason: ReasonSchemaMismatch, Err: err}
}

func missingField(field string) *NormalizationError {
	return &NormalizationError{Reason: ReasonMissingRequiredField, Field: field}
}

func badTimestamp(field string, err error) *NormalizationError {
	return &NormalizationError{Reason: ReasonUnparseableTimestamp, Field: field, Err: err}
}
