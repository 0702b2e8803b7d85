// Package errors provides severity-aware data-quality error types.
package errors

import "fmt"

// Severity indicates error impact level.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityError
	SeverityFatal
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// QualityError is a structured error with derivation context.
type QualityError struct {
	Code           string   `json:"code"`
	Message        string   `json:"message"`
	Severity       Severity `json:"severity"`
	UserID         string   `json:"user_id,omitempty"`
	ExperimentName string   `json:"experiment_name,omitempty"`
	Recoverable    bool     `json:"recoverable"`
}

func (e *QualityError) Error() string {
	if e.UserID != "" {
		return fmt.Sprintf("[%s] %s: %s (user: %s, experiment: %s)",
			e.Severity, e.Code, e.Message, e.UserID, e.ExperimentName)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Severity, e.Code, e.Message)
}

// Error codes
const (
	ErrCodeClassifyAmbiguous    = "CLASSIFY_AMBIGUOUS"
	ErrCodeDupRankViolation     = "DUP_RANK_VIOLATION"
	ErrCodeMalformedCategorical = "MALFORMED_CATEGORICAL"
	ErrCodeMissingConfig        = "MISSING_EXPERIMENT_CONFIG"
	ErrCodeStructuralInput      = "STRUCTURAL_INPUT"
)

// NewDupRankViolation flags a (user, experiment) partition with zero or
// multiple rank-1 rows. The partition is excluded, not the run.
func NewDupRankViolation(userID, experiment string, rank1Rows int) *QualityError {
	return &QualityError{
		Code:           ErrCodeDupRankViolation,
		Message:        fmt.Sprintf("expected exactly one rank-1 row, found %d", rank1Rows),
		Severity:       SeverityWarning,
		UserID:         userID,
		ExperimentName: experiment,
		Recoverable:    true,
	}
}

// NewMalformedCategorical flags a categorical value outside the expected set.
// The affected row is treated as contaminated.
func NewMalformedCategorical(userID, experiment, field, value string) *QualityError {
	return &QualityError{
		Code:           ErrCodeMalformedCategorical,
		Message:        fmt.Sprintf("unexpected %s value: %q", field, value),
		Severity:       SeverityWarning,
		UserID:         userID,
		ExperimentName: experiment,
		Recoverable:    true,
	}
}

// NewMissingConfig creates the fatal error for an observed experiment that
// has no configured window. The run must abort before writing output.
func NewMissingConfig(experiment string) *QualityError {
	return &QualityError{
		Code:           ErrCodeMissingConfig,
		Message:        fmt.Sprintf("no configuration for experiment %q", experiment),
		Severity:       SeverityFatal,
		ExperimentName: experiment,
		Recoverable:    false,
	}
}

// NewStructural creates a fatal input-shape error (missing columns, wrong
// types). Downstream statistics must never run against a partial cohort.
func NewStructural(msg string) *QualityError {
	return &QualityError{
		Code:        ErrCodeStructuralInput,
		Message:     msg,
		Severity:    SeverityFatal,
		Recoverable: false,
	}
}

// IsFatal reports whether err carries a fatal QualityError.
func IsFatal(err error) bool {
	qe, ok := err.(*QualityError)
	return ok && qe.Severity == SeverityFatal
}
