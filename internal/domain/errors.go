package domain

import "errors"

// Input validity failures. None of them are transient; retrying the same input
// yields the same error.
var (
	ErrEmptyInput             = errors.New("empty input")
	ErrRegionMismatch         = errors.New("observations span several regions")
	ErrReportingPointMismatch = errors.New("observations span several reporting points")
	ErrNoMatches              = errors.New("no observation within sane distance of centroid")
	ErrSchemaMismatch         = errors.New("locations schema version mismatch")
)

// FailureReason maps a consensus error to a short label for metrics and logs.
func FailureReason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrEmptyInput):
		return "empty_input"
	case errors.Is(err, ErrRegionMismatch):
		return "region_mismatch"
	case errors.Is(err, ErrReportingPointMismatch):
		return "reporting_point_mismatch"
	case errors.Is(err, ErrNoMatches):
		return "no_matches"
	default:
		return "other"
	}
}

// IsContractViolation reports whether err means the caller assembled a
// heterogeneous observation set.
func IsContractViolation(err error) bool {
	return errors.Is(err, ErrRegionMismatch) || errors.Is(err, ErrReportingPointMismatch)
}
