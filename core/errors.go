package core

import "errors"

// ErrorCategory classifies a failure for retry and anomaly-reporting
// purposes. It rides along on StepResult and on core_anomalies rows.
type ErrorCategory string

const (
	// CategoryTransient covers timeouts, upstream 5xx, connection resets.
	// Retryable.
	CategoryTransient ErrorCategory = "TRANSIENT"
	// CategoryDataQuality covers schema drift and threshold breaches. Not
	// auto-retryable; the partition fails.
	CategoryDataQuality ErrorCategory = "DATA_QUALITY"
	// CategoryConfiguration covers missing credentials or malformed
	// params. Fatal at run scope.
	CategoryConfiguration ErrorCategory = "CONFIGURATION"
	// CategoryDependency covers a missing upstream partition or a failed
	// registry lookup. The scheduler may retry on the next wave.
	CategoryDependency ErrorCategory = "DEPENDENCY"
	// CategoryTimeout covers a step or workflow timeout. Retryable by
	// policy.
	CategoryTimeout ErrorCategory = "TIMEOUT"
	// CategoryInternal covers invariant violations: cycle detected,
	// duplicate registration. Fatal; never auto-retried.
	CategoryInternal ErrorCategory = "INTERNAL"
)

// Retryable reports whether the category is, in general, safe to retry
// automatically. DATA_QUALITY, CONFIGURATION, and INTERNAL never are.
func (c ErrorCategory) Retryable() bool {
	switch c {
	case CategoryTransient, CategoryTimeout, CategoryDependency:
		return true
	default:
		return false
	}
}

var (
	ErrDuplicateRegistration = errors.New("duplicate registration")
	ErrPipelineNotFound      = errors.New("pipeline not found")
	ErrCycleDetected         = errors.New("cycle detected")
	ErrDependencyMissing     = errors.New("dependency missing")
	ErrDuplicateWorkItem     = errors.New("duplicate work item")
	ErrWorkItemNotFound      = errors.New("work item not found")
	ErrInvalidTransition     = errors.New("invalid state transition")
	ErrCheckpointNotFound    = errors.New("checkpoint not found")
)

// CategorizedError wraps an error with an ErrorCategory so callers across
// package boundaries (StepResult, anomaly records) can inspect why a step
// or partition failed without parsing message text.
type CategorizedError struct {
	Category ErrorCategory
	Err      error
}

func (e *CategorizedError) Error() string {
	if e.Err == nil {
		return string(e.Category)
	}
	return string(e.Category) + ": " + e.Err.Error()
}

func (e *CategorizedError) Unwrap() error { return e.Err }

// NewError wraps err with a category, or returns nil if err is nil.
func NewError(category ErrorCategory, err error) error {
	if err == nil {
		return nil
	}
	return &CategorizedError{Category: category, Err: err}
}

// CategoryOf extracts the ErrorCategory carried by err, defaulting to
// CategoryInternal when err was not raised through NewError.
func CategoryOf(err error) ErrorCategory {
	var ce *CategorizedError
	if errors.As(err, &ce) {
		return ce.Category
	}
	if err == nil {
		return ""
	}
	return CategoryInternal
}
