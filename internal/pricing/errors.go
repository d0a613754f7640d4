package pricing

import "errors"

// Predefined errors for pricing engine operations. Validation errors are
// rejected synchronously and never retried; ErrConfigurationChanged is
// retryable; resolution errors are fatal for the single calculation attempt.
var (
	ErrNoConfiguration      = errors.New("pricing: no pricing configuration found for node or any ancestor")
	ErrCorruptHierarchy     = errors.New("pricing: node hierarchy contains a cycle")
	ErrInvalidContext       = errors.New("pricing: net weight, metal rate and gemstone cost must be non-negative")
	ErrEmptyConfiguration   = errors.New("pricing: configuration has no active components")
	ErrComponentNotFound    = errors.New("pricing: component not found in configuration")
	ErrFreezeReasonRequired = errors.New("pricing: freezing a component requires a reason")
	ErrComponentFrozen      = errors.New("pricing: component is already frozen")
	ErrComponentNotFrozen   = errors.New("pricing: component is not frozen")
	ErrJobAlreadyInProgress = errors.New("pricing: a recalculation job is already in progress for this target")
	ErrConfigurationChanged = errors.New("pricing: configuration changed during recalculation")
	ErrRetryLimitExceeded   = errors.New("pricing: job retry limit exceeded")
	ErrJobNotRetryable      = errors.New("pricing: only FAILED or PARTIAL jobs can be retried")
	ErrInvalidTarget        = errors.New("pricing: exactly one of configuration id or metal type must be set")
)
