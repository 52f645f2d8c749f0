package core

import (
	"errors"
	"fmt"
)

// Domain errors - centralized error definitions
var (
	// Not found errors
	ErrNotFound         = errors.New("resource not found")
	ErrFeatureNotFound  = fmt.Errorf("%w: feature", ErrNotFound)
	ErrRunNotFound      = fmt.Errorf("%w: run", ErrNotFound)
	ErrArtifactNotFound = fmt.Errorf("%w: artifact", ErrNotFound)

	// Configuration errors - caller mistakes, surfaced before any fitting
	ErrEmptySeries      = errors.New("feature series has no usable observations")
	ErrInvalidFormula   = errors.New("invalid kinetic formula")
	ErrNotNested        = errors.New("alternative model does not nest the null model")
	ErrMissingStart     = errors.New("no starting value for parameter and no heuristic applies")
	ErrUnknownParameter = errors.New("parameter not defined by model form")
	ErrInvalidDesign    = errors.New("invalid exposure design")

	// Numerical failures - recorded per feature, never fatal for a batch
	ErrInsufficientData = errors.New("insufficient data for requested model")
	ErrSingularJacobian = errors.New("jacobian is singular or ill-conditioned")
	ErrMaxIterations    = errors.New("solver exceeded maximum iterations")
	ErrSolverDiverged   = errors.New("solver diverged to non-finite values")

	// Moderation errors - fatal for the moderation step
	ErrTooFewVariances  = errors.New("fewer than two usable residual variances")
	ErrDegenerateSpread = errors.New("residual variances are degenerate")
)

// Error constructors with context
func NewNotFoundError(resource string, id string) error {
	return fmt.Errorf("%w: %s with id %s", ErrNotFound, resource, id)
}

func NewValidationError(field string, reason string) error {
	return fmt.Errorf("validation failed for %s: %s", field, reason)
}

func NewNestingError(detail string) error {
	return fmt.Errorf("%w: %s", ErrNotNested, detail)
}

func NewInsufficientDataError(have, need int) error {
	return fmt.Errorf("%w: %d observations for %d free parameters", ErrInsufficientData, have, need)
}

// Error checking helpers
func IsNotFoundError(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func IsConfigurationError(err error) bool {
	return errors.Is(err, ErrEmptySeries) ||
		errors.Is(err, ErrInvalidFormula) ||
		errors.Is(err, ErrNotNested) ||
		errors.Is(err, ErrMissingStart) ||
		errors.Is(err, ErrUnknownParameter) ||
		errors.Is(err, ErrInvalidDesign)
}

func IsFitFailure(err error) bool {
	return errors.Is(err, ErrInsufficientData) ||
		errors.Is(err, ErrSingularJacobian) ||
		errors.Is(err, ErrMaxIterations) ||
		errors.Is(err, ErrSolverDiverged)
}

func IsModerationError(err error) bool {
	return errors.Is(err, ErrTooFewVariances) ||
		errors.Is(err, ErrDegenerateSpread)
}
